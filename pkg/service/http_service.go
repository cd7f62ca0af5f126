package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	"github.com/zenith-engineer/rolloutd/core/pkg/model"
	"github.com/zenith-engineer/rolloutd/pkg/collector"
	"github.com/zenith-engineer/rolloutd/pkg/eval"
	flagsync "github.com/zenith-engineer/rolloutd/pkg/service/flag-sync"
)

var (
	errBadRequest = errors.New("bad request")
	errUpstream   = errors.New("upstream unavailable")
)

type HTTPServiceConfiguration struct {
	Port int32
}

type HTTPService struct {
	HTTPServiceConfiguration *HTTPServiceConfiguration
	Server                   *Server
}

// Server holds the engine components behind the HTTP routes.
type Server struct {
	Flags     eval.IEvaluator
	Admin     IAdmin
	Allocator IAllocations
	Collector IIngester
	Metrics   IMetrics
	Sync      *flagsync.Multiplexer
	Logger    *log.Entry
}

func (h *HTTPService) Serve(ctx context.Context) error {
	if h.HTTPServiceConfiguration == nil {
		return errors.New("http service configuration has not been initialised")
	}
	if h.Server == nil {
		return errors.New("http service has no server")
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", h.HTTPServiceConfiguration.Port),
		Handler:           h.Server.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		h.Server.logger().Infof("listening on %s", srv.Addr)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

// Routes builds the router.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Get("/flags", s.enabledFeatures)
	r.Get("/flags/{key}", s.isFeatureEnabled)

	r.Route("/admin", func(r chi.Router) {
		r.Post("/flags/{key}/enable", s.enableFlag)
		r.Post("/flags/{key}/disable", s.disableFlag)
		r.Put("/flags/{key}/rollout", s.updateRollout)
		r.Post("/flags/{key}/allowed-users", s.addAllowedUser)
		r.Post("/experiments/{id}/status", s.setExperimentStatus)
	})

	r.Post("/experiments/{id}/allocations", s.allocate)
	r.Get("/allocations/{id}", s.lookupAllocation)
	r.Get("/experiments/{id}/metrics", s.computeMetrics)
	r.Post("/events", s.ingest)

	if s.Sync != nil {
		r.Get("/config", s.config)
		r.Get("/config/watch", s.watchConfig)
	}
	return r
}

func (s *Server) logger() *log.Entry {
	if s.Logger == nil {
		return log.WithField("component", "service")
	}
	return s.Logger
}

func userFromQuery(r *http.Request) model.User {
	q := r.URL.Query()
	return model.User{
		ID:        q.Get("userId"),
		Email:     q.Get("email"),
		SessionID: q.Get("sessionId"),
	}
}

func (s *Server) isFeatureEnabled(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	alloc := s.Flags.Evaluate(key, userFromQuery(r))
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"key":     key,
		"enabled": alloc.Included,
		"reason":  alloc.Reason,
	})
}

func (s *Server) enabledFeatures(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"features": s.Flags.EnabledFeatures(userFromQuery(r)),
	})
}

func (s *Server) enableFlag(w http.ResponseWriter, r *http.Request) {
	s.applied(w, s.Admin.EnableFlag(chi.URLParam(r, "key")))
}

func (s *Server) disableFlag(w http.ResponseWriter, r *http.Request) {
	s.applied(w, s.Admin.DisableFlag(chi.URLParam(r, "key")))
}

func (s *Server) updateRollout(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Percentage *float64 `json:"percentage"`
	}
	if err := decode(r, &body); err != nil {
		s.handleError(err, w)
		return
	}
	if body.Percentage == nil {
		s.handleError(fmt.Errorf("%w: percentage is required", errBadRequest), w)
		return
	}
	s.applied(w, s.Admin.UpdateRolloutPercentage(chi.URLParam(r, "key"), *body.Percentage))
}

func (s *Server) addAllowedUser(w http.ResponseWriter, r *http.Request) {
	var body struct {
		UserID string `json:"userId"`
	}
	if err := decode(r, &body); err != nil {
		s.handleError(err, w)
		return
	}
	if body.UserID == "" {
		s.handleError(fmt.Errorf("%w: userId is required", errBadRequest), w)
		return
	}
	s.applied(w, s.Admin.AddAllowedUser(chi.URLParam(r, "key"), body.UserID))
}

func (s *Server) setExperimentStatus(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Status model.Status `json:"status"`
	}
	if err := decode(r, &body); err != nil {
		s.handleError(err, w)
		return
	}

	id := chi.URLParam(r, "id")
	if err := s.Admin.SetExperimentStatus(id, body.Status); err != nil {
		s.handleError(err, w)
		return
	}
	s.publish()
	writeJSON(w, http.StatusOK, map[string]interface{}{"id": id, "status": body.Status})
}

func (s *Server) applied(w http.ResponseWriter, ok bool) {
	if ok {
		s.publish()
	}
	writeJSON(w, http.StatusOK, map[string]bool{"applied": ok})
}

func (s *Server) publish() {
	if s.Sync == nil {
		return
	}
	if err := s.Sync.Publish(); err != nil {
		s.logger().Errorf("unable to publish configuration: %v", err)
	}
}

func (s *Server) allocate(w http.ResponseWriter, r *http.Request) {
	var body struct {
		UserID       string `json:"userId"`
		Email        string `json:"email"`
		SessionID    string `json:"sessionId"`
		ForceVariant string `json:"forceVariant"`
	}
	if err := decode(r, &body); err != nil {
		s.handleError(err, w)
		return
	}

	user := model.User{ID: body.UserID, Email: body.Email, SessionID: body.SessionID}
	alloc := s.Allocator.Allocate(r.Context(), chi.URLParam(r, "id"), user, body.ForceVariant)
	writeJSON(w, http.StatusOK, alloc)
}

func (s *Server) lookupAllocation(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	alloc, ok := s.Allocator.Lookup(id)
	if !ok {
		s.handleError(fmt.Errorf("%w: %s", model.ErrAllocationNotFound, id), w)
		return
	}
	writeJSON(w, http.StatusOK, alloc)
}

func (s *Server) ingest(w http.ResponseWriter, r *http.Request) {
	var batch model.EventBatch
	if err := decode(r, &batch); err != nil {
		s.handleError(err, w)
		return
	}

	stored, err := s.Collector.Ingest(r.Context(), batch)
	if err != nil {
		s.handleError(err, w)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]int{
		"received": len(batch.Events),
		"stored":   stored,
	})
}

func (s *Server) computeMetrics(w http.ResponseWriter, r *http.Request) {
	m, err := s.Metrics.ComputeMetrics(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if !errors.Is(err, model.ErrExperimentNotFound) {
			err = fmt.Errorf("%w: %v", errUpstream, err)
		}
		s.handleError(err, w)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (s *Server) config(w http.ResponseWriter, _ *http.Request) {
	payload := s.Sync.Snapshot()
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Config-Version", fmt.Sprint(payload.Version))
	_, _ = io.WriteString(w, payload.Config)
}

// watchConfig streams one JSON snapshot per line, starting with the current
// one, until the client goes away.
func (s *Server) watchConfig(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.handleError(errors.New("streaming unsupported"), w)
		return
	}

	id := middleware.GetReqID(r.Context())
	if id == "" {
		id = r.RemoteAddr
	}
	ch := make(chan flagsync.Payload, 1)
	current := s.Sync.Register(id, ch)
	defer s.Sync.Unregister(id)

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)

	send := func(p flagsync.Payload) bool {
		if _, err := io.WriteString(w, p.Config+"\n"); err != nil {
			return false
		}
		flusher.Flush()
		return true
	}
	if !send(current) {
		return
	}
	for {
		select {
		case <-r.Context().Done():
			return
		case p := <-ch:
			if !send(p) {
				return
			}
		}
	}
}

func decode(r *http.Request, v interface{}) error {
	if r.Body == nil {
		return nil
	}
	err := json.NewDecoder(r.Body).Decode(v)
	if err == nil || errors.Is(err, io.EOF) {
		return nil
	}
	return fmt.Errorf("%w: %v", errBadRequest, err)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// some basic mapping of errors from model to HTTP
func (s *Server) handleError(err error, w http.ResponseWriter) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, model.ErrFlagNotFound), errors.Is(err, model.ErrExperimentNotFound),
		errors.Is(err, model.ErrAllocationNotFound):
		status = http.StatusNotFound
	case errors.Is(err, model.ErrInvalidTransition):
		status = http.StatusConflict
	case errors.Is(err, model.ErrInvalidStatus), errors.Is(err, collector.ErrInvalidEvent), errors.Is(err, errBadRequest):
		status = http.StatusBadRequest
	case errors.Is(err, errUpstream):
		status = http.StatusBadGateway
	}

	if status >= http.StatusInternalServerError {
		s.logger().Error(err)
	} else {
		s.logger().Debug(err)
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
