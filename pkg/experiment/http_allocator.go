package experiment

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/zenith-engineer/rolloutd/core/pkg/model"
)

// HTTPAllocator asks a remote rolloutd for allocations so that the server
// holds the allocation registry events are joined against. Transport
// failures resolve to an excluded allocation.
type HTTPAllocator struct {
	BaseURL string
	Client  *http.Client
	Logger  *log.Entry
}

func NewHTTPAllocator(baseURL string, logger *log.Entry) *HTTPAllocator {
	if logger == nil {
		logger = log.NewEntry(log.StandardLogger())
	}
	return &HTTPAllocator{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Client:  &http.Client{Timeout: 10 * time.Second},
		Logger:  logger.WithField("component", "http-allocator"),
	}
}

func (h *HTTPAllocator) Allocate(ctx context.Context, experimentID string, user model.User, forceVariant string) model.Allocation {
	alloc, err := h.allocate(ctx, experimentID, user, forceVariant)
	if err != nil {
		h.Logger.Warnf("allocation for experiment %s failed: %v", experimentID, err)
		return model.Excluded(user.SubjectKey(), experimentID, model.ErrorReason, 0)
	}
	return alloc
}

func (h *HTTPAllocator) allocate(ctx context.Context, experimentID string, user model.User, forceVariant string) (model.Allocation, error) {
	var alloc model.Allocation
	body, err := json.Marshal(map[string]string{
		"userId":       user.ID,
		"email":        user.Email,
		"sessionId":    user.SessionID,
		"forceVariant": forceVariant,
	})
	if err != nil {
		return alloc, err
	}

	endpoint := fmt.Sprintf("%s/experiments/%s/allocations", h.BaseURL, url.PathEscape(experimentID))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return alloc, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.Client.Do(req)
	if err != nil {
		return alloc, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return alloc, fmt.Errorf("server responded with status %d", resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(&alloc); err != nil {
		return alloc, fmt.Errorf("unable to decode allocation: %w", err)
	}
	return alloc, nil
}
