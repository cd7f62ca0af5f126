package provider

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"
	"github.com/xeipuuv/gojsonschema"

	"github.com/zenith-engineer/rolloutd/core/pkg/model"
	"github.com/zenith-engineer/rolloutd/core/pkg/store"
)

//go:embed schema/configuration.json
var configurationSchema string

var ErrInvalidConfiguration = errors.New("invalid configuration")

// FilePathProvider loads a JSON configuration file and reloads it whenever
// it is written.
type FilePathProvider struct {
	URI      string
	State    *store.State
	OnUpdate UpdateHandler
	Logger   *log.Entry

	schema *gojsonschema.Schema
}

func NewFilePathProvider(uri string, state *store.State, onUpdate UpdateHandler, logger *log.Entry) *FilePathProvider {
	if logger == nil {
		logger = log.NewEntry(log.StandardLogger())
	}
	return &FilePathProvider{
		URI:      uri,
		State:    state,
		OnUpdate: onUpdate,
		Logger:   logger.WithFields(log.Fields{"component": "provider", "uri": uri}),
	}
}

func (fp *FilePathProvider) Initialize(_ context.Context) error {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(configurationSchema))
	if err != nil {
		return fmt.Errorf("unable to compile configuration schema: %w", err)
	}
	fp.schema = schema
	return fp.load()
}

// Watch reloads the file on every write until ctx is done. Invalid
// revisions are logged and the previous definitions stay in effect.
func (fp *FilePathProvider) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	// editors often replace the file, so watch its directory
	dir := filepath.Dir(fp.URI)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("unable to watch %s: %w", dir, err)
	}
	target := filepath.Clean(fp.URI)

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) {
				if err := fp.load(); err != nil {
					fp.Logger.Errorf("reload failed: %v", err)
				}
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			fp.Logger.Warnf("watcher error: %v", err)
		}
	}
}

func (fp *FilePathProvider) load() error {
	cfg, err := fp.parse()
	if err != nil {
		return err
	}

	notifications := fp.State.Update(cfg.Flags, cfg.Experiments)
	if len(notifications) == 0 {
		fp.Logger.Debug("configuration unchanged")
		return nil
	}
	fp.Logger.Infof("configuration updated: %d changes, %s", len(notifications), fp.State)
	if fp.OnUpdate != nil {
		fp.OnUpdate(notifications)
	}
	return nil
}

func (fp *FilePathProvider) parse() (model.Configuration, error) {
	var cfg model.Configuration
	if fp.URI == "" {
		return cfg, errors.New("no filepath string set")
	}
	raw, err := os.ReadFile(fp.URI)
	if err != nil {
		return cfg, err
	}
	if len(strings.TrimSpace(string(raw))) == 0 {
		// truncate-then-write shows up as an empty file first
		return cfg, fmt.Errorf("%w: empty file", ErrInvalidConfiguration)
	}

	result, err := fp.schema.Validate(gojsonschema.NewBytesLoader(raw))
	if err != nil {
		return cfg, fmt.Errorf("%w: %v", ErrInvalidConfiguration, err)
	}
	if !result.Valid() {
		var problems []string
		for _, e := range result.Errors() {
			problems = append(problems, e.String())
		}
		return cfg, fmt.Errorf("%w: %s", ErrInvalidConfiguration, strings.Join(problems, "; "))
	}

	if err := json.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("%w: %v", ErrInvalidConfiguration, err)
	}
	return cfg, nil
}
