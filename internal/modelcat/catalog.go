// Package modelcat resolves model selectors against the deployment's model
// catalog, a YAML file listing every model the service will accept and which
// provider serves it. The catalog hot-reloads so operators can add or retire
// models without a restart.
package modelcat

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/strandlabs/chatstream/internal/errdefs"
)

// Model is one catalog entry.
type Model struct {
	ID          string `yaml:"id" json:"id"`
	Provider    string `yaml:"provider" json:"provider"`
	DisplayName string `yaml:"displayName,omitempty" json:"displayName,omitempty"`
	Default     bool   `yaml:"default,omitempty" json:"default,omitempty"`
	MaxTokens   int    `yaml:"maxTokens,omitempty" json:"maxTokens,omitempty"`
}

type catalogFile struct {
	Models []Model `yaml:"models"`
}

// Catalog holds the current model set. Reads are lock-cheap; reloads swap the
// whole set at once so resolvers never observe a half-applied catalog.
type Catalog struct {
	path   string
	logger *zap.Logger

	mu       sync.RWMutex
	models   map[string]Model
	ordered  []Model
	fallback Model

	watcher *fsnotify.Watcher
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// Load parses the catalog file and validates it. The system fallback is the
// first entry flagged default, or the first entry when none is.
func Load(path string, logger *zap.Logger) (*Catalog, error) {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Catalog{
		path:   path,
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
	}
	if err := c.Reload(); err != nil {
		cancel()
		return nil, err
	}
	return c, nil
}

// Reload re-parses the catalog file. On any error the previous catalog stays
// in effect.
func (c *Catalog) Reload() error {
	data, err := os.ReadFile(c.path)
	if err != nil {
		return fmt.Errorf("read model catalog: %w", err)
	}

	var parsed catalogFile
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return fmt.Errorf("parse model catalog: %w", err)
	}
	if len(parsed.Models) == 0 {
		return fmt.Errorf("model catalog %s lists no models", c.path)
	}

	models := make(map[string]Model, len(parsed.Models))
	var fallback Model
	for _, m := range parsed.Models {
		if m.ID == "" || m.Provider == "" {
			return fmt.Errorf("model catalog entry missing id or provider: %+v", m)
		}
		if _, dup := models[m.ID]; dup {
			return fmt.Errorf("model catalog lists %q twice", m.ID)
		}
		models[m.ID] = m
		if m.Default && fallback.ID == "" {
			fallback = m
		}
	}
	if fallback.ID == "" {
		fallback = parsed.Models[0]
	}

	c.mu.Lock()
	c.models = models
	c.ordered = parsed.Models
	c.fallback = fallback
	c.mu.Unlock()

	c.logger.Info("Model catalog loaded",
		zap.String("path", c.path),
		zap.Int("models", len(models)),
		zap.String("fallback", fallback.ID),
	)
	return nil
}

// Watch starts hot reloading. The parent directory is watched too because
// editors and config mounts replace files atomically via rename.
func (c *Catalog) Watch() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create catalog watcher: %w", err)
	}
	if err := watcher.Add(c.path); err != nil {
		watcher.Close()
		return fmt.Errorf("watch model catalog: %w", err)
	}
	if err := watcher.Add(filepath.Dir(c.path)); err != nil {
		c.logger.Warn("Failed to watch catalog directory", zap.Error(err))
	}

	c.watcher = watcher
	c.wg.Add(1)
	go c.watchLoop()
	return nil
}

func (c *Catalog) watchLoop() {
	defer c.wg.Done()

	for {
		select {
		case event, ok := <-c.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != filepath.Base(c.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			// Give the writer a moment to finish before parsing.
			time.Sleep(100 * time.Millisecond)
			if err := c.Reload(); err != nil {
				c.logger.Error("Model catalog reload failed, keeping previous catalog",
					zap.Error(err))
			}
		case err, ok := <-c.watcher.Errors:
			if !ok {
				return
			}
			c.logger.Error("Model catalog watcher error", zap.Error(err))
		case <-c.ctx.Done():
			return
		}
	}
}

// Close stops the watcher.
func (c *Catalog) Close() error {
	c.cancel()
	var err error
	if c.watcher != nil {
		err = c.watcher.Close()
	}
	c.wg.Wait()
	return err
}

// Resolve maps a model selector to a catalog entry. An empty selector picks
// the system fallback; an unknown one is a ModelNotFound error.
func (c *Catalog) Resolve(id string) (Model, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if id == "" {
		return c.fallback, nil
	}
	m, ok := c.models[id]
	if !ok {
		return Model{}, errdefs.Newf(errdefs.KindModelNotFound, "model %q is not in the catalog", id)
	}
	return m, nil
}

// Fallback returns the system fallback model.
func (c *Catalog) Fallback() Model {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.fallback
}

// Models returns the catalog in file order.
func (c *Catalog) Models() []Model {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Model, len(c.ordered))
	copy(out, c.ordered)
	return out
}
