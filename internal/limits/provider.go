// Package limits supplies per-tenant concurrency limits and rate overrides.
//
// The static default always applies. An optional YAML overrides file keyed
// by environment or organization id refines it; environment entries win over
// organization entries. Invalid entries are logged and replaced by the
// default, they never fail a request.
package limits

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
	"pkt.systems/pslog"
)

// Policy is the resolved limit set for one tenant.
type Policy struct {
	// Concurrency caps outstanding live requests.
	Concurrency int
	// Rate is nil when no rate override applies.
	Rate Rate
}

// Provider resolves a tenant's Policy.
type Provider interface {
	Policy(environmentID, organizationID string) Policy
}

// Static returns the same Policy for every tenant.
type Static Policy

// Policy implements Provider.
func (s Static) Policy(string, string) Policy { return Policy(s) }

// PolicySpec is one entry of the overrides file.
type PolicySpec struct {
	Concurrency int       `yaml:"concurrency,omitempty"`
	Rate        *RateSpec `yaml:"rate,omitempty"`
}

// FileSpec is the overrides file layout.
type FileSpec struct {
	Default       *PolicySpec           `yaml:"default,omitempty"`
	Environments  map[string]PolicySpec `yaml:"environments,omitempty"`
	Organizations map[string]PolicySpec `yaml:"organizations,omitempty"`
}

type table struct {
	fallback      Policy
	environments  map[string]Policy
	organizations map[string]Policy
}

func (t *table) lookup(env, org string) Policy {
	if p, ok := t.environments[env]; ok && env != "" {
		return p
	}
	if p, ok := t.organizations[org]; ok && org != "" {
		return p
	}
	return t.fallback
}

// decode builds a lookup table from spec. Invalid entries are reported
// through logger and resolved to fallback.
func decode(spec FileSpec, fallback Policy, logger pslog.Logger) *table {
	t := &table{
		fallback:      fallback,
		environments:  make(map[string]Policy, len(spec.Environments)),
		organizations: make(map[string]Policy, len(spec.Organizations)),
	}
	if spec.Default != nil {
		if p, err := spec.Default.resolve(fallback); err != nil {
			logger.Warn("limits.override.invalid", "scope", "default", "error", err)
		} else {
			t.fallback = p
		}
	}
	for id, ps := range spec.Environments {
		p, err := ps.resolve(t.fallback)
		if err != nil {
			logger.Warn("limits.override.invalid", "scope", "environment", "id", id, "error", err)
			p = t.fallback
		}
		t.environments[id] = p
	}
	for id, ps := range spec.Organizations {
		p, err := ps.resolve(t.fallback)
		if err != nil {
			logger.Warn("limits.override.invalid", "scope", "organization", "id", id, "error", err)
			p = t.fallback
		}
		t.organizations[id] = p
	}
	return t
}

func (ps PolicySpec) resolve(fallback Policy) (Policy, error) {
	if ps.Concurrency < 0 {
		return Policy{}, fmt.Errorf("concurrency must not be negative")
	}
	p := Policy{Concurrency: ps.Concurrency, Rate: fallback.Rate}
	if p.Concurrency == 0 {
		p.Concurrency = fallback.Concurrency
	}
	if ps.Rate != nil {
		r, err := ps.Rate.Parse()
		if err != nil {
			return Policy{}, err
		}
		p.Rate = r
	}
	return p, nil
}

// FileProvider serves policies from a YAML overrides file and reloads it
// when it changes on disk.
type FileProvider struct {
	path     string
	fallback Policy
	logger   pslog.Logger
	current  atomic.Pointer[table]

	watcher *fsnotify.Watcher
	done    chan struct{}
	once    sync.Once
}

// NewFileProvider loads path. A missing or unreadable file is an error at
// startup; later reload failures keep the last good table.
func NewFileProvider(path string, fallback Policy, logger pslog.Logger) (*FileProvider, error) {
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	p := &FileProvider{path: path, fallback: fallback, logger: logger}
	if err := p.Reload(); err != nil {
		return nil, err
	}
	return p, nil
}

// Policy implements Provider.
func (p *FileProvider) Policy(environmentID, organizationID string) Policy {
	return p.current.Load().lookup(environmentID, organizationID)
}

// Reload re-reads the overrides file.
func (p *FileProvider) Reload() error {
	raw, err := os.ReadFile(p.path)
	if err != nil {
		return fmt.Errorf("limits: read %s: %w", p.path, err)
	}
	var spec FileSpec
	if err := yaml.Unmarshal(raw, &spec); err != nil {
		return fmt.Errorf("limits: parse %s: %w", p.path, err)
	}
	t := decode(spec, p.fallback, p.logger)
	p.current.Store(t)
	p.logger.Info("limits.reloaded", "path", p.path, "environments", len(t.environments), "organizations", len(t.organizations))
	return nil
}

// Watch reloads the file on change until ctx ends or Close is called. The
// parent directory is watched so editors that replace the file by rename
// are picked up.
func (p *FileProvider) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("limits: create watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(p.path)); err != nil {
		watcher.Close()
		return fmt.Errorf("limits: watch %s: %w", p.path, err)
	}
	p.watcher = watcher
	p.done = make(chan struct{})
	go p.run(ctx)
	return nil
}

const reloadDebounce = 100 * time.Millisecond

func (p *FileProvider) run(ctx context.Context) {
	defer close(p.done)
	target := filepath.Clean(p.path)
	var pending <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			p.watcher.Close()
			return
		case ev, ok := <-p.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) || ev.Has(fsnotify.Rename) {
				pending = time.After(reloadDebounce)
			}
		case err, ok := <-p.watcher.Errors:
			if !ok {
				return
			}
			p.logger.Warn("limits.watch.error", "path", p.path, "error", err)
		case <-pending:
			pending = nil
			if err := p.Reload(); err != nil && !errors.Is(err, os.ErrNotExist) {
				p.logger.Warn("limits.reload.failed", "path", p.path, "error", err)
			}
		}
	}
}

// Close stops watching.
func (p *FileProvider) Close() error {
	p.once.Do(func() {
		if p.watcher != nil {
			p.watcher.Close()
			<-p.done
		}
	})
	return nil
}
