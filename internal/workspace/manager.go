// Package workspace keeps one symbolicator per configured binaries directory
// for the lifetime of a server.
package workspace

import (
	"fmt"
	"path/filepath"
	"sort"
	"sync"

	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"

	"github.com/yousuf/sharpen/internal/symbolicator"
)

// Factory creates the symbolicator of a workspace
type Factory func() (*symbolicator.Symbolicator, error)

// Manager manages workspaces keyed by root name
type Manager struct {
	roots      map[string]string
	workspaces map[string]*Workspace
	mu         sync.RWMutex

	factory Factory
	watch   bool
	logger  *zap.Logger
}

// NewManager creates a workspace manager for roots (name to directory). With
// watch set, each workspace drops cached debug data when its files change.
func NewManager(roots map[string]string, factory Factory, watch bool, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	cleaned := make(map[string]string, len(roots))
	for name, dir := range roots {
		cleaned[name] = filepath.Clean(dir)
	}
	return &Manager{
		roots:      cleaned,
		workspaces: make(map[string]*Workspace),
		factory:    factory,
		watch:      watch,
		logger:     logger,
	}
}

// Roots returns the configured root names, sorted
func (m *Manager) Roots() []string {
	names := make([]string, 0, len(m.roots))
	for name := range m.roots {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Get returns the workspace of root name, creating it on first use
func (m *Manager) Get(name string) (*Workspace, error) {
	m.mu.RLock()
	ws, exists := m.workspaces[name]
	m.mu.RUnlock()

	if exists {
		return ws, nil
	}

	dir, ok := m.roots[name]
	if !ok {
		return nil, fmt.Errorf("root %q not found. Available roots: %v", name, m.Roots())
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	// Double-check after acquiring write lock
	if ws, exists := m.workspaces[name]; exists {
		return ws, nil
	}

	sym, err := m.factory()
	if err != nil {
		return nil, fmt.Errorf("failed to create symbolicator for root %q: %w", name, err)
	}

	ws = newWorkspace(name, dir, sym, m.logger.With(zap.String("root", name)))
	if m.watch {
		if err := ws.startWatching(); err != nil {
			// Symbolication still works; cached data may go stale.
			ws.logger.Warn("Failed to watch binaries directory", zap.String("dir", dir), zap.Error(err))
		}
	}

	m.workspaces[name] = ws
	m.logger.Info("Opened workspace", zap.String("root", name), zap.String("dir", dir))
	return ws, nil
}

// Close closes the workspace of root name if it was opened
func (m *Manager) Close(name string) error {
	m.mu.Lock()
	ws, exists := m.workspaces[name]
	delete(m.workspaces, name)
	m.mu.Unlock()

	if !exists {
		return nil
	}
	return ws.Close()
}

// CloseAll closes all workspaces
func (m *Manager) CloseAll() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var errs *multierror.Error
	for name, ws := range m.workspaces {
		if err := ws.Close(); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("workspace %q: %w", name, err))
		}
	}

	m.workspaces = make(map[string]*Workspace)
	return errs.ErrorOrNil()
}
