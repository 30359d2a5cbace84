package kv

import (
	"path/filepath"
	"sync"

	. "github.com/stevegt/goadapt"
)

// Manager hands out at most one Environment per canonical path.
// Lookups of an existing environment take only the shared lock;
// creation takes the exclusive lock and re-checks, so racing first
// callers still cause exactly one physical open.
type Manager struct {
	mu   sync.RWMutex
	envs map[string]*Environment
	// opens counts physical creations.
	opens int
}

// NewManager returns an empty manager.  Most callers want Singleton.
func NewManager() *Manager {
	return &Manager{envs: make(map[string]*Environment)}
}

var (
	singleton     *Manager
	singletonOnce sync.Once
)

// Singleton returns the process-wide manager.  It is created on
// first use and lives for the rest of the process.
func Singleton() *Manager {
	singletonOnce.Do(func() {
		singleton = NewManager()
	})
	return singleton
}

// Acquire returns the process-wide environment for cfg.Path,
// creating it on first use.
func Acquire(cfg Config) (*Environment, error) {
	return Singleton().GetOrCreate(cfg)
}

// canon returns the key an environment is stored under.
func canon(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	return filepath.Clean(abs), nil
}

// GetOrCreate returns the environment for cfg.Path.  If one already
// exists it is returned as is, and the rest of cfg is ignored.
func (m *Manager) GetOrCreate(cfg Config) (env *Environment, err error) {
	defer Return(&err)
	path, err := canon(cfg.Path)
	Ck(err)

	m.mu.RLock()
	env = m.envs[path]
	m.mu.RUnlock()
	if env != nil {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	env = m.envs[path]
	if env != nil {
		return
	}
	cfg.Path = path
	env, err = openEnvironment(cfg)
	if err != nil {
		return nil, err
	}
	m.opens++
	m.envs[path] = env
	Debug("created environment %s", path)
	return
}

// Get returns the environment for path if one has been created.
func (m *Manager) Get(path string) (env *Environment, ok bool) {
	path, err := canon(path)
	if err != nil {
		return nil, false
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	env, ok = m.envs[path]
	return
}

// Close tears down the environment for path.  The harness never does
// this; it exists so tests can reuse a directory.  It fails with
// ErrEnvironmentBusy while transactions are open.
func (m *Manager) Close(path string) (err error) {
	path, err = canon(path)
	if err != nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	env, ok := m.envs[path]
	if !ok {
		return nil
	}
	err = env.close()
	if err != nil {
		return
	}
	delete(m.envs, path)
	return
}
