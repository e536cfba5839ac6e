package server

import (
	"context"
	"sort"
	"sync"
)

// CheckFunc reports whether a dependency is usable.
type CheckFunc func(ctx context.Context) error

// ServerContext holds the lifecycle of the process and the dependency
// checks consulted by the readiness probe.
type ServerContext struct {
	ctx      context.Context
	cancel   context.CancelFunc
	mu       sync.RWMutex
	checks   map[string]CheckFunc
	shutdown bool
}

// NewServerContext creates a server context derived from ctx.
func NewServerContext(ctx context.Context) *ServerContext {
	shutdownCtx, cancel := context.WithCancel(ctx)
	return &ServerContext{
		ctx:    shutdownCtx,
		cancel: cancel,
		checks: make(map[string]CheckFunc),
	}
}

// Context returns the server context. It is cancelled on Shutdown.
func (sc *ServerContext) Context() context.Context {
	return sc.ctx
}

// AddCheck registers a named readiness check, replacing one of the same name.
func (sc *ServerContext) AddCheck(name string, fn CheckFunc) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	sc.checks[name] = fn
}

// RunChecks runs every registered check and returns the failures by name.
func (sc *ServerContext) RunChecks(ctx context.Context) (names []string, failures map[string]error) {
	sc.mu.RLock()
	checks := make(map[string]CheckFunc, len(sc.checks))
	for name, fn := range sc.checks {
		checks[name] = fn
	}
	sc.mu.RUnlock()

	failures = make(map[string]error)
	for name, fn := range checks {
		names = append(names, name)
		if err := fn(ctx); err != nil {
			failures[name] = err
		}
	}
	sort.Strings(names)
	return names, failures
}

// IsShutdown returns whether the server has been shutdown
func (sc *ServerContext) IsShutdown() bool {
	sc.mu.RLock()
	defer sc.mu.RUnlock()
	return sc.shutdown
}

// Shutdown marks the context as shut down and cancels it. It is idempotent.
func (sc *ServerContext) Shutdown() {
	sc.mu.Lock()
	defer sc.mu.Unlock()

	if sc.shutdown {
		return
	}
	sc.shutdown = true
	sc.cancel()
}
