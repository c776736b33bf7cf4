// Package health provides a registry of named subsystem health checkers.
//
// Critical checkers decide whether the service is healthy. Non-critical ones
// are reported so operators can see degradation, e.g. an open gateway
// circuit, without the load balancer pulling the instance.
package health

import (
	"context"
	"sync"
	"time"
)

// DefaultTimeout bounds a single checker.
const DefaultTimeout = 3 * time.Second

// Status represents the health of a single subsystem.
type Status struct {
	Name     string `json:"name"`
	Healthy  bool   `json:"healthy"`
	Critical bool   `json:"critical"`
	Detail   string `json:"detail,omitempty"`
}

// Checker is a function that checks the health of a subsystem.
type Checker func(ctx context.Context) Status

// Registry holds named health checkers and runs them on demand.
type Registry struct {
	mu       sync.RWMutex
	checkers []namedChecker
	timeout  time.Duration
}

type namedChecker struct {
	name     string
	critical bool
	check    Checker
}

// NewRegistry creates a new health check registry.
func NewRegistry() *Registry {
	return &Registry{timeout: DefaultTimeout}
}

// Register adds a critical health checker.
func (r *Registry) Register(name string, check Checker) {
	r.add(namedChecker{name: name, critical: true, check: check})
}

// RegisterOptional adds a checker whose failure only marks the service degraded.
func (r *Registry) RegisterOptional(name string, check Checker) {
	r.add(namedChecker{name: name, check: check})
}

func (r *Registry) add(nc namedChecker) {
	r.mu.Lock()
	r.checkers = append(r.checkers, nc)
	r.mu.Unlock()
}

// CheckAll runs all registered checkers concurrently and returns the
// aggregate health plus individual results in registration order.
// healthy is false only when a critical checker fails.
func (r *Registry) CheckAll(ctx context.Context) (healthy bool, statuses []Status) {
	r.mu.RLock()
	checkers := make([]namedChecker, len(r.checkers))
	copy(checkers, r.checkers)
	r.mu.RUnlock()

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	statuses = make([]Status, len(checkers))
	var wg sync.WaitGroup
	for i, nc := range checkers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			st := nc.check(ctx)
			st.Name = nc.name
			st.Critical = nc.critical
			statuses[i] = st
		}()
	}
	wg.Wait()

	healthy = true
	for _, st := range statuses {
		if st.Critical && !st.Healthy {
			healthy = false
		}
	}
	return healthy, statuses
}
