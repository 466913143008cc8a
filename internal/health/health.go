// Package health aggregates readiness checks for the voicedesk server.
package health

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Status is the result of one check.
type Status struct {
	Name    string `json:"name"`
	Healthy bool   `json:"healthy"`
	Detail  string `json:"detail,omitempty"`
}

// Checker reports the health of one subsystem.
type Checker func(ctx context.Context) Status

// Registry runs registered checkers on demand.
type Registry struct {
	mu       sync.RWMutex
	checkers []namedChecker
	timeout  time.Duration
}

type namedChecker struct {
	name  string
	check Checker
}

// NewRegistry returns a registry whose checks each get at most timeout.
// A zero timeout means checks run under the caller's context only.
func NewRegistry(timeout time.Duration) *Registry {
	return &Registry{timeout: timeout}
}

// Register adds a named checker.
func (r *Registry) Register(name string, check Checker) {
	r.mu.Lock()
	r.checkers = append(r.checkers, namedChecker{name: name, check: check})
	r.mu.Unlock()
}

// CheckAll runs every checker concurrently. healthy is false if any fails.
func (r *Registry) CheckAll(ctx context.Context) (healthy bool, statuses []Status) {
	r.mu.RLock()
	checkers := make([]namedChecker, len(r.checkers))
	copy(checkers, r.checkers)
	r.mu.RUnlock()

	statuses = make([]Status, len(checkers))
	var wg sync.WaitGroup
	for i, nc := range checkers {
		wg.Add(1)
		go func(i int, nc namedChecker) {
			defer wg.Done()
			cctx := ctx
			if r.timeout > 0 {
				var cancel context.CancelFunc
				cctx, cancel = context.WithTimeout(ctx, r.timeout)
				defer cancel()
			}
			st := nc.check(cctx)
			if st.Name == "" {
				st.Name = nc.name
			}
			statuses[i] = st
		}(i, nc)
	}
	wg.Wait()

	healthy = true
	for _, st := range statuses {
		if !st.Healthy {
			healthy = false
		}
	}
	return healthy, statuses
}

// Pinger is satisfied by *sql.DB.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// DatabaseChecker reports whether db answers a ping.
func DatabaseChecker(db Pinger) Checker {
	return func(ctx context.Context) Status {
		if err := db.PingContext(ctx); err != nil {
			return Status{Name: "database", Healthy: false, Detail: err.Error()}
		}
		return Status{Name: "database", Healthy: true}
	}
}

// Heartbeater exposes the time of the last completed loop iteration.
type Heartbeater interface {
	Running() bool
	LastTick() time.Time
}

// LoopChecker reports a background loop unhealthy when it is stopped or has
// not ticked within maxAge.
func LoopChecker(name string, loop Heartbeater, maxAge time.Duration) Checker {
	return func(_ context.Context) Status {
		if !loop.Running() {
			return Status{Name: name, Healthy: false, Detail: "not running"}
		}
		last := loop.LastTick()
		if last.IsZero() {
			return Status{Name: name, Healthy: true, Detail: "starting"}
		}
		if age := time.Since(last); age > maxAge {
			return Status{Name: name, Healthy: false, Detail: fmt.Sprintf("last tick %s ago", age.Round(time.Second))}
		}
		return Status{Name: name, Healthy: true}
	}
}
