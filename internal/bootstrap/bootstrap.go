// Package bootstrap implements the dependency-ordered lifecycle
// orchestrator from spec.md §4.6, grounded on the teacher's
// core/bootstrap_node.go (context+cancel pair, mutex-guarded Start/Stop,
// rollback-on-failure) and core/base_node.go (thin delegation to an
// injected interface), generalized into a named service dependency
// graph with cycle detection and topological ordering.
package bootstrap

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// State is a ServiceRecord's lifecycle stage, per spec.md §3.
type State string

const (
	StateRegistered State = "REGISTERED"
	StateStarting   State = "STARTING"
	StateReady      State = "READY"
	StateFailed     State = "FAILED"
	StateStopping   State = "STOPPING"
	StateStopped    State = "STOPPED"
)

// StartFunc starts a service; it should block only as long as needed to
// reach a ready state, respecting ctx cancellation/timeout.
type StartFunc func(ctx context.Context) error

// StopFunc stops a previously-started service.
type StopFunc func(ctx context.Context) error

// ServiceRecord tracks one registered service's callables and current
// lifecycle state.
type ServiceRecord struct {
	Name      string
	Start     StartFunc
	Stop      StopFunc
	State     State
	LastError error

	order int // registration order, for deterministic tie-breaking
}

// CircularDependencyError reports every cycle found in the dependency
// graph, each formatted as "A -> B -> C -> A" per spec.md §4.6.
type CircularDependencyError struct {
	Cycles [][]string
}

func (e *CircularDependencyError) Error() string {
	formatted := make([]string, 0, len(e.Cycles))
	for _, c := range e.Cycles {
		formatted = append(formatted, strings.Join(c, " -> "))
	}
	return fmt.Sprintf("bootstrap: circular dependency detected: %s", strings.Join(formatted, "; "))
}

// ErrUnknownService is returned when addDependency names a service that
// has not been registered.
type ErrUnknownService struct{ Name string }

func (e *ErrUnknownService) Error() string {
	return fmt.Sprintf("bootstrap: unknown service %q", e.Name)
}

// StartupError wraps the failure of one service's Start call, naming the
// service and carrying the services that were rolled back as a result.
type StartupError struct {
	Service    string
	Err        error
	RolledBack []string
}

func (e *StartupError) Error() string {
	return fmt.Sprintf("bootstrap: service %q failed to start: %v (rolled back: %s)",
		e.Service, e.Err, strings.Join(e.RolledBack, ", "))
}

func (e *StartupError) Unwrap() error { return e.Err }

// Orchestrator owns the dependency graph and lifecycle of every
// registered service.
type Orchestrator struct {
	mu       sync.Mutex
	records  map[string]*ServiceRecord
	edges    map[string]map[string]bool // dependent -> set of prerequisites
	nextOrd  int
	startedO []string // successful startup order, for shutdown/rollback
	stopOnce sync.Once

	// PerServiceTimeout bounds each Start call; defaults to 30s.
	PerServiceTimeout time.Duration
	// ShutdownTimeout bounds each Stop call; defaults to 30s.
	ShutdownTimeout time.Duration
}

// New constructs an empty Orchestrator.
func New() *Orchestrator {
	return &Orchestrator{
		records:           make(map[string]*ServiceRecord),
		edges:             make(map[string]map[string]bool),
		PerServiceTimeout: 30 * time.Second,
		ShutdownTimeout:   30 * time.Second,
	}
}

// Register adds a named service with its start/stop callables.
func (o *Orchestrator) Register(name string, start StartFunc, stop StopFunc) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.records[name] = &ServiceRecord{Name: name, Start: start, Stop: stop, State: StateRegistered, order: o.nextOrd}
	o.nextOrd++
	if _, ok := o.edges[name]; !ok {
		o.edges[name] = make(map[string]bool)
	}
}

// AddDependency declares that dependent requires prerequisite to be
// started first. Both must already be registered.
func (o *Orchestrator) AddDependency(dependent, prerequisite string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.records[dependent]; !ok {
		return &ErrUnknownService{Name: dependent}
	}
	if _, ok := o.records[prerequisite]; !ok {
		return &ErrUnknownService{Name: prerequisite}
	}
	o.edges[dependent][prerequisite] = true
	return nil
}

// Record returns a snapshot copy of one service's record.
func (o *Orchestrator) Record(name string) (ServiceRecord, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	r, ok := o.records[name]
	if !ok {
		return ServiceRecord{}, false
	}
	return *r, true
}

// AllRecords returns a snapshot copy of every registered service's
// record, for CLI status introspection (SPEC_FULL.md §4.10).
func (o *Orchestrator) AllRecords() []ServiceRecord {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]ServiceRecord, 0, len(o.records))
	for _, r := range o.records {
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].order < out[j].order })
	return out
}

// detectCycles runs a DFS with a recursion-stack set, capturing every
// cycle rather than stopping at the first, per spec.md §4.6.
func (o *Orchestrator) detectCycles() [][]string {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(o.records))
	var cycles [][]string

	names := o.sortedNames()
	var stack []string
	var dfs func(n string)
	dfs = func(n string) {
		color[n] = gray
		stack = append(stack, n)
		prereqs := o.sortedPrereqs(n)
		for _, p := range prereqs {
			switch color[p] {
			case white:
				dfs(p)
			case gray:
				// back-edge: capture the cycle from p's position in stack to n, closing with p.
				idx := indexOf(stack, p)
				cycle := append([]string(nil), stack[idx:]...)
				cycle = append(cycle, p)
				cycles = append(cycles, cycle)
			}
		}
		stack = stack[:len(stack)-1]
		color[n] = black
	}
	for _, n := range names {
		if color[n] == white {
			dfs(n)
		}
	}
	return cycles
}

func indexOf(s []string, v string) int {
	for i, x := range s {
		if x == v {
			return i
		}
	}
	return -1
}

func (o *Orchestrator) sortedNames() []string {
	recs := make([]*ServiceRecord, 0, len(o.records))
	for _, r := range o.records {
		recs = append(recs, r)
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].order < recs[j].order })
	names := make([]string, len(recs))
	for i, r := range recs {
		names[i] = r.Name
	}
	return names
}

func (o *Orchestrator) sortedPrereqs(name string) []string {
	prereqs := make([]string, 0, len(o.edges[name]))
	for p := range o.edges[name] {
		prereqs = append(prereqs, p)
	}
	sort.Slice(prereqs, func(i, j int) bool { return o.records[prereqs[i]].order < o.records[prereqs[j]].order })
	return prereqs
}

// TopologicalOrder computes a start order via Kahn's algorithm, ties
// broken by registration order. Returns a CircularDependencyError if the
// graph is not acyclic.
func (o *Orchestrator) TopologicalOrder() ([]string, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.topologicalOrderLocked()
}

func (o *Orchestrator) topologicalOrderLocked() ([]string, error) {
	if cycles := o.detectCycles(); len(cycles) > 0 {
		return nil, &CircularDependencyError{Cycles: cycles}
	}

	inDegree := make(map[string]int, len(o.records))
	dependents := make(map[string][]string) // prerequisite -> dependents
	for name := range o.records {
		inDegree[name] = 0
	}
	for dependent, prereqs := range o.edges {
		for p := range prereqs {
			inDegree[dependent]++
			dependents[p] = append(dependents[p], dependent)
		}
	}

	var ready []string
	for _, n := range o.sortedNames() {
		if inDegree[n] == 0 {
			ready = append(ready, n)
		}
	}
	sort.Slice(ready, func(i, j int) bool { return o.records[ready[i]].order < o.records[ready[j]].order })

	var order []string
	for len(ready) > 0 {
		n := ready[0]
		ready = ready[1:]
		order = append(order, n)

		next := append([]string(nil), dependents[n]...)
		sort.Slice(next, func(i, j int) bool { return o.records[next[i]].order < o.records[next[j]].order })
		for _, d := range next {
			inDegree[d]--
			if inDegree[d] == 0 {
				ready = insertSorted(ready, d, o.records)
			}
		}
	}
	return order, nil
}

func insertSorted(ready []string, n string, records map[string]*ServiceRecord) []string {
	ready = append(ready, n)
	sort.Slice(ready, func(i, j int) bool { return records[ready[i]].order < records[ready[j]].order })
	return ready
}

// Start brings up every registered service in topological order, each
// bounded by PerServiceTimeout. On the first failure, already-started
// services are stopped in reverse order and a StartupError is returned.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	order, err := o.topologicalOrderLocked()
	o.mu.Unlock()
	if err != nil {
		return err
	}

	var started []string
	for _, name := range order {
		o.mu.Lock()
		rec := o.records[name]
		rec.State = StateStarting
		startFn := rec.Start
		o.mu.Unlock()

		callCtx, cancel := context.WithTimeout(ctx, o.PerServiceTimeout)
		err := startFn(callCtx)
		cancel()

		o.mu.Lock()
		if err != nil {
			rec.State = StateFailed
			rec.LastError = err
			o.mu.Unlock()
			rolledBack := o.rollback(ctx, started)
			return &StartupError{Service: name, Err: err, RolledBack: rolledBack}
		}
		rec.State = StateReady
		o.mu.Unlock()
		started = append(started, name)
	}

	o.mu.Lock()
	o.startedO = started
	o.mu.Unlock()
	return nil
}

// rollback stops services in started, in reverse order, best-effort.
func (o *Orchestrator) rollback(ctx context.Context, started []string) []string {
	var stopped []string
	for i := len(started) - 1; i >= 0; i-- {
		name := started[i]
		o.mu.Lock()
		rec := o.records[name]
		rec.State = StateStopping
		stopFn := rec.Stop
		o.mu.Unlock()

		callCtx, cancel := context.WithTimeout(ctx, o.ShutdownTimeout)
		_ = stopFn(callCtx)
		cancel()

		o.mu.Lock()
		rec.State = StateStopped
		o.mu.Unlock()
		stopped = append(stopped, name)
	}
	return stopped
}

// Shutdown stops every successfully-started service in reverse start
// order. It runs at most once, per spec.md §4.6's "invokes shutdown
// exactly once."
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	var firstErr error
	o.stopOnce.Do(func() {
		o.mu.Lock()
		started := append([]string(nil), o.startedO...)
		o.mu.Unlock()
		for i := len(started) - 1; i >= 0; i-- {
			name := started[i]
			o.mu.Lock()
			rec := o.records[name]
			rec.State = StateStopping
			stopFn := rec.Stop
			o.mu.Unlock()

			callCtx, cancel := context.WithTimeout(ctx, o.ShutdownTimeout)
			err := stopFn(callCtx)
			cancel()

			o.mu.Lock()
			rec.State = StateStopped
			if err != nil {
				rec.LastError = err
				if firstErr == nil {
					firstErr = err
				}
			}
			o.mu.Unlock()
		}
	})
	return firstErr
}

// ProbeHealth runs a health probe function for every ready service
// concurrently, stopping at the first error — the one place this
// orchestrator uses errgroup, since the ordered startup/shutdown walk
// itself must stay sequential.
func (o *Orchestrator) ProbeHealth(ctx context.Context, probe func(ctx context.Context, service string) error) error {
	o.mu.Lock()
	var ready []string
	for _, r := range o.records {
		if r.State == StateReady {
			ready = append(ready, r.Name)
		}
	}
	o.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, name := range ready {
		name := name
		g.Go(func() error { return probe(gctx, name) })
	}
	return g.Wait()
}
