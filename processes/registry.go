package processes

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/sourcegraph/conc/pool"
)

// Registry is the process-wide table of supervisors, keyed by instance id.
// It is created empty; Reconcile rebuilds it from persisted records at boot
// and Shutdown drains it when the host exits.
type Registry struct {
	mu          sync.RWMutex
	supervisors map[int64]*Supervisor

	cfg    Config
	logger *slog.Logger
}

// ReconcileResult summarizes a boot reconciliation.
type ReconcileResult struct {
	Loaded    int     // Supervisors rebuilt from persisted records
	Restarted []int64 // Instances restarted and reported ready
	Failed    []int64 // Instances whose restart failed
}

// NewRegistry creates an empty Registry whose supervisors share cfg.
func NewRegistry(cfg Config) (*Registry, error) {
	cfg, err := cfg.withDefaults()
	if err != nil {
		return nil, err
	}
	return &Registry{
		supervisors: make(map[int64]*Supervisor),
		cfg:         cfg,
		logger:      cfg.Logger.With("component", "Registry"),
	}, nil
}

// Config returns the effective supervisor configuration.
func (r *Registry) Config() Config {
	return r.cfg
}

// Add creates a supervisor for the instance and inserts it, replacing any
// existing entry for id.
func (r *Registry) Add(id int64, port int) *Supervisor {
	sup := newSupervisor(id, port, r.cfg)
	r.mu.Lock()
	r.supervisors[id] = sup
	r.mu.Unlock()
	return sup
}

// Get returns the supervisor for id.
func (r *Registry) Get(id int64) (*Supervisor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sup, ok := r.supervisors[id]
	return sup, ok
}

// Remove deletes the entry for id. It does not stop the child; callers must
// stop it first.
func (r *Registry) Remove(id int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.supervisors[id]
	delete(r.supervisors, id)
	return ok
}

// Len returns the number of registered supervisors.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.supervisors)
}

// Supervisors returns a snapshot of all supervisors ordered by instance id.
func (r *Registry) Supervisors() []*Supervisor {
	r.mu.RLock()
	list := make([]*Supervisor, 0, len(r.supervisors))
	for _, sup := range r.supervisors {
		list = append(list, sup)
	}
	r.mu.RUnlock()
	sort.Slice(list, func(i, j int) bool { return list[i].id < list[j].id })
	return list
}

// Reconcile loads every persisted instance, registers a fresh supervisor for
// each, and restarts every instance whose persisted state shows it was
// starting or running when the previous host process went away. Restarts run
// concurrently and Reconcile returns once all of them have finished.
func (r *Registry) Reconcile(ctx context.Context) (*ReconcileResult, error) {
	r.logger.Info("Reconciling supervisors with persisted instances")
	instances, err := r.cfg.Store.AllInstances(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load instances: %w", err)
	}

	result := &ReconcileResult{}
	var toRestart []*Supervisor
	for _, instance := range instances {
		sup := r.Add(instance.ID, instance.PortOrZero())
		result.Loaded++
		if instance.State.InFlight() {
			r.logger.Info("Instance was left in flight, restarting", "instanceID", instance.ID, "state", instance.State)
			toRestart = append(toRestart, sup)
		}
	}

	var mu sync.Mutex
	p := pool.New()
	for _, sup := range toRestart {
		p.Go(func() {
			started, err := sup.StartWait(ctx, true)
			mu.Lock()
			defer mu.Unlock()
			if started {
				result.Restarted = append(result.Restarted, sup.ID())
				return
			}
			r.logger.Error("Failed to restart instance", "instanceID", sup.ID(), "error", err)
			result.Failed = append(result.Failed, sup.ID())
		})
	}
	p.Wait()

	sort.Slice(result.Restarted, func(i, j int) bool { return result.Restarted[i] < result.Restarted[j] })
	sort.Slice(result.Failed, func(i, j int) bool { return result.Failed[i] < result.Failed[j] })
	r.logger.Info("Reconciliation complete", "loaded", result.Loaded, "restarted", len(result.Restarted), "failed", len(result.Failed))
	return result, nil
}

// Shutdown stops every running supervisor concurrently and waits for all of
// them. Supervisors that are not running are left alone. The returned error
// joins every individual stop failure.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.logger.Info("Shutting down all running servers...")
	p := pool.New().WithErrors()
	stopping := 0
	for _, sup := range r.Supervisors() {
		if !sup.Running() {
			continue
		}
		stopping++
		p.Go(func() error {
			r.logger.Info("Stopping server", "instanceID", sup.ID(), "pid", sup.PID())
			if err := sup.Stop(ctx); err != nil {
				r.logger.Error("Error stopping server during shutdown", "instanceID", sup.ID(), "error", err)
				return fmt.Errorf("instance %d: %w", sup.ID(), err)
			}
			return nil
		})
	}
	err := p.Wait()
	r.logger.Info("All running servers have been instructed to stop.", "count", stopping)
	return err
}
