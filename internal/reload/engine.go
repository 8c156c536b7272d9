package reload

import (
	"context"
	"fmt"
	"sync"

	"conduit/internal/aggregator"
	"conduit/internal/config"
	"conduit/internal/outbound"
	"conduit/pkg/logging"

	"golang.org/x/sync/errgroup"
)

// Fleet is the slice of the outbound manager the engine drives.
type Fleet interface {
	CreateOne(ctx context.Context, key outbound.Key, params *config.MCPServerParams) (*outbound.Connection, error)
	Restart(ctx context.Context, key outbound.Key, params *config.MCPServerParams) (*outbound.Connection, error)
	RemoveOne(key outbound.Key)
	Keys() []outbound.Key
}

// CapabilityApplier receives the capability diff once a reload has been
// applied to the fleet.
type CapabilityApplier interface {
	ApplyChangeSet(cs aggregator.ChangeSet)
}

// Engine owns the active configuration snapshot and applies file
// changes to the running fleet. Reloads are collapsed: a trigger
// arriving mid-reload queues exactly one follow-up pass.
type Engine struct {
	path          string
	fleet         Fleet
	agg           *aggregator.Aggregator
	applier       CapabilityApplier
	maxConcurrent int

	snapMu   sync.RWMutex
	snapshot *config.Snapshot

	flightMu  sync.Mutex
	reloading bool
	pending   bool
}

// NewEngine creates the engine around an already-loaded snapshot.
func NewEngine(path string, initial *config.Snapshot, fleet Fleet, agg *aggregator.Aggregator, applier CapabilityApplier, maxConcurrent int) *Engine {
	if maxConcurrent <= 0 {
		maxConcurrent = config.DefaultMaxConcurrent
	}
	return &Engine{
		path:          path,
		fleet:         fleet,
		agg:           agg,
		applier:       applier,
		maxConcurrent: maxConcurrent,
		snapshot:      initial,
	}
}

// Snapshot returns the active configuration. Handed to the aggregator
// server so session registration always sees the latest config.
func (e *Engine) Snapshot() *config.Snapshot {
	e.snapMu.RLock()
	defer e.snapMu.RUnlock()
	return e.snapshot
}

// Reload re-reads the configuration file and applies the difference.
// A failed load or validation keeps the previous snapshot untouched.
// Concurrent triggers collapse into one trailing pass; the collapsed
// callers get nil immediately.
func (e *Engine) Reload(ctx context.Context) error {
	e.flightMu.Lock()
	if e.reloading {
		e.pending = true
		e.flightMu.Unlock()
		logging.Debug("Reload", "Reload already in flight, queuing follow-up")
		return nil
	}
	e.reloading = true
	e.flightMu.Unlock()

	var err error
	for {
		err = e.reloadOnce(ctx)

		e.flightMu.Lock()
		if e.pending {
			e.pending = false
			e.flightMu.Unlock()
			continue
		}
		e.reloading = false
		e.flightMu.Unlock()
		return err
	}
}

func (e *Engine) reloadOnce(ctx context.Context) error {
	next, err := config.Load(e.path)
	if err != nil {
		logging.Error("Reload", err, "Configuration rejected, keeping active snapshot")
		return fmt.Errorf("loading %s: %w", e.path, err)
	}

	old := e.Snapshot()
	plan := config.Diff(old, next)
	if plan.IsEmpty() {
		e.swap(next)
		logging.Info("Reload", "Configuration reloaded, no fleet changes")
		return nil
	}

	e.applyPlan(ctx, old, next, plan)
	e.swap(next)

	cs := e.agg.UpdateCapabilities()
	if e.applier != nil {
		e.applier.ApplyChangeSet(cs)
	}

	logging.Info("Reload", "Configuration applied: %d stopped, %d started, %d restarted",
		len(plan.ToStop), len(plan.ToStart), len(plan.ToRestart))
	return nil
}

func (e *Engine) swap(next *config.Snapshot) {
	e.snapMu.Lock()
	e.snapshot = next
	e.snapMu.Unlock()
}

// applyPlan drives the fleet to the new snapshot. Stops run first and
// serially; starts and restarts fan out with bounded concurrency.
// Individual failures are logged, never fatal: a server that cannot
// start ends up in Error state and keeps retrying on its own.
func (e *Engine) applyPlan(ctx context.Context, old, next *config.Snapshot, plan config.ChangePlan) {
	for _, name := range plan.ToStop {
		e.stopEntry(old, name)
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(e.maxConcurrent)

	for _, name := range plan.ToStart {
		name := name
		if _, isTemplate := next.MCPTemplates[name]; isTemplate {
			// Template instances materialize per session; nothing to
			// start eagerly.
			continue
		}
		params := next.MCPServers[name]
		group.Go(func() error {
			if _, err := e.fleet.CreateOne(groupCtx, outbound.StaticKey(name), params); err != nil {
				logging.Warn("Reload", "Starting %s: %v", name, err)
			}
			return nil
		})
	}

	for _, name := range plan.ToRestart {
		name := name
		if _, isTemplate := next.MCPTemplates[name]; isTemplate {
			// Changed template params invalidate running instances;
			// sessions re-materialize against the new definition. An
			// entry that moved from static to template also sheds its
			// static connection.
			e.removeTemplateInstances(name)
			if _, wasStatic := old.MCPServers[name]; wasStatic {
				e.fleet.RemoveOne(outbound.StaticKey(name))
			}
			continue
		}
		params := next.MCPServers[name]
		group.Go(func() error {
			if _, err := e.fleet.Restart(groupCtx, outbound.StaticKey(name), params); err != nil {
				logging.Warn("Reload", "Restarting %s: %v", name, err)
			}
			return nil
		})
	}

	_ = group.Wait()
}

func (e *Engine) stopEntry(old *config.Snapshot, name string) {
	if _, isTemplate := old.MCPTemplates[name]; isTemplate {
		e.removeTemplateInstances(name)
		return
	}
	e.fleet.RemoveOne(outbound.StaticKey(name))
}

// removeTemplateInstances drops every live instance of a template,
// per-client and shared alike.
func (e *Engine) removeTemplateInstances(name string) {
	for _, key := range e.fleet.Keys() {
		if key.Name == name && !key.IsStatic() {
			e.fleet.RemoveOne(key)
		}
	}
}
