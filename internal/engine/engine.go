// Package engine orchestrates synchronization between the local record
// store and the remote blob store: full and incremental sync, encrypted
// backup and restore, conflict detection and resolution, and the one-click
// reconcile decision. All remote calls go through the resilience guard.
package engine

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/clinicsync/clinicsync/internal/keys"
	"github.com/clinicsync/clinicsync/internal/logging"
	"github.com/clinicsync/clinicsync/internal/record"
	"github.com/clinicsync/clinicsync/internal/remote"
	"github.com/clinicsync/clinicsync/internal/resilience"
	"github.com/clinicsync/clinicsync/internal/retention"
	"github.com/clinicsync/clinicsync/internal/snapshot"
	"github.com/clinicsync/clinicsync/internal/store"
	"github.com/clinicsync/clinicsync/internal/syncerr"
)

// state is the engine's mutual-exclusion flag. One operation of each class
// runs at a time; a second invocation is rejected, never queued.
type state int

const (
	stateIdle state = iota
	stateSyncing
	stateBackingUp
	stateRestoring
)

func (s state) String() string {
	switch s {
	case stateSyncing:
		return "syncing"
	case stateBackingUp:
		return "backingUp"
	case stateRestoring:
		return "restoring"
	default:
		return "idle"
	}
}

// Engine is the sync orchestrator for a single tenant.
type Engine struct {
	tenantID string
	originID string

	store  store.RecordStore
	remote remote.Storage
	keys   *keys.Manager
	log    logging.Logger

	guard      func(ctx context.Context, op resilience.Operation) error
	retention  retention.Policy
	compressor snapshot.Compressor
	strategy   Strategy
	progress   ProgressFunc
	now        func() time.Time

	mu        sync.Mutex
	state     state
	conflicts map[string]*Conflict
}

// Option configures an Engine.
type Option func(*Engine)

// WithGuard replaces the default breaker-around-retry resilience guard.
func WithGuard(guard func(ctx context.Context, op resilience.Operation) error) Option {
	return func(e *Engine) { e.guard = guard }
}

// WithRetention sets the backup retention policy applied after Backup.
func WithRetention(p retention.Policy) Option {
	return func(e *Engine) { e.retention = p }
}

// WithCompressor sets the transform applied between serialization and
// encryption.
func WithCompressor(c snapshot.Compressor) Option {
	return func(e *Engine) { e.compressor = c }
}

// WithStrategy sets the automatic conflict-resolution strategy. Manual
// leaves conflicts unresolved for ResolveConflict.
func WithStrategy(s Strategy) Option {
	return func(e *Engine) { e.strategy = s }
}

// WithProgress registers a progress callback.
func WithProgress(fn ProgressFunc) Option {
	return func(e *Engine) { e.progress = fn }
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

func New(tenantID, originID string, st store.RecordStore, rem remote.Storage, km *keys.Manager, log logging.Logger, opts ...Option) *Engine {
	e := &Engine{
		tenantID:   tenantID,
		originID:   originID,
		store:      st,
		remote:     rem,
		keys:       km,
		log:        log.With("tenant", tenantID),
		guard:      resilience.Guard(resilience.NewCircuitBreaker(5, 30*time.Second, time.Minute), resilience.DefaultRetryPolicy()),
		retention:  retention.DefaultPolicy(),
		compressor: snapshot.XZCompressor{},
		strategy:   StrategyLastWriteWins,
		now:        time.Now,
		conflicts:  map[string]*Conflict{},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// begin flips the engine out of idle, or rejects with alreadyInProgress.
func (e *Engine) begin(next state) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != stateIdle {
		return syncerr.New(syncerr.KindOperation, syncerr.CodeAlreadyInProgress, "engine."+e.state.String())
	}
	e.state = next
	return nil
}

func (e *Engine) end() {
	e.mu.Lock()
	e.state = stateIdle
	e.mu.Unlock()
}

// Conflicts returns the unresolved conflicts awaiting manual resolution.
func (e *Engine) Conflicts() []*Conflict {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*Conflict, 0, len(e.conflicts))
	for _, c := range e.conflicts {
		out = append(out, c)
	}
	return out
}

func (e *Engine) rememberConflict(c *Conflict) {
	e.mu.Lock()
	e.conflicts[c.ID] = c
	e.mu.Unlock()
}

// ResolveConflict applies a caller-supplied resolution to a previously
// detected conflict and clears it.
func (e *Engine) ResolveConflict(ctx context.Context, conflictID string, res Resolution) error {
	e.mu.Lock()
	c, ok := e.conflicts[conflictID]
	e.mu.Unlock()
	if !ok {
		return syncerr.New(syncerr.KindStorage, syncerr.CodeNotFound, "engine.resolveConflict")
	}

	resolved, err := resolveConflict(c, res, e.now())
	if err != nil {
		return err
	}
	if err := e.applyResolved(ctx, c, resolved); err != nil {
		return err
	}

	e.mu.Lock()
	delete(e.conflicts, conflictID)
	e.mu.Unlock()

	e.log.Info(ctx, "conflict resolved", "conflict", conflictID, "table", c.TableName, "record", c.RecordID, "strategy", string(res.Strategy))
	return nil
}

// applyResolved writes a resolved record to the local store, skipping the
// write when the resolution kept the local record unchanged.
func (e *Engine) applyResolved(ctx context.Context, c *Conflict, resolved record.Record) error {
	if resolved.Equal(c.Local) {
		return nil
	}
	if resolved.Equal(c.Remote) {
		// Adopting the remote side verbatim: the record matches the
		// remote copy, so it needs no re-upload.
		resolved = resolved.Clone()
		resolved.Set(record.FieldSyncStatus, record.String(record.StatusSynced))
	}
	return e.store.Update(ctx, c.TableName, c.RecordID, resolved)
}

// ListBackups returns the remote backup descriptors, newest first.
func (e *Engine) ListBackups(ctx context.Context) ([]remote.Descriptor, error) {
	var descriptors []remote.Descriptor
	err := e.guard(ctx, func(ctx context.Context) error {
		var err error
		descriptors, err = e.remote.List(ctx)
		return err
	})
	if err != nil {
		return nil, err
	}
	sortDescriptorsNewestFirst(descriptors)
	return descriptors, nil
}

// Reconcile makes the one-click decision: restore when the remote latest
// blob is newer than the last local change (or no local change is
// recorded), back up otherwise. The decision is pure over the two
// timestamps; no state is touched before the choice is made.
func (e *Engine) Reconcile(ctx context.Context) *Result {
	localLast, err := e.store.LastLocalChange(ctx)
	if err != nil {
		return &Result{Op: "reconcile", Status: StatusFailure, Err: err}
	}

	var latest *remote.Descriptor
	err = e.guard(ctx, func(ctx context.Context) error {
		var err error
		latest, err = e.remote.Latest(ctx)
		return err
	})
	if err != nil {
		return &Result{Op: "reconcile", Status: StatusFailure, Err: err}
	}

	switch {
	case latest == nil:
		e.log.Info(ctx, "reconcile: no remote backup, backing up")
		return e.Backup(ctx)
	case localLast.IsZero() || latest.CreatedAt.After(localLast):
		e.log.Info(ctx, "reconcile: remote is newer, restoring", "remote", latest.CreatedAt, "local", localLast)
		return e.Restore(ctx, "")
	default:
		e.log.Info(ctx, "reconcile: local is newer, backing up", "remote", latest.CreatedAt, "local", localLast)
		return e.Backup(ctx)
	}
}

func sortDescriptorsNewestFirst(descriptors []remote.Descriptor) {
	sort.Slice(descriptors, func(i, j int) bool {
		return descriptors[i].CreatedAt.After(descriptors[j].CreatedAt)
	})
}
