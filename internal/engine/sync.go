package engine

import (
	"context"
	"time"

	"github.com/clinicsync/clinicsync/internal/record"
	"github.com/clinicsync/clinicsync/internal/snapshot"
	"github.com/clinicsync/clinicsync/internal/store"
	"github.com/clinicsync/clinicsync/internal/syncerr"
)

// SyncMode selects between a full pass and an incremental pass scoped to
// changes since the last sync.
type SyncMode string

const (
	SyncFull        SyncMode = "full"
	SyncIncremental SyncMode = "incremental"
)

// Sync runs one synchronization pass: upload local pending changes, then
// download the latest remote snapshot and reconcile it record by record.
// Incremental mode scopes the upload to changes since the earliest
// last-sync timestamp across tables and falls back to a full pass when no
// table has synced before. The downloaded side is always the whole latest
// snapshot.
func (e *Engine) Sync(ctx context.Context, mode SyncMode) *Result {
	res := &Result{Op: "sync", Status: StatusSuccess}
	if err := e.begin(stateSyncing); err != nil {
		res.Status = StatusFailure
		res.Err = err
		return res
	}
	defer e.end()

	start := e.now()
	defer func() { res.Duration = e.now().Sub(start) }()

	progress := &progressReporter{fn: e.progress}
	progress.step(0, "listing tables")

	tables, err := e.store.ListTables(ctx)
	if err != nil {
		return fail(res, err)
	}

	since := time.Time{}
	if mode == SyncIncremental {
		since, err = e.syncFloor(ctx, tables)
		if err != nil {
			return fail(res, err)
		}
		if since.IsZero() {
			e.log.Info(ctx, "no prior sync, falling back to full sync")
		}
	}

	progress.step(0.1, "collecting local changes")
	changed := map[string][]record.Record{}
	markIDs := map[string][]string{}
	uploaded := map[string]bool{}
	for _, table := range tables {
		recs, err := e.store.ChangedSince(ctx, table, since)
		if err != nil {
			return fail(res, err)
		}
		if len(recs) == 0 {
			continue
		}
		changed[table] = recs
		for _, rec := range recs {
			markIDs[table] = append(markIDs[table], rec.ID)
			uploaded[table+"/"+rec.ID] = true
			res.Uploaded++
		}
	}

	if len(changed) > 0 {
		progress.step(0.3, "uploading local changes")
		snap, err := snapshot.New(e.tenantID, e.originID, changed, e.now())
		if err != nil {
			return fail(res, err)
		}
		blob, err := e.sealSnapshot(ctx, snap)
		if err != nil {
			return fail(res, err)
		}
		name := snapshot.BlobName(e.tenantID, snap.Timestamp)
		err = e.guard(ctx, func(ctx context.Context) error {
			_, err := e.remote.Upload(ctx, name, blob)
			return err
		})
		if err != nil {
			return fail(res, err)
		}

		// Mark synced only after the upload is acknowledged.
		for table, ids := range markIDs {
			if err := e.store.MarkSynced(ctx, table, ids); err != nil {
				return fail(res, err)
			}
		}
	}

	progress.step(0.5, "fetching remote snapshot")
	snap, err := e.latestSnapshot(ctx)
	if err != nil {
		return fail(res, err)
	}
	if snap != nil {
		progress.step(0.7, "importing remote records")
		if err := e.importSnapshot(ctx, snap, res, uploaded); err != nil {
			return fail(res, err)
		}
	}

	progress.step(0.9, "updating sync metadata")
	origin := e.originID
	if snap != nil {
		origin = snap.OriginID
	}
	if err := e.updateMetadata(ctx, tables, origin, true, false); err != nil {
		return fail(res, err)
	}

	progress.step(1, "done")
	if len(res.UnresolvedConflicts) > 0 {
		res.Status = StatusPartial
	}
	e.log.Info(ctx, "sync finished",
		"mode", string(mode),
		"uploaded", res.Uploaded,
		"downloaded", res.Downloaded,
		"conflicts", res.ConflictsDetected,
		"unresolved", len(res.UnresolvedConflicts))
	return res
}

// syncFloor returns the earliest last-sync timestamp across tables, or the
// zero time when no table has synced yet.
func (e *Engine) syncFloor(ctx context.Context, tables []string) (time.Time, error) {
	var floor time.Time
	for _, table := range tables {
		meta, err := e.store.GetSyncMetadata(ctx, table)
		if err != nil {
			return time.Time{}, err
		}
		if meta == nil || meta.LastSyncTimestamp.IsZero() {
			return time.Time{}, nil
		}
		if floor.IsZero() || meta.LastSyncTimestamp.Before(floor) {
			floor = meta.LastSyncTimestamp
		}
	}
	return floor, nil
}

// latestSnapshot downloads and opens the most recent remote snapshot, or
// returns nil when the remote store is empty.
func (e *Engine) latestSnapshot(ctx context.Context) (*snapshot.Snapshot, error) {
	var blob []byte
	err := e.guard(ctx, func(ctx context.Context) error {
		desc, err := e.remote.Latest(ctx)
		if err != nil {
			return err
		}
		if desc == nil {
			return nil
		}
		blob, err = e.remote.Download(ctx, desc.ID)
		return err
	})
	if err != nil {
		return nil, err
	}
	if blob == nil {
		return nil, nil
	}
	return e.openSnapshot(ctx, blob)
}

// importSnapshot walks every record of an opened snapshot: remote-only
// records are inserted, diverged records go through conflict resolution.
// uploadedThisPass marks "table/id" pairs whose local change was just
// uploaded and marked synced; they still count as locally changed for
// conflict detection against a snapshot from another origin. Counts and
// unresolved conflict ids accumulate on res.
func (e *Engine) importSnapshot(ctx context.Context, snap *snapshot.Snapshot, res *Result, uploadedThisPass map[string]bool) error {
	for table, recs := range snap.Tables {
		for _, remoteRec := range recs {
			if err := ctx.Err(); err != nil {
				return syncerr.Wrap(syncerr.KindOperation, syncerr.CodeCancelled, "engine.import", err)
			}
			res.Downloaded++

			local, err := e.store.GetByID(ctx, table, remoteRec.ID)
			if err != nil {
				return err
			}
			if local == nil {
				imported := remoteRec.Clone()
				imported.Set(record.FieldSyncStatus, record.String(record.StatusSynced))
				if err := e.store.Insert(ctx, table, imported); err != nil {
					return err
				}
				res.Inserted++
				continue
			}

			if recordsEquivalent(*local, remoteRec) {
				continue
			}

			localChanged := local.SyncStatus() == record.StatusPending ||
				uploadedThisPass[table+"/"+remoteRec.ID]
			if !localChanged {
				// Local side unchanged since its last sync: adopt the
				// remote copy without a conflict.
				imported := remoteRec.Clone()
				imported.Set(record.FieldSyncStatus, record.String(record.StatusSynced))
				if err := e.store.Update(ctx, table, remoteRec.ID, imported); err != nil {
					return err
				}
				res.Updated++
				continue
			}

			c := newConflict(table, *local, remoteRec, e.now())
			res.ConflictsDetected++

			if e.strategy == StrategyManual {
				e.rememberConflict(c)
				res.UnresolvedConflicts = append(res.UnresolvedConflicts, c.ID)
				e.log.Warn(ctx, "conflict awaiting manual resolution", "conflict", c.ID, "table", table, "record", remoteRec.ID)
				continue
			}

			resolved, err := resolveConflict(c, Resolution{Strategy: e.strategy}, e.now())
			if err != nil {
				return err
			}
			if err := e.applyResolved(ctx, c, resolved); err != nil {
				return err
			}
			if !resolved.Equal(c.Local) {
				res.Updated++
			}
			res.ConflictsResolved++
		}
	}
	return nil
}

// updateMetadata refreshes per-table sync metadata after a successful pass.
func (e *Engine) updateMetadata(ctx context.Context, tables []string, origin string, synced, backedUp bool) error {
	now := e.now().UTC()
	for _, table := range tables {
		meta, err := e.store.GetSyncMetadata(ctx, table)
		if err != nil {
			return err
		}
		if meta == nil {
			meta = &store.SyncMetadata{TableName: table}
		}
		if synced {
			meta.LastSyncTimestamp = now
		}
		if backedUp {
			meta.LastBackupTimestamp = now
		}
		meta.LastOriginID = origin

		pending, err := e.store.CountPending(ctx, table)
		if err != nil {
			return err
		}
		meta.PendingChangeCount = pending

		if err := e.store.SetSyncMetadata(ctx, table, *meta); err != nil {
			return err
		}
	}
	return nil
}

func fail(res *Result, err error) *Result {
	res.Status = StatusFailure
	res.Err = err
	return res
}
