package engine

import (
	"context"

	"github.com/clinicsync/clinicsync/internal/record"
	"github.com/clinicsync/clinicsync/internal/retention"
	"github.com/clinicsync/clinicsync/internal/snapshot"
	"github.com/clinicsync/clinicsync/internal/syncerr"
)

// Backup exports every sync-enabled table into a sealed snapshot and
// uploads it, then prunes old backups per the retention policy. Pruning is
// best-effort: a prune failure is logged but does not fail the backup.
func (e *Engine) Backup(ctx context.Context) *Result {
	res := &Result{Op: "backup", Status: StatusSuccess}
	if err := e.begin(stateBackingUp); err != nil {
		res.Status = StatusFailure
		res.Err = err
		return res
	}
	defer e.end()

	start := e.now()
	defer func() { res.Duration = e.now().Sub(start) }()

	progress := &progressReporter{fn: e.progress}
	progress.step(0, "exporting tables")

	tables, err := e.store.ListTables(ctx)
	if err != nil {
		return fail(res, err)
	}

	exported := map[string][]record.Record{}
	for _, table := range tables {
		recs, err := e.store.ExportTable(ctx, table)
		if err != nil {
			return fail(res, err)
		}
		exported[table] = recs
		res.Uploaded += len(recs)
	}

	progress.step(0.3, "sealing snapshot")
	snap, err := snapshot.New(e.tenantID, e.originID, exported, e.now())
	if err != nil {
		return fail(res, err)
	}
	blob, err := e.sealSnapshot(ctx, snap)
	if err != nil {
		return fail(res, err)
	}

	progress.step(0.5, "uploading backup")
	name := snapshot.BlobName(e.tenantID, snap.Timestamp)
	err = e.guard(ctx, func(ctx context.Context) error {
		_, err := e.remote.Upload(ctx, name, blob)
		return err
	})
	if err != nil {
		return fail(res, err)
	}

	progress.step(0.8, "pruning old backups")
	if err := e.pruneBackups(ctx); err != nil {
		e.log.Warn(ctx, "backup pruning failed", "error", err)
	}

	progress.step(0.9, "updating sync metadata")
	if err := e.updateMetadata(ctx, tables, e.originID, false, true); err != nil {
		return fail(res, err)
	}

	progress.step(1, "done")
	e.log.Info(ctx, "backup finished", "name", name, "records", res.Uploaded, "bytes", len(blob))
	return res
}

// pruneBackups applies the retention policy to the remote listing.
func (e *Engine) pruneBackups(ctx context.Context) error {
	return e.guard(ctx, func(ctx context.Context) error {
		list, err := e.remote.List(ctx)
		if err != nil {
			return err
		}
		for _, victim := range retention.Prune(list, e.retention, e.now()) {
			if err := e.remote.Delete(ctx, victim.ID); err != nil {
				return err
			}
			e.log.Debug(ctx, "pruned backup", "name", victim.Name, "created", victim.CreatedAt)
		}
		return nil
	})
}

// Restore downloads a named backup blob (or the latest when name is empty),
// decrypts and validates it, and imports its tables through the same
// per-record conflict path as sync. Local records are never blindly
// overwritten.
func (e *Engine) Restore(ctx context.Context, blobID string) *Result {
	res := &Result{Op: "restore", Status: StatusSuccess}
	if err := e.begin(stateRestoring); err != nil {
		res.Status = StatusFailure
		res.Err = err
		return res
	}
	defer e.end()

	start := e.now()
	defer func() { res.Duration = e.now().Sub(start) }()

	progress := &progressReporter{fn: e.progress}
	progress.step(0, "locating backup")

	var blob []byte
	err := e.guard(ctx, func(ctx context.Context) error {
		id := blobID
		if id == "" {
			desc, err := e.remote.Latest(ctx)
			if err != nil {
				return err
			}
			if desc == nil {
				return syncerr.New(syncerr.KindStorage, syncerr.CodeNotFound, "engine.restore")
			}
			id = desc.ID
		}
		var err error
		blob, err = e.remote.Download(ctx, id)
		return err
	})
	if err != nil {
		return fail(res, err)
	}

	progress.step(0.4, "decrypting snapshot")
	snap, err := e.openSnapshot(ctx, blob)
	if err != nil {
		return fail(res, err)
	}

	progress.step(0.6, "importing records")
	if err := e.importSnapshot(ctx, snap, res, nil); err != nil {
		return fail(res, err)
	}

	progress.step(0.9, "updating sync metadata")
	tables := make([]string, 0, len(snap.Tables))
	for table := range snap.Tables {
		tables = append(tables, table)
	}
	if err := e.updateMetadata(ctx, tables, snap.OriginID, true, false); err != nil {
		return fail(res, err)
	}

	progress.step(1, "done")
	if len(res.UnresolvedConflicts) > 0 {
		res.Status = StatusPartial
	}
	e.log.Info(ctx, "restore finished",
		"records", res.Downloaded,
		"inserted", res.Inserted,
		"updated", res.Updated,
		"conflicts", res.ConflictsDetected)
	return res
}
