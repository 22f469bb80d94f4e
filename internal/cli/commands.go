package cli

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/clinicsync/clinicsync/internal/engine"
)

func printResult(res *engine.Result) {
	fmt.Printf("%s: %s (%.2fs)\n", res.Op, res.Status, res.Duration.Seconds())
	if res.Err != nil {
		fmt.Println("  error:", res.Err)
	}
	if res.Uploaded+res.Downloaded+res.Inserted+res.Updated > 0 {
		fmt.Printf("  uploaded=%d downloaded=%d inserted=%d updated=%d\n",
			res.Uploaded, res.Downloaded, res.Inserted, res.Updated)
	}
	if res.ConflictsDetected > 0 {
		fmt.Printf("  conflicts detected=%d resolved=%d\n", res.ConflictsDetected, res.ConflictsResolved)
	}
	for _, id := range res.UnresolvedConflicts {
		fmt.Println("  unresolved conflict:", id)
	}
}

func (a *App) Sync(ctx context.Context, mode engine.SyncMode) error {
	res := a.engine.Sync(ctx, mode)
	printResult(res)
	return res.Err
}

// AutoSync schedules an incremental sync after the configured quiet period.
// Repeated calls within the period coalesce into a single run.
func (a *App) AutoSync(ctx context.Context) error {
	a.debounce.Trigger(func() {
		res := a.engine.Sync(ctx, engine.SyncIncremental)
		printResult(res)
	})
	fmt.Printf("incremental sync scheduled in %s\n", a.config.SyncDebounce)
	return nil
}

func (a *App) Backup(ctx context.Context) error {
	res := a.engine.Backup(ctx)
	printResult(res)
	return res.Err
}

func (a *App) Restore(ctx context.Context, id string) error {
	res := a.engine.Restore(ctx, id)
	printResult(res)
	return res.Err
}

func (a *App) Reconcile(ctx context.Context) error {
	res := a.engine.Reconcile(ctx)
	printResult(res)
	return res.Err
}

func (a *App) ListBackups(ctx context.Context) error {
	descriptors, err := a.engine.ListBackups(ctx)
	if err != nil {
		fmt.Println("error:", err)
		return err
	}
	if len(descriptors) == 0 {
		fmt.Println("no remote backups")
		return nil
	}
	for _, d := range descriptors {
		fmt.Printf("%s  %s  %d bytes\n", d.CreatedAt.Format("2006-01-02 15:04:05"), d.Name, d.Size)
	}
	return nil
}

func (a *App) Conflicts(_ context.Context) error {
	conflicts := a.engine.Conflicts()
	if len(conflicts) == 0 {
		fmt.Println("no unresolved conflicts")
		return nil
	}
	for _, c := range conflicts {
		fmt.Printf("%s  table=%s record=%s detected=%s\n",
			c.ID, c.TableName, c.RecordID, c.DetectedAt.Format("2006-01-02 15:04:05"))
	}
	return nil
}

func (a *App) Resolve(ctx context.Context, conflictID string, strategy engine.Strategy) error {
	err := a.engine.ResolveConflict(ctx, conflictID, engine.Resolution{
		ConflictID: conflictID,
		Strategy:   strategy,
	})
	if err != nil {
		fmt.Println("error:", err)
		return err
	}
	fmt.Println("conflict resolved")
	return nil
}

func (a *App) KeysList(ctx context.Context) error {
	metas, err := a.keys.ListKeys(ctx, a.config.TenantID)
	if err != nil {
		fmt.Println("error:", err)
		return err
	}
	if len(metas) == 0 {
		fmt.Println("no keys for tenant", a.config.TenantID)
		return nil
	}
	for _, m := range metas {
		state := "inactive"
		if m.IsActive {
			state = "active"
		}
		fmt.Printf("%s  %s  created=%s expires=%s\n",
			m.KeyID, state,
			m.CreatedAt.Format("2006-01-02"), m.ExpiresAt.Format("2006-01-02"))
	}
	return nil
}

func (a *App) RotateKey(ctx context.Context) error {
	keyID, err := a.keys.RotateKey(ctx, a.config.TenantID)
	if err != nil {
		fmt.Println("error:", err)
		return err
	}
	fmt.Println("new active key:", keyID)
	return nil
}

// ExportKeys prints the key metadata export as JSON. Raw key bytes are never
// part of the export.
func (a *App) ExportKeys(ctx context.Context) error {
	export, err := a.keys.ExportMetadata(ctx, a.config.TenantID)
	if err != nil {
		fmt.Println("error:", err)
		return err
	}
	data, err := json.MarshalIndent(export, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

// WipeKeys deletes all key material for the tenant after an explicit
// confirmation. Data encrypted under the wiped keys becomes unreadable.
func (a *App) WipeKeys(ctx context.Context) error {
	confirmed, err := ConfirmDestructive(a.reader, a.out,
		fmt.Sprintf("This deletes ALL keys for %q and makes existing backups unreadable.\nType the tenant id to confirm:", a.config.TenantID),
		a.config.TenantID)
	if err != nil {
		return err
	}
	if !confirmed {
		fmt.Println("aborted")
		return nil
	}
	n, err := a.keys.DeleteAllKeys(ctx, a.config.TenantID)
	if err != nil {
		fmt.Println("error:", err)
		return err
	}
	fmt.Printf("deleted %d keys\n", n)
	return nil
}
