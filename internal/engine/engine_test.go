package engine

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

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

func testLogger() logging.Logger {
	return logging.NewSlogLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

// fakeRemote is an in-memory remote.Storage.
type fakeRemote struct {
	mu         sync.Mutex
	blobs      map[string][]byte
	descs      map[string]remote.Descriptor
	now        time.Time
	failDelete bool
	deleted    []string
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{
		blobs: map[string][]byte{},
		descs: map[string]remote.Descriptor{},
		now:   time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
	}
}

func (f *fakeRemote) seed(name string, data []byte, createdAt time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.blobs[name] = data
	f.descs[name] = remote.Descriptor{ID: name, Name: name, CreatedAt: createdAt, Size: int64(len(data))}
}

func (f *fakeRemote) Upload(_ context.Context, name string, data []byte) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(time.Minute)
	f.blobs[name] = data
	f.descs[name] = remote.Descriptor{ID: name, Name: name, CreatedAt: f.now, Size: int64(len(data))}
	return name, nil
}

func (f *fakeRemote) Download(_ context.Context, id string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.blobs[id]
	if !ok {
		return nil, syncerr.New(syncerr.KindStorage, syncerr.CodeNotFound, "fake.download")
	}
	return data, nil
}

func (f *fakeRemote) List(_ context.Context) ([]remote.Descriptor, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]remote.Descriptor, 0, len(f.descs))
	for _, d := range f.descs {
		out = append(out, d)
	}
	return out, nil
}

func (f *fakeRemote) Delete(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failDelete {
		return syncerr.New(syncerr.KindNetwork, syncerr.CodeServerError, "fake.delete")
	}
	delete(f.blobs, id)
	delete(f.descs, id)
	f.deleted = append(f.deleted, id)
	return nil
}

func (f *fakeRemote) Latest(_ context.Context) (*remote.Descriptor, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var latest *remote.Descriptor
	for _, d := range f.descs {
		d := d
		if latest == nil || d.CreatedAt.After(latest.CreatedAt) {
			latest = &d
		}
	}
	return latest, nil
}

func passGuard(ctx context.Context, op resilience.Operation) error { return op(ctx) }

func newTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	s, err := store.Open(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func newTestKeys(t *testing.T) *keys.Manager {
	t.Helper()
	fs, err := keys.NewFileStorage(t.TempDir())
	require.NoError(t, err)
	return keys.NewManager(fs, testLogger())
}

func newTestEngine(t *testing.T, st *store.SQLiteStore, fake *fakeRemote, km *keys.Manager, opts ...Option) *Engine {
	t.Helper()
	opts = append([]Option{WithGuard(passGuard), WithCompressor(snapshot.NopCompressor{})}, opts...)
	return New("clinic-1", "device-A", st, fake, km, testLogger(), opts...)
}

func pendingRecord(id, name string, lastMod int64) record.Record {
	rec := record.New(id)
	rec.Set("name", record.String(name))
	rec.Set(record.FieldLastModified, record.Number(float64(lastMod)))
	rec.Set(record.FieldSyncStatus, record.String(record.StatusPending))
	return rec
}

// sealForTest builds a sealed blob the way another device would, using the
// shared key manager.
func sealForTest(t *testing.T, e *Engine, origin string, tables map[string][]record.Record, ts time.Time) []byte {
	t.Helper()
	snap, err := snapshot.New("clinic-1", origin, tables, ts)
	require.NoError(t, err)
	blob, err := e.sealSnapshot(context.Background(), snap)
	require.NoError(t, err)
	return blob
}

func TestEngine_SyncUploadsAndMarksSynced(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	fake := newFakeRemote()
	e := newTestEngine(t, st, fake, newTestKeys(t))

	require.NoError(t, st.Insert(ctx, "patients", pendingRecord("p1", "Alice", 100)))
	require.NoError(t, st.Insert(ctx, "patients", pendingRecord("p2", "Bob", 200)))

	res := e.Sync(ctx, SyncFull)
	require.NoError(t, res.Err)
	assert.Equal(t, StatusSuccess, res.Status)
	assert.Equal(t, 2, res.Uploaded)
	assert.Len(t, fake.blobs, 1)

	for _, id := range []string{"p1", "p2"} {
		rec, err := st.GetByID(ctx, "patients", id)
		require.NoError(t, err)
		assert.Equal(t, record.StatusSynced, rec.SyncStatus())
	}

	meta, err := st.GetSyncMetadata(ctx, "patients")
	require.NoError(t, err)
	require.NotNil(t, meta)
	assert.False(t, meta.LastSyncTimestamp.IsZero())
	assert.Equal(t, 0, meta.PendingChangeCount)
}

func TestEngine_BackupRestoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	fake := newFakeRemote()
	km := newTestKeys(t)

	src := newTestStore(t)
	require.NoError(t, src.Insert(ctx, "patients", pendingRecord("p1", "Alice", 100)))
	require.NoError(t, src.Insert(ctx, "visits", pendingRecord("v1", "checkup", 150)))

	srcEngine := newTestEngine(t, src, fake, km)
	backup := srcEngine.Backup(ctx)
	require.NoError(t, backup.Err)
	assert.Equal(t, StatusSuccess, backup.Status)
	assert.Equal(t, 2, backup.Uploaded)

	dst := newTestStore(t)
	dstEngine := newTestEngine(t, dst, fake, km)
	restore := dstEngine.Restore(ctx, "")
	require.NoError(t, restore.Err)
	assert.Equal(t, StatusSuccess, restore.Status)
	assert.Equal(t, 2, restore.Inserted)

	rec, err := dst.GetByID(ctx, "patients", "p1")
	require.NoError(t, err)
	require.NotNil(t, rec)
	name, _ := rec.Fields["name"].StringVal()
	assert.Equal(t, "Alice", name)
	assert.Equal(t, record.StatusSynced, rec.SyncStatus())
}

func TestEngine_RestoreEmptyRemote(t *testing.T) {
	e := newTestEngine(t, newTestStore(t), newFakeRemote(), newTestKeys(t))

	res := e.Restore(context.Background(), "")
	assert.Equal(t, StatusFailure, res.Status)
	assert.Equal(t, syncerr.CodeNotFound, syncerr.CodeOf(res.Err))
}

func TestEngine_SyncConflictUseRemote(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	fake := newFakeRemote()
	km := newTestKeys(t)
	e := newTestEngine(t, st, fake, km, WithStrategy(StrategyUseRemote))

	require.NoError(t, st.Insert(ctx, "patients", pendingRecord("p1", "A", 100)))

	remoteTables := map[string][]record.Record{
		"patients": {pendingRecord("p1", "B", 200)},
	}
	blob := sealForTest(t, e, "device-B", remoteTables, time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC))
	fake.seed("clinic-1_other.enc", blob, time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC))

	res := e.Sync(ctx, SyncFull)
	require.NoError(t, res.Err)
	assert.Equal(t, StatusSuccess, res.Status)
	assert.Equal(t, 1, res.ConflictsDetected)
	assert.Equal(t, 1, res.ConflictsResolved)

	rec, err := st.GetByID(ctx, "patients", "p1")
	require.NoError(t, err)
	name, _ := rec.Fields["name"].StringVal()
	assert.Equal(t, "B", name)
	assert.Equal(t, record.StatusSynced, rec.SyncStatus())
}

func TestEngine_SyncConflictManualResolution(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	fake := newFakeRemote()
	km := newTestKeys(t)
	e := newTestEngine(t, st, fake, km, WithStrategy(StrategyManual))

	require.NoError(t, st.Insert(ctx, "patients", pendingRecord("p1", "A", 100)))

	remoteTables := map[string][]record.Record{
		"patients": {pendingRecord("p1", "B", 200)},
	}
	blob := sealForTest(t, e, "device-B", remoteTables, time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC))
	fake.seed("clinic-1_other.enc", blob, time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC))

	res := e.Sync(ctx, SyncFull)
	require.NoError(t, res.Err)
	assert.Equal(t, StatusPartial, res.Status)
	require.Len(t, res.UnresolvedConflicts, 1)
	assert.Equal(t, 0, res.ConflictsResolved)

	// The local record is untouched while the conflict is unresolved.
	rec, err := st.GetByID(ctx, "patients", "p1")
	require.NoError(t, err)
	name, _ := rec.Fields["name"].StringVal()
	assert.Equal(t, "A", name)

	manual := pendingRecord("p1", "C", 300)
	err = e.ResolveConflict(ctx, res.UnresolvedConflicts[0], Resolution{
		Strategy:       StrategyManual,
		ResolvedRecord: &manual,
	})
	require.NoError(t, err)
	assert.Empty(t, e.Conflicts())

	rec, err = st.GetByID(ctx, "patients", "p1")
	require.NoError(t, err)
	name, _ = rec.Fields["name"].StringVal()
	assert.Equal(t, "C", name)

	// Resolving an already-cleared conflict reports not found.
	err = e.ResolveConflict(ctx, res.UnresolvedConflicts[0], Resolution{Strategy: StrategyUseLocal})
	assert.Equal(t, syncerr.CodeNotFound, syncerr.CodeOf(err))
}

func TestEngine_RestoreTamperedSnapshot(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	fake := newFakeRemote()
	e := newTestEngine(t, st, fake, newTestKeys(t))

	require.NoError(t, st.Insert(ctx, "patients", pendingRecord("p1", "A", 100)))

	snap, err := snapshot.New("clinic-1", "device-B", map[string][]record.Record{
		"patients": {pendingRecord("p1", "B", 200)},
	}, time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	snap.Checksum = "0000000000000000000000000000000000000000000000000000000000000000"

	blob, err := e.sealSnapshot(ctx, snap)
	require.NoError(t, err)
	fake.seed("clinic-1_tampered.enc", blob, time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC))

	res := e.Restore(ctx, "")
	assert.Equal(t, StatusFailure, res.Status)
	assert.Equal(t, syncerr.CodeCorruptedData, syncerr.CodeOf(res.Err))

	// Local data unchanged.
	rec, err := st.GetByID(ctx, "patients", "p1")
	require.NoError(t, err)
	name, _ := rec.Fields["name"].StringVal()
	assert.Equal(t, "A", name)
	assert.Equal(t, record.StatusPending, rec.SyncStatus())
}

func TestEngine_RestoreAfterKeyRotation(t *testing.T) {
	ctx := context.Background()
	fake := newFakeRemote()
	km := newTestKeys(t)

	src := newTestStore(t)
	require.NoError(t, src.Insert(ctx, "patients", pendingRecord("p1", "Alice", 100)))
	srcEngine := newTestEngine(t, src, fake, km)
	require.NoError(t, srcEngine.Backup(ctx).Err)

	// Rotate: the backup was written under the now-inactive key.
	_, err := km.RotateKey(ctx, "clinic-1")
	require.NoError(t, err)

	dst := newTestStore(t)
	dstEngine := newTestEngine(t, dst, fake, km)
	res := dstEngine.Restore(ctx, "")
	require.NoError(t, res.Err)
	assert.Equal(t, StatusSuccess, res.Status)
	assert.Equal(t, 1, res.Inserted)
}

func TestEngine_RejectsConcurrentOperations(t *testing.T) {
	e := newTestEngine(t, newTestStore(t), newFakeRemote(), newTestKeys(t))

	require.NoError(t, e.begin(stateSyncing))
	defer e.end()

	res := e.Sync(context.Background(), SyncFull)
	assert.Equal(t, StatusFailure, res.Status)
	assert.Equal(t, syncerr.CodeAlreadyInProgress, syncerr.CodeOf(res.Err))

	res = e.Backup(context.Background())
	assert.Equal(t, StatusFailure, res.Status)
	assert.Equal(t, syncerr.CodeAlreadyInProgress, syncerr.CodeOf(res.Err))
}

func TestEngine_IncrementalScopesUpload(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	fake := newFakeRemote()
	e := newTestEngine(t, st, fake, newTestKeys(t))

	floor := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, st.Insert(ctx, "patients", pendingRecord("old", "Old", floor.Add(-time.Hour).UnixMilli())))
	require.NoError(t, st.Insert(ctx, "patients", pendingRecord("new", "New", floor.Add(time.Hour).UnixMilli())))
	require.NoError(t, st.SetSyncMetadata(ctx, "patients", store.SyncMetadata{
		TableName:         "patients",
		LastSyncTimestamp: floor,
	}))

	res := e.Sync(ctx, SyncIncremental)
	require.NoError(t, res.Err)
	assert.Equal(t, 1, res.Uploaded)
}

func TestEngine_ProgressIsMonotonic(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	require.NoError(t, st.Insert(ctx, "patients", pendingRecord("p1", "Alice", 100)))

	var fractions []float64
	e := newTestEngine(t, st, newFakeRemote(), newTestKeys(t),
		WithProgress(func(fraction float64, _ string) {
			fractions = append(fractions, fraction)
		}))

	res := e.Sync(ctx, SyncFull)
	require.NoError(t, res.Err)

	require.NotEmpty(t, fractions)
	for i := 1; i < len(fractions); i++ {
		assert.GreaterOrEqual(t, fractions[i], fractions[i-1])
	}
	assert.Equal(t, float64(1), fractions[len(fractions)-1])
}

func TestEngine_ReconcileDecision(t *testing.T) {
	ctx := context.Background()

	t.Run("empty remote backs up", func(t *testing.T) {
		st := newTestStore(t)
		require.NoError(t, st.Insert(ctx, "patients", pendingRecord("p1", "A", 100)))
		e := newTestEngine(t, st, newFakeRemote(), newTestKeys(t))

		res := e.Reconcile(ctx)
		require.NoError(t, res.Err)
		assert.Equal(t, "backup", res.Op)
	})

	t.Run("newer remote restores", func(t *testing.T) {
		st := newTestStore(t)
		fake := newFakeRemote()
		km := newTestKeys(t)
		e := newTestEngine(t, st, fake, km)

		local := pendingRecord("p1", "A", time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC).UnixMilli())
		require.NoError(t, st.Insert(ctx, "patients", local))

		blob := sealForTest(t, e, "device-B", map[string][]record.Record{
			"patients": {pendingRecord("p2", "B", 200)},
		}, time.Date(2026, 3, 5, 0, 0, 0, 0, time.UTC))
		fake.seed("clinic-1_newer.enc", blob, time.Date(2026, 3, 5, 0, 0, 0, 0, time.UTC))

		res := e.Reconcile(ctx)
		require.NoError(t, res.Err)
		assert.Equal(t, "restore", res.Op)
	})

	t.Run("newer local backs up", func(t *testing.T) {
		st := newTestStore(t)
		fake := newFakeRemote()
		km := newTestKeys(t)
		e := newTestEngine(t, st, fake, km)

		local := pendingRecord("p1", "A", time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC).UnixMilli())
		require.NoError(t, st.Insert(ctx, "patients", local))

		blob := sealForTest(t, e, "device-B", map[string][]record.Record{
			"patients": {pendingRecord("p2", "B", 200)},
		}, time.Date(2026, 3, 5, 0, 0, 0, 0, time.UTC))
		fake.seed("clinic-1_older.enc", blob, time.Date(2026, 3, 5, 0, 0, 0, 0, time.UTC))

		res := e.Reconcile(ctx)
		require.NoError(t, res.Err)
		assert.Equal(t, "backup", res.Op)
	})
}

func retentionKeepOne() retention.Policy {
	return retention.Policy{MaxDailyBackups: 1, MaxMonthlyBackups: 1, MaxYearlyBackups: 1}
}

func TestEngine_BackupPruneIsBestEffort(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	fake := newFakeRemote()
	fake.failDelete = true
	km := newTestKeys(t)
	e := newTestEngine(t, st, fake, km, WithRetention(retentionKeepOne()))

	require.NoError(t, st.Insert(ctx, "patients", pendingRecord("p1", "A", 100)))

	// Seed enough old backups that the retention policy wants deletions.
	blob := sealForTest(t, e, "device-A", map[string][]record.Record{}, time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	fake.seed("clinic-1_jan1.enc", blob, time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	fake.seed("clinic-1_jan2.enc", blob, time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC))

	res := e.Backup(ctx)
	require.NoError(t, res.Err)
	assert.Equal(t, StatusSuccess, res.Status, "prune failure must not fail the backup")
}
