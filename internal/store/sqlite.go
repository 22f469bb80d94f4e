package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"

	"github.com/clinicsync/clinicsync/internal/dbx"
	"github.com/clinicsync/clinicsync/internal/record"
	"github.com/clinicsync/clinicsync/internal/store/migrations"
	"github.com/clinicsync/clinicsync/internal/syncerr"
)

// SQLiteStore implements RecordStore on a local SQLite database. The field
// map of every record is stored as a JSON blob; last_modified, sync_status
// and origin_id are denormalized into columns so sync queries stay indexed.
type SQLiteStore struct {
	db *sql.DB
}

// Open opens (or creates) the SQLite database at dsn and applies pending
// schema migrations.
func Open(ctx context.Context, dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// SQLite allows one writer; a single pooled connection also keeps
	// ":memory:" databases from fragmenting across connections.
	db.SetMaxOpenConns(1)
	if err := RunMigrations(ctx, db); err != nil {
		db.Close()
		return nil, err
	}
	return &SQLiteStore{db: db}, nil
}

// NewSQLiteStore wraps an already-opened and migrated database handle.
func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

// RunMigrations applies the embedded schema migrations.
func RunMigrations(ctx context.Context, db *sql.DB) error {
	goose.SetBaseFS(migrations.Migrations)

	if err := goose.SetDialect("sqlite3"); err != nil {
		return fmt.Errorf("failed to set goose dialect: %w", err)
	}

	if err := goose.UpContext(ctx, db, "."); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// DB exposes the underlying handle for callers that need raw access.
func (s *SQLiteStore) DB() *sql.DB { return s.db }

func (s *SQLiteStore) ListTables(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT table_name FROM records ORDER BY table_name`)
	if err != nil {
		return nil, fmt.Errorf("failed to list tables: %w", err)
	}
	defer rows.Close()

	var tables []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		tables = append(tables, name)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return tables, nil
}

func (s *SQLiteStore) ChangedSince(ctx context.Context, table string, ts time.Time) ([]record.Record, error) {
	var since int64
	if !ts.IsZero() {
		since = ts.UnixMilli()
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT fields FROM records
		 WHERE table_name = ? AND sync_status = ? AND last_modified >= ?
		 ORDER BY last_modified`,
		table, record.StatusPending, since)
	if err != nil {
		return nil, fmt.Errorf("failed to select changed records: %w", err)
	}
	defer rows.Close()
	return scanRecords(rows)
}

func (s *SQLiteStore) GetByID(ctx context.Context, table, id string) (*record.Record, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT fields FROM records WHERE table_name = ? AND id = ?`, table, id)

	var blob []byte
	if err := row.Scan(&blob); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to select record: %w", err)
	}
	var rec record.Record
	if err := rec.UnmarshalJSON(blob); err != nil {
		return nil, fmt.Errorf("failed to decode record %s/%s: %w", table, id, err)
	}
	return &rec, nil
}

func (s *SQLiteStore) Insert(ctx context.Context, table string, rec record.Record) error {
	blob, lastMod, status, origin, err := encodeRecord(rec)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO records (table_name, id, fields, last_modified, sync_status, origin_id)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		table, rec.ID, blob, lastMod, status, origin)
	if err != nil {
		return fmt.Errorf("failed to insert record: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Update(ctx context.Context, table, id string, rec record.Record) error {
	blob, lastMod, status, origin, err := encodeRecord(rec)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE records SET fields = ?, last_modified = ?, sync_status = ?, origin_id = ?
		 WHERE table_name = ? AND id = ?`,
		blob, lastMod, status, origin, table, id)
	if err != nil {
		return fmt.Errorf("failed to update record: %w", err)
	}
	ra, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if ra == 0 {
		return syncerr.New(syncerr.KindStorage, syncerr.CodeNotFound, "store.update")
	}
	return nil
}

// MarkSynced flips the given records to synced in one transaction, patching
// both the bookkeeping column and the stored field map.
func (s *SQLiteStore) MarkSynced(ctx context.Context, table string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	return dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		for _, id := range ids {
			row := tx.QueryRowContext(ctx,
				`SELECT fields FROM records WHERE table_name = ? AND id = ?`, table, id)
			var blob []byte
			if err := row.Scan(&blob); err != nil {
				if errors.Is(err, sql.ErrNoRows) {
					return syncerr.New(syncerr.KindStorage, syncerr.CodeNotFound, "store.markSynced")
				}
				return fmt.Errorf("failed to select record: %w", err)
			}
			var rec record.Record
			if err := rec.UnmarshalJSON(blob); err != nil {
				return fmt.Errorf("failed to decode record %s/%s: %w", table, id, err)
			}
			rec.Set(record.FieldSyncStatus, record.String(record.StatusSynced))
			patched, err := rec.MarshalJSON()
			if err != nil {
				return fmt.Errorf("failed to encode record: %w", err)
			}
			if _, err := tx.ExecContext(ctx,
				`UPDATE records SET fields = ?, sync_status = ?
				 WHERE table_name = ? AND id = ?`,
				patched, record.StatusSynced, table, id); err != nil {
				return fmt.Errorf("failed to mark record synced: %w", err)
			}
		}
		return nil
	})
}

func (s *SQLiteStore) GetSyncMetadata(ctx context.Context, table string) (*SyncMetadata, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT last_sync_timestamp, last_backup_timestamp, pending_change_count, last_origin_id
		 FROM sync_metadata WHERE table_name = ?`, table)

	var syncTS, backupTS int64
	meta := SyncMetadata{TableName: table}
	if err := row.Scan(&syncTS, &backupTS, &meta.PendingChangeCount, &meta.LastOriginID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to select sync metadata: %w", err)
	}
	if syncTS > 0 {
		meta.LastSyncTimestamp = time.UnixMilli(syncTS).UTC()
	}
	if backupTS > 0 {
		meta.LastBackupTimestamp = time.UnixMilli(backupTS).UTC()
	}
	return &meta, nil
}

func (s *SQLiteStore) SetSyncMetadata(ctx context.Context, table string, meta SyncMetadata) error {
	var syncTS, backupTS int64
	if !meta.LastSyncTimestamp.IsZero() {
		syncTS = meta.LastSyncTimestamp.UnixMilli()
	}
	if !meta.LastBackupTimestamp.IsZero() {
		backupTS = meta.LastBackupTimestamp.UnixMilli()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sync_metadata (table_name, last_sync_timestamp, last_backup_timestamp, pending_change_count, last_origin_id)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(table_name) DO UPDATE SET
		 	last_sync_timestamp = excluded.last_sync_timestamp,
		 	last_backup_timestamp = excluded.last_backup_timestamp,
		 	pending_change_count = excluded.pending_change_count,
		 	last_origin_id = excluded.last_origin_id`,
		table, syncTS, backupTS, meta.PendingChangeCount, meta.LastOriginID)
	if err != nil {
		return fmt.Errorf("failed to upsert sync metadata: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ExportTable(ctx context.Context, table string) ([]record.Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT fields FROM records WHERE table_name = ? ORDER BY id`, table)
	if err != nil {
		return nil, fmt.Errorf("failed to export table: %w", err)
	}
	defer rows.Close()
	return scanRecords(rows)
}

func (s *SQLiteStore) LastLocalChange(ctx context.Context) (time.Time, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(last_modified), 0) FROM records`)
	var ms int64
	if err := row.Scan(&ms); err != nil {
		return time.Time{}, fmt.Errorf("failed to select last local change: %w", err)
	}
	if ms == 0 {
		return time.Time{}, nil
	}
	return time.UnixMilli(ms).UTC(), nil
}

// CountPending returns the number of unsynced records in the table.
func (s *SQLiteStore) CountPending(ctx context.Context, table string) (int, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM records WHERE table_name = ? AND sync_status = ?`,
		table, record.StatusPending)
	var n int
	if err := row.Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count pending records: %w", err)
	}
	return n, nil
}

func encodeRecord(rec record.Record) (blob []byte, lastMod int64, status, origin string, err error) {
	blob, err = rec.MarshalJSON()
	if err != nil {
		return nil, 0, "", "", fmt.Errorf("failed to encode record: %w", err)
	}
	if t, ok := rec.LastModified(); ok {
		lastMod = t.UnixMilli()
	}
	status = rec.SyncStatus()
	if v, ok := rec.Get(record.FieldOriginID); ok {
		origin, _ = v.StringVal()
	}
	return blob, lastMod, status, origin, nil
}

func scanRecords(rows *sql.Rows) ([]record.Record, error) {
	var result []record.Record
	for rows.Next() {
		var blob []byte
		if err := rows.Scan(&blob); err != nil {
			return nil, err
		}
		var rec record.Record
		if err := rec.UnmarshalJSON(blob); err != nil {
			return nil, fmt.Errorf("failed to decode record: %w", err)
		}
		result = append(result, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}
