// Package store defines the local record-store contract consumed by the
// sync engine, plus its SQLite implementation. Records are schema-less: each
// row carries the record's field map as a JSON blob, with the bookkeeping
// columns the engine queries on denormalized alongside it.
package store

import (
	"context"
	"time"

	"github.com/clinicsync/clinicsync/internal/record"
)

// SyncMetadata is the per-table sync bookkeeping updated after every
// successful sync or backup pass.
type SyncMetadata struct {
	TableName           string    `json:"table_name"`
	LastSyncTimestamp   time.Time `json:"last_sync_timestamp"`
	LastBackupTimestamp time.Time `json:"last_backup_timestamp"`
	PendingChangeCount  int       `json:"pending_change_count"`
	LastOriginID        string    `json:"last_origin_id"`
}

// RecordStore is the narrow record-access contract over the local database.
// GetByID and GetSyncMetadata return nil when absent. Each call is its own
// transaction-scoped operation; the engine never holds a long-lived lock.
type RecordStore interface {
	// ListTables returns all sync-enabled table names.
	ListTables(ctx context.Context) ([]string, error)

	// ChangedSince returns records of the table with unsynced local
	// modifications at or after ts. A zero ts returns every pending record.
	ChangedSince(ctx context.Context, table string, ts time.Time) ([]record.Record, error)

	GetByID(ctx context.Context, table, id string) (*record.Record, error)
	Insert(ctx context.Context, table string, rec record.Record) error
	Update(ctx context.Context, table, id string, rec record.Record) error

	// MarkSynced flips the given records to synced, both in the
	// bookkeeping column and in the stored field map.
	MarkSynced(ctx context.Context, table string, ids []string) error

	// CountPending returns the number of unsynced records in the table.
	CountPending(ctx context.Context, table string) (int, error)

	GetSyncMetadata(ctx context.Context, table string) (*SyncMetadata, error)
	SetSyncMetadata(ctx context.Context, table string, meta SyncMetadata) error

	// ExportTable returns every record of the table, for snapshot export.
	ExportTable(ctx context.Context, table string) ([]record.Record, error)

	// LastLocalChange returns the most recent last_modified across all
	// tables, or the zero time when the store is empty.
	LastLocalChange(ctx context.Context) (time.Time, error)
}
