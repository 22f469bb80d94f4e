// Package record defines the schema-less typed record shared by the local
// store, the sync engine and snapshots. A record is an id plus a flat field
// map with a closed value variant, so tables can evolve without schema
// migrations while field access stays type-checked.
package record

import (
	"encoding/json"
	"strings"
	"time"
)

// Bookkeeping field names maintained by the sync machinery, not by users.
const (
	FieldID           = "id"
	FieldSyncStatus   = "sync_status"
	FieldOriginID     = "origin_id"
	FieldCreatedAt    = "created_at"
	FieldUpdatedAt    = "updated_at"
	FieldLastModified = "last_modified"
)

// Sync status values stored in FieldSyncStatus.
const (
	StatusPending = "pending"
	StatusSynced  = "synced"
)

type Record struct {
	ID     string
	Fields map[string]Value
}

// New returns an empty record with the given id.
func New(id string) Record {
	return Record{ID: id, Fields: map[string]Value{}}
}

func (r Record) Get(field string) (Value, bool) {
	v, ok := r.Fields[field]
	return v, ok
}

func (r *Record) Set(field string, v Value) {
	if r.Fields == nil {
		r.Fields = map[string]Value{}
	}
	r.Fields[field] = v
}

// LastModified returns the record's last_modified timestamp, falling back to
// updated_at. Returns false when neither parses.
func (r Record) LastModified() (time.Time, bool) {
	if v, ok := r.Fields[FieldLastModified]; ok {
		if t, ok := v.AsTime(); ok {
			return t, true
		}
	}
	if v, ok := r.Fields[FieldUpdatedAt]; ok {
		if t, ok := v.AsTime(); ok {
			return t, true
		}
	}
	return time.Time{}, false
}

// SyncStatus returns the bookkeeping sync status, defaulting to pending.
func (r Record) SyncStatus() string {
	if v, ok := r.Fields[FieldSyncStatus]; ok {
		if s, ok := v.StringVal(); ok && s != "" {
			return s
		}
	}
	return StatusPending
}

func (r Record) Clone() Record {
	out := Record{ID: r.ID, Fields: make(map[string]Value, len(r.Fields))}
	for k, v := range r.Fields {
		out.Fields[k] = v.clone()
	}
	return out
}

// Equal compares id and all fields.
func (r Record) Equal(other Record) bool {
	if r.ID != other.ID || len(r.Fields) != len(other.Fields) {
		return false
	}
	for k, v := range r.Fields {
		o, ok := other.Fields[k]
		if !ok || !v.Equal(o) {
			return false
		}
	}
	return true
}

// IsBookkeepingField reports whether the field is maintained by the sync
// machinery and must never be merged between record versions.
func IsBookkeepingField(field string) bool {
	switch field {
	case FieldSyncStatus, FieldOriginID, FieldCreatedAt, FieldUpdatedAt:
		return true
	}
	return false
}

// IsTimestampField reports whether a field should be merged with
// later-timestamp-wins semantics, judged by naming convention.
func IsTimestampField(field string) bool {
	if field == FieldLastModified || field == "timestamp" {
		return true
	}
	return strings.HasSuffix(field, "_at") ||
		strings.HasSuffix(field, "_time") ||
		strings.HasSuffix(field, "_date")
}

// MarshalJSON flattens the record into a single object carrying the id
// alongside the fields. Map keys are emitted sorted by encoding/json, which
// makes the serialization canonical for checksumming.
func (r Record) MarshalJSON() ([]byte, error) {
	flat := make(map[string]Value, len(r.Fields)+1)
	for k, v := range r.Fields {
		flat[k] = v
	}
	flat[FieldID] = String(r.ID)
	return json.Marshal(flat)
}

func (r *Record) UnmarshalJSON(data []byte) error {
	var flat map[string]Value
	if err := json.Unmarshal(data, &flat); err != nil {
		return err
	}
	if v, ok := flat[FieldID]; ok {
		if s, ok := v.StringVal(); ok {
			r.ID = s
		}
		delete(flat, FieldID)
	}
	r.Fields = flat
	return nil
}
