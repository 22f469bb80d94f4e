// Package snapshot defines the point-in-time export exchanged with the
// remote store, its canonical checksum, and the pluggable compression
// transform applied before encryption.
package snapshot

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/clinicsync/clinicsync/internal/cryptox"
	"github.com/clinicsync/clinicsync/internal/record"
)

// CurrentVersion is the snapshot format version written by this build.
const CurrentVersion = 1

// Snapshot is a full export of all sync-enabled tables. Immutable once
// sealed: the checksum covers every field except itself.
type Snapshot struct {
	TenantID  string                     `json:"tenant_id"`
	OriginID  string                     `json:"origin_id"`
	Timestamp time.Time                  `json:"timestamp"`
	Version   int                        `json:"version"`
	Tables    map[string][]record.Record `json:"tables"`
	Checksum  string                     `json:"checksum"`
	Metadata  map[string]string          `json:"metadata,omitempty"`
}

// New builds and seals a snapshot over the given tables.
func New(tenantID, originID string, tables map[string][]record.Record, now time.Time) (*Snapshot, error) {
	s := &Snapshot{
		TenantID:  tenantID,
		OriginID:  originID,
		Timestamp: now.UTC(),
		Version:   CurrentVersion,
		Tables:    tables,
	}
	sum, err := s.computeChecksum()
	if err != nil {
		return nil, err
	}
	s.Checksum = sum
	return s, nil
}

// computeChecksum digests the canonical JSON serialization of the snapshot
// with the checksum field blanked. encoding/json emits map keys sorted, so
// the serialization is stable across processes.
func (s *Snapshot) computeChecksum() (string, error) {
	shadow := *s
	shadow.Checksum = ""
	data, err := json.Marshal(&shadow)
	if err != nil {
		return "", err
	}
	return cryptox.Checksum(data), nil
}

// ValidateIntegrity recomputes the checksum and compares it with the sealed
// value.
func (s *Snapshot) ValidateIntegrity() bool {
	sum, err := s.computeChecksum()
	if err != nil {
		return false
	}
	return sum == s.Checksum
}

// RecordCount returns the total number of records across all tables.
func (s *Snapshot) RecordCount() int {
	n := 0
	for _, recs := range s.Tables {
		n += len(recs)
	}
	return n
}

// BlobName builds the deterministic remote object name for a backup:
// {tenant}_{ISO8601}.enc with colons replaced to stay filesystem-safe.
func BlobName(tenantID string, ts time.Time) string {
	stamp := strings.ReplaceAll(ts.UTC().Format(time.RFC3339), ":", "-")
	return tenantID + "_" + stamp + ".enc"
}
