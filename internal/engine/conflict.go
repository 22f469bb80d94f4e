package engine

import (
	"time"

	"github.com/google/uuid"

	"github.com/clinicsync/clinicsync/internal/record"
	"github.com/clinicsync/clinicsync/internal/syncerr"
)

// Strategy names a conflict-resolution strategy.
type Strategy string

const (
	StrategyUseLocal  Strategy = "useLocal"
	StrategyUseRemote Strategy = "useRemote"
	StrategyMerge     Strategy = "merge"
	StrategyManual    Strategy = "manual"

	// StrategyLastWriteWins compares last_modified timestamps. The remote
	// record wins only when strictly more recent; ties keep the local
	// record. This is the default automatic strategy.
	StrategyLastWriteWins Strategy = "lastWriteWins"
)

// Conflict records a divergence: the remote record differs from the local
// one and the local one carries unsynced modifications. Cleared on
// resolution.
type Conflict struct {
	ID         string
	TableName  string
	RecordID   string
	Local      record.Record
	Remote     record.Record
	DetectedAt time.Time
	Kind       string
}

// Resolution is the outcome applied to a conflict. ResolvedRecord is
// required for the manual strategy and ignored otherwise.
type Resolution struct {
	ConflictID     string
	Strategy       Strategy
	ResolvedRecord *record.Record
	ResolvedAt     time.Time
	Notes          string
}

// newConflict builds a conflict for a diverged (table, record) pair.
func newConflict(table string, local, remote record.Record, now time.Time) *Conflict {
	return &Conflict{
		ID:         uuid.New().String(),
		TableName:  table,
		RecordID:   local.ID,
		Local:      local.Clone(),
		Remote:     remote.Clone(),
		DetectedAt: now,
		Kind:       "bothModified",
	}
}

// recordsEquivalent compares records ignoring the sync_status bookkeeping
// field, which legitimately differs between an uploaded copy and its local
// original.
func recordsEquivalent(a, b record.Record) bool {
	return stripStatus(a).Equal(stripStatus(b))
}

func stripStatus(r record.Record) record.Record {
	out := r.Clone()
	delete(out.Fields, record.FieldSyncStatus)
	return out
}

// resolveConflict produces the resolved record for a conflict under the
// given resolution. Deterministic: the same conflict and resolution always
// yield the same record, except for the merge timestamp which is taken from
// now.
func resolveConflict(c *Conflict, res Resolution, now time.Time) (record.Record, error) {
	switch res.Strategy {
	case StrategyUseLocal:
		return c.Local.Clone(), nil
	case StrategyUseRemote:
		return c.Remote.Clone(), nil
	case StrategyMerge:
		return mergeRecords(c.Local, c.Remote, now), nil
	case StrategyManual:
		if res.ResolvedRecord == nil {
			return record.Record{}, syncerr.New(syncerr.KindConflict, syncerr.CodeInvalidResolution, "engine.resolve")
		}
		return res.ResolvedRecord.Clone(), nil
	case StrategyLastWriteWins, "":
		return lastWriteWins(c.Local, c.Remote), nil
	}
	return record.Record{}, syncerr.New(syncerr.KindConflict, syncerr.CodeInvalidResolution, "engine.resolve")
}

// lastWriteWins picks the record with the later last_modified. The remote
// record wins only when strictly more recent; equal or unparsable
// timestamps keep the local record, so an unnecessary overwrite never
// happens.
func lastWriteWins(local, remote record.Record) record.Record {
	localTS, localOK := local.LastModified()
	remoteTS, remoteOK := remote.LastModified()
	if localOK && remoteOK && remoteTS.After(localTS) {
		return remote.Clone()
	}
	if !localOK && remoteOK {
		return remote.Clone()
	}
	return local.Clone()
}

// mergeRecords merges field-by-field, starting from the local record and
// bringing in remote values only where doing so cannot lose local data:
// remote fills local null/empty fields, timestamp-like fields take the
// later of the two, numeric fields take the larger. Everything else keeps
// the local value. Bookkeeping fields are never merged; the merged record
// gets fresh bookkeeping so it is uploaded on the next pass.
func mergeRecords(local, remote record.Record, now time.Time) record.Record {
	merged := local.Clone()

	for field, remoteVal := range remote.Fields {
		if field == record.FieldID || record.IsBookkeepingField(field) || field == record.FieldLastModified {
			continue
		}
		localVal, ok := merged.Get(field)
		if !ok || localVal.IsEmpty() {
			merged.Set(field, remoteVal)
			continue
		}
		if record.IsTimestampField(field) {
			localTS, localParsed := localVal.AsTime()
			remoteTS, remoteParsed := remoteVal.AsTime()
			if localParsed && remoteParsed && remoteTS.After(localTS) {
				merged.Set(field, remoteVal)
			}
			continue
		}
		if localNum, ok := localVal.NumberVal(); ok {
			if remoteNum, ok := remoteVal.NumberVal(); ok && remoteNum > localNum {
				merged.Set(field, remoteVal)
			}
			continue
		}
		// Keep local.
	}

	merged.Set(record.FieldLastModified, record.Number(float64(now.UnixMilli())))
	merged.Set(record.FieldSyncStatus, record.String(record.StatusPending))
	return merged
}
