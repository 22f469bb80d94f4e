// Package retention decides which remote backups to delete. Prune is a pure
// function over descriptors and a clock so policies are trivially testable.
package retention

import (
	"sort"
	"time"

	"github.com/clinicsync/clinicsync/internal/remote"
)

// Policy is a grandfather-father-son retention scheme. A zero limit disables
// the corresponding rule; MaxAge of zero disables age-based deletion. No
// combination of rules ever deletes the single most recent backup, so a
// tenant always keeps at least one restorable snapshot even when every
// backup has outlived MaxAge.
type Policy struct {
	MaxDailyBackups   int
	MaxMonthlyBackups int
	MaxYearlyBackups  int
	MaxAge            time.Duration
}

// DefaultPolicy keeps a week of dailies, a year of monthlies and three
// yearlies, with no absolute age cutoff.
func DefaultPolicy() Policy {
	return Policy{
		MaxDailyBackups:   7,
		MaxMonthlyBackups: 12,
		MaxYearlyBackups:  3,
	}
}

// Prune returns the descriptors to delete. Backups are bucketed by calendar
// day, month and year (UTC); each rule keeps the most recent backup of each
// of its most recent buckets. The rules' keep-sets are unioned, everything
// else is deleted, and anything older than MaxAge is deleted regardless of
// bucket membership. The single most recent backup overall is never deleted.
func Prune(descriptors []remote.Descriptor, policy Policy, now time.Time) []remote.Descriptor {
	if len(descriptors) == 0 {
		return nil
	}

	sorted := make([]remote.Descriptor, len(descriptors))
	copy(sorted, descriptors)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].CreatedAt.After(sorted[j].CreatedAt)
	})

	keep := map[string]bool{}
	keep[sorted[0].ID] = true // newest overall is untouchable

	markBuckets(sorted, keep, policy.MaxDailyBackups, func(t time.Time) string {
		return t.UTC().Format("2006-01-02")
	})
	markBuckets(sorted, keep, policy.MaxMonthlyBackups, func(t time.Time) string {
		return t.UTC().Format("2006-01")
	})
	markBuckets(sorted, keep, policy.MaxYearlyBackups, func(t time.Time) string {
		return t.UTC().Format("2006")
	})

	var deadline time.Time
	if policy.MaxAge > 0 {
		deadline = now.Add(-policy.MaxAge)
	}

	var doomed []remote.Descriptor
	for i, d := range sorted {
		tooOld := policy.MaxAge > 0 && d.CreatedAt.Before(deadline)
		if i == 0 {
			continue
		}
		if tooOld || !keep[d.ID] {
			doomed = append(doomed, d)
		}
	}
	return doomed
}

// markBuckets marks the most recent descriptor of each of the `limit` most
// recent buckets as kept. Descriptors must be sorted newest first.
func markBuckets(sorted []remote.Descriptor, keep map[string]bool, limit int, bucket func(time.Time) string) {
	if limit <= 0 {
		return
	}
	seen := map[string]bool{}
	for _, d := range sorted {
		b := bucket(d.CreatedAt)
		if seen[b] {
			continue
		}
		if len(seen) == limit {
			break
		}
		seen[b] = true
		keep[d.ID] = true
	}
}
