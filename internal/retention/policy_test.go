package retention

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/clinicsync/clinicsync/internal/remote"
)

func desc(id string, createdAt time.Time) remote.Descriptor {
	return remote.Descriptor{ID: id, Name: id, CreatedAt: createdAt, TenantID: "clinic-1"}
}

func ids(ds []remote.Descriptor) []string {
	out := make([]string, len(ds))
	for i, d := range ds {
		out[i] = d.ID
	}
	return out
}

func TestPrune_EmptyInput(t *testing.T) {
	assert.Nil(t, Prune(nil, DefaultPolicy(), time.Now()))
}

func TestPrune_KeepsMostRecentDailyBuckets(t *testing.T) {
	now := time.Date(2025, 6, 10, 12, 0, 0, 0, time.UTC)
	var ds []remote.Descriptor
	// Two backups per day for five days; daily rule keeps the newest of
	// each of the three most recent days.
	for day := 0; day < 5; day++ {
		for _, hour := range []int{8, 16} {
			ts := now.AddDate(0, 0, -day).Truncate(24 * time.Hour).Add(time.Duration(hour) * time.Hour)
			ds = append(ds, desc(fmt.Sprintf("d%d-h%d", day, hour), ts))
		}
	}

	policy := Policy{MaxDailyBackups: 3}
	doomed := ids(Prune(ds, policy, now))

	// Newest of each of the three most recent days survives.
	assert.NotContains(t, doomed, "d0-h16")
	assert.NotContains(t, doomed, "d1-h16")
	assert.NotContains(t, doomed, "d2-h16")
	// The older duplicate in each kept day is deleted.
	assert.Contains(t, doomed, "d0-h8")
	assert.Contains(t, doomed, "d1-h8")
	// Days beyond the window are deleted entirely.
	assert.Contains(t, doomed, "d3-h8")
	assert.Contains(t, doomed, "d3-h16")
	assert.Contains(t, doomed, "d4-h16")
}

func TestPrune_MonthlyAndYearlyBucketsUnion(t *testing.T) {
	now := time.Date(2025, 6, 10, 0, 0, 0, 0, time.UTC)
	ds := []remote.Descriptor{
		desc("jun", time.Date(2025, 6, 5, 0, 0, 0, 0, time.UTC)),
		desc("may", time.Date(2025, 5, 20, 0, 0, 0, 0, time.UTC)),
		desc("apr", time.Date(2025, 4, 11, 0, 0, 0, 0, time.UTC)),
		desc("jan-2024", time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)),
		desc("feb-2023", time.Date(2023, 2, 3, 0, 0, 0, 0, time.UTC)),
	}

	policy := Policy{MaxMonthlyBackups: 2, MaxYearlyBackups: 3}
	doomed := ids(Prune(ds, policy, now))

	// Monthly keeps jun + may; yearly keeps the newest of 2025/2024/2023.
	assert.NotContains(t, doomed, "jun")
	assert.NotContains(t, doomed, "may")
	assert.NotContains(t, doomed, "jan-2024")
	assert.NotContains(t, doomed, "feb-2023")
	assert.Contains(t, doomed, "apr")
}

func TestPrune_MaxAgeDeletesRegardlessOfBuckets(t *testing.T) {
	now := time.Date(2025, 6, 10, 0, 0, 0, 0, time.UTC)
	ds := []remote.Descriptor{
		desc("fresh", now.AddDate(0, 0, -1)),
		desc("ancient", now.AddDate(-2, 0, 0)),
	}

	// Yearly would keep "ancient", but it is past MaxAge.
	policy := Policy{MaxYearlyBackups: 5, MaxAge: 365 * 24 * time.Hour}
	doomed := ids(Prune(ds, policy, now))

	assert.Contains(t, doomed, "ancient")
	assert.NotContains(t, doomed, "fresh")
}

func TestPrune_NeverDeletesNewestOverall(t *testing.T) {
	now := time.Date(2025, 6, 10, 0, 0, 0, 0, time.UTC)
	ds := []remote.Descriptor{
		desc("only-one", now.AddDate(-5, 0, 0)),
	}

	policy := Policy{MaxDailyBackups: 1, MaxAge: 24 * time.Hour}
	assert.Empty(t, Prune(ds, policy, now))
}

func TestPrune_ZeroPolicyKeepsEverythingButAge(t *testing.T) {
	now := time.Date(2025, 6, 10, 0, 0, 0, 0, time.UTC)
	ds := []remote.Descriptor{
		desc("a", now.AddDate(0, 0, -1)),
		desc("b", now.AddDate(0, 0, -2)),
	}

	// All rules disabled: nothing beyond the newest is explicitly kept,
	// so everything else is deleted.
	doomed := ids(Prune(ds, Policy{}, now))
	assert.Equal(t, []string{"b"}, doomed)
}
