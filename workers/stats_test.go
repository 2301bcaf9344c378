package workers_test

import (
	"testing"

	"github.com/shelfmark/custodian/workers"
	"github.com/stretchr/testify/assert"
)

func TestStatsCollector(t *testing.T) {
	sc := workers.NewStatsCollector()
	sc.RecordHandled("delete")
	sc.RecordHandled("delete")
	sc.RecordHandled("saves_chunks")
	sc.RecordRetried("saves_chunks")
	sc.RecordDropped("delete")

	snap := sc.Snapshot()
	assert.Equal(t, 2, snap.Handled["delete"])
	assert.Equal(t, 1, snap.Retried["saves_chunks"])

	stats := sc.Extract()
	assert.Equal(t, 2, stats.Handled["delete"])
	assert.Equal(t, 1, stats.Handled["saves_chunks"])
	assert.Equal(t, 1, stats.Dropped["delete"])
	assert.Len(t, stats.ToMetrics(), 4)

	// extraction resets the counts
	stats = sc.Extract()
	assert.Empty(t, stats.Handled)
	assert.Empty(t, stats.ToMetrics())
}
