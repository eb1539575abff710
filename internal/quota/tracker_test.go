package quota

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestTracker(t *testing.T) *Tracker {
	t.Helper()
	tr, err := NewTracker(filepath.Join(t.TempDir(), "requests.db"))
	require.NoError(t, err)
	t.Cleanup(func() { tr.Close() })
	return tr
}

func TestTrackerStats(t *testing.T) {
	tr := newTestTracker(t)

	require.NoError(t, tr.LogRequest("u1", "chat", "gemini-2.5-pro", 12, 100, 400, 850, 200))
	require.NoError(t, tr.LogRequest("u1", "chat", "gemini-2.5-pro", 8, 50, 200, 600, 200))
	require.NoError(t, tr.LogRequest("u2", "image", "imagen-3", 40, 0, 0, 4000, 502))

	stats, err := tr.GetStats()
	require.NoError(t, err)
	assert.Equal(t, int64(3), stats.TotalRequests)
	assert.Equal(t, int64(60), stats.TotalCredits)
	assert.Equal(t, int64(150), stats.TotalTokensIn)
	assert.Equal(t, int64(600), stats.TotalTokensOut)
	assert.InDelta(t, 66.6, stats.SuccessRate, 0.5)
}

func TestTrackerModelStats(t *testing.T) {
	tr := newTestTracker(t)

	require.NoError(t, tr.LogRequest("u1", "chat", "gemini-2.5-pro", 10, 10, 10, 100, 200))
	require.NoError(t, tr.LogRequest("u1", "chat", "gemini-2.5-pro", 10, 10, 10, 100, 200))
	require.NoError(t, tr.LogRequest("u1", "chat", "claude-sonnet-4", 30, 10, 10, 100, 200))

	stats, err := tr.GetModelStats()
	require.NoError(t, err)
	require.Len(t, stats, 2)
	assert.Equal(t, "gemini-2.5-pro", stats[0].Model, "most-used model sorts first")
	assert.Equal(t, int64(2), stats[0].Requests)
	assert.Equal(t, int64(20), stats[0].Credits)
}

func TestTrackerAccountStats(t *testing.T) {
	tr := newTestTracker(t)

	require.NoError(t, tr.LogRequest("u1", "chat", "gemini-2.5-pro", 10, 0, 0, 100, 200))
	require.NoError(t, tr.LogRequest("u1", "chat", "gemini-2.5-pro", 10, 0, 0, 100, 500))

	stats, err := tr.GetAccountStats()
	require.NoError(t, err)
	require.Len(t, stats, 1)
	assert.Equal(t, "u1", stats[0].AccountID)
	assert.Equal(t, int64(2), stats[0].Requests)
	assert.InDelta(t, 50, stats[0].SuccessRate, 0.01)
}
