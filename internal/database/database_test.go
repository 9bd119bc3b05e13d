package database

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// setupTestDB points DB at a fresh in-memory database.
func setupTestDB(t *testing.T) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, Migrate(db))
	DB = db
	t.Cleanup(func() { DB = nil })
}

func TestTunnelEvents(t *testing.T) {
	setupTestDB(t)

	now := time.Now()
	for _, to := range []string{"PORT_ALLOCATED", "TUNNEL_STARTING", "TUNNEL_VERIFIED"} {
		require.NoError(t, RecordTunnelEvent(&TunnelEvent{RunID: "run-1", ToPhase: to, FromPhase: "x", Port: 5000, OccurredAt: now}))
	}

	events, err := ListTunnelEvents(2)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "TUNNEL_VERIFIED", events[0].ToPhase)
	assert.Equal(t, "TUNNEL_STARTING", events[1].ToPhase)
	assert.Equal(t, 5000, events[0].Port)
}

func TestStatsSamplesPrune(t *testing.T) {
	setupTestDB(t)

	for i := 0; i < 10; i++ {
		require.NoError(t, RecordStatsSample(&StatsSample{RunID: "r", FramesReceived: uint64(i), SampledAt: time.Now()}))
	}
	removed, err := PruneStatsSamples(4)
	require.NoError(t, err)
	assert.Equal(t, int64(6), removed)

	samples, err := ListStatsSamples(100)
	require.NoError(t, err)
	require.Len(t, samples, 4)
	assert.Equal(t, uint64(9), samples[0].FramesReceived)
	assert.Equal(t, uint64(6), samples[3].FramesReceived)

	removed, err = PruneStatsSamples(4)
	require.NoError(t, err)
	assert.Zero(t, removed)
}

func TestDisabledDatabase(t *testing.T) {
	require.NoError(t, Init(""))
	assert.Nil(t, DB)
	assert.NoError(t, RecordTunnelEvent(&TunnelEvent{}))
	assert.NoError(t, RecordStatsSample(&StatsSample{}))
	_, err := ListTunnelEvents(10)
	assert.ErrorIs(t, err, ErrDisabled)
	assert.NoError(t, Close())
}

func TestInitOnDisk(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "swaplive.db")
	require.NoError(t, Init(path))
	t.Cleanup(func() { _ = Close() })

	require.NoError(t, RecordTunnelEvent(&TunnelEvent{RunID: "r", FromPhase: "UNSTARTED", ToPhase: "PORT_ALLOCATED"}))
	events, err := ListTunnelEvents(10)
	require.NoError(t, err)
	assert.Len(t, events, 1)
}
