package telemetry

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/gluk-w/swaplive/internal/database"
	"github.com/gluk-w/swaplive/internal/stats"
)

type capturePublisher struct {
	payloads [][]byte
	err      error
}

func (c *capturePublisher) Publish(p []byte) error {
	c.payloads = append(c.payloads, p)
	return c.err
}

func setupTestDB(t *testing.T) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, database.Migrate(db))
	database.DB = db
	t.Cleanup(func() { database.DB = nil })
}

func TestReportPublishesAndPersists(t *testing.T) {
	setupTestDB(t)
	at := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	ok := &capturePublisher{}
	broken := &capturePublisher{err: errors.New("broker down")}
	r := NewReporter("run-1", time.Minute, func() Report {
		return Report{
			Stats:         stats.Snapshot{FramesReceived: 42, FramesSucceeded: 40, AvgProcessingMs: 12.5},
			SessionActive: true,
			EngineLoaded:  true,
			TunnelPhase:   "TUNNEL_VERIFIED",
		}
	}, broken, ok)
	r.nowFunc = func() time.Time { return at }

	rep := r.Report()
	assert.Equal(t, "run-1", rep.RunID)
	assert.Equal(t, at, rep.At)

	require.Len(t, ok.payloads, 1, "a failing publisher does not block the next one")
	var got Report
	require.NoError(t, json.Unmarshal(ok.payloads[0], &got))
	assert.Equal(t, uint64(42), got.Stats.FramesReceived)
	assert.Equal(t, "TUNNEL_VERIFIED", got.TunnelPhase)

	samples, err := database.ListStatsSamples(10)
	require.NoError(t, err)
	require.Len(t, samples, 1)
	assert.Equal(t, uint64(40), samples[0].FramesSucceeded)
	assert.True(t, samples[0].SessionActive)
}

func TestReportWithoutDatabase(t *testing.T) {
	database.DB = nil
	r := NewReporter("run-2", time.Minute, func() Report { return Report{} })
	rep := r.Report()
	assert.Equal(t, "run-2", rep.RunID)
}

func TestStartStop(t *testing.T) {
	r := NewReporter("run-3", time.Hour, func() Report { return Report{} })
	require.NoError(t, r.Start())
	r.Stop()
}

func TestMQTTPublisherRequiresConnection(t *testing.T) {
	p := NewMQTTPublisher("localhost:1883", "test", "swaplive/stats")
	assert.Equal(t, "tcp://localhost:1883", p.broker)
	assert.Error(t, p.Publish([]byte("{}")))
	_, failed := p.Counts()
	assert.Equal(t, uint64(1), failed)
	p.Close()
}
