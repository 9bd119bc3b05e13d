package stats

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

func TestCounters(t *testing.T) {
	a := New(30)
	for i := 0; i < 5; i++ {
		a.RecordReceived()
	}
	a.RecordAdmitted(t0)
	a.RecordAdmitted(t0.Add(100 * time.Millisecond))
	a.RecordResult(true, 40*time.Millisecond, t0)
	a.RecordResult(false, 20*time.Millisecond, t0)
	a.RecordError(60*time.Millisecond, t0)

	s := a.Snapshot()
	assert.Equal(t, uint64(5), s.FramesReceived)
	assert.Equal(t, uint64(2), s.FramesAdmitted)
	assert.Equal(t, uint64(1), s.FramesSucceeded)
	assert.Equal(t, uint64(1), s.FramesNoSubject)
	assert.Equal(t, uint64(1), s.Errors)
	assert.InDelta(t, 40, s.AvgProcessingMs, 1e-9)
	assert.InDelta(t, 10, s.InstantaneousFPS, 1e-9)
	assert.Equal(t, t0.Unix(), s.LastProcessedUnix)
}

func TestAverageUsesTrailingWindow(t *testing.T) {
	a := New(3)
	a.RecordResult(true, 1000*time.Millisecond, t0)
	for i := 0; i < 3; i++ {
		a.RecordResult(true, 10*time.Millisecond, t0)
	}
	assert.InDelta(t, 10, a.Snapshot().AvgProcessingMs, 1e-9)
}

func TestFPSOverFullRing(t *testing.T) {
	a := New(4)
	// Ten frames at 20fps; the ring keeps the last four.
	for i := 0; i < 10; i++ {
		a.RecordAdmitted(t0.Add(time.Duration(i) * 50 * time.Millisecond))
	}
	assert.InDelta(t, 20, a.Snapshot().InstantaneousFPS, 1e-6)
}

func TestEmptySnapshot(t *testing.T) {
	s := New(0).Snapshot()
	assert.Equal(t, DefaultWindow, s.WindowSize)
	assert.Zero(t, s.FramesReceived)
	assert.Zero(t, s.AvgProcessingMs)
	assert.Zero(t, s.InstantaneousFPS)
	assert.Zero(t, s.LastProcessedUnix)
}

func TestSnapshotDuringWrites(t *testing.T) {
	a := New(30)
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 1000; i++ {
			a.RecordReceived()
			a.RecordAdmitted(t0.Add(time.Duration(i) * time.Millisecond))
			a.RecordResult(true, time.Millisecond, t0)
		}
		close(done)
	}()

	var last uint64
	for {
		s := a.Snapshot()
		require.GreaterOrEqual(t, s.FramesReceived, last, "counters never go backwards")
		last = s.FramesReceived
		select {
		case <-done:
			wg.Wait()
			assert.Equal(t, uint64(1000), a.Snapshot().FramesSucceeded)
			return
		default:
		}
	}
}
