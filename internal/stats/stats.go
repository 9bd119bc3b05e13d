// Package stats aggregates per-frame counters and trailing-window metrics for
// the active session.
//
// Writers are expected to be a single goroutine (the session control loop).
// Snapshot may be called from any goroutine and never waits on a writer:
// counters are atomics and windowed aggregates are published as an immutable
// value after every write.
package stats

import (
	"sync"
	"sync/atomic"
	"time"
)

// DefaultWindow is the number of samples kept for averages and fps.
const DefaultWindow = 30

// Snapshot is a point-in-time copy of the counters. Field names follow the
// client protocol.
type Snapshot struct {
	FramesReceived    uint64  `json:"frame_count"`
	FramesAdmitted    uint64  `json:"frames_admitted"`
	FramesSucceeded   uint64  `json:"swap_count"`
	FramesNoSubject   uint64  `json:"no_subject_count"`
	Errors            uint64  `json:"error_count"`
	AvgProcessingMs   float64 `json:"avg_processing_time"`
	InstantaneousFPS  float64 `json:"fps"`
	WindowSize        int     `json:"window_size"`
	LastProcessedUnix int64   `json:"last_processed_at,omitempty"`
}

type windowView struct {
	avgMs       float64
	fps         float64
	lastProcess time.Time
}

// Aggregator is safe for concurrent readers and a single writer. Counters
// cover the whole process lifetime and are shared by every session. Writes are
// additionally serialized so misuse cannot corrupt the windows.
type Aggregator struct {
	received  atomic.Uint64
	admitted  atomic.Uint64
	succeeded atomic.Uint64
	noSubject atomic.Uint64
	errors    atomic.Uint64

	view atomic.Pointer[windowView]

	wmu       sync.Mutex
	size      int
	durations []time.Duration
	durNext   int
	durSum    time.Duration
	admits    []time.Time
	admitNext int
	lastProc  time.Time
}

// New returns an aggregator with a trailing window of size samples.
func New(size int) *Aggregator {
	if size < 1 {
		size = DefaultWindow
	}
	a := &Aggregator{
		size:      size,
		durations: make([]time.Duration, 0, size),
		admits:    make([]time.Time, 0, size),
	}
	a.view.Store(&windowView{})
	return a
}

// RecordReceived counts a frame that arrived from the active session.
func (a *Aggregator) RecordReceived() {
	a.received.Add(1)
}

// RecordAdmitted counts a frame that passed the rate limiter at ts.
func (a *Aggregator) RecordAdmitted(ts time.Time) {
	a.admitted.Add(1)

	a.wmu.Lock()
	defer a.wmu.Unlock()
	if len(a.admits) < a.size {
		a.admits = append(a.admits, ts)
	} else {
		a.admits[a.admitNext] = ts
		a.admitNext = (a.admitNext + 1) % a.size
	}
	a.publishLocked()
}

// RecordResult counts a completed transformation. success is false when the
// engine found no subject in the frame.
func (a *Aggregator) RecordResult(success bool, processing time.Duration, at time.Time) {
	if success {
		a.succeeded.Add(1)
	} else {
		a.noSubject.Add(1)
	}
	a.recordDuration(processing, at)
}

// RecordError counts an engine failure.
func (a *Aggregator) RecordError(processing time.Duration, at time.Time) {
	a.errors.Add(1)
	a.recordDuration(processing, at)
}

func (a *Aggregator) recordDuration(d time.Duration, at time.Time) {
	if d < 0 {
		d = 0
	}
	a.wmu.Lock()
	defer a.wmu.Unlock()
	if len(a.durations) < a.size {
		a.durations = append(a.durations, d)
	} else {
		a.durSum -= a.durations[a.durNext]
		a.durations[a.durNext] = d
		a.durNext = (a.durNext + 1) % a.size
	}
	a.durSum += d
	a.lastProc = at
	a.publishLocked()
}

func (a *Aggregator) publishLocked() {
	v := &windowView{lastProcess: a.lastProc}
	if n := len(a.durations); n > 0 {
		v.avgMs = float64(a.durSum) / float64(n) / float64(time.Millisecond)
	}
	if n := len(a.admits); n > 1 {
		// Oldest sample sits at admitNext once the ring is full.
		oldest := a.admits[0]
		newest := a.admits[n-1]
		if n == a.size {
			oldest = a.admits[a.admitNext]
			newest = a.admits[(a.admitNext+n-1)%n]
		}
		if span := newest.Sub(oldest); span > 0 {
			v.fps = float64(n-1) / span.Seconds()
		}
	}
	a.view.Store(v)
}

// Snapshot returns the current counters.
func (a *Aggregator) Snapshot() Snapshot {
	v := a.view.Load()
	s := Snapshot{
		FramesReceived:   a.received.Load(),
		FramesAdmitted:   a.admitted.Load(),
		FramesSucceeded:  a.succeeded.Load(),
		FramesNoSubject:  a.noSubject.Load(),
		Errors:           a.errors.Load(),
		AvgProcessingMs:  v.avgMs,
		InstantaneousFPS: v.fps,
		WindowSize:       a.size,
	}
	if !v.lastProcess.IsZero() {
		s.LastProcessedUnix = v.lastProcess.Unix()
	}
	return s
}
