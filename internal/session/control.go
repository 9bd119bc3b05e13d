package session

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/gluk-w/swaplive/internal/ratelimit"
	"github.com/gluk-w/swaplive/internal/transform"
)

// activeSession is owned by the control goroutine.
type activeSession struct {
	id             string
	gen            uint64
	state          State
	sink           Sink
	reference      *transform.Descriptor
	limiter        *ratelimit.Bucket
	createdAt      time.Time
	lastActivityAt time.Time
	seq            uint64
	jobs           chan job
	cancel         context.CancelFunc
	errorRun       int
}

type job struct {
	seq   uint64
	frame string
	// ref is never mutated after it is installed, so the worker may read it
	// without synchronization.
	ref *transform.Descriptor
}

type jobResult struct {
	seq      uint64
	outcome  Outcome
	output   string
	reason   string
	duration time.Duration
}

func (m *Manager) lookup(id string) (*activeSession, bool) {
	if m.active == nil || m.active.id != id || m.active.state != StateActive {
		return nil, false
	}
	return m.active, true
}

func (m *Manager) connect(id string, sink Sink) error {
	now := m.nowFunc()
	m.reapIdle(now)

	if m.active != nil {
		if m.active.id == id {
			return nil
		}
		switch m.cfg.BusyPolicy {
		case PolicyReject:
			m.log.WithFields(logrus.Fields{
				"session_id": id,
				"active_id":  m.active.id,
			}).Info("Rejected connection: slot busy")
			return ErrBusy
		default:
			m.log.WithFields(logrus.Fields{
				"session_id": id,
				"evicted_id": m.active.id,
			}).Info("Evicting active session")
			m.end(ReasonEvicted)
		}
	}

	m.generation++
	ctx, cancel := context.WithCancel(m.runCtx)
	s := &activeSession{
		id:             id,
		gen:            m.generation,
		state:          StateActive,
		sink:           sink,
		limiter:        ratelimit.New(m.cfg.FramesPerSecond, m.cfg.Burst, now),
		createdAt:      now,
		lastActivityAt: now,
		jobs:           make(chan job, m.cfg.QueueDepth),
		cancel:         cancel,
	}
	m.active = s
	go m.work(ctx, s.gen, s.jobs)

	m.log.WithField("session_id", id).Info("Session started")
	return nil
}

// release tears down the active session without notifying its sink.
func (m *Manager) release() *activeSession {
	s := m.active
	if s == nil {
		return nil
	}
	s.state = StateDraining
	s.cancel()
	s.reference = nil
	m.active = nil
	return s
}

// end tears down the active session and tells its sink why.
func (m *Manager) end(reason CloseReason) {
	s := m.release()
	if s == nil {
		return
	}
	m.log.WithFields(logrus.Fields{
		"session_id": s.id,
		"reason":     reason.String(),
		"duration":   m.nowFunc().Sub(s.createdAt).Round(time.Millisecond).String(),
	}).Info("Session ended")
	s.sink.Closed(reason)
}

func (m *Manager) reapIdle(now time.Time) {
	s := m.active
	if s == nil || m.cfg.IdleTimeout <= 0 {
		return
	}
	if now.Sub(s.lastActivityAt) > m.cfg.IdleTimeout {
		m.log.WithFields(logrus.Fields{
			"session_id": s.id,
			"idle":       now.Sub(s.lastActivityAt).Round(time.Second).String(),
		}).Info("Reclaiming idle session")
		m.end(ReasonIdleTimeout)
	}
}

func (m *Manager) frame(id string, frame string) (Admission, error) {
	s, ok := m.lookup(id)
	if !ok {
		return Dropped, ErrInvalidSession
	}
	now := m.nowFunc()
	s.lastActivityAt = now
	m.stats.RecordReceived()

	if !s.limiter.Admit(now) {
		return Dropped, nil
	}

	s.seq++
	j := job{seq: s.seq, frame: frame, ref: s.reference}
	select {
	case s.jobs <- j:
	default:
		s.seq--
		m.log.WithField("session_id", id).Debug("Frame queue full, dropping frame")
		return Dropped, nil
	}
	m.stats.RecordAdmitted(now)

	if j.ref == nil {
		return NoReference, nil
	}
	return Queued, nil
}

// complete handles a worker result on the control goroutine.
func (m *Manager) complete(gen uint64, r jobResult) {
	s := m.active
	if s == nil || s.gen != gen {
		m.log.WithField("seq", r.seq).Debug("Discarding result from ended session")
		return
	}
	now := m.nowFunc()

	switch r.outcome {
	case OutcomeTransformed:
		m.stats.RecordResult(true, r.duration, now)
		s.errorRun = 0
	case OutcomeNoSubject:
		m.stats.RecordResult(false, r.duration, now)
		s.errorRun = 0
	case OutcomeEngineError:
		m.stats.RecordError(r.duration, now)
		s.errorRun++
		entry := m.log.WithFields(logrus.Fields{
			"session_id":  s.id,
			"seq":         r.seq,
			"consecutive": s.errorRun,
		})
		if s.errorRun >= m.cfg.ErrorAlertThreshold {
			entry.Errorf("Engine failing repeatedly: %s", r.reason)
		} else {
			entry.Warnf("Engine error: %s", r.reason)
		}
	}

	s.sink.Deliver(FrameResult{
		Seq:     r.seq,
		Outcome: r.outcome,
		Output:  r.output,
		Reason:  r.reason,
		Stats:   m.stats.Snapshot(),
	})
}

func (m *Manager) status() Status {
	s := m.active
	if s == nil {
		return Status{State: StateIdle}
	}
	return Status{
		State:           s.state,
		ActiveID:        s.id,
		ReferenceLoaded: s.reference != nil,
		ConnectedAt:     s.createdAt,
		LastActivityAt:  s.lastActivityAt,
		Tokens:          s.limiter.Tokens(m.nowFunc()),
	}
}

// work runs jobs for one session generation in FIFO order until ctx ends.
func (m *Manager) work(ctx context.Context, gen uint64, jobs <-chan job) {
	for {
		select {
		case <-ctx.Done():
			return
		case j := <-jobs:
			r := m.run(ctx, j)
			if ctx.Err() != nil {
				return
			}
			select {
			case m.events <- func() { m.complete(gen, r) }:
			case <-ctx.Done():
				return
			}
		}
	}
}

func (m *Manager) run(ctx context.Context, j job) jobResult {
	if j.ref == nil {
		return jobResult{seq: j.seq, outcome: OutcomeNoReference, output: j.frame, reason: "no reference loaded"}
	}

	res := m.engine.Transform(ctx, j.frame, *j.ref)
	r := jobResult{seq: j.seq, reason: res.Reason, duration: res.Duration}
	switch res.Kind {
	case transform.KindTransformed:
		r.outcome = OutcomeTransformed
		r.output = res.Output
	case transform.KindNoSubject:
		r.outcome = OutcomeNoSubject
		r.output = j.frame
	default:
		r.outcome = OutcomeEngineError
		r.output = j.frame
	}
	return r
}
