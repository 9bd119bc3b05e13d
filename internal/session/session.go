// Package session enforces single occupancy of the transformation pipeline.
//
// All session state is owned by one control goroutine (Manager.Run). Public
// methods post closures to that goroutine and wait for them to run, so the
// active session, its reference descriptor and its rate limiter are never
// touched concurrently. Each active session has one worker goroutine that
// runs transformations in admission order and posts results back to the
// control goroutine, which drops results from sessions that have since ended.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/gluk-w/swaplive/internal/logging"
	"github.com/gluk-w/swaplive/internal/stats"
	"github.com/gluk-w/swaplive/internal/transform"
)

var (
	ErrBusy           = errors.New("another client is already connected")
	ErrInvalidSession = errors.New("session is not the active session")
	ErrClosed         = errors.New("session manager is not running")
)

// State of the pipeline slot.
type State int

const (
	StateIdle State = iota
	StateActive
	StateDraining
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateActive:
		return "ACTIVE"
	case StateDraining:
		return "DRAINING"
	default:
		return "UNKNOWN"
	}
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// BusyPolicy decides what happens when a client connects while another one
// holds the slot.
type BusyPolicy int

const (
	PolicyEvict BusyPolicy = iota
	PolicyReject
)

// ParseBusyPolicy accepts "evict" or "reject".
func ParseBusyPolicy(s string) (BusyPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "evict":
		return PolicyEvict, nil
	case "reject":
		return PolicyReject, nil
	default:
		return 0, fmt.Errorf("unknown busy policy %q", s)
	}
}

func (p BusyPolicy) String() string {
	if p == PolicyReject {
		return "reject"
	}
	return "evict"
}

// CloseReason tells a Sink why its session ended.
type CloseReason int

const (
	ReasonEvicted CloseReason = iota
	ReasonIdleTimeout
	ReasonShutdown
)

func (r CloseReason) String() string {
	switch r {
	case ReasonEvicted:
		return "evicted"
	case ReasonIdleTimeout:
		return "idle_timeout"
	case ReasonShutdown:
		return "shutdown"
	default:
		return "unknown"
	}
}

// Admission is the synchronous answer to Frame.
type Admission int

const (
	// Dropped frames were rejected by the rate limiter and produce no result.
	Dropped Admission = iota
	// Queued frames will produce exactly one FrameResult.
	Queued
	// NoReference frames were admitted while no reference was loaded; their
	// result passes the frame through untouched.
	NoReference
)

func (a Admission) String() string {
	switch a {
	case Dropped:
		return "dropped"
	case Queued:
		return "queued"
	case NoReference:
		return "no_reference"
	default:
		return "unknown"
	}
}

type Outcome int

const (
	OutcomeTransformed Outcome = iota
	OutcomeNoSubject
	OutcomeNoReference
	OutcomeEngineError
)

func (o Outcome) String() string {
	switch o {
	case OutcomeTransformed:
		return "transformed"
	case OutcomeNoSubject:
		return "no_subject"
	case OutcomeNoReference:
		return "no_reference"
	case OutcomeEngineError:
		return "engine_error"
	default:
		return "unknown"
	}
}

// FrameResult is delivered to the session's Sink once per admitted frame, in
// admission order. Output holds the transformed frame, or the original frame
// for every other outcome.
type FrameResult struct {
	Seq     uint64
	Outcome Outcome
	Output  string
	Reason  string
	Stats   stats.Snapshot
}

// Success reports whether the frame was transformed.
func (r FrameResult) Success() bool { return r.Outcome == OutcomeTransformed }

// Sink receives events for one session. Both methods are called from the
// control goroutine and must not block.
type Sink interface {
	Deliver(FrameResult)
	Closed(CloseReason)
}

// Transformer runs one frame through the engine.
type Transformer interface {
	Transform(ctx context.Context, frame string, ref transform.Descriptor) transform.Result
}

// Status is a read-only view of the slot.
type Status struct {
	State           State     `json:"state"`
	ActiveID        string    `json:"active_session_id,omitempty"`
	ReferenceLoaded bool      `json:"source_face_loaded"`
	ConnectedAt     time.Time `json:"connected_at,omitempty"`
	LastActivityAt  time.Time `json:"last_activity_at,omitempty"`
	Tokens          float64   `json:"tokens"`
}

type Config struct {
	BusyPolicy        BusyPolicy
	IdleTimeout       time.Duration
	IdleCheckInterval time.Duration
	FramesPerSecond   float64
	Burst             int
	// QueueDepth bounds frames admitted but not yet transformed.
	QueueDepth int
	// ErrorAlertThreshold is the run of consecutive engine errors after which
	// failures are logged at error level.
	ErrorAlertThreshold int
}

func DefaultConfig() Config {
	return Config{
		BusyPolicy:          PolicyEvict,
		IdleTimeout:         60 * time.Second,
		IdleCheckInterval:   5 * time.Second,
		FramesPerSecond:     15,
		Burst:               15,
		QueueDepth:          32,
		ErrorAlertThreshold: 3,
	}
}

// Manager owns the single pipeline slot.
type Manager struct {
	cfg    Config
	engine Transformer
	stats  *stats.Aggregator
	log    *logrus.Entry

	events  chan func()
	done    chan struct{}
	running atomic.Bool

	// nowFunc is the clock. Tests replace it before Run.
	nowFunc func() time.Time

	// Owned by the control goroutine.
	runCtx     context.Context
	active     *activeSession
	generation uint64
}

// NewManager returns a Manager. Call Run to start it.
func NewManager(cfg Config, engine Transformer, agg *stats.Aggregator) *Manager {
	if cfg.QueueDepth < 1 {
		cfg.QueueDepth = DefaultConfig().QueueDepth
	}
	if cfg.ErrorAlertThreshold < 1 {
		cfg.ErrorAlertThreshold = DefaultConfig().ErrorAlertThreshold
	}
	if cfg.IdleCheckInterval <= 0 {
		cfg.IdleCheckInterval = DefaultConfig().IdleCheckInterval
	}
	if agg == nil {
		agg = stats.New(stats.DefaultWindow)
	}
	return &Manager{
		cfg:     cfg,
		engine:  engine,
		stats:   agg,
		log:     logging.For("session"),
		events:  make(chan func()),
		done:    make(chan struct{}),
		nowFunc: time.Now,
	}
}

// Stats returns the aggregator fed by this manager.
func (m *Manager) Stats() *stats.Aggregator { return m.stats }

// Run processes events until ctx is cancelled. The active session, if any,
// is closed with ReasonShutdown on the way out. Run may be called once.
func (m *Manager) Run(ctx context.Context) error {
	if !m.running.CompareAndSwap(false, true) {
		return errors.New("session manager already started")
	}
	defer close(m.done)

	m.runCtx = ctx
	ticker := time.NewTicker(m.cfg.IdleCheckInterval)
	defer ticker.Stop()

	m.log.WithFields(logrus.Fields{
		"busy_policy":  m.cfg.BusyPolicy.String(),
		"idle_timeout": m.cfg.IdleTimeout.String(),
		"max_fps":      m.cfg.FramesPerSecond,
	}).Info("Session manager started")

	for {
		select {
		case <-ctx.Done():
			m.end(ReasonShutdown)
			m.log.Info("Session manager stopped")
			return nil
		case fn := <-m.events:
			fn()
		case <-ticker.C:
			m.reapIdle(m.nowFunc())
		}
	}
}

// call runs fn on the control goroutine and waits for it. ctx only bounds the
// wait for the event to be accepted.
func (m *Manager) call(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	select {
	case m.events <- func() { fn(); close(finished) }:
	case <-m.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	// Once accepted, fn runs to completion on the control goroutine, so the
	// caller must see its outcome even if ctx ends meanwhile.
	<-finished
	return nil
}

// Connect makes id the active session. With PolicyReject it fails with
// ErrBusy while another session is active; with PolicyEvict the previous
// session's Sink is closed with ReasonEvicted first. A session idle past its
// timeout is always reclaimed before the policy is applied.
func (m *Manager) Connect(ctx context.Context, id string, sink Sink) error {
	if id == "" || sink == nil {
		return errors.New("session id and sink are required")
	}
	var err error
	if cerr := m.call(ctx, func() { err = m.connect(id, sink) }); cerr != nil {
		return cerr
	}
	return err
}

// Disconnect releases the slot if id holds it. Unknown ids are ignored.
func (m *Manager) Disconnect(ctx context.Context, id string) error {
	return m.call(ctx, func() {
		if m.active != nil && m.active.id == id {
			m.log.WithField("session_id", id).Info("Client disconnected")
			m.release()
		}
	})
}

// SetReference installs desc as the reference for id. It replaces any
// previous reference atomically with respect to frame admission.
func (m *Manager) SetReference(ctx context.Context, id string, desc transform.Descriptor) error {
	var err error
	if cerr := m.call(ctx, func() {
		s, ok := m.lookup(id)
		if !ok {
			err = ErrInvalidSession
			return
		}
		d := desc
		s.reference = &d
		s.lastActivityAt = m.nowFunc()
		m.log.WithField("session_id", id).Info("Reference loaded")
	}); cerr != nil {
		return cerr
	}
	return err
}

// ClearReference removes the reference for id.
func (m *Manager) ClearReference(ctx context.Context, id string) error {
	var err error
	if cerr := m.call(ctx, func() {
		s, ok := m.lookup(id)
		if !ok {
			err = ErrInvalidSession
			return
		}
		s.reference = nil
		s.lastActivityAt = m.nowFunc()
		m.log.WithField("session_id", id).Info("Reference cleared")
	}); cerr != nil {
		return cerr
	}
	return err
}

// Frame submits an encoded frame for id. Admitted frames produce exactly one
// FrameResult on the session's Sink.
func (m *Manager) Frame(ctx context.Context, id string, frame string) (Admission, error) {
	var (
		adm Admission
		err error
	)
	if cerr := m.call(ctx, func() { adm, err = m.frame(id, frame) }); cerr != nil {
		return Dropped, cerr
	}
	return adm, err
}

// IdleTick reclaims the slot if the active session has been idle longer
// than the idle timeout. Run calls this periodically; tests call it directly.
func (m *Manager) IdleTick(ctx context.Context) error {
	return m.call(ctx, func() { m.reapIdle(m.nowFunc()) })
}

// Status returns the current slot state.
func (m *Manager) Status(ctx context.Context) (Status, error) {
	var st Status
	if cerr := m.call(ctx, func() { st = m.status() }); cerr != nil {
		return Status{}, cerr
	}
	return st, nil
}
