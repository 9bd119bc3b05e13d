package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/gluk-w/swaplive/internal/logging"
	"github.com/gluk-w/swaplive/internal/session"
	"github.com/gluk-w/swaplive/internal/stats"
)

// Application close codes sent to the browser.
const (
	closeBusy        websocket.StatusCode = 4409
	closeEvicted     websocket.StatusCode = 4001
	closeIdleTimeout websocket.StatusCode = 4008
)

const (
	sinkBuffer         = 64
	socketWriteTimeout = 5 * time.Second
	disconnectTimeout  = 2 * time.Second
)

type clientMessage struct {
	Type  string `json:"type"`
	Frame string `json:"frame,omitempty"`
}

type sessionMessage struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
}

type processedFrameMessage struct {
	Type      string         `json:"type"`
	Seq       uint64         `json:"seq"`
	Success   bool           `json:"success"`
	Processed string         `json:"processed"`
	Outcome   string         `json:"outcome"`
	Error     string         `json:"error,omitempty"`
	SwapCount uint64         `json:"swap_count"`
	Stats     stats.Snapshot `json:"stats"`
}

type statusUpdateMessage struct {
	Type             string `json:"type"`
	SourceFaceLoaded bool   `json:"source_face_loaded"`
	Message          string `json:"message"`
}

type errorMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func closeStatus(reason session.CloseReason) (websocket.StatusCode, string) {
	switch reason {
	case session.ReasonEvicted:
		return closeEvicted, "Session taken over by another client"
	case session.ReasonIdleTimeout:
		return closeIdleTimeout, "Session idle timeout"
	default:
		return websocket.StatusGoingAway, "Server shutting down"
	}
}

// socketSink adapts one WebSocket connection to session.Sink. The manager
// calls it from its control goroutine, so nothing here blocks: messages go
// through a buffered channel drained by writeLoop.
type socketSink struct {
	out     chan []byte
	closing chan session.CloseReason
	once    sync.Once
	dropped atomic.Uint64
}

func newSocketSink() *socketSink {
	return &socketSink{
		out:     make(chan []byte, sinkBuffer),
		closing: make(chan session.CloseReason, 1),
	}
}

func (s *socketSink) Deliver(r session.FrameResult) {
	msg := processedFrameMessage{
		Type:      "processed_frame",
		Seq:       r.Seq,
		Success:   r.Success(),
		Processed: r.Output,
		Outcome:   r.Outcome.String(),
		Error:     r.Reason,
		SwapCount: r.Stats.FramesSucceeded,
		Stats:     r.Stats,
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	s.offer(data)
}

func (s *socketSink) Closed(reason session.CloseReason) {
	s.once.Do(func() { s.closing <- reason })
}

// offer queues data unless the client has fallen too far behind.
func (s *socketSink) offer(data []byte) {
	select {
	case s.out <- data:
	default:
		s.dropped.Add(1)
	}
}

func (s *socketSink) send(v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	s.offer(data)
}

// writeLoop owns all writes after the session message. It exits when ctx is
// cancelled or after performing a manager-initiated close.
func (s *socketSink) writeLoop(ctx context.Context, conn *websocket.Conn, log *logrus.Entry) {
	for {
		select {
		case reason := <-s.closing:
			code, text := closeStatus(reason)
			log.WithField("reason", reason.String()).Info("Closing session socket")
			conn.Close(code, text)
			return
		default:
		}

		select {
		case reason := <-s.closing:
			code, text := closeStatus(reason)
			log.WithField("reason", reason.String()).Info("Closing session socket")
			conn.Close(code, text)
			return
		case data := <-s.out:
			wctx, cancel := context.WithTimeout(ctx, socketWriteTimeout)
			err := conn.Write(wctx, websocket.MessageText, data)
			cancel()
			if err != nil {
				log.WithError(err).Debug("Socket write failed")
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// SessionSocket is the realtime channel. Each accepted connection gets a fresh
// session id and competes for the single session slot.
func (a *API) SessionSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		logging.For("ws").WithError(err).Warn("Failed to accept session websocket")
		return
	}
	defer conn.CloseNow()
	conn.SetReadLimit(a.cfg.MaxFrameBytes)

	ctx := r.Context()
	id := uuid.NewString()
	log := logging.For("ws").WithField("session_id", id)
	sink := newSocketSink()

	if err := a.sessions.Connect(ctx, id, sink); err != nil {
		if errors.Is(err, session.ErrBusy) {
			log.Info("Rejected connection, another session is active")
			conn.Close(closeBusy, "Another session is active")
			return
		}
		log.WithError(err).Error("Failed to register session")
		conn.Close(websocket.StatusInternalError, "Session manager unavailable")
		return
	}
	log.Info("Session connected")

	defer func() {
		dctx, cancel := context.WithTimeout(context.Background(), disconnectTimeout)
		defer cancel()
		if err := a.sessions.Disconnect(dctx, id); err != nil &&
			!errors.Is(err, session.ErrInvalidSession) && !errors.Is(err, session.ErrClosed) {
			log.WithError(err).Warn("Failed to release session")
		}
		log.WithField("dropped_messages", sink.dropped.Load()).Info("Session disconnected")
	}()

	hello, _ := json.Marshal(sessionMessage{Type: "session", SessionID: id})
	if err := conn.Write(ctx, websocket.MessageText, hello); err != nil {
		return
	}

	writerCtx, stopWriter := context.WithCancel(context.Background())
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		sink.writeLoop(writerCtx, conn, log)
	}()
	defer func() {
		stopWriter()
		<-writerDone
		// A close requested just before the reader gave up still gets its code.
		select {
		case reason := <-sink.closing:
			code, text := closeStatus(reason)
			conn.Close(code, text)
		default:
		}
	}()

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}

		var msg clientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			sink.send(errorMessage{Type: "error", Message: "invalid message"})
			continue
		}

		switch msg.Type {
		case "frame", "process_frame":
			if _, err := a.sessions.Frame(ctx, id, msg.Frame); err != nil {
				log.WithError(err).Debug("Frame refused")
				return
			}
		case "clear_source":
			if err := a.sessions.ClearReference(ctx, id); err != nil {
				return
			}
			sink.send(statusUpdateMessage{Type: "status_update", Message: "Source face cleared"})
		case "ping":
			sink.send(map[string]string{"type": "pong"})
		default:
			log.WithField("type", logging.Sanitize(msg.Type)).Debug("Unknown message type")
			sink.send(errorMessage{Type: "error", Message: "unknown message type"})
		}
	}
}
