// Package engine talks to the transformation engine running as a child
// process. Requests and responses are msgpack documents framed with a 4-byte
// big-endian length over the child's stdin and stdout. Responses carry the
// request id, so a call that timed out does not desynchronize later calls.
package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/gluk-w/swaplive/internal/logging"
	"github.com/gluk-w/swaplive/internal/transform"
)

// ErrEngineClosed is returned for calls made after the engine stream ended.
var ErrEngineClosed = errors.New("engine is not running")

// Client multiplexes calls over one request/response stream.
type Client struct {
	w           io.WriteCloser
	wmu         sync.Mutex
	callTimeout time.Duration

	mu      sync.Mutex
	pending map[uint64]chan response
	nextID  uint64

	closed    chan struct{}
	readDone  chan struct{}
	closeOnce sync.Once
	closeErr  error

	loaded atomic.Bool
	calls  atomic.Uint64
	fails  atomic.Uint64
	log    *logrus.Entry
}

// NewClient starts reading responses from r. Requests are written to w.
func NewClient(w io.WriteCloser, r io.Reader, callTimeout time.Duration) *Client {
	c := &Client{
		w:           w,
		callTimeout: callTimeout,
		pending:     make(map[uint64]chan response),
		closed:      make(chan struct{}),
		readDone:    make(chan struct{}),
		log:         logging.For("engine"),
	}
	go c.readLoop(r)
	return c
}

func (c *Client) readLoop(r io.Reader) {
	defer close(c.readDone)
	for {
		var resp response
		if err := readMessage(r, &resp); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) {
				c.shutdown(ErrEngineClosed)
			} else {
				c.shutdown(fmt.Errorf("%w: %v", ErrEngineClosed, err))
			}
			return
		}

		c.mu.Lock()
		ch, ok := c.pending[resp.ID]
		delete(c.pending, resp.ID)
		c.mu.Unlock()
		if !ok {
			c.log.WithField("id", resp.ID).Debug("Dropping response for abandoned call")
			continue
		}
		ch <- resp
	}
}

func (c *Client) shutdown(err error) {
	c.closeOnce.Do(func() {
		c.closeErr = err
		close(c.closed)
	})
}

func (c *Client) call(ctx context.Context, req request, timeout time.Duration) (response, error) {
	select {
	case <-c.closed:
		return response{}, c.closeErr
	default:
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	ch := make(chan response, 1)
	c.mu.Lock()
	c.nextID++
	req.ID = c.nextID
	c.pending[req.ID] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, req.ID)
		c.mu.Unlock()
	}()

	c.calls.Add(1)
	writeErr := make(chan error, 1)
	go func() {
		c.wmu.Lock()
		defer c.wmu.Unlock()
		writeErr <- writeMessage(c.w, req)
	}()

	select {
	case err := <-writeErr:
		if err != nil {
			c.fails.Add(1)
			return response{}, fmt.Errorf("%s: %w", req.Op, err)
		}
	case <-ctx.Done():
		c.fails.Add(1)
		return response{}, fmt.Errorf("%s: write: %w", req.Op, ctx.Err())
	case <-c.closed:
		return response{}, c.closeErr
	}

	select {
	case resp := <-ch:
		if !resp.OK {
			if resp.NoSubject {
				return resp, transform.ErrNoSubjectFound
			}
			c.fails.Add(1)
			if resp.Error == "" {
				resp.Error = "unspecified engine failure"
			}
			return resp, fmt.Errorf("%s: %s", req.Op, resp.Error)
		}
		return resp, nil
	case <-ctx.Done():
		c.fails.Add(1)
		return response{}, fmt.Errorf("%s: %w", req.Op, ctx.Err())
	case <-c.closed:
		return response{}, c.closeErr
	}
}

// Initialize loads models on the given device. It is called once before any
// other call.
func (c *Client) Initialize(ctx context.Context, device, modelsDir string) error {
	if _, err := c.call(ctx, request{Op: opInit, Device: device, ModelsDir: modelsDir}, 0); err != nil {
		return fmt.Errorf("initialize engine: %w", err)
	}
	c.loaded.Store(true)
	return nil
}

// DetectAndDescribe returns the most prominent subject in image.
func (c *Client) DetectAndDescribe(ctx context.Context, image []byte) (transform.Descriptor, error) {
	resp, err := c.call(ctx, request{Op: opDetect, Image: image}, c.callTimeout)
	if err != nil {
		return transform.Descriptor{}, err
	}
	if resp.Descriptor == nil {
		return transform.Descriptor{}, errors.New("detect: engine returned no descriptor")
	}
	return *resp.Descriptor, nil
}

// Apply renders source onto the target region of frame and returns JPEG bytes.
func (c *Client) Apply(ctx context.Context, frame []byte, target transform.Region, source transform.Descriptor) ([]byte, error) {
	resp, err := c.call(ctx, request{Op: opApply, Image: frame, Target: &target, Source: &source}, c.callTimeout)
	if err != nil {
		return nil, err
	}
	if len(resp.Image) == 0 {
		return nil, errors.New("apply: engine returned an empty image")
	}
	return resp.Image, nil
}

// Loaded reports whether Initialize succeeded and the stream is still up.
func (c *Client) Loaded() bool {
	select {
	case <-c.closed:
		return false
	default:
		return c.loaded.Load()
	}
}

// Calls returns the number of calls issued and how many failed.
func (c *Client) Calls() (total, failed uint64) {
	return c.calls.Load(), c.fails.Load()
}

// Close ends the request stream. Outstanding calls fail with ErrEngineClosed.
func (c *Client) Close() error {
	// Not under wmu: closing unblocks a writer stuck on a hung engine.
	err := c.w.Close()
	c.shutdown(ErrEngineClosed)
	return err
}
