// Package tunnel allocates the local port and, when enabled, exposes it via
// an external tunnel agent. A tunnel only counts as established once the
// agent's own control API reports a rule forwarding to exactly the port the
// server bound; a tunnel pointing anywhere else is a failure.
package tunnel

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"
	"github.com/sirupsen/logrus"

	"github.com/gluk-w/swaplive/internal/logging"
)

var (
	ErrNoFreePort        = errors.New("no free port in range")
	ErrTunnelUnavailable = errors.New("tunnel could not be established")
	errAgentExited       = errors.New("tunnel agent exited before verification")
)

type Config struct {
	Enabled        bool
	Host           string
	RequestedPort  int
	PortRangeStart int
	PortRangeEnd   int
	Region         string
	Subdomain      string
	AuthToken      string
	VerifyAttempts int
	VerifyInterval time.Duration
	LaunchRetries  int
	FallbackLocal  bool
	StopTimeout    time.Duration
}

// State is a snapshot of the coordinator.
type State struct {
	Phase                Phase  `json:"phase"`
	BoundPort            int    `json:"bound_port"`
	PublicAddress        string `json:"public_address,omitempty"`
	VerificationAttempts int    `json:"verification_attempts"`
	Launches             int    `json:"launches"`
	LastError            string `json:"last_error,omitempty"`
}

type Coordinator struct {
	cfg      Config
	launcher Launcher
	api      ControlAPI
	log      *logrus.Entry

	mu        sync.RWMutex
	state     State
	hist      history
	observers []Observer
	handle    Handle

	nowFunc func() time.Time
	listen  func(host string, port int) error
}

func NewCoordinator(cfg Config, launcher Launcher, api ControlAPI) *Coordinator {
	if cfg.VerifyAttempts < 1 {
		cfg.VerifyAttempts = 1
	}
	if cfg.VerifyInterval <= 0 {
		cfg.VerifyInterval = time.Second
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = 5 * time.Second
	}
	return &Coordinator{
		cfg:      cfg,
		launcher: launcher,
		api:      api,
		log:      logging.For("tunnel"),
		nowFunc:  time.Now,
		listen:   tryListen,
	}
}

func tryListen(host string, port int) error {
	ln, err := net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return err
	}
	return ln.Close()
}

// OnTransition registers an observer for every later transition.
func (c *Coordinator) OnTransition(o Observer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.observers = append(c.observers, o)
}

// State returns the current snapshot.
func (c *Coordinator) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Transitions returns recent transitions, oldest first.
func (c *Coordinator) Transitions() []Transition {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.hist.list()
}

func (c *Coordinator) transition(to Phase, reason string) error {
	c.mu.Lock()
	from := c.state.Phase
	if !canTransition(from, to) {
		c.mu.Unlock()
		return fmt.Errorf("invalid tunnel transition %s -> %s", from, to)
	}
	c.state.Phase = to
	t := Transition{
		From:          from,
		To:            to,
		At:            c.nowFunc(),
		Reason:        reason,
		Port:          c.state.BoundPort,
		PublicAddress: c.state.PublicAddress,
	}
	c.hist.add(t)
	observers := make([]Observer, len(c.observers))
	copy(observers, c.observers)
	c.mu.Unlock()

	c.log.WithFields(logrus.Fields{
		"from":   from.String(),
		"to":     to.String(),
		"port":   t.Port,
		"reason": reason,
	}).Info("Tunnel phase changed")
	for _, o := range observers {
		o(t)
	}
	return nil
}

// AllocatePort fixes the port the server will bind. An explicitly requested
// port is used verbatim; otherwise the range is scanned for the first port
// that can be bound.
func (c *Coordinator) AllocatePort() (int, error) {
	if p := c.State().Phase; p != PhaseUnstarted {
		return 0, fmt.Errorf("port already allocated (phase %s)", p)
	}

	port := c.cfg.RequestedPort
	reason := "requested port"
	if port == 0 {
		for p := c.cfg.PortRangeStart; p <= c.cfg.PortRangeEnd; p++ {
			if err := c.listen(c.cfg.Host, p); err == nil {
				port = p
				break
			}
		}
		if port == 0 {
			return 0, fmt.Errorf("%w %d-%d", ErrNoFreePort, c.cfg.PortRangeStart, c.cfg.PortRangeEnd)
		}
		reason = "first free port in range"
	}

	c.mu.Lock()
	c.state.BoundPort = port
	c.mu.Unlock()
	if err := c.transition(PhasePortAllocated, reason); err != nil {
		return 0, err
	}
	return port, nil
}

// Establish launches and verifies the tunnel for the allocated port. It ends
// in TUNNEL_VERIFIED or LOCAL_ONLY, or returns ErrTunnelUnavailable when
// every launch failed and local fallback is disabled.
func (c *Coordinator) Establish(ctx context.Context) (State, error) {
	if p := c.State().Phase; p != PhasePortAllocated {
		return c.State(), fmt.Errorf("establish requires PORT_ALLOCATED, phase is %s", p)
	}
	if !c.cfg.Enabled {
		if err := c.transition(PhaseLocalOnly, "tunnel disabled"); err != nil {
			return c.State(), err
		}
		return c.State(), nil
	}

	var lastErr error
	for launch := 1; launch <= c.cfg.LaunchRetries+1; launch++ {
		if err := c.transition(PhaseTunnelStarting, fmt.Sprintf("launch %d of %d", launch, c.cfg.LaunchRetries+1)); err != nil {
			return c.State(), err
		}

		addr, err := c.launchAndVerify(ctx)
		if err == nil {
			c.mu.Lock()
			c.state.PublicAddress = addr
			c.state.LastError = ""
			c.mu.Unlock()
			if err := c.transition(PhaseTunnelVerified, "rule forwards to port "+strconv.Itoa(c.State().BoundPort)); err != nil {
				return c.State(), err
			}
			return c.State(), nil
		}

		lastErr = err
		c.mu.Lock()
		c.state.LastError = err.Error()
		c.mu.Unlock()
		if terr := c.transition(PhaseTunnelFailed, err.Error()); terr != nil {
			return c.State(), terr
		}
		if ctx.Err() != nil {
			break
		}
	}

	if c.cfg.FallbackLocal {
		if err := c.transition(PhaseLocalOnly, "falling back to local access"); err != nil {
			return c.State(), err
		}
		return c.State(), nil
	}
	return c.State(), fmt.Errorf("%w: %w", ErrTunnelUnavailable, lastErr)
}

func (c *Coordinator) launchAndVerify(ctx context.Context) (string, error) {
	port := c.State().BoundPort
	h, err := c.launcher.Launch(ctx, Spec{
		Port:      port,
		Region:    c.cfg.Region,
		Subdomain: c.cfg.Subdomain,
		AuthToken: c.cfg.AuthToken,
	})
	if err != nil {
		return "", err
	}
	c.mu.Lock()
	c.handle = h
	c.state.Launches++
	c.mu.Unlock()

	addr, err := c.verify(ctx, h, port)
	if err != nil {
		c.stopHandle()
		return "", err
	}
	return addr, nil
}

func (c *Coordinator) verify(ctx context.Context, h Handle, port int) (string, error) {
	backoff := retry.WithMaxRetries(uint64(c.cfg.VerifyAttempts-1), retry.NewConstant(c.cfg.VerifyInterval))

	var addr string
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		select {
		case <-h.Done():
			return errAgentExited
		default:
		}
		c.mu.Lock()
		c.state.VerificationAttempts++
		c.mu.Unlock()

		rules, err := c.api.Rules(ctx)
		if err != nil {
			return retry.RetryableError(err)
		}
		a, err := matchRule(rules, port)
		if err != nil {
			c.log.WithError(err).Debug("Tunnel not verified yet")
			return retry.RetryableError(err)
		}
		addr = a
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("verify tunnel: %w", err)
	}
	return addr, nil
}

func (c *Coordinator) stopHandle() error {
	c.mu.Lock()
	h := c.handle
	c.handle = nil
	c.mu.Unlock()
	if h == nil {
		return nil
	}
	return h.Stop(c.cfg.StopTimeout)
}

// Stop terminates the tunnel agent if one is running.
func (c *Coordinator) Stop() error {
	return c.stopHandle()
}
