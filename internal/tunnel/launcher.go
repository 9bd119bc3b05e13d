package tunnel

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/gluk-w/swaplive/internal/logging"
)

// Spec is everything the agent needs to open a tunnel to Port.
type Spec struct {
	Port      int
	Region    string
	Subdomain string
	AuthToken string
}

// Handle controls one running agent.
type Handle interface {
	// Stop asks the agent to exit and kills it after timeout.
	Stop(timeout time.Duration) error
	// Done is closed when the agent exits.
	Done() <-chan struct{}
}

type Launcher interface {
	Launch(ctx context.Context, spec Spec) (Handle, error)
}

// AgentLauncher runs the tunnel agent binary as "<binary> http <port>".
type AgentLauncher struct {
	Binary string
}

func (l AgentLauncher) args(spec Spec) []string {
	args := []string{"http", strconv.Itoa(spec.Port), "--log", "stdout"}
	if spec.Region != "" {
		args = append(args, "--region", spec.Region)
	}
	if spec.Subdomain != "" {
		args = append(args, "--subdomain", spec.Subdomain)
	}
	return args
}

func (l AgentLauncher) Launch(_ context.Context, spec Spec) (Handle, error) {
	cmd := exec.Command(l.Binary, l.args(spec)...)
	cmd.Env = os.Environ()
	if spec.AuthToken != "" {
		cmd.Env = append(cmd.Env, "NGROK_AUTHTOKEN="+spec.AuthToken)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("agent stdout: %w", err)
	}
	cmd.Stderr = cmd.Stdout

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start tunnel agent %s: %w", l.Binary, err)
	}

	h := &processHandle{
		cmd:       cmd,
		done:      make(chan struct{}),
		relayDone: make(chan struct{}),
		log:       logging.For("tunnel").WithField("pid", cmd.Process.Pid),
	}
	go h.relay(stdout)
	go h.wait()
	h.log.WithField("port", spec.Port).Info("Tunnel agent started")
	return h, nil
}

type processHandle struct {
	cmd       *exec.Cmd
	done      chan struct{}
	relayDone chan struct{}
	relayed   atomic.Int64
	stopOnce  sync.Once
	stopErr   error
	log       *logrus.Entry
}

func (h *processHandle) relay(r io.Reader) {
	defer close(h.relayDone)
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		h.relayed.Add(1)
		h.log.Debug(logging.Sanitize(scanner.Text()))
	}
}

// wait reaps the agent once its output is fully drained; Wait closes the pipe.
func (h *processHandle) wait() {
	<-h.relayDone
	err := h.cmd.Wait()
	close(h.done)
	entry := h.log.WithField("lines", h.relayed.Load())
	if err != nil {
		entry.WithError(err).Info("Tunnel agent exited")
		return
	}
	entry.Info("Tunnel agent exited")
}

func (h *processHandle) Done() <-chan struct{} { return h.done }

func (h *processHandle) Stop(timeout time.Duration) error {
	h.stopOnce.Do(func() {
		select {
		case <-h.done:
			return
		default:
		}
		_ = h.cmd.Process.Signal(os.Interrupt)
		select {
		case <-h.done:
			return
		case <-time.After(timeout):
		}
		h.log.Warn("Tunnel agent did not stop in time, killing")
		if err := h.cmd.Process.Kill(); err != nil {
			h.stopErr = fmt.Errorf("kill tunnel agent: %w", err)
			return
		}
		<-h.done
	})
	return h.stopErr
}
