package engine

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/gluk-w/swaplive/internal/logging"
)

type Config struct {
	Command     string
	Args        []string
	Device      string
	ModelsDir   string
	InitTimeout time.Duration
	CallTimeout time.Duration
	StopTimeout time.Duration
}

// Process is an engine child process. It embeds the Client that speaks to
// it, so it satisfies transform.Engine directly.
type Process struct {
	*Client

	cmd         *exec.Cmd
	cfg         Config
	waitDone    chan struct{}
	waitErr     error
	stderrDone  chan struct{}
	stderrLines atomic.Int64
	log         *logrus.Entry
}

// Start launches the engine and blocks until it has loaded its models or
// InitTimeout passes. The process is killed if initialization fails.
func Start(ctx context.Context, cfg Config) (*Process, error) {
	if cfg.Command == "" {
		return nil, errors.New("engine command is not configured")
	}
	log := logging.For("engine")

	args := append([]string{}, cfg.Args...)
	args = append(args, "--device", cfg.Device)
	if cfg.ModelsDir != "" {
		args = append(args, "--models", cfg.ModelsDir)
	}
	p, err := launch(exec.Command(cfg.Command, args...), cfg, log)
	if err != nil {
		return nil, err
	}

	initCtx := ctx
	if cfg.InitTimeout > 0 {
		var cancel context.CancelFunc
		initCtx, cancel = context.WithTimeout(ctx, cfg.InitTimeout)
		defer cancel()
	}
	start := time.Now()
	if err := p.Initialize(initCtx, cfg.Device, cfg.ModelsDir); err != nil {
		_ = p.Close()
		return nil, err
	}
	log.WithField("elapsed", time.Since(start).Round(time.Millisecond).String()).Info("Engine models loaded")
	return p, nil
}

// launch starts cmd with its stdio wired to a Client. It does not initialize
// the engine.
func launch(cmd *exec.Cmd, cfg Config, log *logrus.Entry) (*Process, error) {
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("engine stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("engine stdout: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("engine stderr: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start engine %s: %w", cmd.Path, err)
	}
	log.WithFields(logrus.Fields{
		"command": cmd.Path,
		"pid":     cmd.Process.Pid,
		"device":  cfg.Device,
	}).Info("Engine process started")

	p := &Process{
		Client:     NewClient(stdin, stdout, cfg.CallTimeout),
		cmd:        cmd,
		cfg:        cfg,
		waitDone:   make(chan struct{}),
		stderrDone: make(chan struct{}),
		log:        log,
	}
	go p.relayStderr(stderr)
	go p.wait()
	return p, nil
}

// wait reaps the process after both output pipes are drained; Wait closes
// them.
func (p *Process) wait() {
	<-p.stderrDone
	<-p.Client.readDone
	p.waitErr = p.cmd.Wait()
	close(p.waitDone)
	p.Client.shutdown(ErrEngineClosed)
	entry := p.log.WithField("stderr_lines", p.stderrLines.Load())
	if p.waitErr != nil {
		entry.WithError(p.waitErr).Warn("Engine process exited")
	} else {
		entry.Info("Engine process exited")
	}
}

// relayStderr forwards the engine's stderr into our log, mapping the usual
// level prefixes.
func (p *Process) relayStderr(r io.Reader) {
	defer close(p.stderrDone)
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		p.stderrLines.Add(1)
		line := logging.Sanitize(scanner.Text())
		switch {
		case strings.Contains(line, "ERROR"), strings.Contains(line, "CRITICAL"):
			p.log.Error(line)
		case strings.Contains(line, "WARN"):
			p.log.Warn(line)
		default:
			p.log.Debug(line)
		}
	}
}

// Done is closed when the process exits.
func (p *Process) Done() <-chan struct{} { return p.waitDone }

// Close closes the engine's stdin and waits StopTimeout for it to exit
// before killing it.
func (p *Process) Close() error {
	_ = p.Client.Close()

	timeout := p.cfg.StopTimeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	select {
	case <-p.waitDone:
		return nil
	case <-time.After(timeout):
	}
	p.log.Warn("Engine did not exit in time, killing")
	if err := p.cmd.Process.Kill(); err != nil {
		return fmt.Errorf("kill engine: %w", err)
	}
	<-p.waitDone
	return nil
}
