package tunnel

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	runitErrors "github.com/harunnryd/runit/internal/errors"
	"github.com/harunnryd/runit/internal/scrape"

	"github.com/google/shlex"
)

// Handle is a running tunnel and the public endpoint it announced.
type Handle interface {
	PublicURL() string
	Exited() bool
	Done() <-chan struct{}
	// Stop terminates the tunnel: a graceful signal first, a kill after the
	// grace period. Safe to call more than once.
	Stop(ctx context.Context) error
}

// Starter opens a tunnel to a local port.
type Starter interface {
	Start(ctx context.Context, localPort int) (Handle, error)
}

type Options struct {
	// Command is a shell-quoted template; {port} is replaced by the local port.
	Command        string
	URLMatcher     scrape.Matcher
	StartupTimeout time.Duration
	StopGrace      time.Duration
}

// Process runs the tunnel as a child process and scrapes its output.
type Process struct {
	opts Options
}

func NewProcess(opts Options) (*Process, error) {
	if strings.TrimSpace(opts.Command) == "" {
		return nil, runitErrors.InvalidInput("tunnel command is empty")
	}
	if opts.URLMatcher == nil {
		return nil, runitErrors.InvalidInput("tunnel url matcher is required")
	}
	if opts.StopGrace <= 0 {
		opts.StopGrace = 5 * time.Second
	}
	return &Process{opts: opts}, nil
}

// Args expands the command template for port.
func (p *Process) Args(port int) ([]string, error) {
	expanded := strings.ReplaceAll(p.opts.Command, "{port}", strconv.Itoa(port))
	args, err := shlex.Split(expanded)
	if err != nil {
		return nil, runitErrors.InvalidInput(fmt.Sprintf("parse tunnel command: %v", err))
	}
	if len(args) == 0 {
		return nil, runitErrors.InvalidInput("tunnel command is empty")
	}
	return args, nil
}

func (p *Process) Start(ctx context.Context, localPort int) (Handle, error) {
	args, err := p.Args(localPort)
	if err != nil {
		return nil, err
	}

	pr, pw := io.Pipe()
	cmd := exec.Command(args[0], args[1:]...)
	cmd.Stdout = pw
	cmd.Stderr = pw
	cmd.WaitDelay = p.opts.StopGrace

	if err := cmd.Start(); err != nil {
		_ = pw.Close()
		return nil, fmt.Errorf("start tunnel %s: %w", args[0], err)
	}
	slog.Info("Tunnel process started", "component", "tunnel", "pid", cmd.Process.Pid, "command", args[0])

	h := &processHandle{
		cmd:   cmd,
		grace: p.opts.StopGrace,
		done:  make(chan struct{}),
	}
	go func() {
		err := cmd.Wait()
		_ = pw.Close()
		close(h.done)
		if h.stopping() {
			return
		}
		slog.Warn("Tunnel process exited", "component", "tunnel", "error", err)
	}()

	url, err := scrape.Await(ctx, pr, p.opts.URLMatcher, p.opts.StartupTimeout, "tunnel")
	if err != nil {
		stopCtx, cancel := context.WithTimeout(context.Background(), p.opts.StopGrace*2)
		defer cancel()
		_ = h.Stop(stopCtx)
		return nil, fmt.Errorf("await tunnel url: %w", err)
	}
	h.url = url
	slog.Info("Tunnel ready", "component", "tunnel", "url", url)
	return h, nil
}

type processHandle struct {
	cmd   *exec.Cmd
	url   string
	grace time.Duration
	done  chan struct{}

	mu       sync.Mutex
	stopped  bool
	stopOnce sync.Once
	stopErr  error
}

func (h *processHandle) PublicURL() string { return h.url }

func (h *processHandle) Done() <-chan struct{} { return h.done }

func (h *processHandle) Exited() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

func (h *processHandle) stopping() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.stopped
}

func (h *processHandle) Stop(ctx context.Context) error {
	h.stopOnce.Do(func() {
		h.mu.Lock()
		h.stopped = true
		h.mu.Unlock()
		h.stopErr = h.stop(ctx)
	})
	return h.stopErr
}

func (h *processHandle) stop(ctx context.Context) error {
	if h.Exited() {
		return nil
	}

	if err := h.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		slog.Debug("Tunnel SIGTERM failed", "component", "tunnel", "error", err)
	}

	timer := time.NewTimer(h.grace)
	defer timer.Stop()

	select {
	case <-h.done:
		slog.Info("Tunnel stopped", "component", "tunnel")
		return nil
	case <-timer.C:
	case <-ctx.Done():
	}

	slog.Warn("Tunnel did not exit within grace period, killing", "component", "tunnel", "grace", h.grace)
	if err := h.cmd.Process.Kill(); err != nil && !h.Exited() {
		return fmt.Errorf("kill tunnel: %w", err)
	}

	select {
	case <-h.done:
		return nil
	case <-time.After(h.grace):
		return fmt.Errorf("tunnel process %d did not exit after kill", h.cmd.Process.Pid)
	}
}
