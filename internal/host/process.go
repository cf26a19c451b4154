// Package host launches and stops a local engine process on behalf of the
// desktop.
package host

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"keyvoxdesk/internal/domain"
)

const (
	DefaultCommand    = "keyvox"
	MinPort           = 1024
	defaultStartGrace = 250 * time.Millisecond
	defaultStopGrace  = 1200 * time.Millisecond
)

var ErrPreflightFailed = errors.New("backend preflight failed")

// ProcessHost owns at most one engine child process.
type ProcessHost struct {
	installDir string
	startGrace time.Duration
	stopGrace  time.Duration
	logger     *zap.Logger

	mu      sync.Mutex
	proc    *os.Process
	port    int
	command string
	exited  chan struct{}
}

type Option func(*ProcessHost)

// WithInstallDir sets the directory holding the engine's env/ folder.
func WithInstallDir(dir string) Option {
	return func(h *ProcessHost) { h.installDir = strings.TrimSpace(dir) }
}

func WithStartGrace(d time.Duration) Option {
	return func(h *ProcessHost) {
		if d > 0 {
			h.startGrace = d
		}
	}
}

func WithStopGrace(d time.Duration) Option {
	return func(h *ProcessHost) {
		if d > 0 {
			h.stopGrace = d
		}
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(h *ProcessHost) {
		if logger != nil {
			h.logger = logger
		}
	}
}

func New(opts ...Option) *ProcessHost {
	h := &ProcessHost{
		installDir: os.Getenv("KEYVOX_HOME"),
		startGrace: defaultStartGrace,
		stopGrace:  defaultStopGrace,
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// ResolveCommand picks the launch command: explicit override, then the
// installed virtualenv, then keyvox on PATH.
func (h *ProcessHost) ResolveCommand(override string) string {
	if cmd := strings.TrimSpace(override); cmd != "" {
		return cmd
	}
	if h.installDir != "" {
		for _, candidate := range installedExecutables(h.installDir) {
			if isFile(candidate) {
				return candidate
			}
		}
	}
	return DefaultCommand
}

// Preflight checks that command resolves to an executable and port is usable.
func (h *ProcessHost) Preflight(port int, command string) domain.Preflight {
	binary := h.ResolveCommand(command)
	result := domain.Preflight{
		BackendCommand:  binary,
		ExecutableFound: commandExists(binary),
		PortValid:       port >= MinPort && port <= 65535,
	}

	switch {
	case !result.ExecutableFound:
		result.IssueCode = domain.PreflightCommandNotFound
		result.Message = "Backend command not found. Add keyvox to PATH or set a full executable path as the backend command."
	case !result.PortValid:
		result.IssueCode = domain.PreflightInvalidPort
		result.Message = fmt.Sprintf("Preferred port must be between %d and 65535.", MinPort)
	default:
		result.OK = true
		result.Message = "Backend preflight passed."
	}
	return result
}

// Status reports whether the managed child is still alive.
func (h *ProcessHost) Status() (domain.BackendStatus, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.statusLocked(), nil
}

func (h *ProcessHost) statusLocked() domain.BackendStatus {
	if !h.runningLocked() {
		h.clearLocked()
		return domain.BackendStatus{}
	}
	return domain.BackendStatus{Running: true, Port: h.port, Managed: true}
}

func (h *ProcessHost) runningLocked() bool {
	if h.proc == nil {
		return false
	}
	select {
	case <-h.exited:
		return false
	default:
		return true
	}
}

func (h *ProcessHost) clearLocked() {
	h.proc = nil
	h.port = 0
	h.command = ""
}

// Spawn starts `<command> --server --port <port>`. A child that is already
// running is reported as-is.
func (h *ProcessHost) Spawn(ctx context.Context, port int, command string) (domain.BackendStatus, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.runningLocked() {
		return h.statusLocked(), nil
	}
	h.clearLocked()

	preflight := h.Preflight(port, command)
	if !preflight.OK {
		return domain.BackendStatus{}, fmt.Errorf("%w: %s", ErrPreflightFailed, preflight.Message)
	}
	binary := preflight.BackendCommand

	cmd := exec.Command(binary, "--server", "--port", strconv.Itoa(port))
	if err := cmd.Start(); err != nil {
		return domain.BackendStatus{}, fmt.Errorf("failed to spawn backend %q: %w", binary, err)
	}

	exited := make(chan struct{})
	var waitErr error
	go func() {
		waitErr = cmd.Wait()
		close(exited)
	}()

	timer := time.NewTimer(h.startGrace)
	defer timer.Stop()
	select {
	case <-exited:
		if waitErr != nil {
			return domain.BackendStatus{}, fmt.Errorf("backend %q exited during startup: %w", binary, waitErr)
		}
		return domain.BackendStatus{}, fmt.Errorf("backend %q exited during startup", binary)
	case <-ctx.Done():
		_ = cmd.Process.Kill()
		return domain.BackendStatus{}, ctx.Err()
	case <-timer.C:
	}

	h.proc = cmd.Process
	h.port = port
	h.command = binary
	h.exited = exited
	h.logger.Info("spawned backend", zap.String("command", binary), zap.Int("port", port), zap.Int("pid", cmd.Process.Pid))
	return h.statusLocked(), nil
}

// Stop interrupts the child and kills it if it has not exited within the
// grace period.
func (h *ProcessHost) Stop() (domain.BackendStatus, error) {
	h.mu.Lock()
	proc := h.proc
	exited := h.exited
	command := h.command
	h.clearLocked()
	h.mu.Unlock()

	if proc == nil {
		return domain.BackendStatus{}, nil
	}
	h.logger.Info("stopping backend", zap.String("command", command), zap.Int("pid", proc.Pid))

	if err := proc.Signal(os.Interrupt); err != nil {
		_ = proc.Kill()
	}

	select {
	case <-exited:
	case <-time.After(h.stopGrace):
		h.logger.Warn("backend ignored interrupt; killing", zap.Int("pid", proc.Pid))
		if err := proc.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
			return domain.BackendStatus{}, fmt.Errorf("failed to kill backend: %w", err)
		}
		<-exited
	}
	return domain.BackendStatus{}, nil
}

func installedExecutables(dir string) []string {
	name := DefaultCommand
	if runtime.GOOS == "windows" {
		name += ".exe"
	}
	return []string{
		filepath.Join(dir, "env", "bin", name),
		filepath.Join(dir, "env", "Scripts", name),
	}
}

func commandExists(binary string) bool {
	binary = strings.TrimSpace(binary)
	if binary == "" {
		return false
	}
	if strings.ContainsRune(binary, os.PathSeparator) || strings.ContainsRune(binary, '/') {
		return isFile(binary)
	}
	_, err := exec.LookPath(binary)
	return err == nil
}

func isFile(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
