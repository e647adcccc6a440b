package process

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"sync"
	"syscall"
	"time"
)

// State is the supervisor's view of the process.
type State string

const (
	StateStopped State = "stopped"
	StateRunning State = "running"
	// StateBackoff means the process exited and a restart is scheduled.
	StateBackoff State = "backoff"
	// StateFailed means the process exited and will not be restarted.
	StateFailed State = "failed"
)

const (
	// maxOutputLine caps a buffered output line; longer lines are split.
	maxOutputLine = 4096

	// maxMissedChecks failed health checks in a row get the process killed.
	maxMissedChecks = 3

	healthCheckTimeout = 5 * time.Second
)

// Logger is the subset of the application logger the manager writes to.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type discardLogger struct{}

func (discardLogger) Debug(string, ...any) {}
func (discardLogger) Info(string, ...any)  {}
func (discardLogger) Warn(string, ...any)  {}
func (discardLogger) Error(string, ...any) {}

// Stats is a snapshot of the supervised process.
type Stats struct {
	Name  string `json:"name"`
	State State  `json:"state"`
	PID   int    `json:"pid,omitempty"`
	// UptimeSeconds covers the current run only.
	UptimeSeconds int64 `json:"uptime_seconds"`
	// Restarts counts relaunches since Start.
	Restarts  int    `json:"restarts"`
	LastError string `json:"last_error,omitempty"`
}

// Manager runs one executable in its own process group and relaunches it
// with exponential backoff when it dies.
type Manager struct {
	cfg Config
	log Logger

	mu       sync.Mutex
	state    State
	cmd      *exec.Cmd
	since    time.Time
	restarts int
	streak   int // consecutive restarts without a stable run
	lastErr  error
	stopping bool
	quit     chan struct{} // closed by Stop
	exited   chan struct{} // closed when supervision ends
}

// NewManager returns a stopped manager. Zero durations in cfg take the
// package defaults.
func NewManager(cfg Config) *Manager {
	return &Manager{
		cfg:   cfg.withDefaults(),
		log:   discardLogger{},
		state: StateStopped,
	}
}

// SetLogger routes lifecycle messages and process output to log.
func (m *Manager) SetLogger(log Logger) {
	m.log = log
}

// Start launches the executable and supervises it until Stop or ctx ends.
// A launch failure is returned and is never retried.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.supervisingLocked() {
		m.mu.Unlock()
		return fmt.Errorf("process %s is already running", m.cfg.Name)
	}
	m.stopping = false
	m.restarts, m.streak = 0, 0
	m.lastErr = nil
	m.quit = make(chan struct{})
	m.exited = make(chan struct{})
	m.mu.Unlock()

	if err := m.launch(ctx); err != nil {
		m.mu.Lock()
		m.state = StateFailed
		m.lastErr = err
		close(m.exited)
		m.mu.Unlock()
		return err
	}

	go m.supervise(ctx)
	return nil
}

func (m *Manager) supervisingLocked() bool {
	if m.exited == nil {
		return false
	}
	select {
	case <-m.exited:
		return false
	default:
		return true
	}
}

// launch starts one run of the executable.
func (m *Manager) launch(ctx context.Context) error {
	cmd := exec.CommandContext(ctx, m.cfg.Binary, m.cfg.Args...) //nolint:gosec // binary comes from operator config
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error { return signalGroup(cmd.Process.Pid, syscall.SIGTERM) }
	cmd.WaitDelay = m.cfg.GracefulTimeout
	cmd.Stdout = &outputLog{m: m, stream: "stdout"}
	cmd.Stderr = &outputLog{m: m, stream: "stderr"}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("launching %s: %w", m.cfg.Name, err)
	}

	m.mu.Lock()
	m.cmd = cmd
	m.state = StateRunning
	m.since = time.Now()
	m.mu.Unlock()

	m.log.Info("process started", "name", m.cfg.Name, "binary", m.cfg.Binary, "pid", cmd.Process.Pid)
	return nil
}

// supervise waits on each run and decides whether to relaunch.
func (m *Manager) supervise(ctx context.Context) {
	defer func() {
		m.mu.Lock()
		close(m.exited)
		m.mu.Unlock()
	}()

	for {
		m.mu.Lock()
		cmd, since := m.cmd, m.since
		m.mu.Unlock()

		err := m.wait(ctx, cmd)
		ran := time.Since(since)

		if m.stopRequested() {
			m.setState(StateStopped, nil)
			m.log.Info("process stopped", "name", m.cfg.Name)
			return
		}
		if err == nil {
			err = errors.New("exited with status 0")
		}
		m.log.Warn("process exited unexpectedly",
			"name", m.cfg.Name,
			"error", err,
			"uptime", ran.Round(time.Millisecond),
		)

		if !m.cfg.RestartOnFailure || ctx.Err() != nil {
			m.setState(StateFailed, err)
			return
		}
		m.setState(StateBackoff, err)
		if ran >= m.cfg.StableThreshold {
			m.mu.Lock()
			m.streak = 0
			m.mu.Unlock()
		}
		if !m.relaunch(ctx) {
			return
		}
	}
}

// relaunch sleeps out the backoff and starts the next run. It reports
// false when supervision should end.
func (m *Manager) relaunch(ctx context.Context) bool {
	m.mu.Lock()
	m.streak++
	attempt := m.streak
	m.mu.Unlock()

	if limit := m.cfg.MaxRestartAttempts; limit > 0 && attempt > limit {
		m.log.Error("giving up on process", "name", m.cfg.Name, "restarts", limit)
		m.setState(StateFailed, nil)
		return false
	}

	delay := m.backoff(attempt)
	m.log.Warn("restarting process", "name", m.cfg.Name, "attempt", attempt, "delay", delay)

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		m.setState(StateFailed, nil)
		return false
	case <-m.quit:
		m.setState(StateStopped, nil)
		return false
	case <-timer.C:
	}

	if err := m.launch(ctx); err != nil {
		m.log.Error("relaunch failed", "name", m.cfg.Name, "error", err)
		m.setState(StateFailed, err)
		return false
	}
	m.mu.Lock()
	m.restarts++
	pid := m.cmd.Process.Pid
	m.mu.Unlock()

	// Stop may have run while the new process was starting.
	if m.stopRequested() {
		signalGroup(pid, syscall.SIGTERM) //nolint:errcheck // process may already be gone
	}
	return true
}

// backoff doubles RestartDelay per attempt, capped at MaxRestartDelay.
func (m *Manager) backoff(attempt int) time.Duration {
	d := m.cfg.RestartDelay
	for i := 1; i < attempt && d < m.cfg.MaxRestartDelay; i++ {
		d *= 2
	}
	return min(d, m.cfg.MaxRestartDelay)
}

// wait returns when the run ends. With a health check configured, a run
// that fails maxMissedChecks checks in a row is killed.
func (m *Manager) wait(ctx context.Context, cmd *exec.Cmd) error {
	exit := make(chan error, 1)
	go func() { exit <- cmd.Wait() }()

	var tick <-chan time.Time
	if m.cfg.HealthCheckFunc != nil {
		ticker := time.NewTicker(m.cfg.HealthCheckInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	missed := 0
	for {
		select {
		case err := <-exit:
			return err
		case <-tick:
		}

		checkCtx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
		err := m.cfg.HealthCheckFunc(checkCtx)
		cancel()

		if err == nil {
			if missed > 0 {
				m.log.Info("health check recovered", "name", m.cfg.Name, "missed", missed)
			}
			missed = 0
			continue
		}
		missed++
		m.log.Warn("health check failed", "name", m.cfg.Name, "error", err, "missed", missed)
		if missed < maxMissedChecks {
			continue
		}

		m.log.Error("process unhealthy, killing", "name", m.cfg.Name)
		signalGroup(cmd.Process.Pid, syscall.SIGKILL) //nolint:errcheck // process may already be gone
		<-exit
		return fmt.Errorf("killed after %d failed health checks: %w", missed, err)
	}
}

func (m *Manager) stopRequested() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stopping
}

// setState records s and, when err is set, the error behind it.
func (m *Manager) setState(s State, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = s
	if err != nil {
		m.lastErr = err
	}
}

// Stop terminates the process group, escalating to SIGKILL after
// GracefulTimeout, and cancels any pending restart.
func (m *Manager) Stop() error {
	m.mu.Lock()
	if m.exited == nil || m.stopping {
		m.mu.Unlock()
		return nil
	}
	m.stopping = true
	close(m.quit)
	exited := m.exited
	pid := 0
	if m.state == StateRunning && m.cmd != nil {
		pid = m.cmd.Process.Pid
	}
	m.mu.Unlock()

	if pid == 0 {
		<-exited
		m.setState(StateStopped, nil)
		return nil
	}

	m.log.Info("stopping process", "name", m.cfg.Name, "pid", pid)
	if err := signalGroup(pid, syscall.SIGTERM); err != nil {
		m.log.Warn("SIGTERM failed", "name", m.cfg.Name, "error", err)
	}

	select {
	case <-exited:
		return nil
	case <-time.After(m.cfg.GracefulTimeout):
	}

	m.log.Warn("process ignored SIGTERM, killing", "name", m.cfg.Name, "timeout", m.cfg.GracefulTimeout)
	if err := signalGroup(pid, syscall.SIGKILL); err != nil {
		return fmt.Errorf("killing %s: %w", m.cfg.Name, err)
	}
	<-exited
	return nil
}

// Stats returns a snapshot for health reporting.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := Stats{
		Name:     m.cfg.Name,
		State:    m.state,
		Restarts: m.restarts,
	}
	if m.state == StateRunning && m.cmd != nil {
		st.PID = m.cmd.Process.Pid
		st.UptimeSeconds = int64(time.Since(m.since) / time.Second)
	}
	if m.lastErr != nil {
		st.LastError = m.lastErr.Error()
	}
	return st
}

// signalGroup signals the process group led by pid. A group that is
// already gone is not an error.
func signalGroup(pid int, sig syscall.Signal) error {
	if pid <= 0 {
		return nil
	}
	if err := syscall.Kill(-pid, sig); err != nil && !errors.Is(err, syscall.ESRCH) {
		return err
	}
	return nil
}

// outputLog forwards process output to the logger one line at a time.
type outputLog struct {
	m      *Manager
	stream string
	buf    bytes.Buffer
}

func (o *outputLog) Write(p []byte) (int, error) {
	o.buf.Write(p)
	for {
		i := bytes.IndexByte(o.buf.Bytes(), '\n')
		if i < 0 {
			break
		}
		o.emit(bytes.TrimRight(o.buf.Next(i+1), "\r\n"))
	}
	if o.buf.Len() >= maxOutputLine {
		o.emit(o.buf.Next(o.buf.Len()))
	}
	return len(p), nil
}

func (o *outputLog) emit(line []byte) {
	if len(line) == 0 {
		return
	}
	o.m.log.Debug("process output", "name", o.m.cfg.Name, "stream", o.stream, "line", string(line))
}
