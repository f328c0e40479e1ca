// Package supervisor owns worker process lifecycle: spawning each service
// as an isolated child process (a re-exec of this binary), tailing its
// output into the console, and keeping the persisted enabled/autorun flags
// in step with reality. The interactive console lives here too.
package supervisor

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/powerbot/powerbot/config"
)

// Kind identifies one supervised worker.
type Kind string

const (
	KindWeb     Kind = "web"
	KindWsocket Kind = "wsocket"
	KindDiscord Kind = "discord"
	KindYouTube Kind = "youtube"
	KindBackup  Kind = "backup"
)

// AllKinds lists the supervised workers in display order.
var AllKinds = []Kind{KindWeb, KindWsocket, KindDiscord, KindYouTube, KindBackup}

// ValidKind reports whether name names a supervised worker.
func ValidKind(name string) bool {
	for _, k := range AllKinds {
		if string(k) == name {
			return true
		}
	}
	return false
}

// State of one worker process.
type State int

const (
	StateDown State = iota
	StateStarting
	StateUp
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "STARTING"
	case StateUp:
		return "UP"
	default:
		return "DOWN"
	}
}

// Record is the supervisor's view of one worker.
type Record struct {
	Kind         Kind
	State        State
	PID          int
	LastExitCode int
	LastStderr   string

	// wantUp marks a worker the operator started and has not stopped; a
	// DOWN worker with wantUp set crashed and is eligible for restart.
	wantUp bool

	cmd  *exec.Cmd
	done chan struct{}
}

// Sink receives classified worker output lines.
type Sink func(kind Kind, level Level, text string)

// Manager starts and stops worker processes.
type Manager struct {
	mu      sync.Mutex
	records map[Kind]*Record

	toggles  *config.Toggles
	logger   *slog.Logger
	sink     Sink
	selfPath string

	// graceDelay is how long a fresh process must survive before start is
	// considered successful.
	graceDelay  time.Duration
	stopTimeout time.Duration
}

// NewManager builds the process manager. sink may be nil, discarding
// worker output.
func NewManager(toggles *config.Toggles, sink Sink, logger *slog.Logger) (*Manager, error) {
	self, err := os.Executable()
	if err != nil {
		return nil, errors.Wrap(err, "failed to resolve own binary path")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if sink == nil {
		sink = func(Kind, Level, string) {}
	}
	m := &Manager{
		records:     make(map[Kind]*Record),
		toggles:     toggles,
		logger:      logger.With("component", "supervisor"),
		sink:        sink,
		selfPath:    self,
		graceDelay:  1500 * time.Millisecond,
		stopTimeout: 5 * time.Second,
	}
	for _, kind := range AllKinds {
		m.records[kind] = &Record{Kind: kind}
	}
	return m, nil
}

// Status returns a snapshot of every worker record.
func (m *Manager) Status() []Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Record, 0, len(AllKinds))
	for _, kind := range AllKinds {
		r := *m.records[kind]
		r.cmd = nil
		r.done = nil
		out = append(out, r)
	}
	return out
}

// Start spawns a worker as an isolated child process. It fails when the
// process dies within the grace delay, reporting the last stderr line.
func (m *Manager) Start(kind Kind) error {
	m.mu.Lock()
	record := m.records[kind]
	if record == nil {
		m.mu.Unlock()
		return errors.Errorf("unknown worker %q", kind)
	}
	if record.State != StateDown {
		m.mu.Unlock()
		return errors.Errorf("worker %s is already %s", kind, record.State)
	}

	cmd := exec.Command(m.selfPath, "worker", string(kind))
	cmd.Env = os.Environ()
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		m.mu.Unlock()
		return errors.Wrap(err, "failed to open stdout pipe")
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		m.mu.Unlock()
		return errors.Wrap(err, "failed to open stderr pipe")
	}
	if err := cmd.Start(); err != nil {
		m.mu.Unlock()
		return errors.Wrapf(err, "failed to spawn worker %s", kind)
	}

	record.State = StateStarting
	record.PID = cmd.Process.Pid
	record.cmd = cmd
	record.done = make(chan struct{})
	done := record.done
	m.mu.Unlock()

	m.logger.Info("worker spawned", "kind", kind, "pid", cmd.Process.Pid)

	var tails sync.WaitGroup
	tails.Add(2)
	go func() {
		defer tails.Done()
		m.tail(kind, bufio.NewScanner(stdout), false)
	}()
	go func() {
		defer tails.Done()
		m.tail(kind, bufio.NewScanner(stderr), true)
	}()
	go func() {
		// Wait closes the pipes; drain both tails first so no output line
		// is lost to a read-after-close.
		tails.Wait()
		err := cmd.Wait()
		exitCode := 0
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else if err != nil {
			exitCode = -1
		}

		m.mu.Lock()
		record.State = StateDown
		record.PID = 0
		record.LastExitCode = exitCode
		record.cmd = nil
		m.mu.Unlock()
		close(done)
		m.logger.Info("worker exited", "kind", kind, "exit_code", exitCode)
	}()

	// Grace check: a worker that dies immediately is a failed start, not a
	// crash to silently absorb.
	select {
	case <-done:
		m.mu.Lock()
		lastStderr := record.LastStderr
		exitCode := record.LastExitCode
		m.mu.Unlock()
		return errors.Errorf("worker %s exited during startup (code %d): %s", kind, exitCode, lastStderr)
	case <-time.After(m.graceDelay):
	}

	m.mu.Lock()
	if record.State == StateStarting {
		record.State = StateUp
	}
	up := record.State == StateUp
	record.wantUp = up
	m.mu.Unlock()
	if !up {
		return errors.Errorf("worker %s failed to start", kind)
	}
	return nil
}

func (m *Manager) tail(kind Kind, scanner *bufio.Scanner, isStderr bool) {
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		level, text := ClassifyLine(scanner.Text())
		if text == "" {
			continue
		}
		if isStderr {
			m.mu.Lock()
			m.records[kind].LastStderr = text
			m.mu.Unlock()
			if level == LevelInfo {
				// Plain stderr chatter still reads as a warning in the
				// console.
				level = LevelWarn
			}
		}
		m.sink(kind, level, text)
	}
}

// Stop terminates a worker: polite signal first, kill after the timeout.
func (m *Manager) Stop(kind Kind) error {
	m.mu.Lock()
	record := m.records[kind]
	if record == nil {
		m.mu.Unlock()
		return errors.Errorf("unknown worker %q", kind)
	}
	record.wantUp = false
	if record.State == StateDown || record.cmd == nil {
		m.mu.Unlock()
		return nil
	}
	cmd := record.cmd
	done := record.done
	m.mu.Unlock()

	if err := terminate(cmd); err != nil {
		m.logger.Warn("terminate signal failed, killing", "kind", kind, "error", err)
		_ = cmd.Process.Kill()
	}

	select {
	case <-done:
	case <-time.After(m.stopTimeout):
		m.logger.Warn("worker ignored terminate, killing", "kind", kind)
		_ = cmd.Process.Kill()
		<-done
	}
	m.logger.Info("worker stopped", "kind", kind)
	return nil
}

// Running reports whether a worker is currently UP or STARTING.
func (m *Manager) Running(kind Kind) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := m.records[kind]
	return r != nil && r.State != StateDown
}

// Toggle flips a worker in the direction its persisted enabled flag
// points: enabled workers stop and are disabled, disabled ones start and
// are enabled (unless the start fails).
func (m *Manager) Toggle(kind Kind) error {
	if m.toggles.Enabled(string(kind)) {
		if err := m.Stop(kind); err != nil {
			return err
		}
		return m.toggles.SetEnabled(string(kind), false)
	}
	if err := m.Start(kind); err != nil {
		_ = m.toggles.SetEnabled(string(kind), false)
		return err
	}
	return m.toggles.SetEnabled(string(kind), true)
}

// StartAutorun starts every worker whose autorun flag is set, forcing the
// persisted enabled flag to match the real outcome.
func (m *Manager) StartAutorun() {
	for _, kind := range AllKinds {
		if !m.toggles.Autorun(string(kind)) {
			continue
		}
		if err := m.Start(kind); err != nil {
			m.logger.Error("autorun start failed", "kind", kind, "error", err)
			_ = m.toggles.SetEnabled(string(kind), false)
			continue
		}
		_ = m.toggles.SetEnabled(string(kind), true)
	}
}

// Watch restarts crashed workers: any worker the operator started that is
// found DOWN without a stop is re-executed. A failed restart clears the
// intent so the loop does not spin on a broken binary.
func (m *Manager) Watch(ctx context.Context, every time.Duration) {
	if every <= 0 {
		every = 10 * time.Second
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		for _, kind := range AllKinds {
			m.mu.Lock()
			record := m.records[kind]
			crashed := record.wantUp && record.State == StateDown
			exitCode := record.LastExitCode
			m.mu.Unlock()
			if !crashed {
				continue
			}
			m.logger.Warn("worker crashed, restarting", "kind", kind, "exit_code", exitCode)
			if err := m.Start(kind); err != nil {
				m.logger.Error("crash restart failed", "kind", kind, "error", err)
				m.mu.Lock()
				record.wantUp = false
				m.mu.Unlock()
				_ = m.toggles.SetEnabled(string(kind), false)
			}
		}
	}
}

// StopAll stops every running worker, used at shutdown.
func (m *Manager) StopAll() {
	for _, kind := range AllKinds {
		if m.Running(kind) {
			if err := m.Stop(kind); err != nil {
				m.logger.Warn("failed to stop worker", "kind", kind, "error", err)
			}
		}
	}
}

// Describe renders one worker's status line for the console.
func Describe(r Record) string {
	switch r.State {
	case StateDown:
		return fmt.Sprintf("%-8s %s (last exit %d)", r.Kind, r.State, r.LastExitCode)
	default:
		return fmt.Sprintf("%-8s %s (pid %d)", r.Kind, r.State, r.PID)
	}
}
