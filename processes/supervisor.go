package processes

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/tomyedwab/archhost/types"
)

const (
	defaultExecutable        = "ArchipelagoServer"
	defaultReadyMarker       = "server listening"
	defaultShutdownCommand   = "/exit"
	defaultWaitInterval      = 500 * time.Millisecond
	defaultStartupChecks     = 10 // 0.5s * 10 = 5s
	defaultShutdownChecks    = 20 // 0.5s * 20 = 10s
	defaultOutputBufferLines = 1000

	startCallbackName  = "start_cb"
	printCallbackName  = "print"
	outputCallbackName = "output"
)

// InstanceStore is the persistence a Supervisor reads its guards from and
// writes lifecycle transitions to.
type InstanceStore interface {
	GetInstance(ctx context.Context, id int64) (*types.Instance, error)
	AllInstances(ctx context.Context) ([]types.Instance, error)
	SetState(ctx context.Context, id int64, state types.State) error
	SetProcessID(ctx context.Context, id int64, pid *int) error
}

// Config holds configuration shared by every Supervisor in a Registry.
type Config struct {
	Store  InstanceStore // Required
	Logger *slog.Logger  // Optional, defaults to slog.Default()

	Executable      string // Optional, defaults to ArchipelagoServer
	WorkDir         string // Optional, defaults to the current directory
	ReadyMarker     string // Optional, defaults to "server listening"
	ShutdownCommand string // Optional, defaults to "/exit"

	// DataPath locates the game data file passed to the server. Optional,
	// defaults to arch_games/<id>/game.archipelago under WorkDir.
	DataPath func(id int64) string
	// BuildCommand overrides how the child command line is built. The returned
	// command must not be started yet.
	BuildCommand func(port int, dataPath string) *exec.Cmd

	WaitInterval      time.Duration // Optional, defaults to 500ms
	StartupChecks     int           // Optional, defaults to 10
	ShutdownChecks    int           // Optional, defaults to 20
	OutputBufferLines int           // Optional, defaults to 1000
}

func (c Config) withDefaults() (Config, error) {
	if c.Store == nil {
		return c, fmt.Errorf("InstanceStore is required")
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Executable == "" {
		c.Executable = defaultExecutable
	}
	if c.WorkDir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return c, fmt.Errorf("failed to get current working directory: %w", err)
		}
		c.WorkDir = wd
	}
	if c.ReadyMarker == "" {
		c.ReadyMarker = defaultReadyMarker
	}
	if c.ShutdownCommand == "" {
		c.ShutdownCommand = defaultShutdownCommand
	}
	if c.DataPath == nil {
		workDir := c.WorkDir
		c.DataPath = func(id int64) string {
			return filepath.Join(workDir, "arch_games", strconv.FormatInt(id, 10), "game.archipelago")
		}
	}
	if c.BuildCommand == nil {
		executable := c.Executable
		c.BuildCommand = func(port int, dataPath string) *exec.Cmd {
			return exec.Command(executable, "--port", strconv.Itoa(port), dataPath)
		}
	}
	if c.WaitInterval <= 0 {
		c.WaitInterval = defaultWaitInterval
	}
	if c.StartupChecks <= 0 {
		c.StartupChecks = defaultStartupChecks
	}
	if c.ShutdownChecks <= 0 {
		c.ShutdownChecks = defaultShutdownChecks
	}
	if c.OutputBufferLines <= 0 {
		c.OutputBufferLines = defaultOutputBufferLines
	}
	return c, nil
}

// StartupTimeout is the bound WaitForStartup waits for the ready marker.
func (c Config) StartupTimeout() time.Duration {
	return c.WaitInterval * time.Duration(c.StartupChecks)
}

// ShutdownTimeout is the bound Stop waits for the child to exit.
func (c Config) ShutdownTimeout() time.Duration {
	return c.WaitInterval * time.Duration(c.ShutdownChecks)
}

// childProcess is the handle for one spawned game server. A Supervisor owns at
// most one live childProcess at a time.
type childProcess struct {
	cmd   *exec.Cmd
	stdin io.WriteCloser

	// writeMu serializes writes to input. It is never taken while holding
	// Supervisor.mu, so a child that stops reading cannot block the supervisor.
	writeMu sync.Mutex
	input   *bufio.Writer

	ready     chan struct{} // closed when the ready marker is seen
	readyOnce sync.Once
	exited    chan struct{} // closed when both output streams reach EOF

	// exitState is persisted when the child exits. Guarded by Supervisor.mu.
	exitState types.State
}

func (p *childProcess) writeLine(line string) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	if _, err := p.input.WriteString(line + "\n"); err != nil {
		return err
	}
	return p.input.Flush()
}

func (p *childProcess) markReady() {
	p.readyOnce.Do(func() { close(p.ready) })
}

func isClosed(ch chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}

// Supervisor owns the lifecycle of a single game server child process: spawn,
// startup detection, command injection and shutdown. Its starting/running
// flags are a liveness cache; the persisted instance state is authoritative.
type Supervisor struct {
	id     int64
	port   int
	cfg    Config
	store  InstanceStore
	logger *slog.Logger

	stdout *Stream
	stderr *Stream
	output *OutputBuffer

	mu       sync.Mutex // Protects the fields below.
	proc     *childProcess
	lastProc *childProcess
	starting bool
	running  bool
}

func newSupervisor(id int64, port int, cfg Config) *Supervisor {
	logger := cfg.Logger.With("instanceID", id, "port", port)
	return &Supervisor{
		id:     id,
		port:   port,
		cfg:    cfg,
		store:  cfg.Store,
		logger: logger,
		stdout: NewStream("stdout", logger),
		stderr: NewStream("stderr", logger),
		output: NewOutputBuffer(cfg.OutputBufferLines),
	}
}

// ID returns the instance id this supervisor is bound to.
func (s *Supervisor) ID() int64 { return s.id }

// Port returns the port the game server is started on.
func (s *Supervisor) Port() int { return s.port }

// Stdout returns the callback registry for the child's standard output.
func (s *Supervisor) Stdout() *Stream { return s.stdout }

// Stderr returns the callback registry for the child's standard error.
func (s *Supervisor) Stderr() *Stream { return s.stderr }

// Output returns the buffer of recent child output.
func (s *Supervisor) Output() *OutputBuffer { return s.output }

// Running reports whether the supervisor believes the child is up and has
// signalled readiness.
func (s *Supervisor) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Starting reports whether a child has been spawned but is not ready yet.
func (s *Supervisor) Starting() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.starting
}

// Alive reports whether a child process handle is held.
func (s *Supervisor) Alive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.proc != nil
}

// PID returns the pid of the live child, or 0.
func (s *Supervisor) PID() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.proc == nil || s.proc.cmd.Process == nil {
		return 0
	}
	return s.proc.cmd.Process.Pid
}

// Start spawns the game server. Unless isRestart is set, the instance must be
// initialized and in a startable state. Start returns once the child is
// spawned; use WaitForStartup to wait for the ready marker.
func (s *Supervisor) Start(ctx context.Context, isRestart bool) error {
	instance, err := s.store.GetInstance(ctx, s.id)
	if err != nil {
		return fmt.Errorf("failed to load instance %d: %w", s.id, err)
	}
	if !isRestart {
		if !instance.Initialized {
			return ErrNotInitialized
		}
		if !instance.State.Startable() {
			return fmt.Errorf("%w: not in a startable state, current state: %s", ErrWrongState, instance.State)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.proc != nil {
		return fmt.Errorf("%w: process already live, current state: %s", ErrWrongState, instance.State)
	}

	if err := s.store.SetState(ctx, s.id, types.StateStarting); err != nil {
		return fmt.Errorf("failed to persist starting state: %w", err)
	}

	dataPath := s.cfg.DataPath(s.id)
	cmd := s.cfg.BuildCommand(s.port, dataPath)
	if cmd.Dir == "" {
		cmd.Dir = s.cfg.WorkDir
	}

	stdinPipe, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("stdin pipe: %w", err)
	}
	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		stdinPipe.Close()
		return fmt.Errorf("stdout pipe: %w", err)
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		stdinPipe.Close()
		stdoutPipe.Close()
		return fmt.Errorf("stderr pipe: %w", err)
	}

	s.logger.Info("Starting server", "command", cmd.String())
	if err := cmd.Start(); err != nil {
		stdinPipe.Close()
		stdoutPipe.Close()
		stderrPipe.Close()
		return fmt.Errorf("start process: %w", err)
	}

	proc := &childProcess{
		cmd:       cmd,
		stdin:     stdinPipe,
		input:     bufio.NewWriter(stdinPipe),
		ready:     make(chan struct{}),
		exited:    make(chan struct{}),
		exitState: types.StateFailed,
	}
	s.proc = proc
	s.lastProc = proc
	s.starting = true
	s.running = false

	pid := cmd.Process.Pid
	if err := s.store.SetProcessID(ctx, s.id, &pid); err != nil {
		s.logger.Warn("Failed to persist process id", "pid", pid, "error", err)
	}

	// Callbacks go in before the readers so no early line is missed.
	s.registerOutputCallbacks()
	s.stdout.AddCallback(startCallbackName, s.readyDetector(proc))

	var readers sync.WaitGroup
	readers.Add(2)
	go func() {
		defer readers.Done()
		if err := s.stdout.Consume(stdoutPipe); err != nil {
			s.logger.Error("Error reading stdout from server", "pid", pid, "error", err)
		}
	}()
	go func() {
		defer readers.Done()
		if err := s.stderr.Consume(stderrPipe); err != nil {
			s.logger.Error("Error reading stderr from server", "pid", pid, "error", err)
		}
	}()
	go func() {
		readers.Wait()
		s.handleExit(proc)
	}()

	s.logger.Info("Server process spawned", "pid", pid)
	return nil
}

func (s *Supervisor) registerOutputCallbacks() {
	s.stdout.AddCallback(printCallbackName, func(line string) {
		s.logger.Info("Server output", "output", line)
	})
	s.stderr.AddCallback(printCallbackName, func(line string) {
		s.logger.Warn("Server error output", "output", line)
	})
	s.stdout.AddCallback(outputCallbackName, func(line string) {
		s.output.Append("stdout", line)
	})
	s.stderr.AddCallback(outputCallbackName, func(line string) {
		s.output.Append("stderr", line)
	})
}

func (s *Supervisor) removeOutputCallbacks() {
	for _, stream := range []*Stream{s.stdout, s.stderr} {
		stream.RemoveCallback(printCallbackName)
		stream.RemoveCallback(outputCallbackName)
	}
}

// readyDetector returns the stdout callback that flips the supervisor to
// running once the ready marker is printed by proc.
func (s *Supervisor) readyDetector(proc *childProcess) LineFunc {
	return func(line string) {
		if !strings.HasPrefix(line, s.cfg.ReadyMarker) {
			return
		}
		s.mu.Lock()
		if s.proc == proc {
			s.running = true
			s.starting = false
		}
		s.mu.Unlock()
		s.stdout.RemoveCallback(startCallbackName)
		proc.markReady()
		s.logger.Info("Server reported ready")
	}
}

// handleExit runs once both output streams of proc have reached EOF, which is
// the signal that the child has exited.
func (s *Supervisor) handleExit(proc *childProcess) {
	s.mu.Lock()
	current := s.proc == proc
	if current {
		s.proc = nil
		s.running = false
		s.starting = false
		if err := s.store.SetState(context.Background(), s.id, proc.exitState); err != nil {
			s.logger.Error("Failed to persist state after exit", "state", proc.exitState, "error", err)
		}
		if err := s.store.SetProcessID(context.Background(), s.id, nil); err != nil {
			s.logger.Warn("Failed to clear process id", "error", err)
		}
	}
	exitState := proc.exitState
	proc.stdin.Close()
	close(proc.exited)
	s.mu.Unlock()

	err := proc.cmd.Wait()
	if exitState == types.StateStopped {
		s.logger.Info("Server exited", "pid", proc.cmd.Process.Pid, "exitError", err)
	} else {
		s.logger.Warn("Server exited unexpectedly", "pid", proc.cmd.Process.Pid, "exitError", err)
	}
}

// WaitForStartup waits up to the startup bound for the ready marker. It
// returns false if the bound elapses or the child exits first, and never
// returns an error. The startup detector is deregistered in every outcome.
func (s *Supervisor) WaitForStartup() bool {
	s.mu.Lock()
	proc := s.lastProc
	s.mu.Unlock()
	return s.waitReady(proc)
}

func (s *Supervisor) waitReady(proc *childProcess) bool {
	defer func() {
		s.mu.Lock()
		current := s.lastProc == proc
		s.mu.Unlock()
		// A newer child has its own detector under the same name.
		if current {
			s.stdout.RemoveCallback(startCallbackName)
		}
	}()

	if proc == nil || isClosed(proc.exited) {
		return false
	}
	if isClosed(proc.ready) {
		return true
	}

	timer := time.NewTimer(s.cfg.StartupTimeout())
	defer timer.Stop()

	select {
	case <-proc.ready:
		return true
	case <-proc.exited:
		return false
	case <-timer.C:
		s.logger.Warn("Server did not report ready in time", "timeout", s.cfg.StartupTimeout())
		return false
	}
}

// WaitForShutdown waits up to the shutdown bound for the current child to
// exit. It returns true immediately if no child is live.
func (s *Supervisor) WaitForShutdown() bool {
	s.mu.Lock()
	proc := s.lastProc
	s.mu.Unlock()
	if proc == nil {
		return true
	}
	return waitClosed(proc.exited, s.cfg.ShutdownTimeout())
}

func waitClosed(ch chan struct{}, timeout time.Duration) bool {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-ch:
		return true
	case <-timer.C:
		return false
	}
}

// StartWait starts the server and waits for it to report ready, persisting
// the outcome. A wrong-state failure is reported without touching the
// persisted state; any other failure marks the instance failed.
func (s *Supervisor) StartWait(ctx context.Context, isRestart bool) (bool, error) {
	err := s.Start(ctx, isRestart)
	if errors.Is(err, ErrWrongState) {
		s.logger.Info("Start refused", "error", err)
		return false, err
	}
	if err != nil {
		s.logger.Error("Failed to start server", "error", err)
		if setErr := s.store.SetState(ctx, s.id, types.StateFailed); setErr != nil {
			s.logger.Error("Failed to persist failed state", "error", setErr)
		}
		return false, err
	}
	return s.AwaitStartup(ctx), nil
}

// AwaitStartup waits for the child spawned by the last Start and persists
// running or failed accordingly. A child that never reports ready is killed
// so its port is free for the next attempt. If the child exits or is being
// stopped or killed before the wait ends, the exit path owns the persisted
// state and AwaitStartup leaves it alone.
func (s *Supervisor) AwaitStartup(ctx context.Context) bool {
	s.mu.Lock()
	proc := s.lastProc
	s.mu.Unlock()
	if proc == nil {
		return false
	}

	started := s.waitReady(proc)

	s.mu.Lock()
	if s.proc != proc {
		// Already exited; handleExit persisted the outcome.
		s.mu.Unlock()
		return false
	}
	if proc.exitState == types.StateStopped {
		// Stop or Kill is in progress. Let it persist stopped before
		// returning so callers read a settled state.
		s.mu.Unlock()
		waitClosed(proc.exited, s.cfg.ShutdownTimeout())
		return false
	}
	defer s.mu.Unlock()

	if started && s.running {
		if err := s.store.SetState(ctx, s.id, types.StateRunning); err != nil {
			s.logger.Error("Failed to persist running state", "error", err)
		}
		return true
	}

	proc.exitState = types.StateFailed
	if err := proc.cmd.Process.Kill(); err != nil {
		s.logger.Error("Failed to kill unready server", "error", err)
	}
	if err := s.store.SetState(ctx, s.id, types.StateFailed); err != nil {
		s.logger.Error("Failed to persist failed state", "error", err)
	}
	return false
}

// Stop asks the child to shut down by writing the shutdown command to its
// input and waits up to the shutdown bound for it to exit. The persisted
// state becomes stopped when the child exits. ErrShutdownTimeout is returned
// if it does not exit in time.
//
// The output readers are not cancelled by Stop. They end when the child closes
// its output, which also releases the handle; after ErrShutdownTimeout that
// happens whenever the child finally exits or is killed.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.mu.Lock()
	proc := s.proc
	if !s.running || proc == nil {
		s.mu.Unlock()
		return s.wrongStateError(ctx, "not in a stoppable state (not running)")
	}
	proc.exitState = types.StateStopped
	s.mu.Unlock()

	s.removeOutputCallbacks()

	// The write runs on its own so a child that is not reading its input
	// cannot hold Stop past the shutdown bound. It fails once the child is
	// gone, for example when it exited on its own after the check above.
	go func() {
		if err := proc.writeLine(s.cfg.ShutdownCommand); err != nil {
			s.logger.Warn("Failed to send shutdown command", "error", err)
		}
	}()

	if !waitClosed(proc.exited, s.cfg.ShutdownTimeout()) {
		s.logger.Warn("Server hung shutting down", "timeout", s.cfg.ShutdownTimeout())
		return fmt.Errorf("%w: instance %d still running after %s", ErrShutdownTimeout, s.id, s.cfg.ShutdownTimeout())
	}
	s.logger.Info("Server shut down")
	return nil
}

// Kill terminates the live child without a graceful shutdown. The persisted
// state becomes stopped.
func (s *Supervisor) Kill(ctx context.Context) error {
	s.mu.Lock()
	proc := s.proc
	if proc == nil {
		s.mu.Unlock()
		return ErrProcessNotRunning
	}
	proc.exitState = types.StateStopped
	err := proc.cmd.Process.Kill()
	s.mu.Unlock()
	if err != nil {
		return fmt.Errorf("failed to kill process: %w", err)
	}

	s.removeOutputCallbacks()
	if !waitClosed(proc.exited, s.cfg.ShutdownTimeout()) {
		return fmt.Errorf("%w: instance %d output still open after kill", ErrShutdownTimeout, s.id)
	}
	s.logger.Info("Server killed")
	return nil
}

// SendCommand writes text followed by a newline to the child's input. The
// write may block while the child is not reading; Kill unblocks it.
func (s *Supervisor) SendCommand(text string) error {
	s.mu.Lock()
	proc := s.proc
	s.mu.Unlock()
	if proc == nil {
		return ErrProcessNotRunning
	}
	if err := proc.writeLine(text); err != nil {
		return fmt.Errorf("failed to write command: %w", err)
	}
	return nil
}

func (s *Supervisor) wrongStateError(ctx context.Context, msg string) error {
	instance, err := s.store.GetInstance(ctx, s.id)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrWrongState, msg)
	}
	return fmt.Errorf("%w: %s, current state: %s", ErrWrongState, msg, instance.State)
}
