package processes

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/tomyedwab/archhost/types"
)

func hasOutput(sup *Supervisor, source, message string) bool {
	for _, line := range sup.Output().Latest(100) {
		if line.Source == source && line.Message == message {
			return true
		}
	}
	return false
}

func TestConfigWithDefaults(t *testing.T) {
	if _, err := (Config{}).withDefaults(); err == nil {
		t.Fatal("Expected error when Store is missing")
	}

	cfg, err := Config{Store: newMemStore()}.withDefaults()
	if err != nil {
		t.Fatalf("withDefaults: %v", err)
	}
	if cfg.ReadyMarker != "server listening" {
		t.Errorf("Expected default ready marker, got %q", cfg.ReadyMarker)
	}
	if cfg.ShutdownCommand != "/exit" {
		t.Errorf("Expected default shutdown command, got %q", cfg.ShutdownCommand)
	}
	if cfg.StartupTimeout() != 5*time.Second {
		t.Errorf("Expected 5s startup timeout, got %s", cfg.StartupTimeout())
	}
	if cfg.ShutdownTimeout() != 10*time.Second {
		t.Errorf("Expected 10s shutdown timeout, got %s", cfg.ShutdownTimeout())
	}

	cmd := cfg.BuildCommand(38281, "/data/7/game.archipelago")
	args := strings.Join(cmd.Args[1:], " ")
	if args != "--port 38281 /data/7/game.archipelago" {
		t.Errorf("Unexpected command arguments: %q", args)
	}
}

func TestStartWaitNotInitialized(t *testing.T) {
	store := newMemStore(testInstance(1, 38281, types.StateCreated, false))
	var spawned atomic.Int32
	cfg := testConfig(t, store, "ready")
	cfg.BuildCommand = helperCommand("ready", &spawned)
	sup := newTestSupervisor(t, cfg, 1, 38281)

	started, err := sup.StartWait(context.Background(), false)
	if started {
		t.Fatal("Expected start to fail")
	}
	if !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("Expected ErrNotInitialized, got %v", err)
	}
	if spawned.Load() != 0 {
		t.Errorf("Expected no process to be spawned, got %d", spawned.Load())
	}
	if sup.Alive() {
		t.Error("Expected no live process")
	}
	if state := store.state(1); state != types.StateFailed {
		t.Errorf("Expected state failed, got %s", state)
	}
}

func TestStartWrongState(t *testing.T) {
	store := newMemStore(testInstance(1, 38281, types.StateRunning, true))
	var spawned atomic.Int32
	cfg := testConfig(t, store, "ready")
	cfg.BuildCommand = helperCommand("ready", &spawned)
	sup := newTestSupervisor(t, cfg, 1, 38281)

	err := sup.Start(context.Background(), false)
	if !errors.Is(err, ErrWrongState) {
		t.Fatalf("Expected ErrWrongState, got %v", err)
	}
	if !strings.Contains(err.Error(), "running") {
		t.Errorf("Expected error to name the current state, got %q", err.Error())
	}

	started, err := sup.StartWait(context.Background(), false)
	if started || !errors.Is(err, ErrWrongState) {
		t.Fatalf("Expected StartWait to refuse, got %v %v", started, err)
	}
	if state := store.state(1); state != types.StateRunning {
		t.Errorf("Expected persisted state to stay running, got %s", state)
	}
	if spawned.Load() != 0 {
		t.Errorf("Expected no process to be spawned, got %d", spawned.Load())
	}
}

func TestStartWaitAndStop(t *testing.T) {
	store := newMemStore(testInstance(1, 38281, types.StateCreated, true))
	sup := newTestSupervisor(t, testConfig(t, store, "ready"), 1, 38281)
	ctx := context.Background()

	started, err := sup.StartWait(ctx, false)
	if err != nil || !started {
		t.Fatalf("StartWait: started=%v err=%v", started, err)
	}
	if state := store.state(1); state != types.StateRunning {
		t.Fatalf("Expected state running, got %s", state)
	}
	if !sup.Running() || sup.Starting() {
		t.Errorf("Expected running flags, got running=%v starting=%v", sup.Running(), sup.Starting())
	}
	if sup.Stdout().HasCallback(startCallbackName) {
		t.Error("Expected startup detector to be removed")
	}
	if sup.PID() == 0 {
		t.Error("Expected a pid for the live process")
	}
	if !hasOutput(sup, "stdout", "server listening on 0.0.0.0:38281") {
		t.Error("Expected the ready line in the output buffer")
	}
	eventually(t, 2*time.Second, func() bool {
		return hasOutput(sup, "stderr", "loading multidata")
	}, "stderr line buffered")

	// A second spawn is refused while the child is live, even on restart.
	if err := sup.Start(ctx, true); !errors.Is(err, ErrWrongState) {
		t.Errorf("Expected ErrWrongState for double spawn, got %v", err)
	}

	if err := sup.SendCommand("hello world"); err != nil {
		t.Fatalf("SendCommand: %v", err)
	}
	eventually(t, 2*time.Second, func() bool {
		return hasOutput(sup, "stdout", "echo: hello world")
	}, "command echoed")

	if err := sup.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if state := store.state(1); state != types.StateStopped {
		t.Errorf("Expected state stopped, got %s", state)
	}
	if sup.Alive() || sup.Running() {
		t.Error("Expected process handle to be released")
	}
	if sup.Stdout().HasCallback(outputCallbackName) || sup.Stdout().HasCallback(printCallbackName) {
		t.Error("Expected output callbacks to be removed")
	}

	err = sup.Stop(ctx)
	if !errors.Is(err, ErrWrongState) {
		t.Fatalf("Expected ErrWrongState on second stop, got %v", err)
	}
	if !strings.Contains(err.Error(), "stopped") {
		t.Errorf("Expected error to name the current state, got %q", err.Error())
	}
	if err := sup.SendCommand("status"); !errors.Is(err, ErrProcessNotRunning) {
		t.Errorf("Expected ErrProcessNotRunning, got %v", err)
	}

	want := []types.State{types.StateStarting, types.StateRunning, types.StateStopped}
	got := store.states(1)
	if strings.Join(statesToStrings(got), ",") != strings.Join(statesToStrings(want), ",") {
		t.Errorf("Expected transitions %v, got %v", want, got)
	}

	// Stopped instances can be started again.
	started, err = sup.StartWait(ctx, false)
	if err != nil || !started {
		t.Fatalf("Restart: started=%v err=%v", started, err)
	}
	if err := sup.Stop(ctx); err != nil {
		t.Fatalf("Stop after restart: %v", err)
	}
}

func statesToStrings(states []types.State) []string {
	out := make([]string, len(states))
	for i, s := range states {
		out[i] = string(s)
	}
	return out
}

func TestWaitForStartupTimesOut(t *testing.T) {
	store := newMemStore(testInstance(1, 38281, types.StateCreated, true))
	cfg := testConfig(t, store, "silent")
	cfg.StartupChecks = 5
	sup := newTestSupervisor(t, cfg, 1, 38281)

	if err := sup.Start(context.Background(), false); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if !sup.Stdout().HasCallback(startCallbackName) {
		t.Fatal("Expected startup detector to be registered")
	}

	begin := time.Now()
	if sup.WaitForStartup() {
		t.Fatal("Expected startup wait to report not started")
	}
	if elapsed := time.Since(begin); elapsed < 100*time.Millisecond {
		t.Errorf("Expected to wait out the startup bound, waited %s", elapsed)
	}
	if sup.Stdout().HasCallback(startCallbackName) {
		t.Error("Expected startup detector to be removed after the bound")
	}
	if sup.Running() {
		t.Error("Expected not running")
	}

	if err := sup.Kill(context.Background()); err != nil {
		t.Fatalf("Kill: %v", err)
	}
	if state := store.state(1); state != types.StateStopped {
		t.Errorf("Expected state stopped after kill, got %s", state)
	}
}

func TestStartWaitUnreadyChildIsFailed(t *testing.T) {
	store := newMemStore(testInstance(1, 38281, types.StateStopped, true))
	cfg := testConfig(t, store, "silent")
	cfg.StartupChecks = 5
	sup := newTestSupervisor(t, cfg, 1, 38281)

	started, err := sup.StartWait(context.Background(), false)
	if err != nil {
		t.Fatalf("Expected no error on startup timeout, got %v", err)
	}
	if started {
		t.Fatal("Expected not started")
	}
	if state := store.state(1); state != types.StateFailed {
		t.Errorf("Expected state failed, got %s", state)
	}
	eventually(t, 2*time.Second, func() bool { return !sup.Alive() }, "unready child killed")
	if state := store.state(1); state != types.StateFailed {
		t.Errorf("Expected state to stay failed after exit, got %s", state)
	}
}

func TestStopShutdownTimeout(t *testing.T) {
	store := newMemStore(testInstance(1, 38281, types.StateCreated, true))
	cfg := testConfig(t, store, "hang")
	cfg.ShutdownChecks = 15
	sup := newTestSupervisor(t, cfg, 1, 38281)
	ctx := context.Background()

	if started, err := sup.StartWait(ctx, false); err != nil || !started {
		t.Fatalf("StartWait: started=%v err=%v", started, err)
	}

	err := sup.Stop(ctx)
	if !errors.Is(err, ErrShutdownTimeout) {
		t.Fatalf("Expected ErrShutdownTimeout, got %v", err)
	}
	if !sup.Alive() {
		t.Fatal("Expected the hung process to still be held")
	}

	if err := sup.Kill(ctx); err != nil {
		t.Fatalf("Kill: %v", err)
	}
	if sup.Alive() {
		t.Error("Expected handle released after kill")
	}
	if state := store.state(1); state != types.StateStopped {
		t.Errorf("Expected state stopped, got %s", state)
	}
}

func TestStopRacingExit(t *testing.T) {
	store := newMemStore(testInstance(1, 38281, types.StateCreated, true))
	sup := newTestSupervisor(t, testConfig(t, store, "closestdin"), 1, 38281)
	ctx := context.Background()

	if started, err := sup.StartWait(ctx, false); err != nil || !started {
		t.Fatalf("StartWait: started=%v err=%v", started, err)
	}
	if err := sup.Stop(ctx); err != nil {
		t.Fatalf("Expected stop to succeed, got %v", err)
	}
	if state := store.state(1); state != types.StateStopped {
		t.Errorf("Expected state stopped, got %s", state)
	}
}

func TestUnexpectedExitIsFailed(t *testing.T) {
	store := newMemStore(testInstance(1, 38281, types.StateCreated, true))
	sup := newTestSupervisor(t, testConfig(t, store, "crash"), 1, 38281)
	ctx := context.Background()

	if started, err := sup.StartWait(ctx, false); err != nil || !started {
		t.Fatalf("StartWait: started=%v err=%v", started, err)
	}
	eventually(t, 3*time.Second, func() bool { return !sup.Alive() }, "crashed child released")
	if state := store.state(1); state != types.StateFailed {
		t.Errorf("Expected state failed, got %s", state)
	}
	if err := sup.Stop(ctx); !errors.Is(err, ErrWrongState) {
		t.Errorf("Expected ErrWrongState stopping a crashed server, got %v", err)
	}
}

func TestKillWithoutProcess(t *testing.T) {
	store := newMemStore(testInstance(1, 38281, types.StateCreated, true))
	sup := newTestSupervisor(t, testConfig(t, store, "ready"), 1, 38281)

	if err := sup.Kill(context.Background()); !errors.Is(err, ErrProcessNotRunning) {
		t.Errorf("Expected ErrProcessNotRunning, got %v", err)
	}
	if !sup.WaitForShutdown() {
		t.Error("Expected WaitForShutdown to report true with no process")
	}
	if sup.WaitForStartup() {
		t.Error("Expected WaitForStartup to report false with no process")
	}
}

func TestKillDuringStartupWaitIsStopped(t *testing.T) {
	store := newMemStore(testInstance(1, 38281, types.StateCreated, true))
	sup := newTestSupervisor(t, testConfig(t, store, "silent"), 1, 38281)
	ctx := context.Background()

	if err := sup.Start(ctx, false); err != nil {
		t.Fatalf("Start: %v", err)
	}
	awaited := make(chan bool, 1)
	go func() { awaited <- sup.AwaitStartup(ctx) }()

	time.Sleep(100 * time.Millisecond)
	if err := sup.Kill(ctx); err != nil {
		t.Fatalf("Kill: %v", err)
	}

	select {
	case started := <-awaited:
		if started {
			t.Error("Expected AwaitStartup to report not started")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("AwaitStartup did not return after Kill")
	}
	if state := store.state(1); state != types.StateStopped {
		t.Errorf("Expected stopped, got %s", state)
	}
	if got := fmt.Sprint(store.states(1)); got != "[starting stopped]" {
		t.Errorf("Unexpected transitions %s", got)
	}
}

func TestLateAwaitStartupAfterStop(t *testing.T) {
	store := newMemStore(testInstance(1, 38281, types.StateCreated, true))
	sup := newTestSupervisor(t, testConfig(t, store, "ready"), 1, 38281)
	ctx := context.Background()

	if err := sup.Start(ctx, false); err != nil {
		t.Fatalf("Start: %v", err)
	}
	eventually(t, 3*time.Second, sup.Running, "server reports ready")
	if err := sup.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	if sup.AwaitStartup(ctx) {
		t.Error("Expected a stopped server not to be reported as started")
	}
	if state := store.state(1); state != types.StateStopped {
		t.Errorf("Expected stopped to be kept, got %s", state)
	}
	if got := fmt.Sprint(store.states(1)); got != "[starting stopped]" {
		t.Errorf("Unexpected transitions %s", got)
	}
}

func TestKillUnblocksStalledCommand(t *testing.T) {
	store := newMemStore(testInstance(1, 38281, types.StateCreated, true))
	sup := newTestSupervisor(t, testConfig(t, store, "deaf"), 1, 38281)
	ctx := context.Background()

	started, err := sup.StartWait(ctx, false)
	if err != nil || !started {
		t.Fatalf("StartWait: started=%v err=%v", started, err)
	}

	// The child never reads its input, so this write fills the pipe and stalls.
	written := make(chan error, 1)
	go func() { written <- sup.SendCommand(strings.Repeat("x", 1<<18)) }()
	select {
	case err := <-written:
		t.Fatalf("Expected the write to stall, got %v", err)
	case <-time.After(200 * time.Millisecond):
	}

	running := make(chan bool, 1)
	go func() { running <- sup.Running() }()
	select {
	case ok := <-running:
		if !ok {
			t.Error("Expected the server to still be running")
		}
	case <-time.After(time.Second):
		t.Fatal("Running blocked behind a stalled write")
	}

	killed := make(chan error, 1)
	go func() { killed <- sup.Kill(ctx) }()
	select {
	case err := <-killed:
		if err != nil {
			t.Fatalf("Kill: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Kill blocked behind a stalled write")
	}

	select {
	case err := <-written:
		if err == nil {
			t.Error("Expected the stalled write to fail once the child is gone")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Stalled write was not released by Kill")
	}
	if state := store.state(1); state != types.StateStopped {
		t.Errorf("Expected stopped, got %s", state)
	}
}

func TestStopDoesNotBlockOnDeafChild(t *testing.T) {
	store := newMemStore(testInstance(1, 38281, types.StateCreated, true))
	cfg := testConfig(t, store, "deaf")
	cfg.ShutdownChecks = 10
	sup := newTestSupervisor(t, cfg, 1, 38281)
	ctx := context.Background()

	if started, err := sup.StartWait(ctx, false); err != nil || !started {
		t.Fatalf("StartWait: started=%v err=%v", started, err)
	}
	go sup.SendCommand(strings.Repeat("x", 1<<18))
	time.Sleep(100 * time.Millisecond)

	stopped := make(chan error, 1)
	go func() { stopped <- sup.Stop(ctx) }()
	select {
	case err := <-stopped:
		if !errors.Is(err, ErrShutdownTimeout) {
			t.Errorf("Expected ErrShutdownTimeout, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Stop did not honour the shutdown bound")
	}

	if err := sup.Kill(ctx); err != nil {
		t.Fatalf("Kill: %v", err)
	}
	if state := store.state(1); state != types.StateStopped {
		t.Errorf("Expected stopped, got %s", state)
	}
}
