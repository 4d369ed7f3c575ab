package instances

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/tomyedwab/archhost/audit"
	"github.com/tomyedwab/archhost/callbacks"
	"github.com/tomyedwab/archhost/processes"
	"github.com/tomyedwab/archhost/types"
)

const (
	DefaultListLimit = 25
	MaxListLimit     = 100
)

// Config holds the collaborators of a Manager.
type Config struct {
	Store    *Store              // Required
	Registry *processes.Registry // Required
	GameData *GameData           // Required
	Events   *audit.Logger       // Optional
	Notifier *callbacks.Notifier // Optional, start callbacks are skipped when nil
	Logger   *slog.Logger        // Optional, defaults to slog.Default()
}

// Manager is the control surface over game server instances. It validates
// requests against the persisted record and delegates lifecycle operations to
// the instance's Supervisor.
type Manager struct {
	store    *Store
	registry *processes.Registry
	gameData *GameData
	events   *audit.Logger
	notifier *callbacks.Notifier
	logger   *slog.Logger

	background sync.WaitGroup
	locks      sync.Map // instance id -> *sync.Mutex
}

func NewManager(cfg Config) (*Manager, error) {
	if cfg.Store == nil || cfg.Registry == nil || cfg.GameData == nil {
		return nil, fmt.Errorf("Store, Registry and GameData are required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Manager{
		store:    cfg.Store,
		registry: cfg.Registry,
		gameData: cfg.GameData,
		events:   cfg.Events,
		notifier: cfg.Notifier,
		logger:   cfg.Logger.With("component", "Manager"),
	}, nil
}

func (m *Manager) logEvent(ctx context.Context, id int64, eventType audit.EventType, detail string) {
	if m.events == nil {
		return
	}
	if err := m.events.Log(ctx, id, eventType, detail); err != nil {
		m.logger.Warn("Failed to record event", "instanceID", id, "event", eventType, "error", err)
	}
}

// lockInstance serializes operations that check whether a child is live and
// then act on that answer.
func (m *Manager) lockInstance(id int64) func() {
	v, _ := m.locks.LoadOrStore(id, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// supervisor returns the Supervisor of an existing instance, registering one
// if the registry has none yet.
func (m *Manager) supervisor(ctx context.Context, id int64) (*types.Instance, *processes.Supervisor, error) {
	instance, err := m.store.GetInstance(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	sup, ok := m.registry.Get(id)
	if !ok {
		sup = m.registry.Add(id, instance.PortOrZero())
	}
	return instance, sup, nil
}

// Create persists a new instance with a freshly allocated port and registers
// its Supervisor.
func (m *Manager) Create(ctx context.Context) (*types.Instance, error) {
	instance, err := m.store.Create(ctx)
	if err != nil {
		return nil, err
	}
	m.registry.Add(instance.ID, instance.PortOrZero())
	m.logEvent(ctx, instance.ID, audit.EventCreated, fmt.Sprintf("port %d", instance.PortOrZero()))
	m.logger.Info("Created server", "instanceID", instance.ID, "port", instance.PortOrZero())
	return instance, nil
}

func (m *Manager) Get(ctx context.Context, id int64) (*types.Instance, error) {
	return m.store.GetInstance(ctx, id)
}

// List returns a page of instances. limit falls back to DefaultListLimit and
// is capped at MaxListLimit.
func (m *Manager) List(ctx context.Context, offset, limit int) ([]types.Instance, error) {
	if offset < 0 {
		offset = 0
	}
	if limit <= 0 {
		limit = DefaultListLimit
	}
	if limit > MaxListLimit {
		limit = MaxListLimit
	}
	return m.store.List(ctx, offset, limit)
}

// Init stores the game-data payload of an instance and marks it initialized.
// An initialized instance is only overwritten when overwrite is set, and never
// while its server process is live.
func (m *Manager) Init(ctx context.Context, id int64, payload io.Reader, filename string, overwrite bool) (*types.Instance, error) {
	unlock := m.lockInstance(id)
	defer unlock()

	instance, sup, err := m.supervisor(ctx, id)
	if err != nil {
		return nil, err
	}
	if instance.Initialized && !overwrite {
		return nil, fmt.Errorf("%w: instance %d", ErrAlreadyExists, id)
	}
	if sup.Alive() {
		return nil, fmt.Errorf("%w: cannot replace game data while the server is live, current state: %s", processes.ErrWrongState, instance.State)
	}

	n, err := m.gameData.Write(id, payload)
	if err != nil {
		return nil, fmt.Errorf("failed to store game data: %w", err)
	}

	name := instance.GameFileName
	if filename != "" {
		name = &filename
	}
	if err := m.store.SetInitialized(ctx, id, name); err != nil {
		return nil, err
	}
	m.logEvent(ctx, id, audit.EventInitialized, filename)
	m.logger.Info("Stored game data", "instanceID", id, "bytes", n, "filename", filename, "overwrite", overwrite)
	return m.store.GetInstance(ctx, id)
}

// Start spawns the game server and returns once the process is running,
// without waiting for it to report ready. Readiness is awaited in the
// background; the outcome is persisted and, when callbackURL is set, posted
// to it.
func (m *Manager) Start(ctx context.Context, id int64, callbackURL string) (*types.Instance, error) {
	sup, err := m.spawn(ctx, id)
	if err != nil {
		return nil, err
	}

	if m.events != nil {
		if err := m.events.LogStartRequested(ctx, id, callbackURL); err != nil {
			m.logger.Warn("Failed to record event", "instanceID", id, "error", err)
		}
	}

	m.background.Add(1)
	go func() {
		defer m.background.Done()
		m.awaitStartup(sup, callbackURL)
	}()

	return m.store.GetInstance(ctx, id)
}

// spawn runs the start guards and spawns the child while holding the
// instance lock.
func (m *Manager) spawn(ctx context.Context, id int64) (*processes.Supervisor, error) {
	unlock := m.lockInstance(id)
	defer unlock()

	_, sup, err := m.supervisor(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := sup.Start(ctx, false); err != nil {
		if !errors.Is(err, processes.ErrWrongState) {
			if setErr := m.store.SetState(ctx, id, types.StateFailed); setErr != nil {
				m.logger.Error("Failed to persist failed state", "instanceID", id, "error", setErr)
			}
			m.logEvent(ctx, id, audit.EventStartFailed, err.Error())
		}
		return nil, err
	}
	return sup, nil
}

func (m *Manager) awaitStartup(sup *processes.Supervisor, callbackURL string) {
	ctx := context.Background()
	state := types.StateRunning
	if sup.AwaitStartup(ctx) {
		m.logEvent(ctx, sup.ID(), audit.EventStarted, "")
	} else {
		state = types.StateFailed
		// A stop or kill during startup owns the outcome.
		if instance, err := m.store.GetInstance(ctx, sup.ID()); err == nil && instance.State == types.StateStopped {
			state = types.StateStopped
		} else {
			m.logEvent(ctx, sup.ID(), audit.EventStartFailed, "server did not report ready")
		}
	}

	if callbackURL == "" || m.notifier == nil {
		return
	}
	m.notifier.NotifyAsync(callbackURL, callbacks.Payload{ServerID: sup.ID(), State: state})
}

// Stop shuts the game server down and waits for it to exit.
func (m *Manager) Stop(ctx context.Context, id int64) (*types.Instance, error) {
	_, sup, err := m.supervisor(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := sup.Stop(ctx); err != nil {
		if errors.Is(err, processes.ErrShutdownTimeout) {
			m.logEvent(ctx, id, audit.EventStopTimeout, err.Error())
		}
		return nil, err
	}
	m.logEvent(ctx, id, audit.EventStopped, "")
	return m.store.GetInstance(ctx, id)
}

// Kill terminates the game server without a graceful shutdown.
func (m *Manager) Kill(ctx context.Context, id int64) (*types.Instance, error) {
	_, sup, err := m.supervisor(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := sup.Kill(ctx); err != nil {
		return nil, err
	}
	m.logEvent(ctx, id, audit.EventKilled, "")
	return m.store.GetInstance(ctx, id)
}

// SendCommand writes one line of input to the game server.
func (m *Manager) SendCommand(ctx context.Context, id int64, command string) error {
	_, sup, err := m.supervisor(ctx, id)
	if err != nil {
		return err
	}
	if err := sup.SendCommand(command); err != nil {
		return err
	}
	m.logEvent(ctx, id, audit.EventCommand, command)
	return nil
}

// Output returns up to count of the most recent output lines.
func (m *Manager) Output(ctx context.Context, id int64, count int) ([]processes.OutputLine, error) {
	_, sup, err := m.supervisor(ctx, id)
	if err != nil {
		return nil, err
	}
	return sup.Output().Latest(count), nil
}

// Events returns the lifecycle history of an instance, newest first.
func (m *Manager) Events(ctx context.Context, id int64, limit int) ([]audit.Event, error) {
	if _, err := m.store.GetInstance(ctx, id); err != nil {
		return nil, err
	}
	if m.events == nil {
		return []audit.Event{}, nil
	}
	if limit <= 0 || limit > MaxListLimit {
		limit = MaxListLimit
	}
	return m.events.EventsByInstance(ctx, id, limit)
}

// Delete removes a stopped instance, its game data and its Supervisor.
func (m *Manager) Delete(ctx context.Context, id int64) error {
	unlock := m.lockInstance(id)
	defer unlock()

	instance, sup, err := m.supervisor(ctx, id)
	if err != nil {
		return err
	}
	if sup.Alive() {
		return fmt.Errorf("%w: cannot delete a live server, current state: %s", processes.ErrWrongState, instance.State)
	}
	if err := m.store.Delete(ctx, id); err != nil {
		return err
	}
	m.registry.Remove(id)
	m.locks.Delete(id)
	if err := m.gameData.Remove(id); err != nil {
		m.logger.Warn("Failed to remove game data", "instanceID", id, "error", err)
	}
	m.logEvent(ctx, id, audit.EventDeleted, "")
	m.logger.Info("Deleted server", "instanceID", id)
	return nil
}

// Reconcile rebuilds the registry from persisted instances and restarts the
// ones that were live when the host last went down.
func (m *Manager) Reconcile(ctx context.Context) (*processes.ReconcileResult, error) {
	result, err := m.registry.Reconcile(ctx)
	if err != nil {
		return nil, err
	}
	for _, id := range result.Restarted {
		m.logEvent(ctx, id, audit.EventRestarted, "")
	}
	for _, id := range result.Failed {
		m.logEvent(ctx, id, audit.EventStartFailed, "restart after host restart failed")
	}
	return result, nil
}

// Shutdown waits for in-flight background starts, then stops every running
// game server.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.background.Wait()
	return m.registry.Shutdown(ctx)
}

// Wait blocks until every background startup wait has finished.
func (m *Manager) Wait() {
	m.background.Wait()
}
