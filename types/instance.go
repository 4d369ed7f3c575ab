package types

// State is the persisted lifecycle state of a game server instance.
type State string

const (
	StateCreated  State = "created"
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateStopped  State = "stopped"
	StateFailed   State = "failed"
)

// Startable reports whether a start request may be accepted from this state.
func (s State) Startable() bool {
	switch s {
	case StateCreated, StateStopped, StateFailed:
		return true
	}
	return false
}

// InFlight reports whether the state indicates a child process that should be
// live. After an unclean shutdown these instances are restarted at boot.
func (s State) InFlight() bool {
	return s == StateRunning || s == StateStarting
}

// Instance is the persisted record for one hosted game server.
type Instance struct {
	ID           int64   `db:"id" json:"id"`
	Address      string  `db:"address" json:"address"`
	Port         *int    `db:"port" json:"port"`
	Initialized  bool    `db:"initialized" json:"initialized"`
	State        State   `db:"state" json:"state"`
	ProcessID    *int    `db:"process_id" json:"-"`
	GameFileName *string `db:"archipelago_file_name" json:"-"`
	CreatedAt    int64   `db:"created_at" json:"-"`
	UpdatedAt    int64   `db:"updated_at" json:"-"`
}

// PortOrZero returns the assigned port, or 0 if none has been assigned.
func (i *Instance) PortOrZero() int {
	if i.Port == nil {
		return 0
	}
	return *i.Port
}
