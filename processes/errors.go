package processes

import "errors"

var (
	// ErrNotInitialized is returned when a start is attempted before the game
	// data payload has been uploaded.
	ErrNotInitialized = errors.New("server not initialized")
	// ErrWrongState is returned when an operation is invalid for the current
	// lifecycle state. It is always wrapped with the offending state.
	ErrWrongState = errors.New("server in wrong state")
	// ErrProcessNotRunning is returned when a command is sent with no live child.
	ErrProcessNotRunning = errors.New("the process is not running, cannot send cmd")
	// ErrShutdownTimeout is returned by Stop when the child did not exit within
	// the shutdown bound.
	ErrShutdownTimeout = errors.New("server did not shut down cleanly")
	// ErrPortsExhausted is returned when every port in the configured range is
	// assigned.
	ErrPortsExhausted = errors.New("no available ports in range")
)
