package processes

import (
	"bufio"
	"io"
	"log/slog"
	"strings"
	"sync"
)

const maxLineSize = 1024 * 1024

// LineFunc receives one whitespace-trimmed line of child output.
type LineFunc func(line string)

type namedCallback struct {
	name string
	fn   LineFunc
}

// Stream fans out the lines read from one of a child's output pipes to the
// callbacks registered on it. Synchronous callbacks run in registration order
// on the reader goroutine; asynchronous callbacks are each launched on their
// own goroutine and never awaited.
type Stream struct {
	name   string
	logger *slog.Logger

	mu        sync.RWMutex
	callbacks []namedCallback
	async     []namedCallback
}

// NewStream creates an empty stream. name is used in log output ("stdout",
// "stderr").
func NewStream(name string, logger *slog.Logger) *Stream {
	if logger == nil {
		logger = slog.Default()
	}
	return &Stream{
		name:   name,
		logger: logger,
	}
}

// Name returns the stream name.
func (s *Stream) Name() string {
	return s.name
}

// AddCallback registers a synchronous callback. Registering an existing name
// replaces its function in place.
func (s *Stream) AddCallback(name string, fn LineFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.callbacks = upsertCallback(s.callbacks, name, fn)
}

// AddAsyncCallback registers an asynchronous callback.
func (s *Stream) AddAsyncCallback(name string, fn LineFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.async = upsertCallback(s.async, name, fn)
}

// RemoveCallback deregisters a synchronous callback, reporting whether it was
// registered.
func (s *Stream) RemoveCallback(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	var removed bool
	s.callbacks, removed = removeCallback(s.callbacks, name)
	return removed
}

// RemoveAsyncCallback deregisters an asynchronous callback.
func (s *Stream) RemoveAsyncCallback(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	var removed bool
	s.async, removed = removeCallback(s.async, name)
	return removed
}

// HasCallback reports whether a synchronous callback is registered under name.
func (s *Stream) HasCallback(name string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, cb := range s.callbacks {
		if cb.name == name {
			return true
		}
	}
	return false
}

// Dispatch delivers one line to every registered callback. The registries are
// snapshotted first so a callback may add or remove callbacks, including
// itself.
func (s *Stream) Dispatch(line string) {
	s.mu.RLock()
	callbacks := make([]namedCallback, len(s.callbacks))
	copy(callbacks, s.callbacks)
	async := make([]namedCallback, len(s.async))
	copy(async, s.async)
	s.mu.RUnlock()

	for _, cb := range callbacks {
		cb.fn(line)
	}

	for _, cb := range async {
		go s.runAsync(cb, line)
	}
}

func (s *Stream) runAsync(cb namedCallback, line string) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Debug("Async output callback panicked", "stream", s.name, "callback", cb.name, "error", r)
		}
	}()
	cb.fn(line)
}

// Consume reads r line by line until EOF, dispatching each trimmed line. It
// returns the read error, if any; io.EOF is not an error.
func (s *Stream) Consume(r io.Reader) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	for scanner.Scan() {
		s.Dispatch(strings.TrimSpace(scanner.Text()))
	}
	return scanner.Err()
}

func upsertCallback(list []namedCallback, name string, fn LineFunc) []namedCallback {
	for i := range list {
		if list[i].name == name {
			list[i].fn = fn
			return list
		}
	}
	return append(list, namedCallback{name: name, fn: fn})
}

func removeCallback(list []namedCallback, name string) ([]namedCallback, bool) {
	for i := range list {
		if list[i].name == name {
			return append(list[:i], list[i+1:]...), true
		}
	}
	return list, false
}
