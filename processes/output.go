package processes

import (
	"sync"
	"time"
)

// OutputLine is a single line captured from a game server's output streams.
type OutputLine struct {
	ID        int64     `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Source    string    `json:"source"` // "stdout" or "stderr"
	Message   string    `json:"message"`
}

// OutputBuffer keeps the most recent output lines of a game server.
type OutputBuffer struct {
	mu       sync.RWMutex
	entries  []OutputLine
	capacity int
	nextID   int64
}

// NewOutputBuffer creates a new output buffer holding at most capacity lines.
func NewOutputBuffer(capacity int) *OutputBuffer {
	if capacity <= 0 {
		capacity = defaultOutputBufferLines
	}
	return &OutputBuffer{
		entries:  make([]OutputLine, 0, capacity),
		capacity: capacity,
		nextID:   1,
	}
}

// Append adds a line, evicting the oldest one when full.
func (ob *OutputBuffer) Append(source, message string) {
	ob.mu.Lock()
	defer ob.mu.Unlock()

	if len(ob.entries) >= ob.capacity {
		ob.entries = ob.entries[1:]
	}
	ob.entries = append(ob.entries, OutputLine{
		ID:        ob.nextID,
		Timestamp: time.Now(),
		Source:    source,
		Message:   message,
	})
	ob.nextID++
}

// Latest returns up to count of the most recent lines, oldest first.
func (ob *OutputBuffer) Latest(count int) []OutputLine {
	ob.mu.RLock()
	defer ob.mu.RUnlock()

	if count <= 0 || len(ob.entries) == 0 {
		return []OutputLine{}
	}

	start := len(ob.entries) - count
	if start < 0 {
		start = 0
	}

	result := make([]OutputLine, len(ob.entries)-start)
	copy(result, ob.entries[start:])
	return result
}

// Since returns all lines with an ID greater than fromID.
func (ob *OutputBuffer) Since(fromID int64) []OutputLine {
	ob.mu.RLock()
	defer ob.mu.RUnlock()

	result := make([]OutputLine, 0)
	for _, entry := range ob.entries {
		if entry.ID > fromID {
			result = append(result, entry)
		}
	}
	return result
}

// Len returns the number of buffered lines.
func (ob *OutputBuffer) Len() int {
	ob.mu.RLock()
	defer ob.mu.RUnlock()
	return len(ob.entries)
}
