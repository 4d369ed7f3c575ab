package processes

import (
	"context"
	"fmt"
	"sync"
)

// PortSource lists the ports already assigned to instances. Implementations
// must return every assigned port >= from in ascending order.
type PortSource interface {
	AssignedPorts(ctx context.Context, from int) ([]int, error)
}

// PortManager hands out TCP ports for game servers from a fixed range. It keeps
// no allocation table of its own; the persisted port assignments are the
// source of truth and the lowest unassigned port is always chosen.
type PortManager struct {
	mu      sync.Mutex
	minPort int
	maxPort int
}

// NewPortManager creates a new PortManager for the inclusive range
// [minPort, maxPort].
func NewPortManager(minPort, maxPort int) (*PortManager, error) {
	if minPort <= 0 || maxPort <= 0 || minPort > maxPort || maxPort > 65535 {
		return nil, fmt.Errorf("invalid port range: min %d, max %d", minPort, maxPort)
	}
	return &PortManager{
		minPort: minPort,
		maxPort: maxPort,
	}, nil
}

// Range returns the configured inclusive port range.
func (pm *PortManager) Range() (int, int) {
	return pm.minPort, pm.maxPort
}

// AllocatePort returns the lowest port in range not present in src. Nothing is
// reserved; use Reserve when the result is about to be persisted.
func (pm *PortManager) AllocatePort(ctx context.Context, src PortSource) (int, error) {
	assigned, err := src.AssignedPorts(ctx, pm.minPort)
	if err != nil {
		return 0, fmt.Errorf("failed to read assigned ports: %w", err)
	}
	port, ok := lowestFreePort(assigned, pm.minPort, pm.maxPort)
	if !ok {
		return 0, fmt.Errorf("%w [%d-%d]", ErrPortsExhausted, pm.minPort, pm.maxPort)
	}
	return port, nil
}

// Reserve allocates a port and calls persist with it while holding the
// manager's lock, so that two concurrent reservations cannot observe the same
// gap. src and persist should share one transaction.
func (pm *PortManager) Reserve(ctx context.Context, src PortSource, persist func(port int) error) (int, error) {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	port, err := pm.AllocatePort(ctx, src)
	if err != nil {
		return 0, err
	}
	if err := persist(port); err != nil {
		return 0, err
	}
	return port, nil
}

// lowestFreePort walks the ascending assigned ports looking for the first gap
// above minPort-1. assigned must be sorted and contain no ports below minPort.
func lowestFreePort(assigned []int, minPort, maxPort int) (int, bool) {
	last := minPort - 1
	for _, port := range assigned {
		if port != last+1 {
			break
		}
		last = port
	}
	if last+1 > maxPort {
		return 0, false
	}
	return last + 1, true
}
