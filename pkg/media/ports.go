package media

import (
	"fmt"
	"net"
	"sync"
)

// PortManager hands out RTP ports from a configured range. Allocation probes
// the port with a real bind while the lock is held so two goroutines cannot
// claim the same port.
type PortManager struct {
	minPort   int
	maxPort   int
	mu        sync.Mutex
	usedPorts map[int]bool
}

// NewPortManager creates a port manager over [minPort, maxPort]. Invalid
// bounds fall back to a common RTP range.
func NewPortManager(minPort, maxPort int) *PortManager {
	if minPort <= 0 || maxPort <= 0 || minPort >= maxPort {
		minPort = 10000
		maxPort = 20000
	}
	return &PortManager{
		minPort:   minPort,
		maxPort:   maxPort,
		usedPorts: make(map[int]bool),
	}
}

// Allocate binds a free even port from the range and returns it together with
// the bound socket.
func (pm *PortManager) Allocate() (int, *net.UDPConn, error) {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	for port := pm.minPort; port <= pm.maxPort; port += 2 {
		if pm.usedPorts[port] {
			continue
		}
		conn, err := net.ListenUDP("udp", &net.UDPAddr{Port: port})
		if err != nil {
			continue
		}
		pm.usedPorts[port] = true
		return port, conn, nil
	}

	return 0, nil, fmt.Errorf("no free RTP ports in range %d-%d", pm.minPort, pm.maxPort)
}

// Release marks a previously allocated port as free again. The caller closes
// the socket.
func (pm *PortManager) Release(port int) {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	delete(pm.usedPorts, port)
}

// UsedCount returns the number of currently allocated ports.
func (pm *PortManager) UsedCount() int {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	return len(pm.usedPorts)
}
