package visa

import (
	"net"
	"sort"
	"sync"
	"time"
)

// ResourceManager keeps track of known instrument addresses: the
// statically configured ones plus any reported at runtime (for example
// by a discovery listener).
type ResourceManager struct {
	mu        sync.Mutex
	addresses map[string]struct{}
}

func NewResourceManager(static []string) *ResourceManager {
	rm := ResourceManager{addresses: make(map[string]struct{})}
	for _, addr := range static {
		if addr != "" {
			rm.addresses[addr] = struct{}{}
		}
	}
	return &rm
}

// Add records an instrument address discovered at runtime.
func (rm *ResourceManager) Add(address string) {
	if address == "" {
		return
	}
	rm.mu.Lock()
	defer rm.mu.Unlock()
	rm.addresses[address] = struct{}{}
}

// ListResources returns the known instrument addresses, sorted.
func (rm *ResourceManager) ListResources() []string {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	list := make([]string, 0, len(rm.addresses))
	for addr := range rm.addresses {
		list = append(list, addr)
	}
	sort.Strings(list)
	return list
}

// Probe reports whether an instrument answers on the given address.
func (rm *ResourceManager) Probe(address string, timeout time.Duration) bool {
	hostPort, err := ParseResource(address)
	if err != nil {
		return false
	}
	conn, err := net.DialTimeout("tcp", hostPort, timeout)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}
