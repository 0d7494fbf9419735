package registry

import (
	"sort"
	"sync"

	"github.com/sonnylloyd/siprelay/pkg/metrics"
)

// MemoryRegistry is the in-memory Registry implementation. The watcher writes
// from its own goroutine while both proxy engines read, so access is guarded
// by an RWMutex.
type MemoryRegistry struct {
	mu      sync.RWMutex
	records map[string]Record
}

// NewMemoryRegistry creates an empty in-memory registry.
func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{
		records: make(map[string]Record),
	}
}

// Resolve returns the record for a hostname.
func (r *MemoryRegistry) Resolve(hostname string) (Record, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	record, ok := r.records[hostname]
	return record, ok
}

// ReverseResolveByIP returns the hostname whose record carries the given IP.
func (r *MemoryRegistry) ReverseResolveByIP(ip string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for hostname, record := range r.records {
		if record.IP == ip {
			return hostname, true
		}
	}
	return "", false
}

// All returns every route ordered by hostname.
func (r *MemoryRegistry) All() []Route {
	r.mu.RLock()
	defer r.mu.RUnlock()

	routes := make([]Route, 0, len(r.records))
	for hostname, record := range r.records {
		routes = append(routes, Route{Hostname: hostname, Record: record})
	}
	sort.Slice(routes, func(i, j int) bool {
		return routes[i].Hostname < routes[j].Hostname
	})
	return routes
}

// Add inserts or replaces a record.
func (r *MemoryRegistry) Add(hostname string, record Record) {
	r.mu.Lock()
	r.records[hostname] = record
	size := len(r.records)
	r.mu.Unlock()

	metrics.SetBackendRoutes(size)
}

// Update replaces an existing record; it reports false when the hostname is
// unknown.
func (r *MemoryRegistry) Update(hostname string, record Record) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.records[hostname]; !ok {
		return false
	}
	r.records[hostname] = record
	return true
}

// Delete removes a record; it reports whether one existed.
func (r *MemoryRegistry) Delete(hostname string) bool {
	r.mu.Lock()
	_, ok := r.records[hostname]
	delete(r.records, hostname)
	size := len(r.records)
	r.mu.Unlock()

	metrics.SetBackendRoutes(size)
	return ok
}
