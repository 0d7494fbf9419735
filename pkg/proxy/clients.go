package proxy

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/sonnylloyd/siprelay/pkg/metrics"
	"github.com/sonnylloyd/siprelay/pkg/sip"
)

// DefaultClientTimeout is the sliding inactivity window after which a
// correlation entry is evicted.
const DefaultClientTimeout = 30 * time.Second

// ClientInfo records where the response for a Call-ID must be sent and what
// origin it is expected from.
type ClientInfo struct {
	// Address and Port locate the original requester (datagram transports).
	Address string
	Port    int

	// Branch and RPort come from the requester's top Via and are restored
	// onto the response before it is sent back.
	Branch string
	RPort  bool

	// ProxyBranch is the branch this proxy stamped on the forwarded
	// request; a matching response must carry it in its top Via.
	ProxyBranch string

	// UpstreamKey identifies the backend ("ip:port") the response is
	// expected from.
	UpstreamKey string

	// RespConnID is the stream connection owning the original request;
	// responses are written back on it, never by address lookup.
	RespConnID string

	// ExpectConnID is the stream connection the response is expected to
	// arrive on.
	ExpectConnID string

	deadline time.Time
}

// StoreOptions carries the optional fields of a Store call. Zero-valued
// fields leave the existing entry's values in place.
type StoreOptions struct {
	// Request derives Branch and RPort from the request's top Via.
	Request *sip.Message

	// Branch and RPort override the values derived from Request.
	Branch string
	RPort  *bool

	ProxyBranch  string
	UpstreamKey  string
	RespConnID   string
	ExpectConnID string
}

// ClientTable maps Call-ID to ClientInfo so a later response on either
// transport can be routed back to the original requester. Entries expire
// after a sliding inactivity window, swept periodically.
type ClientTable struct {
	mu      sync.Mutex
	entries map[string]*ClientInfo
	ttl     time.Duration
	logger  *logrus.Logger
	now     func() time.Time
}

// NewClientTable creates an empty correlation table with the given sliding
// timeout; zero or negative selects the default.
func NewClientTable(ttl time.Duration, logger *logrus.Logger) *ClientTable {
	if ttl <= 0 {
		ttl = DefaultClientTimeout
	}
	return &ClientTable{
		entries: make(map[string]*ClientInfo),
		ttl:     ttl,
		logger:  logger,
		now:     time.Now,
	}
}

// Store merges the given fields into the entry for callID, creating it if
// absent, and restarts its inactivity window.
func (t *ClientTable) Store(callID, address string, port int, opts StoreOptions) {
	t.mu.Lock()
	defer t.mu.Unlock()

	entry, ok := t.entries[callID]
	if !ok {
		entry = &ClientInfo{}
		t.entries[callID] = entry
		metrics.SetCorrelations(len(t.entries))
	}

	entry.Address = address
	entry.Port = port

	if opts.Request != nil {
		if topVia := opts.Request.TopVia(); topVia != "" {
			if branch := sip.BranchFromVia(topVia); branch != "" {
				entry.Branch = branch
			}
			entry.RPort = sip.HasRPort(topVia)
		}
	}
	if opts.Branch != "" {
		entry.Branch = opts.Branch
	}
	if opts.RPort != nil {
		entry.RPort = *opts.RPort
	}
	if opts.ProxyBranch != "" {
		entry.ProxyBranch = opts.ProxyBranch
	}
	if opts.UpstreamKey != "" {
		entry.UpstreamKey = opts.UpstreamKey
	}
	if opts.RespConnID != "" {
		entry.RespConnID = opts.RespConnID
	}
	if opts.ExpectConnID != "" {
		entry.ExpectConnID = opts.ExpectConnID
	}

	entry.deadline = t.now().Add(t.ttl)

	t.logger.WithFields(logrus.Fields{
		"call_id": callID,
		"client":  address,
		"port":    port,
	}).Debug("Stored client correlation")
}

// Get returns a copy of the entry for callID and restarts its inactivity
// window. Absence is an expected outcome, not an error.
func (t *ClientTable) Get(callID string) (ClientInfo, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	entry, ok := t.entries[callID]
	if !ok {
		return ClientInfo{}, false
	}
	if !entry.deadline.After(t.now()) {
		delete(t.entries, callID)
		metrics.SetCorrelations(len(t.entries))
		return ClientInfo{}, false
	}

	entry.deadline = t.now().Add(t.ttl)
	return *entry, true
}

// Remove deletes the entry for callID; idempotent.
func (t *ClientTable) Remove(callID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.entries[callID]; ok {
		delete(t.entries, callID)
		metrics.SetCorrelations(len(t.entries))
	}
}

// PurgeConn removes every entry owned by the given stream connection so no
// response gets routed onto a dead connection. It returns how many entries
// were purged.
func (t *ClientTable) PurgeConn(connID string) int {
	if connID == "" {
		return 0
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	purged := 0
	for callID, entry := range t.entries {
		if entry.RespConnID == connID {
			delete(t.entries, callID)
			purged++
		}
	}
	if purged > 0 {
		metrics.SetCorrelations(len(t.entries))
	}
	return purged
}

// Sweep evicts entries whose inactivity window has passed and returns how
// many were evicted.
func (t *ClientTable) Sweep() int {
	now := t.now()

	t.mu.Lock()
	defer t.mu.Unlock()

	evicted := 0
	for callID, entry := range t.entries {
		if !entry.deadline.After(now) {
			delete(t.entries, callID)
			evicted++
			t.logger.WithField("call_id", callID).Warn("Client correlation timed out")
		}
	}
	if evicted > 0 {
		metrics.SetCorrelations(len(t.entries))
	}
	return evicted
}

// Len returns the number of live entries.
func (t *ClientTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// StartSweeper evicts expired entries on the given interval until the
// context is canceled.
func (t *ClientTable) StartSweeper(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				t.Sweep()
			}
		}
	}()
}
