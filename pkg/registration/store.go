package registration

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sonnylloyd/siprelay/pkg/metrics"
)

// Binding maps an address-of-record to the client's current transport
// address. A binding is logically absent once ExpiresAt has passed.
type Binding struct {
	Domain        string    `json:"domain"`
	User          string    `json:"user"`
	ClientAddress string    `json:"client_address"`
	ClientPort    int       `json:"client_port"`
	Contact       string    `json:"contact,omitempty"`
	ExpiresAt     time.Time `json:"expires_at"`
}

// Store holds registration bindings keyed by lowercase (domain, user).
// Expired entries are purged lazily on read and by the periodic sweep.
type Store struct {
	mu       sync.Mutex
	bindings map[string]Binding
	now      func() time.Time
}

// NewStore creates an empty registration store.
func NewStore() *Store {
	return &Store{
		bindings: make(map[string]Binding),
		now:      time.Now,
	}
}

func bindingKey(domain, user string) string {
	return strings.ToLower(domain) + "|" + strings.ToLower(user)
}

// Upsert inserts or replaces a binding.
func (s *Store) Upsert(binding Binding) {
	s.mu.Lock()
	s.bindings[bindingKey(binding.Domain, binding.User)] = binding
	size := len(s.bindings)
	s.mu.Unlock()

	metrics.SetRegistrations(size)
}

// Get returns the live binding for an address-of-record. An expired entry is
// deleted on the spot and reported as absent.
func (s *Store) Get(domain, user string) (Binding, bool) {
	key := bindingKey(domain, user)

	s.mu.Lock()
	defer s.mu.Unlock()

	binding, ok := s.bindings[key]
	if !ok {
		return Binding{}, false
	}

	if !binding.ExpiresAt.After(s.now()) {
		delete(s.bindings, key)
		metrics.SetRegistrations(len(s.bindings))
		return Binding{}, false
	}

	return binding, true
}

// Remove deletes a binding; it reports whether one existed.
func (s *Store) Remove(domain, user string) bool {
	key := bindingKey(domain, user)

	s.mu.Lock()
	_, ok := s.bindings[key]
	delete(s.bindings, key)
	size := len(s.bindings)
	s.mu.Unlock()

	metrics.SetRegistrations(size)
	return ok
}

// PurgeExpired removes every binding past its expiry and returns how many
// were dropped.
func (s *Store) PurgeExpired() int {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	purged := 0
	for key, binding := range s.bindings {
		if !binding.ExpiresAt.After(now) {
			delete(s.bindings, key)
			purged++
		}
	}
	if purged > 0 {
		metrics.SetRegistrations(len(s.bindings))
	}
	return purged
}

// All returns the live bindings sorted by domain then user.
func (s *Store) All() []Binding {
	now := s.now()

	s.mu.Lock()
	bindings := make([]Binding, 0, len(s.bindings))
	for _, binding := range s.bindings {
		if binding.ExpiresAt.After(now) {
			bindings = append(bindings, binding)
		}
	}
	s.mu.Unlock()

	sort.Slice(bindings, func(i, j int) bool {
		if bindings[i].Domain != bindings[j].Domain {
			return bindings[i].Domain < bindings[j].Domain
		}
		return bindings[i].User < bindings[j].User
	})
	return bindings
}

// Len returns the number of stored bindings, including not-yet-purged
// expired ones.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.bindings)
}

// StartSweeper purges expired bindings on the given interval until the
// context is canceled.
func (s *Store) StartSweeper(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.PurgeExpired()
			}
		}
	}()
}
