package registration

import (
	"context"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/sonnylloyd/siprelay/pkg/events"
	"github.com/sonnylloyd/siprelay/pkg/sip"
)

// DefaultExpirySeconds applies when a 2xx REGISTER response carries no
// expiry information at all (RFC 3261 recommended default).
const DefaultExpirySeconds = 3600

const defaultPendingTTL = 30 * time.Second

var contactExpiresRe = regexp.MustCompile(`(?i);expires=(\d+)`)

// pendingRegistration bridges a relayed REGISTER request to its eventual
// response; the deadline guards against a response that never arrives.
type pendingRegistration struct {
	domain        string
	user          string
	clientAddress string
	clientPort    int
	contact       string
	deadline      time.Time
}

// Service turns observed REGISTER request/response pairs into registration
// store mutations. Only the response carries the authoritative expiry, so a
// request alone never commits a binding.
type Service struct {
	mu      sync.Mutex
	pending map[string]pendingRegistration

	store     *Store
	logger    *logrus.Logger
	publisher events.Publisher
	ttl       time.Duration
	now       func() time.Time
}

// NewService creates a registration service over the given store.
// publisher may be nil when event publishing is disabled.
func NewService(store *Store, logger *logrus.Logger, publisher events.Publisher, ttl time.Duration) *Service {
	if ttl <= 0 {
		ttl = defaultPendingTTL
	}
	if publisher == nil {
		publisher = events.NoopPublisher{}
	}
	return &Service{
		pending:   make(map[string]pendingRegistration),
		store:     store,
		logger:    logger,
		publisher: publisher,
		ttl:       ttl,
		now:       time.Now,
	}
}

// TrackRequest records a pending registration for a relayed REGISTER
// request. The address-of-record comes from the To header, falling back to
// the request target.
func (s *Service) TrackRequest(callID string, msg *sip.Message, clientAddress string, clientPort int) {
	if callID == "" {
		return
	}

	user, domain, ok := msg.AddressOfRecord()
	if !ok {
		user = msg.TargetUser()
		domain = msg.TargetHost()
	}
	if user == "" || domain == "" {
		s.logger.WithField("call_id", callID).Warn("Unable to extract AoR from REGISTER request")
		return
	}

	s.mu.Lock()
	s.pending[callID] = pendingRegistration{
		domain:        domain,
		user:          user,
		clientAddress: clientAddress,
		clientPort:    clientPort,
		contact:       msg.FirstHeader("Contact"),
		deadline:      s.now().Add(s.ttl),
	}
	s.mu.Unlock()
}

// HandleResponse resolves a pending registration against its response. It is
// a no-op for unknown Call-IDs; non-REGISTER or non-2xx responses just clear
// the pending entry.
func (s *Service) HandleResponse(callID string, msg *sip.Message) {
	if callID == "" {
		return
	}

	s.mu.Lock()
	pending, ok := s.pending[callID]
	if ok {
		delete(s.pending, callID)
	}
	s.mu.Unlock()

	if !ok || !pending.deadline.After(s.now()) {
		return
	}

	if !strings.EqualFold(msg.CSeqMethod(), "REGISTER") {
		return
	}

	status := msg.StatusCode()
	if status < 200 || status >= 300 {
		return
	}

	expires := registrationExpiry(msg)

	aor := logrus.Fields{
		"user":   pending.user,
		"domain": pending.domain,
	}

	if expires == 0 {
		if s.store.Remove(pending.domain, pending.user) {
			s.logger.WithFields(aor).Info("Removed registration")
			s.publisher.Publish(events.Event{
				Type:   events.TypeRegistrationRemoved,
				User:   pending.user,
				Domain: pending.domain,
			})
		}
		return
	}

	contact := msg.FirstHeader("Contact")
	if contact == "" {
		contact = pending.contact
	}

	binding := Binding{
		Domain:        pending.domain,
		User:          pending.user,
		ClientAddress: pending.clientAddress,
		ClientPort:    pending.clientPort,
		Contact:       contact,
		ExpiresAt:     s.now().Add(time.Duration(expires) * time.Second),
	}
	s.store.Upsert(binding)

	s.logger.WithFields(aor).WithFields(logrus.Fields{
		"client":  pending.clientAddress,
		"port":    pending.clientPort,
		"expires": expires,
	}).Info("Stored registration")

	s.publisher.Publish(events.Event{
		Type:          events.TypeRegistrationStored,
		User:          pending.user,
		Domain:        pending.domain,
		ClientAddress: pending.clientAddress,
		ClientPort:    pending.clientPort,
		ExpiresAt:     binding.ExpiresAt.UnixMilli(),
	})
}

// PurgeExpiredPending drops pending registrations whose response never
// arrived; it returns how many were dropped.
func (s *Service) PurgeExpiredPending() int {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	purged := 0
	for callID, pending := range s.pending {
		if !pending.deadline.After(now) {
			delete(s.pending, callID)
			purged++
		}
	}
	return purged
}

// StartSweeper purges expired pending entries on the given interval until
// the context is canceled.
func (s *Service) StartSweeper(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.PurgeExpiredPending()
			}
		}
	}()
}

// registrationExpiry resolves the effective expiry of a 2xx REGISTER
// response in seconds. Precedence: a wildcard Contact pairs with the
// top-level Expires header (absent means 0, i.e. unregister-all); otherwise
// the first Contact carrying ;expires= wins; otherwise the top-level
// Expires header; otherwise the protocol default.
func registrationExpiry(msg *sip.Message) int {
	for _, contact := range msg.Header("Contact") {
		if strings.Contains(contact, "*") {
			if value, ok := topLevelExpires(msg); ok {
				return value
			}
			return 0
		}
		if match := contactExpiresRe.FindStringSubmatch(contact); match != nil {
			if value, err := strconv.Atoi(match[1]); err == nil {
				return value
			}
		}
	}

	if value, ok := topLevelExpires(msg); ok {
		return value
	}
	return DefaultExpirySeconds
}

func topLevelExpires(msg *sip.Message) (int, bool) {
	raw := msg.FirstHeader("Expires")
	if raw == "" {
		return 0, false
	}
	value, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, false
	}
	return value, true
}
