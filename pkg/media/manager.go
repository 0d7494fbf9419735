package media

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/sonnylloyd/siprelay/pkg/metrics"
	"github.com/sonnylloyd/siprelay/pkg/sip"
)

const defaultInactivityTimeout = 30 * time.Second

// pendingOffer holds the caller side of a media session between the INVITE
// and its 2xx answer: the caller's own media address and the local socket the
// callee was told to send to.
type pendingOffer struct {
	callerEndpoint Endpoint
	port           int
	leg            *relayLeg
	created        time.Time
}

// Manager owns RTP relay sessions keyed by Call-ID. It is driven from the
// signaling path: INVITE offers reserve the callee-facing socket, the 2xx
// answer completes the session, BYE tears it down.
type Manager struct {
	relayIP           string
	ports             *PortManager
	inactivityTimeout time.Duration
	logger            *logrus.Logger

	mu       sync.Mutex
	sessions map[string]*Session
	pending  map[string]*pendingOffer
}

// NewManager creates a media relay manager advertising relayIP in rewritten
// session descriptions.
func NewManager(relayIP string, portMin, portMax int, inactivityTimeout time.Duration, logger *logrus.Logger) *Manager {
	if inactivityTimeout <= 0 {
		inactivityTimeout = defaultInactivityTimeout
	}
	return &Manager{
		relayIP:           relayIP,
		ports:             NewPortManager(portMin, portMax),
		inactivityTimeout: inactivityTimeout,
		logger:            logger,
		sessions:          make(map[string]*Session),
		pending:           make(map[string]*pendingOffer),
	}
}

// RewriteRequest intercepts an INVITE carrying a media offer: it reserves the
// socket the callee will send RTP to and redirects the offer's media address
// there. It reports whether the message was rewritten; callers fall back to
// plain address rewriting when it was not.
func (m *Manager) RewriteRequest(callID string, msg *sip.Message) (bool, error) {
	if callID == "" || !strings.EqualFold(msg.Method(), "INVITE") {
		return false, nil
	}

	address, port, ok := sip.SDPMediaAddress(msg.Body)
	if !ok {
		return false, nil
	}

	localPort, conn, err := m.ports.Allocate()
	if err != nil {
		return false, err
	}

	if err := msg.UpdateSDPEndpoint(m.relayIP, localPort); err != nil {
		conn.Close()
		m.ports.Release(localPort)
		return false, err
	}

	offer := &pendingOffer{
		callerEndpoint: Endpoint{IP: address, Port: port},
		port:           localPort,
		leg:            &relayLeg{conn: conn, port: localPort},
		created:        time.Now(),
	}

	m.mu.Lock()
	if old, ok := m.pending[callID]; ok {
		old.leg.conn.Close()
		m.ports.Release(old.port)
	}
	m.pending[callID] = offer
	m.mu.Unlock()

	m.logger.WithFields(logrus.Fields{
		"call_id":    callID,
		"caller":     address,
		"relay_port": localPort,
	}).Debug("Reserved media relay port for offer")

	return true, nil
}

// RewriteResponse completes a pending offer from the matching answer: it
// reserves the socket the caller will send RTP to, redirects the answer's
// media address there, and starts relaying. Non-2xx finals for the INVITE
// abandon the pending offer.
func (m *Manager) RewriteResponse(callID string, msg *sip.Message) (bool, error) {
	if callID == "" || !strings.EqualFold(msg.CSeqMethod(), "INVITE") {
		return false, nil
	}

	status := msg.StatusCode()
	if status >= 300 {
		m.abandonPending(callID)
		return false, nil
	}
	if status < 200 {
		return false, nil
	}

	m.mu.Lock()
	offer, ok := m.pending[callID]
	if ok {
		delete(m.pending, callID)
	}
	m.mu.Unlock()
	if !ok {
		return false, nil
	}

	address, port, haveMedia := sip.SDPMediaAddress(msg.Body)
	if !haveMedia {
		offer.leg.conn.Close()
		m.ports.Release(offer.port)
		return false, nil
	}

	callerPort, callerConn, err := m.ports.Allocate()
	if err != nil {
		offer.leg.conn.Close()
		m.ports.Release(offer.port)
		return false, err
	}

	if err := msg.UpdateSDPEndpoint(m.relayIP, callerPort); err != nil {
		callerConn.Close()
		m.ports.Release(callerPort)
		offer.leg.conn.Close()
		m.ports.Release(offer.port)
		return false, err
	}

	callerLeg := &relayLeg{conn: callerConn, port: callerPort, remote: offer.callerEndpoint.udpAddr()}
	calleeLeg := offer.leg
	calleeLeg.setRemote(Endpoint{IP: address, Port: port}.udpAddr())

	session := newSession(callID, callerLeg, calleeLeg, m.inactivityTimeout, m.removeSession, m.logger)

	m.mu.Lock()
	if old, exists := m.sessions[callID]; exists {
		go old.Close()
	}
	m.sessions[callID] = session
	size := len(m.sessions)
	m.mu.Unlock()

	metrics.SetMediaSessions(size)
	session.run()
	return true, nil
}

// End closes the session for a dialog, typically on BYE; idempotent.
func (m *Manager) End(callID string) {
	m.abandonPending(callID)

	m.mu.Lock()
	session, ok := m.sessions[callID]
	m.mu.Unlock()

	if ok {
		session.Close()
	}
}

// removeSession is the session close hook: it unregisters the session and
// returns its ports to the pool.
func (m *Manager) removeSession(s *Session) {
	m.mu.Lock()
	if current, ok := m.sessions[s.callID]; ok && current == s {
		delete(m.sessions, s.callID)
	}
	size := len(m.sessions)
	m.mu.Unlock()

	m.ports.Release(s.caller.port)
	m.ports.Release(s.callee.port)
	metrics.SetMediaSessions(size)
}

func (m *Manager) abandonPending(callID string) {
	m.mu.Lock()
	offer, ok := m.pending[callID]
	if ok {
		delete(m.pending, callID)
	}
	m.mu.Unlock()

	if ok {
		offer.leg.conn.Close()
		m.ports.Release(offer.port)
	}
}

// PurgeStalePending abandons offers whose answer never arrived and returns
// how many were dropped.
func (m *Manager) PurgeStalePending() int {
	cutoff := time.Now().Add(-m.inactivityTimeout)

	m.mu.Lock()
	var stale []string
	for callID, offer := range m.pending {
		if offer.created.Before(cutoff) {
			stale = append(stale, callID)
		}
	}
	m.mu.Unlock()

	for _, callID := range stale {
		m.abandonPending(callID)
	}
	return len(stale)
}

// StartSweeper purges stale pending offers on the given interval until the
// context is canceled.
func (m *Manager) StartSweeper(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.PurgeStalePending()
			}
		}
	}()
}

// Count returns the number of active relay sessions.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Shutdown closes every session and pending offer.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	var pending []string
	for callID := range m.pending {
		pending = append(pending, callID)
	}
	m.mu.Unlock()

	for _, s := range sessions {
		s.Close()
	}
	for _, callID := range pending {
		m.abandonPending(callID)
	}
}
