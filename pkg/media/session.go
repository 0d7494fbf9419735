package media

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

// Endpoint is a remote RTP address taken from a session description.
type Endpoint struct {
	IP   string
	Port int
}

func (e Endpoint) udpAddr() *net.UDPAddr {
	return &net.UDPAddr{IP: net.ParseIP(e.IP), Port: e.Port}
}

// relayLeg is one side of a media session: the local socket that side's peer
// sends RTP to, and the peer's own media address. The remote latches onto the
// source of the first packet seen so NATed peers are reached where they
// actually send from, not where their SDP claims.
type relayLeg struct {
	conn *net.UDPConn
	port int

	mu     sync.Mutex
	remote *net.UDPAddr
}

func (l *relayLeg) setRemote(addr *net.UDPAddr) {
	l.mu.Lock()
	l.remote = addr
	l.mu.Unlock()
}

func (l *relayLeg) remoteAddr() *net.UDPAddr {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.remote
}

// Session shuttles RTP between a caller and a callee through two local
// sockets, one advertised to each peer. It closes itself after a period of
// inactivity on both directions.
type Session struct {
	callID string
	logger *logrus.Logger

	caller *relayLeg
	callee *relayLeg

	inactivityTimeout time.Duration
	lastActivity      atomic.Int64

	closeOnce sync.Once
	done      chan struct{}
	onClose   func(*Session)
}

func newSession(callID string, caller, callee *relayLeg, inactivityTimeout time.Duration, onClose func(*Session), logger *logrus.Logger) *Session {
	s := &Session{
		callID:            callID,
		logger:            logger,
		caller:            caller,
		callee:            callee,
		inactivityTimeout: inactivityTimeout,
		done:              make(chan struct{}),
		onClose:           onClose,
	}
	s.touch()
	return s
}

// CallID returns the signaling dialog this session belongs to.
func (s *Session) CallID() string {
	return s.callID
}

func (s *Session) run() {
	go s.relay(s.caller, s.callee)
	go s.relay(s.callee, s.caller)
	go s.watchInactivity()

	s.logger.WithFields(logrus.Fields{
		"call_id":     s.callID,
		"caller_port": s.caller.port,
		"callee_port": s.callee.port,
	}).Info("Started media relay session")
}

// relay reads packets arriving from one peer and forwards them to the other.
// The forwarding socket is the one the destination peer already sends to, so
// it sees our traffic from the address it targets.
func (s *Session) relay(from, to *relayLeg) {
	buf := make([]byte, 2048)
	for {
		n, addr, err := from.conn.ReadFromUDP(buf)
		if err != nil {
			return
		}
		s.touch()
		from.setRemote(addr)

		dst := to.remoteAddr()
		if dst == nil || dst.IP == nil {
			continue
		}
		if _, err := to.conn.WriteToUDP(buf[:n], dst); err != nil {
			s.logger.WithError(err).WithField("call_id", s.callID).Debug("Media forward failed")
		}
	}
}

func (s *Session) touch() {
	s.lastActivity.Store(time.Now().UnixNano())
}

func (s *Session) watchInactivity() {
	interval := s.inactivityTimeout / 3
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			last := time.Unix(0, s.lastActivity.Load())
			if time.Since(last) > s.inactivityTimeout {
				s.logger.WithField("call_id", s.callID).Info("Media session timed out, closing")
				s.Close()
				return
			}
		}
	}
}

// Close tears the session down; idempotent.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
		s.caller.conn.Close()
		s.callee.conn.Close()
		if s.onClose != nil {
			s.onClose(s)
		}
	})
}
