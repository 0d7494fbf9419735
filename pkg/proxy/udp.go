package proxy

import (
	"context"
	"net"

	"github.com/sirupsen/logrus"

	"github.com/sonnylloyd/siprelay/pkg/config"
	"github.com/sonnylloyd/siprelay/pkg/errors"
	"github.com/sonnylloyd/siprelay/pkg/media"
	"github.com/sonnylloyd/siprelay/pkg/metrics"
	"github.com/sonnylloyd/siprelay/pkg/registration"
	"github.com/sonnylloyd/siprelay/pkg/registry"
	"github.com/sonnylloyd/siprelay/pkg/sip"
)

// UDPProxy relays SIP datagrams between clients and registered backends on a
// single socket. Requests are forwarded by request target, responses routed
// back by Call-ID correlation.
type UDPProxy struct {
	base
	cfg *config.Config

	conn           *net.UDPConn
	advertisedPort int
}

// NewUDPProxy wires a UDP relay engine; mediaManager may be nil when RTP
// relaying is disabled.
func NewUDPProxy(cfg *config.Config, reg registry.Registry, registrations *registration.Store, regService *registration.Service, mediaManager *media.Manager, logger *logrus.Logger) *UDPProxy {
	return &UDPProxy{
		base: base{
			logger:        logger,
			registry:      reg,
			clients:       NewClientTable(cfg.SIP.ClientTimeout, logger),
			registrations: registrations,
			regService:    regService,
			mediaMode:     cfg.Media.Mode,
			media:         mediaManager,
			proxyIP:       cfg.SIP.ProxyIP,
		},
		cfg: cfg,
	}
}

// Start binds the UDP socket and begins serving until the context is
// canceled.
func (p *UDPProxy) Start(ctx context.Context) error {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{Port: p.cfg.SIP.UDPPort})
	if err != nil {
		return errors.Wrapf(err, "failed to listen on UDP port %d", p.cfg.SIP.UDPPort)
	}
	p.conn = conn

	p.advertisedPort = p.cfg.SIP.UDPPort
	if p.advertisedPort == 0 {
		p.advertisedPort = conn.LocalAddr().(*net.UDPAddr).Port
	}

	p.clients.StartSweeper(ctx, p.cfg.SIP.SweepInterval)

	go func() {
		<-ctx.Done()
		conn.Close()
	}()
	go p.readLoop(ctx)

	p.logger.WithField("port", p.advertisedPort).Info("SIP UDP proxy listening")
	return nil
}

// LocalAddr returns the bound socket address; nil before Start.
func (p *UDPProxy) LocalAddr() net.Addr {
	if p.conn == nil {
		return nil
	}
	return p.conn.LocalAddr()
}

// Clients exposes the correlation table (shared with the dashboard).
func (p *UDPProxy) Clients() *ClientTable {
	return p.clients
}

func (p *UDPProxy) readLoop(ctx context.Context) {
	buf := make([]byte, 65535)
	for {
		n, raddr, err := p.conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() == nil {
				p.logger.WithError(err).Error("UDP read failed, stopping proxy")
			}
			return
		}
		p.handlePacket(string(buf[:n]), raddr)
	}
}

// handlePacket is the per-message fault boundary: one bad datagram must not
// take the relay down.
func (p *UDPProxy) handlePacket(data string, raddr *net.UDPAddr) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.WithFields(logrus.Fields{
				"panic":  r,
				"source": raddr.String(),
			}).Error("Recovered from panic while handling UDP packet")
		}
	}()

	msg := sip.Parse(data)
	if msg.IsResponse() {
		p.handleResponse(msg, raddr)
	} else {
		p.handleRequest(msg, raddr)
	}
}

func (p *UDPProxy) handleRequest(msg *sip.Message, raddr *net.UDPAddr) {
	callID := msg.CallID()
	method := msg.Method()
	metrics.RecordRequest("udp", method)

	log := p.logger.WithFields(logrus.Fields{
		"call_id": callID,
		"method":  method,
		"source":  raddr.String(),
	})

	if method == "REGISTER" {
		p.regService.TrackRequest(callID, msg, raddr.IP.String(), raddr.Port)
	}
	p.endMediaOnBye(msg)

	host := msg.TargetHost()
	if host == "" {
		log.Warn("Dropping request without a parsable target")
		metrics.RecordDrop("udp", "no_target")
		return
	}

	if host == p.proxyIP {
		p.handleReverseRequest(msg, raddr, log)
		return
	}

	record, ok := p.targetRecord(host)
	if !ok {
		metrics.RecordDrop("udp", "unknown_host")
		return
	}
	if record.UDPPort == 0 {
		log.WithField("host", host).Warn("Backend has no UDP port, dropping request")
		metrics.RecordDrop("udp", "no_udp_route")
		return
	}

	// First pass captures the requester's own Via before ours goes on top.
	if callID != "" {
		p.clients.Store(callID, raddr.IP.String(), raddr.Port, StoreOptions{
			Request: msg,
		})
	}

	branch := p.addProxyHeaders(msg, "UDP", p.advertisedPort)

	if callID != "" {
		p.clients.Store(callID, raddr.IP.String(), raddr.Port, StoreOptions{
			ProxyBranch: branch,
			UpstreamKey: hostPort(record.IP, record.UDPPort),
		})
	}

	p.send(msg, record.IP, record.UDPPort, log)
}

// handleReverseRequest delivers a backend-initiated request to the
// registered client it targets.
func (p *UDPProxy) handleReverseRequest(msg *sip.Message, raddr *net.UDPAddr, log *logrus.Entry) {
	binding, ok := p.reverseTarget(msg, raddr.IP.String())
	if !ok {
		metrics.RecordDrop("udp", "no_reverse_route")
		return
	}

	callID := msg.CallID()
	if callID != "" {
		p.clients.Store(callID, raddr.IP.String(), raddr.Port, StoreOptions{
			Request: msg,
		})
	}

	branch := sip.GenerateBranch()
	msg.AddViaTop(buildProxyVia("UDP", p.proxyIP, p.advertisedPort, branch))
	p.rewriteRequestBody(msg)

	if callID != "" {
		p.clients.Store(callID, raddr.IP.String(), raddr.Port, StoreOptions{
			ProxyBranch: branch,
			UpstreamKey: hostPort(binding.ClientAddress, binding.ClientPort),
		})
	}

	log.WithFields(logrus.Fields{
		"user":   msg.TargetUser(),
		"client": binding.ClientAddress,
	}).Debug("Routing backend request to registered client")

	p.send(msg, binding.ClientAddress, binding.ClientPort, log)
}

func (p *UDPProxy) handleResponse(msg *sip.Message, raddr *net.UDPAddr) {
	callID := msg.CallID()
	status := msg.StatusCode()
	metrics.RecordResponse("udp", status)

	log := p.logger.WithFields(logrus.Fields{
		"call_id": callID,
		"status":  status,
		"source":  raddr.String(),
	})

	if callID == "" {
		log.Warn("Dropping response without Call-ID")
		metrics.RecordDrop("udp", "no_call_id")
		return
	}

	info, ok := p.clients.Get(callID)
	if !ok {
		log.Warn("Dropping response with no matching transaction")
		metrics.RecordDrop("udp", "no_correlation")
		return
	}

	result := sip.ValidateResponse(sip.ValidationInput{
		CallID:              callID,
		ExpectedUpstream:    info.UpstreamKey,
		ActualUpstream:      hostPort(raddr.IP.String(), raddr.Port),
		ExpectedProxyBranch: info.ProxyBranch,
		Message:             msg,
	})
	if !result.OK {
		log.WithField("reason", result.Reason).Warn("Dropping response that failed validation")
		metrics.RecordDrop("udp", "validation")
		return
	}

	p.regService.HandleResponse(callID, msg)
	p.prepareResponse(msg, info, "UDP")
	p.send(msg, info.Address, info.Port, log)

	if status >= 200 {
		p.clients.Remove(callID)
	}
}

func (p *UDPProxy) send(msg *sip.Message, ip string, port int, log *logrus.Entry) {
	dst := &net.UDPAddr{IP: net.ParseIP(ip), Port: port}
	if dst.IP == nil {
		if resolved, err := net.ResolveUDPAddr("udp", hostPort(ip, port)); err == nil {
			dst = resolved
		}
	}

	if _, err := p.conn.WriteToUDP([]byte(msg.String()), dst); err != nil {
		log.WithError(err).WithField("destination", dst.String()).Error("Failed to send SIP message")
		metrics.RecordDrop("udp", "send_failure")
		return
	}
	log.WithField("destination", dst.String()).Debug("Relayed SIP message")
}
