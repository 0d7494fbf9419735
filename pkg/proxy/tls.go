package proxy

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/sonnylloyd/siprelay/pkg/config"
	"github.com/sonnylloyd/siprelay/pkg/errors"
	"github.com/sonnylloyd/siprelay/pkg/media"
	"github.com/sonnylloyd/siprelay/pkg/metrics"
	"github.com/sonnylloyd/siprelay/pkg/registration"
	"github.com/sonnylloyd/siprelay/pkg/registry"
	"github.com/sonnylloyd/siprelay/pkg/sip"
)

const dialTimeout = 10 * time.Second

// TLSProxy relays framed SIP over TLS. Accepted client connections and
// pooled backend connections share one read loop shape: each gets its own
// frame decoder, and every decoded message is routed by the same rules as
// the UDP engine, except that responses go back on the stored connection,
// never by address.
type TLSProxy struct {
	base
	cfg *config.Config

	tlsConfig      *tls.Config
	listener       net.Listener
	pool           *Pool
	advertisedPort int

	runCtx context.Context

	mu    sync.Mutex
	conns map[string]*relayConn
}

// NewTLSProxy wires a TLS relay engine. It fails when the key pair cannot be
// loaded, letting the caller degrade to UDP-only operation.
func NewTLSProxy(cfg *config.Config, reg registry.Registry, registrations *registration.Store, regService *registration.Service, mediaManager *media.Manager, logger *logrus.Logger) (*TLSProxy, error) {
	cert, err := tls.LoadX509KeyPair(cfg.SIP.TLSCertPath, cfg.SIP.TLSKeyPath)
	if err != nil {
		return nil, errors.Wrap(err, "failed to load TLS key pair")
	}

	p := &TLSProxy{
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
		cfg:       cfg,
		tlsConfig: &tls.Config{Certificates: []tls.Certificate{cert}},
		conns:     make(map[string]*relayConn),
	}

	p.pool = NewPool(p.dialBackend, cfg.SIP.UpstreamIdleTimeout, cfg.SIP.WriteTimeout, logger, p.adoptUpstream)
	return p, nil
}

// dialBackend opens a TLS connection to a backend. Backends present
// self-managed certificates, so peer verification is off.
func (p *TLSProxy) dialBackend(ctx context.Context, addr string) (net.Conn, error) {
	dialer := &net.Dialer{Timeout: dialTimeout}
	return tls.DialWithDialer(dialer, "tcp", addr, &tls.Config{InsecureSkipVerify: true})
}

// Start binds the TLS listener and begins serving until the context is
// canceled.
func (p *TLSProxy) Start(ctx context.Context) error {
	listener, err := tls.Listen("tcp", fmt.Sprintf(":%d", p.cfg.SIP.TLSPort), p.tlsConfig)
	if err != nil {
		return errors.Wrapf(err, "failed to listen on TLS port %d", p.cfg.SIP.TLSPort)
	}
	p.listener = listener
	p.runCtx = ctx

	p.advertisedPort = p.cfg.SIP.TLSPort
	if p.advertisedPort == 0 {
		p.advertisedPort = listener.Addr().(*net.TCPAddr).Port
	}

	p.clients.StartSweeper(ctx, p.cfg.SIP.SweepInterval)
	p.pool.StartSweeper(ctx, p.cfg.SIP.SweepInterval)

	go func() {
		<-ctx.Done()
		listener.Close()
		p.closeAllConns()
	}()
	go p.acceptLoop(ctx)

	p.logger.WithField("port", p.advertisedPort).Info("SIP TLS proxy listening")
	return nil
}

// LocalAddr returns the bound listener address; nil before Start.
func (p *TLSProxy) LocalAddr() net.Addr {
	if p.listener == nil {
		return nil
	}
	return p.listener.Addr()
}

// Clients exposes the correlation table (shared with the dashboard).
func (p *TLSProxy) Clients() *ClientTable {
	return p.clients
}

func (p *TLSProxy) acceptLoop(ctx context.Context) {
	for {
		netConn, err := p.listener.Accept()
		if err != nil {
			if ctx.Err() == nil {
				p.logger.WithError(err).Error("TLS accept failed, stopping proxy")
			}
			return
		}

		conn := newRelayConn(netConn, "", p.cfg.SIP.WriteTimeout)
		p.addConn(conn)
		p.logger.WithFields(logrus.Fields{
			"conn_id": conn.id,
			"remote":  netConn.RemoteAddr().String(),
		}).Info("Accepted TLS connection")

		go p.serveConn(ctx, conn)
	}
}

// adoptUpstream registers a freshly dialed backend connection and starts its
// read loop, so backend-initiated traffic and responses get handled the same
// way as client traffic.
func (p *TLSProxy) adoptUpstream(conn *relayConn) {
	p.addConn(conn)
	go p.serveConn(p.runCtx, conn)
}

func (p *TLSProxy) addConn(conn *relayConn) {
	p.mu.Lock()
	p.conns[conn.id] = conn
	p.mu.Unlock()
}

func (p *TLSProxy) removeConn(conn *relayConn) {
	p.mu.Lock()
	delete(p.conns, conn.id)
	p.mu.Unlock()
}

func (p *TLSProxy) lookupConn(id string) (*relayConn, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	conn, ok := p.conns[id]
	return conn, ok
}

// findConnByRemote locates the accepted connection whose peer address
// matches a registration binding.
func (p *TLSProxy) findConnByRemote(address string, port int) (*relayConn, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, conn := range p.conns {
		if conn.key != "" {
			continue
		}
		host, remotePort := conn.remoteHostPort()
		if host == address && remotePort == port {
			return conn, true
		}
	}
	return nil, false
}

func (p *TLSProxy) closeAllConns() {
	p.mu.Lock()
	conns := make([]*relayConn, 0, len(p.conns))
	for _, conn := range p.conns {
		conns = append(conns, conn)
	}
	p.mu.Unlock()

	for _, conn := range conns {
		conn.close()
	}
	p.pool.CloseAll()
}

// serveConn owns a connection's read side: it reassembles frames and routes
// each message. Any framing violation is unrecoverable for the stream, so
// the connection is closed and its correlation state purged.
func (p *TLSProxy) serveConn(ctx context.Context, conn *relayConn) {
	defer func() {
		conn.close()
		p.removeConn(conn)
		if conn.key != "" {
			p.pool.Remove(conn)
		}
		if purged := p.clients.PurgeConn(conn.id); purged > 0 {
			p.logger.WithFields(logrus.Fields{
				"conn_id": conn.id,
				"purged":  purged,
			}).Debug("Purged correlations owned by closed connection")
		}
		p.logger.WithField("conn_id", conn.id).Info("TLS connection closed")
	}()

	decoder := sip.NewFrameDecoder(p.cfg.SIP.MaxMessageBytes, p.cfg.SIP.MaxBufferBytes)
	buf := make([]byte, 8192)

	for {
		n, err := conn.conn.Read(buf)
		if err != nil {
			if ctx.Err() == nil {
				p.logger.WithError(err).WithField("conn_id", conn.id).Debug("TLS read ended")
			}
			return
		}
		conn.touch()

		frames, ferr := decoder.Feed(buf[:n])
		for _, frame := range frames {
			p.handleFrame(ctx, conn, frame)
		}
		if ferr != nil {
			var frameErr *sip.FrameError
			if errors.As(ferr, &frameErr) {
				metrics.RecordFrameError(frameErr.Code)
			}
			p.logger.WithError(ferr).WithField("conn_id", conn.id).Error("Closing connection after framing violation")
			return
		}
	}
}

// handleFrame is the per-message fault boundary for stream transports.
func (p *TLSProxy) handleFrame(ctx context.Context, conn *relayConn, raw string) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.WithFields(logrus.Fields{
				"panic":   r,
				"conn_id": conn.id,
			}).Error("Recovered from panic while handling TLS message")
		}
	}()

	msg := sip.Parse(raw)
	if msg.IsResponse() {
		p.handleResponse(conn, msg)
	} else {
		p.handleRequest(ctx, conn, msg)
	}
}

func (p *TLSProxy) handleRequest(ctx context.Context, conn *relayConn, msg *sip.Message) {
	callID := msg.CallID()
	method := msg.Method()
	metrics.RecordRequest("tls", method)

	sourceIP, sourcePort := conn.remoteHostPort()
	log := p.logger.WithFields(logrus.Fields{
		"call_id": callID,
		"method":  method,
		"conn_id": conn.id,
		"source":  hostPort(sourceIP, sourcePort),
	})

	if method == "REGISTER" {
		p.regService.TrackRequest(callID, msg, sourceIP, sourcePort)
	}
	p.endMediaOnBye(msg)

	host := msg.TargetHost()
	if host == "" {
		log.Warn("Dropping request without a parsable target")
		metrics.RecordDrop("tls", "no_target")
		return
	}

	if host == p.proxyIP {
		p.handleReverseRequest(conn, msg, sourceIP, sourcePort, log)
		return
	}

	record, ok := p.targetRecord(host)
	if !ok {
		metrics.RecordDrop("tls", "unknown_host")
		return
	}
	if record.TLSPort == 0 {
		log.WithField("host", host).Warn("Backend has no TLS port, dropping request")
		metrics.RecordDrop("tls", "no_tls_route")
		return
	}

	if callID != "" {
		p.clients.Store(callID, sourceIP, sourcePort, StoreOptions{
			Request:    msg,
			RespConnID: conn.id,
		})
	}

	branch := p.addProxyHeaders(msg, "TLS", p.advertisedPort)

	backendAddr := hostPort(record.IP, record.TLSPort)
	upstream, err := p.pool.Get(ctx, backendAddr)
	if err != nil {
		log.WithError(err).WithField("backend", backendAddr).Error("Failed to reach backend")
		metrics.RecordDrop("tls", "upstream_connect")
		if callID != "" {
			p.clients.Remove(callID)
		}
		return
	}

	if callID != "" {
		p.clients.Store(callID, sourceIP, sourcePort, StoreOptions{
			ProxyBranch:  branch,
			UpstreamKey:  backendAddr,
			ExpectConnID: upstream.id,
		})
	}

	if err := upstream.write([]byte(msg.String())); err != nil {
		log.WithError(err).WithField("backend", backendAddr).Error("Failed to write to backend, closing connection")
		metrics.RecordDrop("tls", "send_failure")
		upstream.close()
		return
	}
	log.WithField("backend", backendAddr).Debug("Relayed SIP request")
}

// handleReverseRequest delivers a backend-initiated request over the
// registered client's live TLS connection.
func (p *TLSProxy) handleReverseRequest(conn *relayConn, msg *sip.Message, sourceIP string, sourcePort int, log *logrus.Entry) {
	binding, ok := p.reverseTarget(msg, sourceIP)
	if !ok {
		metrics.RecordDrop("tls", "no_reverse_route")
		return
	}

	target, ok := p.findConnByRemote(binding.ClientAddress, binding.ClientPort)
	if !ok {
		log.WithFields(logrus.Fields{
			"client": binding.ClientAddress,
			"port":   binding.ClientPort,
		}).Warn("Registered client has no live TLS connection")
		metrics.RecordDrop("tls", "no_client_conn")
		return
	}

	callID := msg.CallID()
	if callID != "" {
		p.clients.Store(callID, sourceIP, sourcePort, StoreOptions{
			Request:    msg,
			RespConnID: conn.id,
		})
	}

	branch := sip.GenerateBranch()
	msg.AddViaTop(buildProxyVia("TLS", p.proxyIP, p.advertisedPort, branch))
	p.rewriteRequestBody(msg)

	if callID != "" {
		p.clients.Store(callID, sourceIP, sourcePort, StoreOptions{
			ProxyBranch:  branch,
			UpstreamKey:  hostPort(binding.ClientAddress, binding.ClientPort),
			ExpectConnID: target.id,
		})
	}

	if err := target.write([]byte(msg.String())); err != nil {
		log.WithError(err).Error("Failed to write to registered client, closing connection")
		metrics.RecordDrop("tls", "send_failure")
		target.close()
		return
	}
	log.WithField("client", binding.ClientAddress).Debug("Routed backend request to registered client")
}

func (p *TLSProxy) handleResponse(conn *relayConn, msg *sip.Message) {
	callID := msg.CallID()
	status := msg.StatusCode()
	metrics.RecordResponse("tls", status)

	log := p.logger.WithFields(logrus.Fields{
		"call_id": callID,
		"status":  status,
		"conn_id": conn.id,
	})

	if callID == "" {
		log.Warn("Dropping response without Call-ID")
		metrics.RecordDrop("tls", "no_call_id")
		return
	}

	info, ok := p.clients.Get(callID)
	if !ok {
		log.Warn("Dropping response with no matching transaction")
		metrics.RecordDrop("tls", "no_correlation")
		return
	}

	sourceIP, sourcePort := conn.remoteHostPort()
	result := sip.ValidateResponse(sip.ValidationInput{
		CallID:              callID,
		ExpectedUpstream:    info.UpstreamKey,
		ActualUpstream:      hostPort(sourceIP, sourcePort),
		ExpectedConnID:      info.ExpectConnID,
		ActualConnID:        conn.id,
		ExpectedProxyBranch: info.ProxyBranch,
		Message:             msg,
	})
	if !result.OK {
		log.WithField("reason", result.Reason).Warn("Dropping response that failed validation")
		metrics.RecordDrop("tls", "validation")
		return
	}

	target, ok := p.lookupConn(info.RespConnID)
	if !ok {
		log.WithField("resp_conn_id", info.RespConnID).Warn("Requester connection is gone, dropping response")
		metrics.RecordDrop("tls", "conn_gone")
		p.clients.Remove(callID)
		return
	}

	p.regService.HandleResponse(callID, msg)
	p.prepareResponse(msg, info, "TLS")

	if err := target.write([]byte(msg.String())); err != nil {
		log.WithError(err).Error("Failed to write response, closing connection")
		metrics.RecordDrop("tls", "send_failure")
		target.close()
		return
	}
	log.Debug("Relayed SIP response")

	if status >= 200 {
		p.clients.Remove(callID)
	}
}
