package proxy

import (
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/sonnylloyd/siprelay/pkg/config"
	"github.com/sonnylloyd/siprelay/pkg/media"
	"github.com/sonnylloyd/siprelay/pkg/registration"
	"github.com/sonnylloyd/siprelay/pkg/registry"
	"github.com/sonnylloyd/siprelay/pkg/sip"
)

// base carries the collaborators and header plumbing shared by the UDP and
// TLS proxy engines.
type base struct {
	logger        *logrus.Logger
	registry      registry.Registry
	clients       *ClientTable
	registrations *registration.Store
	regService    *registration.Service
	mediaMode     config.MediaMode
	media         *media.Manager
	proxyIP       string
}

// targetRecord resolves the request target against the backend registry.
func (b *base) targetRecord(host string) (registry.Record, bool) {
	record, ok := b.registry.Resolve(host)
	if !ok {
		b.logger.WithField("host", host).Warn("No backend route for request target")
	}
	return record, ok
}

// addProxyHeaders prepares a request for forwarding: it stacks a fresh Via on
// top, points the Contact at this proxy, and applies the media policy to the
// body. The generated branch is returned for response correlation.
func (b *base) addProxyHeaders(msg *sip.Message, transport string, port int) string {
	branch := sip.GenerateBranch()
	msg.AddViaTop(buildProxyVia(transport, b.proxyIP, port, branch))
	msg.UpdateContact(b.proxyIP, port)
	b.rewriteRequestBody(msg)
	return branch
}

// prepareResponse restores the requester's own Via in place of the one this
// proxy stacked, and applies the media policy to the body.
func (b *base) prepareResponse(msg *sip.Message, info ClientInfo, transport string) {
	if via := buildClientVia(transport, info); via != "" {
		msg.ReplaceViaTop(via)
	}
	b.rewriteResponseBody(msg.CallID(), msg)
}

func (b *base) rewriteRequestBody(msg *sip.Message) {
	if b.mediaMode != config.MediaModeProxy {
		return
	}
	if b.media != nil {
		handled, err := b.media.RewriteRequest(msg.CallID(), msg)
		if err != nil {
			b.logger.WithError(err).WithField("call_id", msg.CallID()).Warn("Media relay setup failed, rewriting address only")
		} else if handled {
			return
		}
	}
	if err := msg.UpdateSDPIP(b.proxyIP); err != nil {
		b.logger.WithError(err).WithField("call_id", msg.CallID()).Warn("SDP rewrite failed, leaving body unchanged")
	}
}

func (b *base) rewriteResponseBody(callID string, msg *sip.Message) {
	if b.mediaMode != config.MediaModeProxy {
		return
	}
	if b.media != nil {
		handled, err := b.media.RewriteResponse(callID, msg)
		if err != nil {
			b.logger.WithError(err).WithField("call_id", callID).Warn("Media relay completion failed, rewriting address only")
		} else if handled {
			return
		}
	}
	if err := msg.UpdateSDPIP(b.proxyIP); err != nil {
		b.logger.WithError(err).WithField("call_id", callID).Warn("SDP rewrite failed, leaving body unchanged")
	}
}

// endMediaOnBye tears down any relay session when the dialog ends.
func (b *base) endMediaOnBye(msg *sip.Message) {
	if b.media == nil || !strings.EqualFold(msg.Method(), "BYE") {
		return
	}
	if callID := msg.CallID(); callID != "" {
		b.media.End(callID)
	}
}

// reverseTarget resolves a backend-initiated request to the registered
// client binding it should be delivered to: the source must reverse-resolve
// to a known backend, and the target user must hold a live binding there.
func (b *base) reverseTarget(msg *sip.Message, sourceIP string) (registration.Binding, bool) {
	hostname, ok := b.registry.ReverseResolveByIP(sourceIP)
	if !ok {
		b.logger.WithField("source", sourceIP).Warn("Dropping reverse request from unknown backend")
		return registration.Binding{}, false
	}

	user := msg.TargetUser()
	if user == "" {
		b.logger.WithField("call_id", msg.CallID()).Warn("Reverse request has no target user")
		return registration.Binding{}, false
	}

	binding, ok := b.registrations.Get(hostname, user)
	if !ok {
		b.logger.WithFields(logrus.Fields{
			"user":   user,
			"domain": hostname,
		}).Warn("No registration binding for reverse request")
		return registration.Binding{}, false
	}
	return binding, true
}

func buildProxyVia(transport, host string, port int, branch string) string {
	return fmt.Sprintf("SIP/2.0/%s %s:%d;branch=%s", transport, host, port, branch)
}

// buildClientVia reconstructs the requester's top Via from correlation state.
func buildClientVia(transport string, info ClientInfo) string {
	if info.Address == "" {
		return ""
	}
	via := fmt.Sprintf("SIP/2.0/%s %s:%d", transport, info.Address, info.Port)
	if info.Branch != "" {
		via += ";branch=" + info.Branch
	}
	if info.RPort {
		via += ";rport"
	}
	return via
}

func hostPort(ip string, port int) string {
	return net.JoinHostPort(ip, strconv.Itoa(port))
}

func addrHostPort(addr net.Addr) (string, int) {
	host, portStr, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String(), 0
	}
	port, _ := strconv.Atoi(portStr)
	return host, port
}
