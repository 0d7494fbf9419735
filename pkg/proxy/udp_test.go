package proxy

import (
	"context"
	"fmt"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sonnylloyd/siprelay/pkg/config"
	"github.com/sonnylloyd/siprelay/pkg/registration"
	"github.com/sonnylloyd/siprelay/pkg/registry"
	"github.com/sonnylloyd/siprelay/pkg/sip"
)

func newTestConfig() *config.Config {
	return &config.Config{
		SIP: config.SIPConfig{
			UDPPort:             0,
			TLSPort:             0,
			ProxyIP:             "127.0.0.1",
			ClientTimeout:       2 * time.Second,
			RegistrationTTL:     2 * time.Second,
			UpstreamIdleTimeout: time.Minute,
			MaxMessageBytes:     64 * 1024,
			MaxBufferBytes:      256 * 1024,
			WriteTimeout:        time.Second,
			SweepInterval:       50 * time.Millisecond,
		},
		Media: config.MediaConfig{Mode: config.MediaModePassthrough},
	}
}

type udpFixture struct {
	proxy     *UDPProxy
	proxyAddr *net.UDPAddr
	store     *registration.Store
	client    *net.UDPConn
	backend   *net.UDPConn
}

func startUDPFixture(t *testing.T, cfg *config.Config) *udpFixture {
	t.Helper()

	backend, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	t.Cleanup(func() { backend.Close() })

	client, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	reg := registry.NewMemoryRegistry()
	reg.Add("pbx.internal", registry.Record{
		IP:      "127.0.0.1",
		UDPPort: backend.LocalAddr().(*net.UDPAddr).Port,
	})

	store := registration.NewStore()
	service := registration.NewService(store, testLogger(), nil, cfg.SIP.RegistrationTTL)

	proxy := NewUDPProxy(cfg, reg, store, service, nil, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	require.NoError(t, proxy.Start(ctx))

	return &udpFixture{
		proxy:     proxy,
		proxyAddr: &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: proxy.LocalAddr().(*net.UDPAddr).Port},
		store:     store,
		client:    client,
		backend:   backend,
	}
}

func (f *udpFixture) clientPort() int {
	return f.client.LocalAddr().(*net.UDPAddr).Port
}

func sendUDP(t *testing.T, from *net.UDPConn, to *net.UDPAddr, msg string) {
	t.Helper()
	_, err := from.WriteToUDP([]byte(msg), to)
	require.NoError(t, err)
}

func readUDP(t *testing.T, conn *net.UDPConn) *sip.Message {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 65535)
	n, _, err := conn.ReadFromUDP(buf)
	require.NoError(t, err)
	return sip.Parse(string(buf[:n]))
}

func expectSilence(t *testing.T, conn *net.UDPConn) {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
	buf := make([]byte, 65535)
	_, _, err := conn.ReadFromUDP(buf)
	assert.Error(t, err)
}

func clientInvite(callID string, clientPort int, body string) string {
	return strings.Join([]string{
		"INVITE sip:bob@pbx.internal SIP/2.0",
		fmt.Sprintf("Via: SIP/2.0/UDP 127.0.0.1:%d;branch=z9hG4bKclient;rport", clientPort),
		"From: <sip:alice@pbx.internal>;tag=a",
		"To: <sip:bob@pbx.internal>",
		"Call-ID: " + callID,
		"CSeq: 1 INVITE",
		fmt.Sprintf("Contact: <sip:alice@127.0.0.1:%d>", clientPort),
		fmt.Sprintf("Content-Length: %d", len(body)),
		"",
		body,
	}, "\r\n")
}

func backendResponse(status, callID, topVia, cseq string) string {
	return strings.Join([]string{
		"SIP/2.0 " + status,
		"Via: " + topVia,
		"From: <sip:alice@pbx.internal>;tag=a",
		"To: <sip:bob@pbx.internal>;tag=b",
		"Call-ID: " + callID,
		"CSeq: " + cseq,
		"Content-Length: 0",
		"",
		"",
	}, "\r\n")
}

func TestUDPRequestResponseRoundTrip(t *testing.T) {
	f := startUDPFixture(t, newTestConfig())

	sendUDP(t, f.client, f.proxyAddr, clientInvite("rt-1", f.clientPort(), ""))

	forwarded := readUDP(t, f.backend)
	require.Equal(t, "INVITE", forwarded.Method())

	vias := forwarded.Header("Via")
	require.Len(t, vias, 2)
	assert.Contains(t, vias[0], fmt.Sprintf("127.0.0.1:%d", f.proxyAddr.Port))
	assert.Contains(t, vias[0], ";branch="+sip.BranchMagicCookie)
	assert.Contains(t, vias[1], fmt.Sprintf("127.0.0.1:%d", f.clientPort()))

	// Contact now points at the proxy so in-dialog requests come back here.
	assert.Contains(t, forwarded.FirstHeader("Contact"), fmt.Sprintf("127.0.0.1:%d", f.proxyAddr.Port))

	sendUDP(t, f.backend, f.proxyAddr, backendResponse("200 OK", "rt-1", forwarded.TopVia(), "1 INVITE"))

	response := readUDP(t, f.client)
	require.Equal(t, 200, response.StatusCode())
	assert.Equal(t,
		fmt.Sprintf("SIP/2.0/UDP 127.0.0.1:%d;branch=z9hG4bKclient;rport", f.clientPort()),
		response.TopVia())

	// Final responses end the correlation.
	_, ok := f.proxy.Clients().Get("rt-1")
	assert.False(t, ok)
}

func TestUDPProvisionalKeepsCorrelation(t *testing.T) {
	f := startUDPFixture(t, newTestConfig())

	sendUDP(t, f.client, f.proxyAddr, clientInvite("prov-1", f.clientPort(), ""))
	forwarded := readUDP(t, f.backend)

	sendUDP(t, f.backend, f.proxyAddr, backendResponse("180 Ringing", "prov-1", forwarded.TopVia(), "1 INVITE"))
	ringing := readUDP(t, f.client)
	require.Equal(t, 180, ringing.StatusCode())

	_, ok := f.proxy.Clients().Get("prov-1")
	assert.True(t, ok)

	sendUDP(t, f.backend, f.proxyAddr, backendResponse("200 OK", "prov-1", forwarded.TopVia(), "1 INVITE"))
	readUDP(t, f.client)

	_, ok = f.proxy.Clients().Get("prov-1")
	assert.False(t, ok)
}

func TestUDPResponseFromWrongSourceDropped(t *testing.T) {
	f := startUDPFixture(t, newTestConfig())

	impostor, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer impostor.Close()

	sendUDP(t, f.client, f.proxyAddr, clientInvite("spoof-1", f.clientPort(), ""))
	forwarded := readUDP(t, f.backend)

	sendUDP(t, impostor, f.proxyAddr, backendResponse("200 OK", "spoof-1", forwarded.TopVia(), "1 INVITE"))
	expectSilence(t, f.client)
}

func TestUDPResponseWithWrongBranchDropped(t *testing.T) {
	f := startUDPFixture(t, newTestConfig())

	sendUDP(t, f.client, f.proxyAddr, clientInvite("branch-1", f.clientPort(), ""))
	forwarded := readUDP(t, f.backend)
	require.NotEmpty(t, forwarded.TopVia())

	wrongVia := fmt.Sprintf("SIP/2.0/UDP 127.0.0.1:%d;branch=%swrong", f.proxyAddr.Port, sip.BranchMagicCookie)
	sendUDP(t, f.backend, f.proxyAddr, backendResponse("200 OK", "branch-1", wrongVia, "1 INVITE"))
	expectSilence(t, f.client)
}

func TestUDPUnknownHostDropped(t *testing.T) {
	f := startUDPFixture(t, newTestConfig())

	msg := strings.Replace(clientInvite("unknown-1", f.clientPort(), ""), "pbx.internal", "nowhere.invalid", -1)
	sendUDP(t, f.client, f.proxyAddr, msg)
	expectSilence(t, f.backend)
}

func TestUDPMediaProxyModeRewritesSDP(t *testing.T) {
	cfg := newTestConfig()
	cfg.Media.Mode = config.MediaModeProxy
	f := startUDPFixture(t, cfg)

	body := strings.Join([]string{
		"v=0",
		"o=- 1 1 IN IP4 192.0.2.55",
		"s=call",
		"c=IN IP4 192.0.2.55",
		"t=0 0",
		"m=audio 49170 RTP/AVP 0",
		"",
	}, "\r\n")

	sendUDP(t, f.client, f.proxyAddr, clientInvite("sdp-1", f.clientPort(), body))

	forwarded := readUDP(t, f.backend)
	assert.Contains(t, forwarded.Body, "c=IN IP4 127.0.0.1")
	assert.NotContains(t, forwarded.Body, "c=IN IP4 192.0.2.55")
}

func TestUDPRegisterAndReverseRouting(t *testing.T) {
	f := startUDPFixture(t, newTestConfig())

	register := strings.Join([]string{
		"REGISTER sip:pbx.internal SIP/2.0",
		fmt.Sprintf("Via: SIP/2.0/UDP 127.0.0.1:%d;branch=z9hG4bKreg", f.clientPort()),
		"From: <sip:alice@pbx.internal>;tag=a",
		"To: <sip:alice@pbx.internal>",
		"Call-ID: reg-rr-1",
		"CSeq: 1 REGISTER",
		fmt.Sprintf("Contact: <sip:alice@127.0.0.1:%d>", f.clientPort()),
		"Content-Length: 0",
		"",
		"",
	}, "\r\n")
	sendUDP(t, f.client, f.proxyAddr, register)

	forwarded := readUDP(t, f.backend)
	require.Equal(t, "REGISTER", forwarded.Method())

	ok200 := strings.Join([]string{
		"SIP/2.0 200 OK",
		"Via: " + forwarded.TopVia(),
		"From: <sip:alice@pbx.internal>;tag=a",
		"To: <sip:alice@pbx.internal>;tag=b",
		"Call-ID: reg-rr-1",
		"CSeq: 1 REGISTER",
		fmt.Sprintf("Contact: <sip:alice@127.0.0.1:%d>;expires=600", f.clientPort()),
		"Content-Length: 0",
		"",
		"",
	}, "\r\n")
	sendUDP(t, f.backend, f.proxyAddr, ok200)
	readUDP(t, f.client)

	binding, ok := f.store.Get("pbx.internal", "alice")
	require.True(t, ok)
	assert.Equal(t, f.clientPort(), binding.ClientPort)

	// The backend can now originate a request toward the registered client.
	options := strings.Join([]string{
		"OPTIONS sip:alice@127.0.0.1 SIP/2.0",
		fmt.Sprintf("Via: SIP/2.0/UDP 127.0.0.1:%d;branch=z9hG4bKbackend", f.backend.LocalAddr().(*net.UDPAddr).Port),
		"From: <sip:pbx@pbx.internal>;tag=p",
		"To: <sip:alice@pbx.internal>",
		"Call-ID: rev-1",
		"CSeq: 1 OPTIONS",
		"Content-Length: 0",
		"",
		"",
	}, "\r\n")
	sendUDP(t, f.backend, f.proxyAddr, options)

	delivered := readUDP(t, f.client)
	require.Equal(t, "OPTIONS", delivered.Method())
	assert.Contains(t, delivered.TopVia(), fmt.Sprintf("127.0.0.1:%d", f.proxyAddr.Port))
}

func TestUDPReverseRoutingWithoutBindingDropped(t *testing.T) {
	f := startUDPFixture(t, newTestConfig())

	options := strings.Join([]string{
		"OPTIONS sip:ghost@127.0.0.1 SIP/2.0",
		"Via: SIP/2.0/UDP 127.0.0.1:5080;branch=z9hG4bKbackend",
		"Call-ID: rev-2",
		"CSeq: 1 OPTIONS",
		"Content-Length: 0",
		"",
		"",
	}, "\r\n")
	sendUDP(t, f.backend, f.proxyAddr, options)
	expectSilence(t, f.client)
}

func TestUDPMalformedPacketDoesNotKillProxy(t *testing.T) {
	f := startUDPFixture(t, newTestConfig())

	sendUDP(t, f.client, f.proxyAddr, "\x00\x01garbage\r\n\r\n")

	// The relay keeps serving after the junk datagram.
	sendUDP(t, f.client, f.proxyAddr, clientInvite("after-junk", f.clientPort(), ""))
	forwarded := readUDP(t, f.backend)
	assert.Equal(t, "INVITE", forwarded.Method())
}
