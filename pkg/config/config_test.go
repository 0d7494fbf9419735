package config

import (
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.Out = io.Discard
	return logger
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(testLogger())
	require.NoError(t, err)

	assert.Equal(t, 5060, cfg.SIP.UDPPort)
	assert.Equal(t, 5061, cfg.SIP.TLSPort)
	assert.Equal(t, "127.0.0.1", cfg.SIP.ProxyIP)
	assert.Equal(t, 30*time.Second, cfg.SIP.ClientTimeout)
	assert.Equal(t, 64*1024, cfg.SIP.MaxMessageBytes)
	assert.Equal(t, 256*1024, cfg.SIP.MaxBufferBytes)
	assert.Equal(t, MediaModePassthrough, cfg.Media.Mode)
	assert.Equal(t, []string{"*"}, cfg.HTTP.CORSOrigins)
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("SIP_UDP_PORT", "15060")
	t.Setenv("PROXY_IP", "203.0.113.5")
	t.Setenv("MEDIA_MODE", "proxy")
	t.Setenv("CORS_ORIGINS", "https://ops.example.com, https://dash.example.com")
	t.Setenv("SIP_CLIENT_TIMEOUT", "45s")

	cfg, err := Load(testLogger())
	require.NoError(t, err)

	assert.Equal(t, 15060, cfg.SIP.UDPPort)
	assert.Equal(t, "203.0.113.5", cfg.SIP.ProxyIP)
	assert.Equal(t, MediaModeProxy, cfg.Media.Mode)
	assert.Equal(t, []string{"https://ops.example.com", "https://dash.example.com"}, cfg.HTTP.CORSOrigins)
	assert.Equal(t, 45*time.Second, cfg.SIP.ClientTimeout)
}

func TestLoadRejectsInvalidMediaMode(t *testing.T) {
	t.Setenv("MEDIA_MODE", "transcode")

	_, err := Load(testLogger())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "MEDIA_MODE")
}

func TestLoadRejectsInvalidLimits(t *testing.T) {
	t.Setenv("SIP_MAX_MESSAGE_BYTES", "1048576")
	t.Setenv("SIP_MAX_BUFFER_BYTES", "1024")

	_, err := Load(testLogger())
	require.Error(t, err)
}

func TestInvalidEnvValuesFallBackToDefaults(t *testing.T) {
	t.Setenv("SIP_UDP_PORT", "not-a-number")
	t.Setenv("SIP_CLIENT_TIMEOUT", "soon")

	cfg, err := Load(testLogger())
	require.NoError(t, err)

	assert.Equal(t, 5060, cfg.SIP.UDPPort)
	assert.Equal(t, 30*time.Second, cfg.SIP.ClientTimeout)
}
