package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"github.com/sonnylloyd/siprelay/pkg/errors"
)

// MediaMode controls how the proxy treats SDP bodies passing through it.
type MediaMode string

const (
	// MediaModeProxy rewrites SDP connection addresses to the proxy itself.
	MediaModeProxy MediaMode = "proxy"
	// MediaModePassthrough leaves SDP bodies untouched (signaling-only relay).
	MediaModePassthrough MediaMode = "passthrough"
)

// Config represents the complete application configuration
type Config struct {
	SIP       SIPConfig       `json:"sip"`
	HTTP      HTTPConfig      `json:"http"`
	Media     MediaConfig     `json:"media"`
	Registry  RegistryConfig  `json:"registry"`
	Messaging MessagingConfig `json:"messaging"`
	Logging   LoggingConfig   `json:"logging"`
}

// SIPConfig holds listener and relay settings for the SIP proxies
type SIPConfig struct {
	// UDPPort is the SIP UDP listening port (0 binds an ephemeral port)
	UDPPort int `json:"udp_port"`

	// TLSPort is the SIP TLS listening port (0 binds an ephemeral port)
	TLSPort int `json:"tls_port"`

	// ProxyIP is the address advertised in Via/Contact headers and SDP
	ProxyIP string `json:"proxy_ip"`

	// TLSKeyPath and TLSCertPath point at the PEM files for the TLS listener
	TLSKeyPath  string `json:"tls_key_path"`
	TLSCertPath string `json:"tls_cert_path"`

	// ClientTimeout is the sliding inactivity window for correlation entries
	ClientTimeout time.Duration `json:"client_timeout"`

	// RegistrationTTL guards REGISTER requests that never get a response
	RegistrationTTL time.Duration `json:"registration_ttl"`

	// UpstreamIdleTimeout evicts pooled TLS connections after inactivity
	UpstreamIdleTimeout time.Duration `json:"upstream_idle_timeout"`

	// MaxMessageBytes caps a single framed SIP message on stream transports
	MaxMessageBytes int `json:"max_message_bytes"`

	// MaxBufferBytes caps unparsed buffered data per stream connection
	MaxBufferBytes int `json:"max_buffer_bytes"`

	// WriteTimeout bounds blocking stream writes under backpressure
	WriteTimeout time.Duration `json:"write_timeout"`

	// SweepInterval drives periodic eviction of expired state
	SweepInterval time.Duration `json:"sweep_interval"`
}

// HTTPConfig holds dashboard/API server settings
type HTTPConfig struct {
	Port        int      `json:"port"`
	CORSOrigins []string `json:"cors_origins"`
}

// MediaConfig holds RTP relay settings
type MediaConfig struct {
	Mode              MediaMode     `json:"mode"`
	PortMin           int           `json:"port_min"`
	PortMax           int           `json:"port_max"`
	InactivityTimeout time.Duration `json:"inactivity_timeout"`
}

// RegistryConfig controls how backend records are discovered
type RegistryConfig struct {
	// Watcher selects the record source ("static" is the only built-in)
	Watcher string `json:"watcher"`

	// StaticRoutes seeds the registry: "host:ip:udpPort:tlsPort,..."
	// (empty port fields are allowed, e.g. "pbx.internal:10.0.0.50:5060:")
	StaticRoutes string `json:"static_routes"`

	// RefreshInterval re-applies the static route table
	RefreshInterval time.Duration `json:"refresh_interval"`
}

// MessagingConfig holds the optional AMQP event publishing settings
type MessagingConfig struct {
	AMQPUrl       string `json:"-"`
	AMQPQueueName string `json:"amqp_queue_name"`
}

// LoggingConfig holds logging settings
type LoggingConfig struct {
	Level  string `json:"level"`
	Format string `json:"format"`
}

// Load reads configuration from the environment, optionally seeded from a
// .env file found in the working directory or its parent.
func Load(logger *logrus.Logger) (*Config, error) {
	wd, err := os.Getwd()
	if err != nil {
		logger.WithError(err).Warn("Failed to get current working directory")
		wd = "unknown"
	}

	possibleEnvFiles := []string{
		".env",
		"../.env",
		filepath.Join(wd, ".env"),
	}

	var loadedFrom string
	for _, envFile := range possibleEnvFiles {
		if _, statErr := os.Stat(envFile); statErr == nil {
			if loadErr := godotenv.Load(envFile); loadErr == nil {
				loadedFrom, _ = filepath.Abs(envFile)
				break
			}
		}
	}

	if loadedFrom != "" {
		logger.WithFields(logrus.Fields{
			"working_dir": wd,
			"path":        loadedFrom,
		}).Info("Loaded .env file")
	} else {
		logger.WithField("working_dir", wd).Debug("No .env file found, using environment variables only")
	}

	config := &Config{
		SIP: SIPConfig{
			UDPPort:             getEnvInt("SIP_UDP_PORT", 5060),
			TLSPort:             getEnvInt("SIP_TLS_PORT", 5061),
			ProxyIP:             getEnv("PROXY_IP", "127.0.0.1"),
			TLSKeyPath:          getEnv("SIP_TLS_KEY_PATH", "/ssl/server.key"),
			TLSCertPath:         getEnv("SIP_TLS_CERT_PATH", "/ssl/server.crt"),
			ClientTimeout:       getEnvDuration("SIP_CLIENT_TIMEOUT", 30*time.Second),
			RegistrationTTL:     getEnvDuration("SIP_REGISTRATION_TTL", 30*time.Second),
			UpstreamIdleTimeout: getEnvDuration("SIP_UPSTREAM_IDLE_TIMEOUT", 5*time.Minute),
			MaxMessageBytes:     getEnvInt("SIP_MAX_MESSAGE_BYTES", 64*1024),
			MaxBufferBytes:      getEnvInt("SIP_MAX_BUFFER_BYTES", 256*1024),
			WriteTimeout:        getEnvDuration("SIP_WRITE_TIMEOUT", 10*time.Second),
			SweepInterval:       getEnvDuration("SIP_SWEEP_INTERVAL", 5*time.Second),
		},
		HTTP: HTTPConfig{
			Port:        getEnvInt("HTTP_PORT", 8080),
			CORSOrigins: getEnvList("CORS_ORIGINS", []string{"*"}),
		},
		Media: MediaConfig{
			Mode:              MediaMode(strings.ToLower(getEnv("MEDIA_MODE", string(MediaModePassthrough)))),
			PortMin:           getEnvInt("RTP_PORT_MIN", 10000),
			PortMax:           getEnvInt("RTP_PORT_MAX", 10100),
			InactivityTimeout: getEnvDuration("RTP_INACTIVITY_TIMEOUT", 30*time.Second),
		},
		Registry: RegistryConfig{
			Watcher:         getEnv("SERVICE_WATCHER", "static"),
			StaticRoutes:    getEnv("SIP_ROUTES", ""),
			RefreshInterval: getEnvDuration("SIP_ROUTES_REFRESH_INTERVAL", 30*time.Second),
		},
		Messaging: MessagingConfig{
			AMQPUrl:       getEnv("AMQP_URL", ""),
			AMQPQueueName: getEnv("AMQP_QUEUE_NAME", "siprelay_events"),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "text"),
		},
	}

	if err := config.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid configuration")
	}

	return config, nil
}

// Validate checks configuration consistency
func (c *Config) Validate() error {
	if c.SIP.ProxyIP == "" {
		return errors.New("PROXY_IP must not be empty")
	}
	if c.SIP.UDPPort < 0 || c.SIP.UDPPort > 65535 {
		return fmt.Errorf("SIP_UDP_PORT out of range: %d", c.SIP.UDPPort)
	}
	if c.SIP.TLSPort < 0 || c.SIP.TLSPort > 65535 {
		return fmt.Errorf("SIP_TLS_PORT out of range: %d", c.SIP.TLSPort)
	}
	if c.SIP.MaxMessageBytes <= 0 || c.SIP.MaxBufferBytes <= 0 {
		return errors.New("SIP message and buffer limits must be positive")
	}
	if c.SIP.MaxMessageBytes > c.SIP.MaxBufferBytes {
		return errors.New("SIP_MAX_MESSAGE_BYTES must not exceed SIP_MAX_BUFFER_BYTES")
	}
	if c.Media.Mode != MediaModeProxy && c.Media.Mode != MediaModePassthrough {
		return fmt.Errorf("MEDIA_MODE must be %q or %q, got %q", MediaModeProxy, MediaModePassthrough, c.Media.Mode)
	}
	if c.Media.PortMin > c.Media.PortMax {
		return errors.New("RTP_PORT_MIN must not exceed RTP_PORT_MAX")
	}
	return nil
}

// SetupLogger applies the logging configuration to a logrus logger
func (c *Config) SetupLogger(logger *logrus.Logger) {
	level, err := logrus.ParseLevel(c.Logging.Level)
	if err != nil {
		logger.WithField("level", c.Logging.Level).Warn("Unknown log level, defaulting to info")
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	if strings.EqualFold(c.Logging.Format, "json") {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
}

// Helper function to get an environment variable with a default value
func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

// Helper function to get an integer environment variable with a default value
func getEnvInt(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	intValue, err := strconv.Atoi(value)
	if err != nil {
		return defaultValue
	}

	return intValue
}

// Helper function to get a duration environment variable with a default value
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	duration, err := time.ParseDuration(value)
	if err != nil {
		return defaultValue
	}

	return duration
}

// getEnvList parses a comma-separated environment variable
func getEnvList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}
