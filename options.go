package teegate

import (
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	// DefaultPath is the websocket endpoint path.
	DefaultPath = "/ws"
	// DefaultPingInterval is the cadence of websocket keep-alive pings.
	// Zero disables keep-alive.
	DefaultPingInterval = 30 * time.Second
	// DefaultReadLimit bounds a single inbound websocket message. One Noise
	// message never legitimately exceeds 65535 bytes; the extra headroom
	// lets the reader fail the session with ErrFrameTooLarge as the close
	// reason instead of a silent disconnect.
	DefaultReadLimit = 128 * 1024
)

// Option is a functional option for NewGateway.
type Option func(*Config)

// Config holds the runtime settings of a gateway. Zero value is not usable;
// construct through NewGateway which applies defaults and validates.
type Config struct {
	provider AttestationProvider
	secret   []byte
	log      logrus.FieldLogger
	metrics  Metrics

	path         string
	pingInterval time.Duration
	readLimit    int
	streamLimits StreamLimits
	checkOrigin  func(*http.Request) bool
}

// Validate checks that the configuration can serve sessions.
func (c *Config) Validate() error {
	if c.provider == nil {
		return ErrInvalidConfig
	}
	if len(c.secret) == 0 {
		return ErrInvalidConfig
	}
	return nil
}

func defaultGatewayConfig() *Config {
	return &Config{
		log:          logrus.StandardLogger(),
		metrics:      NewDefaultMetrics(),
		path:         DefaultPath,
		pingInterval: DefaultPingInterval,
		readLimit:    DefaultReadLimit,
		streamLimits: DefaultStreamLimits(),
	}
}

// applyOptions builds a runtime config by applying options on top of defaults.
func applyOptions(opts []Option) *Config {
	cfg := defaultGatewayConfig()
	for _, o := range opts {
		o(cfg)
	}
	return cfg
}

// WithAttestationProvider sets the attestation provider. Required.
func WithAttestationProvider(p AttestationProvider) Option {
	return func(c *Config) { c.provider = p }
}

// WithTokenSecret sets the shared HMAC secret for bearer-token verification.
// Required.
func WithTokenSecret(secret []byte) Option {
	return func(c *Config) { c.secret = secret }
}

// WithLogger sets the structured logger. Defaults to the logrus standard
// logger.
func WithLogger(log logrus.FieldLogger) Option {
	return func(c *Config) {
		if log != nil {
			c.log = log
		}
	}
}

// WithMetrics sets a custom metrics implementation. If not provided, a
// default implementation with atomic counters is used.
func WithMetrics(m Metrics) Option {
	return func(c *Config) {
		if m != nil {
			c.metrics = m
		}
	}
}

// WithPath sets the websocket endpoint path.
func WithPath(path string) Option {
	return func(c *Config) {
		if path != "" {
			c.path = path
		}
	}
}

// WithPingInterval sets the keep-alive cadence. Zero disables keep-alive.
func WithPingInterval(d time.Duration) Option {
	return func(c *Config) {
		if d >= 0 {
			c.pingInterval = d
		}
	}
}

// WithStreamLimits overrides the upload-path bounds. The pre-claim pending
// bound and the post-claim out-of-order bound are deliberately independent.
func WithStreamLimits(l StreamLimits) Option {
	return func(c *Config) { c.streamLimits = l }
}

// WithCheckOrigin overrides the websocket origin check. The default accepts
// any origin; gateways fronting browsers should tighten this.
func WithCheckOrigin(fn func(*http.Request) bool) Option {
	return func(c *Config) { c.checkOrigin = fn }
}
