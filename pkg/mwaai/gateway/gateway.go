// Package gateway serves the assistant's HTTP surface: the WhatsApp Cloud
// API webhook, liveness and health probes, and Prometheus metrics.
package gateway

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/jholhewres/mwaai/pkg/mwaai/channels"
)

// Config configures the HTTP server.
type Config struct {
	// Enabled turns the gateway on (default: true).
	Enabled bool `yaml:"enabled"`

	// Address is the listen address (default: ":8080").
	Address string `yaml:"address"`

	// AuthToken protects /metrics with a Bearer token (empty = public).
	AuthToken string `yaml:"auth_token"`

	// MaxBodyBytes caps webhook bodies (default: 1 MiB).
	MaxBodyBytes int64 `yaml:"max_body_bytes"`

	// ShutdownTimeout bounds graceful shutdown (default: 10s).
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DefaultConfig returns the default gateway configuration.
func DefaultConfig() Config {
	return Config{
		Enabled:         true,
		Address:         ":8080",
		MaxBodyBytes:    1 << 20,
		ShutdownTimeout: 10 * time.Second,
	}
}

// WebhookHandler receives Cloud API webhook traffic.
type WebhookHandler interface {
	// VerifyWebhook answers the subscription handshake.
	VerifyWebhook(mode, token, challenge string) (string, bool)

	// HandleWebhook processes a notification body.
	HandleWebhook(ctx context.Context, body []byte) error
}

// HealthReporter reports per-channel health.
type HealthReporter interface {
	Health() map[string]channels.HealthStatus
}

// Gateway is the HTTP server.
type Gateway struct {
	config    Config
	webhook   WebhookHandler
	health    HealthReporter
	metrics   http.Handler
	server    *http.Server
	logger    *slog.Logger
	startedAt time.Time
}

// New creates a Gateway. webhook, health and metrics may be nil; the
// matching routes then answer 404 (webhook, metrics) or report no channels.
func New(cfg Config, webhook WebhookHandler, health HealthReporter, metrics http.Handler, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultConfig()
	if cfg.Address == "" {
		cfg.Address = def.Address
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = def.MaxBodyBytes
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = def.ShutdownTimeout
	}
	return &Gateway{
		config:    cfg,
		webhook:   webhook,
		health:    health,
		metrics:   metrics,
		logger:    logger.With("component", "gateway"),
		startedAt: time.Now(),
	}
}

// Handler builds the routed, middleware-wrapped handler.
func (g *Gateway) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", g.handleRoot)
	mux.HandleFunc("/health", g.handleHealth)
	mux.HandleFunc("/webhook", g.handleWebhook)
	if g.metrics != nil {
		mux.Handle("/metrics", g.authMiddleware(g.metrics))
	}
	return g.recoverMiddleware(g.loggingMiddleware(g.securityHeadersMiddleware(mux)))
}

// Start starts the HTTP server in the background.
func (g *Gateway) Start(_ context.Context) error {
	ln, err := net.Listen("tcp", g.config.Address)
	if err != nil {
		return err
	}
	g.startedAt = time.Now()
	g.server = &http.Server{
		Handler:           g.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := g.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			g.logger.Error("gateway server error", "error", err)
		}
	}()
	g.logger.Info("gateway started", "address", ln.Addr().String())
	return nil
}

// Stop gracefully shuts down the HTTP server.
func (g *Gateway) Stop(ctx context.Context) error {
	if g.server == nil {
		return nil
	}
	g.logger.Info("gateway stopping...")
	ctx, cancel := context.WithTimeout(ctx, g.config.ShutdownTimeout)
	defer cancel()
	return g.server.Shutdown(ctx)
}
