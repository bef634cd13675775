package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"streamglass/internal/api"
	"streamglass/internal/observability/logging"
	"streamglass/internal/observability/metrics"
)

// TLSConfig holds certificate and key paths for serving HTTPS.
type TLSConfig struct {
	CertFile string
	KeyFile  string
}

// Config controls the assembled HTTP server.
type Config struct {
	Addr      string
	TLS       TLSConfig
	RateLimit RateLimitConfig
	Security  SecurityConfig
	Logger    *slog.Logger
	Metrics   *metrics.Recorder

	// ShutdownTimeout bounds graceful shutdown once the run context is
	// cancelled. Zero selects DefaultShutdownTimeout.
	ShutdownTimeout time.Duration

	// Ready is closed once the listener is accepting connections.
	Ready chan<- struct{}
}

// DefaultShutdownTimeout bounds graceful shutdown when the context is
// cancelled.
const DefaultShutdownTimeout = 10 * time.Second

// Server wraps an http.Server with the middleware stack applied.
type Server struct {
	httpServer      *http.Server
	logger          *slog.Logger
	metrics         *metrics.Recorder
	rateLimiter     *rateLimiter
	tlsCertFile     string
	tlsKeyFile      string
	shutdownTimeout time.Duration
	ready           chan<- struct{}
}

// New builds the full handler chain around handler and returns a Server
// ready to Run.
func New(handler *api.Handler, cfg Config) (*Server, error) {
	if handler == nil {
		return nil, errors.New("api handler is required")
	}
	if (cfg.TLS.CertFile == "") != (cfg.TLS.KeyFile == "") {
		return nil, errors.New("both TLS cert file and key file must be provided")
	}
	recorder := cfg.Metrics
	if recorder == nil {
		recorder = metrics.Default()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	mux := http.NewServeMux()
	handler.Register(mux)
	mux.Handle("/metrics", recorder.Handler())

	rl := newRateLimiter(cfg.RateLimit)
	chain := http.Handler(mux)
	chain = rateLimitMiddleware(rl, logger, chain)
	chain = securityHeadersMiddleware(cfg.Security, chain)
	chain = metrics.HTTPMiddleware(recorder, chain)
	chain = logging.RequestLogger(logging.RequestLoggerConfig{Logger: logger})(chain)
	chain = requestIDMiddleware(logger, chain)

	timeout := cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = DefaultShutdownTimeout
	}

	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           chain,
		ReadHeaderTimeout: 5 * time.Second,
		// No global write timeout: the overlay stream holds its
		// connection open indefinitely.
		IdleTimeout: 60 * time.Second,
	}

	return &Server{
		httpServer:      httpServer,
		logger:          logger,
		metrics:         recorder,
		rateLimiter:     rl,
		tlsCertFile:     cfg.TLS.CertFile,
		tlsKeyFile:      cfg.TLS.KeyFile,
		shutdownTimeout: timeout,
		ready:           cfg.Ready,
	}, nil
}

// Handler exposes the assembled middleware chain for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Run serves until ctx is cancelled, then shuts down gracefully within the
// configured timeout.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.httpServer.Addr, err)
	}

	if s.tlsCertFile != "" {
		cert, err := tls.LoadX509KeyPair(s.tlsCertFile, s.tlsKeyFile)
		if err != nil {
			ln.Close()
			return fmt.Errorf("load TLS key pair: %w", err)
		}
		s.httpServer.TLSConfig = &tls.Config{
			MinVersion:   tls.VersionTLS12,
			Certificates: []tls.Certificate{cert},
		}
		ln = tls.NewListener(ln, s.httpServer.TLSConfig)
	}

	if s.ready != nil {
		close(s.ready)
	}
	s.logger.Info("http server listening", "addr", ln.Addr().String(), "tls", s.tlsCertFile != "")

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- s.httpServer.Serve(ln)
	}()

	select {
	case err := <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	if err := <-serveErr; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
