package observability

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/eleven-am/dnssd/internal/domain"
	"github.com/eleven-am/dnssd/internal/xjson"
)

// StatusProvider is what the server reports on. *core.Engine satisfies it.
type StatusProvider interface {
	ResolverName() string
	Browsing() bool
	ActiveResolves() int
	RegistrationState() domain.RegistrationState
}

// CandidateCounter is optionally implemented by the candidate manager.
type CandidateCounter interface {
	Candidates() []domain.PeerCandidate
}

type Config struct {
	Addr         string        `json:"addr" yaml:"addr"`
	ReadTimeout  time.Duration `json:"read_timeout" yaml:"read_timeout"`
	WriteTimeout time.Duration `json:"write_timeout" yaml:"write_timeout"`
	IdleTimeout  time.Duration `json:"idle_timeout" yaml:"idle_timeout"`
}

func DefaultConfig() Config {
	return Config{
		Addr:         ":9090",
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}

type HealthResponse struct {
	Status            string    `json:"status"`
	Timestamp         time.Time `json:"timestamp"`
	Uptime            string    `json:"uptime"`
	Backend           string    `json:"backend"`
	Browsing          bool      `json:"browsing"`
	ActiveResolves    int       `json:"active_resolves"`
	RegistrationState string    `json:"registration_state"`
	Candidates        *int      `json:"candidates,omitempty"`
}

// Server exposes prometheus metrics and engine status over HTTP.
type Server struct {
	cfg        Config
	status     StatusProvider
	candidates CandidateCounter
	gatherer   prometheus.Gatherer
	logger     *slog.Logger
	startTime  time.Time
}

// NewServer builds a server over status. gatherer defaults to the
// process-wide prometheus registry.
func NewServer(cfg Config, status StatusProvider, gatherer prometheus.Gatherer, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return &Server{
		cfg:       cfg,
		status:    status,
		gatherer:  gatherer,
		logger:    logger.With("component", "observability"),
		startTime: time.Now(),
	}
}

// WithCandidates adds the candidate count to /health.
func (s *Server) WithCandidates(c CandidateCounter) *Server {
	s.candidates = c
	return s
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/ready", s.handleReady)
	mux.HandleFunc("/live", s.handleLive)
	return s.withLogging(mux)
}

// Serve listens on cfg.Addr until ctx ends, then shuts down.
func (s *Server) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	return s.ServeListener(ctx, ln)
}

func (s *Server) ServeListener(ctx context.Context, ln net.Listener) error {
	server := &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
		IdleTimeout:  s.cfg.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Serve(ln)
	}()
	s.logger.Info("serving", "addr", ln.Addr().String())

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.logger.Info("shutting down")
	return server.Shutdown(shutdownCtx)
}

func (s *Server) health() HealthResponse {
	resp := HealthResponse{
		Status:            "ok",
		Timestamp:         time.Now(),
		Uptime:            time.Since(s.startTime).Round(time.Second).String(),
		Backend:           s.status.ResolverName(),
		Browsing:          s.status.Browsing(),
		ActiveResolves:    s.status.ActiveResolves(),
		RegistrationState: s.status.RegistrationState().String(),
	}
	if s.candidates != nil {
		n := len(s.candidates.Candidates())
		resp.Candidates = &n
	}
	return resp
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	body, err := xjson.Marshal(s.health())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(body)
}

// handleReady reports ready once something is browsing or announced.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if !s.status.Browsing() && s.status.RegistrationState() != domain.StateRegistered {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte("not ready"))
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ready"))
}

func (s *Server) handleLive(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("live"))
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rw, r)
		s.logger.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rw.statusCode,
			"duration", time.Since(start))
	})
}

type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (w *responseWriter) WriteHeader(statusCode int) {
	w.statusCode = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}
