package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/resource-catalog/internal/catalog"
	"github.com/JakeFAU/resource-catalog/internal/crawl"
	iduuid "github.com/JakeFAU/resource-catalog/internal/id/uuid"
	"github.com/JakeFAU/resource-catalog/internal/metrics"
	"github.com/JakeFAU/resource-catalog/internal/verify"
)

// Catalog is the slice of the store the API reads and writes.
type Catalog interface {
	AddSource(ctx context.Context, url string) error
	SourcesDueForCrawl(ctx context.Context, interval time.Duration) ([]catalog.Source, error)
	PromotePendingSubscriptions(ctx context.Context) (catalog.PromotionStats, error)
	CountRows(ctx context.Context) (catalog.RowCounts, error)
	Ping(ctx context.Context) error
}

// Ingester classifies and saves submitted text.
type Ingester interface {
	Ingest(ctx context.Context, sourceURL, text string) crawl.IngestStats
}

// Verifier starts background verification runs.
type Verifier interface {
	Start(ctx context.Context) (string, error)
}

// Config tunes the HTTP layer.
type Config struct {
	// APIKey protects /v1 when non-empty.
	APIKey         string
	RequestTimeout time.Duration
	// CrawlInterval is the default window for /v1/sources/due.
	CrawlInterval  time.Duration
	MaxIngestBytes int64
}

// Deps carries the server's collaborators. Catalog is required.
type Deps struct {
	Catalog  Catalog
	Ingester Ingester
	Verifier Verifier
	Runs     RunReader
	// Background scopes work that outlives a request, such as verify runs.
	Background context.Context
	Logger     *zap.Logger
}

// Server wires HTTP handlers to the catalog, the crawler and the engine.
type Server struct {
	router     chi.Router
	cfg        Config
	catalog    Catalog
	ingester   Ingester
	verifier   Verifier
	background context.Context
	ids        iduuid.Generator
	logger     *zap.Logger
}

const (
	defaultRequestTimeout = 60 * time.Second
	defaultMaxIngestBytes = 8 << 20
	readyTimeout          = 2 * time.Second
)

// NewServer constructs a Server with middleware and routes.
func NewServer(cfg Config, deps Deps) (*Server, error) {
	if deps.Catalog == nil {
		return nil, errors.New("api: catalog is required")
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	if cfg.CrawlInterval <= 0 {
		cfg.CrawlInterval = 6 * time.Hour
	}
	if cfg.MaxIngestBytes <= 0 {
		cfg.MaxIngestBytes = defaultMaxIngestBytes
	}
	s := &Server{
		cfg:        cfg,
		catalog:    deps.Catalog,
		ingester:   deps.Ingester,
		verifier:   deps.Verifier,
		background: deps.Background,
		ids:        iduuid.New(),
		logger:     deps.Logger,
	}
	if s.background == nil {
		s.background = context.Background()
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	runs := NewRunHandler(deps.Runs, s.logger)

	r := chi.NewRouter()
	r.Use(s.requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(metrics.Middleware)

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		if cfg.APIKey != "" {
			r.Use(apiKeyMiddleware(cfg.APIKey))
		}
		// Promotion probes every pending row and may outlast the request timeout.
		r.Post("/pending/promote", s.promotePending)
		r.Post("/verify", s.startVerify)

		r.Group(func(r chi.Router) {
			r.Use(timeoutMiddleware(cfg.RequestTimeout))
			r.Post("/sources", s.addSources)
			r.Get("/sources/due", s.dueSources)
			r.Post("/ingest", s.ingest)
			r.Get("/stats", s.stats)
			r.Get("/runs/{run_id}", runs.GetRun)
		})
	})

	s.router = r
	return s, nil
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), readyTimeout)
	defer cancel()
	if err := s.catalog.Ping(ctx); err != nil {
		s.logger.Warn("readiness check failed", zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, "catalog store unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type addSourcesRequest struct {
	URL  string   `json:"url"`
	URLs []string `json:"urls"`
}

func (s *Server) addSources(w http.ResponseWriter, r *http.Request) {
	var req addSourcesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	urls := req.URLs
	if req.URL != "" {
		urls = append([]string{req.URL}, urls...)
	}
	if len(urls) == 0 {
		writeError(w, http.StatusBadRequest, "url required")
		return
	}
	for _, u := range urls {
		if !catalog.ValidSourceURL(u) {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid source url %q", u))
			return
		}
	}
	for _, u := range urls {
		if err := s.catalog.AddSource(r.Context(), strings.TrimSpace(u)); err != nil {
			s.logger.Error("add source failed", zap.Error(err))
			writeError(w, http.StatusInternalServerError, "failed to add source")
			return
		}
	}
	writeJSON(w, http.StatusCreated, map[string]int{"added": len(urls)})
}

func (s *Server) dueSources(w http.ResponseWriter, r *http.Request) {
	interval := s.cfg.CrawlInterval
	if raw := r.URL.Query().Get("hours"); raw != "" {
		hours, err := strconv.ParseFloat(raw, 64)
		if err != nil || hours < 0 {
			writeError(w, http.StatusBadRequest, "invalid hours")
			return
		}
		interval = time.Duration(hours * float64(time.Hour))
	}
	sources, err := s.catalog.SourcesDueForCrawl(r.Context(), interval)
	if err != nil {
		s.logger.Error("list due sources failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list sources")
		return
	}
	if sources == nil {
		sources = []catalog.Source{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"sources": sources})
}

func (s *Server) ingest(w http.ResponseWriter, r *http.Request) {
	if s.ingester == nil {
		writeError(w, http.StatusServiceUnavailable, "ingest unavailable")
		return
	}
	source := strings.TrimSpace(r.URL.Query().Get("source"))
	if source != "" && !catalog.ValidSourceURL(source) {
		writeError(w, http.StatusBadRequest, "invalid source url")
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.cfg.MaxIngestBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "body too large")
			return
		}
		writeError(w, http.StatusBadRequest, "failed to read body")
		return
	}
	if len(strings.TrimSpace(string(body))) == 0 {
		writeError(w, http.StatusBadRequest, "empty body")
		return
	}
	stats := s.ingester.Ingest(r.Context(), source, string(body))
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) startVerify(w http.ResponseWriter, _ *http.Request) {
	if s.verifier == nil {
		writeError(w, http.StatusServiceUnavailable, "verification unavailable")
		return
	}
	runID, err := s.verifier.Start(s.background)
	if err != nil {
		if errors.Is(err, verify.ErrRunInProgress) {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		s.logger.Error("start verification failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to start verification")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"run_id": runID})
}

func (s *Server) promotePending(w http.ResponseWriter, r *http.Request) {
	stats, err := s.catalog.PromotePendingSubscriptions(r.Context())
	if err != nil {
		s.logger.Error("promote pending failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to promote pending subscriptions")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) stats(w http.ResponseWriter, r *http.Request) {
	counts, err := s.catalog.CountRows(r.Context())
	if err != nil {
		s.logger.Error("count rows failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to count rows")
		return
	}
	writeJSON(w, http.StatusOK, counts)
}

const requestIDHeader = "X-Request-ID"

type requestIDKey struct{}

// RequestID returns the id assigned to the request, if any.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func (s *Server) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get(requestIDHeader)
		if reqID == "" || len(reqID) > 128 {
			reqID = s.ids.NewRequestID()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set(requestIDHeader, reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		s.logger.Info("request completed",
			zap.String("request_id", RequestID(r.Context())),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.status),
			zap.Int64("duration_ms", time.Since(start).Milliseconds()),
		)
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic recovered",
					zap.String("request_id", RequestID(r.Context())),
					zap.Any("error", rec),
				)
				writeError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	if err != nil {
		return n, fmt.Errorf("write response: %w", err)
	}
	return n, nil
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		conn, buf, err := h.Hijack()
		if err != nil {
			return nil, nil, fmt.Errorf("hijack connection: %w", err)
		}
		return conn, buf, nil
	}
	return nil, nil, errors.New("hijacker not supported")
}

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if key != expected {
				writeError(w, http.StatusForbidden, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	// The status line is already out; an encode failure can only be dropped.
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
