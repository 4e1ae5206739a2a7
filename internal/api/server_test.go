package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/resource-catalog/internal/catalog"
	"github.com/JakeFAU/resource-catalog/internal/crawl"
	"github.com/JakeFAU/resource-catalog/internal/verify"
)

type fakeCatalog struct {
	mu       sync.Mutex
	sources  []string
	due      []catalog.Source
	interval time.Duration
	pingErr  error
	addErr   error
	promoted catalog.PromotionStats
}

func (f *fakeCatalog) AddSource(_ context.Context, url string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.addErr != nil {
		return f.addErr
	}
	f.sources = append(f.sources, url)
	return nil
}

func (f *fakeCatalog) SourcesDueForCrawl(_ context.Context, interval time.Duration) ([]catalog.Source, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.interval = interval
	return f.due, nil
}

func (f *fakeCatalog) PromotePendingSubscriptions(context.Context) (catalog.PromotionStats, error) {
	return f.promoted, nil
}

func (f *fakeCatalog) CountRows(context.Context) (catalog.RowCounts, error) {
	return catalog.RowCounts{Sources: 2, Resources: 10, Pending: 1}, nil
}

func (f *fakeCatalog) Ping(context.Context) error {
	return f.pingErr
}

type fakeIngester struct {
	source string
	text   string
}

func (f *fakeIngester) Ingest(_ context.Context, sourceURL, text string) crawl.IngestStats {
	f.source, f.text = sourceURL, text
	return crawl.IngestStats{Candidates: 2, Resources: 1, Existing: 1}
}

type fakeVerifier struct {
	id  string
	err error
	ctx context.Context
}

func (f *fakeVerifier) Start(ctx context.Context) (string, error) {
	f.ctx = ctx
	return f.id, f.err
}

func newTestServer(t *testing.T, cfg Config, deps Deps) *Server {
	t.Helper()
	if deps.Catalog == nil {
		deps.Catalog = &fakeCatalog{}
	}
	deps.Logger = zap.NewNop()
	s, err := NewServer(cfg, deps)
	require.NoError(t, err)
	return s
}

func do(s *Server, method, target string, body string, header http.Header) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	for k, v := range header {
		req.Header[k] = v
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestNewServerRequiresCatalog(t *testing.T) {
	t.Parallel()

	_, err := NewServer(Config{}, Deps{})
	require.Error(t, err)
}

func TestServer_HealthAndReadiness(t *testing.T) {
	t.Parallel()

	cat := &fakeCatalog{}
	s := newTestServer(t, Config{}, Deps{Catalog: cat})

	rec := do(s, http.MethodGet, "/healthz", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	rec = do(s, http.MethodGet, "/readyz", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	cat.pingErr = errors.New("connection refused")
	rec = do(s, http.MethodGet, "/readyz", "", nil)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestServer_Metrics(t *testing.T) {
	t.Parallel()

	s := newTestServer(t, Config{}, Deps{})
	do(s, http.MethodGet, "/healthz", "", nil)

	rec := do(s, http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "http_requests_total")
}

func TestServer_AddSources(t *testing.T) {
	t.Parallel()

	cat := &fakeCatalog{}
	s := newTestServer(t, Config{}, Deps{Catalog: cat})

	rec := do(s, http.MethodPost, "/v1/sources",
		`{"url":"https://raw.example.com/a.txt","urls":["https://raw.example.com/b.txt"]}`, nil)
	require.Equal(t, http.StatusCreated, rec.Code)
	require.JSONEq(t, `{"added":2}`, rec.Body.String())
	require.Equal(t, []string{"https://raw.example.com/a.txt", "https://raw.example.com/b.txt"}, cat.sources)

	rec = do(s, http.MethodPost, "/v1/sources", `{"url":"ftp://nope"}`, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(s, http.MethodPost, "/v1/sources", `{}`, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(s, http.MethodPost, "/v1/sources", `{invalid`, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	cat.addErr = errors.New("db down")
	rec = do(s, http.MethodPost, "/v1/sources", `{"url":"https://raw.example.com/c.txt"}`, nil)
	require.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestServer_DueSources(t *testing.T) {
	t.Parallel()

	cat := &fakeCatalog{due: []catalog.Source{{ID: 1, URL: "https://raw.example.com/a.txt", Status: catalog.SourceActive}}}
	s := newTestServer(t, Config{CrawlInterval: 6 * time.Hour}, Deps{Catalog: cat})

	rec := do(s, http.MethodGet, "/v1/sources/due", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, 6*time.Hour, cat.interval)

	var body struct {
		Sources []catalog.Source `json:"sources"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Sources, 1)

	rec = do(s, http.MethodGet, "/v1/sources/due?hours=1.5", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, 90*time.Minute, cat.interval)

	rec = do(s, http.MethodGet, "/v1/sources/due?hours=soon", "", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServer_Ingest(t *testing.T) {
	t.Parallel()

	ing := &fakeIngester{}
	s := newTestServer(t, Config{MaxIngestBytes: 64}, Deps{Ingester: ing})

	rec := do(s, http.MethodPost, "/v1/ingest?source=https://raw.example.com/a.txt", "ss://abc", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"candidates":2,"resources":1,"pending":0,"existing":1,"errors":0}`, rec.Body.String())
	require.Equal(t, "https://raw.example.com/a.txt", ing.source)
	require.Equal(t, "ss://abc", ing.text)

	rec = do(s, http.MethodPost, "/v1/ingest", "   ", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(s, http.MethodPost, "/v1/ingest?source=nope", "ss://abc", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(s, http.MethodPost, "/v1/ingest", strings.Repeat("x", 65), nil)
	require.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)

	rec = do(newTestServer(t, Config{}, Deps{}), http.MethodPost, "/v1/ingest", "ss://abc", nil)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestServer_StartVerify(t *testing.T) {
	t.Parallel()

	type bgKey struct{}
	bg := context.WithValue(context.Background(), bgKey{}, "app")
	v := &fakeVerifier{id: "0190a0a0-0000-7000-8000-000000000001"}
	s := newTestServer(t, Config{}, Deps{Verifier: v, Background: bg})

	rec := do(s, http.MethodPost, "/v1/verify", "", nil)
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.JSONEq(t, `{"run_id":"0190a0a0-0000-7000-8000-000000000001"}`, rec.Body.String())
	require.Equal(t, "app", v.ctx.Value(bgKey{}), "runs use the server's background context")

	v.err = verify.ErrRunInProgress
	rec = do(s, http.MethodPost, "/v1/verify", "", nil)
	require.Equal(t, http.StatusConflict, rec.Code)

	v.err = errors.New("boom")
	rec = do(s, http.MethodPost, "/v1/verify", "", nil)
	require.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestServer_PromoteAndStats(t *testing.T) {
	t.Parallel()

	cat := &fakeCatalog{promoted: catalog.PromotionStats{Checked: 3, Promoted: 1, Failed: 2}}
	s := newTestServer(t, Config{}, Deps{Catalog: cat})

	rec := do(s, http.MethodPost, "/v1/pending/promote", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"checked":3,"promoted":1,"failed":2}`, rec.Body.String())

	rec = do(s, http.MethodGet, "/v1/stats", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"sources":2,"resources":10,"pending":1}`, rec.Body.String())
}

func TestServer_APIKeyMiddleware(t *testing.T) {
	t.Parallel()

	s := newTestServer(t, Config{APIKey: "secret"}, Deps{})

	rec := do(s, http.MethodGet, "/v1/stats", "", nil)
	require.Equal(t, http.StatusForbidden, rec.Code)

	rec = do(s, http.MethodGet, "/v1/stats", "", http.Header{"X-Api-Key": {"secret"}})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(s, http.MethodGet, "/v1/stats?api_key=secret", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(s, http.MethodGet, "/healthz", "", nil)
	require.Equal(t, http.StatusOK, rec.Code, "probes stay open")
}

func TestRequestIDMiddleware(t *testing.T) {
	t.Parallel()

	s := newTestServer(t, Config{}, Deps{})
	rec := do(s, http.MethodGet, "/healthz", "", http.Header{"X-Request-Id": {"req-123"}})
	require.Equal(t, "req-123", rec.Header().Get("X-Request-ID"))

	rec = do(s, http.MethodGet, "/healthz", "", nil)
	require.Len(t, rec.Header().Get("X-Request-ID"), 36)
}

func TestRecoverMiddleware(t *testing.T) {
	t.Parallel()

	s := newTestServer(t, Config{}, Deps{})
	h := s.recoverMiddleware(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusInternalServerError, rec.Code)
}

type hijackableRecorder struct {
	*httptest.ResponseRecorder
	server net.Conn
}

func (h *hijackableRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	rw := bufio.NewReadWriter(bufio.NewReader(h.server), bufio.NewWriter(h.server))
	return h.server, rw, nil
}

func TestResponseWriterHijackBehavior(t *testing.T) {
	t.Parallel()

	plain := &responseWriter{ResponseWriter: httptest.NewRecorder()}
	_, _, err := plain.Hijack()
	require.Error(t, err)

	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()
	rw := &responseWriter{ResponseWriter: &hijackableRecorder{ResponseRecorder: httptest.NewRecorder(), server: server}}
	conn, buf, err := rw.Hijack()
	require.NoError(t, err)
	assert.Equal(t, server, conn)
	assert.NotNil(t, buf)

	w := &responseWriter{ResponseWriter: httptest.NewRecorder(), status: http.StatusOK}
	w.WriteHeader(http.StatusTeapot)
	_, err = w.Write([]byte("ok"))
	require.NoError(t, err)
	assert.Equal(t, http.StatusTeapot, w.status)
}
