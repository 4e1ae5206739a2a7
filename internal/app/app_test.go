package app_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/resource-catalog/internal/app"
	"github.com/JakeFAU/resource-catalog/internal/catalog"
	"github.com/JakeFAU/resource-catalog/internal/config"
)

type fakeStore struct {
	mu     sync.Mutex
	saved  []catalog.Item
	closed bool
}

func (f *fakeStore) AddSource(context.Context, string) error { return nil }

func (f *fakeStore) SourcesDueForCrawl(context.Context, time.Duration) ([]catalog.Source, error) {
	return nil, nil
}

func (f *fakeStore) MarkSourceDeleted(context.Context, string) error { return nil }

func (f *fakeStore) RecordSourceOutcome(context.Context, string, bool) error { return nil }

func (f *fakeStore) RecordSourceStatusCode(context.Context, string, int) error { return nil }

func (f *fakeStore) SaveResource(_ context.Context, item catalog.Item, _ string) (catalog.Placement, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saved = append(f.saved, item)
	return catalog.PlacementResource, nil
}

func (f *fakeStore) PromotePendingSubscriptions(context.Context) (catalog.PromotionStats, error) {
	return catalog.PromotionStats{}, nil
}

func (f *fakeStore) ListResources(context.Context) ([]catalog.Resource, error) { return nil, nil }

func (f *fakeStore) UpdateVerification(context.Context, catalog.Verification) error { return nil }

func (f *fakeStore) CountRows(context.Context) (catalog.RowCounts, error) {
	return catalog.RowCounts{}, nil
}

func (f *fakeStore) Ping(context.Context) error { return nil }

func (f *fakeStore) Close(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeStore) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func testConfig() config.Config {
	return config.Config{
		Server: config.ServerConfig{Port: 0},
		Verify: config.VerifyConfig{Workers: 2, ProbeTimeoutSeconds: 1, IdleExitMs: 20, EnginePath: "sing-box"},
		Probe:  config.ProbeConfig{SubscriptionTimeoutSeconds: 1, UserAgent: "test"},
		Geo: config.GeoConfig{
			Providers:      []string{"ipinfo"},
			TimeoutSeconds: 1,
			Cache:          config.GeoCacheConfig{Backend: config.CacheMemory},
		},
		Report: config.ReportConfig{Backend: config.ReportMemory, TestLocation: "XX-Test-Lab"},
		Crawl:  config.CrawlConfig{TimeoutSeconds: 1, IntervalHours: 6},
	}
}

func newTestApp(t *testing.T, cfg config.Config, store *fakeStore) *app.App {
	t.Helper()
	a, err := app.New(context.Background(), cfg, app.Options{
		Store:      store,
		Logger:     zap.NewNop(),
		Registerer: prometheus.NewRegistry(),
	})
	require.NoError(t, err)
	return a
}

func TestNewRequiresStore(t *testing.T) {
	t.Parallel()

	_, err := app.New(context.Background(), testConfig(), app.Options{})
	require.ErrorContains(t, err, "store is required")
}

func TestNewWiresMemoryBackends(t *testing.T) {
	t.Parallel()

	store := &fakeStore{}
	a := newTestApp(t, testConfig(), store)

	rep, err := a.Verify(context.Background())
	require.NoError(t, err)
	assert.Zero(t, rep.Summary.TotalResources)
	assert.Equal(t, "XX-Test-Lab", rep.Summary.TestLocation)
	assert.Same(t, store, a.Catalog())

	require.NoError(t, a.Close(context.Background()))
	assert.True(t, store.isClosed())
}

func TestNewClosesStoreOnFailure(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Report = config.ReportConfig{Backend: config.ReportLocal}
	store := &fakeStore{}

	_, err := app.New(context.Background(), cfg, app.Options{Store: store, Registerer: prometheus.NewRegistry()})
	require.ErrorContains(t, err, "local blob store")
	assert.True(t, store.isClosed())
}

func TestIngestSavesCandidates(t *testing.T) {
	t.Parallel()

	store := &fakeStore{}
	a := newTestApp(t, testConfig(), store)
	t.Cleanup(func() { _ = a.Close(context.Background()) })

	stats := a.Ingest(context.Background(), "https://example.org/list.txt",
		"ss://YWVzLTI1Ni1nY206cGFzcw@1.2.3.4:8388#a\ntrojan://secret@example.net:443?security=tls#t\n")
	assert.Equal(t, 2, stats.Candidates)
	assert.Equal(t, 2, stats.Resources)
	assert.Len(t, store.saved, 2)
}

func TestHandlerServesHealth(t *testing.T) {
	t.Parallel()

	a := newTestApp(t, testConfig(), &fakeStore{})
	t.Cleanup(func() { _ = a.Close(context.Background()) })

	rec := httptest.NewRecorder()
	a.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestServeStopsOnCancel(t *testing.T) {
	cfg := testConfig()
	cfg.Schedule = config.ScheduleConfig{Enabled: true, Verify: "@every 1h", Promote: "@every 1h", Crawl: "@every 1h"}
	a := newTestApp(t, cfg, &fakeStore{})
	t.Cleanup(func() { _ = a.Close(context.Background()) })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Serve(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
}

func TestServeRejectsBadSchedule(t *testing.T) {
	cfg := testConfig()
	cfg.Schedule = config.ScheduleConfig{Enabled: true, Verify: "whenever"}
	a := newTestApp(t, cfg, &fakeStore{})
	t.Cleanup(func() { _ = a.Close(context.Background()) })

	err := a.Serve(context.Background())
	require.ErrorContains(t, err, "parse schedule")
}
