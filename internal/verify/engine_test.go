package verify

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/resource-catalog/internal/catalog"
	"github.com/JakeFAU/resource-catalog/internal/geo"
	"github.com/JakeFAU/resource-catalog/internal/progress"
	"github.com/JakeFAU/resource-catalog/internal/report"
	"github.com/JakeFAU/resource-catalog/internal/storage/memory"
)

type fakeStore struct {
	mu        sync.Mutex
	resources []catalog.Resource
	listErr   error
	updates   map[string]catalog.Verification
}

func newFakeStore(resources ...catalog.Resource) *fakeStore {
	return &fakeStore{resources: resources, updates: make(map[string]catalog.Verification)}
}

func (s *fakeStore) ListResources(context.Context) ([]catalog.Resource, error) {
	if s.listErr != nil {
		return nil, s.listErr
	}
	return append([]catalog.Resource(nil), s.resources...), nil
}

func (s *fakeStore) UpdateVerification(_ context.Context, v catalog.Verification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updates[v.URL] = v
	return nil
}

func (s *fakeStore) update(url string) (catalog.Verification, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.updates[url]
	return v, ok
}

// proberFunc adapts a function to catalog.Prober.
type proberFunc func(ctx context.Context, res catalog.Resource) catalog.ProbeResult

func (f proberFunc) Probe(ctx context.Context, res catalog.Resource) catalog.ProbeResult {
	return f(ctx, res)
}

// succeedUnless fails every resource whose URL contains one of the markers.
func succeedUnless(markers ...string) proberFunc {
	return func(_ context.Context, res catalog.Resource) catalog.ProbeResult {
		for _, m := range markers {
			if strings.Contains(res.URL, m) {
				return catalog.ProbeResult{Error: "engine check failed: " + m, Elapsed: 20 * time.Millisecond}
			}
		}
		return catalog.ProbeResult{Success: true, Elapsed: 10 * time.Millisecond}
	}
}

type fakeIPs struct{}

func (fakeIPs) IP(_ context.Context, uri string) (string, error) {
	if strings.Contains(uri, "noip") {
		return "", errors.New("no host")
	}
	return "203.0.113.7", nil
}

type fakeGeo struct {
	calls atomic.Int32
}

func (g *fakeGeo) Resolve(_ context.Context, ip string) (geo.Result, error) {
	g.calls.Add(1)
	return geo.Result{IP: ip, Location: "JP-Japan-Tokyo", Providers: map[string]bool{geo.ProviderIPInfo: false, geo.ProviderIPWho: true}}, nil
}

func (g *fakeGeo) CurrentLocation(context.Context) string {
	return "DE-Germany-Berlin"
}

type captureReporter struct {
	mu      sync.Mutex
	reports []report.Report
	names   []string
	err     error
}

func (c *captureReporter) Write(_ context.Context, r report.Report, name string) (string, error) {
	if c.err != nil {
		return "", c.err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reports = append(c.reports, r)
	c.names = append(c.names, name)
	return "memory://" + name, nil
}

type captureEmitter struct {
	mu     sync.Mutex
	events []progress.Event
}

func (c *captureEmitter) Emit(evt progress.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, evt)
}

func (c *captureEmitter) stages() map[progress.Stage]int {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[progress.Stage]int)
	for _, e := range c.events {
		out[e.Stage]++
	}
	return out
}

func (c *captureEmitter) last() progress.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.events[len(c.events)-1]
}

func resources(n int) []catalog.Resource {
	out := make([]catalog.Resource, 0, n)
	for i := range n {
		out = append(out, catalog.Resource{
			ID:       int64(i + 1),
			URL:      fmt.Sprintf("ss://node-%02d@example.net:8388", i),
			Protocol: catalog.ProtocolSS,
			Status:   catalog.ResourcePending,
		})
	}
	return out
}

func testConfig() Config {
	return Config{Workers: 4, ProbeTimeout: time.Second, IdleExit: 20 * time.Millisecond}
}

func TestNewValidates(t *testing.T) {
	t.Parallel()

	_, err := New(testConfig(), Deps{Prober: succeedUnless()})
	require.Error(t, err)

	_, err = New(testConfig(), Deps{Store: newFakeStore()})
	require.Error(t, err)

	_, err = New(testConfig(), Deps{Store: newFakeStore(), Prober: succeedUnless(), Geo: &fakeGeo{}})
	require.ErrorContains(t, err, "ip extractor")

	e, err := New(Config{}, Deps{Store: newFakeStore(), Prober: succeedUnless()})
	require.NoError(t, err)
	assert.Equal(t, 5, e.cfg.Workers)
	assert.Equal(t, 10*time.Second, e.cfg.ProbeTimeout)
}

func TestRunProcessesEveryResource(t *testing.T) {
	t.Parallel()

	rows := resources(23)
	store := newFakeStore(rows...)
	events := &captureEmitter{}
	reporter := &captureReporter{}
	e, err := New(testConfig(), Deps{
		Store:    store,
		Prober:   succeedUnless("node-03", "node-17"),
		Reporter: reporter,
		Events:   events,
		Logger:   zap.NewNop(),
	})
	require.NoError(t, err)

	rep, err := e.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 23, rep.Summary.TotalResources)
	assert.Equal(t, 21, rep.Summary.Success)
	assert.Equal(t, 2, rep.Summary.Failed)
	assert.Len(t, rep.DetailedResults, 23)
	assert.Equal(t, geo.UnknownLocation, rep.Summary.TestLocation)

	for _, row := range rows {
		v, ok := store.update(row.URL)
		require.True(t, ok, "missing update for %s", row.URL)
		want := catalog.ResourceSuccess
		if strings.Contains(row.URL, "node-03") || strings.Contains(row.URL, "node-17") {
			want = catalog.ResourceFailed
		}
		assert.Equal(t, want, v.Status, row.URL)
		assert.Equal(t, want == catalog.ResourceSuccess, v.SingboxVerified)
		assert.False(t, v.CheckedAt.IsZero())
	}

	stages := events.stages()
	assert.Equal(t, 1, stages[progress.StageRunStart])
	assert.Equal(t, 23, stages[progress.StageProbeDone])
	assert.Equal(t, 1, stages[progress.StageRunDone])
	last := events.last()
	assert.Equal(t, progress.StageRunDone, last.Stage)
	assert.True(t, strings.HasPrefix(last.Note, "memory://resource_test_report_"))

	require.Len(t, reporter.reports, 1)
	assert.Equal(t, rep.RunID, reporter.reports[0].RunID)
	assert.False(t, e.Running())
}

func TestRunResolvesRegionOnlyWhenNeeded(t *testing.T) {
	t.Parallel()

	rows := []catalog.Resource{
		{ID: 1, URL: "ss://fresh@1.2.3.4:443", Protocol: catalog.ProtocolSS},
		{ID: 2, URL: "ss://known@1.2.3.5:443", Protocol: catalog.ProtocolSS, ServerRegion: "US-United States-Unknown", LocationVerified: true},
		{ID: 3, URL: "ss://dead@1.2.3.6:443", Protocol: catalog.ProtocolSS},
		{ID: 4, URL: "ss://noip", Protocol: catalog.ProtocolSS},
		{ID: 5, URL: "https://example.com/sub.yaml", Protocol: catalog.ProtocolClashSub},
	}
	store := newFakeStore(rows...)
	g := &fakeGeo{}
	cfg := testConfig()
	cfg.ResolveRegions = true
	e, err := New(cfg, Deps{Store: store, Prober: succeedUnless("dead"), IPs: fakeIPs{}, Geo: g})
	require.NoError(t, err)

	rep, err := e.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "DE-Germany-Berlin", rep.Summary.TestLocation)

	fresh, _ := store.update("ss://fresh@1.2.3.4:443")
	assert.Equal(t, "JP-Japan-Tokyo", fresh.Region)
	assert.True(t, fresh.LocationVerified)
	assert.True(t, fresh.SingboxVerified)
	assert.Equal(t, map[string]bool{geo.ProviderIPInfo: false, geo.ProviderIPWho: true}, fresh.GeoProviders)

	known, _ := store.update("ss://known@1.2.3.5:443")
	assert.Empty(t, known.Region, "existing region is left alone")

	dead, _ := store.update("ss://dead@1.2.3.6:443")
	assert.Empty(t, dead.Region, "failed probes are not located")
	assert.Nil(t, dead.GeoProviders)
	assert.Equal(t, catalog.ResourceFailed, dead.Status)

	noip, _ := store.update("ss://noip")
	assert.Empty(t, noip.Region)
	assert.False(t, noip.LocationVerified)

	sub, _ := store.update("https://example.com/sub.yaml")
	assert.False(t, sub.SingboxVerified, "subscriptions are not engine verified")

	// fresh and the subscription reach the resolver; noip fails before it.
	assert.Equal(t, int32(2), g.calls.Load())
	assert.Equal(t, 2, rep.RegionStats["JP-Japan-Tokyo"].Total)
	assert.Equal(t, 1, rep.RegionStats["US-United States-Unknown"].Total)
}

func TestRunRecoversProbePanic(t *testing.T) {
	t.Parallel()

	rows := resources(3)
	store := newFakeStore(rows...)
	prober := proberFunc(func(_ context.Context, res catalog.Resource) catalog.ProbeResult {
		if res.ID == 2 {
			panic("boom")
		}
		return catalog.ProbeResult{Success: true}
	})
	e, err := New(testConfig(), Deps{Store: store, Prober: prober})
	require.NoError(t, err)

	rep, err := e.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, rep.Summary.TotalResources)
	assert.Equal(t, 2, rep.Summary.Success)

	v, ok := store.update(rows[1].URL)
	require.True(t, ok)
	assert.Equal(t, catalog.ResourceFailed, v.Status)
	assert.Equal(t, "probe panic: boom", rep.DetailedResults[1].ErrorMessage)
}

func TestRunEmptyCatalog(t *testing.T) {
	t.Parallel()

	events := &captureEmitter{}
	reporter := &captureReporter{}
	e, err := New(testConfig(), Deps{Store: newFakeStore(), Prober: succeedUnless(), Events: events, Reporter: reporter})
	require.NoError(t, err)

	rep, err := e.Run(context.Background())
	require.NoError(t, err)
	assert.Zero(t, rep.Summary.TotalResources)
	assert.Empty(t, rep.DetailedResults)
	assert.Len(t, reporter.reports, 1)
	assert.Equal(t, 1, events.stages()[progress.StageRunDone])
}

func TestRunSnapshotFailure(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	store.listErr = errors.New("connection refused")
	events := &captureEmitter{}
	e, err := New(testConfig(), Deps{Store: store, Prober: succeedUnless(), Events: events})
	require.NoError(t, err)

	_, err = e.Run(context.Background())
	require.ErrorContains(t, err, "connection refused")

	last := events.last()
	assert.Equal(t, progress.StageRunError, last.Stage)
	assert.Contains(t, last.Note, "snapshot catalog")
	assert.False(t, e.Running())
}

func TestRunReportFailure(t *testing.T) {
	t.Parallel()

	events := &captureEmitter{}
	e, err := New(testConfig(), Deps{
		Store:    newFakeStore(resources(2)...),
		Prober:   succeedUnless(),
		Reporter: &captureReporter{err: errors.New("bucket missing")},
		Events:   events,
	})
	require.NoError(t, err)

	rep, err := e.Run(context.Background())
	require.ErrorContains(t, err, "bucket missing")
	assert.Equal(t, 2, rep.Summary.TotalResources, "the built report is still returned")
	assert.Equal(t, progress.StageRunError, events.last().Stage)
}

func TestRunRejectsOverlap(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	started := make(chan struct{}, 1)
	prober := proberFunc(func(ctx context.Context, _ catalog.Resource) catalog.ProbeResult {
		select {
		case started <- struct{}{}:
		default:
		}
		<-release
		return catalog.ProbeResult{Success: true}
	})
	e, err := New(testConfig(), Deps{Store: newFakeStore(resources(1)...), Prober: prober})
	require.NoError(t, err)

	_, err = e.Start(context.Background())
	require.NoError(t, err)
	<-started
	assert.True(t, e.Running())

	_, err = e.Run(context.Background())
	require.ErrorIs(t, err, ErrRunInProgress)
	_, err = e.Start(context.Background())
	require.ErrorIs(t, err, ErrRunInProgress)

	close(release)
	e.Wait()
	assert.False(t, e.Running())
}

func TestStartRegistersRun(t *testing.T) {
	t.Parallel()

	runs := memory.NewRunStore()
	e, err := New(testConfig(), Deps{Store: newFakeStore(resources(4)...), Prober: succeedUnless(), Runs: runs})
	require.NoError(t, err)

	id, err := e.Start(context.Background())
	require.NoError(t, err)
	require.NotEmpty(t, id)

	run, err := runs.GetRun(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, id, run.ID)
	assert.False(t, run.CreatedAt.IsZero())

	e.Wait()
	assert.False(t, e.Running())

	// A second run is accepted once the first has finished.
	id2, err := e.Start(context.Background())
	require.NoError(t, err)
	assert.NotEqual(t, id, id2)
	e.Wait()
}

func TestProbeHonorsTimeout(t *testing.T) {
	t.Parallel()

	prober := proberFunc(func(ctx context.Context, _ catalog.Resource) catalog.ProbeResult {
		<-ctx.Done()
		return catalog.ProbeResult{Error: ctx.Err().Error()}
	})
	cfg := testConfig()
	cfg.ProbeTimeout = 30 * time.Millisecond
	e, err := New(cfg, Deps{Store: newFakeStore(resources(2)...), Prober: prober})
	require.NoError(t, err)

	rep, err := e.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, rep.Summary.Failed)
	assert.Equal(t, context.DeadlineExceeded.Error(), rep.DetailedResults[0].ErrorMessage)
}
