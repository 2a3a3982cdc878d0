package scan

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aegisflux/scanengine/internal/cache"
	"github.com/aegisflux/scanengine/internal/fetch"
	"github.com/aegisflux/scanengine/internal/metrics"
	"github.com/aegisflux/scanengine/internal/model"
	"github.com/aegisflux/scanengine/internal/module"
	"github.com/aegisflux/scanengine/internal/module/moduletest"
	"github.com/aegisflux/scanengine/internal/registry"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

type fixture struct {
	tracker *moduletest.Tracker
	entries []registry.Entry
	gateway *fetch.Gateway
	metrics *metrics.Metrics
	cfg     Config
}

func newFixture() *fixture {
	return &fixture{
		tracker: moduletest.NewTracker(),
		metrics: metrics.NewMetrics(prometheus.NewRegistry()),
		cfg:     Config{QueueCapacity: 4, DedupeCapacity: 1000},
	}
}

func (fx *fixture) add(desc module.Descriptor, handle moduletest.HandleFunc) {
	fx.entries = append(fx.entries, registry.Entry{Descriptor: desc, Factory: fx.tracker.Factory(desc, handle)})
}

func (fx *fixture) coordinator(t *testing.T) *Coordinator {
	t.Helper()
	reg, err := registry.New(fx.entries...)
	require.NoError(t, err)
	catalog := model.NewCatalog()
	reg.RegisterTypes(catalog)
	return NewCoordinator(reg, catalog, fx.gateway, fx.metrics, fx.cfg, testLogger())
}

func waitDone(t *testing.T, s *Session) Status {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	st, err := s.Wait(ctx)
	require.NoError(t, err, "scan did not finish: %+v", s.Snapshot())
	return st
}

func ofType(fs []*model.Finding, t model.FindingType) []*model.Finding {
	var out []*model.Finding
	for _, f := range fs {
		if f.Type == t {
			out = append(out, f)
		}
	}
	return out
}

func types(ts ...model.FindingType) []model.FindingType { return ts }

// resolver emits the given addresses for every domain it sees
func resolver(ips ...string) moduletest.HandleFunc {
	return func(ctx context.Context, env module.Env, f *model.Finding, emit module.Emitter) error {
		for _, ip := range ips {
			if err := emit.Emit(ctx, model.NewFinding(model.TypeIPAddress, ip, "sfp_resolve", f)); err != nil {
				return err
			}
		}
		return nil
	}
}

var resolveDesc = module.Descriptor{
	Name:     "sfp_resolve",
	Watches:  types(model.TypeDomainName),
	Produces: types(model.TypeIPAddress),
}

var abuseDesc = module.Descriptor{
	Name:     "sfp_abuse",
	Watches:  types(model.TypeIPAddress),
	Produces: types(model.TypeMaliciousIPAddr),
	Flags:    module.Flags{RequiresAPIKey: true},
	DefaultOptions: module.Options{
		"api_key": "test-key",
	},
	Pacing: 10 * time.Millisecond,
}

// abuseCheck asks the upstream for a verdict through the gateway
func abuseCheck(url string) moduletest.HandleFunc {
	return func(ctx context.Context, env module.Env, f *model.Finding, emit module.Emitter) error {
		resp, err := env.Net.Do(ctx, fetch.Call{
			Signature: []string{f.Data},
			URL:       url + "/check?ip=" + f.Data,
		})
		if err != nil {
			if resp != nil && resp.StatusCode == http.StatusTooManyRequests {
				return module.Unrecoverable(err)
			}
			return err
		}
		if string(resp.Body) != "malicious" {
			return nil
		}
		return emit.Emit(ctx, model.NewFinding(model.TypeMaliciousIPAddr, "abuse ["+f.Data+"]", "sfp_abuse", f))
	}
}

func TestScan_CachedVerdictAcrossScans(t *testing.T) {
	var upstream atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		upstream.Add(1)
		w.Write([]byte("malicious"))
	}))
	defer srv.Close()

	store, err := cache.NewMemoryStore(64)
	require.NoError(t, err)
	c := cache.New(store, testLogger())

	fx := newFixture()
	fx.gateway = fetch.NewGateway(fetch.NewHTTPClient(time.Second, ""), c, nil, fetch.GatewayConfig{}, testLogger())
	fx.add(resolveDesc, resolver("1.2.3.4"))
	fx.add(abuseDesc, abuseCheck(srv.URL))
	coord := fx.coordinator(t)

	var verdicts []*model.Finding
	for i := 0; i < 2; i++ {
		s, err := coord.Start(context.Background(), Request{Target: "example.com", TargetType: model.TypeDomainName})
		require.NoError(t, err)
		assert.Equal(t, StatusFinished, waitDone(t, s))

		m1 := fx.tracker.Last("sfp_resolve")
		m2 := fx.tracker.Last("sfp_abuse")
		require.Len(t, m1.Received(), 1)
		assert.Equal(t, model.TypeDomainName, m1.Received()[0].Type)
		require.Len(t, m2.Received(), 1)
		assert.Equal(t, "1.2.3.4", m2.Received()[0].Data)

		found := ofType(s.Findings(), model.TypeMaliciousIPAddr)
		require.Len(t, found, 1)
		verdicts = append(verdicts, found[0])
	}

	assert.Equal(t, int32(1), upstream.Load(), "second scan is answered from the cache")
	assert.Equal(t, verdicts[0].Data, verdicts[1].Data)
	assert.Equal(t, verdicts[0].ID, verdicts[1].ID)
	assert.Equal(t, 2.0, testutil.ToFloat64(fx.metrics.ScansTotal.WithLabelValues("FINISHED")))
}

func TestScan_MissingAPIKey(t *testing.T) {
	fx := newFixture()
	fx.add(resolveDesc, resolver("1.2.3.4"))
	fx.add(module.Descriptor{Name: "sfp_ips", Watches: types(model.TypeIPAddress), Produces: types(model.TypeGeoInfo)}, nil)
	fx.add(module.Descriptor{
		Name:     "sfp_keyed",
		Watches:  types(model.TypeDomainName, model.TypeIPAddress),
		Produces: types(model.TypeRawRIRData),
		Flags:    module.Flags{RequiresAPIKey: true},
	}, nil)
	coord := fx.coordinator(t)

	s, err := coord.Start(context.Background(), Request{Target: "example.com"})
	require.NoError(t, err)
	assert.Equal(t, StatusFinished, waitDone(t, s))

	st, ok := s.ModuleStatus("sfp_keyed")
	require.True(t, ok)
	assert.Equal(t, ModuleErrored, st.State)
	assert.Contains(t, st.Reason, "missing API key")
	assert.Empty(t, fx.tracker.Instances("sfp_keyed"), "a module without its key is never configured or fed")

	assert.Len(t, fx.tracker.Last("sfp_resolve").Received(), 1)
	assert.Len(t, fx.tracker.Last("sfp_ips").Received(), 1)
	assert.Equal(t, 1.0, testutil.ToFloat64(fx.metrics.ModuleErrors.WithLabelValues("sfp_keyed")))
}

func TestScan_HardFailOnMissingKey(t *testing.T) {
	fx := newFixture()
	fx.add(resolveDesc, resolver("1.2.3.4"))
	fx.add(module.Descriptor{
		Name:     "sfp_strict",
		Watches:  types(model.TypeIPAddress),
		Produces: types(model.TypeMaliciousIPAddr),
		Flags:    module.Flags{RequiresAPIKey: true, HardFailOnMissingKey: true},
	}, nil)
	coord := fx.coordinator(t)

	_, err := coord.Start(context.Background(), Request{Target: "example.com"})
	assert.ErrorIs(t, err, ErrConfig)
	assert.ErrorIs(t, err, module.ErrMissingAPIKey)
	assert.Empty(t, coord.Active())

	s, err := coord.Start(context.Background(), Request{
		Target:  "example.com",
		Options: map[string]module.Options{"sfp_strict": {"api_key": "k"}},
	})
	require.NoError(t, err)
	waitDone(t, s)
	assert.Len(t, fx.tracker.Last("sfp_strict").Received(), 1)
}

func TestScan_ScopeGate(t *testing.T) {
	fx := newFixture()
	fx.add(module.Descriptor{
		Name:     "sfp_spider",
		Watches:  types(model.TypeDomainName),
		Produces: types(model.TypeInternetName),
	}, func(ctx context.Context, env module.Env, f *model.Finding, emit module.Emitter) error {
		in := model.NewFinding(model.TypeInternetName, "www.example.com", "sfp_spider", f).WithActualSource("https://www.example.com/")
		out := model.NewFinding(model.TypeInternetName, "cdn.thirdparty.net", "sfp_spider", f).WithActualSource("https://cdn.thirdparty.net/lib.js")
		if err := emit.Emit(ctx, in); err != nil {
			return err
		}
		return emit.Emit(ctx, out)
	})
	fx.add(module.Descriptor{
		Name:    "sfp_scoped",
		Watches: types(model.TypeInternetName),
		Flags:   module.Flags{TargetScoped: true},
	}, nil)
	fx.add(module.Descriptor{
		Name:    "sfp_anywhere",
		Watches: types(model.TypeInternetName),
	}, nil)
	coord := fx.coordinator(t)

	s, err := coord.Start(context.Background(), Request{Target: "example.com", TargetType: model.TypeDomainName})
	require.NoError(t, err)
	waitDone(t, s)

	scoped := fx.tracker.Last("sfp_scoped").Received()
	require.Len(t, scoped, 1)
	assert.Equal(t, "www.example.com", scoped[0].Data)
	assert.Len(t, fx.tracker.Last("sfp_anywhere").Received(), 2)

	st, _ := s.ModuleStatus("sfp_scoped")
	assert.Equal(t, uint64(1), st.ScopeSkipped)
}

func TestScan_ErrorStateIsolation(t *testing.T) {
	fx := newFixture()
	fx.add(resolveDesc, resolver("10.0.0.1", "10.0.0.2", "10.0.0.3"))
	fx.add(module.Descriptor{Name: "sfp_flaky", Watches: types(model.TypeIPAddress)},
		func(ctx context.Context, env module.Env, f *model.Finding, emit module.Emitter) error {
			return module.Unrecoverable(errors.New("HTTP 429"))
		})
	fx.add(module.Descriptor{Name: "sfp_steady", Watches: types(model.TypeIPAddress)}, nil)
	coord := fx.coordinator(t)

	s, err := coord.Start(context.Background(), Request{Target: "example.com"})
	require.NoError(t, err)
	assert.Equal(t, StatusFinished, waitDone(t, s))

	assert.Len(t, fx.tracker.Last("sfp_flaky").Received(), 1, "delivery stops after error state")
	assert.Len(t, fx.tracker.Last("sfp_steady").Received(), 3)

	st, _ := s.ModuleStatus("sfp_flaky")
	assert.Equal(t, ModuleErrored, st.State)
	assert.Contains(t, st.Reason, "HTTP 429")
	steady, _ := s.ModuleStatus("sfp_steady")
	assert.Equal(t, ModuleIdle, steady.State)
}

func TestScan_RecoverableErrorDropsFindingOnly(t *testing.T) {
	fx := newFixture()
	fx.add(resolveDesc, resolver("10.0.0.1", "10.0.0.2"))
	fx.add(module.Descriptor{Name: "sfp_parser", Watches: types(model.TypeIPAddress)},
		func(ctx context.Context, env module.Env, f *model.Finding, emit module.Emitter) error {
			return fmt.Errorf("unparseable response for %s", f.Data)
		})
	coord := fx.coordinator(t)

	s, err := coord.Start(context.Background(), Request{Target: "example.com"})
	require.NoError(t, err)
	waitDone(t, s)

	assert.Len(t, fx.tracker.Last("sfp_parser").Received(), 2)
	st, _ := s.ModuleStatus("sfp_parser")
	assert.NotEqual(t, ModuleErrored, st.State)
}

func TestScan_PanicBecomesErrorState(t *testing.T) {
	fx := newFixture()
	fx.add(resolveDesc, resolver("10.0.0.1", "10.0.0.2"))
	fx.add(module.Descriptor{Name: "sfp_buggy", Watches: types(model.TypeIPAddress)},
		func(ctx context.Context, env module.Env, f *model.Finding, emit module.Emitter) error {
			panic("index out of range")
		})
	coord := fx.coordinator(t)

	s, err := coord.Start(context.Background(), Request{Target: "example.com"})
	require.NoError(t, err)
	assert.Equal(t, StatusFinished, waitDone(t, s))
	st, _ := s.ModuleStatus("sfp_buggy")
	assert.Equal(t, ModuleErrored, st.State)
}

func TestScan_DedupAndHasSeen(t *testing.T) {
	fx := newFixture()
	release := make(chan struct{})
	var before atomic.Bool
	var sess atomic.Pointer[Session]

	// The seed handler waits until the session pointer is visible to it.
	gate := make(chan struct{})
	fx.add(resolveDesc, func(ctx context.Context, env module.Env, f *model.Finding, emit module.Emitter) error {
		<-gate
		before.Store(sess.Load().HasSeen("sfp_consumer", "1.2.3.4"))
		for i := 0; i < 3; i++ {
			if err := emit.Emit(ctx, model.NewFinding(model.TypeIPAddress, "1.2.3.4", "sfp_resolve", f)); err != nil {
				return err
			}
		}
		return nil
	})
	fx.add(module.Descriptor{Name: "sfp_consumer", Watches: types(model.TypeIPAddress)},
		func(ctx context.Context, env module.Env, f *model.Finding, emit module.Emitter) error {
			<-release
			return nil
		})
	coord := fx.coordinator(t)

	s, err := coord.Start(context.Background(), Request{Target: "example.com"})
	require.NoError(t, err)
	sess.Store(s)
	close(gate)

	require.Eventually(t, func() bool { return s.HasSeen("sfp_consumer", "1.2.3.4") }, 5*time.Second, 5*time.Millisecond)
	assert.False(t, before.Load(), "not seen before delivery")
	close(release)
	waitDone(t, s)

	consumer := fx.tracker.Last("sfp_consumer")
	assert.Len(t, consumer.Received(), 1, "identical data is handled once")
	st, _ := s.ModuleStatus("sfp_consumer")
	assert.Equal(t, uint64(2), st.Deduplicated)
}

func TestScan_CreatedIsStrictlyIncreasing(t *testing.T) {
	fx := newFixture()
	fx.add(resolveDesc, resolver("10.0.0.1", "10.0.0.2", "10.0.0.3", "10.0.0.4"))
	fx.add(module.Descriptor{Name: "sfp_geo", Watches: types(model.TypeIPAddress), Produces: types(model.TypeGeoInfo)},
		func(ctx context.Context, env module.Env, f *model.Finding, emit module.Emitter) error {
			return emit.Emit(ctx, model.NewFinding(model.TypeGeoInfo, "geo of "+f.Data, "sfp_geo", f))
		})
	coord := fx.coordinator(t)

	s, err := coord.Start(context.Background(), Request{Target: "example.com"})
	require.NoError(t, err)
	waitDone(t, s)

	all := s.Findings()
	require.Len(t, all, 9)
	for i := 1; i < len(all); i++ {
		assert.Greater(t, all[i].Created, all[i-1].Created)
		assert.Less(t, all[i].Source.Created, all[i].Created, "parents precede children")
	}
}

// A module that feeds itself through a queue of capacity one must not
// deadlock the scan.
func TestScan_SelfCycleQuiesces(t *testing.T) {
	fx := newFixture()
	fx.cfg.QueueCapacity = 1
	fx.add(module.Descriptor{
		Name:     "sfp_crawl",
		Watches:  types(model.TypeDomainName, model.TypeInternetName),
		Produces: types(model.TypeInternetName),
	}, func(ctx context.Context, env module.Env, f *model.Finding, emit module.Emitter) error {
		if len(f.Lineage()) > 4 {
			return nil
		}
		for i := 0; i < 3; i++ {
			nf := model.NewFinding(model.TypeInternetName, fmt.Sprintf("h%d.%s", i, f.Data), "sfp_crawl", f)
			if err := emit.Emit(ctx, nf); err != nil {
				return err
			}
		}
		return nil
	})
	fx.add(module.Descriptor{Name: "sfp_sink", Watches: types(model.TypeInternetName)}, nil)
	coord := fx.coordinator(t)

	s, err := coord.Start(context.Background(), Request{Target: "example.com"})
	require.NoError(t, err)
	assert.Equal(t, StatusFinished, waitDone(t, s))
	assert.False(t, fx.tracker.Last("sfp_crawl").Overlapped(), "handler is never re-entered")
	assert.Len(t, fx.tracker.Last("sfp_sink").Received(), 3+9+27+81)
}

func TestScan_Abort(t *testing.T) {
	fx := newFixture()
	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once

	fx.add(resolveDesc, resolver("10.0.0.1", "10.0.0.2", "10.0.0.3"))
	fx.add(module.Descriptor{Name: "sfp_slow", Watches: types(model.TypeIPAddress)},
		func(ctx context.Context, env module.Env, f *model.Finding, emit module.Emitter) error {
			once.Do(func() { close(started) })
			<-release
			return nil
		})
	coord := fx.coordinator(t)

	s, err := coord.Start(context.Background(), Request{Target: "example.com"})
	require.NoError(t, err)
	<-started

	require.NoError(t, coord.Abort(s.ID))
	assert.Equal(t, StatusAborting, s.Status())
	close(release)

	assert.Equal(t, StatusAborted, waitDone(t, s))
	assert.Len(t, fx.tracker.Last("sfp_slow").Received(), 1, "queued deliveries are discarded on abort")
	st, _ := s.ModuleStatus("sfp_slow")
	assert.Equal(t, ModuleStopped, st.State)

	assert.ErrorIs(t, coord.Abort(s.ID), ErrNotFound)
}

func TestScan_Timeout(t *testing.T) {
	fx := newFixture()
	fx.cfg.ScanTimeout = 50 * time.Millisecond
	fx.add(module.Descriptor{Name: "sfp_hang", Watches: types(model.TypeDomainName)},
		func(ctx context.Context, env module.Env, f *model.Finding, emit module.Emitter) error {
			time.Sleep(100 * time.Millisecond)
			return nil
		})
	coord := fx.coordinator(t)

	s, err := coord.Start(context.Background(), Request{Target: "example.com"})
	require.NoError(t, err)
	assert.Equal(t, StatusAborted, waitDone(t, s))
}

func TestStart_Validation(t *testing.T) {
	fx := newFixture()
	fx.add(module.Descriptor{
		Name:          "sfp_opts",
		Watches:       types(model.TypeDomainName),
		OptionsSchema: `{"type":"object","properties":{"limit":{"type":"integer","minimum":1}}}`,
	}, nil)
	coord := fx.coordinator(t)
	ctx := context.Background()

	_, err := coord.Start(ctx, Request{Target: "not a domain", TargetType: model.TypeDomainName})
	assert.ErrorIs(t, err, ErrInvalidTarget)

	_, err = coord.Start(ctx, Request{Target: "not valid"})
	assert.ErrorIs(t, err, ErrInvalidTarget)

	_, err = coord.Start(ctx, Request{Target: "example.com", Options: map[string]module.Options{"sfp_opts": {"limit": 0}}})
	assert.ErrorIs(t, err, ErrConfig)
	var verr *module.ValidationError
	assert.True(t, errors.As(err, &verr))

	s, err := coord.Start(ctx, Request{Target: "example.com", Modules: []string{"sfp_opts", "sfp_missing"}})
	require.NoError(t, err, "unknown modules are reported, not fatal")
	waitDone(t, s)
	snap := s.Snapshot()
	assert.Equal(t, registry.ReasonUnknown, snap.Excluded["sfp_missing"])
	require.Len(t, snap.ConfigErrors, 1)
}

func TestStart_MaxScans(t *testing.T) {
	fx := newFixture()
	fx.cfg.MaxScans = 1
	release := make(chan struct{})
	fx.add(module.Descriptor{Name: "sfp_block", Watches: types(model.TypeDomainName)},
		func(ctx context.Context, env module.Env, f *model.Finding, emit module.Emitter) error {
			<-release
			return nil
		})
	coord := fx.coordinator(t)

	s, err := coord.Start(context.Background(), Request{Target: "example.com"})
	require.NoError(t, err)
	_, err = coord.Start(context.Background(), Request{Target: "example.org"})
	assert.ErrorIs(t, err, ErrTooManyScans)

	close(release)
	waitDone(t, s)
}

func TestStart_MaxScansConcurrent(t *testing.T) {
	fx := newFixture()
	fx.cfg.MaxScans = 1
	release := make(chan struct{})
	desc := module.Descriptor{Name: "sfp_slowconf", Watches: types(model.TypeDomainName)}
	fx.entries = append(fx.entries, registry.Entry{Descriptor: desc, Factory: func() module.Module {
		return &moduletest.Module{
			Desc: desc,
			OnConfig: func(module.Options, module.Env) error {
				time.Sleep(50 * time.Millisecond)
				return nil
			},
			OnHandle: func(ctx context.Context, env module.Env, f *model.Finding, emit module.Emitter) error {
				<-release
				return nil
			},
		}
	}})
	coord := fx.coordinator(t)

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		started  []*Session
		rejected atomic.Int32
	)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s, err := coord.Start(context.Background(), Request{Target: fmt.Sprintf("example%d.com", i)})
			if errors.Is(err, ErrTooManyScans) {
				rejected.Add(1)
				return
			}
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			started = append(started, s)
			mu.Unlock()
		}(i)
	}
	wg.Wait()

	require.Len(t, started, 1)
	assert.Equal(t, int32(4), rejected.Load())
	assert.Len(t, coord.Active(), 1)

	close(release)
	waitDone(t, started[0])

	// the slot is free again once the scan ended
	s, err := coord.Start(context.Background(), Request{Target: "example.net"})
	require.NoError(t, err)
	waitDone(t, s)
}

func TestStart_FailedStartReleasesSlot(t *testing.T) {
	fx := newFixture()
	fx.cfg.MaxScans = 1
	fx.add(module.Descriptor{
		Name:          "sfp_schema",
		Watches:       types(model.TypeDomainName),
		OptionsSchema: `{"type":"object","properties":{"limit":{"type":"integer"}}}`,
	}, nil)
	coord := fx.coordinator(t)

	for i := 0; i < 3; i++ {
		_, err := coord.Start(context.Background(), Request{
			Target:  "example.com",
			Options: map[string]module.Options{"sfp_schema": {"limit": "many"}},
		})
		require.ErrorIs(t, err, ErrConfig)
	}
	s, err := coord.Start(context.Background(), Request{Target: "example.com"})
	require.NoError(t, err)
	waitDone(t, s)
}

type recordingSink struct {
	mu       sync.Mutex
	findings map[string]int
	ended    []Snapshot
}

func (r *recordingSink) FindingPublished(_ context.Context, scanID string, f *model.Finding) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.findings == nil {
		r.findings = make(map[string]int)
	}
	r.findings[scanID]++
}

func (r *recordingSink) ScanEnded(_ context.Context, snap Snapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ended = append(r.ended, snap)
}

func TestScan_Sinks(t *testing.T) {
	fx := newFixture()
	fx.add(resolveDesc, resolver("10.0.0.1", "10.0.0.2"))
	coord := fx.coordinator(t)
	sink := &recordingSink{}
	coord.AddSink(sink)

	s, err := coord.Start(context.Background(), Request{Target: "example.com"})
	require.NoError(t, err)
	waitDone(t, s)

	sink.mu.Lock()
	defer sink.mu.Unlock()
	assert.Equal(t, 3, sink.findings[s.ID], "seed plus two addresses")
	require.Len(t, sink.ended, 1)
	assert.Equal(t, StatusFinished, sink.ended[0].Status)
	assert.NotNil(t, sink.ended[0].EndedAt)
}
