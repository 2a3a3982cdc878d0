package api

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aegisflux/scanengine/internal/health"
	"github.com/aegisflux/scanengine/internal/metrics"
	"github.com/aegisflux/scanengine/internal/model"
	"github.com/aegisflux/scanengine/internal/module"
	"github.com/aegisflux/scanengine/internal/module/moduletest"
	"github.com/aegisflux/scanengine/internal/registry"
	"github.com/aegisflux/scanengine/internal/scan"
	"github.com/aegisflux/scanengine/internal/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

type testEnv struct {
	srv     *httptest.Server
	coord   *scan.Coordinator
	release chan struct{}
	started chan struct{}
}

// newTestEnv serves a catalog of two modules: a resolver for domains and a
// module that blocks on IPs under "slow" domains until release is closed.
func newTestEnv(t *testing.T, cfg scan.Config) *testEnv {
	t.Helper()
	env := &testEnv{release: make(chan struct{}), started: make(chan struct{})}
	var once sync.Once

	tracker := moduletest.NewTracker()
	resolveDesc := module.Descriptor{
		Name:     "sfp_resolve",
		Watches:  []model.FindingType{model.TypeDomainName},
		Produces: []model.FindingType{model.TypeIPAddress},
	}
	slowDesc := module.Descriptor{
		Name:           "sfp_slow",
		Watches:        []model.FindingType{model.TypeIPAddress},
		Produces:       []model.FindingType{model.TypeGeoInfo},
		Flags:          module.Flags{RequiresAPIKey: true},
		DefaultOptions: module.Options{"api_key": "shipped-key"},
		OptionsSchema:  `{"type":"object","properties":{"limit":{"type":"integer"}}}`,
	}
	reg, err := registry.New(
		registry.Entry{Descriptor: resolveDesc, Factory: tracker.Factory(resolveDesc,
			func(ctx context.Context, _ module.Env, f *model.Finding, emit module.Emitter) error {
				return emit.Emit(ctx, model.NewFinding(model.TypeIPAddress, "10.0.0.1", "", f))
			})},
		registry.Entry{Descriptor: slowDesc, Factory: tracker.Factory(slowDesc,
			func(ctx context.Context, _ module.Env, f *model.Finding, emit module.Emitter) error {
				if strings.HasPrefix(f.ActualSource, "slow") {
					once.Do(func() { close(env.started) })
					<-env.release
				}
				return nil
			})},
	)
	require.NoError(t, err)

	catalog := model.NewCatalog()
	reg.RegisterTypes(catalog)
	promReg := prometheus.NewRegistry()
	m := metrics.NewMetrics(promReg)

	env.coord = scan.NewCoordinator(reg, catalog, nil, m, cfg, testLogger())
	st := store.NewMemoryStore(10, 100, 1000)
	env.coord.AddSink(st)

	checker := health.NewServiceChecker(testLogger())
	checker.SetReady("registry", true)
	checker.SetRequired("registry", true)

	env.srv = httptest.NewServer(NewServer(env.coord, st, checker, promReg, testLogger()).Handler())
	t.Cleanup(func() {
		select {
		case <-env.release:
		default:
			close(env.release)
		}
		_ = env.coord.Shutdown(context.Background())
		env.srv.Close()
	})
	return env
}

func (e *testEnv) do(t *testing.T, method, path, body string) (*http.Response, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, e.srv.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]any
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	if len(raw) > 0 && strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(raw, &out), string(raw))
	}
	return resp, out
}

func (e *testEnv) waitStatus(t *testing.T, id string, want scan.Status) {
	t.Helper()
	require.Eventually(t, func() bool {
		resp, body := e.do(t, http.MethodGet, "/scans/"+id, "")
		return resp.StatusCode == http.StatusOK && body["status"] == string(want)
	}, 5*time.Second, 10*time.Millisecond)
}

func TestAPI_ScanLifecycle(t *testing.T) {
	env := newTestEnv(t, scan.Config{QueueCapacity: 8})

	resp, body := env.do(t, http.MethodPost, "/scans", `{"target":"example.com"}`)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	id, _ := body["id"].(string)
	require.NotEmpty(t, id)
	assert.Equal(t, "/scans/"+id, resp.Header.Get("Location"))

	env.waitStatus(t, id, scan.StatusFinished)

	resp, body = env.do(t, http.MethodGet, "/scans/"+id+"/findings", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(2), body["count"])

	_, body = env.do(t, http.MethodGet, "/scans/"+id+"/findings?type=IP_ADDRESS", "")
	require.Equal(t, float64(1), body["count"])
	first := body["findings"].([]any)[0].(map[string]any)
	assert.Equal(t, "10.0.0.1", first["data"])
	assert.Equal(t, "sfp_resolve", first["module"])

	_, body = env.do(t, http.MethodGet, "/scans/"+id+"/findings?limit=1", "")
	assert.Equal(t, float64(1), body["count"])

	_, body = env.do(t, http.MethodGet, "/scans?status=FINISHED", "")
	assert.Equal(t, float64(1), body["count"])
	_, body = env.do(t, http.MethodGet, "/scans?status=RUNNING", "")
	assert.Equal(t, float64(0), body["count"])

	resp, _ = env.do(t, http.MethodPost, "/scans/"+id+"/abort", "")
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, _ = env.do(t, http.MethodGet, "/scans/missing", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp, _ = env.do(t, http.MethodGet, "/scans/missing/findings", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAPI_StartErrors(t *testing.T) {
	env := newTestEnv(t, scan.Config{QueueCapacity: 8})

	tests := []struct {
		name string
		body string
		code int
	}{
		{name: "malformed body", body: `{"target":`, code: http.StatusBadRequest},
		{name: "unknown field", body: `{"target":"example.com","bogus":1}`, code: http.StatusBadRequest},
		{name: "invalid target", body: `{"target":"not valid"}`, code: http.StatusBadRequest},
		{name: "mistyped target", body: `{"target":"not a domain","target_type":"DOMAIN_NAME"}`, code: http.StatusBadRequest},
		{
			name: "options fail schema",
			body: `{"target":"example.com","options":{"sfp_slow":{"limit":"many"}}}`,
			code: http.StatusUnprocessableEntity,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := env.do(t, http.MethodPost, "/scans", tt.body)
			assert.Equal(t, tt.code, resp.StatusCode)
			assert.NotEmpty(t, body["error"])
		})
	}
}

func TestAPI_AbortAndLimit(t *testing.T) {
	env := newTestEnv(t, scan.Config{QueueCapacity: 8, MaxScans: 1})

	resp, body := env.do(t, http.MethodPost, "/scans", `{"target":"slow.example.com"}`)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	id := body["id"].(string)

	select {
	case <-env.started:
	case <-time.After(5 * time.Second):
		t.Fatal("slow module never started")
	}

	resp, _ = env.do(t, http.MethodPost, "/scans", `{"target":"example.org"}`)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)

	_, body = env.do(t, http.MethodGet, "/scans", "")
	assert.Equal(t, float64(1), body["count"])

	resp, body = env.do(t, http.MethodPost, "/scans/"+id+"/abort", "")
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, string(scan.StatusAborting), body["status"])

	close(env.release)
	env.waitStatus(t, id, scan.StatusAborted)

	resp, _ = env.do(t, http.MethodPost, "/scans/unknown/abort", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAPI_ModulesAndTypes(t *testing.T) {
	env := newTestEnv(t, scan.Config{})

	_, body := env.do(t, http.MethodGet, "/modules", "")
	require.Equal(t, float64(2), body["count"])
	mods := body["modules"].([]any)
	slow := mods[1].(map[string]any)
	assert.Equal(t, "sfp_slow", slow["name"])
	assert.Equal(t, "********", slow["options"].(map[string]any)["api_key"])

	_, body = env.do(t, http.MethodGet, "/modules/graph", "")
	edges := body["edges"].([]any)
	require.Len(t, edges, 1)
	edge := edges[0].(map[string]any)
	assert.Equal(t, "sfp_resolve", edge["from"])
	assert.Equal(t, "sfp_slow", edge["to"])

	_, body = env.do(t, http.MethodGet, "/modules/graph?seed=IP_ADDRESS", "")
	assert.Equal(t, []any{"sfp_resolve"}, body["unreachable"])

	resp, _ := env.do(t, http.MethodGet, "/modules/graph?seed=NOPE", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	_, body = env.do(t, http.MethodGet, "/types", "")
	var names []string
	for _, ti := range body["types"].([]any) {
		names = append(names, ti.(map[string]any)["type"].(string))
	}
	assert.Contains(t, names, string(model.TypeDomainName))
}

func TestAPI_HealthAndMetrics(t *testing.T) {
	env := newTestEnv(t, scan.Config{})

	resp, body := env.do(t, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["ok"])

	resp, _ = env.do(t, http.MethodGet, "/readyz", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	env.do(t, http.MethodPost, "/scans", `{"target":"example.com"}`)
	require.Eventually(t, func() bool { return len(env.coord.Active()) == 0 }, 5*time.Second, 10*time.Millisecond)

	req, err := http.NewRequest(http.MethodGet, env.srv.URL+"/metrics", nil)
	require.NoError(t, err)
	mresp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer mresp.Body.Close()
	raw, err := io.ReadAll(mresp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, mresp.StatusCode)
	assert.Contains(t, string(raw), "scanengine_scans_total")
}
