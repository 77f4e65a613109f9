package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fractal-platform/macrobrain/internal/application"
	"github.com/fractal-platform/macrobrain/internal/asof"
	"github.com/fractal-platform/macrobrain/internal/config"
	"github.com/fractal-platform/macrobrain/internal/data"
	"github.com/fractal-platform/macrobrain/internal/persistence"
)

var apiBase = time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC)

func apiDay(n int) time.Time { return apiBase.AddDate(0, 0, n) }

type apiSource map[string][]asof.Point

func (s apiSource) GetSeriesPoints(_ context.Context, id string) ([]asof.Point, error) {
	return s[id], nil
}

func fixtureSource() (apiSource, config.SeriesConfig) {
	points := func(fn func(int) float64) []asof.Point {
		pts := make([]asof.Point, 400)
		for t := range pts {
			pts[t] = asof.Point{Date: apiDay(t), Value: fn(t)}
		}
		return pts
	}
	src := apiSource{
		data.SeriesVIX:       points(func(t int) float64 { return 15 + 0.01*float64(t%10) }),
		data.SeriesCredit:    points(func(t int) float64 { return 2 + 0.001*float64(t%30) }),
		data.SeriesLiquidity: points(func(t int) float64 { return 5 + 0.002*float64(t%50) }),
	}
	sc := config.SeriesConfig{
		Lags: []asof.SeriesLag{
			{SeriesID: data.SeriesVIX, Cadence: asof.CadenceDaily, LagDays: 0},
			{SeriesID: data.SeriesCredit, Cadence: asof.CadenceDaily, LagDays: 1},
			{SeriesID: data.SeriesLiquidity, Cadence: asof.CadenceDaily, LagDays: 1},
		},
		Candidates: []config.CandidateSeries{
			{SeriesID: data.SeriesCredit, ExpectedSign: -1},
			{SeriesID: data.SeriesLiquidity, ExpectedSign: 1},
		},
	}
	return src, sc
}

func newTestServer(t *testing.T, mutate func(*config.Config)) *httptest.Server {
	t.Helper()
	src, sc := fixtureSource()
	cfg := config.Default()
	cfg.Series = sc
	if mutate != nil {
		mutate(&cfg)
	}
	app, err := application.New(&cfg, src)
	require.NoError(t, err)
	t.Cleanup(func() { _ = app.Close() })

	ts := httptest.NewServer(NewServer(app).Handler())
	t.Cleanup(ts.Close)
	return ts
}

func getJSON(t *testing.T, ts *httptest.Server, path string, wantStatus int) map[string]interface{} {
	t.Helper()
	resp, err := http.Get(ts.URL + path)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, wantStatus, resp.StatusCode, "GET %s", path)

	var body map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return body
}

func postJSON(t *testing.T, ts *httptest.Server, path, payload string, wantStatus int) map[string]interface{} {
	t.Helper()
	resp, err := http.Post(ts.URL+path, "application/json", bytes.NewBufferString(payload))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, wantStatus, resp.StatusCode, "POST %s", path)

	var body map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return body
}

func TestLiveness(t *testing.T) {
	ts := newTestServer(t, nil)
	body := getJSON(t, ts, "/health", http.StatusOK)
	require.Equal(t, "ok", body["status"])
}

func TestNotFound(t *testing.T) {
	ts := newTestServer(t, nil)
	body := getJSON(t, ts, "/api/brain/v2/nope", http.StatusNotFound)
	require.Equal(t, "endpoint_not_found", body["code"])
	require.NotEmpty(t, body["requestId"])
}

func TestRegimeMemorySchema(t *testing.T) {
	ts := newTestServer(t, nil)
	body := getJSON(t, ts, "/api/brain/v2/regime-memory/schema", http.StatusOK)

	scopes := body["scopes"].([]interface{})
	require.Len(t, scopes, 3)
	first := scopes[0].(map[string]interface{})
	require.Equal(t, "macro", first["scope"])
	require.Contains(t, first["labels"], "STRESS")
}

func TestCurrentRegimeMemory(t *testing.T) {
	ts := newTestServer(t, nil)
	path := "/api/brain/v2/regime-memory/current?asOf=" + apiDay(399).Format("2006-01-02")
	body := getJSON(t, ts, path, http.StatusOK)

	scopes := body["scopes"].(map[string]interface{})
	require.Len(t, scopes, 3)
	for _, name := range []string{"macro", "guard", "crossAsset"} {
		st := scopes[name].(map[string]interface{})
		require.NotEmpty(t, st["current"], "scope %s", name)
	}
	guard := scopes["guard"].(map[string]interface{})
	require.Equal(t, "NONE", guard["current"])

	meta := body["meta"].(map[string]interface{})
	require.NotEmpty(t, meta["inputsHash"])
	require.Equal(t, "OK", meta["status"])

	// Second read serves the cached payload byte for byte.
	again := getJSON(t, ts, path, http.StatusOK)
	require.Equal(t, body["meta"], again["meta"])
}

func TestCurrentRegimeMemoryRejectsBadDate(t *testing.T) {
	ts := newTestServer(t, nil)
	body := getJSON(t, ts, "/api/brain/v2/regime-memory/current?asOf=soon", http.StatusBadRequest)
	require.Equal(t, "invalid_date", body["code"])
}

// flakySource serves fixture data until tripped, then fails every load.
type flakySource struct {
	apiSource
	broken atomic.Bool
}

func (s *flakySource) GetSeriesPoints(ctx context.Context, id string) ([]asof.Point, error) {
	if s.broken.Load() {
		return nil, errors.New("series store unreachable")
	}
	return s.apiSource.GetSeriesPoints(ctx, id)
}

func newFlakyServer(t *testing.T) (*flakySource, *application.App, *httptest.Server) {
	t.Helper()
	fix, sc := fixtureSource()
	src := &flakySource{apiSource: fix}
	cfg := config.Default()
	cfg.Series = sc
	app, err := application.New(&cfg, src)
	require.NoError(t, err)
	t.Cleanup(func() { _ = app.Close() })

	ts := httptest.NewServer(NewServer(app).Handler())
	t.Cleanup(ts.Close)
	return src, app, ts
}

func TestCurrentRegimeMemoryDegradesToPersistedState(t *testing.T) {
	// Models a restart during a source outage: regime state persisted by an
	// earlier process exists, but the world-state breaker has nothing cached
	// and every load fails.
	src, app, ts := newFlakyServer(t)
	src.broken.Store(true)

	seeded := map[string]string{"macro": "STRESS", "guard": "WARN", "crossAsset": "RISK_OFF"}
	for scope, label := range seeded {
		require.NoError(t, app.Repos.Memory.Upsert(context.Background(), persistence.RegimeMemoryState{
			Scope:     scope,
			Current:   label,
			Since:     apiDay(390),
			Stability: 0.8,
			UpdatedAt: apiDay(399),
		}))
	}

	// The outage falls back to the last persisted state per scope, flagged
	// in meta rather than surfaced as a 5xx.
	body := getJSON(t, ts, "/api/brain/v2/regime-memory/current?asOf="+apiDay(399).Format("2006-01-02"), http.StatusOK)
	meta := body["meta"].(map[string]interface{})
	require.Equal(t, "DEGRADED", meta["status"])
	require.Equal(t, true, meta["degraded"])

	scopes := body["scopes"].(map[string]interface{})
	require.Len(t, scopes, len(seeded))
	for scope, label := range seeded {
		got := scopes[scope].(map[string]interface{})
		require.Equal(t, label, got["current"], "scope %s", scope)
	}
}

func TestCurrentRegimeMemoryUnavailableWithoutHistory(t *testing.T) {
	src, _, ts := newFlakyServer(t)
	src.broken.Store(true)

	// No scope has ever been evaluated, so there is nothing to degrade to.
	body := getJSON(t, ts, "/api/brain/v2/regime-memory/current?asOf="+apiDay(399).Format("2006-01-02"), http.StatusServiceUnavailable)
	require.Equal(t, "world_state_unavailable", body["code"])
}

func TestRecomputeThenTimeline(t *testing.T) {
	ts := newTestServer(t, nil)
	recompute := fmt.Sprintf("/api/brain/v2/regime-memory/recompute?start=%s&end=%s&stepDays=5",
		apiDay(380).Format("2006-01-02"), apiDay(399).Format("2006-01-02"))
	body := postJSON(t, ts, recompute, "", http.StatusOK)
	require.Equal(t, float64(4), body["replayed"])

	timeline := fmt.Sprintf("/api/brain/v2/regime-memory/timeline?start=%s&end=%s&stepDays=5",
		apiDay(380).Format("2006-01-02"), apiDay(399).Format("2006-01-02"))
	tl := getJSON(t, ts, timeline, http.StatusOK)
	require.Len(t, tl["points"], 4)

	summary := tl["summary"].(map[string]interface{})
	require.NotEmpty(t, summary["dominantMacro"])
}

func TestRecomputeRateLimited(t *testing.T) {
	ts := newTestServer(t, func(cfg *config.Config) {
		cfg.Server.AdminRatePerMin = 0.001
		cfg.Server.AdminBurst = 1
	})
	path := fmt.Sprintf("/api/brain/v2/regime-memory/recompute?start=%s&end=%s",
		apiDay(398).Format("2006-01-02"), apiDay(399).Format("2006-01-02"))

	postJSON(t, ts, path, "", http.StatusOK)
	body := postJSON(t, ts, path, "", http.StatusTooManyRequests)
	require.Equal(t, "rate_limited", body["code"])
}

func TestRecomputeRejectsInvertedWindow(t *testing.T) {
	ts := newTestServer(t, nil)
	path := fmt.Sprintf("/api/brain/v2/regime-memory/recompute?start=%s&end=%s",
		apiDay(399).Format("2006-01-02"), apiDay(390).Format("2006-01-02"))
	body := postJSON(t, ts, path, "", http.StatusBadRequest)
	require.Equal(t, "invalid_window", body["code"])
}

func TestCalibrationWeightsDefaultSource(t *testing.T) {
	ts := newTestServer(t, nil)
	body := getJSON(t, ts, "/api/brain/v2/calibration/weights?asset=BTC", http.StatusOK)

	require.Equal(t, "default", body["source"])
	require.Equal(t, true, body["needsRecalibration"])

	weights := body["effectiveWeights"].([]interface{})
	require.NotEmpty(t, weights)
	sum := 0.0
	for _, w := range weights {
		sum += w.(map[string]interface{})["weight"].(float64)
	}
	require.InDelta(t, 1.0, sum, 1e-9)
}

func TestCalibrationWeightsRequiresAsset(t *testing.T) {
	ts := newTestServer(t, nil)
	body := getJSON(t, ts, "/api/brain/v2/calibration/weights", http.StatusBadRequest)
	require.Equal(t, "missing_asset", body["code"])
}

func TestShadowAuditEmpty(t *testing.T) {
	ts := newTestServer(t, nil)
	body := getJSON(t, ts, "/api/brain/v2/shadow/audit?asset=BTC", http.StatusOK)
	require.Equal(t, "BTC", body["asset"])
	require.Empty(t, body["records"])
}

func TestEvaluateAppendsAuditRecord(t *testing.T) {
	ts := newTestServer(t, nil)
	path := "/api/brain/v2/evaluate?asset=BTC&asOf=" + apiDay(399).Format("2006-01-02")

	body := postJSON(t, ts, path, "", http.StatusOK)
	eval := body["evaluation"].(map[string]interface{})
	require.Equal(t, "v2", eval["version"])
	horizons := eval["horizons"].(map[string]interface{})
	require.Contains(t, horizons, "30D")

	audit := getJSON(t, ts, "/api/brain/v2/shadow/audit?asset=BTC", http.StatusOK)
	records := audit["records"].([]interface{})
	require.Len(t, records, 1)
	rec := records[0].(map[string]interface{})
	require.Equal(t, "v2", rec["activeVersion"])
	require.Equal(t, "v1", rec["shadowVersion"])
}

func TestShadowCheckCleanAsset(t *testing.T) {
	ts := newTestServer(t, nil)
	body := postJSON(t, ts, "/api/brain/v2/shadow/check?asset=BTC", "", http.StatusOK)
	require.Empty(t, body["alerts"])
	require.Equal(t, false, body["downgraded"])
	require.Equal(t, "v2", body["activeVersion"])
}

func TestGovernanceHealth(t *testing.T) {
	ts := newTestServer(t, nil)
	body := getJSON(t, ts, "/api/brain/v2/health?asset=BTC", http.StatusOK)

	require.Equal(t, "HEALTHY", body["status"])
	require.Equal(t, "v2", body["activeVersion"])
	require.Equal(t, "v1", body["shadowVersion"])
	require.Equal(t, float64(0), body["signMismatchRatio"])
	require.Empty(t, body["activeAlerts"])
}

func TestGovernanceEventsEmpty(t *testing.T) {
	ts := newTestServer(t, nil)
	body := getJSON(t, ts, "/api/brain/v2/governance/events?asset=BTC", http.StatusOK)
	require.Empty(t, body["events"])
}

func TestSimRunValidation(t *testing.T) {
	ts := newTestServer(t, nil)

	body := postJSON(t, ts, "/api/brain/v2/sim/run", "not json", http.StatusBadRequest)
	require.Equal(t, "invalid_body", body["code"])

	inverted := fmt.Sprintf(`{"asset":"BTC","from":"%s","to":"%s"}`,
		apiDay(399).Format("2006-01-02"), apiDay(300).Format("2006-01-02"))
	body = postJSON(t, ts, "/api/brain/v2/sim/run", inverted, http.StatusBadRequest)
	require.Equal(t, "invalid_window", body["code"])
}

func TestMetricsEndpoint(t *testing.T) {
	ts := newTestServer(t, nil)
	getJSON(t, ts, "/api/brain/v2/regime-memory/current?asOf="+apiDay(399).Format("2006-01-02"), http.StatusOK)

	resp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Contains(t, string(raw), "macrobrain_evaluations_total")
}
