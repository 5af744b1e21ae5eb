package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/miradorstack/mirador-heal/internal/cache"
	"github.com/miradorstack/mirador-heal/internal/models"
	"github.com/miradorstack/mirador-heal/internal/providers"
	"github.com/miradorstack/mirador-heal/internal/remediation"
	"github.com/miradorstack/mirador-heal/internal/utils"
)

type opsStub struct {
	health     models.HealthStatus
	send, exec bool
	reloadErr  error
	last       *models.CheckReport
}

func (o *opsStub) CheckErrorPatterns(ctx context.Context, sendAlerts, executeFixes bool) models.CheckReport {
	o.send, o.exec = sendAlerts, executeFixes
	return models.CheckReport{CycleID: "c-1", ErrorsScanned: 2}
}

func (o *opsStub) SystemHealth(ctx context.Context) models.HealthSnapshot {
	return models.HealthSnapshot{Status: o.health}
}

func (o *opsStub) Frequencies(ctx context.Context) []models.FrequencySnapshot { return nil }

func (o *opsStub) ReloadPatterns(ctx context.Context) (int, error) { return 3, o.reloadErr }

func (o *opsStub) Defaults() (bool, bool) { return false, true }

func (o *opsStub) FixStats() []remediation.FixStats {
	return []remediation.FixStats{{FixType: models.FixReconnectCache, Executions: 1}}
}

func (o *opsStub) LastReport() (models.CheckReport, bool) {
	if o.last == nil {
		return models.CheckReport{}, false
	}
	return *o.last, true
}

type recorderStub struct {
	lines []string
	err   error
}

func (r *recorderStub) Push(ctx context.Context, msg string) error {
	if r.err != nil {
		return r.err
	}
	r.lines = append(r.lines, msg)
	return nil
}

type cachesStub struct{}

func (cachesStub) Names() []string { return []string{"responses"} }
func (cachesStub) Invalidate(ctx context.Context, name string) (int, error) {
	if name != "responses" {
		return 0, fmt.Errorf("%w: %s", cache.ErrUnknownCache, name)
	}
	return 4, nil
}

func newTestRouter(ops *opsStub, rec ErrorRecorder) http.Handler {
	tracker := providers.NewTracker([]string{"primary"}, providers.Options{Clock: utils.NewManualClock(time.Time{})})
	return NewHTTPHandler(HTTPOptions{
		Ops:       ops,
		Errors:    rec,
		Providers: tracker,
		Caches:    cachesStub{},
		Gatherer:  prometheus.NewRegistry(),
		Logger:    utils.DiscardLogger(),
	})
}

func do(t *testing.T, h http.Handler, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestReadiness(t *testing.T) {
	ops := &opsStub{health: models.HealthDegraded}
	h := newTestRouter(ops, nil)

	assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/healthz", "").Code)
	assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/readyz", "").Code)

	ops.health = models.HealthUnhealthy
	assert.Equal(t, http.StatusServiceUnavailable, do(t, h, http.MethodGet, "/readyz", "").Code)
	assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/admin/health", "").Code)
}

func TestCheckEndpoint(t *testing.T) {
	ops := &opsStub{}
	h := newTestRouter(ops, nil)

	w := do(t, h, http.MethodPost, "/admin/check", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.False(t, ops.send)
	assert.True(t, ops.exec)

	var report models.CheckReport
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &report))
	assert.Equal(t, "c-1", report.CycleID)

	w = do(t, h, http.MethodPost, "/admin/check?send_alerts=true&execute_fixes=false", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, ops.send)
	assert.False(t, ops.exec)

	w = do(t, h, http.MethodPost, "/admin/check?send_alerts=maybe", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	assert.Equal(t, http.StatusMethodNotAllowed, do(t, h, http.MethodGet, "/admin/check", "").Code)
}

func TestLastReport(t *testing.T) {
	ops := &opsStub{}
	h := newTestRouter(ops, nil)
	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodGet, "/admin/report/last", "").Code)

	ops.last = &models.CheckReport{CycleID: "prev"}
	w := do(t, h, http.MethodGet, "/admin/report/last", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "prev")
}

func TestFrequenciesAndStats(t *testing.T) {
	h := newTestRouter(&opsStub{}, nil)

	w := do(t, h, http.MethodGet, "/admin/frequencies", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"patterns":[]}`, w.Body.String())

	w = do(t, h, http.MethodGet, "/admin/stats", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "reconnect_cache")
}

func TestReloadPatternsEndpoint(t *testing.T) {
	ops := &opsStub{}
	h := newTestRouter(ops, nil)

	w := do(t, h, http.MethodPost, "/admin/patterns/reload", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"patterns":3}`, w.Body.String())

	ops.reloadErr = errors.New("db down")
	assert.Equal(t, http.StatusBadGateway, do(t, h, http.MethodPost, "/admin/patterns/reload", "").Code)
}

func TestPushErrors(t *testing.T) {
	rec := &recorderStub{}
	h := newTestRouter(&opsStub{}, rec)

	w := do(t, h, http.MethodPost, "/admin/errors", `{"errors":["connection refused"," "],"error":"timeout"}`)
	require.Equal(t, http.StatusAccepted, w.Code)
	assert.JSONEq(t, `{"accepted":2}`, w.Body.String())
	assert.Equal(t, []string{"connection refused", "timeout"}, rec.lines)

	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodPost, "/admin/errors", `{`).Code)

	rec.err = errors.New("redis down")
	assert.Equal(t, http.StatusBadGateway, do(t, h, http.MethodPost, "/admin/errors", `{"error":"x"}`).Code)

	noBuffer := newTestRouter(&opsStub{}, nil)
	assert.Equal(t, http.StatusNotImplemented, do(t, noBuffer, http.MethodPost, "/admin/errors", `{"error":"x"}`).Code)
}

func TestProvidersAndCaches(t *testing.T) {
	h := newTestRouter(&opsStub{}, nil)

	w := do(t, h, http.MethodGet, "/admin/providers", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"primary"`)
	assert.Contains(t, w.Body.String(), `"closed"`)

	w = do(t, h, http.MethodGet, "/admin/caches", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"caches":["responses"]}`, w.Body.String())

	w = do(t, h, http.MethodPost, "/admin/caches/responses/invalidate", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"cache":"responses","removed":4}`, w.Body.String())

	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodPost, "/admin/caches/other/invalidate", "").Code)
}

func TestMetricsEndpoint(t *testing.T) {
	h := newTestRouter(&opsStub{}, nil)
	assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/metrics", "").Code)
}
