package audit

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/utils/clock"

	"github.com/kubeflow/agent-trust/pkg/authz"
	"github.com/kubeflow/agent-trust/pkg/cache"
)

func (f *fixture) router(e *Engine, reportCache func(http.Handler) http.Handler) http.Handler {
	return authz.IdentityMiddleware(nil)(Router(e, f.store, f.trail, &authz.RoleAuthorizer{}, reportCache))
}

func do(t *testing.T, h http.Handler, method, path string, operator bool) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	req.Header.Set("X-Remote-User", "alice")
	if operator {
		req.Header.Set("X-User-Role", "operator")
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func TestSummaryAndReportHandlers(t *testing.T) {
	f := newFixture(t)
	f.addAgent(t, "billing", nil)
	e := f.engine(healthyKPIs(), healthySync(), nil, nil)
	h := f.router(e, nil)

	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodGet, "/summary", false).Code)
	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodGet, "/report", false).Code)

	rr := do(t, h, http.MethodPost, "/audits", false)
	assert.Equal(t, http.StatusForbidden, rr.Code, "viewers cannot run audits")

	rr = do(t, h, http.MethodPost, "/audits", true)
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	var created Summary
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&created))

	rr = do(t, h, http.MethodGet, "/summary", false)
	require.Equal(t, http.StatusOK, rr.Code)
	var got Summary
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&got))
	assert.Equal(t, created.ID, got.ID)

	rr = do(t, h, http.MethodGet, "/report", false)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "text/markdown; charset=utf-8", rr.Header().Get("Content-Type"))
	assert.True(t, strings.HasPrefix(rr.Body.String(), "# Agent Trust Compliance Report"))

	rr = do(t, h, http.MethodGet, "/report?format=json", false)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "application/json", rr.Header().Get("Content-Type"))
	assert.Contains(t, rr.Body.String(), created.ID)

	rr = do(t, h, http.MethodGet, "/report?format=pdf", false)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestReportIsCachedUntilNextAudit(t *testing.T) {
	f := newFixture(t)
	cm := cache.NewCacheManager(&cache.CacheConfig{Enabled: true, ReportTTL: time.Hour, KPITTL: time.Second, MaxSize: 8}, clock.RealClock{})
	e := f.engine(healthyKPIs(), healthySync(), nil, nil)
	e.OnReport(func(*Summary) { cm.InvalidateReports() })
	h := f.router(e, cm.ReportMiddleware())

	_, err := e.PerformAudit(context.Background())
	require.NoError(t, err)
	first := do(t, h, http.MethodGet, "/report", false)
	require.Equal(t, http.StatusOK, first.Code)
	assert.Equal(t, "MISS", first.Header().Get("X-Cache"))

	hit := do(t, h, http.MethodGet, "/report", false)
	assert.Equal(t, "HIT", hit.Header().Get("X-Cache"))
	assert.Equal(t, "text/markdown; charset=utf-8", hit.Header().Get("Content-Type"))
	assert.Equal(t, first.Body.String(), hit.Body.String())

	second, err := e.PerformAudit(context.Background())
	require.NoError(t, err)
	rr := do(t, h, http.MethodGet, "/report", false)
	assert.Equal(t, "MISS", rr.Header().Get("X-Cache"))
	assert.Contains(t, rr.Body.String(), second.ID)
}

func TestEntryHandlers(t *testing.T) {
	f := newFixture(t)
	f.cfg.Webhook.Secret = ""
	e := f.engine(healthyKPIs(), healthySync(), nil, nil)
	sum, err := e.PerformAudit(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, sum.EntriesWritten)
	h := f.router(e, nil)

	rr := do(t, h, http.MethodGet, "/entries?kind=violation", false)
	require.Equal(t, http.StatusOK, rr.Code)
	var list struct {
		Entries []Entry `json:"entries"`
		Size    int     `json:"size"`
	}
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&list))
	require.Equal(t, 1, list.Size)
	assert.Equal(t, "security.webhook_signature", list.Entries[0].CheckID)
	assert.NoError(t, Verify(testKey, list.Entries[0]))

	rr = do(t, h, http.MethodGet, "/entries/"+list.Entries[0].ID, false)
	assert.Equal(t, http.StatusOK, rr.Code)
	rr = do(t, h, http.MethodGet, "/entries/missing", false)
	assert.Equal(t, http.StatusNotFound, rr.Code)

	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodGet, "/entries?limit=0", false).Code)
	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodGet, "/entries?since=yesterday", false).Code)
}

func TestVerifyHandler(t *testing.T) {
	f := newFixture(t)
	_, err := f.ledger.Record(context.Background(), Entry{Kind: KindViolation, Message: "one"}, Entry{Kind: KindViolation, Message: "two"})
	require.NoError(t, err)
	h := f.router(f.engine(nil, nil, nil, nil), nil)

	rr := do(t, h, http.MethodGet, "/trail/verify", false)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"valid":true,"entries":2}`, rr.Body.String())

	b, err := os.ReadFile(f.trail.Path())
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(f.trail.Path(), []byte(strings.Replace(string(b), `"two"`, `"2"`, 1)), 0o600))

	rr = do(t, h, http.MethodGet, "/trail/verify", false)
	require.Equal(t, http.StatusOK, rr.Code)
	var resp map[string]any
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&resp))
	assert.Equal(t, false, resp["valid"])
	assert.Equal(t, 1.0, resp["entries"])
	assert.Equal(t, 2.0, resp["line"])
}
