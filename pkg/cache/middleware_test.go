package cache

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/kubeflow/agent-trust/pkg/tenancy"
)

func TestCacheMiddleware(t *testing.T) {
	tests := []struct {
		name string
		fn   func(t *testing.T)
	}{
		{"GETCachedOnSecondCall", testGETCachedOnSecondCall},
		{"POSTNotCached", testPOSTNotCached},
		{"Non200NotCached", testNon200NotCached},
		{"QueryCachedSeparately", testQueryCachedSeparately},
		{"TenantsCachedSeparately", testTenantsCachedSeparately},
		{"NoCacheRefreshes", testNoCacheRefreshes},
	}

	for _, tt := range tests {
		t.Run(tt.name, tt.fn)
	}
}

func serve(h http.Handler, method, target string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(method, target, nil))
	return rec
}

func testGETCachedOnSecondCall(t *testing.T) {
	callCount := 0
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		callCount++
		w.Header().Set("Content-Type", "text/markdown; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("# Executive summary"))
	})
	wrapped := CacheMiddleware(NewLRUCache(10, 5*time.Second, nil))(handler)

	rec1 := serve(wrapped, http.MethodGet, "/api/audit/v1alpha1/report?format=markdown")
	if rec1.Header().Get("X-Cache") != "MISS" {
		t.Fatalf("expected X-Cache: MISS, got %q", rec1.Header().Get("X-Cache"))
	}

	rec2 := serve(wrapped, http.MethodGet, "/api/audit/v1alpha1/report?format=markdown")
	if callCount != 1 {
		t.Fatalf("expected handler not called again, got %d", callCount)
	}
	if rec2.Header().Get("X-Cache") != "HIT" {
		t.Fatalf("expected X-Cache: HIT, got %q", rec2.Header().Get("X-Cache"))
	}
	if ct := rec2.Header().Get("Content-Type"); ct != "text/markdown; charset=utf-8" {
		t.Fatalf("expected original content type on hit, got %q", ct)
	}
	body, _ := io.ReadAll(rec2.Result().Body)
	if string(body) != "# Executive summary" {
		t.Fatalf("expected cached body, got %q", string(body))
	}
}

func testPOSTNotCached(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	})
	c := NewLRUCache(10, 5*time.Second, nil)

	rec := serve(CacheMiddleware(c)(handler), http.MethodPost, "/trust/refresh")
	if c.Size() != 0 {
		t.Fatalf("expected cache size 0 for POST, got %d", c.Size())
	}
	if rec.Header().Get("X-Cache") != "" {
		t.Fatalf("expected no X-Cache header on POST, got %q", rec.Header().Get("X-Cache"))
	}
}

func testNon200NotCached(t *testing.T) {
	callCount := 0
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		callCount++
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	c := NewLRUCache(10, 5*time.Second, nil)
	wrapped := CacheMiddleware(c)(handler)

	serve(wrapped, http.MethodGet, "/trust")
	serve(wrapped, http.MethodGet, "/trust")
	if callCount != 2 {
		t.Fatalf("expected handler called twice, got %d", callCount)
	}
	if c.Size() != 0 {
		t.Fatalf("expected cache size 0 for non-200, got %d", c.Size())
	}
}

func testQueryCachedSeparately(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(r.URL.Query().Get("format")))
	})
	c := NewLRUCache(10, 5*time.Second, nil)
	wrapped := CacheMiddleware(c)(handler)

	serve(wrapped, http.MethodGet, "/report?format=json")
	serve(wrapped, http.MethodGet, "/report?format=markdown")
	rec := serve(wrapped, http.MethodGet, "/report?format=json")

	body, _ := io.ReadAll(rec.Result().Body)
	if string(body) != "json" {
		t.Fatalf("expected cached body json, got %q", string(body))
	}
	if c.Size() != 2 {
		t.Fatalf("expected 2 cached entries, got %d", c.Size())
	}
}

func testTenantsCachedSeparately(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(tenancy.NamespaceFromContext(r.Context())))
	})
	c := NewLRUCache(10, 5*time.Second, nil)
	wrapped := CacheMiddleware(c)(handler)

	get := func(ns string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/trust", nil)
		req = req.WithContext(tenancy.WithTenant(req.Context(), tenancy.TenantContext{Namespace: ns, Environment: "production"}))
		rec := httptest.NewRecorder()
		wrapped.ServeHTTP(rec, req)
		return rec
	}

	get("team-a")
	rec := get("team-b")
	if rec.Header().Get("X-Cache") != "MISS" {
		t.Fatalf("expected a miss for another tenant, got %q", rec.Header().Get("X-Cache"))
	}
	if body, _ := io.ReadAll(rec.Result().Body); string(body) != "team-b" {
		t.Fatalf("expected team-b body, got %q", string(body))
	}
	rec = get("team-a")
	if rec.Header().Get("X-Cache") != "HIT" {
		t.Fatalf("expected a hit for the first tenant, got %q", rec.Header().Get("X-Cache"))
	}
	if c.Size() != 2 {
		t.Fatalf("expected 2 cached entries, got %d", c.Size())
	}
}

func testNoCacheRefreshes(t *testing.T) {
	calls := 0
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		_, _ = w.Write([]byte{byte('0' + calls)})
	})
	wrapped := CacheMiddleware(NewLRUCache(10, 5*time.Second, nil))(handler)

	serve(wrapped, http.MethodGet, "/trust")
	req := httptest.NewRequest(http.MethodGet, "/trust", nil)
	req.Header.Set("Cache-Control", "no-cache")
	rec := httptest.NewRecorder()
	wrapped.ServeHTTP(rec, req)
	if rec.Header().Get("X-Cache") != "MISS" || calls != 2 {
		t.Fatalf("expected no-cache to reach the handler, calls=%d cache=%q", calls, rec.Header().Get("X-Cache"))
	}

	rec = serve(wrapped, http.MethodGet, "/trust")
	if body, _ := io.ReadAll(rec.Result().Body); string(body) != "2" {
		t.Fatalf("expected refreshed body 2, got %q", string(body))
	}
}
