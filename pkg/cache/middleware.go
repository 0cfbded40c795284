package cache

import (
	"bytes"
	"net/http"
	"strings"

	"github.com/kubeflow/agent-trust/pkg/tenancy"
)

// recorder tees the handler's response so a 200 body can be stored.
type recorder struct {
	http.ResponseWriter
	status int
	buf    bytes.Buffer
}

func (rec *recorder) WriteHeader(code int) {
	if rec.status == 0 {
		rec.status = code
	}
	rec.ResponseWriter.WriteHeader(code)
}

func (rec *recorder) Write(b []byte) (int, error) {
	if rec.status == 0 {
		rec.status = http.StatusOK
	}
	rec.buf.Write(b)
	return rec.ResponseWriter.Write(b)
}

// Key scopes a request URI to the tenant and environment resolved for the
// request. Tenants never share entries even when their URIs match.
func Key(r *http.Request) string {
	tc, _ := tenancy.TenantFromContext(r.Context())
	return tc.Namespace + "|" + tc.Environment + "|" + r.URL.RequestURI()
}

// CacheMiddleware serves GET responses from c. Only 200 answers are stored,
// under Key(r), together with their Content-Type. Responses carry
// X-Cache: HIT or MISS. A request with "Cache-Control: no-cache" skips the
// lookup and refreshes the entry.
func CacheMiddleware(c *LRUCache) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodGet {
				next.ServeHTTP(w, r)
				return
			}

			key := Key(r)
			if !noCache(r) {
				if body, contentType, ok := c.GetWithType(key); ok {
					w.Header().Set("Content-Type", contentType)
					w.Header().Set("X-Cache", "HIT")
					w.WriteHeader(http.StatusOK)
					_, _ = w.Write(body)
					return
				}
			}

			w.Header().Set("X-Cache", "MISS")
			rec := &recorder{ResponseWriter: w}
			next.ServeHTTP(rec, r)
			if rec.status != http.StatusOK {
				return
			}
			contentType := w.Header().Get("Content-Type")
			if contentType == "" {
				contentType = "application/json"
			}
			c.SetWithType(key, rec.buf.Bytes(), contentType)
		})
	}
}

func noCache(r *http.Request) bool {
	for _, v := range r.Header.Values("Cache-Control") {
		if strings.Contains(strings.ToLower(v), "no-cache") {
			return true
		}
	}
	return false
}
