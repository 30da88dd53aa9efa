package offline0

import (
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

// testOrigin is a fake app origin that records every request it serves.
type testOrigin struct {
	*httptest.Server

	mu       sync.Mutex
	hits     map[string]int
	status   map[string]int
	redirect map[string]string
	cookie   string
}

func newTestOrigin(t *testing.T) *testOrigin {
	t.Helper()
	o := &testOrigin{hits: map[string]int{}, status: map[string]int{}, redirect: map[string]string{}}
	o.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		o.mu.Lock()
		o.hits[r.Method+" "+r.URL.RequestURI()]++
		status := o.status[r.URL.Path]
		location := o.redirect[r.URL.Path]
		cookie := o.cookie
		o.mu.Unlock()

		if cookie != "" {
			w.Header().Set("Set-Cookie", cookie)
		}
		if location != "" {
			http.Redirect(w, r, location, http.StatusFound)
			return
		}
		if status != 0 {
			w.WriteHeader(status)
			return
		}
		body, _ := io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "text/plain")
		w.Header().Set("X-Origin-Path", r.URL.Path)
		_, _ = io.WriteString(w, r.Method+" "+r.URL.RequestURI()+string(body))
	}))
	t.Cleanup(o.Close)
	return o
}

func (o *testOrigin) setStatus(path string, status int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.status[path] = status
}

func (o *testOrigin) setRedirect(path, location string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.redirect[path] = location
}

// setCookie makes every response carry a Set-Cookie header.
func (o *testOrigin) setCookie(cookie string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.cookie = cookie
}

func (o *testOrigin) hitCount(method, uri string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.hits[method+" "+uri]
}

func (o *testOrigin) totalHits() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	n := 0
	for _, v := range o.hits {
		n += v
	}
	return n
}

func (o *testOrigin) reset() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.hits = map[string]int{}
}

func newMemStorage(t *testing.T) *CacheStorage {
	t.Helper()
	caches, err := NewMemCacheStorage()
	require.NoError(t, err)
	return caches
}

func newTestService(t *testing.T, cfg Config) (*Service, *observer.ObservedLogs) {
	t.Helper()
	core, logs := observer.New(zap.DebugLevel)
	svc := NewServiceWithStorage(cfg, zap.New(core), newMemStorage(t))
	t.Cleanup(func() { _ = svc.Close() })
	return svc, logs
}

func testDispatcher() *dispatcher {
	return &dispatcher{
		log:     zap.NewNop(),
		metrics: newMetrics(),
		track:   func() func() { return func() {} },
	}
}
