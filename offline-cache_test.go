package offlinecache

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/always-cache/offline-cache/cache"
	"github.com/always-cache/offline-cache/fetch"
	"github.com/always-cache/offline-cache/strategy"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var nopLogger = zerolog.Nop()

// site is an in-process origin that counts requests per method and path.
type site struct {
	mutex    sync.Mutex
	requests map[string]int
	bodies   map[string]string
	down     bool
}

func newSite(bodies map[string]string) *site {
	return &site{
		requests: make(map[string]int),
		bodies:   bodies,
	}
}

func (s *site) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.requests[r.Method+" "+r.Host+r.URL.Path]++
	if r.Method == http.MethodPost {
		body, _ := io.ReadAll(r.Body)
		w.Write([]byte("posted " + string(body)))
		return
	}
	body, ok := s.bodies[r.URL.Path]
	if !ok {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/plain")
	w.Write([]byte(body))
}

func (s *site) Fetch(ctx context.Context, req *http.Request) (*http.Response, error) {
	s.mutex.Lock()
	down := s.down
	s.mutex.Unlock()
	if down {
		return nil, errors.New("connection refused")
	}
	return fetch.HandlerFetcher{Handler: s}.Fetch(ctx, req)
}

func (s *site) count(key string) int {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.requests[key]
}

func (s *site) setDown(down bool) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.down = down
}

func newConfig(s *site, version string) Config {
	origin, _ := url.Parse("https://example.com")
	return Config{
		OriginURL: *origin,
		Fetcher:   s,
		Logger:    &nopLogger,
		Version:   version,
		Manifest:  []string{"/", "/index.html", "/styles.css", "/offline.html"},
	}
}

func newInstalledWorker(t *testing.T, config Config) *Worker {
	w := NewWorker(config)
	t.Cleanup(w.Close)
	require.NoError(t, w.Install(context.Background()))
	require.NoError(t, w.Activate())
	return w
}

func defaultSite() *site {
	return newSite(map[string]string{
		"/":             "home",
		"/index.html":   "home",
		"/styles.css":   "body {}",
		"/offline.html": "offline",
		"/app.js":       "alert(1)",
	})
}

func serve(h http.Handler, req *http.Request) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

// countingStorage counts how often generations are opened.
type countingStorage struct {
	cache.Storage
	mutex sync.Mutex
	opens int
}

func (c *countingStorage) Open(name string) (cache.Generation, error) {
	c.mutex.Lock()
	c.opens++
	c.mutex.Unlock()
	return c.Storage.Open(name)
}

func (c *countingStorage) count() int {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.opens
}

func TestCacheName(t *testing.T) {
	assert.Equal(t, "offline-cache-v2.0.0", Config{Version: "2.0.0"}.CacheName())
	assert.Equal(t, "portfolio-42-v2.0.0", Config{CachePrefix: "portfolio-42-", Version: "2.0.0"}.CacheName())
}

func TestCacheable(t *testing.T) {
	config := newConfig(defaultSite(), "1")
	config.CrossOrigins = []string{"cdnjs.cloudflare.com", "readme-typing-svg.herokuapp.com"}
	w := NewWorker(config)
	defer w.Close()

	cases := []struct {
		method    string
		url       string
		cacheable bool
	}{
		{"GET", "https://example.com/styles.css", true},
		{"GET", "https://EXAMPLE.com/styles.css", true},
		{"POST", "https://example.com/styles.css", false},
		{"HEAD", "https://example.com/styles.css", false},
		{"GET", "ftp://example.com/styles.css", false},
		{"GET", "https://example.com/styles.css?v=2", false},
		{"GET", "https://readme-typing-svg.herokuapp.com/?lines=hi", true},
		{"GET", "https://cdnjs.cloudflare.com/all.min.css", true},
		{"GET", "https://evil.example/all.min.css", false},
		{"GET", "https://evil.example/?readme-typing-svg", false},
	}
	for _, c := range cases {
		req, err := http.NewRequest(c.method, c.url, nil)
		require.NoError(t, err)
		assert.Equal(t, c.cacheable, w.Cacheable(req), "%s %s", c.method, c.url)
	}
}

func TestDefaultTableReachesCrossOrigins(t *testing.T) {
	w := NewWorker(newConfig(defaultSite(), "1"))
	defer w.Close()

	for _, rawURL := range []string{
		"https://cdnjs.cloudflare.com/ajax/libs/font-awesome/6.4.0/css/all.min.css",
		"https://readme-typing-svg.demolab.com/?lines=hi",
	} {
		req, err := http.NewRequest("GET", rawURL, nil)
		require.NoError(t, err)
		assert.True(t, w.Cacheable(req), rawURL)
	}

	config := newConfig(defaultSite(), "1")
	config.CrossOrigins = []string{}
	origin := NewWorker(config)
	defer origin.Close()
	req, _ := http.NewRequest("GET", "https://cdnjs.cloudflare.com/all.min.css", nil)
	assert.False(t, origin.Cacheable(req), "empty list allows the origin only")
}

func TestNonGetPassesThrough(t *testing.T) {
	s := defaultSite()
	storage := &countingStorage{Storage: cache.NewMemStorage()}
	config := newConfig(s, "1")
	config.Storage = storage
	w := newInstalledWorker(t, config)
	opens := storage.count()

	rr := serve(w, httptest.NewRequest("POST", "/contact", strings.NewReader("hello")))
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "posted hello", rr.Body.String())
	assert.Equal(t, "OfflineCache; fwd=bypass", rr.Header().Get("Cache-Status"))
	assert.Equal(t, opens, storage.count(), "no cache access")
	assert.Equal(t, 1, s.count("POST example.com/contact"))
}

func TestPassthroughFailureIsBadGateway(t *testing.T) {
	s := defaultSite()
	w := newInstalledWorker(t, newConfig(s, "1"))
	s.setDown(true)

	rr := serve(w, httptest.NewRequest("POST", "/contact", nil))
	assert.Equal(t, http.StatusBadGateway, rr.Code)
}

func TestServesFromStrategies(t *testing.T) {
	s := defaultSite()
	w := newInstalledWorker(t, newConfig(s, "1"))

	rr := serve(w, httptest.NewRequest("GET", "/styles.css", nil))
	assert.Equal(t, "body {}", rr.Body.String())
	assert.Equal(t, "OfflineCache; hit; detail=cache-first", rr.Header().Get("Cache-Status"))
	assert.Equal(t, 1, s.count("GET example.com/styles.css"), "only fetched on install")

	rr = serve(w, httptest.NewRequest("GET", "/app.js", nil))
	assert.Equal(t, "alert(1)", rr.Body.String())
	assert.Equal(t, "OfflineCache; fwd=uri-miss; stored; detail=cache-first", rr.Header().Get("Cache-Status"))

	rr = serve(w, httptest.NewRequest("GET", "/index.html", nil))
	assert.Equal(t, "home", rr.Body.String())
	assert.Equal(t, "OfflineCache; fwd=request; stored; detail=network-first", rr.Header().Get("Cache-Status"))
}

func TestOfflineNavigation(t *testing.T) {
	s := defaultSite()
	w := newInstalledWorker(t, newConfig(s, "1"))
	s.setDown(true)

	req := httptest.NewRequest("GET", "/about.html", nil)
	req.Header.Set("Sec-Fetch-Mode", "navigate")
	rr := serve(w, req)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "offline", rr.Body.String())

	rr = serve(w, httptest.NewRequest("GET", "/index.html", nil))
	assert.Equal(t, "home", rr.Body.String(), "cached copy")
}

func TestUnhandledFailureIsServiceUnavailable(t *testing.T) {
	s := defaultSite()
	w := newInstalledWorker(t, newConfig(s, "1"))
	s.setDown(true)

	rr := serve(w, httptest.NewRequest("GET", "/app.js", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
	assert.Equal(t, "Service Unavailable", rr.Body.String())
	assert.Contains(t, rr.Header().Get("Content-Type"), "text/plain")
}

type panickingStorage struct {
	cache.Storage
}

func (panickingStorage) Open(name string) (cache.Generation, error) {
	panic("storage corrupted")
}

func TestPanicIsServiceUnavailable(t *testing.T) {
	config := newConfig(defaultSite(), "1")
	config.Storage = panickingStorage{cache.NewMemStorage()}
	w := NewWorker(config)
	defer w.Close()

	rr := serve(w, httptest.NewRequest("GET", "/styles.css", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
	assert.Equal(t, "Service Unavailable", rr.Body.String())
}

func TestInstallIsBestEffort(t *testing.T) {
	s := defaultSite()
	storage := cache.NewMemStorage()
	config := newConfig(s, "1")
	config.Storage = storage
	config.Manifest = []string{"/", "/styles.css", "/missing.png", "https://cdnjs.cloudflare.com/all.min.css"}
	w := NewWorker(config)
	defer w.Close()

	require.NoError(t, w.Install(context.Background()))
	assert.Equal(t, StateInstalled, w.State())

	gen, err := storage.Open(w.CacheName())
	require.NoError(t, err)
	keys, err := gen.Keys()
	require.NoError(t, err)
	assert.Equal(t, []string{
		"GET:https://example.com/",
		"GET:https://example.com/styles.css",
	}, keys)
}

type brokenStorage struct {
	cache.Storage
}

func (brokenStorage) Open(name string) (cache.Generation, error) {
	return nil, errors.New("disk full")
}

func TestInstallFailsWithoutStorage(t *testing.T) {
	config := newConfig(defaultSite(), "1")
	config.Storage = brokenStorage{cache.NewMemStorage()}
	w := NewWorker(config)
	defer w.Close()

	err := w.Install(context.Background())
	assert.ErrorIs(t, err, cache.ErrStoreUnavailable)
	assert.Equal(t, StateRedundant, w.State())
}

func TestActivationDeletesOldGenerations(t *testing.T) {
	s := defaultSite()
	storage := cache.NewMemStorage()
	for _, name := range []string{"offline-cache-v1", "someone-else"} {
		_, err := storage.Open(name)
		require.NoError(t, err)
	}
	reg := NewRegistration(s, &nopLogger)
	defer reg.Close()

	config := newConfig(s, "2")
	config.Storage = storage
	w, err := reg.Register(context.Background(), config)
	require.NoError(t, err)
	assert.Equal(t, StateActivated, w.State())
	assert.Same(t, w, reg.Active())

	names, err := storage.Keys()
	require.NoError(t, err)
	assert.Equal(t, []string{"offline-cache-v2", "someone-else"}, names)

	reply := reg.HandleMessage(Message{Type: MessageGetVersion})
	require.NotNil(t, reply)
	assert.Equal(t, "2", reply.Version)
}

func TestClearCache(t *testing.T) {
	s := defaultSite()
	reg := NewRegistration(s, &nopLogger)
	defer reg.Close()
	storage := cache.NewMemStorage()
	config := newConfig(s, "1")
	config.Storage = storage
	_, err := reg.Register(context.Background(), config)
	require.NoError(t, err)

	serve(reg, httptest.NewRequest("GET", "/styles.css", nil))
	assert.Equal(t, 1, s.count("GET example.com/styles.css"))

	reply := reg.HandleMessage(Message{Type: MessageClearCache})
	require.NotNil(t, reply)
	require.NotNil(t, reply.Success)
	assert.True(t, *reply.Success)
	has, _ := storage.Has("offline-cache-v1")
	assert.False(t, has)

	rr := serve(reg, httptest.NewRequest("GET", "/styles.css", nil))
	assert.Equal(t, "body {}", rr.Body.String())
	assert.Equal(t, 2, s.count("GET example.com/styles.css"), "fetched again after clearing")
}

func TestSkipWaiting(t *testing.T) {
	s := defaultSite()
	storage := cache.NewMemStorage()
	reg := NewRegistration(s, &nopLogger)
	defer reg.Close()

	config := newConfig(s, "1")
	config.Storage = storage
	config.WaitForSkip = true
	v1, err := reg.Register(context.Background(), config)
	require.NoError(t, err)
	assert.Same(t, v1, reg.Active(), "first worker does not wait")

	config.Version = "2"
	v2, err := reg.Register(context.Background(), config)
	require.NoError(t, err)
	assert.Same(t, v1, reg.Active())
	assert.Same(t, v2, reg.Waiting())
	assert.Equal(t, StateInstalled, v2.State())
	assert.Equal(t, "1", reg.HandleMessage(Message{Type: MessageGetVersion}).Version)

	assert.Nil(t, reg.HandleMessage(Message{Type: MessageSkipWaiting}))
	assert.Same(t, v2, reg.Active())
	assert.Nil(t, reg.Waiting())
	assert.Equal(t, StateRedundant, v1.State())
	assert.Equal(t, StateActivated, v2.State())
	assert.Equal(t, "2", reg.HandleMessage(Message{Type: MessageGetVersion}).Version)

	names, _ := storage.Keys()
	assert.Equal(t, []string{"offline-cache-v2"}, names)
}

// gatedFetcher holds the first request for path until release is closed.
type gatedFetcher struct {
	fetch.Fetcher
	path    string
	armed   atomic.Bool
	entered chan struct{}
	release chan struct{}
}

func (g *gatedFetcher) Fetch(ctx context.Context, req *http.Request) (*http.Response, error) {
	if req.URL.Path == g.path && g.armed.CompareAndSwap(true, false) {
		close(g.entered)
		<-g.release
	}
	return g.Fetcher.Fetch(ctx, req)
}

func TestRetiredWorkerDoesNotRecreateGeneration(t *testing.T) {
	s := defaultSite()
	s.bodies["/badge.svg"] = "<svg/>"
	storage, err := cache.NewSQLiteStorage(filepath.Join(t.TempDir(), "cache.db"))
	require.NoError(t, err)
	defer storage.Close()
	gate := &gatedFetcher{
		Fetcher: s,
		path:    "/badge.svg",
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
	reg := NewRegistration(gate, &nopLogger)
	defer reg.Close()

	rules, err := strategy.ParseRules([]strategy.RuleConfig{{Pattern: `\.svg$`, Strategy: "stale-while-revalidate"}})
	require.NoError(t, err)
	config := newConfig(s, "1")
	config.Fetcher = gate
	config.Storage = storage
	config.Rules = rules
	config.Manifest = append(config.Manifest, "/badge.svg")
	v1, err := reg.Register(context.Background(), config)
	require.NoError(t, err)

	// stale hit, the refresh hangs on the network
	gate.armed.Store(true)
	rr := serve(reg, httptest.NewRequest("GET", "/badge.svg", nil))
	assert.Equal(t, "<svg/>", rr.Body.String())
	<-gate.entered

	config.Version = "2"
	_, err = reg.Register(context.Background(), config)
	require.NoError(t, err)
	assert.Equal(t, StateRedundant, v1.State())
	names, err := storage.Keys()
	require.NoError(t, err)
	assert.Equal(t, []string{"offline-cache-v2"}, names)

	close(gate.release)
	v1.Wait()
	names, err = storage.Keys()
	require.NoError(t, err)
	assert.Equal(t, []string{"offline-cache-v2"}, names, "retired worker writes nothing")

	rr = serve(v1, httptest.NewRequest("GET", "/styles.css", nil))
	assert.Equal(t, "OfflineCache; fwd=bypass", rr.Header().Get("Cache-Status"))
	names, _ = storage.Keys()
	assert.Equal(t, []string{"offline-cache-v2"}, names)
}

func TestRegistrationDropsRedundantWorkers(t *testing.T) {
	s := defaultSite()
	reg := NewRegistration(s, &nopLogger)
	defer reg.Close()
	config := newConfig(s, "1")
	config.WaitForSkip = true

	var workers []*Worker
	for _, version := range []string{"1", "2", "3"} {
		config.Version = version
		w, err := reg.Register(context.Background(), config)
		require.NoError(t, err)
		workers = append(workers, w)
	}
	assert.Same(t, workers[0], reg.Active())
	assert.Same(t, workers[2], reg.Waiting())
	assert.Equal(t, StateRedundant, workers[1].State(), "replaced while waiting")

	require.NoError(t, reg.SkipWaiting())
	assert.Equal(t, StateRedundant, workers[0].State())
	reg.mutex.Lock()
	assert.Empty(t, reg.installing)
	reg.mutex.Unlock()
}

func TestUnknownMessageIsIgnored(t *testing.T) {
	s := defaultSite()
	reg := NewRegistration(s, &nopLogger)
	defer reg.Close()
	_, err := reg.Register(context.Background(), newConfig(s, "1"))
	require.NoError(t, err)

	assert.Nil(t, reg.HandleMessage(Message{Type: "PING"}))
}

func TestNoActiveWorkerPassesThrough(t *testing.T) {
	s := defaultSite()
	reg := NewRegistration(s, &nopLogger)
	defer reg.Close()

	rr := serve(reg, httptest.NewRequest("GET", "/styles.css", nil))
	assert.Equal(t, "body {}", rr.Body.String())
	assert.Equal(t, "OfflineCache; fwd=bypass", rr.Header().Get("Cache-Status"))
	assert.Nil(t, reg.HandleMessage(Message{Type: MessageGetVersion}))
}
