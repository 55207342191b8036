package offlinecache

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/always-cache/offline-cache/cache"
	"github.com/always-cache/offline-cache/fetch"
	cachekey "github.com/always-cache/offline-cache/pkg/cache-key"
	"github.com/always-cache/offline-cache/pkg/clock"
	"github.com/always-cache/offline-cache/rfc9211"
	"github.com/always-cache/offline-cache/strategy"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"
)

const (
	DefaultCachePrefix = "offline-cache-"
	DefaultOfflinePage = "/offline.html"
)

// DefaultCrossOrigins are the third-party hosts the default strategy table
// serves stale-while-revalidate.
var DefaultCrossOrigins = []string{
	"cdnjs.cloudflare.com",
	"readme-typing-svg.demolab.com",
	"readme-typing-svg.herokuapp.com",
}

// DefaultQueryAllowlist lists the substrings that make a URL with a query string cacheable.
var DefaultQueryAllowlist = []string{"readme-typing-svg"}

type Config struct {
	// Storage for cache generations. An in-memory storage is used if nil.
	Storage cache.Storage
	// URL of the origin server.
	// Relative manifest URLs and the offline page are resolved against it.
	OriginURL url.URL
	// Hostname to use for HTTP requests and TLS negotiation.
	// Use if needed if e.g. the origin URL is just an IP address.
	// Only used by the default fetcher.
	OriginHost string
	// Network to fetch from. Defaults to an HTTP client for the origin
	// and the cross-origin hosts.
	Fetcher fetch.Fetcher
	// Clock for network timeouts and entry timestamps. Wall clock if nil.
	Clock clock.Clock
	// Logger to use. A console logger is used if nil.
	Logger *zerolog.Logger
	// Version of this deployment. The cache generation is named after it.
	Version string
	// Prefix of the generation names owned by this layer.
	// Activation only deletes generations with this prefix.
	CachePrefix string
	// URLs fetched and stored on install.
	Manifest []string
	// Strategy table. The default table is used if nil.
	Rules strategy.Rules
	// Page served for failed navigations if it is cached.
	OfflinePage string
	// Hosts other than the origin whose requests are cached, and the only
	// other hosts the default fetcher talks to. DefaultCrossOrigins if nil,
	// an empty list allows the origin only.
	CrossOrigins []string
	// URLs with a query string are only cached if they contain one of these.
	QueryAllowlist []string
	// Network timeouts per strategy. Zero fields get the default.
	Timeouts strategy.Timeouts
	// Keep an installed worker waiting until SKIP_WAITING instead of activating it right away.
	WaitForSkip bool
	// Number of manifest URLs fetched in parallel on install.
	InstallConcurrency int
}

func (c Config) withDefaults() Config {
	if c.Storage == nil {
		c.Storage = cache.NewMemStorage()
	}
	if c.CrossOrigins == nil {
		c.CrossOrigins = DefaultCrossOrigins
	}
	if c.Fetcher == nil {
		c.Fetcher = fetch.NewOriginFetcher(c.OriginURL, c.OriginHost, c.CrossOrigins)
	}
	if c.Version == "" {
		c.Version = "1"
	}
	if c.CachePrefix == "" {
		c.CachePrefix = DefaultCachePrefix
	}
	if c.Rules == nil {
		c.Rules = strategy.DefaultRules()
	}
	if c.OfflinePage == "" {
		c.OfflinePage = DefaultOfflinePage
	}
	if c.QueryAllowlist == nil {
		c.QueryAllowlist = DefaultQueryAllowlist
	}
	defaults := strategy.DefaultTimeouts()
	if c.Timeouts.CacheFirst == 0 {
		c.Timeouts.CacheFirst = defaults.CacheFirst
	}
	if c.Timeouts.NetworkFirst == 0 {
		c.Timeouts.NetworkFirst = defaults.NetworkFirst
	}
	if c.Timeouts.StaleWhileRevalidate == 0 {
		c.Timeouts.StaleWhileRevalidate = defaults.StaleWhileRevalidate
	}
	if c.InstallConcurrency <= 0 {
		c.InstallConcurrency = 4
	}
	return c
}

// CacheName returns the name of the generation for the configured version.
func (c Config) CacheName() string {
	prefix := c.CachePrefix
	if prefix == "" {
		prefix = DefaultCachePrefix
	}
	return prefix + "v" + c.Version
}

// State is the lifecycle state of a worker.
type State int

const (
	StateParsed State = iota
	StateInstalling
	StateInstalled
	StateActivating
	StateActivated
	StateRedundant
)

func (s State) String() string {
	switch s {
	case StateParsed:
		return "parsed"
	case StateInstalling:
		return "installing"
	case StateInstalled:
		return "installed"
	case StateActivating:
		return "activating"
	case StateActivated:
		return "activated"
	case StateRedundant:
		return "redundant"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Worker is one deployment of the cache layer: a version, its cache
// generation and its strategy table. It goes through install and activation,
// and then intercepts requests.
type Worker struct {
	config     Config
	name       string
	keyer      cachekey.CacheKeyer
	strategies *strategy.Strategies
	background *strategy.Supervisor
	log        zerolog.Logger

	mutex sync.Mutex
	state State

	// held for reading by requests in flight
	retiring sync.RWMutex
	retired  bool
}

// NewWorker creates a worker in the parsed state.
// Nothing is fetched or stored before Install.
func NewWorker(config Config) *Worker {
	config = config.withDefaults()

	// use console logger if not specified in config
	var logger zerolog.Logger
	if config.Logger == nil {
		logger = zerolog.New(zerolog.NewConsoleWriter())
	} else {
		logger = *config.Logger
	}
	name := config.CacheName()
	logger = logger.With().
		Str("cache", name).
		Logger()

	keyer := cachekey.NewCacheKeyer(config.OriginURL)
	background := strategy.NewSupervisor(logger)
	return &Worker{
		config:     config,
		name:       name,
		keyer:      keyer,
		background: background,
		log:        logger,
		strategies: &strategy.Strategies{
			Storage:     config.Storage,
			CacheName:   name,
			Fetcher:     config.Fetcher,
			Clock:       config.Clock,
			Keyer:       keyer,
			OfflinePage: config.OfflinePage,
			Timeouts:    config.Timeouts,
			Background:  background,
			Log:         logger,
		},
	}
}

// CacheName returns the name of the worker's cache generation.
func (w *Worker) CacheName() string {
	return w.name
}

func (w *Worker) Version() string {
	return w.config.Version
}

func (w *Worker) State() State {
	w.mutex.Lock()
	defer w.mutex.Unlock()
	return w.state
}

func (w *Worker) setState(s State) {
	w.mutex.Lock()
	defer w.mutex.Unlock()
	w.log.Trace().Str("from", w.state.String()).Str("to", s.String()).Msg("State change")
	w.state = s
}

// Wait blocks until the background updates started so far are done.
func (w *Worker) Wait() {
	w.background.Wait()
}

// Close stops background updates.
func (w *Worker) Close() {
	w.background.Close()
}

// retire makes the worker redundant. It waits for the requests in flight and
// stops the background updates, so the worker's generation is not written
// to anymore once retire returns.
func (w *Worker) retire() {
	w.retiring.Lock()
	w.retired = true
	w.retiring.Unlock()
	w.setState(StateRedundant)
	w.Close()
}

// Cacheable reports whether the (normalized) request is handled by the strategies.
// Everything else goes to the network untouched.
func (w *Worker) Cacheable(r *http.Request) bool {
	if r.Method != http.MethodGet {
		return false
	}
	if r.URL.Scheme != "http" && r.URL.Scheme != "https" {
		return false
	}
	if r.URL.RawQuery != "" && !w.queryAllowed(r.URL.String()) {
		return false
	}
	if w.keyer.SameOrigin(r.URL) {
		return true
	}
	for _, host := range w.config.CrossOrigins {
		if strings.EqualFold(r.URL.Hostname(), host) {
			return true
		}
	}
	return false
}

func (w *Worker) queryAllowed(url string) bool {
	for _, allowed := range w.config.QueryAllowlist {
		if strings.Contains(url, allowed) {
			return true
		}
	}
	return false
}

// ServeHTTP implements the http.Handler interface.
// Failures that no strategy could recover from become a 503.
// A retired worker sends requests to the network untouched.
func (w *Worker) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	if !w.serve(rw, r) {
		passthrough(rw, w.keyer.Normalize(r), w.config.Fetcher, w.requestLogger(r))
	}
}

// serve handles the request unless the worker is retired, and reports whether it did.
func (w *Worker) serve(rw http.ResponseWriter, r *http.Request) bool {
	w.retiring.RLock()
	defer w.retiring.RUnlock()
	if w.retired {
		return false
	}
	w.handle(rw, r)
	return true
}

func (w *Worker) handle(rw http.ResponseWriter, r *http.Request) {
	log := w.requestLogger(r)
	defer func() {
		if rec := recover(); rec != nil {
			if rec == http.ErrAbortHandler {
				panic(rec)
			}
			log.Error().Err(fmt.Errorf("panic: %v", rec)).Msg("Request handling panicked")
			serviceUnavailable(rw)
		}
	}()

	req := w.keyer.Normalize(r)
	if !w.Cacheable(req) {
		log.Trace().Str("method", req.Method).Str("url", req.URL.String()).Msg("Not cacheable")
		passthrough(rw, req, w.config.Fetcher, log)
		return
	}

	name := w.config.Rules.Select(req.URL.String())
	res, cs, err := w.strategies.Handle(r.Context(), name, req)
	if err != nil {
		log.Error().Err(err).Str("url", req.URL.String()).Str("strategy", string(name)).Msg("Fetch handler failed")
		serviceUnavailable(rw)
		return
	}
	send(rw, res, cs, log)
}

// requestLogger prefers the logger set up by the HTTP middleware.
func (w *Worker) requestLogger(r *http.Request) zerolog.Logger {
	if l := hlog.FromRequest(r); l.GetLevel() != zerolog.Disabled {
		return l.With().Str("cache", w.name).Logger()
	}
	return w.log
}

// passthrough forwards the request without touching any cache.
func passthrough(rw http.ResponseWriter, req *http.Request, f fetch.Fetcher, log zerolog.Logger) {
	res, err := f.Fetch(req.Context(), req)
	if err != nil {
		log.Warn().Err(err).Str("url", req.URL.String()).Msg("Passthrough failed")
		http.Error(rw, http.StatusText(http.StatusBadGateway), http.StatusBadGateway)
		return
	}
	cs := rfc9211.CacheStatus{}
	cs.Forward(rfc9211.FwdReasonBypass)
	send(rw, res, cs, log)
}

// serviceUnavailable writes the generic error response.
func serviceUnavailable(rw http.ResponseWriter) {
	rw.Header().Set("Content-Type", "text/plain; charset=utf-8")
	rw.Header().Set("X-Content-Type-Options", "nosniff")
	rw.WriteHeader(http.StatusServiceUnavailable)
	rw.Write([]byte(http.StatusText(http.StatusServiceUnavailable)))
}
