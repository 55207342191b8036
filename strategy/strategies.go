package strategy

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/always-cache/offline-cache/cache"
	"github.com/always-cache/offline-cache/fetch"
	cachekey "github.com/always-cache/offline-cache/pkg/cache-key"
	"github.com/always-cache/offline-cache/pkg/clock"
	serializer "github.com/always-cache/offline-cache/pkg/response-serializer"
	"github.com/always-cache/offline-cache/rfc9111"
	"github.com/always-cache/offline-cache/rfc9211"

	"github.com/rs/zerolog"
)

// Timeouts are the network deadlines of the strategies.
type Timeouts struct {
	CacheFirst           time.Duration `yaml:"cacheFirst"`
	NetworkFirst         time.Duration `yaml:"networkFirst"`
	StaleWhileRevalidate time.Duration `yaml:"staleWhileRevalidate"`
}

// DefaultTimeouts gives network-first less patience, since freshness matters more there.
func DefaultTimeouts() Timeouts {
	return Timeouts{
		CacheFirst:           5 * time.Second,
		NetworkFirst:         3 * time.Second,
		StaleWhileRevalidate: 5 * time.Second,
	}
}

// Strategies satisfies requests from one cache generation and the network.
// Requests passed in must have absolute URLs.
type Strategies struct {
	Storage   cache.Storage
	CacheName string
	Fetcher   fetch.Fetcher
	Clock     clock.Clock
	Keyer     cachekey.CacheKeyer
	// URL of the page served for failed navigations, if cached.
	OfflinePage string
	Timeouts    Timeouts
	Background  *Supervisor
	Log         zerolog.Logger
}

// Handle runs the named strategy.
// Unknown names run the default strategy.
func (s *Strategies) Handle(ctx context.Context, name Name, req *http.Request) (*http.Response, rfc9211.CacheStatus, error) {
	switch name {
	case CacheFirst:
		return s.CacheFirst(ctx, req)
	case StaleWhileRevalidate:
		return s.StaleWhileRevalidate(ctx, req)
	default:
		return s.NetworkFirst(ctx, req)
	}
}

// CacheFirst serves from the cache when possible, without touching the network.
// On a miss the response is fetched and stored. If the network fails, the cache
// is checked once more before giving up.
func (s *Strategies) CacheFirst(ctx context.Context, req *http.Request) (*http.Response, rfc9211.CacheStatus, error) {
	cs := rfc9211.CacheStatus{Detail: string(CacheFirst)}
	log := s.Log.With().Str("url", req.URL.String()).Logger()

	gen, err := s.open()
	if err != nil {
		return nil, cs, err
	}
	if res, ok := s.match(gen, req); ok {
		log.Trace().Msg("Cache hit")
		cs.Hit()
		return res, cs, nil
	}

	log.Trace().Msg("Cache miss")
	cs.Forward(rfc9211.FwdReasonUriMiss)
	res, err := fetch.WithTimeout(ctx, s.Fetcher, s.Clock, req, s.Timeouts.CacheFirst)
	if err != nil {
		log.Warn().Err(err).Msg("Cache first fetch failed")
		// a concurrent request may have stored the response in the meantime
		if res, ok := s.match(gen, req); ok {
			cs.Hit()
			return res, cs, nil
		}
		return nil, cs, err
	}
	cs.Stored = s.put(gen, req, res)
	return res, cs, nil
}

// NetworkFirst serves from the network, storing the response.
// If the network fails it falls back to the cache, and for navigations to the offline page.
func (s *Strategies) NetworkFirst(ctx context.Context, req *http.Request) (*http.Response, rfc9211.CacheStatus, error) {
	cs := rfc9211.CacheStatus{Detail: string(NetworkFirst)}
	log := s.Log.With().Str("url", req.URL.String()).Logger()

	res, fetchErr := fetch.WithTimeout(ctx, s.Fetcher, s.Clock, req, s.Timeouts.NetworkFirst)
	if fetchErr == nil {
		cs.Forward(rfc9211.FwdReasonRequest)
		gen, err := s.open()
		if err != nil {
			res.Body.Close()
			return nil, cs, err
		}
		cs.Stored = s.put(gen, req, res)
		log.Trace().Int("status", res.StatusCode).Msg("Network success")
		return res, cs, nil
	}

	log.Debug().Err(fetchErr).Msg("Network failed, trying cache")
	gen, err := s.open()
	if err != nil {
		return nil, cs, err
	}
	if res, ok := s.match(gen, req); ok {
		log.Debug().Msg("Cache fallback")
		cs.Hit()
		return res, cs, nil
	}
	if IsNavigation(req) && s.OfflinePage != "" {
		if offline, ok := s.matchOfflinePage(ctx, gen); ok {
			log.Debug().Msg("Offline page fallback")
			cs.Hit()
			cs.Detail = "offline-page"
			return offline, cs, nil
		}
	}
	cs.Forward(rfc9211.FwdReasonMiss)
	return nil, cs, fetchErr
}

// StaleWhileRevalidate serves a stored response immediately while a background
// fetch refreshes it for next time. Without a stored response, the caller waits
// for that same background fetch.
func (s *Strategies) StaleWhileRevalidate(ctx context.Context, req *http.Request) (*http.Response, rfc9211.CacheStatus, error) {
	cs := rfc9211.CacheStatus{Detail: string(StaleWhileRevalidate)}

	gen, err := s.open()
	if err != nil {
		return nil, cs, err
	}
	cached, hit := s.match(gen, req)

	type result struct {
		res    *http.Response
		stored bool
		err    error
	}
	results := make(chan result, 1)
	s.Background.Go("revalidate", func(bgCtx context.Context) error {
		res, stored, err := s.revalidate(bgCtx, gen, req)
		if !hit {
			results <- result{res, stored, err}
			return err
		}
		if res != nil {
			res.Body.Close()
		}
		return err
	})

	if hit {
		s.Log.Trace().Str("url", req.URL.String()).Msg("Stale cache hit")
		cs.Hit()
		return cached, cs, nil
	}

	cs.Forward(rfc9211.FwdReasonUriMiss)
	select {
	case r := <-results:
		cs.Stored = r.stored
		return r.res, cs, r.err
	case <-ctx.Done():
		// nobody is going to read the response anymore
		go func() {
			if r := <-results; r.res != nil {
				r.res.Body.Close()
			}
		}()
		return nil, cs, ctx.Err()
	}
}

func (s *Strategies) revalidate(ctx context.Context, gen cache.Generation, req *http.Request) (*http.Response, bool, error) {
	res, err := fetch.WithTimeout(ctx, s.Fetcher, s.Clock, req, s.Timeouts.StaleWhileRevalidate)
	if err != nil {
		return nil, false, fmt.Errorf("background update of %s: %w", req.URL, err)
	}
	stored := s.put(gen, req, res)
	if stored {
		s.Log.Debug().Str("url", req.URL.String()).Msg("Background update")
	}
	return res, stored, nil
}

// IsNavigation reports whether the request is a full-page navigation.
func IsNavigation(req *http.Request) bool {
	return req.Header.Get("Sec-Fetch-Mode") == "navigate"
}

// Open opens the current generation.
func (s *Strategies) Open() (cache.Generation, error) {
	return s.open()
}

func (s *Strategies) open() (cache.Generation, error) {
	gen, err := s.Storage.Open(s.CacheName)
	if err != nil {
		s.Log.Error().Err(err).Str("cache", s.CacheName).Msg("Failed to open cache")
		if !errors.Is(err, cache.ErrStoreUnavailable) {
			err = fmt.Errorf("%w: %v", cache.ErrStoreUnavailable, err)
		}
		return nil, err
	}
	return gen, nil
}

// match looks up the request in the generation.
// Read errors count as a miss; corrupted entries are purged.
func (s *Strategies) match(gen cache.Generation, req *http.Request) (*http.Response, bool) {
	key := s.Keyer.GetKey(req)
	entry, ok, err := gen.Match(key)
	if err != nil {
		s.Log.Warn().Err(err).Str("key", key).Msg("Could not read from cache")
		return nil, false
	}
	if !ok {
		return nil, false
	}
	res, err := serializer.BytesToResponse(entry.Bytes, req)
	if err != nil {
		s.Log.Error().Err(err).Str("key", key).Msg("Corrupted cache entry")
		gen.Delete(key)
		return nil, false
	}
	rfc9111.AddAgeHeader(res, entry.StoredAt, clock.OrReal(s.Clock).Now())
	return res, true
}

func (s *Strategies) matchOfflinePage(ctx context.Context, gen cache.Generation) (*http.Response, bool) {
	u, err := s.Keyer.ResolveString(s.OfflinePage)
	if err != nil {
		s.Log.Error().Err(err).Str("offlinePage", s.OfflinePage).Msg("Invalid offline page URL")
		return nil, false
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, false
	}
	return s.match(gen, req)
}

// Put stores the response if it may be stored, and reports whether it was.
// The response body stays readable.
func (s *Strategies) Put(gen cache.Generation, req *http.Request, res *http.Response) bool {
	return s.put(gen, req, res)
}

func (s *Strategies) put(gen cache.Generation, req *http.Request, res *http.Response) bool {
	if rfc9111.MustNotStore(res) {
		return false
	}
	key := s.Keyer.GetKey(req)
	bytes, err := serializer.ResponseToBytes(res)
	if err != nil {
		s.Log.Error().Err(err).Str("key", key).Msg("Could not serialize response")
		return false
	}
	err = gen.Put(cache.Entry{
		Key:      key,
		StoredAt: clock.OrReal(s.Clock).Now(),
		Bytes:    bytes,
	})
	if err != nil {
		s.Log.Error().Err(err).Str("key", key).Msg("Could not write to cache")
		return false
	}
	s.Log.Trace().Str("key", key).Msg("Cache write")
	return true
}
