package cachekey

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

const methodSeparator = ":"

// CacheKeyer turns requests into cache keys.
// Keys are the request method and the absolute request URL without fragment,
// e.g. `GET:https://example.com/styles.css`.
type CacheKeyer struct {
	// Origin that relative request URLs are resolved against.
	Origin url.URL
}

func NewCacheKeyer(origin url.URL) CacheKeyer {
	return CacheKeyer{Origin: origin}
}

// Normalize returns a shallow clone of the request with an absolute URL.
// Requests as received by a server carry only the request URI; those are
// resolved against the origin. Absolute (proxy-form) URLs are kept as is.
func (c CacheKeyer) Normalize(r *http.Request) *http.Request {
	u := c.Resolve(r.URL)
	req := r.Clone(r.Context())
	req.URL = u
	return req
}

// Resolve makes the URL absolute against the origin, dropping any fragment.
func (c CacheKeyer) Resolve(u *url.URL) *url.URL {
	var abs *url.URL
	if u.IsAbs() {
		copied := *u
		abs = &copied
	} else {
		abs = c.Origin.ResolveReference(&url.URL{
			Path:     u.Path,
			RawPath:  u.RawPath,
			RawQuery: u.RawQuery,
		})
	}
	abs.Fragment = ""
	abs.RawFragment = ""
	return abs
}

// ResolveString is Resolve for URL strings, e.g. manifest entries.
func (c CacheKeyer) ResolveString(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, err
	}
	return c.Resolve(u), nil
}

// GetKey returns the cache key for the request.
// The request URL is resolved first, so relative and absolute forms of
// the same resource share a key.
func (c CacheKeyer) GetKey(r *http.Request) string {
	return r.Method + methodSeparator + c.Resolve(r.URL).String()
}

// GetRequestFromKey generates a request equal, caching-wise, to the request that resulted in the key.
func (c CacheKeyer) GetRequestFromKey(key string) (*http.Request, error) {
	method, rawURL, found := strings.Cut(key, methodSeparator)
	if !found || method == "" {
		return nil, fmt.Errorf("Malformed key: %s", key)
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("Malformed key %s: %w", key, err)
	}
	if !u.IsAbs() {
		return nil, fmt.Errorf("Malformed key: %s: URL not absolute", key)
	}
	return http.NewRequest(method, u.String(), nil)
}

// SameOrigin reports whether the URL points to the origin (scheme and host).
func (c CacheKeyer) SameOrigin(u *url.URL) bool {
	return strings.EqualFold(u.Scheme, c.Origin.Scheme) && strings.EqualFold(u.Host, c.Origin.Host)
}
