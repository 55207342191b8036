package fetch

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/always-cache/offline-cache/pkg/clock"
	tee "github.com/always-cache/offline-cache/pkg/response-writer-tee"
)

// ErrNetworkTimeout is returned when the network did not respond before the deadline.
var ErrNetworkTimeout = errors.New("network timeout")

// NetworkError is a rejected fetch (DNS failure, connection refused, etc.).
type NetworkError struct {
	URL string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("network error fetching %s: %v", e.URL, e.Err)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// Fetcher gets responses from the network.
// The request URL is absolute.
type Fetcher interface {
	Fetch(ctx context.Context, req *http.Request) (*http.Response, error)
}

// FetcherFunc is an adapter to allow the use of ordinary functions as fetchers.
type FetcherFunc func(ctx context.Context, req *http.Request) (*http.Response, error)

func (f FetcherFunc) Fetch(ctx context.Context, req *http.Request) (*http.Response, error) {
	return f(ctx, req)
}

// WithTimeout fetches the request, racing the fetch against the clock.
// If the timer fires first, it returns ErrNetworkTimeout and abandons the fetch.
// The fetch is also abandoned when ctx is done, with ctx's error as the cause.
// An abandoned fetch is cancelled through its context if the fetcher supports it,
// and a response arriving late is closed.
// A timeout of zero or less means no timeout.
func WithTimeout(ctx context.Context, f Fetcher, clk clock.Clock, req *http.Request, timeout time.Duration) (*http.Response, error) {
	fetchCtx, cancel := context.WithCancel(ctx)

	done := make(chan result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- result{nil, fmt.Errorf("fetch panicked: %v", r)}
			}
		}()
		res, err := f.Fetch(fetchCtx, req)
		done <- result{res, err}
	}()

	var timer <-chan time.Time
	if timeout > 0 {
		timer = clock.OrReal(clk).After(timeout)
	}

	select {
	case r := <-done:
		if r.err != nil {
			cancel()
			return nil, asNetworkError(req, r.err)
		}
		// the body may still be streaming, so cancel only once it is closed
		r.res.Body = &cancelOnClose{ReadCloser: bodyOrEmpty(r.res), cancel: cancel}
		return r.res, nil
	case <-timer:
		abandon(done, cancel)
		return nil, fmt.Errorf("%w: %s after %s", ErrNetworkTimeout, req.URL, timeout)
	case <-ctx.Done():
		abandon(done, cancel)
		return nil, &NetworkError{URL: req.URL.String(), Err: ctx.Err()}
	}
}

type result struct {
	res *http.Response
	err error
}

// abandon cancels a running fetch and closes its response if one still arrives.
func abandon(done <-chan result, cancel context.CancelFunc) {
	cancel()
	go func() {
		if r := <-done; r.res != nil && r.res.Body != nil {
			r.res.Body.Close()
		}
	}()
}

func asNetworkError(req *http.Request, err error) error {
	var netErr *NetworkError
	if errors.As(err, &netErr) || errors.Is(err, ErrNetworkTimeout) {
		return err
	}
	return &NetworkError{URL: req.URL.String(), Err: err}
}

func bodyOrEmpty(res *http.Response) io.ReadCloser {
	if res.Body == nil {
		return http.NoBody
	}
	return res.Body
}

type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelOnClose) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}

// hop-by-hop headers, these are removed when sent to the origin
var hopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// OriginFetcher fetches from the origin server over HTTP.
// Only the origin host and the allowed cross-origin hosts can be reached.
type OriginFetcher struct {
	origin       url.URL
	hostHeader   string
	allowedHosts map[string]struct{}
	client       *http.Client
}

// NewOriginFetcher creates a fetcher for the origin.
// originHost is the hostname to use for HTTP requests and TLS negotiation
// to the origin, needed if e.g. the origin URL is just an IP address.
func NewOriginFetcher(origin url.URL, originHost string, crossOrigins []string) *OriginFetcher {
	f := &OriginFetcher{
		origin:       origin,
		hostHeader:   originHost,
		allowedHosts: make(map[string]struct{}),
		client: &http.Client{
			// do not follow redirects
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
	// use provided hostname for origin if configured
	if originHost != "" {
		f.client.Transport = &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			TLSClientConfig: &tls.Config{
				ServerName: originHost,
			},
		}
	}
	for _, host := range crossOrigins {
		f.allowedHosts[strings.ToLower(host)] = struct{}{}
	}
	return f
}

func (f *OriginFetcher) Fetch(ctx context.Context, req *http.Request) (*http.Response, error) {
	out := req.Clone(ctx)
	out.RequestURI = ""
	if out.URL.Host == "" || strings.EqualFold(out.URL.Host, f.origin.Host) {
		out.URL.Scheme = f.origin.Scheme
		out.URL.Host = f.origin.Host
		out.Host = f.hostHeader
	} else if _, ok := f.allowedHosts[strings.ToLower(out.URL.Hostname())]; ok {
		out.Host = ""
	} else {
		return nil, fmt.Errorf("host %s not allowed", out.URL.Host)
	}
	for _, h := range hopHeaders {
		out.Header.Del(h)
	}
	return f.client.Do(out)
}

// HandlerFetcher uses an in-process handler as the network.
type HandlerFetcher struct {
	Handler http.Handler
}

func (f HandlerFetcher) Fetch(ctx context.Context, req *http.Request) (*http.Response, error) {
	in := req.Clone(ctx)
	in.RequestURI = in.URL.RequestURI()
	if in.Host == "" {
		in.Host = in.URL.Host
	}
	rw := tee.NewResponseSaver()
	f.Handler.ServeHTTP(rw, in)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return rw.Result(req), nil
}
