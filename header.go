package offlinecache

import (
	"io"
	"net/http"
	"strings"

	"github.com/always-cache/offline-cache/rfc9211"

	"github.com/rs/zerolog"
)

// headers that only concern a single connection, never copied to the client
var hopHeaders = map[string]bool{
	"Connection":          true,
	"Proxy-Connection":    true,
	"Keep-Alive":          true,
	"Proxy-Authenticate":  true,
	"Proxy-Authorization": true,
	"Te":                  true,
	"Trailer":             true,
	"Transfer-Encoding":   true,
	"Upgrade":             true,
}

// send writes the response to the client with its Cache-Status.
func send(rw http.ResponseWriter, res *http.Response, cs rfc9211.CacheStatus, log zerolog.Logger) {
	if res.Body != nil {
		defer res.Body.Close()
	}
	copyHeader(rw.Header(), res.Header)
	rw.Header().Add("Cache-Status", cs.String())
	rw.WriteHeader(res.StatusCode)
	var bytesWritten int64
	if res.Body != nil {
		var err error
		bytesWritten, err = io.Copy(rw, res.Body)
		if err != nil {
			log.Error().Err(err).Msg("Could not write response body to client")
		}
	}
	log.Debug().
		Int("status", res.StatusCode).
		Str("fwd", string(cs.FwdReason)).
		Bool("hit", cs.IsHit()).
		Bool("stored", cs.Stored).
		Str("detail", cs.Detail).
		Msg("Sending response to client")
	log.Trace().Msgf("Wrote body (%d bytes)", bytesWritten)
}

func copyHeader(dst, src http.Header) {
	for k, vv := range src {
		if hopHeaders[k] {
			continue
		}
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
}

func getRequestSourceIp(r *http.Request) string {
	// RemoteAddr is in the format:
	// 1.2.3.4:10000 for ipv4
	// [1:2:3]:10000 for ipv6
	ipAndPort := r.RemoteAddr
	portSepIdx := strings.LastIndex(ipAndPort, ":")
	// if not found, return
	if portSepIdx < 0 {
		return ipAndPort
	}
	return ipAndPort[:portSepIdx]
}
