package rfc9211

import (
	"fmt"
	"strings"
)

// §  2.  The Cache-Status HTTP Response Header Field
// §
// §     The Cache-Status HTTP response header field indicates caches'
// §     handling of the request corresponding to the response it occurs
// §     within.
// §
// §     Its value is a List (Section 3.1 of [STRUCTURED-FIELDS]):
// §
// §     Cache-Status   = sf-list
// §
// §     Each member of the list represents a cache that has handled the
// §     request.  The first member of the list represents the cache closest
// §     to the origin server, and the last member of the list represents the
// §     cache closest to the user (possibly including the user agent's cache
// §     itself, if it appends a value).

// CacheName is the identifier this cache uses in the Cache-Status header.
const CacheName = "OfflineCache"

type FwdReason string

// §  2.2.  The fwd Parameter
const (
	// §     bypass:  The cache was configured to not handle this request.
	FwdReasonBypass FwdReason = "bypass"
	// §     uri-miss:  The cache did not contain any responses that matched the
	// §        request URI.
	FwdReasonUriMiss FwdReason = "uri-miss"
	// §     miss:  The cache did not contain any responses that could be used to
	// §        satisfy this request (to be used when an implementation cannot
	// §        distinguish between uri-miss and vary-miss).
	FwdReasonMiss FwdReason = "miss"
	// §     request:  The cache was able to select a fresh response for the
	// §        request, but the request's semantics (e.g., Cache-Control request
	// §        directives) did not allow its use.
	FwdReasonRequest FwdReason = "request"
)

type CacheStatus struct {
	hit bool
	// §  2.2.  The fwd Parameter
	// §
	// §     "fwd" indicates that the request went forward towards the origin and
	// §     why.
	FwdReason FwdReason
	// §  2.4.  The stored Parameter
	// §
	// §     "stored" indicates whether the cache stored the response
	// §     (Section 3 of [HTTP-CACHING]); a true value indicates that it did.
	Stored bool
	// §  2.8.  The detail Parameter
	// §
	// §     "detail" allows implementations to convey additional information not
	// §     captured in other parameters, such as implementation-specific states
	// §     or other caching-related metrics.
	Detail string
}

// §  2.1.  The hit Parameter
// §
// §     "hit", when true, indicates that the request was satisfied by the
// §     cache; that is, it was not forwarded, and the response was obtained
// §     from the cache.
func (cs *CacheStatus) Hit() {
	cs.hit = true
	cs.FwdReason = ""
}

func (cs *CacheStatus) Forward(reason FwdReason) {
	cs.hit = false
	cs.FwdReason = reason
}

func (cs CacheStatus) IsHit() bool {
	return cs.hit
}

// String formats the status as a single Cache-Status list member.
func (cs CacheStatus) String() string {
	params := []string{CacheName}
	if cs.hit {
		params = append(params, "hit")
	} else if cs.FwdReason != "" {
		params = append(params, fmt.Sprintf("fwd=%s", cs.FwdReason))
	}
	if cs.Stored {
		params = append(params, "stored")
	}
	if cs.Detail != "" {
		params = append(params, fmt.Sprintf("detail=%s", cs.Detail))
	}
	return strings.Join(params, "; ")
}
