package rfc9111

import (
	"net/http"
)

// § 3.  Storing Responses in Caches
//
// This cache is not a general purpose HTTP cache: it stores every successful
// response it is asked to store, whether or not the response carries explicit
// freshness. Only the requirements below are applied.

// MustNotStore returns a boolean indicating if a particular origin response
// MUST NOT be stored in the cache.
func MustNotStore(res *http.Response) bool {
	// stored responses are only ever successes
	if res.StatusCode < 200 || res.StatusCode > 299 {
		return true
	}
	// §  *  if the response status code is 206 or 304, or the must-understand
	// §     cache directive (see Section 5.2.2.3) is present: the cache
	// §     understands the response status code;
	//
	// partial content is not understood
	if res.StatusCode == http.StatusPartialContent {
		return true
	}
	// §  *  the no-store cache directive is not present in the response (see
	// §     Section 5.2.2.5);
	if ParseCacheControl(res.Header.Values("Cache-Control")).HasDirective("no-store") {
		return true
	}
	return false
}
