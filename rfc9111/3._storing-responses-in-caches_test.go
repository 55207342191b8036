package rfc9111

import (
	"net/http"
	"testing"
	"time"
)

func TestMustNotStore(t *testing.T) {
	cases := []struct {
		status       int
		cacheControl string
		noStore      bool
	}{
		{200, "", false},
		{204, "", false},
		{299, "max-age=0", false},
		{206, "", true},
		{304, "", true},
		{301, "", true},
		{404, "", true},
		{500, "", true},
		{200, "no-store", true},
		{200, "public, No-Store", true},
	}
	for _, c := range cases {
		res := &http.Response{StatusCode: c.status, Header: http.Header{}}
		if c.cacheControl != "" {
			res.Header.Set("Cache-Control", c.cacheControl)
		}
		if got := MustNotStore(res); got != c.noStore {
			t.Fatalf("%d %q: got %v", c.status, c.cacheControl, got)
		}
	}
}

func TestAddAgeHeader(t *testing.T) {
	storedAt := time.Unix(1000, 0)
	res := &http.Response{Header: http.Header{}}
	AddAgeHeader(res, storedAt, storedAt.Add(90*time.Second))
	if age := res.Header.Get("Age"); age != "90" {
		t.Fatalf("Age is %s", age)
	}

	res.Header.Set("Age", "10")
	AddAgeHeader(res, storedAt, storedAt.Add(5*time.Second))
	if age := res.Header.Get("Age"); age != "15" {
		t.Fatalf("Age is %s", age)
	}

	res.Header.Del("Age")
	AddAgeHeader(res, storedAt, storedAt.Add(-time.Minute))
	if age := res.Header.Get("Age"); age != "0" {
		t.Fatalf("Age is %s", age)
	}
}
