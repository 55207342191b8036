package tee

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
)

// ResponseSaver is a http.ResponseWriter that saves the response to a buffer,
// so that an in-process handler can be used like a remote origin.
type ResponseSaver struct {
	b            *bytes.Buffer
	header       http.Header
	status       int
	wroteHeaders bool
}

// Implementation of http.ResponseWriter
func (t *ResponseSaver) Header() http.Header {
	return t.header
}

// Implementation of http.ResponseWriter
func (t *ResponseSaver) WriteHeader(statusCode int) {
	// only the first call counts, like for net/http
	if t.wroteHeaders {
		return
	}
	t.wroteHeaders = true
	t.status = statusCode
}

// Implementation of http.ResponseWriter
func (t *ResponseSaver) Write(b []byte) (int, error) {
	if !t.wroteHeaders {
		t.WriteHeader(http.StatusOK)
	}
	return t.b.Write(b)
}

// StatusCode returns the status code of the response.
// It is 200 if the handler never wrote headers.
func (t *ResponseSaver) StatusCode() int {
	if !t.wroteHeaders {
		return http.StatusOK
	}
	return t.status
}

// Body returns the recorded body.
func (t *ResponseSaver) Body() []byte {
	return t.b.Bytes()
}

// Result returns the recorded response as a http.Response for the given request.
func (t *ResponseSaver) Result(req *http.Request) *http.Response {
	body := append([]byte(nil), t.b.Bytes()...)
	status := t.StatusCode()
	return &http.Response{
		Status:        fmt.Sprintf("%d %s", status, http.StatusText(status)),
		StatusCode:    status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        t.header.Clone(),
		Body:          io.NopCloser(bytes.NewReader(body)),
		ContentLength: int64(len(body)),
		Request:       req,
	}
}

// NewResponseSaver returns a new, empty ResponseSaver.
func NewResponseSaver() *ResponseSaver {
	return &ResponseSaver{
		b:      &bytes.Buffer{},
		header: http.Header{},
	}
}
