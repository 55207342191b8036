package serializer

import (
	"bufio"
	"bytes"
	"io"
	"net/http"
)

// ResponseToBytes converts a response to a byte slice.
// It returns the HTTP/1.1 representation of the response, with a Content-Length.
// The response body is consumed and set back, so the response can still be sent to the client.
func ResponseToBytes(res *http.Response) ([]byte, error) {
	body, err := ReadBody(res)
	if err != nil {
		return nil, err
	}
	snapshot := *res
	snapshot.Proto = "HTTP/1.1"
	snapshot.ProtoMajor = 1
	snapshot.ProtoMinor = 1
	snapshot.Header = res.Header.Clone()
	snapshot.ContentLength = int64(len(body))
	snapshot.TransferEncoding = nil
	snapshot.Close = false
	snapshot.Trailer = nil
	snapshot.Body = io.NopCloser(bytes.NewReader(body))

	buf := &bytes.Buffer{}
	if err := snapshot.Write(buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// BytesToResponse converts a byte slice to a http.Response.
// The request is set as the request of the response.
func BytesToResponse(b []byte, req *http.Request) (*http.Response, error) {
	return http.ReadResponse(bufio.NewReader(bytes.NewReader(b)), req)
}

// ReadBody reads the whole response body and sets it back as an in-memory reader.
// The source body is closed.
func ReadBody(res *http.Response) ([]byte, error) {
	if res.Body == nil || res.Body == http.NoBody {
		res.Body = http.NoBody
		return []byte{}, nil
	}
	defer res.Body.Close()
	body, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, err
	}
	res.Body = io.NopCloser(bytes.NewReader(body))
	res.ContentLength = int64(len(body))
	res.TransferEncoding = nil
	return body, nil
}
