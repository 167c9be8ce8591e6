package tee

import (
	"bytes"
	"net/http"
	"time"
)

// ResponseSaver is a http.ResponseWriter that records the status, headers and body of a response.
// If created with an underlying http.ResponseWriter, writes are passed through as they happen;
// otherwise the response stays buffered until Commit.
type ResponseSaver struct {
	rw          http.ResponseWriter
	body        *bytes.Buffer
	header      http.Header
	status      int
	wroteHeader bool
	committed   bool
	CreatedAt   time.Time
}

// NewResponseSaver returns a new ResponseSaver.
// If w is not nil, the response will be written (tee'd) to it in addition to saving to buffer.
func NewResponseSaver(w http.ResponseWriter) *ResponseSaver {
	return &ResponseSaver{
		CreatedAt: time.Now(),
		rw:        w,
		body:      &bytes.Buffer{},
		header:    http.Header{},
	}
}

// Implementation of http.ResponseWriter
func (t *ResponseSaver) Header() http.Header {
	return t.header
}

// Implementation of http.ResponseWriter
func (t *ResponseSaver) WriteHeader(statusCode int) {
	// a buffered response may still change its status until committed
	if t.wroteHeader && t.rw != nil {
		return
	}
	t.wroteHeader = true
	t.status = statusCode
	if t.rw != nil {
		copyHeader(t.rw.Header(), t.header)
		t.rw.WriteHeader(statusCode)
	}
}

// Implementation of http.ResponseWriter
func (t *ResponseSaver) Write(b []byte) (int, error) {
	if !t.wroteHeader {
		t.WriteHeader(http.StatusOK)
	}
	if t.rw != nil {
		if _, err := t.rw.Write(b); err != nil {
			return 0, err
		}
	}
	return t.body.Write(b)
}

// Body returns the recorded body.
func (t *ResponseSaver) Body() []byte {
	return t.body.Bytes()
}

// SetBody replaces the recorded body. Only meaningful for buffered responses.
func (t *ResponseSaver) SetBody(b []byte) {
	t.body.Reset()
	t.body.Write(b)
}

// StatusCode returns the status code of the response, 200 if none was written yet.
func (t *ResponseSaver) StatusCode() int {
	if t.status == 0 {
		return http.StatusOK
	}
	return t.status
}

// Committed reports whether the buffered response was sent with Commit.
func (t *ResponseSaver) Committed() bool {
	return t.committed || t.rw != nil
}

// Commit sends a buffered response to w. Calling it more than once has no effect.
func (t *ResponseSaver) Commit(w http.ResponseWriter) error {
	if t.Committed() {
		return nil
	}
	t.committed = true
	copyHeader(w.Header(), t.header)
	w.WriteHeader(t.StatusCode())
	if t.StatusCode() == http.StatusNotModified || t.body.Len() == 0 {
		return nil
	}
	_, err := w.Write(t.body.Bytes())
	return err
}

func copyHeader(dst, src http.Header) {
	for k, vv := range src {
		dst.Del(k)
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
}
