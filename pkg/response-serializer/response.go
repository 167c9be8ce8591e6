package serializer

import (
	"bufio"
	"bytes"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/cockroachdb/errors"
)

const storedAtHeaderName = "Viewcache-Stored-At"

// Page is a complete response as kept by the page cache.
type Page struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	// The value of the clock when the page was rendered.
	StoredAt time.Time
}

// Marshal returns the HTTP/1.1 representation of the page.
func Marshal(p Page) ([]byte, error) {
	header := p.Header.Clone()
	if header == nil {
		header = http.Header{}
	}
	header.Set(storedAtHeaderName, strconv.FormatInt(p.StoredAt.Unix(), 10))
	status := p.StatusCode
	if status == 0 {
		status = http.StatusOK
	}
	res := &http.Response{
		StatusCode:    status,
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(p.Body)),
		ContentLength: int64(len(p.Body)),
	}
	buf := &bytes.Buffer{}
	if err := res.Write(buf); err != nil {
		return nil, errors.Wrap(err, "writing page")
	}
	return buf.Bytes(), nil
}

// Unmarshal reads a page written by Marshal.
func Unmarshal(b []byte) (Page, error) {
	res, err := http.ReadResponse(bufio.NewReader(bytes.NewReader(b)), nil)
	if err != nil {
		return Page{}, errors.Wrap(err, "reading page")
	}
	defer res.Body.Close()
	body, err := io.ReadAll(res.Body)
	if err != nil {
		return Page{}, errors.Wrap(err, "reading page body")
	}
	p := Page{StatusCode: res.StatusCode, Header: res.Header, Body: body}
	if storedAt, err := strconv.ParseInt(res.Header.Get(storedAtHeaderName), 10, 64); err == nil {
		p.StoredAt = time.Unix(storedAt, 0)
	}
	// framing headers are recomputed when the page is served again
	p.Header.Del(storedAtHeaderName)
	p.Header.Del("Content-Length")
	return p, nil
}
