// Package record defines the stored form of an HTTP response inside a cache
// partition. Codecs (see package codec) turn a Response into bytes; the
// partition wraps those bytes in the wire frame.
package record

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"
)

// RevisionHeader carries the precache revision of an entry, when it has one.
const RevisionHeader = "X-Offgrid-Revision"

// Response is a fully buffered HTTP response.
type Response struct {
	URL        string      `json:"url" msgpack:"url" cbor:"1,keyasint"`
	Status     int         `json:"status" msgpack:"status" cbor:"2,keyasint"`
	StatusText string      `json:"status_text" msgpack:"status_text" cbor:"3,keyasint"`
	Header     http.Header `json:"header" msgpack:"header" cbor:"4,keyasint"`
	Body       []byte      `json:"body" msgpack:"body" cbor:"5,keyasint"`
	StoredAt   time.Time   `json:"stored_at" msgpack:"stored_at" cbor:"6,keyasint"`
	Revision   string      `json:"revision,omitempty" msgpack:"revision,omitempty" cbor:"7,keyasint,omitempty"`
	// Pinned entries were precached; expiration never removes them.
	Pinned bool `json:"pinned,omitempty" msgpack:"pinned,omitempty" cbor:"8,keyasint,omitempty"`
}

// OK reports whether the response may be written into a partition.
func (r *Response) OK() bool { return r != nil && r.Status == http.StatusOK }

// ContentType returns the Content-Type header.
func (r *Response) ContentType() string {
	if r == nil || r.Header == nil {
		return ""
	}
	return r.Header.Get("Content-Type")
}

// Clone returns a deep copy. Strategies hand one copy to the caller and write
// the other into a partition.
func (r *Response) Clone() *Response {
	if r == nil {
		return nil
	}
	cp := *r
	cp.Header = r.Header.Clone()
	cp.Body = append([]byte(nil), r.Body...)
	return &cp
}

// ErrTooLarge is returned by Read when the body exceeds the limit.
var ErrTooLarge = errors.New("record: response body too large")

// private headers belong to one client and are never stored.
var private = []string{"Set-Cookie", "Set-Cookie2"}

// StripPrivate removes per-client headers from h.
func StripPrivate(h http.Header) {
	for _, k := range private {
		h.Del(k)
	}
}

// Read buffers resp.Body and closes it. The read honours the deadline of the
// request context, so callers bound it with the same timeout as the fetch.
// max > 0 caps the body; a longer body fails with ErrTooLarge.
func Read(resp *http.Response, url string, now time.Time, max int64) (*Response, error) {
	defer resp.Body.Close()
	var src io.Reader = resp.Body
	if max > 0 {
		if resp.ContentLength > max {
			return nil, fmt.Errorf("%w: %d > %d", ErrTooLarge, resp.ContentLength, max)
		}
		src = io.LimitReader(resp.Body, max+1)
	}
	body, err := io.ReadAll(src)
	if err != nil {
		return nil, err
	}
	if max > 0 && int64(len(body)) > max {
		return nil, fmt.Errorf("%w: over %d bytes", ErrTooLarge, max)
	}
	return &Response{
		URL:        url,
		Status:     resp.StatusCode,
		StatusText: statusText(resp),
		Header:     resp.Header.Clone(),
		Body:       body,
		StoredAt:   now,
	}, nil
}

// HTTP materialises r as an *http.Response for req.
func (r *Response) HTTP(req *http.Request) *http.Response {
	h := r.Header.Clone()
	if h == nil {
		h = make(http.Header)
	}
	h.Set("Content-Length", strconv.Itoa(len(r.Body)))
	text := r.StatusText
	if text == "" {
		text = http.StatusText(r.Status)
	}
	return &http.Response{
		Status:        strconv.Itoa(r.Status) + " " + text,
		StatusCode:    r.Status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        h,
		Body:          io.NopCloser(bytes.NewReader(r.Body)),
		ContentLength: int64(len(r.Body)),
		Request:       req,
	}
}

func statusText(resp *http.Response) string {
	// resp.Status is "200 OK"; keep only the reason phrase.
	s := resp.Status
	if i := len(strconv.Itoa(resp.StatusCode)); len(s) > i+1 {
		return s[i+1:]
	}
	return http.StatusText(resp.StatusCode)
}
