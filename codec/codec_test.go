package codec

import (
	"bytes"
	"net/http"
	"testing"
	"time"

	"github.com/unkn0wn-root/offgrid/record"
)

func sampleResponse() record.Response {
	return record.Response{
		URL:        "https://atlas.example/img/map.png",
		Status:     http.StatusOK,
		StatusText: "OK",
		Header:     http.Header{"Content-Type": {"image/png"}, "Etag": {`"a"`, `"b"`}},
		Body:       []byte{0x89, 'P', 'N', 'G', 0x00, 0xff},
		StoredAt:   time.Date(2024, 4, 1, 12, 0, 0, 5, time.UTC),
		Revision:   "abc123",
	}
}

func TestResponseCodecsPreserveBodyAndHeaders(t *testing.T) {
	for _, name := range []string{"msgpack", "cbor", "json", "protobuf"} {
		t.Run(name, func(t *testing.T) {
			c, err := ForResponses(name)
			if err != nil {
				t.Fatalf("ForResponses(%q): %v", name, err)
			}
			in := sampleResponse()
			b, err := c.Encode(in)
			if err != nil {
				t.Fatalf("Encode: %v", err)
			}
			out, err := c.Decode(b)
			if err != nil {
				t.Fatalf("Decode: %v", err)
			}
			if !bytes.Equal(out.Body, in.Body) {
				t.Fatalf("body mismatch: %x vs %x", out.Body, in.Body)
			}
			if out.Status != in.Status || out.URL != in.URL || out.Revision != in.Revision {
				t.Fatalf("fields mismatch: %+v", out)
			}
			if got := out.Header.Values("Etag"); len(got) != 2 {
				t.Fatalf("multi-value header lost: %v", got)
			}
			if !out.StoredAt.Equal(in.StoredAt) {
				t.Fatalf("stored_at mismatch: %v vs %v", out.StoredAt, in.StoredAt)
			}
		})
	}
}

func TestForResponsesUnknown(t *testing.T) {
	if _, err := ForResponses("yaml"); err == nil {
		t.Fatalf("expected error for unknown codec")
	}
}

func TestLimitRejectsOversized(t *testing.T) {
	c := Limit[record.Response]{Inner: Msgpack[record.Response]{}, MaxDecode: 8}
	b, err := c.Encode(sampleResponse())
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if _, err := c.Decode(b); err == nil {
		t.Fatalf("expected size error, payload is %d bytes", len(b))
	}
}
