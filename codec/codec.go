// Package codec turns stored values into bytes and back. The engine uses a
// Codec[record.Response] for cached responses; the feed package uses one for
// its last good parse.
package codec

import (
	"fmt"
	"strings"

	"github.com/unkn0wn-root/offgrid/record"
)

// Codec encodes/decodes values V to []byte for storage.
type Codec[V any] interface {
	Encode(V) ([]byte, error)
	Decode([]byte) (V, error)
}

// ForResponses returns the response codec registered under name.
// Known names: "msgpack" (default for ""), "cbor", "json", "protobuf".
func ForResponses(name string) (Codec[record.Response], error) {
	switch strings.ToLower(name) {
	case "", "msgpack":
		return Msgpack[record.Response]{}, nil
	case "cbor":
		return NewCBOR[record.Response](false)
	case "json":
		return JSON[record.Response]{}, nil
	case "protobuf", "proto":
		return ProtoResponse{}, nil
	default:
		return nil, fmt.Errorf("codec: unknown codec %q", name)
	}
}
