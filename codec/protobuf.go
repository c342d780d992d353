package codec

import (
	"encoding/base64"
	"fmt"
	"net/http"
	"time"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/unkn0wn-root/offgrid/record"
)

type Protobuf[T proto.Message] struct {
	new func() T // constructor for a concrete message (e.g., func() *structpb.Struct { return &structpb.Struct{} })
}

func NewProtobuf[T proto.Message](ctor func() T) Protobuf[T] {
	return Protobuf[T]{new: ctor}
}

func (c Protobuf[T]) Encode(v T) ([]byte, error) {
	return proto.Marshal(v)
}

func (c Protobuf[T]) Decode(b []byte) (T, error) {
	m := c.new()
	err := proto.Unmarshal(b, m)
	return m, err
}

// ProtoResponse stores a record.Response as a google.protobuf.Struct so that
// non-Go tooling can read a shared store with nothing but the well-known types.
type ProtoResponse struct{}

var _ Codec[record.Response] = ProtoResponse{}

var structCodec = NewProtobuf(func() *structpb.Struct { return &structpb.Struct{} })

func (ProtoResponse) Encode(r record.Response) ([]byte, error) {
	header := make(map[string]*structpb.Value, len(r.Header))
	for k, vs := range r.Header {
		list := make([]*structpb.Value, 0, len(vs))
		for _, v := range vs {
			list = append(list, structpb.NewStringValue(v))
		}
		header[k] = structpb.NewListValue(&structpb.ListValue{Values: list})
	}
	s := &structpb.Struct{Fields: map[string]*structpb.Value{
		"url":         structpb.NewStringValue(r.URL),
		"status":      structpb.NewNumberValue(float64(r.Status)),
		"status_text": structpb.NewStringValue(r.StatusText),
		"header":      structpb.NewStructValue(&structpb.Struct{Fields: header}),
		"body":        structpb.NewStringValue(base64.StdEncoding.EncodeToString(r.Body)),
		"stored_at":   structpb.NewStringValue(r.StoredAt.UTC().Format(time.RFC3339Nano)),
		"revision":    structpb.NewStringValue(r.Revision),
		"pinned":      structpb.NewBoolValue(r.Pinned),
	}}
	return structCodec.Encode(s)
}

func (ProtoResponse) Decode(b []byte) (record.Response, error) {
	s, err := structCodec.Decode(b)
	if err != nil {
		return record.Response{}, err
	}
	f := s.GetFields()

	body, err := base64.StdEncoding.DecodeString(f["body"].GetStringValue())
	if err != nil {
		return record.Response{}, fmt.Errorf("codec: body: %w", err)
	}
	var storedAt time.Time
	if ts := f["stored_at"].GetStringValue(); ts != "" {
		if storedAt, err = time.Parse(time.RFC3339Nano, ts); err != nil {
			return record.Response{}, fmt.Errorf("codec: stored_at: %w", err)
		}
	}
	header := make(http.Header)
	for k, v := range f["header"].GetStructValue().GetFields() {
		for _, item := range v.GetListValue().GetValues() {
			header[k] = append(header[k], item.GetStringValue())
		}
	}
	return record.Response{
		URL:        f["url"].GetStringValue(),
		Status:     int(f["status"].GetNumberValue()),
		StatusText: f["status_text"].GetStringValue(),
		Header:     header,
		Body:       body,
		StoredAt:   storedAt,
		Revision:   f["revision"].GetStringValue(),
		Pinned:     f["pinned"].GetBoolValue(),
	}, nil
}
