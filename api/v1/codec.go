// Package v1 is the wire contract of the unitd control surface: the
// message types, the gRPC service description and a client.
//
// Messages are encoded as JSON. The codec is registered with gRPC under the
// content subtype "json"; clients created with NewUnitServiceClient select
// it on every call.
package v1

import (
	"encoding/json"
	"fmt"

	"google.golang.org/grpc/encoding"
)

// Codec is the content subtype of the JSON codec.
const Codec = "json"

func init() {
	encoding.RegisterCodec(codec{})
}

type codec struct{}

func (codec) Marshal(v any) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal %T: %w", v, err)
	}

	return b, nil
}

func (codec) Unmarshal(data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("unmarshal %T: %w", v, err)
	}

	return nil
}

func (codec) Name() string {
	return Codec
}
