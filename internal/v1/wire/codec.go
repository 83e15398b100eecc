package wire

import (
	"encoding/json"
	"fmt"
)

// Codec turns frames into transport bytes and back. The server and client
// must agree on one implementation; the default is the JSON codec.
type Codec interface {
	Encode(f *Frame) ([]byte, error)
	Decode(data []byte) (*Frame, error)
}

// JSONCodec is the default frame codec.
type JSONCodec struct{}

// Encode serializes a frame.
func (JSONCodec) Encode(f *Frame) ([]byte, error) {
	if f == nil || f.Type == "" {
		return nil, fmt.Errorf("frame has no type")
	}
	return json.Marshal(f)
}

// Decode parses a frame, requiring a known type discriminator.
func (JSONCodec) Decode(data []byte) (*Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("malformed frame: %w", err)
	}
	if f.Type == "" {
		return nil, fmt.Errorf("frame is missing a type")
	}
	return &f, nil
}
