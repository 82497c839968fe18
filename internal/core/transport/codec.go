package transport

import (
	"encoding/json"
	"fmt"

	"github.com/golang/snappy"
)

// Frame layout: one codec byte followed by the JSON body, snappy-compressed
// when the scheduler's plan asks for it on constrained links.
const (
	codecJSON   byte = 0x00
	codecSnappy byte = 0x01
)

// EncodeFrame serializes v into a wire frame.
func EncodeFrame(v any, compress bool) ([]byte, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}
	if !compress {
		return append([]byte{codecJSON}, body...), nil
	}
	compressed := snappy.Encode(nil, body)
	return append([]byte{codecSnappy}, compressed...), nil
}

// DecodeFrame reverses EncodeFrame, accepting either codec regardless of
// what the local side would have chosen.
func DecodeFrame(frame []byte, out any) error {
	if len(frame) == 0 {
		return fmt.Errorf("decode frame: empty")
	}
	body := frame[1:]
	switch frame[0] {
	case codecJSON:
	case codecSnappy:
		decoded, err := snappy.Decode(nil, body)
		if err != nil {
			return fmt.Errorf("decode frame: %w", err)
		}
		body = decoded
	default:
		return fmt.Errorf("decode frame: unknown codec 0x%02x", frame[0])
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode frame: %w", err)
	}
	return nil
}
