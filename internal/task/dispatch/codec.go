package dispatch

import (
	"encoding/json"
	"fmt"
)

// Encode serializes v into an opaque payload.
func Encode(v any) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncode, err)
	}
	return b, nil
}

// Decode deserializes a payload produced by Encode.
func Decode[T any](payload []byte) (T, error) {
	var v T
	if err := json.Unmarshal(payload, &v); err != nil {
		return v, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	return v, nil
}
