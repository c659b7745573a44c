package config

import (
	"encoding/json"

	"github.com/cespare/xxhash/v2"
)

// digest hashes b with xxhash. Empty input yields 0, which callers treat as
// "no hash".
func digest(b []byte) uint64 {
	if len(b) == 0 {
		return 0
	}
	return xxhash.Sum64(b)
}

// payloadDigest hashes a task payload so that formatting and key order do not
// register as changes. Invalid JSON is hashed as-is.
func payloadDigest(raw json.RawMessage) uint64 {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return digest(raw)
	}
	b, err := json.Marshal(v)
	if err != nil {
		return digest(raw)
	}
	return digest(b)
}
