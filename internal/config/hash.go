package config

import (
	"encoding/json"
	"hash/fnv"
)

// hashBytes returns a stable 64-bit hash of b. Empty input returns 0.
func hashBytes(b []byte) uint64 {
	if len(b) == 0 {
		return 0
	}
	h := fnv.New64a()
	_, _ = h.Write(b)
	return h.Sum64()
}

// hashJSON hashes v's JSON encoding; 0 when it cannot be encoded.
func hashJSON(v any) uint64 {
	b, err := json.Marshal(v)
	if err != nil {
		return 0
	}
	return hashBytes(b)
}
