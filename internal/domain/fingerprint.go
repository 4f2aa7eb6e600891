package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"strconv"
)

// Fingerprint computes the SHA-256 hex digest over text and the variant
// parameters that affect audio. It deliberately excludes user and document
// identity: the cache is content-addressed and crosses tenant boundaries by
// design (two callers requesting the same text in the same voice share one
// cache entry).
func Fingerprint(text string, v Variant) string {
	h := sha256.New()
	h.Write([]byte(text))
	h.Write([]byte{0})
	h.Write([]byte(v.ModelSlug))
	h.Write([]byte{0})
	h.Write([]byte(v.VoiceSlug))
	h.Write([]byte{0})
	h.Write([]byte(formatSpeed(v.Speed)))
	h.Write([]byte{0})
	h.Write(canonicalParams(v.Params))
	return hex.EncodeToString(h.Sum(nil))
}

// canonicalParams serializes the params map with sorted keys so that
// identical parameter sets always hash identically regardless of map
// iteration order.
func canonicalParams(params map[string]string) []byte {
	if len(params) == 0 {
		return nil
	}
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	ordered := make([][2]string, 0, len(keys))
	for _, k := range keys {
		ordered = append(ordered, [2]string{k, params[k]})
	}
	b, err := json.Marshal(ordered)
	if err != nil {
		return nil
	}
	return b
}

func formatSpeed(speed float64) string {
	// Fixed precision keeps the fingerprint stable across float formatting
	// quirks (e.g. 1.0 vs 1).
	return strconv.FormatFloat(speed, 'f', 4, 64)
}
