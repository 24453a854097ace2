package trace

import (
	"encoding/hex"

	"github.com/zeebo/blake3"
)

// ComputeTraceHash returns the hex BLAKE3 digest of a canonical trace
// encoding, or "" for empty input.
func ComputeTraceHash(canonicalEncoding []byte) string {
	if len(canonicalEncoding) == 0 {
		return ""
	}
	sum := blake3.Sum256(canonicalEncoding)
	return hex.EncodeToString(sum[:])
}
