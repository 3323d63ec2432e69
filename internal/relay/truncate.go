package relay

import (
	"crypto/sha256"
	"encoding/hex"
)

// clipPayload cuts in to maxBytes and reports the original size and its
// sha256. A non-positive maxBytes never truncates.
func clipPayload(in []byte, maxBytes int) ([]byte, bool, int, string) {
	if maxBytes <= 0 || len(in) <= maxBytes {
		return in, false, len(in), ""
	}
	sum := sha256.Sum256(in)
	return in[:maxBytes], true, len(in), hex.EncodeToString(sum[:])
}
