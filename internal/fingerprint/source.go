// Package fingerprint identifies source images by content and talks to
// the face embedding server.
package fingerprint

import (
	"encoding/hex"

	"github.com/zeebo/blake3"
)

// Source returns the hex encoded BLAKE3 digest of an encoded image. Cached
// encodings are valid only while the registered image keeps this value.
func Source(data []byte) string {
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:])
}
