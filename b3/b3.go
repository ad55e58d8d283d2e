// Package b3 fingerprints recording files so the same audio is ingested once.
package b3

import (
	"encoding/hex"
	"fmt"
	"io"

	"lukechampine.com/blake3"
)

const digestSize = 32

// Hash returns the hex BLAKE3-256 digest of everything read from r.
func Hash(r io.Reader) (string, error) {
	h := blake3.New(digestSize, nil)
	if _, err := io.Copy(h, r); err != nil {
		return "", fmt.Errorf("blake3: reading input: %w", err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
