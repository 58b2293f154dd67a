// Package digest implements the content digest used to address chunks.
//
// The datastore addresses every chunk by a 32-byte cryptographic digest of
// its content, computed prior to any compression or encryption (spec.md
// §3). The algorithm is BLAKE3-256, grounded on the same content-addressing
// pattern used by WebFirstLanguage-beenet's pkg/content package
// (blake3.Sum256 over the payload, hex-encoded for filesystem paths).
package digest

import (
	"encoding/hex"
	"errors"

	"lukechampine.com/blake3"
)

// Size is the digest length in bytes.
const Size = 32

// ErrInvalidLength is returned when decoding a digest of the wrong length.
var ErrInvalidLength = errors.New("digest: invalid length")

// Digest is a 32-byte BLAKE3-256 content digest.
type Digest [Size]byte

// Sum computes the digest of data.
func Sum(data []byte) Digest {
	return Digest(blake3.Sum256(data))
}

// String returns the lowercase hex encoding of the digest, as used in chunk
// file paths (spec.md §6).
func (d Digest) String() string {
	return hex.EncodeToString(d[:])
}

// ShardPrefix returns the first 4 hex characters, used as the chunk store's
// shard directory name (spec.md §3/§6: "<root>/.chunks/<first-4-hex>/...").
func (d Digest) ShardPrefix() string {
	return d.String()[:4]
}

// IsZero reports whether d is the zero digest.
func (d Digest) IsZero() bool {
	return d == Digest{}
}

// Parse decodes a lowercase hex digest string.
func Parse(s string) (Digest, error) {
	if len(s) != Size*2 {
		return Digest{}, ErrInvalidLength
	}
	var d Digest
	if _, err := hex.Decode(d[:], []byte(s)); err != nil {
		return Digest{}, err
	}
	return d, nil
}
