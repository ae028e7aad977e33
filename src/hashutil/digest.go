// Package hashutil provides the content-addressing primitives shared by the
// cache store and action cache: cryptographic digests of bytes, files and
// directory trees, plus a cheap metadata tier used to skip rehashing content
// that hasn't changed.
package hashutil

import (
	"encoding/hex"
	"fmt"
)

// Digest is a fixed-size cryptographic fingerprint, rendered as lowercase hex
// when printed. The zero Digest is the sentinel "empty" value returned for
// missing files.
type Digest [32]byte

// String renders the digest as lowercase hex.
func (d Digest) String() string {
	return hex.EncodeToString(d[:])
}

// IsZero reports whether this is the sentinel empty digest.
func (d Digest) IsZero() bool {
	return d == Digest{}
}

// ParseDigest parses a hex-encoded digest previously produced by String.
func ParseDigest(s string) (Digest, error) {
	var d Digest
	b, err := hex.DecodeString(s)
	if err != nil {
		return d, fmt.Errorf("invalid digest %q: %w", s, err)
	}
	if len(b) != len(d) {
		return d, fmt.Errorf("invalid digest %q: want %d bytes, got %d", s, len(d), len(b))
	}
	copy(d[:], b)
	return d, nil
}

// MetaDigest is the cheap, non-cryptographic tier: a hash over a file's size
// and modification time. It must never be used as a cache key on its own —
// it only gates whether the content tier needs to be recomputed.
type MetaDigest [8]byte

func (m MetaDigest) String() string {
	return hex.EncodeToString(m[:])
}
