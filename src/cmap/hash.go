package cmap

import "github.com/cespare/xxhash/v2"

// XXHash returns a 64-bit xxHash of a string. It's the default hasher for
// sharded maps keyed by strings (e.g. target identifiers, action
// fingerprints) since it's noticeably faster than the FNV variants it
// replaced without any measurable increase in collisions at our shard
// counts.
func XXHash(s string) uint64 {
	return xxhash.Sum64String(s)
}

// XXHashes hashes a series of strings as if they'd been concatenated,
// without the allocation that concatenating them would cost.
func XXHashes(s ...string) uint64 {
	d := xxhash.New()
	for _, x := range s {
		d.WriteString(x)
	}
	return d.Sum64()
}
