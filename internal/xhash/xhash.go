// Package xhash wraps xxhash64 for the two places the engine needs a fast,
// non-cryptographic hash: page checksums and lock-table striping.
package xhash

import "github.com/OneOfOne/xxhash"

// Sum64 hashes data with XXHash64.
func Sum64(data []byte) uint64 {
	h := xxhash.New64()
	h.Write(data)
	return h.Sum64()
}

// Stripe folds data into one of n buckets. n must be > 0.
func Stripe(data []byte, n int) int {
	return int(Sum64(data) % uint64(n))
}
