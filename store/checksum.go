// store/checksum.go
// Copyright(c) 2018 Matt Pharr
// BSD licensed; see LICENSE for details.

package store

import "golang.org/x/crypto/sha3"

// Block index entries carry two hashes of each block: a cheap rolling
// checksum that a client can slide over a file one byte at a time to
// find candidate matches, and a cryptographic hash to confirm them.

// weakChecksum computes the rolling checksum of a block: two 16-bit
// running sums in the style of rsync, combined into one 32-bit value.
func weakChecksum(b []byte) uint32 {
	var a, s uint32
	for _, c := range b {
		a += uint32(c)
		s += a
	}
	return (s&0xffff)<<16 | (a & 0xffff)
}

const strongHashSize = 24

// strongHash computes the SHAKE256 hash of a block, truncated to the
// size stored in the block index.
func strongHash(b []byte) (h [strongHashSize]byte) {
	sha3.ShakeSum256(h[:], b)
	return
}
