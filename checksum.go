package ddb

import (
	"crypto/sha256"
	"crypto/subtle"
)

// ChecksumLength is the fixed digest width the whole system agrees on
// (spec §1: "assume a fixed 32-byte cryptographic digest").
const ChecksumLength = 32

// Checksum is a fixed-width digest of a block's content. The concrete hash
// is an implementation detail (spec §4.2 leaves it to the implementer); we
// use SHA-256, padding short content to a full block first so that the
// digest of a block is independent of whether the caller handed us a
// short tail or a zero-padded one.
type Checksum [ChecksumLength]byte

// Sum computes the checksum of buf, which must already be exactly
// blockSize bytes (callers zero-pad short tails before calling Sum, as
// ImageContainer.Read does).
func Sum(buf []byte) Checksum {
	return Checksum(sha256.Sum256(buf))
}

// Equal reports whether c matches digest, in constant time with respect
// to content, so that a timing side channel can't be used to narrow down
// block contents via repeated MAYBE-flagged reads.
func (c Checksum) Equal(digest Checksum) bool {
	return subtle.ConstantTimeCompare(c[:], digest[:]) == 1
}

// IsZero reports whether c is the all-zero digest (used as a sentinel for
// "no checksum recorded").
func (c Checksum) IsZero() bool {
	var zero Checksum
	return c == zero
}
