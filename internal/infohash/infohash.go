// Package infohash models the dual-root torrent identity introduced by
// BEP-52: a v1 SHA-1 root, a v2 SHA-256 root, or both for a hybrid
// torrent. Either field may be absent but not both.
package infohash

import (
	"encoding/hex"
	"errors"
)

// ErrEmpty is returned when neither the v1 nor the v2 field is present.
var ErrEmpty = errors.New("infohash: neither v1 nor v2 hash present")

// T is a torrent identity. Zero value of each array member means
// "absent"; HasV1/HasV2 report presence explicitly so an
// all-zero-but-present hash (astronomically unlikely, but not
// impossible to construct maliciously) is never confused with absence.
type T struct {
	v1      [20]byte
	v2      [32]byte
	hasV1   bool
	hasV2   bool
}

// NewV1 builds a v1-only identity.
func NewV1(h [20]byte) T {
	return T{v1: h, hasV1: true}
}

// NewV2 builds a v2-only identity.
func NewV2(h [32]byte) T {
	return T{v2: h, hasV2: true}
}

// NewHybrid builds a hybrid identity carrying both roots.
func NewHybrid(v1 [20]byte, v2 [32]byte) T {
	return T{v1: v1, v2: v2, hasV1: true, hasV2: true}
}

// Validate returns ErrEmpty if neither hash is present.
func (t T) Validate() error {
	if !t.hasV1 && !t.hasV2 {
		return ErrEmpty
	}
	return nil
}

func (t T) HasV1() bool     { return t.hasV1 }
func (t T) HasV2() bool     { return t.hasV2 }
func (t T) V1() [20]byte    { return t.v1 }
func (t T) V2() [32]byte    { return t.v2 }
func (t T) IsHybrid() bool  { return t.hasV1 && t.hasV2 }

// Matches reports whether two info-hashes share at least one present
// field.
func (t T) Matches(o T) bool {
	if t.hasV1 && o.hasV1 && t.v1 == o.v1 {
		return true
	}
	if t.hasV2 && o.hasV2 && t.v2 == o.v2 {
		return true
	}
	return false
}

// HexV1 returns the 40-hex-char v1 hash, or "" if absent.
func (t T) HexV1() string {
	if !t.hasV1 {
		return ""
	}
	return hex.EncodeToString(t.v1[:])
}

// HexV2 returns the 64-hex-char v2 hash, or "" if absent.
func (t T) HexV2() string {
	if !t.hasV2 {
		return ""
	}
	return hex.EncodeToString(t.v2[:])
}

// String prefers the v1 hex form (the conventional display form in
// magnet links and trackers), falling back to v2.
func (t T) String() string {
	if t.hasV1 {
		return t.HexV1()
	}
	return t.HexV2()
}
