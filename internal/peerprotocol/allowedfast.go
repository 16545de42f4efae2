package peerprotocol

import (
	"crypto/sha1" //nolint:gosec // BEP-6 specifies SHA-1 for this derivation, not for security
	"encoding/binary"
	"net"
)

// DefaultAllowedFastCount is the default size of the allowed-fast set.
const DefaultAllowedFastCount = 10

// ComputeAllowedFast derives the BEP-6 allowed-fast piece set for a
// peer at addr, given the torrent's v1 info-hash and piece count.
// Deterministic: the same (addr, infoHash, numPieces, k) always
// produces the same set, so both sides of a connection agree on it
// without exchanging it.
func ComputeAllowedFast(addr net.IP, infoHash [20]byte, numPieces int, k int) []uint32 {
	if numPieces <= 0 || k <= 0 {
		return nil
	}
	if k > numPieces {
		k = numPieces
	}

	netBytes := maskedNetwork(addr)
	seed := make([]byte, 0, len(netBytes)+20)
	seed = append(seed, netBytes...)
	seed = append(seed, infoHash[:]...)

	x := sha1.Sum(seed) //nolint:gosec
	seen := make(map[uint32]bool, k)
	var out []uint32
	for len(out) < k {
		for w := 0; w < 5; w++ {
			word := binary.BigEndian.Uint32(x[w*4 : w*4+4])
			idx := word % uint32(numPieces)
			if !seen[idx] {
				seen[idx] = true
				out = append(out, idx)
				if len(out) == k {
					return out
				}
			}
		}
		x = sha1.Sum(x[:]) //nolint:gosec
	}
	return out
}

// maskedNetwork returns the network-identifying prefix BEP-6 folds
// into the seed: the first 3 bytes for IPv4 (/24, last byte zeroed)
// or the first 6 bytes for IPv6 (/48), matching the common extension
// of the BEP-6 algorithm to IPv6 peers.
func maskedNetwork(addr net.IP) []byte {
	if v4 := addr.To4(); v4 != nil {
		return []byte{v4[0], v4[1], v4[2], 0}
	}
	v6 := addr.To16()
	if v6 == nil {
		return make([]byte, 4)
	}
	out := make([]byte, 6)
	copy(out, v6[:6])
	return out
}
