// Package smartban attributes a corrupt v1 piece to the specific
// peer that supplied the bad block, instead of banning every peer
// that contributed a block to the failed piece. It mirrors
// libtorrent's smart_ban extension: on a failed hash check it reads
// every block back individually, salts and hashes each one, and
// remembers (peer, digest) per block; if the piece later passes,
// any block whose now-reread digest (after a retransmit from a
// different peer) contradicts the recorded one bans the peer that
// sent the original, now-proven-bad bytes.
package smartban

import (
	"crypto/rand"
	"crypto/sha1"
)

// PeerID is an opaque per-connection identity; callers pass the same
// value they use elsewhere (e.g. internal/piecepicker.PeerID).
type PeerID interface{}

type pieceBlock struct {
	piece, block uint32
}

type blockEntry struct {
	peer   PeerID
	digest [20]byte
}

// Reader fetches the raw bytes of one block from disk. Errors are
// treated as "don't know" and ignored, matching the original's
// "ignore read errors" comment — a transient read failure must never
// cause a ban.
type Reader func(piece, begin, length uint32) ([]byte, error)

// SmartBan tracks one torrent's pending block attributions. The salt
// is generated once per torrent so a malicious peer cannot precompute
// a collision against a known digest function.
type SmartBan struct {
	salt         [4]byte
	blockHashes  map[pieceBlock]blockEntry
	blockSize    uint32
}

// New creates a SmartBan with a fresh random salt.
func New(blockSize uint32) *SmartBan {
	sb := &SmartBan{blockHashes: make(map[pieceBlock]blockEntry), blockSize: blockSize}
	_, _ = rand.Read(sb.salt[:])
	return sb
}

func (sb *SmartBan) digest(buf []byte) [20]byte {
	h := sha1.New()
	h.Write(buf)
	h.Write(sb.salt[:])
	var out [20]byte
	copy(out[:], h.Sum(nil))
	return out
}

// OnPieceFailed records a salted digest of every block of piece,
// tagged with the peer that supplied it, so a later pass can pinpoint
// which peer lied; a later failure of the same piece overwrites these
// records without comparing them. downloaders[i] is the peer
// that supplied block i, or nil if unknown/already overwritten.
func (sb *SmartBan) OnPieceFailed(piece uint32, pieceLength uint32, downloaders []PeerID, read Reader) {
	numBlocks := blockCount(pieceLength, sb.blockSize)
	for b := uint32(0); b < numBlocks; b++ {
		if int(b) >= len(downloaders) || downloaders[b] == nil {
			continue
		}
		begin := b * sb.blockSize
		length := blockLength(pieceLength, sb.blockSize, b)
		buf, err := read(piece, begin, length)
		if err != nil {
			continue
		}
		sb.blockHashes[pieceBlock{piece, b}] = blockEntry{peer: downloaders[b], digest: sb.digest(buf)}
	}
}

// OnPiecePass re-reads every block of piece that has a recorded
// attribution and compares it against the now-passing piece's bytes.
// It returns the peers whose recorded block no longer matches — the
// ones who must have sent corrupt data the first time around — and
// clears the torrent's bookkeeping for this piece either way.
func (sb *SmartBan) OnPiecePass(piece uint32, pieceLength uint32, read Reader) []PeerID {
	numBlocks := blockCount(pieceLength, sb.blockSize)
	var banned []PeerID
	for b := uint32(0); b < numBlocks; b++ {
		key := pieceBlock{piece, b}
		e, ok := sb.blockHashes[key]
		if !ok {
			continue
		}
		delete(sb.blockHashes, key)
		begin := b * sb.blockSize
		length := blockLength(pieceLength, sb.blockSize, b)
		buf, err := read(piece, begin, length)
		if err != nil {
			continue
		}
		if sb.digest(buf) != e.digest {
			banned = append(banned, e.peer)
		}
	}
	return banned
}

// Forget drops any pending attribution for piece without comparing,
// e.g. when the torrent completes and no further passes will occur.
func (sb *SmartBan) Forget(piece uint32) {
	for k := range sb.blockHashes {
		if k.piece == piece {
			delete(sb.blockHashes, k)
		}
	}
}

func blockCount(pieceLength, blockSize uint32) uint32 {
	n := pieceLength / blockSize
	if pieceLength%blockSize != 0 {
		n++
	}
	return n
}

func blockLength(pieceLength, blockSize, block uint32) uint32 {
	begin := block * blockSize
	if begin+blockSize > pieceLength {
		return pieceLength - begin
	}
	return blockSize
}
