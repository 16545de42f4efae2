// Package piecepicker decides which blocks to request from which
// peers. It is the torrent's single source of truth for piece and
// block download state; peer connections and downloaders only mutate
// that state through the calls below.
package piecepicker

import (
	"math/rand"
	"time"

	"github.com/brkwd/swarmd/internal/piece"
)

// Priority is the 0..7 piece priority scale (0 = do-not-download,
// 1 = default, 7 = time-critical).
type Priority int

const (
	PriorityNone    Priority = 0
	PriorityDefault Priority = 1
	PriorityHigh    Priority = 6
	PriorityNow     Priority = 7
)

// State is a piece's coarse download status, derived from its block
// counters rather than stored independently (keeps invariant 1 of the
// spec — open+requested+writing+finished == blocks_in_piece — true by
// construction).
type State int

const (
	Open State = iota
	Downloading
	Writing
	Finished
	Have
)

func (s State) String() string {
	switch s {
	case Open:
		return "open"
	case Downloading:
		return "downloading"
	case Writing:
		return "writing"
	case Finished:
		return "finished"
	case Have:
		return "have"
	default:
		return "unknown"
	}
}

// BlockState is a single block's download status.
type BlockState int

const (
	BlockOpen BlockState = iota
	BlockRequested
	BlockWriting
	BlockFinished
)

// PeerID identifies the peer a request or ownership is attributed to.
// The session package passes a *peerconn.Conn (or equivalent stable,
// comparable handle); the picker never dereferences it.
type PeerID interface{}

type blockInfo struct {
	state  BlockState
	owners []PeerID // append order; last is the current/latest owner
}

type pieceInfo struct {
	priority     Priority
	availability int
	have         bool
	pad          bool
	blocks       []blockInfo

	numOpen, numRequested, numWriting, numFinished int
}

func (pi *pieceInfo) state() State {
	if pi.have {
		return Have
	}
	if pi.numFinished == len(pi.blocks) && len(pi.blocks) > 0 {
		return Finished
	}
	if pi.numWriting > 0 || pi.numFinished > 0 {
		return Writing
	}
	if pi.numRequested > 0 {
		return Downloading
	}
	return Open
}

// Options selects among the picker's ordering and end-game policies.
type Options struct {
	EndGame                bool
	PrioSequentialPieces   bool
	Suggest                bool
	PrioritizePartials     bool
	SequentialPieces       bool
	ReverseRarestFirst     bool
	ReverseSequential      bool
	PreferContiguousBudget int // max extra pieces to pull from the same extent
}

// Request is a single (piece, block) pair returned by Pick.
type Request struct {
	Piece uint32
	Block uint32
}

// Picker owns per-piece and per-block state for one torrent.
type Picker struct {
	pieces []*piece.Piece
	info   []pieceInfo

	endGameThreshold int
	endGameMaxOwners int

	deadlines map[uint32]deadline

	rng *rand.Rand
	tieSalt uint32
}

type deadline struct {
	at                time.Time
	alertWhenAvailable bool
}

// New builds a picker over the torrent's full piece layout. Pad pieces
// start as already-have and are never surfaced by Pick.
func New(pieces []*piece.Piece, rngSeed int64) *Picker {
	p := &Picker{
		pieces:           pieces,
		info:             make([]pieceInfo, len(pieces)),
		endGameThreshold: 20,
		endGameMaxOwners: 3,
		deadlines:        make(map[uint32]deadline),
		rng:              rand.New(rand.NewSource(rngSeed)),
	}
	p.tieSalt = p.rng.Uint32()
	for i, pc := range pieces {
		pi := &p.info[i]
		pi.priority = PriorityDefault
		pi.blocks = make([]blockInfo, len(pc.Blocks))
		pi.numOpen = len(pc.Blocks)
		if pc.Pad {
			pi.pad = true
			pi.have = true
			pi.numOpen = 0
			pi.numFinished = len(pc.Blocks)
			for bi := range pi.blocks {
				pi.blocks[bi].state = BlockFinished
			}
		}
	}
	return p
}

func (p *Picker) valid(pieceIdx uint32) bool {
	return int(pieceIdx) < len(p.info)
}

// NumBlocks returns how many blocks piece idx splits into.
func (p *Picker) NumBlocks(idx uint32) int {
	if !p.valid(idx) {
		return 0
	}
	return len(p.pieces[idx].Blocks)
}

// PieceState returns piece idx's coarse status.
func (p *Picker) PieceState(idx uint32) State {
	if !p.valid(idx) {
		return Open
	}
	return p.info[idx].state()
}

// SetPiecePriority sets piece idx's priority (0 removes it from
// picking).
func (p *Picker) SetPiecePriority(idx uint32, prio Priority) {
	if !p.valid(idx) {
		return
	}
	p.info[idx].priority = prio
}

// PiecePriority returns piece idx's current priority.
func (p *Picker) PiecePriority(idx uint32) Priority {
	if !p.valid(idx) {
		return PriorityNone
	}
	return p.info[idx].priority
}

// IncRefCount bumps piece idx's availability count; called when a peer's
// bitfield or have message reveals it has the piece.
func (p *Picker) IncRefCount(idx uint32, _ PeerID) {
	if !p.valid(idx) {
		return
	}
	p.info[idx].availability++
}

// DecRefCount reverses IncRefCount, e.g. on peer disconnect.
func (p *Picker) DecRefCount(idx uint32, _ PeerID) {
	if !p.valid(idx) || p.info[idx].availability == 0 {
		return
	}
	p.info[idx].availability--
}

// GetAvailability snapshots the current availability array into out,
// which is resized as needed.
func (p *Picker) GetAvailability(out []int) []int {
	if cap(out) < len(p.info) {
		out = make([]int, len(p.info))
	}
	out = out[:len(p.info)]
	for i := range p.info {
		out[i] = p.info[i].availability
	}
	return out
}

// WeHave marks piece idx as verified and complete, removing it from
// picking entirely.
func (p *Picker) WeHave(idx uint32) {
	if !p.valid(idx) {
		return
	}
	pi := &p.info[idx]
	pi.have = true
	for i := range pi.blocks {
		pi.blocks[i].state = BlockFinished
		pi.blocks[i].owners = nil
	}
	pi.numOpen, pi.numRequested, pi.numWriting = 0, 0, 0
	pi.numFinished = len(pi.blocks)
}

// WeDontHave reverts piece idx to Open, e.g. after deciding to
// re-download a previously-verified piece (file priority change).
func (p *Picker) WeDontHave(idx uint32) {
	if !p.valid(idx) {
		return
	}
	pi := &p.info[idx]
	pi.have = false
	for i := range pi.blocks {
		pi.blocks[i].state = BlockOpen
		pi.blocks[i].owners = nil
	}
	pi.numOpen = len(pi.blocks)
	pi.numRequested, pi.numWriting, pi.numFinished = 0, 0, 0
}

// MarkAsDownloading records a request for (piece, block) by peer.
// Returns false if the block is already finished — a race where a
// competing request finished first.
func (p *Picker) MarkAsDownloading(pieceIdx, blockIdx uint32, peer PeerID) bool {
	if !p.valid(pieceIdx) {
		return false
	}
	pi := &p.info[pieceIdx]
	if int(blockIdx) >= len(pi.blocks) {
		return false
	}
	b := &pi.blocks[blockIdx]
	if b.state == BlockFinished {
		return false
	}
	if b.state == BlockOpen {
		pi.numOpen--
		pi.numRequested++
		b.state = BlockRequested
	}
	b.owners = append(b.owners, peer)
	return true
}

// MarkAsWriting transitions (piece, block) to writing: the block's
// data has been handed to the disk I/O dispatcher.
func (p *Picker) MarkAsWriting(pieceIdx, blockIdx uint32, peer PeerID) {
	if !p.valid(pieceIdx) {
		return
	}
	pi := &p.info[pieceIdx]
	if int(blockIdx) >= len(pi.blocks) {
		return
	}
	b := &pi.blocks[blockIdx]
	if b.state == BlockRequested {
		pi.numRequested--
		pi.numWriting++
	}
	b.state = BlockWriting
	b.owners = append(b.owners, peer)
}

// MarkAsFinished transitions (piece, block) to finished: the disk
// write completed.
func (p *Picker) MarkAsFinished(pieceIdx, blockIdx uint32, peer PeerID) {
	if !p.valid(pieceIdx) {
		return
	}
	pi := &p.info[pieceIdx]
	if int(blockIdx) >= len(pi.blocks) {
		return
	}
	b := &pi.blocks[blockIdx]
	switch b.state {
	case BlockWriting:
		pi.numWriting--
	case BlockRequested:
		pi.numRequested--
	}
	pi.numFinished++
	b.state = BlockFinished
	b.owners = append(b.owners, peer)
}

// AbortDownload clears peer's outstanding request on (piece, block).
// If no other peer still holds it, the block returns to Open.
func (p *Picker) AbortDownload(pieceIdx, blockIdx uint32, peer PeerID) {
	if !p.valid(pieceIdx) {
		return
	}
	pi := &p.info[pieceIdx]
	if int(blockIdx) >= len(pi.blocks) {
		return
	}
	b := &pi.blocks[blockIdx]
	b.owners = removeOwner(b.owners, peer)
	if len(b.owners) > 0 {
		return // another peer (end-game) still owns it
	}
	if b.state == BlockRequested {
		pi.numRequested--
		pi.numOpen++
		b.state = BlockOpen
	}
}

func removeOwner(owners []PeerID, peer PeerID) []PeerID {
	out := owners[:0]
	for _, o := range owners {
		if o != peer {
			out = append(out, o)
		}
	}
	return out
}

// WriteFailed reverts (piece, block) to Open after a local disk
// failure. The supplying peer is not blamed.
func (p *Picker) WriteFailed(pieceIdx, blockIdx uint32) {
	if !p.valid(pieceIdx) {
		return
	}
	pi := &p.info[pieceIdx]
	if int(blockIdx) >= len(pi.blocks) {
		return
	}
	b := &pi.blocks[blockIdx]
	switch b.state {
	case BlockWriting:
		pi.numWriting--
	case BlockFinished:
		pi.numFinished--
	case BlockRequested:
		pi.numRequested--
	}
	pi.numOpen++
	b.state = BlockOpen
	b.owners = nil
}

// RestorePiece forgets all progress on a piece after a hash failure.
// Call GetDownloaders first to learn which peers contributed blocks.
func (p *Picker) RestorePiece(idx uint32) {
	if !p.valid(idx) {
		return
	}
	pi := &p.info[idx]
	for i := range pi.blocks {
		pi.blocks[i].state = BlockOpen
		pi.blocks[i].owners = nil
	}
	pi.numOpen = len(pi.blocks)
	pi.numRequested, pi.numWriting, pi.numFinished = 0, 0, 0
}

// GetDownloaders returns, per block, the peer that currently (or most
// recently) owns that block's request, or nil if unowned.
func (p *Picker) GetDownloaders(idx uint32) []PeerID {
	if !p.valid(idx) {
		return nil
	}
	pi := &p.info[idx]
	out := make([]PeerID, len(pi.blocks))
	for i, b := range pi.blocks {
		if len(b.owners) > 0 {
			out[i] = b.owners[len(b.owners)-1]
		}
	}
	return out
}

// SetPieceDeadline boosts idx to time-critical priority in the picking
// order until it is downloaded. alertWhenAvailable asks the caller to
// be notified (via the session's alert channel, outside this package)
// once the piece is Have.
func (p *Picker) SetPieceDeadline(idx uint32, at time.Time, alertWhenAvailable bool) {
	if !p.valid(idx) {
		return
	}
	p.deadlines[idx] = deadline{at: at, alertWhenAvailable: alertWhenAvailable}
}

// ClearPieceDeadline removes a previously set deadline.
func (p *Picker) ClearPieceDeadline(idx uint32) {
	delete(p.deadlines, idx)
}

func (p *Picker) numNonHave() int {
	n := 0
	for i := range p.info {
		if !p.info[i].have {
			n++
		}
	}
	return n
}
