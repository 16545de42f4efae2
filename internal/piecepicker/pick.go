package piecepicker

import (
	"encoding/binary"
	"sort"

	"github.com/spaolacci/murmur3"

	"github.com/brkwd/swarmd/internal/bitfield"
)

// Pick selects up to numBlocks requests for peer, restricted to pieces
// present in peerHas, ordered per the active policy. Every
// returned block is marked as requested by peer before Pick returns.
func (p *Picker) Pick(
	peerHas *bitfield.Bitfield,
	numBlocks int,
	preferContiguous bool,
	peerID PeerID,
	opts Options,
	suggestedPieces []uint32,
) []Request {
	if numBlocks <= 0 {
		return nil
	}
	opts.EndGame = opts.EndGame || p.inEndGame()

	var out []Request
	seen := make(map[uint32]bool)

	take := func(idx uint32) bool {
		if seen[idx] {
			return false
		}
		n := p.pickFromPiece(idx, peerID, opts, numBlocks-len(out))
		if len(n) > 0 {
			out = append(out, n...)
			seen[idx] = true
		}
		return len(out) >= numBlocks
	}

	// 1. Time-critical: deadline-bearing pieces first, earliest deadline wins.
	if len(p.deadlines) > 0 {
		var critical []uint32
		for idx := range p.deadlines {
			if p.eligible(idx, peerHas) {
				critical = append(critical, idx)
			}
		}
		sort.Slice(critical, func(i, j int) bool {
			return p.deadlines[critical[i]].at.Before(p.deadlines[critical[j]].at)
		})
		for _, idx := range critical {
			if take(idx) {
				return out
			}
		}
	}

	// 2. Suggested pieces (BEP-6 suggest).
	if opts.Suggest {
		for _, idx := range suggestedPieces {
			if p.eligible(idx, peerHas) {
				if take(idx) {
					return out
				}
			}
		}
	}

	// 3. Partial pieces already downloading, to reduce write-queue churn.
	if opts.PrioritizePartials {
		for _, idx := range p.partialPieces(peerHas) {
			if take(idx) {
				return out
			}
		}
	}

	// 4-6. Sequential / reverse-sequential / rarest-first / reverse-rarest-first.
	candidates := p.orderedCandidates(peerHas, opts)
	for _, idx := range candidates {
		if take(idx) {
			return out
		}
		// 7. Extent-affinity: once something is picked, prefer picking
		// the immediately following pieces from the same peer next,
		// while budget remains.
		if preferContiguous && seen[idx] {
			p.pickContiguous(idx, peerHas, peerID, opts, numBlocks, &out, seen)
			if len(out) >= numBlocks {
				return out
			}
		}
	}

	return out
}

func (p *Picker) eligible(idx uint32, peerHas *bitfield.Bitfield) bool {
	if !p.valid(idx) {
		return false
	}
	pi := &p.info[idx]
	if pi.have || pi.priority == PriorityNone {
		return false
	}
	return peerHas.Test(idx)
}

// partialPieces returns indices of pieces already downloading
// (some block requested, not yet finished), eligible for peerHas.
func (p *Picker) partialPieces(peerHas *bitfield.Bitfield) []uint32 {
	var out []uint32
	for i := range p.info {
		idx := uint32(i)
		if !p.eligible(idx, peerHas) {
			continue
		}
		st := p.info[i].state()
		if st == Downloading || st == Writing {
			out = append(out, idx)
		}
	}
	return out
}

// orderedCandidates ranks every eligible-for-this-peer piece according
// to the active ordering policy.
func (p *Picker) orderedCandidates(peerHas *bitfield.Bitfield, opts Options) []uint32 {
	var out []uint32
	for i := range p.info {
		idx := uint32(i)
		if p.eligible(idx, peerHas) {
			out = append(out, idx)
		}
	}

	switch {
	case opts.SequentialPieces:
		sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	case opts.ReverseSequential:
		sort.Slice(out, func(i, j int) bool { return out[i] > out[j] })
	case opts.ReverseRarestFirst:
		sort.Slice(out, func(i, j int) bool {
			return p.rarestKey(out[i], out[j], true)
		})
	default: // rarest-first, the default policy
		sort.Slice(out, func(i, j int) bool {
			return p.rarestKey(out[i], out[j], false)
		})
	}
	return out
}

// rarestKey orders by availability (lower first, unless reverse), tie
// broken by a per-session random salt folded with piece index (via
// murmur3, so neighboring piece indices don't produce neighboring
// keys) so different sessions converge on different piece orders
// within a swarm.
func (p *Picker) rarestKey(a, b uint32, reverse bool) bool {
	av, bv := p.info[a].availability, p.info[b].availability
	if av != bv {
		if reverse {
			return av > bv
		}
		return av < bv
	}
	return p.tieFold(a) < p.tieFold(b)
}

// tieFold folds piece index idx with the per-session salt through
// murmur3, giving a well-distributed tie-break key that doesn't
// preserve the index's own ordering (a plain XOR does, for
// power-of-two salts).
func (p *Picker) tieFold(idx uint32) uint32 {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], idx)
	return murmur3.Sum32WithSeed(buf[:], p.tieSalt)
}

// pickFromPiece selects up to budget blocks from piece idx for peer,
// honoring the open-first / no-writing-or-finished / end-game rules.
func (p *Picker) pickFromPiece(idx uint32, peer PeerID, opts Options, budget int) []Request {
	if budget <= 0 || !p.valid(idx) {
		return nil
	}
	pi := &p.info[idx]
	var out []Request

	for i := range pi.blocks {
		if len(out) >= budget {
			break
		}
		b := &pi.blocks[i]
		switch b.state {
		case BlockOpen:
			p.MarkAsDownloading(idx, uint32(i), peer)
			out = append(out, Request{Piece: idx, Block: uint32(i)})
		case BlockRequested:
			if !opts.EndGame && !opts.PrioSequentialPieces {
				continue
			}
			if ownedBy(b.owners, peer) {
				continue
			}
			if len(b.owners) >= p.endGameMaxOwners {
				continue
			}
			p.MarkAsDownloading(idx, uint32(i), peer)
			out = append(out, Request{Piece: idx, Block: uint32(i)})
		case BlockWriting, BlockFinished:
			// never re-requested
		}
	}
	return out
}

func ownedBy(owners []PeerID, peer PeerID) bool {
	for _, o := range owners {
		if o == peer {
			return true
		}
	}
	return false
}

// pickContiguous greedily extends the selection into the pieces
// immediately following idx, while the extent-affinity budget allows.
func (p *Picker) pickContiguous(idx uint32, peerHas *bitfield.Bitfield, peer PeerID, opts Options, numBlocks int, out *[]Request, seen map[uint32]bool) {
	budget := opts.PreferContiguousBudget
	if budget <= 0 {
		budget = 4
	}
	next := idx + 1
	for extended := 0; extended < budget && len(*out) < numBlocks; extended, next = extended+1, next+1 {
		if seen[next] || !p.eligible(next, peerHas) {
			break
		}
		n := p.pickFromPiece(next, peer, opts, numBlocks-len(*out))
		if len(n) == 0 {
			break
		}
		*out = append(*out, n...)
		seen[next] = true
	}
}

// inEndGame reports whether the number of non-have pieces has dropped
// below the configured threshold, auto-engaging end-game semantics
// even if the caller didn't request it.
func (p *Picker) inEndGame() bool {
	return p.numNonHave() > 0 && p.numNonHave() <= p.endGameThreshold
}
