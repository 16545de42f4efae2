package piecepicker

import (
	"testing"
	"time"

	"github.com/brkwd/swarmd/internal/bitfield"
	"github.com/brkwd/swarmd/internal/piece"
)

func buildPieces(n int, pieceLen uint32) []*piece.Piece {
	out := make([]*piece.Piece, n)
	for i := range out {
		out[i] = piece.NewPiece(uint32(i), pieceLen)
	}
	return out
}

func allHas(n int) *bitfield.Bitfield {
	bf := bitfield.New(uint32(n))
	bf.SetAll()
	return bf
}

func TestPickRespectsPeerBitfieldAndPriority(t *testing.T) {
	pcs := buildPieces(4, 2*piece.BlockSize)
	p := New(pcs, 1)
	p.SetPiecePriority(2, PriorityNone)

	has := bitfield.New(4)
	has.Set(0)
	has.Set(1)
	has.Set(2) // priority 0, must be filtered even though peer has it
	// piece 3 not in peer's bitfield

	reqs := p.Pick(has, 100, false, "peerA", Options{}, nil)
	for _, r := range reqs {
		if r.Piece == 2 || r.Piece == 3 {
			t.Fatalf("picked ineligible piece %d", r.Piece)
		}
	}
	if len(reqs) != 4 { // 2 pieces * 2 blocks
		t.Fatalf("expected 4 blocks, got %d", len(reqs))
	}
}

func TestPickNoDuplicatesWithinCall(t *testing.T) {
	pcs := buildPieces(2, 2*piece.BlockSize)
	p := New(pcs, 1)
	has := allHas(2)

	reqs := p.Pick(has, 100, false, "peerA", Options{}, nil)
	seen := make(map[Request]bool)
	for _, r := range reqs {
		if seen[r] {
			t.Fatalf("duplicate request %+v", r)
		}
		seen[r] = true
	}
	if len(reqs) != 4 {
		t.Fatalf("expected all 4 blocks across both pieces, got %d", len(reqs))
	}
}

func TestMarkAsDownloadingThenAbortReturnsToOpen(t *testing.T) {
	pcs := buildPieces(1, piece.BlockSize)
	p := New(pcs, 1)

	if !p.MarkAsDownloading(0, 0, "peerA") {
		t.Fatal("expected MarkAsDownloading to succeed")
	}
	if p.PieceState(0) != Downloading {
		t.Fatalf("expected Downloading, got %v", p.PieceState(0))
	}
	p.AbortDownload(0, 0, "peerA")
	if p.info[0].blocks[0].state != BlockOpen {
		t.Fatal("expected block to return to open after sole owner aborts")
	}
}

func TestMarkAsDownloadingFinishedBlockFails(t *testing.T) {
	pcs := buildPieces(1, piece.BlockSize)
	p := New(pcs, 1)
	p.MarkAsDownloading(0, 0, "peerA")
	p.MarkAsWriting(0, 0, "peerA")
	p.MarkAsFinished(0, 0, "peerA")
	if p.MarkAsDownloading(0, 0, "peerB") {
		t.Fatal("expected MarkAsDownloading on a finished block to return false")
	}
}

func TestRestorePieceSurfacesDownloaders(t *testing.T) {
	pcs := buildPieces(1, 2*piece.BlockSize)
	p := New(pcs, 1)
	p.MarkAsDownloading(0, 0, "peerA")
	p.MarkAsDownloading(0, 1, "peerB")

	downloaders := p.GetDownloaders(0)
	if downloaders[0] != PeerID("peerA") || downloaders[1] != PeerID("peerB") {
		t.Fatalf("unexpected downloaders: %+v", downloaders)
	}

	p.RestorePiece(0)
	if p.PieceState(0) != Open {
		t.Fatalf("expected Open after restore, got %v", p.PieceState(0))
	}
	for _, d := range p.GetDownloaders(0) {
		if d != nil {
			t.Fatal("expected no downloaders after restore")
		}
	}
}

func TestWriteFailedDoesNotBlamePeer(t *testing.T) {
	pcs := buildPieces(1, piece.BlockSize)
	p := New(pcs, 1)
	p.MarkAsDownloading(0, 0, "peerA")
	p.MarkAsWriting(0, 0, "peerA")
	p.WriteFailed(0, 0)
	if p.info[0].blocks[0].state != BlockOpen {
		t.Fatal("expected block back to open after write failure")
	}
}

func TestWeHaveExcludesFromPicking(t *testing.T) {
	pcs := buildPieces(2, piece.BlockSize)
	p := New(pcs, 1)
	p.WeHave(0)
	has := allHas(2)
	reqs := p.Pick(has, 100, false, "peerA", Options{}, nil)
	for _, r := range reqs {
		if r.Piece == 0 {
			t.Fatal("picked a piece we already have")
		}
	}
}

func TestPadPiecesStartAsHave(t *testing.T) {
	pcs := buildPieces(2, piece.BlockSize)
	pcs[1].Pad = true
	p := New(pcs, 1)
	if p.PieceState(1) != Have {
		t.Fatalf("expected pad piece to start as Have, got %v", p.PieceState(1))
	}
}

func TestRarestFirstPrefersLowerAvailability(t *testing.T) {
	pcs := buildPieces(2, piece.BlockSize)
	p := New(pcs, 1)
	p.IncRefCount(0, "x")
	p.IncRefCount(0, "x")
	p.IncRefCount(1, "x")

	has := allHas(2)
	reqs := p.Pick(has, 1, false, "peerA", Options{}, nil)
	if len(reqs) != 1 || reqs[0].Piece != 1 {
		t.Fatalf("expected rarer piece 1 picked first, got %+v", reqs)
	}
}

func TestSequentialPolicyOrdersAscending(t *testing.T) {
	pcs := buildPieces(3, piece.BlockSize)
	p := New(pcs, 1)
	has := allHas(3)
	reqs := p.Pick(has, 1, false, "peerA", Options{SequentialPieces: true}, nil)
	if len(reqs) != 1 || reqs[0].Piece != 0 {
		t.Fatalf("expected piece 0 first under sequential policy, got %+v", reqs)
	}
}

func TestTimeCriticalPieceWinsOverRarestFirst(t *testing.T) {
	pcs := buildPieces(3, piece.BlockSize)
	p := New(pcs, 1)
	has := allHas(3)
	p.SetPieceDeadline(2, time.Now(), false)
	reqs := p.Pick(has, 1, false, "peerA", Options{}, nil)
	if len(reqs) != 1 || reqs[0].Piece != 2 {
		t.Fatalf("expected time-critical piece 2 first, got %+v", reqs)
	}
}

func TestEndGameAllowsBoundedMultiOwner(t *testing.T) {
	pcs := buildPieces(1, piece.BlockSize)
	p := New(pcs, 1)
	has := allHas(1)

	p.Pick(has, 1, false, "peerA", Options{EndGame: true}, nil)
	reqs := p.Pick(has, 1, false, "peerB", Options{EndGame: true}, nil)
	if len(reqs) != 1 {
		t.Fatalf("expected end-game to allow a second owner, got %+v", reqs)
	}
	downloaders := p.GetDownloaders(0)
	if downloaders[0] != PeerID("peerB") {
		t.Fatalf("expected latest owner peerB, got %v", downloaders[0])
	}
}

func TestGetAvailabilitySnapshot(t *testing.T) {
	pcs := buildPieces(2, piece.BlockSize)
	p := New(pcs, 1)
	p.IncRefCount(0, "x")
	out := p.GetAvailability(nil)
	if out[0] != 1 || out[1] != 0 {
		t.Fatalf("unexpected availability snapshot: %+v", out)
	}
}
