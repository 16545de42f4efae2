package smartban

import "testing"

func TestOnPiecePassWithNoFailureRecordsNothing(t *testing.T) {
	sb := New(4)
	banned := sb.OnPiecePass(0, 8, func(piece, begin, length uint32) ([]byte, error) {
		t.Fatal("should not read: nothing was recorded as failed")
		return nil, nil
	})
	if banned != nil {
		t.Fatalf("expected no bans, got %v", banned)
	}
}

func TestSmartBanAttributesCorruptBlockToOriginalPeer(t *testing.T) {
	sb := New(4)
	goodA := []byte{1, 2, 3, 4}
	goodB := []byte{5, 6, 7, 8}
	badA := []byte{9, 9, 9, 9}

	// peer "alice" supplied block 0 with bad bytes, "bob" supplied block 1 fine.
	data := func(piece, begin, length uint32) ([]byte, error) {
		if begin == 0 {
			return badA, nil
		}
		return goodB, nil
	}
	sb.OnPieceFailed(0, 8, []PeerID{"alice", "bob"}, data)

	// piece is rewritten and now passes: block 0 is replaced with good bytes.
	reread := func(piece, begin, length uint32) ([]byte, error) {
		if begin == 0 {
			return goodA, nil
		}
		return goodB, nil
	}
	banned := sb.OnPiecePass(0, 8, reread)
	if len(banned) != 1 || banned[0] != "alice" {
		t.Fatalf("expected alice banned, got %v", banned)
	}
}

func TestSmartBanDoesNotBanWhenBlockUnchanged(t *testing.T) {
	sb := New(4)
	data := func(piece, begin, length uint32) ([]byte, error) {
		return []byte{1, 2, 3, 4}, nil
	}
	sb.OnPieceFailed(0, 4, []PeerID{"alice"}, data)
	banned := sb.OnPiecePass(0, 4, data)
	if banned != nil {
		t.Fatalf("expected no bans when re-read matches recorded digest, got %v", banned)
	}
}

func TestForgetDropsPendingAttributions(t *testing.T) {
	sb := New(4)
	data := func(piece, begin, length uint32) ([]byte, error) {
		return []byte{1, 2, 3, 4}, nil
	}
	sb.OnPieceFailed(0, 4, []PeerID{"alice"}, data)
	sb.Forget(0)
	if len(sb.blockHashes) != 0 {
		t.Fatalf("expected attributions cleared, got %d entries", len(sb.blockHashes))
	}
}
