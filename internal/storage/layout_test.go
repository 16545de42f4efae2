package storage

import "testing"

func TestApplyPadFilesAlignsSubsequentFiles(t *testing.T) {
	files := []FileEntry{
		{Path: []string{"a.txt"}, Length: 5},
		{Path: []string{"b.txt"}, Length: 10},
	}
	out := ApplyPadFiles(files, 16)
	if len(out) != 3 {
		t.Fatalf("expected a pad file inserted, got %d entries", len(out))
	}
	if !out[1].Pad || out[1].Length != 11 {
		t.Fatalf("expected pad of length 11, got %+v", out[1])
	}
	l := NewLayout(out, 16)
	if l.Entries[2].ByteOffset != 16 {
		t.Fatalf("expected b.txt to start at piece boundary 16, got %d", l.Entries[2].ByteOffset)
	}
}

func TestApplyPadFilesNoGapWhenAlreadyAligned(t *testing.T) {
	files := []FileEntry{
		{Path: []string{"a.txt"}, Length: 16},
		{Path: []string{"b.txt"}, Length: 16},
	}
	out := ApplyPadFiles(files, 16)
	if len(out) != 2 {
		t.Fatalf("expected no pad inserted, got %d entries", len(out))
	}
}

func TestApplyPadFilesSkipsFirstFile(t *testing.T) {
	files := []FileEntry{
		{Path: []string{"a.txt"}, Length: 3},
	}
	out := ApplyPadFiles(files, 16)
	if len(out) != 1 {
		t.Fatalf("first file should never get a leading pad, got %d entries", len(out))
	}
}

func TestNewLayoutComputesOverlappingPieces(t *testing.T) {
	files := []FileEntry{
		{Path: []string{"a.txt"}, Length: 40},
	}
	l := NewLayout(files, 16)
	if l.Entries[0].FirstPiece != 0 || l.Entries[0].LastPiece != 2 {
		t.Fatalf("expected pieces 0..2, got %d..%d", l.Entries[0].FirstPiece, l.Entries[0].LastPiece)
	}
	if l.NumPieces() != 3 {
		t.Fatalf("expected 3 total pieces, got %d", l.NumPieces())
	}
}

func TestPieceIsAllPriorityZero(t *testing.T) {
	files := []FileEntry{
		{Path: []string{"a.txt"}, Length: 16},
		{Path: []string{"b.txt"}, Length: 16},
	}
	l := NewLayout(files, 16)
	if !l.PieceIsAllPriorityZero(0, []int{0, 0}) {
		t.Fatal("expected piece 0 (only overlapping priority-0 file a.txt) to be all priority-zero")
	}
	if l.PieceIsAllPriorityZero(1, []int{0, 1}) {
		t.Fatal("piece 1 overlaps priority-1 file b.txt, should not be all priority-zero")
	}
}
