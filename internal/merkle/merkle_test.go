package merkle

import (
	"crypto/sha256"
	"testing"
)

func leafHash(b byte) [32]byte {
	buf := make([]byte, BlockSize)
	for i := range buf {
		buf[i] = b
	}
	return sha256.Sum256(buf)
}

func buildReferenceTree(leaves [][32]byte) [32]byte {
	layer := leaves
	for len(layer) > 1 {
		next := make([][32]byte, len(layer)/2)
		for i := 0; i < len(next); i++ {
			next[i] = hashPair(layer[2*i], layer[2*i+1])
		}
		layer = next
	}
	return layer[0]
}

func TestNextPow2(t *testing.T) {
	cases := map[int]int{1: 1, 2: 2, 3: 4, 4: 4, 5: 8, 17: 32}
	for in, want := range cases {
		if got := NextPow2(in); got != want {
			t.Fatalf("NextPow2(%d) = %d, want %d", in, got, want)
		}
	}
}

func TestSetBlockHashUnknownAndPieceHashFailed(t *testing.T) {
	leaves := [][32]byte{leafHash(1), leafHash(2), leafHash(3), leafHash(4)}
	root := buildReferenceTree(leaves)

	tr := New(4, root)
	if r := tr.SetBlockHash(0, leaves[0]); r != Unknown {
		t.Fatalf("leaf0: expected Unknown, got %v", r)
	}
	if r := tr.SetBlockHash(1, leaves[1]); r != Unknown {
		t.Fatalf("leaf1: expected Unknown while the right subtree is missing, got %v", r)
	}
	// corrupt leaf claims a different hash than what the tree can verify
	bogus := leafHash(99)
	if r := tr.SetBlockHash(2, bogus); r != Unknown {
		t.Fatalf("leaf2 (bogus, no sibling yet): expected Unknown, got %v", r)
	}
	if r := tr.SetBlockHash(3, leaves[3]); r != PieceHashFailed {
		t.Fatalf("leaf3: expected PieceHashFailed due to corrupt sibling, got %v", r)
	}
}

func TestGetHashesAddHashesRoundTrip(t *testing.T) {
	leaves := [][32]byte{leafHash(1), leafHash(2), leafHash(3), leafHash(4)}
	root := buildReferenceTree(leaves)

	src := New(4, root)
	for i, h := range leaves {
		src.SetBlockHash(i, h)
	}
	if src.Root() != root {
		t.Fatal("source tree root mismatch")
	}

	hashes, proof, ok := src.GetHashes(0, 0, 4, 0)
	if !ok {
		t.Fatal("GetHashes failed on fully materialized source")
	}
	if len(proof) != 0 {
		t.Fatalf("expected no proof needed for whole-tree fetch, got %d", len(proof))
	}

	dst := New(4, root)
	if err := dst.AddHashes(0, 0, hashes, proof); err != nil {
		t.Fatalf("AddHashes failed: %v", err)
	}
	for i, h := range leaves {
		got, present := dst.Node(dst.LeafIndex(i))
		if !present || got != h {
			t.Fatalf("leaf %d not materialized correctly after AddHashes", i)
		}
	}
}

func TestRootAlwaysMaterialized(t *testing.T) {
	var root [32]byte
	root[0] = 7
	tr := New(4, root)
	if !tr.Present(0) {
		t.Fatal("root must be materialized on construction")
	}
	if tr.Root() != root {
		t.Fatal("root value mismatch")
	}
}
