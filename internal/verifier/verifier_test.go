package verifier

import (
	"crypto/sha256"
	"testing"

	"github.com/brkwd/swarmd/internal/merkle"
)

func leafHash(b byte) [32]byte {
	buf := make([]byte, merkle.BlockSize)
	for i := range buf {
		buf[i] = b
	}
	return sha256.Sum256(buf)
}

func buildRoot(leaves [][32]byte) [32]byte {
	layer := leaves
	for len(layer) > 1 {
		next := make([][32]byte, len(layer)/2)
		for i := range next {
			a, b := layer[2*i], layer[2*i+1]
			h := sha256.New()
			h.Write(a[:])
			h.Write(b[:])
			var out [32]byte
			copy(out[:], h.Sum(nil))
			next[i] = out
		}
		layer = next
	}
	return layer[0]
}

func TestVerifyV1PassAndFail(t *testing.T) {
	payload := []byte("hello world, this is a piece")
	expected := VerifyV1Hash(payload)
	if !VerifyV1(payload, expected) {
		t.Fatal("expected v1 verification to pass on matching hash")
	}
	if VerifyV1(payload, [20]byte{1}) {
		t.Fatal("expected v1 verification to fail on wrong hash")
	}
}

func TestVerifyPipelineV1Only(t *testing.T) {
	v := New(V1Only)
	payload := []byte("piece bytes")
	expected := VerifyV1Hash(payload)
	res := v.Verify(0, payload, expected, nil, 0, nil)
	if res.Outcome != Pass {
		t.Fatalf("expected Pass, got %v", res.Outcome)
	}
	res = v.Verify(0, payload, [20]byte{9}, nil, 0, nil)
	if res.Outcome != FailWhole {
		t.Fatalf("expected FailWhole, got %v", res.Outcome)
	}
}

func TestVerifyPipelineV2OnlyFailsOnBadBlock(t *testing.T) {
	leaves := [][32]byte{leafHash(1), leafHash(2), leafHash(3), leafHash(4)}
	root := buildRoot(leaves)
	tree := merkle.New(4, root)
	v := New(V2Only)

	bad := leaves
	bad[2] = leafHash(99)
	res := v.Verify(0, nil, [20]byte{}, tree, 0, bad)
	if res.Outcome != FailBlocks && res.Outcome != FailWhole {
		t.Fatalf("expected a failure outcome, got %v", res.Outcome)
	}
}

func TestVerifyPipelineV2OnlyPasses(t *testing.T) {
	leaves := [][32]byte{leafHash(1), leafHash(2), leafHash(3), leafHash(4)}
	root := buildRoot(leaves)
	tree := merkle.New(4, root)
	v := New(V2Only)

	res := v.Verify(0, nil, [20]byte{}, tree, 0, leaves)
	if res.Outcome != Pass {
		t.Fatalf("expected Pass, got %v outcome=%v bad=%v", res, res.Outcome, res.BadBlocks)
	}
}

func TestVerifyPipelineHybridRequiresBoth(t *testing.T) {
	leaves := [][32]byte{leafHash(1), leafHash(2), leafHash(3), leafHash(4)}
	root := buildRoot(leaves)
	tree := merkle.New(4, root)
	v := New(Hybrid)

	payload := []byte("piece bytes")
	expected := VerifyV1Hash(payload)
	res := v.Verify(0, payload, expected, tree, 0, leaves)
	if res.Outcome != Pass {
		t.Fatalf("expected hybrid Pass, got %v", res.Outcome)
	}

	res = v.Verify(0, payload, [20]byte{1}, tree, 0, leaves)
	if res.Outcome != FailWhole {
		t.Fatalf("expected hybrid to fail on bad v1 hash even with good v2, got %v", res.Outcome)
	}
}
