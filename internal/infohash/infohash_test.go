package infohash

import "testing"

func TestMatchesSharedField(t *testing.T) {
	var a, b [20]byte
	a[0] = 1
	b[0] = 1
	h1 := NewV1(a)
	h2 := NewV1(b)
	if !h1.Matches(h2) {
		t.Fatal("expected match on identical v1 hash")
	}
}

func TestMatchesHybridPartial(t *testing.T) {
	var v1a, v1b [20]byte
	var v2a, v2b [32]byte
	v1a[0], v1b[0] = 1, 2 // different v1
	v2a[0], v2b[0] = 9, 9 // same v2
	hybrid := NewHybrid(v1a, v2a)
	other := NewHybrid(v1b, v2b)
	if !hybrid.Matches(other) {
		t.Fatal("expected match via shared v2 field despite differing v1")
	}
}

func TestValidateEmpty(t *testing.T) {
	var empty T
	if err := empty.Validate(); err != ErrEmpty {
		t.Fatalf("expected ErrEmpty, got %v", err)
	}
}
