package piececache

import (
	"bytes"
	"testing"
)

func TestCachePutGetRoundTrip(t *testing.T) {
	c := New(2)
	c.Put(0, 0, []byte{1, 2, 3})
	buf, ok := c.Get(0, 0, 3)
	if !ok {
		t.Fatal("expected hit")
	}
	if !bytes.Equal(buf, []byte{1, 2, 3}) {
		t.Fatalf("unexpected bytes: %v", buf)
	}
}

func TestCacheMissOnLengthMismatch(t *testing.T) {
	c := New(2)
	c.Put(0, 0, []byte{1, 2, 3})
	if _, ok := c.Get(0, 0, 4); ok {
		t.Fatal("expected miss on length mismatch")
	}
}

func TestCacheEvictsLeastRecentlyUsed(t *testing.T) {
	c := New(2)
	c.Put(0, 0, []byte{1})
	c.Put(1, 0, []byte{2})
	c.Put(2, 0, []byte{3}) // evicts piece 0's block
	if _, ok := c.Get(0, 0, 1); ok {
		t.Fatal("expected piece 0 evicted")
	}
	if _, ok := c.Get(1, 0, 1); !ok {
		t.Fatal("expected piece 1 still cached")
	}
}

func TestCacheInvalidateDropsOnlyThatPiece(t *testing.T) {
	c := New(4)
	c.Put(0, 0, []byte{1})
	c.Put(0, 16384, []byte{2})
	c.Put(1, 0, []byte{3})
	c.Invalidate(0)
	if _, ok := c.Get(0, 0, 1); ok {
		t.Fatal("expected piece 0 block invalidated")
	}
	if _, ok := c.Get(0, 16384, 1); ok {
		t.Fatal("expected piece 0 second block invalidated")
	}
	if _, ok := c.Get(1, 0, 1); !ok {
		t.Fatal("expected piece 1 untouched")
	}
}

func TestCacheZeroCapacityNeverHits(t *testing.T) {
	c := New(0)
	c.Put(0, 0, []byte{1})
	if _, ok := c.Get(0, 0, 1); ok {
		t.Fatal("expected zero-capacity cache to never hit")
	}
}
