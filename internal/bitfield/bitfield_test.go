package bitfield

import "testing"

func TestSetTestClear(t *testing.T) {
	bf := New(10)
	if bf.Test(3) {
		t.Fatal("expected unset")
	}
	bf.Set(3)
	if !bf.Test(3) {
		t.Fatal("expected set")
	}
	bf.Clear(3)
	if bf.Test(3) {
		t.Fatal("expected cleared")
	}
}

func TestAllAndCount(t *testing.T) {
	bf := New(13)
	if bf.All() {
		t.Fatal("fresh bitfield should not report All")
	}
	bf.SetAll()
	if !bf.All() {
		t.Fatal("expected All after SetAll")
	}
	if bf.Count() != 13 {
		t.Fatalf("expected count 13, got %d", bf.Count())
	}
	// trailing bits beyond Len must not leak into the wire bytes.
	if bf.Bytes()[1]&0x07 != 0 {
		t.Fatal("trailing bits were not cleared")
	}
}

func TestNewBytesRoundtrip(t *testing.T) {
	bf := New(20)
	bf.Set(0)
	bf.Set(19)
	bf2, err := NewBytes(bf.Bytes(), 20)
	if err != nil {
		t.Fatal(err)
	}
	if !bf2.Test(0) || !bf2.Test(19) {
		t.Fatal("roundtrip lost bits")
	}
	if _, err := NewBytes(bf.Bytes(), 25); err == nil {
		t.Fatal("expected length mismatch error")
	}
}
