package storage

import (
	"bytes"
	"testing"
)

func TestFileStorageWriteReadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	files := []FileEntry{
		{Path: []string{"a.txt"}, Length: 8},
		{Path: []string{"b.txt"}, Length: 8},
	}
	layout := NewLayout(files, 16)
	sto := New(dir, layout)
	defer sto.Close()

	data := bytes.Repeat([]byte{0xAB}, 16)
	n, err := sto.WriteAt(data, 0)
	if err != nil {
		t.Fatalf("WriteAt: %v", err)
	}
	if n != 16 {
		t.Fatalf("expected 16 bytes written, got %d", n)
	}

	out := make([]byte, 16)
	if _, err := sto.ReadAt(out, 0); err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	if !bytes.Equal(out, data) {
		t.Fatalf("round trip mismatch")
	}
}

func TestFileStoragePadRegionReadsZerosWithoutTouchingDisk(t *testing.T) {
	dir := t.TempDir()
	files := ApplyPadFiles([]FileEntry{
		{Path: []string{"a.txt"}, Length: 3},
		{Path: []string{"b.txt"}, Length: 3},
	}, 16)
	layout := NewLayout(files, 16)
	sto := New(dir, layout)
	defer sto.Close()

	out := make([]byte, 16)
	for i := range out {
		out[i] = 0xFF
	}
	if _, err := sto.ReadAt(out, 0); err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	for i := 3; i < 16; i++ {
		if out[i] != 0 {
			t.Fatalf("expected pad byte at %d to read zero, got %x", i, out[i])
		}
	}
	if len(sto.Files()) != 2 {
		t.Fatalf("expected 2 non-pad files reported, got %d", len(sto.Files()))
	}
}

func TestFileStorageReadWriteAcrossFileBoundary(t *testing.T) {
	dir := t.TempDir()
	files := []FileEntry{
		{Path: []string{"a.txt"}, Length: 4},
		{Path: []string{"b.txt"}, Length: 4},
	}
	layout := NewLayout(files, 8)
	sto := New(dir, layout)
	defer sto.Close()

	data := []byte{1, 2, 3, 4, 5, 6}
	if _, err := sto.WriteAt(data, 2); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}
	out := make([]byte, 6)
	if _, err := sto.ReadAt(out, 2); err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	if !bytes.Equal(out, data) {
		t.Fatalf("expected %v, got %v", data, out)
	}
}
