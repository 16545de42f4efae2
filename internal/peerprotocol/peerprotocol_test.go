package peerprotocol

import (
	"bytes"
	"net"
	"testing"

	"github.com/brkwd/swarmd/internal/errkind"
)

func TestWriteReadMessageRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	req := RequestMessage{Index: 1, Begin: 16384, Length: 16384}
	if err := WriteMessage(&buf, Request, EncodeRequest(req)); err != nil {
		t.Fatal(err)
	}

	id, length, keepalive, err := ReadMessageHeader(&buf)
	if err != nil {
		t.Fatal(err)
	}
	if keepalive {
		t.Fatal("expected non-keepalive")
	}
	if id != Request {
		t.Fatalf("expected Request id, got %d", id)
	}
	body := make([]byte, length)
	if _, err := buf.Read(body); err != nil {
		t.Fatal(err)
	}
	got, err := DecodeRequest(body)
	if err != nil {
		t.Fatal(err)
	}
	if got != req {
		t.Fatalf("round-trip mismatch: got %+v want %+v", got, req)
	}
}

func TestKeepaliveRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteKeepalive(&buf); err != nil {
		t.Fatal(err)
	}
	_, _, keepalive, err := ReadMessageHeader(&buf)
	if err != nil {
		t.Fatal(err)
	}
	if !keepalive {
		t.Fatal("expected keepalive")
	}
}

func TestDecodeRequestWrongLength(t *testing.T) {
	_, err := DecodeRequest([]byte{1, 2, 3})
	if !errkind.Is(err, errkind.InvalidMessage) {
		t.Fatalf("expected invalid_message, got %v", err)
	}
}

func TestHandshakeRoundTrip(t *testing.T) {
	var ih [20]byte
	var pid [20]byte
	copy(ih[:], "infoinfoinfoinfoinfo")
	copy(pid[:], "peeridpeeridpeeridpe")

	h := NewHandshake(ih, pid, true, true, false)
	var buf bytes.Buffer
	if err := h.Write(&buf); err != nil {
		t.Fatal(err)
	}
	if buf.Len() != 68 {
		t.Fatalf("expected 68-byte handshake, got %d", buf.Len())
	}

	got, err := ReadHandshake(&buf)
	if err != nil {
		t.Fatal(err)
	}
	if got.InfoHash != ih || got.PeerID != pid {
		t.Fatal("handshake identity mismatch")
	}
	if !got.SupportsExtension() || !got.SupportsFast() || got.SupportsDHT() {
		t.Fatal("capability bits did not round-trip")
	}
}

func TestAllowedFastDeterministicAndBounded(t *testing.T) {
	var ih [20]byte
	copy(ih[:], "abcdefghijklmnopqrst")
	ip := net.ParseIP("203.0.113.5")

	a := ComputeAllowedFast(ip, ih, 1000, 10)
	b := ComputeAllowedFast(ip, ih, 1000, 10)
	if len(a) != 10 || len(b) != 10 {
		t.Fatalf("expected 10 pieces, got %d and %d", len(a), len(b))
	}
	for i := range a {
		if a[i] != b[i] {
			t.Fatal("expected deterministic allowed-fast set")
		}
	}
	seen := make(map[uint32]bool)
	for _, p := range a {
		if seen[p] {
			t.Fatal("duplicate piece in allowed-fast set")
		}
		seen[p] = true
		if p >= 1000 {
			t.Fatalf("piece index %d out of range", p)
		}
	}
}

func TestAllowedFastDifferentPeersDiffer(t *testing.T) {
	var ih [20]byte
	copy(ih[:], "abcdefghijklmnopqrst")
	a := ComputeAllowedFast(net.ParseIP("203.0.113.5"), ih, 1000, 10)
	b := ComputeAllowedFast(net.ParseIP("198.51.100.9"), ih, 1000, 10)
	equal := len(a) == len(b)
	if equal {
		for i := range a {
			if a[i] != b[i] {
				equal = false
				break
			}
		}
	}
	if equal {
		t.Fatal("expected different peers to get different allowed-fast sets")
	}
}
