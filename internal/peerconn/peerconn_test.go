package peerconn

import (
	"net"
	"testing"
	"time"

	"github.com/brkwd/swarmd/internal/bitfield"
	"github.com/brkwd/swarmd/internal/logger"
	"github.com/brkwd/swarmd/internal/peerprotocol"
)

func newTestPair(t *testing.T) (*Conn, net.Conn) {
	t.Helper()
	client, server := net.Pipe()
	var id [20]byte
	c := New(client, id, true, false, logger.New("test"))
	go c.Run(4)
	t.Cleanup(c.Close)
	return c, server
}

func TestCanRequestGatesOnChokeAndFastExtension(t *testing.T) {
	c, server := newTestPair(t)
	defer server.Close()

	if c.CanRequest(0) {
		t.Fatal("expected CanRequest false while choked with no allowed-fast")
	}
	c.SetAllowedFast(0)
	if !c.CanRequest(0) {
		t.Fatal("expected allowed-fast piece requestable while choked")
	}
	if c.CanRequest(1) {
		t.Fatal("piece 1 is not allowed-fast, should not be requestable")
	}
}

func TestReceiveUnchokeUpdatesState(t *testing.T) {
	c, server := newTestPair(t)
	defer server.Close()

	go func() {
		_ = peerprotocol.WriteMessage(server, peerprotocol.Unchoke, nil)
	}()

	select {
	case <-c.UnchokeC:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for unchoke")
	}
	if c.PeerChoking() {
		t.Fatal("expected PeerChoking false after unchoke")
	}
}

func TestReceiveBitfieldTwiceIsProtocolError(t *testing.T) {
	c, server := newTestPair(t)
	defer server.Close()

	bf := bitfield.New(4)
	go func() {
		_ = peerprotocol.WriteMessage(server, peerprotocol.Bitfield, bf.Bytes())
		_ = peerprotocol.WriteMessage(server, peerprotocol.Bitfield, bf.Bytes())
	}()

	select {
	case <-c.BitfieldC:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for first bitfield")
	}
	select {
	case err := <-c.ErrC:
		if err == nil {
			t.Fatal("expected duplicate_bitfield error")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for duplicate-bitfield error")
	}
}

func TestOutboundRequestTracking(t *testing.T) {
	c, server := newTestPair(t)
	defer server.Close()

	r := Request{Piece: 0, Begin: 0, Length: 16384}
	c.SendRequest(r)
	if !c.HasOutboundRequest(r) {
		t.Fatal("expected request tracked after SendRequest")
	}
	c.RemoveOutboundRequest(r)
	if c.HasOutboundRequest(r) {
		t.Fatal("expected request removed")
	}
}

func TestChokeDropsNonFastOutboundRequests(t *testing.T) {
	c, server := newTestPair(t)
	defer server.Close()
	c.FastExtension = false

	r := Request{Piece: 0, Begin: 0, Length: 16384}
	c.AddOutboundRequest(r)

	go func() {
		_ = peerprotocol.WriteMessage(server, peerprotocol.Choke, nil)
	}()

	select {
	case dropped := <-c.RejectC:
		if dropped != r {
			t.Fatalf("expected dropped request %+v, got %+v", r, dropped)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for choke-induced drop")
	}
	select {
	case <-c.ChokeC:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for ChokeC")
	}
	if c.HasOutboundRequest(r) {
		t.Fatal("expected request cleared on choke without fast extension")
	}
}
