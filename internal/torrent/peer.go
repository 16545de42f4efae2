package torrent

import (
	"github.com/brkwd/swarmd/internal/bitfield"
	"github.com/brkwd/swarmd/internal/peerconn"
	"github.com/brkwd/swarmd/internal/peerprotocol"
)

// peerEvent is one decoded message from a single peer connection,
// tagged with its source so the central select loop (run.go) can
// process every peer's traffic through one channel instead of a
// select arm per connection per message type. Grounded on rain's
// session/run.go, which instead gives each message type its own
// torrent-wide fan-in channel populated by a forwarding goroutine per
// peer/message-type pair; folding them into one tagged event keeps
// the loop's select to a handful of cases regardless of peer count.
type peerEvent struct {
	peer *peerconn.Conn
	kind peerEventKind
	u32  uint32
	u32b uint32
	buf  []byte
	bf   *bitfield.Bitfield
	req  peerconn.Request
	ext  peerprotocol.ExtensionMessage
	err  error
}

type peerEventKind int

const (
	evPiece peerEventKind = iota
	evHave
	evBitfield
	evRequest
	evReject
	evCancel
	evChoke
	evUnchoke
	evInterested
	evNotInterested
	evSuggest
	evAllowedFast
	evHaveAll
	evHaveNone
	evDHTPort
	evExtension
	evError
	evClosed
)

// pumpPeer forwards every channel on c onto the torrent's shared
// events channel until c signals it's gone, tagging each with its
// source connection. It runs in its own goroutine per connection,
// mirroring rain's one-forwarder-per-channel pattern but collapsed to
// a single goroutine since the tagged event already disambiguates.
func pumpPeer(c *peerconn.Conn, out chan<- event) {
	for {
		select {
		case p := <-c.PieceC:
			out <- event{kind: evPeer, pe: &peerEvent{peer: c, kind: evPiece, u32: p.Piece, u32b: p.Begin, buf: p.Data}}
		case idx := <-c.HaveC:
			out <- event{kind: evPeer, pe: &peerEvent{peer: c, kind: evHave, u32: idx}}
		case bf := <-c.BitfieldC:
			out <- event{kind: evPeer, pe: &peerEvent{peer: c, kind: evBitfield, bf: bf}}
		case r := <-c.RequestC:
			out <- event{kind: evPeer, pe: &peerEvent{peer: c, kind: evRequest, req: r}}
		case r := <-c.RejectC:
			out <- event{kind: evPeer, pe: &peerEvent{peer: c, kind: evReject, req: r}}
		case r := <-c.CancelC:
			out <- event{kind: evPeer, pe: &peerEvent{peer: c, kind: evCancel, req: r}}
		case <-c.ChokeC:
			out <- event{kind: evPeer, pe: &peerEvent{peer: c, kind: evChoke}}
		case <-c.UnchokeC:
			out <- event{kind: evPeer, pe: &peerEvent{peer: c, kind: evUnchoke}}
		case <-c.InterestedC:
			out <- event{kind: evPeer, pe: &peerEvent{peer: c, kind: evInterested}}
		case <-c.NotInterestedC:
			out <- event{kind: evPeer, pe: &peerEvent{peer: c, kind: evNotInterested}}
		case idx := <-c.SuggestC:
			out <- event{kind: evPeer, pe: &peerEvent{peer: c, kind: evSuggest, u32: idx}}
		case idx := <-c.AllowedFastC:
			out <- event{kind: evPeer, pe: &peerEvent{peer: c, kind: evAllowedFast, u32: idx}}
		case <-c.HaveAllC:
			out <- event{kind: evPeer, pe: &peerEvent{peer: c, kind: evHaveAll}}
		case <-c.HaveNoneC:
			out <- event{kind: evPeer, pe: &peerEvent{peer: c, kind: evHaveNone}}
		case port := <-c.DHTPortC:
			out <- event{kind: evPeer, pe: &peerEvent{peer: c, kind: evDHTPort, u32: uint32(port)}}
		case m := <-c.ExtensionC:
			out <- event{kind: evPeer, pe: &peerEvent{peer: c, kind: evExtension, ext: m}}
		case err := <-c.ErrC:
			out <- event{kind: evPeer, pe: &peerEvent{peer: c, kind: evError, err: err}}
			return
		}
	}
}
