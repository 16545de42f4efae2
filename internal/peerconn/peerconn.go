// Package peerconn drives a single peer connection through
// Connecting -> Handshaking -> Active -> Closing, gating requests on
// the four-way choke/interest product state and tracking BEP-6
// fast-extension allowances. It follows rain's per-connection
// goroutine shape: one reader loop, one writer loop, state owned
// entirely by Run's select so no locking is needed while Active.
package peerconn

import (
	"net"
	"time"

	"github.com/willf/bitset"

	"github.com/brkwd/swarmd/internal/bitfield"
	"github.com/brkwd/swarmd/internal/logger"
	"github.com/brkwd/swarmd/internal/peerprotocol"
)

// State is the connection's coarse lifecycle stage.
type State int

const (
	Connecting State = iota
	Handshaking
	Active
	Closing
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Handshaking:
		return "handshaking"
	case Active:
		return "active"
	case Closing:
		return "closing"
	default:
		return "unknown"
	}
}

// Request mirrors peerprotocol.RequestMessage for use in the
// outbound/inbound queues without importing wire-framing details into
// callers.
type Request struct {
	Piece, Begin, Length uint32
}

// ReceivedPiece is a completed block delivery handed to the torrent.
type ReceivedPiece struct {
	Piece, Begin uint32
	Data         []byte
}

// Conn is a single peer connection. Exported channels carry decoded
// events to the owning torrent's event loop; nothing here blocks on
// disk or the picker.
type Conn struct {
	conn net.Conn
	id   [20]byte
	log  logger.Logger

	FastExtension     bool
	ExtensionProtocol bool

	state State

	// choke/interest product state, one flag per direction.
	amChoking      bool
	amInterested   bool
	peerChoking    bool
	peerInterested bool

	// BEP-6 allowed-fast pieces the remote seed has committed to
	// serving us even while choked, and pieces the peer has
	// suggested (BEP-6 suggest_piece) — both sparse, piece-index-keyed
	// sets over what may be a million-piece torrent, so a bitset
	// rather than a byte-addressable bitfield or per-index map.
	allowedFastFromPeer *bitset.BitSet
	suggestedByPeer      *bitset.BitSet

	bitfieldReceived bool
	haveAllNoneSent  bool

	outbound map[Request]bool // requests we sent, awaiting a piece or reject
	inbound  map[Request]bool // requests the peer sent, awaiting our piece or reject

	PieceC    chan ReceivedPiece
	HaveC     chan uint32
	BitfieldC chan *bitfield.Bitfield
	RequestC  chan Request
	RejectC   chan Request
	CancelC   chan Request
	ChokeC    chan struct{}
	UnchokeC  chan struct{}
	InterestedC    chan struct{}
	NotInterestedC chan struct{}
	SuggestC  chan uint32
	AllowedFastC chan uint32
	HaveAllC  chan struct{}
	HaveNoneC chan struct{}
	ExtensionC chan peerprotocol.ExtensionMessage
	DHTPortC  chan uint16

	ErrC    chan error
	closeC  chan struct{}
	closedC chan struct{}
	writeC  chan outMsg
}

// New wraps an already-handshaken net.Conn. The handshake itself is
// performed by the caller (session/torrent, which knows the
// info-hash and our peer ID); Conn begins in the Active state with
// the standard choking defaults — both sides start choked and
// uninterested.
func New(conn net.Conn, id [20]byte, fastExtension, extensionProtocol bool, l logger.Logger) *Conn {
	return &Conn{
		conn:                conn,
		id:                  id,
		log:                 l,
		FastExtension:       fastExtension,
		ExtensionProtocol:   extensionProtocol,
		state:               Active,
		amChoking:           true,
		peerChoking:         true,
		allowedFastFromPeer: bitset.New(0),
		suggestedByPeer:     bitset.New(0),
		outbound:            make(map[Request]bool),
		inbound:             make(map[Request]bool),
		PieceC:              make(chan ReceivedPiece),
		HaveC:               make(chan uint32),
		BitfieldC:           make(chan *bitfield.Bitfield),
		RequestC:            make(chan Request),
		RejectC:             make(chan Request),
		CancelC:             make(chan Request),
		ChokeC:              make(chan struct{}),
		UnchokeC:            make(chan struct{}),
		InterestedC:         make(chan struct{}),
		NotInterestedC:      make(chan struct{}),
		SuggestC:            make(chan uint32),
		AllowedFastC:        make(chan uint32),
		HaveAllC:            make(chan struct{}),
		HaveNoneC:           make(chan struct{}),
		ExtensionC:          make(chan peerprotocol.ExtensionMessage),
		DHTPortC:            make(chan uint16),
		ErrC:                make(chan error, 1),
		closeC:              make(chan struct{}),
		closedC:             make(chan struct{}),
		writeC:              make(chan outMsg, 64),
	}
}

func (c *Conn) ID() [20]byte        { return c.id }
func (c *Conn) State() State        { return c.state }
func (c *Conn) AmChoking() bool     { return c.amChoking }
func (c *Conn) AmInterested() bool  { return c.amInterested }
func (c *Conn) PeerChoking() bool   { return c.peerChoking }
func (c *Conn) PeerInterested() bool { return c.peerInterested }
func (c *Conn) String() string      { return c.conn.RemoteAddr().String() }

// RemoteAddr returns the underlying connection's remote address, e.g.
// for attributing a ban to the peer's IP.
func (c *Conn) RemoteAddr() net.Addr { return c.conn.RemoteAddr() }

// Close tears down the connection; outstanding requests should be
// re-queued by the caller (via the picker's AbortDownload) before the
// resulting PeerGone event becomes visible, so the picker never sees a
// gone peer still holding requests.
func (c *Conn) Close() {
	c.state = Closing
	select {
	case <-c.closeC:
	default:
		close(c.closeC)
	}
	<-c.closedC
}

// CanRequest reports whether we are currently allowed to send a new
// request for pieceIdx: an unchoked, interested connection may always
// request; a choked fast-extension connection may still request
// pieces the peer put in its allowed-fast set.
func (c *Conn) CanRequest(pieceIdx uint32) bool {
	if !c.peerChoking {
		return c.amInterested
	}
	return c.FastExtension && c.allowedFastFromPeer.Test(uint(pieceIdx))
}

// NumOutstandingRequests returns the size of our outbound queue.
func (c *Conn) NumOutstandingRequests() int { return len(c.outbound) }

// AddOutboundRequest records a request we are about to send.
func (c *Conn) AddOutboundRequest(r Request) { c.outbound[r] = true }

// RemoveOutboundRequest clears a request from our outbound queue,
// e.g. on piece delivery, reject, or cancel.
func (c *Conn) RemoveOutboundRequest(r Request) { delete(c.outbound, r) }

// HasOutboundRequest reports whether r is currently outstanding.
func (c *Conn) HasOutboundRequest(r Request) bool { return c.outbound[r] }

// AllOutboundRequests returns every currently outstanding request,
// e.g. to re-queue them via the picker on disconnect.
func (c *Conn) AllOutboundRequests() []Request {
	out := make([]Request, 0, len(c.outbound))
	for r := range c.outbound {
		out = append(out, r)
	}
	return out
}

// SetAllowedFast records a piece the remote seed will serve us while
// choked.
func (c *Conn) SetAllowedFast(pieceIdx uint32) {
	c.allowedFastFromPeer.Set(uint(pieceIdx))
}

// SetSuggested records a piece the peer suggested via suggest_piece.
func (c *Conn) SetSuggested(pieceIdx uint32) {
	c.suggestedByPeer.Set(uint(pieceIdx))
}

// IsSuggested reports whether the peer has suggested pieceIdx.
func (c *Conn) IsSuggested(pieceIdx uint32) bool {
	return c.suggestedByPeer.Test(uint(pieceIdx))
}

// SetChoking updates our choke state toward the peer.
func (c *Conn) SetChoking(choking bool) { c.amChoking = choking }

// SetInterested updates our interest toward the peer.
func (c *Conn) SetInterested(interested bool) { c.amInterested = interested }

// applyPeerChoke/applyPeerInterest update state from received
// choke/unchoke/interested/not_interested messages, returning the
// requests that must be abandoned (choke discards our whole outbound
// queue unless fast-extension allowed-fast covers them).
func (c *Conn) applyPeerChoke() []Request {
	c.peerChoking = true
	if c.FastExtension {
		var dropped []Request
		for r := range c.outbound {
			if !c.allowedFastFromPeer.Test(uint(r.Piece)) {
				dropped = append(dropped, r)
				delete(c.outbound, r)
			}
		}
		return dropped
	}
	dropped := c.AllOutboundRequests()
	c.outbound = make(map[Request]bool)
	return dropped
}

func (c *Conn) applyPeerUnchoke() { c.peerChoking = false }

func (c *Conn) applyPeerInterested()    { c.peerInterested = true }
func (c *Conn) applyPeerNotInterested() { c.peerInterested = false; c.inbound = make(map[Request]bool) }

// HandshakeTimeout bounds TCP connect to completion of the
// post-handshake sequence.
const HandshakeTimeout = 10 * time.Second

// RequestTimeout is how long an outstanding request may go without a
// byte arriving before the block is aborted and the peer snubbed.
const RequestTimeout = 60 * time.Second
