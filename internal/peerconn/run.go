package peerconn

import (
	"io"

	"github.com/brkwd/swarmd/internal/bitfield"
	"github.com/brkwd/swarmd/internal/errkind"
	"github.com/brkwd/swarmd/internal/peerprotocol"
)

type outMsg struct {
	id   peerprotocol.ID
	body []byte
}

// Run starts the reader and writer goroutines and processes incoming
// messages until the connection closes. numPieces is needed to bound
// piece/have indices against protocol errors. Run blocks until the
// connection is torn down, either via Close or a read/write error.
func (c *Conn) Run(numPieces uint32) {
	defer close(c.closedC)

	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		c.readLoop(numPieces)
	}()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		c.writeLoop()
	}()

	select {
	case <-c.closeC:
		c.conn.Close()
		<-readerDone
		<-writerDone
	case <-readerDone:
		c.conn.Close()
		<-writerDone
	case <-writerDone:
		c.conn.Close()
		<-readerDone
	}
}

func (c *Conn) writeLoop() {
	for {
		select {
		case m := <-c.writeC:
			if err := peerprotocol.WriteMessage(c.conn, m.id, m.body); err != nil {
				select {
				case c.ErrC <- err:
				default:
				}
				return
			}
		case <-c.closeC:
			return
		}
	}
}

// send enqueues a message for the writer goroutine. Safe to call from
// the owning torrent's event loop only (single-writer per connection).
func (c *Conn) send(id peerprotocol.ID, body []byte) {
	select {
	case c.writeC <- outMsg{id: id, body: body}:
	case <-c.closeC:
	}
}

func (c *Conn) readLoop(numPieces uint32) {
	for {
		id, length, keepalive, err := peerprotocol.ReadMessageHeader(c.conn)
		if err != nil {
			select {
			case c.ErrC <- err:
			default:
			}
			return
		}
		if keepalive {
			continue
		}
		if err := c.dispatch(id, length, numPieces); err != nil {
			select {
			case c.ErrC <- err:
			default:
			}
			return
		}
	}
}

func (c *Conn) dispatch(id peerprotocol.ID, length uint32, numPieces uint32) error {
	switch id {
	case peerprotocol.Choke:
		dropped := c.applyPeerChoke()
		for _, r := range dropped {
			select {
			case c.RejectC <- r:
			case <-c.closeC:
				return nil
			}
		}
		select {
		case c.ChokeC <- struct{}{}:
		case <-c.closeC:
		}
	case peerprotocol.Unchoke:
		c.applyPeerUnchoke()
		select {
		case c.UnchokeC <- struct{}{}:
		case <-c.closeC:
		}
	case peerprotocol.Interested:
		c.applyPeerInterested()
		select {
		case c.InterestedC <- struct{}{}:
		case <-c.closeC:
		}
	case peerprotocol.NotInterested:
		c.applyPeerNotInterested()
		select {
		case c.NotInterestedC <- struct{}{}:
		case <-c.closeC:
		}
	case peerprotocol.Have:
		body, err := readBody(c.conn, length)
		if err != nil {
			return err
		}
		m, err := peerprotocol.DecodeHave(body)
		if err != nil {
			return err
		}
		if m.Index >= numPieces {
			return errkind.New(errkind.InvalidMessage)
		}
		select {
		case c.HaveC <- m.Index:
		case <-c.closeC:
		}
	case peerprotocol.Bitfield:
		body, err := readBody(c.conn, length)
		if err != nil {
			return err
		}
		if c.bitfieldReceived {
			return errkind.New(errkind.DuplicateBitfield)
		}
		c.bitfieldReceived = true
		bf, err := bitfield.NewBytes(body, numPieces)
		if err != nil {
			return errkind.New(errkind.InvalidMessage)
		}
		select {
		case c.BitfieldC <- bf:
		case <-c.closeC:
		}
	case peerprotocol.HaveAll:
		if c.bitfieldReceived {
			return errkind.New(errkind.InvalidHaveAll)
		}
		c.bitfieldReceived = true
		select {
		case c.HaveAllC <- struct{}{}:
		case <-c.closeC:
		}
	case peerprotocol.HaveNone:
		if c.bitfieldReceived {
			return errkind.New(errkind.InvalidHaveAll)
		}
		c.bitfieldReceived = true
		select {
		case c.HaveNoneC <- struct{}{}:
		case <-c.closeC:
		}
	case peerprotocol.Request:
		body, err := readBody(c.conn, length)
		if err != nil {
			return err
		}
		m, err := peerprotocol.DecodeRequest(body)
		if err != nil {
			return err
		}
		r := Request{Piece: m.Index, Begin: m.Begin, Length: m.Length}
		c.inbound[r] = true
		select {
		case c.RequestC <- r:
		case <-c.closeC:
		}
	case peerprotocol.Cancel:
		body, err := readBody(c.conn, length)
		if err != nil {
			return err
		}
		m, err := peerprotocol.DecodeRequest(body)
		if err != nil {
			return err
		}
		r := Request{Piece: m.Index, Begin: m.Begin, Length: m.Length}
		delete(c.inbound, r)
		select {
		case c.CancelC <- r:
		case <-c.closeC:
		}
	case peerprotocol.Piece:
		if length < 8 {
			return errkind.New(errkind.InvalidMessage)
		}
		header := make([]byte, 8)
		if _, err := io.ReadFull(c.conn, header); err != nil {
			return err
		}
		m, err := peerprotocol.DecodePieceHeader(header)
		if err != nil {
			return err
		}
		data := make([]byte, length-8)
		if _, err := io.ReadFull(c.conn, data); err != nil {
			return err
		}
		r := Request{Piece: m.Index, Begin: m.Begin, Length: uint32(len(data))}
		if !c.outbound[r] {
			// Tolerated: block delivered after an in-flight cancel
			// (the peer was mid-transmit). Still deliver to disk.
			c.log.Debugln("received unrequested piece, delivering anyway", r)
		}
		delete(c.outbound, r)
		select {
		case c.PieceC <- ReceivedPiece{Piece: m.Index, Begin: m.Begin, Data: data}:
		case <-c.closeC:
		}
	case peerprotocol.RejectRequest:
		body, err := readBody(c.conn, length)
		if err != nil {
			return err
		}
		m, err := peerprotocol.DecodeRequest(body)
		if err != nil {
			return err
		}
		r := Request{Piece: m.Index, Begin: m.Begin, Length: m.Length}
		if !c.outbound[r] {
			return errkind.New(errkind.InvalidReject)
		}
		delete(c.outbound, r)
		select {
		case c.RejectC <- r:
		case <-c.closeC:
		}
	case peerprotocol.SuggestPiece:
		body, err := readBody(c.conn, length)
		if err != nil {
			return err
		}
		m, err := peerprotocol.DecodePieceIndex(body)
		if err != nil {
			return err
		}
		c.SetSuggested(m.Index)
		select {
		case c.SuggestC <- m.Index:
		case <-c.closeC:
		}
	case peerprotocol.AllowedFast:
		body, err := readBody(c.conn, length)
		if err != nil {
			return err
		}
		m, err := peerprotocol.DecodePieceIndex(body)
		if err != nil {
			return err
		}
		c.SetAllowedFast(m.Index)
		select {
		case c.AllowedFastC <- m.Index:
		case <-c.closeC:
		}
	case peerprotocol.DHTPort:
		body, err := readBody(c.conn, length)
		if err != nil {
			return err
		}
		m, err := peerprotocol.DecodeDHTPort(body)
		if err != nil {
			return err
		}
		select {
		case c.DHTPortC <- m.Port:
		case <-c.closeC:
		}
	case peerprotocol.Extension:
		body, err := readBody(c.conn, length)
		if err != nil {
			return err
		}
		m, err := peerprotocol.DecodeExtension(body)
		if err != nil {
			return err
		}
		select {
		case c.ExtensionC <- m:
		case <-c.closeC:
		}
	default:
		// Unknown message IDs are ignored rather than treated as
		// fatal, matching common BitTorrent client tolerance for
		// forward-compatible extensions.
		_, err := readBody(c.conn, length)
		return err
	}
	return nil
}

func readBody(r io.Reader, length uint32) ([]byte, error) {
	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}
	return body, nil
}

// SendChoke/SendUnchoke/SendInterested/SendNotInterested update our
// own choke/interest state and notify the peer.
func (c *Conn) SendChoke() {
	c.amChoking = true
	c.send(peerprotocol.Choke, nil)
}

func (c *Conn) SendUnchoke() {
	c.amChoking = false
	c.send(peerprotocol.Unchoke, nil)
}

func (c *Conn) SendInterested() {
	c.amInterested = true
	c.send(peerprotocol.Interested, nil)
}

func (c *Conn) SendNotInterested() {
	c.amInterested = false
	c.send(peerprotocol.NotInterested, nil)
}

// SendHave notifies the peer we've completed a piece.
func (c *Conn) SendHave(pieceIdx uint32) {
	c.send(peerprotocol.Have, peerprotocol.EncodeHave(peerprotocol.HaveMessage{Index: pieceIdx}))
}

// SendBitfield sends our full possession bitfield.
func (c *Conn) SendBitfield(bf *bitfield.Bitfield) {
	c.send(peerprotocol.Bitfield, bf.Bytes())
}

// SendHaveAll/SendHaveNone are the BEP-6 bitfield-replacement messages
// sent when fast extension is mutually negotiated and we have
// everything or nothing, respectively.
func (c *Conn) SendHaveAll()  { c.send(peerprotocol.HaveAll, nil) }
func (c *Conn) SendHaveNone() { c.send(peerprotocol.HaveNone, nil) }

// SendRequest issues an outbound block request and records it in our
// outbound queue.
func (c *Conn) SendRequest(r Request) {
	c.AddOutboundRequest(r)
	c.send(peerprotocol.Request, peerprotocol.EncodeRequest(peerprotocol.RequestMessage{
		Index: r.Piece, Begin: r.Begin, Length: r.Length,
	}))
}

// SendCancel cancels a previously-sent request.
func (c *Conn) SendCancel(r Request) {
	c.RemoveOutboundRequest(r)
	c.send(peerprotocol.Cancel, peerprotocol.EncodeRequest(peerprotocol.RequestMessage{
		Index: r.Piece, Begin: r.Begin, Length: r.Length,
	}))
}

// SendPiece answers an inbound request with block data. data should
// already exclude the 8-byte (index, begin) header, which is
// serialized here.
func (c *Conn) SendPiece(pieceIdx, begin uint32, data []byte) {
	delete(c.inbound, Request{Piece: pieceIdx, Begin: begin, Length: uint32(len(data))})
	body := append(peerprotocol.EncodePieceHeader(peerprotocol.PieceMessage{Index: pieceIdx, Begin: begin}), data...)
	c.send(peerprotocol.Piece, body)
}

// SendReject declines an inbound request (BEP-6: required when choked
// and the request isn't in our allowed-fast set).
func (c *Conn) SendReject(r Request) {
	delete(c.inbound, r)
	c.send(peerprotocol.RejectRequest, peerprotocol.EncodeRequest(peerprotocol.RequestMessage{
		Index: r.Piece, Begin: r.Begin, Length: r.Length,
	}))
}

// SendSuggest sends a BEP-6 suggest_piece hint.
func (c *Conn) SendSuggest(pieceIdx uint32) {
	c.send(peerprotocol.SuggestPiece, peerprotocol.EncodePieceIndex(peerprotocol.PieceIndexMessage{Index: pieceIdx}))
}

// SendAllowedFast advertises a piece we'll serve this peer even while
// choked.
func (c *Conn) SendAllowedFast(pieceIdx uint32) {
	c.send(peerprotocol.AllowedFast, peerprotocol.EncodePieceIndex(peerprotocol.PieceIndexMessage{Index: pieceIdx}))
}

// SendExtension sends a BEP-10 extension-protocol message.
func (c *Conn) SendExtension(m peerprotocol.ExtensionMessage) {
	c.send(peerprotocol.Extension, peerprotocol.EncodeExtension(m))
}

// SendDHTPort advertises our DHT node's UDP port.
func (c *Conn) SendDHTPort(port uint16) {
	c.send(peerprotocol.DHTPort, peerprotocol.EncodeDHTPort(peerprotocol.DHTPortMessage{Port: port}))
}
