package peerprotocol

import (
	"io"

	"github.com/brkwd/swarmd/internal/errkind"
)

const protocolString = "BitTorrent protocol"

// Reserved-byte bit positions in the BEP-3 handshake.
const (
	reservedByteExtension = 5 // bit 0x10: BEP-10 extension protocol
	reservedByteFast      = 7 // bit 0x04: BEP-6 fast extension
	reservedByteDHT       = 7 // bit 0x01: DHT
)

// Handshake is the 68-byte fixed preamble exchanged before any
// length-prefixed message flows.
type Handshake struct {
	Reserved [8]byte
	InfoHash [20]byte
	PeerID   [20]byte
}

// NewHandshake builds a handshake advertising the given capabilities.
func NewHandshake(infoHash, peerID [20]byte, extension, fast, dht bool) *Handshake {
	h := &Handshake{InfoHash: infoHash, PeerID: peerID}
	if extension {
		h.Reserved[reservedByteExtension] |= 0x10
	}
	if fast {
		h.Reserved[reservedByteFast] |= 0x04
	}
	if dht {
		h.Reserved[reservedByteDHT] |= 0x01
	}
	return h
}

// SupportsExtension reports the BEP-10 extension-protocol bit.
func (h *Handshake) SupportsExtension() bool {
	return h.Reserved[reservedByteExtension]&0x10 != 0
}

// SupportsFast reports the BEP-6 fast-extension bit.
func (h *Handshake) SupportsFast() bool {
	return h.Reserved[reservedByteFast]&0x04 != 0
}

// SupportsDHT reports the DHT bit.
func (h *Handshake) SupportsDHT() bool {
	return h.Reserved[reservedByteDHT]&0x01 != 0
}

// Write serializes the handshake onto w.
func (h *Handshake) Write(w io.Writer) error {
	buf := make([]byte, 0, 68)
	buf = append(buf, byte(len(protocolString)))
	buf = append(buf, protocolString...)
	buf = append(buf, h.Reserved[:]...)
	buf = append(buf, h.InfoHash[:]...)
	buf = append(buf, h.PeerID[:]...)
	_, err := w.Write(buf)
	return err
}

// ReadHandshake parses the 68-byte handshake from r.
func ReadHandshake(r io.Reader) (*Handshake, error) {
	var pstrlen [1]byte
	if _, err := io.ReadFull(r, pstrlen[:]); err != nil {
		return nil, err
	}
	if pstrlen[0] != byte(len(protocolString)) {
		return nil, errkind.New(errkind.InvalidMessage)
	}
	pstr := make([]byte, pstrlen[0])
	if _, err := io.ReadFull(r, pstr); err != nil {
		return nil, err
	}
	if string(pstr) != protocolString {
		return nil, errkind.New(errkind.InvalidMessage)
	}
	var h Handshake
	if _, err := io.ReadFull(r, h.Reserved[:]); err != nil {
		return nil, err
	}
	if _, err := io.ReadFull(r, h.InfoHash[:]); err != nil {
		return nil, err
	}
	if _, err := io.ReadFull(r, h.PeerID[:]); err != nil {
		return nil, err
	}
	return &h, nil
}
