// Package peerprotocol implements the BEP-3 wire protocol plus the
// BEP-6 Fast Extension message set: framing, the 68-byte handshake
// with reserved-bit capability signaling, and the allowed-fast set
// computation.
package peerprotocol

import (
	"encoding/binary"
	"io"

	"github.com/brkwd/swarmd/internal/errkind"
)

// ID is the single-byte message identifier following the length prefix.
type ID byte

const (
	Choke         ID = 0
	Unchoke       ID = 1
	Interested    ID = 2
	NotInterested ID = 3
	Have          ID = 4
	Bitfield      ID = 5
	Request       ID = 6
	Piece         ID = 7
	Cancel        ID = 8
	DHTPort       ID = 9
	SuggestPiece  ID = 13
	HaveAll       ID = 14
	HaveNone      ID = 15
	RejectRequest ID = 16
	AllowedFast   ID = 17
	Extension     ID = 20
)

// maxMessageLength bounds the length prefix against memory-exhaustion
// from a hostile peer (largest legitimate payload is a `piece` message
// carrying roughly one block).
const maxMessageLength = 1 << 20

// RequestMessage, CancelMessage and RejectMessage share the same
// (piece, begin, length) shape; HaveMessage carries only the index.
type HaveMessage struct{ Index uint32 }
type PieceIndexMessage struct{ Index uint32 } // suggest_piece, allowed_fast
type RequestMessage struct {
	Index  uint32
	Begin  uint32
	Length uint32
}
type CancelMessage RequestMessage
type RejectMessage RequestMessage

type PieceMessage struct {
	Index uint32
	Begin uint32
	// Length is implied by the frame length minus the 9-byte header;
	// callers read that many bytes as the block payload separately.
	Length uint32
}

type BitfieldMessage struct{ Data []byte }

type DHTPortMessage struct{ Port uint16 }

type ExtensionMessage struct {
	SubID   uint8
	Payload []byte // bencoded
}

// WriteMessage frames id and body (already-serialized, excluding the
// length prefix and id byte) onto w.
func WriteMessage(w io.Writer, id ID, body []byte) error {
	length := uint32(1 + len(body))
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], length)
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	if _, err := w.Write([]byte{byte(id)}); err != nil {
		return err
	}
	if len(body) > 0 {
		if _, err := w.Write(body); err != nil {
			return err
		}
	}
	return nil
}

// WriteKeepalive writes a zero-length keepalive frame.
func WriteKeepalive(w io.Writer) error {
	var lenBuf [4]byte
	_, err := w.Write(lenBuf[:])
	return err
}

// ReadMessageHeader reads the length prefix and, if non-zero, the
// message ID, returning (id, payloadLength, isKeepalive, err).
func ReadMessageHeader(r io.Reader) (id ID, payloadLength uint32, keepalive bool, err error) {
	var lenBuf [4]byte
	if _, err = io.ReadFull(r, lenBuf[:]); err != nil {
		return 0, 0, false, err
	}
	length := binary.BigEndian.Uint32(lenBuf[:])
	if length == 0 {
		return 0, 0, true, nil
	}
	if length > maxMessageLength {
		return 0, 0, false, errkind.New(errkind.InvalidMessage)
	}
	var idBuf [1]byte
	if _, err = io.ReadFull(r, idBuf[:]); err != nil {
		return 0, 0, false, err
	}
	return ID(idBuf[0]), length - 1, false, nil
}

func encodeU32(n uint32) []byte {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], n)
	return b[:]
}

func decodeU32(b []byte) uint32 { return binary.BigEndian.Uint32(b) }

// EncodeHave serializes a have message body.
func EncodeHave(m HaveMessage) []byte { return encodeU32(m.Index) }

// DecodeHave parses a have message body.
func DecodeHave(body []byte) (HaveMessage, error) {
	if len(body) != 4 {
		return HaveMessage{}, errkind.New(errkind.InvalidMessage)
	}
	return HaveMessage{Index: decodeU32(body)}, nil
}

// EncodePieceIndex serializes a suggest_piece/allowed_fast body.
func EncodePieceIndex(m PieceIndexMessage) []byte { return encodeU32(m.Index) }

// DecodePieceIndex parses a suggest_piece/allowed_fast body.
func DecodePieceIndex(body []byte) (PieceIndexMessage, error) {
	if len(body) != 4 {
		return PieceIndexMessage{}, errkind.New(errkind.InvalidMessage)
	}
	return PieceIndexMessage{Index: decodeU32(body)}, nil
}

// EncodeRequest serializes a request/cancel/reject body (all three
// share the (index, begin, length) shape).
func EncodeRequest(m RequestMessage) []byte {
	b := make([]byte, 12)
	binary.BigEndian.PutUint32(b[0:4], m.Index)
	binary.BigEndian.PutUint32(b[4:8], m.Begin)
	binary.BigEndian.PutUint32(b[8:12], m.Length)
	return b
}

// DecodeRequest parses a request/cancel/reject body.
func DecodeRequest(body []byte) (RequestMessage, error) {
	if len(body) != 12 {
		return RequestMessage{}, errkind.New(errkind.InvalidMessage)
	}
	return RequestMessage{
		Index:  decodeU32(body[0:4]),
		Begin:  decodeU32(body[4:8]),
		Length: decodeU32(body[8:12]),
	}, nil
}

// EncodePieceHeader serializes the 8-byte (index, begin) header of a
// piece message; the block payload follows separately on the wire.
func EncodePieceHeader(m PieceMessage) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint32(b[0:4], m.Index)
	binary.BigEndian.PutUint32(b[4:8], m.Begin)
	return b
}

// DecodePieceHeader parses the 8-byte piece-message header; the
// caller reads the remaining `payloadLength - 8` bytes as block data.
func DecodePieceHeader(header []byte) (PieceMessage, error) {
	if len(header) != 8 {
		return PieceMessage{}, errkind.New(errkind.InvalidMessage)
	}
	return PieceMessage{Index: decodeU32(header[0:4]), Begin: decodeU32(header[4:8])}, nil
}

// EncodeDHTPort serializes a dht_port body.
func EncodeDHTPort(m DHTPortMessage) []byte {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], m.Port)
	return b[:]
}

// DecodeDHTPort parses a dht_port body.
func DecodeDHTPort(body []byte) (DHTPortMessage, error) {
	if len(body) != 2 {
		return DHTPortMessage{}, errkind.New(errkind.InvalidMessage)
	}
	return DHTPortMessage{Port: binary.BigEndian.Uint16(body)}, nil
}

// EncodeExtension serializes an extension-protocol message body.
func EncodeExtension(m ExtensionMessage) []byte {
	b := make([]byte, 1+len(m.Payload))
	b[0] = m.SubID
	copy(b[1:], m.Payload)
	return b
}

// DecodeExtension parses an extension-protocol message body.
func DecodeExtension(body []byte) (ExtensionMessage, error) {
	if len(body) < 1 {
		return ExtensionMessage{}, errkind.New(errkind.InvalidMessage)
	}
	payload := make([]byte, len(body)-1)
	copy(payload, body[1:])
	return ExtensionMessage{SubID: body[0], Payload: payload}, nil
}
