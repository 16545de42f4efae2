// Package handshake dials and accepts BitTorrent connections: it
// performs the 68-byte BEP-3 preamble (self-connection and
// info-hash checks) and hands back a ready-to-run *peerconn.Conn.
// Grounded on rain's internal/btconn (dialing/accepting support,
// the errInvalidInfoHash/ErrOwnConnection sentinel pair), generalized
// to accept/advertise an infohash.T (v1/v2/hybrid) instead of rain's
// plain [20]byte, and to negotiate BEP-6/BEP-10 capability bits this
// repo's peerprotocol.Handshake carries that rain predates.
package handshake

import (
	"net"
	"time"

	"github.com/brkwd/swarmd/internal/errkind"
	"github.com/brkwd/swarmd/internal/infohash"
	"github.com/brkwd/swarmd/internal/logger"
	"github.com/brkwd/swarmd/internal/peerconn"
	"github.com/brkwd/swarmd/internal/peerprotocol"
)

// Dial opens an outbound connection to addr, completes the handshake
// for ih, and returns a Conn ready for Run. ownID is compared against
// the peer's advertised ID to drop accidental self-connections, the
// same check rain's btconn performs before ErrOwnConnection.
func Dial(addr string, ih infohash.T, ownID [20]byte, timeout time.Duration, l logger.Logger) (*peerconn.Conn, error) {
	nc, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return nil, err
	}
	c, err := negotiate(nc, ih, ownID, l)
	if err != nil {
		nc.Close()
		return nil, err
	}
	return c, nil
}

// Accept completes the handshake on an already-accepted inbound
// connection. lookupInfoHash resolves the peer-advertised info-hash
// (v1 bytes) to a known torrent's infohash.T, returning ok=false for
// an unknown torrent (errkind.UnknownTorrent).
func Accept(nc net.Conn, ownID [20]byte, lookupInfoHash func([20]byte) (infohash.T, bool), l logger.Logger) (*peerconn.Conn, infohash.T, error) {
	hs, err := peerprotocol.ReadHandshake(nc)
	if err != nil {
		return nil, infohash.T{}, err
	}
	ih, ok := lookupInfoHash(hs.InfoHash)
	if !ok {
		return nil, infohash.T{}, errkind.New(errkind.UnknownTorrent)
	}
	if hs.PeerID == ownID {
		return nil, infohash.T{}, errkind.New(errkind.SelfConnection)
	}
	reply := peerprotocol.NewHandshake(hs.InfoHash, ownID, hs.SupportsExtension(), hs.SupportsFast(), hs.SupportsDHT())
	if err := reply.Write(nc); err != nil {
		return nil, infohash.T{}, err
	}
	return peerconn.New(nc, hs.PeerID, hs.SupportsFast(), hs.SupportsExtension(), l), ih, nil
}

func negotiate(nc net.Conn, ih infohash.T, ownID [20]byte, l logger.Logger) (*peerconn.Conn, error) {
	out := peerprotocol.NewHandshake(ih.V1(), ownID, true, true, true)
	if err := out.Write(nc); err != nil {
		return nil, err
	}
	in, err := peerprotocol.ReadHandshake(nc)
	if err != nil {
		return nil, err
	}
	if in.InfoHash != ih.V1() {
		return nil, errkind.New(errkind.InvalidInfoHash)
	}
	if in.PeerID == ownID {
		return nil, errkind.New(errkind.SelfConnection)
	}
	return peerconn.New(nc, in.PeerID, in.SupportsFast() && out.SupportsFast(), in.SupportsExtension() && out.SupportsExtension(), l), nil
}
