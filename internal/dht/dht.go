// Package dht specifies the contract the Kademlia DHT implementation
// fulfils: the DHT is an external collaborator whose contract is
// specified here, not its internals. Grounded on rain's
// session.go usage of github.com/nictuku/dht (dht.New, dhtNode.Start,
// dhtNode.PeersRequest, the dhtNode.PeersRequestResults channel),
// generalized into an interface so the engine does not depend on one
// concrete DHT library.
package dht

import "net"

// InfoHash is the 20-byte v1 info-hash a DHT announce/lookup keys on;
// v2-only and hybrid torrents still announce under their v1 (or a
// truncated v2) identity since BEP-5 predates BEP-52.
type InfoHash [20]byte

// Node is the contract a Kademlia implementation fulfils.
type Node interface {
	// Start begins routing-table maintenance and request servicing.
	Start() error
	// Stop tears the node down, releasing its socket.
	Stop()
	// Announce registers this node as a peer for ih on port, and (if
	// impliedPort is false) also performs a get_peers lookup whose results
	// arrive on Results().
	Announce(ih InfoHash, port int, impliedPort bool) error
	// Results delivers get_peers lookup results keyed by info-hash.
	Results() <-chan map[InfoHash][]*net.TCPAddr
}

// NopNode is a Node that does nothing, used when DHT is disabled in
// configuration or the torrent is private — private torrents never
// announce to the DHT.
type NopNode struct{}

func (NopNode) Start() error                               { return nil }
func (NopNode) Stop()                                       {}
func (NopNode) Announce(InfoHash, int, bool) error          { return nil }
func (NopNode) Results() <-chan map[InfoHash][]*net.TCPAddr { return nil }
