package swarmd

import (
	"context"
	"net"
	"time"

	"github.com/brkwd/swarmd/internal/dht"
	"github.com/brkwd/swarmd/internal/handshake"
	"github.com/brkwd/swarmd/internal/peerconn"
	"github.com/brkwd/swarmd/internal/resumer/boltdbresumer"
	intorrent "github.com/brkwd/swarmd/internal/torrent"
	"github.com/brkwd/swarmd/internal/tracker"
)

// announceInterval is the fixed announce period; the Interval a
// tracker reports in its AnnounceResponse is not used.
const announceInterval = 30 * time.Minute

// Torrent is the handle a Session hands back for one swarm: it pairs
// the event-loop engine (internal/torrent.Torrent) with the
// session-level concerns the engine itself doesn't know about —
// identity/ID, tracker announcing, DHT peer discovery and outbound
// dialing.
type Torrent struct {
	session   *Session
	torrent   *intorrent.Torrent
	id        string
	name      string
	trackers  []string
	dest      string
	port      uint16
	createdAt time.Time
	resumer   *boltdbresumer.Resumer
	removed   chan struct{}

	started  bool
	stopC    chan struct{}
	stoppedC chan struct{}
}

// ID returns the session-assigned identifier used with
// Session.GetTorrent/RemoveTorrent.
func (t *Torrent) ID() string { return t.id }

// Name returns the torrent's display name.
func (t *Torrent) Name() string { return t.name }

// InfoHash returns the torrent's v1/v2/hybrid identity.
func (t *Torrent) InfoHash() string { return t.torrent.InfoHash().String() }

// Port returns the port this torrent announces itself on.
func (t *Torrent) Port() uint16 { return t.port }

// Complete reports whether every wanted piece has been downloaded.
func (t *Torrent) Complete() bool { return t.torrent.Complete() }

// Start begins announcing to trackers/DHT for peers, persisting the
// started flag so a restart resumes automatically, the same contract
// as rain's Torrent.Start. The event loop itself is already running
// (started once by Session.newTorrent) whether or not the torrent has
// ever been Start-ed.
func (t *Torrent) Start() error {
	if t.started {
		return nil
	}
	t.started = true
	t.stopC = make(chan struct{})
	t.stoppedC = make(chan struct{})

	go t.announceLoop()

	if t.resumer != nil {
		return t.resumer.WriteStarted(true)
	}
	return nil
}

// Stop halts announcing but keeps the event loop and peer connections
// alive; the torrent stays registered with the session. Use
// Session.RemoveTorrent (which calls shutdown) to tear it down fully.
func (t *Torrent) Stop() {
	if !t.started {
		return
	}
	close(t.stopC)
	<-t.stoppedC
	t.started = false
	if t.resumer != nil {
		_ = t.resumer.WriteStarted(false)
	}
}

// shutdown stops announcing (if running) and closes the event loop
// for good; called by Session.Close/RemoveTorrent, never by Stop,
// since a Stop-ped torrent may still be restarted with Start.
func (t *Torrent) shutdown() {
	t.Stop()
	t.torrent.Close()
}

// addPeerConn starts the connection's read/write pump and registers
// it with the engine, the two steps peerconn.New's doc comment
// requires of every caller before a handshaken Conn does anything.
func (t *Torrent) addPeerConn(c *peerconn.Conn) {
	go c.Run(uint32(t.torrent.NumPieces()))
	t.torrent.AddPeer(c)
}

// announceLoop periodically announces to every tracker and, if DHT is
// enabled, announces once at start to the DHT swarm for this
// torrent's info-hash, dialing and registering whatever peers come
// back. Grounded on rain's session.go
// dispatch through trackerManager.Get/AnnounceWithBackoff, adapted
// from rain's single fire-and-forget per-torrent announce goroutine
// into a repeating loop since this package has no separate announcer
// type in the retrieval sample to adapt instead.
func (t *Torrent) announceLoop() {
	defer close(t.stoppedC)

	ih := t.torrent.InfoHash()
	dhtIH := dht.InfoHash(ih.V1())

	if t.session.config.DHTEnabled {
		_ = t.session.dhtNode.Announce(dhtIH, int(t.port), false)
	}

	t.runAnnounce(tracker.Started)
	defer t.runAnnounce(tracker.Stopped)

	ticker := time.NewTicker(announceInterval)
	defer ticker.Stop()
	for {
		select {
		case <-t.stopC:
			return
		case <-ticker.C:
			t.runAnnounce(tracker.None)
		case results := <-t.dhtResults():
			t.dialAll(resultsToAddrs(results, dhtIH))
		}
	}
}

// dhtResults returns the session's DHT result channel when enabled,
// or a nil channel (which blocks forever in a select) otherwise.
func (t *Torrent) dhtResults() <-chan map[dht.InfoHash][]*net.TCPAddr {
	if !t.session.config.DHTEnabled {
		return nil
	}
	return t.session.dhtNode.Results()
}

func resultsToAddrs(results map[dht.InfoHash][]*net.TCPAddr, ih dht.InfoHash) []*net.TCPAddr {
	return results[ih]
}

func (t *Torrent) runAnnounce(event tracker.Event) {
	req := tracker.Torrent{
		InfoHash:        t.torrent.InfoHash().V1(),
		PeerID:          t.session.peerID,
		Port:            int(t.port),
		BytesDownloaded: 0,
		BytesUploaded:   0,
		Event:           event,
		NumWant:         50,
	}
	ctx, cancel := context.WithTimeout(context.Background(), t.session.config.TrackerHTTPTimeout)
	defer cancel()
	for _, url := range t.trackers {
		tr, err := t.session.trackers.Get(url, t.session.config.TrackerHTTPTimeout, t.session.config.TrackerHTTPUserAgent)
		if err != nil {
			t.session.log.Warningln("cannot resolve tracker:", err)
			continue
		}
		resp, err := t.session.trackers.AnnounceWithBackoff(ctx, tr, req, func(err error) {
			t.session.log.Warningln("tracker announce failed:", err)
		})
		if err != nil {
			continue
		}
		addrs := make([]*net.TCPAddr, 0, len(resp.Peers))
		for _, p := range resp.Peers {
			addrs = append(addrs, &net.TCPAddr{IP: net.ParseIP(p.IP), Port: int(p.Port)})
		}
		t.dialAll(addrs)
	}
}

// dialAll attempts to connect to every candidate address concurrently
// and registers whichever handshakes succeed.
func (t *Torrent) dialAll(addrs []*net.TCPAddr) {
	for _, addr := range addrs {
		addr := addr
		go func() {
			if t.session.blocklist.Blocked(addr.IP) {
				return
			}
			c, err := handshake.Dial(addr.String(), t.torrent.InfoHash(), t.session.peerID, t.session.config.HandshakeTimeout, t.session.log)
			if err != nil {
				return
			}
			t.addPeerConn(c)
		}()
	}
}
