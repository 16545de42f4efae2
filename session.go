package swarmd

import (
	"encoding/base64"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	bolt "go.etcd.io/bbolt"

	"github.com/brkwd/swarmd/internal/blocklist"
	"github.com/brkwd/swarmd/internal/dht"
	"github.com/brkwd/swarmd/internal/handshake"
	"github.com/brkwd/swarmd/internal/infohash"
	"github.com/brkwd/swarmd/internal/logger"
	"github.com/brkwd/swarmd/internal/magnet"
	"github.com/brkwd/swarmd/internal/metainfo"
	"github.com/brkwd/swarmd/internal/resumer"
	"github.com/brkwd/swarmd/internal/resumer/boltdbresumer"
	"github.com/brkwd/swarmd/internal/storage"
	intorrent "github.com/brkwd/swarmd/internal/torrent"
	"github.com/brkwd/swarmd/internal/trackermanager"
)

// peerBanDuration is the bounded backoff applied to an endpoint banned
// for smart-ban/hash-fail attribution or a protocol violation; it
// expires rather than blocking the IP permanently.
const peerBanDuration = 1 * time.Hour

var (
	sessionBucket  = []byte("session")
	torrentsBucket = []byte("torrents")
)

// Session owns every torrent this process participates in: the
// shared resume database, peer ID, listening socket, tracker/DHT
// collaborators and port pool. Grounded on rain's session.Session.
type Session struct {
	config    Config
	db        *bolt.DB
	log       logger.Logger
	peerID    [20]byte
	blocklist *blocklist.Blocklist
	trackers  *trackermanager.Manager
	dhtNode   dht.Node
	listener  net.Listener
	closeC    chan struct{}
	wg        sync.WaitGroup

	m                  sync.RWMutex
	torrents           map[string]*Torrent
	torrentsByInfoHash map[infohash.T][]*Torrent

	mPorts         sync.Mutex
	availablePorts map[uint16]struct{}
}

// New opens (or creates) the resume database at cfg.Database, starts
// the peer listener and reloads every torrent the database already
// knows about, the same sequence as rain's session.New. It starts no
// DHT node: the DHT stays the no-op NopNode until SetDHTNode installs
// one.
func New(cfg Config) (*Session, error) {
	if cfg.PortBegin >= cfg.PortEnd {
		return nil, errors.New("swarmd: invalid port range")
	}
	if err := cfg.expandPaths(); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Database), 0o750); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.DataDir, 0o750); err != nil {
		return nil, err
	}

	l := logger.New("session")
	db, err := bolt.Open(cfg.Database, 0o640, &bolt.Options{Timeout: time.Second})
	if err == bolt.ErrTimeout {
		return nil, errors.New("swarmd: resume database is locked by another process")
	} else if err != nil {
		return nil, err
	}
	ok := false
	defer func() {
		if !ok {
			db.Close()
		}
	}()

	var ids []string
	err = db.Update(func(tx *bolt.Tx) error {
		if _, err2 := tx.CreateBucketIfNotExists(sessionBucket); err2 != nil {
			return err2
		}
		b, err2 := tx.CreateBucketIfNotExists(torrentsBucket)
		if err2 != nil {
			return err2
		}
		// Every key under torrentsBucket is itself a per-torrent
		// sub-bucket (see boltdbresumer.New); ForEach reports those
		// with a nil value, the same enumeration rain's session.go
		// loadExistingTorrents relies on.
		return b.ForEach(func(k, _ []byte) error {
			ids = append(ids, string(k))
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	ports := make(map[uint16]struct{}, int(cfg.PortEnd-cfg.PortBegin))
	for p := cfg.PortBegin; p < cfg.PortEnd; p++ {
		ports[p] = struct{}{}
	}

	bl := blocklist.New()
	s := &Session{
		config:             cfg,
		db:                 db,
		log:                l,
		peerID:             newPeerID(),
		blocklist:          bl,
		trackers:           trackermanager.New(bl),
		dhtNode:            dht.NopNode{},
		closeC:             make(chan struct{}),
		torrents:           make(map[string]*Torrent),
		torrentsByInfoHash: make(map[infohash.T][]*Torrent),
		availablePorts:     ports,
	}

	ln, err := net.Listen("tcp", net.JoinHostPort("", strconv.Itoa(int(cfg.PortBegin))))
	if err != nil {
		return nil, err
	}
	s.listener = ln
	s.wg.Add(1)
	go s.acceptLoop()

	// A concrete Kademlia implementation is a host-program collaborator
	// (internal/dht only specifies the contract); callers that enable
	// DHT are expected to call SetDHTNode before AddTorrent/AddURI.
	// Absent that, NopNode keeps every DHT call a no-op.

	if err := s.loadExistingTorrents(ids); err != nil {
		return nil, err
	}

	ok = true
	return s, nil
}

func newPeerID() [20]byte {
	var id [20]byte
	copy(id[:], "-SW0010-")
	u := uuid.New()
	copy(id[8:], u[:12])
	return id
}

// SetDHTNode installs a concrete DHT implementation, replacing the
// no-op default. Call before AddTorrent/AddURI if cfg.DHTEnabled.
func (s *Session) SetDHTNode(n dht.Node) {
	s.dhtNode = n
}

func (s *Session) acceptLoop() {
	defer s.wg.Done()
	for {
		nc, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.closeC:
				return
			default:
				s.log.Warningln("accept:", err)
				return
			}
		}
		go s.handleInbound(nc)
	}
}

func (s *Session) handleInbound(nc net.Conn) {
	if tcp, ok := nc.RemoteAddr().(*net.TCPAddr); ok && s.blocklist.Blocked(tcp.IP) {
		nc.Close()
		return
	}
	conn, ih, err := handshake.Accept(nc, s.peerID, s.lookupInfoHash, s.log)
	if err != nil {
		nc.Close()
		return
	}
	t := s.torrentForInfoHash(ih)
	if t == nil {
		conn.Close()
		return
	}
	t.addPeerConn(conn)
}

func (s *Session) lookupInfoHash(v1 [20]byte) (infohash.T, bool) {
	s.m.RLock()
	defer s.m.RUnlock()
	for ih := range s.torrentsByInfoHash {
		if ih.HasV1() && ih.V1() == v1 {
			return ih, true
		}
	}
	return infohash.T{}, false
}

func (s *Session) torrentForInfoHash(ih infohash.T) *Torrent {
	s.m.RLock()
	defer s.m.RUnlock()
	ts := s.torrentsByInfoHash[ih]
	if len(ts) == 0 {
		return nil
	}
	return ts[0]
}

func (s *Session) parseTrackers(urls []string) []string {
	// Validation (scheme resolvable to a registered trackermanager
	// factory) happens lazily at announce time; the list itself is
	// just the de-duplicated set GetTrackers/magnet.Trackers produced.
	return urls
}

// loadExistingTorrents restores every torrent bucket found in the
// resume database, starting the ones whose "started" flag was set
// the way rain's session.go loadExistingTorrents does.
func (s *Session) loadExistingTorrents(ids []string) error {
	var started []*Torrent
	for _, id := range ids {
		res, err := boltdbresumer.New(s.db, torrentsBucket, []byte(id))
		if err != nil {
			s.log.Error(err)
			continue
		}
		spec, err := res.Read()
		if err != nil {
			s.log.Error(err)
			continue
		}
		wasStarted, err := res.Started()
		if err != nil {
			s.log.Error(err)
			continue
		}

		ih, err := decodeInfoHash(spec.InfoHash)
		if err != nil {
			s.log.Error(err)
			continue
		}

		var info *metainfo.Info
		if len(spec.Info) > 0 {
			info, err = metainfo.ParseInfo(spec.Info, nil)
			if err != nil {
				s.log.Error(err)
				continue
			}
		}

		t := s.newTorrent(id, ih, info, spec.Name, spec.Trackers, spec.Dest, uint16(spec.Port), spec.CreatedAt, res)
		delete(s.availablePorts, uint16(spec.Port))
		if wasStarted {
			started = append(started, t)
		}
	}
	s.log.Infof("loaded %d existing torrents", len(s.torrents))
	for _, t := range started {
		t.Start()
	}
	return nil
}

// Close shuts down every torrent, the peer listener, the DHT node (if
// any) and the resume database, mirroring rain's session.go Close.
func (s *Session) Close() error {
	close(s.closeC)
	s.listener.Close()
	s.wg.Wait()

	if s.config.DHTEnabled {
		s.dhtNode.Stop()
	}

	s.m.Lock()
	var wg sync.WaitGroup
	wg.Add(len(s.torrents))
	for _, t := range s.torrents {
		go func(t *Torrent) {
			defer wg.Done()
			t.shutdown()
		}(t)
	}
	s.torrents = nil
	s.m.Unlock()
	wg.Wait()

	return s.db.Close()
}

// ListTorrents returns every torrent currently registered.
func (s *Session) ListTorrents() []*Torrent {
	s.m.RLock()
	defer s.m.RUnlock()
	out := make([]*Torrent, 0, len(s.torrents))
	for _, t := range s.torrents {
		out = append(out, t)
	}
	return out
}

// GetTorrent looks a torrent up by its session-assigned ID.
func (s *Session) GetTorrent(id string) *Torrent {
	s.m.RLock()
	defer s.m.RUnlock()
	return s.torrents[id]
}

// RemoveTorrent stops and forgets a torrent, deleting its resume
// bucket and downloaded files.
func (s *Session) RemoveTorrent(id string) error {
	s.m.Lock()
	t, ok := s.torrents[id]
	if !ok {
		s.m.Unlock()
		return nil
	}
	delete(s.torrents, id)
	ih := t.torrent.InfoHash()
	peers := s.torrentsByInfoHash[ih]
	for i, other := range peers {
		if other == t {
			s.torrentsByInfoHash[ih] = append(peers[:i], peers[i+1:]...)
			break
		}
	}
	s.m.Unlock()

	close(t.removed)
	t.shutdown()
	s.releasePort(t.port)

	err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(torrentsBucket).DeleteBucket([]byte(id))
	})
	if err != nil {
		return err
	}
	return os.RemoveAll(t.dest)
}

// AddTorrent parses a .torrent file read from r and adds it.
func (s *Session) AddTorrent(r io.Reader) (*Torrent, error) {
	mi, err := metainfo.Parse(r)
	if err != nil {
		return nil, err
	}
	port, dest, id, res, err := s.reserve()
	if err != nil {
		return nil, err
	}
	ok := false
	defer func() {
		if !ok {
			s.releasePort(port)
		}
	}()

	trackers := s.parseTrackers(mi.GetTrackers())
	t := s.newTorrent(id, mi.Info.InfoHash, mi.Info, mi.Info.Name, trackers, dest, port, time.Now().UTC(), res)

	spec := &resumer.Spec{
		InfoHash:  encodeInfoHash(mi.Info.InfoHash),
		Dest:      dest,
		Port:      int(port),
		Name:      mi.Info.Name,
		Trackers:  trackers,
		Info:      mi.Info.Bytes,
		CreatedAt: t.createdAt,
	}
	if err := res.Write(spec); err != nil {
		return nil, err
	}
	ok = true
	return t, t.Start()
}

// AddURI adds a torrent identified by an http(s):// .torrent URL or a
// magnet: URI, dispatching on the URI scheme like rain's AddURI.
func (s *Session) AddURI(uri string) (*Torrent, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return nil, err
	}
	switch u.Scheme {
	case "http", "https":
		return s.addURL(uri)
	case "magnet":
		return s.addMagnet(uri)
	default:
		return nil, errors.Errorf("swarmd: unsupported uri scheme %q", u.Scheme)
	}
}

func (s *Session) addURL(u string) (*Torrent, error) {
	resp, err := http.Get(u) //nolint:gosec,noctx // caller-supplied tracker/torrent URL, same as rain's addURL
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	return s.AddTorrent(resp.Body)
}

func (s *Session) addMagnet(link string) (*Torrent, error) {
	ma, err := magnet.New(link)
	if err != nil {
		return nil, err
	}
	port, dest, id, res, err := s.reserve()
	if err != nil {
		return nil, err
	}
	ok := false
	defer func() {
		if !ok {
			s.releasePort(port)
		}
	}()

	trackers := s.parseTrackers(ma.Trackers)
	// Info is nil: the torrent stays metadata-pending; no ut_metadata
	// exchange is implemented in this module to fill it in.
	t := s.newTorrent(id, ma.InfoHash, nil, ma.Name, trackers, dest, port, time.Now().UTC(), res)

	spec := &resumer.Spec{
		InfoHash:  encodeInfoHash(ma.InfoHash),
		Dest:      dest,
		Port:      int(port),
		Name:      ma.Name,
		Trackers:  trackers,
		CreatedAt: t.createdAt,
	}
	if err := res.Write(spec); err != nil {
		return nil, err
	}
	ok = true
	return t, t.Start()
}

// reserve allocates a port and a fresh torrent ID/resume sub-bucket,
// the shared prologue of AddTorrent/addMagnet, mirroring rain's
// session.go add().
func (s *Session) reserve() (uint16, string, string, *boltdbresumer.Resumer, error) {
	port, err := s.getPort()
	if err != nil {
		return 0, "", "", nil, err
	}
	id := base64.RawURLEncoding.EncodeToString(uuidBytes())
	res, err := boltdbresumer.New(s.db, torrentsBucket, []byte(id))
	if err != nil {
		s.releasePort(port)
		return 0, "", "", nil, err
	}
	dest := filepath.Join(s.config.DataDir, id)
	return port, dest, id, res, nil
}

func uuidBytes() []byte {
	u := uuid.New()
	return u[:]
}

func (s *Session) newTorrent(id string, ih infohash.T, info *metainfo.Info, name string, trackers []string, dest string, port uint16, createdAt time.Time, res *boltdbresumer.Resumer) *Torrent {
	layout := (*storage.Layout)(nil)
	if info != nil {
		layout = buildLayout(info)
	}

	opts := intorrent.Options{
		InfoHash:        ih,
		DiskParallelism: s.config.DiskParallelism,
		CacheBlocks:     s.config.CacheBlocks,
		Log:             logger.New("torrent"),
	}
	if info != nil {
		sto := storage.New(dest, layout)
		opts.Info = info
		opts.Layout = layout
		opts.Storage = sto
	}
	opts.Resumer = res

	it := intorrent.New(opts)
	go it.Run()
	go s.forwardBans(it)

	t := &Torrent{
		session:   s,
		torrent:   it,
		id:        id,
		name:      name,
		trackers:  trackers,
		dest:      dest,
		port:      port,
		createdAt: createdAt,
		resumer:   res,
		removed:   make(chan struct{}),
	}

	s.m.Lock()
	defer s.m.Unlock()
	s.torrents[id] = t
	s.torrentsByInfoHash[ih] = append(s.torrentsByInfoHash[ih], t)
	return t
}

// forwardBans blocklists the endpoint behind every peer it banned for
// smart-ban/hash-fail attribution or a protocol violation, until it
// exits for good. A connection dialed back out before the ban expires
// is turned away by the Blocked check in dialAll/handleInbound.
func (s *Session) forwardBans(it *intorrent.Torrent) {
	for {
		select {
		case c, ok := <-it.BannedC:
			if !ok {
				return
			}
			if tcp, ok := c.RemoteAddr().(*net.TCPAddr); ok {
				s.blocklist.Ban(tcp.IP, peerBanDuration)
			}
		case <-it.Done():
			return
		}
	}
}

func (s *Session) getPort() (uint16, error) {
	s.mPorts.Lock()
	defer s.mPorts.Unlock()
	for p := range s.availablePorts {
		delete(s.availablePorts, p)
		return p, nil
	}
	return 0, errors.New("swarmd: no free port")
}

func (s *Session) releasePort(port uint16) {
	s.mPorts.Lock()
	defer s.mPorts.Unlock()
	s.availablePorts[port] = struct{}{}
}

func buildLayout(info *metainfo.Info) *storage.Layout {
	files := make([]storage.FileEntry, len(info.Files))
	for i, f := range info.Files {
		files[i] = storage.FileEntry{
			Path:       f.Path,
			Length:     f.Length,
			Pad:        f.IsPad(),
			Hidden:     f.Flags&metainfo.FlagHidden != 0,
			Executable: f.Flags&metainfo.FlagExecutable != 0,
			Symlink:    f.Flags&metainfo.FlagSymlink != 0,
			SymlinkTo:  f.SymlinkTarget,
		}
	}
	return storage.NewLayout(files, info.PieceLength)
}

// encodeInfoHash/decodeInfoHash round-trip infohash.T through the
// flat byte slice resumer.Spec.InfoHash carries: a one-byte
// presence flag followed by the 20-byte v1 and 32-byte v2 roots.
func encodeInfoHash(ih infohash.T) []byte {
	buf := make([]byte, 1+20+32)
	if ih.HasV1() {
		buf[0] |= 1
	}
	if ih.HasV2() {
		buf[0] |= 2
	}
	v1 := ih.V1()
	v2 := ih.V2()
	copy(buf[1:21], v1[:])
	copy(buf[21:53], v2[:])
	return buf
}

func decodeInfoHash(buf []byte) (infohash.T, error) {
	if len(buf) != 1+20+32 {
		return infohash.T{}, errors.New("swarmd: malformed stored info-hash")
	}
	var v1 [20]byte
	var v2 [32]byte
	copy(v1[:], buf[1:21])
	copy(v2[:], buf[21:53])
	switch {
	case buf[0]&1 != 0 && buf[0]&2 != 0:
		return infohash.NewHybrid(v1, v2), nil
	case buf[0]&1 != 0:
		return infohash.NewV1(v1), nil
	case buf[0]&2 != 0:
		return infohash.NewV2(v2), nil
	default:
		return infohash.T{}, errors.New("swarmd: malformed stored info-hash")
	}
}
