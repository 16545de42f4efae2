// Package torrent drives one torrent's swarm participation: it owns
// the piece picker, the peer connections, the disk queue and the
// verifier, and ties them together in a single-threaded event loop
// that owns all protocol state, the picker, and every peer connection
// so nothing below it needs a lock. Grounded on rain's session/torrent.go (the struct
// shape: maps of peers/downloaders keyed by *peer.Peer, channel
// fields for disconnect/piece/message events) and session/run.go
// (the giant event-loop select), generalized to dispatch through
// internal/piecepicker instead of rain's simpler single-piece
// downloaders, and extended with v2/hybrid verification and BEP-6
// fast-extension handling rain predates.
package torrent

import (
	"math/rand"
	"time"

	"github.com/rcrowley/go-metrics"

	"github.com/brkwd/swarmd/internal/bitfield"
	"github.com/brkwd/swarmd/internal/diskqueue"
	"github.com/brkwd/swarmd/internal/infohash"
	"github.com/brkwd/swarmd/internal/logger"
	"github.com/brkwd/swarmd/internal/merkle"
	"github.com/brkwd/swarmd/internal/metainfo"
	"github.com/brkwd/swarmd/internal/peerconn"
	"github.com/brkwd/swarmd/internal/piece"
	"github.com/brkwd/swarmd/internal/piececache"
	"github.com/brkwd/swarmd/internal/piecepicker"
	"github.com/brkwd/swarmd/internal/resumer"
	"github.com/brkwd/swarmd/internal/smartban"
	"github.com/brkwd/swarmd/internal/storage"
	"github.com/brkwd/swarmd/internal/verifier"
)

// MaxRequestsPerPeer bounds the per-peer pipeline depth (the
// negotiated max_out_request_queue).
const MaxRequestsPerPeer = 250

// Options configures one torrent at construction time.
type Options struct {
	InfoHash infohash.T
	Info     *metainfo.Info // nil for a magnet still in metadata-pending state
	Layout   *storage.Layout
	Storage  storage.Storage
	Resumer  resumer.Resumer

	DiskParallelism int
	CacheBlocks     int

	SeedMode bool

	Log logger.Logger
}

// writeOwner records which peer supplied a block mid-write, so a
// completed or failed write can update the picker's ownership without
// the disk queue knowing anything about peers.
type writeOwner struct {
	peer  *peerconn.Conn
	block uint32
}

// peerState bundles a connection with the event-loop-only bookkeeping
// that doesn't belong on peerconn.Conn itself (which knows nothing
// about pieces beyond wire indices).
type peerState struct {
	conn        *peerconn.Conn
	has         *bitfield.Bitfield
	snubbed     bool
	lastRequest time.Time

	// bytesDownloadedPeriod/bytesUploadedPeriod accumulate since the
	// last tickUnchoke and rank this peer for the next unchoke round.
	bytesDownloadedPeriod int64
	bytesUploadedPeriod   int64
	optimisticUnchoked    bool
}

// Torrent owns everything needed to download and/or seed one torrent.
// Every exported method that touches picker/peer/disk state must be
// called from the goroutine running Run; Close and AddPeer are the
// only methods safe to call from elsewhere.
type Torrent struct {
	opts Options
	log  logger.Logger

	info   *metainfo.Info
	layout *storage.Layout
	pieces []*piece.Piece

	picker *piecepicker.Picker
	trees  map[int]*merkle.Tree // per-file v2 Merkle tree, keyed by layout entry index
	verif  *verifier.Verifier

	disk  *diskqueue.Queue
	cache *piececache.Cache
	smart *smartban.SmartBan

	bitfield *bitfield.Bitfield // pieces we have, exposed to new peers

	peers map[*peerconn.Conn]*peerState

	// optimisticUnchoked is the current rotation of peers unchoked
	// regardless of rate, refreshed by tickOptimisticUnchoke.
	optimisticUnchoked []*peerconn.Conn

	priorities []int // per-layout-entry file priority, 0 = skip

	seedMode bool

	events  chan event
	closeC  chan struct{}
	closedC chan struct{}

	downloadSpeed metrics.EWMA
	uploadSpeed   metrics.EWMA
	bytesDownloaded int64
	bytesUploaded   int64

	// pendingUploads tracks an AsyncRead issued to satisfy a peer's
	// request, so the matching ReadResult can be routed back to the
	// right connection.
	pendingUploads map[diskqueue.Request]*peerconn.Conn
	// pendingWriteOwner tracks which peer/block an in-flight
	// AsyncWrite belongs to, for WriteResult routing.
	pendingWriteOwner map[diskqueue.Request]writeOwner

	PeerAddedC   chan *peerconn.Conn
	PeerGoneC    chan *peerconn.Conn
	CompleteC    chan struct{}
	PieceFailedC chan uint32

	// BannedC surfaces every peer this torrent decided to ban: smart-ban
	// or hash-fail attribution (onHashComplete) and protocol violations
	// (handlePeerEvent's evError case). The caller owns blocking the
	// endpoint (e.g. via a blocklist keyed on IP); this package only
	// knows which peer, not how long to withhold it.
	BannedC chan *peerconn.Conn
}

// New builds a Torrent from already-validated options. The caller is
// responsible for having produced Layout/Storage from Info (see
// internal/storage); a magnet torrent with opts.Info == nil starts in
// the metadata-pending state, with no pieces, picker or verifier.
// Nothing in this package leaves that state later: attach runs only
// from New.
func New(opts Options) *Torrent {
	t := &Torrent{
		opts:         opts,
		log:          opts.Log,
		disk:         nil,
		cache:        piececache.New(maxInt(opts.CacheBlocks, 64)),
		smart:        smartban.New(uint32(piece.BlockSize)),
		peers:        make(map[*peerconn.Conn]*peerState),
		seedMode:     opts.SeedMode,
		events:       make(chan event, 256),
		closeC:       make(chan struct{}),
		closedC:      make(chan struct{}),
		PeerAddedC:   make(chan *peerconn.Conn, 1),
		PeerGoneC:    make(chan *peerconn.Conn, 1),
		CompleteC:    make(chan struct{}),
		PieceFailedC: make(chan uint32, 1),
		BannedC:      make(chan *peerconn.Conn, 8),
		downloadSpeed: metrics.NewEWMA1(),
		uploadSpeed:   metrics.NewEWMA1(),
		pendingUploads:    make(map[diskqueue.Request]*peerconn.Conn),
		pendingWriteOwner: make(map[diskqueue.Request]writeOwner),
	}
	if opts.Info != nil {
		t.attach(opts.Info, opts.Layout)
	}
	t.disk = diskqueue.New(opts.Storage, t.cache, int64(maxInt(opts.DiskParallelism, 1)), t.log)
	return t
}

// attach builds the piece/layout/picker/tree/verifier state once
// metadata is known; New calls it when opts.Info is set.
func (t *Torrent) attach(info *metainfo.Info, layout *storage.Layout) {
	t.info = info
	t.layout = layout
	t.priorities = make([]int, len(layout.Entries))
	for i := range t.priorities {
		t.priorities[i] = 1
	}

	numPieces := info.NumPieces()
	t.pieces = make([]*piece.Piece, numPieces)
	for i := 0; i < numPieces; i++ {
		length := info.PieceLength
		if i == numPieces-1 {
			last := info.TotalLength() - int64(i)*info.PieceLength
			if last > 0 {
				length = last
			}
		}
		p := piece.NewPiece(uint32(i), uint32(length))
		if h, ok := info.PieceHashV1(i); ok {
			p.HashV1, p.HasHashV1 = h, true
		}
		p.Pad = layout.PieceIsAllPriorityZero(uint32(i), nil) && isPadOnlyPiece(layout, uint32(i))
		t.pieces[i] = p
	}

	// metainfo.Info.Files carries the per-file v2 pieces-root that
	// storage.FileEntry/LayoutEntry do not; New's caller builds layout
	// from this same file list, so the two slices line up by index.
	t.trees = make(map[int]*merkle.Tree)
	for i, e := range layout.Entries {
		if i >= len(info.Files) || e.Pad {
			continue
		}
		mfe := info.Files[i]
		if !mfe.HasPiecesRoot {
			continue
		}
		numBlocks := int((e.Length + piece.BlockSize - 1) / piece.BlockSize)
		t.trees[i] = merkle.New(numBlocks, mfe.PiecesRoot)
		if layerHashes, ok := info.PieceLayers[mfe.PiecesRoot]; ok {
			// BEP-52's "piece layers" hold one hash per torrent piece,
			// not per 16KiB block, so they land at the tree layer whose
			// node coverage equals blocks-per-piece, not the leaf layer.
			blocksPerPiece := merkle.NextPow2(int((info.PieceLength + piece.BlockSize - 1) / piece.BlockSize))
			importPieceLayer(t.trees[i], layerHashes, log2(blocksPerPiece))
		}
	}

	mode := verifyMode(info)
	var anyTree *merkle.Tree
	for _, tr := range t.trees {
		anyTree = tr
		break
	}
	t.verif = verifier.New(mode, anyTree)

	t.bitfield = bitfield.New(uint32(numPieces))
	t.picker = piecepicker.New(t.pieces, rand.Int63())

	for i, p := range t.pieces {
		if p.Pad {
			t.bitfield.Set(uint32(i))
		}
	}
}

func isPadOnlyPiece(layout *storage.Layout, idx uint32) bool {
	any := false
	for _, e := range layout.Entries {
		if idx < e.FirstPiece || idx > e.LastPiece {
			continue
		}
		any = true
		if !e.Pad {
			return false
		}
	}
	return any
}

func verifyMode(info *metainfo.Info) verifier.Mode {
	switch {
	case len(info.PiecesV1) > 0 && len(info.PieceLayers) > 0:
		return verifier.Hybrid
	case len(info.PieceLayers) > 0:
		return verifier.V2Only
	default:
		return verifier.V1Only
	}
}

func importPieceLayer(tree *merkle.Tree, concatenated []byte, height int) {
	n := len(concatenated) / 32
	hashes := make([][32]byte, n)
	for i := 0; i < n; i++ {
		copy(hashes[i][:], concatenated[i*32:(i+1)*32])
	}
	_ = tree.AddHashes(height, 0, hashes, nil)
}

// log2 returns log base 2 of n, which must be a power of two; local
// copy of merkle's unexported helper since layer-height arithmetic
// belongs to the caller here (importPieceLayer doesn't know the
// torrent's piece length, only the tree does).
func log2(n int) int {
	l := 0
	for n > 1 {
		n >>= 1
		l++
	}
	return l
}

// InfoHash returns the torrent's identity.
func (t *Torrent) InfoHash() infohash.T { return t.opts.InfoHash }

// NumPieces returns the piece count, or 0 if metadata hasn't arrived.
func (t *Torrent) NumPieces() int {
	if t.pieces == nil {
		return 0
	}
	return len(t.pieces)
}

// Complete reports whether every non-priority-zero piece is Have.
func (t *Torrent) Complete() bool {
	if t.picker == nil {
		return false
	}
	for i := range t.pieces {
		if t.picker.PiecePriority(uint32(i)) == piecepicker.PriorityNone {
			continue
		}
		if t.picker.PieceState(uint32(i)) != piecepicker.Have {
			return false
		}
	}
	return true
}

// Bitfield returns the bits we currently have, for handshake/bitfield
// exchange with new peers.
func (t *Torrent) Bitfield() *bitfield.Bitfield { return t.bitfield }

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
