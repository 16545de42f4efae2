// Package diskqueue wraps internal/storage with a worker pool and
// posts completions back onto a single channel, so the owning
// torrent's single-threaded event loop never blocks on I/O: it
// enqueues a job and later receives the result as just another event
// in its select, the same way it receives peer messages.
package diskqueue

import (
	"context"
	"crypto/sha1"
	"crypto/sha256"

	"golang.org/x/sync/semaphore"

	"github.com/brkwd/swarmd/internal/logger"
	"github.com/brkwd/swarmd/internal/merkle"
	"github.com/brkwd/swarmd/internal/piececache"
	"github.com/brkwd/swarmd/internal/storage"
)

// Request identifies a block within a piece, mirroring the wire
// request tuple.
type Request struct {
	Piece, Begin, Length uint32
}

// ReadResult is posted on Queue.Completions after an AsyncRead job.
type ReadResult struct {
	Request Request
	Buffer  []byte
	Err     error
}

// WriteResult is posted after an AsyncWrite job.
type WriteResult struct {
	Request Request
	Err     error
}

// HashFlags selects which hash(es) AsyncHash computes.
type HashFlags int

const (
	HashV1 HashFlags = 1 << iota
	HashV2
)

// HashResult carries both the v1 whole-piece SHA-1 and, when
// requested, the per-block SHA-256 leaves used to fold a v2 root.
type HashResult struct {
	Piece        uint32
	SHA1         [20]byte
	BlockHashes  [][32]byte
	Err          error
}

// Hash2Result is posted after a single-block AsyncHash2 job.
type Hash2Result struct {
	Piece       uint32
	BlockOffset uint32
	SHA256      [32]byte
	Err         error
}

// AdminResult is posted after any administrative job (move, release,
// delete, rename, check, clear piece, set priority, stop).
type AdminResult struct {
	Op  string
	Err error
}

// Queue services one torrent's Storage with a bounded pool of
// goroutines. High/low watermark on outstanding write jobs implements
// the backpressure contract: AsyncWrite returns true (backpressure)
// once the outstanding count exceeds HighWatermark, and calls the
// supplied observer once it later drops to LowWatermark.
type Queue struct {
	sto   storage.Storage
	cache *piececache.Cache
	log   logger.Logger

	sem *semaphore.Weighted

	HighWatermark int
	LowWatermark  int

	pendingWrites int
	observers     []func()

	Completions chan interface{}

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a queue over sto with parallelism workers and a bounded
// read cache. Completions is unbuffered on purpose — job goroutines
// block on send, which is the pushback that keeps the pool from
// racing arbitrarily far ahead of the event loop that drains it.
func New(sto storage.Storage, cache *piececache.Cache, parallelism int64, l logger.Logger) *Queue {
	ctx, cancel := context.WithCancel(context.Background())
	return &Queue{
		sto:           sto,
		cache:         cache,
		log:           l,
		sem:           semaphore.NewWeighted(parallelism),
		HighWatermark: 64,
		LowWatermark:  16,
		Completions:   make(chan interface{}),
		ctx:           ctx,
		cancel:        cancel,
	}
}

// Close stops accepting new work; in-flight jobs still post their
// completions.
func (q *Queue) Close() { q.cancel() }

func (q *Queue) run(fn func()) {
	if err := q.sem.Acquire(q.ctx, 1); err != nil {
		return
	}
	go func() {
		defer q.sem.Release(1)
		fn()
	}()
}

// AsyncRead reads req's bytes, consulting the read cache first.
func (q *Queue) AsyncRead(pieceOffset int64, req Request) {
	if buf, ok := q.cache.Get(req.Piece, req.Begin, req.Length); ok {
		q.post(ReadResult{Request: req, Buffer: buf})
		return
	}
	q.run(func() {
		buf := make([]byte, req.Length)
		_, err := q.sto.ReadAt(buf, pieceOffset)
		if err == nil {
			q.cache.Put(req.Piece, req.Begin, buf)
		}
		q.post(ReadResult{Request: req, Buffer: buf, Err: err})
	})
}

// AsyncWrite writes buf at pieceOffset and reports whether the
// caller should apply backpressure. observer, if non-nil, fires
// exactly once when the queue next drops to LowWatermark.
func (q *Queue) AsyncWrite(pieceOffset int64, req Request, buf []byte, observer func()) (backpressure bool) {
	q.pendingWrites++
	if observer != nil {
		q.observers = append(q.observers, observer)
	}
	q.cache.Invalidate(req.Piece)
	q.run(func() {
		_, err := q.sto.WriteAt(buf, pieceOffset)
		q.pendingWrites--
		if q.pendingWrites <= q.LowWatermark && len(q.observers) > 0 {
			fired := q.observers
			q.observers = nil
			for _, fn := range fired {
				fn()
			}
		}
		q.post(WriteResult{Request: req, Err: err})
	})
	return q.pendingWrites > q.HighWatermark
}

// AsyncHash reads the whole piece back, computing its v1 SHA-1 and,
// if flags&HashV2 is set, the per-block SHA-256 leaves.
func (q *Queue) AsyncHash(pieceOffset int64, piece uint32, pieceLength uint32, flags HashFlags) {
	q.run(func() {
		buf := make([]byte, pieceLength)
		_, err := q.sto.ReadAt(buf, pieceOffset)
		res := HashResult{Piece: piece, Err: err}
		if err == nil {
			res.SHA1 = sha1.Sum(buf)
			if flags&HashV2 != 0 {
				res.BlockHashes = blockHashes(buf)
			}
		}
		q.post(res)
	})
}

// AsyncHash2 computes a single block's SHA-256 without touching the
// rest of the piece.
func (q *Queue) AsyncHash2(pieceOffset int64, piece, blockOffset uint32, blockLength uint32) {
	q.run(func() {
		buf := make([]byte, blockLength)
		_, err := q.sto.ReadAt(buf, pieceOffset)
		res := Hash2Result{Piece: piece, BlockOffset: blockOffset, Err: err}
		if err == nil {
			res.SHA256 = sha256.Sum256(buf)
		}
		q.post(res)
	})
}

func blockHashes(piece []byte) [][32]byte {
	n := (len(piece) + merkle.BlockSize - 1) / merkle.BlockSize
	out := make([][32]byte, n)
	for i := 0; i < n; i++ {
		start := i * merkle.BlockSize
		end := start + merkle.BlockSize
		if end > len(piece) {
			end = len(piece)
		}
		out[i] = sha256.Sum256(piece[start:end])
	}
	return out
}

// AsyncClearPiece discards any cached bytes for piece; used after a
// hash-verification failure reverts it to open.
func (q *Queue) AsyncClearPiece(piece uint32) {
	q.run(func() {
		q.cache.Invalidate(piece)
		q.post(AdminResult{Op: "clear_piece"})
	})
}

// AsyncReleaseFiles closes open file handles without deleting
// anything, e.g. before a move or rename.
func (q *Queue) AsyncReleaseFiles() {
	q.run(func() {
		err := q.sto.Close()
		q.post(AdminResult{Op: "release_files", Err: err})
	})
}

// AsyncStopTorrent drains in-flight jobs is not attempted here — the
// caller stops issuing new requests and waits for Completions to
// drain naturally, then calls Close.
func (q *Queue) AsyncStopTorrent() {
	q.post(AdminResult{Op: "stop_torrent"})
}

func (q *Queue) post(v interface{}) {
	select {
	case q.Completions <- v:
	case <-q.ctx.Done():
	}
}
