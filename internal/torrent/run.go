package torrent

import (
	"math/rand"
	"sort"
	"time"

	"github.com/brkwd/swarmd/internal/bitfield"
	"github.com/brkwd/swarmd/internal/diskqueue"
	"github.com/brkwd/swarmd/internal/errkind"
	"github.com/brkwd/swarmd/internal/peerconn"
	"github.com/brkwd/swarmd/internal/piece"
	"github.com/brkwd/swarmd/internal/piecepicker"
	"github.com/brkwd/swarmd/internal/resumer"
	"github.com/brkwd/swarmd/internal/verifier"
)

// eventKind distinguishes the handful of sources run's select drains:
// peer traffic, disk completions, and the admin requests made from
// outside the event-loop goroutine (AddPeer/RemovePeer/Close), plus
// the periodic tick that drives request dispatch and choking.
type eventKind int

const (
	evPeer eventKind = iota
	evDisk
	evAddPeer
	evRemovePeer
	evTick
)

type event struct {
	kind eventKind
	pe   *peerEvent
	disk interface{}
	conn *peerconn.Conn
}

// requestDispatchInterval is how often Run re-fills every unchoked
// peer's outbound pipeline, rain's equivalent of the periodic
// "fillRequests" tick in session/run.go.
const requestDispatchInterval = 200 * time.Millisecond

// statsInterval is how often cumulative counters are persisted and
// the EWMA speed meters tick over, independent of request dispatch.
const statsInterval = 5 * time.Second

// Unchoke policy, rain's session/timers.go tickUnchoke/
// tickOptimisticUnchoke adapted from a per-peer-class to a flat
// torrent-wide pool since this engine doesn't distinguish seed/leech
// peer classes.
const (
	maxUnchokedPeers          = 4
	numOptimisticUnchoke      = 1
	unchokeInterval           = 10 * time.Second
	optimisticUnchokeInterval = 30 * time.Second
)

// Run is the torrent's single-threaded event loop: every mutation to
// picker/peer/disk state happens here, so nothing below this call
// needs a mutex. It returns once Close is called and every peer
// connection has been torn down, mirroring rain's session/run.go
// "close-then-drain" shutdown.
func (t *Torrent) Run() {
	defer close(t.closedC)

	dispatchTick := time.NewTicker(requestDispatchInterval)
	defer dispatchTick.Stop()
	statsTick := time.NewTicker(statsInterval)
	defer statsTick.Stop()
	unchokeTick := time.NewTicker(unchokeInterval)
	defer unchokeTick.Stop()
	optimisticTick := time.NewTicker(optimisticUnchokeInterval)
	defer optimisticTick.Stop()

	for {
		select {
		case <-t.closeC:
			t.shutdown()
			return
		case ev := <-t.events:
			t.handleEvent(ev)
		case res, ok := <-t.disk.Completions:
			if ok {
				t.handleDiskCompletion(res)
			}
		case <-dispatchTick.C:
			t.dispatchRequests()
		case <-statsTick.C:
			t.downloadSpeed.Tick()
			t.uploadSpeed.Tick()
			t.persistStats()
		case <-unchokeTick.C:
			t.tickUnchoke()
		case <-optimisticTick.C:
			t.tickOptimisticUnchoke()
		}
	}
}

// Done returns a channel closed once Run's event loop has returned,
// for callers that forward this torrent's channels in their own
// goroutine and need to know when to stop.
func (t *Torrent) Done() <-chan struct{} { return t.closedC }

// Close requests the event loop stop and blocks until it has.
func (t *Torrent) Close() {
	select {
	case <-t.closeC:
	default:
		close(t.closeC)
	}
	<-t.closedC
}

func (t *Torrent) shutdown() {
	for c := range t.peers {
		c.Close()
	}
	t.disk.AsyncReleaseFiles()
	t.disk.Close()
}

// AddPeer registers a freshly handshaken connection with the torrent
// and starts forwarding its traffic into the shared event channel. It
// is the one method callable from outside the Run goroutine besides
// Close, same contract as rain's session.go `t.AddPeer`.
func (t *Torrent) AddPeer(c *peerconn.Conn) {
	go pumpPeer(c, t.events)
	t.events <- event{kind: evAddPeer, conn: c}
}

func (t *Torrent) handleEvent(ev event) {
	switch ev.kind {
	case evAddPeer:
		t.onPeerAdded(ev.conn)
	case evRemovePeer:
		t.onPeerGone(ev.conn)
	case evPeer:
		t.handlePeerEvent(ev.pe)
	}
}

func (t *Torrent) onPeerAdded(c *peerconn.Conn) {
	t.peers[c] = &peerState{conn: c, has: bitfield.New(uint32(t.NumPieces()))}
	if t.bitfield != nil {
		if t.Complete() {
			c.SendHaveAll()
		} else if t.bitfield.Count() == 0 {
			c.SendHaveNone()
		} else {
			c.SendBitfield(t.bitfield)
		}
	}
	select {
	case t.PeerAddedC <- c:
	default:
	}
}

func (t *Torrent) onPeerGone(c *peerconn.Conn) {
	ps, ok := t.peers[c]
	if !ok {
		return
	}
	if t.picker != nil {
		for _, r := range c.AllOutboundRequests() {
			t.abortRequest(c, r)
		}
		for i := 0; i < t.NumPieces(); i++ {
			if ps.has.Test(uint32(i)) {
				t.picker.DecRefCount(uint32(i), c)
			}
		}
	}
	delete(t.peers, c)
	select {
	case t.PeerGoneC <- c:
	default:
	}
}

func (t *Torrent) handlePeerEvent(pe *peerEvent) {
	ps, ok := t.peers[pe.peer]
	if !ok {
		return
	}
	switch pe.kind {
	case evPiece:
		t.onBlockReceived(pe.peer, pe.u32, pe.u32b, pe.buf)
	case evHave:
		ps.has.Set(pe.u32)
		if t.picker != nil {
			t.picker.IncRefCount(pe.u32, pe.peer)
		}
		t.updateInterest(pe.peer, ps)
	case evBitfield:
		for i := uint32(0); i < pe.bf.Len(); i++ {
			if pe.bf.Test(i) && !ps.has.Test(i) {
				ps.has.Set(i)
				if t.picker != nil {
					t.picker.IncRefCount(i, pe.peer)
				}
			}
		}
		t.updateInterest(pe.peer, ps)
	case evHaveAll:
		for i := 0; i < t.NumPieces(); i++ {
			ps.has.Set(uint32(i))
			if t.picker != nil {
				t.picker.IncRefCount(uint32(i), pe.peer)
			}
		}
		t.updateInterest(pe.peer, ps)
	case evHaveNone:
		// nothing to record; ps.has starts empty.
	case evRequest:
		t.onUploadRequest(pe.peer, pe.req)
	case evReject, evCancel:
		// Our SendCancel/the peer's reject already dropped the wire
		// request; AbortDownload releases the picker's bookkeeping so
		// another peer can pick the block back up.
		t.abortRequest(pe.peer, pe.req)
	case evChoke:
		// applyPeerChoke (peerconn.go) already dropped every request
		// the choke invalidates and delivered each one to us as its
		// own evReject, which abortRequest already handles. Whatever
		// is still in AllOutboundRequests at this point is exactly the
		// allowed-fast set the peer committed to serving while choked
		// (BEP-6) — aborting those here would let another peer
		// re-request a block this one is still going to deliver.
	case evUnchoke:
		// handled implicitly: dispatchRequests re-evaluates CanRequest.
	case evInterested, evNotInterested:
		// tickUnchoke/tickOptimisticUnchoke read PeerInterested()
		// directly off the conn on their own timers; nothing to do here.
	case evSuggest:
		pe.peer.SetSuggested(pe.u32)
	case evAllowedFast:
		pe.peer.SetAllowedFast(pe.u32)
	case evDHTPort:
		// A peer's DHT port announcement is dropped here; nothing
		// passes it on to the session's dht.Node.
	case evExtension:
		// ut_metadata/ut_pex payloads are not processed anywhere in
		// this module; this loop only keeps the channel drained so
		// dispatch() never blocks.
	case evError:
		if errkind.IsProtocolViolation(pe.err) {
			t.banPeer(pe.peer)
		}
		t.events <- event{kind: evRemovePeer, conn: pe.peer}
	}
}

// onUploadRequest services a peer's block request by reading it off
// disk and posting the reply once the read completes; see
// handleDiskCompletion's ReadResult case.
func (t *Torrent) onUploadRequest(c *peerconn.Conn, r peerconn.Request) {
	if c.AmChoking() {
		return
	}
	offset := t.layout.PieceLength*int64(r.Piece) + int64(r.Begin)
	t.pendingUploads[diskqueue.Request{Piece: r.Piece, Begin: r.Begin, Length: r.Length}] = c
	t.disk.AsyncRead(offset, diskqueue.Request{Piece: r.Piece, Begin: r.Begin, Length: r.Length})
}

// onBlockReceived handles a delivered block: it clears the pending
// request, hands the bytes to disk, and marks the block as writing in
// the picker so it isn't re-requested while the write is in flight.
func (t *Torrent) onBlockReceived(c *peerconn.Conn, pieceIdx, begin uint32, data []byte) {
	req := peerconn.Request{Piece: pieceIdx, Begin: begin, Length: uint32(len(data))}
	c.RemoveOutboundRequest(req)
	if t.picker == nil {
		return
	}
	blockIdx := uint32(0)
	if p := t.pieceByIndex(pieceIdx); p != nil {
		if bi := p.BlockIndexAt(begin); bi >= 0 {
			blockIdx = uint32(bi)
		}
	}
	t.picker.MarkAsWriting(pieceIdx, blockIdx, c)
	offset := t.layout.PieceLength*int64(pieceIdx) + int64(begin)
	t.downloadSpeed.Update(int64(len(data)))
	t.bytesDownloaded += int64(len(data))
	if ps, ok := t.peers[c]; ok {
		ps.bytesDownloadedPeriod += int64(len(data))
	}
	backpressure := t.disk.AsyncWrite(offset, diskqueue.Request{Piece: pieceIdx, Begin: begin, Length: uint32(len(data))}, data, nil)
	_ = backpressure // request dispatch already throttles via MaxRequestsPerPeer
	t.pendingWriteOwner[diskqueue.Request{Piece: pieceIdx, Begin: begin, Length: uint32(len(data))}] = writeOwner{peer: c, block: blockIdx}
}

// abortRequest releases the picker's bookkeeping for a wire-level
// request, resolving its piece-relative block index from Begin since
// peerconn.Request only carries wire offsets.
func (t *Torrent) abortRequest(c *peerconn.Conn, r peerconn.Request) {
	if t.picker == nil {
		return
	}
	p := t.pieceByIndex(r.Piece)
	if p == nil {
		return
	}
	if bi := p.BlockIndexAt(r.Begin); bi >= 0 {
		t.picker.AbortDownload(r.Piece, uint32(bi))
	}
}

func (t *Torrent) pieceByIndex(idx uint32) *piece.Piece {
	if int(idx) >= len(t.pieces) {
		return nil
	}
	return t.pieces[idx]
}

// handleDiskCompletion routes a completion from the disk queue: reads
// satisfy a pending upload, writes trigger a hash check once a
// piece's last block lands, and hash results drive verify/ban/resume.
func (t *Torrent) handleDiskCompletion(v interface{}) {
	switch res := v.(type) {
	case diskqueue.ReadResult:
		req := diskqueue.Request{Piece: res.Request.Piece, Begin: res.Request.Begin, Length: res.Request.Length}
		if c, ok := t.pendingUploads[req]; ok {
			delete(t.pendingUploads, req)
			if res.Err == nil {
				t.uploadSpeed.Update(int64(len(res.Buffer)))
				t.bytesUploaded += int64(len(res.Buffer))
				if ps, ok := t.peers[c]; ok {
					ps.bytesUploadedPeriod += int64(len(res.Buffer))
				}
				c.SendPiece(res.Request.Piece, res.Request.Begin, res.Buffer)
			} else {
				c.SendReject(peerconn.Request{Piece: res.Request.Piece, Begin: res.Request.Begin, Length: res.Request.Length})
			}
		}
	case diskqueue.WriteResult:
		t.onWriteComplete(res)
	case diskqueue.HashResult:
		t.onHashComplete(res)
	case diskqueue.AdminResult:
		// clear_piece/release_files/stop_torrent: nothing further to do.
	}
}

func (t *Torrent) onWriteComplete(res diskqueue.WriteResult) {
	req := diskqueue.Request{Piece: res.Request.Piece, Begin: res.Request.Begin, Length: res.Request.Length}
	owner, ok := t.pendingWriteOwner[req]
	delete(t.pendingWriteOwner, req)
	if t.picker == nil {
		return
	}
	if res.Err != nil {
		t.picker.WriteFailed(res.Request.Piece, owner.block)
		return
	}
	t.picker.MarkAsFinished(res.Request.Piece, owner.block, owner.peer)
	if t.picker.PieceState(res.Request.Piece) == piecepicker.Finished {
		t.verifyPiece(res.Request.Piece)
	}
}

func (t *Torrent) verifyPiece(idx uint32) {
	p := t.pieceByIndex(idx)
	if p == nil {
		return
	}
	flags := diskqueue.HashFlags(0)
	if t.verif != nil {
		switch t.verifModeOf() {
		case verifier.V1Only:
			flags = diskqueue.HashV1
		case verifier.V2Only:
			flags = diskqueue.HashV2
		default:
			flags = diskqueue.HashV1 | diskqueue.HashV2
		}
	}
	offset := t.layout.PieceLength * int64(idx)
	t.disk.AsyncHash(offset, idx, p.Length, flags)
}

// verifyHashResult compares an already-hashed disk read (diskqueue
// computes SHA-1/SHA-256 itself so the read doesn't have to be
// buffered twice) against the piece's expected hashes, routing v2
// leaves through the file's Merkle tree for block-level attribution.
func (t *Torrent) verifyHashResult(res diskqueue.HashResult, p *piece.Piece) verifier.Result {
	mode := t.verifModeOf()
	if mode == verifier.V1Only {
		if p.HasHashV1 && res.SHA1 == p.HashV1 {
			return verifier.Result{Piece: res.Piece, Outcome: verifier.Pass}
		}
		return verifier.Result{Piece: res.Piece, Outcome: verifier.FailWhole}
	}
	firstLeaf := t.firstLeafOf(res.Piece)
	outcome, bad := t.verif.VerifyV2(firstLeaf, res.BlockHashes)
	if mode == verifier.Hybrid && outcome == verifier.Pass && (!p.HasHashV1 || res.SHA1 != p.HashV1) {
		return verifier.Result{Piece: res.Piece, Outcome: verifier.FailWhole}
	}
	return verifier.Result{Piece: res.Piece, Outcome: outcome, BadBlocks: bad}
}

func (t *Torrent) verifModeOf() verifier.Mode {
	if len(t.info.PiecesV1) > 0 && len(t.info.PieceLayers) > 0 {
		return verifier.Hybrid
	}
	if len(t.info.PieceLayers) > 0 {
		return verifier.V2Only
	}
	return verifier.V1Only
}

func (t *Torrent) onHashComplete(res diskqueue.HashResult) {
	if res.Err != nil || t.verif == nil || t.picker == nil {
		return
	}
	p := t.pieceByIndex(res.Piece)
	if p == nil {
		return
	}
	result := t.verifyHashResult(res, p)
	downloaders := t.picker.GetDownloaders(res.Piece)

	switch result.Outcome {
	case verifier.Pass:
		t.picker.WeHave(res.Piece)
		t.bitfield.Set(res.Piece)
		if t.smart != nil {
			banned := t.smart.OnPiecePass(res.Piece, p.Length, t.readBlock)
			for _, peer := range banned {
				if c, ok := peer.(*peerconn.Conn); ok {
					t.banPeer(c)
				}
			}
		}
		t.broadcastHave(res.Piece)
		for c, ps := range t.peers {
			t.updateInterest(c, ps)
		}
		if t.Complete() {
			select {
			case t.CompleteC <- struct{}{}:
			default:
			}
		}
	case verifier.FailWhole:
		t.picker.RestorePiece(res.Piece)
		t.disk.AsyncClearPiece(res.Piece)
		if t.smart != nil {
			t.smart.OnPieceFailed(res.Piece, p.Length, downloaders, t.readBlock)
		}
		select {
		case t.PieceFailedC <- res.Piece:
		default:
		}
	case verifier.FailBlocks:
		for _, b := range result.BadBlocks {
			if int(b) < len(downloaders) {
				if c, ok := downloaders[b].(*peerconn.Conn); ok {
					t.banPeer(c)
				}
			}
			t.picker.WriteFailed(res.Piece, b)
		}
		select {
		case t.PieceFailedC <- res.Piece:
		default:
		}
	}
}

// banPeer closes c and surfaces it on BannedC for the caller to
// blacklist its endpoint, used for smart-ban/hash-fail attribution and
// protocol violations — never for transport errors or disk failures,
// which aren't the peer's fault.
func (t *Torrent) banPeer(c *peerconn.Conn) {
	c.Close()
	select {
	case t.BannedC <- c:
	default:
	}
}

// readBlock is smartban's Reader: a synchronous read used only after
// a hash check already ran, so the extra disk hit is off the hot
// path.
func (t *Torrent) readBlock(pieceIdx, begin, length uint32) ([]byte, error) {
	buf := make([]byte, length)
	offset := t.layout.PieceLength*int64(pieceIdx) + int64(begin)
	_, err := t.opts.Storage.ReadAt(buf, offset)
	return buf, err
}

func (t *Torrent) firstLeafOf(pieceIdx uint32) uint32 {
	for _, e := range t.layout.Entries {
		if e.Pad || pieceIdx < e.FirstPiece || pieceIdx > e.LastPiece {
			continue
		}
		blocksPerPiece := uint32((t.layout.PieceLength + int64(piece.BlockSize) - 1) / int64(piece.BlockSize))
		return (pieceIdx - e.FirstPiece) * blocksPerPiece
	}
	return 0
}

func (t *Torrent) broadcastHave(idx uint32) {
	for c := range t.peers {
		c.SendHave(idx)
	}
}

// dispatchRequests re-fills every peer's outbound pipeline up to
// MaxRequestsPerPeer on a periodic tick rather than picking once per
// delivered block.
func (t *Torrent) dispatchRequests() {
	if t.picker == nil {
		return
	}
	for c, ps := range t.peers {
		if c.PeerChoking() && !c.FastExtension {
			continue
		}
		budget := MaxRequestsPerPeer - c.NumOutstandingRequests()
		if budget <= 0 {
			continue
		}
		var suggested []uint32
		for i := 0; i < t.NumPieces(); i++ {
			if c.IsSuggested(uint32(i)) {
				suggested = append(suggested, uint32(i))
			}
		}
		opts := piecepicker.Options{Suggest: true, PrioritizePartials: true, PreferContiguousBudget: 4}
		reqs := t.picker.Pick(ps.has, budget, true, c, opts, suggested)
		for _, r := range reqs {
			if !c.CanRequest(r.Piece) {
				t.picker.AbortDownload(r.Piece, r.Block)
				continue
			}
			p := t.pieceByIndex(r.Piece)
			if p == nil || int(r.Block) >= len(p.Blocks) {
				continue
			}
			blk := p.Blocks[r.Block]
			wr := peerconn.Request{Piece: r.Piece, Begin: blk.Begin, Length: blk.Length}
			c.AddOutboundRequest(wr)
			c.SendRequest(wr)
		}
	}
}

func (t *Torrent) persistStats() {
	if t.opts.Resumer == nil {
		return
	}
	_ = t.opts.Resumer.WriteStats(resumer.Stats{
		BytesDownloaded: t.bytesDownloaded,
		BytesUploaded:   t.bytesUploaded,
	})
}

// wantsAnythingFrom reports whether has carries any piece we still
// need, driving interested/not_interested announcements.
func (t *Torrent) wantsAnythingFrom(has *bitfield.Bitfield) bool {
	if t.picker == nil {
		return false
	}
	for i := 0; i < t.NumPieces(); i++ {
		idx := uint32(i)
		if !has.Test(idx) {
			continue
		}
		if t.picker.PiecePriority(idx) == piecepicker.PriorityNone {
			continue
		}
		if t.picker.PieceState(idx) != piecepicker.Have {
			return true
		}
	}
	return false
}

// updateInterest announces interested/not_interested to c whenever
// our want-state toward it changes.
func (t *Torrent) updateInterest(c *peerconn.Conn, ps *peerState) {
	want := t.wantsAnythingFrom(ps.has)
	if want && !c.AmInterested() {
		c.SetInterested(true)
		c.SendInterested()
	} else if !want && c.AmInterested() {
		c.SetInterested(false)
		c.SendNotInterested()
	}
}

func (t *Torrent) chokePeer(c *peerconn.Conn) {
	if !c.AmChoking() {
		c.SetChoking(true)
		c.SendChoke()
	}
}

func (t *Torrent) unchokePeer(c *peerconn.Conn) {
	if c.AmChoking() {
		c.SetChoking(false)
		c.SendUnchoke()
	}
}

// tickUnchoke picks the maxUnchokedPeers best-rate interested peers to
// unchoke, ranking by upload rate while seeding and download rate
// while leeching, rain's session/timers.go tickUnchoke generalized
// from rain's per-torrent peer-class split to this torrent's flat
// peer pool.
func (t *Torrent) tickUnchoke() {
	var interested []*peerconn.Conn
	for c, ps := range t.peers {
		if c.PeerInterested() && !ps.optimisticUnchoked {
			interested = append(interested, c)
		}
	}
	complete := t.Complete()
	sort.Slice(interested, func(i, j int) bool {
		pi, pj := t.peers[interested[i]], t.peers[interested[j]]
		if complete {
			return pi.bytesUploadedPeriod > pj.bytesUploadedPeriod
		}
		return pi.bytesDownloadedPeriod > pj.bytesDownloadedPeriod
	})
	for _, ps := range t.peers {
		ps.bytesDownloadedPeriod = 0
		ps.bytesUploadedPeriod = 0
	}
	for i, c := range interested {
		if i < maxUnchokedPeers {
			t.unchokePeer(c)
		} else {
			t.chokePeer(c)
		}
	}
	for c, ps := range t.peers {
		if !c.PeerInterested() && !ps.optimisticUnchoked {
			t.chokePeer(c)
		}
	}
}

// tickOptimisticUnchoke rotates a small pool of peers unchoked
// regardless of rate, so a newly-joined or slow peer eventually gets a
// chance to prove itself; rain's tickOptimisticUnchoke adapted the
// same way as tickUnchoke above.
func (t *Torrent) tickOptimisticUnchoke() {
	for _, c := range t.optimisticUnchoked {
		if ps, ok := t.peers[c]; ok {
			ps.optimisticUnchoked = false
			t.chokePeer(c)
		}
	}
	t.optimisticUnchoked = t.optimisticUnchoked[:0]

	var candidates []*peerconn.Conn
	for c := range t.peers {
		if c.PeerInterested() && c.AmChoking() {
			candidates = append(candidates, c)
		}
	}
	for i := 0; i < numOptimisticUnchoke && len(candidates) > 0; i++ {
		idx := rand.Intn(len(candidates))
		c := candidates[idx]
		candidates = append(candidates[:idx], candidates[idx+1:]...)
		t.peers[c].optimisticUnchoked = true
		t.unchokePeer(c)
		t.optimisticUnchoked = append(t.optimisticUnchoked, c)
	}
}
