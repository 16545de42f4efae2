package diskqueue

import (
	"testing"
	"time"

	"github.com/brkwd/swarmd/internal/logger"
	"github.com/brkwd/swarmd/internal/piececache"
	"github.com/brkwd/swarmd/internal/storage"
)

func newTestQueue(t *testing.T) (*Queue, *storage.FileStorage) {
	t.Helper()
	dir := t.TempDir()
	files := []storage.FileEntry{{Path: []string{"a.bin"}, Length: 32768}}
	layout := storage.NewLayout(files, 32768)
	sto := storage.New(dir, layout)
	t.Cleanup(func() { sto.Close() })
	q := New(sto, piececache.New(8), 4, logger.New("test"))
	t.Cleanup(q.Close)
	return q, sto
}

func TestAsyncWriteThenReadRoundTrip(t *testing.T) {
	q, _ := newTestQueue(t)
	req := Request{Piece: 0, Begin: 0, Length: 4}
	q.AsyncWrite(0, req, []byte{9, 9, 9, 9}, nil)
	select {
	case res := <-q.Completions:
		wr, ok := res.(WriteResult)
		if !ok || wr.Err != nil {
			t.Fatalf("unexpected write completion: %+v", res)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for write completion")
	}

	q.AsyncRead(0, req)
	select {
	case res := <-q.Completions:
		rr, ok := res.(ReadResult)
		if !ok || rr.Err != nil {
			t.Fatalf("unexpected read completion: %+v", res)
		}
		if string(rr.Buffer) != string([]byte{9, 9, 9, 9}) {
			t.Fatalf("unexpected bytes: %v", rr.Buffer)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for read completion")
	}
}

func TestAsyncWriteBackpressureTripsHighWatermark(t *testing.T) {
	q, _ := newTestQueue(t)
	q.HighWatermark = 0
	q.LowWatermark = 0
	bp := q.AsyncWrite(0, Request{Piece: 0, Begin: 0, Length: 4}, []byte{1, 2, 3, 4}, nil)
	if !bp {
		t.Fatal("expected backpressure with zero high watermark")
	}
	<-q.Completions
}

func TestAsyncHashComputesSHA1(t *testing.T) {
	q, _ := newTestQueue(t)
	q.AsyncWrite(0, Request{Piece: 0, Begin: 0, Length: 4}, []byte{1, 2, 3, 4}, nil)
	<-q.Completions

	q.AsyncHash(0, 0, 32768, HashV1)
	select {
	case res := <-q.Completions:
		hr, ok := res.(HashResult)
		if !ok || hr.Err != nil {
			t.Fatalf("unexpected hash completion: %+v", res)
		}
		var zero [20]byte
		if hr.SHA1 == zero {
			t.Fatal("expected non-zero sha1")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for hash completion")
	}
}
