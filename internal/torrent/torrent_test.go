package torrent

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brkwd/swarmd/internal/infohash"
	"github.com/brkwd/swarmd/internal/logger"
	"github.com/brkwd/swarmd/internal/metainfo"
	"github.com/brkwd/swarmd/internal/storage"
	"github.com/brkwd/swarmd/internal/verifier"
)

func singleFileV1Info(t *testing.T, length int64, pieceLength int64) *metainfo.Info {
	t.Helper()
	numPieces := (length + pieceLength - 1) / pieceLength
	info := &metainfo.Info{
		PieceLength: pieceLength,
		Name:        "file.bin",
		Files:       []metainfo.FileEntry{{Path: []string{"file.bin"}, Length: length}},
		PiecesV1:    make([]byte, numPieces*20),
		InfoHash:    infohash.NewV1([20]byte{1, 2, 3}),
	}
	return info
}

func newTestTorrent(t *testing.T, info *metainfo.Info) *Torrent {
	t.Helper()
	files := []storage.FileEntry{{Path: info.Files[0].Path, Length: info.Files[0].Length}}
	layout := storage.NewLayout(files, info.PieceLength)
	tor := New(Options{
		InfoHash:        info.InfoHash,
		Info:            info,
		Layout:          layout,
		Storage:         storage.New(t.TempDir(), layout),
		DiskParallelism: 1,
		CacheBlocks:     8,
		Log:             logger.New("test"),
	})
	return tor
}

func TestNewBuildsPiecesAndPicker(t *testing.T) {
	info := singleFileV1Info(t, 3*64*1024, 64*1024)
	tor := newTestTorrent(t, info)
	require.NotNil(t, tor.picker)
	assert.Equal(t, 3, tor.NumPieces())
	assert.False(t, tor.Complete())
}

func TestCompleteWithNoPieces(t *testing.T) {
	tor := &Torrent{}
	assert.False(t, tor.Complete())
}

func TestBitfieldExposesHaveState(t *testing.T) {
	info := singleFileV1Info(t, 64*1024, 64*1024)
	tor := newTestTorrent(t, info)
	require.Equal(t, uint32(1), tor.Bitfield().Len())
	assert.False(t, tor.Bitfield().Test(0))
}

func TestVerifModeOfDetectsHybrid(t *testing.T) {
	info := singleFileV1Info(t, 64*1024, 64*1024)
	info.PieceLayers = map[[32]byte][]byte{{1}: make([]byte, 32)}
	tor := newTestTorrent(t, info)
	assert.Equal(t, verifier.Hybrid, tor.verifModeOf())
}
