package swarmd

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brkwd/swarmd/internal/infohash"
	"github.com/brkwd/swarmd/internal/metainfo"
)

func TestEncodeDecodeInfoHashV1(t *testing.T) {
	ih := infohash.NewV1([20]byte{1, 2, 3, 4})
	buf := encodeInfoHash(ih)
	got, err := decodeInfoHash(buf)
	require.NoError(t, err)
	assert.True(t, got.HasV1())
	assert.False(t, got.HasV2())
	assert.Equal(t, ih.V1(), got.V1())
}

func TestEncodeDecodeInfoHashHybrid(t *testing.T) {
	ih := infohash.NewHybrid([20]byte{1}, [32]byte{2})
	buf := encodeInfoHash(ih)
	got, err := decodeInfoHash(buf)
	require.NoError(t, err)
	assert.True(t, got.IsHybrid())
	assert.Equal(t, ih.V1(), got.V1())
	assert.Equal(t, ih.V2(), got.V2())
}

func TestDecodeInfoHashRejectsWrongLength(t *testing.T) {
	_, err := decodeInfoHash([]byte{1, 2, 3})
	assert.Error(t, err)
}

func TestBuildLayoutSkipsPad(t *testing.T) {
	info := &metainfo.Info{
		PieceLength: 16 * 1024,
		Files: []metainfo.FileEntry{
			{Path: []string{".pad", "1"}, Length: 100, Flags: metainfo.FlagPad},
			{Path: []string{"file.bin"}, Length: 16 * 1024},
		},
	}
	layout := buildLayout(info)
	require.Len(t, layout.Entries, 2)
	assert.True(t, layout.Entries[0].Pad)
	assert.False(t, layout.Entries[1].Pad)
}
