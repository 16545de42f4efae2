package magnet

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewV1(t *testing.T) {
	uri := "magnet:?xt=urn:btih:" + "0123456789abcdef0123456789abcdef01234567" +
		"&dn=Ubuntu&tr=http://tracker.example/announce&tr=udp://tracker2.example:80"
	m, err := New(uri)
	require.NoError(t, err)
	assert.True(t, m.InfoHash.HasV1())
	assert.False(t, m.InfoHash.HasV2())
	assert.Equal(t, "Ubuntu", m.Name)
	assert.Len(t, m.Trackers, 2)
}

func TestNewHybrid(t *testing.T) {
	v1 := "0123456789abcdef0123456789abcdef01234567"
	v2 := "12200000000000000000000000000000000000000000000000000000000000000000"
	uri := "magnet:?xt=urn:btih:" + v1 + "&xt=urn:btmh:" + v2
	m, err := New(uri)
	require.NoError(t, err)
	assert.True(t, m.InfoHash.HasV1())
	assert.True(t, m.InfoHash.HasV2())
	assert.True(t, m.InfoHash.IsHybrid())
}

func TestSelectRanges(t *testing.T) {
	uri := "magnet:?xt=urn:btih:0123456789abcdef0123456789abcdef01234567&so=0,2,4-6"
	m, err := New(uri)
	require.NoError(t, err)
	assert.True(t, m.SelectsFile(0))
	assert.False(t, m.SelectsFile(1))
	assert.True(t, m.SelectsFile(2))
	assert.True(t, m.SelectsFile(5))
	assert.False(t, m.SelectsFile(7))
}

func TestMissingXT(t *testing.T) {
	_, err := New("magnet:?dn=nothing")
	assert.Error(t, err)
}

func TestNotMagnetScheme(t *testing.T) {
	_, err := New("http://example.com")
	assert.Error(t, err)
}
