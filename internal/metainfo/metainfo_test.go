package metainfo

import (
	"bytes"
	"crypto/sha1" //nolint:gosec
	"testing"

	"github.com/brkwd/swarmd/internal/errkind"
)

func buildV1Torrent(t *testing.T, pieceLen int, data []byte) []byte {
	t.Helper()
	var pieces []byte
	for off := 0; off < len(data); off += pieceLen {
		end := off + pieceLen
		if end > len(data) {
			end = len(data)
		}
		h := sha1.Sum(data[off:end]) //nolint:gosec
		pieces = append(pieces, h[:]...)
	}
	info := "d6:lengthi" + itoaTest(len(data)) + "e4:name5:a.txt12:piece lengthi" +
		itoaTest(pieceLen) + "e6:pieces" + itoaTest(len(pieces)) + ":" + string(pieces) + "e"
	torrent := "d8:announce12:udp://a.com/4:info" + info + "e"
	return []byte(torrent)
}

func itoaTest(n int) string {
	if n == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	return string(buf[i:])
}

func TestParseV1Torrent(t *testing.T) {
	data := bytes.Repeat([]byte{0x42}, 5*16384)
	raw := buildV1Torrent(t, 16384, data)
	mi, err := Parse(bytes.NewReader(raw))
	if err != nil {
		t.Fatal(err)
	}
	if mi.Info.Name != "a.txt" {
		t.Fatalf("unexpected name: %s", mi.Info.Name)
	}
	if mi.Info.NumPieces() != 5 {
		t.Fatalf("expected 5 pieces, got %d", mi.Info.NumPieces())
	}
	if !mi.Info.InfoHash.HasV1() {
		t.Fatal("expected v1 info hash")
	}
	if mi.GetTrackers()[0] != "udp://a.com/" {
		t.Fatalf("unexpected tracker: %v", mi.GetTrackers())
	}
	h, ok := mi.Info.PieceHashV1(0)
	if !ok {
		t.Fatal("expected piece hash")
	}
	want := sha1.Sum(data[:16384]) //nolint:gosec
	if h != want {
		t.Fatal("piece hash mismatch")
	}
}

func TestParseMissingPieceLength(t *testing.T) {
	torrent := []byte("d4:infod4:name1:a6:lengthi10eee")
	_, err := Parse(bytes.NewReader(torrent))
	if !errkind.Is(err, errkind.TorrentMissingPieceLength) {
		t.Fatalf("expected torrent_missing_piece_length, got %v", err)
	}
}

func TestParseNoFiles(t *testing.T) {
	torrent := []byte("d4:infod4:name1:a12:piece lengthi16384eee")
	_, err := Parse(bytes.NewReader(torrent))
	if !errkind.Is(err, errkind.NoFilesInTorrent) {
		t.Fatalf("expected no_files_in_torrent, got %v", err)
	}
}
