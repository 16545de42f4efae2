// Package storage maps a torrent's logical byte stream onto files on
// disk — including pad-file injection, priority-driven partial
// downloads and symlinks — and exposes the synchronous Storage
// interface that internal/diskqueue runs the engine's asynchronous
// reads/writes/hashes through.
package storage

// FileEntry describes one file in the torrent's file list, in the
// order it is concatenated into the logical stream.
type FileEntry struct {
	Path       []string
	Length     int64
	Pad        bool
	Hidden     bool
	Executable bool
	Symlink    bool
	SymlinkTo  []string
}

// LayoutEntry is a FileEntry enriched with its computed position in
// the logical stream.
type LayoutEntry struct {
	FileEntry
	ByteOffset            int64
	FirstPiece            uint32
	LastPiece             uint32
	NumPiecesOverlapping  uint32
}

// Layout is the full file-to-piece mapping for one torrent.
type Layout struct {
	PieceLength int64
	Entries     []LayoutEntry
	TotalLength int64
}

// NewLayout computes byte offsets and piece overlap for a file list
// already containing any pad files (see ApplyPadFiles).
func NewLayout(files []FileEntry, pieceLength int64) *Layout {
	l := &Layout{PieceLength: pieceLength}
	var offset int64
	for _, f := range files {
		e := LayoutEntry{FileEntry: f, ByteOffset: offset}
		if f.Length > 0 {
			e.FirstPiece = uint32(offset / pieceLength)
			e.LastPiece = uint32((offset + f.Length - 1) / pieceLength)
			e.NumPiecesOverlapping = e.LastPiece - e.FirstPiece + 1
		} else {
			e.FirstPiece = uint32(offset / pieceLength)
			e.LastPiece = e.FirstPiece
		}
		l.Entries = append(l.Entries, e)
		offset += f.Length
	}
	l.TotalLength = offset
	return l
}

// NumPieces returns the number of pieces the layout's total length
// splits into.
func (l *Layout) NumPieces() uint32 {
	if l.TotalLength == 0 {
		return 0
	}
	return uint32((l.TotalLength + l.PieceLength - 1) / l.PieceLength)
}

// ApplyPadFiles is a pure function over a file list and piece length:
// it returns a new file list with pad entries injected so every real
// file (other than the first) starts on a piece boundary, mirroring
// libtorrent's aux::apply_pad_files. Pad entries carry Length equal to
// the gap and are marked Pad: true; their bytes are defined as zero
// and never touch disk.
func ApplyPadFiles(files []FileEntry, pieceLength int64) []FileEntry {
	if pieceLength <= 0 {
		return files
	}
	out := make([]FileEntry, 0, len(files)+len(files)/2)
	var offset int64
	for i, f := range files {
		if i > 0 && offset%pieceLength != 0 {
			gap := pieceLength - offset%pieceLength
			out = append(out, FileEntry{
				Path:   padPath(offset),
				Length: gap,
				Pad:    true,
			})
			offset += gap
		}
		out = append(out, f)
		offset += f.Length
	}
	return out
}

func padPath(offset int64) []string {
	return []string{".pad", itoa(offset)}
}

func itoa(n int64) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

// PieceIsAllPriorityZero reports whether every non-pad file
// overlapping piece idx has priority 0 in priorities (indexed by
// layout entry position), meaning the piece can be skipped entirely
// rather than hashed.
func (l *Layout) PieceIsAllPriorityZero(idx uint32, priorities []int) bool {
	any := false
	for i, e := range l.Entries {
		if e.Pad {
			continue
		}
		if idx < e.FirstPiece || idx > e.LastPiece {
			continue
		}
		any = true
		if i >= len(priorities) || priorities[i] != 0 {
			return false
		}
	}
	return any
}
