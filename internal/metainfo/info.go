// Package metainfo parses torrent metadata: the v1/v2/hybrid "info"
// dictionary, the outer "piece layers" dict, trackers and web seeds.
// Struct-tag decoding of fixed-shape dictionaries goes through
// github.com/zeebo/bencode the way rain's internal/metainfo.New does;
// the "file tree" dict (whose keys are arbitrary path components, not
// a fixed schema) is walked with the low-level internal/bencode
// scanner instead.
package metainfo

import (
	"crypto/sha1" //nolint:gosec // required by BEP-3
	"crypto/sha256"
	"sort"

	"github.com/brkwd/swarmd/internal/bencode"
	"github.com/brkwd/swarmd/internal/errkind"
	"github.com/brkwd/swarmd/internal/infohash"
	"github.com/brkwd/swarmd/internal/sanitize"
)

// FileFlags are the per-file attribute bits: pad, hidden, executable, symlink.
type FileFlags uint8

const (
	FlagPad FileFlags = 1 << iota
	FlagHidden
	FlagExecutable
	FlagSymlink
)

// FileEntry is one entry in the ordered file layout.
type FileEntry struct {
	Path          []string
	Length        int64
	Flags         FileFlags
	SymlinkTarget []string
	PiecesRoot    [32]byte
	HasPiecesRoot bool
}

func (f FileEntry) IsPad() bool { return f.Flags&FlagPad != 0 }

// Info is the parsed "info" dictionary: piece length, file layout and
// (for v1/hybrid) the piece SHA-1 hashes.
type Info struct {
	PieceLength int64
	Name        string
	Files       []FileEntry
	Private     bool
	MetaVersion int // 0 => v1-only source dict, 2 => v2/hybrid

	PiecesV1    []byte              // concatenated 20-byte SHA-1 hashes, v1/hybrid only
	PieceLayers map[[32]byte][]byte // file root -> concatenated piece-layer SHA-256 hashes, v2/hybrid only

	InfoHash infohash.T
	Bytes    []byte // raw bencoded info dict, for magnet/resume round-trip
}

// NumPieces returns the number of pieces implied by the total length
// and piece length.
func (info *Info) NumPieces() int {
	total := info.TotalLength()
	if total == 0 {
		return 0
	}
	n := total / info.PieceLength
	if total%info.PieceLength != 0 {
		n++
	}
	return int(n)
}

// TotalLength sums the length of every file, including pad files.
func (info *Info) TotalLength() int64 {
	var total int64
	for _, f := range info.Files {
		total += f.Length
	}
	return total
}

// PieceHashV1 returns the expected SHA-1 for a piece index, if this
// info carries v1 hashes.
func (info *Info) PieceHashV1(index int) ([20]byte, bool) {
	var h [20]byte
	if len(info.PiecesV1) == 0 {
		return h, false
	}
	off := index * sha1.Size
	if off+sha1.Size > len(info.PiecesV1) {
		return h, false
	}
	copy(h[:], info.PiecesV1[off:off+sha1.Size])
	return h, true
}

const maxPieces = 1 << 22 // guards against a pathologically tiny piece_length

// ParseInfo decodes and validates a raw bencoded "info" dictionary. If
// pieceLayers is non-nil (decoded from the outer torrent dict's "piece
// layers" key) it is validated against each file's pieces-root and
// attached to the returned Info.
func ParseInfo(raw []byte, pieceLayers map[string][]byte) (*Info, error) {
	val, err := bencode.DecodeAll(raw)
	if err != nil {
		return nil, errkind.Wrap(errkind.TorrentFileParseFailed, err)
	}
	dict, ok := val.(map[string]interface{})
	if !ok {
		return nil, errkind.New(errkind.TorrentMissingInfo)
	}

	info := &Info{Bytes: append([]byte(nil), raw...)}

	pl, ok := dict["piece length"].(int64)
	if !ok || pl <= 0 {
		return nil, errkind.New(errkind.TorrentMissingPieceLength)
	}
	info.PieceLength = pl

	nameB, ok := dict["name"].([]byte)
	if !ok || len(nameB) == 0 {
		return nil, errkind.New(errkind.TorrentMissingName)
	}
	info.Name = string(nameB)
	if sanitize.Component(info.Name, sanitize.Posix) == "" {
		return nil, errkind.New(errkind.TorrentInvalidName)
	}

	if priv, ok := dict["private"].(int64); ok && priv == 1 {
		info.Private = true
	}
	if mv, ok := dict["meta version"].(int64); ok {
		info.MetaVersion = int(mv)
	}

	if ft, ok := dict["file tree"]; ok {
		info.MetaVersion = 2
		files, err := parseFileTree(ft, nil)
		if err != nil {
			return nil, err
		}
		info.Files = files
	} else if filesList, ok := dict["files"]; ok {
		files, err := parseFilesListV1(filesList)
		if err != nil {
			return nil, err
		}
		info.Files = files
	} else if length, ok := dict["length"].(int64); ok {
		if length < 0 {
			return nil, errkind.New(errkind.TorrentInvalidLength)
		}
		info.Files = []FileEntry{{Path: []string{info.Name}, Length: length}}
	} else {
		return nil, errkind.New(errkind.NoFilesInTorrent)
	}

	if len(info.Files) == 0 {
		return nil, errkind.New(errkind.NoFilesInTorrent)
	}

	if err := injectPadAlignment(info); err != nil {
		return nil, err
	}
	if err := disambiguateNames(info); err != nil {
		return nil, err
	}

	if piecesB, ok := dict["pieces"].([]byte); ok {
		if len(piecesB)%sha1.Size != 0 {
			return nil, errkind.New(errkind.TorrentInvalidHashes)
		}
		info.PiecesV1 = piecesB
	}

	if info.NumPieces() > maxPieces {
		return nil, errkind.New(errkind.TooManyPiecesInTorrent)
	}
	if len(info.PiecesV1) > 0 && len(info.PiecesV1)/sha1.Size != info.NumPieces() {
		return nil, errkind.New(errkind.TorrentInvalidHashes)
	}

	if pieceLayers != nil && info.MetaVersion == 2 {
		if err := attachPieceLayers(info, pieceLayers); err != nil {
			return nil, err
		}
	}

	v1hash, v2hash, err := computeInfoHash(info)
	if err != nil {
		return nil, err
	}
	switch {
	case info.MetaVersion == 2 && len(info.PiecesV1) > 0:
		info.InfoHash = infohash.NewHybrid(v1hash, v2hash)
	case info.MetaVersion == 2:
		info.InfoHash = infohash.NewV2(v2hash)
	default:
		info.InfoHash = infohash.NewV1(v1hash)
	}
	return info, nil
}

func computeInfoHash(info *Info) (v1 [20]byte, v2 [32]byte, err error) {
	v1 = sha1.Sum(info.Bytes) //nolint:gosec
	v2 = sha256.Sum256(info.Bytes)
	return v1, v2, nil
}

func parseFilesListV1(v interface{}) ([]FileEntry, error) {
	list, ok := v.([]interface{})
	if !ok {
		return nil, errkind.New(errkind.TorrentInconsistentFiles)
	}
	files := make([]FileEntry, 0, len(list))
	for _, item := range list {
		d, ok := item.(map[string]interface{})
		if !ok {
			return nil, errkind.New(errkind.TorrentInconsistentFiles)
		}
		length, ok := d["length"].(int64)
		if !ok || length < 0 {
			return nil, errkind.New(errkind.TorrentInvalidLength)
		}
		pathList, ok := d["path"].([]interface{})
		if !ok || len(pathList) == 0 {
			return nil, errkind.New(errkind.TorrentInconsistentFiles)
		}
		rawComponents := make([]string, 0, len(pathList))
		for _, p := range pathList {
			pb, ok := p.([]byte)
			if !ok {
				return nil, errkind.New(errkind.TorrentInconsistentFiles)
			}
			rawComponents = append(rawComponents, string(pb))
		}
		comps := sanitize.Path(rawComponents, sanitize.Posix)
		if len(comps) == 0 {
			return nil, errkind.New(errkind.TorrentInvalidName)
		}
		fe := FileEntry{Path: comps, Length: length}
		if attr, ok := d["attr"].([]byte); ok {
			applyAttrString(&fe, string(attr))
		}
		if fe.Flags&FlagSymlink != 0 {
			if sp, ok := d["symlink path"].([]interface{}); ok {
				target := make([]string, 0, len(sp))
				for _, p := range sp {
					if pb, ok := p.([]byte); ok {
						target = append(target, string(pb))
					}
				}
				fe.SymlinkTarget = sanitize.Path(target, sanitize.Posix)
			}
		}
		files = append(files, fe)
	}
	return files, nil
}

func applyAttrString(fe *FileEntry, attr string) {
	for _, c := range attr {
		switch c {
		case 'p':
			fe.Flags |= FlagPad
		case 'h':
			fe.Flags |= FlagHidden
		case 'x':
			fe.Flags |= FlagExecutable
		case 'l':
			fe.Flags |= FlagSymlink
		}
	}
}

// parseFileTree walks the v2 "file tree" dict. A node is a leaf when
// it contains an empty-string key mapping to the file's attribute
// dict (length, pieces root, attr); otherwise every key is a
// subdirectory name to recurse into.
func parseFileTree(v interface{}, prefix []string) ([]FileEntry, error) {
	dict, ok := v.(map[string]interface{})
	if !ok {
		return nil, errkind.New(errkind.TorrentInconsistentFiles)
	}
	if leaf, ok := dict[""]; ok {
		fe, err := parseFileTreeLeaf(leaf, prefix)
		if err != nil {
			return nil, err
		}
		return []FileEntry{fe}, nil
	}
	names := make([]string, 0, len(dict))
	for name := range dict {
		names = append(names, name)
	}
	// BEP-52 file trees are canonical bencode dicts, so a lexicographic
	// walk reproduces the file order the original encoder intended.
	sort.Strings(names)

	var files []FileEntry
	for _, name := range names {
		sanitized := sanitize.Component(name, sanitize.Posix)
		if sanitized == "" {
			continue
		}
		childPrefix := append(append([]string{}, prefix...), sanitized)
		sub2, err := parseFileTree(dict[name], childPrefix)
		if err != nil {
			return nil, err
		}
		files = append(files, sub2...)
	}
	return files, nil
}

func parseFileTreeLeaf(v interface{}, path []string) (FileEntry, error) {
	dict, ok := v.(map[string]interface{})
	if !ok {
		return FileEntry{}, errkind.New(errkind.TorrentInconsistentFiles)
	}
	length, ok := dict["length"].(int64)
	if !ok || length < 0 {
		return FileEntry{}, errkind.New(errkind.TorrentInvalidLength)
	}
	fe := FileEntry{Path: append([]string(nil), path...), Length: length}
	if attr, ok := dict["attr"].([]byte); ok {
		applyAttrString(&fe, string(attr))
	}
	if root, ok := dict["pieces root"].([]byte); ok {
		if length > 0 {
			if len(root) != sha256.Size {
				return FileEntry{}, errkind.New(errkind.TorrentMissingPiecesRoot)
			}
			copy(fe.PiecesRoot[:], root)
			fe.HasPiecesRoot = true
		}
	} else if length > 0 && fe.Flags&FlagPad == 0 {
		return FileEntry{}, errkind.New(errkind.TorrentMissingPiecesRoot)
	}
	return fe, nil
}

// attachPieceLayers validates and attaches the outer torrent dict's
// "piece layers" entries, one per non-empty, non-pad v2 file.
func attachPieceLayers(info *Info, raw map[string][]byte) error {
	info.PieceLayers = make(map[[32]byte][]byte)
	for _, f := range info.Files {
		if f.Length == 0 || f.IsPad() || !f.HasPiecesRoot {
			continue
		}
		layer, ok := raw[string(f.PiecesRoot[:])]
		if !ok {
			return errkind.New(errkind.TorrentInvalidPieceLayer)
		}
		if len(layer)%sha256.Size != 0 {
			return errkind.New(errkind.TorrentInvalidPieceLayer)
		}
		expectedPieces := (f.Length + info.PieceLength - 1) / info.PieceLength
		if int64(len(layer)/sha256.Size) != expectedPieces {
			return errkind.New(errkind.TorrentInvalidPieceLayer)
		}
		info.PieceLayers[f.PiecesRoot] = layer
	}
	return nil
}
