package storage

import (
	"io"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
)

// Storage is the synchronous, per-torrent file backend. The
// asynchronous queueing (internal/diskqueue) wraps one of these with
// a worker pool and backpressure; Storage itself does no goroutine
// management so it stays trivially testable.
type Storage interface {
	// ReadAt reads length bytes of the logical (pad-inclusive) stream
	// starting at off, skipping file opens entirely for any range that
	// falls within a pad file (returned as zeros).
	ReadAt(buf []byte, off int64) (int, error)
	// WriteAt writes buf at the logical offset off. Writing into a pad
	// region is a no-op — pad bytes never touch disk.
	WriteAt(buf []byte, off int64) (int, error)
	// Files returns one File handle per non-pad layout entry, in
	// layout order.
	Files() []File
	// Close releases any open file handles.
	Close() error
}

// File is a single on-disk file backing part of the torrent,
// exposed so callers can report/adjust per-file priority and size
// without going through the logical byte-offset API.
type File struct {
	Path   string
	Length int64
}

// FileStorage opens one torrent's files lazily, one os.File per
// layout entry, closing them again on Close. Files are created with
// their full final length up front so ReadAt/WriteAt never need to
// grow them mid-flight.
type FileStorage struct {
	dest   string
	layout *Layout
	files  []*os.File
}

// New prepares (but does not yet open) every non-pad file in layout
// under dest.
func New(dest string, layout *Layout) *FileStorage {
	return &FileStorage{dest: dest, layout: layout, files: make([]*os.File, len(layout.Entries))}
}

// Dest returns the root directory files are rooted under.
func (fo *FileStorage) Dest() string { return fo.dest }

// Files implements Storage.
func (fo *FileStorage) Files() []File {
	var out []File
	for _, e := range fo.layout.Entries {
		if e.Pad {
			continue
		}
		out = append(out, File{Path: filepath.Join(e.Path...), Length: e.Length})
	}
	return out
}

func (fo *FileStorage) fileAt(i int) (*os.File, error) {
	if fo.files[i] != nil {
		return fo.files[i], nil
	}
	e := fo.layout.Entries[i]
	if e.Pad {
		return nil, nil
	}
	path := filepath.Join(append([]string{fo.dest}, e.Path...)...)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, errors.Wrap(err, "mkdir")
	}
	if e.Symlink {
		target := filepath.Join(e.SymlinkTo...)
		if _, err := os.Lstat(path); os.IsNotExist(err) {
			if err := os.Symlink(target, path); err != nil {
				return nil, errors.Wrap(err, "symlink")
			}
		}
		return nil, nil
	}
	mode := os.FileMode(0o644)
	if e.Executable {
		mode = 0o755
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, mode)
	if err != nil {
		return nil, errors.Wrap(err, "open")
	}
	if err := f.Truncate(e.Length); err != nil {
		f.Close()
		return nil, errors.Wrap(err, "truncate")
	}
	fo.files[i] = f
	return f, nil
}

// ReadAt implements Storage.
func (fo *FileStorage) ReadAt(buf []byte, off int64) (int, error) {
	return fo.forEachOverlap(off, int64(len(buf)), func(i int, fileOff int64, b []byte) error {
		e := fo.layout.Entries[i]
		if e.Pad || e.Symlink {
			for j := range b {
				b[j] = 0
			}
			return nil
		}
		f, err := fo.fileAt(i)
		if err != nil {
			return err
		}
		_, err = f.ReadAt(b, fileOff)
		if err == io.EOF {
			return nil
		}
		return err
	}, buf)
}

// WriteAt implements Storage.
func (fo *FileStorage) WriteAt(buf []byte, off int64) (int, error) {
	return fo.forEachOverlap(off, int64(len(buf)), func(i int, fileOff int64, b []byte) error {
		e := fo.layout.Entries[i]
		if e.Pad || e.Symlink {
			return nil
		}
		f, err := fo.fileAt(i)
		if err != nil {
			return err
		}
		_, err = f.WriteAt(b, fileOff)
		return err
	}, buf)
}

// forEachOverlap splits [off, off+length) across every layout entry
// it spans and invokes fn with the entry index, the offset within
// that file, and the corresponding sub-slice of buf.
func (fo *FileStorage) forEachOverlap(off, length int64, fn func(i int, fileOff int64, b []byte) error, buf []byte) (int, error) {
	end := off + length
	var n int
	for i, e := range fo.layout.Entries {
		fileStart := e.ByteOffset
		fileEnd := e.ByteOffset + e.Length
		if fileEnd <= off || fileStart >= end {
			continue
		}
		lo := max64(off, fileStart)
		hi := min64(end, fileEnd)
		if hi <= lo {
			continue
		}
		b := buf[lo-off : hi-off]
		if err := fn(i, lo-fileStart, b); err != nil {
			return n, err
		}
		n += len(b)
	}
	return n, nil
}

func (fo *FileStorage) Close() error {
	var firstErr error
	for _, f := range fo.files {
		if f == nil {
			continue
		}
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
