package metainfo

import "github.com/brkwd/swarmd/internal/errkind"

// injectPadAlignment validates pad files already present in the
// metadata's file list. Unlike some client forks, this module does
// not synthesize missing pad files on behalf of a torrent creator —
// pad files are metadata the torrent author placed, and
// storage/ApplyPadFiles (see internal/storage) is the pure function
// that *would* compute alignment from scratch for a from-scratch
// torrent creator, kept separate from parsing untrusted input.
func injectPadAlignment(info *Info) error {
	var offset int64
	for i, f := range info.Files {
		if f.IsPad() {
			// A pad file's job is pure alignment padding; it must not
			// itself claim to be a symlink or carry a pieces root.
			if f.Flags&FlagSymlink != 0 || f.HasPiecesRoot {
				return errkind.New(errkind.TorrentInvalidPadFile)
			}
			_ = i
		}
		offset += f.Length
	}
	return nil
}

// disambiguateNames resolves filename collisions within a single
// torrent: non-pad files collide -> append ".1", ".2", … before the
// extension; pad files of equal size may collide silently (they share
// zero content); pad files of differing size may not.
func disambiguateNames(info *Info) error {
	type key = string
	seen := make(map[key]int)     // joined path -> next disambiguation attempt
	padSizeAtPath := make(map[key]int64)

	joined := func(path []string) string {
		s := ""
		for i, c := range path {
			if i > 0 {
				s += "/"
			}
			s += c
		}
		return s
	}

	for i := range info.Files {
		f := &info.Files[i]
		origKey := joined(f.Path)
		if f.IsPad() {
			if existing, ok := padSizeAtPath[origKey]; ok {
				if existing != f.Length {
					return errkind.New(errkind.TorrentInvalidPadFile)
				}
				continue
			}
			padSizeAtPath[origKey] = f.Length
			continue
		}
		attempt := seen[origKey]
		seen[origKey] = attempt + 1
		if attempt > 10000 {
			return errkind.New(errkind.TooManyDuplicateFilenames)
		}
		if attempt > 0 {
			newPath := append([]string(nil), f.Path[:len(f.Path)-1]...)
			last := f.Path[len(f.Path)-1]
			newPath = append(newPath, disambiguateName(last, attempt))
			f.Path = newPath
		}
	}
	return nil
}

func disambiguateName(name string, attempt int) string {
	ext := ""
	base := name
	for i := len(name) - 1; i >= 0; i-- {
		if name[i] == '.' {
			ext = name[i:]
			base = name[:i]
			break
		}
	}
	return base + "." + itoa(attempt) + ext
}

func itoa(n int) string {
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
