// Package sanitize implements the file-naming sanitization rules a
// BitTorrent client must apply to every path component read from
// untrusted metadata before it ever touches a filesystem.
package sanitize

import (
	"encoding/hex"
	"strings"
)

// Target selects the OS-specific rule set. Posix is permissive about
// characters that are illegal only on Windows; Windows additionally
// strips reserved characters, trailing dots/spaces, and reserved
// device names.
type Target int

const (
	Posix Target = iota
	Windows
)

var reservedWindowsNames = map[string]struct{}{
	"CON": {}, "PRN": {}, "AUX": {}, "NUL": {},
	"COM1": {}, "COM2": {}, "COM3": {}, "COM4": {}, "COM5": {}, "COM6": {}, "COM7": {}, "COM8": {}, "COM9": {},
	"LPT1": {}, "LPT2": {}, "LPT3": {}, "LPT4": {}, "LPT5": {}, "LPT6": {}, "LPT7": {}, "LPT8": {}, "LPT9": {},
}

// suspiciousRunes are bidi/formatting marks that can be used to spoof
// extensions or hide path traversal in a rendered filename.
var suspiciousRunes = []rune{
	'‎', // LEFT-TO-RIGHT MARK
	'‏', // RIGHT-TO-LEFT MARK
	'‪', // LEFT-TO-RIGHT EMBEDDING
	'‫', // RIGHT-TO-LEFT EMBEDDING
	'‬', // POP DIRECTIONAL FORMATTING
	'‭', // LEFT-TO-RIGHT OVERRIDE
	'‮', // RIGHT-TO-LEFT OVERRIDE
	0xFEFF, // ZERO WIDTH NO-BREAK SPACE / BOM
}

// MaxComponentLength is the filesystem limit individual path
// components are truncated to, preserving the file extension.
const MaxComponentLength = 255

// Component sanitizes a single path component. An empty-string result
// means the component should be skipped entirely (e.g. it was "." or
// "..").
func Component(raw string, target Target) string {
	s := stripControlBytes(raw)
	s = stripSuspiciousRunes(s)

	if s == "." || s == ".." {
		return ""
	}

	if target == Windows {
		s = sanitizeWindowsChars(s)
		s = strings.TrimRight(s, " .")
		if _, reserved := reservedWindowsNames[strings.ToUpper(baseWithoutExt(s))]; reserved {
			s = "_" + s
		}
	}

	s = truncatePreservingExtension(s, MaxComponentLength)
	return s
}

// Path sanitizes a full path (already split into components) and
// returns the sanitized components with "." and ".." entries removed.
// Anchors like a leading "/" or a drive letter arrive pre-split by the
// caller (metainfo path lists are already component lists) so this
// function retains any "root-looking" component as an ordinary name
// rather than treating it as an absolute-path anchor.
func Path(components []string, target Target) []string {
	out := make([]string, 0, len(components))
	for _, c := range components {
		c = collapseAnchors(c)
		sc := Component(c, target)
		if sc == "" {
			continue
		}
		out = append(out, sc)
	}
	return out
}

func collapseAnchors(c string) string {
	c = strings.TrimPrefix(c, "/")
	c = strings.TrimPrefix(c, "\\")
	if len(c) >= 2 && c[1] == ':' {
		// drop a leading "C:" style drive anchor, keep remainder as a name
		c = c[2:]
	}
	return c
}

func stripControlBytes(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c <= 0x1F {
			b.WriteByte('_')
			continue
		}
		b.WriteByte(c)
	}
	return b.String()
}

func stripSuspiciousRunes(s string) string {
	for _, r := range suspiciousRunes {
		s = strings.ReplaceAll(s, string(r), "")
	}
	return s
}

func sanitizeWindowsChars(s string) string {
	replacer := strings.NewReplacer(
		":", "_", "<", "_", ">", "_", "\"", "_", "|", "_", "?", "_", "*", "_",
	)
	return replacer.Replace(s)
}

func baseWithoutExt(s string) string {
	if i := strings.LastIndexByte(s, '.'); i >= 0 {
		return s[:i]
	}
	return s
}

func truncatePreservingExtension(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	ext := ""
	if i := strings.LastIndexByte(s, '.'); i > 0 {
		ext = s[i:]
	}
	if len(ext) >= limit {
		return s[:limit]
	}
	return s[:limit-len(ext)] + ext
}

// EmptyNameFallback substitutes the v1 info-hash in hex when
// sanitization leaves a name empty.
func EmptyNameFallback(v1Hash [20]byte) string {
	return hex.EncodeToString(v1Hash[:])
}

// Disambiguate appends ".1", ".2", … before the extension to resolve a
// filename collision with an already-placed entry.
func Disambiguate(name string, attempt int) string {
	if attempt == 0 {
		return name
	}
	ext := ""
	base := name
	if i := strings.LastIndexByte(name, '.'); i > 0 {
		ext = name[i:]
		base = name[:i]
	}
	return base + "." + itoa(attempt) + ext
}

func itoa(n int) string {
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
