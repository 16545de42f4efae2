// Package magnet parses magnet URIs (BEP-9), including the hybrid
// v1+v2 btih/btmh dual-xt form, the so= file-select-only range
// syntax and x.pe= peer hints, following rain's internal/magnet.New
// shape (a single New(uri) (*Magnet, error) constructor) generalized
// to the hybrid case rain predates.
package magnet

import (
	"encoding/base32"
	"encoding/hex"
	"net"
	"net/url"
	"strconv"
	"strings"

	"github.com/brkwd/swarmd/internal/errkind"
	"github.com/brkwd/swarmd/internal/infohash"
)

// FileRange is one element of the so= select-only list: either a
// single file index (Low == High) or an inclusive a-b range.
type FileRange struct {
	Low, High int
}

// Magnet is a fully parsed magnet URI.
type Magnet struct {
	InfoHash  infohash.T
	Name      string
	Trackers  []string
	WebSeeds  []string
	PeerAddrs []*net.TCPAddr
	Select    []FileRange // so=, empty means "all files"
	DHTNodes  []string    // dht=host:port, may repeat
}

// SelectsFile reports whether file index i survives the so= filter.
// With no so= parameter every file is selected.
func (m *Magnet) SelectsFile(i int) bool {
	if len(m.Select) == 0 {
		return true
	}
	for _, r := range m.Select {
		if i >= r.Low && i <= r.High {
			return true
		}
	}
	return false
}

// New parses a magnet: URI. Multiple xt= parameters may coexist to
// express v1+v2 hybrid identity.
func New(uri string) (*Magnet, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return nil, errkind.Wrap(errkind.TorrentFileParseFailed, err)
	}
	if u.Scheme != "magnet" {
		return nil, errkind.New(errkind.TorrentFileParseFailed)
	}
	q := u.Query()

	var v1 [20]byte
	var v2 [32]byte
	var hasV1, hasV2 bool
	for _, xt := range q["xt"] {
		h1, ok1, h2, ok2, err := parseXT(xt)
		if err != nil {
			return nil, err
		}
		if ok1 {
			v1, hasV1 = h1, true
		}
		if ok2 {
			v2, hasV2 = h2, true
		}
	}

	var ih infohash.T
	switch {
	case hasV1 && hasV2:
		ih = infohash.NewHybrid(v1, v2)
	case hasV1:
		ih = infohash.NewV1(v1)
	case hasV2:
		ih = infohash.NewV2(v2)
	default:
		return nil, errkind.New(errkind.TorrentFileParseFailed)
	}

	m := &Magnet{InfoHash: ih}
	m.Name = q.Get("dn")
	m.Trackers = append(m.Trackers, q["tr"]...)
	m.WebSeeds = append(m.WebSeeds, q["ws"]...)
	m.DHTNodes = append(m.DHTNodes, q["dht"]...)

	for _, pe := range q["x.pe"] {
		if addr, err := net.ResolveTCPAddr("tcp", pe); err == nil {
			m.PeerAddrs = append(m.PeerAddrs, addr)
		}
	}

	if so := q.Get("so"); so != "" {
		ranges, err := parseSelect(so)
		if err != nil {
			return nil, err
		}
		m.Select = ranges
	}

	return m, nil
}

const (
	btihPrefix = "urn:btih:"
	btmhPrefix = "urn:btmh:"
)

// parseXT decodes one xt= parameter, returning whichever of the v1/v2
// roots it carries.
func parseXT(xt string) (v1 [20]byte, okV1 bool, v2 [32]byte, okV2 bool, err error) {
	switch {
	case strings.HasPrefix(xt, btihPrefix):
		raw, derr := decodeHashParam(xt[len(btihPrefix):], 20)
		if derr != nil {
			err = errkind.Wrap(errkind.TorrentFileParseFailed, derr)
			return
		}
		copy(v1[:], raw)
		okV1 = true
	case strings.HasPrefix(xt, btmhPrefix):
		// multihash form: 0x12 0x20 (sha256, 32-byte digest) prefix
		// followed by the digest itself, hex-encoded.
		raw, derr := hex.DecodeString(xt[len(btmhPrefix):])
		if derr != nil {
			err = errkind.Wrap(errkind.TorrentFileParseFailed, derr)
			return
		}
		if len(raw) != 34 || raw[0] != 0x12 || raw[1] != 0x20 {
			err = errkind.New(errkind.TorrentFileParseFailed)
			return
		}
		copy(v2[:], raw[2:])
		okV2 = true
	}
	return
}

func decodeHashParam(s string, length int) ([]byte, error) {
	switch len(s) {
	case length * 2:
		return hex.DecodeString(s)
	case base32Len(length):
		return base32.StdEncoding.DecodeString(strings.ToUpper(s))
	default:
		return nil, errkind.New(errkind.TorrentFileParseFailed)
	}
}

func base32Len(n int) int {
	return (n*8 + 4) / 5
}

// parseSelect parses the so= grammar: comma-separated file indices or
// inclusive a-b ranges, e.g. "0,2,4-8".
func parseSelect(s string) ([]FileRange, error) {
	var out []FileRange
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if i := strings.IndexByte(part, '-'); i >= 0 {
			lo, err1 := strconv.Atoi(part[:i])
			hi, err2 := strconv.Atoi(part[i+1:])
			if err1 != nil || err2 != nil || lo > hi {
				return nil, errkind.New(errkind.TorrentFileParseFailed)
			}
			out = append(out, FileRange{Low: lo, High: hi})
			continue
		}
		v, err := strconv.Atoi(part)
		if err != nil {
			return nil, errkind.New(errkind.TorrentFileParseFailed)
		}
		out = append(out, FileRange{Low: v, High: v})
	}
	return out, nil
}
