package metainfo

import (
	"io"

	ownbencode "github.com/brkwd/swarmd/internal/bencode"
	"github.com/brkwd/swarmd/internal/errkind"
	"github.com/zeebo/bencode"
)

// rawFile is the on-wire .torrent dictionary, decoded the way rain's
// internal/metainfo.New decodes MetaInfo: fixed fields via struct
// tags, "info" (and here, "piece layers") captured raw for a second,
// more permissive parsing pass.
type rawFile struct {
	RawInfo         bencode.RawMessage `bencode:"info"`
	RawPieceLayers  bencode.RawMessage `bencode:"piece layers"`
	Announce        string             `bencode:"announce"`
	AnnounceList    [][]string         `bencode:"announce-list"`
	URLList         interface{}        `bencode:"url-list"`
	CreationDate    int64              `bencode:"creation date"`
	Comment         string             `bencode:"comment"`
	CreatedBy       string             `bencode:"created by"`
}

// MetaInfo is a fully parsed .torrent file.
type MetaInfo struct {
	Info         *Info
	Announce     string
	AnnounceList [][]string
	URLList      []string
	CreationDate int64
	Comment      string
	CreatedBy    string
}

// GetTrackers flattens announce + announce-list into a single ordered,
// de-duplicated list, same shape as rain's MetaInfo.GetTrackers.
func (m *MetaInfo) GetTrackers() []string {
	seen := make(map[string]struct{})
	var out []string
	add := func(u string) {
		if u == "" {
			return
		}
		if _, ok := seen[u]; ok {
			return
		}
		seen[u] = struct{}{}
		out = append(out, u)
	}
	add(m.Announce)
	for _, tier := range m.AnnounceList {
		for _, u := range tier {
			add(u)
		}
	}
	return out
}

// Parse decodes a torrent file from a reader.
func Parse(r io.Reader) (*MetaInfo, error) {
	var raw rawFile
	if err := bencode.NewDecoder(r).Decode(&raw); err != nil {
		return nil, errkind.Wrap(errkind.TorrentFileParseFailed, err)
	}
	if len(raw.RawInfo) == 0 {
		return nil, errkind.New(errkind.TorrentMissingInfo)
	}

	var pieceLayers map[string][]byte
	if len(raw.RawPieceLayers) > 0 {
		v, err := ownbencode.DecodeAll(raw.RawPieceLayers)
		if err != nil {
			return nil, errkind.Wrap(errkind.TorrentInvalidPieceLayer, err)
		}
		dict, ok := v.(map[string]interface{})
		if !ok {
			return nil, errkind.New(errkind.TorrentInvalidPieceLayer)
		}
		pieceLayers = make(map[string][]byte, len(dict))
		for k, val := range dict {
			b, ok := val.([]byte)
			if !ok {
				return nil, errkind.New(errkind.TorrentInvalidPieceLayer)
			}
			pieceLayers[k] = b
		}
	}

	info, err := ParseInfo(raw.RawInfo, pieceLayers)
	if err != nil {
		return nil, err
	}

	return &MetaInfo{
		Info:         info,
		Announce:     raw.Announce,
		AnnounceList: raw.AnnounceList,
		URLList:      decodeURLList(raw.URLList),
		CreationDate: raw.CreationDate,
		Comment:      raw.Comment,
		CreatedBy:    raw.CreatedBy,
	}, nil
}

// decodeURLList normalizes the "url-list" key, which BEP-19 allows to
// be either a single string or a list of strings.
func decodeURLList(v interface{}) []string {
	switch t := v.(type) {
	case string:
		if t == "" {
			return nil
		}
		return []string{t}
	case []interface{}:
		out := make([]string, 0, len(t))
		for _, item := range t {
			if s, ok := item.(string); ok && s != "" {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}
