// Package resumer defines the persistence contract a torrent's
// progress is saved to and restored from across restarts. The
// concrete backend lives in internal/resumer/boltdbresumer.
package resumer

import "time"

// Stats are the cumulative counters carried across restarts.
type Stats struct {
	BytesDownloaded int64
	BytesUploaded   int64
	BytesWasted     int64
	SeededFor       time.Duration
}

// Spec is everything needed to reconstruct a torrent on restart:
// identity, destination, tracker list, the raw info dict (present
// once metadata has been fetched) and the progress bitfield.
type Spec struct {
	InfoHash  []byte
	Dest      string
	Port      int
	Name      string
	Trackers  []string
	Info      []byte
	Bitfield  []byte
	CreatedAt time.Time
	Stats
}

// Resumer persists and restores one torrent's Spec and the
// lightweight fields (stats, started flag) that change far more often
// than the spec itself, so they can be written cheaply without
// re-encoding the whole record.
type Resumer interface {
	Write(*Spec) error
	Read() (*Spec, error)
	WriteStats(Stats) error
	WriteStarted(bool) error
	Started() (bool, error)
}
