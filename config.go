// Package swarmd is a BitTorrent engine: it participates in swarms as
// both leecher and seeder, interoperating with BEP-3 (v1), BEP-52
// (v2) and hybrid torrents. Config and Session are the package's
// entry points; the subsystems doing the hard work live under
// internal/.
package swarmd

import (
	"os"
	"time"

	homedir "github.com/mitchellh/go-homedir"
	"gopkg.in/yaml.v3"
)

// Config is the top-level, process-wide configuration, adapted from
// rain's config.go. Per-torrent options remain programmatic
// (AddOptions), not config-file driven, matching the teacher.
type Config struct {
	// Database is where resume state (bbolt) is kept.
	Database string `yaml:"database"`
	// DataDir is the default download destination for new torrents.
	DataDir string `yaml:"data_dir"`

	PortBegin uint16 `yaml:"port_begin"`
	PortEnd   uint16 `yaml:"port_end"`

	MaxOpenFiles int `yaml:"max_open_files"`

	DHTEnabled bool   `yaml:"dht_enabled"`
	DHTAddress string `yaml:"dht_address"`
	DHTPort    uint16 `yaml:"dht_port"`

	TrackerHTTPTimeout   time.Duration `yaml:"tracker_http_timeout"`
	TrackerHTTPUserAgent string        `yaml:"tracker_http_user_agent"`

	DiskParallelism int `yaml:"disk_parallelism"`
	CacheBlocks     int `yaml:"cache_blocks"`

	RequestTimeout    time.Duration `yaml:"request_timeout"`
	HandshakeTimeout  time.Duration `yaml:"handshake_timeout"`
	EndgameThreshold  int           `yaml:"endgame_threshold"`

	LogJSON  bool          `yaml:"log_json"`
	LogLevel string        `yaml:"log_level"`

	Encryption struct {
		DisableOutgoing bool `yaml:"disable_outgoing"`
		ForceOutgoing   bool `yaml:"force_outgoing"`
		ForceIncoming   bool `yaml:"force_incoming"`
	} `yaml:"encryption"`
}

// DefaultConfig mirrors rain's conservative defaults, extended with
// the v2/hybrid and fast-extension knobs rain predates.
var DefaultConfig = Config{
	Database:             "~/.config/swarmd/resume.db",
	DataDir:              "~/Downloads",
	PortBegin:            6881,
	PortEnd:              6889,
	MaxOpenFiles:         1024,
	TrackerHTTPTimeout:   30 * time.Second,
	TrackerHTTPUserAgent: "swarmd/1.0",
	DiskParallelism:      4,
	CacheBlocks:          512,
	RequestTimeout:       60 * time.Second,
	HandshakeTimeout:     10 * time.Second,
	EndgameThreshold:     20,
	LogLevel:             "info",
}

// LoadConfig reads filename as YAML over DefaultConfig, the same
// os.IsNotExist short-circuit as rain's LoadConfig: a missing file is
// not an error, it just means "use the defaults".
func LoadConfig(filename string) (*Config, error) {
	c := DefaultConfig
	b, err := os.ReadFile(filename)
	if os.IsNotExist(err) {
		return &c, nil
	}
	if err != nil {
		return nil, err
	}
	if err = yaml.Unmarshal(b, &c); err != nil {
		return nil, err
	}
	return &c, nil
}

// expandPaths resolves ~-prefixed Database/DataDir paths, the way
// rain's session.New calls homedir.Expand on both.
func (c *Config) expandPaths() error {
	var err error
	c.Database, err = homedir.Expand(c.Database)
	if err != nil {
		return err
	}
	c.DataDir, err = homedir.Expand(c.DataDir)
	return err
}
