// Package trackermanager resolves tracker URLs to tracker.Tracker
// instances by scheme and drives the exponential-backoff announce
// retry loop the engine needs to ride out a flaky tracker. It does
// not implement any transport itself — HTTP/UDP/WebTorrent tracker
// transports are external collaborators; concrete Factory
// implementations are registered by the host
// program. Grounded on rain's session.go (`s.trackerManager.Get(tr,
// timeout, userAgent)`), generalized so construction is pluggable
// per scheme instead of hard-coded to one HTTP implementation.
package trackermanager

import (
	"context"
	"net/url"
	"sync"
	"time"

	"github.com/cenkalti/backoff"

	"github.com/brkwd/swarmd/internal/blocklist"
	"github.com/brkwd/swarmd/internal/errkind"
	"github.com/brkwd/swarmd/internal/tracker"
)

// Factory constructs a tracker.Tracker for a URL whose scheme it
// claims (e.g. "http", "https", "udp", "ws").
type Factory func(u *url.URL, timeout time.Duration, userAgent string) (tracker.Tracker, error)

// Manager resolves and caches trackers by URL, and applies the
// endpoint blocklist before handing one back.
type Manager struct {
	blocklist *blocklist.Blocklist

	mu        sync.Mutex
	factories map[string]Factory
	cache     map[string]tracker.Tracker
}

// New creates an empty Manager. Schemes are registered with Register;
// a manager with no registered schemes still resolves nothing, which
// is valid (a torrent announcing to no trackers, relying on DHT/PEX).
func New(bl *blocklist.Blocklist) *Manager {
	return &Manager{
		blocklist: bl,
		factories: make(map[string]Factory),
		cache:     make(map[string]tracker.Tracker),
	}
}

// Blocklist returns the shared endpoint blocklist trackers/peers are
// checked against.
func (m *Manager) Blocklist() *blocklist.Blocklist { return m.blocklist }

// Register installs fn as the constructor for every URL whose scheme
// is scheme. Re-registering a scheme replaces its factory.
func (m *Manager) Register(scheme string, fn Factory) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.factories[scheme] = fn
}

// Get resolves rawURL to a tracker.Tracker, reusing a cached instance
// for the same URL across torrents (trackers are shared network
// endpoints, not per-torrent state).
func (m *Manager) Get(rawURL string, timeout time.Duration, userAgent string) (tracker.Tracker, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.cache[rawURL]; ok {
		return t, nil
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, errkind.Wrap(errkind.TorrentFileParseFailed, err)
	}
	fn, ok := m.factories[u.Scheme]
	if !ok {
		return nil, errkind.New(errkind.TorrentFileParseFailed)
	}
	t, err := fn(u, timeout, userAgent)
	if err != nil {
		return nil, err
	}
	m.cache[rawURL] = t
	return t, nil
}

// AnnounceWithBackoff calls t.Announce, retrying on error with
// exponential backoff until ctx is cancelled or an announce succeeds.
// Every failed attempt is reported to onErr so the caller can surface
// an alert without the retry loop itself knowing about the alert queue.
func (m *Manager) AnnounceWithBackoff(ctx context.Context, t tracker.Tracker, req tracker.Torrent, onErr func(error)) (*tracker.AnnounceResponse, error) {
	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = 0 // bounded by ctx instead of a wall-clock cap
	for {
		resp, err := t.Announce(ctx, req)
		if err == nil {
			return resp, nil
		}
		if onErr != nil {
			onErr(err)
		}
		wait := b.NextBackOff()
		if wait == backoff.Stop {
			return nil, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(wait):
		}
	}
}
