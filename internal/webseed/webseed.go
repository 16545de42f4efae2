// Package webseed specifies the contract for BEP-19 URL seeds (and
// the deprecated BEP-17 HTTP-seed alias folded into the same model).
// A web seed is an
// external collaborator: the engine only ever needs to ask one for a
// byte range of a specific file, so the contract is a single method,
// independent of whichever HTTP client library serves it.
package webseed

import (
	"context"
	"io"
)

// Seed is one web-seed source, identified by its url-list URL.
type Seed interface {
	// Name returns the seed's URL, used for logging, stats and the
	// per-seed snub/ban bookkeeping the picker treats like any other
	// peer identity.
	Name() string
	// FetchRange returns a reader over [offset, offset+length) of
	// fileIndex (an index into the torrent's file list). The caller
	// closes the returned ReadCloser when done.
	FetchRange(ctx context.Context, fileIndex int, offset, length int64) (io.ReadCloser, error)
}
