// Package blockstore defines the content-addressed block storage contract
// consumed by the HAMT and state tree packages, plus a small in-memory
// implementation used by tests and the statetree-inspect tool.
package blockstore

import (
	"context"

	"github.com/ipfs/go-cid"
	"golang.org/x/xerrors"
)

// ErrNotFound is returned by Get when no block exists for the given CID.
var ErrNotFound = xerrors.New("blockstore: block not found")

// Blockstore is the synchronous, content-addressed byte-blob store the
// engine is built on. Implementations are not required to be safe for
// concurrent use; the engine never calls them from more than one goroutine.
type Blockstore interface {
	// Get returns the raw bytes stored under c, or ErrNotFound.
	Get(ctx context.Context, c cid.Cid) ([]byte, error)
	// Put stores data, hashed with the given multihash code, and returns
	// its CID.
	Put(ctx context.Context, mhCode uint64, data []byte) (cid.Cid, error)
	// Has reports whether a block exists without fetching its contents.
	Has(ctx context.Context, c cid.Cid) (bool, error)
}

// DefaultMhCode is the hash algorithm the state tree uses for every write:
// the multicodec table entry for blake2b-256.
const DefaultMhCode = 0xb220
