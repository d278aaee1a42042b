package blockstore

import (
	"context"

	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multihash"
)

// MemoryBlockstore is a map-backed Blockstore, analogous to
// fvm_ipld_blockstore::MemoryBlockstore in the original engine. It is not
// safe for concurrent use, matching the engine's single-threaded model.
type MemoryBlockstore struct {
	blocks map[cid.Cid][]byte
}

var _ Blockstore = (*MemoryBlockstore)(nil)

// NewMemoryBlockstore returns an empty in-memory block store.
func NewMemoryBlockstore() *MemoryBlockstore {
	return &MemoryBlockstore{blocks: make(map[cid.Cid][]byte)}
}

func (m *MemoryBlockstore) Get(_ context.Context, c cid.Cid) ([]byte, error) {
	data, ok := m.blocks[c]
	if !ok {
		return nil, ErrNotFound
	}
	return data, nil
}

func (m *MemoryBlockstore) Put(_ context.Context, mhCode uint64, data []byte) (cid.Cid, error) {
	mh, err := multihash.Sum(data, mhCode, -1)
	if err != nil {
		return cid.Undef, err
	}
	c := cid.NewCidV1(cid.DagCBOR, mh)
	m.blocks[c] = data
	return c, nil
}

func (m *MemoryBlockstore) Has(_ context.Context, c cid.Cid) (bool, error) {
	_, ok := m.blocks[c]
	return ok, nil
}

// PutRaw stores data verbatim under the caller-supplied CID, bypassing
// Put's own hashing. Used by CAR import, where each block's CID is already
// fixed by the archive and must be preserved rather than recomputed.
func (m *MemoryBlockstore) PutRaw(_ context.Context, c cid.Cid, data []byte) error {
	m.blocks[c] = data
	return nil
}

// Len reports the number of distinct blocks currently stored. Useful in
// tests asserting that a second flush performed no writes.
func (m *MemoryBlockstore) Len() int {
	return len(m.blocks)
}
