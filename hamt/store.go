package hamt

import (
	"context"

	"github.com/ipfs/go-cid"
	cbg "github.com/whyrusleeping/cbor-gen"
)

// cborGetter is the read half of the blockstore.CborStore API the trie
// needs to resolve link pointers lazily.
type cborGetter interface {
	Get(ctx context.Context, c cid.Cid, out cbg.CBORUnmarshaler) error
}

// cborPutter is the write half, used by flush to content-address every
// dirty child before its parent's link pointer is updated.
type cborPutter interface {
	Put(ctx context.Context, v cbg.CBORMarshaler) (cid.Cid, error)
}

// cidRef wraps a cid.Cid so a pointer's zero value (no link, no bucket) is
// distinguishable from a defined link. A link pointer created by a bucket
// split keeps an undefined cidRef until the next flush.
type cidRef struct {
	c cid.Cid
}
