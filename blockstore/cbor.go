package blockstore

import (
	"bytes"
	"context"

	"github.com/ipfs/go-cid"
	cbg "github.com/whyrusleeping/cbor-gen"
	"golang.org/x/xerrors"
)

// CborStore is the convenience Get/Put pair built on top of a raw
// Blockstore, shaped like cbor.IpldStore from github.com/ipfs/go-ipld-cbor
// but not built on it: that package's Get/Put encode through reflection
// into generic refmt/CBOR, which would not reproduce the canonical
// cbor-gen tuple encoding this engine's content-addressing depends on.
// Values here are (de)serialized directly through the cbor-gen
// CBORMarshaler/CBORUnmarshaler interfaces instead.
type CborStore struct {
	bs     Blockstore
	mhCode uint64
}

// NewCborStore wraps bs, hashing every Put with mhCode (blake2b-256 by
// default for state-tree writes, per spec).
func NewCborStore(bs Blockstore) *CborStore {
	return &CborStore{bs: bs, mhCode: DefaultMhCode}
}

// WithHash returns a copy of the store that hashes writes with mhCode
// instead of the default.
func (s *CborStore) WithHash(mhCode uint64) *CborStore {
	return &CborStore{bs: s.bs, mhCode: mhCode}
}

func (s *CborStore) Blockstore() Blockstore {
	return s.bs
}

// Get loads the block named by c and unmarshals it into out.
func (s *CborStore) Get(ctx context.Context, c cid.Cid, out cbg.CBORUnmarshaler) error {
	data, err := s.bs.Get(ctx, c)
	if err != nil {
		return err
	}
	return out.UnmarshalCBOR(bytes.NewReader(data))
}

// Put marshals v canonically and stores it, returning the resulting CID.
func (s *CborStore) Put(ctx context.Context, v cbg.CBORMarshaler) (cid.Cid, error) {
	var buf bytes.Buffer
	if err := v.MarshalCBOR(&buf); err != nil {
		return cid.Undef, xerrors.Errorf("failed to marshal cbor object: %w", err)
	}
	return s.bs.Put(ctx, s.mhCode, buf.Bytes())
}
