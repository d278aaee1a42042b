// Package hamt implements the persistent, content-addressed hash-array
// mapped trie used as the backing structure for actor state maps: a sparse
// trie of CBOR-encoded nodes, lazily resolved from and flushed to a CBOR
// blockstore, canonical under insertion/deletion order per spec §4.1.
package hamt

import (
	"bytes"
	"context"

	"github.com/ipfs/go-cid"
	cbg "github.com/whyrusleeping/cbor-gen"
	"golang.org/x/xerrors"
)

// Hamt is the facade over a root node: the entry point every caller uses
// instead of touching node internals directly.
type Hamt struct {
	root *node
	cs   Store
	conf Config

	flushedCid cid.Cid // cached result of the last Flush; cleared on mutation
}

// Store is the storage dependency a Hamt needs: resolving link pointers
// lazily and content-addressing dirty nodes on Flush.
type Store interface {
	cborGetter
	cborPutter
}

// New creates an empty Hamt backed by cs, using the default configuration.
func New(cs Store) *Hamt {
	return NewWithConfig(cs, DefaultConfig())
}

// NewWithConfig creates an empty Hamt with an explicit configuration.
func NewWithConfig(cs Store, conf Config) *Hamt {
	return &Hamt{root: newNode(), cs: cs, conf: conf.withDefaults()}
}

// Load resolves an existing Hamt from its root CID, using the default
// configuration. The root node itself is fetched eagerly; everything below
// it stays lazy.
func Load(ctx context.Context, cs Store, root cid.Cid) (*Hamt, error) {
	return LoadWithConfig(ctx, cs, root, DefaultConfig())
}

// LoadWithConfig resolves an existing Hamt with an explicit configuration.
// The configuration must match what the trie was built with, since bit
// width and hash function both affect slot placement.
func LoadWithConfig(ctx context.Context, cs Store, root cid.Cid, conf Config) (*Hamt, error) {
	n := &node{}
	if err := cs.Get(ctx, root, n); err != nil {
		return nil, &CidNotFoundError{Cid: root}
	}
	h := &Hamt{root: n, cs: cs, conf: conf.withDefaults(), flushedCid: root}
	return h, nil
}

// Set inserts or replaces the value stored under key. v is marshaled
// immediately into a deferred byte blob; callers that need the previous
// value back should use Get first.
func (h *Hamt) Set(ctx context.Context, key []byte, v cbg.CBORMarshaler) error {
	deferred, err := toDeferred(v)
	if err != nil {
		return &SerializeError{Err: err}
	}
	hb := newHashBits(key, h.conf.Hash, h.conf.BitWidth)
	if _, _, err := h.root.set(ctx, h.cs, h.conf, key, deferred, hb, 0); err != nil {
		return err
	}
	h.flushedCid = cid.Undef
	return nil
}

// SetIfAbsent inserts v under key only if key is not already present,
// reporting whether the insertion happened.
func (h *Hamt) SetIfAbsent(ctx context.Context, key []byte, v cbg.CBORMarshaler) (bool, error) {
	hb := newHashBits(key, h.conf.Hash, h.conf.BitWidth)
	_, found, err := h.root.get(ctx, h.cs, h.conf, key, hb)
	if err != nil {
		return false, err
	}
	if found {
		return false, nil
	}
	if err := h.Set(ctx, key, v); err != nil {
		return false, err
	}
	return true, nil
}

// Get looks up key and, if found, unmarshals its value into out.
func (h *Hamt) Get(ctx context.Context, key []byte, out cbg.CBORUnmarshaler) (bool, error) {
	hb := newHashBits(key, h.conf.Hash, h.conf.BitWidth)
	deferred, found, err := h.root.get(ctx, h.cs, h.conf, key, hb)
	if err != nil {
		return false, err
	}
	if !found {
		return false, nil
	}
	if out == nil {
		return true, nil
	}
	if err := fromDeferred(deferred, out); err != nil {
		return false, &SerializeError{Err: err}
	}
	return true, nil
}

// ContainsKey reports whether key is present, without decoding its value.
func (h *Hamt) ContainsKey(ctx context.Context, key []byte) (bool, error) {
	return h.Get(ctx, key, nil)
}

// Delete removes key, returning ErrNotFound if it was absent.
func (h *Hamt) Delete(ctx context.Context, key []byte) error {
	hb := newHashBits(key, h.conf.Hash, h.conf.BitWidth)
	_, found, err := h.root.remove(ctx, h.cs, h.conf, key, hb)
	if err != nil {
		return err
	}
	if !found {
		return ErrNotFound
	}
	h.flushedCid = cid.Undef
	return nil
}

// ForEach visits every key/value pair in deterministic hash order.
func (h *Hamt) ForEach(ctx context.Context, f func(key []byte, val *cbg.Deferred) error) error {
	return h.root.forEach(ctx, h.cs, f)
}

// IsEmpty reports whether the trie holds no entries.
func (h *Hamt) IsEmpty() bool {
	return h.root.isEmpty()
}

// Flush serializes every dirty node to the store and returns the root CID.
// It is idempotent: calling it again with no intervening mutation returns
// the same CID without writing anything, per spec §8 property #6.
func (h *Hamt) Flush(ctx context.Context) (cid.Cid, error) {
	if h.flushedCid.Defined() {
		return h.flushedCid, nil
	}
	if err := h.root.flush(ctx, h.cs); err != nil {
		return cid.Undef, err
	}
	c, err := h.cs.Put(ctx, h.root)
	if err != nil {
		return cid.Undef, &BlockstoreError{Err: err}
	}
	h.flushedCid = c
	return c, nil
}

// Cids returns the CID of every link pointer reachable from the root through
// subtrees resolved in memory. An unresolved link contributes its own CID,
// but its subtree is not walked; ForEach resolves every subtree. The root's
// own CID is not included; callers that flushed first already have it.
func (h *Hamt) Cids() []cid.Cid {
	var out []cid.Cid
	h.root.collectCids(&out)
	return out
}

// Store returns the underlying CBOR store.
func (h *Hamt) Store() Store {
	return h.cs
}

// IntoStore discards the trie and returns just its store, for callers that
// are done with this view and want to reuse the same backing store.
func (h *Hamt) IntoStore() Store {
	return h.cs
}

func toDeferred(v cbg.CBORMarshaler) (*cbg.Deferred, error) {
	var buf bytes.Buffer
	if err := v.MarshalCBOR(&buf); err != nil {
		return nil, err
	}
	return &cbg.Deferred{Raw: buf.Bytes()}, nil
}

func fromDeferred(d *cbg.Deferred, out cbg.CBORUnmarshaler) error {
	if d == nil {
		return xerrors.New("hamt: nil deferred value")
	}
	return out.UnmarshalCBOR(bytes.NewReader(d.Raw))
}
