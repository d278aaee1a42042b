package hamt

import (
	"bytes"
	"context"
	"io"
	"math/big"
	"sort"

	"github.com/ipfs/go-cid"
	cbg "github.com/whyrusleeping/cbor-gen"
	"golang.org/x/xerrors"

	"github.com/filstate/core/internal/cborutil"
)

// kv is one key/value pair inside a leaf bucket. Value is kept as raw,
// deferred CBOR bytes so the trie never needs to know the concrete value
// type (mirrors cbg.Deferred's role across the filecoin CBOR stack).
type kv struct {
	Key   []byte
	Value *cbg.Deferred
}

// pointer is a HAMT child slot: either a leaf bucket (KVs != nil), or a link
// to a child subtree, which starts as an unresolved CID and is replaced
// in-memory with a cached *node the first time traversal descends into it.
// A bucket never has a defined Link. A link pointer made by a bucket split
// holds only its cached node, with Link undefined, until the next flush
// assigns its CID.
type pointer struct {
	KVs  []*kv
	Link cidRef

	cache *node // resolved subtree; nil until first descent
}

func (p *pointer) isBucket() bool { return p.KVs != nil }

// node is one interior (or, once fully collapsed, effectively leaf-only)
// HAMT node: a sparse bitmap of occupied slots and a dense array of
// pointers, one per set bit, ordered by slot index.
type node struct {
	Bitmap   *big.Int
	Pointers []*pointer

	dirty bool
}

func newNode() *node {
	return &node{Bitmap: new(big.Int), dirty: true}
}

func (n *node) isEmpty() bool {
	return len(n.Pointers) == 0
}

// slotPos returns the dense-array position of logical slot idx, and whether
// that slot is currently occupied.
func (n *node) slotPos(idx int) (pos int, occupied bool) {
	occupied = n.Bitmap.Bit(idx) == 1
	for i := 0; i < idx; i++ {
		if n.Bitmap.Bit(i) == 1 {
			pos++
		}
	}
	return pos, occupied
}

func (n *node) setBit(idx int) {
	n.Bitmap.SetBit(n.Bitmap, idx, 1)
}

func (n *node) clearBit(idx int) {
	n.Bitmap.SetBit(n.Bitmap, idx, 0)
}

// resolve returns the in-memory subtree for a link pointer, loading it from
// the store on first use (the laziness the spec requires in §9).
func (n *node) resolve(ctx context.Context, cs cborGetter, p *pointer) (*node, error) {
	if p.cache != nil {
		return p.cache, nil
	}
	if !p.Link.c.Defined() {
		return nil, xerrors.New("hamt: pointer has neither bucket nor link")
	}
	child := &node{Bitmap: new(big.Int)}
	if err := cs.Get(ctx, p.Link.c, child); err != nil {
		return nil, &CidNotFoundError{Cid: p.Link.c}
	}
	p.cache = child
	return child, nil
}

// set inserts or replaces key at this node/depth. It returns the previous
// value and replaced=true when key was already present (the key set is
// unchanged), or nil and false when key is new.
func (n *node) set(ctx context.Context, cs cborGetter, conf Config, key []byte, val *cbg.Deferred, hb *hashBits, depth int) (prev *cbg.Deferred, replaced bool, err error) {
	idx, err := hb.next(conf.BitWidth)
	if err != nil {
		return nil, false, ErrMaxDepth
	}
	pos, occupied := n.slotPos(idx)

	if !occupied {
		n.insertPointerAt(pos, idx, &pointer{KVs: []*kv{{Key: key, Value: val}}})
		n.dirty = true
		return nil, false, nil
	}

	p := n.Pointers[pos]
	if p.isBucket() {
		for i, e := range p.KVs {
			if bytes.Equal(e.Key, key) {
				prev = e.Value
				p.KVs[i] = &kv{Key: key, Value: val}
				n.dirty = true
				return prev, true, nil
			}
		}
		if len(p.KVs) < conf.BucketSize {
			// Keep the bucket sorted by key so its encoding does not depend
			// on insertion order.
			i := 0
			for i < len(p.KVs) && bytes.Compare(p.KVs[i].Key, key) < 0 {
				i++
			}
			p.KVs = append(p.KVs, nil)
			copy(p.KVs[i+1:], p.KVs[i:])
			p.KVs[i] = &kv{Key: key, Value: val}
			n.dirty = true
			return nil, false, nil
		}
		// Bucket is full: split into a child node one level deeper and
		// redistribute every existing entry plus the new one.
		child := newNode()
		for _, e := range p.KVs {
			childHB := hb.forked(e.Key, conf.Hash, depth+1)
			if _, _, err := child.set(ctx, cs, conf, e.Key, e.Value, childHB, depth+1); err != nil {
				return nil, false, err
			}
		}
		newHB := hb.forked(key, conf.Hash, depth+1)
		if _, _, err := child.set(ctx, cs, conf, key, val, newHB, depth+1); err != nil {
			return nil, false, err
		}
		n.Pointers[pos] = &pointer{Link: cidRef{}, cache: child}
		n.dirty = true
		return nil, false, nil
	}

	// Link pointer: resolve and recurse.
	child, err := n.resolve(ctx, cs, p)
	if err != nil {
		return nil, false, err
	}
	prev, replaced, err = child.set(ctx, cs, conf, key, val, hb, depth+1)
	if err != nil {
		return nil, false, err
	}
	if child.dirty {
		n.dirty = true
	}
	return prev, replaced, nil
}

func (n *node) insertPointerAt(pos, idx int, p *pointer) {
	n.Pointers = append(n.Pointers, nil)
	copy(n.Pointers[pos+1:], n.Pointers[pos:])
	n.Pointers[pos] = p
	n.setBit(idx)
}

func (n *node) get(ctx context.Context, cs cborGetter, conf Config, key []byte, hb *hashBits) (*cbg.Deferred, bool, error) {
	idx, err := hb.next(conf.BitWidth)
	if err != nil {
		return nil, false, ErrMaxDepth
	}
	pos, occupied := n.slotPos(idx)
	if !occupied {
		return nil, false, nil
	}
	p := n.Pointers[pos]
	if p.isBucket() {
		for _, e := range p.KVs {
			if bytes.Equal(e.Key, key) {
				return e.Value, true, nil
			}
		}
		return nil, false, nil
	}
	child, err := n.resolve(ctx, cs, p)
	if err != nil {
		return nil, false, err
	}
	return child.get(ctx, cs, conf, key, hb)
}

// remove deletes key from this node/depth. A child left holding only leaf
// buckets with at most BucketSize entries in total is collapsed into one
// key-sorted bucket, so the trie has the same shape as one built directly
// from the remaining keys.
func (n *node) remove(ctx context.Context, cs cborGetter, conf Config, key []byte, hb *hashBits) (*cbg.Deferred, bool, error) {
	idx, err := hb.next(conf.BitWidth)
	if err != nil {
		return nil, false, ErrMaxDepth
	}
	pos, occupied := n.slotPos(idx)
	if !occupied {
		return nil, false, nil
	}
	p := n.Pointers[pos]
	if p.isBucket() {
		for i, e := range p.KVs {
			if bytes.Equal(e.Key, key) {
				val := e.Value
				p.KVs = append(p.KVs[:i], p.KVs[i+1:]...)
				if len(p.KVs) == 0 {
					n.removePointerAt(pos, idx)
				}
				n.dirty = true
				return val, true, nil
			}
		}
		return nil, false, nil
	}

	child, err := n.resolve(ctx, cs, p)
	if err != nil {
		return nil, false, err
	}
	val, found, err := child.remove(ctx, cs, conf, key, hb)
	if err != nil || !found {
		return val, found, err
	}
	n.dirty = true

	if child.isEmpty() {
		n.removePointerAt(pos, idx)
		return val, true, nil
	}
	var merged []*kv
	for _, cp := range child.Pointers {
		if !cp.isBucket() {
			return val, true, nil
		}
		merged = append(merged, cp.KVs...)
	}
	if len(merged) <= conf.BucketSize {
		sort.Slice(merged, func(i, j int) bool { return bytes.Compare(merged[i].Key, merged[j].Key) < 0 })
		n.Pointers[pos] = &pointer{KVs: merged}
	}
	return val, true, nil
}

func (n *node) removePointerAt(pos, idx int) {
	n.Pointers = append(n.Pointers[:pos], n.Pointers[pos+1:]...)
	n.clearBit(idx)
}

// forEach visits every key/value pair in deterministic slot order, which is
// hash order by construction (spec §4.1 "deterministic (hash-order)
// traversal").
func (n *node) forEach(ctx context.Context, cs cborGetter, f func(key []byte, val *cbg.Deferred) error) error {
	for _, p := range n.Pointers {
		if p.isBucket() {
			for _, e := range p.KVs {
				if err := f(e.Key, e.Value); err != nil {
					return err
				}
			}
			continue
		}
		child, err := n.resolve(ctx, cs, p)
		if err != nil {
			return err
		}
		if err := child.forEach(ctx, cs, f); err != nil {
			return err
		}
	}
	return nil
}

// collectCids appends the CID of every resolved link pointer reachable from
// n (including pointers still cached from a just-completed flush) into out.
// Unresolved link pointers whose subtree was never loaded are included by
// CID only, since descending into them would require a store round trip the
// caller may not want during a pure walk.
func (n *node) collectCids(out *[]cid.Cid) {
	for _, p := range n.Pointers {
		if p.isBucket() {
			continue
		}
		if p.Link.c.Defined() {
			*out = append(*out, p.Link.c)
		}
		if p.cache != nil {
			p.cache.collectCids(out)
		}
	}
}

// flush recursively serializes every dirty descendant in post-order,
// replacing each resolved link pointer's CID with the freshly computed one,
// then clears the dirty bit. Clean subtrees are left untouched.
func (n *node) flush(ctx context.Context, cs cborPutter) error {
	if !n.dirty {
		return nil
	}
	for _, p := range n.Pointers {
		if p.isBucket() || p.cache == nil {
			continue
		}
		if err := p.cache.flush(ctx, cs); err != nil {
			return err
		}
		c, err := cs.Put(ctx, p.cache)
		if err != nil {
			return &BlockstoreError{Err: err}
		}
		p.Link = cidRef{c: c}
	}
	n.dirty = false
	return nil
}

// MarshalCBOR writes the canonical node encoding: a 2-element array of
// [bitmap bytes, pointer array], matching spec §6's on-disk schema.
func (n *node) MarshalCBOR(w io.Writer) error {
	if n == nil {
		return cborutil.WriteNull(w)
	}
	if err := cborutil.WriteArrayHeader(w, 2); err != nil {
		return err
	}
	bm := n.Bitmap
	if bm == nil {
		bm = new(big.Int)
	}
	if err := cborutil.WriteBytes(w, bm.Bytes()); err != nil {
		return err
	}
	if err := cborutil.WriteArrayHeader(w, len(n.Pointers)); err != nil {
		return err
	}
	for _, p := range n.Pointers {
		if err := p.MarshalCBOR(w); err != nil {
			return err
		}
	}
	return nil
}

// UnmarshalCBOR reads back a node written by MarshalCBOR. Link pointers are
// left unresolved (cache == nil); they are resolved lazily on first descent.
func (n *node) UnmarshalCBOR(r io.Reader) error {
	l, err := cborutil.ReadArrayHeader(r)
	if err != nil {
		return err
	}
	if l != 2 {
		return xerrors.Errorf("hamt: node array must have 2 elements, got %d", l)
	}
	bmBytes, err := cborutil.ReadBytes(r)
	if err != nil {
		return err
	}
	n.Bitmap = new(big.Int).SetBytes(bmBytes)

	count, err := cborutil.ReadArrayHeader(r)
	if err != nil {
		return err
	}
	n.Pointers = make([]*pointer, count)
	for i := 0; i < count; i++ {
		p := &pointer{}
		if err := p.UnmarshalCBOR(r); err != nil {
			return err
		}
		n.Pointers[i] = p
	}
	return nil
}

// MarshalCBOR writes a pointer as {"0": [[k,v]...]} for a bucket or
// {"1": cid} for a link, matching spec §6.
func (p *pointer) MarshalCBOR(w io.Writer) error {
	if err := cborutil.WriteMapHeader(w, 1); err != nil {
		return err
	}
	if p.isBucket() {
		if err := cborutil.WriteTextString(w, "0"); err != nil {
			return err
		}
		if err := cborutil.WriteArrayHeader(w, len(p.KVs)); err != nil {
			return err
		}
		for _, e := range p.KVs {
			if err := e.MarshalCBOR(w); err != nil {
				return err
			}
		}
		return nil
	}
	if err := cborutil.WriteTextString(w, "1"); err != nil {
		return err
	}
	return cborutil.WriteCid(w, p.Link.c)
}

func (p *pointer) UnmarshalCBOR(r io.Reader) error {
	n, err := cborutil.ReadMapHeader(r)
	if err != nil {
		return err
	}
	if n != 1 {
		return xerrors.Errorf("hamt: pointer map must have exactly 1 entry, got %d", n)
	}
	tag, err := cborutil.ReadTextString(r)
	if err != nil {
		return err
	}
	switch tag {
	case "0":
		count, err := cborutil.ReadArrayHeader(r)
		if err != nil {
			return err
		}
		p.KVs = make([]*kv, count)
		for i := 0; i < count; i++ {
			e := &kv{}
			if err := e.UnmarshalCBOR(r); err != nil {
				return err
			}
			p.KVs[i] = e
		}
		return nil
	case "1":
		c, err := cborutil.ReadCid(r)
		if err != nil {
			return err
		}
		p.Link = cidRef{c: c}
		return nil
	default:
		return xerrors.Errorf("hamt: unknown pointer tag %q", tag)
	}
}

func (e *kv) MarshalCBOR(w io.Writer) error {
	if err := cborutil.WriteArrayHeader(w, 2); err != nil {
		return err
	}
	if err := cborutil.WriteBytes(w, e.Key); err != nil {
		return err
	}
	if e.Value == nil {
		return cborutil.WriteNull(w)
	}
	_, err := w.Write(e.Value.Raw)
	return err
}

func (e *kv) UnmarshalCBOR(r io.Reader) error {
	n, err := cborutil.ReadArrayHeader(r)
	if err != nil {
		return err
	}
	if n != 2 {
		return xerrors.Errorf("hamt: kv array must have 2 elements, got %d", n)
	}
	key, err := cborutil.ReadBytes(r)
	if err != nil {
		return err
	}
	e.Key = key
	deferred := &cbg.Deferred{}
	if err := deferred.UnmarshalCBOR(r); err != nil {
		return err
	}
	e.Value = deferred
	return nil
}
