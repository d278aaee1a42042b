// Package state implements the transactional actor state tree: a HAMT of
// ActorState records keyed by ID address, two undo-logged caches sitting in
// front of it, and a LIFO transaction/snapshot stack governing both.
package state

import (
	"bytes"
	"context"
	"fmt"

	"github.com/filecoin-project/go-address"
	"github.com/filecoin-project/go-state-types/abi"
	"github.com/ipfs/go-cid"
	cbg "github.com/whyrusleeping/cbor-gen"
	"golang.org/x/xerrors"

	"github.com/filstate/core/adt"
	"github.com/filstate/core/hamt"
)

// actorCacheEntry mirrors the reference engine's ActorCacheEntry: whether
// this slot needs to be written through to the HAMT on flush, and the
// cached actor itself (nil means absent/deleted).
type actorCacheEntry struct {
	dirty bool
	actor *ActorState
}

// snapLayer records the two cache heights at the moment a writable
// transaction began, so EndTransaction(revert=true) knows how far back to
// roll each cache.
type snapLayer struct {
	actorCacheHeight   int
	resolveCacheHeight int
}

// StateTree is not safe for concurrent use; the whole engine is
// single-threaded by design (spec §5).
type StateTree struct {
	hamt    *hamt.Hamt
	store   hamt.Store
	version StateTreeVersion
	info    cid.Cid

	actorCache   *adt.HistoryMap // abi.ActorID -> *actorCacheEntry
	resolveCache *adt.HistoryMap // address.Address -> abi.ActorID

	layers         []snapLayer
	readOnlyLayers uint32
}

// New creates an empty state tree. Only StateTreeVersion5 is accepted;
// anything earlier is a fatal error, matching the non-goal of supporting
// pre-V5 state-root formats.
func New(ctx context.Context, store hamt.Store, version StateTreeVersion) (*StateTree, error) {
	if version != StateTreeVersion5 {
		return nil, Fatalf("unsupported state tree version: %d", version)
	}
	infoCid, err := store.Put(ctx, &StateInfo0{})
	if err != nil {
		return nil, Fatal(err)
	}
	return &StateTree{
		hamt:         hamt.NewWithConfig(store, hamt.Config{BitWidth: HamtBitWidth, BucketSize: hamt.DefaultBucketSize, Hash: hamt.Sha256Hash}),
		store:        store,
		version:      version,
		info:         infoCid,
		actorCache:   adt.NewHistoryMap(),
		resolveCache: adt.NewHistoryMap(),
	}, nil
}

// LoadFromRoot opens an existing tree from its root CID, the value
// returned by a previous Flush.
func LoadFromRoot(ctx context.Context, store hamt.Store, root cid.Cid) (*StateTree, error) {
	sr := &StateRoot{}
	if err := store.Get(ctx, root, sr); err != nil {
		return nil, Fatalf("failed to load state tree %s: %w", root, err)
	}
	if sr.Version != StateTreeVersion5 {
		return nil, Fatalf("unsupported state tree version: %d", sr.Version)
	}
	conf := hamt.Config{BitWidth: HamtBitWidth, BucketSize: hamt.DefaultBucketSize, Hash: hamt.Sha256Hash}
	h, err := hamt.LoadWithConfig(ctx, store, sr.Actors, conf)
	if err != nil {
		return nil, Fatalf("failed to load state tree: %w", err)
	}
	return &StateTree{
		hamt:         h,
		store:        store,
		version:      sr.Version,
		info:         sr.Info,
		actorCache:   adt.NewHistoryMap(),
		resolveCache: adt.NewHistoryMap(),
	}, nil
}

// Store returns the underlying block store.
func (t *StateTree) Store() hamt.Store { return t.store }

func idAddrKey(id abi.ActorID) ([]byte, error) {
	addr, err := address.NewIDAddress(uint64(id))
	if err != nil {
		return nil, err
	}
	return addr.Bytes(), nil
}

// GetActor returns the actor registered under id, or nil if none exists.
func (t *StateTree) GetActor(ctx context.Context, id abi.ActorID) (*ActorState, error) {
	v, err := t.actorCache.GetOrInsertWith(id, func() (interface{}, error) {
		key, err := idAddrKey(id)
		if err != nil {
			return nil, Fatal(err)
		}
		var rec ActorState
		found, err := t.hamt.Get(ctx, key, &rec)
		if err != nil {
			return nil, OrFatal(xerrors.Errorf("failed to lookup actor %d: %w", id, err))
		}
		entry := &actorCacheEntry{dirty: false}
		if found {
			entry.actor = &rec
		}
		return entry, nil
	})
	if err != nil {
		return nil, err
	}
	entry := v.(*actorCacheEntry)
	if entry.actor == nil {
		return nil, nil
	}
	cp := *entry.actor
	return &cp, nil
}

// GetActorByAddress resolves addr to an ID and returns its actor record.
func (t *StateTree) GetActorByAddress(ctx context.Context, addr address.Address) (*ActorState, error) {
	id, found, err := t.LookupID(ctx, addr)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}
	return t.GetActor(ctx, id)
}

// SetActor unconditionally replaces the actor registered under id.
func (t *StateTree) SetActor(ctx context.Context, id abi.ActorID, actor *ActorState) error {
	if err := t.assertWritable(); err != nil {
		return err
	}
	cp := *actor
	t.actorCache.Insert(id, &actorCacheEntry{dirty: true, actor: &cp})
	return nil
}

// DeleteActor marks id as deleted. No error if it didn't exist.
func (t *StateTree) DeleteActor(ctx context.Context, id abi.ActorID) error {
	if err := t.assertWritable(); err != nil {
		return err
	}
	t.actorCache.Insert(id, &actorCacheEntry{dirty: true, actor: nil})
	return nil
}

// LookupID resolves addr to its assigned ID address.
func (t *StateTree) LookupID(ctx context.Context, addr address.Address) (abi.ActorID, bool, error) {
	if addr.Protocol() == address.ID {
		id, err := address.IDFromAddress(addr)
		if err != nil {
			return 0, false, Fatal(err)
		}
		return abi.ActorID(id), true, nil
	}

	if v, ok := t.resolveCache.Get(addr); ok {
		return v.(abi.ActorID), true, nil
	}

	initState, err := t.loadInitActorState(ctx)
	if err != nil {
		return 0, false, err
	}

	id, found, err := initState.ResolveAddress(ctx, t.store, addr)
	if err != nil {
		return 0, false, Fatal(err)
	}
	if !found {
		return 0, false, nil
	}

	t.resolveCache.Insert(addr, id)
	return id, true, nil
}

// MutateActor loads id, applies mutate in place, and stores the result. A
// missing actor is a caller bug, not a recoverable condition, so it is
// reported as a fatal error wrapping NotFoundError; callers that need to
// treat a missing actor as a non-fatal outcome should check first with
// MaybeMutateActor instead.
func (t *StateTree) MutateActor(ctx context.Context, id abi.ActorID, mutate func(*ActorState) error) error {
	found, err := t.MaybeMutateActor(ctx, id, mutate)
	if err != nil {
		return err
	}
	if !found {
		return Fatal(&NotFoundError{What: fmt.Sprintf("actor %d", id)})
	}
	return nil
}

// MaybeMutateActor is MutateActor but returns found=false instead of an
// error when the actor doesn't exist.
func (t *StateTree) MaybeMutateActor(ctx context.Context, id abi.ActorID, mutate func(*ActorState) error) (bool, error) {
	act, err := t.GetActor(ctx, id)
	if err != nil {
		return false, err
	}
	if act == nil {
		return false, nil
	}
	if err := mutate(act); err != nil {
		return false, err
	}
	if err := t.SetActor(ctx, id, act); err != nil {
		return false, err
	}
	return true, nil
}

// RegisterNewAddress allocates a fresh ID for addr through the init actor
// and persists the updated init-actor state.
func (t *StateTree) RegisterNewAddress(ctx context.Context, addr address.Address) (abi.ActorID, error) {
	initActor, err := t.GetActor(ctx, InitActorID)
	if err != nil {
		return 0, err
	}
	if initActor == nil {
		return 0, Fatalf("init actor missing from state tree")
	}
	initState, err := t.decodeInitActorState(ctx, initActor)
	if err != nil {
		return 0, err
	}

	newID, err := initState.MapAddressToNewID(ctx, t.store, addr)
	if err != nil {
		return 0, Fatal(err)
	}

	headCid, err := t.store.Put(ctx, initState)
	if err != nil {
		return 0, Fatal(err)
	}
	initActor.Head = headCid

	if err := t.SetActor(ctx, InitActorID, initActor); err != nil {
		return 0, err
	}
	return newID, nil
}

func (t *StateTree) loadInitActorState(ctx context.Context) (*InitActorState, error) {
	initActor, err := t.GetActor(ctx, InitActorID)
	if err != nil {
		return nil, err
	}
	if initActor == nil {
		return nil, Fatalf("init actor missing from state tree")
	}
	return t.decodeInitActorState(ctx, initActor)
}

func (t *StateTree) decodeInitActorState(ctx context.Context, initActor *ActorState) (*InitActorState, error) {
	var s InitActorState
	if err := t.store.Get(ctx, initActor.Head, &s); err != nil {
		return nil, Fatalf("failed to load init actor state: %w", err)
	}
	return &s, nil
}

// BeginTransaction opens a new nested scope. A read-only scope (or one
// nested inside an existing read-only scope) just bumps a counter;
// otherwise a fresh snapshot layer is pushed.
func (t *StateTree) BeginTransaction(readOnly bool) {
	if readOnly || t.IsReadOnly() {
		t.readOnlyLayers++
		return
	}
	t.layers = append(t.layers, snapLayer{
		actorCacheHeight:   t.actorCache.Len(),
		resolveCacheHeight: t.resolveCache.Len(),
	})
}

// EndTransaction closes the innermost scope opened by BeginTransaction,
// rolling back both caches when revert is true. After the outermost
// transaction ends, undo history is discarded from both caches: nothing
// outside the tree can observe it any more.
func (t *StateTree) EndTransaction(revert bool) error {
	if t.IsReadOnly() {
		t.readOnlyLayers--
	} else {
		if len(t.layers) == 0 {
			return Fatalf("state snapshots empty")
		}
		layer := t.layers[len(t.layers)-1]
		t.layers = t.layers[:len(t.layers)-1]
		if revert {
			t.actorCache.Rollback(layer.actorCacheHeight)
			t.resolveCache.Rollback(layer.resolveCacheHeight)
		}
	}
	if !t.InTransaction() {
		t.actorCache.DiscardHistory()
		t.resolveCache.DiscardHistory()
	}
	return nil
}

// IsReadOnly reports whether any read-only frame is currently active.
func (t *StateTree) IsReadOnly() bool { return t.readOnlyLayers > 0 }

// InTransaction reports whether any transaction scope, read-only or
// writable, is currently open.
func (t *StateTree) InTransaction() bool {
	return !(t.readOnlyLayers == 0 && len(t.layers) == 0)
}

func (t *StateTree) assertWritable() error {
	if t.IsReadOnly() {
		return &ReadOnlyError{}
	}
	return nil
}

// Flush writes every dirty cache entry through to the HAMT, flushes the
// HAMT, and returns the CID of the wrapped StateRoot object. It refuses to
// run inside any open transaction.
func (t *StateTree) Flush(ctx context.Context) (cid.Cid, error) {
	if t.InTransaction() {
		return cid.Undef, Fatalf("cannot flush while inside of a transaction")
	}

	var writeErr error
	_ = t.actorCache.ForEach(func(key, value interface{}) error {
		entry := value.(*actorCacheEntry)
		if !entry.dirty {
			return nil
		}
		entry.dirty = false
		id := key.(abi.ActorID)
		addrKey, err := idAddrKey(id)
		if err != nil {
			writeErr = Fatal(err)
			return writeErr
		}
		if entry.actor == nil {
			if err := t.hamt.Delete(ctx, addrKey); err != nil && !xerrors.Is(err, hamt.ErrNotFound) {
				writeErr = Fatal(err)
				return writeErr
			}
			return nil
		}
		if err := t.hamt.Set(ctx, addrKey, entry.actor); err != nil {
			writeErr = Fatal(err)
			return writeErr
		}
		return nil
	})
	if writeErr != nil {
		return cid.Undef, writeErr
	}

	actorsRoot, err := t.hamt.Flush(ctx)
	if err != nil {
		return cid.Undef, Fatal(err)
	}

	root := &StateRoot{Version: t.version, Info: t.info, Actors: actorsRoot}
	rootCid, err := t.store.Put(ctx, root)
	if err != nil {
		return cid.Undef, Fatal(err)
	}
	return rootCid, nil
}

// IntoStore discards the tree and returns just its store.
func (t *StateTree) IntoStore() hamt.Store { return t.store }

// ReachableCids returns every block a portable copy of this tree needs to
// carry: rootCid itself (the StateRoot returned by a prior Flush), the info
// object, the actors HAMT's root and every internal node CID, and the Head
// CID of each actor currently in the tree. Actor-specific state beyond Head
// is opaque to this engine and is not walked.
func (t *StateTree) ReachableCids(ctx context.Context, rootCid cid.Cid) ([]cid.Cid, error) {
	actorsRoot, err := t.hamt.Flush(ctx)
	if err != nil {
		return nil, Fatal(err)
	}
	cids := []cid.Cid{rootCid, t.info, actorsRoot}
	var heads []cid.Cid
	// ForEach resolves every HAMT node, so Cids below sees the whole trie.
	if err := t.ForEach(ctx, func(_ address.Address, a *ActorState) error {
		if a.Head.Defined() {
			heads = append(heads, a.Head)
		}
		return nil
	}); err != nil {
		return nil, err
	}
	cids = append(cids, t.hamt.Cids()...)
	cids = append(cids, heads...)
	return cids, nil
}

// ForEach visits every actor in the tree in hash order. Dirty, uncommitted
// cache entries are not reflected: callers that need to see pending
// mutations should Flush first.
func (t *StateTree) ForEach(ctx context.Context, f func(address.Address, *ActorState) error) error {
	return t.hamt.ForEach(ctx, func(key []byte, val *cbg.Deferred) error {
		addr, err := address.NewFromBytes(key)
		if err != nil {
			return Fatal(err)
		}
		var rec ActorState
		if err := rec.UnmarshalCBOR(bytes.NewReader(val.Raw)); err != nil {
			return Fatal(err)
		}
		return f(addr, &rec)
	})
}
