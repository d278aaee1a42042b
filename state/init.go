package state

import (
	"context"
	"io"

	"github.com/filecoin-project/go-address"
	"github.com/filecoin-project/go-state-types/abi"
	"github.com/ipfs/go-cid"
	"golang.org/x/xerrors"

	"github.com/filstate/core/hamt"
	"github.com/filstate/core/internal/cborutil"
)

// InitActorID is the fixed, well-known ID of the init actor singleton.
const InitActorID = abi.ActorID(1)

// FirstNonSingletonActorID is the first ID the init actor hands out to a
// newly registered address; built-in singleton actors occupy the IDs below
// it, pre-populated at genesis.
const FirstNonSingletonActorID = abi.ActorID(100)

// InitActorState is the init actor's own state: a sub-HAMT mapping
// non-ID addresses to the ID addresses they've been assigned, plus the
// next ID to hand out.
type InitActorState struct {
	AddressMap cid.Cid
	NextID     abi.ActorID
}

// NewInitActorState creates and flushes an empty address map, returning
// the state object ready to be stored as the init actor's head.
func NewInitActorState(ctx context.Context, store hamt.Store) (*InitActorState, error) {
	h := hamt.New(store)
	root, err := h.Flush(ctx)
	if err != nil {
		return nil, err
	}
	return &InitActorState{AddressMap: root, NextID: FirstNonSingletonActorID}, nil
}

// ResolveAddress resolves addr to its assigned ID, consulting the address
// map for anything that isn't already an ID address.
func (s *InitActorState) ResolveAddress(ctx context.Context, store hamt.Store, addr address.Address) (abi.ActorID, bool, error) {
	if addr.Protocol() == address.ID {
		id, err := address.IDFromAddress(addr)
		if err != nil {
			return 0, false, err
		}
		return abi.ActorID(id), true, nil
	}

	h, err := hamt.Load(ctx, store, s.AddressMap)
	if err != nil {
		return 0, false, err
	}
	var v actorIDValue
	found, err := h.Get(ctx, addr.Bytes(), &v)
	if err != nil {
		return 0, false, err
	}
	if !found {
		return 0, false, nil
	}
	return abi.ActorID(v), true, nil
}

// MapAddressToNewID allocates the next sequential ID for addr, records the
// mapping, and returns the assigned ID. The caller is responsible for
// persisting the updated InitActorState (its AddressMap and NextID fields
// both change).
func (s *InitActorState) MapAddressToNewID(ctx context.Context, store hamt.Store, addr address.Address) (abi.ActorID, error) {
	h, err := hamt.Load(ctx, store, s.AddressMap)
	if err != nil {
		return 0, err
	}
	id := s.NextID
	s.NextID++
	if err := h.Set(ctx, addr.Bytes(), actorIDValue(id)); err != nil {
		return 0, err
	}
	root, err := h.Flush(ctx)
	if err != nil {
		return 0, err
	}
	s.AddressMap = root
	return id, nil
}

// MarshalCBOR writes the canonical 2-tuple [address_map, next_id].
func (s *InitActorState) MarshalCBOR(w io.Writer) error {
	if err := cborutil.WriteArrayHeader(w, 2); err != nil {
		return err
	}
	if err := cborutil.WriteCid(w, s.AddressMap); err != nil {
		return err
	}
	return cborutil.WriteUint(w, uint64(s.NextID))
}

func (s *InitActorState) UnmarshalCBOR(r io.Reader) error {
	n, err := cborutil.ReadArrayHeader(r)
	if err != nil {
		return err
	}
	if n != 2 {
		return xerrors.Errorf("state: init actor state tuple must have 2 elements, got %d", n)
	}
	if s.AddressMap, err = cborutil.ReadCid(r); err != nil {
		return err
	}
	next, err := cborutil.ReadUint(r)
	if err != nil {
		return err
	}
	s.NextID = abi.ActorID(next)
	return nil
}

// actorIDValue is a bare uint64 HAMT leaf value used by the address map;
// kept distinct from abi.ActorID so its CBOR encoding is controlled here
// rather than assumed from the shared-types package.
type actorIDValue abi.ActorID

func (v actorIDValue) MarshalCBOR(w io.Writer) error {
	return cborutil.WriteUint(w, uint64(v))
}

func (v *actorIDValue) UnmarshalCBOR(r io.Reader) error {
	n, err := cborutil.ReadUint(r)
	if err != nil {
		return err
	}
	*v = actorIDValue(n)
	return nil
}
