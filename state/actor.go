package state

import (
	"bufio"
	"io"

	"github.com/filecoin-project/go-address"
	"github.com/filecoin-project/go-state-types/big"
	"github.com/ipfs/go-cid"
	"golang.org/x/xerrors"

	"github.com/filstate/core/internal/cborutil"
)

// ActorState is the per-actor record stored as a HAMT leaf value, keyed by
// the byte encoding of the actor's ID address. Every field but
// DelegatedAddress is mutated over the actor's lifetime; DelegatedAddress
// is set once at creation and never modified.
type ActorState struct {
	Code             cid.Cid
	Head             cid.Cid
	Sequence         uint64
	Balance          big.Int
	DelegatedAddress *address.Address
}

// NewActorState builds an actor record with an explicit starting state
// root, balance, and sequence.
func NewActorState(code, head cid.Cid, balance big.Int, sequence uint64, delegated *address.Address) *ActorState {
	return &ActorState{
		Code:             code,
		Head:             head,
		Sequence:         sequence,
		Balance:          balance,
		DelegatedAddress: delegated,
	}
}

// NewEmptyActorState builds a freshly created actor: zero balance, sequence
// zero, and its state root pointed at the canonical empty HAMT object.
func NewEmptyActorState(code cid.Cid, emptyHead cid.Cid, delegated *address.Address) *ActorState {
	return &ActorState{
		Code:             code,
		Head:             emptyHead,
		Sequence:         0,
		Balance:          big.Zero(),
		DelegatedAddress: delegated,
	}
}

// DeductFunds subtracts amt from the actor's balance, refusing to go
// negative. Mirrors the reference engine's deduct_funds: a recoverable
// InsufficientFunds error, not a fatal one.
func (a *ActorState) DeductFunds(amt big.Int) error {
	if a.Balance.LessThan(amt) {
		return &InsufficientFundsError{Requested: amt, Available: a.Balance}
	}
	a.Balance = big.Sub(a.Balance, amt)
	return nil
}

// DepositFunds adds amt to the actor's balance unconditionally.
func (a *ActorState) DepositFunds(amt big.Int) {
	a.Balance = big.Add(a.Balance, amt)
}

// MarshalCBOR writes the canonical 5-tuple
// [code, head, sequence, balance, delegated_address].
func (a *ActorState) MarshalCBOR(w io.Writer) error {
	if err := cborutil.WriteArrayHeader(w, 5); err != nil {
		return err
	}
	if err := cborutil.WriteCid(w, a.Code); err != nil {
		return err
	}
	if err := cborutil.WriteCid(w, a.Head); err != nil {
		return err
	}
	if err := cborutil.WriteUint(w, a.Sequence); err != nil {
		return err
	}
	if err := a.Balance.MarshalCBOR(w); err != nil {
		return err
	}
	if a.DelegatedAddress == nil {
		return cborutil.WriteNull(w)
	}
	return cborutil.WriteBytes(w, a.DelegatedAddress.Bytes())
}

// UnmarshalCBOR reads back an ActorState written by MarshalCBOR.
func (a *ActorState) UnmarshalCBOR(r io.Reader) error {
	n, err := cborutil.ReadArrayHeader(r)
	if err != nil {
		return err
	}
	if n != 5 {
		return xerrors.Errorf("state: actor tuple must have 5 elements, got %d", n)
	}
	if a.Code, err = cborutil.ReadCid(r); err != nil {
		return err
	}
	if a.Head, err = cborutil.ReadCid(r); err != nil {
		return err
	}
	if a.Sequence, err = cborutil.ReadUint(r); err != nil {
		return err
	}
	a.Balance = big.Zero()
	if err := a.Balance.UnmarshalCBOR(r); err != nil {
		return err
	}

	br := bufio.NewReader(r)
	isNull, err := cborutil.PeekNull(br)
	if err != nil {
		return err
	}
	if isNull {
		a.DelegatedAddress = nil
		return nil
	}
	raw, err := cborutil.ReadBytes(br)
	if err != nil {
		return err
	}
	addr, err := address.NewFromBytes(raw)
	if err != nil {
		return xerrors.Errorf("state: invalid delegated address: %w", err)
	}
	a.DelegatedAddress = &addr
	return nil
}
