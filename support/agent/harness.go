// Package agent drives randomized sequences of state-tree operations
// against a fresh StateTree, the way support/agent in the teacher repo
// drove randomized chain activity against a VM: here each "tick" performs
// one of a small set of weighted operations (create, mutate, delete,
// transact), and CheckInvariants compares the tree's observable behavior
// with an independently tracked oracle of which actor IDs should be live.
// The oracle's membership set is a plain map, converted into a go-bitfield
// (the same structure specs-actors uses for tracking sector/fault sets)
// when invariants are checked.
package agent

import (
	"context"
	"math/rand"
	"testing"

	"github.com/filecoin-project/go-address"
	bitfield "github.com/filecoin-project/go-bitfield"
	"github.com/filecoin-project/go-state-types/abi"
	"github.com/filecoin-project/go-state-types/big"
	"github.com/ipfs/go-cid"
	"github.com/stretchr/testify/require"

	"github.com/filstate/core/blockstore"
	"github.com/filstate/core/state"
)

// Config tunes the operation mix and the number of distinct synthetic
// actor IDs the simulation cycles through.
type Config struct {
	Seed       int64
	ActorSpace uint64 // number of distinct synthetic IDs in play
}

// Sim drives a single StateTree through a sequence of randomized
// operations, tracking which slots ought to be live in a plain set
// (converted into a go-bitfield by CheckInvariants) so the tree's behavior
// can be cross-checked against an independent oracle.
type Sim struct {
	t     *testing.T
	ctx   context.Context
	store *blockstore.CborStore
	tree  *state.StateTree
	rnd   *rand.Rand
	conf  Config

	liveSlots map[uint64]bool
	balances  map[abi.ActorID]big.Int
	code      cid.Cid

	Ticks      int
	FlushCount int
}

// NewSim constructs a fresh state tree at V5 and an empty live-actor
// tracker.
func NewSim(ctx context.Context, t *testing.T, conf Config) *Sim {
	t.Helper()
	if conf.ActorSpace == 0 {
		conf.ActorSpace = 64
	}
	store := blockstore.NewCborStore(blockstore.NewMemoryBlockstore())
	tree, err := state.New(ctx, store, state.StateTreeVersion5)
	require.NoError(t, err)

	codeCid, err := store.Put(ctx, &state.StateInfo0{})
	require.NoError(t, err)

	return &Sim{
		t:         t,
		ctx:       ctx,
		store:     store,
		tree:      tree,
		rnd:       rand.New(rand.NewSource(conf.Seed)),
		conf:      conf,
		liveSlots: make(map[uint64]bool),
		balances:  make(map[abi.ActorID]big.Int),
		code:      codeCid,
	}
}

func (s *Sim) StateTree() *state.StateTree { return s.tree }

// idFor maps a synthetic slot in [0, ActorSpace) to an actor ID, keeping
// the ID space small and dense enough that collisions in the HAMT's bucket
// layout are exercised.
func (s *Sim) idFor(slot uint64) abi.ActorID {
	return state.FirstNonSingletonActorID + abi.ActorID(slot)
}

// liveBitfield encodes the current oracle membership set as a go-bitfield,
// the representation a real actor (e.g. the power actor's claimed-miners
// set) would persist it in.
func (s *Sim) liveBitfield() (*bitfield.BitField, error) {
	slots := make([]uint64, 0, len(s.liveSlots))
	for slot, live := range s.liveSlots {
		if live {
			slots = append(slots, slot)
		}
	}
	return bitfield.NewFromSet(slots)
}

// Tick performs one randomized operation: create, deposit, deduct, delete,
// or a commit/revert transaction wrapping a handful of sub-operations.
func (s *Sim) Tick() error {
	s.Ticks++
	slot := s.rnd.Uint64() % s.conf.ActorSpace
	id := s.idFor(slot)

	switch s.rnd.Intn(5) {
	case 0: // create or overwrite
		amt := big.NewInt(s.rnd.Int63n(1_000_000))
		if err := s.tree.SetActor(s.ctx, id, state.NewActorState(s.code, s.code, amt, 0, nil)); err != nil {
			return err
		}
		s.liveSlots[slot] = true
		s.balances[id] = amt

	case 1: // deposit
		if !s.liveSlots[slot] {
			return nil
		}
		amt := big.NewInt(s.rnd.Int63n(1000))
		err := s.tree.MutateActor(s.ctx, id, func(a *state.ActorState) error {
			a.DepositFunds(amt)
			return nil
		})
		if err != nil {
			return err
		}
		s.balances[id] = big.Add(s.balances[id], amt)

	case 2: // deduct (may legitimately fail with InsufficientFunds)
		if !s.liveSlots[slot] {
			return nil
		}
		amt := big.NewInt(s.rnd.Int63n(1000))
		err := s.tree.MutateActor(s.ctx, id, func(a *state.ActorState) error {
			return a.DeductFunds(amt)
		})
		if err == nil {
			s.balances[id] = big.Sub(s.balances[id], amt)
		}

	case 3: // delete
		if !s.liveSlots[slot] {
			return nil
		}
		if err := s.tree.DeleteActor(s.ctx, id); err != nil {
			return err
		}
		s.liveSlots[slot] = false
		delete(s.balances, id)

	case 4: // wrap a short burst of creates in a transaction
		return s.tickTransaction()
	}
	return nil
}

// tickTransaction opens a transaction, performs a small burst of one to
// three create operations, then commits or reverts with even odds. On
// revert, the oracle's view of balances/liveness must be restored too.
func (s *Sim) tickTransaction() error {
	liveBefore := make(map[uint64]bool, len(s.liveSlots))
	for k, v := range s.liveSlots {
		liveBefore[k] = v
	}
	balancesBefore := make(map[abi.ActorID]big.Int, len(s.balances))
	for k, v := range s.balances {
		balancesBefore[k] = v
	}

	s.tree.BeginTransaction(false)
	for i := 0; i < 1+s.rnd.Intn(3); i++ {
		slot := s.rnd.Uint64() % s.conf.ActorSpace
		id := s.idFor(slot)
		amt := big.NewInt(s.rnd.Int63n(1_000_000))
		if err := s.tree.SetActor(s.ctx, id, state.NewActorState(s.code, s.code, amt, 0, nil)); err != nil {
			return err
		}
		s.liveSlots[slot] = true
		s.balances[id] = amt
	}

	revert := s.rnd.Intn(2) == 0
	if err := s.tree.EndTransaction(revert); err != nil {
		return err
	}
	if revert {
		s.liveSlots = liveBefore
		s.balances = balancesBefore
	}
	return nil
}

// CheckInvariants flushes and reloads the tree, cross-checks the oracle's
// go-bitfield view of live slots against it, and verifies every live ID
// carries its expected balance while every absent one is truly gone.
func (s *Sim) CheckInvariants() error {
	root, err := s.tree.Flush(s.ctx)
	if err != nil {
		return err
	}
	s.FlushCount++

	reloaded, err := state.LoadFromRoot(s.ctx, s.store, root)
	if err != nil {
		return err
	}
	s.tree = reloaded

	live, err := s.liveBitfield()
	if err != nil {
		return err
	}

	for slot := uint64(0); slot < s.conf.ActorSpace; slot++ {
		id := s.idFor(slot)
		isLive, err := live.IsSet(slot)
		if err != nil {
			return err
		}
		act, err := s.tree.GetActor(s.ctx, id)
		if err != nil {
			return err
		}
		if isLive {
			if act == nil {
				return errMismatch(id, "expected live, got absent")
			}
			if !act.Balance.Equals(s.balances[id]) {
				return errMismatch(id, "balance mismatch")
			}
		} else if act != nil {
			return errMismatch(id, "expected absent, got live")
		}
	}
	return nil
}

func errMismatch(id abi.ActorID, msg string) error {
	return &invariantError{id: id, msg: msg}
}

type invariantError struct {
	id  abi.ActorID
	msg string
}

func (e *invariantError) Error() string {
	addr, _ := address.NewIDAddress(uint64(e.id))
	return addr.String() + ": " + e.msg
}
