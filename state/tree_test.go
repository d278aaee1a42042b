package state_test

import (
	"context"
	"testing"

	"github.com/filecoin-project/go-address"
	"github.com/filecoin-project/go-state-types/abi"
	"github.com/filecoin-project/go-state-types/big"
	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multihash"
	"github.com/stretchr/testify/require"

	"github.com/filstate/core/blockstore"
	"github.com/filstate/core/state"
)

func emptyCid(t *testing.T) cid.Cid {
	t.Helper()
	mh, err := multihash.Sum([]byte{}, multihash.IDENTITY, -1)
	require.NoError(t, err)
	return cid.NewCidV1(cid.Raw, mh)
}

func newTestTree(t *testing.T) (*state.StateTree, *blockstore.CborStore) {
	t.Helper()
	cs := blockstore.NewCborStore(blockstore.NewMemoryBlockstore())
	tree, err := state.New(context.Background(), cs, state.StateTreeVersion5)
	require.NoError(t, err)
	return tree, cs
}

// TestGetSetCache reproduces the reference engine's get_set_cache scenario:
// a miss before any insert, then successive overwrites, then a read that
// observes the last write.
func TestGetSetCache(t *testing.T) {
	ctx := context.Background()
	tree, _ := newTestTree(t)
	code := emptyCid(t)

	actS := state.NewActorState(code, code, big.Zero(), 1, nil)
	actA := state.NewActorState(code, code, big.Zero(), 2, nil)

	got, err := tree.GetActor(ctx, 1)
	require.NoError(t, err)
	require.Nil(t, got)

	require.NoError(t, tree.SetActor(ctx, 1, actS))
	require.NoError(t, tree.SetActor(ctx, 1, actA))
	require.NoError(t, tree.SetActor(ctx, 1, actA))

	got, err = tree.GetActor(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, actA, got)
}

func TestDeleteActor(t *testing.T) {
	ctx := context.Background()
	tree, _ := newTestTree(t)
	code := emptyCid(t)
	act := state.NewActorState(code, code, big.Zero(), 1, nil)

	require.NoError(t, tree.SetActor(ctx, 3, act))
	got, err := tree.GetActor(ctx, 3)
	require.NoError(t, err)
	require.Equal(t, act, got)

	require.NoError(t, tree.DeleteActor(ctx, 3))
	got, err = tree.GetActor(ctx, 3)
	require.NoError(t, err)
	require.Nil(t, got)
}

func setupInitActor(t *testing.T, ctx context.Context, tree *state.StateTree, cs *blockstore.CborStore, code cid.Cid) {
	t.Helper()
	initState, err := state.NewInitActorState(ctx, cs)
	require.NoError(t, err)
	headCid, err := cs.Put(ctx, initState)
	require.NoError(t, err)

	initActor := state.NewActorState(code, headCid, big.Zero(), 1, nil)
	require.NoError(t, tree.SetActor(ctx, state.InitActorID, initActor))
}

// TestRegisterNewAddress reproduces get_set_non_id: mutate_actor updates
// the init actor's sequence, and register_new_address assigns 100 to the
// first registered address.
func TestRegisterNewAddress(t *testing.T) {
	ctx := context.Background()
	tree, cs := newTestTree(t)
	code := emptyCid(t)
	setupInitActor(t, ctx, tree, cs, code)

	require.NoError(t, tree.MutateActor(ctx, state.InitActorID, func(a *state.ActorState) error {
		a.Sequence = 2
		return nil
	}))

	got, err := tree.GetActor(ctx, state.InitActorID)
	require.NoError(t, err)
	require.Equal(t, uint64(2), got.Sequence)

	addr, err := address.NewSecp256k1Address(make([]byte, 65))
	require.NoError(t, err)

	assigned, err := tree.RegisterNewAddress(ctx, addr)
	require.NoError(t, err)
	require.Equal(t, state.FirstNonSingletonActorID, assigned)

	id, found, err := tree.LookupID(ctx, addr)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, assigned, id)
}

// TestTransactionCommit reproduces test_transactions: three actors set
// inside a writable transaction survive a commit and a flush.
func TestTransactionCommit(t *testing.T) {
	ctx := context.Background()
	tree, _ := newTestTree(t)
	code := emptyCid(t)
	ids := []abi.ActorID{101, 102, 103}

	tree.BeginTransaction(false)
	for _, id := range ids {
		act := state.NewActorState(code, code, big.NewInt(55), 1, nil)
		require.NoError(t, tree.SetActor(ctx, id, act))
	}
	require.NoError(t, tree.EndTransaction(false))
	_, err := tree.Flush(ctx)
	require.NoError(t, err)

	for _, id := range ids {
		got, err := tree.GetActor(ctx, id)
		require.NoError(t, err)
		require.Equal(t, big.NewInt(55), got.Balance)
	}
}

// TestRevertTransaction reproduces revert_transaction: an actor set inside
// a transaction that's ended with revert=true is gone after flush.
func TestRevertTransaction(t *testing.T) {
	ctx := context.Background()
	tree, _ := newTestTree(t)
	code := emptyCid(t)

	tree.BeginTransaction(false)
	act := state.NewActorState(code, code, big.NewInt(55), 1, nil)
	require.NoError(t, tree.SetActor(ctx, 1, act))
	require.NoError(t, tree.EndTransaction(true))

	_, err := tree.Flush(ctx)
	require.NoError(t, err)

	got, err := tree.GetActor(ctx, 1)
	require.NoError(t, err)
	require.Nil(t, got)
}

// TestUnsupportedVersions reproduces unsupported_versions: every version
// below V5 fails fatally.
func TestUnsupportedVersions(t *testing.T) {
	ctx := context.Background()
	cs := blockstore.NewCborStore(blockstore.NewMemoryBlockstore())

	for _, v := range []state.StateTreeVersion{
		state.StateTreeVersion0,
		state.StateTreeVersion1,
		state.StateTreeVersion2,
		state.StateTreeVersion3,
		state.StateTreeVersion4,
	} {
		_, err := state.New(ctx, cs, v)
		require.Error(t, err)
		require.True(t, state.IsFatal(err))
	}
}

// TestReadOnlyTransactionRejectsMutation exercises the ReadOnly syscall
// error: a mutation attempted inside a read-only frame is recoverable, not
// fatal, and ending the frame leaves the tree writable and outside any
// transaction.
func TestReadOnlyTransactionRejectsMutation(t *testing.T) {
	ctx := context.Background()
	tree, _ := newTestTree(t)
	code := emptyCid(t)

	require.False(t, tree.IsReadOnly())
	tree.BeginTransaction(true)
	require.True(t, tree.IsReadOnly())
	require.True(t, tree.InTransaction())

	err := tree.SetActor(ctx, 1, state.NewActorState(code, code, big.Zero(), 0, nil))
	require.Error(t, err)
	require.False(t, state.IsFatal(err))

	require.NoError(t, tree.EndTransaction(false))
	require.False(t, tree.IsReadOnly())
	require.False(t, tree.InTransaction())
}

// TestNestedReadOnlyInsideWritable matches the state-transition table in
// spec §4.4: begin(true) nested inside an open writable layer stacks a
// read-only counter on top without touching the layer stack, and ending it
// doesn't pop a snapshot layer.
func TestNestedReadOnlyInsideWritable(t *testing.T) {
	tree, _ := newTestTree(t)

	tree.BeginTransaction(false)
	tree.BeginTransaction(true)
	require.True(t, tree.IsReadOnly())

	require.NoError(t, tree.EndTransaction(false))
	require.False(t, tree.IsReadOnly())
	require.True(t, tree.InTransaction())

	require.NoError(t, tree.EndTransaction(false))
	require.False(t, tree.InTransaction())
}

func TestEndTransactionWithoutBeginIsFatal(t *testing.T) {
	tree, _ := newTestTree(t)
	err := tree.EndTransaction(false)
	require.Error(t, err)
	require.True(t, state.IsFatal(err))
}

func TestFlushInsideTransactionIsFatal(t *testing.T) {
	ctx := context.Background()
	tree, _ := newTestTree(t)
	tree.BeginTransaction(false)
	_, err := tree.Flush(ctx)
	require.Error(t, err)
	require.True(t, state.IsFatal(err))
}

func TestMutateActorMissingIsFatal(t *testing.T) {
	ctx := context.Background()
	tree, _ := newTestTree(t)
	err := tree.MutateActor(ctx, 999, func(a *state.ActorState) error { return nil })
	require.Error(t, err)
	require.True(t, state.IsFatal(err))
}

func TestMaybeMutateActorMissingReturnsFalse(t *testing.T) {
	ctx := context.Background()
	tree, _ := newTestTree(t)
	found, err := tree.MaybeMutateActor(ctx, 999, func(a *state.ActorState) error { return nil })
	require.NoError(t, err)
	require.False(t, found)
}

func TestDeductFundsInsufficient(t *testing.T) {
	act := state.NewActorState(cid.Undef, cid.Undef, big.NewInt(10), 0, nil)
	err := act.DeductFunds(big.NewInt(20))
	require.Error(t, err)
	require.False(t, state.IsFatal(err))
}

func TestForEachRoundTrip(t *testing.T) {
	ctx := context.Background()
	tree, cs := newTestTree(t)
	code := emptyCid(t)

	ids := []abi.ActorID{10, 11, 12}
	for _, id := range ids {
		require.NoError(t, tree.SetActor(ctx, id, state.NewActorState(code, code, big.NewInt(int64(id)), 0, nil)))
	}
	root, err := tree.Flush(ctx)
	require.NoError(t, err)

	loaded, err := state.LoadFromRoot(ctx, cs, root)
	require.NoError(t, err)

	seen := map[uint64]bool{}
	err = loaded.ForEach(ctx, func(addr address.Address, a *state.ActorState) error {
		id, err := address.IDFromAddress(addr)
		require.NoError(t, err)
		seen[id] = true
		return nil
	})
	require.NoError(t, err)
	for _, id := range ids {
		require.True(t, seen[uint64(id)])
	}
}

// TestReachableCids checks that the root and every actor's head come back
// from ReachableCids, and that every CID it returns is actually present in
// the store, so a CAR export built from this list never tries to read a
// block that isn't there.
func TestReachableCids(t *testing.T) {
	ctx := context.Background()
	tree, cs := newTestTree(t)
	code := emptyCid(t)

	ids := []abi.ActorID{20, 21, 22, 23, 24, 25, 26, 27}
	for _, id := range ids {
		head, err := cs.Put(ctx, &state.StateInfo0{})
		require.NoError(t, err)
		require.NoError(t, tree.SetActor(ctx, id, state.NewActorState(code, head, big.NewInt(int64(id)), 0, nil)))
	}
	root, err := tree.Flush(ctx)
	require.NoError(t, err)

	reachable, err := tree.ReachableCids(ctx, root)
	require.NoError(t, err)
	require.Contains(t, reachable, root)

	seenHeads := 0
	for _, id := range ids {
		got, err := tree.GetActor(ctx, id)
		require.NoError(t, err)
		if containsCid(reachable, got.Head) {
			seenHeads++
		}
	}
	require.Equal(t, len(ids), seenHeads)

	for _, c := range reachable {
		ok, err := cs.Blockstore().Has(ctx, c)
		require.NoError(t, err)
		require.True(t, ok, "reachable cid %s missing from store", c)
	}
}

func containsCid(cids []cid.Cid, target cid.Cid) bool {
	for _, c := range cids {
		if c == target {
			return true
		}
	}
	return false
}
