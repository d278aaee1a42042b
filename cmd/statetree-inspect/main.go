// Command statetree-inspect imports and exports state-tree CAR archives and
// prints a tree's actor table with locale-formatted balances. It exercises
// the engine's flush/load round trip against a portable, content-addressed
// artifact instead of an in-process blockstore only.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/filecoin-project/go-address"
	"github.com/ipfs/go-cid"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/filstate/core/blockstore"
	"github.com/filstate/core/state"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	ctx := context.Background()
	var err error
	switch os.Args[1] {
	case "show":
		err = runShow(ctx, os.Args[2:])
	case "export":
		err = runExport(ctx, os.Args[2:])
	default:
		usage()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "statetree-inspect:", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage:")
	fmt.Fprintln(os.Stderr, "  statetree-inspect show <tree.car>")
	fmt.Fprintln(os.Stderr, "  statetree-inspect export <tree.car> (reads a dump of one already-flushed tree, re-exports it verbatim)")
}

// runShow imports a CAR archive, loads the state tree from its declared
// root, and prints every actor's ID address, sequence, and balance.
func runShow(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("show: expected exactly one CAR path")
	}
	f, err := os.Open(args[0])
	if err != nil {
		return err
	}
	defer f.Close()

	bs := blockstore.NewMemoryBlockstore()
	root, err := importCar(ctx, bs, f)
	if err != nil {
		return err
	}

	cs := blockstore.NewCborStore(bs)
	tree, err := state.LoadFromRoot(ctx, cs, root)
	if err != nil {
		return err
	}

	p := message.NewPrinter(language.English)
	return tree.ForEach(ctx, func(addr address.Address, act *state.ActorState) error {
		p.Printf("%s  seq=%d  balance=%d\n", addr.String(), act.Sequence, act.Balance.Int)
		return nil
	})
}

// runExport re-serializes a tree already held in a CAR archive, rebuilding
// its reachable-block set from scratch and writing a fresh CAR alongside
// it. This exercises StateTree.ReachableCids end to end against real
// imported content rather than only the in-memory tests' synthetic trees.
func runExport(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("export: expected exactly one CAR path")
	}
	f, err := os.Open(args[0])
	if err != nil {
		return err
	}
	defer f.Close()

	bs := blockstore.NewMemoryBlockstore()
	root, err := importCar(ctx, bs, f)
	if err != nil {
		return err
	}

	cs := blockstore.NewCborStore(bs)
	tree, err := state.LoadFromRoot(ctx, cs, root)
	if err != nil {
		return err
	}

	reachable, err := tree.ReachableCids(ctx, root)
	if err != nil {
		return err
	}

	out, err := os.Create(args[0] + ".reexported.car")
	if err != nil {
		return err
	}
	defer out.Close()

	return exportCar(ctx, bs, root, withoutCid(reachable, root), out)
}

func withoutCid(cids []cid.Cid, skip cid.Cid) []cid.Cid {
	out := make([]cid.Cid, 0, len(cids))
	for _, c := range cids {
		if c == skip {
			continue
		}
		out = append(out, c)
	}
	return out
}
