package main

import (
	"bufio"
	"context"
	"io"

	"github.com/ipfs/go-cid"
	"github.com/ipld/go-car"
	carutil "github.com/ipld/go-car/util"
	"golang.org/x/sync/errgroup"
	"golang.org/x/xerrors"

	"github.com/filstate/core/blockstore"
)

// exportCar writes root plus every CID in extra as a CARv1 stream to w: a
// header naming root, then one length-delimited [cid, data] entry per
// distinct block. Block reads from the store run concurrently via errgroup;
// the writes themselves stay single-threaded and in a fixed order so two
// exports of the same tree produce byte-identical archives.
func exportCar(ctx context.Context, bs blockstore.Blockstore, root cid.Cid, extra []cid.Cid, w io.Writer) error {
	header := &car.CarHeader{Roots: []cid.Cid{root}, Version: 1}
	if err := car.WriteHeader(header, w); err != nil {
		return xerrors.Errorf("failed to write car header: %w", err)
	}

	all := append([]cid.Cid{root}, extra...)
	data := make([][]byte, len(all))

	g, gctx := errgroup.WithContext(ctx)
	for i, c := range all {
		i, c := i, c
		g.Go(func() error {
			d, err := bs.Get(gctx, c)
			if err != nil {
				return xerrors.Errorf("failed to read block %s: %w", c, err)
			}
			data[i] = d
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	seen := make(map[cid.Cid]bool, len(all))
	for i, c := range all {
		if seen[c] {
			continue
		}
		seen[c] = true
		if err := carutil.LdWrite(w, c.Bytes(), data[i]); err != nil {
			return xerrors.Errorf("failed to write block %s: %w", c, err)
		}
	}
	return nil
}

// importCar reads a CARv1 stream into bs, returning the single root it
// declares. Blocks are stored verbatim under their archived CIDs rather
// than rehashed, since a CAR's whole point is to carry already-addressed
// content.
func importCar(ctx context.Context, bs *blockstore.MemoryBlockstore, r io.Reader) (cid.Cid, error) {
	br := bufio.NewReader(r)
	header, err := car.ReadHeader(br)
	if err != nil {
		return cid.Undef, xerrors.Errorf("failed to read car header: %w", err)
	}
	if len(header.Roots) != 1 {
		return cid.Undef, xerrors.Errorf("expected exactly one root in car header, got %d", len(header.Roots))
	}

	for {
		c, data, err := carutil.ReadNode(br)
		if err == io.EOF {
			break
		}
		if err != nil {
			return cid.Undef, xerrors.Errorf("failed to read car block: %w", err)
		}
		if err := bs.PutRaw(ctx, c, data); err != nil {
			return cid.Undef, err
		}
	}
	return header.Roots[0], nil
}
