package state

import (
	"io"

	"github.com/ipfs/go-cid"
	"golang.org/x/xerrors"

	"github.com/filstate/core/internal/cborutil"
)

// StateTreeVersion identifies the wire layout of the state root object.
// Only V5 is accepted by this engine; earlier versions predate the
// version/info/actors envelope and are rejected fatally, per spec §4.4 and
// the explicit non-goal of supporting pre-V5 formats.
type StateTreeVersion uint64

const (
	StateTreeVersion0 StateTreeVersion = iota
	StateTreeVersion1
	StateTreeVersion2
	StateTreeVersion3
	StateTreeVersion4
	StateTreeVersion5
)

// HamtBitWidth is the bit width the state tree's actor HAMT is built with.
// The init actor's address map uses the hamt package's default
// configuration instead (bit width 8).
const HamtBitWidth = 5

// StateRoot is the outer CBOR object addressed by a flushed tree's CID:
// [version, info, actors].
type StateRoot struct {
	Version StateTreeVersion
	Info    cid.Cid
	Actors  cid.Cid
}

func (s *StateRoot) MarshalCBOR(w io.Writer) error {
	if err := cborutil.WriteArrayHeader(w, 3); err != nil {
		return err
	}
	if err := cborutil.WriteUint(w, uint64(s.Version)); err != nil {
		return err
	}
	if err := cborutil.WriteCid(w, s.Info); err != nil {
		return err
	}
	return cborutil.WriteCid(w, s.Actors)
}

func (s *StateRoot) UnmarshalCBOR(r io.Reader) error {
	n, err := cborutil.ReadArrayHeader(r)
	if err != nil {
		return err
	}
	if n != 3 {
		return xerrors.Errorf("state: state root tuple must have 3 elements, got %d", n)
	}
	v, err := cborutil.ReadUint(r)
	if err != nil {
		return err
	}
	s.Version = StateTreeVersion(v)
	if s.Info, err = cborutil.ReadCid(r); err != nil {
		return err
	}
	if s.Actors, err = cborutil.ReadCid(r); err != nil {
		return err
	}
	return nil
}

// StateInfo0 is the (currently empty) object the state root's info CID
// addresses; reserved for future tree-wide metadata.
type StateInfo0 struct{}

func (s *StateInfo0) MarshalCBOR(w io.Writer) error {
	return cborutil.WriteArrayHeader(w, 0)
}

func (s *StateInfo0) UnmarshalCBOR(r io.Reader) error {
	n, err := cborutil.ReadArrayHeader(r)
	if err != nil {
		return err
	}
	if n != 0 {
		return xerrors.Errorf("state: state info tuple must have 0 elements, got %d", n)
	}
	return nil
}
