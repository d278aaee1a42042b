package hamt

import (
	"github.com/ipfs/go-cid"
	"golang.org/x/xerrors"
)

// ErrNotFound is returned by Delete when the key is absent; Get and
// ContainsKey report absence through their found result instead. Facade
// callers that want an absent key to simply mean "nothing to do" check for
// this sentinel with errors.Is/xerrors.Is.
var ErrNotFound = xerrors.New("hamt: key not found")

// ErrMaxDepth is returned when a hash's bits are exhausted before a bucket
// split could resolve a collision, per spec §4.1.
var ErrMaxDepth = xerrors.New("hamt: maximum trie depth exceeded")

// CidNotFoundError wraps a CID that Load expected to find in the block
// store but didn't.
type CidNotFoundError struct {
	Cid cid.Cid
}

func (e *CidNotFoundError) Error() string {
	return "hamt: cid not found: " + e.Cid.String()
}

// SerializeError wraps a CBOR failure on a leaf value: marshaling the value
// passed to Set, or unmarshaling a stored value in Get.
type SerializeError struct {
	Err error
}

func (e *SerializeError) Error() string { return "hamt: serialize: " + e.Err.Error() }
func (e *SerializeError) Unwrap() error { return e.Err }

// BlockstoreError wraps a failure from the underlying block store.
type BlockstoreError struct {
	Err error
}

func (e *BlockstoreError) Error() string { return "hamt: blockstore: " + e.Err.Error() }
func (e *BlockstoreError) Unwrap() error { return e.Err }
