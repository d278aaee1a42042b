// Package cborutil holds the low-level canonical-CBOR header helpers used by
// the hand-written MarshalCBOR/UnmarshalCBOR methods in hamt/ and state/.
// These mirror the runtime helpers emitted by github.com/whyrusleeping/cbor-gen
// (major-type header encoding, fixed-width integers, definite-length byte
// strings); the methods that use them are written in that generator's idiom
// but are hand-maintained since this repository has no code-generation step.
package cborutil

import (
	"bufio"
	"io"

	"github.com/ipfs/go-cid"
	"golang.org/x/xerrors"
)

const (
	MajUnsignedInt = 0
	MajByteString  = 2
	MajTextString  = 3
	MajArray       = 4
	MajMap         = 5
	MajTag         = 6
	MajOther       = 7
)

const (
	CborNullByte = 0xf6
	CidTag       = 42
)

// WriteMajorTypeHeader writes a canonical CBOR header for major type t with
// argument length/value l.
func WriteMajorTypeHeader(w io.Writer, t byte, l uint64) error {
	switch {
	case l < 24:
		_, err := w.Write([]byte{t<<5 | byte(l)})
		return err
	case l < 1<<8:
		_, err := w.Write([]byte{t<<5 | 24, byte(l)})
		return err
	case l < 1<<16:
		_, err := w.Write([]byte{t<<5 | 25, byte(l >> 8), byte(l)})
		return err
	case l < 1<<32:
		_, err := w.Write([]byte{t<<5 | 26, byte(l >> 24), byte(l >> 16), byte(l >> 8), byte(l)})
		return err
	default:
		_, err := w.Write([]byte{
			t<<5 | 27,
			byte(l >> 56), byte(l >> 48), byte(l >> 40), byte(l >> 32),
			byte(l >> 24), byte(l >> 16), byte(l >> 8), byte(l),
		})
		return err
	}
}

// ReadMajorTypeHeader reads back a header written by WriteMajorTypeHeader.
func ReadMajorTypeHeader(br io.Reader) (byte, uint64, error) {
	first := make([]byte, 1)
	if _, err := io.ReadFull(br, first); err != nil {
		return 0, 0, err
	}
	maj := first[0] >> 5
	low := first[0] & 0x1f

	switch {
	case low < 24:
		return maj, uint64(low), nil
	case low == 24:
		b := make([]byte, 1)
		if _, err := io.ReadFull(br, b); err != nil {
			return 0, 0, err
		}
		return maj, uint64(b[0]), nil
	case low == 25:
		b := make([]byte, 2)
		if _, err := io.ReadFull(br, b); err != nil {
			return 0, 0, err
		}
		return maj, uint64(b[0])<<8 | uint64(b[1]), nil
	case low == 26:
		b := make([]byte, 4)
		if _, err := io.ReadFull(br, b); err != nil {
			return 0, 0, err
		}
		var v uint64
		for _, x := range b {
			v = v<<8 | uint64(x)
		}
		return maj, v, nil
	case low == 27:
		b := make([]byte, 8)
		if _, err := io.ReadFull(br, b); err != nil {
			return 0, 0, err
		}
		var v uint64
		for _, x := range b {
			v = v<<8 | uint64(x)
		}
		return maj, v, nil
	default:
		return 0, 0, xerrors.Errorf("invalid cbor additional info: %d", low)
	}
}

// WriteUint writes a canonical unsigned-integer value.
func WriteUint(w io.Writer, v uint64) error {
	return WriteMajorTypeHeader(w, MajUnsignedInt, v)
}

// ReadUint reads back a value written by WriteUint.
func ReadUint(br io.Reader) (uint64, error) {
	maj, val, err := ReadMajorTypeHeader(br)
	if err != nil {
		return 0, err
	}
	if maj != MajUnsignedInt {
		return 0, xerrors.Errorf("expected unsigned int major type, got %d", maj)
	}
	return val, nil
}

// WriteBytes writes a definite-length byte string.
func WriteBytes(w io.Writer, b []byte) error {
	if err := WriteMajorTypeHeader(w, MajByteString, uint64(len(b))); err != nil {
		return err
	}
	_, err := w.Write(b)
	return err
}

// ReadBytes reads back a byte string written by WriteBytes.
func ReadBytes(br io.Reader) ([]byte, error) {
	maj, l, err := ReadMajorTypeHeader(br)
	if err != nil {
		return nil, err
	}
	if maj != MajByteString {
		return nil, xerrors.Errorf("expected byte string major type, got %d", maj)
	}
	buf := make([]byte, l)
	if _, err := io.ReadFull(br, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// WriteArrayHeader writes the header for a definite-length array of n items;
// callers write each item immediately afterwards.
func WriteArrayHeader(w io.Writer, n int) error {
	return WriteMajorTypeHeader(w, MajArray, uint64(n))
}

// ReadArrayHeader reads back a header written by WriteArrayHeader.
func ReadArrayHeader(br io.Reader) (int, error) {
	maj, l, err := ReadMajorTypeHeader(br)
	if err != nil {
		return 0, err
	}
	if maj != MajArray {
		return 0, xerrors.Errorf("expected array major type, got %d", maj)
	}
	return int(l), nil
}

// WriteCid writes a CID using the standard CBOR tag-42 IPLD link encoding:
// a byte string tagged 42, prefixed with a multibase-identity 0x00 byte.
func WriteCid(w io.Writer, c cid.Cid) error {
	if !c.Defined() {
		return xerrors.New("cannot cbor-marshal an undefined cid")
	}
	if err := WriteMajorTypeHeader(w, MajTag, CidTag); err != nil {
		return err
	}
	raw := c.Bytes()
	buf := make([]byte, len(raw)+1)
	buf[0] = 0 // identity multibase prefix, per the DAG-CBOR / IPLD link convention
	copy(buf[1:], raw)
	return WriteBytes(w, buf)
}

// ReadCid reads back a CID written by WriteCid.
func ReadCid(br io.Reader) (cid.Cid, error) {
	maj, tag, err := ReadMajorTypeHeader(br)
	if err != nil {
		return cid.Undef, err
	}
	if maj != MajTag || tag != CidTag {
		return cid.Undef, xerrors.Errorf("expected cid tag 42, got major=%d tag=%d", maj, tag)
	}
	buf, err := ReadBytes(br)
	if err != nil {
		return cid.Undef, err
	}
	if len(buf) == 0 || buf[0] != 0 {
		return cid.Undef, xerrors.New("invalid cid multibase prefix")
	}
	_, c, err := cid.CidFromBytes(buf[1:])
	return c, err
}

// WriteTextString writes a definite-length UTF-8 text string.
func WriteTextString(w io.Writer, s string) error {
	if err := WriteMajorTypeHeader(w, MajTextString, uint64(len(s))); err != nil {
		return err
	}
	_, err := io.WriteString(w, s)
	return err
}

// ReadTextString reads back a string written by WriteTextString.
func ReadTextString(br io.Reader) (string, error) {
	maj, l, err := ReadMajorTypeHeader(br)
	if err != nil {
		return "", err
	}
	if maj != MajTextString {
		return "", xerrors.Errorf("expected text string major type, got %d", maj)
	}
	buf := make([]byte, l)
	if _, err := io.ReadFull(br, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}

// WriteMapHeader writes the header for a definite-length map of n pairs.
func WriteMapHeader(w io.Writer, n int) error {
	return WriteMajorTypeHeader(w, MajMap, uint64(n))
}

// ReadMapHeader reads back a header written by WriteMapHeader.
func ReadMapHeader(br io.Reader) (int, error) {
	maj, l, err := ReadMajorTypeHeader(br)
	if err != nil {
		return 0, err
	}
	if maj != MajMap {
		return 0, xerrors.Errorf("expected map major type, got %d", maj)
	}
	return int(l), nil
}

// WriteNull writes the CBOR null literal, used for nil/None pointer fields.
func WriteNull(w io.Writer) error {
	_, err := w.Write([]byte{CborNullByte})
	return err
}

// PeekNull reports whether the next byte in br is the CBOR null literal,
// consuming it if so. br must support at least one byte of lookahead.
func PeekNull(br *bufio.Reader) (bool, error) {
	b, err := br.Peek(1)
	if err != nil {
		return false, err
	}
	if b[0] == CborNullByte {
		_, _ = br.Discard(1)
		return true, nil
	}
	return false, nil
}
