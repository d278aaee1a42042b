package hamt

// hashBits is a cursor over a key's hash digest, consumed bitWidth bits at
// a time, most-significant-bit first, as the trie descends one level per
// group of bits (spec §3: "interior nodes select a child slot from the
// next `w` bits of the key's hash").
type hashBits struct {
	b      []byte
	width  uint
	cursor uint // next unconsumed bit offset, from the start of b
}

// newHashBits hashes key and returns a cursor ready to consume the first
// group of w bits.
func newHashBits(key []byte, hashFn HashFunction, w uint) *hashBits {
	return &hashBits{b: hashFn(key), width: w}
}

// forked rehashes key from scratch and advances the cursor past the
// skipGroups*width bits already consumed by ancestors, so the returned
// cursor is positioned to yield the same group a fresh top-down descent to
// that depth would have produced. Used when a bucket split redistributes
// existing entries one level deeper.
func (hb *hashBits) forked(key []byte, hashFn HashFunction, skipGroups int) *hashBits {
	n := newHashBits(key, hashFn, hb.width)
	n.cursor = uint(skipGroups) * hb.width
	return n
}

// next consumes and returns the next `w` bits as an integer slot index.
// Returns ErrMaxDepth if the digest is exhausted before w more bits are
// available.
func (hb *hashBits) next(w uint) (int, error) {
	if hb.cursor+w > uint(len(hb.b))*8 {
		return 0, ErrMaxDepth
	}
	var v int
	for i := uint(0); i < w; i++ {
		bitPos := hb.cursor + i
		byteIdx := bitPos / 8
		bitIdx := 7 - (bitPos % 8)
		bit := (hb.b[byteIdx] >> bitIdx) & 1
		v = v<<1 | int(bit)
	}
	hb.cursor += w
	return v, nil
}
