package ethnl

import (
	"github.com/josharian/native"
	"github.com/mdlayher/netlink"
	"golang.org/x/sys/unix"
)

// A Bitset is a bitmap stored as 32-bit words, bit i living in word
// i/32. It is the in-memory form of the family's bitset nests, which
// are exchanged either compactly as raw value/mask words or verbosely
// as one nest per bit.
type Bitset []uint32

// NewBitset allocates a Bitset capable of holding n bits.
func NewBitset(n int) Bitset {
	return make(Bitset, (n+31)/32)
}

// Test reports whether bit i is set. Bits beyond the bitset are unset.
func (b Bitset) Test(i int) bool {
	if i/32 >= len(b) {
		return false
	}

	return b[i/32]&(1<<(uint(i)%32)) != 0
}

// Set sets bit i.
func (b Bitset) Set(i int) { b[i/32] |= 1 << (uint(i) % 32) }

// Clear clears bit i.
func (b Bitset) Clear(i int) { b[i/32] &^= 1 << (uint(i) % 32) }

// Empty reports whether no bits are set.
func (b Bitset) Empty() bool {
	for _, w := range b {
		if w != 0 {
			return false
		}
	}

	return true
}

// Equal reports whether b and x contain the same bits.
func (b Bitset) Equal(x Bitset) bool {
	if len(b) != len(x) {
		return false
	}
	for i, w := range b {
		if w != x[i] {
			return false
		}
	}

	return true
}

// Clone returns a copy of b.
func (b Bitset) Clone() Bitset {
	out := make(Bitset, len(b))
	copy(out, b)
	return out
}

// bytes encodes the first n bits as native endian words for a compact
// value or mask attribute.
func (b Bitset) bytes(n int) []byte {
	words := (n + 31) / 32
	buf := make([]byte, words*4)
	for i := 0; i < words && i < len(b); i++ {
		native.Endian.PutUint32(buf[i*4:], b[i])
	}

	return buf
}

// bitsetFromBytes decodes native endian words produced by bytes.
func bitsetFromBytes(buf []byte) Bitset {
	b := make(Bitset, len(buf)/4)
	for i := range b {
		b[i] = native.Endian.Uint32(buf[i*4:])
	}

	return b
}

// testOrAll behaves like b.Test but treats a nil bitset as all ones, so
// a nil mask selects every bit.
func testOrAll(b Bitset, i int) bool {
	if b == nil {
		return true
	}

	return b.Test(i)
}

// bitsetSize returns the exact space a bitset nest will occupy when
// emitted by putBitset with the same arguments.
func bitsetSize(nbits int, val, mask Bitset, names []string, compact, list bool) int {
	size := attrSize(4) // SIZE
	if list {
		size += attrSize(0) // LIST flag
	}

	if compact {
		words := (nbits + 31) / 32
		n := attrSize(words * 4) // VALUE
		if mask != nil {
			n *= 2 // MASK
		}
		return attrSize(size + n)
	}

	sel := mask
	if list {
		sel = val
	}
	bits := 0
	for i := 0; i < nbits; i++ {
		if (list || mask != nil) && !testOrAll(sel, i) {
			continue
		}
		bit := attrSize(4) + attrSize(len(names[i])+1)
		if !list && val.Test(i) {
			bit += attrSize(0)
		}
		bits += attrSize(bit)
	}

	return attrSize(size + attrSize(bits))
}

// putBitset emits a bitset nest of type typ. In compact form the value
// and mask are emitted as raw words; in verbose form one bit nest per
// selected bit, carrying index, name and (unless list) a value flag.
// list restricts verbose output to set bits and omits value flags.
func putBitset(ae *netlink.AttributeEncoder, typ uint16, nbits int, val, mask Bitset, names []string, compact, list bool) {
	ae.Nested(typ, func(nae *netlink.AttributeEncoder) error {
		if list {
			nae.Flag(AttrBitsetList, true)
		}
		nae.Uint32(AttrBitsetSize, uint32(nbits))

		if compact {
			nae.Bytes(AttrBitsetValue, val.bytes(nbits))
			if mask != nil {
				nae.Bytes(AttrBitsetMask, mask.bytes(nbits))
			}
			return nil
		}

		sel := mask
		if list {
			sel = val
		}
		nae.Nested(AttrBitsetBits, func(bae *netlink.AttributeEncoder) error {
			for i := 0; i < nbits; i++ {
				if (list || mask != nil) && !testOrAll(sel, i) {
					continue
				}
				i := i
				bae.Nested(attrBitsetBit, func(e *netlink.AttributeEncoder) error {
					e.Uint32(AttrBitIndex, uint32(i))
					e.String(AttrBitName, names[i])
					if !list && val.Test(i) {
						e.Flag(AttrBitValue, true)
					}
					return nil
				})
			}
			return nil
		})
		return nil
	})
}

var bitsetPolicy = policy{
	AttrBitsetList:  {kind: kindFlag},
	AttrBitsetSize:  {kind: kindU32},
	AttrBitsetBits:  {kind: kindNested},
	AttrBitsetValue: {kind: kindBinary, maxLen: 1 << 16},
	AttrBitsetMask:  {kind: kindBinary, maxLen: 1 << 16},
}

var bitPolicy = policy{
	AttrBitIndex: {kind: kindU32},
	AttrBitName:  {kind: kindString, maxLen: 64},
	AttrBitValue: {kind: kindFlag},
}

// bitsetIsCompact reports whether bitset attribute payload b uses the
// compact form. A bitset may not mix a BITS nest with raw value or mask
// words.
func bitsetIsCompact(b []byte) (bool, error) {
	tb, err := parseAttrs(b, bitsetPolicy)
	if err != nil {
		return false, err
	}

	_, bits := tb.get(AttrBitsetBits)
	_, value := tb.get(AttrBitsetValue)
	_, mask := tb.get(AttrBitsetMask)

	switch {
	case bits && (value || mask):
		return false, errMsg(unix.EINVAL, "bitset cannot combine bit list with value/mask")
	case bits:
		return false, nil
	case value != mask:
		return false, errMsg(unix.EINVAL, "bitset value without mask or vice versa")
	default:
		return true, nil
	}
}

// updateBitset applies bitset attribute payload attr to bm, which holds
// nbits bits named by names, and reports whether bm was modified.
// Verbose bit nests may address bits by index, by name, or both; the
// compact form merges value words through mask words. A list bitset
// replaces the bitmap outright instead of merging.
func updateBitset(bm Bitset, nbits int, attr []byte, names []string) (bool, error) {
	if attr == nil {
		return false, nil
	}

	tb, err := parseAttrs(attr, bitsetPolicy)
	if err != nil {
		return false, err
	}

	list := tb.flag(AttrBitsetList)
	if bits, ok := tb.get(AttrBitsetBits); ok {
		return updateBitsetVerbose(bm, nbits, bits, names, list)
	}

	return updateBitsetCompact(bm, nbits, tb, list)
}

func updateBitsetVerbose(bm Bitset, nbits int, bits []byte, names []string, list bool) (bool, error) {
	val := bm.Clone()
	if list {
		// A list enumerates the full set of bits that should be set.
		for i := range val {
			val[i] = 0
		}
	}

	ad, err := netlink.NewAttributeDecoder(bits)
	if err != nil {
		return false, errMsg(unix.EINVAL, "malformed attribute stream")
	}
	for ad.Next() {
		if ad.Type() != attrBitsetBit {
			return false, errAttr(unix.EINVAL, ad.Type(), "only bit nests allowed in bits nest")
		}

		tb, err := parseAttrs(ad.Bytes(), bitPolicy)
		if err != nil {
			return false, err
		}
		idx, err := resolveBit(tb, nbits, names)
		if err != nil {
			return false, err
		}

		if list || tb.flag(AttrBitValue) {
			val.Set(idx)
		} else {
			val.Clear(idx)
		}
	}
	if err := ad.Err(); err != nil {
		return false, errMsg(unix.EINVAL, "malformed attribute stream")
	}

	if val.Equal(bm) {
		return false, nil
	}
	copy(bm, val)
	return true, nil
}

// resolveBit finds the bit a bit nest addresses, cross-checking index
// against name when both are given.
func resolveBit(tb attrList, nbits int, names []string) (int, error) {
	idx, haveIdx := tb.uint32(AttrBitIndex)
	name, haveName := tb.string(AttrBitName)

	switch {
	case haveIdx:
		if int(idx) >= nbits {
			return 0, errAttr(unix.EOPNOTSUPP, AttrBitIndex, "bit index too high")
		}
		if haveName && names[idx] != name {
			return 0, errAttr(unix.EINVAL, AttrBitName, "bit index and name mismatch")
		}
		return int(idx), nil
	case haveName:
		for i, n := range names {
			if n == name {
				return i, nil
			}
		}
		return 0, errAttr(unix.EOPNOTSUPP, AttrBitName, "bit name not found")
	default:
		return 0, errMsg(unix.EINVAL, "neither bit index nor name specified")
	}
}

func updateBitsetCompact(bm Bitset, nbits int, tb attrList, list bool) (bool, error) {
	size, ok := tb.uint32(AttrBitsetSize)
	if !ok {
		return false, errMsg(unix.EINVAL, "bitset size attribute missing")
	}
	vb, ok := tb.get(AttrBitsetValue)
	if !ok {
		return false, errMsg(unix.EINVAL, "bitset value attribute missing")
	}

	words := (int(size) + 31) / 32
	if len(vb) < words*4 {
		return false, errAttr(unix.EINVAL, AttrBitsetValue, "bitset value shorter than size")
	}
	val := bitsetFromBytes(vb[:words*4])

	var mask Bitset
	if mb, ok := tb.get(AttrBitsetMask); ok {
		if list {
			return false, errAttr(unix.EINVAL, AttrBitsetMask, "mask not allowed in list bitset")
		}
		if len(mb) < words*4 {
			return false, errAttr(unix.EINVAL, AttrBitsetMask, "bitset mask shorter than size")
		}
		mask = bitsetFromBytes(mb[:words*4])
	} else {
		mask = make(Bitset, words)
		for i := range mask {
			mask[i] = ^uint32(0)
		}
		clampBitset(mask, int(size))
	}

	// An oversized userspace bitmap is fine as long as it does not try
	// to set bits the bitmap does not have.
	for i := nbits; i < int(size); i++ {
		set := val.Test(i)
		if !list {
			set = set && mask.Test(i)
		}
		if set {
			return false, errAttr(unix.EINVAL, AttrBitsetValue, "bit index too high")
		}
	}

	next := bm.Clone()
	if list {
		for i := range next {
			next[i] = 0
		}
		for i := 0; i < nbits && i < int(size); i++ {
			if val.Test(i) {
				next.Set(i)
			}
		}
	} else {
		for i := 0; i < nbits && i < int(size); i++ {
			if !mask.Test(i) {
				continue
			}
			if val.Test(i) {
				next.Set(i)
			} else {
				next.Clear(i)
			}
		}
	}

	if next.Equal(bm) {
		return false, nil
	}
	copy(bm, next)
	return true, nil
}

// clampBitset clears bits at and above n.
func clampBitset(b Bitset, n int) {
	for i := n; i < len(b)*32; i++ {
		if i%32 == 0 {
			// Whole words can go at once.
			for w := i / 32; w < len(b); w++ {
				b[w] = 0
			}
			return
		}
		b.Clear(i)
	}
}
