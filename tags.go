package coldb

// This file implements the tagged-reference convention from spec section 3.1: the least
// significant bit of a stored 64-bit word distinguishes a ref (even word, LSB clear) from an
// inline non-negative integer (odd word, LSB set). TopNode's Version and NextFreeOffset fields
// are stored tagged so that, were they ever placed in a HasRefs node's slot, DestroyDeep would
// skip over them rather than mistake them for refs.

// tagInt packs a non-negative int64 into its tagged-integer word form: (v<<1)|1.
func tagInt(v int64) int64 {
	return (v << 1) | 1
}

// untagInt unpacks a tagged-integer word back into its int64 value.
func untagInt(word int64) int64 {
	return word >> 1
}

// IsRef reports whether word, taken as a raw stored value, denotes a ref (even) rather than a
// tagged integer (odd).
func IsRef(word int64) bool {
	return word&1 == 0
}
