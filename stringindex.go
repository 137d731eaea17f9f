package coldb

// StringIndex is the exemplar consumer described in spec section 4.5: a B+-tree of 4-byte key
// chunks, one level per 4 bytes of an indexed string. Each leaf slot holds either a tagged row
// index (a single match), a ref to a row-list Node (several rows share the full key), or a ref to
// a sub-index container examining the next 4 bytes (a collision between two distinct keys at this
// depth). LookupKey resolves a row index back to its full key bytes, mirroring how the real index
// consults its parent string column whenever it must deepen past a collision.
type StringIndex struct {
	a         *Allocator
	keys      *Node // sorted ascending, one 4-byte chunk (as int64) per slot
	vals      *Node // parallel to keys: HasRefs, a tagged row index or a ref
	depth     int
	lookupKey func(rowIdx int) []byte
}

// NewStringIndex creates an empty depth-0 string index.
func NewStringIndex(a *Allocator, lookupKey func(rowIdx int) []byte) (*StringIndex, error) {
	return newStringIndexAtDepth(a, 0, lookupKey)
}

func newStringIndexAtDepth(a *Allocator, depth int, lookupKey func(rowIdx int) []byte) (*StringIndex, error) {
	keys, err := NewNode(a, false, false, false)
	if err != nil {
		return nil, err
	}

	vals, err := NewNode(a, false, true, false)
	if err != nil {
		return nil, err
	}

	return &StringIndex{a: a, keys: keys, vals: vals, depth: depth, lookupKey: lookupKey}, nil
}

// openSubIndex reopens a sub-index from its container ref (see writeContainer).
func openSubIndex(a *Allocator, ref Ref, depth int, lookupKey func(int) []byte) (*StringIndex, error) {
	container, err := OpenNode(a, ref)
	if err != nil {
		return nil, err
	}

	keysRef, err := container.Get(0)
	if err != nil {
		return nil, err
	}

	valsRef, err := container.Get(1)
	if err != nil {
		return nil, err
	}

	keys, err := OpenNode(a, Ref(keysRef))
	if err != nil {
		return nil, err
	}

	vals, err := OpenNode(a, Ref(valsRef))
	if err != nil {
		return nil, err
	}

	return &StringIndex{a: a, keys: keys, vals: vals, depth: depth, lookupKey: lookupKey}, nil
}

// isSubIndexContainer reports whether ref points at a two-slot [keysRef, valsRef] container
// (ContextFlag marks it, per spec section 3.2's "caller-defined" context bit) rather than a plain
// row-list leaf.
func isSubIndexContainer(a *Allocator, ref Ref) (bool, error) {
	n, err := OpenNode(a, ref)
	if err != nil {
		return false, err
	}

	return n.HasRefs() && n.ContextFlag() && n.Size() == 2, nil
}

// writeContainer persists si as a two-slot [keysRef, valsRef] node and returns its ref.
func (si *StringIndex) writeContainer() (Ref, error) {
	container, err := NewNode(si.a, false, true, true)
	if err != nil {
		return 0, err
	}

	if err := container.Append(int64(si.keys.Ref())); err != nil {
		return 0, err
	}

	if err := container.Append(int64(si.vals.Ref())); err != nil {
		return 0, err
	}

	return container.Ref(), nil
}

// chunkAt reads up to 4 bytes of key starting at byte offset depth, zero-padded past the end of
// key, packed big-endian into the low 32 bits of an int64.
func chunkAt(key []byte, depth int) int64 {
	var c int64
	for i := 0; i < 4; i++ {
		c <<= 8
		if depth+i < len(key) {
			c |= int64(key[depth+i])
		}
	}

	return c
}

func (si *StringIndex) findChunk(chunk int64) (int, bool, error) {
	return si.keys.FindFirst(CmpEQ, chunk, 0, si.keys.Size())
}

// newRowList creates a fresh row-list Node seeded with rowIdx.
func newRowList(a *Allocator, rowIdx int) (*Node, error) {
	list, err := NewNode(a, false, false, false)
	if err != nil {
		return nil, err
	}

	if err := list.Append(tagInt(int64(rowIdx))); err != nil {
		return nil, err
	}

	return list, nil
}

// Insert indexes key as pointing at rowIdx, deepening into a sub-index on collision with a
// different existing key at this depth, or growing a row-list when the full keys match.
func (si *StringIndex) Insert(key []byte, rowIdx int) error {
	chunk := chunkAt(key, si.depth)

	idx, found, err := si.findChunk(chunk)
	if err != nil {
		return err
	}

	if !found {
		pos, err := si.keys.LowerBound(chunk)
		if err != nil {
			return err
		}

		if err := si.keys.Insert(pos, chunk); err != nil {
			return err
		}

		return si.vals.Insert(pos, tagInt(int64(rowIdx)))
	}

	existing, err := si.vals.Get(idx)
	if err != nil {
		return err
	}

	if !IsRef(existing) {
		existingRow := int(untagInt(existing))
		existingKey := si.lookupKey(existingRow)

		if string(existingKey) == string(key) {
			list, err := newRowList(si.a, existingRow)
			if err != nil {
				return err
			}

			if err := list.Append(tagInt(int64(rowIdx))); err != nil {
				return err
			}

			return si.vals.Set(idx, int64(list.Ref()))
		}

		sub, err := newStringIndexAtDepth(si.a, si.depth+4, si.lookupKey)
		if err != nil {
			return err
		}

		if err := sub.Insert(existingKey, existingRow); err != nil {
			return err
		}

		if err := sub.Insert(key, rowIdx); err != nil {
			return err
		}

		containerRef, err := sub.writeContainer()
		if err != nil {
			return err
		}

		return si.vals.Set(idx, int64(containerRef))
	}

	isSub, err := isSubIndexContainer(si.a, Ref(existing))
	if err != nil {
		return err
	}

	if isSub {
		sub, err := openSubIndex(si.a, Ref(existing), si.depth+4, si.lookupKey)
		if err != nil {
			return err
		}

		if err := sub.Insert(key, rowIdx); err != nil {
			return err
		}

		containerRef, err := sub.writeContainer()
		if err != nil {
			return err
		}

		return si.vals.Set(idx, int64(containerRef))
	}

	list, err := OpenNode(si.a, Ref(existing))
	if err != nil {
		return err
	}

	if err := list.Append(tagInt(int64(rowIdx))); err != nil {
		return err
	}

	return si.vals.Set(idx, int64(list.Ref()))
}

// Find returns the row indices matching key, or nil if none are indexed.
func (si *StringIndex) Find(key []byte) ([]int, error) {
	chunk := chunkAt(key, si.depth)

	idx, found, err := si.findChunk(chunk)
	if err != nil || !found {
		return nil, err
	}

	val, err := si.vals.Get(idx)
	if err != nil {
		return nil, err
	}

	if !IsRef(val) {
		return []int{int(untagInt(val))}, nil
	}

	isSub, err := isSubIndexContainer(si.a, Ref(val))
	if err != nil {
		return nil, err
	}

	if isSub {
		sub, err := openSubIndex(si.a, Ref(val), si.depth+4, si.lookupKey)
		if err != nil {
			return nil, err
		}

		return sub.Find(key)
	}

	list, err := OpenNode(si.a, Ref(val))
	if err != nil {
		return nil, err
	}

	var rows []int
	for i := 0; i < list.Size(); i++ {
		v, err := list.Get(i)
		if err != nil {
			return nil, err
		}

		rows = append(rows, int(untagInt(v)))
	}

	return rows, nil
}
