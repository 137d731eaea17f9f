package coldb

import "math/bits"

// Node is a single bit-packed variable-width array: an 8-byte self-describing header followed
// by a tightly packed payload (spec sections 3.2 and 4.2). It is the sole on-disk representation
// used by both B+-tree leaves (values) and inner nodes (child refs plus an offsets array).
type Node struct {
	a   *Allocator
	ref Ref
	hdr Header
}

// Comparator selects the predicate FindFirst/FindAll search for.
type Comparator int

const (
	CmpEQ Comparator = iota
	CmpNE
	CmpLT
	CmpLE
	CmpGT
	CmpGE
)

// OpenNode decodes the node header at ref and returns an accessor over it.
func OpenNode(a *Allocator, ref Ref) (*Node, error) {
	if ref == 0 {
		return nil, ErrCorruption
	}

	buf, translateErr := a.Translate(ref)
	if translateErr != nil {
		return nil, translateErr
	}

	hdr, decErr := DecodeHeader(buf)
	if decErr != nil {
		return nil, decErr
	}

	return &Node{a: a, ref: ref, hdr: hdr}, nil
}

// NewNode allocates a brand new, empty node.
func NewNode(a *Allocator, isInner, hasRefs, contextFlag bool) (*Node, error) {
	n := &Node{a: a, hdr: Header{IsInner: isInner, HasRefs: hasRefs, ContextFlag: contextFlag}}

	if err := n.realloc(0, 0, 0); err != nil {
		return nil, err
	}

	return n, nil
}

// Ref returns the node's current ref. Mutating operations may change it (copy-on-write); callers
// threading a parent/child relationship must re-read Ref after every mutating call and write it
// back into the parent's slot, per spec section 3.4's parent-link contract.
func (n *Node) Ref() Ref { return n.ref }

// Size returns the element count.
func (n *Node) Size() int { return n.hdr.Size }

// Width returns the current bit width.
func (n *Node) Width() int { return n.hdr.Width }

// IsInner reports whether this is an inner B+-tree node.
func (n *Node) IsInner() bool { return n.hdr.IsInner }

// HasRefs reports whether elements are refs that must be followed on DestroyDeep.
func (n *Node) HasRefs() bool { return n.hdr.HasRefs }

// ContextFlag reports the caller-defined context bit (spec section 3.2); StringIndex uses it to
// mark a slot's ref as a sub-index container rather than a plain row-list.
func (n *Node) ContextFlag() bool { return n.hdr.ContextFlag }

// payload returns the node's payload bytes, re-translating the ref each call since a concurrent
// remap may have moved the backing slice.
func (n *Node) payload() ([]byte, error) {
	buf, err := n.a.Translate(n.ref)
	if err != nil {
		return nil, err
	}

	if NodeHeaderSize+n.hdr.Capacity > len(buf) {
		return nil, ErrCorruption
	}

	return buf[NodeHeaderSize : NodeHeaderSize+n.hdr.Capacity], nil
}

// writeHeader flushes the in-memory header back to the node's current ref.
func (n *Node) writeHeader() error {
	buf, err := n.a.Translate(n.ref)
	if err != nil {
		return err
	}

	h := EncodeHeader(n.hdr)
	copy(buf[:NodeHeaderSize], h[:])
	return nil
}

// ensureWritable implements the ensure_writable(ref) -> ref_new contract from spec section 9:
// if the node is already writable (not in the read-only region) and its capacity already covers
// newCapacity, mutate in place; otherwise CoW-allocate a new node of newCapacity and copy over.
func (n *Node) ensureWritable(newWidth, newSize, newCapacity int) error {
	if !n.a.IsReadOnly(n.ref) && n.hdr.Capacity >= newCapacity && n.hdr.Width == newWidth {
		n.hdr.Size = newSize
		return n.writeHeader()
	}

	return n.realloc(newWidth, newCapacity, newSize)
}

func (n *Node) realloc(width, capacity, size int) error {
	if capacity > MaxNodeCapacity {
		return ErrCapacityExceeded
	}

	oldRef := n.ref
	oldHdr := n.hdr

	n.hdr.Width = width
	n.hdr.Capacity = capacity
	n.hdr.Size = size

	serialized := EncodeHeader(n.hdr)

	var newRef Ref
	var buf []byte
	var err error

	if oldRef == 0 {
		newRef, buf, err = n.a.Alloc(NodeHeaderSize + capacity)
	} else {
		newRef, buf, err = n.a.Realloc(oldRef, oldHdr, NodeHeaderSize+capacity)
	}

	if err != nil {
		return err
	}

	copy(buf[:NodeHeaderSize], serialized[:])
	n.ref = newRef

	return nil
}

// Get returns the signed value at index i, sign-extended for widths >= 8 and zero-extended
// (non-negative) for narrower widths.
func (n *Node) Get(i int) (int64, error) {
	if i < 0 || i >= n.hdr.Size {
		return 0, ErrIndexOutOfBounds
	}

	payload, err := n.payload()
	if err != nil {
		return 0, err
	}

	return getValue(payload, n.hdr.Width, i), nil
}

// GetChunk fills out with up to 8 consecutive elements starting at i.
func (n *Node) GetChunk(i int, out *[8]int64) error {
	payload, err := n.payload()
	if err != nil {
		return err
	}

	for k := 0; k < 8; k++ {
		idx := i + k
		if idx >= n.hdr.Size {
			out[k] = 0
			continue
		}

		out[k] = getValue(payload, n.hdr.Width, idx)
	}

	return nil
}

// Set stores v at index i, promoting the node's width first if v doesn't fit at the current one.
func (n *Node) Set(i int, v int64) error {
	if i < 0 || i >= n.hdr.Size {
		return ErrIndexOutOfBounds
	}

	needed := bitWidth(v)
	if needed > n.hdr.Width {
		if err := n.promote(needed); err != nil {
			return err
		}
	} else if err := n.ensureWritable(n.hdr.Width, n.hdr.Size, n.hdr.Capacity); err != nil {
		return err
	}

	payload, err := n.payload()
	if err != nil {
		return err
	}

	setValue(payload, n.hdr.Width, i, v)
	return nil
}

// promote CoW-allocates a wider node and rewrites every existing element at the new width.
func (n *Node) promote(newWidth int) error {
	payload, err := n.payload()
	if err != nil {
		return err
	}

	old := n.a.db.NodePool.Get(n.hdr.Size)[:n.hdr.Size]
	defer n.a.db.NodePool.Put(old)

	for i := range old {
		old[i] = getValue(payload, n.hdr.Width, i)
	}

	newCap := requiredBytes(n.hdr.Size, newWidth)
	if err := n.realloc(newWidth, newCap, n.hdr.Size); err != nil {
		return err
	}

	newPayload, err := n.payload()
	if err != nil {
		return err
	}

	for i, v := range old {
		setValue(newPayload, newWidth, i, v)
	}

	return nil
}

// Insert shifts elements [i, size) up by one slot and writes v at i, widening first if needed.
func (n *Node) Insert(i int, v int64) error {
	if i < 0 || i > n.hdr.Size {
		return ErrIndexOutOfBounds
	}

	newWidth := n.hdr.Width
	if w := bitWidth(v); w > newWidth {
		newWidth = w
	}

	newSize := n.hdr.Size + 1
	newCap := requiredBytes(newSize, newWidth)

	if newWidth != n.hdr.Width {
		payload, err := n.payload()
		if err != nil {
			return err
		}

		old := n.a.db.NodePool.Get(n.hdr.Size)[:n.hdr.Size]
		defer n.a.db.NodePool.Put(old)

		for k := range old {
			old[k] = getValue(payload, n.hdr.Width, k)
		}

		if err := n.realloc(newWidth, newCap, newSize); err != nil {
			return err
		}

		newPayload, err := n.payload()
		if err != nil {
			return err
		}

		for k := 0; k < i; k++ {
			setValue(newPayload, newWidth, k, old[k])
		}

		setValue(newPayload, newWidth, i, v)

		for k := i; k < len(old); k++ {
			setValue(newPayload, newWidth, k+1, old[k])
		}

		return nil
	}

	if err := n.ensureWritable(newWidth, newSize, newCap); err != nil {
		return err
	}

	payload, err := n.payload()
	if err != nil {
		return err
	}

	// ensureWritable has already set the header to newSize; the old last element is at newSize-2.
	for k := newSize - 2; k >= i; k-- {
		setValue(payload, newWidth, k+1, getValue(payload, newWidth, k))
	}

	setValue(payload, newWidth, i, v)
	return nil
}

// Append inserts v at the end of the node.
func (n *Node) Append(v int64) error {
	return n.Insert(n.hdr.Size, v)
}

// Erase removes the element at i, shifting later elements down by one. Width is never narrowed.
func (n *Node) Erase(i int) error {
	return n.EraseRange(i, i+1)
}

// EraseRange removes elements [begin, end).
func (n *Node) EraseRange(begin, end int) error {
	if begin < 0 || end > n.hdr.Size || begin > end {
		return ErrIndexOutOfBounds
	}

	count := end - begin
	if count == 0 {
		return nil
	}

	newSize := n.hdr.Size - count
	if err := n.ensureWritable(n.hdr.Width, newSize, n.hdr.Capacity); err != nil {
		return err
	}

	payload, err := n.payload()
	if err != nil {
		return err
	}

	for k := begin; k < newSize; k++ {
		setValue(payload, n.hdr.Width, k, getValue(payload, n.hdr.Width, k+count))
	}

	return nil
}

// Truncate sets size = nSize (nSize <= current size). If HasRefs and recurse is true, every
// removed tail element that looks like a ref is passed to DestroyDeep.
func (n *Node) Truncate(nSize int, recurse bool) error {
	if nSize > n.hdr.Size || nSize < 0 {
		return ErrIndexOutOfBounds
	}

	if n.hdr.HasRefs && recurse {
		payload, err := n.payload()
		if err != nil {
			return err
		}

		for i := nSize; i < n.hdr.Size; i++ {
			word := getValue(payload, n.hdr.Width, i)
			if IsRef(word) && word != 0 {
				child, openErr := OpenNode(n.a, Ref(word))
				if openErr == nil {
					_ = child.DestroyDeep()
				}
			}
		}
	}

	return n.ensureWritable(n.hdr.Width, nSize, n.hdr.Capacity)
}

// DestroyDeep frees this node and, if HasRefs, recursively frees every ref it contains.
func (n *Node) DestroyDeep() error {
	if n.hdr.HasRefs {
		payload, err := n.payload()
		if err != nil {
			return err
		}

		for i := 0; i < n.hdr.Size; i++ {
			word := getValue(payload, n.hdr.Width, i)
			if IsRef(word) && word != 0 {
				child, openErr := OpenNode(n.a, Ref(word))
				if openErr == nil {
					_ = child.DestroyDeep()
				}
			}
		}
	}

	n.a.Free(n.ref, n.hdr)
	return nil
}

// Sum accumulates elements in [start, end).
func (n *Node) Sum(start, end int) (int64, error) {
	payload, err := n.payload()
	if err != nil {
		return 0, err
	}

	var total int64
	for i := start; i < end; i++ {
		total += getValue(payload, n.hdr.Width, i)
	}

	return total, nil
}

// LowerBound returns the index of the first element >= v in a node sorted ascending.
func (n *Node) LowerBound(v int64) (int, error) {
	payload, err := n.payload()
	if err != nil {
		return 0, err
	}

	lo, hi := 0, n.hdr.Size
	for lo < hi {
		mid := int(uint(lo+hi) >> 1)
		if getValue(payload, n.hdr.Width, mid) < v {
			lo = mid + 1
		} else {
			hi = mid
		}
	}

	return lo, nil
}

// UpperBound returns the index of the first element > v in a node sorted ascending.
func (n *Node) UpperBound(v int64) (int, error) {
	payload, err := n.payload()
	if err != nil {
		return 0, err
	}

	lo, hi := 0, n.hdr.Size
	for lo < hi {
		mid := int(uint(lo+hi) >> 1)
		if getValue(payload, n.hdr.Width, mid) <= v {
			lo = mid + 1
		} else {
			hi = mid
		}
	}

	return lo, nil
}

// FindFirst returns the first index in [start,end) whose element satisfies cmp against target.
func (n *Node) FindFirst(cmp Comparator, target int64, start, end int) (int, bool, error) {
	payload, err := n.payload()
	if err != nil {
		return 0, false, err
	}

	if end > n.hdr.Size {
		end = n.hdr.Size
	}

	idx, found := findFirst(payload, n.hdr.Width, start, end, cmp, target)
	return idx, found, nil
}

// FindAll appends every index in [start,end) whose element satisfies cmp against target into
// sink, which a column-level caller typically backs with its own result Node.
func (n *Node) FindAll(cmp Comparator, target int64, start, end int, sink func(index int) error) error {
	payload, err := n.payload()
	if err != nil {
		return err
	}

	if end > n.hdr.Size {
		end = n.hdr.Size
	}

	for i := start; i < end; {
		idx, found := findFirst(payload, n.hdr.Width, i, end, cmp, target)
		if !found {
			return nil
		}

		if sinkErr := sink(idx); sinkErr != nil {
			return sinkErr
		}

		i = idx + 1
	}

	return nil
}

// FindHamming is defined only for width 64: for each element, compute popcount(element XOR v)
// and return the first index within [start,end) where that distance is < maxDist.
func (n *Node) FindHamming(v int64, maxDist int, start, end int) (int, bool, error) {
	if n.hdr.Width != 64 {
		return 0, false, ErrCorruption
	}

	payload, err := n.payload()
	if err != nil {
		return 0, false, err
	}

	for i := start; i < end; i++ {
		lane := getValue(payload, 64, i)
		if bits.OnesCount64(uint64(lane^v)) < maxDist {
			return i, true, nil
		}
	}

	return 0, false, nil
}
