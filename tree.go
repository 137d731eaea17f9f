package coldb

// Tree is the B+-tree backed column described in spec section 4.3: a leaf is a plain Node of
// values; an inner node's slot 0 holds the ref of an "offsets" leaf recording the cumulative
// element count through each child, and slots 1..k hold the child refs themselves. Every mutating
// method follows the copy-on-write contract of the underlying Node: a child mutation may return a
// new ref, which the caller threads back into its parent's slot before returning its own
// (possibly new) ref up the call stack.
//
// root is nil for the "empty, not yet materialized" column state spec section 3.1/3.3 reserves
// ref=0 for: no node has been allocated and none of Tree's read paths touch the allocator. The
// first mutation lazily allocates a leaf; every other state (single leaf, or root inner node) is
// an ordinary non-nil root.
type Tree struct {
	a    *Allocator
	root *Node
}

// NewTree creates an empty column. Per spec section 3.3's three-state model, this allocates
// nothing: root stays nil (ref 0) until the first write.
func NewTree(a *Allocator) (*Tree, error) {
	return &Tree{a: a}, nil
}

// OpenTree opens an existing tree rooted at ref. ref == 0 reopens the reserved empty-column state
// without touching the allocator, so opening it against a read-only Allocator never fails.
func OpenTree(a *Allocator, ref Ref) (*Tree, error) {
	if ref == 0 {
		return &Tree{a: a}, nil
	}

	root, err := OpenNode(a, ref)
	if err != nil {
		return nil, err
	}

	return &Tree{a: a, root: root}, nil
}

// Ref returns the tree's current root ref, or 0 if the column is still in the empty,
// not-yet-materialized state; callers persist this into whatever slot references the column (the
// commit Coordinator's TopNode, a parent index entry, and so on).
func (t *Tree) Ref() Ref {
	if t.root == nil {
		return 0
	}

	return t.root.Ref()
}

func childCount(n *Node) int { return n.Size() - 1 }

func (t *Tree) offsetsNode(n *Node) (*Node, error) {
	ref, err := n.Get(0)
	if err != nil {
		return nil, err
	}

	return OpenNode(t.a, Ref(ref))
}

func (t *Tree) childRef(n *Node, idx int) (Ref, error) {
	v, err := n.Get(idx + 1)
	if err != nil {
		return 0, err
	}

	return Ref(v), nil
}

// subtreeSize returns the number of leaf elements reachable from n.
func (t *Tree) subtreeSize(n *Node) (int, error) {
	if !n.IsInner() {
		return n.Size(), nil
	}

	offsets, err := t.offsetsNode(n)
	if err != nil {
		return 0, err
	}

	if offsets.Size() == 0 {
		return 0, nil
	}

	total, err := offsets.Get(offsets.Size() - 1)
	if err != nil {
		return 0, err
	}

	return int(total), nil
}

// Size returns the tree's total element count.
func (t *Tree) Size() (int, error) {
	if t.root == nil {
		return 0, nil
	}

	return t.subtreeSize(t.root)
}

// IsEmpty reports whether the tree holds no elements.
func (t *Tree) IsEmpty() (bool, error) {
	size, err := t.Size()
	return size == 0, err
}

// locate finds which child of inner node n holds global-to-n index i, along with i's local index
// within that child and n's offsets leaf (returned so callers needn't reopen it).
func (t *Tree) locate(n *Node, i int) (childIdx, localIdx int, offsets *Node, err error) {
	offsets, err = t.offsetsNode(n)
	if err != nil {
		return
	}

	childIdx, err = offsets.UpperBound(int64(i))
	if err != nil {
		return
	}

	var prior int64
	if childIdx > 0 {
		prior, err = offsets.Get(childIdx - 1)
		if err != nil {
			return
		}
	}

	localIdx = i - int(prior)
	return
}

// rebuildOffsets recomputes inner's offsets leaf from its children's current sizes. Simpler and
// more robust than incremental maintenance at the cost of an O(children) pass per mutation.
func (t *Tree) rebuildOffsets(inner *Node) error {
	count := childCount(inner)

	oldOffsetsRef, err := inner.Get(0)
	if err != nil {
		return err
	}

	offsets, err := OpenNode(t.a, Ref(oldOffsetsRef))
	if err != nil {
		return err
	}

	if err := offsets.Truncate(0, false); err != nil {
		return err
	}

	var running int64
	for idx := 0; idx < count; idx++ {
		childRef, err := t.childRef(inner, idx)
		if err != nil {
			return err
		}

		child, err := OpenNode(t.a, childRef)
		if err != nil {
			return err
		}

		sz, err := t.subtreeSize(child)
		if err != nil {
			return err
		}

		running += int64(sz)
		if err := offsets.Append(running); err != nil {
			return err
		}
	}

	if offsets.Ref() != Ref(oldOffsetsRef) {
		return inner.Set(0, int64(offsets.Ref()))
	}

	return nil
}

func (t *Tree) reopenRoot(ref Ref) error {
	root, err := OpenNode(t.a, ref)
	if err != nil {
		return err
	}

	t.root = root
	return nil
}

// Get returns the element at global index i.
func (t *Tree) Get(i int) (int64, error) {
	if t.root == nil {
		return 0, ErrIndexOutOfBounds
	}

	return t.getFrom(t.root, i)
}

func (t *Tree) getFrom(n *Node, i int) (int64, error) {
	if !n.IsInner() {
		return n.Get(i)
	}

	childIdx, localIdx, _, err := t.locate(n, i)
	if err != nil {
		return 0, err
	}

	childRef, err := t.childRef(n, childIdx)
	if err != nil {
		return 0, err
	}

	child, err := OpenNode(t.a, childRef)
	if err != nil {
		return 0, err
	}

	return t.getFrom(child, localIdx)
}

// Set overwrites the element at global index i.
func (t *Tree) Set(i int, v int64) error {
	if t.root == nil {
		return ErrIndexOutOfBounds
	}

	newRootRef, err := t.setIn(t.root.Ref(), i, v)
	if err != nil {
		return err
	}

	return t.reopenRoot(newRootRef)
}

func (t *Tree) setIn(nodeRef Ref, i int, v int64) (Ref, error) {
	n, err := OpenNode(t.a, nodeRef)
	if err != nil {
		return 0, err
	}

	if !n.IsInner() {
		if err := n.Set(i, v); err != nil {
			return 0, err
		}

		return n.Ref(), nil
	}

	childIdx, localIdx, _, err := t.locate(n, i)
	if err != nil {
		return 0, err
	}

	oldChildRef, err := t.childRef(n, childIdx)
	if err != nil {
		return 0, err
	}

	newChildRef, err := t.setIn(oldChildRef, localIdx, v)
	if err != nil {
		return 0, err
	}

	if newChildRef != oldChildRef {
		if err := n.Set(childIdx+1, int64(newChildRef)); err != nil {
			return 0, err
		}
	}

	return n.Ref(), nil
}

// splitLeaf splits an overflowing leaf into two order-preserving, non-empty halves (the even
// split chosen to resolve the non-append split policy left implementation-defined), returning the
// new right sibling's ref. n is truncated in place to become the left half.
func (t *Tree) splitLeaf(n *Node) (Ref, error) {
	size := n.Size()
	mid := size / 2

	right, err := NewNode(t.a, false, n.HasRefs(), false)
	if err != nil {
		return 0, err
	}

	for k := mid; k < size; k++ {
		val, err := n.Get(k)
		if err != nil {
			return 0, err
		}

		if err := right.Append(val); err != nil {
			return 0, err
		}
	}

	if err := n.Truncate(mid, false); err != nil {
		return 0, err
	}

	return right.Ref(), nil
}

// wrapRoot builds a new two-child inner node rooting leftRef and rightRef.
func (t *Tree) wrapRoot(leftRef, rightRef Ref) (Ref, error) {
	inner, err := NewNode(t.a, true, true, false)
	if err != nil {
		return 0, err
	}

	offsets, err := NewNode(t.a, false, false, false)
	if err != nil {
		return 0, err
	}

	if err := inner.Append(int64(offsets.Ref())); err != nil {
		return 0, err
	}

	if err := inner.Append(int64(leftRef)); err != nil {
		return 0, err
	}

	if err := inner.Append(int64(rightRef)); err != nil {
		return 0, err
	}

	if err := t.rebuildOffsets(inner); err != nil {
		return 0, err
	}

	return inner.Ref(), nil
}

// Insert inserts v at global index i, splitting leaves (and growing the root) as needed. If the
// column is still in the empty, not-yet-materialized state, this allocates its first leaf.
func (t *Tree) Insert(i int, v int64) error {
	if t.root == nil {
		if i != 0 {
			return ErrIndexOutOfBounds
		}

		leaf, err := NewNode(t.a, false, false, false)
		if err != nil {
			return err
		}

		t.root = leaf
	}

	newRootRef, siblingRef, err := t.insertIn(t.root.Ref(), i, v)
	if err != nil {
		return err
	}

	if siblingRef != 0 {
		newRootRef, err = t.wrapRoot(newRootRef, siblingRef)
		if err != nil {
			return err
		}
	}

	return t.reopenRoot(newRootRef)
}

// Append inserts v at the end of the tree.
func (t *Tree) Append(v int64) error {
	size, err := t.Size()
	if err != nil {
		return err
	}

	return t.Insert(size, v)
}

func (t *Tree) insertIn(nodeRef Ref, i int, v int64) (Ref, Ref, error) {
	n, err := OpenNode(t.a, nodeRef)
	if err != nil {
		return 0, 0, err
	}

	if !n.IsInner() {
		if err := n.Insert(i, v); err != nil {
			return 0, 0, err
		}

		if n.Size() <= LeafMax {
			return n.Ref(), 0, nil
		}

		siblingRef, err := t.splitLeaf(n)
		if err != nil {
			return 0, 0, err
		}

		return n.Ref(), siblingRef, nil
	}

	childIdx, localIdx, offsets, err := t.locate(n, i)
	if err != nil {
		return 0, 0, err
	}

	// An index equal to n's element count (an append) lies past the last offset; it belongs at the
	// end of the last child.
	if last := childCount(n) - 1; childIdx > last {
		childIdx, localIdx = last, i
		if last > 0 {
			prior, err := offsets.Get(last - 1)
			if err != nil {
				return 0, 0, err
			}

			localIdx = i - int(prior)
		}
	}

	oldChildRef, err := t.childRef(n, childIdx)
	if err != nil {
		return 0, 0, err
	}

	newChildRef, siblingRef, err := t.insertIn(oldChildRef, localIdx, v)
	if err != nil {
		return 0, 0, err
	}

	if newChildRef != oldChildRef {
		if err := n.Set(childIdx+1, int64(newChildRef)); err != nil {
			return 0, 0, err
		}
	}

	if siblingRef != 0 {
		if err := n.Insert(childIdx+2, int64(siblingRef)); err != nil {
			return 0, 0, err
		}
	}

	if err := t.rebuildOffsets(n); err != nil {
		return 0, 0, err
	}

	return n.Ref(), 0, nil
}

// Erase removes the element at global index i.
func (t *Tree) Erase(i int) error { return t.EraseRange(i, i+1) }

// EraseRange removes elements [begin,end). Children are never merged or removed on underflow; an
// inner node can be left holding small or empty children.
func (t *Tree) EraseRange(begin, end int) error {
	if t.root == nil {
		if begin < 0 || end > 0 || begin > end {
			return ErrIndexOutOfBounds
		}

		return nil
	}

	newRootRef, err := t.eraseIn(t.root.Ref(), begin, end)
	if err != nil {
		return err
	}

	return t.reopenRoot(newRootRef)
}

func (t *Tree) eraseIn(nodeRef Ref, begin, end int) (Ref, error) {
	n, err := OpenNode(t.a, nodeRef)
	if err != nil {
		return 0, err
	}

	if !n.IsInner() {
		if err := n.EraseRange(begin, end); err != nil {
			return 0, err
		}

		return n.Ref(), nil
	}

	toRemove := end - begin
	for toRemove > 0 {
		childIdx, localBegin, offsets, err := t.locate(n, begin)
		if err != nil {
			return 0, err
		}

		var priorTotal int64
		if childIdx > 0 {
			priorTotal, err = offsets.Get(childIdx - 1)
			if err != nil {
				return 0, err
			}
		}

		childTotal, err := offsets.Get(childIdx)
		if err != nil {
			return 0, err
		}

		childSize := int(childTotal - priorTotal)
		removable := childSize - localBegin
		if removable > toRemove {
			removable = toRemove
		}

		oldChildRef, err := t.childRef(n, childIdx)
		if err != nil {
			return 0, err
		}

		newChildRef, err := t.eraseIn(oldChildRef, localBegin, localBegin+removable)
		if err != nil {
			return 0, err
		}

		if newChildRef != oldChildRef {
			if err := n.Set(childIdx+1, int64(newChildRef)); err != nil {
				return 0, err
			}
		}

		// Refresh the offsets before the next pass so locate sees this child's new size.
		if err := t.rebuildOffsets(n); err != nil {
			return 0, err
		}

		toRemove -= removable
	}

	return n.Ref(), nil
}

// Truncate discards every element at or past nSize.
func (t *Tree) Truncate(nSize int) error {
	size, err := t.Size()
	if err != nil {
		return err
	}

	if nSize >= size {
		return nil
	}

	return t.EraseRange(nSize, size)
}

// Clear removes every element.
func (t *Tree) Clear() error {
	return t.Truncate(0)
}

// Destroy frees the entire subtree, including every leaf and offsets node. A no-op on a column
// still in the empty, not-yet-materialized state.
func (t *Tree) Destroy() error {
	if t.root == nil {
		return nil
	}

	return t.root.DestroyDeep()
}

// SequentialGetter is a leaf-caching cursor: repeated Get calls at increasing indices only
// re-descend from the root when they cross a leaf boundary (spec section 4.3).
type SequentialGetter struct {
	t        *Tree
	leaf     *Node
	leafBase int
	leafEnd  int
}

// NewSequentialGetter returns a cursor over t.
func (t *Tree) NewSequentialGetter() *SequentialGetter {
	return &SequentialGetter{t: t}
}

func (t *Tree) findLeaf(n *Node, i, base int) (*Node, int, int, error) {
	if !n.IsInner() {
		return n, base, base + n.Size(), nil
	}

	childIdx, _, offsets, err := t.locate(n, i-base)
	if err != nil {
		return nil, 0, 0, err
	}

	var prior int64
	if childIdx > 0 {
		prior, err = offsets.Get(childIdx - 1)
		if err != nil {
			return nil, 0, 0, err
		}
	}

	childRef, err := t.childRef(n, childIdx)
	if err != nil {
		return nil, 0, 0, err
	}

	child, err := OpenNode(t.a, childRef)
	if err != nil {
		return nil, 0, 0, err
	}

	return t.findLeaf(child, i, base+int(prior))
}

func (sg *SequentialGetter) ensureLeaf(i int) error {
	if sg.leaf != nil && i >= sg.leafBase && i < sg.leafEnd {
		return nil
	}

	if sg.t.root == nil {
		return ErrIndexOutOfBounds
	}

	leaf, base, end, err := sg.t.findLeaf(sg.t.root, i, 0)
	if err != nil {
		return err
	}

	sg.leaf, sg.leafBase, sg.leafEnd = leaf, base, end
	return nil
}

// Get returns the element at global index i, reusing the cached leaf when possible.
func (sg *SequentialGetter) Get(i int) (int64, error) {
	if err := sg.ensureLeaf(i); err != nil {
		return 0, err
	}

	return sg.leaf.Get(i - sg.leafBase)
}

// Sum accumulates elements in [start,end) using a SequentialGetter so a contiguous scan stays
// within one leaf at a time.
func (t *Tree) Sum(start, end int) (int64, error) {
	sg := t.NewSequentialGetter()

	var total int64
	for i := start; i < end; i++ {
		v, err := sg.Get(i)
		if err != nil {
			return 0, err
		}

		total += v
	}

	return total, nil
}

// FindFirst returns the first global index in [start,end) whose element satisfies cmp against
// target, delegating each leaf's scan to Node.FindFirst so full leaves are searched with the
// lane-parallel comparator rather than one Get call at a time.
func (t *Tree) FindFirst(cmp Comparator, target int64, start, end int) (int, bool, error) {
	sg := t.NewSequentialGetter()

	i := start
	for i < end {
		if err := sg.ensureLeaf(i); err != nil {
			return 0, false, err
		}

		localStart := i - sg.leafBase
		localEnd := sg.leafEnd - sg.leafBase
		if globalLocalEnd := end - sg.leafBase; globalLocalEnd < localEnd {
			localEnd = globalLocalEnd
		}

		idx, found, err := sg.leaf.FindFirst(cmp, target, localStart, localEnd)
		if err != nil {
			return 0, false, err
		}

		if found {
			return sg.leafBase + idx, true, nil
		}

		i = sg.leafEnd
	}

	return 0, false, nil
}
