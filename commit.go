package coldb

import "sort"

// Coordinator implements the commit protocol from spec section 4.4: merge freed read-only ranges
// into the on-disk free list, write the new TopNode, and publish it via the file header's
// dual-slot swap. It owns no state of its own beyond its db/Allocator handles so a fresh
// Coordinator can be built per transaction.
type Coordinator struct {
	db *ColDB
	a  *Allocator
}

// NewCoordinator returns a Coordinator bound to db's allocator.
func NewCoordinator(db *ColDB, a *Allocator) *Coordinator {
	return &Coordinator{db: db, a: a}
}

// openOrNewFreeLeaf opens the free-list leaf at ref, or creates a fresh empty one if ref is zero
// (the very first commit against a new file).
func openOrNewFreeLeaf(a *Allocator, ref Ref) (*Node, error) {
	if ref == 0 {
		return NewNode(a, false, false, false)
	}

	return OpenNode(a, ref)
}

// rawFreeEntry is the free-list's on-leaf representation of a freeEntry: a byte range and the
// version that released it, decoupled from the allocator so commit.go can sort and merge them
// without reaching back into Allocator state.
type rawFreeEntry struct {
	pos     int64
	size    int64
	version uint64
}

// readFreeEntries flattens the three parallel free-list leaves back into rawFreeEntry values.
func readFreeEntries(positions, sizes, versions *Node) ([]rawFreeEntry, error) {
	n := positions.Size()
	entries := make([]rawFreeEntry, 0, n)

	for i := 0; i < n; i++ {
		pos, err := positions.Get(i)
		if err != nil {
			return nil, err
		}

		size, err := sizes.Get(i)
		if err != nil {
			return nil, err
		}

		version, err := versions.Get(i)
		if err != nil {
			return nil, err
		}

		entries = append(entries, rawFreeEntry{pos: pos, size: size, version: uint64(version)})
	}

	return entries, nil
}

// coalesceFreeEntries merges adjacent free byte ranges (spec section 4.4 step 1): entries whose
// [pos, pos+size) spans abut are combined into one entry when both sides are old enough that no
// active reader could still be resolving a ref into either range. The merged entry keeps the
// newer of the two freeing versions, since that is the version whose release still gates reuse of
// the combined range.
func coalesceFreeEntries(entries []rawFreeEntry, oldestReaderVersion uint64) []rawFreeEntry {
	if len(entries) == 0 {
		return entries
	}

	sorted := make([]rawFreeEntry, len(entries))
	copy(sorted, entries)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].pos < sorted[j].pos })

	merged := make([]rawFreeEntry, 0, len(sorted))
	cur := sorted[0]

	for _, next := range sorted[1:] {
		adjacent := cur.pos+cur.size == next.pos
		bothReclaimable := cur.version < oldestReaderVersion && next.version < oldestReaderVersion

		if adjacent && bothReclaimable {
			cur.size += next.size
			if next.version > cur.version {
				cur.version = next.version
			}

			continue
		}

		merged = append(merged, cur)
		cur = next
	}

	merged = append(merged, cur)
	return merged
}

// mergeFreeList combines every range freed by the in-flight transaction (a.pendingFree) with the
// existing on-disk free list, coalesces adjacent ranges old enough that no active reader still
// needs them distinct (oldestReaderVersion), and returns three fresh parallel leaves ready to be
// referenced from a new TopNode.
func (c *Coordinator) mergeFreeList(oldTop TopNode, oldestReaderVersion uint64) (positions, sizes, versions *Node, err error) {
	oldPositions, err := openOrNewFreeLeaf(c.a, oldTop.FreePositionsRef)
	if err != nil {
		return
	}

	oldSizes, err := openOrNewFreeLeaf(c.a, oldTop.FreeSizesRef)
	if err != nil {
		return
	}

	oldVersions, err := openOrNewFreeLeaf(c.a, oldTop.FreeVersionsRef)
	if err != nil {
		return
	}

	entries, err := readFreeEntries(oldPositions, oldSizes, oldVersions)
	if err != nil {
		return
	}

	for _, e := range c.a.pendingFree {
		entries = append(entries, rawFreeEntry{pos: int64(e.ref), size: int64(e.size), version: e.version})
	}

	entries = coalesceFreeEntries(entries, oldestReaderVersion)

	positions, err = NewNode(c.a, false, false, false)
	if err != nil {
		return
	}

	sizes, err = NewNode(c.a, false, false, false)
	if err != nil {
		return
	}

	versions, err = NewNode(c.a, false, false, false)
	if err != nil {
		return
	}

	for _, e := range entries {
		if err = positions.Append(e.pos); err != nil {
			return
		}

		if err = sizes.Append(e.size); err != nil {
			return
		}

		if err = versions.Append(int64(e.version)); err != nil {
			return
		}
	}

	return
}

// Commit publishes rootRef as the column tree reachable from the next file version: it merges
// this transaction's freed ranges into the on-disk free list (coalescing adjacent ranges that no
// reader at or after oldestReaderVersion could still need distinct), writes a new TopNode, fsyncs
// the data, then atomically swaps the file header's current-slot indicator to point at it.
//
// A crash at any point before the final slot flip leaves the previous, still-consistent, version
// as the file's root — this transaction's writes sit in already-allocated slab space and are
// simply abandoned on next open.
func (c *Coordinator) Commit(rootRef Ref, oldestReaderVersion uint64) error {
	oldTop, err := c.db.readTopNode()
	if err != nil {
		return err
	}

	positions, sizes, versions, err := c.mergeFreeList(oldTop, oldestReaderVersion)
	if err != nil {
		return err
	}

	// writeTopNode allocates the new TopNode at c.a.nextFree, so the recorded next-free offset
	// sits just past it.
	newTop := TopNode{
		Version:          oldTop.Version + 1,
		NextFreeOffset:   c.a.nextFree + uint64(alignUp8(NodeHeaderSize+topNodePayloadSize)),
		RootColumnRef:    rootRef,
		FreePositionsRef: positions.Ref(),
		FreeSizesRef:     sizes.Ref(),
		FreeVersionsRef:  versions.Ref(),
	}

	newTopRef, err := writeTopNode(c.a, newTop)
	if err != nil {
		return err
	}

	if err := c.db.flushRegionToDisk(c.a.committedEnd, c.a.nextFree); err != nil {
		return err
	}

	if err := c.db.writeTopRefAndFlip(newTopRef); err != nil {
		return err
	}

	c.a.pendingFree = c.a.pendingFree[:0]
	c.a.committedEnd = c.a.nextFree

	return nil
}

// Compact drops every free-list entry whose freeing version is older than oldestReaderVersion
// (no outstanding reader can still be looking at that range's previous contents) and rewrites the
// free-list leaves without them. It does not return freed ranges to the allocator for reuse; the
// allocator always bump-allocates fresh slab space (see DESIGN.md), so Compact's only effect today
// is bounding how large the on-disk free list grows. Returns the ref of the new TopNode, which the
// caller commits via the normal publish path (writeTopRefAndFlip).
func (c *Coordinator) Compact(oldestReaderVersion uint64) (Ref, error) {
	oldTop, err := c.db.readTopNode()
	if err != nil {
		return 0, err
	}

	oldPositions, err := openOrNewFreeLeaf(c.a, oldTop.FreePositionsRef)
	if err != nil {
		return 0, err
	}

	oldSizes, err := openOrNewFreeLeaf(c.a, oldTop.FreeSizesRef)
	if err != nil {
		return 0, err
	}

	oldVersions, err := openOrNewFreeLeaf(c.a, oldTop.FreeVersionsRef)
	if err != nil {
		return 0, err
	}

	newPositions, err := NewNode(c.a, false, false, false)
	if err != nil {
		return 0, err
	}

	newSizes, err := NewNode(c.a, false, false, false)
	if err != nil {
		return 0, err
	}

	newVersions, err := NewNode(c.a, false, false, false)
	if err != nil {
		return 0, err
	}

	for i := 0; i < oldVersions.Size(); i++ {
		version, err := oldVersions.Get(i)
		if err != nil {
			return 0, err
		}

		if uint64(version) >= oldestReaderVersion {
			pos, err := oldPositions.Get(i)
			if err != nil {
				return 0, err
			}

			size, err := oldSizes.Get(i)
			if err != nil {
				return 0, err
			}

			if err := newPositions.Append(pos); err != nil {
				return 0, err
			}

			if err := newSizes.Append(size); err != nil {
				return 0, err
			}

			if err := newVersions.Append(version); err != nil {
				return 0, err
			}
		}
	}

	newTop := TopNode{
		Version:          oldTop.Version + 1,
		NextFreeOffset:   c.a.nextFree + uint64(alignUp8(NodeHeaderSize+topNodePayloadSize)),
		RootColumnRef:    oldTop.RootColumnRef,
		FreePositionsRef: newPositions.Ref(),
		FreeSizesRef:     newSizes.Ref(),
		FreeVersionsRef:  newVersions.Ref(),
	}

	return writeTopNode(c.a, newTop)
}
