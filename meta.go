package coldb

// TopNode is the fixed-slot root structure referenced by the file header's current top-ref
// (spec section 6.1). It is itself an ordinary width-64 node with HasRefs set, so the same
// DestroyDeep machinery that walks any other node also walks it.
type TopNode struct {
	// Version is the commit version this top node represents.
	Version uint64
	// NextFreeOffset is the first byte of unused space at the end of the file at this version.
	NextFreeOffset uint64
	// RootColumnRef is the ref of the single column this core persists (layers above are free to
	// fan this out into names/tables; see spec section 6.1).
	RootColumnRef Ref
	// FreePositionsRef is a leaf node of free-range start offsets.
	FreePositionsRef Ref
	// FreeSizesRef is a leaf node of free-range byte sizes, parallel to FreePositionsRef.
	FreeSizesRef Ref
	// FreeVersionsRef is a leaf node of the version that freed each range, parallel to the above.
	FreeVersionsRef Ref
}

const topNodeSlotCount = 6
const topNodePayloadSize = topNodeSlotCount * 8

// readCurrentSlot returns the file header's 1-byte current-slot indicator (0 or 1).
func (db *ColDB) readCurrentSlot() byte {
	mMap := db.Data.Load().(MMap)
	if len(mMap) <= HeaderCurrentSlotOffset {
		return 0
	}

	return mMap[HeaderCurrentSlotOffset]
}

// readTopRef reads the top-ref slot currently indicated by the current-slot byte.
func (db *ColDB) readTopRef() Ref {
	mMap := db.Data.Load().(MMap)
	if len(mMap) < HeaderSize {
		return 0
	}

	off := HeaderTopRefSlot0
	if db.readCurrentSlot() != 0 {
		off = HeaderTopRefSlot1
	}

	return Ref(getUint64(mMap[off:]))
}

// writeTopRefAndFlip implements spec section 4.4 step 8: write the new top ref into the *other*
// slot, sync, then flip the indicator, sync again. A crash between the two syncs leaves the
// indicator pointing at the previous, still-complete, slot.
func (db *ColDB) writeTopRefAndFlip(newRef Ref) error {
	current := db.readCurrentSlot()
	otherOff := HeaderTopRefSlot1
	if current != 0 {
		otherOff = HeaderTopRefSlot0
	}

	mMap := db.Data.Load().(MMap)
	putUint64(mMap[otherOff:], uint64(newRef))

	if err := db.flushRegionToDisk(uint64(otherOff), uint64(otherOff+8)); err != nil {
		return err
	}

	var flipped byte
	if current != 0 {
		flipped = 0
	} else {
		flipped = 1
	}

	mMap[HeaderCurrentSlotOffset] = flipped
	return db.flushRegionToDisk(HeaderCurrentSlotOffset, HeaderCurrentSlotOffset+1)
}

// readTopNode decodes the TopNode at the current top ref. An unset top ref (a brand new file)
// yields the zero-value TopNode with NextFreeOffset seeded just past the file header.
func (db *ColDB) readTopNode() (TopNode, error) {
	topRef := db.readTopRef()
	if topRef == 0 {
		return TopNode{NextFreeOffset: HeaderSize}, nil
	}

	mMap := db.Data.Load().(MMap)
	if uint64(topRef)+NodeHeaderSize > uint64(len(mMap)) {
		return TopNode{}, ErrCorruption
	}

	hdr, decErr := DecodeHeader(mMap[topRef:])
	if decErr != nil {
		return TopNode{}, decErr
	}

	if hdr.Size != topNodeSlotCount || hdr.Width != 64 {
		return TopNode{}, ErrCorruption
	}

	payloadStart := uint64(topRef) + NodeHeaderSize
	payload := mMap[payloadStart : payloadStart+topNodePayloadSize]

	return TopNode{
		Version:          uint64(untagInt(int64(getUint64(payload[0:8])))),
		NextFreeOffset:   uint64(untagInt(int64(getUint64(payload[8:16])))),
		RootColumnRef:    Ref(getUint64(payload[16:24])),
		FreePositionsRef: Ref(getUint64(payload[24:32])),
		FreeSizesRef:     Ref(getUint64(payload[32:40])),
		FreeVersionsRef:  Ref(getUint64(payload[40:48])),
	}, nil
}

// Stat reports the current committed version, root column ref, and backing file size, for the
// CLI's `stat` subcommand and similar introspection callers.
func (db *ColDB) Stat() (version uint64, rootRef Ref, fileSize int, err error) {
	top, topErr := db.readTopNode()
	if topErr != nil {
		return 0, 0, 0, topErr
	}

	size, sizeErr := db.FileSize()
	if sizeErr != nil {
		return 0, 0, 0, sizeErr
	}

	return top.Version, top.RootColumnRef, size, nil
}

// loadVersion returns the version recorded in the current top node.
func (db *ColDB) loadVersion() (uint64, error) {
	tn, err := db.readTopNode()
	return tn.Version, err
}

// loadNextFreeOffset returns the next-free-byte offset recorded in the current top node.
func (db *ColDB) loadNextFreeOffset() (uint64, error) {
	tn, err := db.readTopNode()
	return tn.NextFreeOffset, err
}

// serialize encodes the TopNode into its on-disk node representation (header + 48-byte payload).
func (tn TopNode) serialize() []byte {
	hdr := EncodeHeader(Header{HasRefs: true, Width: 64, Size: topNodeSlotCount, Capacity: topNodePayloadSize})

	out := make([]byte, NodeHeaderSize+topNodePayloadSize)
	copy(out, hdr[:])

	payload := out[NodeHeaderSize:]
	putUint64(payload[0:8], uint64(tagInt(int64(tn.Version))))
	putUint64(payload[8:16], uint64(tagInt(int64(tn.NextFreeOffset))))
	putUint64(payload[16:24], uint64(tn.RootColumnRef))
	putUint64(payload[24:32], uint64(tn.FreePositionsRef))
	putUint64(payload[32:40], uint64(tn.FreeSizesRef))
	putUint64(payload[40:48], uint64(tn.FreeVersionsRef))

	return out
}

// writeTopNode allocates space for and writes a new TopNode via the given Allocator, returning
// its ref. Callers (the commit Coordinator) then publish that ref with writeTopRefAndFlip.
func writeTopNode(a *Allocator, tn TopNode) (Ref, error) {
	sNode := tn.serialize()

	ref, buf, allocErr := a.Alloc(len(sNode))
	if allocErr != nil {
		return 0, allocErr
	}

	copy(buf, sNode)

	if err := a.db.flushRegionToDisk(uint64(ref), uint64(ref)+uint64(len(sNode))); err != nil {
		return 0, err
	}

	return ref, nil
}
