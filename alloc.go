package coldb

import "fmt"
import "os"
import "path/filepath"
import "runtime"
import "sync/atomic"

// Allocator owns a contiguous logical address space backed by a memory mapped file.
// It hands out stable Refs and distinguishes the read-only region (the file prefix committed
// by the last transaction) from the writable slab region (fresh allocations since then).
type Allocator struct {
	db *ColDB

	// committedEnd is the byte offset recorded at Attach/tx-start: everything below it is the
	// read-only region; everything from here to the current mmap length is slab.
	committedEnd uint64
	// nextFree is the bump-pointer cursor for the next fresh slab allocation.
	nextFree uint64
	// pendingFree accumulates refs freed against the read-only region during this transaction;
	// the commit Coordinator merges these into the on-disk free list.
	pendingFree []freeEntry
}

// freeEntry is a single byte range released back to the allocator, tagged with the version
// of the transaction that freed it so free-list merging respects outstanding reader snapshots.
type freeEntry struct {
	ref      Ref
	size     uint32
	version  uint64
}

// AttachAllocator opens (creating if necessary) the backing file and memory-maps it, validating
// the file header if one is already present.
func AttachAllocator(db *ColDB, opts Options) (*Allocator, error) {
	fSize, statErr := db.FileSize()
	if statErr != nil {
		return nil, statErr
	}

	a := &Allocator{}

	switch {
	case fSize == 0:
		if opts.Mode == ReadWriteNoCreate {
			return nil, ErrInvalidFile
		}

		if resizeErr := db.resizeMmap(opts.InitialMmapSize); resizeErr != nil {
			return nil, resizeErr
		}

		if initErr := a.initializeFile(db); initErr != nil {
			return nil, initErr
		}
	default:
		if mmapErr := db.mMap(); mmapErr != nil {
			return nil, mmapErr
		}

		if validateErr := a.validateHeader(db); validateErr != nil {
			return nil, validateErr
		}
	}

	a.db = db
	a.refreshTransactionBounds()

	return a, nil
}

// validateHeader checks the magic and file format version recorded at attach time.
func (a *Allocator) validateHeader(db *ColDB) error {
	mMap := db.Data.Load().(MMap)
	if len(mMap) < HeaderSize {
		return ErrInvalidFile
	}

	if string(mMap[HeaderMagicOffset:HeaderMagicOffset+4]) != Magic {
		return ErrInvalidFile
	}

	if mMap[HeaderVersionOffset] != FileFormatVersion {
		return ErrInvalidFile
	}

	return nil
}

// initializeFile lays out a brand new file: magic, version, both top-ref slots pointing at an
// empty (zero) root, and the current-slot indicator at 0.
func (a *Allocator) initializeFile(db *ColDB) error {
	mMap := db.Data.Load().(MMap)

	copy(mMap[HeaderMagicOffset:HeaderMagicOffset+4], []byte(Magic))
	mMap[HeaderVersionOffset] = FileFormatVersion
	mMap[HeaderReservedOffset] = 0
	mMap[HeaderReservedOffset+1] = 0
	mMap[HeaderCurrentSlotOffset] = 0
	putUint64(mMap[HeaderTopRefSlot0:], 0)
	putUint64(mMap[HeaderTopRefSlot1:], 0)

	return db.flushRegionToDisk(0, HeaderSize)
}

// refreshTransactionBounds snapshots the read-only/slab boundary for a new transaction. Must be
// called with the resize lock held for reading so the mmap doesn't move underneath it.
func (a *Allocator) refreshTransactionBounds() {
	mMap := a.db.Data.Load().(MMap)
	nextFree, _ := a.db.loadNextFreeOffset()

	if nextFree == 0 {
		nextFree = HeaderSize
	}

	a.committedEnd = nextFree
	a.nextFree = nextFree
	a.pendingFree = a.pendingFree[:0]
	_ = mMap
}

// Translate returns the byte window starting at ref. Callers reslice to the node's actual
// length once its header has been decoded; this is Go's analogue of a raw translated pointer.
func (a *Allocator) Translate(ref Ref) ([]byte, error) {
	if ref == 0 {
		return nil, ErrCorruption
	}

	mMap := a.db.Data.Load().(MMap)
	if uint64(ref) >= uint64(len(mMap)) {
		return nil, ErrCorruption
	}

	return mMap[ref:], nil
}

// Alloc rounds size up to a multiple of 8 and returns a fresh region from the slab. It never
// overwrites ref-reachable data: the bump pointer only ever advances.
func (a *Allocator) Alloc(size int) (Ref, []byte, error) {
	if a.db.mode == ReadOnly {
		return 0, nil, ErrReadOnlyViolation
	}

	aligned := alignUp8(size)
	ref := Ref(a.nextFree)

	if resizeErr := a.ensureCapacity(a.nextFree + uint64(aligned)); resizeErr != nil {
		return 0, nil, resizeErr
	}

	a.nextFree += uint64(aligned)

	mMap := a.db.Data.Load().(MMap)
	buf := mMap[ref : uint64(ref)+uint64(aligned)]
	for i := range buf {
		buf[i] = 0
	}

	return ref, buf, nil
}

// ensureCapacity grows the mmap (doubling up to MaxResize, then additively) until it can hold
// byte offset `upto`.
func (a *Allocator) ensureCapacity(upto uint64) error {
	mMap := a.db.Data.Load().(MMap)
	if uint64(len(mMap)) >= upto {
		return nil
	}

	for atomic.LoadUint32(&a.db.IsResizing) == 1 {
		runtime.Gosched()
	}

	if !atomic.CompareAndSwapUint32(&a.db.IsResizing, 0, 1) {
		return a.ensureCapacity(upto)
	}
	defer atomic.StoreUint32(&a.db.IsResizing, 0)

	newSize := int(len(mMap))
	for uint64(newSize) < upto {
		switch {
		case newSize == 0:
			newSize = DefaultPageSize * 16 * 1000
		case newSize >= MaxResize:
			newSize += MaxResize
		default:
			newSize *= 2
		}
	}

	if resizeErr := a.db.resizeMmap(newSize); resizeErr != nil {
		return ErrOutOfMemory
	}

	return nil
}

// Realloc allocates a new region, copies the live payload over, and frees the old ref. Per spec
// this always returns a different ref when the old ref is read-only; this implementation always
// returns a different ref (the in-place slab-tail reuse optimization is not implemented, see
// DESIGN.md).
func (a *Allocator) Realloc(oldRef Ref, oldHeader Header, newSize int) (Ref, []byte, error) {
	newRef, newBuf, allocErr := a.Alloc(newSize)
	if allocErr != nil {
		return 0, nil, allocErr
	}

	if oldRef != 0 {
		oldBuf, translateErr := a.Translate(oldRef)
		if translateErr == nil {
			n := oldHeader.Capacity + NodeHeaderSize
			if n > len(oldBuf) {
				n = len(oldBuf)
			}

			copy(newBuf, oldBuf[:n])
		}

		a.Free(oldRef, oldHeader)
	}

	return newRef, newBuf, nil
}

// Free releases a ref. If it lies in the read-only region it is recorded for the commit
// Coordinator to merge into the on-disk free list; otherwise, if it's the most recent slab
// allocation, the bump pointer is rolled back immediately. Interior slab holes are not recorded
// anywhere and are never reused (see DESIGN.md).
func (a *Allocator) Free(ref Ref, hdr Header) {
	if ref == 0 {
		return
	}

	size := uint32(NodeHeaderSize + hdr.Capacity)

	if a.IsReadOnly(ref) {
		version, _ := a.db.loadVersion()
		a.pendingFree = append(a.pendingFree, freeEntry{ref: ref, size: size, version: version})
		return
	}

	if uint64(ref)+uint64(alignUp8(int(size))) == a.nextFree {
		a.nextFree = uint64(ref)
	}
}

// IsReadOnly reports whether ref lies within the mapped file region recorded at transaction
// start.
func (a *Allocator) IsReadOnly(ref Ref) bool {
	return uint64(ref) < a.committedEnd
}

// FileSize returns the current size of the backing file.
func (db *ColDB) FileSize() (int, error) {
	stat, statErr := db.File.Stat()
	if statErr != nil {
		return 0, statErr
	}

	return int(stat.Size()), nil
}

// Open opens (or creates) a coldb file and returns a ready-to-use handle.
func Open(opts Options) (*ColDB, error) {
	if opts.NodePoolSize == 0 {
		opts.NodePoolSize = 1000
	}

	if opts.CompactAtVersion == 0 {
		opts.CompactAtVersion = 1 << 20
	}

	db := &ColDB{
		Filepath:      opts.Filepath,
		Opened:        true,
		SignalFlush:   make(chan bool),
		SignalCompact: make(chan bool),
		NodePool:      NewNodePool(opts.NodePoolSize),
		mode:          opts.Mode,
		activeReaders: make(map[uint64]int),
	}

	db.compactAtVersion = opts.CompactAtVersion

	flag := os.O_RDWR | os.O_CREATE
	if opts.Mode == ReadOnly {
		flag = os.O_RDONLY
	}

	absPath := opts.Filepath
	if !filepath.IsAbs(absPath) {
		var err error
		absPath, err = filepath.Abs(absPath)
		if err != nil {
			return nil, err
		}
	}

	file, openErr := os.OpenFile(absPath, flag, 0600)
	if openErr != nil {
		return nil, fmt.Errorf("coldb: opening file: %w", openErr)
	}

	db.File = file
	db.Data.Store(MMap{})
	atomic.StoreUint32(&db.IsResizing, 0)

	a, allocErr := AttachAllocator(db, opts)
	if allocErr != nil {
		return nil, allocErr
	}

	db.allocator = a

	go db.handleFlush()
	go db.handleCompact()

	return db, nil
}

// Allocator returns the Allocator Open attached for this handle. View and Update both take an
// explicit *Allocator so a caller juggling several attach points (e.g. a reader pinned to an
// older snapshot's bounds) isn't forced through this single shared one, but the common case of
// "the allocator Open just gave me" is this accessor.
func (db *ColDB) Allocator() *Allocator { return db.allocator }

// Close syncs and unmaps the backing file.
func (db *ColDB) Close() error {
	if !db.Opened {
		return nil
	}

	db.Opened = false

	if syncErr := db.File.Sync(); syncErr != nil {
		return syncErr
	}

	if unmapErr := db.munmap(); unmapErr != nil {
		return unmapErr
	}

	return db.File.Close()
}

// Remove closes and deletes the backing file.
func (db *ColDB) Remove() error {
	if closeErr := db.Close(); closeErr != nil {
		return closeErr
	}

	return os.Remove(db.Filepath)
}

func alignUp8(n int) int {
	return (n + 7) &^ 7
}

func putUint64(b []byte, v uint64) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
	b[4] = byte(v >> 32)
	b[5] = byte(v >> 40)
	b[6] = byte(v >> 48)
	b[7] = byte(v >> 56)
}

func getUint64(b []byte) uint64 {
	return uint64(b[0]) | uint64(b[1])<<8 | uint64(b[2])<<16 | uint64(b[3])<<24 |
		uint64(b[4])<<32 | uint64(b[5])<<40 | uint64(b[6])<<48 | uint64(b[7])<<56
}
