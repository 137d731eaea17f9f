package coldb

import "fmt"
import "runtime"
import "sync/atomic"

// mMap memory-maps db.File into db.Data, read-only when the handle was opened ReadOnly.
func (db *ColDB) mMap() error {
	mode := RDWR
	if db.mode == ReadOnly {
		mode = RDONLY
	}

	mMap, mmapErr := Map(db.File, mode, 0)
	if mmapErr != nil {
		return mmapErr
	}

	db.Data.Store(mMap)
	return nil
}

// munmap unmaps db.Data from the process address space.
func (db *ColDB) munmap() error {
	existing, ok := db.Data.Load().(MMap)
	if !ok || len(existing) == 0 {
		return nil
	}

	if unmapErr := existing.Unmap(); unmapErr != nil {
		return unmapErr
	}

	db.Data.Store(MMap{})
	return nil
}

// resizeMmap grows the backing file to at least newSize bytes and remaps it. newSize of 0 picks
// the default initial size (DefaultPageSize*16*1000 bytes, 62.5MiB with 4KiB pages).
func (db *ColDB) resizeMmap(newSize int) error {
	if newSize == 0 {
		newSize = DefaultPageSize * 16 * 1000
	}

	existing, _ := db.Data.Load().(MMap)
	if len(existing) > 0 {
		if flushErr := db.File.Sync(); flushErr != nil {
			return flushErr
		}

		if unmapErr := db.munmap(); unmapErr != nil {
			return unmapErr
		}
	}

	if truncateErr := db.File.Truncate(int64(newSize)); truncateErr != nil {
		return truncateErr
	}

	return db.mMap()
}

// flushRegionToDisk flushes [startOffset, endOffset) of the mapping, normalizing startOffset
// down to the start of its page since Flush (msync) requires a page-aligned address.
func (db *ColDB) flushRegionToDisk(startOffset, endOffset uint64) error {
	startOffsetOfPage := startOffset & ^(uint64(DefaultPageSize) - 1)

	mMap := db.Data.Load().(MMap)
	if len(mMap) == 0 {
		return nil
	}

	if endOffset > uint64(len(mMap)) {
		endOffset = uint64(len(mMap))
	}

	return mMap[startOffsetOfPage:endOffset].Flush()
}

// signalFlush asks the flush goroutine to sync, without blocking if one is already in flight.
func (db *ColDB) signalFlush() {
	select {
	case db.SignalFlush <- true:
	default:
	}
}

// handleFlush runs in its own goroutine, performing "optimistic" whole-file File.Sync calls off
// the writer's path; Commit itself still msyncs the ranges it wrote before publishing them.
func (db *ColDB) handleFlush() {
	for range db.SignalFlush {
		func() {
			for atomic.LoadUint32(&db.IsResizing) == 1 {
				runtime.Gosched()
			}

			db.RWResizeLock.RLock()
			defer db.RWResizeLock.RUnlock()

			if flushErr := db.File.Sync(); flushErr != nil {
				fmt.Println("coldb: error flushing to disk:", flushErr)
			}
		}()
	}
}

// signalCompact asks the compaction goroutine to run a Compact pass, without blocking if one is
// already in flight (mirrors signalFlush/signalCompact in the teacher's Compact.go).
func (db *ColDB) signalCompact() {
	select {
	case db.SignalCompact <- true:
	default:
	}
}

// handleCompact runs in its own goroutine, reclaiming free-list ranges on signal. It takes
// writeMu itself since it publishes a new top ref just like a writer's Commit does.
func (db *ColDB) handleCompact() {
	for range db.SignalCompact {
		a := db.allocator
		if a == nil {
			continue
		}

		db.writeMu.Lock()
		if err := MaybeCompact(db, a); err != nil {
			fmt.Println("coldb: error compacting:", err)
		}
		db.writeMu.Unlock()
	}
}
