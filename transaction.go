package coldb

import "sync/atomic"

// ViewTx is a read-only snapshot of the column at a fixed version. Its Tree accessor is only
// valid for the lifetime of the transaction: once Done is called the version is no longer
// protected from Compact, and continuing to use the accessor risks reading a reclaimed range.
type ViewTx struct {
	db      *ColDB
	a       *Allocator
	version uint64
	column  *Tree
	done    bool
}

// Column returns the snapshot's root column tree.
func (tx *ViewTx) Column() *Tree { return tx.column }

// Version returns the snapshot's commit version.
func (tx *ViewTx) Version() uint64 { return tx.version }

// Done releases the reader's claim on its snapshot version, allowing Compact to reclaim ranges
// freed at or after it.
func (tx *ViewTx) Done() {
	if tx.done {
		return
	}

	tx.done = true
	tx.db.releaseReaderVersion(tx.version)
}

// View opens a read-only transaction against the current committed version.
func View(db *ColDB, a *Allocator) (*ViewTx, error) {
	top, err := db.readTopNode()
	if err != nil {
		return nil, err
	}

	db.acquireReaderVersion(top.Version)

	column, err := OpenTree(a, top.RootColumnRef)
	if err != nil {
		db.releaseReaderVersion(top.Version)
		return nil, err
	}

	return &ViewTx{db: db, a: a, version: top.Version, column: column}, nil
}

func (db *ColDB) acquireReaderVersion(version uint64) {
	db.readerMu.Lock()
	defer db.readerMu.Unlock()

	db.activeReaders[version]++
}

func (db *ColDB) releaseReaderVersion(version uint64) {
	db.readerMu.Lock()
	defer db.readerMu.Unlock()

	db.activeReaders[version]--
	if db.activeReaders[version] <= 0 {
		delete(db.activeReaders, version)
	}
}

// oldestActiveReaderVersion returns the lowest version any live ViewTx still references, or
// curVersion+1 (meaning "none") if there are no readers open.
func (db *ColDB) oldestActiveReaderVersion(curVersion uint64) uint64 {
	db.readerMu.Lock()
	defer db.readerMu.Unlock()

	oldest := curVersion + 1
	for v := range db.activeReaders {
		if v < oldest {
			oldest = v
		}
	}

	return oldest
}

// UpdateTx is a single-writer read-write transaction. Mutations go through its Column() tree and
// are only made durable by Commit.
type UpdateTx struct {
	db     *ColDB
	a      *Allocator
	column *Tree
}

// Column returns the transaction's mutable column tree.
func (tx *UpdateTx) Column() *Tree { return tx.column }

// Update runs fn against a fresh write transaction and commits its result. coldb serializes
// writers with a single mutex rather than the teacher's CAS-retry-on-conflict loop, since a
// single process here never has more than one writer contending for the root (spec section 9
// scopes multi-writer coordination out), so there is no retry loop here or in MaybeCompact. Once
// enough versions have
// accumulated, Update only signals the background compaction goroutine rather than compacting
// inline, so a writer's Commit latency never includes a free-list reclamation pass.
func Update(db *ColDB, a *Allocator, fn func(tx *UpdateTx) error) error {
	db.writeMu.Lock()
	defer db.writeMu.Unlock()

	a.refreshTransactionBounds()

	top, err := db.readTopNode()
	if err != nil {
		return err
	}

	column, err := OpenTree(a, top.RootColumnRef)
	if err != nil {
		return err
	}

	tx := &UpdateTx{db: db, a: a, column: column}
	if err := fn(tx); err != nil {
		return err
	}

	oldestReaderVersion := db.oldestActiveReaderVersion(top.Version)

	coordinator := NewCoordinator(db, a)
	if err := coordinator.Commit(tx.column.Ref(), oldestReaderVersion); err != nil {
		return err
	}

	db.signalFlush()

	if top.Version+1 >= db.compactAtVersion {
		db.signalCompact()
	}

	return nil
}

// MaybeCompact runs a Compact pass and publishes it as its own commit, whether or not the free list
// holds any entry old enough to drop. It never touches a range a live ViewTx might still reference.
func MaybeCompact(db *ColDB, a *Allocator) error {
	top, err := db.readTopNode()
	if err != nil {
		return err
	}

	oldest := db.oldestActiveReaderVersion(top.Version)

	coordinator := NewCoordinator(db, a)

	newTopRef, err := coordinator.Compact(oldest)
	if err != nil {
		return err
	}

	if err := db.writeTopRefAndFlip(newTopRef); err != nil {
		return err
	}

	atomic.StoreUint32(&db.IsResizing, atomic.LoadUint32(&db.IsResizing))
	return nil
}
