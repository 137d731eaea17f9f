package coldb

import "os"
import "sync"
import "sync/atomic"


// MMap
//	The byte slice representation of the memory mapped file.
type MMap []byte

// Ref
//	A stable, 8-byte-aligned byte offset into an Allocator's address space identifying a node.
//	Zero means "no node".
type Ref uint64

// Mode controls how a ColDB file is attached.
type Mode int

const (
	// ReadOnly maps the file read-only. Write operations fail with ErrReadOnlyViolation.
	ReadOnly Mode = iota
	// ReadWrite maps the file read-write, creating it if it does not exist.
	ReadWrite
	// ReadWriteNoCreate maps the file read-write but fails attach if it does not already exist.
	ReadWriteNoCreate
)

// Options configures Open.
type Options struct {
	// Filepath is the path to the backing file.
	Filepath string
	// Mode selects the attach mode.
	Mode Mode
	// InitialMmapSize overrides the default first allocation of DefaultPageSize*16*1000 bytes
	// (62.5MiB with 4KiB pages), mostly for tests.
	InitialMmapSize int
	// CompactAtVersion triggers free-list reclamation once this many versions have accumulated.
	CompactAtVersion uint64
	// NodePoolSize is the element capacity each fresh node scratch buffer starts with (default 1000);
	// it does not limit how many buffers the pool holds.
	NodePoolSize int64
}

// DefaultPageSize is the default page size reported by the OS, usually 4KiB.
var DefaultPageSize = os.Getpagesize()

const (
	// Magic identifies a coldb file.
	Magic = "T-DB"
	// FileFormatVersion is the current on-disk format version.
	FileFormatVersion byte = 1

	// HeaderTopRefSlot0 is the byte offset of the first top-ref slot.
	HeaderTopRefSlot0 = 0
	// HeaderTopRefSlot1 is the byte offset of the second top-ref slot.
	HeaderTopRefSlot1 = 8
	// HeaderMagicOffset is the byte offset of the 4-byte magic.
	HeaderMagicOffset = 16
	// HeaderVersionOffset is the byte offset of the 1-byte file format version.
	HeaderVersionOffset = 20
	// HeaderReservedOffset is the byte offset of 2 reserved bytes.
	HeaderReservedOffset = 21
	// HeaderCurrentSlotOffset is the byte offset of the 1-byte current-slot indicator.
	HeaderCurrentSlotOffset = 23
	// HeaderSize is the total size in bytes of the fixed file header.
	HeaderSize = 24

	// NodeHeaderSize is the size in bytes of every node's fixed header.
	NodeHeaderSize = 8

	// MaxNodeCapacity is the largest payload a node's 24-bit capacity field can address.
	MaxNodeCapacity = 1<<24 - 1

	// MaxResize is the file growth threshold (1GiB) after which growth becomes additive, not doubling.
	MaxResize = 1 << 30

	// LeafMax is the largest element count a leaf node is allowed to hold before the tree splits it.
	LeafMax = 1000
)

// ColDB contains the memory mapped buffer and all bookkeeping for a single open file.
type ColDB struct {
	// Filepath is the path to the backing file.
	Filepath string
	// File is the backing file handle.
	File *os.File
	// Opened reports whether the file is currently attached.
	Opened bool
	// Data is the memory mapped file contents.
	Data atomic.Value
	// IsResizing is an atomic flag marking an in-progress remap.
	IsResizing uint32
	// SignalFlush asks the flush goroutine to sync changes to disk.
	SignalFlush chan bool
	// SignalCompact asks the compaction goroutine to reclaim the free list.
	SignalCompact chan bool
	// RWResizeLock serializes readers against an in-progress remap.
	RWResizeLock sync.RWMutex
	// NodePool recycles node scratch buffers.
	NodePool *NodePool
	// compactAtVersion is the version threshold that triggers free-list reclamation.
	compactAtVersion uint64
	// mode is the attach mode requested at Open.
	mode Mode
	// allocator is the Allocator Open attached, returned by the Allocator accessor.
	allocator *Allocator

	// readerMu guards activeReaders.
	readerMu sync.Mutex
	// activeReaders counts open read transactions per snapshot version, so the commit
	// Coordinator's Compact pass never reclaims a range a live reader might still touch.
	activeReaders map[uint64]int

	// writeMu serializes writers; coldb allows only a single in-flight writer per process (see
	// spec section 9's rejection of external multi-writer coordination as out of scope).
	writeMu sync.Mutex
}
