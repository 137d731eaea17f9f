package coldb

import "os"
import "golang.org/x/sys/unix"

// MMap flags, mirroring the teacher's Map/Unmap surface.
const (
	// RDONLY maps memory read-only. Writes to the MMap object will result in undefined behavior.
	RDONLY = 0
	// RDWR maps memory read-write. Writes to the MMap object update the underlying file.
	RDWR = 1 << iota
	// COPY maps memory copy-on-write. Writes affect memory but never the underlying file.
	COPY
	// EXEC marks the mapped memory executable.
	EXEC
)

// Map memory-maps an *os.File starting at offset 0 for its current size, returning an MMap.
func Map(file *os.File, mode int, size int) (MMap, error) {
	if size == 0 {
		stat, statErr := file.Stat()
		if statErr != nil {
			return nil, statErr
		}

		size = int(stat.Size())
	}

	prot := unix.PROT_READ
	flags := unix.MAP_SHARED

	switch {
	case mode&RDWR != 0:
		prot |= unix.PROT_WRITE
	case mode&COPY != 0:
		prot |= unix.PROT_WRITE
		flags = unix.MAP_PRIVATE
	}

	if mode&EXEC != 0 {
		prot |= unix.PROT_EXEC
	}

	data, mmapErr := unix.Mmap(int(file.Fd()), 0, size, prot, flags)
	if mmapErr != nil {
		return nil, mmapErr
	}

	return MMap(data), nil
}

// Unmap unmaps the memory map from the process address space.
func (m MMap) Unmap() error {
	if len(m) == 0 {
		return nil
	}

	return unix.Munmap(m)
}

// Flush synchronously flushes the entire mapping to the backing file.
func (m MMap) Flush() error {
	if len(m) == 0 {
		return nil
	}

	return unix.Msync(m, unix.MS_SYNC)
}
