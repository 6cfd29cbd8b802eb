package sim

import (
	"fmt"
	"math/bits"
	"slices"
	"sync"

	"github.com/gomlx/goatb/acl"
	"github.com/pkg/errors"
)

const (
	// minBlockSize is the smallest allocation, also used for zero-sized requests so they get a valid address.
	minBlockSize = 512
	// maxPooledBlockSize is the largest size class kept in the free lists (64MB). Larger blocks are
	// released when freed.
	maxPooledBlockSize = 64 * 1024 * 1024
	// blockAlignment separates consecutive blocks in the address space.
	blockAlignment = 512
)

// block is a chunk of simulated memory.
type block struct {
	ptr       acl.DevicePtr
	data      []byte
	sizeClass int // -1 if not pooled.
	inUse     bool
}

// memory simulates the memory of one device (or the host): a flat address space and a caching allocator
// with power-of-2 size classes.
//
// Freed blocks go back to the free list of their size class and are reused by the next allocation of that
// class. Device tensors free their blocks with a task on the device stream, so a block is only reused after
// the work enqueued before its release.
type memory struct {
	name string

	mu       sync.Mutex
	nextAddr uintptr
	blocks   []*block // Sorted by ptr.
	free     [][]*block

	minShift, maxShift int
	allocated          int64 // Bytes in blocks in use.
	reserved           int64 // Bytes in all blocks, including cached ones.
}

func newMemory(name string, base uintptr) *memory {
	minShift := bits.TrailingZeros(uint(minBlockSize))
	maxShift := bits.TrailingZeros(uint(maxPooledBlockSize))
	return &memory{
		name:     name,
		nextAddr: base,
		free:     make([][]*block, maxShift-minShift+1),
		minShift: minShift,
		maxShift: maxShift,
	}
}

// sizeClass returns the size class index and the actual block size for the requested size.
// The class is -1 for blocks too large to be pooled.
func (m *memory) sizeClass(size int) (class int, actualSize int) {
	if size <= minBlockSize {
		return 0, minBlockSize
	}
	shift := bits.Len(uint(size - 1))
	if shift > m.maxShift {
		return -1, size
	}
	return shift - m.minShift, 1 << shift
}

// alloc returns a block with at least size bytes, zero-initialized only if newly created.
func (m *memory) alloc(size int) (*block, error) {
	if size < 0 {
		return nil, errors.Errorf("%s: invalid allocation size %d", m.name, size)
	}
	class, actualSize := m.sizeClass(size)

	m.mu.Lock()
	defer m.mu.Unlock()
	if class >= 0 {
		if n := len(m.free[class]); n > 0 {
			b := m.free[class][n-1]
			m.free[class] = m.free[class][:n-1]
			b.inUse = true
			m.allocated += int64(len(b.data))
			return b, nil
		}
	}
	b := &block{
		ptr:       acl.DevicePtr(m.nextAddr),
		data:      make([]byte, actualSize),
		sizeClass: class,
		inUse:     true,
	}
	m.nextAddr += uintptr((actualSize + 2*blockAlignment - 1) &^ (blockAlignment - 1))
	m.blocks = append(m.blocks, b) // Addresses only grow: it stays sorted.
	m.allocated += int64(actualSize)
	m.reserved += int64(actualSize)
	return b, nil
}

// freeBlock returns the block to its free list, or forgets it if it's not pooled.
func (m *memory) freeBlock(b *block) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !b.inUse {
		return
	}
	b.inUse = false
	m.allocated -= int64(len(b.data))
	if b.sizeClass < 0 {
		m.forget(b)
		return
	}
	m.free[b.sizeClass] = append(m.free[b.sizeClass], b)
}

// forget removes the block from the address space. m.mu must be held.
func (m *memory) forget(b *block) {
	idx, found := slices.BinarySearchFunc(m.blocks, b.ptr, func(b *block, ptr acl.DevicePtr) int {
		return cmpPtr(b.ptr, ptr)
	})
	if found {
		m.blocks = slices.Delete(m.blocks, idx, idx+1)
	}
	m.reserved -= int64(len(b.data))
}

// emptyCache releases all cached (free) blocks.
func (m *memory) emptyCache() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for class := range m.free {
		for _, b := range m.free[class] {
			m.forget(b)
		}
		m.free[class] = nil
	}
}

// bytes returns the memory region [ptr, ptr+size). It fails if the region is not within one live block.
func (m *memory) bytes(ptr acl.DevicePtr, size int) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	idx, found := slices.BinarySearchFunc(m.blocks, ptr, func(b *block, ptr acl.DevicePtr) int {
		return cmpPtr(b.ptr, ptr)
	})
	if !found {
		// ptr may point inside the previous block.
		idx--
	}
	if idx < 0 || idx >= len(m.blocks) {
		return nil, errors.Errorf("%s: invalid address %s", m.name, ptr)
	}
	b := m.blocks[idx]
	offset := int(uintptr(ptr) - uintptr(b.ptr))
	if !b.inUse {
		return nil, errors.Errorf("%s: address %s is in a freed block", m.name, ptr)
	}
	if offset+size > len(b.data) {
		return nil, errors.Errorf("%s: access [%s, +%d) out of bounds of block %s (%d bytes)",
			m.name, ptr, size, b.ptr, len(b.data))
	}
	return b.data[offset : offset+size], nil
}

func cmpPtr(a, b acl.DevicePtr) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

// MemoryStats of a simulated device.
type MemoryStats struct {
	// Allocated bytes in blocks in use; Reserved bytes including the cached free blocks.
	Allocated, Reserved int64
}

func (m *memory) stats() MemoryStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return MemoryStats{Allocated: m.allocated, Reserved: m.reserved}
}

// String implements fmt.Stringer.
func (m *memory) String() string {
	s := m.stats()
	return fmt.Sprintf("%s[allocated=%d, reserved=%d]", m.name, s.Allocated, s.Reserved)
}
