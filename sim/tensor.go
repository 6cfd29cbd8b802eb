package sim

import (
	"fmt"
	"runtime"
	"slices"
	"sync/atomic"

	"github.com/gomlx/goatb/acl"
	"github.com/gomlx/goatb/atb"
	"github.com/gomlx/goatb/dtypes"
	"github.com/gomlx/goatb/framework"
	"github.com/pkg/errors"
)

// storage is a block of simulated memory shared by a tensor and its views.
type storage struct {
	ref *storageRef
}

// storageRef holds what's needed to free the storage. It's kept separate from storage so the cleanup
// registered on storage doesn't reference it.
type storageRef struct {
	mem      *memory
	stream   *Stream // nil for host memory.
	block    *block
	released atomic.Bool
}

// release frees the block. Device memory is freed in stream order: work already enqueued can still use it.
func (r *storageRef) release() {
	if r.released.Swap(true) {
		return
	}
	if r.stream != nil {
		err := r.stream.Enqueue("free", func() error {
			r.mem.freeBlock(r.block)
			return nil
		})
		if err == nil {
			return
		}
	}
	r.mem.freeBlock(r.block)
}

func newStorage(mem *memory, stream *Stream, size int) (*storage, error) {
	b, err := mem.alloc(size)
	if err != nil {
		return nil, err
	}
	s := &storage{ref: &storageRef{mem: mem, stream: stream, block: b}}
	runtime.AddCleanup(s, func(ref *storageRef) { ref.release() }, s.ref)
	return s, nil
}

// Tensor is the simulated framework tensor: a strided view over a storage.
type Tensor struct {
	dtype   dtypes.DType
	shape   []int
	strides []int
	offset  int // In elements.
	format  atb.Format
	device  framework.Device
	storage *storage
}

var _ framework.Tensor = (*Tensor)(nil)

// Defined implements framework.Tensor. Only the zero Tensor is undefined.
func (t *Tensor) Defined() bool { return t != nil && t.storage != nil }

// DType implements framework.Tensor.
func (t *Tensor) DType() dtypes.DType { return t.dtype }

// Shape implements framework.Tensor. The returned slice must not be changed.
func (t *Tensor) Shape() []int { return t.shape }

// Strides implements framework.Tensor. The returned slice must not be changed.
func (t *Tensor) Strides() []int { return t.strides }

// Device implements framework.Tensor.
func (t *Tensor) Device() framework.Device { return t.device }

// Format implements framework.Tensor.
func (t *Tensor) Format() atb.Format { return t.format }

// IsContiguous implements framework.Tensor.
func (t *Tensor) IsContiguous() bool { return framework.IsContiguous(t.shape, t.strides) }

// DataPtr implements framework.Tensor.
func (t *Tensor) DataPtr() acl.DevicePtr {
	return t.storage.ref.block.ptr + acl.DevicePtr(t.offset*t.dtype.Size())
}

// NumBytes of the elements of the tensor, as if it were contiguous.
func (t *Tensor) NumBytes() int {
	return t.dtype.SizeForDimensions(t.shape...)
}

// String implements fmt.Stringer.
func (t *Tensor) String() string {
	if !t.Defined() {
		return "Tensor(undefined)"
	}
	return fmt.Sprintf("Tensor(%s%v, strides=%v, %s, %s)", t.dtype, t.shape, t.strides, t.format, t.device)
}

// Transpose returns a view of t with the two axes swapped. The view is not contiguous (unless an axis has size 1).
func (t *Tensor) Transpose(axis0, axis1 int) (*Tensor, error) {
	rank := len(t.shape)
	if axis0 < 0 || axis0 >= rank || axis1 < 0 || axis1 >= rank {
		return nil, errors.Errorf("Transpose(%d, %d) invalid for rank %d", axis0, axis1, rank)
	}
	view := *t
	view.shape = slices.Clone(t.shape)
	view.strides = slices.Clone(t.strides)
	view.shape[axis0], view.shape[axis1] = view.shape[axis1], view.shape[axis0]
	view.strides[axis0], view.strides[axis1] = view.strides[axis1], view.strides[axis0]
	return &view, nil
}

// WithFormat returns a view of t tagged with a different (private) memory format. The simulator keeps the
// same row-major bytes for every format: this only exercises the format cast path.
func (t *Tensor) WithFormat(format atb.Format) *Tensor {
	view := *t
	view.format = format
	return &view
}

// bytes returns the memory of the tensor's elements. The tensor must be contiguous.
func (t *Tensor) bytes() ([]byte, error) {
	if !t.IsContiguous() {
		return nil, errors.Errorf("%s is not contiguous", t)
	}
	return t.storage.ref.mem.bytes(t.DataPtr(), t.NumBytes())
}

// gather copies the (possibly strided) elements of t, in row-major order, into dst.
func (t *Tensor) gather(dst []byte) error {
	elemSize := t.dtype.Size()
	numElements := framework.NumElements(t.shape)
	if numElements == 0 {
		return nil
	}
	// Span of the strided view in its storage.
	span := 1
	for axis, dim := range t.shape {
		span += (dim - 1) * t.strides[axis]
	}
	src, err := t.storage.ref.mem.bytes(t.DataPtr(), span*elemSize)
	if err != nil {
		return err
	}
	index := make([]int, len(t.shape))
	for ii := range numElements {
		srcOffset := 0
		for axis, idx := range index {
			srcOffset += idx * t.strides[axis]
		}
		copy(dst[ii*elemSize:(ii+1)*elemSize], src[srcOffset*elemSize:(srcOffset+1)*elemSize])
		for axis := len(index) - 1; axis >= 0; axis-- {
			index[axis]++
			if index[axis] < t.shape[axis] {
				break
			}
			index[axis] = 0
		}
	}
	return nil
}
