// Package framework declares what the bridge consumes from the tensor-computation framework: its tensor type,
// the native tensor operations used to normalize inputs, the allocator and the named custom op command that
// enqueues a handler on a device stream.
package framework

import (
	"fmt"

	"github.com/gomlx/goatb/acl"
	"github.com/gomlx/goatb/atb"
	"github.com/gomlx/goatb/dtypes"
)

// DeviceType is where a tensor's storage lives.
type DeviceType int

const (
	CPU DeviceType = iota
	NPU
)

// Device identifies a device: its type and index. The index is ignored for CPU.
type Device struct {
	Type  DeviceType
	Index int
}

// IsAccelerator returns whether the device is an accelerator (as opposed to host memory).
func (d Device) IsAccelerator() bool {
	return d.Type == NPU
}

// String implements fmt.Stringer.
func (d Device) String() string {
	if d.Type == CPU {
		return "cpu"
	}
	return fmt.Sprintf("npu:%d", d.Index)
}

// Tensor is the framework tensor as seen by the bridge.
//
// Implementations must be comparable (typically pointers): the bridge compares tensors returned by the native
// operations with their inputs to know whether a copy was made.
type Tensor interface {
	// Defined returns false for the framework's "undefined tensor" value.
	Defined() bool

	DType() dtypes.DType
	Shape() []int

	// Strides in number of elements.
	Strides() []int

	Device() Device

	// Format is the (possibly private) memory layout of the tensor storage.
	Format() atb.Format

	// IsContiguous returns whether the elements are laid out densely in row-major order.
	IsContiguous() bool

	// DataPtr is the address of the first element.
	DataPtr() acl.DevicePtr
}

// Framework is the set of framework native operations used by the bridge.
type Framework interface {
	// FormatCast returns t in the given memory format. It returns t itself if it is already in that format.
	FormatCast(t Tensor, format atb.Format) (Tensor, error)

	// Contiguous returns a contiguous tensor with the same values. It returns t itself if already contiguous.
	Contiguous(t Tensor) (Tensor, error)

	// Empty allocates an uninitialized tensor on the device. A zero-sized tensor is valid.
	Empty(device Device, dtype dtypes.DType, shape ...int) (Tensor, error)

	// Release returns the storage of a tensor created by the framework to its allocator.
	// The allocator is stream-ordered: the storage is only reused by work enqueued after the release.
	Release(t Tensor)

	// CurrentStream returns the current stream of the device.
	CurrentStream(device int) (acl.Stream, error)

	// RunOpCommand enqueues a named custom handler on the stream.
	RunOpCommand(stream acl.Stream, name string, handler acl.Task) error

	// CopyAsync enqueues a copy of src into dst on the stream. Shapes and dtypes must match and both
	// must be contiguous. Either side may be on the host.
	CopyAsync(stream acl.Stream, dst, src Tensor) error
}

// ContiguousStrides returns the row-major strides for the shape.
func ContiguousStrides(shape []int) []int {
	strides := make([]int, len(shape))
	stride := 1
	for axis := len(shape) - 1; axis >= 0; axis-- {
		strides[axis] = stride
		stride *= max(shape[axis], 1)
	}
	return strides
}

// IsContiguous returns whether the strides describe a dense row-major layout of shape.
// Axes of size 1 may have any stride, and tensors with no elements are always contiguous.
func IsContiguous(shape, strides []int) bool {
	if len(shape) != len(strides) {
		return false
	}
	expected := 1
	for axis := len(shape) - 1; axis >= 0; axis-- {
		if shape[axis] == 0 {
			return true
		}
		if shape[axis] != 1 && strides[axis] != expected {
			return false
		}
		expected *= shape[axis]
	}
	return true
}

// NumElements returns the product of the shape's dimensions, 1 for a scalar.
func NumElements(shape []int) int {
	n := 1
	for _, dim := range shape {
		n *= dim
	}
	return n
}

// IsDefined returns whether t is non-nil and defined. Absent optional tensors are nil.
func IsDefined(t Tensor) bool {
	return t != nil && t.Defined()
}
