package sim

import (
	"unsafe"

	"github.com/gomlx/goatb/acl"
	"github.com/gomlx/goatb/atb"
	"github.com/gomlx/goatb/dtypes"
	"github.com/gomlx/goatb/framework"
	"github.com/pkg/errors"
)

var _ framework.Framework = (*Accelerator)(nil)

// memoryFor returns the memory of the device and the stream that orders its frees (nil for the host).
func (acc *Accelerator) memoryFor(d framework.Device) (*memory, *Stream, error) {
	if !d.IsAccelerator() {
		return acc.host, nil, nil
	}
	dev, err := acc.device(d.Index)
	if err != nil {
		return nil, nil, err
	}
	return dev.mem, dev.stream, nil
}

func asTensor(t framework.Tensor) (*Tensor, error) {
	st, ok := t.(*Tensor)
	if !ok {
		return nil, errors.Errorf("simulated framework only handles *sim.Tensor, got %T", t)
	}
	if !st.Defined() {
		return nil, errors.New("undefined tensor")
	}
	return st, nil
}

// Empty implements framework.Framework.
func (acc *Accelerator) Empty(d framework.Device, dtype dtypes.DType, shape ...int) (framework.Tensor, error) {
	return acc.empty(d, dtype, shape...)
}

func (acc *Accelerator) empty(d framework.Device, dtype dtypes.DType, shape ...int) (*Tensor, error) {
	if !dtype.IsValid() {
		return nil, errors.Errorf("Empty: invalid dtype %s", dtype)
	}
	for _, dim := range shape {
		if dim < 0 {
			return nil, errors.Errorf("Empty: invalid shape %v", shape)
		}
	}
	mem, stream, err := acc.memoryFor(d)
	if err != nil {
		return nil, err
	}
	s, err := newStorage(mem, stream, dtype.SizeForDimensions(shape...))
	if err != nil {
		return nil, err
	}
	return &Tensor{
		dtype:   dtype,
		shape:   append([]int{}, shape...),
		strides: framework.ContiguousStrides(shape),
		format:  atb.FormatND,
		device:  d,
		storage: s,
	}, nil
}

// Release implements framework.Framework.
func (acc *Accelerator) Release(t framework.Tensor) {
	if st, ok := t.(*Tensor); ok && st.Defined() {
		st.storage.ref.release()
	}
}

// CurrentStream implements framework.Framework.
func (acc *Accelerator) CurrentStream(index int) (acl.Stream, error) {
	return acc.Stream(index)
}

// RunOpCommand implements framework.Framework.
func (acc *Accelerator) RunOpCommand(stream acl.Stream, name string, handler acl.Task) error {
	if stream == nil {
		return errors.Errorf("RunOpCommand(%q) with nil stream", name)
	}
	return stream.Enqueue(name, handler)
}

// copyToNew enqueues a copy of t into a new contiguous tensor with the given format.
func (acc *Accelerator) copyToNew(t *Tensor, format atb.Format, name string) (*Tensor, error) {
	out, err := acc.empty(t.device, t.dtype, t.shape...)
	if err != nil {
		return nil, err
	}
	out.format = format
	return out, acc.enqueueOn(t.device, name, func() error {
		dst, err := out.bytes()
		if err != nil {
			return err
		}
		return t.gather(dst)
	})
}

// enqueueOn runs the task on the device's stream, or immediately for the host.
func (acc *Accelerator) enqueueOn(d framework.Device, name string, task acl.Task) error {
	if !d.IsAccelerator() {
		return task()
	}
	stream, err := acc.Stream(d.Index)
	if err != nil {
		return err
	}
	return stream.Enqueue(name, task)
}

// FormatCast implements framework.Framework.
func (acc *Accelerator) FormatCast(t framework.Tensor, format atb.Format) (framework.Tensor, error) {
	st, err := asTensor(t)
	if err != nil {
		return nil, err
	}
	if st.format == format {
		return t, nil
	}
	return acc.copyToNew(st, format, "format_cast")
}

// Contiguous implements framework.Framework.
func (acc *Accelerator) Contiguous(t framework.Tensor) (framework.Tensor, error) {
	st, err := asTensor(t)
	if err != nil {
		return nil, err
	}
	if st.IsContiguous() {
		return t, nil
	}
	return acc.copyToNew(st, st.format, "contiguous")
}

// CopyAsync implements framework.Framework.
func (acc *Accelerator) CopyAsync(stream acl.Stream, dst, src framework.Tensor) error {
	dstT, err := asTensor(dst)
	if err != nil {
		return errors.WithMessage(err, "CopyAsync destination")
	}
	srcT, err := asTensor(src)
	if err != nil {
		return errors.WithMessage(err, "CopyAsync source")
	}
	if dstT.dtype != srcT.dtype || dstT.NumBytes() != srcT.NumBytes() {
		return errors.Errorf("CopyAsync: %s and %s don't match", dstT, srcT)
	}
	if !dstT.IsContiguous() || !srcT.IsContiguous() {
		return errors.Errorf("CopyAsync: %s and %s must be contiguous", dstT, srcT)
	}
	return stream.Enqueue("memcpy_async", func() error {
		dstBytes, err := dstT.bytes()
		if err != nil {
			return err
		}
		srcBytes, err := srcT.bytes()
		if err != nil {
			return err
		}
		copy(dstBytes, srcBytes)
		return nil
	})
}

// FromFlat creates a tensor on the device with the given values and dimensions. The copy of the values to a
// device is enqueued on its stream.
func FromFlat[T dtypes.Supported](acc *Accelerator, d framework.Device, flat []T, dimensions ...int) (*Tensor, error) {
	dtype := dtypes.FromGenericsType[T]()
	if framework.NumElements(dimensions) != len(flat) {
		return nil, errors.Errorf("FromFlat: %d values given for dimensions %v", len(flat), dimensions)
	}
	t, err := acc.empty(d, dtype, dimensions...)
	if err != nil {
		return nil, err
	}
	data := make([]byte, t.NumBytes())
	if len(flat) > 0 {
		copy(data, unsafe.Slice((*byte)(unsafe.Pointer(unsafe.SliceData(flat))), len(data)))
	}
	return t, acc.enqueueOn(d, "memcpy_h2d", func() error {
		dst, err := t.bytes()
		if err != nil {
			return err
		}
		copy(dst, data)
		return nil
	})
}

// ToFlat waits for the work enqueued so far on the tensor's device, and returns its values in row-major order.
func ToFlat[T dtypes.Supported](acc *Accelerator, t *Tensor) ([]T, error) {
	dtype := dtypes.FromGenericsType[T]()
	if t.dtype != dtype {
		return nil, errors.Errorf("ToFlat[%s] called on %s", dtype, t)
	}
	flat := make([]T, framework.NumElements(t.shape))
	var dst []byte
	if len(flat) > 0 {
		dst = unsafe.Slice((*byte)(unsafe.Pointer(unsafe.SliceData(flat))), t.NumBytes())
	}
	finished := make(chan error, 1)
	err := acc.enqueueOn(t.device, "memcpy_d2h", func() error {
		finished <- t.gather(dst)
		return nil
	})
	if err != nil {
		return nil, err
	}
	if err = <-finished; err != nil {
		return nil, err
	}
	return flat, nil
}
