package adapter

import (
	"github.com/gomlx/goatb/atb"
	"github.com/gomlx/goatb/dtypes"
	"github.com/gomlx/goatb/framework"
	"github.com/pkg/errors"
)

// dtypeMap is the fixed association of framework element types to the operation library's.
var dtypeMap = map[dtypes.DType]atb.DType{
	dtypes.Bool:     atb.DTypeBool,
	dtypes.Uint8:    atb.DTypeUint8,
	dtypes.Int8:     atb.DTypeInt8,
	dtypes.Float16:  atb.DTypeFloat16,
	dtypes.Float32:  atb.DTypeFloat,
	dtypes.Int32:    atb.DTypeInt32,
	dtypes.Int64:    atb.DTypeInt64,
	dtypes.BFloat16: atb.DTypeBF16,
}

// ToATBDType returns the operation library dtype for the framework dtype.
func ToATBDType(dtype dtypes.DType) (atb.DType, error) {
	atbDType, found := dtypeMap[dtype]
	if !found {
		return atb.DTypeUndefined, errors.Wrapf(ErrUnsupportedDType, "dtype %s", dtype)
	}
	return atbDType, nil
}

// ToDescriptor converts a framework tensor into the operation library's tensor: always in the ND format, pointing
// to the tensor's device memory, which it doesn't own.
//
// The tensor must be contiguous: this is checked, not fixed (see ParamSetter.Input for the normalization).
func ToDescriptor(t framework.Tensor) (atb.Tensor, error) {
	var tensor atb.Tensor
	if !framework.IsDefined(t) {
		return tensor, errors.Wrap(ErrPrecondition, "ToDescriptor given an undefined tensor")
	}
	if !t.IsContiguous() {
		return tensor, errors.Wrapf(ErrNotContiguous, "shape %v, strides %v", t.Shape(), t.Strides())
	}
	shape := t.Shape()
	if len(shape) > atb.MaxDim {
		return tensor, errors.Wrapf(ErrRankOverflow, "rank %d > %d (shape %v)", len(shape), atb.MaxDim, shape)
	}

	var err error
	tensor.Desc.Format = atb.FormatND
	tensor.Desc.DType, err = ToATBDType(t.DType())
	if err != nil {
		return atb.Tensor{}, err
	}
	tensor.Desc.Shape.DimNum = uint64(len(shape))
	for axis, dim := range shape {
		tensor.Desc.Shape.Dims[axis] = int64(dim)
	}
	tensor.DeviceData = t.DataPtr()
	tensor.DataSize = atb.GetTensorSize(tensor.Desc)
	return tensor, nil
}
