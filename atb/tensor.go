// Package atb declares the operation library capabilities the bridge consumes: the tensor descriptor value
// format, opaque operations (Setup/Execute/Destroy), execution contexts bound to a device stream, and the
// status codes they report.
//
// Operations are treated as opaque: nothing in this package (or in the bridge) inspects what they compute.
package atb

import (
	"fmt"
	"strings"

	"github.com/gomlx/goatb/acl"
)

// DType is the operation library element type enumeration. Values follow the accelerator's aclDataType.
type DType int32

const (
	DTypeUndefined DType = -1
	DTypeFloat     DType = 0
	DTypeFloat16   DType = 1
	DTypeInt8      DType = 2
	DTypeInt32     DType = 3
	DTypeUint8     DType = 4
	DTypeInt16     DType = 6
	DTypeUint16    DType = 7
	DTypeUint32    DType = 8
	DTypeInt64     DType = 9
	DTypeUint64    DType = 10
	DTypeDouble    DType = 11
	DTypeBool      DType = 12
	DTypeBF16      DType = 27
)

var dtypeSizes = map[DType]uint64{
	DTypeFloat:   4,
	DTypeFloat16: 2,
	DTypeInt8:    1,
	DTypeInt32:   4,
	DTypeUint8:   1,
	DTypeInt16:   2,
	DTypeUint16:  2,
	DTypeUint32:  4,
	DTypeInt64:   8,
	DTypeUint64:  8,
	DTypeDouble:  8,
	DTypeBool:    1,
	DTypeBF16:    2,
}

var dtypeNames = map[DType]string{
	DTypeUndefined: "ACL_DT_UNDEFINED",
	DTypeFloat:     "ACL_FLOAT",
	DTypeFloat16:   "ACL_FLOAT16",
	DTypeInt8:      "ACL_INT8",
	DTypeInt32:     "ACL_INT32",
	DTypeUint8:     "ACL_UINT8",
	DTypeInt16:     "ACL_INT16",
	DTypeUint16:    "ACL_UINT16",
	DTypeUint32:    "ACL_UINT32",
	DTypeInt64:     "ACL_INT64",
	DTypeUint64:    "ACL_UINT64",
	DTypeDouble:    "ACL_DOUBLE",
	DTypeBool:      "ACL_BOOL",
	DTypeBF16:      "ACL_BF16",
}

// String implements fmt.Stringer.
func (dtype DType) String() string {
	if name, ok := dtypeNames[dtype]; ok {
		return name
	}
	return fmt.Sprintf("aclDataType(%d)", int32(dtype))
}

// Size in bytes of one element, 0 if unknown.
func (dtype DType) Size() uint64 {
	return dtypeSizes[dtype]
}

// Format is the memory layout tag of a descriptor. Values follow the accelerator's aclFormat.
type Format int32

const (
	FormatUndefined Format = -1
	FormatNCHW      Format = 0
	FormatNHWC      Format = 1
	FormatND        Format = 2
	FormatNC1HWC0   Format = 3
	FormatFractalZ  Format = 4
	FormatFractalNZ Format = 29
)

// String implements fmt.Stringer.
func (f Format) String() string {
	switch f {
	case FormatUndefined:
		return "ACL_FORMAT_UNDEFINED"
	case FormatNCHW:
		return "ACL_FORMAT_NCHW"
	case FormatNHWC:
		return "ACL_FORMAT_NHWC"
	case FormatND:
		return "ACL_FORMAT_ND"
	case FormatNC1HWC0:
		return "ACL_FORMAT_NC1HWC0"
	case FormatFractalZ:
		return "ACL_FORMAT_FRACTAL_Z"
	case FormatFractalNZ:
		return "ACL_FORMAT_FRACTAL_NZ"
	}
	return fmt.Sprintf("aclFormat(%d)", int32(f))
}

// MaxDim is the fixed capacity of Dims.
const MaxDim = 8

// Dims is the bounded-rank shape of a descriptor.
type Dims struct {
	Dims   [MaxDim]int64
	DimNum uint64
}

// Slice returns the used dimensions as a slice.
func (d Dims) Slice() []int64 {
	return d.Dims[:d.DimNum]
}

// NumElements returns the product of the dimensions, 1 for a scalar.
func (d Dims) NumElements() uint64 {
	n := uint64(1)
	for _, dim := range d.Slice() {
		n *= uint64(dim)
	}
	return n
}

// TensorDesc describes the element type, layout and shape of a Tensor.
type TensorDesc struct {
	DType  DType
	Format Format
	Shape  Dims
}

// Tensor is the operation library view of a tensor. It does not own DeviceData.
//
// The zero Tensor is the placeholder used for absent optional inputs.
type Tensor struct {
	Desc       TensorDesc
	DeviceData acl.DevicePtr
	DataSize   uint64
}

// IsPlaceholder returns whether t is the empty placeholder of an absent optional input.
func (t Tensor) IsPlaceholder() bool {
	return t == Tensor{}
}

// String implements fmt.Stringer.
func (t Tensor) String() string {
	if t.IsPlaceholder() {
		return "Tensor(<none>)"
	}
	dims := make([]string, 0, t.Desc.Shape.DimNum)
	for _, dim := range t.Desc.Shape.Slice() {
		dims = append(dims, fmt.Sprint(dim))
	}
	return fmt.Sprintf("Tensor(%s[%s], %s, data=%s, %d bytes)",
		t.Desc.DType, strings.Join(dims, ","), t.Desc.Format, t.DeviceData, t.DataSize)
}

// GetTensorSize returns the number of bytes required by a tensor with the given description.
func GetTensorSize(desc TensorDesc) uint64 {
	return desc.Shape.NumElements() * desc.DType.Size()
}

// VariantPack is the ordered list of input and output tensors of one operation invocation, positionally matched
// to the operation's signature.
type VariantPack struct {
	InTensors  []Tensor
	OutTensors []Tensor
}
