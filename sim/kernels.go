package sim

import (
	"encoding/binary"
	"math"

	"github.com/chewxy/math32"
	"github.com/gomlx/goatb/acl"
	"github.com/gomlx/goatb/atb"
	"github.com/gomlx/goatb/dtypes/bfloat16"
	"github.com/x448/float16"
)

func isFloatDType(dtype atb.DType) bool {
	return dtype == atb.DTypeFloat || dtype == atb.DTypeFloat16 || dtype == atb.DTypeBF16
}

func loadFloat(data []byte, dtype atb.DType, i int) float32 {
	switch dtype {
	case atb.DTypeFloat16:
		return float16.Frombits(binary.LittleEndian.Uint16(data[2*i:])).Float32()
	case atb.DTypeBF16:
		return bfloat16.FromBits(binary.LittleEndian.Uint16(data[2*i:])).Float32()
	default:
		return math.Float32frombits(binary.LittleEndian.Uint32(data[4*i:]))
	}
}

func storeFloat(data []byte, dtype atb.DType, i int, v float32) {
	switch dtype {
	case atb.DTypeFloat16:
		binary.LittleEndian.PutUint16(data[2*i:], float16.Fromfloat32(v).Bits())
	case atb.DTypeBF16:
		binary.LittleEndian.PutUint16(data[2*i:], bfloat16.FromFloat32(v).Bits())
	default:
		binary.LittleEndian.PutUint32(data[4*i:], math.Float32bits(v))
	}
}

// validTensor checks the tensor is present and its data size covers its description.
func validTensor(t atb.Tensor) bool {
	return !t.IsPlaceholder() && t.DeviceData != 0 && t.DataSize >= atb.GetTensorSize(t.Desc)
}

func tensorBytes(mem *memory, t atb.Tensor) ([]byte, atb.Status) {
	data, err := mem.bytes(t.DeviceData, int(atb.GetTensorSize(t.Desc)))
	if err != nil {
		return nil, atb.ErrorRtFail
	}
	return data, atb.NoError
}

// matrixDims returns the dimensions of a rank-2 descriptor.
func matrixDims(t atb.Tensor) (rows, cols int, ok bool) {
	if t.Desc.Shape.DimNum != 2 {
		return 0, 0, false
	}
	return int(t.Desc.Shape.Dims[0]), int(t.Desc.Shape.Dims[1]), true
}

// linearKernel computes out = op(x) . weight, plus the previous value of out if EnAccum is set.
//
// Inputs are x, weight and, with EnAccum, the accumulator (which must also be the output). The product is
// computed in float32 into the workspace, then added to the output.
type linearKernel struct {
	param atb.LinearParam
}

type linearDims struct {
	m, k, n int
}

func (l *linearKernel) dims(vp atb.VariantPack) (dims linearDims, status atb.Status) {
	numInputs := 2
	if l.param.EnAccum {
		numInputs = 3
	}
	if len(vp.InTensors) != numInputs || len(vp.OutTensors) != 1 {
		return dims, atb.ErrorInvalidInTensorNum
	}
	for _, t := range vp.InTensors {
		if !validTensor(t) {
			return dims, atb.ErrorInvalidTensorSize
		}
	}
	x, weight, out := vp.InTensors[0], vp.InTensors[1], vp.OutTensors[0]
	if !validTensor(out) {
		return dims, atb.ErrorInvalidTensorSize
	}
	if !isFloatDType(x.Desc.DType) || weight.Desc.DType != x.Desc.DType || !isFloatDType(out.Desc.DType) {
		return dims, atb.ErrorInvalidTensorDtype
	}
	xRows, xCols, okX := matrixDims(x)
	wRows, wCols, okW := matrixDims(weight)
	outRows, outCols, okOut := matrixDims(out)
	if !okX || !okW || !okOut {
		return dims, atb.ErrorInvalidTensorDim
	}
	dims.m, dims.k = xRows, xCols
	if l.param.TransposeA {
		dims.m, dims.k = xCols, xRows
	}
	dims.n = wCols
	if wRows != dims.k || outRows != dims.m || outCols != dims.n {
		return dims, atb.ErrorInvalidTensorDim
	}
	if l.param.EnAccum {
		if out.Desc.DType != atb.DTypeFloat {
			return dims, atb.ErrorInvalidTensorDtype
		}
		if accum := vp.InTensors[2]; accum != out {
			return dims, atb.ErrorInvalidParam
		}
	}
	return dims, atb.NoError
}

func (l *linearKernel) setup(vp atb.VariantPack) (uint64, atb.Status) {
	dims, status := l.dims(vp)
	if status != atb.NoError {
		return 0, status
	}
	return uint64(dims.m * dims.n * 4), atb.NoError
}

func (l *linearKernel) execute(vp atb.VariantPack, mem *memory, workspace acl.DevicePtr, workspaceSize uint64) atb.Status {
	dims, status := l.dims(vp)
	if status != atb.NoError {
		return status
	}
	productSize := dims.m * dims.n * 4
	if workspaceSize < uint64(productSize) {
		return atb.ErrorInvalidParam
	}
	product, err := mem.bytes(workspace, productSize)
	if err != nil {
		return atb.ErrorRtFail
	}
	x, weight, out := vp.InTensors[0], vp.InTensors[1], vp.OutTensors[0]
	xData, status := tensorBytes(mem, x)
	if status != atb.NoError {
		return status
	}
	wData, status := tensorBytes(mem, weight)
	if status != atb.NoError {
		return status
	}
	outData, status := tensorBytes(mem, out)
	if status != atb.NoError {
		return status
	}

	dtype := x.Desc.DType
	for row := range dims.m {
		for col := range dims.n {
			var sum float32
			for kk := range dims.k {
				xIdx := row*dims.k + kk
				if l.param.TransposeA {
					xIdx = kk*dims.m + row
				}
				sum += loadFloat(xData, dtype, xIdx) * loadFloat(wData, dtype, kk*dims.n+col)
			}
			storeFloat(product, atb.DTypeFloat, row*dims.n+col, sum)
		}
	}
	for ii := range dims.m * dims.n {
		v := loadFloat(product, atb.DTypeFloat, ii)
		if l.param.EnAccum {
			v += loadFloat(outData, atb.DTypeFloat, ii)
		}
		storeFloat(outData, out.Desc.DType, ii, v)
	}
	return atb.NoError
}

// geluKernel computes the tanh approximation of GELU, element-wise.
type geluKernel struct{}

func (geluKernel) setup(vp atb.VariantPack) (uint64, atb.Status) {
	if len(vp.InTensors) != 1 || len(vp.OutTensors) != 1 {
		return 0, atb.ErrorInvalidInTensorNum
	}
	in, out := vp.InTensors[0], vp.OutTensors[0]
	if !validTensor(in) || !validTensor(out) {
		return 0, atb.ErrorInvalidTensorSize
	}
	if !isFloatDType(in.Desc.DType) || out.Desc.DType != in.Desc.DType {
		return 0, atb.ErrorInvalidTensorDtype
	}
	if in.Desc.Shape != out.Desc.Shape {
		return 0, atb.ErrorInvalidTensorDim
	}
	return 0, atb.NoError
}

func (geluKernel) execute(vp atb.VariantPack, mem *memory, _ acl.DevicePtr, _ uint64) atb.Status {
	in, out := vp.InTensors[0], vp.OutTensors[0]
	inData, status := tensorBytes(mem, in)
	if status != atb.NoError {
		return status
	}
	outData, status := tensorBytes(mem, out)
	if status != atb.NoError {
		return status
	}
	for ii := range int(in.Desc.Shape.NumElements()) {
		storeFloat(outData, out.Desc.DType, ii, Gelu(loadFloat(inData, in.Desc.DType, ii)))
	}
	return atb.NoError
}

// Gelu returns the tanh approximation of the Gaussian error linear unit.
func Gelu(x float32) float32 {
	const sqrt2OverPi = 0.7978845608028654
	return 0.5 * x * (1 + math32.Tanh(sqrt2OverPi*(x+0.044715*x*x*x)))
}
