// Package dtypes defines the element types of framework tensors.
//
// The values mirror the scalar types of the tensor framework that hands tensors to the bridge: only a subset
// of them (see adapter.ToDescriptor) can be converted to operation library descriptors.
package dtypes

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/gomlx/goatb/dtypes/bfloat16"
	"github.com/x448/float16"
)

// DType is the element type of a framework tensor.
type DType int

const (
	// InvalidDType represents an invalid (or not set) dtype.
	InvalidDType DType = iota
	Bool
	Uint8
	Int8
	Int16
	Int32
	Int64
	Float16
	BFloat16
	Float32
	Float64
	Complex64
	Complex128
)

// Aliases following the framework's scalar type names.
const (
	Byte   = Uint8
	Char   = Int8
	Short  = Int16
	Int    = Int32
	Long   = Int64
	Half   = Float16
	Float  = Float32
	Double = Float64
)

var dtypeNames = map[DType]string{
	InvalidDType: "InvalidDType",
	Bool:         "Bool",
	Uint8:        "Uint8",
	Int8:         "Int8",
	Int16:        "Int16",
	Int32:        "Int32",
	Int64:        "Int64",
	Float16:      "Float16",
	BFloat16:     "BFloat16",
	Float32:      "Float32",
	Float64:      "Float64",
	Complex64:    "Complex64",
	Complex128:   "Complex128",
}

// String implements fmt.Stringer.
func (dtype DType) String() string {
	if name, ok := dtypeNames[dtype]; ok {
		return name
	}
	return fmt.Sprintf("DType(%d)", int(dtype))
}

// MapOfNames maps dtype names (in several capitalizations and short forms) to the DType.
var MapOfNames = make(map[string]DType)

func init() {
	for dtype, name := range dtypeNames {
		MapOfNames[name] = dtype
		MapOfNames[strings.ToLower(name)] = dtype
	}
	for short, dtype := range map[string]DType{
		"pred": Bool, "u8": Uint8, "s8": Int8, "i8": Int8, "s16": Int16, "i16": Int16,
		"s32": Int32, "i32": Int32, "s64": Int64, "i64": Int64,
		"f16": Float16, "bf16": BFloat16, "f32": Float32, "f64": Float64,
		"c64": Complex64, "c128": Complex128,
		"byte": Byte, "char": Char, "short": Short, "int": Int, "long": Long,
		"half": Half, "float": Float, "double": Double,
	} {
		MapOfNames[short] = dtype
		MapOfNames[strings.ToUpper(short)] = dtype
	}
}

var goTypes = map[DType]reflect.Type{
	Bool:       reflect.TypeOf(false),
	Uint8:      reflect.TypeOf(uint8(0)),
	Int8:       reflect.TypeOf(int8(0)),
	Int16:      reflect.TypeOf(int16(0)),
	Int32:      reflect.TypeOf(int32(0)),
	Int64:      reflect.TypeOf(int64(0)),
	Float16:    reflect.TypeOf(float16.Float16(0)),
	BFloat16:   reflect.TypeOf(bfloat16.BFloat16(0)),
	Float32:    reflect.TypeOf(float32(0)),
	Float64:    reflect.TypeOf(float64(0)),
	Complex64:  reflect.TypeOf(complex64(0)),
	Complex128: reflect.TypeOf(complex128(0)),
}

// GoType returns the Go type used to hold one element of the dtype, or nil for InvalidDType.
func (dtype DType) GoType() reflect.Type {
	return goTypes[dtype]
}

// IsValid returns whether dtype is one of the known element types.
func (dtype DType) IsValid() bool {
	_, ok := goTypes[dtype]
	return ok
}

// Size returns the number of bytes of one element. It returns 0 for InvalidDType.
func (dtype DType) Size() int {
	t := dtype.GoType()
	if t == nil {
		return 0
	}
	return int(t.Size())
}

// IsFloat returns whether dtype is a floating point type, including the half precision ones.
func (dtype DType) IsFloat() bool {
	switch dtype {
	case Float16, BFloat16, Float32, Float64:
		return true
	}
	return false
}

// SizeForDimensions returns the size in bytes used for the given dimensions.
// A scalar (no dimensions) holds one element.
func (dtype DType) SizeForDimensions(dimensions ...int) int {
	numElements := 1
	for _, dim := range dimensions {
		numElements *= dim
	}
	return numElements * dtype.Size()
}

// Supported lists the Go types that can be used with the generic helpers.
type Supported interface {
	bool | uint8 | int8 | int16 | int32 | int64 | float16.Float16 | bfloat16.BFloat16 | float32 | float64 |
		complex64 | complex128
}

// FromGenericsType returns the DType enum for the given generic type.
func FromGenericsType[T Supported]() DType {
	var v T
	return FromGoType(reflect.TypeOf(v))
}

// FromGoType returns the DType for the given Go type, or InvalidDType if not supported.
func FromGoType(t reflect.Type) DType {
	for dtype, goType := range goTypes {
		if goType == t {
			return dtype
		}
	}
	return InvalidDType
}
