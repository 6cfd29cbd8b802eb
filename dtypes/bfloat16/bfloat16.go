// Package bfloat16 implements the "brain float 16" scalar: the upper 16 bits of an IEEE float32.
package bfloat16

import (
	"math"
	"strconv"
)

// BFloat16 holds the raw bits of a bfloat16 value.
type BFloat16 uint16

// FromFloat32 converts a float32 to BFloat16, rounding to nearest even.
func FromFloat32(f float32) BFloat16 {
	bits := math.Float32bits(f)
	if math.IsNaN(float64(f)) { // Keep it a quiet NaN after truncation.
		return BFloat16((bits >> 16) | 0x0040)
	}
	rounding := uint32(0x7FFF) + ((bits >> 16) & 1)
	return BFloat16((bits + rounding) >> 16)
}

// FromBits creates a BFloat16 from its raw bits.
func FromBits(bits uint16) BFloat16 {
	return BFloat16(bits)
}

// Bits returns the raw bits.
func (b BFloat16) Bits() uint16 {
	return uint16(b)
}

// Float32 converts the value back to a float32. The conversion is exact.
func (b BFloat16) Float32() float32 {
	return math.Float32frombits(uint32(b) << 16)
}

// String implements fmt.Stringer.
func (b BFloat16) String() string {
	return strconv.FormatFloat(float64(b.Float32()), 'g', -1, 32)
}
