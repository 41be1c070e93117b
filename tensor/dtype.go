// SPDX-License-Identifier: Apache-2.0

package tensor

import (
	bfloat16 "github.com/d4l3k/go-bfloat16"
	"github.com/x448/float16"
)

// DType enumerates supported element types. Storage is always []float32;
// F16 and BF16 tag tensors whose values have been rounded to the reduced
// precision, so that downstream float32 arithmetic sees exactly the values
// a half-precision device would.
type DType uint8

const (
	F32 DType = iota
	F16
	BF16
)

// Size returns the byte width of one element in its wire representation.
func (d DType) Size() int {
	switch d {
	case F16, BF16:
		return 2
	default:
		return 4
	}
}

// String returns a human-readable name for the data type.
func (d DType) String() string {
	switch d {
	case F32:
		return "f32"
	case F16:
		return "f16"
	case BF16:
		return "bf16"
	default:
		return "unknown"
	}
}

// Round quantizes f to the precision of d and widens it back to float32.
// F32 is the identity.
func (d DType) Round(f float32) float32 {
	switch d {
	case F16:
		return float16.Fromfloat32(f).Float32()
	case BF16:
		return bfloat16.ToFloat32(bfloat16.FromFloat32(f))
	default:
		return f
	}
}

// RoundSlice quantizes src into dst element-wise. The slices may alias.
func (d DType) RoundSlice(dst, src []float32) {
	if d == F32 {
		copy(dst, src)
		return
	}
	for i, f := range src {
		dst[i] = d.Round(f)
	}
}
