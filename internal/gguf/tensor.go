package gguf

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Float64s decodes an F32 or F16 tensor into a fresh slice, so the result
// stays valid after the file is closed.
func (t *TensorInfo) Float64s() ([]float64, error) {
	n := int(t.NumElements())
	if uint64(len(t.Data)) < t.SizeBytes() {
		return nil, fmt.Errorf("tensor %s: %d bytes, need %d", t.Name, len(t.Data), t.SizeBytes())
	}
	out := make([]float64, n)
	switch t.Type {
	case GGMLTypeF32:
		for i := range out {
			out[i] = float64(math.Float32frombits(binary.LittleEndian.Uint32(t.Data[i*4:])))
		}
	case GGMLTypeF16:
		for i := range out {
			out[i] = float64(float16ToFloat32(binary.LittleEndian.Uint16(t.Data[i*2:])))
		}
	default:
		return nil, fmt.Errorf("tensor %s: unsupported type %v", t.Name, t.Type)
	}
	return out, nil
}

func float16ToFloat32(b uint16) float32 {
	sign := uint32(b&0x8000) << 16
	exp := uint32(b&0x7C00) >> 10
	mant := uint32(b & 0x03FF)

	switch {
	case exp == 0 && mant == 0:
		return math.Float32frombits(sign)
	case exp == 0:
		// subnormal: renormalise
		for mant&0x0400 == 0 {
			mant <<= 1
			exp--
		}
		exp++
		mant &= 0x03FF
	case exp == 0x1F:
		return math.Float32frombits(sign | 0x7F800000 | mant<<13)
	}
	return math.Float32frombits(sign | (exp+112)<<23 | mant<<13)
}
