package pagedkv

import (
	"math"

	"github.com/x448/float16"
)

// FP8E5M2 is one cache element in the 8-bit e5m2 floating format:
// 1 sign bit, 5 exponent bits, 2 mantissa bits. The bit layout is the
// high byte of IEEE binary16, so conversion rides the binary16 codec.
type FP8E5M2 uint8

const (
	fp8PosInf FP8E5M2 = 0x7C
	fp8NaN    FP8E5M2 = 0x7E

	// FP8E5M2MaxFinite is the largest finite magnitude the format can
	// hold (1.75 * 2^15). Finite inputs beyond it saturate.
	FP8E5M2MaxFinite float32 = 57344
)

// FP8E5M2FromFloat32 rounds f to the nearest e5m2 value. Finite inputs
// outside the dynamic range saturate to +/-FP8E5M2MaxFinite; Inf and
// NaN keep their e5m2 encodings.
func FP8E5M2FromFloat32(f float32) FP8E5M2 {
	if math.IsNaN(float64(f)) {
		return fp8NaN
	}
	if math.IsInf(float64(f), 1) {
		return fp8PosInf
	}
	if math.IsInf(float64(f), -1) {
		return fp8PosInf | 0x80
	}
	if f > FP8E5M2MaxFinite {
		f = FP8E5M2MaxFinite
	}
	if f < -FP8E5M2MaxFinite {
		f = -FP8E5M2MaxFinite
	}

	h := float16.Fromfloat32(f).Bits()
	hi := h >> 8
	lo := h & 0xFF

	// Round to nearest even on the truncated low byte. The clamp above
	// keeps the increment from carrying into the exponent's Inf pattern.
	if lo > 0x80 || (lo == 0x80 && hi&1 == 1) {
		hi++
	}

	return FP8E5M2(hi)
}

// ToFloat32 widens an e5m2 code back to float32. No scale is applied.
func (c FP8E5M2) ToFloat32() float32 {
	return float16.Frombits(uint16(c) << 8).Float32()
}

// EncodeFP8 affine-quantizes x into e5m2: round_to_fp8((x - zeroPoint) / scale).
func EncodeFP8(x, scale, zeroPoint float32) FP8E5M2 {
	return FP8E5M2FromFloat32((x - zeroPoint) / scale)
}

// DecodeFP8 widens an affine-quantized code: code * scale + zeroPoint.
func DecodeFP8(c FP8E5M2, scale, zeroPoint float32) float32 {
	return c.ToFloat32()*scale + zeroPoint
}

// ConvertFP8E5M2 re-encodes every element of src into dst with no scale
// or zero-point, for validating the codec independently of the affine
// path. Exactly one of the two stores must hold fp8 elements; the other
// side is the wide representation. Geometry must match exactly,
// including block count.
func ConvertFP8E5M2(src, dst *BlockStore) error {
	if err := sameGeometry(src, dst, false); err != nil {
		return err
	}
	if src.numBlocks != dst.numBlocks {
		return &ShapeMismatchError{What: "block count", Want: src.numBlocks, Got: dst.numBlocks}
	}
	if (src.dtype == DtypeFP8E5M2) == (dst.dtype == DtypeFP8E5M2) {
		return &UnsupportedDtypeError{Mode: string(src.dtype) + " to " + string(dst.dtype)}
	}

	n := src.numBlocks * src.blockSize * src.VectorWidth()
	for i := 0; i < n; i++ {
		dst.writeElem(i, src.readElem(i))
	}
	return nil
}
