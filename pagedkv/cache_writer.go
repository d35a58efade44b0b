package pagedkv

import (
	"runtime"

	"golang.org/x/sync/errgroup"
)

// SlotSkip is the slot-mapping sentinel for token positions that
// receive no cache write (padding or otherwise inactive positions).
// Any negative slot index is treated as a skip.
const SlotSkip = -1

// Dtype modes recognized by ReshapeAndCache.
const (
	// CacheDtypeAuto stores vectors at the destination store's native
	// precision; scale and zero-point are ignored.
	CacheDtypeAuto = "auto"
	// CacheDtypeFP8 affine-quantizes vectors into e5m2 using the
	// per-call QuantParams. Both stores must hold fp8 elements.
	CacheDtypeFP8 = "fp8"
)

// QuantParams carries the per-call affine quantization parameters for
// the key and value sides. The zero value is not usable; start from
// DefaultQuantParams (scale 1, zero-point 0, the symmetric case).
type QuantParams struct {
	KeyScale       float32
	KeyZeroPoint   float32
	ValueScale     float32
	ValueZeroPoint float32
}

// DefaultQuantParams returns identity quantization parameters.
func DefaultQuantParams() QuantParams {
	return QuantParams{KeyScale: 1, ValueScale: 1}
}

// ReshapeAndCache scatters freshly computed per-token key and value
// vectors into the paged stores. keys and values hold one vector per
// token position, contiguous by token; slotMapping gives each
// position's destination as a flat slot index (block id * block size +
// offset), or a negative sentinel to skip the position. Positions
// address distinct slots, so writes are performed in parallel with no
// internal locking; serializing overlapping calls is the caller's job.
//
// The whole slot mapping is validated before any slot is written, so a
// failed call leaves both stores untouched.
func ReshapeAndCache(keys, values []float32, keyStore, valueStore *BlockStore, slotMapping []int, dtypeMode string, params QuantParams) error {
	switch dtypeMode {
	case CacheDtypeAuto:
	case CacheDtypeFP8:
		if keyStore.dtype != DtypeFP8E5M2 || valueStore.dtype != DtypeFP8E5M2 {
			return &UnsupportedDtypeError{Mode: dtypeMode + " into " + string(keyStore.dtype) + "/" + string(valueStore.dtype) + " store"}
		}
	default:
		return &UnsupportedDtypeError{Mode: dtypeMode}
	}

	if err := sameGeometry(keyStore, valueStore, true); err != nil {
		return err
	}
	if keyStore.numBlocks != valueStore.numBlocks {
		return &ShapeMismatchError{What: "block count", Want: keyStore.numBlocks, Got: valueStore.numBlocks}
	}

	width := keyStore.VectorWidth()
	want := len(slotMapping) * width
	if len(keys) != want {
		return &ShapeMismatchError{What: "key elements", Want: want, Got: len(keys)}
	}
	if len(values) != want {
		return &ShapeMismatchError{What: "value elements", Want: want, Got: len(values)}
	}

	for _, slot := range slotMapping {
		if slot < 0 {
			continue
		}
		if slot >= keyStore.NumSlots() {
			return &AddressError{What: "slot", Layer: -1, Index: slot, Limit: keyStore.NumSlots()}
		}
	}

	// Token positions address disjoint slots, so chunks of the batch can
	// be scattered concurrently.
	const tokensPerTask = 64
	g := new(errgroup.Group)
	g.SetLimit(runtime.GOMAXPROCS(0))
	for start := 0; start < len(slotMapping); start += tokensPerTask {
		start := start
		end := min(start+tokensPerTask, len(slotMapping))
		g.Go(func() error {
			for i := start; i < end; i++ {
				slot := slotMapping[i]
				if slot < 0 {
					continue
				}
				blockID, offset := slot/keyStore.blockSize, slot%keyStore.blockSize
				k := keys[i*width : (i+1)*width]
				v := values[i*width : (i+1)*width]
				if dtypeMode == CacheDtypeFP8 {
					keyStore.writeVectorFP8(blockID, offset, k, params.KeyScale, params.KeyZeroPoint)
					valueStore.writeVectorFP8(blockID, offset, v, params.ValueScale, params.ValueZeroPoint)
				} else {
					keyStore.writeVector(blockID, offset, k)
					valueStore.writeVector(blockID, offset, v)
				}
			}
			return nil
		})
	}
	return g.Wait()
}
