package pagedkv

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// tokenBatch builds contiguous per-token key and value arrays.
func tokenBatch(rng *rand.Rand, numTokens, width int) (keys, values []float32) {
	keys = make([]float32, numTokens*width)
	values = make([]float32, numTokens*width)
	for i := range keys {
		keys[i] = rng.Float32()*4 - 2
		values[i] = rng.Float32()*4 - 2
	}
	return keys, values
}

func TestReshapeAndCacheScatterReadback(t *testing.T) {
	rng := rand.New(rand.NewSource(30))
	keyStore := NewBlockStore(DeviceGPU, DtypeFloat32, 4, 8, 2, 8)
	valueStore := NewBlockStore(DeviceGPU, DtypeFloat32, 4, 8, 2, 8)
	width := keyStore.VectorWidth()

	// Scattered, non-contiguous destinations across blocks.
	slotMapping := []int{5, 8, 31, 0}
	keys, values := tokenBatch(rng, len(slotMapping), width)

	require.NoError(t, ReshapeAndCache(keys, values, keyStore, valueStore, slotMapping, CacheDtypeAuto, DefaultQuantParams()))

	for i, slot := range slotMapping {
		blockID, offset, err := keyStore.ResolveSlot(slot)
		require.NoError(t, err)

		gotK, err := keyStore.ReadVector(blockID, offset)
		require.NoError(t, err)
		assert.Equal(t, keys[i*width:(i+1)*width], gotK, "key vector %d", i)

		gotV, err := valueStore.ReadVector(blockID, offset)
		require.NoError(t, err)
		assert.Equal(t, values[i*width:(i+1)*width], gotV, "value vector %d", i)
	}
}

func TestReshapeAndCacheSkipsSentinel(t *testing.T) {
	rng := rand.New(rand.NewSource(31))
	keyStore := NewBlockStore(DeviceGPU, DtypeFloat32, 2, 4, 1, 8)
	valueStore := NewBlockStore(DeviceGPU, DtypeFloat32, 2, 4, 1, 8)
	width := keyStore.VectorWidth()

	prior := randVector(rng, width)
	require.NoError(t, keyStore.WriteVector(0, 1, prior))

	slotMapping := []int{0, SlotSkip, 2}
	keys, values := tokenBatch(rng, len(slotMapping), width)
	require.NoError(t, ReshapeAndCache(keys, values, keyStore, valueStore, slotMapping, CacheDtypeAuto, DefaultQuantParams()))

	// The skipped position wrote nowhere; slot 1 keeps its prior content.
	got, err := keyStore.ReadVector(0, 1)
	require.NoError(t, err)
	assert.Equal(t, prior, got)
}

func TestReshapeAndCacheEmptyMapping(t *testing.T) {
	keyStore := NewBlockStore(DeviceGPU, DtypeFloat32, 2, 4, 1, 8)
	valueStore := NewBlockStore(DeviceGPU, DtypeFloat32, 2, 4, 1, 8)
	require.NoError(t, ReshapeAndCache(nil, nil, keyStore, valueStore, nil, CacheDtypeAuto, DefaultQuantParams()))
}

func TestReshapeAndCacheFloat16Store(t *testing.T) {
	rng := rand.New(rand.NewSource(32))
	keyStore := NewBlockStore(DeviceGPU, DtypeFloat16, 2, 4, 1, 8)
	valueStore := NewBlockStore(DeviceGPU, DtypeFloat16, 2, 4, 1, 8)
	width := keyStore.VectorWidth()

	slotMapping := []int{3}
	keys, values := tokenBatch(rng, 1, width)
	require.NoError(t, ReshapeAndCache(keys, values, keyStore, valueStore, slotMapping, CacheDtypeAuto, DefaultQuantParams()))

	got, err := keyStore.ReadVector(0, 3)
	require.NoError(t, err)
	for i := range got {
		assert.InDelta(t, keys[i], got[i], float64(abs32(keys[i]))/1024+1e-6)
	}
}

func TestReshapeAndCacheFP8Quantized(t *testing.T) {
	keyStore := NewBlockStore(DeviceGPU, DtypeFP8E5M2, 2, 4, 1, 4)
	valueStore := NewBlockStore(DeviceGPU, DtypeFP8E5M2, 2, 4, 1, 4)

	keys := []float32{1.5, -3, 0.5, 24}
	values := []float32{8, -0.25, 1, -6}
	params := QuantParams{KeyScale: 0.5, ValueScale: 2, ValueZeroPoint: 1}

	require.NoError(t, ReshapeAndCache(keys, values, keyStore, valueStore, []int{6}, CacheDtypeFP8, params))

	// The store holds (x - zp) / scale rounded to e5m2; these inputs
	// land on representable values, so decoding is exact.
	rawK, err := keyStore.ReadVector(1, 2)
	require.NoError(t, err)
	for i := range keys {
		assert.Equal(t, (keys[i]-params.KeyZeroPoint)/params.KeyScale, rawK[i])
		assert.Equal(t, keys[i], DecodeFP8(FP8E5M2FromFloat32(rawK[i]), params.KeyScale, params.KeyZeroPoint))
	}

	rawV, err := valueStore.ReadVector(1, 2)
	require.NoError(t, err)
	for i := range values {
		assert.Equal(t, values[i], DecodeFP8(FP8E5M2FromFloat32(rawV[i]), params.ValueScale, params.ValueZeroPoint))
	}
}

func TestReshapeAndCacheErrors(t *testing.T) {
	rng := rand.New(rand.NewSource(33))
	keyStore := NewBlockStore(DeviceGPU, DtypeFloat32, 2, 4, 1, 8)
	valueStore := NewBlockStore(DeviceGPU, DtypeFloat32, 2, 4, 1, 8)
	width := keyStore.VectorWidth()
	keys, values := tokenBatch(rng, 1, width)

	var dtypeErr *UnsupportedDtypeError
	err := ReshapeAndCache(keys, values, keyStore, valueStore, []int{0}, "int4", DefaultQuantParams())
	require.ErrorAs(t, err, &dtypeErr)
	assert.Equal(t, "int4", dtypeErr.Mode)

	// fp8 mode needs fp8 stores.
	err = ReshapeAndCache(keys, values, keyStore, valueStore, []int{0}, CacheDtypeFP8, DefaultQuantParams())
	require.ErrorAs(t, err, &dtypeErr)

	var addrErr *AddressError
	err = ReshapeAndCache(keys, values, keyStore, valueStore, []int{8}, CacheDtypeAuto, DefaultQuantParams())
	require.ErrorAs(t, err, &addrErr)

	var shapeErr *ShapeMismatchError
	err = ReshapeAndCache(keys[:width-1], values, keyStore, valueStore, []int{0}, CacheDtypeAuto, DefaultQuantParams())
	require.ErrorAs(t, err, &shapeErr)
}

func TestReshapeAndCacheValidatesBeforeWriting(t *testing.T) {
	rng := rand.New(rand.NewSource(34))
	keyStore := NewBlockStore(DeviceGPU, DtypeFloat32, 1, 4, 1, 8)
	valueStore := NewBlockStore(DeviceGPU, DtypeFloat32, 1, 4, 1, 8)
	width := keyStore.VectorWidth()

	keys, values := tokenBatch(rng, 2, width)
	// Position 0 is valid, position 1 is out of bounds.
	err := ReshapeAndCache(keys, values, keyStore, valueStore, []int{0, 99}, CacheDtypeAuto, DefaultQuantParams())

	var addrErr *AddressError
	require.ErrorAs(t, err, &addrErr)

	got, readErr := keyStore.ReadVector(0, 0)
	require.NoError(t, readErr)
	assert.Equal(t, make([]float32, width), got, "failed call must not write")
}

// The end-to-end scenario: fill one block through the writer, swap it
// into an empty offload store, and expect the exact four vectors.
func TestWriteThenSwapRoundTrip(t *testing.T) {
	rng := rand.New(rand.NewSource(35))
	keyStore := NewBlockStore(DeviceGPU, DtypeFloat32, 2, 4, 2, 4)
	valueStore := NewBlockStore(DeviceGPU, DtypeFloat32, 2, 4, 2, 4)
	width := keyStore.VectorWidth()

	keys, values := tokenBatch(rng, 4, width)
	require.NoError(t, ReshapeAndCache(keys, values, keyStore, valueStore, []int{0, 1, 2, 3}, CacheDtypeAuto, DefaultQuantParams()))

	offload := NewBlockStore(DeviceCPU, DtypeFloat32, 2, 4, 2, 4)
	require.NoError(t, SwapBlocks(keyStore, offload, map[int]int{0: 0}))

	for i := 0; i < 4; i++ {
		got, err := offload.ReadVector(0, i)
		require.NoError(t, err)
		assert.Equal(t, keys[i*width:(i+1)*width], got, "token %d", i)
	}
}
