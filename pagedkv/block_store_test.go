package pagedkv

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// randVector fills one token vector with reproducible values.
func randVector(rng *rand.Rand, width int) []float32 {
	vec := make([]float32, width)
	for i := range vec {
		vec[i] = rng.Float32()*20 - 10
	}
	return vec
}

func TestBlockStoreGeometry(t *testing.T) {
	s := NewBlockStore(DeviceGPU, DtypeFloat32, 8, 16, 4, 32)

	assert.Equal(t, DeviceGPU, s.Device())
	assert.Equal(t, DtypeFloat32, s.Dtype())
	assert.Equal(t, 8, s.NumBlocks())
	assert.Equal(t, 16, s.BlockSize())
	assert.Equal(t, 4*32, s.VectorWidth())
	assert.Equal(t, 8*16, s.NumSlots())
}

func TestBlockStoreResolveSlot(t *testing.T) {
	s := NewBlockStore(DeviceGPU, DtypeFloat32, 8, 16, 1, 8)

	blockID, offset, err := s.ResolveSlot(0)
	require.NoError(t, err)
	assert.Equal(t, 0, blockID)
	assert.Equal(t, 0, offset)

	blockID, offset, err = s.ResolveSlot(3*16 + 5)
	require.NoError(t, err)
	assert.Equal(t, 3, blockID)
	assert.Equal(t, 5, offset)

	var addrErr *AddressError
	_, _, err = s.ResolveSlot(8 * 16)
	require.ErrorAs(t, err, &addrErr)
	_, _, err = s.ResolveSlot(-1)
	require.ErrorAs(t, err, &addrErr)
}

func TestBlockStoreWriteReadVector(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	s := NewBlockStore(DeviceGPU, DtypeFloat32, 4, 8, 2, 16)

	vec := randVector(rng, s.VectorWidth())
	require.NoError(t, s.WriteVector(2, 7, vec))

	got, err := s.ReadVector(2, 7)
	require.NoError(t, err)
	assert.Equal(t, vec, got, "float32 storage is exact")

	// Neighboring slot stays zero.
	zero, err := s.ReadVector(2, 6)
	require.NoError(t, err)
	assert.Equal(t, make([]float32, s.VectorWidth()), zero)
}

func TestBlockStoreFloat16Precision(t *testing.T) {
	rng := rand.New(rand.NewSource(2))
	s := NewBlockStore(DeviceGPU, DtypeFloat16, 2, 4, 1, 16)

	vec := randVector(rng, s.VectorWidth())
	require.NoError(t, s.WriteVector(0, 0, vec))

	got, err := s.ReadVector(0, 0)
	require.NoError(t, err)
	for i := range vec {
		// binary16 keeps 10 mantissa bits.
		assert.InDelta(t, vec[i], got[i], float64(abs32(vec[i]))/1024+1e-6)
	}
}

func TestBlockStoreBoundsAndShapeErrors(t *testing.T) {
	s := NewBlockStore(DeviceGPU, DtypeFloat32, 2, 4, 1, 8)

	var addrErr *AddressError
	require.ErrorAs(t, s.WriteVector(2, 0, make([]float32, 8)), &addrErr)
	require.ErrorAs(t, s.WriteVector(0, 4, make([]float32, 8)), &addrErr)
	_, err := s.ReadVector(-1, 0)
	require.ErrorAs(t, err, &addrErr)
	_, err = s.BlockBytes(2)
	require.ErrorAs(t, err, &addrErr)

	var shapeErr *ShapeMismatchError
	require.ErrorAs(t, s.WriteVector(0, 0, make([]float32, 7)), &shapeErr)
}

func abs32(f float32) float32 {
	if f < 0 {
		return -f
	}
	return f
}
