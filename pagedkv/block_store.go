// Package pagedkv implements the block-memory layer of a paged KV cache
// for transformer attention serving: fixed-size cache blocks addressed
// by (block id, slot offset), mapping-driven whole-block copy and swap
// between memory domains, slot-indexed scatter of freshly computed
// key/value vectors, and an e5m2 quantization codec for reduced-precision
// storage. Block placement and eviction policy belong to an external
// scheduler; this package only moves bytes through already-allocated
// blocks.
package pagedkv

import (
	"encoding/binary"
	"math"

	"github.com/x448/float16"
)

// Device tags the memory domain a store lives in. Stores in different
// domains model separate pools (e.g. device memory and host offload);
// transfers between them go through SwapBlocks.
type Device string

const (
	DeviceGPU Device = "gpu"
	DeviceCPU Device = "cpu"
)

// Dtype is the element storage format of a store.
type Dtype string

const (
	DtypeFloat32 Dtype = "float32"
	DtypeFloat16 Dtype = "float16"
	DtypeFP8E5M2 Dtype = "fp8_e5m2"
)

// size returns the element width in bytes, or 0 for an unknown dtype.
func (d Dtype) size() int {
	switch d {
	case DtypeFloat32:
		return 4
	case DtypeFloat16:
		return 2
	case DtypeFP8E5M2:
		return 1
	}
	return 0
}

// BlockStore is one arena of paged KV storage: numBlocks fixed-capacity
// blocks, each holding blockSize token slots of numHeads*headDim
// elements. Backing memory is a single contiguous buffer; blocks and
// slots are integer indices into it, never pointers. A store holds
// either the key side or the value side of a cache; the two are paired
// by the caller and always share geometry.
type BlockStore struct {
	device    Device
	dtype     Dtype
	numBlocks int
	blockSize int
	numHeads  int
	headDim   int
	data      []byte
}

// NewBlockStore allocates a zeroed store with the given geometry.
func NewBlockStore(device Device, dtype Dtype, numBlocks, blockSize, numHeads, headDim int) *BlockStore {
	if numBlocks < 1 || blockSize < 1 || numHeads < 1 || headDim < 1 {
		panic("pagedkv: block store geometry must be positive")
	}
	elem := dtype.size()
	if elem == 0 {
		panic(&UnsupportedDtypeError{Mode: string(dtype)})
	}
	return &BlockStore{
		device:    device,
		dtype:     dtype,
		numBlocks: numBlocks,
		blockSize: blockSize,
		numHeads:  numHeads,
		headDim:   headDim,
		data:      make([]byte, numBlocks*blockSize*numHeads*headDim*elem),
	}
}

// Device returns the store's memory domain tag.
func (s *BlockStore) Device() Device { return s.device }

// Dtype returns the store's element format.
func (s *BlockStore) Dtype() Dtype { return s.dtype }

// NumBlocks returns the number of blocks in the store.
func (s *BlockStore) NumBlocks() int { return s.numBlocks }

// BlockSize returns the number of token slots per block.
func (s *BlockStore) BlockSize() int { return s.blockSize }

// NumHeads returns the attention head count.
func (s *BlockStore) NumHeads() int { return s.numHeads }

// HeadDim returns the per-head vector dimension.
func (s *BlockStore) HeadDim() int { return s.headDim }

// VectorWidth returns the element count of one token's vector.
func (s *BlockStore) VectorWidth() int { return s.numHeads * s.headDim }

// NumSlots returns the total slot capacity of the store.
func (s *BlockStore) NumSlots() int { return s.numBlocks * s.blockSize }

func (s *BlockStore) vectorBytes() int { return s.VectorWidth() * s.dtype.size() }

func (s *BlockStore) blockBytes() int { return s.blockSize * s.vectorBytes() }

// blockData returns the raw bytes of one block. Bounds are the caller's
// responsibility.
func (s *BlockStore) blockData(blockID int) []byte {
	n := s.blockBytes()
	return s.data[blockID*n : (blockID+1)*n]
}

// BlockBytes returns a read-only view of one block's raw bytes.
func (s *BlockStore) BlockBytes(blockID int) ([]byte, error) {
	if blockID < 0 || blockID >= s.numBlocks {
		return nil, &AddressError{What: "block", Layer: -1, Index: blockID, Limit: s.numBlocks}
	}
	return s.blockData(blockID), nil
}

// ResolveSlot splits a flat slot index into (blockID, offset). The skip
// sentinel must be filtered out by the caller; here any index outside
// [0, NumSlots) is an AddressError.
func (s *BlockStore) ResolveSlot(slot int) (blockID, offset int, err error) {
	if slot < 0 || slot >= s.NumSlots() {
		return 0, 0, &AddressError{What: "slot", Layer: -1, Index: slot, Limit: s.NumSlots()}
	}
	return slot / s.blockSize, slot % s.blockSize, nil
}

// elemBase returns the flat element index of a slot's first element.
func (s *BlockStore) elemBase(blockID, offset int) int {
	return (blockID*s.blockSize + offset) * s.VectorWidth()
}

// readElem decodes the element at flat index i to float32. An fp8 store
// yields the raw e5m2 value; any affine scale is the reader's business.
func (s *BlockStore) readElem(i int) float32 {
	switch s.dtype {
	case DtypeFloat32:
		return math.Float32frombits(binary.LittleEndian.Uint32(s.data[i*4:]))
	case DtypeFloat16:
		return float16.Frombits(binary.LittleEndian.Uint16(s.data[i*2:])).Float32()
	default:
		return FP8E5M2(s.data[i]).ToFloat32()
	}
}

// writeElem encodes v into the element at flat index i, rounding to the
// store's native precision.
func (s *BlockStore) writeElem(i int, v float32) {
	switch s.dtype {
	case DtypeFloat32:
		binary.LittleEndian.PutUint32(s.data[i*4:], math.Float32bits(v))
	case DtypeFloat16:
		binary.LittleEndian.PutUint16(s.data[i*2:], float16.Fromfloat32(v).Bits())
	default:
		s.data[i] = byte(FP8E5M2FromFloat32(v))
	}
}

// writeVector stores one token vector at (blockID, offset) through the
// native dtype. Unchecked.
func (s *BlockStore) writeVector(blockID, offset int, vec []float32) {
	base := s.elemBase(blockID, offset)
	for j, v := range vec {
		s.writeElem(base+j, v)
	}
}

// writeVectorFP8 affine-quantizes one token vector into an fp8 store.
// Unchecked.
func (s *BlockStore) writeVectorFP8(blockID, offset int, vec []float32, scale, zeroPoint float32) {
	base := s.elemBase(blockID, offset)
	for j, v := range vec {
		s.data[base+j] = byte(EncodeFP8(v, scale, zeroPoint))
	}
}

// WriteVector stores one token's vector at (blockID, offset) at the
// store's native precision.
func (s *BlockStore) WriteVector(blockID, offset int, vec []float32) error {
	if err := s.checkSlot(blockID, offset); err != nil {
		return err
	}
	if len(vec) != s.VectorWidth() {
		return &ShapeMismatchError{What: "vector width", Want: s.VectorWidth(), Got: len(vec)}
	}
	s.writeVector(blockID, offset, vec)
	return nil
}

// ReadVector decodes one token's vector at (blockID, offset). For an
// fp8 store this is the raw e5m2 widening with no scale applied.
func (s *BlockStore) ReadVector(blockID, offset int) ([]float32, error) {
	if err := s.checkSlot(blockID, offset); err != nil {
		return nil, err
	}
	vec := make([]float32, s.VectorWidth())
	base := s.elemBase(blockID, offset)
	for j := range vec {
		vec[j] = s.readElem(base + j)
	}
	return vec, nil
}

func (s *BlockStore) checkSlot(blockID, offset int) error {
	if blockID < 0 || blockID >= s.numBlocks {
		return &AddressError{What: "block", Layer: -1, Index: blockID, Limit: s.numBlocks}
	}
	if offset < 0 || offset >= s.blockSize {
		return &AddressError{What: "slot offset", Layer: -1, Index: offset, Limit: s.blockSize}
	}
	return nil
}

// sameGeometry verifies that two stores agree on slots per block and
// vector width, and optionally on element dtype. Block counts are not
// compared; pools on different domains may differ in capacity.
func sameGeometry(a, b *BlockStore, checkDtype bool) error {
	if a.blockSize != b.blockSize {
		return &ShapeMismatchError{What: "block size", Want: a.blockSize, Got: b.blockSize}
	}
	if a.VectorWidth() != b.VectorWidth() {
		return &ShapeMismatchError{What: "vector width", Want: a.VectorWidth(), Got: b.VectorWidth()}
	}
	if checkDtype && a.dtype != b.dtype {
		return &ShapeMismatchError{What: "element dtype", Want: a.dtype, Got: b.dtype}
	}
	return nil
}
