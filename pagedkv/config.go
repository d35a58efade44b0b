package pagedkv

import "fmt"

// CacheConfig holds the geometry of a paged KV cache
type CacheConfig struct {
	NumBlocks int
	BlockSize int
	NumHeads  int
	HeadDim   int
	NumLayers int
	Dtype     Dtype
	Device    Device
}

// CacheConfigOption is a functional option for CacheConfig
type CacheConfigOption func(*CacheConfig)

// NewCacheConfig creates a new CacheConfig with default values
func NewCacheConfig(opts ...CacheConfigOption) *CacheConfig {
	c := &CacheConfig{
		NumBlocks: 1024,
		BlockSize: 16,
		NumHeads:  8,
		HeadDim:   64,
		NumLayers: 1,
		Dtype:     DtypeFloat32,
		Device:    DeviceGPU,
	}

	for _, opt := range opts {
		opt(c)
	}

	if err := c.validate(); err != nil {
		panic(err)
	}

	return c
}

// validate checks if the configuration is valid
func (c *CacheConfig) validate() error {
	if c.NumBlocks < 1 {
		return fmt.Errorf("num_blocks must be positive, got %d", c.NumBlocks)
	}

	if c.BlockSize < 1 {
		return fmt.Errorf("block_size must be positive, got %d", c.BlockSize)
	}

	if c.NumHeads < 1 || c.HeadDim < 1 {
		return fmt.Errorf("invalid head geometry: %d heads x %d dims", c.NumHeads, c.HeadDim)
	}

	if c.NumLayers < 1 {
		return fmt.Errorf("num_layers must be positive, got %d", c.NumLayers)
	}

	if c.Dtype.size() == 0 {
		return &UnsupportedDtypeError{Mode: string(c.Dtype)}
	}

	return nil
}

// NewStorePair allocates one key store and one value store with this
// configuration's geometry.
func (c *CacheConfig) NewStorePair() (*BlockStore, *BlockStore) {
	k := NewBlockStore(c.Device, c.Dtype, c.NumBlocks, c.BlockSize, c.NumHeads, c.HeadDim)
	v := NewBlockStore(c.Device, c.Dtype, c.NumBlocks, c.BlockSize, c.NumHeads, c.HeadDim)
	return k, v
}

// NewLayerStores allocates per-layer key and value store lists, one
// pair per attention layer.
func (c *CacheConfig) NewLayerStores() ([]*BlockStore, []*BlockStore) {
	keys := make([]*BlockStore, c.NumLayers)
	values := make([]*BlockStore, c.NumLayers)
	for i := 0; i < c.NumLayers; i++ {
		keys[i], values[i] = c.NewStorePair()
	}
	return keys, values
}

// WithNumBlocks sets the number of cache blocks per store
func WithNumBlocks(n int) CacheConfigOption {
	return func(c *CacheConfig) {
		c.NumBlocks = n
	}
}

// WithBlockSize sets the number of token slots per block
func WithBlockSize(n int) CacheConfigOption {
	return func(c *CacheConfig) {
		c.BlockSize = n
	}
}

// WithNumHeads sets the number of attention heads
func WithNumHeads(n int) CacheConfigOption {
	return func(c *CacheConfig) {
		c.NumHeads = n
	}
}

// WithHeadDim sets the per-head vector dimension
func WithHeadDim(n int) CacheConfigOption {
	return func(c *CacheConfig) {
		c.HeadDim = n
	}
}

// WithNumLayers sets the number of attention layers
func WithNumLayers(n int) CacheConfigOption {
	return func(c *CacheConfig) {
		c.NumLayers = n
	}
}

// WithDtype sets the element storage dtype
func WithDtype(d Dtype) CacheConfigOption {
	return func(c *CacheConfig) {
		c.Dtype = d
	}
}

// WithDevice sets the memory domain the stores live in
func WithDevice(d Device) CacheConfigOption {
	return func(c *CacheConfig) {
		c.Device = d
	}
}
