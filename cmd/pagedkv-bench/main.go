package main

import (
	"fmt"
	"math/rand"
	"os"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"paged-kv-go/pagedkv"
)

// benchConfig is the YAML-loadable workload description.
type benchConfig struct {
	NumBlocks     int     `yaml:"num_blocks"`
	BlockSize     int     `yaml:"block_size"`
	NumHeads      int     `yaml:"num_heads"`
	HeadDim       int     `yaml:"head_dim"`
	NumLayers     int     `yaml:"num_layers"`
	Dtype         string  `yaml:"dtype"`
	Steps         int     `yaml:"steps"`
	TokensPerStep int     `yaml:"tokens_per_step"`
	CopyEvery     int     `yaml:"copy_every"` // steps between fan-out copies, 0 disables
	SwapEvery     int     `yaml:"swap_every"` // steps between host offload swaps, 0 disables
	KVScale       float32 `yaml:"kv_scale"`   // fp8 quantization scale
}

func defaultConfig() *benchConfig {
	return &benchConfig{
		NumBlocks:     2048,
		BlockSize:     16,
		NumHeads:      8,
		HeadDim:       128,
		NumLayers:     4,
		Dtype:         string(pagedkv.DtypeFloat16),
		Steps:         500,
		TokensPerStep: 256,
		CopyEvery:     50,
		SwapEvery:     100,
		KVScale:       1,
	}
}

func loadConfig(path string) (*benchConfig, error) {
	cfg := defaultConfig()
	if path == "" {
		return cfg, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read bench config: %w", err)
	}
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("parse bench config: %w", err)
	}
	return cfg, nil
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		logrus.Fatal(err)
	}
}

func newRootCmd() *cobra.Command {
	var (
		configPath string
		steps      int
		dtype      string
		verbose    bool
	)

	cmd := &cobra.Command{
		Use:          "pagedkv-bench",
		Short:        "Drive a synthetic decode workload through the paged KV cache core",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if verbose {
				logrus.SetLevel(logrus.DebugLevel)
			}
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			if steps > 0 {
				cfg.Steps = steps
			}
			if dtype != "" {
				cfg.Dtype = dtype
			}
			return runBench(cfg)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "YAML workload config file")
	cmd.Flags().IntVar(&steps, "steps", 0, "override the number of decode steps")
	cmd.Flags().StringVar(&dtype, "dtype", "", "override the cache dtype (float32, float16, fp8_e5m2)")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")
	return cmd
}

func runBench(cfg *benchConfig) error {
	if cfg.TokensPerStep < 1 || cfg.Steps < 1 {
		return fmt.Errorf("steps and tokens_per_step must be positive")
	}
	if cfg.NumBlocks*cfg.BlockSize <= cfg.TokensPerStep {
		return fmt.Errorf("cache holds %d slots, need more than %d tokens per step", cfg.NumBlocks*cfg.BlockSize, cfg.TokensPerStep)
	}
	switch pagedkv.Dtype(cfg.Dtype) {
	case pagedkv.DtypeFloat32, pagedkv.DtypeFloat16, pagedkv.DtypeFP8E5M2:
	default:
		return &pagedkv.UnsupportedDtypeError{Mode: cfg.Dtype}
	}

	cacheCfg := pagedkv.NewCacheConfig(
		pagedkv.WithNumBlocks(cfg.NumBlocks),
		pagedkv.WithBlockSize(cfg.BlockSize),
		pagedkv.WithNumHeads(cfg.NumHeads),
		pagedkv.WithHeadDim(cfg.HeadDim),
		pagedkv.WithNumLayers(cfg.NumLayers),
		pagedkv.WithDtype(pagedkv.Dtype(cfg.Dtype)),
	)

	logrus.WithFields(logrus.Fields{
		"blocks":     cfg.NumBlocks,
		"block_size": cfg.BlockSize,
		"width":      cfg.NumHeads * cfg.HeadDim,
		"layers":     cfg.NumLayers,
		"dtype":      cfg.Dtype,
	}).Info("allocating cache stores")

	keyCaches, valueCaches := cacheCfg.NewLayerStores()

	// Host offload pool, twice the device capacity.
	hostCfg := pagedkv.NewCacheConfig(
		pagedkv.WithNumBlocks(2*cfg.NumBlocks),
		pagedkv.WithBlockSize(cfg.BlockSize),
		pagedkv.WithNumHeads(cfg.NumHeads),
		pagedkv.WithHeadDim(cfg.HeadDim),
		pagedkv.WithDtype(pagedkv.Dtype(cfg.Dtype)),
		pagedkv.WithDevice(pagedkv.DeviceCPU),
	)
	hostKeys, _ := hostCfg.NewStorePair()

	dtypeMode := pagedkv.CacheDtypeAuto
	params := pagedkv.DefaultQuantParams()
	if pagedkv.Dtype(cfg.Dtype) == pagedkv.DtypeFP8E5M2 {
		dtypeMode = pagedkv.CacheDtypeFP8
		params.KeyScale = cfg.KVScale
		params.ValueScale = cfg.KVScale
	}

	width := cfg.NumHeads * cfg.HeadDim
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	keys := make([]float32, cfg.TokensPerStep*width)
	values := make([]float32, cfg.TokensPerStep*width)
	for i := range keys {
		keys[i] = rng.Float32()*2 - 1
		values[i] = rng.Float32()*2 - 1
	}
	slotMapping := make([]int, cfg.TokensPerStep)
	numSlots := cfg.NumBlocks * cfg.BlockSize

	bar := progressbar.NewOptions(cfg.Steps,
		progressbar.OptionSetDescription("Decoding"),
		progressbar.OptionSetWidth(40),
		progressbar.OptionShowCount(),
		progressbar.OptionShowIts(),
	)

	var copies, swaps int
	start := time.Now()
	for step := 0; step < cfg.Steps; step++ {
		base := (step * cfg.TokensPerStep) % (numSlots - cfg.TokensPerStep)
		for i := range slotMapping {
			slotMapping[i] = base + i
		}

		for layer := range keyCaches {
			if err := pagedkv.ReshapeAndCache(keys, values, keyCaches[layer], valueCaches[layer], slotMapping, dtypeMode, params); err != nil {
				return fmt.Errorf("step %d layer %d: %w", step, layer, err)
			}
		}

		if cfg.CopyEvery > 0 && step > 0 && step%cfg.CopyEvery == 0 {
			// Fork the most recently written block, as a beam split would.
			src := base / cfg.BlockSize
			d1 := (src + 1) % cfg.NumBlocks
			d2 := (src + 2) % cfg.NumBlocks
			if err := pagedkv.CopyBlocks(keyCaches, valueCaches, map[int][]int{src: {d1, d2}}); err != nil {
				return fmt.Errorf("step %d copy: %w", step, err)
			}
			copies++
		}

		if cfg.SwapEvery > 0 && step > 0 && step%cfg.SwapEvery == 0 {
			src := base / cfg.BlockSize
			if err := pagedkv.SwapBlocks(keyCaches[0], hostKeys, map[int]int{src: src}); err != nil {
				return fmt.Errorf("step %d swap: %w", step, err)
			}
			swaps++
		}

		bar.Add(1)
	}
	elapsed := time.Since(start)
	fmt.Println()

	totalTokens := cfg.Steps * cfg.TokensPerStep * cfg.NumLayers
	logrus.WithFields(logrus.Fields{
		"tokens_written": totalTokens,
		"copies":         copies,
		"swaps":          swaps,
		"elapsed":        elapsed.Round(time.Millisecond),
		"tokens_per_sec": fmt.Sprintf("%.0f", float64(totalTokens)/elapsed.Seconds()),
	}).Info("benchmark complete")
	return nil
}
