package main

import (
	"fmt"
	"log"
	"math/rand"
	"time"

	"paged-kv-go/pagedkv"
)

func main() {
	fmt.Println("Paged-KV-Go Benchmark")
	fmt.Println("=====================")
	fmt.Println()

	// Configuration
	numBlocks := 2048
	blockSize := 16
	numHeads := 8
	headDim := 128
	numSteps := 1000
	tokensPerStep := 256

	fmt.Printf("Configuration:\n")
	fmt.Printf("  Blocks: %d x %d slots\n", numBlocks, blockSize)
	fmt.Printf("  Vector width: %d heads x %d dims\n", numHeads, headDim)
	fmt.Printf("  Steps: %d x %d tokens\n", numSteps, tokensPerStep)
	fmt.Println()

	cfg := pagedkv.NewCacheConfig(
		pagedkv.WithNumBlocks(numBlocks),
		pagedkv.WithBlockSize(blockSize),
		pagedkv.WithNumHeads(numHeads),
		pagedkv.WithHeadDim(headDim),
	)
	keyStore, valueStore := cfg.NewStorePair()

	width := keyStore.VectorWidth()
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))

	keys := make([]float32, tokensPerStep*width)
	values := make([]float32, tokensPerStep*width)
	for i := range keys {
		keys[i] = rng.Float32()*2 - 1
		values[i] = rng.Float32()*2 - 1
	}

	slotMapping := make([]int, tokensPerStep)

	start := time.Now()
	for step := 0; step < numSteps; step++ {
		// Fresh disjoint slots each step, wrapping around the pool.
		base := (step * tokensPerStep) % (keyStore.NumSlots() - tokensPerStep)
		for i := range slotMapping {
			slotMapping[i] = base + i
		}

		if err := pagedkv.ReshapeAndCache(keys, values, keyStore, valueStore, slotMapping, pagedkv.CacheDtypeAuto, pagedkv.DefaultQuantParams()); err != nil {
			log.Fatalf("reshape_and_cache failed: %v", err)
		}
	}
	elapsed := time.Since(start)

	totalTokens := numSteps * tokensPerStep
	fmt.Printf("Results:\n")
	fmt.Printf("  Total tokens written: %d\n", totalTokens)
	fmt.Printf("  Elapsed: %v\n", elapsed)
	fmt.Printf("  Throughput: %.0f tokens/sec\n", float64(totalTokens)/elapsed.Seconds())
}
