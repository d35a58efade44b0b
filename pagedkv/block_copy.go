package pagedkv

import (
	"runtime"

	"golang.org/x/sync/errgroup"
)

// SwapBlocks copies whole blocks from src to dst following mapping
// (source block id -> destination block id). The stores may live in
// different memory domains; content is preserved byte for byte. Every
// id is validated before any byte moves, so a failed call leaves dst
// untouched. Distinct mapping entries are copied in parallel; the
// caller guarantees destination ids are distinct.
func SwapBlocks(src, dst *BlockStore, mapping map[int]int) error {
	if err := sameGeometry(src, dst, true); err != nil {
		return err
	}
	for s, d := range mapping {
		if s < 0 || s >= src.numBlocks {
			return &AddressError{What: "source block", Layer: -1, Index: s, Limit: src.numBlocks}
		}
		if d < 0 || d >= dst.numBlocks {
			return &AddressError{What: "destination block", Layer: -1, Index: d, Limit: dst.numBlocks}
		}
	}

	g := new(errgroup.Group)
	g.SetLimit(runtime.GOMAXPROCS(0))
	for s, d := range mapping {
		s, d := s, d
		g.Go(func() error {
			copy(dst.blockData(d), src.blockData(s))
			return nil
		})
	}
	return g.Wait()
}

// CopyBlocks duplicates blocks within each layer's key and value store
// following mapping (source block id -> destination block ids). One
// source may fan out to several destinations, e.g. on a copy-on-write
// sequence fork; every destination receives an identical copy and the
// same mapping is applied to every layer. keyCaches and valueCaches
// hold one store per attention layer and must be the same length.
// All ids are validated against every layer before any byte moves.
func CopyBlocks(keyCaches, valueCaches []*BlockStore, mapping map[int][]int) error {
	if len(keyCaches) != len(valueCaches) {
		return &ShapeMismatchError{What: "cache layer count", Want: len(keyCaches), Got: len(valueCaches)}
	}
	for layer := range keyCaches {
		k, v := keyCaches[layer], valueCaches[layer]
		if err := sameGeometry(k, v, true); err != nil {
			return err
		}
		if k.numBlocks != v.numBlocks {
			return &ShapeMismatchError{What: "block count", Want: k.numBlocks, Got: v.numBlocks}
		}
		for s, dsts := range mapping {
			if s < 0 || s >= k.numBlocks {
				return &AddressError{What: "source block", Layer: layer, Index: s, Limit: k.numBlocks}
			}
			for _, d := range dsts {
				if d < 0 || d >= k.numBlocks {
					return &AddressError{What: "destination block", Layer: layer, Index: d, Limit: k.numBlocks}
				}
			}
		}
	}

	g := new(errgroup.Group)
	g.SetLimit(runtime.GOMAXPROCS(0))
	for layer := range keyCaches {
		k, v := keyCaches[layer], valueCaches[layer]
		for s, dsts := range mapping {
			s, dsts := s, dsts
			g.Go(func() error {
				for _, d := range dsts {
					copy(k.blockData(d), k.blockData(s))
					copy(v.blockData(d), v.blockData(s))
				}
				return nil
			})
		}
	}
	return g.Wait()
}
