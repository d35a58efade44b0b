package pagedkv

import (
	"encoding/binary"

	"github.com/cespare/xxhash/v2"
)

// BlockFingerprint hashes a block's stored bytes, chained onto the
// fingerprint of the preceding block in the sequence (pass 0 for the
// first block). External schedulers use chained fingerprints to detect
// blocks holding identical prefixes and share them instead of copying.
func BlockFingerprint(store *BlockStore, blockID int, prefix uint64) (uint64, error) {
	raw, err := store.BlockBytes(blockID)
	if err != nil {
		return 0, err
	}

	h := xxhash.New()
	if prefix != 0 {
		buf := make([]byte, 8)
		binary.LittleEndian.PutUint64(buf, prefix)
		h.Write(buf)
	}
	h.Write(raw)
	return h.Sum64(), nil
}

// FingerprintBlocks chains BlockFingerprint over a sequence's block
// table and returns the fingerprint of the final block.
func FingerprintBlocks(store *BlockStore, blockIDs []int) (uint64, error) {
	var h uint64
	for _, id := range blockIDs {
		var err error
		h, err = BlockFingerprint(store, id, h)
		if err != nil {
			return 0, err
		}
	}
	return h, nil
}
