package sstable

import (
	"encoding/binary"
	"hash/fnv"
	"io"
	"math"
	"os"
)

// bloomFilter is the probabilistic membership filter every SSTable carries
// Kept nearly verbatim from
// storage-node/internal/storage/sstable/bloom_filter.go — the double-hash
// construction needed no change for this domain.
type bloomFilter struct {
	bits      []bool
	size      uint64
	hashCount uint64
}

func newBloomFilter(expectedElements int, falsePositiveRate float64) *bloomFilter {
	if expectedElements <= 0 {
		expectedElements = 1
	}
	size := uint64(-float64(expectedElements) * math.Log(falsePositiveRate) / (math.Ln2 * math.Ln2))
	if size == 0 {
		size = 1
	}
	hashCount := uint64(float64(size) / float64(expectedElements) * math.Ln2)
	if hashCount == 0 {
		hashCount = 1
	}
	return &bloomFilter{bits: make([]bool, size), size: size, hashCount: hashCount}
}

func (bf *bloomFilter) Add(key string) {
	for _, h := range bf.getHashes(key) {
		bf.bits[h%bf.size] = true
	}
}

func (bf *bloomFilter) MayContain(key string) bool {
	for _, h := range bf.getHashes(key) {
		if !bf.bits[h%bf.size] {
			return false
		}
	}
	return true
}

func (bf *bloomFilter) getHashes(key string) []uint64 {
	hashes := make([]uint64, bf.hashCount)

	h := fnv.New64()
	h.Write([]byte(key))
	hash1 := h.Sum64()

	h.Reset()
	h.Write([]byte(key + "salt"))
	hash2 := h.Sum64()

	for i := uint64(0); i < bf.hashCount; i++ {
		hashes[i] = hash1 + i*hash2
	}
	return hashes
}

func (bf *bloomFilter) WriteTo(file *os.File) error {
	if err := binary.Write(file, binary.LittleEndian, bf.size); err != nil {
		return err
	}
	if err := binary.Write(file, binary.LittleEndian, bf.hashCount); err != nil {
		return err
	}

	byteCount := (bf.size + 7) / 8
	buf := make([]byte, byteCount)
	for i := uint64(0); i < bf.size; i++ {
		if bf.bits[i] {
			buf[i/8] |= 1 << (i % 8)
		}
	}
	_, err := file.Write(buf)
	return err
}

func loadBloomFilter(filePath string) (*bloomFilter, error) {
	file, err := os.Open(filePath)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	bf := &bloomFilter{}
	if err := binary.Read(file, binary.LittleEndian, &bf.size); err != nil {
		return nil, err
	}
	if err := binary.Read(file, binary.LittleEndian, &bf.hashCount); err != nil {
		return nil, err
	}

	byteCount := (bf.size + 7) / 8
	buf := make([]byte, byteCount)
	if _, err := io.ReadFull(file, buf); err != nil {
		return nil, err
	}

	bf.bits = make([]bool, bf.size)
	for i := uint64(0); i < bf.size; i++ {
		bf.bits[i] = (buf[i/8] & (1 << (i % 8))) != 0
	}
	return bf, nil
}
