package sstable

import (
	"encoding/binary"
	"encoding/json"
	"hash/crc32"
	"io"
	"os"

	"github.com/google/btree"

	"github.com/devrev/pairdb-core/internal/errors"
	"github.com/devrev/pairdb-core/internal/model"
)

// btreeIndexEntry adapts indexEntry for ordered traversal. Using
// google/btree (a PairDB storage-node indirect dependency, promoted to
// direct use here) replaces a full key->IndexEntry map with an ordered
// structure that supports a binary search on the sparse index for the
// point-read path.
type btreeIndexEntry struct {
	key string
	e   indexEntry
}

func (a btreeIndexEntry) Less(other btree.Item) bool {
	return a.key < other.(btreeIndexEntry).key
}

// Reader opens one immutable SSTable for point and range reads.
type Reader struct {
	dataFile *os.File
	index    *btree.BTree
	trailer  Trailer
	path     string
	bloom    *bloomFilter
}

// Open loads the sparse index, bloom filter, and trailer for the SSTable
// rooted at basePath, grounded on
// storage-node/internal/storage/sstable/reader.go.
func Open(basePath string) (*Reader, error) {
	dataFile, err := os.Open(basePath)
	if err != nil {
		return nil, errors.IOError("failed to open sstable data file", err)
	}
	indexFile, err := os.Open(basePath + ".idx")
	if err != nil {
		dataFile.Close()
		return nil, errors.IOError("failed to open sstable index file", err)
	}
	defer indexFile.Close()

	r := &Reader{dataFile: dataFile, index: btree.New(32), path: basePath}
	if err := r.loadIndex(indexFile); err != nil {
		r.Close()
		return nil, err
	}

	trailerBytes, err := os.ReadFile(basePath + ".meta")
	if err == nil {
		_ = json.Unmarshal(trailerBytes, &r.trailer)
	}

	if bf, err := loadBloomFilter(basePath + ".bloom"); err == nil {
		r.bloom = bf
	}

	return r, nil
}

func (r *Reader) loadIndex(indexFile *os.File) error {
	for {
		var keyLen int32
		if err := binary.Read(indexFile, binary.LittleEndian, &keyLen); err != nil {
			if err == io.EOF {
				return nil
			}
			return errors.IOError("failed to read sstable index key length", err)
		}
		keyBytes := make([]byte, keyLen)
		if _, err := io.ReadFull(indexFile, keyBytes); err != nil {
			return errors.IOError("failed to read sstable index key", err)
		}
		key := string(keyBytes)

		var offset int64
		if err := binary.Read(indexFile, binary.LittleEndian, &offset); err != nil {
			return errors.IOError("failed to read sstable index offset", err)
		}
		var size int32
		if err := binary.Read(indexFile, binary.LittleEndian, &size); err != nil {
			return errors.IOError("failed to read sstable index size", err)
		}
		var checksum uint32
		if err := binary.Read(indexFile, binary.LittleEndian, &checksum); err != nil {
			return errors.IOError("failed to read sstable index checksum", err)
		}

		r.index.ReplaceOrInsert(btreeIndexEntry{key: key, e: indexEntry{Key: key, Offset: offset, Size: size, Checksum: checksum}})
	}
}

// floorOffset finds the largest indexed key <= key, the sparse index's
// starting point for a sequential block scan.
func (r *Reader) floorOffset(key string) (int64, bool) {
	var found int64
	var ok bool
	r.index.DescendLessOrEqual(btreeIndexEntry{key: key}, func(i btree.Item) bool {
		found = i.(btreeIndexEntry).e.Offset
		ok = true
		return false
	})
	return found, ok
}

// readEntryAt decodes the length-prefixed, checksummed entry at offset
// using ReadAt (pread) rather than Seek+Read, so two goroutines calling
// Get/RangeScan on the same Reader concurrently — expected under this
// design's per-connection worker pool — never race on a shared OS file
// cursor and see each other's partially-advanced reads. It returns the
// decoded entry and the offset of the entry that follows it.
func (r *Reader) readEntryAt(offset int64) (wireEntry, int64, error) {
	var header [8]byte
	n, err := r.dataFile.ReadAt(header[:], offset)
	if n < len(header) {
		if err == nil || err == io.EOF {
			return wireEntry{}, 0, io.EOF
		}
		return wireEntry{}, 0, errors.IOError("failed to read sstable entry header", err)
	}
	entrySize := int32(binary.LittleEndian.Uint32(header[0:4]))
	checksum := binary.LittleEndian.Uint32(header[4:8])

	data := make([]byte, entrySize)
	if _, err := r.dataFile.ReadAt(data, offset+8); err != nil {
		return wireEntry{}, 0, errors.IOError("failed to read sstable entry data", err)
	}
	if crc32.ChecksumIEEE(data) != checksum {
		return wireEntry{}, 0, errors.CorruptData("sstable entry checksum mismatch", nil)
	}

	var we wireEntry
	if err := json.Unmarshal(data, &we); err != nil {
		return wireEntry{}, 0, errors.CorruptData("failed to unmarshal sstable entry", err)
	}
	return we, offset + 8 + int64(entrySize), nil
}

// Get performs bloom check, then binary-search-via-btree to the enclosing
// index block, then a sequential scan within that block.
func (r *Reader) Get(key model.Key) (model.Record, bool, error) {
	k := string(key)

	if r.bloom != nil && !r.bloom.MayContain(k) {
		return model.Record{}, false, nil
	}

	offset, ok := r.floorOffset(k)
	if !ok {
		return model.Record{}, false, nil
	}

	for {
		we, next, err := r.readEntryAt(offset)
		if err == io.EOF {
			return model.Record{}, false, nil
		}
		if err != nil {
			return model.Record{}, false, err
		}

		if string(we.Key) == k {
			return model.Record{Key: we.Key, Value: we.Value, Meta: we.Meta}, true, nil
		}
		if string(we.Key) > k {
			return model.Record{}, false, nil
		}
		offset = next
	}
}

// RangeScan returns every record with low <= key < high (high == "" means
// unbounded), scanning sequentially from the enclosing index block.
func (r *Reader) RangeScan(low, high string) ([]model.Record, error) {
	offset, ok := r.floorOffset(low)
	if !ok {
		offset = 0
	}

	var out []model.Record
	for {
		we, next, err := r.readEntryAt(offset)
		if err == io.EOF {
			break
		}
		if err != nil {
			return out, err
		}
		if high != "" && string(we.Key) >= high {
			break
		}
		if string(we.Key) >= low {
			out = append(out, model.Record{Key: we.Key, Value: we.Value, Meta: we.Meta})
		}
		offset = next
	}
	return out, nil
}

// KeyRange reports the table's [MinKey, MaxKey] bounds from its trailer.
func (r *Reader) KeyRange() (string, string) { return r.trailer.MinKey, r.trailer.MaxKey }

func (r *Reader) Close() error {
	return r.dataFile.Close()
}
