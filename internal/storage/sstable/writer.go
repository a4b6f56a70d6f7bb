package sstable

import (
	"encoding/binary"
	"encoding/json"
	"hash/crc32"
	"os"

	"github.com/devrev/pairdb-core/internal/errors"
	"github.com/devrev/pairdb-core/internal/model"
)

// indexEntry is one (key, file_offset) pair in the sparse index.
// Adapted from storage-node/internal/storage/sstable's IndexEntry;
// the writer now only emits one per IndexInterval entries instead of
// one per entry, keeping the index sparse.
type indexEntry struct {
	Key      string
	Offset   int64
	Size     int32
	Checksum uint32
}

// Config controls SSTable layout, mirroring storage-node's SSTableConfig.
type Config struct {
	BloomFilterFP float64
	IndexInterval int
}

// Trailer is written once, to the ".meta" file beside the data file: key range, min/max
// Lamport timestamp, item count — the bookkeeping the reader needs.
type Trailer struct {
	MinKey       string
	MaxKey       string
	MinLamport   uint64
	MaxLamport   uint64
	ItemCount    int64
	DataChecksum uint32
}

// Writer builds one immutable SSTable: a data file of length-prefixed
// entries in ascending key order, a sparse index file, a bloom filter
// file, and a trailer file. Grounded on
// storage-node/internal/storage/sstable/writer.go.
type Writer struct {
	basePath    string
	dataFile    *os.File
	indexFile   *os.File
	bloomFile   *os.File
	offset      int64
	sinceIndex  int
	index       []indexEntry
	bloom       *bloomFilter
	cfg         Config
	trailer     Trailer
	dataCRC     uint32
	count       int64
}

// New creates a writer rooted at basePath; basePath + ".idx"/".bloom"/".meta"
// hold the sidecar files.
func New(basePath string, cfg Config, expectedElements int) (*Writer, error) {
	dataFile, err := os.Create(basePath)
	if err != nil {
		return nil, errors.IOError("failed to create sstable data file", err)
	}
	indexFile, err := os.Create(basePath + ".idx")
	if err != nil {
		dataFile.Close()
		return nil, errors.IOError("failed to create sstable index file", err)
	}
	bloomFile, err := os.Create(basePath + ".bloom")
	if err != nil {
		dataFile.Close()
		indexFile.Close()
		return nil, errors.IOError("failed to create sstable bloom file", err)
	}
	if cfg.IndexInterval <= 0 {
		cfg.IndexInterval = 1
	}
	return &Writer{
		basePath:  basePath,
		dataFile:  dataFile,
		indexFile: indexFile,
		bloomFile: bloomFile,
		bloom:     newBloomFilter(expectedElements, cfg.BloomFilterFP),
		cfg:       cfg,
	}, nil
}

// Write appends one record. Callers must pass records in ascending key
// order, the invariant the reader's index relies on.
func (w *Writer) Write(r model.Record) error {
	data, err := json.Marshal(wireEntry{Key: r.Key, Value: r.Value, Meta: r.Meta})
	if err != nil {
		return errors.IOError("failed to marshal sstable entry", err)
	}
	checksum := crc32.ChecksumIEEE(data)

	if err := binary.Write(w.dataFile, binary.LittleEndian, int32(len(data))); err != nil {
		return errors.IOError("failed to write entry size", err)
	}
	if err := binary.Write(w.dataFile, binary.LittleEndian, checksum); err != nil {
		return errors.IOError("failed to write entry checksum", err)
	}
	if _, err := w.dataFile.Write(data); err != nil {
		return errors.IOError("failed to write entry data", err)
	}

	key := string(r.Key)
	if w.sinceIndex%w.cfg.IndexInterval == 0 {
		w.index = append(w.index, indexEntry{Key: key, Offset: w.offset, Size: int32(len(data)), Checksum: checksum})
	}
	w.sinceIndex++
	w.bloom.Add(key)

	if w.count == 0 || key < w.trailer.MinKey {
		w.trailer.MinKey = key
	}
	if w.count == 0 || key > w.trailer.MaxKey {
		w.trailer.MaxKey = key
	}
	if w.count == 0 || r.Meta.LamportTS < w.trailer.MinLamport {
		w.trailer.MinLamport = r.Meta.LamportTS
	}
	if r.Meta.LamportTS > w.trailer.MaxLamport {
		w.trailer.MaxLamport = r.Meta.LamportTS
	}
	w.count++
	w.dataCRC ^= checksum // cheap running trailer checksum, not a strong one

	w.offset += int64(4 + 4 + len(data))
	return nil
}

// Finalize flushes the sparse index and bloom filter, writes the trailer,
// and syncs every file.
func (w *Writer) Finalize() error {
	for _, e := range w.index {
		if err := w.writeIndexEntry(e); err != nil {
			return errors.IOError("failed to write sstable index entry", err)
		}
	}
	if err := w.bloom.WriteTo(w.bloomFile); err != nil {
		return errors.IOError("failed to write sstable bloom filter", err)
	}

	w.trailer.ItemCount = w.count
	w.trailer.DataChecksum = w.dataCRC
	trailerBytes, err := json.Marshal(w.trailer)
	if err != nil {
		return errors.IOError("failed to marshal sstable trailer", err)
	}
	if err := os.WriteFile(w.basePath+".meta", trailerBytes, 0o644); err != nil {
		return errors.IOError("failed to write sstable trailer", err)
	}

	if err := w.dataFile.Sync(); err != nil {
		return errors.IOError("failed to sync sstable data file", err)
	}
	if err := w.indexFile.Sync(); err != nil {
		return errors.IOError("failed to sync sstable index file", err)
	}
	if err := w.bloomFile.Sync(); err != nil {
		return errors.IOError("failed to sync sstable bloom file", err)
	}
	return nil
}

func (w *Writer) writeIndexEntry(e indexEntry) error {
	keyLen := int32(len(e.Key))
	if err := binary.Write(w.indexFile, binary.LittleEndian, keyLen); err != nil {
		return err
	}
	if _, err := w.indexFile.Write([]byte(e.Key)); err != nil {
		return err
	}
	if err := binary.Write(w.indexFile, binary.LittleEndian, e.Offset); err != nil {
		return err
	}
	if err := binary.Write(w.indexFile, binary.LittleEndian, e.Size); err != nil {
		return err
	}
	return binary.Write(w.indexFile, binary.LittleEndian, e.Checksum)
}

// Size is the data file's current length, used to decide level bounds.
func (w *Writer) Size() int64 { return w.offset }

// ItemCount is the number of entries written so far.
func (w *Writer) ItemCount() int64 { return w.count }

func (w *Writer) Close() error {
	var firstErr error
	for _, c := range []*os.File{w.dataFile, w.indexFile, w.bloomFile} {
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

type wireEntry struct {
	Key   model.Key  `json:"key"`
	Value []byte     `json:"value,omitempty"`
	Meta  model.Meta `json:"meta"`
}
