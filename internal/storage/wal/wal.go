// Package wal is the append-only write-ahead log: every record
// is flushed (and optionally fsynced) before acknowledgement, a new segment
// is opened per flush epoch, and replay on startup stops at the first torn
// or corrupt record. Grounded on
// storage-node/internal/service/commitlog_service.go — same rotation and
// recovery shape, but frames are length+CRC32 prefixed binary (not bare
// JSON lines) so a torn tail is detectable instead of merely unparsable,
// so a corrupt tail truncates to the last valid record instead of
// failing recovery outright.
package wal

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/devrev/pairdb-core/internal/errors"
	"github.com/devrev/pairdb-core/internal/model"
)

// Config mirrors storage-node's CommitLogConfig, renamed to match this
// node's WAL options.
type Config struct {
	SegmentSize int64
	MaxAge      time.Duration
	SyncWrites  bool
	BufferSize  int
}

// WAL manages segment rotation, append, and recovery for one node.
type WAL struct {
	cfg       Config
	dir       string
	logger    *zap.Logger
	mu        sync.Mutex
	file      *os.File
	epoch     int64
	stopCh    chan struct{}
	closeOnce sync.Once
}

// Open creates dir if needed and opens a new segment for the current
// flush epoch.
func Open(cfg Config, dir string, logger *zap.Logger) (*WAL, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.IOError("failed to create wal directory", err)
	}
	w := &WAL{cfg: cfg, dir: dir, logger: logger, stopCh: make(chan struct{})}
	if err := w.openSegment(time.Now().UnixNano()); err != nil {
		return nil, err
	}
	go w.rotationChecker()
	return w, nil
}

func segmentPath(dir string, epoch int64) string {
	return filepath.Join(dir, fmt.Sprintf("%d.log", epoch))
}

func (w *WAL) openSegment(epoch int64) error {
	if w.file != nil {
		w.file.Close()
	}
	f, err := os.OpenFile(segmentPath(w.dir, epoch), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return errors.IOError("failed to open wal segment", err)
	}
	w.file = f
	w.epoch = epoch
	w.logger.Info("opened wal segment", zap.String("path", f.Name()))
	return nil
}

// Epoch is the flush epoch of the segment currently being written.
func (w *WAL) Epoch() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.epoch
}

// Append writes one framed record, fsyncing if SyncWrites is set (durability
// class "fsync-on-commit by policy").
func (w *WAL) Append(rec Record) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	payload, err := json.Marshal(wireRecord{
		Kind:  rec.Kind,
		Key:   rec.Key,
		Value: rec.Value,
		Meta:  rec.Meta,
		TxID:  rec.TxID,
	})
	if err != nil {
		return errors.IOError("failed to marshal wal record", err)
	}

	frame := make([]byte, 4+len(payload)+4)
	binary.BigEndian.PutUint32(frame[:4], uint32(len(payload)))
	copy(frame[4:], payload)
	binary.BigEndian.PutUint32(frame[4+len(payload):], crc32.ChecksumIEEE(payload))

	if _, err := w.file.Write(frame); err != nil {
		return errors.IOError("failed to append to wal", err)
	}
	if w.cfg.SyncWrites {
		if err := w.file.Sync(); err != nil {
			return errors.IOError("failed to sync wal", err)
		}
	}
	return nil
}

// Rotate opens a new segment for the given epoch, making the previous one
// eligible for recycling once its memtable has been flushed.
func (w *WAL) Rotate(epoch int64) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.openSegment(epoch)
}

func (w *WAL) rotationChecker() {
	var ticker *time.Ticker
	if w.cfg.MaxAge <= 0 {
		ticker = time.NewTicker(time.Minute)
	} else {
		ticker = time.NewTicker(w.cfg.MaxAge)
	}
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			w.checkRotation()
		case <-w.stopCh:
			return
		}
	}
}

func (w *WAL) checkRotation() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return
	}
	info, err := w.file.Stat()
	if err != nil {
		w.logger.Error("failed to stat wal segment", zap.Error(err))
		return
	}
	if w.cfg.SegmentSize > 0 && info.Size() >= w.cfg.SegmentSize {
		w.logger.Info("rotating wal segment on size threshold", zap.Int64("size", info.Size()))
		if err := w.openSegment(time.Now().UnixNano()); err != nil {
			w.logger.Error("failed to rotate wal", zap.Error(err))
		}
	}
}

// Recycle removes any segment older than keepFromEpoch, the epoch of the
// oldest MemTable not yet flushed.
func (w *WAL) Recycle(keepFromEpoch int64) error {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return errors.IOError("failed to list wal segments", err)
	}
	for _, e := range entries {
		name := e.Name()
		if !strings.HasSuffix(name, ".log") {
			continue
		}
		epoch, err := strconv.ParseInt(strings.TrimSuffix(name, ".log"), 10, 64)
		if err != nil {
			continue
		}
		if epoch < keepFromEpoch && epoch != w.Epoch() {
			if err := os.Remove(filepath.Join(w.dir, name)); err != nil {
				w.logger.Warn("failed to recycle wal segment", zap.String("segment", name), zap.Error(err))
			}
		}
	}
	return nil
}

// Close stops rotation and closes the active segment.
func (w *WAL) Close() error {
	w.closeOnce.Do(func() { close(w.stopCh) })
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file != nil {
		return w.file.Close()
	}
	return nil
}

type wireRecord struct {
	Kind  Kind       `json:"kind"`
	Key   model.Key  `json:"key"`
	Value []byte     `json:"value,omitempty"`
	Meta  model.Meta `json:"meta"`
	TxID  string     `json:"tx_id,omitempty"`
}

func decodeWireRecord(wr wireRecord) (Record, error) {
	return Record{Kind: wr.Kind, Key: wr.Key, Value: wr.Value, Meta: wr.Meta, TxID: wr.TxID}, nil
}

// Recover replays every segment in ascending epoch order into apply,
// truncating at the first torn or corrupt frame per segment.
func Recover(dir string, apply func(Record) error) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errors.IOError("failed to list wal directory", err)
	}

	var segments []string
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".log") {
			segments = append(segments, e.Name())
		}
	}
	sort.Strings(segments)

	for _, name := range segments {
		if err := recoverSegment(filepath.Join(dir, name), apply); err != nil {
			return err
		}
	}
	return nil
}

func recoverSegment(path string, apply func(Record) error) error {
	f, err := os.Open(path)
	if err != nil {
		return errors.IOError("failed to open wal segment for recovery", err)
	}
	defer f.Close()

	header := make([]byte, 4)
	for {
		if _, err := io.ReadFull(f, header); err != nil {
			// Clean EOF or a torn length prefix: both truncate here.
			return nil
		}
		length := binary.BigEndian.Uint32(header)
		payload := make([]byte, length)
		if _, err := io.ReadFull(f, payload); err != nil {
			return nil // torn tail
		}
		crcBuf := make([]byte, 4)
		if _, err := io.ReadFull(f, crcBuf); err != nil {
			return nil // torn tail
		}
		if binary.BigEndian.Uint32(crcBuf) != crc32.ChecksumIEEE(payload) {
			return nil // corrupt tail, stop here
		}

		var wr wireRecord
		if err := json.Unmarshal(payload, &wr); err != nil {
			return nil
		}

		rec, err := decodeWireRecord(wr)
		if err != nil {
			return nil
		}
		if err := apply(rec); err != nil {
			return err
		}
	}
}
