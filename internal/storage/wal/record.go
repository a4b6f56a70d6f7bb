package wal

import "github.com/devrev/pairdb-core/internal/model"

// Kind is the WAL record kind.
type Kind byte

const (
	KindPut Kind = iota
	KindDelete
	KindTxBegin
	KindTxPrepare
	KindTxCommit
	KindTxAbort
)

// Record is a single framed WAL entry: (kind, key, value?, meta).
type Record struct {
	Kind  Kind
	Key   model.Key
	Value []byte
	Meta  model.Meta
	TxID  string
}
