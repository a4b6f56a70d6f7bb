package wal

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/devrev/pairdb-core/internal/model"
)

func TestAppendAndRecover(t *testing.T) {
	dir := t.TempDir()
	w, err := Open(Config{SyncWrites: true}, dir, zap.NewNop())
	require.NoError(t, err)

	require.NoError(t, w.Append(Record{Kind: KindPut, Key: "a", Value: []byte("1"), Meta: model.Meta{LamportTS: 1}}))
	require.NoError(t, w.Append(Record{Kind: KindDelete, Key: "a", Meta: model.Meta{LamportTS: 2, IsTombstone: true}}))
	require.NoError(t, w.Close())

	var recovered []Record
	require.NoError(t, Recover(dir, func(r Record) error {
		recovered = append(recovered, r)
		return nil
	}))

	require.Len(t, recovered, 2)
	require.Equal(t, KindPut, recovered[0].Kind)
	require.Equal(t, KindDelete, recovered[1].Kind)
}

func TestRecoverTruncatesTornTail(t *testing.T) {
	dir := t.TempDir()
	w, err := Open(Config{SyncWrites: true}, dir, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, w.Append(Record{Kind: KindPut, Key: "a", Value: []byte("1")}))
	path := w.file.Name()
	require.NoError(t, w.Close())

	// Simulate a crash mid-write: append a truncated frame.
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.Write([]byte{0, 0, 0, 50, 1, 2, 3})
	require.NoError(t, err)
	require.NoError(t, f.Close())

	var recovered []Record
	require.NoError(t, Recover(dir, func(r Record) error {
		recovered = append(recovered, r)
		return nil
	}))
	require.Len(t, recovered, 1)
}

func TestRecoverEmptyDir(t *testing.T) {
	dir := t.TempDir() + "/missing"
	require.NoError(t, Recover(dir, func(r Record) error { return nil }))
}
