package memtable

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/devrev/pairdb-core/internal/model"
)

func TestPutGet(t *testing.T) {
	m := New()
	m.Put(model.Record{Key: "a", Value: []byte("1")})
	r, ok := m.Get("a")
	require.True(t, ok)
	require.Equal(t, []byte("1"), r.Value)
}

func TestDeleteTombstone(t *testing.T) {
	m := New()
	m.Put(model.Record{Key: "a", Value: []byte("1")})
	m.Delete("a", model.Meta{LamportTS: 2})
	r, ok := m.Get("a")
	require.True(t, ok)
	require.True(t, r.Meta.IsTombstone)
}

func TestRangeScanOrdering(t *testing.T) {
	m := New()
	for _, k := range []string{"c", "a", "b"} {
		m.Put(model.Record{Key: model.Key(k), Value: []byte(k)})
	}
	got := m.RangeScan("", "")
	require.Len(t, got, 3)
	require.Equal(t, model.Key("a"), got[0].Key)
	require.Equal(t, model.Key("b"), got[1].Key)
	require.Equal(t, model.Key("c"), got[2].Key)
}

func TestRangeScanBounds(t *testing.T) {
	m := New()
	for _, k := range []string{"a", "b", "c", "d"} {
		m.Put(model.Record{Key: model.Key(k)})
	}
	got := m.RangeScan("b", "d")
	require.Len(t, got, 2)
	require.Equal(t, model.Key("b"), got[0].Key)
	require.Equal(t, model.Key("c"), got[1].Key)
}
