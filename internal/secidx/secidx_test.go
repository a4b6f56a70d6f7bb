package secidx

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/devrev/pairdb-core/internal/model"
)

func TestAddEntryAndQuery(t *testing.T) {
	m := New([]string{"email"})
	m.AddEntry("email", "a@example.com", "user:1")
	m.AddEntry("email", "a@example.com", "user:2")

	got := m.Query("email", "a@example.com")
	require.ElementsMatch(t, []model.Key{"user:1", "user:2"}, got)
}

func TestAddEntryIgnoresUnindexedField(t *testing.T) {
	m := New([]string{"email"})
	m.AddEntry("zip", "94107", "user:1")
	require.Empty(t, m.Query("zip", "94107"))
}

func TestRemoveEntryDropsEmptyValueBucket(t *testing.T) {
	m := New([]string{"email"})
	m.AddEntry("email", "a@example.com", "user:1")
	m.RemoveEntry("email", "a@example.com", "user:1")
	require.Empty(t, m.Query("email", "a@example.com"))
}

func TestObserveAddsAndRemovesFromMarkerKey(t *testing.T) {
	m := New([]string{"email"})
	key := IndexKey("email", "a@example.com", "user:1")

	m.Observe(model.Record{Key: key})
	require.Equal(t, []model.Key{"user:1"}, m.Query("email", "a@example.com"))

	m.Observe(model.Record{Key: key, Meta: model.Meta{IsTombstone: true}})
	require.Empty(t, m.Query("email", "a@example.com"))
}

type fakeScanner struct {
	recs []model.Record
}

func (f *fakeScanner) RangeScan(low, high string) ([]model.Record, error) {
	return f.recs, nil
}

func TestRebuildRepopulatesFromMarkerKeys(t *testing.T) {
	m := New([]string{"email"})
	m.AddEntry("email", "stale@example.com", "user:9") // discarded by rebuild

	store := &fakeScanner{recs: []model.Record{
		{Key: IndexKey("email", "a@example.com", "user:1")},
		{Key: "not-an-index-key"},
	}}
	require.NoError(t, m.Rebuild(store))

	require.Equal(t, []model.Key{"user:1"}, m.Query("email", "a@example.com"))
	require.Empty(t, m.Query("email", "stale@example.com"))
}
