package lsm

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/devrev/pairdb-core/internal/errors"
)

// tableMeta is one row of level membership; the table itself lives at
// `sst/<id>.sst` on disk, and its level is recorded only here.
type tableMeta struct {
	ID    int64  `json:"id"`
	Level int    `json:"level"`
	MinK  string `json:"min_key"`
	MaxK  string `json:"max_key"`
}

// manifestState is the on-disk manifest: the next table id and current
// level membership, written atomically via temp+rename.
type manifestState struct {
	NextTableID int64       `json:"next_table_id"`
	Tables      []tableMeta `json:"tables"`
}

func manifestPath(dir string) string {
	return filepath.Join(dir, "manifest")
}

func loadManifest(dir string) (*manifestState, error) {
	data, err := os.ReadFile(manifestPath(dir))
	if err != nil {
		if os.IsNotExist(err) {
			return &manifestState{NextTableID: 1}, nil
		}
		return nil, errors.IOError("failed to read manifest", err)
	}
	var m manifestState
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, errors.CorruptData("failed to parse manifest", err)
	}
	return &m, nil
}

// save writes the manifest atomically via temp+rename.
func (m *manifestState) save(dir string) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return errors.IOError("failed to marshal manifest", err)
	}
	tmp := manifestPath(dir) + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return errors.IOError("failed to write manifest temp file", err)
	}
	if err := os.Rename(tmp, manifestPath(dir)); err != nil {
		return errors.IOError("failed to rename manifest into place", err)
	}
	return nil
}
