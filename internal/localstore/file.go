package localstore

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/freshbazaar/cart-engine/internal/model"
)

// FileStore persists the guest cart as a single JSON file, the server-side
// analogue of one browser localStorage entry. Parse failures are swallowed:
// corrupt content loads as an empty cart and is overwritten on the next save.
type FileStore struct {
	path string
}

// NewFileStore creates a file-backed store at path. Parent directories are
// created on first save.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

func (s *FileStore) Load(_ context.Context) ([]model.Line, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var lines []model.Line
	if err := json.Unmarshal(data, &lines); err != nil {
		// Corrupt data is "no cart".
		return nil, nil
	}
	return lines, nil
}

func (s *FileStore) Save(_ context.Context, lines []model.Line) error {
	data, err := json.Marshal(lines)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(s.path, data, 0o644)
}

func (s *FileStore) Clear(_ context.Context) error {
	err := os.Remove(s.path)
	if os.IsNotExist(err) {
		return nil
	}
	return err
}
