package cache

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
)

// metadataFilename is the well-known key the metadata blob lives under.
const metadataFilename = "cache-metadata.json"

// FileMetadataStore persists the metadata map as one JSON file, written
// atomically via temp-file rename.
type FileMetadataStore struct {
	path string
}

func NewFileMetadataStore(dir string) (*FileMetadataStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &FileMetadataStore{path: filepath.Join(dir, metadataFilename)}, nil
}

func (s *FileMetadataStore) Load(ctx context.Context) (map[string]Entry, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]Entry{}, nil
		}
		return nil, err
	}
	entries := map[string]Entry{}
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, err
	}
	return entries, nil
}

func (s *FileMetadataStore) Save(ctx context.Context, entries map[string]Entry) error {
	data, err := json.Marshal(entries)
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(s.path), "meta-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), s.path)
}
