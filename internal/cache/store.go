package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"strings"
)

// DiskStore keeps cached bodies as flat files named by the SHA-256 of the
// request URL.
type DiskStore struct {
	dir string
}

func NewDiskStore(dir string) (*DiskStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &DiskStore{dir: dir}, nil
}

func (s *DiskStore) path(url string) string {
	sum := sha256.Sum256([]byte(url))
	return filepath.Join(s.dir, hex.EncodeToString(sum[:])+".bin")
}

func (s *DiskStore) Put(url string, body []byte) error {
	path := s.path(url)
	tmp, err := os.CreateTemp(s.dir, "put-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(body); err != nil {
		tmp.Close()
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}

func (s *DiskStore) Get(url string) ([]byte, error) {
	return os.ReadFile(s.path(url))
}

func (s *DiskStore) Has(url string) bool {
	_, err := os.Stat(s.path(url))
	return err == nil
}

func (s *DiskStore) Delete(url string) error {
	err := os.Remove(s.path(url))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

func (s *DiskStore) DeleteAll() error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return err
	}
	var firstErr error
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".bin") {
			continue
		}
		if err := os.Remove(filepath.Join(s.dir, entry.Name())); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
