package share

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// file-per-key provider rooted at a directory. Keys are hex-encoded
// into file names so that separators and unicode in keys are safe.
// values are written through a temp file and renamed, so a reader
// never observes a partial blob.
type FileStorageProvider struct {
	root string
}

func NewFileStorageProvider(root string) (*FileStorageProvider, error) {
	if err := os.MkdirAll(root, 0700); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrStorage, err)
	}
	return &FileStorageProvider{
		root: root,
	}, nil
}

func (self *FileStorageProvider) path(key string) string {
	return filepath.Join(self.root, hex.EncodeToString([]byte(key)))
}

func (self *FileStorageProvider) Get(ctx context.Context, key string) ([]byte, bool, error) {
	value, err := os.ReadFile(self.path(key))
	if os.IsNotExist(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("%w: %s", ErrStorage, err)
	}
	return value, true, nil
}

func (self *FileStorageProvider) Put(ctx context.Context, key string, value []byte) error {
	path := self.path(key)
	tempPath := path + ".tmp"
	if err := os.WriteFile(tempPath, value, 0600); err != nil {
		return fmt.Errorf("%w: %s", ErrStorage, err)
	}
	if err := os.Rename(tempPath, path); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("%w: %s", ErrStorage, err)
	}
	return nil
}

func (self *FileStorageProvider) Remove(ctx context.Context, key string) error {
	err := os.Remove(self.path(key))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("%w: %s", ErrStorage, err)
	}
	return nil
}

func (self *FileStorageProvider) List(ctx context.Context, prefix string) ([]string, error) {
	entries, err := os.ReadDir(self.root)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrStorage, err)
	}
	keys := []string{}
	for _, entry := range entries {
		if entry.IsDir() || strings.HasSuffix(entry.Name(), ".tmp") {
			continue
		}
		keyBytes, err := hex.DecodeString(entry.Name())
		if err != nil {
			continue
		}
		key := string(keyBytes)
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	return keys, nil
}
