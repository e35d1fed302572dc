package localfs

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/vetlab/bloodwork-analyzer/internal/core/domain"
	"github.com/vetlab/bloodwork-analyzer/internal/infrastructure/storage"
)

type Storage struct {
	basePath string
}

func New(basePath string) (*Storage, error) {
	if basePath == "" {
		basePath = "./data/storage"
	}
	if err := os.MkdirAll(basePath, 0o755); err != nil {
		return nil, fmt.Errorf("create storage dir: %w", err)
	}
	return &Storage{basePath: basePath}, nil
}

// Store writes data under a fresh key and returns that key as the handle.
// The file is written to a temporary name first so readers never see a
// partial upload.
func (s *Storage) Store(_ context.Context, filename string, data []byte) (string, error) {
	key := storage.NewObjectKey(filename)
	path := filepath.Join(s.basePath, key)

	tmp, err := os.CreateTemp(s.basePath, ".upload-*")
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() {
		_ = os.Remove(tmpName)
	}()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return "", fmt.Errorf("write file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("close file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return "", fmt.Errorf("commit file: %w", err)
	}
	return key, nil
}

func (s *Storage) Retrieve(_ context.Context, handle string) ([]byte, error) {
	path, err := s.resolve(handle)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, domain.WrapError(domain.ErrNotFound, "retrieve blob", fmt.Errorf("handle %s", handle))
		}
		return nil, fmt.Errorf("read file: %w", err)
	}
	return data, nil
}

// Delete is idempotent: a missing handle is not an error.
func (s *Storage) Delete(_ context.Context, handle string) error {
	path, err := s.resolve(handle)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove file: %w", err)
	}
	return nil
}

func (s *Storage) resolve(handle string) (string, error) {
	if !storage.ValidKey(handle) {
		return "", domain.WrapError(domain.ErrInvalidInput, "resolve blob", fmt.Errorf("invalid handle %q", handle))
	}
	return filepath.Join(s.basePath, handle), nil
}
