package staging

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	apperrors "invoiceimport/pkg/errors"
	"invoiceimport/pkg/logger"

	"github.com/google/uuid"
)

var ErrObjectTooLarge = errors.New("staged object exceeds size limit")

// Store is a staging area on the local filesystem. Objects are addressed by
// transaction id and written only through signed upload URLs.
type Store struct {
	dir    string
	signer *Signer
	logger *logger.Logger
}

func NewStore(dir string, signer *Signer) (*Store, error) {
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("failed to create staging directory: %w", err)
	}

	return &Store{
		dir:    dir,
		signer: signer,
		logger: logger.WithField("component", "staging"),
	}, nil
}

// objectPath rejects anything that is not a canonical uuid, which also rules
// out path traversal.
func (s *Store) objectPath(key string) (string, error) {
	id, err := uuid.Parse(key)
	if err != nil || id.String() != key {
		return "", fmt.Errorf("invalid object key %q", key)
	}
	return filepath.Join(s.dir, key+".json"), nil
}

// PresignPut issues a write authorization for key valid for validity.
func (s *Store) PresignPut(_ context.Context, key string, validity time.Duration) (string, error) {
	if _, err := s.objectPath(key); err != nil {
		return "", err
	}
	return s.signer.URL(key, validity), nil
}

// Verify checks an upload request's authorization.
func (s *Store) Verify(key, expires, signature string) error {
	if _, err := s.objectPath(key); err != nil {
		return err
	}
	return s.signer.Verify(key, expires, signature)
}

// Put stores at most maxSize bytes from r under key. The object becomes
// visible atomically.
func (s *Store) Put(ctx context.Context, key string, r io.Reader, maxSize int64) (int64, error) {
	path, err := s.objectPath(key)
	if err != nil {
		return 0, err
	}

	tmp, err := os.CreateTemp(s.dir, ".upload-*")
	if err != nil {
		return 0, fmt.Errorf("failed to create temp object: %w", err)
	}
	defer os.Remove(tmp.Name())

	n, err := io.Copy(tmp, io.LimitReader(r, maxSize+1))
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return 0, fmt.Errorf("failed to write object %s: %w", key, err)
	}
	if n > maxSize {
		return 0, ErrObjectTooLarge
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	if err := os.Rename(tmp.Name(), path); err != nil {
		return 0, fmt.Errorf("failed to commit object %s: %w", key, err)
	}

	s.logger.Debug("object staged", "key", key, "size", n)
	return n, nil
}

// ReadObject returns the object's content as text.
func (s *Store) ReadObject(_ context.Context, key string) (string, error) {
	path, err := s.objectPath(key)
	if err != nil {
		return "", err
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("object %s: %w", key, apperrors.ErrObjectNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("failed to read object %s: %w", key, err)
	}
	return string(data), nil
}

// DeleteObject removes the object. Deleting a missing object is not an error.
func (s *Store) DeleteObject(_ context.Context, key string) error {
	path, err := s.objectPath(key)
	if err != nil {
		return err
	}

	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to delete object %s: %w", key, err)
	}

	s.logger.Debug("object deleted", "key", key)
	return nil
}
