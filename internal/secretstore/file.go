package secretstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"app-security/internal/encryption"
	"app-security/internal/util"
)

const fileFormatVersion = 1

type fileItem struct {
	Data        *encryption.EncryptedData `json:"data"`
	RequireAuth bool                      `json:"require_auth"`
	UpdatedAt   time.Time                 `json:"updated_at"`
}

type fileDocument struct {
	Version   int                  `json:"version"`
	Namespace string               `json:"namespace"`
	Items     map[string]*fileItem `json:"items"`
}

// FileStore persists envelope-encrypted secrets in a single JSON file.
// Every write replaces the file via rename, so a crash never leaves a
// half-written document on disk.
type FileStore struct {
	mu        sync.RWMutex
	path      string
	namespace string
	crypto    *encryption.Manager
	auth      Authenticator
	logger    *zap.Logger
	doc       *fileDocument
}

// OpenFileStore loads path (if present) for the given namespace.
func OpenFileStore(path, namespace string, crypto *encryption.Manager, logger *zap.Logger) (*FileStore, error) {
	if crypto == nil {
		return nil, errors.New("secret store requires an encryption manager")
	}
	s := &FileStore{
		path:      path,
		namespace: namespace,
		crypto:    crypto,
		logger:    util.OrNop(logger),
		doc: &fileDocument{
			Version:   fileFormatVersion,
			Namespace: namespace,
			Items:     make(map[string]*fileItem),
		},
	}

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		var doc fileDocument
		if err := json.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("%w: corrupt secret store: %v", ErrUnavailable, err)
		}
		if doc.Namespace != namespace {
			return nil, fmt.Errorf("%w: namespace mismatch (%q != %q)", ErrUnavailable, doc.Namespace, namespace)
		}
		if doc.Items == nil {
			doc.Items = make(map[string]*fileItem)
		}
		s.doc = &doc
	case errors.Is(err, os.ErrNotExist):
	default:
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	return s, nil
}

// WithAuthenticator installs the approval hook for gated items.
func (s *FileStore) WithAuthenticator(auth Authenticator) *FileStore {
	s.auth = auth
	return s
}

func (s *FileStore) SetItem(ctx context.Context, key, value string, opts Options) error {
	enc, err := s.crypto.EncryptField(ctx, value)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	prev, existed := s.doc.Items[key]
	s.doc.Items[key] = &fileItem{
		Data:        enc,
		RequireAuth: opts.RequireAuthentication,
		UpdatedAt:   time.Now().UTC(),
	}
	if err := s.persistLocked(); err != nil {
		if existed {
			s.doc.Items[key] = prev
		} else {
			delete(s.doc.Items, key)
		}
		return err
	}
	return nil
}

func (s *FileStore) GetItem(ctx context.Context, key string) (string, error) {
	s.mu.RLock()
	item, ok := s.doc.Items[key]
	s.mu.RUnlock()
	if !ok {
		return "", ErrNotFound
	}

	if item.RequireAuth {
		if s.auth == nil || s.auth(ctx, key) != nil {
			return "", ErrAuthenticationRequired
		}
	}

	value, err := s.crypto.DecryptField(ctx, item.Data)
	if err != nil {
		s.logger.Error("Failed to decrypt secret store item",
			util.String("key", key),
			util.ErrorField(err),
		)
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return value, nil
}

func (s *FileStore) DeleteItem(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev, ok := s.doc.Items[key]
	if !ok {
		return nil
	}
	delete(s.doc.Items, key)
	if err := s.persistLocked(); err != nil {
		s.doc.Items[key] = prev
		return err
	}
	return nil
}

func (s *FileStore) persistLocked() error {
	data, err := json.MarshalIndent(s.doc, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, ".secrets-*.tmp")
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}
