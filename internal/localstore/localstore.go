// Package localstore persists the alert document as a single JSON file,
// optionally encrypted with AES-GCM. It is the storage backend used when
// no database is configured, mirroring a local key-value store holding
// one document per concern.
package localstore

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"alertmonitor/internal/models"
)

// ErrConflict is returned when a save races with another writer: the
// document on disk carries a newer version than the one being written.
var ErrConflict = errors.New("document version conflict")

// Document is the persisted envelope. Version is an optimistic-concurrency
// counter bumped on every save.
type Document struct {
	Version     int             `json:"version"`
	LastUpdated time.Time       `json:"last_updated"`
	Alerts      []*models.Alert `json:"alerts"`
}

// Store reads and writes the alert document.
type Store struct {
	path string
	aead cipher.AEAD // nil when encryption is disabled

	mu sync.Mutex
}

// New opens a store at path. hexKey, when non-empty, must decode to a
// 16/24/32-byte AES key; the document is then sealed with AES-GCM.
func New(path, hexKey string) (*Store, error) {
	s := &Store{path: path}
	if hexKey != "" {
		key, err := hex.DecodeString(hexKey)
		if err != nil {
			return nil, fmt.Errorf("store key: %w", err)
		}
		block, err := aes.NewCipher(key)
		if err != nil {
			return nil, fmt.Errorf("store key: %w", err)
		}
		s.aead, err = cipher.NewGCM(block)
		if err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Load reads the document. A missing file yields an empty version-0 document.
func (s *Store) Load() (Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load()
}

func (s *Store) load() (Document, error) {
	raw, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return Document{}, nil
	}
	if err != nil {
		return Document{}, err
	}

	if s.aead != nil {
		raw, err = s.open(raw)
		if err != nil {
			return Document{}, err
		}
	}

	var doc Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return Document{}, fmt.Errorf("decode alert document: %w", err)
	}
	return doc, nil
}

// Save writes the document atomically. The caller passes the document at
// the version it loaded; a newer version on disk rejects the write with
// ErrConflict rather than losing the other writer's update.
func (s *Store) Save(doc Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, err := s.load()
	if err != nil {
		return err
	}
	if current.Version > doc.Version {
		return ErrConflict
	}

	doc.Version++
	doc.LastUpdated = time.Now()

	raw, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}
	if s.aead != nil {
		raw = s.seal(raw)
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".alerts-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), s.path)
}

func (s *Store) seal(plaintext []byte) []byte {
	nonce := make([]byte, s.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		panic(err) // crypto/rand failure is unrecoverable
	}
	return s.aead.Seal(nonce, nonce, plaintext, nil)
}

func (s *Store) open(sealed []byte) ([]byte, error) {
	ns := s.aead.NonceSize()
	if len(sealed) < ns {
		return nil, errors.New("alert document truncated")
	}
	return s.aead.Open(nil, sealed[:ns], sealed[ns:], nil)
}
