package vault

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

var _ Backend = (*MemBackend)(nil)

// MemBackend keeps secrets in process memory. Intended for tests and guest-only hosts.
type MemBackend struct {
	mu   sync.Mutex
	data map[string][]byte
}

// NewMemBackend returns an empty in-memory backend.
func NewMemBackend() *MemBackend {
	return &MemBackend{data: make(map[string][]byte)}
}

func (m *MemBackend) Put(ctx context.Context, key string, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	v := make([]byte, len(value))
	copy(v, value)
	m.mu.Lock()
	m.data[key] = v
	m.mu.Unlock()
	return nil
}

func (m *MemBackend) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[key]
	if !ok {
		return nil, ErrNotFound
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, nil
}

func (m *MemBackend) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	if v, ok := m.data[key]; ok {
		wipe(v)
		delete(m.data, key)
	}
	m.mu.Unlock()
	return nil
}

var _ Backend = (*FileBackend)(nil)

// FileBackend stores every secret in one AES-256-GCM encrypted file. The
// master key lives in a separate file; both are written with 0600 permissions.
type FileBackend struct {
	path    string
	keyPath string
	mu      sync.Mutex
}

// NewFileBackend returns a backend writing to path with the key at keyPath.
// The key is generated on first write.
func NewFileBackend(path, keyPath string) *FileBackend {
	return &FileBackend{path: path, keyPath: keyPath}
}

func (f *FileBackend) Put(ctx context.Context, key string, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	masterKey, err := f.loadKey(true)
	if err != nil {
		return err
	}
	defer wipe(masterKey)
	doc, err := f.load(masterKey)
	if err != nil {
		return err
	}
	defer wipeDoc(doc)
	v := make([]byte, len(value))
	copy(v, value)
	doc[key] = v
	return f.save(masterKey, doc)
}

func (f *FileBackend) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	masterKey, err := f.loadKey(false)
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	defer wipe(masterKey)
	doc, err := f.load(masterKey)
	if err != nil {
		return nil, err
	}
	defer wipeDoc(doc)
	v, ok := doc[key]
	if !ok {
		return nil, ErrNotFound
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, nil
}

func (f *FileBackend) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	masterKey, err := f.loadKey(false)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	defer wipe(masterKey)
	doc, err := f.load(masterKey)
	if err != nil {
		return err
	}
	defer wipeDoc(doc)
	if _, ok := doc[key]; !ok {
		return nil
	}
	delete(doc, key)
	return f.save(masterKey, doc)
}

func (f *FileBackend) loadKey(create bool) ([]byte, error) {
	raw, err := os.ReadFile(f.keyPath)
	if err == nil {
		key, decErr := hex.DecodeString(strings.TrimSpace(string(raw)))
		wipe(raw)
		if decErr != nil || len(key) != 32 {
			return nil, errors.New("vault: master key file is corrupt")
		}
		return key, nil
	}
	if !errors.Is(err, os.ErrNotExist) || !create {
		return nil, err
	}
	key := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("vault: generate master key: %w", err)
	}
	if err := atomicWrite(f.keyPath, []byte(hex.EncodeToString(key))); err != nil {
		return nil, fmt.Errorf("vault: store master key: %w", err)
	}
	return key, nil
}

func (f *FileBackend) load(masterKey []byte) (map[string][]byte, error) {
	doc := make(map[string][]byte)
	sealed, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return doc, nil
	}
	if err != nil {
		return nil, err
	}
	plain, err := decrypt(sealed, masterKey)
	if err != nil {
		return nil, err
	}
	defer wipe(plain)
	if err := json.Unmarshal(plain, &doc); err != nil {
		return nil, fmt.Errorf("vault: decode secrets: %w", err)
	}
	return doc, nil
}

func (f *FileBackend) save(masterKey []byte, doc map[string][]byte) error {
	plain, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	defer wipe(plain)
	sealed, err := encrypt(plain, masterKey)
	if err != nil {
		return err
	}
	return atomicWrite(f.path, sealed)
}

func encrypt(plaintext, key []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	// Nonce is prepended so decrypt can recover it.
	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

func decrypt(ciphertext, key []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	nonceSize := gcm.NonceSize()
	if len(ciphertext) < nonceSize {
		return nil, errors.New("vault: ciphertext too short")
	}
	nonce, body := ciphertext[:nonceSize], ciphertext[nonceSize:]
	plain, err := gcm.Open(nil, nonce, body, nil)
	if err != nil {
		return nil, errors.New("vault: decryption failed (wrong key or tampered data)")
	}
	return plain, nil
}

// atomicWrite writes to a temp file, fsyncs it and renames it over path, so a
// crash leaves either the old or the new content.
func atomicWrite(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()
	if err := tmp.Chmod(0o600); err != nil {
		_ = tmp.Close()
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}

func wipeDoc(doc map[string][]byte) {
	for _, v := range doc {
		wipe(v)
	}
}
