// Package keys owns the cipher key lifecycle: generation, storage under the
// git dir, rotation with archiving, migration from the legacy password
// scheme, and passphrase-protected export/import for moving keys between
// clones. Keys are process-external state; they are read for the duration
// of one operation and never cached.
package keys

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"filippo.io/age"
	"github.com/natefinch/atomic"

	"gitveil/internal/cipher"
)

var (
	// ErrKeyExists is returned by Init when a key is already active.
	ErrKeyExists = errors.New("a key has already been set")
	// ErrNoKey is returned by operations that need an active key.
	ErrNoKey = errors.New("no active key found")
)

// Manager stores keys under <dir>/keys: the active key in "current" and
// replaced keys in "archive/<n>" with incrementing ids, newest highest.
type Manager struct {
	dir string
}

// NewManager creates a Manager rooted at the engine's state directory
// (typically <gitdir>/gitveil).
func NewManager(dir string) *Manager {
	return &Manager{dir: filepath.Join(dir, "keys")}
}

func (m *Manager) currentPath() string { return filepath.Join(m.dir, "current") }
func (m *Manager) archiveDir() string  { return filepath.Join(m.dir, "archive") }

// Init generates and stores the initial key. It fails with ErrKeyExists
// when a key is already active; use Rotate to replace one.
func (m *Manager) Init() (cipher.Key, error) {
	if _, err := m.Active(); err == nil {
		return cipher.Key{}, ErrKeyExists
	} else if !errors.Is(err, ErrNoKey) {
		return cipher.Key{}, err
	}
	key, err := cipher.GenerateKey()
	if err != nil {
		return cipher.Key{}, err
	}
	if err := m.writeCurrent(key); err != nil {
		return cipher.Key{}, err
	}
	return key, nil
}

// Rotate generates a new active key. The replaced key is archived so old
// tokens stay decryptable, unless archive is false.
func (m *Manager) Rotate(archive bool) (cipher.Key, error) {
	if _, err := m.Active(); err != nil {
		return cipher.Key{}, err
	}
	if err := m.retireCurrent(archive); err != nil {
		return cipher.Key{}, err
	}
	key, err := cipher.GenerateKey()
	if err != nil {
		return cipher.Key{}, err
	}
	if err := m.writeCurrent(key); err != nil {
		return cipher.Key{}, err
	}
	return key, nil
}

// Disable retires the active key without a replacement. New commits are no
// longer encrypted; archived keys still decrypt old tokens.
func (m *Manager) Disable(archive bool) error {
	if _, err := m.Active(); err != nil {
		return err
	}
	return m.retireCurrent(archive)
}

// MigratePassword derives a key from the legacy password+salt pair and
// installs it as the active key. The migration is idempotent: when the
// derived key is already active, nothing changes and migrated is false.
func (m *Manager) MigratePassword(password, salt string, archive bool) (key cipher.Key, migrated bool, err error) {
	key, err = cipher.DeriveKey(password, salt)
	if err != nil {
		return cipher.Key{}, false, err
	}
	active, err := m.Active()
	switch {
	case err == nil && active.ID() == key.ID():
		return key, false, nil
	case err == nil:
		if err := m.retireCurrent(archive); err != nil {
			return cipher.Key{}, false, err
		}
	case !errors.Is(err, ErrNoKey):
		return cipher.Key{}, false, err
	}
	if err := m.writeCurrent(key); err != nil {
		return cipher.Key{}, false, err
	}
	return key, true, nil
}

// Active returns the active key, or ErrNoKey when none is set.
func (m *Manager) Active() (cipher.Key, error) {
	return m.readKey(m.currentPath())
}

// All returns every known key, newest first: the active key, then archived
// keys by descending archive id.
func (m *Manager) All() ([]cipher.Key, error) {
	var keys []cipher.Key
	active, err := m.Active()
	if err == nil {
		keys = append(keys, active)
	} else if !errors.Is(err, ErrNoKey) {
		return nil, err
	}
	ids, err := m.archiveIDs()
	if err != nil {
		return nil, err
	}
	for i := len(ids) - 1; i >= 0; i-- {
		key, err := m.readKey(filepath.Join(m.archiveDir(), strconv.Itoa(ids[i])))
		if err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, nil
}

// ByID returns the key with the given id, searching the active key and the
// archive. Returns ErrNoKey when absent.
func (m *Manager) ByID(id string) (cipher.Key, error) {
	keys, err := m.All()
	if err != nil {
		return cipher.Key{}, err
	}
	for _, k := range keys {
		if k.ID() == id {
			return k, nil
		}
	}
	return cipher.Key{}, fmt.Errorf("key %s: %w", id, ErrNoKey)
}

// Export writes the active key to path, encrypted with the passphrase using
// age's scrypt recipient, for transfer to another clone.
func (m *Manager) Export(path, passphrase string) error {
	key, err := m.Active()
	if err != nil {
		return err
	}
	recipient, err := age.NewScryptRecipient(passphrase)
	if err != nil {
		return fmt.Errorf("creating scrypt recipient: %w", err)
	}
	var buf bytes.Buffer
	w, err := age.Encrypt(&buf, recipient)
	if err != nil {
		return fmt.Errorf("creating encrypted writer: %w", err)
	}
	if _, err := io.WriteString(w, key.Encode()+"\n"); err != nil {
		return fmt.Errorf("writing encrypted key: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("finalizing encrypted key: %w", err)
	}
	if err := atomic.WriteFile(path, &buf); err != nil {
		return fmt.Errorf("writing export file: %w", err)
	}
	return nil
}

// Import reads a passphrase-protected key file written by Export and
// installs the key as active, archiving any existing key.
func (m *Manager) Import(path, passphrase string, archive bool) (cipher.Key, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return cipher.Key{}, fmt.Errorf("reading import file: %w", err)
	}
	identity, err := age.NewScryptIdentity(passphrase)
	if err != nil {
		return cipher.Key{}, fmt.Errorf("creating scrypt identity: %w", err)
	}
	r, err := age.Decrypt(bytes.NewReader(data), identity)
	if err != nil {
		return cipher.Key{}, fmt.Errorf("decrypting import file: %w", err)
	}
	encoded, err := io.ReadAll(r)
	if err != nil {
		return cipher.Key{}, fmt.Errorf("reading decrypted key: %w", err)
	}
	key, err := cipher.ParseKey(strings.TrimSpace(string(encoded)))
	if err != nil {
		return cipher.Key{}, err
	}
	if active, err := m.Active(); err == nil {
		if active.ID() == key.ID() {
			return key, nil
		}
		if err := m.retireCurrent(archive); err != nil {
			return cipher.Key{}, err
		}
	} else if !errors.Is(err, ErrNoKey) {
		return cipher.Key{}, err
	}
	if err := m.writeCurrent(key); err != nil {
		return cipher.Key{}, err
	}
	return key, nil
}

func (m *Manager) readKey(path string) (cipher.Key, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cipher.Key{}, ErrNoKey
	}
	if err != nil {
		return cipher.Key{}, fmt.Errorf("reading key file: %w", err)
	}
	return cipher.ParseKey(strings.TrimSpace(string(data)))
}

func (m *Manager) writeCurrent(key cipher.Key) error {
	if err := os.MkdirAll(m.dir, 0o700); err != nil {
		return fmt.Errorf("creating key directory: %w", err)
	}
	if err := atomic.WriteFile(m.currentPath(), strings.NewReader(key.Encode())); err != nil {
		return fmt.Errorf("writing key file: %w", err)
	}
	return os.Chmod(m.currentPath(), 0o600)
}

// retireCurrent moves the active key into the archive under the next free
// id, or deletes it when archive is false.
func (m *Manager) retireCurrent(archive bool) error {
	if !archive {
		if err := os.Remove(m.currentPath()); err != nil {
			return fmt.Errorf("removing key file: %w", err)
		}
		return nil
	}
	if err := os.MkdirAll(m.archiveDir(), 0o700); err != nil {
		return fmt.Errorf("creating archive directory: %w", err)
	}
	ids, err := m.archiveIDs()
	if err != nil {
		return err
	}
	next := 1
	if len(ids) > 0 {
		next = ids[len(ids)-1] + 1
	}
	dst := filepath.Join(m.archiveDir(), strconv.Itoa(next))
	if err := os.Rename(m.currentPath(), dst); err != nil {
		return fmt.Errorf("archiving key: %w", err)
	}
	return nil
}

// archiveIDs returns the numeric archive ids in ascending order. Non-numeric
// filenames are ignored.
func (m *Manager) archiveIDs() ([]int, error) {
	entries, err := os.ReadDir(m.archiveDir())
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading archive directory: %w", err)
	}
	var ids []int
	for _, e := range entries {
		if id, err := strconv.Atoi(e.Name()); err == nil && id > 0 {
			ids = append(ids, id)
		}
	}
	sort.Ints(ids)
	return ids, nil
}
