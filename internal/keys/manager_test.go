package keys

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestManager_Init(t *testing.T) {
	t.Parallel()

	m := NewManager(t.TempDir())

	key, err := m.Init()
	if err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	if key.ID() == "" {
		t.Fatal("Init() returned a key without an id")
	}

	active, err := m.Active()
	if err != nil {
		t.Fatalf("Active() error = %v", err)
	}
	if active.ID() != key.ID() {
		t.Errorf("Active() id = %s, want %s", active.ID(), key.ID())
	}

	if _, err := m.Init(); !errors.Is(err, ErrKeyExists) {
		t.Errorf("second Init() = %v, want ErrKeyExists", err)
	}
}

func TestManager_Active_NoKey(t *testing.T) {
	t.Parallel()

	m := NewManager(t.TempDir())
	if _, err := m.Active(); !errors.Is(err, ErrNoKey) {
		t.Errorf("Active() = %v, want ErrNoKey", err)
	}
}

func TestManager_Rotate(t *testing.T) {
	t.Run("archives the replaced key", func(t *testing.T) {
		t.Parallel()
		m := NewManager(t.TempDir())

		first, err := m.Init()
		if err != nil {
			t.Fatalf("Init() error = %v", err)
		}
		second, err := m.Rotate(true)
		if err != nil {
			t.Fatalf("Rotate() error = %v", err)
		}
		if second.ID() == first.ID() {
			t.Fatal("Rotate() returned the same key")
		}

		all, err := m.All()
		if err != nil {
			t.Fatalf("All() error = %v", err)
		}
		if len(all) != 2 {
			t.Fatalf("All() returned %d keys, want 2", len(all))
		}
		if all[0].ID() != second.ID() || all[1].ID() != first.ID() {
			t.Errorf("All() order = [%s %s], want newest first", all[0].ID(), all[1].ID())
		}

		archived, err := m.ByID(first.ID())
		if err != nil {
			t.Fatalf("ByID() error = %v", err)
		}
		if archived.ID() != first.ID() {
			t.Errorf("ByID() = %s, want %s", archived.ID(), first.ID())
		}
	})

	t.Run("discards without archive", func(t *testing.T) {
		t.Parallel()
		m := NewManager(t.TempDir())

		if _, err := m.Init(); err != nil {
			t.Fatalf("Init() error = %v", err)
		}
		if _, err := m.Rotate(false); err != nil {
			t.Fatalf("Rotate() error = %v", err)
		}

		all, err := m.All()
		if err != nil {
			t.Fatalf("All() error = %v", err)
		}
		if len(all) != 1 {
			t.Errorf("All() returned %d keys, want 1", len(all))
		}
	})

	t.Run("requires an active key", func(t *testing.T) {
		t.Parallel()
		m := NewManager(t.TempDir())
		if _, err := m.Rotate(true); !errors.Is(err, ErrNoKey) {
			t.Errorf("Rotate() = %v, want ErrNoKey", err)
		}
	})
}

func TestManager_Disable(t *testing.T) {
	t.Parallel()

	m := NewManager(t.TempDir())
	key, err := m.Init()
	if err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	if err := m.Disable(true); err != nil {
		t.Fatalf("Disable() error = %v", err)
	}

	if _, err := m.Active(); !errors.Is(err, ErrNoKey) {
		t.Errorf("Active() after Disable = %v, want ErrNoKey", err)
	}
	// The archived key still decrypts old tokens.
	all, err := m.All()
	if err != nil {
		t.Fatalf("All() error = %v", err)
	}
	if len(all) != 1 || all[0].ID() != key.ID() {
		t.Errorf("All() = %d keys, want the archived key %s", len(all), key.ID())
	}
}

func TestManager_MigratePassword(t *testing.T) {
	t.Parallel()

	const salt = "c2FsdHNhbHRzYWx0c2FsdHNhbHRzYWx0c2FsdHNhbHQ=" // base64 of 32 bytes

	t.Run("installs the derived key", func(t *testing.T) {
		t.Parallel()
		m := NewManager(t.TempDir())

		key, migrated, err := m.MigratePassword("hunter2", salt, true)
		if err != nil {
			t.Fatalf("MigratePassword() error = %v", err)
		}
		if !migrated {
			t.Fatal("migrated = false on first migration")
		}
		active, err := m.Active()
		if err != nil {
			t.Fatalf("Active() error = %v", err)
		}
		if active.ID() != key.ID() {
			t.Errorf("Active() id = %s, want %s", active.ID(), key.ID())
		}
	})

	t.Run("is idempotent", func(t *testing.T) {
		t.Parallel()
		m := NewManager(t.TempDir())

		if _, _, err := m.MigratePassword("hunter2", salt, true); err != nil {
			t.Fatalf("MigratePassword() error = %v", err)
		}
		_, migrated, err := m.MigratePassword("hunter2", salt, true)
		if err != nil {
			t.Fatalf("second MigratePassword() error = %v", err)
		}
		if migrated {
			t.Error("migrated = true on repeat migration")
		}
		all, err := m.All()
		if err != nil {
			t.Fatalf("All() error = %v", err)
		}
		if len(all) != 1 {
			t.Errorf("All() returned %d keys, want 1", len(all))
		}
	})

	t.Run("archives a different active key", func(t *testing.T) {
		t.Parallel()
		m := NewManager(t.TempDir())

		existing, err := m.Init()
		if err != nil {
			t.Fatalf("Init() error = %v", err)
		}
		key, migrated, err := m.MigratePassword("hunter2", salt, true)
		if err != nil {
			t.Fatalf("MigratePassword() error = %v", err)
		}
		if !migrated {
			t.Fatal("migrated = false")
		}
		all, err := m.All()
		if err != nil {
			t.Fatalf("All() error = %v", err)
		}
		if len(all) != 2 || all[0].ID() != key.ID() || all[1].ID() != existing.ID() {
			t.Errorf("All() after migration wrong: got %d keys", len(all))
		}
	})
}

func TestManager_ExportImport(t *testing.T) {
	t.Parallel()

	src := NewManager(t.TempDir())
	key, err := src.Init()
	if err != nil {
		t.Fatalf("Init() error = %v", err)
	}

	exportPath := filepath.Join(t.TempDir(), "gitveil.key")
	if err := src.Export(exportPath, "transfer secret"); err != nil {
		t.Fatalf("Export() error = %v", err)
	}

	t.Run("round trip into another clone", func(t *testing.T) {
		t.Parallel()
		dst := NewManager(t.TempDir())
		imported, err := dst.Import(exportPath, "transfer secret", true)
		if err != nil {
			t.Fatalf("Import() error = %v", err)
		}
		if imported.ID() != key.ID() {
			t.Errorf("imported id = %s, want %s", imported.ID(), key.ID())
		}
		active, err := dst.Active()
		if err != nil {
			t.Fatalf("Active() error = %v", err)
		}
		if active.ID() != key.ID() {
			t.Errorf("Active() id = %s, want %s", active.ID(), key.ID())
		}
	})

	t.Run("wrong passphrase fails", func(t *testing.T) {
		t.Parallel()
		dst := NewManager(t.TempDir())
		if _, err := dst.Import(exportPath, "wrong", true); err == nil {
			t.Fatal("Import() with wrong passphrase succeeded")
		}
	})

	t.Run("export file is not the raw key", func(t *testing.T) {
		t.Parallel()
		data, err := os.ReadFile(exportPath)
		if err != nil {
			t.Fatalf("reading export file: %v", err)
		}
		if string(data) == key.Encode() {
			t.Fatal("export file contains the unencrypted key")
		}
	})

	t.Run("export without an active key fails", func(t *testing.T) {
		t.Parallel()
		empty := NewManager(t.TempDir())
		err := empty.Export(filepath.Join(t.TempDir(), "out.key"), "pw")
		if !errors.Is(err, ErrNoKey) {
			t.Errorf("Export() = %v, want ErrNoKey", err)
		}
	})
}
