// Package config reads and writes the engine configuration file. The file
// lives inside the git dir so it travels with the checkout but never with
// the published history.
package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"

	"gitveil/internal/veil"
)

// ModeReduce is the only implemented redaction mode.
const ModeReduce = "reduce"

// Config is the per-invocation configuration. It is read once and threaded
// explicitly through every component; nothing reads ambient state.
type Config struct {
	Mode    string `toml:"mode"`
	Pattern string `toml:"pattern"` // unit letters, e.g. "hms"
	Limit   string `toml:"limit"`   // inclusive hour range "9-17", empty for none

	// IgnoreTimezone disables the pre-commit offset-drift warning.
	IgnoreTimezone bool `toml:"ignore_timezone"`
	// Replacements makes rewrites emit replacement aliases from old to new
	// commit ids.
	Replacements bool `toml:"replacements"`

	Encryption EncryptionConfig `toml:"encryption"`
	Journal    JournalConfig    `toml:"journal"`
}

// EncryptionConfig controls preservation of original timestamps.
type EncryptionConfig struct {
	// Enabled controls whether originals are encrypted into the footer.
	// Without an active key, redaction still runs but originals are lost.
	Enabled bool `toml:"enabled"`

	// Password and Salt are the legacy password-derived scheme. They are
	// only read for decrypting old tokens and for `keys --migrate-pwd`;
	// new tokens always use the managed key.
	Password string `toml:"password,omitempty"`
	Salt     string `toml:"salt,omitempty"`
}

// JournalConfig controls the rewrite journal.
type JournalConfig struct {
	Enabled bool `toml:"enabled"`
}

// Default returns the configuration written by `gitveil init`.
func Default() *Config {
	return &Config{
		Mode:       ModeReduce,
		Pattern:    "s",
		Encryption: EncryptionConfig{Enabled: true},
		Journal:    JournalConfig{Enabled: true},
	}
}

// Validate checks the mode; pattern and limit syntax is validated by the
// reducer that consumes them.
func (c *Config) Validate() error {
	if c.Mode != ModeReduce {
		return veil.Configf("unsupported mode %q, only %q is implemented", c.Mode, ModeReduce)
	}
	return nil
}

// Path returns the config file location for a state directory.
func Path(stateDir string) string {
	return filepath.Join(stateDir, "config.toml")
}

// Read decodes a Config from the provided reader.
func Read(r io.Reader) (*Config, error) {
	var cfg Config
	if _, err := toml.NewDecoder(r).Decode(&cfg); err != nil {
		return nil, veil.Configf("decoding config: %v", err)
	}
	return &cfg, nil
}

// Write encodes a Config to the provided writer.
func Write(w io.Writer, cfg *Config) error {
	if err := toml.NewEncoder(w).Encode(cfg); err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}
	return nil
}

// ReadFromFile reads a Config from the given path.
func ReadFromFile(path string) (*Config, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, veil.Configf("not configured, run 'gitveil init' first")
	}
	if err != nil {
		return nil, fmt.Errorf("opening config file: %w", err)
	}
	defer f.Close()

	cfg, err := Read(f)
	if err != nil {
		return nil, fmt.Errorf("reading config from %s: %w", path, err)
	}
	return cfg, nil
}

// WriteToFile writes a Config to the given path, creating the directory.
func WriteToFile(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating config file: %w", err)
	}
	defer f.Close()

	if err := Write(f, cfg); err != nil {
		return fmt.Errorf("writing config to %s: %w", path, err)
	}
	return nil
}

// Init writes the default config at path, refusing to overwrite.
func Init(path string) (*Config, error) {
	if _, err := os.Stat(path); err == nil {
		return nil, fmt.Errorf("config file already exists at %s", path)
	}
	cfg := Default()
	if err := WriteToFile(path, cfg); err != nil {
		return nil, fmt.Errorf("initializing config: %w", err)
	}
	return cfg, nil
}
