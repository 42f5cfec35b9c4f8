// Package app is the wiring layer between the CLI and the engine. It
// constructs all components from the repository's configuration, once per
// invocation.
package app

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gitveil/internal/cipher"
	"gitveil/internal/config"
	"gitveil/internal/gitrepo"
	"gitveil/internal/journal"
	"gitveil/internal/keys"
	"gitveil/internal/redact"
	"gitveil/internal/veil"
)

// App holds the fully wired engine for one CLI invocation.
// The caller must call Close when done.
type App struct {
	Config  *config.Config
	Repo    *gitrepo.GitRepository
	Keys    *keys.Manager
	Service *veil.Service
	Logger  veil.Logger

	journal *journal.SQLiteJournal
	logFile *os.File
}

// New discovers the repository at dir, reads its configuration, and wires
// the engine. operation identifies the CLI command being run (e.g.
// "Redate", "RedactEmail") for log correlation.
func New(dir, operation string) (*App, error) {
	repo, err := gitrepo.Discover(dir)
	if err != nil {
		return nil, err
	}

	cfg, err := config.ReadFromFile(config.Path(repo.StateDir()))
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	reducer, err := redact.NewReducer(cfg.Pattern, cfg.Limit)
	if err != nil {
		return nil, err
	}

	km := keys.NewManager(repo.StateDir())
	tokenCipher, decrypter, err := buildCrypto(cfg, km)
	if err != nil {
		return nil, err
	}

	var jn veil.Journal
	var jdb *journal.SQLiteJournal
	if cfg.Journal.Enabled {
		jdb, err = journal.Open(filepath.Join(repo.StateDir(), "journal.db"))
		if err != nil {
			return nil, err
		}
		jn = jdb
	}

	opID := veil.UUIDGenerator{}.New()
	slogger, logFile, err := newLogger(filepath.Join(repo.StateDir(), "log"), opID)
	if err != nil {
		if jdb != nil {
			jdb.Close()
		}
		return nil, err
	}
	logger := &slogAdapter{l: slogger.With("operation", operation)}

	safety := veil.NewSafetyChecker(repo, jn, reducer)
	rewriter := veil.NewRewriter(repo, safety, jn, logger, veil.RealClock{}, veil.UUIDGenerator{}, cfg.Replacements)
	encoder := &veil.Encoder{Redacter: reducer, Cipher: tokenCipher}
	svc := veil.NewService(repo, encoder, decrypter, safety, rewriter, logger)

	return &App{
		Config:  cfg,
		Repo:    repo,
		Keys:    km,
		Service: svc,
		Logger:  logger,
		journal: jdb,
		logFile: logFile,
	}, nil
}

// buildCrypto assembles the token cipher from the key store and the legacy
// password config. Encryption uses the active managed key only; decryption
// tries every known key, including one derived from a legacy password+salt
// pair still present in the config.
func buildCrypto(cfg *config.Config, km *keys.Manager) (veil.TokenCipher, veil.TokenDecrypter, error) {
	all, err := km.All()
	if err != nil {
		return nil, nil, err
	}

	var tokenCipher veil.TokenCipher
	if cfg.Encryption.Enabled && len(all) > 0 {
		active, err := km.Active()
		if err == nil {
			tokenCipher = cipher.NewSecretBox(active)
		} else if !errors.Is(err, keys.ErrNoKey) {
			return nil, nil, err
		}
	}

	if cfg.Encryption.Password != "" && cfg.Encryption.Salt != "" {
		legacy, err := cipher.DeriveKey(cfg.Encryption.Password, cfg.Encryption.Salt)
		if err != nil {
			return nil, nil, fmt.Errorf("deriving legacy key: %w", err)
		}
		all = append(all, legacy)
	}

	return tokenCipher, cipher.NewMultiDecryptor(all), nil
}

// Close releases the journal and log file.
func (a *App) Close() error {
	var firstErr error
	if a.journal != nil {
		if err := a.journal.Close(); err != nil {
			firstErr = err
		}
	}
	if a.logFile != nil {
		if err := a.logFile.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Exit statuses distinguish outcomes for hooks and scripts.
const (
	ExitSuccess     = 0
	ExitHardFailure = 1
	ExitRefused     = 2
	ExitNothingToDo = 3
)

// ExitCode maps an error to the CLI exit status.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return ExitSuccess
	case errors.Is(err, veil.ErrNothingToDo):
		return ExitNothingToDo
	case errors.Is(err, veil.ErrRefused):
		return ExitRefused
	default:
		return ExitHardFailure
	}
}
