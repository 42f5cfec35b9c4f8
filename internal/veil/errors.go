package veil

import (
	"errors"
	"fmt"
	"strings"

	"gitveil/internal/model"
)

// ErrNothingToDo signals a successful invocation that had no work to
// perform, e.g. redating a head that is already redacted. The CLI maps it
// to its own exit status so hooks can tell it apart from failures.
var ErrNothingToDo = errors.New("nothing to do")

// ErrRefused marks safety refusals. PublishedHistoryError matches it via
// errors.Is, as does the pre-push check; the CLI maps refusals to a
// distinct exit status so the user sees a non-destructive message rather
// than a hard failure.
var ErrRefused = errors.New("refused for safety")

// ConfigError reports invalid user configuration (bad pattern, bad limit,
// unknown mode). The operation aborts before touching history.
type ConfigError struct {
	Msg string
}

func (e *ConfigError) Error() string { return e.Msg }

// Configf builds a ConfigError from a format string.
func Configf(format string, args ...any) *ConfigError {
	return &ConfigError{Msg: fmt.Sprintf(format, args...)}
}

// DecryptionError reports a wrong or missing key, or a corrupted or
// truncated token. It is surfaced per commit when listing history and is
// only fatal to operations that require the plaintext.
type DecryptionError struct {
	Reason string
}

func (e *DecryptionError) Error() string {
	return "decryption failed: " + e.Reason
}

// PublishedHistoryError is the safety refusal returned when a rewrite range
// contains commits reachable from a remote-tracking reference. It is
// recoverable by passing an explicit force flag.
type PublishedHistoryError struct {
	Published []model.Hash
}

func (e *PublishedHistoryError) Error() string {
	short := make([]string, len(e.Published))
	for i, id := range e.Published {
		short[i] = id.Short()
	}
	return fmt.Sprintf("refusing to rewrite published commits: %s", strings.Join(short, ", "))
}

func (e *PublishedHistoryError) Is(target error) bool { return target == ErrRefused }

// RewriteConsistencyError reports an internal invariant violation during
// replay, e.g. a parent inside the rewritten range missing from the rewrite
// map. It is fatal and aborts without moving any reference.
type RewriteConsistencyError struct {
	Msg string
}

func (e *RewriteConsistencyError) Error() string {
	return "rewrite consistency: " + e.Msg
}
