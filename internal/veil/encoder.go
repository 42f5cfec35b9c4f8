package veil

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"gitveil/internal/model"
)

// The metadata footer is a single machine-parseable line appended to the
// commit message:
//
//	GitVeil: v2 <key-id|-> <token|->
//
// Everything else in the message, including foreign footers such as
// sign-offs, is opaque body text preserved verbatim on rewrite.
const (
	FooterPrefix = "GitVeil:"
	// legacyPrefix is the footer written by the original password-based
	// scheme: a bare token with no version and no key id.
	legacyPrefix = "GitPrivacy:"

	// FooterVersion is the format version of newly written footers.
	FooterVersion = 2

	// sentinel marks an absent key id or an unpreserved timestamp.
	sentinel = "-"
)

// ParseRecord locates the engine's footer in a commit message. It returns
// false when the message carries no footer; all other lines are ignored.
func ParseRecord(msg string) (model.RedactionRecord, bool) {
	for _, line := range strings.Split(msg, "\n") {
		if rest, found := strings.CutPrefix(line, FooterPrefix+" "); found {
			if rec, ok := parseCurrent(rest); ok {
				return rec, true
			}
			continue
		}
		if rest, found := strings.CutPrefix(line, legacyPrefix+" "); found {
			token := strings.Fields(rest)
			if len(token) == 1 {
				return model.RedactionRecord{Version: 1, Token: token[0]}, true
			}
		}
	}
	return model.RedactionRecord{}, false
}

func parseCurrent(rest string) (model.RedactionRecord, bool) {
	fields := strings.Fields(rest)
	if len(fields) != 3 || !strings.HasPrefix(fields[0], "v") {
		return model.RedactionRecord{}, false
	}
	version, err := strconv.Atoi(fields[0][1:])
	if err != nil || version < 2 {
		return model.RedactionRecord{}, false
	}
	rec := model.RedactionRecord{Version: version}
	if fields[1] != sentinel {
		rec.KeyID = fields[1]
	}
	if fields[2] != sentinel {
		rec.Token = fields[2]
	}
	return rec, true
}

// FormatFooter renders the footer line for the given key id and token.
// Empty values are written as the sentinel.
func FormatFooter(keyID, token string) string {
	if keyID == "" {
		keyID = sentinel
	}
	if token == "" {
		token = sentinel
	}
	return fmt.Sprintf("%s v%d %s %s", FooterPrefix, FooterVersion, keyID, token)
}

// appendFooter adds the footer as a new paragraph, leaving the existing
// message byte-for-byte intact above it.
func appendFooter(msg, footer string) string {
	msg = strings.TrimRight(msg, "\n")
	return msg + "\n\n" + footer + "\n"
}

// EncodeDates serializes an author/committer date pair to the canonical
// plaintext form fed to the cipher: unix seconds and UTC offset, matching
// git's internal date representation.
func EncodeDates(author, committer time.Time) string {
	return formatDate(author) + ";" + formatDate(committer)
}

// DecodeDates parses the canonical plaintext form back into the exact
// original instants, offsets included.
func DecodeDates(plain string) (author, committer time.Time, err error) {
	parts := strings.Split(plain, ";")
	if len(parts) != 2 {
		return time.Time{}, time.Time{}, fmt.Errorf("malformed date plaintext: %q", plain)
	}
	if author, err = parseDate(parts[0]); err != nil {
		return time.Time{}, time.Time{}, err
	}
	if committer, err = parseDate(parts[1]); err != nil {
		return time.Time{}, time.Time{}, err
	}
	return author, committer, nil
}

func formatDate(t time.Time) string {
	return fmt.Sprintf("%d %s", t.Unix(), formatOffset(t))
}

func parseDate(s string) (time.Time, error) {
	fields := strings.Fields(s)
	if len(fields) != 2 {
		return time.Time{}, fmt.Errorf("malformed date %q", s)
	}
	secs, err := strconv.ParseInt(fields[0], 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("malformed seconds in %q: %w", s, err)
	}
	off, err := ParseOffset(fields[1])
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(secs, 0).In(time.FixedZone(fields[1], off)), nil
}

func formatOffset(t time.Time) string {
	_, off := t.Zone()
	sign := "+"
	if off < 0 {
		sign = "-"
		off = -off
	}
	return fmt.Sprintf("%s%02d%02d", sign, off/3600, (off%3600)/60)
}

// ParseOffset converts a ±hhmm zone string to seconds east of UTC.
func ParseOffset(s string) (int, error) {
	if len(s) != 5 || (s[0] != '+' && s[0] != '-') {
		return 0, fmt.Errorf("malformed UTC offset %q", s)
	}
	hours, err := strconv.Atoi(s[1:3])
	if err != nil {
		return 0, fmt.Errorf("malformed UTC offset %q", s)
	}
	mins, err := strconv.Atoi(s[3:5])
	if err != nil {
		return 0, fmt.Errorf("malformed UTC offset %q", s)
	}
	off := hours*3600 + mins*60
	if s[0] == '-' {
		off = -off
	}
	return off, nil
}

// Encoder turns a commit into its redacted form: reduced author/committer
// dates plus a message carrying the encrypted originals. A nil cipher means
// the originals are not preserved; the footer then records only that the
// commit was redacted.
type Encoder struct {
	Redacter DateRedacter
	Cipher   TokenCipher
}

// Encode computes the redacted dates and the rewritten message for a
// commit. A commit that already carries a footer keeps it: the footer
// holds the true originals and must survive later rewrites.
func (e *Encoder) Encode(c *model.Commit) (author, committer time.Time, msg string, err error) {
	author = e.Redacter.Redact(c.Author.When)
	committer = e.Redacter.Redact(c.Committer.When)
	if _, ok := ParseRecord(c.Message); ok {
		return author, committer, c.Message, nil
	}
	var keyID, token string
	if e.Cipher != nil {
		token, err = e.Cipher.Encrypt(EncodeDates(c.Author.When, c.Committer.When))
		if err != nil {
			return time.Time{}, time.Time{}, "", fmt.Errorf("encrypting original dates: %w", err)
		}
		keyID = e.Cipher.KeyID()
	}
	return author, committer, appendFooter(c.Message, FormatFooter(keyID, token)), nil
}

// Decode recovers the original author/committer dates from a commit's
// footer. ok is false when the commit carries no footer or no preserved
// timestamps; a *DecryptionError means a footer exists but the token could
// not be opened with the available keys.
func (e *Encoder) Decode(c *model.Commit, dec TokenDecrypter) (author, committer time.Time, ok bool, err error) {
	rec, found := ParseRecord(c.Message)
	if !found || !rec.Preserved() {
		return time.Time{}, time.Time{}, false, nil
	}
	if dec == nil {
		return time.Time{}, time.Time{}, false, &DecryptionError{Reason: "no key available"}
	}
	plain, err := dec.Decrypt(rec.KeyID, rec.Token)
	if err != nil {
		return time.Time{}, time.Time{}, false, err
	}
	author, committer, err = DecodeDates(plain)
	if err != nil {
		return time.Time{}, time.Time{}, false, &DecryptionError{Reason: err.Error()}
	}
	return author, committer, true, nil
}
