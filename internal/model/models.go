package model

import (
	"fmt"
	"time"
)

// Hash identifies a commit object by its content hash.
// Redacting a commit always produces a new Hash; a Hash is never reused.
type Hash string

// ZeroHash is the absent commit id. It marks an unbounded range base and
// the parent slot of a root commit.
const ZeroHash Hash = ""

// Short returns the abbreviated form used in user-facing output.
func (h Hash) Short() string {
	if len(h) <= 7 {
		return string(h)
	}
	return string(h[:7])
}

// Actor is a name/email identity as recorded in commit metadata.
type Actor struct {
	Name  string
	Email string
}

func (a Actor) String() string {
	return fmt.Sprintf("%s <%s>", a.Name, a.Email)
}

// Signature couples an actor with an instant. The instant carries its own
// fixed UTC offset (via the time.Time location), which is tracked separately
// from the wall-clock fields: patterns never touch the offset, but a changed
// offset is itself a disclosure the engine warns about.
type Signature struct {
	Actor Actor
	When  time.Time
}

// Offset returns the signature's UTC offset in seconds east of UTC.
func (s Signature) Offset() int {
	_, off := s.When.Zone()
	return off
}

// Commit is a snapshot of commit metadata as read from the object store.
// Content is represented only by the tree id; the engine never rewrites
// trees, it creates new commits pointing at the same tree.
type Commit struct {
	ID        Hash
	Tree      string
	Parents   []Hash
	Author    Signature
	Committer Signature
	Message   string
}

// Clone returns a deep copy safe to mutate during replay.
func (c *Commit) Clone() *Commit {
	cp := *c
	cp.Parents = append([]Hash(nil), c.Parents...)
	return &cp
}

// RedactionRecord is the decoded form of the metadata footer carried by a
// redacted commit. Records are immutable: redacting again produces a new
// commit id and a new record.
type RedactionRecord struct {
	CommitID Hash
	Version  int
	KeyID    string // empty when the footer carries the no-key sentinel
	Token    string // empty when the original timestamps were not preserved
}

// Preserved reports whether the record carries an encrypted original
// timestamp that can be recovered with the right key.
func (r RedactionRecord) Preserved() bool {
	return r.Token != ""
}

// Rewrite is one old→new id pair produced by a replay.
type Rewrite struct {
	Old Hash
	New Hash
}

// Operation is a completed engine-performed rewrite, as recorded in the
// journal once the branch reference has moved.
type Operation struct {
	ID        string
	Kind      string // "redate", "redate-head", "redact-email"
	CreatedAt time.Time
	Rewrites  []Rewrite
}
