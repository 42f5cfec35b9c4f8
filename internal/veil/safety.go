package veil

import (
	"fmt"

	"gitveil/internal/model"
)

// SafetyChecker decides whether a rewrite may proceed. It detects published
// commits, already-redacted heads, and history rewritten by external tools
// behind the engine's back.
type SafetyChecker struct {
	repo     Repository
	journal  Journal // may be nil
	redacter DateRedacter
}

// NewSafetyChecker creates a SafetyChecker.
func NewSafetyChecker(repo Repository, journal Journal, redacter DateRedacter) *SafetyChecker {
	return &SafetyChecker{repo: repo, journal: journal, redacter: redacter}
}

// CheckRange refuses the rewrite with a *PublishedHistoryError when any
// commit in the range is reachable from a remote-tracking reference, unless
// force is set. The reachability set is computed fresh on every call.
func (s *SafetyChecker) CheckRange(ids []model.Hash, force bool) error {
	if force {
		return nil
	}
	remote, err := s.repo.RemoteReachable()
	if err != nil {
		return fmt.Errorf("computing remote reachability: %w", err)
	}
	var published []model.Hash
	for _, id := range ids {
		if remote[id] {
			published = append(published, id)
		}
	}
	if len(published) > 0 {
		return &PublishedHistoryError{Published: published}
	}
	return nil
}

// CheckHead verifies the head commit has not already been redacted, to
// avoid a double reduction computing a wrong value from an already-reduced
// one. Returns ErrNothingToDo when a redaction record is present.
func (s *SafetyChecker) CheckHead(head *model.Commit) error {
	if _, ok := ParseRecord(head.Message); ok {
		return fmt.Errorf("head %s already redacted: %w", head.ID.Short(), ErrNothingToDo)
	}
	return nil
}

// IsRedacted reports whether a commit's timestamps already conform to the
// redaction pattern. Commits carrying a footer are redacted by definition;
// without one, both dates must be fixed points of the reducer.
func (s *SafetyChecker) IsRedacted(c *model.Commit) bool {
	if _, ok := ParseRecord(c.Message); ok {
		return true
	}
	return s.redacter.Redact(c.Author.When).Equal(c.Author.When) &&
		s.redacter.Redact(c.Committer.When).Equal(c.Committer.When)
}

// Pending reports commits in the current head ancestry that the engine has
// neither created nor superseded and that are not redacted. Such commits
// appear after external rewrites (rebase, amend) or commits made without
// the hook; they are surfaced for an explicit bulk redate, never redacted
// automatically.
func (s *SafetyChecker) Pending() ([]model.Hash, error) {
	head, err := s.repo.Head()
	if err != nil {
		return nil, fmt.Errorf("resolving head: %w", err)
	}
	known := map[model.Hash]bool{}
	if s.journal != nil {
		known, err = s.journal.KnownIDs()
		if err != nil {
			return nil, fmt.Errorf("reading journal: %w", err)
		}
	}
	ids, err := s.repo.ListRange(model.ZeroHash, head)
	if err != nil {
		return nil, fmt.Errorf("walking head ancestry: %w", err)
	}
	var pending []model.Hash
	for _, id := range ids {
		if known[id] {
			continue
		}
		c, err := s.repo.Lookup(id)
		if err != nil {
			return nil, fmt.Errorf("reading commit %s: %w", id.Short(), err)
		}
		if !s.IsRedacted(c) {
			pending = append(pending, id)
		}
	}
	return pending, nil
}
