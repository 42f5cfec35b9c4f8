package veil

import (
	"fmt"
	"time"

	"gitveil/internal/model"
)

// Service is the orchestration layer between the CLI and the engine
// components. One Service is constructed per invocation with its
// configuration resolved up front; nothing reads ambient state.
type Service struct {
	repo      Repository
	encoder   *Encoder
	decrypter TokenDecrypter // may be nil when no keys exist
	safety    *SafetyChecker
	rewriter  *Rewriter
	logger    Logger
}

// NewService creates a Service from fully constructed components.
func NewService(repo Repository, encoder *Encoder, decrypter TokenDecrypter, safety *SafetyChecker, rewriter *Rewriter, logger Logger) *Service {
	return &Service{
		repo:      repo,
		encoder:   encoder,
		decrypter: decrypter,
		safety:    safety,
		rewriter:  rewriter,
		logger:    logger,
	}
}

// RedactHead redacts the head commit only. This is the post-commit hook
// entry point: it runs synchronously and must succeed or fail before the
// triggering commit is reported done.
func (s *Service) RedactHead(force bool) error {
	_, err := s.rewriter.RedateHead(s.encoder, force)
	return err
}

// Redate redacts all commits reachable from head but not from base. A
// ZeroHash base redates the entire ancestry. Returns the number of commits
// rewritten.
func (s *Service) Redate(base model.Hash, force bool) (int, error) {
	return s.rewriter.Redate(s.encoder, base, force)
}

// RedactEmails rewrites matching author/committer addresses across the full
// reachable history.
func (s *Service) RedactEmails(repl map[string]EmailReplacement, force bool) (int, error) {
	return s.rewriter.RedactEmails(repl, force)
}

// Pending lists commits that need an explicit bulk redate.
func (s *Service) Pending() ([]model.Hash, error) {
	return s.safety.Pending()
}

// LogEntry is one commit in the decoded history listing.
type LogEntry struct {
	Commit        *model.Commit
	RealAuthor    time.Time
	RealCommitter time.Time
	HasReal       bool
	// DecryptErr is set when the commit carries a token that could not be
	// opened. It never fails the listing as a whole.
	DecryptErr error
}

// History returns the head ancestry newest first, with original timestamps
// decoded where a key allows it.
func (s *Service) History() ([]LogEntry, error) {
	head, err := s.repo.Head()
	if err != nil {
		return nil, fmt.Errorf("resolving head: %w", err)
	}
	ids, err := s.repo.ListRange(model.ZeroHash, head)
	if err != nil {
		return nil, fmt.Errorf("walking head ancestry: %w", err)
	}
	entries := make([]LogEntry, 0, len(ids))
	// ids are parent-first; the log shows newest first.
	for i := len(ids) - 1; i >= 0; i-- {
		commit, err := s.repo.Lookup(ids[i])
		if err != nil {
			return nil, fmt.Errorf("reading commit %s: %w", ids[i].Short(), err)
		}
		entry := LogEntry{Commit: commit}
		author, committer, ok, err := s.encoder.Decode(commit, s.decrypter)
		if err != nil {
			entry.DecryptErr = err
		} else if ok {
			entry.RealAuthor = author
			entry.RealCommitter = committer
			entry.HasReal = true
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// ListEmails tallies author and committer identities. With all set, every
// local reference is considered instead of just the head ancestry.
func (s *Service) ListEmails(all, emailOnly bool) ([]IdentityCount, error) {
	var ids []model.Hash
	var err error
	if all {
		ids, err = s.repo.ListAll()
	} else {
		var head model.Hash
		head, err = s.repo.Head()
		if err == nil {
			ids, err = s.repo.ListRange(model.ZeroHash, head)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("enumerating commits: %w", err)
	}
	return countIdentities(s.repo, ids, emailOnly)
}

// TimezoneChange reports a UTC offset drift between the last commit and the
// current environment. Offsets are seconds east of UTC.
type TimezoneChange struct {
	LastOffset    int
	CurrentOffset int
}

// CheckTimezone compares the head commit's author offset with now's offset.
// A nil result means no drift. This is the pre-commit hook entry point.
func (s *Service) CheckTimezone(now time.Time) (*TimezoneChange, error) {
	head, err := s.repo.Head()
	if err != nil {
		return nil, fmt.Errorf("resolving head: %w", err)
	}
	commit, err := s.repo.Lookup(head)
	if err != nil {
		return nil, fmt.Errorf("reading head commit: %w", err)
	}
	_, current := now.Zone()
	last := commit.Author.Offset()
	if last == current {
		return nil, nil
	}
	return &TimezoneChange{LastOffset: last, CurrentOffset: current}, nil
}

// PushReport is the outcome of the pre-push check for a single ref update.
type PushReport struct {
	// Unredacted lists commits about to be pushed whose timestamps do not
	// conform to the redaction pattern.
	Unredacted []model.Hash
	// RemoteBranches lists remote branches that already contain commits of
	// the pushed range and would diverge after a redate.
	RemoteBranches []string
	// Diverging is set when the remote side is not an ancestor of the local
	// side; the check is skipped in that case because the push will be
	// rejected or force-resolved by the transport anyway.
	Diverging bool
}

// CheckPush inspects the commits a push would publish. remoteID is ZeroHash
// when the remote ref does not exist yet.
func (s *Service) CheckPush(localID, remoteID model.Hash) (*PushReport, error) {
	base := model.ZeroHash
	if remoteID != model.ZeroHash {
		if _, err := s.repo.Lookup(remoteID); err != nil {
			// Remote tip unknown locally: histories have diverged.
			return &PushReport{Diverging: true}, nil
		}
		linear, err := s.repo.IsAncestor(remoteID, localID)
		if err != nil {
			return nil, fmt.Errorf("checking ancestry: %w", err)
		}
		if !linear {
			return &PushReport{Diverging: true}, nil
		}
		base = remoteID
	}
	ids, err := s.repo.ListRange(base, localID)
	if err != nil {
		return nil, fmt.Errorf("listing push range: %w", err)
	}
	report := &PushReport{}
	for _, id := range ids {
		commit, err := s.repo.Lookup(id)
		if err != nil {
			return nil, fmt.Errorf("reading commit %s: %w", id.Short(), err)
		}
		if !s.safety.IsRedacted(commit) {
			report.Unredacted = append(report.Unredacted, id)
		}
	}
	if len(report.Unredacted) == 0 {
		return report, nil
	}
	remote, err := s.repo.RemoteReachable()
	if err != nil {
		return nil, fmt.Errorf("computing remote reachability: %w", err)
	}
	seen := map[string]bool{}
	for _, id := range ids {
		if !remote[id] {
			continue
		}
		branches, err := s.repo.RemoteBranchesContaining(id)
		if err != nil {
			return nil, fmt.Errorf("listing remote branches for %s: %w", id.Short(), err)
		}
		for _, b := range branches {
			if !seen[b] {
				seen[b] = true
				report.RemoteBranches = append(report.RemoteBranches, b)
			}
		}
	}
	return report, nil
}
