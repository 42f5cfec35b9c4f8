package veil

import (
	"fmt"

	"gitveil/internal/model"
)

// Rewriter replays a commit range into new commits with rewritten metadata
// and moves the branch reference. Each invocation runs the same state
// machine: Validate → Plan → Replay → Finalize. Any failure during Replay
// aborts the whole operation without moving the reference; intermediate
// commits created so far become unreachable garbage.
type Rewriter struct {
	repo         Repository
	safety       *SafetyChecker
	journal      Journal // may be nil
	logger       Logger
	clock        Clock
	idgen        IDGenerator
	replacements bool
}

// NewRewriter creates a Rewriter. journal may be nil to disable rewrite
// journaling; replacements controls whether Finalize emits replacement
// aliases for superseded ids.
func NewRewriter(repo Repository, safety *SafetyChecker, journal Journal, logger Logger, clock Clock, idgen IDGenerator, replacements bool) *Rewriter {
	return &Rewriter{
		repo:         repo,
		safety:       safety,
		journal:      journal,
		logger:       logger,
		clock:        clock,
		idgen:        idgen,
		replacements: replacements,
	}
}

// commitFilter rewrites one commit's metadata in place. Parent resolution
// happens after the filter runs, so filters never see rewritten ids.
type commitFilter func(c *model.Commit) error

// Redate redacts the timestamps of every commit reachable from head but not
// from base. A ZeroHash base redates the whole ancestry. Returns the number
// of commits rewritten.
func (r *Rewriter) Redate(enc *Encoder, base model.Hash, force bool) (int, error) {
	return r.run("redate", base, false, force, redateFilter(enc))
}

// RedateHead redacts only the head commit. It refuses already-redacted
// heads with ErrNothingToDo so a hook-triggered amend cannot reduce an
// already-reduced value a second time.
func (r *Rewriter) RedateHead(enc *Encoder, force bool) (int, error) {
	return r.run("redate-head", model.ZeroHash, true, force, redateFilter(enc))
}

func redateFilter(enc *Encoder) commitFilter {
	return func(c *model.Commit) error {
		author, committer, msg, err := enc.Encode(c)
		if err != nil {
			return err
		}
		c.Author.When = author
		c.Committer.When = committer
		c.Message = msg
		return nil
	}
}

// run executes the rewrite state machine.
func (r *Rewriter) run(kind string, base model.Hash, onlyHead, force bool, filter commitFilter) (int, error) {
	lock, err := r.repo.Lock()
	if err != nil {
		return 0, fmt.Errorf("acquiring rewrite lock: %w", err)
	}
	defer lock.Release()

	// Validate
	branch, err := r.repo.CurrentBranch()
	if err != nil {
		return 0, fmt.Errorf("resolving current branch: %w", err)
	}
	head, err := r.repo.Head()
	if err != nil {
		return 0, fmt.Errorf("resolving head: %w", err)
	}
	var ids []model.Hash
	if onlyHead {
		headCommit, err := r.repo.Lookup(head)
		if err != nil {
			return 0, fmt.Errorf("reading head commit: %w", err)
		}
		if err := r.safety.CheckHead(headCommit); err != nil {
			return 0, err
		}
		ids = []model.Hash{head}
	} else {
		// Plan: topological order from the oldest affected ancestor to the
		// tip, fixed before replay starts.
		ids, err = r.repo.ListRange(base, head)
		if err != nil {
			return 0, fmt.Errorf("listing commit range: %w", err)
		}
	}
	if len(ids) == 0 {
		return 0, ErrNothingToDo
	}
	if err := r.safety.CheckRange(ids, force); err != nil {
		return 0, err
	}
	r.logger.Debug("replay planned", "kind", kind, "commits", len(ids), "branch", branch)

	// Replay
	inRange := make(map[model.Hash]bool, len(ids))
	for _, id := range ids {
		inRange[id] = true
	}
	rewriteMap := make(map[model.Hash]model.Hash, len(ids))
	var rewrites []model.Rewrite
	for _, id := range ids {
		orig, err := r.repo.Lookup(id)
		if err != nil {
			return 0, fmt.Errorf("reading commit %s: %w", id.Short(), err)
		}
		c := orig.Clone()
		if err := filter(c); err != nil {
			return 0, fmt.Errorf("rewriting commit %s: %w", id.Short(), err)
		}
		// Every parent inside the range must already have been replayed;
		// parents outside the range keep their original ids.
		for i, p := range c.Parents {
			if !inRange[p] {
				continue
			}
			np, ok := rewriteMap[p]
			if !ok {
				return 0, &RewriteConsistencyError{
					Msg: fmt.Sprintf("parent %s of %s not in rewrite map", p.Short(), id.Short()),
				}
			}
			c.Parents[i] = np
		}
		if commitUnchanged(orig, c) {
			rewriteMap[id] = id
			continue
		}
		newID, err := r.repo.CreateCommit(c)
		if err != nil {
			return 0, fmt.Errorf("creating rewritten commit for %s: %w", id.Short(), err)
		}
		rewriteMap[id] = newID
		rewrites = append(rewrites, model.Rewrite{Old: id, New: newID})
	}

	// Finalize
	newTip, ok := rewriteMap[head]
	if !ok {
		return 0, &RewriteConsistencyError{Msg: fmt.Sprintf("tip %s not in rewrite map", head.Short())}
	}
	if newTip == head {
		return 0, ErrNothingToDo
	}
	if err := r.repo.UpdateRef(branch, newTip, head); err != nil {
		return 0, fmt.Errorf("moving %s to %s: %w", branch, newTip.Short(), err)
	}
	if r.replacements {
		for _, rw := range rewrites {
			if err := r.repo.CreateReplacement(rw.Old, rw.New); err != nil {
				r.logger.Warn("creating replacement alias failed", "old", rw.Old.Short(), "new", rw.New.Short(), "error", err)
			}
		}
	}
	if r.journal != nil {
		op := model.Operation{
			ID:        r.idgen.New(),
			Kind:      kind,
			CreatedAt: r.clock.Now(),
			Rewrites:  rewrites,
		}
		if err := r.journal.Record(op); err != nil {
			// The rewrite itself succeeded; a journal failure only degrades
			// later pending detection.
			r.logger.Warn("journaling rewrite failed", "operation", op.ID, "error", err)
		}
	}
	r.logger.Info("history rewritten", "kind", kind, "rewritten", len(rewrites), "branch", branch, "tip", newTip.Short())
	return len(rewrites), nil
}

// commitUnchanged reports whether the filter and parent resolution left the
// commit identical to the original, offsets included.
func commitUnchanged(a, b *model.Commit) bool {
	if a.Tree != b.Tree || a.Message != b.Message || len(a.Parents) != len(b.Parents) {
		return false
	}
	for i := range a.Parents {
		if a.Parents[i] != b.Parents[i] {
			return false
		}
	}
	return signatureEqual(a.Author, b.Author) && signatureEqual(a.Committer, b.Committer)
}

func signatureEqual(a, b model.Signature) bool {
	return a.Actor == b.Actor && a.When.Equal(b.When) && a.Offset() == b.Offset()
}
