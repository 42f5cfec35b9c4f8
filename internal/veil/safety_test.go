package veil_test

import (
	"errors"
	"testing"
	"time"

	"gitveil/internal/gitrepo"
	"gitveil/internal/model"
	"gitveil/internal/redact"
	"gitveil/internal/veil"
)

func newTestSafety(t *testing.T, repo *gitrepo.MemoryRepository, jn veil.Journal) *veil.SafetyChecker {
	t.Helper()
	reducer, err := redact.NewReducer("hms", "")
	if err != nil {
		t.Fatalf("NewReducer() error = %v", err)
	}
	return veil.NewSafetyChecker(repo, jn, reducer)
}

func TestSafetyChecker_CheckRange(t *testing.T) {
	t.Parallel()

	repo := gitrepo.NewMemoryRepository()
	ids := seedChain(t, repo, 3)
	repo.SetRemoteRef("origin/main", ids[0])
	safety := newTestSafety(t, repo, nil)

	t.Run("published commit refused", func(t *testing.T) {
		t.Parallel()
		err := safety.CheckRange(ids, false)
		var pubErr *veil.PublishedHistoryError
		if !errors.As(err, &pubErr) {
			t.Fatalf("got %v, want a PublishedHistoryError", err)
		}
		if len(pubErr.Published) != 1 || pubErr.Published[0] != ids[0] {
			t.Errorf("Published = %v, want [%s]", pubErr.Published, ids[0].Short())
		}
	})

	t.Run("unpublished range passes", func(t *testing.T) {
		t.Parallel()
		if err := safety.CheckRange(ids[1:], false); err != nil {
			t.Fatalf("CheckRange() error = %v", err)
		}
	})

	t.Run("force skips the check", func(t *testing.T) {
		t.Parallel()
		if err := safety.CheckRange(ids, true); err != nil {
			t.Fatalf("CheckRange(force) error = %v", err)
		}
	})
}

func TestSafetyChecker_CheckHead(t *testing.T) {
	t.Parallel()

	repo := gitrepo.NewMemoryRepository()
	safety := newTestSafety(t, repo, nil)

	fresh := &model.Commit{ID: "aaaa", Message: "Subject\n"}
	if err := safety.CheckHead(fresh); err != nil {
		t.Errorf("CheckHead(fresh) error = %v", err)
	}

	redacted := &model.Commit{ID: "bbbb", Message: "Subject\n\nGitVeil: v2 - sealed\n"}
	err := safety.CheckHead(redacted)
	if !errors.Is(err, veil.ErrNothingToDo) {
		t.Errorf("CheckHead(redacted) = %v, want ErrNothingToDo", err)
	}
}

func TestSafetyChecker_IsRedacted(t *testing.T) {
	t.Parallel()

	repo := gitrepo.NewMemoryRepository()
	safety := newTestSafety(t, repo, nil)
	zone := time.FixedZone("+0200", 2*3600)

	commit := func(when time.Time, msg string) *model.Commit {
		return &model.Commit{
			Author:    model.Signature{When: when},
			Committer: model.Signature{When: when},
			Message:   msg,
		}
	}

	reduced := time.Date(2024, time.March, 14, 0, 0, 0, 0, zone)
	raw := time.Date(2024, time.March, 14, 17, 42, 5, 0, zone)

	if !safety.IsRedacted(commit(raw, "Subject\n\nGitVeil: v2 - -\n")) {
		t.Error("commit with footer not treated as redacted")
	}
	if !safety.IsRedacted(commit(reduced, "Subject\n")) {
		t.Error("fixed-point dates not treated as redacted")
	}
	if safety.IsRedacted(commit(raw, "Subject\n")) {
		t.Error("raw commit treated as redacted")
	}
}

func TestSafetyChecker_Pending(t *testing.T) {
	t.Run("reports unredacted unjournaled commits", func(t *testing.T) {
		t.Parallel()
		repo := gitrepo.NewMemoryRepository()
		ids := seedChain(t, repo, 3)
		jn := &memJournal{}
		safety := newTestSafety(t, repo, jn)

		pending, err := safety.Pending()
		if err != nil {
			t.Fatalf("Pending() error = %v", err)
		}
		if len(pending) != 3 {
			t.Fatalf("got %d pending commits, want 3", len(pending))
		}
		if pending[0] != ids[0] {
			t.Errorf("pending[0] = %s, want %s", pending[0].Short(), ids[0].Short())
		}
	})

	t.Run("journal-known commits are not pending", func(t *testing.T) {
		t.Parallel()
		repo := gitrepo.NewMemoryRepository()
		ids := seedChain(t, repo, 2)
		jn := &memJournal{}
		jn.Record(model.Operation{ID: "op-1", Kind: "redate", Rewrites: []model.Rewrite{
			{Old: "gone", New: ids[0]},
		}})
		safety := newTestSafety(t, repo, jn)

		pending, err := safety.Pending()
		if err != nil {
			t.Fatalf("Pending() error = %v", err)
		}
		if len(pending) != 1 || pending[0] != ids[1] {
			t.Errorf("pending = %v, want [%s]", pending, ids[1].Short())
		}
	})

	t.Run("clean after a full redate", func(t *testing.T) {
		t.Parallel()
		repo := gitrepo.NewMemoryRepository()
		seedChain(t, repo, 2)
		jn := &memJournal{}
		rw, enc := newTestRewriter(t, repo, jn, false)
		if _, err := rw.Redate(enc, model.ZeroHash, false); err != nil {
			t.Fatalf("Redate() error = %v", err)
		}
		safety := newTestSafety(t, repo, jn)

		pending, err := safety.Pending()
		if err != nil {
			t.Fatalf("Pending() error = %v", err)
		}
		if len(pending) != 0 {
			t.Errorf("pending = %v, want none", pending)
		}
	})
}
