package veil_test

import (
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"gitveil/internal/cipher"
	"gitveil/internal/gitrepo"
	"gitveil/internal/model"
	"gitveil/internal/redact"
	"gitveil/internal/veil"
)

// memJournal is an in-memory veil.Journal for tests.
type memJournal struct {
	ops []model.Operation
}

func (j *memJournal) Record(op model.Operation) error {
	j.ops = append(j.ops, op)
	return nil
}

func (j *memJournal) KnownIDs() (map[model.Hash]bool, error) {
	known := map[model.Hash]bool{}
	for _, op := range j.ops {
		for _, rw := range op.Rewrites {
			known[rw.Old] = true
			known[rw.New] = true
		}
	}
	return known, nil
}

type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }

type seqIDs struct{ n int }

func (g *seqIDs) New() string {
	g.n++
	return fmt.Sprintf("op-%d", g.n)
}

// seedChain commits n linear commits onto the current branch with
// distinctive timestamps and returns their ids, oldest first.
func seedChain(t *testing.T, repo *gitrepo.MemoryRepository, n int) []model.Hash {
	t.Helper()
	zone := time.FixedZone("+0200", 2*3600)
	ids := make([]model.Hash, 0, n)
	prev := model.ZeroHash
	for i := 0; i < n; i++ {
		c := &model.Commit{
			Tree: fmt.Sprintf("tree-%d", i),
			Author: model.Signature{
				Actor: model.Actor{Name: "Jane", Email: "jane@example.org"},
				When:  time.Date(2024, time.March, 14, 17, 42, 5+i, 0, zone),
			},
			Committer: model.Signature{
				Actor: model.Actor{Name: "Jane", Email: "jane@example.org"},
				When:  time.Date(2024, time.March, 14, 17, 43, 5+i, 0, zone),
			},
			Message: fmt.Sprintf("commit %d\n", i),
		}
		if prev != model.ZeroHash {
			c.Parents = []model.Hash{prev}
		}
		id, err := repo.CreateCommit(c)
		if err != nil {
			t.Fatalf("CreateCommit() error = %v", err)
		}
		if err := repo.UpdateRef("refs/heads/main", id, prev); err != nil {
			t.Fatalf("UpdateRef() error = %v", err)
		}
		ids = append(ids, id)
		prev = id
	}
	return ids
}

func newTestRewriter(t *testing.T, repo *gitrepo.MemoryRepository, jn veil.Journal, replacements bool) (*veil.Rewriter, *veil.Encoder) {
	t.Helper()
	reducer, err := redact.NewReducer("hms", "")
	if err != nil {
		t.Fatalf("NewReducer() error = %v", err)
	}
	key, err := cipher.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey() error = %v", err)
	}
	safety := veil.NewSafetyChecker(repo, jn, reducer)
	rw := veil.NewRewriter(repo, safety, jn, veil.NewNopLogger(),
		fixedClock{t: time.Date(2024, time.March, 15, 12, 0, 0, 0, time.UTC)}, &seqIDs{}, replacements)
	enc := &veil.Encoder{Redacter: reducer, Cipher: cipher.NewSecretBox(key)}
	return rw, enc
}

func TestRewriter_Redate(t *testing.T) {
	t.Run("redates the whole chain", func(t *testing.T) {
		t.Parallel()
		repo := gitrepo.NewMemoryRepository()
		old := seedChain(t, repo, 3)
		rw, enc := newTestRewriter(t, repo, nil, false)

		n, err := rw.Redate(enc, model.ZeroHash, false)
		if err != nil {
			t.Fatalf("Redate() error = %v", err)
		}
		if n != 3 {
			t.Fatalf("rewrote %d commits, want 3", n)
		}

		head, err := repo.Head()
		if err != nil {
			t.Fatalf("Head() error = %v", err)
		}
		if head == old[2] {
			t.Fatal("branch tip did not move")
		}

		ids, err := repo.ListRange(model.ZeroHash, head)
		if err != nil {
			t.Fatalf("ListRange() error = %v", err)
		}
		if len(ids) != 3 {
			t.Fatalf("new ancestry has %d commits, want 3", len(ids))
		}
		for i, id := range ids {
			for _, o := range old {
				if id == o {
					t.Errorf("commit %d kept its old id %s", i, o.Short())
				}
			}
			c, err := repo.Lookup(id)
			if err != nil {
				t.Fatalf("Lookup() error = %v", err)
			}
			if h, m, s := c.Author.When.Clock(); h != 0 || m != 0 || s != 0 {
				t.Errorf("commit %d author date not reduced: %v", i, c.Author.When)
			}
			if _, ok := veil.ParseRecord(c.Message); !ok {
				t.Errorf("commit %d carries no redaction footer:\n%s", i, c.Message)
			}
			if c.Tree != fmt.Sprintf("tree-%d", i) {
				t.Errorf("commit %d tree changed to %s", i, c.Tree)
			}
			if !strings.HasPrefix(c.Message, fmt.Sprintf("commit %d\n", i)) {
				t.Errorf("commit %d subject changed:\n%s", i, c.Message)
			}
		}
	})

	t.Run("range base keeps older commits", func(t *testing.T) {
		t.Parallel()
		repo := gitrepo.NewMemoryRepository()
		old := seedChain(t, repo, 3)
		rw, enc := newTestRewriter(t, repo, nil, false)

		n, err := rw.Redate(enc, old[0], false)
		if err != nil {
			t.Fatalf("Redate() error = %v", err)
		}
		if n != 2 {
			t.Fatalf("rewrote %d commits, want 2", n)
		}

		head, err := repo.Head()
		if err != nil {
			t.Fatalf("Head() error = %v", err)
		}
		ids, err := repo.ListRange(model.ZeroHash, head)
		if err != nil {
			t.Fatalf("ListRange() error = %v", err)
		}
		if len(ids) != 3 {
			t.Fatalf("new ancestry has %d commits, want 3", len(ids))
		}
		if ids[0] != old[0] {
			t.Errorf("base commit rewritten: got %s, want %s", ids[0].Short(), old[0].Short())
		}
		second, err := repo.Lookup(ids[1])
		if err != nil {
			t.Fatalf("Lookup() error = %v", err)
		}
		if len(second.Parents) != 1 || second.Parents[0] != old[0] {
			t.Errorf("rewritten commit does not point at the untouched base: %v", second.Parents)
		}
	})

	t.Run("refuses published commits", func(t *testing.T) {
		t.Parallel()
		repo := gitrepo.NewMemoryRepository()
		old := seedChain(t, repo, 3)
		repo.SetRemoteRef("origin/main", old[1])
		rw, enc := newTestRewriter(t, repo, nil, false)

		_, err := rw.Redate(enc, model.ZeroHash, false)
		var pubErr *veil.PublishedHistoryError
		if !errors.As(err, &pubErr) {
			t.Fatalf("got %v, want a PublishedHistoryError", err)
		}
		if !errors.Is(err, veil.ErrRefused) {
			t.Error("PublishedHistoryError does not match ErrRefused")
		}
		if len(pubErr.Published) != 2 {
			t.Errorf("reported %d published commits, want 2", len(pubErr.Published))
		}

		head, err := repo.Head()
		if err != nil {
			t.Fatalf("Head() error = %v", err)
		}
		if head != old[2] {
			t.Error("branch tip moved despite the refusal")
		}
	})

	t.Run("force overrides the published check", func(t *testing.T) {
		t.Parallel()
		repo := gitrepo.NewMemoryRepository()
		old := seedChain(t, repo, 3)
		repo.SetRemoteRef("origin/main", old[2])
		rw, enc := newTestRewriter(t, repo, nil, false)

		n, err := rw.Redate(enc, model.ZeroHash, true)
		if err != nil {
			t.Fatalf("Redate(force) error = %v", err)
		}
		if n != 3 {
			t.Errorf("rewrote %d commits, want 3", n)
		}
	})

	t.Run("already redacted chain is nothing to do", func(t *testing.T) {
		t.Parallel()
		repo := gitrepo.NewMemoryRepository()
		seedChain(t, repo, 2)
		rw, enc := newTestRewriter(t, repo, nil, false)

		if _, err := rw.Redate(enc, model.ZeroHash, false); err != nil {
			t.Fatalf("first Redate() error = %v", err)
		}
		_, err := rw.Redate(enc, model.ZeroHash, false)
		if !errors.Is(err, veil.ErrNothingToDo) {
			t.Fatalf("second Redate() = %v, want ErrNothingToDo", err)
		}
	})

	t.Run("records the rewrite in the journal", func(t *testing.T) {
		t.Parallel()
		repo := gitrepo.NewMemoryRepository()
		old := seedChain(t, repo, 2)
		jn := &memJournal{}
		rw, enc := newTestRewriter(t, repo, jn, false)

		if _, err := rw.Redate(enc, model.ZeroHash, false); err != nil {
			t.Fatalf("Redate() error = %v", err)
		}
		if len(jn.ops) != 1 {
			t.Fatalf("journal has %d operations, want 1", len(jn.ops))
		}
		op := jn.ops[0]
		if op.Kind != "redate" {
			t.Errorf("Kind = %q, want %q", op.Kind, "redate")
		}
		if op.ID != "op-1" {
			t.Errorf("ID = %q, want %q", op.ID, "op-1")
		}
		if len(op.Rewrites) != 2 {
			t.Fatalf("recorded %d rewrites, want 2", len(op.Rewrites))
		}
		if op.Rewrites[0].Old != old[0] {
			t.Errorf("first rewrite old = %s, want %s", op.Rewrites[0].Old.Short(), old[0].Short())
		}
	})

	t.Run("emits replacement aliases when enabled", func(t *testing.T) {
		t.Parallel()
		repo := gitrepo.NewMemoryRepository()
		old := seedChain(t, repo, 2)
		rw, enc := newTestRewriter(t, repo, nil, true)

		if _, err := rw.Redate(enc, model.ZeroHash, false); err != nil {
			t.Fatalf("Redate() error = %v", err)
		}
		for _, o := range old {
			newID, ok := repo.Replacement(o)
			if !ok {
				t.Errorf("no replacement alias for %s", o.Short())
				continue
			}
			if newID == o {
				t.Errorf("replacement for %s points at itself", o.Short())
			}
		}
	})

	t.Run("respects the rewrite lock", func(t *testing.T) {
		t.Parallel()
		repo := gitrepo.NewMemoryRepository()
		seedChain(t, repo, 1)
		rw, enc := newTestRewriter(t, repo, nil, false)

		lock, err := repo.Lock()
		if err != nil {
			t.Fatalf("Lock() error = %v", err)
		}
		if _, err := rw.Redate(enc, model.ZeroHash, false); err == nil {
			t.Fatal("Redate() succeeded while the lock was held")
		}
		if err := lock.Release(); err != nil {
			t.Fatalf("Release() error = %v", err)
		}
		if _, err := rw.Redate(enc, model.ZeroHash, false); err != nil {
			t.Fatalf("Redate() after release error = %v", err)
		}
	})

	t.Run("empty repository is nothing to do", func(t *testing.T) {
		t.Parallel()
		repo := gitrepo.NewMemoryRepository()
		rw, enc := newTestRewriter(t, repo, nil, false)
		if _, err := rw.Redate(enc, model.ZeroHash, false); err == nil {
			t.Fatal("Redate() on an empty repository succeeded")
		}
	})
}

func TestRewriter_RedateHead(t *testing.T) {
	t.Run("rewrites only the tip", func(t *testing.T) {
		t.Parallel()
		repo := gitrepo.NewMemoryRepository()
		old := seedChain(t, repo, 3)
		rw, enc := newTestRewriter(t, repo, nil, false)

		n, err := rw.RedateHead(enc, false)
		if err != nil {
			t.Fatalf("RedateHead() error = %v", err)
		}
		if n != 1 {
			t.Fatalf("rewrote %d commits, want 1", n)
		}

		head, err := repo.Head()
		if err != nil {
			t.Fatalf("Head() error = %v", err)
		}
		c, err := repo.Lookup(head)
		if err != nil {
			t.Fatalf("Lookup() error = %v", err)
		}
		if len(c.Parents) != 1 || c.Parents[0] != old[1] {
			t.Errorf("new tip parents = %v, want [%s]", c.Parents, old[1].Short())
		}
	})

	t.Run("refuses an already redacted head", func(t *testing.T) {
		t.Parallel()
		repo := gitrepo.NewMemoryRepository()
		seedChain(t, repo, 1)
		rw, enc := newTestRewriter(t, repo, nil, false)

		if _, err := rw.RedateHead(enc, false); err != nil {
			t.Fatalf("first RedateHead() error = %v", err)
		}
		_, err := rw.RedateHead(enc, false)
		if !errors.Is(err, veil.ErrNothingToDo) {
			t.Fatalf("second RedateHead() = %v, want ErrNothingToDo", err)
		}
	})
}
