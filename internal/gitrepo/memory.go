package gitrepo

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"sync"

	"gitveil/internal/model"
	"gitveil/internal/veil"
)

// MemoryRepository is an in-memory implementation of veil.Repository for
// tests. Commit ids are content-derived like real ones: changing any
// metadata yields a new id.
type MemoryRepository struct {
	mu         sync.Mutex
	commits    map[model.Hash]*model.Commit
	refs       map[string]model.Hash
	remoteRefs map[string]model.Hash
	branch     string
	locked     bool
}

var _ veil.Repository = (*MemoryRepository)(nil)

// NewMemoryRepository creates an empty repository with "refs/heads/main"
// checked out.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		commits:    make(map[model.Hash]*model.Commit),
		refs:       make(map[string]model.Hash),
		remoteRefs: make(map[string]model.Hash),
		branch:     "refs/heads/main",
	}
}

// SetRemoteRef marks a remote-tracking ref, making its ancestry published.
func (m *MemoryRepository) SetRemoteRef(name string, id model.Hash) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.remoteRefs[name] = id
}

// Head returns the current branch tip.
func (m *MemoryRepository) Head() (model.Hash, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.refs[m.branch]
	if !ok {
		return model.ZeroHash, fmt.Errorf("current branch has no commits yet")
	}
	return id, nil
}

// CurrentBranch returns the checked-out branch ref.
func (m *MemoryRepository) CurrentBranch() (string, error) {
	return m.branch, nil
}

// Lookup returns a copy of the stored commit.
func (m *MemoryRepository) Lookup(id model.Hash) (*model.Commit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.commits[id]
	if !ok {
		return nil, fmt.Errorf("unknown commit %s", id.Short())
	}
	return c.Clone(), nil
}

// ListRange returns tip's ancestry minus base's, parent-first.
func (m *MemoryRepository) ListRange(base, tip model.Hash) ([]model.Hash, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	excluded := map[model.Hash]bool{}
	if base != model.ZeroHash {
		if err := m.walk(base, excluded); err != nil {
			return nil, err
		}
	}
	var ids []model.Hash
	seen := map[model.Hash]bool{}
	if err := m.walkTopo(tip, excluded, seen, &ids); err != nil {
		return nil, err
	}
	return ids, nil
}

// ListAll returns every commit reachable from any local ref, parent-first.
func (m *MemoryRepository) ListAll() ([]model.Hash, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []model.Hash
	seen := map[model.Hash]bool{}
	names := make([]string, 0, len(m.refs))
	for name := range m.refs {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if err := m.walkTopo(m.refs[name], nil, seen, &ids); err != nil {
			return nil, err
		}
	}
	return ids, nil
}

// RemoteReachable returns the ancestry of all remote-tracking refs.
func (m *MemoryRepository) RemoteReachable() (map[model.Hash]bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	set := map[model.Hash]bool{}
	for _, id := range m.remoteRefs {
		if err := m.walk(id, set); err != nil {
			return nil, err
		}
	}
	return set, nil
}

// RemoteBranchesContaining lists remote refs whose ancestry contains id.
func (m *MemoryRepository) RemoteBranchesContaining(id model.Hash) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var branches []string
	for name, tip := range m.remoteRefs {
		set := map[model.Hash]bool{}
		if err := m.walk(tip, set); err != nil {
			return nil, err
		}
		if set[id] {
			branches = append(branches, name)
		}
	}
	sort.Strings(branches)
	return branches, nil
}

// IsAncestor reports whether anc is reachable from desc.
func (m *MemoryRepository) IsAncestor(anc, desc model.Hash) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	set := map[model.Hash]bool{}
	if err := m.walk(desc, set); err != nil {
		return false, err
	}
	return set[anc], nil
}

// CreateCommit stores the commit under its content-derived id.
func (m *MemoryRepository) CreateCommit(c *model.Commit) (model.Hash, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored := c.Clone()
	stored.ID = hashCommit(stored)
	m.commits[stored.ID] = stored
	return stored.ID, nil
}

// UpdateRef moves ref from oldID to newID, failing on a stale oldID.
func (m *MemoryRepository) UpdateRef(ref string, newID, oldID model.Hash) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur := m.refs[ref]; cur != oldID {
		return fmt.Errorf("ref %s moved: expected %s, found %s", ref, oldID.Short(), cur.Short())
	}
	if _, ok := m.commits[newID]; !ok {
		return fmt.Errorf("unknown commit %s", newID.Short())
	}
	m.refs[ref] = newID
	return nil
}

// CreateReplacement records a replace alias.
func (m *MemoryRepository) CreateReplacement(oldID, newID model.Hash) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.refs["refs/replace/"+string(oldID)] = newID
	return nil
}

// Replacement returns the replacement target for an old id, if any.
func (m *MemoryRepository) Replacement(oldID model.Hash) (model.Hash, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.refs["refs/replace/"+string(oldID)]
	return id, ok
}

// Lock takes the advisory rewrite lock.
func (m *MemoryRepository) Lock() (veil.RepoLock, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.locked {
		return nil, fmt.Errorf("another rewrite is in progress")
	}
	m.locked = true
	return &memoryLock{repo: m}, nil
}

type memoryLock struct {
	repo *MemoryRepository
}

func (l *memoryLock) Release() error {
	l.repo.mu.Lock()
	defer l.repo.mu.Unlock()
	l.repo.locked = false
	return nil
}

// walk adds tip and all its ancestors to set.
func (m *MemoryRepository) walk(tip model.Hash, set map[model.Hash]bool) error {
	if set[tip] {
		return nil
	}
	c, ok := m.commits[tip]
	if !ok {
		return fmt.Errorf("unknown commit %s", tip.Short())
	}
	set[tip] = true
	for _, p := range c.Parents {
		if err := m.walk(p, set); err != nil {
			return err
		}
	}
	return nil
}

// walkTopo appends tip's ancestry to out in parent-before-child order,
// skipping excluded commits and anything already seen.
func (m *MemoryRepository) walkTopo(tip model.Hash, excluded, seen map[model.Hash]bool, out *[]model.Hash) error {
	if seen[tip] || excluded[tip] {
		return nil
	}
	c, ok := m.commits[tip]
	if !ok {
		return fmt.Errorf("unknown commit %s", tip.Short())
	}
	seen[tip] = true
	for _, p := range c.Parents {
		if err := m.walkTopo(p, excluded, seen, out); err != nil {
			return err
		}
	}
	*out = append(*out, tip)
	return nil
}

// hashCommit derives a commit id from all identity-relevant fields, the
// same way git's object hash does.
func hashCommit(c *model.Commit) model.Hash {
	h := sha256.New()
	fmt.Fprintf(h, "tree %s\n", c.Tree)
	for _, p := range c.Parents {
		fmt.Fprintf(h, "parent %s\n", p)
	}
	fmt.Fprintf(h, "author %s %d %s\n", c.Author.Actor, c.Author.When.Unix(), zoneOf(c.Author))
	fmt.Fprintf(h, "committer %s %d %s\n", c.Committer.Actor, c.Committer.When.Unix(), zoneOf(c.Committer))
	fmt.Fprintf(h, "\n%s", c.Message)
	return model.Hash(hex.EncodeToString(h.Sum(nil)[:20]))
}

func zoneOf(s model.Signature) string {
	return strings.TrimSpace(formatOffset(s.When))
}
