package veil

import "gitveil/internal/model"

// Repository is the black-box interface to the version-control object
// store. The engine only ever enumerates commits, reads their metadata, and
// creates new commits with identical content but different metadata; it
// never implements storage itself.
type Repository interface {
	// Head returns the commit id the current branch points at.
	Head() (model.Hash, error)

	// CurrentBranch returns the full reference name of the checked-out
	// branch, e.g. "refs/heads/main".
	CurrentBranch() (string, error)

	// Lookup reads the metadata of a single commit.
	Lookup(id model.Hash) (*model.Commit, error)

	// ListRange returns the commits reachable from tip but not from base,
	// in topological parent-before-child order. A ZeroHash base means the
	// whole ancestry of tip.
	ListRange(base, tip model.Hash) ([]model.Hash, error)

	// ListAll returns every commit reachable from any local reference,
	// in topological parent-before-child order.
	ListAll() ([]model.Hash, error)

	// RemoteReachable returns the set of commit ids reachable from any
	// remote-tracking reference. Computed fresh on every call; a commit in
	// this set is published.
	RemoteReachable() (map[model.Hash]bool, error)

	// RemoteBranchesContaining lists the remote-tracking branches whose
	// history contains the given commit.
	RemoteBranchesContaining(id model.Hash) ([]string, error)

	// IsAncestor reports whether anc is an ancestor of desc.
	IsAncestor(anc, desc model.Hash) (bool, error)

	// CreateCommit writes a new commit object with the given tree, parents,
	// signatures and message, and returns its id. It never mutates an
	// existing commit.
	CreateCommit(c *model.Commit) (model.Hash, error)

	// UpdateRef atomically moves ref from oldID to newID. The update must
	// fail if the reference no longer points at oldID.
	UpdateRef(ref string, newID, oldID model.Hash) error

	// CreateReplacement records a reference-level alias from an old commit
	// id to its rewritten counterpart, for tooling that still refers to the
	// old id.
	CreateReplacement(oldID, newID model.Hash) error

	// Lock takes the repository's advisory rewrite lock. It is held for the
	// duration of Replay+Finalize so no second rewrite can interleave.
	Lock() (RepoLock, error)
}

// RepoLock is a held advisory rewrite lock.
type RepoLock interface {
	Release() error
}
