// Package gitrepo adapts the version-control object store behind the
// veil.Repository interface. GitRepository shells out to the git binary's
// plumbing commands; MemoryRepository is the in-memory variant for tests.
package gitrepo

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gitveil/internal/model"
	"gitveil/internal/veil"
)

// ActiveEnv is set in the environment of every git child process. Hook
// scripts check it to avoid re-triggering the engine from a rewrite the
// engine itself performed.
const ActiveEnv = "GITVEIL_ACTIVE"

// GitRepository implements veil.Repository over the git binary.
type GitRepository struct {
	workDir string
	gitDir  string
}

var _ veil.Repository = (*GitRepository)(nil)

// Discover locates the repository containing path.
func Discover(path string) (*GitRepository, error) {
	r := &GitRepository{workDir: path}
	gitDir, err := r.run("rev-parse", "--absolute-git-dir")
	if err != nil {
		return nil, fmt.Errorf("not a git repository: %s", path)
	}
	r.gitDir = gitDir
	return r, nil
}

// GitDir returns the repository's git directory.
func (r *GitRepository) GitDir() string { return r.gitDir }

// StateDir returns the engine's state directory inside the git dir.
func (r *GitRepository) StateDir() string { return filepath.Join(r.gitDir, "gitveil") }

// Head returns the commit id of HEAD.
func (r *GitRepository) Head() (model.Hash, error) {
	out, err := r.run("rev-parse", "--verify", "HEAD")
	if err != nil {
		return model.ZeroHash, fmt.Errorf("current branch has no commits yet")
	}
	return model.Hash(out), nil
}

// CurrentBranch returns the full ref name HEAD points at.
func (r *GitRepository) CurrentBranch() (string, error) {
	out, err := r.run("symbolic-ref", "--quiet", "HEAD")
	if err != nil {
		return "", fmt.Errorf("HEAD is detached, rewrites need a checked-out branch")
	}
	return out, nil
}

// ResolveRev resolves a user-supplied revision to a commit id.
func (r *GitRepository) ResolveRev(rev string) (model.Hash, error) {
	out, err := r.run("rev-parse", "--verify", rev+"^{commit}")
	if err != nil {
		return model.ZeroHash, fmt.Errorf("unknown revision %q", rev)
	}
	return model.Hash(out), nil
}

// Lookup reads one commit's metadata via cat-file.
func (r *GitRepository) Lookup(id model.Hash) (*model.Commit, error) {
	raw, err := r.run("cat-file", "commit", string(id))
	if err != nil {
		return nil, fmt.Errorf("reading commit %s: %w", id.Short(), err)
	}
	c, err := parseCommit(raw)
	if err != nil {
		return nil, fmt.Errorf("parsing commit %s: %w", id.Short(), err)
	}
	c.ID = id
	return c, nil
}

// ListRange lists tip's ancestry excluding base's, parent-first.
func (r *GitRepository) ListRange(base, tip model.Hash) ([]model.Hash, error) {
	args := []string{"rev-list", "--topo-order", "--reverse", string(tip)}
	if base != model.ZeroHash {
		args = append(args, "^"+string(base))
	}
	return r.revList(args)
}

// ListAll lists every commit reachable from any reference, parent-first.
func (r *GitRepository) ListAll() ([]model.Hash, error) {
	return r.revList([]string{"rev-list", "--topo-order", "--reverse", "--all"})
}

// RemoteReachable returns all commits reachable from remote-tracking refs.
func (r *GitRepository) RemoteReachable() (map[model.Hash]bool, error) {
	ids, err := r.revList([]string{"rev-list", "--remotes"})
	if err != nil {
		return nil, err
	}
	set := make(map[model.Hash]bool, len(ids))
	for _, id := range ids {
		set[id] = true
	}
	return set, nil
}

// RemoteBranchesContaining lists remote branches containing the commit.
func (r *GitRepository) RemoteBranchesContaining(id model.Hash) ([]string, error) {
	out, err := r.run("branch", "-r", "--contains", string(id))
	if err != nil {
		return nil, fmt.Errorf("listing remote branches: %w", err)
	}
	var branches []string
	for _, line := range strings.Split(out, "\n") {
		if b := strings.TrimSpace(line); b != "" {
			branches = append(branches, b)
		}
	}
	return branches, nil
}

// IsAncestor reports whether anc is an ancestor of desc.
func (r *GitRepository) IsAncestor(anc, desc model.Hash) (bool, error) {
	_, err := r.run("merge-base", "--is-ancestor", string(anc), string(desc))
	if err == nil {
		return true, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && exitErr.ExitCode() == 1 {
		return false, nil
	}
	return false, fmt.Errorf("checking ancestry: %w", err)
}

// CreateCommit writes a new commit object via commit-tree. The message is
// passed on stdin and the signatures through the environment in git's raw
// date format, preserving the exact offsets.
func (r *GitRepository) CreateCommit(c *model.Commit) (model.Hash, error) {
	args := []string{"commit-tree", c.Tree}
	for _, p := range c.Parents {
		args = append(args, "-p", string(p))
	}
	env := []string{
		"GIT_AUTHOR_NAME=" + c.Author.Actor.Name,
		"GIT_AUTHOR_EMAIL=" + c.Author.Actor.Email,
		"GIT_AUTHOR_DATE=" + rawDate(c.Author.When),
		"GIT_COMMITTER_NAME=" + c.Committer.Actor.Name,
		"GIT_COMMITTER_EMAIL=" + c.Committer.Actor.Email,
		"GIT_COMMITTER_DATE=" + rawDate(c.Committer.When),
	}
	out, err := r.runWith(c.Message, env, args...)
	if err != nil {
		return model.ZeroHash, fmt.Errorf("commit-tree: %w", err)
	}
	return model.Hash(out), nil
}

// UpdateRef atomically moves ref from oldID to newID; git verifies the old
// value and fails the update when the ref moved underneath us.
func (r *GitRepository) UpdateRef(ref string, newID, oldID model.Hash) error {
	if _, err := r.run("update-ref", ref, string(newID), string(oldID)); err != nil {
		return fmt.Errorf("update-ref %s: %w", ref, err)
	}
	return nil
}

// CreateReplacement records a replace ref aliasing the old id.
func (r *GitRepository) CreateReplacement(oldID, newID model.Hash) error {
	if _, err := r.run("update-ref", "refs/replace/"+string(oldID), string(newID)); err != nil {
		return fmt.Errorf("creating replace ref for %s: %w", oldID.Short(), err)
	}
	return nil
}

// Lock takes the engine's advisory rewrite lock: an exclusively created
// lock file in the state dir. A lock file, rather than flock, so hook
// subprocesses observe it too.
func (r *GitRepository) Lock() (veil.RepoLock, error) {
	if err := os.MkdirAll(r.StateDir(), 0o700); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}
	path := filepath.Join(r.StateDir(), "rewrite.lock")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		if os.IsExist(err) {
			return nil, fmt.Errorf("another rewrite is in progress (lock file %s exists)", path)
		}
		return nil, fmt.Errorf("creating lock file: %w", err)
	}
	fmt.Fprintf(f, "%d\n", os.Getpid())
	f.Close()
	return &fileLock{path: path}, nil
}

type fileLock struct {
	path string
}

func (l *fileLock) Release() error {
	return os.Remove(l.path)
}

func (r *GitRepository) revList(args []string) ([]model.Hash, error) {
	out, err := r.run(args...)
	if err != nil {
		return nil, fmt.Errorf("rev-list: %w", err)
	}
	if out == "" {
		return nil, nil
	}
	lines := strings.Split(out, "\n")
	ids := make([]model.Hash, 0, len(lines))
	for _, line := range lines {
		if line != "" {
			ids = append(ids, model.Hash(line))
		}
	}
	return ids, nil
}

func (r *GitRepository) run(args ...string) (string, error) {
	return r.runWith("", nil, args...)
}

func (r *GitRepository) runWith(stdin string, extraEnv []string, args ...string) (string, error) {
	cmd := exec.Command("git", args...)
	cmd.Dir = r.workDir
	cmd.Env = append(os.Environ(), ActiveEnv+"=yes")
	cmd.Env = append(cmd.Env, extraEnv...)
	if stdin != "" {
		cmd.Stdin = strings.NewReader(stdin)
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg != "" {
			return "", fmt.Errorf("git %s: %s: %w", args[0], msg, err)
		}
		return "", fmt.Errorf("git %s: %w", args[0], err)
	}
	return strings.TrimRight(stdout.String(), "\n"), nil
}

// rawDate renders a timestamp in git's raw date format.
func rawDate(t time.Time) string {
	return fmt.Sprintf("%d %s", t.Unix(), formatOffset(t))
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

// parseCommit parses the raw commit object format: a header paragraph
// (tree, parents, author, committer, possibly gpgsig and other fields)
// followed by a blank line and the message. Unknown header fields are
// skipped; multi-line fields use space-continuation lines.
func parseCommit(raw string) (*model.Commit, error) {
	header, message, ok := strings.Cut(raw, "\n\n")
	if !ok {
		return nil, fmt.Errorf("no header/message separator")
	}
	c := &model.Commit{Message: message}
	for _, line := range strings.Split(header, "\n") {
		if strings.HasPrefix(line, " ") {
			continue // continuation of a multi-line field such as gpgsig
		}
		field, rest, _ := strings.Cut(line, " ")
		switch field {
		case "tree":
			c.Tree = rest
		case "parent":
			c.Parents = append(c.Parents, model.Hash(rest))
		case "author":
			sig, err := parseSignature(rest)
			if err != nil {
				return nil, fmt.Errorf("author: %w", err)
			}
			c.Author = sig
		case "committer":
			sig, err := parseSignature(rest)
			if err != nil {
				return nil, fmt.Errorf("committer: %w", err)
			}
			c.Committer = sig
		}
	}
	if c.Tree == "" {
		return nil, fmt.Errorf("missing tree")
	}
	return c, nil
}

// parseSignature parses "Name <email> <unix> <±hhmm>".
func parseSignature(s string) (model.Signature, error) {
	open := strings.LastIndex(s, "<")
	end := strings.LastIndex(s, ">")
	if open < 0 || end < open {
		return model.Signature{}, fmt.Errorf("malformed signature %q", s)
	}
	name := strings.TrimSpace(s[:open])
	email := s[open+1 : end]
	fields := strings.Fields(s[end+1:])
	if len(fields) != 2 {
		return model.Signature{}, fmt.Errorf("malformed date in signature %q", s)
	}
	secs, err := strconv.ParseInt(fields[0], 10, 64)
	if err != nil {
		return model.Signature{}, fmt.Errorf("malformed seconds in signature %q", s)
	}
	off, err := veil.ParseOffset(fields[1])
	if err != nil {
		return model.Signature{}, err
	}
	return model.Signature{
		Actor: model.Actor{Name: name, Email: email},
		When:  time.Unix(secs, 0).In(time.FixedZone(fields[1], off)),
	}, nil
}
