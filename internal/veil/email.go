package veil

import (
	"sort"

	"gitveil/internal/model"
)

// EmailReplacement is the substitute identity for one known address. An
// empty Name keeps the original name.
type EmailReplacement struct {
	Email string
	Name  string
}

// RedactEmails rewrites author and committer emails across the full
// reachable history using the given substitution map. It reuses the replay
// and rewrite-map machinery of the timestamp rewriter but leaves timestamps
// and footers untouched; unmapped addresses pass through unchanged.
func (r *Rewriter) RedactEmails(repl map[string]EmailReplacement, force bool) (int, error) {
	if len(repl) == 0 {
		return 0, ErrNothingToDo
	}
	return r.run("redact-email", model.ZeroHash, false, force, emailFilter(repl))
}

func emailFilter(repl map[string]EmailReplacement) commitFilter {
	substitute := func(a model.Actor) model.Actor {
		sub, ok := repl[a.Email]
		if !ok {
			return a
		}
		a.Email = sub.Email
		if sub.Name != "" {
			a.Name = sub.Name
		}
		return a
	}
	return func(c *model.Commit) error {
		c.Author.Actor = substitute(c.Author.Actor)
		c.Committer.Actor = substitute(c.Committer.Actor)
		return nil
	}
}

// IdentityCount is one identity's contribution tally across history.
type IdentityCount struct {
	Identity  string
	Author    int
	Committer int
}

// Total returns the combined author and committer count.
func (i IdentityCount) Total() int { return i.Author + i.Committer }

// countIdentities tallies author/committer identities over the given
// commits. When emailOnly is set, identities are keyed by address alone.
func countIdentities(repo Repository, ids []model.Hash, emailOnly bool) ([]IdentityCount, error) {
	toKey := func(a model.Actor) string {
		if emailOnly {
			return a.Email
		}
		return a.String()
	}
	counts := make(map[string]*IdentityCount)
	lookup := func(key string) *IdentityCount {
		c, ok := counts[key]
		if !ok {
			c = &IdentityCount{Identity: key}
			counts[key] = c
		}
		return c
	}
	for _, id := range ids {
		commit, err := repo.Lookup(id)
		if err != nil {
			return nil, err
		}
		lookup(toKey(commit.Author.Actor)).Author++
		lookup(toKey(commit.Committer.Actor)).Committer++
	}
	out := make([]IdentityCount, 0, len(counts))
	for _, c := range counts {
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Identity < out[j].Identity })
	return out, nil
}
