package veil

import "gitveil/internal/model"

// Journal records completed engine-performed rewrites. The safety checker
// uses it to tell engine-made history apart from rewrites performed by
// external tools (rebase, amend).
type Journal interface {
	// Record persists a completed operation with its old→new id map.
	// Called from Finalize only, after the branch reference has moved.
	Record(op model.Operation) error

	// KnownIDs returns every commit id the engine has ever created or
	// superseded, i.e. both sides of all recorded rewrites.
	KnownIDs() (map[model.Hash]bool, error)
}
