package transition

import (
	"time"

	"github.com/sps2/sps2/pkg/materialize"
	"github.com/sps2/sps2/pkg/objfmt"
)

// PackageSpec names one package a transition installs, spec §6's
// producer interface tuple "(name, version, revision, source_hash)".
type PackageSpec struct {
	Name       string
	Version    string
	Revision   uint32
	SourceHash objfmt.Hash // strong hash of the package archive
}

// ResolveMissing is the callback the engine invokes mid-materialization
// when a target file hash isn't in the store yet — "the engine to
// request the producer (builder/downloader) to add them first" (spec
// §4.E Phase 1). Implementations must block until the object exists or
// return an error to abort the transition.
type ResolveMissing func(hash objfmt.Hash) error

// Request is everything a transition needs: the target package set, the
// exact file list the new state should materialize, and the operation
// label recorded on the resulting State row.
type Request struct {
	Operation      string
	Packages       []PackageSpec
	Files          []materialize.Target
	ResolveMissing ResolveMissing
	// RollbackOf, when set, is the state ID this transition rolls back
	// from; Run records it on the journal and on the reactivated State.
	RollbackOf string
	// RollbackTargetID, when set, is the existing state ID this
	// transition reactivates (spec "rollback to a target state T ...
	// active state becomes T, unchanged id"). Run reuses this ID instead
	// of minting a new one, and Prepare annotates the existing row
	// instead of inserting a new one: a rollback revisits an
	// already-recorded snapshot, it doesn't create a new one.
	RollbackTargetID string
}

// Report is the structured result of a completed transition, the shape
// spec §6's consumer interface expects back from install/uninstall/
// update/upgrade/rollback.
type Report struct {
	StateID         string
	Operation       string
	PackagesChanged int
	FilesPlaced     int
	FilesRemoved    int
	Duration        time.Duration
}
