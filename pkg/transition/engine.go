// Package transition implements the two-phase-commit engine of spec
// §4.E: it moves the system from the current active state to a new one
// by materializing the target file set into the inactive slot, recording
// the new state durably, swapping the live symlink, then finalizing the
// database — journaling intent at each handoff so a crash between any two
// steps recovers to old-state-or-new-state, never a mixture. It is the
// single-writer state machine of the module, grounded the way the
// teacher's own Raft FSM (pkg/manager/fsm.go) applies one log entry at a
// time to local state, except the "log" here is a two-phase journal
// instead of a replicated log.
package transition

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/sps2/sps2/pkg/config"
	"github.com/sps2/sps2/pkg/errs"
	"github.com/sps2/sps2/pkg/events"
	"github.com/sps2/sps2/pkg/lock"
	"github.com/sps2/sps2/pkg/materialize"
	"github.com/sps2/sps2/pkg/metrics"
	"github.com/sps2/sps2/pkg/slots"
	"github.com/sps2/sps2/pkg/statedb"
	"github.com/sps2/sps2/pkg/store"
)

// Engine coordinates pkg/statedb, pkg/slots, and pkg/store through the
// five phases of spec §4.E. One Engine is opened per process; Open itself
// performs crash recovery before returning, per spec §4.E "on engine
// startup, if a journal exists...".
type Engine struct {
	paths    config.Paths
	db       *statedb.DB
	slotMgr  *slots.Manager
	objStore *store.Store
	bus      *events.Bus
}

// Open wires an Engine and immediately runs crash recovery against any
// journal left by a prior process that died mid-transition.
func Open(paths config.Paths, db *statedb.DB, slotMgr *slots.Manager, objStore *store.Store, bus *events.Bus) (*Engine, error) {
	e := &Engine{paths: paths, db: db, slotMgr: slotMgr, objStore: objStore, bus: bus}
	if err := e.recover(); err != nil {
		return nil, err
	}
	return e, nil
}

func (e *Engine) journalPath() string { return e.paths.TransactionJournal() }

// recover implements spec §4.E's crash recovery table: a Prepared journal
// means the DB knows the new state but the filesystem doesn't yet (re-run
// swap then activate); a Swapped journal means the filesystem has already
// moved but the DB hasn't caught up (re-run activate only). Both paths are
// idempotent, so recover is always safe to call even when nothing crashed.
func (e *Engine) recover() error {
	h, err := lock.Acquire(e.paths.LockFile(), true)
	if err != nil {
		return err
	}
	defer h.Release()

	// The live symlink is the one observation a crash can never leave
	// half-written (relink renames it into place atomically); slots.json
	// can still be stale if a process died between SwapTo's relink and
	// its own save. Reconcile before trusting anything else below, so a
	// crash in that exact window doesn't make the rest of recovery
	// reason from the wrong active slot (spec's "symlink swap called
	// while the symlink target points at a non-slot directory" recovery
	// path).
	if err := e.slotMgr.ReconcileActiveSlot(); err != nil {
		return err
	}

	j, ok, err := readJournal(e.journalPath())
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}

	if e.bus != nil {
		e.bus.Diagnostic(events.DiagnosticWarn, "recovering in-flight transition", map[string]string{
			"state_id": j.NewStateID, "phase": string(j.Phase),
		})
	}

	switch j.Phase {
	case PhasePrepared:
		if err := e.doSwap(j); err != nil {
			return err
		}
		return e.doActivate(j)
	case PhaseSwapped:
		return e.doActivate(j)
	default:
		return errs.New(errs.CodeState, errs.SeverityCritical, "transition.recover",
			fmt.Errorf("unknown journal phase %q", j.Phase))
	}
}

// Run executes a full transition for req, holding the process lock for
// its entire duration (spec §5: "Holding the lock is required from Phase
// 0 through Phase 4").
func (e *Engine) Run(ctx context.Context, req Request) (Report, error) {
	start := time.Now()

	h, err := lock.Acquire(e.paths.LockFile(), true)
	if err != nil {
		return Report{}, err
	}
	defer h.Release()

	if e.bus != nil {
		e.bus.Lifecycle(req.Operation, "started")
	}

	report, err := e.run(ctx, req)
	outcome := "success"
	if err != nil {
		outcome = "failure"
		if e.bus != nil {
			e.bus.Diagnostic(events.DiagnosticError, err.Error(), map[string]string{"operation": req.Operation})
			e.bus.Lifecycle(req.Operation, "failed")
		}
	} else if e.bus != nil {
		e.bus.Lifecycle(req.Operation, "completed")
	}
	metrics.TransitionsTotal.WithLabelValues(req.Operation, outcome).Inc()

	report.Duration = time.Since(start)
	return report, err
}

func (e *Engine) run(ctx context.Context, req Request) (Report, error) {
	// Phase 0 — Stage.
	phaseStart := time.Now()
	parent, err := e.db.ActiveState()
	if err != nil {
		return Report{}, err
	}
	stagingSlot, err := e.slotMgr.InactiveSlot()
	if err != nil {
		return Report{}, err
	}
	activeSlot, err := e.slotMgr.ActiveSlot()
	if err != nil {
		return Report{}, err
	}
	newStateID := uuid.NewString()
	if req.RollbackTargetID != "" {
		// Rollback reactivates an existing, already-recorded state
		// rather than minting a new one (spec "active state becomes T,
		// unchanged id").
		newStateID = req.RollbackTargetID
	}

	if err := materialize.SeedFromActive(e.slotMgr.SlotPath(activeSlot), e.slotMgr.SlotPath(stagingSlot)); err != nil {
		return Report{}, errs.New(errs.CodeStore, errs.SeverityHigh, "transition.stage", err)
	}
	metrics.TransitionPhaseDuration.WithLabelValues("stage").Observe(time.Since(phaseStart).Seconds())

	// Phase 1 — Materialize.
	phaseStart = time.Now()
	if err := e.ensureObjectsPresent(req); err != nil {
		return Report{}, err
	}
	matReport, err := materialize.Materialize(ctx, e.objStore, e.slotMgr.SlotPath(stagingSlot), req.Files, e.bus)
	if err != nil {
		return Report{}, err
	}
	metrics.TransitionPhaseDuration.WithLabelValues("materialize").Observe(time.Since(phaseStart).Seconds())

	// Phase 2 — Prepare.
	phaseStart = time.Now()
	if err := e.prepare(newStateID, parent, req); err != nil {
		return Report{}, err
	}
	journal := Journal{
		NewStateID:      newStateID,
		ParentStateID:   parent,
		StagingSlot:     stagingSlot,
		Phase:           PhasePrepared,
		Operation:       req.Operation,
		RollbackOfState: req.RollbackOf,
	}
	if err := writeJournal(e.journalPath(), journal); err != nil {
		return Report{}, err
	}
	metrics.TransitionPhaseDuration.WithLabelValues("prepare").Observe(time.Since(phaseStart).Seconds())

	// Phase 3 — Swap.
	phaseStart = time.Now()
	if err := e.doSwap(journal); err != nil {
		return Report{}, err
	}
	metrics.TransitionPhaseDuration.WithLabelValues("swap").Observe(time.Since(phaseStart).Seconds())

	// Phase 4 — Activate.
	phaseStart = time.Now()
	if err := e.doActivate(journal); err != nil {
		return Report{}, err
	}
	metrics.TransitionPhaseDuration.WithLabelValues("activate").Observe(time.Since(phaseStart).Seconds())

	return Report{
		StateID:         newStateID,
		Operation:       req.Operation,
		PackagesChanged: len(req.Packages),
		FilesPlaced:     matReport.Placed,
		FilesRemoved:    matReport.Removed,
	}, nil
}

// ensureObjectsPresent asks req.ResolveMissing to deposit any target file
// object the store doesn't already have, per spec §4.E Phase 1: "Hashes
// not in the store cause the engine to request the producer ... to add
// them first."
func (e *Engine) ensureObjectsPresent(req Request) error {
	if req.ResolveMissing == nil {
		return nil
	}
	for _, t := range req.Files {
		if t.IsDir || t.IsSymlink || t.Hash.IsZero() {
			continue
		}
		if e.objStore.HasFileObject(t.Hash) {
			continue
		}
		if err := req.ResolveMissing(t.Hash); err != nil {
			return errs.New(errs.CodeStore, errs.SeverityHigh, "transition.resolve_missing", err).WithHint("producer failed to supply a required store object")
		}
		if !e.objStore.HasFileObject(t.Hash) {
			return errs.New(errs.CodeStore, errs.SeverityHigh, "transition.resolve_missing",
				fmt.Errorf("object %s still missing after producer callback", t.Hash.String()))
		}
	}
	return nil
}

// prepare performs spec §4.E Phase 2's single DB transaction: insert the
// new state, link its packages and installed files, and increment every
// referenced object's refcount. Refcounts only ever decrease when a state
// row is actually deleted (pkg/statedb.PruneStates), keeping "refcount ==
// number of retained states referencing this hash" (spec §3 invariant 2)
// true without this phase needing to reason about which other states
// still hold a reference.
func (e *Engine) prepare(stateID, parent string, req Request) error {
	return e.db.Update(func(t *statedb.Tx) error {
		if req.RollbackTargetID != "" {
			// stateID already names an existing, fully-linked row (it was
			// inserted when that state was first prepared); reactivating
			// it just annotates which state it rolled back from. Its
			// packages/files/refcounts are untouched — this isn't a new
			// reference, it's the same one becoming active again.
			return t.SetStateRollbackOf(stateID, req.RollbackOf)
		}

		if err := t.InsertState(statedb.State{
			ID: stateID, Parent: parent, Operation: req.Operation, Success: false, CreatedAt: time.Now(),
		}); err != nil {
			return err
		}

		for _, p := range req.Packages {
			hash := p.SourceHash.String()
			if _, ok, err := t.GetPackageObject(hash); err != nil {
				return err
			} else if !ok {
				if err := t.PutPackageObject(statedb.PackageObject{
					Hash: hash, Name: p.Name, Version: p.Version, StorePath: e.objStore.PackagePath(p.SourceHash),
				}); err != nil {
					return err
				}
			}
			if err := t.LinkPackage(stateID, statedb.PackageRef{Name: p.Name, Version: p.Version, Hash: hash}); err != nil {
				return err
			}
			if _, err := t.IncrementPackageRefs(hash, 1); err != nil {
				return err
			}
		}

		for _, f := range req.Files {
			if f.IsDir {
				// Directories carry no store object or refcount, only a
				// path and a mode to re-apply on every materialization
				// (spec §3's Installed-file record "is_directory" field).
				if err := t.AddInstalledFile(stateID, statedb.InstalledFile{
					Path: f.Path, Mode: uint32(f.Mode.Perm()), IsDirectory: true, Package: f.Package,
				}); err != nil {
					return err
				}
				continue
			}
			hash := f.Hash.String()
			if _, ok, err := t.GetFileObject(hash); err != nil {
				return err
			} else if !ok {
				if err := t.PutFileObject(statedb.FileObject{
					Hash: hash, Mode: uint32(f.Mode.Perm()), IsExecutable: f.Mode.Perm()&0o111 != 0,
					IsSymlink: f.IsSymlink, SymlinkTarget: f.SymlinkTarget,
				}); err != nil {
					return err
				}
			}
			if err := t.AddInstalledFile(stateID, statedb.InstalledFile{
				Path: f.Path, Hash: hash, Mode: uint32(f.Mode.Perm()), IsSymlink: f.IsSymlink, LinkTarget: f.SymlinkTarget,
				Package: f.Package,
			}); err != nil {
				return err
			}
			if _, err := t.IncrementFileRefs(hash, 1); err != nil {
				return err
			}
		}
		return nil
	})
}

// doSwap performs spec §4.E Phase 3: flip the live symlink, record which
// state the staging slot now materializes, and rewrite the journal to
// Swapped. Repeating SwapTo and MarkSlotState for the same slot and state
// leaves the same symlink and record, so re-running this during recovery
// is always safe.
func (e *Engine) doSwap(j Journal) error {
	if err := e.slotMgr.SwapTo(j.StagingSlot); err != nil {
		return err
	}
	if err := e.slotMgr.MarkSlotState(j.StagingSlot, j.NewStateID); err != nil {
		return err
	}
	j.Phase = PhaseSwapped
	return writeJournal(e.journalPath(), j)
}

// doActivate performs spec §4.E Phase 4: set the active-state pointer,
// mark the new state successful, and delete the journal. SetActiveState
// and SetStateSuccess are idempotent, so recovery re-running this after a
// crash between them and the journal delete is always safe.
func (e *Engine) doActivate(j Journal) error {
	err := e.db.Update(func(t *statedb.Tx) error {
		if err := t.SetActiveState(j.NewStateID); err != nil {
			return err
		}
		return t.SetStateSuccess(j.NewStateID, true)
	})
	if err != nil {
		return err
	}
	return deleteJournal(e.journalPath())
}
