package statedb

import (
	"fmt"
	"time"
)

// ActiveState returns the currently active state ID, or "" if none.
func (db *DB) ActiveState() (string, error) {
	var id string
	err := db.View(func(t *Tx) error {
		var err error
		id, err = t.GetActiveState()
		return err
	})
	return id, err
}

// States returns every recorded state, oldest first.
func (db *DB) States() ([]State, error) {
	var states []State
	err := db.View(func(t *Tx) error {
		var err error
		states, err = t.ListStates()
		return err
	})
	return states, err
}

// State fetches a single state by ID.
func (db *DB) State(id string) (State, bool, error) {
	var (
		s  State
		ok bool
	)
	err := db.View(func(t *Tx) error {
		var err error
		s, ok, err = t.GetState(id)
		return err
	})
	return s, ok, err
}

// ObjectCounts implements pkg/metrics.Source: it satisfies the store's
// object-count gauges from the package/file object buckets this database
// owns.
func (db *DB) ObjectCounts() (packages, files int) {
	_ = db.View(func(t *Tx) error {
		pkgs, err := t.ListPackageObjects()
		if err != nil {
			return err
		}
		fileObjs, err := t.ListFileObjects()
		if err != nil {
			return err
		}
		packages = len(pkgs)
		files = len(fileObjs)
		return nil
	})
	return packages, files
}

// Retention bounds which states PruneStates may remove: it always keeps
// the Count most recent states plus anything newer than OlderThan,
// regardless of whether they're reachable from the active state (spec
// §4.C/§4.G retention policy, surfaced via pkg/config's RetainCount/
// RetainOlderThan).
type Retention struct {
	Count     int
	OlderThan time.Duration
	// DryRun, when set, makes PruneStates compute the same selection and
	// refcount-zeroing outcome a real run would, inside a read-only
	// transaction: no state row is deleted and no refcount is touched.
	DryRun bool
}

// PruneResult reports what a PruneStates call did.
type PruneResult struct {
	RemovedStates     []string
	ZeroedPackageHash []string // package hashes whose refcount reached zero
	ZeroedFileHash    []string // file hashes whose refcount reached zero
}

// statesToPrune selects, from states (oldest-first) and the active state
// ID, every state Retention would remove. Shared by PruneStates' real and
// dry-run paths so the two can never disagree about what's selected.
func statesToPrune(states []State, active string, retain Retention, now time.Time) []State {
	cutoff := now.Add(-retain.OlderThan)
	keepTail := map[string]bool{}
	for i := len(states) - 1; i >= 0 && len(states)-i <= retain.Count; i-- {
		keepTail[states[i].ID] = true
	}
	var prune []State
	for _, s := range states {
		if s.ID == active || keepTail[s.ID] || s.CreatedAt.After(cutoff) {
			continue
		}
		prune = append(prune, s)
	}
	return prune
}

// PruneStates deletes every state outside the retention window that is
// also not the active state, decrementing the refcounts its packages and
// files held. It returns the removed state IDs plus the set of hashes
// whose refcount reached zero as a result, the input pkg/store.GC needs
// to know what became collectible. With retain.DryRun set, it reports the
// same outcome without deleting a state row or mutating a single
// refcount — the transaction it runs in is read-only, so a dry run can
// never have a side effect by construction, not just by convention.
func (db *DB) PruneStates(retain Retention, now time.Time) (PruneResult, error) {
	if retain.DryRun {
		return db.pruneStatesDryRun(retain, now)
	}

	var result PruneResult
	err := db.Update(func(t *Tx) error {
		states, err := t.ListStates()
		if err != nil {
			return err
		}
		active, err := t.GetActiveState()
		if err != nil {
			return err
		}

		for _, s := range statesToPrune(states, active, retain, now) {
			if err := decrementStateRefs(t, s.ID, &result); err != nil {
				return fmt.Errorf("decrement refs for state %s: %w", s.ID, err)
			}
			if err := t.DeleteState(s.ID); err != nil {
				return fmt.Errorf("delete state %s: %w", s.ID, err)
			}
			result.RemovedStates = append(result.RemovedStates, s.ID)
		}
		return nil
	})
	return result, err
}

// pruneStatesDryRun mirrors PruneStates' selection and refcount-zeroing
// logic read-only: it tallies, per hash, how many of the states about to
// be "removed" reference it, and reports a hash as zeroed only if that
// tally meets the object's current refcount — exactly what
// IncrementPackageRefs/IncrementFileRefs would compute, without calling
// either.
func (db *DB) pruneStatesDryRun(retain Retention, now time.Time) (PruneResult, error) {
	var result PruneResult
	err := db.View(func(t *Tx) error {
		states, err := t.ListStates()
		if err != nil {
			return err
		}
		active, err := t.GetActiveState()
		if err != nil {
			return err
		}

		pkgHits := map[string]int{}
		fileHits := map[string]int{}
		for _, s := range statesToPrune(states, active, retain, now) {
			pkgs, err := t.GetStatePackages(s.ID)
			if err != nil {
				return err
			}
			for _, p := range pkgs {
				pkgHits[p.Hash]++
			}
			files, err := t.GetStateFiles(s.ID)
			if err != nil {
				return err
			}
			for _, f := range files {
				fileHits[f.Hash]++
			}
			result.RemovedStates = append(result.RemovedStates, s.ID)
		}

		for hash, hits := range pkgHits {
			obj, ok, err := t.GetPackageObject(hash)
			if err != nil {
				return err
			}
			if ok && obj.RefCount-hits <= 0 {
				result.ZeroedPackageHash = append(result.ZeroedPackageHash, hash)
			}
		}
		for hash, hits := range fileHits {
			obj, ok, err := t.GetFileObject(hash)
			if err != nil {
				return err
			}
			if ok && obj.RefCount-hits <= 0 {
				result.ZeroedFileHash = append(result.ZeroedFileHash, hash)
			}
		}
		return nil
	})
	return result, err
}

func decrementStateRefs(t *Tx, stateID string, result *PruneResult) error {
	pkgs, err := t.GetStatePackages(stateID)
	if err != nil {
		return err
	}
	for _, p := range pkgs {
		n, err := t.IncrementPackageRefs(p.Hash, -1)
		if err != nil {
			return err
		}
		if n == 0 {
			result.ZeroedPackageHash = append(result.ZeroedPackageHash, p.Hash)
		}
	}
	files, err := t.GetStateFiles(stateID)
	if err != nil {
		return err
	}
	for _, f := range files {
		n, err := t.IncrementFileRefs(f.Hash, -1)
		if err != nil {
			return err
		}
		if n == 0 {
			result.ZeroedFileHash = append(result.ZeroedFileHash, f.Hash)
		}
	}
	return nil
}

// VerifyConsistency checks invariant 3 of spec §8: every object's refcount
// equals the number of retained installed-file/package rows that
// reference it. It returns a description per violation found; an empty
// slice means the database is internally consistent.
func (db *DB) VerifyConsistency() ([]string, error) {
	var issues []string
	err := db.View(func(t *Tx) error {
		states, err := t.ListStates()
		if err != nil {
			return err
		}

		wantPkgRefs := map[string]int{}
		wantFileRefs := map[string]int{}
		for _, s := range states {
			pkgs, err := t.GetStatePackages(s.ID)
			if err != nil {
				return err
			}
			for _, p := range pkgs {
				wantPkgRefs[p.Hash]++
			}
			files, err := t.GetStateFiles(s.ID)
			if err != nil {
				return err
			}
			for _, f := range files {
				wantFileRefs[f.Hash]++
			}
		}

		pkgObjs, err := t.ListPackageObjects()
		if err != nil {
			return err
		}
		for _, obj := range pkgObjs {
			if obj.RefCount != wantPkgRefs[obj.Hash] {
				issues = append(issues, fmt.Sprintf(
					"package object %s: refcount %d, want %d", obj.Hash, obj.RefCount, wantPkgRefs[obj.Hash]))
			}
		}

		fileObjs, err := t.ListFileObjects()
		if err != nil {
			return err
		}
		for _, obj := range fileObjs {
			if obj.RefCount != wantFileRefs[obj.Hash] {
				issues = append(issues, fmt.Sprintf(
					"file object %s: refcount %d, want %d", obj.Hash, obj.RefCount, wantFileRefs[obj.Hash]))
			}
		}
		return nil
	})
	return issues, err
}
