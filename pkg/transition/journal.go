package transition

import (
	"encoding/json"
	"os"

	"github.com/sps2/sps2/pkg/errs"
	"github.com/sps2/sps2/pkg/slots"
)

// Phase is the journal's own two-value progress marker, spec §4.E's
// "{new_state_id, parent_state_id, staging_slot, phase, operation}".
type Phase string

const (
	PhasePrepared Phase = "prepared"
	PhaseSwapped  Phase = "swapped"
)

// Journal is the on-disk record of an in-flight transition, persisted at
// config.Paths.TransactionJournal(). Its presence at engine startup is
// what drives crash recovery.
type Journal struct {
	FormatVersion   int        `json:"format_version"`
	NewStateID      string     `json:"new_state_id"`
	ParentStateID   string     `json:"parent_state_id,omitempty"`
	StagingSlot     slots.Name `json:"staging_slot"`
	Phase           Phase      `json:"phase"`
	Operation       string     `json:"operation"`
	RollbackOfState string     `json:"rollback_of,omitempty"`
}

// readJournal loads the journal at path, returning ok=false if none
// exists (the common case: no transition in flight).
func readJournal(path string) (Journal, bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Journal{}, false, nil
		}
		return Journal{}, false, errs.New(errs.CodeState, errs.SeverityCritical, "transition.read_journal", err).WithPath(path)
	}
	var j Journal
	if err := json.Unmarshal(data, &j); err != nil {
		return Journal{}, false, errs.New(errs.CodeState, errs.SeverityCritical, "transition.read_journal", err).WithPath(path)
	}
	return j, true, nil
}

// writeJournal persists j via write-temp-rename-fsync, the same
// durability idiom pkg/slots uses for slots.json, so a crash mid-write
// never leaves a torn or half-written journal for recovery to trip over.
func writeJournal(path string, j Journal) error {
	j.FormatVersion = 1
	data, err := json.MarshalIndent(j, "", "  ")
	if err != nil {
		return errs.New(errs.CodeState, errs.SeverityCritical, "transition.write_journal", err)
	}

	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return errs.New(errs.CodeState, errs.SeverityCritical, "transition.write_journal", err).WithPath(tmp)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return errs.New(errs.CodeState, errs.SeverityCritical, "transition.write_journal", err).WithPath(tmp)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return errs.New(errs.CodeState, errs.SeverityCritical, "transition.write_journal", err).WithPath(tmp)
	}
	if err := f.Close(); err != nil {
		return errs.New(errs.CodeState, errs.SeverityCritical, "transition.write_journal", err).WithPath(tmp)
	}
	return errWrap(os.Rename(tmp, path), path)
}

// deleteJournal removes the journal by renaming it aside then deleting,
// so a crash between the two steps still leaves no file at path (the
// authoritative "no transition in flight" signal) — matching spec §4.E
// Phase 4's "Delete the journal file (rename away, then remove)."
func deleteJournal(path string) error {
	aside := path + ".done"
	if err := os.Rename(path, aside); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errs.New(errs.CodeState, errs.SeverityHigh, "transition.delete_journal", err).WithPath(path)
	}
	if err := os.Remove(aside); err != nil && !os.IsNotExist(err) {
		return errs.New(errs.CodeState, errs.SeverityMedium, "transition.delete_journal", err).WithPath(aside)
	}
	return nil
}

func errWrap(err error, path string) error {
	if err == nil {
		return nil
	}
	return errs.New(errs.CodeState, errs.SeverityCritical, "transition.write_journal", err).WithPath(path)
}
