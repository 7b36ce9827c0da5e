// Package slots implements the live-slot model of spec §3/§4.D: two
// sibling directories <prefix>/live-a and <prefix>/live-b, a <prefix>/live
// symlink pointing at whichever is active, and a small persisted record
// tracking which state each slot currently materializes. The durability
// idiom (write-temp-rename-fsync) follows the same pattern the teacher
// uses for its own persisted records.
package slots

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/sps2/sps2/pkg/errs"
)

// Name identifies one of the two physical slots.
type Name string

const (
	SlotA Name = "a"
	SlotB Name = "b"
)

func (n Name) other() Name {
	if n == SlotA {
		return SlotB
	}
	return SlotA
}

// record is the persisted slots.json shape: spec §4.D's "(active_slot,
// slot_a_state_id, slot_b_state_id)".
type record struct {
	Active     Name   `json:"active_slot"`
	SlotAState string `json:"slot_a_state_id,omitempty"`
	SlotBState string `json:"slot_b_state_id,omitempty"`
}

// Manager owns the live-slot directories and the live symlink under root.
type Manager struct {
	root       string
	recordPath string
	liveLink   string
}

// New creates a Manager rooted at prefix. Open must be called before use.
func New(prefix string) *Manager {
	return &Manager{
		root:       prefix,
		recordPath: filepath.Join(prefix, "slots.json"),
		liveLink:   filepath.Join(prefix, "live"),
	}
}

func (m *Manager) slotPath(n Name) string {
	return filepath.Join(m.root, "live-"+string(n))
}

// Open loads the persisted record, initializing a fresh one (slot A
// active, both directories created empty, live symlinked to live-a) if
// none exists yet.
func (m *Manager) Open() error {
	if _, err := os.Stat(m.recordPath); os.IsNotExist(err) {
		return m.initFresh()
	}
	_, err := m.load()
	return err
}

func (m *Manager) initFresh() error {
	for _, n := range []Name{SlotA, SlotB} {
		if err := os.MkdirAll(m.slotPath(n), 0o755); err != nil {
			return errs.New(errs.CodeState, errs.SeverityCritical, "slots.init", err).WithPath(m.slotPath(n))
		}
	}
	if err := m.relink(SlotA); err != nil {
		return err
	}
	return m.save(record{Active: SlotA})
}

func (m *Manager) load() (record, error) {
	data, err := os.ReadFile(m.recordPath)
	if err != nil {
		return record{}, errs.New(errs.CodeState, errs.SeverityCritical, "slots.load", err).WithPath(m.recordPath)
	}
	var r record
	if err := json.Unmarshal(data, &r); err != nil {
		return record{}, errs.New(errs.CodeState, errs.SeverityCritical, "slots.load", err).WithPath(m.recordPath)
	}
	return r, nil
}

// save writes r via write-temp-rename-fsync so a crash mid-write never
// leaves slots.json truncated or corrupt, then fsyncs the parent
// directory so the rename itself survives a crash.
func (m *Manager) save(r record) error {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return errs.New(errs.CodeState, errs.SeverityCritical, "slots.save", err)
	}

	tmp := m.recordPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return errs.New(errs.CodeState, errs.SeverityCritical, "slots.save", err).WithPath(tmp)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return errs.New(errs.CodeState, errs.SeverityCritical, "slots.save", err).WithPath(tmp)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return errs.New(errs.CodeState, errs.SeverityCritical, "slots.save", err).WithPath(tmp)
	}
	if err := f.Close(); err != nil {
		return errs.New(errs.CodeState, errs.SeverityCritical, "slots.save", err).WithPath(tmp)
	}
	if err := os.Rename(tmp, m.recordPath); err != nil {
		return errs.New(errs.CodeState, errs.SeverityCritical, "slots.save", err).WithPath(m.recordPath)
	}
	dirPath := filepath.Dir(m.recordPath)
	dir, err := os.Open(dirPath)
	if err != nil {
		return errs.New(errs.CodeState, errs.SeverityCritical, "slots.save", err).WithPath(dirPath)
	}
	defer dir.Close()
	if err := dir.Sync(); err != nil {
		return errs.New(errs.CodeState, errs.SeverityCritical, "slots.save", err).WithPath(dirPath)
	}
	return nil
}

// ActiveSlot returns the currently live slot.
func (m *Manager) ActiveSlot() (Name, error) {
	r, err := m.load()
	if err != nil {
		return "", err
	}
	return r.Active, nil
}

// InactiveSlot returns the slot not currently live — always the one
// Phase 0 stages a new state into.
func (m *Manager) InactiveSlot() (Name, error) {
	active, err := m.ActiveSlot()
	if err != nil {
		return "", err
	}
	return active.other(), nil
}

// SlotPath returns the physical directory for slot n.
func (m *Manager) SlotPath(n Name) string {
	return m.slotPath(n)
}

// SlotState returns the state ID slot n currently materializes, or "" if
// none recorded yet.
func (m *Manager) SlotState(n Name) (string, error) {
	r, err := m.load()
	if err != nil {
		return "", err
	}
	if n == SlotA {
		return r.SlotAState, nil
	}
	return r.SlotBState, nil
}

// MarkSlotState records which state slot n now materializes, without
// changing which slot is live. Called from Phase 3 (Swap) right after
// SwapTo has flipped the symlink to the populated staging slot.
func (m *Manager) MarkSlotState(n Name, stateID string) error {
	r, err := m.load()
	if err != nil {
		return err
	}
	if n == SlotA {
		r.SlotAState = stateID
	} else {
		r.SlotBState = stateID
	}
	return m.save(r)
}

// SwapTo flips the live symlink to slot n and records it as active. This
// is the single atomic step of spec §4.E Phase 3 that makes a
// materialized slot visible to running processes.
func (m *Manager) SwapTo(n Name) error {
	if err := m.relink(n); err != nil {
		return err
	}
	r, err := m.load()
	if err != nil {
		return err
	}
	r.Active = n
	return m.save(r)
}

// relink atomically repoints the live symlink at slot n: it symlinks into
// a temp path and renames over the old link, so a reader never observes a
// missing or half-written symlink.
func (m *Manager) relink(n Name) error {
	target := "live-" + string(n)
	tmp := m.liveLink + ".tmp"
	_ = os.Remove(tmp)
	if err := os.Symlink(target, tmp); err != nil {
		return errs.New(errs.CodeState, errs.SeverityCritical, "slots.relink", err).WithPath(tmp)
	}
	if err := os.Rename(tmp, m.liveLink); err != nil {
		return errs.New(errs.CodeState, errs.SeverityCritical, "slots.relink", err).WithPath(m.liveLink)
	}
	return nil
}

// Validate reports an error if the live symlink doesn't point at the slot
// the record claims is active. It only reports; ReconcileActiveSlot is the
// call that rewrites the record to match the symlink.
func (m *Manager) Validate() error {
	r, err := m.load()
	if err != nil {
		return err
	}
	target, err := os.Readlink(m.liveLink)
	if err != nil {
		return errs.New(errs.CodeState, errs.SeverityHigh, "slots.validate", err).WithPath(m.liveLink)
	}
	want := "live-" + string(r.Active)
	if target != want {
		return errs.New(errs.CodeState, errs.SeverityHigh, "slots.validate",
			fmt.Errorf("live symlink points at %q, record says active slot is %q", target, want))
	}
	return nil
}

// ReconcileActiveSlot trusts the live symlink over the persisted record
// when the two disagree: relink's rename is the atomic step, so the
// symlink can never be left half-written, while slots.json can still be
// stale if a process died between SwapTo's relink and its save. Engine
// recovery calls this before acting on a journal, so a crash in that
// exact window doesn't leave the engine reasoning from the wrong active
// slot.
func (m *Manager) ReconcileActiveSlot() error {
	target, err := os.Readlink(m.liveLink)
	if err != nil {
		return errs.New(errs.CodeState, errs.SeverityHigh, "slots.reconcile", err).WithPath(m.liveLink)
	}
	var actual Name
	switch target {
	case "live-" + string(SlotA):
		actual = SlotA
	case "live-" + string(SlotB):
		actual = SlotB
	default:
		return errs.New(errs.CodeState, errs.SeverityCritical, "slots.reconcile",
			fmt.Errorf("live symlink points at %q, not a recognized slot directory", target))
	}
	r, err := m.load()
	if err != nil {
		return err
	}
	if r.Active == actual {
		return nil
	}
	r.Active = actual
	return m.save(r)
}
