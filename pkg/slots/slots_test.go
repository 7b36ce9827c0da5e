package slots

import (
	"os"
	"path/filepath"
	"testing"
)

func TestOpenInitializesFreshLayout(t *testing.T) {
	root := t.TempDir()
	m := New(root)
	if err := m.Open(); err != nil {
		t.Fatalf("Open: %v", err)
	}

	active, err := m.ActiveSlot()
	if err != nil {
		t.Fatalf("ActiveSlot: %v", err)
	}
	if active != SlotA {
		t.Fatalf("expected fresh layout to start active on slot A, got %v", active)
	}

	for _, dir := range []string{"live-a", "live-b"} {
		if info, err := os.Stat(filepath.Join(root, dir)); err != nil || !info.IsDir() {
			t.Fatalf("expected %s to exist as a directory: %v", dir, err)
		}
	}

	target, err := os.Readlink(filepath.Join(root, "live"))
	if err != nil {
		t.Fatalf("Readlink: %v", err)
	}
	if target != "live-a" {
		t.Fatalf("expected live -> live-a, got %q", target)
	}
}

func TestSwapToFlipsActiveSlotAndSymlink(t *testing.T) {
	root := t.TempDir()
	m := New(root)
	if err := m.Open(); err != nil {
		t.Fatalf("Open: %v", err)
	}

	inactive, err := m.InactiveSlot()
	if err != nil {
		t.Fatalf("InactiveSlot: %v", err)
	}
	if inactive != SlotB {
		t.Fatalf("expected inactive slot to be B, got %v", inactive)
	}

	if err := m.MarkSlotState(SlotB, "state-2"); err != nil {
		t.Fatalf("MarkSlotState: %v", err)
	}
	if err := m.SwapTo(SlotB); err != nil {
		t.Fatalf("SwapTo: %v", err)
	}

	active, err := m.ActiveSlot()
	if err != nil {
		t.Fatalf("ActiveSlot: %v", err)
	}
	if active != SlotB {
		t.Fatalf("expected active slot B after swap, got %v", active)
	}

	target, err := os.Readlink(filepath.Join(root, "live"))
	if err != nil {
		t.Fatalf("Readlink: %v", err)
	}
	if target != "live-b" {
		t.Fatalf("expected live -> live-b after swap, got %q", target)
	}

	state, err := m.SlotState(SlotB)
	if err != nil {
		t.Fatalf("SlotState: %v", err)
	}
	if state != "state-2" {
		t.Fatalf("expected slot B state to be state-2, got %q", state)
	}
}

func TestValidateDetectsSymlinkMismatch(t *testing.T) {
	root := t.TempDir()
	m := New(root)
	if err := m.Open(); err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := m.Validate(); err != nil {
		t.Fatalf("expected fresh layout to validate cleanly: %v", err)
	}

	// Hand-corrupt the symlink to point at the wrong slot.
	link := filepath.Join(root, "live")
	if err := os.Remove(link); err != nil {
		t.Fatal(err)
	}
	if err := os.Symlink("live-b", link); err != nil {
		t.Fatal(err)
	}

	if err := m.Validate(); err == nil {
		t.Fatal("expected Validate to detect the mismatch between record and symlink")
	}
}

func TestReconcileActiveSlotTrustsSymlinkOverRecord(t *testing.T) {
	root := t.TempDir()
	m := New(root)
	if err := m.Open(); err != nil {
		t.Fatalf("Open: %v", err)
	}

	// Simulate a crash between relink and save: symlink points at B, but
	// the persisted record still says A is active.
	link := filepath.Join(root, "live")
	if err := os.Remove(link); err != nil {
		t.Fatal(err)
	}
	if err := os.Symlink("live-b", link); err != nil {
		t.Fatal(err)
	}

	if err := m.ReconcileActiveSlot(); err != nil {
		t.Fatalf("ReconcileActiveSlot: %v", err)
	}

	active, err := m.ActiveSlot()
	if err != nil {
		t.Fatalf("ActiveSlot: %v", err)
	}
	if active != SlotB {
		t.Fatalf("expected reconcile to adopt slot B from the symlink, got %v", active)
	}
	if err := m.Validate(); err != nil {
		t.Fatalf("expected record to agree with symlink after reconcile: %v", err)
	}
}

func TestReconcileActiveSlotRejectsUnknownTarget(t *testing.T) {
	root := t.TempDir()
	m := New(root)
	if err := m.Open(); err != nil {
		t.Fatalf("Open: %v", err)
	}

	link := filepath.Join(root, "live")
	if err := os.Remove(link); err != nil {
		t.Fatal(err)
	}
	if err := os.Symlink("/tmp/not-a-slot", link); err != nil {
		t.Fatal(err)
	}

	if err := m.ReconcileActiveSlot(); err == nil {
		t.Fatal("expected ReconcileActiveSlot to reject a symlink target that isn't a slot directory")
	}
}

func TestOpenIsIdempotentAcrossReopens(t *testing.T) {
	root := t.TempDir()
	m1 := New(root)
	if err := m1.Open(); err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := m1.SwapTo(SlotB); err != nil {
		t.Fatalf("SwapTo: %v", err)
	}

	m2 := New(root)
	if err := m2.Open(); err != nil {
		t.Fatalf("re-Open: %v", err)
	}
	active, err := m2.ActiveSlot()
	if err != nil {
		t.Fatalf("ActiveSlot: %v", err)
	}
	if active != SlotB {
		t.Fatalf("expected reopened manager to observe slot B active, got %v", active)
	}
}
