package statedb

import (
	"path/filepath"
	"testing"
	"time"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sps2.db")
	db, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestInsertAndActivateState(t *testing.T) {
	db := openTestDB(t)

	err := db.Update(func(t *Tx) error {
		if err := t.InsertState(State{ID: "s1", Operation: "install:foo", CreatedAt: time.Now()}); err != nil {
			return err
		}
		return t.SetActiveState("s1")
	})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}

	active, err := db.ActiveState()
	if err != nil {
		t.Fatalf("ActiveState: %v", err)
	}
	if active != "s1" {
		t.Fatalf("expected active state s1, got %q", active)
	}
}

func TestLinkPackageAndRefcount(t *testing.T) {
	db := openTestDB(t)

	err := db.Update(func(t *Tx) error {
		if err := t.InsertState(State{ID: "s1", CreatedAt: time.Now()}); err != nil {
			return err
		}
		if err := t.PutPackageObject(PackageObject{Hash: "h1", Name: "foo", Version: "1.0"}); err != nil {
			return err
		}
		if err := t.LinkPackage("s1", PackageRef{Name: "foo", Version: "1.0", Hash: "h1"}); err != nil {
			return err
		}
		if _, err := t.IncrementPackageRefs("h1", 1); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}

	var obj PackageObject
	var refs []PackageRef
	err = db.View(func(t *Tx) error {
		var ok bool
		var err error
		obj, ok, err = t.GetPackageObject("h1")
		if err != nil || !ok {
			return err
		}
		refs, err = t.GetStatePackages("s1")
		return err
	})
	if err != nil {
		t.Fatalf("View: %v", err)
	}
	if obj.RefCount != 1 {
		t.Fatalf("expected refcount 1, got %d", obj.RefCount)
	}
	if len(refs) != 1 || refs[0].Hash != "h1" {
		t.Fatalf("unexpected state packages: %+v", refs)
	}
}

func TestRefcountUnderflowRejected(t *testing.T) {
	db := openTestDB(t)

	err := db.Update(func(t *Tx) error {
		return t.PutPackageObject(PackageObject{Hash: "h1"})
	})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}

	err = db.Update(func(t *Tx) error {
		_, err := t.IncrementPackageRefs("h1", -1)
		return err
	})
	if err == nil {
		t.Fatal("expected underflow error decrementing a zero refcount")
	}
}

func TestPruneStatesKeepsActiveAndRetainCount(t *testing.T) {
	db := openTestDB(t)
	now := time.Now()

	err := db.Update(func(t *Tx) error {
		for i, id := range []string{"s1", "s2", "s3", "s4"} {
			if err := t.InsertState(State{ID: id, CreatedAt: now.Add(time.Duration(i) * time.Hour)}); err != nil {
				return err
			}
		}
		return t.SetActiveState("s1") // old but active; must survive prune
	})
	if err != nil {
		t.Fatalf("setup: %v", err)
	}

	result, err := db.PruneStates(Retention{Count: 1, OlderThan: time.Hour}, now.Add(5*time.Hour))
	if err != nil {
		t.Fatalf("PruneStates: %v", err)
	}

	removedSet := map[string]bool{}
	for _, id := range result.RemovedStates {
		removedSet[id] = true
	}
	if removedSet["s1"] {
		t.Fatal("active state must never be pruned")
	}
	if removedSet["s4"] {
		t.Fatal("most recent state (within retain count) must never be pruned")
	}
	if !removedSet["s2"] {
		t.Fatal("expected s2 to be pruned")
	}
}

func TestPruneStatesDryRunLeavesStatesAndRefcountsUntouched(t *testing.T) {
	db := openTestDB(t)
	now := time.Now()

	err := db.Update(func(t *Tx) error {
		for i, id := range []string{"s1", "s2", "s3", "s4"} {
			if err := t.InsertState(State{ID: id, CreatedAt: now.Add(time.Duration(i) * time.Hour)}); err != nil {
				return err
			}
		}
		if err := t.PutPackageObject(PackageObject{Hash: "h1", RefCount: 1}); err != nil {
			return err
		}
		if err := t.LinkPackage("s2", PackageRef{Name: "pkg", Hash: "h1"}); err != nil {
			return err
		}
		return t.SetActiveState("s1")
	})
	if err != nil {
		t.Fatalf("setup: %v", err)
	}

	result, err := db.PruneStates(Retention{Count: 1, OlderThan: time.Hour, DryRun: true}, now.Add(5*time.Hour))
	if err != nil {
		t.Fatalf("PruneStates dry-run: %v", err)
	}

	removedSet := map[string]bool{}
	for _, id := range result.RemovedStates {
		removedSet[id] = true
	}
	if !removedSet["s2"] {
		t.Fatal("expected dry run to report s2 as prunable")
	}
	zeroed := map[string]bool{}
	for _, h := range result.ZeroedPackageHash {
		zeroed[h] = true
	}
	if !zeroed["h1"] {
		t.Fatal("expected dry run to report h1's refcount would reach zero")
	}

	// Nothing above may have actually committed: s2 must still exist with
	// its package link and h1's refcount must be unchanged.
	states, err := db.States()
	if err != nil {
		t.Fatalf("States: %v", err)
	}
	found := false
	for _, s := range states {
		if s.ID == "s2" {
			found = true
		}
	}
	if !found {
		t.Fatal("dry run must not delete state s2")
	}
	var obj PackageObject
	err = db.View(func(t *Tx) error {
		var ok bool
		var err error
		obj, ok, err = t.GetPackageObject("h1")
		if err != nil || !ok {
			return err
		}
		return nil
	})
	if err != nil {
		t.Fatalf("View: %v", err)
	}
	if obj.RefCount != 1 {
		t.Fatalf("dry run must not touch refcounts, got %d", obj.RefCount)
	}
}

func TestVerifyConsistencyDetectsMismatch(t *testing.T) {
	db := openTestDB(t)

	err := db.Update(func(t *Tx) error {
		if err := t.InsertState(State{ID: "s1", CreatedAt: time.Now()}); err != nil {
			return err
		}
		if err := t.PutPackageObject(PackageObject{Hash: "h1", RefCount: 5}); err != nil {
			return err
		}
		return t.LinkPackage("s1", PackageRef{Hash: "h1"})
	})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}

	issues, err := db.VerifyConsistency()
	if err != nil {
		t.Fatalf("VerifyConsistency: %v", err)
	}
	if len(issues) == 0 {
		t.Fatal("expected a refcount mismatch to be detected (stored 5, only 1 link)")
	}
}

func TestVerifyConsistencyCleanDB(t *testing.T) {
	db := openTestDB(t)

	err := db.Update(func(t *Tx) error {
		if err := t.InsertState(State{ID: "s1", CreatedAt: time.Now()}); err != nil {
			return err
		}
		if err := t.PutPackageObject(PackageObject{Hash: "h1", RefCount: 1}); err != nil {
			return err
		}
		return t.LinkPackage("s1", PackageRef{Hash: "h1"})
	})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}

	issues, err := db.VerifyConsistency()
	if err != nil {
		t.Fatalf("VerifyConsistency: %v", err)
	}
	if len(issues) != 0 {
		t.Fatalf("expected no issues, got %v", issues)
	}
}
