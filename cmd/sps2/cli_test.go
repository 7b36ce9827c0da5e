package main

import (
	"encoding/json"
	"io"
	"os"
	"strings"
	"testing"
)

// stateRow mirrors the JSON shape renderStates emits — just enough of it
// to read back which state is active after a CLI round trip.
type stateRow struct {
	ID     string `json:"id"`
	Active bool   `json:"active"`
}

func listStates(t *testing.T, prefix string) []stateRow {
	t.Helper()
	out, err := runCLI(t, "--prefix", prefix, "--output", "json", "list-states")
	if err != nil {
		t.Fatalf("list-states: %v", err)
	}
	var rows []stateRow
	if err := json.Unmarshal([]byte(out), &rows); err != nil {
		t.Fatalf("unmarshal list-states output: %v", err)
	}
	return rows
}

func activeStateID(t *testing.T, prefix string) string {
	t.Helper()
	for _, r := range listStates(t, prefix) {
		if r.Active {
			return r.ID
		}
	}
	t.Fatal("no active state found")
	return ""
}

// runCLI executes rootCmd with args against a scratch prefix, capturing
// whatever the command writes to stdout.
func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()

	r, w, err := os.Pipe()
	if err != nil {
		t.Fatal(err)
	}
	origStdout := os.Stdout
	os.Stdout = w
	defer func() { os.Stdout = origStdout }()

	rootCmd.SetArgs(args)
	runErr := rootCmd.Execute()

	w.Close()
	out, _ := io.ReadAll(r)
	os.Stdout = origStdout

	return string(out), runErr
}

func TestCLIInstallListVerifyCleanup(t *testing.T) {
	prefix := t.TempDir()
	archivePath := buildArchive(t, "demo", "1.0.0", map[string]string{"bin/demo": "payload"})

	if _, err := runCLI(t, "--prefix", prefix, "--output", "json", "install", archivePath); err != nil {
		t.Fatalf("install: %v", err)
	}

	out, err := runCLI(t, "--prefix", prefix, "--output", "json", "list-packages")
	if err != nil {
		t.Fatalf("list-packages: %v", err)
	}
	if !strings.Contains(out, `"name": "demo"`) {
		t.Fatalf("expected demo in list-packages output, got %q", out)
	}

	out, err = runCLI(t, "--prefix", prefix, "--output", "json", "list-states")
	if err != nil {
		t.Fatalf("list-states: %v", err)
	}
	if !strings.Contains(out, `"active": true`) {
		t.Fatalf("expected an active state, got %q", out)
	}

	if _, err := runCLI(t, "--prefix", prefix, "--output", "json", "verify"); err != nil {
		t.Fatalf("verify on an untouched slot should find no discrepancies: %v", err)
	}

	if _, err := runCLI(t, "--prefix", prefix, "--output", "json", "cleanup"); err != nil {
		t.Fatalf("cleanup: %v", err)
	}
}

func TestCLIInstallRejectsDuplicateName(t *testing.T) {
	prefix := t.TempDir()
	archivePath := buildArchive(t, "demo", "1.0.0", map[string]string{"bin/demo": "payload"})

	if _, err := runCLI(t, "--prefix", prefix, "--output", "json", "install", archivePath); err != nil {
		t.Fatalf("first install: %v", err)
	}
	_, err := runCLI(t, "--prefix", prefix, "--output", "json", "install", archivePath)
	if err == nil {
		t.Fatal("expected the second install of the same package name to fail")
	}
	if got := exitCode(err); got != 3 {
		t.Fatalf("expected a CodeInput error to map to exit code 3, got %d", got)
	}
}

func TestCLIUninstallUnknownPackageFails(t *testing.T) {
	prefix := t.TempDir()
	if _, err := runCLI(t, "--prefix", prefix, "--output", "json", "uninstall", "nope"); err == nil {
		t.Fatal("expected uninstall of an unknown package to fail")
	}
}

func TestCLIRollbackUnknownStateFails(t *testing.T) {
	prefix := t.TempDir()
	if _, err := runCLI(t, "--prefix", prefix, "--output", "json", "rollback", "does-not-exist"); err == nil {
		t.Fatal("expected rollback to a nonexistent state to fail")
	}
}

func TestCLIRollbackPreservesTargetStateID(t *testing.T) {
	prefix := t.TempDir()
	firstArchive := buildArchive(t, "demo", "1.0.0", map[string]string{"bin/demo": "payload-v1"})
	secondArchive := buildArchive(t, "demo", "2.0.0", map[string]string{"bin/demo": "payload-v2"})

	if _, err := runCLI(t, "--prefix", prefix, "--output", "json", "install", firstArchive); err != nil {
		t.Fatalf("install: %v", err)
	}
	s1 := activeStateID(t, prefix)

	if _, err := runCLI(t, "--prefix", prefix, "--output", "json", "update", secondArchive); err != nil {
		t.Fatalf("update: %v", err)
	}
	s2 := activeStateID(t, prefix)
	if s2 == s1 {
		t.Fatal("update must produce a new state distinct from the install it replaces")
	}

	if _, err := runCLI(t, "--prefix", prefix, "--output", "json", "rollback", s1); err != nil {
		t.Fatalf("rollback: %v", err)
	}

	// "Then rollback. Expected: active state becomes S1 (unchanged id)."
	if got := activeStateID(t, prefix); got != s1 {
		t.Fatalf("expected rollback to reactivate state %s unchanged, active state is now %s", s1, got)
	}

	rows := listStates(t, prefix)
	seen := map[string]bool{}
	for _, r := range rows {
		seen[r.ID] = true
	}
	if !seen[s1] || !seen[s2] {
		t.Fatalf("rollback must not delete either prior state, got states %+v", rows)
	}
}

func TestCLICacheFormatDetectRejectsGarbage(t *testing.T) {
	prefix := t.TempDir()
	path := prefix + "/garbage.sp"
	if err := os.WriteFile(path, []byte("not an archive"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := runCLI(t, "--prefix", prefix, "--output", "json", "cache-format-detect", path); err == nil {
		t.Fatal("expected cache-format-detect to reject a file with a bad magic prefix")
	}
}
