package materialize

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sps2/sps2/pkg/objfmt"
)

// fakeSource is an in-memory FileSource backed by a content map, standing
// in for pkg/store so these tests don't need a real store tree.
type fakeSource struct {
	content map[string][]byte // hash hex -> bytes
}

func newFakeSource() *fakeSource {
	return &fakeSource{content: map[string][]byte{}}
}

func (f *fakeSource) put(data string) objfmt.Hash {
	h := objfmt.HashBytes(objfmt.Fast, []byte(data))
	f.content[h.String()] = []byte(data)
	return h
}

func (f *fakeSource) HasFileObject(hash objfmt.Hash) bool {
	_, ok := f.content[hash.String()]
	return ok
}

func (f *fakeSource) MaterializeFile(hash objfmt.Hash, dst string, mode os.FileMode, mutable bool) error {
	data, ok := f.content[hash.String()]
	if !ok {
		return errNotFound
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	return os.WriteFile(dst, data, mode.Perm())
}

func (f *fakeSource) MaterializeSymlink(target, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	_ = os.Remove(dst)
	return os.Symlink(target, dst)
}

var errNotFound = &notFoundError{}

type notFoundError struct{}

func (*notFoundError) Error() string { return "object not found" }

func TestMaterializePlacesFilesDirsAndSymlinks(t *testing.T) {
	src := newFakeSource()
	h := src.put("hello")

	root := t.TempDir()
	targets := []Target{
		{Path: "bin", IsDir: true, Mode: 0o755},
		{Path: "bin/tool", Hash: h, Mode: 0o755},
		{Path: "lib/link", IsSymlink: true, SymlinkTarget: "../bin/tool"},
	}

	report, err := Materialize(context.Background(), src, root, targets, nil)
	if err != nil {
		t.Fatalf("Materialize: %v", err)
	}
	if report.Placed != 3 {
		t.Fatalf("expected 3 placed entries, got %+v", report)
	}

	data, err := os.ReadFile(filepath.Join(root, "bin/tool"))
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(data) != "hello" {
		t.Fatalf("expected content %q, got %q", "hello", data)
	}

	target, err := os.Readlink(filepath.Join(root, "lib/link"))
	if err != nil {
		t.Fatalf("Readlink: %v", err)
	}
	if target != "../bin/tool" {
		t.Fatalf("expected symlink target %q, got %q", "../bin/tool", target)
	}
}

func TestMaterializeIsIdempotent(t *testing.T) {
	src := newFakeSource()
	h := src.put("payload")
	root := t.TempDir()
	targets := []Target{{Path: "file.bin", Hash: h, Mode: 0o644}}

	if _, err := Materialize(context.Background(), src, root, targets, nil); err != nil {
		t.Fatalf("first Materialize: %v", err)
	}

	report, err := Materialize(context.Background(), src, root, targets, nil)
	if err != nil {
		t.Fatalf("second Materialize: %v", err)
	}
	if report.Placed != 0 || report.Skipped != 1 {
		t.Fatalf("expected the second run to skip already-correct content, got %+v", report)
	}
}

func TestMaterializeRemovesExtraneousFiles(t *testing.T) {
	src := newFakeSource()
	h := src.put("keep")
	root := t.TempDir()

	if err := os.MkdirAll(filepath.Join(root, "sub"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(root, "sub", "stale.txt"), []byte("old"), 0o644); err != nil {
		t.Fatal(err)
	}

	targets := []Target{{Path: "keep.bin", Hash: h, Mode: 0o644}}
	report, err := Materialize(context.Background(), src, root, targets, nil)
	if err != nil {
		t.Fatalf("Materialize: %v", err)
	}
	if report.Removed == 0 {
		t.Fatalf("expected stale files to be removed, got %+v", report)
	}
	if _, err := os.Stat(filepath.Join(root, "sub")); !os.IsNotExist(err) {
		t.Fatal("expected the stale subdirectory to be removed entirely")
	}
	if _, err := os.Stat(filepath.Join(root, "keep.bin")); err != nil {
		t.Fatalf("expected keep.bin to survive: %v", err)
	}
}

func TestMaterializePreservesAncestorDirsOfDesiredFiles(t *testing.T) {
	src := newFakeSource()
	h := src.put("nested")
	root := t.TempDir()

	// deep/nested.bin's parent "deep" is never listed as an explicit Dir
	// target, only implied by the file path; it must still survive the
	// set-difference removal pass.
	targets := []Target{{Path: "deep/nested.bin", Hash: h, Mode: 0o644}}

	if _, err := Materialize(context.Background(), src, root, targets, nil); err != nil {
		t.Fatalf("Materialize: %v", err)
	}
	if _, err := os.Stat(filepath.Join(root, "deep", "nested.bin")); err != nil {
		t.Fatalf("expected nested file to survive removal pass: %v", err)
	}
}

func TestMaterializeHonorsCancellation(t *testing.T) {
	src := newFakeSource()
	var targets []Target
	for i := 0; i < chunkSize*2; i++ {
		h := src.put(strings.Repeat("x", i+1))
		targets = append(targets, Target{Path: filepath.Join("f", string(rune('a'+i%26)), "file"), Hash: h, Mode: 0o644})
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	root := t.TempDir()
	_, err := Materialize(ctx, src, root, targets, nil)
	if err == nil {
		t.Fatal("expected Materialize to honor a pre-cancelled context")
	}
}
