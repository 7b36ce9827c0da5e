package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/sps2/sps2/pkg/config"
	"github.com/sps2/sps2/pkg/materialize"
	"github.com/sps2/sps2/pkg/objfmt"
	"github.com/sps2/sps2/pkg/store"
)

// buildArchive writes a minimal .sp archive (manifest.toml + files/ tree)
// to a temp file and returns its path, mirroring the shape
// buildTargets/findPayloadRoot expect.
func buildArchive(t *testing.T, name, version string, files map[string]string) string {
	t.Helper()

	manifestData, err := objfmt.EncodeManifest(objfmt.Manifest{Name: name, Version: version, Arch: "arm64"})
	if err != nil {
		t.Fatalf("EncodeManifest: %v", err)
	}

	entries := []objfmt.PackEntry{
		{Path: "manifest.toml", Mode: 0o644, Size: int64(len(manifestData)), Reader: bytes.NewReader(manifestData)},
	}
	for path, content := range files {
		entries = append(entries, objfmt.PackEntry{
			Path: "files/" + path, Mode: 0o644, Size: int64(len(content)), Reader: bytes.NewReader([]byte(content)),
		})
	}

	archivePath := filepath.Join(t.TempDir(), name+".sp")
	f, err := os.Create(archivePath)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	if err := objfmt.Pack(f, entries); err != nil {
		t.Fatalf("Pack: %v", err)
	}
	return archivePath
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	paths := config.Paths{Prefix: t.TempDir()}
	if err := os.MkdirAll(paths.StoreObjectsDir(), 0o755); err != nil {
		t.Fatal(err)
	}
	s, err := store.Open(paths)
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	return s
}

func TestLoadArchiveBuildsTargetsFromFilesPayload(t *testing.T) {
	objStore := newTestStore(t)
	archivePath := buildArchive(t, "demo", "1.0.0", map[string]string{
		"bin/demo":         "binary bytes",
		"share/doc/readme": "hello",
	})

	pkg, err := loadArchive(objStore, archivePath, objfmt.DefaultExtractLimits())
	if err != nil {
		t.Fatalf("loadArchive: %v", err)
	}

	if pkg.manifest.Name != "demo" || pkg.manifest.Version != "1.0.0" {
		t.Fatalf("unexpected manifest: %+v", pkg.manifest)
	}
	// The archive carries no directory entries, but unpacking creates the
	// parent directories on disk and buildTargets records each of them:
	// bin, bin/demo, share, share/doc, share/doc/readme.
	if len(pkg.targets) != 5 {
		t.Fatalf("expected 5 targets, got %d: %+v", len(pkg.targets), pkg.targets)
	}
	for _, target := range pkg.targets {
		if target.Package != "demo" {
			t.Fatalf("target %q missing package label", target.Path)
		}
		if target.IsDir {
			if !target.Hash.IsZero() {
				t.Fatalf("directory target %q carries a hash", target.Path)
			}
			continue
		}
		if !objStore.HasFileObject(target.Hash) {
			t.Fatalf("target %q's file object was not deposited in the store", target.Path)
		}
	}
}

func TestLoadArchiveRejectsMissingPayloadRoot(t *testing.T) {
	objStore := newTestStore(t)

	manifestData, err := objfmt.EncodeManifest(objfmt.Manifest{Name: "empty", Version: "1.0.0", Arch: "arm64"})
	if err != nil {
		t.Fatal(err)
	}
	archivePath := filepath.Join(t.TempDir(), "empty.sp")
	f, err := os.Create(archivePath)
	if err != nil {
		t.Fatal(err)
	}
	if err := objfmt.Pack(f, []objfmt.PackEntry{
		{Path: "manifest.toml", Mode: 0o644, Size: int64(len(manifestData)), Reader: bytes.NewReader(manifestData)},
	}); err != nil {
		t.Fatal(err)
	}
	f.Close()

	if _, err := loadArchive(objStore, archivePath, objfmt.DefaultExtractLimits()); err == nil {
		t.Fatal("expected an error for an archive with no files/ or <name>/ payload directory")
	}
}

func TestNonPackageTargetsFiltersByPackage(t *testing.T) {
	objStore := newTestStore(t)
	demo, err := loadArchive(objStore, buildArchive(t, "demo", "1.0.0", map[string]string{"bin/demo": "x"}), objfmt.DefaultExtractLimits())
	if err != nil {
		t.Fatal(err)
	}
	other, err := loadArchive(objStore, buildArchive(t, "other", "1.0.0", map[string]string{"bin/other": "y"}), objfmt.DefaultExtractLimits())
	if err != nil {
		t.Fatal(err)
	}

	all := append(append([]materialize.Target{}, demo.targets...), other.targets...)
	kept := nonPackageTargets(all, map[string]bool{"demo": true})

	if len(kept) != len(other.targets) {
		t.Fatalf("expected only other's targets to remain, got %d", len(kept))
	}
	for _, target := range kept {
		if target.Package == "demo" {
			t.Fatalf("excluded package's target survived filtering: %+v", target)
		}
	}
}

func TestPackageNameVersion(t *testing.T) {
	if got := packageNameVersion("demo", "1.0.0"); got != "demo@1.0.0" {
		t.Fatalf("got %q", got)
	}
	if got := packageNameVersion("demo", ""); got != "demo" {
		t.Fatalf("got %q", got)
	}
}

func TestFileModeFromBits(t *testing.T) {
	if got := fileModeFromBits(0o755); got.Perm() != 0o755 {
		t.Fatalf("got %v", got)
	}
}
