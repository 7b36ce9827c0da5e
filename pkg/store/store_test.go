package store

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sps2/sps2/pkg/config"
	"github.com/sps2/sps2/pkg/objfmt"
)

func newTestStore(t *testing.T) (*Store, config.Paths) {
	t.Helper()
	root := t.TempDir()
	paths := config.Paths{Prefix: root}
	s, err := Open(paths)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return s, paths
}

func buildArchive(t *testing.T, content string) string {
	t.Helper()
	var buf bytes.Buffer
	err := objfmt.Pack(&buf, []objfmt.PackEntry{
		{Path: "manifest.toml", Size: int64(len(content)), Reader: strings.NewReader(content), Mode: 0o644},
		{Path: "files", Dir: true, Mode: 0o755},
	})
	if err != nil {
		t.Fatalf("Pack: %v", err)
	}
	path := filepath.Join(t.TempDir(), "pkg.sp")
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestAddPackageIsIdempotent(t *testing.T) {
	s, _ := newTestStore(t)
	archive := buildArchive(t, `name = "foo"`)

	hash1, path1, err := s.AddPackage(archive, objfmt.DefaultExtractLimits())
	if err != nil {
		t.Fatalf("AddPackage: %v", err)
	}
	if !s.HasPackage(hash1) {
		t.Fatal("expected HasPackage true after AddPackage")
	}

	hash2, path2, err := s.AddPackage(archive, objfmt.DefaultExtractLimits())
	if err != nil {
		t.Fatalf("second AddPackage: %v", err)
	}
	if hash1 != hash2 || path1 != path2 {
		t.Fatalf("expected idempotent result, got (%v,%v) vs (%v,%v)", hash1, path1, hash2, path2)
	}

	if _, err := os.Stat(filepath.Join(path1, "manifest.toml")); err != nil {
		t.Fatalf("expected manifest.toml inside store object: %v", err)
	}
}

func TestAddPackageDifferentContentDifferentHash(t *testing.T) {
	s, _ := newTestStore(t)
	a1 := buildArchive(t, `name = "foo"`)
	a2 := buildArchive(t, `name = "bar"`)

	h1, _, err := s.AddPackage(a1, objfmt.DefaultExtractLimits())
	if err != nil {
		t.Fatalf("AddPackage: %v", err)
	}
	h2, _, err := s.AddPackage(a2, objfmt.DefaultExtractLimits())
	if err != nil {
		t.Fatalf("AddPackage: %v", err)
	}
	if h1.Equal(h2) {
		t.Fatal("expected distinct content to hash differently")
	}
}

func TestAddFileObjectDedupsIdenticalContent(t *testing.T) {
	s, _ := newTestStore(t)
	meta := FileMeta{Mode: 0o644}

	h1, err := s.AddFileObject(meta, strings.NewReader("hello world"))
	if err != nil {
		t.Fatalf("AddFileObject: %v", err)
	}
	h2, err := s.AddFileObject(meta, strings.NewReader("hello world"))
	if err != nil {
		t.Fatalf("AddFileObject: %v", err)
	}
	if !h1.Equal(h2) {
		t.Fatal("expected identical content to dedup to the same hash")
	}
	if !s.HasFileObject(h1) {
		t.Fatal("expected HasFileObject true after AddFileObject")
	}
}

func TestAddFileObjectDistinctContentDistinctHash(t *testing.T) {
	s, _ := newTestStore(t)
	meta := FileMeta{Mode: 0o644}

	h1, err := s.AddFileObject(meta, strings.NewReader("alpha"))
	if err != nil {
		t.Fatalf("AddFileObject: %v", err)
	}
	h2, err := s.AddFileObject(meta, strings.NewReader("beta"))
	if err != nil {
		t.Fatalf("AddFileObject: %v", err)
	}
	if h1.Equal(h2) {
		t.Fatal("expected distinct content to hash differently")
	}
}

func TestMaterializeFileRoundTrips(t *testing.T) {
	s, _ := newTestStore(t)
	h, err := s.AddFileObject(FileMeta{Mode: 0o644}, strings.NewReader("payload"))
	if err != nil {
		t.Fatalf("AddFileObject: %v", err)
	}

	dst := filepath.Join(t.TempDir(), "out", "payload.txt")
	if err := s.MaterializeFile(h, dst, 0o644, false); err != nil {
		t.Fatalf("MaterializeFile: %v", err)
	}

	got, err := os.ReadFile(dst)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(got) != "payload" {
		t.Fatalf("expected materialized content %q, got %q", "payload", got)
	}
}

func TestMaterializeSymlinkRoundTrips(t *testing.T) {
	s, _ := newTestStore(t)
	dst := filepath.Join(t.TempDir(), "link")
	if err := s.MaterializeSymlink("../elsewhere", dst); err != nil {
		t.Fatalf("MaterializeSymlink: %v", err)
	}
	target, err := os.Readlink(dst)
	if err != nil {
		t.Fatalf("Readlink: %v", err)
	}
	if target != "../elsewhere" {
		t.Fatalf("expected link target %q, got %q", "../elsewhere", target)
	}
}
