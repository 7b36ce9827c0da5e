// Package store implements the content-addressed store of spec §4.B: a
// package archive is unpacked once under its strong hash, individual files
// are deduplicated under their fast hash, and both are refcounted in
// pkg/statedb. It stands in the tree the way distribution-distribution's
// registry/storage blob store does for its registry: a filesystem driver
// underneath a content-hash naming scheme, with garbage collection layered
// on top (pkg/store/gc.go, grounded on that package's mark-and-sweep).
package store

import (
	"io"
	"os"
	"path/filepath"

	"github.com/sps2/sps2/pkg/config"
	"github.com/sps2/sps2/pkg/errs"
	"github.com/sps2/sps2/pkg/metrics"
	"github.com/sps2/sps2/pkg/objfmt"
)

// Store owns the on-disk object tree rooted at a config.Paths' StoreDir.
// It never opens pkg/statedb itself: callers pass a *statedb.DB (or any
// narrower interface they need) into the operations that require one, so
// Store stays a leaf package the same way objfmt does.
type Store struct {
	paths config.Paths
}

// Open returns a Store rooted at paths, creating the directory tree if it
// does not exist yet.
func Open(paths config.Paths) (*Store, error) {
	for _, dir := range []string{paths.StoreDir(), paths.StoreObjectsDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, errs.New(errs.CodeStore, errs.SeverityCritical, "store.open", err).WithPath(dir)
		}
	}
	return &Store{paths: paths}, nil
}

func (s *Store) packagePath(hash objfmt.Hash) string {
	return filepath.Join(s.paths.StoreDir(), hash.String())
}

func (s *Store) fileObjectPath(hash objfmt.Hash) string {
	prefix := hash.Prefix(2)
	return filepath.Join(s.paths.StoreObjectsDir(), prefix, hash.String())
}

// PackagePath returns the store directory a package with this hash would
// occupy, whether or not it has actually been added yet. Callers that
// need to record a StorePath before confirming presence (pkg/transition's
// Phase 2) use this instead of GetPackage.
func (s *Store) PackagePath(hash objfmt.Hash) string {
	return s.packagePath(hash)
}

// HasPackage reports whether a package-level store object exists for hash.
func (s *Store) HasPackage(hash objfmt.Hash) bool {
	info, err := os.Stat(s.packagePath(hash))
	return err == nil && info.IsDir()
}

// GetPackage returns the store directory for hash, erroring if absent.
func (s *Store) GetPackage(hash objfmt.Hash) (string, error) {
	p := s.packagePath(hash)
	if _, err := os.Stat(p); err != nil {
		return "", errs.New(errs.CodeStore, errs.SeverityMedium, "store.get_package", err).WithPath(p)
	}
	return p, nil
}

// AddPackage computes the strong hash of the archive at archivePath,
// unpacks it into a temp directory beside the store, fsyncs every
// written file, and atomically renames the temp directory into
// store/<hash>/. If that destination already exists the unpack is
// skipped entirely and the call returns the existing path: add_package is
// idempotent per spec §4.B.
func (s *Store) AddPackage(archivePath string, limits objfmt.ExtractLimits) (objfmt.Hash, string, error) {
	f, err := os.Open(archivePath)
	if err != nil {
		return objfmt.Hash{}, "", errs.New(errs.CodeStore, errs.SeverityMedium, "store.add_package", err).WithPath(archivePath)
	}
	defer f.Close()

	hash, err := objfmt.HashReader(objfmt.Strong, f)
	if err != nil {
		return objfmt.Hash{}, "", err
	}

	dest := s.packagePath(hash)
	if info, err := os.Stat(dest); err == nil && info.IsDir() {
		return hash, dest, nil
	}

	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return objfmt.Hash{}, "", errs.New(errs.CodeStore, errs.SeverityMedium, "store.add_package", err).WithPath(archivePath)
	}

	tmp, err := os.MkdirTemp(s.paths.StoreDir(), ".staging-*")
	if err != nil {
		return objfmt.Hash{}, "", errs.New(errs.CodeStore, errs.SeverityCritical, "store.add_package", err)
	}
	cleanupTmp := true
	defer func() {
		if cleanupTmp {
			_ = os.RemoveAll(tmp)
		}
	}()

	if err := unpackArchiveInto(f, limits, tmp); err != nil {
		return objfmt.Hash{}, "", err
	}

	if err := fsyncTree(tmp); err != nil {
		return objfmt.Hash{}, "", err
	}

	if err := os.Rename(tmp, dest); err != nil {
		if info, statErr := os.Stat(dest); statErr == nil && info.IsDir() {
			// Lost a race with a concurrent add_package of the same
			// content; the winner's directory is equally valid.
			return hash, dest, nil
		}
		return objfmt.Hash{}, "", errs.New(errs.CodeStore, errs.SeverityCritical, "store.add_package", err).WithPath(dest)
	}
	cleanupTmp = false

	return hash, dest, nil
}

// FileMeta describes a file object being added independent of the bytes
// backing it.
type FileMeta struct {
	Size          int64
	Mode          os.FileMode
	IsExecutable  bool
	IsSymlink     bool
	SymlinkTarget string
}

// AddFileObject computes the fast hash of r's content and persists it
// under store/objects/<prefix>/<hash> unless an object with that hash
// already exists, in which case the write is skipped and the existing
// hash returned (a dedup hit, spec §4.B). Symlinks carry no bytes; r may
// be nil when meta.IsSymlink is true.
func (s *Store) AddFileObject(meta FileMeta, r io.Reader) (objfmt.Hash, error) {
	if meta.IsSymlink {
		hash := objfmt.HashBytes(objfmt.Fast, []byte(meta.SymlinkTarget))
		return hash, nil
	}

	tmp, err := os.CreateTemp(s.paths.StoreObjectsDir(), ".staging-*")
	if err != nil {
		return objfmt.Hash{}, errs.New(errs.CodeStore, errs.SeverityCritical, "store.add_file_object", err)
	}
	tmpPath := tmp.Name()
	cleanup := true
	defer func() {
		if cleanup {
			tmp.Close()
			_ = os.Remove(tmpPath)
		}
	}()

	if _, err := io.Copy(tmp, r); err != nil {
		return objfmt.Hash{}, errs.New(errs.CodeStore, errs.SeverityMedium, "store.add_file_object", err)
	}
	if _, err := tmp.Seek(0, io.SeekStart); err != nil {
		return objfmt.Hash{}, errs.New(errs.CodeStore, errs.SeverityMedium, "store.add_file_object", err)
	}
	hash, err := objfmt.HashReader(objfmt.Fast, tmp)
	if err != nil {
		return objfmt.Hash{}, err
	}

	dest := s.fileObjectPath(hash)
	if _, err := os.Stat(dest); err == nil {
		metrics.StoreDedupHits.Inc()
		return hash, nil
	}

	if err := tmp.Sync(); err != nil {
		return objfmt.Hash{}, errs.New(errs.CodeStore, errs.SeverityCritical, "store.add_file_object", err)
	}
	if err := tmp.Close(); err != nil {
		return objfmt.Hash{}, errs.New(errs.CodeStore, errs.SeverityCritical, "store.add_file_object", err)
	}
	cleanup = false

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return objfmt.Hash{}, errs.New(errs.CodeStore, errs.SeverityCritical, "store.add_file_object", err).WithPath(dest)
	}
	if err := os.Rename(tmpPath, dest); err != nil {
		if _, statErr := os.Stat(dest); statErr == nil {
			metrics.StoreDedupHits.Inc()
			return hash, nil
		}
		return objfmt.Hash{}, errs.New(errs.CodeStore, errs.SeverityCritical, "store.add_file_object", err).WithPath(dest)
	}
	if err := os.Chmod(dest, meta.Mode.Perm()); err != nil {
		return objfmt.Hash{}, errs.New(errs.CodeStore, errs.SeverityMedium, "store.add_file_object", err).WithPath(dest)
	}

	metrics.StoreDedupMisses.Inc()
	return hash, nil
}

// HasFileObject reports whether a file-level store object exists for hash.
func (s *Store) HasFileObject(hash objfmt.Hash) bool {
	_, err := os.Stat(s.fileObjectPath(hash))
	return err == nil
}

// MaterializeFile writes the file named by hash to dst with the given
// mode, using clonefile/hardlink/copy in the preference order of spec
// §4.B/§4.F. mutable, when true, skips clonefile/hardlink (both share
// backing storage with the store object) and always performs a byte copy,
// for destinations the caller intends to write to afterward.
func (s *Store) MaterializeFile(hash objfmt.Hash, dst string, mode os.FileMode, mutable bool) error {
	src := s.fileObjectPath(hash)
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return errs.New(errs.CodeStore, errs.SeverityCritical, "store.materialize_file", err).WithPath(dst)
	}
	_ = os.Remove(dst)

	if !mutable {
		if err := cloneFile(src, dst); err == nil {
			return os.Chmod(dst, mode.Perm())
		}
		if err := os.Link(src, dst); err == nil {
			return os.Chmod(dst, mode.Perm())
		}
	}
	return copyFile(src, dst, mode)
}

// MaterializeSymlink recreates a symlink whose target is recorded as the
// fast hash of the target string itself (symlinks have no store object).
func (s *Store) MaterializeSymlink(target, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return errs.New(errs.CodeStore, errs.SeverityCritical, "store.materialize_symlink", err).WithPath(dst)
	}
	_ = os.Remove(dst)
	if err := os.Symlink(target, dst); err != nil {
		return errs.New(errs.CodeStore, errs.SeverityCritical, "store.materialize_symlink", err).WithPath(dst)
	}
	return nil
}

func copyFile(src, dst string, mode os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return errs.New(errs.CodeStore, errs.SeverityMedium, "store.copy_file", err).WithPath(src)
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode.Perm())
	if err != nil {
		return errs.New(errs.CodeStore, errs.SeverityMedium, "store.copy_file", err).WithPath(dst)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return errs.New(errs.CodeStore, errs.SeverityMedium, "store.copy_file", err).WithPath(dst)
	}
	if err := out.Sync(); err != nil {
		out.Close()
		return errs.New(errs.CodeStore, errs.SeverityMedium, "store.copy_file", err).WithPath(dst)
	}
	return out.Close()
}

// fsyncTree fsyncs every regular file under root, so a power loss right
// after AddPackage's rename can never observe a store object with torn
// file contents. Directories, root included, are not fsynced.
func fsyncTree(root string) error {
	err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		if info.Mode()&os.ModeSymlink != 0 {
			return nil
		}
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		return f.Sync()
	})
	if err != nil {
		return errs.New(errs.CodeStore, errs.SeverityCritical, "store.fsync_tree", err).WithPath(root)
	}
	return nil
}
