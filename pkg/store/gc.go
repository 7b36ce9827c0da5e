package store

import (
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/sps2/sps2/pkg/errs"
	"github.com/sps2/sps2/pkg/lock"
	"github.com/sps2/sps2/pkg/metrics"
	"github.com/sps2/sps2/pkg/objfmt"
	"github.com/sps2/sps2/pkg/statedb"
)

// GCOpts configures a GC pass. Grounded on distribution-distribution's
// registry/storage GCOpts, trimmed to what a single-host store needs: no
// distributed lockfile/checkpoint directory, since pkg/lock already gives
// GC exclusive access to the one host that matters.
type GCOpts struct {
	// Concurrency bounds how many objects are deleted in parallel during
	// sweep. Zero means sequential.
	Concurrency int
	// DryRun computes and returns what would be deleted without touching
	// the filesystem or the database.
	DryRun bool
}

// GCStats reports what a GC pass did, mirroring the shape of
// distribution-distribution's GCStats.
type GCStats struct {
	PackageObjectsScanned int
	FileObjectsScanned    int
	PackagesDeleted       int
	FilesDeleted          int
	BytesFreed            int64
	Duration              time.Duration
	Errors                []string
}

// GC acquires the exclusive process lock at lockPath (spec §4.B: "GC
// takes a cross-process lock and never runs concurrently with a
// transition"), then deletes every store object whose DB refcount is zero.
// It double-checks each zero-refcount object isn't reachable from any
// state in retainedStates before deleting — the mark phase of
// distribution-distribution's MarkAndSweep, collapsed to a defense-in-depth
// check since pkg/statedb's refcounts are already kept exact by
// PruneStates rather than recomputed here from scratch.
func (s *Store) GC(db *statedb.DB, lockPath string, retainedStates []string, opts GCOpts) (GCStats, error) {
	start := time.Now()

	h, err := lock.Acquire(lockPath, true)
	if err != nil {
		return GCStats{}, err
	}
	defer h.Release()

	reachablePkg, reachableFile, err := markReachable(db, retainedStates)
	if err != nil {
		return GCStats{}, err
	}

	var (
		stats       GCStats
		deletePkgs  []string
		deleteFiles []string
	)

	err = db.View(func(t *statedb.Tx) error {
		pkgs, err := t.ListPackageObjects()
		if err != nil {
			return err
		}
		stats.PackageObjectsScanned = len(pkgs)
		for _, p := range pkgs {
			if p.RefCount == 0 && !reachablePkg[p.Hash] {
				deletePkgs = append(deletePkgs, p.Hash)
			}
		}

		files, err := t.ListFileObjects()
		if err != nil {
			return err
		}
		stats.FileObjectsScanned = len(files)
		for _, f := range files {
			if f.RefCount == 0 && !reachableFile[f.Hash] {
				deleteFiles = append(deleteFiles, f.Hash)
			}
		}
		return nil
	})
	if err != nil {
		return GCStats{}, err
	}

	if opts.DryRun {
		stats.PackagesDeleted = len(deletePkgs)
		stats.FilesDeleted = len(deleteFiles)
		stats.Duration = time.Since(start)
		return stats, nil
	}

	bytesFreed, errs2 := s.sweep(deletePkgs, deleteFiles, opts.Concurrency)
	stats.Errors = errs2
	stats.BytesFreed = bytesFreed

	err = db.Update(func(t *statedb.Tx) error {
		for _, hash := range deletePkgs {
			// An object whose sweep failed is still on disk; its row
			// stays for the next pass to retry.
			if _, statErr := os.Stat(s.packagePathString(hash)); statErr == nil {
				continue
			}
			if err := t.DeletePackageObject(hash); err != nil {
				return err
			}
			stats.PackagesDeleted++
		}
		for _, hash := range deleteFiles {
			if h, perr := objfmt.ParseHex(objfmt.Fast, hash); perr != nil || s.HasFileObject(h) {
				continue
			}
			if err := t.DeleteFileObject(hash); err != nil {
				return err
			}
			stats.FilesDeleted++
		}
		return nil
	})
	if err != nil {
		return stats, err
	}

	metrics.GCDuration.Observe(time.Since(start).Seconds())
	metrics.GCObjectsDeleted.Add(float64(stats.PackagesDeleted + stats.FilesDeleted))
	metrics.GCBytesFreed.Add(float64(stats.BytesFreed))

	stats.Duration = time.Since(start)
	return stats, nil
}

// markReachable walks every retained state's package/file links and
// returns the hash sets those states still reach, regardless of what the
// stored refcount says — the mark phase distribution-distribution's
// MarkAndSweep performs by walking manifest references instead of
// trusting a cached count.
func markReachable(db *statedb.DB, retainedStates []string) (map[string]bool, map[string]bool, error) {
	pkgSet := map[string]bool{}
	fileSet := map[string]bool{}
	err := db.View(func(t *statedb.Tx) error {
		for _, id := range retainedStates {
			pkgs, err := t.GetStatePackages(id)
			if err != nil {
				return err
			}
			for _, p := range pkgs {
				pkgSet[p.Hash] = true
			}
			files, err := t.GetStateFiles(id)
			if err != nil {
				return err
			}
			for _, f := range files {
				fileSet[f.Hash] = true
			}
		}
		return nil
	})
	return pkgSet, fileSet, err
}

// sweep deletes the named package and file objects from the filesystem,
// up to concurrency in parallel, and returns total bytes freed plus a
// collected error string per object that failed to delete (a failed
// delete never aborts the pass; the DB row is left in place for the
// object that didn't actually go away, which the next GC pass retries).
func (s *Store) sweep(pkgHashes, fileHashes []string, concurrency int) (int64, []string) {
	if concurrency < 1 {
		concurrency = 1
	}

	var (
		bytesFreed int64
		mu         sync.Mutex
		errs1      []string
	)

	g := new(errgroup.Group)
	g.SetLimit(concurrency)

	for _, hash := range pkgHashes {
		hash := hash
		g.Go(func() error {
			size := dirSize(s.packagePathString(hash))
			if err := os.RemoveAll(s.packagePathString(hash)); err != nil {
				mu.Lock()
				errs1 = append(errs1, errs.New(errs.CodeStore, errs.SeverityMedium, "store.gc.sweep", err).Error())
				mu.Unlock()
				return nil
			}
			mu.Lock()
			bytesFreed += size
			mu.Unlock()
			return nil
		})
	}
	for _, hash := range fileHashes {
		hash := hash
		g.Go(func() error {
			h, err := objfmt.ParseHex(objfmt.Fast, hash)
			if err != nil {
				mu.Lock()
				errs1 = append(errs1, err.Error())
				mu.Unlock()
				return nil
			}
			path := s.fileObjectPath(h)
			info, statErr := os.Stat(path)
			if err := os.Remove(path); err != nil {
				mu.Lock()
				errs1 = append(errs1, errs.New(errs.CodeStore, errs.SeverityMedium, "store.gc.sweep", err).Error())
				mu.Unlock()
				return nil
			}
			if statErr == nil {
				mu.Lock()
				bytesFreed += info.Size()
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	return bytesFreed, errs1
}

func (s *Store) packagePathString(hash string) string {
	h, err := objfmt.ParseHex(objfmt.Strong, hash)
	if err != nil {
		return ""
	}
	return s.packagePath(h)
}

func dirSize(root string) int64 {
	if root == "" {
		return 0
	}
	var total int64
	_ = filepath.Walk(root, func(_ string, info os.FileInfo, err error) error {
		if err != nil {
			return nil
		}
		if !info.IsDir() {
			total += info.Size()
		}
		return nil
	})
	return total
}
