// Package materialize implements the file materializer of spec §4.F:
// populating an inactive live slot from the content-addressed store to
// match a target state's installed-file set. It is the one component that
// walks a real directory tree rather than a database, so its determinism
// and idempotence guarantees come from sorting and from comparing
// on-disk content against the target before touching anything — the same
// discipline objfmt.Pack uses for archive determinism, applied to a live
// filesystem instead of a tar stream.
package materialize

import (
	"context"
	"os"
	"path/filepath"
	"sort"

	"github.com/sps2/sps2/pkg/errs"
	"github.com/sps2/sps2/pkg/events"
	"github.com/sps2/sps2/pkg/objfmt"
)

// Target is one desired entry in the materialized tree, spec §4.F's
// "(relative_path, file_hash, permissions, is_dir, is_symlink,
// symlink_target)".
type Target struct {
	Path          string // slot-relative, forward slashes
	Hash          objfmt.Hash
	Mode          os.FileMode
	IsDir         bool
	IsSymlink     bool
	SymlinkTarget string
	// Package names which installed package this target belongs to, so
	// downstream consumers (pkg/guard's per-package verification scope)
	// can filter the installed-file set without a separate index.
	Package string
}

// FileSource is the narrow view into pkg/store that Materialize needs.
// Defined here rather than imported directly so this package stays
// testable against a fake, the way pkg/metrics defines its own Source
// interface onto pkg/statedb.
type FileSource interface {
	HasFileObject(hash objfmt.Hash) bool
	MaterializeFile(hash objfmt.Hash, dst string, mode os.FileMode, mutable bool) error
	MaterializeSymlink(target, dst string) error
}

// Report summarizes one Materialize call.
type Report struct {
	Placed  int
	Skipped int // already matched the target on disk; not re-written
	Removed int // present on disk but absent from the target set
}

// chunkSize bounds how often Materialize checks ctx for cancellation,
// satisfying spec §4.G/§5's "work is chunked ... and each chunk checks a
// cancellation flag" requirement for long-running filesystem work.
const chunkSize = 64

// Materialize populates slotRoot so its tree exactly matches targets:
// placing every target entry (skipping ones already correct on disk) and
// removing anything under slotRoot not named by targets. Entries are
// processed in sorted path order for deterministic progress output and
// byte-identical results regardless of input ordering (spec §4.F
// "Determinism").
//
// Re-running Materialize on a slot that already matches targets is a
// no-op beyond the final directory walk (spec §4.F "Idempotence"):
// regular files are only re-written when the on-disk fast hash doesn't
// already match the target hash.
func Materialize(ctx context.Context, src FileSource, slotRoot string, targets []Target, bus *events.Bus) (Report, error) {
	sorted := append([]Target(nil), targets...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Path < sorted[j].Path })

	var report Report
	desired := make(map[string]bool, len(sorted))

	for i, t := range sorted {
		if i%chunkSize == 0 {
			if err := ctx.Err(); err != nil {
				return report, errs.New(errs.CodeCancelled, errs.SeverityLow, "materialize.run", err)
			}
		}

		clean := filepath.Clean(t.Path)
		desired[clean] = true
		dst := filepath.Join(slotRoot, clean)

		placed, err := materializeOne(src, dst, t)
		if err != nil {
			return report, err
		}
		if placed {
			report.Placed++
		} else {
			report.Skipped++
		}

		if bus != nil {
			bus.Progress("materialize", "running", int64(i+1), int64(len(sorted)))
		}
	}

	removed, err := removeExtraneous(slotRoot, desired)
	if err != nil {
		return report, err
	}
	report.Removed = removed

	if bus != nil {
		bus.Lifecycle("materialize", "completed")
	}
	return report, nil
}

// materializeOne places a single target entry, returning true if it
// wrote anything (false means the on-disk state already matched).
func materializeOne(src FileSource, dst string, t Target) (bool, error) {
	switch {
	case t.IsDir:
		info, err := os.Stat(dst)
		if err == nil && info.IsDir() && info.Mode().Perm() == t.Mode.Perm() {
			return false, nil
		}
		if err := os.MkdirAll(dst, t.Mode.Perm()); err != nil {
			return false, errs.New(errs.CodeStore, errs.SeverityHigh, "materialize.mkdir", err).WithPath(dst)
		}
		return true, os.Chmod(dst, t.Mode.Perm())

	case t.IsSymlink:
		if target, err := os.Readlink(dst); err == nil && target == t.SymlinkTarget {
			return false, nil
		}
		if err := src.MaterializeSymlink(t.SymlinkTarget, dst); err != nil {
			return false, err
		}
		return true, nil

	default:
		if matchesOnDisk(dst, t.Hash) {
			return false, nil
		}
		// bin/ executables and anything marked executable still go
		// through the same non-mutable placement path: the live tree is
		// never edited in place, only replaced wholesale by the next
		// swap, so hard-link/clonefile is always safe here.
		if err := src.MaterializeFile(t.Hash, dst, t.Mode, false); err != nil {
			return false, err
		}
		return true, nil
	}
}

// matchesOnDisk reports whether dst already holds content hashing to
// want, the short-circuit spec §4.F's idempotence note describes
// ("comparing (path, fast-hash-of-on-disk) against target").
func matchesOnDisk(dst string, want objfmt.Hash) bool {
	f, err := os.Open(dst)
	if err != nil {
		return false
	}
	defer f.Close()
	got, err := objfmt.HashReader(objfmt.Fast, f)
	if err != nil {
		return false
	}
	return got.Equal(want)
}

// removeExtraneous deletes every file and now-empty directory under root
// that desired (keyed by slot-relative cleaned path) doesn't name: the
// set-difference removal of spec §4.F step 3.
func removeExtraneous(root string, desired map[string]bool) (int, error) {
	ancestors := map[string]bool{}
	for p := range desired {
		for dir := filepath.Dir(p); dir != "." && dir != string(filepath.Separator); dir = filepath.Dir(dir) {
			ancestors[dir] = true
		}
	}

	var toRemove []string
	err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if path == root {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		if desired[rel] || ancestors[rel] {
			return nil
		}
		toRemove = append(toRemove, path)
		if info.IsDir() {
			// Nothing below an undesired directory can be desired either
			// (its ancestor would then be in the ancestors set), so there
			// is no need to descend into it.
			return filepath.SkipDir
		}
		return nil
	})
	if err != nil {
		return 0, errs.New(errs.CodeStore, errs.SeverityHigh, "materialize.walk", err).WithPath(root)
	}

	// Deepest paths first, so a directory's contents are gone before the
	// directory itself is removed.
	sort.Sort(sort.Reverse(sort.StringSlice(toRemove)))

	removed := 0
	for _, path := range toRemove {
		if err := os.RemoveAll(path); err != nil {
			return removed, errs.New(errs.CodeStore, errs.SeverityMedium, "materialize.remove", err).WithPath(path)
		}
		removed++
	}
	return removed, nil
}
