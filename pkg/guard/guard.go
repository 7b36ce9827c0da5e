// Package guard implements the verification and healing guard of spec
// §4.G: it compares the on-disk active slot against the DB's
// installed-file set for the active state, classifies each divergence,
// and heals what policy says to heal. Its ticking background loop is
// grounded directly on pkg/reconciler/reconciler.go's periodic run()
// with a stop channel and per-cycle metrics timer, generalized from
// "compare cluster state to desired" to "compare active slot to DB
// state."
package guard

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/sps2/sps2/pkg/config"
	"github.com/sps2/sps2/pkg/errs"
	"github.com/sps2/sps2/pkg/events"
	"github.com/sps2/sps2/pkg/lock"
	"github.com/sps2/sps2/pkg/log"
	"github.com/sps2/sps2/pkg/metrics"
	"github.com/sps2/sps2/pkg/objfmt"
	"github.com/sps2/sps2/pkg/slots"
	"github.com/sps2/sps2/pkg/statedb"
	"github.com/sps2/sps2/pkg/store"
)

// Level widens the properties a verification pass checks.
type Level int

const (
	LevelPresence Level = iota // file exists at the recorded path
	LevelHash                  // + content fast-hash matches
	LevelMetadata              // + mode/permissions match
)

// Scope narrows verification to one package's files, or the full active
// state when Package is empty.
type Scope struct {
	Package string
}

const chunkSize = 64

// Guard owns the periodic verify/heal loop and the on-demand Verify/Heal
// operations the CLI's verify and heal subcommands invoke directly.
type Guard struct {
	db       *statedb.DB
	objStore *store.Store
	slotMgr  *slots.Manager
	paths    config.Paths
	bus      *events.Bus
	logger   zerolog.Logger

	interval time.Duration
	mu       sync.Mutex
	stopCh   chan struct{}
}

// New returns a Guard with the default cycle interval. Unlike the
// teacher's 10-second cluster reconciliation loop, file verification is
// comparatively expensive (hashing every installed file), so the default
// is much coarser; WithInterval overrides it.
func New(db *statedb.DB, objStore *store.Store, slotMgr *slots.Manager, paths config.Paths, bus *events.Bus) *Guard {
	return &Guard{
		db: db, objStore: objStore, slotMgr: slotMgr, paths: paths, bus: bus,
		logger:   log.WithComponent("guard"),
		interval: 30 * time.Minute,
	}
}

// WithInterval overrides the background cycle interval.
func (g *Guard) WithInterval(d time.Duration) *Guard {
	g.interval = d
	return g
}

// Start begins the periodic verify(+heal) loop in the background.
func (g *Guard) Start() {
	g.stopCh = make(chan struct{})
	go g.run()
}

// Stop ends the periodic loop.
func (g *Guard) Stop() {
	close(g.stopCh)
}

func (g *Guard) run() {
	ticker := time.NewTicker(g.interval)
	defer ticker.Stop()

	g.logger.Info().Msg("guard started")
	for {
		select {
		case <-ticker.C:
			ctx := context.Background()
			discrepancies, err := g.Verify(ctx, Scope{}, LevelHash)
			if err != nil {
				g.logger.Error().Err(err).Msg("verification cycle failed")
				continue
			}
			if len(discrepancies) == 0 {
				continue
			}
			if _, err := g.Heal(ctx, discrepancies); err != nil {
				g.logger.Error().Err(err).Msg("heal cycle failed")
			}
		case <-g.stopCh:
			g.logger.Info().Msg("guard stopped")
			return
		}
	}
}

// Verify compares the active slot against the DB's installed-file set
// for scope and returns every discrepancy found at the given level.
// High and Critical severities always appear regardless of verbosity
// settings a caller applies afterward.
func (g *Guard) Verify(ctx context.Context, scope Scope, level Level) ([]Discrepancy, error) {
	start := time.Now()
	defer func() { metrics.GuardCycleDuration.Observe(time.Since(start).Seconds()) }()

	h, err := lock.AcquireShared(g.paths.LockFile())
	if err != nil {
		return nil, err
	}
	defer h.Release()

	g.mu.Lock()
	defer g.mu.Unlock()

	activeID, err := g.db.ActiveState()
	if err != nil {
		return nil, err
	}
	if activeID == "" {
		return []Discrepancy{{Kind: KindMissing, Severity: errs.SeverityCritical, Detail: "no active state recorded"}}, nil
	}

	activeSlot, err := g.slotMgr.ActiveSlot()
	if err != nil {
		return nil, err
	}
	root := g.slotMgr.SlotPath(activeSlot)
	if info, statErr := os.Stat(root); statErr != nil || !info.IsDir() {
		return []Discrepancy{{Path: root, Kind: KindMissing, Severity: errs.SeverityCritical, Detail: "active slot directory is missing"}}, nil
	}

	var installed []statedb.InstalledFile
	if err := g.db.View(func(t *statedb.Tx) error {
		files, err := t.GetStateFiles(activeID)
		if err != nil {
			return err
		}
		installed = files
		return nil
	}); err != nil {
		return nil, err
	}
	if scope.Package != "" {
		filtered := installed[:0]
		for _, f := range installed {
			if f.Package == scope.Package {
				filtered = append(filtered, f)
			}
		}
		installed = filtered
	}

	desired := make(map[string]statedb.InstalledFile, len(installed))
	for _, f := range installed {
		desired[filepath.Clean(f.Path)] = f
	}

	var discrepancies []Discrepancy
	for i, f := range installed {
		if i%chunkSize == 0 {
			if err := ctx.Err(); err != nil {
				return discrepancies, errs.New(errs.CodeCancelled, errs.SeverityLow, "guard.verify", err)
			}
		}
		if d, ok := g.verifyOne(root, f, level); ok {
			discrepancies = append(discrepancies, d)
		}
	}

	if scope.Package == "" {
		orphans, err := g.findOrphans(ctx, root, desired)
		if err != nil {
			return discrepancies, err
		}
		discrepancies = append(discrepancies, orphans...)
	}

	for _, d := range discrepancies {
		metrics.GuardDiscrepanciesTotal.WithLabelValues(string(d.Kind), string(d.Severity)).Inc()
	}
	if g.bus != nil && len(discrepancies) > 0 {
		g.bus.Diagnostic(events.DiagnosticWarn, fmt.Sprintf("guard found %d discrepancies", len(discrepancies)), nil)
	}
	return discrepancies, nil
}

func (g *Guard) verifyOne(root string, f statedb.InstalledFile, level Level) (Discrepancy, bool) {
	path := filepath.Join(root, f.Path)
	info, err := os.Lstat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Discrepancy{Path: f.Path, Kind: KindMissing, Severity: severityFor(KindMissing, ""), Detail: "recorded file absent"}, true
		}
		return Discrepancy{Path: f.Path, Kind: KindMissing, Severity: severityFor(KindMissing, ""), Detail: err.Error()}, true
	}

	if f.IsSymlink {
		target, err := os.Readlink(path)
		if err != nil || target != f.LinkTarget {
			return Discrepancy{Path: f.Path, Kind: KindSymlinkMismatch, Severity: severityFor(KindSymlinkMismatch, ""), Detail: "symlink target differs"}, true
		}
		return Discrepancy{}, false
	}

	if f.IsDirectory && !info.IsDir() {
		return Discrepancy{Path: f.Path, Kind: KindCorrupted, Severity: severityFor(KindCorrupted, ""), Detail: "recorded directory is not a directory"}, true
	}

	if level == LevelPresence {
		return Discrepancy{}, false
	}

	if info.Mode().IsRegular() {
		hash, err := hashFile(path)
		if err != nil {
			return Discrepancy{Path: f.Path, Kind: KindCorrupted, Severity: severityFor(KindCorrupted, ""), Detail: err.Error()}, true
		}
		if hash.String() != f.Hash {
			return Discrepancy{Path: f.Path, Kind: KindCorrupted, Severity: severityFor(KindCorrupted, ""), Detail: "fast hash mismatch"}, true
		}
	}

	if level == LevelMetadata {
		if info.Mode().Perm() != os.FileMode(f.Mode).Perm() {
			return Discrepancy{Path: f.Path, Kind: KindPermissionsChanged, Severity: severityFor(KindPermissionsChanged, ""), Detail: "mode differs"}, true
		}
	}

	return Discrepancy{}, false
}

func (g *Guard) findOrphans(ctx context.Context, root string, desired map[string]statedb.InstalledFile) ([]Discrepancy, error) {
	var discrepancies []Discrepancy
	count := 0
	err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if path == root || info.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		if _, ok := desired[filepath.Clean(rel)]; ok {
			return nil
		}
		count++
		if count%chunkSize == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}
		orphan := classifyOrphan(rel, info)
		if orphan == OrphanRuntimeGenerated || orphan == OrphanSystem {
			return nil
		}
		discrepancies = append(discrepancies, Discrepancy{
			Path: rel, Kind: KindOrphaned, Orphan: orphan, Severity: severityFor(KindOrphaned, orphan),
			Detail: "file present on disk with no DB record",
		})
		return nil
	})
	return discrepancies, err
}

func hashFile(path string) (objfmt.Hash, error) {
	f, err := os.Open(path)
	if err != nil {
		return objfmt.Hash{}, err
	}
	defer f.Close()
	return objfmt.HashReader(objfmt.Fast, f)
}

// HealReport summarizes what a Heal pass did.
type HealReport struct {
	Healed      int
	Quarantined int
	Preserved   int
	Ignored     int
}

// Heal applies policy to each discrepancy: Missing/Corrupted/
// SymlinkMismatch/PermissionsChanged are repaired from the store;
// UserCreated orphans are quarantined (preserved, reported, not
// removed); Leftover/Temporary/Unknown orphans are backed up into a
// dated quarantine directory and removed. File operations happen
// outside any DB transaction; only the verification-cache update that
// follows each repair takes a brief DB write lock.
func (g *Guard) Heal(ctx context.Context, discrepancies []Discrepancy) (HealReport, error) {
	var report HealReport

	g.mu.Lock()
	defer g.mu.Unlock()

	activeSlot, err := g.slotMgr.ActiveSlot()
	if err != nil {
		return report, err
	}
	root := g.slotMgr.SlotPath(activeSlot)

	activeID, err := g.db.ActiveState()
	if err != nil {
		return report, err
	}
	var installed map[string]statedb.InstalledFile
	if activeID != "" {
		installed = map[string]statedb.InstalledFile{}
		if err := g.db.View(func(t *statedb.Tx) error {
			files, err := t.GetStateFiles(activeID)
			if err != nil {
				return err
			}
			for _, f := range files {
				installed[filepath.Clean(f.Path)] = f
			}
			return nil
		}); err != nil {
			return report, err
		}
	}

	for i, d := range discrepancies {
		if i%chunkSize == 0 {
			if err := ctx.Err(); err != nil {
				return report, errs.New(errs.CodeCancelled, errs.SeverityLow, "guard.heal", err)
			}
		}

		switch {
		case d.heals():
			f, ok := installed[filepath.Clean(d.Path)]
			if !ok {
				report.Ignored++
				continue
			}
			if err := g.healOne(root, d, f); err != nil {
				g.logger.Error().Err(err).Str("path", d.Path).Msg("heal failed")
				continue
			}
			report.Healed++
			if err := g.recordVerification(d.Path, root, "ok"); err != nil {
				return report, err
			}
		case d.Kind == KindOrphaned && d.Orphan == OrphanUserCreated:
			if err := g.quarantineCopy(root, d.Path); err != nil {
				g.logger.Error().Err(err).Str("path", d.Path).Msg("quarantine copy failed")
				continue
			}
			report.Preserved++
		case d.quarantines():
			if err := g.quarantineCopy(root, d.Path); err != nil {
				g.logger.Error().Err(err).Str("path", d.Path).Msg("quarantine copy failed")
				continue
			}
			if err := os.Remove(filepath.Join(root, d.Path)); err != nil && !os.IsNotExist(err) {
				g.logger.Error().Err(err).Str("path", d.Path).Msg("orphan removal failed")
				continue
			}
			report.Quarantined++
		default:
			report.Ignored++
		}
	}

	if g.bus != nil {
		g.bus.Lifecycle("heal", "completed")
	}
	return report, nil
}

func (g *Guard) healOne(root string, d Discrepancy, f statedb.InstalledFile) error {
	dst := filepath.Join(root, f.Path)
	switch d.Kind {
	case KindMissing, KindCorrupted:
		if f.IsDirectory {
			if err := os.MkdirAll(dst, os.FileMode(f.Mode).Perm()); err != nil {
				return err
			}
			return os.Chmod(dst, os.FileMode(f.Mode).Perm())
		}
		if f.IsSymlink {
			return g.objStore.MaterializeSymlink(f.LinkTarget, dst)
		}
		hash, err := objfmt.ParseHex(objfmt.Fast, f.Hash)
		if err != nil {
			return err
		}
		return g.objStore.MaterializeFile(hash, dst, os.FileMode(f.Mode), false)
	case KindSymlinkMismatch:
		return g.objStore.MaterializeSymlink(f.LinkTarget, dst)
	case KindPermissionsChanged:
		return os.Chmod(dst, os.FileMode(f.Mode).Perm())
	default:
		return fmt.Errorf("guard: no heal action for kind %s", d.Kind)
	}
}

func (g *Guard) recordVerification(path, root, result string) error {
	info, err := os.Lstat(filepath.Join(root, path))
	if err != nil {
		return nil // file already gone by the time we'd cache it; nothing to record
	}
	return g.db.Update(func(t *statedb.Tx) error {
		return t.PutVerificationRecord(statedb.VerificationRecord{
			Path: path, LastVerifiedMtime: info.ModTime().UnixNano(), Result: result,
		})
	})
}

// quarantineCopy places a copy of root/relPath under
// <prefix>/logs/quarantine/<date>/relPath before the original is
// potentially removed or left in place.
func (g *Guard) quarantineCopy(root, relPath string) error {
	src := filepath.Join(root, relPath)
	dateDir := time.Now().Format("2006-01-02")
	dst := filepath.Join(g.paths.QuarantineDir(), dateDir, relPath)

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Sync()
}
