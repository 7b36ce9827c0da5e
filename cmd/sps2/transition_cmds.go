package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/sps2/sps2/pkg/errs"
	"github.com/sps2/sps2/pkg/materialize"
	"github.com/sps2/sps2/pkg/objfmt"
	"github.com/sps2/sps2/pkg/statedb"
	"github.com/sps2/sps2/pkg/transition"
)

var installCmd = &cobra.Command{
	Use:   "install <archive>...",
	Short: "Install one or more .sp packages into a new state",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runInstall,
}

var updateCmd = &cobra.Command{
	Use:   "update <archive>...",
	Short: "Replace already-installed packages with the given archives",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runUpdate,
}

var upgradeCmd = &cobra.Command{
	Use:   "upgrade <archive>...",
	Short: "Move already-installed packages to the newer versions in the given archives",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runUpgrade,
}

var uninstallCmd = &cobra.Command{
	Use:   "uninstall <package>...",
	Short: "Remove packages by name from the active state",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runUninstall,
}

var rollbackCmd = &cobra.Command{
	Use:   "rollback <state-id>",
	Short: "Make a previously active state live again",
	Args:  cobra.ExactArgs(1),
	RunE:  runRollback,
}

func init() {
	for _, c := range []*cobra.Command{installCmd, updateCmd, upgradeCmd} {
		c.Flags().Int64("max-archive-expansion", 0, "Override the configured max total archive expansion, in bytes")
		c.Flags().Int64("max-archive-file-size", 0, "Override the configured max per-file archive size, in bytes")
	}
}

func extractLimits(cmd *cobra.Command, cfg struct{ MaxArchiveExpansion, MaxArchiveFileSize int64 }) objfmt.ExtractLimits {
	limits := objfmt.ExtractLimits{MaxTotalSize: cfg.MaxArchiveExpansion, MaxFileSize: cfg.MaxArchiveFileSize}
	if v, _ := cmd.Flags().GetInt64("max-archive-expansion"); v > 0 {
		limits.MaxTotalSize = v
	}
	if v, _ := cmd.Flags().GetInt64("max-archive-file-size"); v > 0 {
		limits.MaxFileSize = v
	}
	return limits
}

// currentTargets converts the active state's installed-file set into the
// materialize.Target list a new transition request builds on top of, so
// install/update/uninstall only need to describe what's changing.
func currentTargets(db *statedb.DB) ([]materialize.Target, []statedb.PackageRef, error) {
	activeID, err := db.ActiveState()
	if err != nil {
		return nil, nil, err
	}
	if activeID == "" {
		return nil, nil, nil
	}

	var (
		files []statedb.InstalledFile
		pkgs  []statedb.PackageRef
	)
	err = db.View(func(t *statedb.Tx) error {
		var err error
		files, err = t.GetStateFiles(activeID)
		if err != nil {
			return err
		}
		pkgs, err = t.GetStatePackages(activeID)
		return err
	})
	if err != nil {
		return nil, nil, err
	}

	targets := make([]materialize.Target, 0, len(files))
	for _, f := range files {
		target, err := targetFromInstalledFile(f)
		if err != nil {
			return nil, nil, err
		}
		targets = append(targets, target)
	}
	return targets, pkgs, nil
}

// targetFromInstalledFile rebuilds the materialize.Target a statedb row
// came from: directories and symlinks carry no store object (no hash to
// parse), regular files do.
func targetFromInstalledFile(f statedb.InstalledFile) (materialize.Target, error) {
	if f.IsDirectory {
		return materialize.Target{
			Path: f.Path, Mode: fileModeFromBits(f.Mode), IsDir: true, Package: f.Package,
		}, nil
	}
	var hash objfmt.Hash
	if !f.IsSymlink {
		var err error
		hash, err = objfmt.ParseHex(objfmt.Fast, f.Hash)
		if err != nil {
			return materialize.Target{}, err
		}
	}
	return materialize.Target{
		Path: f.Path, Hash: hash, Mode: fileModeFromBits(f.Mode),
		IsSymlink: f.IsSymlink, SymlinkTarget: f.LinkTarget, Package: f.Package,
	}, nil
}

func packageSpecsFromRefs(refs []statedb.PackageRef) ([]transition.PackageSpec, error) {
	specs := make([]transition.PackageSpec, 0, len(refs))
	for _, r := range refs {
		hash, err := objfmt.ParseHex(objfmt.Strong, r.Hash)
		if err != nil {
			return nil, err
		}
		specs = append(specs, transition.PackageSpec{Name: r.Name, Version: r.Version, SourceHash: hash})
	}
	return specs, nil
}

func runInstall(cmd *cobra.Command, args []string) error {
	a, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	limits := extractLimits(cmd, struct{ MaxArchiveExpansion, MaxArchiveFileSize int64 }{a.cfg.MaxArchiveExpansion, a.cfg.MaxArchiveFileSize})

	baseTargets, baseRefs, err := currentTargets(a.db)
	if err != nil {
		return err
	}
	baseSpecs, err := packageSpecsFromRefs(baseRefs)
	if err != nil {
		return err
	}

	installed := make(map[string]bool, len(baseRefs))
	for _, r := range baseRefs {
		installed[r.Name] = true
	}

	req := transition.Request{Operation: "install", Files: baseTargets, Packages: baseSpecs}
	for _, archivePath := range args {
		pkg, err := loadArchive(a.objStore, archivePath, limits)
		if err != nil {
			return err
		}
		if installed[pkg.manifest.Name] {
			return errs.New(errs.CodeInput, errs.SeverityMedium, "cli.install",
				fmt.Errorf("package %s is already installed; use update", pkg.manifest.Name)).
				WithPackage(pkg.manifest.Name, pkg.manifest.Version)
		}
		req.Files = append(req.Files, pkg.targets...)
		req.Packages = append(req.Packages, transition.PackageSpec{
			Name: pkg.manifest.Name, Version: pkg.manifest.Version, SourceHash: pkg.hash,
		})
	}

	report, err := a.engine.Run(context.Background(), req)
	if err != nil {
		return err
	}
	return printReport(a.cfg, reportFromTransition(report))
}

func runReplace(cmd *cobra.Command, args []string, operation string) error {
	a, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	limits := extractLimits(cmd, struct{ MaxArchiveExpansion, MaxArchiveFileSize int64 }{a.cfg.MaxArchiveExpansion, a.cfg.MaxArchiveFileSize})

	baseTargets, baseRefs, err := currentTargets(a.db)
	if err != nil {
		return err
	}

	replacing := map[string]bool{}
	var newTargets []materialize.Target
	var newSpecs []transition.PackageSpec
	for _, archivePath := range args {
		pkg, err := loadArchive(a.objStore, archivePath, limits)
		if err != nil {
			return err
		}
		replacing[pkg.manifest.Name] = true
		newTargets = append(newTargets, pkg.targets...)
		newSpecs = append(newSpecs, transition.PackageSpec{
			Name: pkg.manifest.Name, Version: pkg.manifest.Version, SourceHash: pkg.hash,
		})
	}

	keptRefs := make([]statedb.PackageRef, 0, len(baseRefs))
	found := map[string]bool{}
	for _, r := range baseRefs {
		if replacing[r.Name] {
			found[r.Name] = true
			continue
		}
		keptRefs = append(keptRefs, r)
	}
	for name := range replacing {
		if !found[name] {
			return errs.New(errs.CodeInput, errs.SeverityMedium, "cli."+operation,
				fmt.Errorf("package %s is not currently installed", name))
		}
	}
	keptSpecs, err := packageSpecsFromRefs(keptRefs)
	if err != nil {
		return err
	}

	req := transition.Request{
		Operation: operation,
		Files:     append(nonPackageTargets(baseTargets, replacing), newTargets...),
		Packages:  append(keptSpecs, newSpecs...),
	}

	report, err := a.engine.Run(context.Background(), req)
	if err != nil {
		return err
	}
	return printReport(a.cfg, reportFromTransition(report))
}

func runUpdate(cmd *cobra.Command, args []string) error  { return runReplace(cmd, args, "update") }
func runUpgrade(cmd *cobra.Command, args []string) error { return runReplace(cmd, args, "upgrade") }

func runUninstall(cmd *cobra.Command, args []string) error {
	a, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	baseTargets, baseRefs, err := currentTargets(a.db)
	if err != nil {
		return err
	}

	remove := make(map[string]bool, len(args))
	for _, name := range args {
		remove[name] = true
	}

	keptRefs := make([]statedb.PackageRef, 0, len(baseRefs))
	found := map[string]bool{}
	for _, r := range baseRefs {
		if remove[r.Name] {
			found[r.Name] = true
			continue
		}
		keptRefs = append(keptRefs, r)
	}
	for name := range remove {
		if !found[name] {
			return errs.New(errs.CodeInput, errs.SeverityMedium, "cli.uninstall",
				fmt.Errorf("package %s is not currently installed", name))
		}
	}
	keptSpecs, err := packageSpecsFromRefs(keptRefs)
	if err != nil {
		return err
	}

	req := transition.Request{
		Operation: "uninstall",
		Files:     nonPackageTargets(baseTargets, remove),
		Packages:  keptSpecs,
	}

	report, err := a.engine.Run(context.Background(), req)
	if err != nil {
		return err
	}
	return printReport(a.cfg, reportFromTransition(report))
}

func runRollback(cmd *cobra.Command, args []string) error {
	a, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	targetID := args[0]
	target, ok, err := a.db.State(targetID)
	if err != nil {
		return err
	}
	if !ok {
		return errs.New(errs.CodeInput, errs.SeverityMedium, "cli.rollback",
			fmt.Errorf("state %s not found (rollback cannot target a pruned state)", targetID))
	}

	var (
		files []statedb.InstalledFile
		pkgs  []statedb.PackageRef
	)
	if err := a.db.View(func(t *statedb.Tx) error {
		var err error
		files, err = t.GetStateFiles(target.ID)
		if err != nil {
			return err
		}
		pkgs, err = t.GetStatePackages(target.ID)
		return err
	}); err != nil {
		return err
	}

	targets := make([]materialize.Target, 0, len(files))
	for _, f := range files {
		target, err := targetFromInstalledFile(f)
		if err != nil {
			return err
		}
		targets = append(targets, target)
	}
	specs, err := packageSpecsFromRefs(pkgs)
	if err != nil {
		return err
	}

	previousActive, err := a.db.ActiveState()
	if err != nil {
		return err
	}

	req := transition.Request{
		Operation:        "rollback",
		Files:            targets,
		Packages:         specs,
		RollbackOf:       previousActive,
		RollbackTargetID: target.ID,
	}

	report, err := a.engine.Run(context.Background(), req)
	if err != nil {
		return err
	}
	return printReport(a.cfg, reportFromTransition(report))
}
