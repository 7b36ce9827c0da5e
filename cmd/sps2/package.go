package main

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/sps2/sps2/pkg/errs"
	"github.com/sps2/sps2/pkg/materialize"
	"github.com/sps2/sps2/pkg/objfmt"
	"github.com/sps2/sps2/pkg/store"
)

// loadedPackage is one archive's resolved state: its manifest, its
// strong package hash, and the materialize.Targets it contributes to a
// transition request. Building this is the local stand-in for the
// "producer" role spec §6 assigns to an external builder/resolver: this
// module has no build-execution component (see pkg/recipe's doc
// comment), so the CLI itself unpacks already-built `.sp` archives and
// deposits their files into the store directly, the way spec §6 says
// "Builders may also deposit already-unpacked packages into the store
// directly with add_package."
type loadedPackage struct {
	manifest objfmt.Manifest
	hash     objfmt.Hash
	targets  []materialize.Target
}

// loadArchive adds archivePath's package object to objStore, then walks
// its unpacked tree to deposit every regular file as a file-level store
// object (spec §4.B's dedup boundary is per-file, not per-package) and
// build the materialize.Target list a transition.Request needs.
func loadArchive(objStore *store.Store, archivePath string, limits objfmt.ExtractLimits) (loadedPackage, error) {
	hash, storePath, err := objStore.AddPackage(archivePath, limits)
	if err != nil {
		return loadedPackage{}, err
	}

	manifestData, err := os.ReadFile(filepath.Join(storePath, "manifest.toml"))
	if err != nil {
		return loadedPackage{}, errs.New(errs.CodeInput, errs.SeverityMedium, "package.load", err).WithPath(archivePath)
	}
	manifest, err := objfmt.DecodeManifest(manifestData)
	if err != nil {
		return loadedPackage{}, err
	}

	payloadRoot, err := findPayloadRoot(storePath, manifest.Name)
	if err != nil {
		return loadedPackage{}, err
	}

	targets, err := buildTargets(objStore, payloadRoot, manifest.Name)
	if err != nil {
		return loadedPackage{}, err
	}

	return loadedPackage{manifest: manifest, hash: hash, targets: targets}, nil
}

// findPayloadRoot picks between the two payload layouts spec §6 allows:
// a top-level files/ directory, or a top-level <package-name>/ directory.
func findPayloadRoot(storePath, name string) (string, error) {
	filesRoot := filepath.Join(storePath, "files")
	if info, err := os.Stat(filesRoot); err == nil && info.IsDir() {
		return filesRoot, nil
	}
	namedRoot := filepath.Join(storePath, name)
	if info, err := os.Stat(namedRoot); err == nil && info.IsDir() {
		return namedRoot, nil
	}
	return "", errs.New(errs.CodeInput, errs.SeverityMedium, "package.find_payload",
		fmt.Errorf("archive contains neither files/ nor %s/ payload directory", name)).WithPackage(name, "")
}

// buildTargets walks payloadRoot and, for every entry, either deposits a
// fresh file-level store object (regular files) or records the target
// directly (directories, symlinks — neither carries a store object).
func buildTargets(objStore *store.Store, payloadRoot, pkgName string) ([]materialize.Target, error) {
	var targets []materialize.Target

	err := filepath.Walk(payloadRoot, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if path == payloadRoot {
			return nil
		}
		rel, err := filepath.Rel(payloadRoot, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)

		if info.Mode()&os.ModeSymlink != 0 {
			target, err := os.Readlink(path)
			if err != nil {
				return err
			}
			targets = append(targets, materialize.Target{
				Path: rel, IsSymlink: true, SymlinkTarget: target, Package: pkgName,
			})
			return nil
		}
		if info.IsDir() {
			targets = append(targets, materialize.Target{
				Path: rel, IsDir: true, Mode: info.Mode().Perm(), Package: pkgName,
			})
			return nil
		}

		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		hash, err := objStore.AddFileObject(store.FileMeta{
			Size: info.Size(), Mode: info.Mode().Perm(),
			IsExecutable: info.Mode().Perm()&0o111 != 0,
		}, f)
		if err != nil {
			return err
		}
		targets = append(targets, materialize.Target{
			Path: rel, Hash: hash, Mode: info.Mode().Perm(), Package: pkgName,
		})
		return nil
	})
	if err != nil {
		return nil, errs.New(errs.CodeStore, errs.SeverityHigh, "package.build_targets", err).WithPath(payloadRoot)
	}

	sort.Slice(targets, func(i, j int) bool { return targets[i].Path < targets[j].Path })
	return targets, nil
}

// nonPackageTargets returns every target from base not belonging to any
// name in exclude, used by uninstall and update to carry forward an
// existing state's files for packages that aren't changing.
func nonPackageTargets(base []materialize.Target, exclude map[string]bool) []materialize.Target {
	var kept []materialize.Target
	for _, t := range base {
		if exclude[t.Package] {
			continue
		}
		kept = append(kept, t)
	}
	return kept
}

// fileModeFromBits reconstructs an os.FileMode from the permission bits
// statedb.InstalledFile.Mode stores (it only ever carries Perm(), no type
// bits, since regular-file targets never need them).
func fileModeFromBits(bits uint32) os.FileMode {
	return os.FileMode(bits).Perm()
}

// packageNameVersion renders "name@version" for report/log messages.
func packageNameVersion(name, version string) string {
	if version == "" {
		return name
	}
	return strings.Join([]string{name, version}, "@")
}
