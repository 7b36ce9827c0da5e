package guard

import (
	"os"
	"path/filepath"
	"strings"
)

// classifyOrphan sub-categorizes a file found on disk with no DB record.
// relPath is slot-relative with forward slashes. See DESIGN.md's "Leftover
// vs Unknown" decision for the executable-under-bin/lib-style rule.
func classifyOrphan(relPath string, info os.FileInfo) OrphanKind {
	base := filepath.Base(relPath)
	dir := filepath.ToSlash(filepath.Dir(relPath))

	switch base {
	case ".DS_Store", "lost+found":
		return OrphanSystem
	}
	if strings.Contains(relPath, "lost+found") {
		return OrphanSystem
	}

	if strings.HasSuffix(base, ".pyc") || strings.HasSuffix(base, ".pyo") || base == "__pycache__" {
		return OrphanRuntimeGenerated
	}
	if strings.Contains("/"+dir+"/", "/python/") && (strings.Contains(dir, "__pycache__") || strings.Contains(dir, "/cache/")) {
		return OrphanRuntimeGenerated
	}

	if strings.HasSuffix(base, ".tmp") || strings.HasSuffix(base, "~") {
		return OrphanTemporary
	}

	if !info.IsDir() {
		if info.Mode().Perm()&0o111 != 0 && hasAnySuffix(dir, "bin", "sbin", "libexec") {
			return OrphanLeftover
		}
		if hasAnySuffix(dir, "lib") && (strings.HasSuffix(base, ".dylib") || strings.HasSuffix(base, ".so")) {
			return OrphanLeftover
		}
	}

	if strings.HasPrefix(dir, "etc") || strings.HasPrefix(dir, "var") {
		return OrphanUserCreated
	}
	switch strings.ToLower(filepath.Ext(base)) {
	case ".conf", ".cfg", ".db", ".sqlite", ".json", ".yaml", ".yml", ".toml":
		return OrphanUserCreated
	}

	return OrphanUnknown
}

func hasAnySuffix(s string, suffixes ...string) bool {
	for _, suf := range suffixes {
		if s == suf || strings.HasSuffix(s, "/"+suf) {
			return true
		}
	}
	return false
}
