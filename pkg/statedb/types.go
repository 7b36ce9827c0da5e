// Package statedb is the embedded database backing spec §3/§4.C: package
// states, the packages and files each state installs, and the refcounted
// store objects those files and packages point into. It stands in for the
// "embedded relational database, WAL mode" of spec §3 the same way the
// teacher's own storage package stood in for its cluster's control-plane
// store: bucket-per-entity over github.com/etcd-io/bbolt, JSON-encoded
// values, one Update/View transaction at a time.
package statedb

import "time"

// State is one point in the installation history: the set of packages and
// files materialized together, with a pointer to the state it replaced.
type State struct {
	ID        string    `json:"id"`
	Parent    string    `json:"parent,omitempty"`
	Operation string    `json:"operation"`
	Success   bool      `json:"success"`
	CreatedAt time.Time `json:"created_at"`
	// RollbackOf, when set, is the state ID that was active immediately
	// before this state was (re)activated by a rollback.
	RollbackOf string `json:"rollback_of,omitempty"`
}

// PackageRef links a state to a package-level store object.
type PackageRef struct {
	Name    string `json:"name"`
	Version string `json:"version"`
	Hash    string `json:"hash"` // strong hash hex, keys PackageObject
}

// InstalledFile links a state to a file-level store object at a live path.
// A directory entry (IsDirectory) carries no Hash: directories have no
// store object, only a path and a mode to re-apply on materialization.
type InstalledFile struct {
	Path        string `json:"path"` // path relative to the live root
	Hash        string `json:"hash"` // fast hash hex, keys FileObject; empty for directories
	Mode        uint32 `json:"mode"`
	IsDirectory bool   `json:"is_directory,omitempty"`
	IsSymlink   bool   `json:"is_symlink"`
	LinkTarget  string `json:"link_target,omitempty"`
	Package     string `json:"package,omitempty"` // name of the owning package
}

// PackageObject is the refcounted package-level store object metadata.
type PackageObject struct {
	Hash      string `json:"hash"`
	Name      string `json:"name"`
	Version   string `json:"version"`
	StorePath string `json:"store_path"`
	RefCount  int    `json:"ref_count"`
}

// FileObject is the refcounted file-level store object metadata.
type FileObject struct {
	Hash          string `json:"hash"`
	Size          int64  `json:"size"`
	Mode          uint32 `json:"mode"`
	IsExecutable  bool   `json:"is_executable"`
	IsSymlink     bool   `json:"is_symlink"`
	SymlinkTarget string `json:"symlink_target,omitempty"`
	RefCount      int    `json:"ref_count"`
}

// VerificationRecord is pkg/guard's per-file verification cache row,
// `(file_path, last_verified_mtime, result)`: a file whose on-disk mtime
// still matches LastVerifiedMtime can skip re-hashing on the next guard
// cycle and reuse Result directly.
type VerificationRecord struct {
	Path              string `json:"path"`
	LastVerifiedMtime int64  `json:"last_verified_mtime"` // unix nanoseconds
	Result            string `json:"result"`              // "ok" or a Discrepancy Kind
}
