package guard

import "github.com/sps2/sps2/pkg/errs"

// Kind is the closed set of divergences the guard can classify between
// the on-disk active slot and the DB's installed-file set for the active
// state.
type Kind string

const (
	// KindMissing means the DB says a file should exist but it doesn't.
	KindMissing Kind = "missing"
	// KindCorrupted means the file exists but its fast hash doesn't match
	// the recorded hash.
	KindCorrupted Kind = "corrupted"
	// KindPermissionsChanged means content matches but mode differs.
	KindPermissionsChanged Kind = "permissions_changed"
	// KindOrphaned means the file exists on disk with no DB record.
	KindOrphaned Kind = "orphaned"
	// KindSymlinkMismatch means a symlink's target differs from recorded.
	KindSymlinkMismatch Kind = "symlink_mismatch"
)

// OrphanKind sub-categorizes a KindOrphaned discrepancy.
type OrphanKind string

const (
	OrphanRuntimeGenerated OrphanKind = "runtime_generated"
	OrphanSystem           OrphanKind = "system"
	OrphanUserCreated      OrphanKind = "user_created"
	OrphanTemporary        OrphanKind = "temporary"
	OrphanLeftover         OrphanKind = "leftover"
	OrphanUnknown          OrphanKind = "unknown"
)

// Discrepancy is one classified divergence between disk and DB.
type Discrepancy struct {
	Path     string // slot-relative
	Kind     Kind
	Orphan   OrphanKind // only meaningful when Kind == KindOrphaned
	Severity errs.Severity
	Detail   string
}

// heals reports whether policy re-materializes or chmod/chowns this
// discrepancy, as opposed to leaving it alone or quarantining it.
func (d Discrepancy) heals() bool {
	switch d.Kind {
	case KindMissing, KindCorrupted, KindSymlinkMismatch, KindPermissionsChanged:
		return true
	case KindOrphaned:
		return false
	default:
		return false
	}
}

// quarantines reports whether policy moves this orphan aside (with a
// backup copy) rather than leaving it in place untouched.
func (d Discrepancy) quarantines() bool {
	if d.Kind != KindOrphaned {
		return false
	}
	switch d.Orphan {
	case OrphanTemporary, OrphanLeftover, OrphanUnknown:
		return true
	default:
		return false
	}
}

func severityFor(kind Kind, orphan OrphanKind) errs.Severity {
	switch kind {
	case KindMissing, KindCorrupted:
		return errs.SeverityHigh
	case KindSymlinkMismatch:
		return errs.SeverityMedium
	case KindPermissionsChanged:
		return errs.SeverityLow
	case KindOrphaned:
		switch orphan {
		case OrphanUserCreated:
			return errs.SeverityMedium
		default:
			return errs.SeverityLow
		}
	default:
		return errs.SeverityLow
	}
}
