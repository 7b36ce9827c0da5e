package materialize

import (
	"os"

	"github.com/sps2/sps2/pkg/errs"
)

// SeedFromActive optionally seeds stagingRoot from activeRoot before
// Materialize runs, per spec §4.F step 1: "clone the active slot to the
// staging slot via APFS clonefile ... unchanged files are free." When the
// platform clone isn't available (cloneTree returns an error) or
// activeRoot doesn't exist yet (first-ever transition), staging starts
// empty instead and every target is placed from scratch — still correct,
// just without the copy-on-write fast path.
func SeedFromActive(activeRoot, stagingRoot string) error {
	if err := os.RemoveAll(stagingRoot); err != nil {
		return errs.New(errs.CodeStore, errs.SeverityHigh, "materialize.seed", err).WithPath(stagingRoot)
	}
	if _, err := os.Stat(activeRoot); err != nil {
		return os.MkdirAll(stagingRoot, 0o755)
	}
	if err := cloneTree(activeRoot, stagingRoot); err != nil {
		return os.MkdirAll(stagingRoot, 0o755)
	}
	return nil
}
