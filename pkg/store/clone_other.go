//go:build !darwin

package store

import "errors"

// cloneFile has no APFS clonefile equivalent outside Darwin; callers fall
// back to hard link, then byte copy, per spec §4.B/§4.F's preference
// order.
func cloneFile(src, dst string) error {
	return errors.New("store: clonefile is only available on macOS")
}
