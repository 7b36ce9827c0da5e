//go:build darwin

package store

import "golang.org/x/sys/unix"

// cloneFile uses the APFS clonefile(2) syscall to create dst as a
// copy-on-write clone of src: the first preference of spec §4.B/§4.F's
// materialize_file order. It shares backing storage with src until either
// side is written, so it must never be used for a destination the caller
// intends to mutate in place.
func cloneFile(src, dst string) error {
	return unix.Clonefile(src, dst, 0)
}
