package store

import (
	"archive/tar"
	"io"
	"os"
	"path/filepath"

	"github.com/sps2/sps2/pkg/errs"
	"github.com/sps2/sps2/pkg/objfmt"
)

// unpackArchiveInto validates and extracts every entry of the archive
// read from r under destRoot, using objfmt.Unpack for shape validation
// and size enforcement (path escape, symlink escape, hard link and
// device-node rejection all happen there; this function only places
// bytes on disk per entry).
func unpackArchiveInto(r io.Reader, limits objfmt.ExtractLimits, destRoot string) error {
	return objfmt.Unpack(r, limits, func(hdr *tar.Header, tr io.Reader) error {
		dst := filepath.Join(destRoot, hdr.Name)
		switch hdr.Typeflag {
		case tar.TypeDir:
			return mkdirWithMode(dst, hdr.Mode)
		case tar.TypeSymlink:
			if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
				return errs.New(errs.CodeStore, errs.SeverityCritical, "store.unpack", err).WithPath(dst)
			}
			if err := os.Symlink(hdr.Linkname, dst); err != nil {
				return errs.New(errs.CodeStore, errs.SeverityCritical, "store.unpack", err).WithPath(dst)
			}
			return nil
		default: // tar.TypeReg / TypeRegA
			if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
				return errs.New(errs.CodeStore, errs.SeverityCritical, "store.unpack", err).WithPath(dst)
			}
			out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, os.FileMode(hdr.Mode).Perm())
			if err != nil {
				return errs.New(errs.CodeStore, errs.SeverityCritical, "store.unpack", err).WithPath(dst)
			}
			if _, err := io.Copy(out, tr); err != nil {
				out.Close()
				return errs.New(errs.CodeStore, errs.SeverityCritical, "store.unpack", err).WithPath(dst)
			}
			return out.Close()
		}
	})
}

func mkdirWithMode(dst string, mode int64) error {
	if err := os.MkdirAll(dst, os.FileMode(mode).Perm()|0o700); err != nil {
		return errs.New(errs.CodeStore, errs.SeverityCritical, "store.unpack", err).WithPath(dst)
	}
	return nil
}
