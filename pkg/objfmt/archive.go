package objfmt

import (
	"archive/tar"
	"bytes"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/sps2/sps2/pkg/errs"
)

// Magic is the 4-byte zstd frame magic prefix every `.sp` archive starts
// with (spec §4.A/§6).
var Magic = [4]byte{0x28, 0xB5, 0x2F, 0xFD}

// deterministicModTime is the fixed mtime every tar entry is written with,
// so two packs of identical file content produce byte-identical archives
// (spec §4.A "deterministic tar (fixed mtime, sorted entries, zeroed
// uid/gid/device numbers)").
var deterministicModTime = time.Unix(0, 0).UTC()

// PackEntry describes one file to place into an archive. Dir is true for
// directory entries; LinkTarget is set for symlinks.
type PackEntry struct {
	Path       string // archive-relative, forward slashes, no leading /
	Dir        bool
	Mode       os.FileMode
	Size       int64
	LinkTarget string
	Reader     io.Reader // nil for Dir and symlink entries
}

// Pack writes a deterministic tar of entries, compressed with zstd, to w.
// Entries are sorted by Path before writing regardless of input order, and
// uid/gid/device numbers are zeroed, satisfying spec §4.A's determinism
// requirement: identical entry sets always produce identical bytes.
func Pack(w io.Writer, entries []PackEntry) error {
	sorted := append([]PackEntry(nil), entries...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Path < sorted[j].Path })

	zw, err := zstd.NewWriter(w)
	if err != nil {
		return errs.New(errs.CodeStore, errs.SeverityMedium, "objfmt.pack", err)
	}

	tw := tar.NewWriter(zw)

	for _, e := range sorted {
		if err := writeEntry(tw, e); err != nil {
			_ = tw.Close()
			_ = zw.Close()
			return err
		}
	}

	if err := tw.Close(); err != nil {
		_ = zw.Close()
		return errs.New(errs.CodeStore, errs.SeverityMedium, "objfmt.pack", err)
	}
	if err := zw.Close(); err != nil {
		return errs.New(errs.CodeStore, errs.SeverityMedium, "objfmt.pack", err)
	}
	return nil
}

func writeEntry(tw *tar.Writer, e PackEntry) error {
	clean := path.Clean("/" + filepath.ToSlash(e.Path))[1:]
	if clean == "" || clean == "." {
		return errs.New(errs.CodeInput, errs.SeverityMedium, "objfmt.pack",
			fmt.Errorf("invalid archive entry path %q", e.Path))
	}

	hdr := &tar.Header{
		Name:    clean,
		Mode:    int64(e.Mode.Perm()),
		ModTime: deterministicModTime,
		Uid:     0,
		Gid:     0,
		Uname:   "",
		Gname:   "",
	}

	switch {
	case e.Dir:
		hdr.Typeflag = tar.TypeDir
		hdr.Name += "/"
	case e.LinkTarget != "":
		hdr.Typeflag = tar.TypeSymlink
		hdr.Linkname = e.LinkTarget
	default:
		hdr.Typeflag = tar.TypeReg
		hdr.Size = e.Size
	}

	if err := tw.WriteHeader(hdr); err != nil {
		return errs.New(errs.CodeStore, errs.SeverityMedium, "objfmt.pack", err).WithPath(e.Path)
	}
	if hdr.Typeflag == tar.TypeReg && e.Reader != nil {
		if _, err := io.Copy(tw, e.Reader); err != nil {
			return errs.New(errs.CodeStore, errs.SeverityMedium, "objfmt.pack", err).WithPath(e.Path)
		}
	}
	return nil
}

// ExtractLimits bounds archive expansion per spec §4.A.
type ExtractLimits struct {
	MaxTotalSize int64
	MaxFileSize  int64
}

// DefaultExtractLimits matches the spec's stated defaults (1 GiB total,
// 500 MiB per file), overridable via pkg/config.
func DefaultExtractLimits() ExtractLimits {
	return ExtractLimits{MaxTotalSize: 1 << 30, MaxFileSize: 500 << 20}
}

// UnpackFunc is invoked once per archive entry during Unpack, in archive
// order (which Pack guarantees is path-sorted). Implementations place
// regular-file bytes under destRoot themselves; Unpack only validates
// shape and enforces limits.
type UnpackFunc func(hdr *tar.Header, r io.Reader) error

// Unpack reads a `.sp` archive from r, validating the magic prefix and
// rejecting unsafe entries before invoking fn for each one:
//   - absolute paths and ".." segments (path escape)
//   - hard links (spec forbids "hard links to outside the archive"; since
//     a deterministic single-pass tar format has no legitimate in-archive
//     hard link use, all hard links are rejected)
//   - device/FIFO nodes
//   - symlinks whose target would escape destRoot
//
// total and per-file size are bounded by limits.
func Unpack(r io.Reader, limits ExtractLimits, fn UnpackFunc) error {
	var magicBuf [4]byte
	if _, err := io.ReadFull(r, magicBuf[:]); err != nil {
		return errs.New(errs.CodeInput, errs.SeverityMedium, "objfmt.unpack", err).WithHint("archive too short to contain a magic prefix")
	}
	if magicBuf != Magic {
		return errs.New(errs.CodeInput, errs.SeverityHigh, "objfmt.unpack",
			fmt.Errorf("bad archive magic %x, want %x", magicBuf, Magic))
	}

	zr, err := zstd.NewReader(io.MultiReader(bytes.NewReader(magicBuf[:]), r))
	if err != nil {
		return errs.New(errs.CodeInput, errs.SeverityHigh, "objfmt.unpack", err)
	}
	defer zr.Close()

	tr := tar.NewReader(zr)

	var total int64
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return errs.New(errs.CodeInput, errs.SeverityHigh, "objfmt.unpack", err)
		}

		if err := validateEntry(hdr); err != nil {
			return err
		}

		if hdr.Typeflag == tar.TypeReg {
			if hdr.Size > limits.MaxFileSize {
				return errs.New(errs.CodeInput, errs.SeverityHigh, "objfmt.unpack",
					fmt.Errorf("entry %q size %d exceeds per-file limit %d", hdr.Name, hdr.Size, limits.MaxFileSize))
			}
			total += hdr.Size
			if total > limits.MaxTotalSize {
				return errs.New(errs.CodeInput, errs.SeverityHigh, "objfmt.unpack",
					fmt.Errorf("archive expansion exceeds total limit %d", limits.MaxTotalSize))
			}
		}

		if err := fn(hdr, tr); err != nil {
			return err
		}
	}
	return nil
}

func validateEntry(hdr *tar.Header) error {
	name := hdr.Name
	if path.IsAbs(name) || filepath.IsAbs(name) {
		return pathEscapeError(name)
	}
	clean := path.Clean(name)
	if clean == ".." || strings.HasPrefix(clean, "../") {
		return pathEscapeError(name)
	}

	switch hdr.Typeflag {
	case tar.TypeReg, tar.TypeRegA, tar.TypeDir:
		// ok
	case tar.TypeSymlink:
		target := hdr.Linkname
		if path.IsAbs(target) {
			return pathEscapeError(name + " -> " + target)
		}
		joined := path.Clean(path.Join(path.Dir(clean), target))
		if joined == ".." || strings.HasPrefix(joined, "../") {
			return pathEscapeError(name + " -> " + target)
		}
	case tar.TypeLink:
		return errs.New(errs.CodeInput, errs.SeverityHigh, "objfmt.unpack",
			fmt.Errorf("hard links are not permitted in archive entries: %q", name))
	case tar.TypeChar, tar.TypeBlock, tar.TypeFifo:
		return errs.New(errs.CodeInput, errs.SeverityHigh, "objfmt.unpack",
			fmt.Errorf("device/FIFO entries are not permitted: %q", name))
	default:
		return errs.New(errs.CodeInput, errs.SeverityHigh, "objfmt.unpack",
			fmt.Errorf("unsupported tar entry type %v for %q", hdr.Typeflag, name))
	}
	return nil
}

func pathEscapeError(name string) error {
	return errs.New(errs.CodeInput, errs.SeverityHigh, "objfmt.unpack",
		fmt.Errorf("archive entry escapes extraction root: %q", name))
}
