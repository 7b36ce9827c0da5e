// Package objfmt implements the on-disk object formats of spec §3/§4.A:
// the two hash variants used at package and file granularity, the `.sp`
// archive codec (deterministic tar wrapped in zstd framing with a fixed
// magic prefix), and the manifest.toml codec. It is a leaf package with no
// dependency on pkg/store or pkg/statedb so it can be exercised and tested
// in isolation, the way distribution-distribution's digest package stands
// apart from its blob store.
package objfmt

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"

	"github.com/cespare/xxhash/v2"

	"github.com/sps2/sps2/pkg/errs"
)

// Variant distinguishes the two hash kinds of spec §3: Strong hashes cross
// a trust boundary (archive bytes as received from a producer); Fast
// hashes are a purely local dedup key and are never compared across
// machines.
type Variant int

const (
	// Strong is a 256-bit SHA-256 digest, used for package-level store
	// objects keyed by archive bytes.
	Strong Variant = iota
	// Fast is a 128-bit digest built from two xxhash64 passes (one over the
	// content, one over a fixed salt followed by the content), used
	// for file-level local dedup keys where a cryptographic hash would be
	// pure overhead.
	Fast
)

// Hash is a computed digest tagged with its Variant, so a Fast hash can
// never be silently compared against a Strong one.
type Hash struct {
	Variant Variant
	bytes   []byte
}

// String renders the hash as lowercase hex, the form used in store paths.
func (h Hash) String() string {
	return hex.EncodeToString(h.bytes)
}

// Bytes returns the raw digest bytes.
func (h Hash) Bytes() []byte { return append([]byte(nil), h.bytes...) }

// IsZero reports whether h is the zero value.
func (h Hash) IsZero() bool { return len(h.bytes) == 0 }

// Equal compares two hashes of the same Variant.
func (h Hash) Equal(other Hash) bool {
	if h.Variant != other.Variant {
		return false
	}
	return string(h.bytes) == string(other.bytes)
}

// Prefix returns the first n hex characters, used for the fan-out
// directory of spec §3's `store/objects/<2-char-prefix>/<hex-hash>`.
func (h Hash) Prefix(n int) string {
	s := h.String()
	if len(s) < n {
		return s
	}
	return s[:n]
}

// HashBytes computes a Hash of the given variant over an in-memory buffer.
func HashBytes(variant Variant, data []byte) Hash {
	switch variant {
	case Strong:
		sum := sha256.Sum256(data)
		return Hash{Variant: Strong, bytes: sum[:]}
	case Fast:
		return Hash{Variant: Fast, bytes: fastSum(data)}
	default:
		panic(fmt.Sprintf("objfmt: unknown hash variant %d", variant))
	}
}

// HashReader streams a Hash of the given variant over r without buffering
// the whole input in memory, for large archive payloads.
func HashReader(variant Variant, r io.Reader) (Hash, error) {
	switch variant {
	case Strong:
		h := sha256.New()
		if _, err := io.Copy(h, r); err != nil {
			return Hash{}, errs.New(errs.CodeStore, errs.SeverityMedium, "objfmt.hash_reader", err)
		}
		return Hash{Variant: Strong, bytes: h.Sum(nil)}, nil
	case Fast:
		lane0 := xxhash.New()
		lane1 := xxhash.New()
		lane1.Write(seedSalt)
		if _, err := io.Copy(io.MultiWriter(lane0, lane1), r); err != nil {
			return Hash{}, errs.New(errs.CodeStore, errs.SeverityMedium, "objfmt.hash_reader", err)
		}
		out := make([]byte, 16)
		putUint64(out[0:8], lane0.Sum64())
		putUint64(out[8:16], lane1.Sum64())
		return Hash{Variant: Fast, bytes: out}, nil
	default:
		panic(fmt.Sprintf("objfmt: unknown hash variant %d", variant))
	}
}

// fastSum computes the 128-bit Fast digest: two independent 64-bit xxhash
// lanes concatenated, one over the content and one over a fixed salt
// followed by the content. A single 64-bit hash is not wide enough to keep
// collision probability negligible across a large file-object population;
// two lanes give the same guarantee as a single 128-bit hash without
// pulling in a second library. HashReader streams the same two lanes via
// xxhash's Digest, so buffered and streamed hashing of identical content
// always agree.
func fastSum(data []byte) []byte {
	lane0 := xxhash.Sum64(data)
	lane1 := xxhash.Sum64(append(append([]byte(nil), seedSalt...), data...))
	out := make([]byte, 16)
	putUint64(out[0:8], lane0)
	putUint64(out[8:16], lane1)
	return out
}

var seedSalt = []byte{0x73, 0x70, 0x73, 0x32, 0x66, 0x61, 0x73, 0x74} // "sps2fast"

func putUint64(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * i))
	}
}

// ParseHex parses a hex-encoded digest of the given variant, validating
// its length matches the variant's expected width.
func ParseHex(variant Variant, s string) (Hash, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return Hash{}, errs.New(errs.CodeInput, errs.SeverityMedium, "objfmt.parse_hex", err).WithHint("expected lowercase hex")
	}
	want := strongWidth
	if variant == Fast {
		want = fastWidth
	}
	if len(b) != want {
		return Hash{}, errs.New(errs.CodeInput, errs.SeverityMedium, "objfmt.parse_hex",
			fmt.Errorf("hash %q has %d bytes, want %d", s, len(b), want))
	}
	return Hash{Variant: variant, bytes: b}, nil
}

const (
	strongWidth = sha256.Size // 32 bytes, 256 bits
	fastWidth   = 16          // 128 bits
)
