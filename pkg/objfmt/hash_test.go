package objfmt

import (
	"bytes"
	"testing"
)

func TestHashBytesRoundTripsThroughHex(t *testing.T) {
	data := []byte("the quick brown fox jumps over the lazy dog")

	for _, v := range []Variant{Strong, Fast} {
		h := HashBytes(v, data)
		parsed, err := ParseHex(v, h.String())
		if err != nil {
			t.Fatalf("ParseHex(%v): %v", v, err)
		}
		if !h.Equal(parsed) {
			t.Fatalf("round trip mismatch for variant %v: %s != %s", v, h, parsed)
		}
	}
}

func TestHashBytesDeterministic(t *testing.T) {
	data := []byte("deterministic input")
	a := HashBytes(Strong, data)
	b := HashBytes(Strong, data)
	if !a.Equal(b) {
		t.Fatal("expected identical input to produce identical strong hash")
	}

	fa := HashBytes(Fast, data)
	fb := HashBytes(Fast, data)
	if !fa.Equal(fb) {
		t.Fatal("expected identical input to produce identical fast hash")
	}
}

func TestHashVariantsNeverEqual(t *testing.T) {
	data := []byte("same bytes, different variant")
	strong := HashBytes(Strong, data)
	fast := HashBytes(Fast, data)
	if strong.Equal(fast) {
		t.Fatal("hashes of different variants must never compare equal")
	}
}

func TestFastHashIs128Bits(t *testing.T) {
	h := HashBytes(Fast, []byte("x"))
	if len(h.Bytes()) != 16 {
		t.Fatalf("expected 16-byte fast hash, got %d", len(h.Bytes()))
	}
}

func TestStrongHashIs256Bits(t *testing.T) {
	h := HashBytes(Strong, []byte("x"))
	if len(h.Bytes()) != 32 {
		t.Fatalf("expected 32-byte strong hash, got %d", len(h.Bytes()))
	}
}

func TestParseHexRejectsWrongWidth(t *testing.T) {
	if _, err := ParseHex(Strong, "deadbeef"); err == nil {
		t.Fatal("expected error for short strong hash")
	}
}

func TestParseHexRejectsNonHex(t *testing.T) {
	if _, err := ParseHex(Fast, "not-hex-at-all!!"); err == nil {
		t.Fatal("expected error for non-hex input")
	}
}

func TestPrefixUsedForFanOutDir(t *testing.T) {
	h := HashBytes(Fast, []byte("y"))
	if len(h.Prefix(2)) != 2 {
		t.Fatalf("expected 2-char prefix, got %q", h.Prefix(2))
	}
	if h.Prefix(2) != h.String()[:2] {
		t.Fatalf("prefix mismatch: %q vs %q", h.Prefix(2), h.String())
	}
}

func TestHashReaderMatchesHashBytes(t *testing.T) {
	data := []byte("streamed versus buffered should agree")

	strongBuf := HashBytes(Strong, data)
	strongStream, err := HashReader(Strong, bytes.NewReader(data))
	if err != nil {
		t.Fatalf("HashReader: %v", err)
	}
	if !strongBuf.Equal(strongStream) {
		t.Fatalf("strong hash mismatch: %s != %s", strongBuf, strongStream)
	}

	fastBuf := HashBytes(Fast, data)
	fastStream, err := HashReader(Fast, bytes.NewReader(data))
	if err != nil {
		t.Fatalf("HashReader: %v", err)
	}
	if !fastBuf.Equal(fastStream) {
		t.Fatalf("fast hash mismatch: %s != %s", fastBuf, fastStream)
	}
}
