package recipe

import "testing"

func TestParseValidRecipe(t *testing.T) {
	doc := []byte(`
name: openssl
version: 3.3.1
source:
  kind: git
  url: https://example.invalid/openssl.git
  ref: v3.3.1
steps:
  - run: ./configure
  - run: make
`)
	h, err := Parse(doc)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if h.Name != "openssl" || h.Version != "3.3.1" {
		t.Fatalf("unexpected header: %+v", h)
	}
	if h.Source.Kind != "git" || h.Source.Ref != "v3.3.1" {
		t.Fatalf("unexpected source: %+v", h.Source)
	}
	if got, want := h.Operation(), "build:openssl@3.3.1"; got != want {
		t.Fatalf("Operation() = %q, want %q", got, want)
	}
}

func TestParseRejectsMissingFields(t *testing.T) {
	cases := map[string][]byte{
		"missing name":    []byte("version: 1.0\nsource:\n  kind: git\n  url: u\n"),
		"missing version": []byte("name: foo\nsource:\n  kind: git\n  url: u\n"),
		"missing source":  []byte("name: foo\nversion: 1.0\n"),
		"bad source kind": []byte("name: foo\nversion: 1.0\nsource:\n  kind: ftp\n  url: u\n"),
		"missing url":     []byte("name: foo\nversion: 1.0\nsource:\n  kind: git\n"),
	}
	for desc, doc := range cases {
		if _, err := Parse(doc); err == nil {
			t.Errorf("%s: expected error, got nil", desc)
		}
	}
}

func TestParseRejectsMalformedYAML(t *testing.T) {
	if _, err := Parse([]byte("not: [valid")); err == nil {
		t.Fatal("expected parse error for malformed YAML")
	}
}
