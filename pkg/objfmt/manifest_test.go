package objfmt

import "testing"

func TestManifestEncodeDecodeRoundTrip(t *testing.T) {
	m := Manifest{
		Name:    "openssl",
		Version: "3.3.1",
		Arch:    "arm64",
		Depends: []string{"zlib>=1.3"},
	}

	data, err := EncodeManifest(m)
	if err != nil {
		t.Fatalf("EncodeManifest: %v", err)
	}

	got, err := DecodeManifest(data)
	if err != nil {
		t.Fatalf("DecodeManifest: %v", err)
	}
	if got.Name != m.Name || got.Version != m.Version || got.Arch != m.Arch {
		t.Fatalf("round trip mismatch: %+v != %+v", got, m)
	}
	if len(got.Depends) != 1 || got.Depends[0] != "zlib>=1.3" {
		t.Fatalf("depends not preserved: %+v", got.Depends)
	}
}

func TestDecodeManifestRejectsMissingFields(t *testing.T) {
	if _, err := DecodeManifest([]byte(`version = "1.0"`)); err == nil {
		t.Fatal("expected error for missing name")
	}
	if _, err := DecodeManifest([]byte(`name = "foo"`)); err == nil {
		t.Fatal("expected error for missing version")
	}
}

func TestDecodeManifestRejectsWrongArch(t *testing.T) {
	doc := []byte("name = \"foo\"\nversion = \"1.0\"\narch = \"x86_64\"\n")
	if _, err := DecodeManifest(doc); err == nil {
		t.Fatal("expected error for non-arm64 arch")
	}
}
