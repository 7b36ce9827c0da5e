package objfmt

import (
	"fmt"

	"github.com/pelletier/go-toml/v2"

	"github.com/sps2/sps2/pkg/errs"
)

// Manifest is the structured metadata every package archive carries
// alongside its files/ tree (spec §3/§4.A).
type Manifest struct {
	Name    string   `toml:"name"`
	Version string   `toml:"version"`
	Arch    string   `toml:"arch"` // always "arm64" per spec §1 non-goals
	Depends []string `toml:"depends,omitempty"`

	SBOMFiles   []string `toml:"sbom_files,omitempty"`
	SignatureOf string   `toml:"signature,omitempty"`
}

// Validate checks the manifest carries the minimum fields a store object
// must have to be addressed and installed.
func (m Manifest) Validate() error {
	if m.Name == "" {
		return errs.New(errs.CodeInput, errs.SeverityMedium, "objfmt.manifest_validate",
			fmt.Errorf("manifest missing name"))
	}
	if m.Version == "" {
		return errs.New(errs.CodeInput, errs.SeverityMedium, "objfmt.manifest_validate",
			fmt.Errorf("manifest missing version")).WithPackage(m.Name, "")
	}
	if m.Arch != "" && m.Arch != "arm64" {
		return errs.New(errs.CodeInput, errs.SeverityMedium, "objfmt.manifest_validate",
			fmt.Errorf("unsupported arch %s", m.Arch)).WithPackage(m.Name, m.Version)
	}
	return nil
}

// EncodeManifest serializes a Manifest to TOML bytes.
func EncodeManifest(m Manifest) ([]byte, error) {
	data, err := toml.Marshal(m)
	if err != nil {
		return nil, errs.New(errs.CodeStore, errs.SeverityMedium, "objfmt.manifest_encode", err)
	}
	return data, nil
}

// DecodeManifest parses manifest.toml bytes, validating required fields.
func DecodeManifest(data []byte) (Manifest, error) {
	var m Manifest
	if err := toml.Unmarshal(data, &m); err != nil {
		return Manifest{}, errs.New(errs.CodeInput, errs.SeverityMedium, "objfmt.manifest_decode", err)
	}
	if err := m.Validate(); err != nil {
		return Manifest{}, err
	}
	return m, nil
}
