// Package recipe parses the header of a YAML build recipe. Recipe
// execution (build steps, compiler invocation, sandboxing) belongs to an
// external builder producer and is out of scope here: this package only
// parses and validates the shape a producer must present to
// pkg/transition, via github.com/google/uuid-free plain struct decoding
// with gopkg.in/yaml.v3.
package recipe

import (
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/sps2/sps2/pkg/errs"
)

// Header is the subset of a recipe the core needs: enough to label a
// transition's operation and validate producer input shape. Build-step
// fields (if present in the YAML document) are ignored.
type Header struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
	Source  Source `yaml:"source"`
}

// Source describes where the recipe's build input comes from.
type Source struct {
	Kind string `yaml:"kind"` // e.g. "git", "tarball", "local"
	URL  string `yaml:"url"`
	Ref  string `yaml:"ref,omitempty"`
}

// Parse decodes a recipe's header fields from raw YAML. Unknown top-level
// keys (build steps, environment, etc.) are ignored rather than rejected,
// since this package never executes them.
func Parse(data []byte) (Header, error) {
	var h Header
	if err := yaml.Unmarshal(data, &h); err != nil {
		return Header{}, errs.New(errs.CodeInput, errs.SeverityMedium, "recipe.parse", err)
	}
	if err := h.Validate(); err != nil {
		return Header{}, err
	}
	return h, nil
}

// Validate checks that the header carries enough information to label a
// transition and to identify a producer's source input.
func (h Header) Validate() error {
	if h.Name == "" {
		return errs.New(errs.CodeInput, errs.SeverityMedium, "recipe.validate",
			fmt.Errorf("recipe missing name")).WithHint("every recipe must declare name:")
	}
	if h.Version == "" {
		return errs.New(errs.CodeInput, errs.SeverityMedium, "recipe.validate",
			fmt.Errorf("recipe %q missing version", h.Name)).WithPackage(h.Name, "")
	}
	switch h.Source.Kind {
	case "git", "tarball", "local":
	case "":
		return errs.New(errs.CodeInput, errs.SeverityMedium, "recipe.validate",
			fmt.Errorf("recipe %q missing source.kind", h.Name)).WithPackage(h.Name, h.Version)
	default:
		return errs.New(errs.CodeInput, errs.SeverityMedium, "recipe.validate",
			fmt.Errorf("recipe %q has unknown source.kind %q", h.Name, h.Source.Kind)).
			WithPackage(h.Name, h.Version)
	}
	if h.Source.URL == "" {
		return errs.New(errs.CodeInput, errs.SeverityMedium, "recipe.validate",
			fmt.Errorf("recipe %q missing source.url", h.Name)).WithPackage(h.Name, h.Version)
	}
	return nil
}

// Operation returns the label pkg/transition attaches to a state produced
// from this recipe, e.g. "build:openssl@3.3.1".
func (h Header) Operation() string {
	return fmt.Sprintf("build:%s@%s", h.Name, h.Version)
}
