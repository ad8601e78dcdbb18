package rules

import (
	"bytes"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// LoadYAML parses a rules document from r. Unknown fields are rejected
// outright rather than silently ignored, so a typo in a rule document fails
// loudly instead of producing a rule that silently never matches.
func LoadYAML(r io.Reader) (Ruleset, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var rs Ruleset
	if err := dec.Decode(&rs); err != nil {
		if err == io.EOF {
			return Ruleset{}, nil
		}
		return Ruleset{}, fmt.Errorf("decoding rules document: %w", err)
	}
	if err := rs.Validate(); err != nil {
		return Ruleset{}, fmt.Errorf("invalid rules document: %w", err)
	}
	return rs, nil
}

// LoadYAMLFile reads and parses the rules document at path. A missing file
// is not an error: it yields an empty ruleset, matching the "rules are
// optional" stance of the proxy's configuration (spec §6).
func LoadYAMLFile(path string) (Ruleset, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Ruleset{}, nil
		}
		return Ruleset{}, fmt.Errorf("reading rules file %s: %w", path, err)
	}
	return LoadYAML(bytes.NewReader(data))
}
