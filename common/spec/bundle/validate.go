package bundle

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"
)

//go:embed schema.json
var schemaJSON string

// manifestSchema is the compiled JSON Schema for hako/v1 manifests.
var manifestSchema = jsonschema.MustCompileString("bundle/schema.json", schemaJSON)

// Parse decodes an agent.yaml document into a Manifest and validates it.
// It is the canonical entry point for loading package manifests.
func Parse(data []byte) (*Manifest, error) {
	// Schema validation runs against the generic document so that unknown
	// fields and type mismatches are rejected before struct decoding.
	var doc interface{}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("manifest parse: %w", err)
	}
	// The validator works on JSON-decoded values; normalize the YAML
	// document (int → float64 and so on) through a JSON round trip.
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("manifest parse: %w", err)
	}
	var jsonDoc interface{}
	if err := json.Unmarshal(raw, &jsonDoc); err != nil {
		return nil, fmt.Errorf("manifest parse: %w", err)
	}
	if err := manifestSchema.Validate(jsonDoc); err != nil {
		return nil, fmt.Errorf("manifest schema: %w", err)
	}

	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("manifest parse: %w", err)
	}
	if err := Validate(&m); err != nil {
		return nil, err
	}
	return &m, nil
}

// Validate checks a Manifest for structural correctness without loading it.
// It returns the first validation error encountered, or nil if the manifest
// is valid.
func Validate(m *Manifest) error {
	if m == nil {
		return fmt.Errorf("manifest must not be nil")
	}

	if m.APIVersion != SpecVersion {
		return fmt.Errorf("apiVersion must be %q, got %q", SpecVersion, m.APIVersion)
	}

	if strings.TrimSpace(m.Metadata.Name) == "" {
		return fmt.Errorf("metadata.name must not be empty")
	}

	if err := validateEntrypoint(m.Entrypoint); err != nil {
		return fmt.Errorf("entrypoint: %w", err)
	}

	if err := validateLimits(m.Limits); err != nil {
		return fmt.Errorf("limits: %w", err)
	}

	return nil
}

func validateEntrypoint(e Entrypoint) error {
	hasHandler := strings.TrimSpace(e.Handler) != ""
	hasCommand := strings.TrimSpace(e.Command) != ""

	switch {
	case hasHandler && hasCommand:
		return fmt.Errorf("handler and command are mutually exclusive")
	case !hasHandler && !hasCommand:
		return fmt.Errorf("exactly one of handler or command must be set")
	}

	if hasCommand && strings.HasPrefix(e.Command, "/") {
		return fmt.Errorf("command %q must be relative to the package root", e.Command)
	}
	if hasCommand && strings.Contains(e.Command, "..") {
		return fmt.Errorf("command %q must not escape the package root", e.Command)
	}

	if hasHandler && len(e.Args) > 0 {
		return fmt.Errorf("args apply only to command entrypoints")
	}

	return nil
}

func validateLimits(l Limits) error {
	if l.MaxConcurrentInvocations < 0 {
		return fmt.Errorf("maxConcurrentInvocations must be >= 0")
	}
	if l.InvocationTimeoutSeconds < 0 {
		return fmt.Errorf("invocationTimeoutSeconds must be >= 0")
	}
	return nil
}
