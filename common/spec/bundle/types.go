// Package bundle defines types for the agent package manifest schema (v1).
//
// Every agent package carries an agent.yaml manifest at its root. The
// manifest declares the package's identity and its single entry-point
// handler; the worker refuses to serve a package whose manifest does not
// validate.
package bundle

// SpecVersion is the API version string required in every manifest.
const SpecVersion = "hako/v1"

// ManifestFilename is the manifest file expected at the package root.
const ManifestFilename = "agent.yaml"

// Manifest is the root type for an agent package manifest.
type Manifest struct {
	// APIVersion must be "hako/v1".
	APIVersion string `yaml:"apiVersion" json:"apiVersion"`

	// Metadata holds descriptive metadata.
	Metadata Metadata `yaml:"metadata" json:"metadata"`

	// Entrypoint declares the package's single handler.
	Entrypoint Entrypoint `yaml:"entrypoint" json:"entrypoint"`

	// Limits defines invocation constraints for this package.
	Limits Limits `yaml:"limits,omitempty" json:"limits,omitempty"`
}

// Metadata holds descriptive information about an agent package.
type Metadata struct {
	// Name is the package name (informational; the worker's identity comes
	// from the supervisor-assigned agent ID, not from the package).
	Name string `yaml:"name" json:"name"`

	// Version is the package version string.
	Version string `yaml:"version,omitempty" json:"version,omitempty"`

	// Description is a human-readable description of the handler's purpose.
	Description string `yaml:"description,omitempty" json:"description,omitempty"`
}

// Entrypoint declares how the package's handler is bound. Exactly one of
// Handler or Command must be set.
type Entrypoint struct {
	// Handler is the name of a built-in handler in the worker's registry
	// (e.g. "echo", "transform"). Mutually exclusive with Command.
	Handler string `yaml:"handler,omitempty" json:"handler,omitempty"`

	// Command is the path of a package-provided executable, relative to the
	// package root. Each invocation runs the command with the input payload
	// on stdin and reads one JSON payload from stdout. Mutually exclusive
	// with Handler.
	Command string `yaml:"command,omitempty" json:"command,omitempty"`

	// Args are extra command-line arguments for Command.
	Args []string `yaml:"args,omitempty" json:"args,omitempty"`

	// Env holds additional environment variables for Command invocations.
	Env map[string]string `yaml:"env,omitempty" json:"env,omitempty"`

	// Config holds handler-specific configuration key-value pairs.
	// For the "transform" handler: "prefix" (default "Processed: ").
	Config map[string]string `yaml:"config,omitempty" json:"config,omitempty"`
}

// Limits defines invocation constraints on a hosted package.
type Limits struct {
	// MaxConcurrentInvocations bounds simultaneous in-flight invocations.
	// 0 means the worker default (16).
	MaxConcurrentInvocations int `yaml:"maxConcurrentInvocations,omitempty" json:"maxConcurrentInvocations,omitempty"`

	// InvocationTimeoutSeconds bounds a single handler invocation.
	// 0 means the worker default (30).
	InvocationTimeoutSeconds int `yaml:"invocationTimeoutSeconds,omitempty" json:"invocationTimeoutSeconds,omitempty"`
}
