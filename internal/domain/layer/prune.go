package layer

import "fmt"

// PruneAction tells how a matching path is removed.
type PruneAction string

const (
	// PruneDir removes a matching directory with everything below it.
	PruneDir PruneAction = "dir"
	// PruneFile removes a matching file.
	PruneFile PruneAction = "file"
)

// PruneRule removes paths matching Glob from the staging tree.
// Globs are matched against slash-separated paths relative to the staging
// parent, so they start with ModuleSearchFolder ("python/pkg/tests").
type PruneRule struct {
	Glob   string      `yaml:"glob"`
	Action PruneAction `yaml:"action"`
}

// Validate checks the action and that the glob is not empty.
func (r PruneRule) Validate() error {
	if r.Glob == "" {
		return ConfigError("prune rule has an empty glob", nil)
	}

	switch r.Action {
	case PruneDir, PruneFile:
		return nil
	default:
		return ConfigError(fmt.Sprintf("prune rule %q has unknown action %q", r.Glob, r.Action), nil)
	}
}

// String renders the rule as "dir:**/tests".
func (r PruneRule) String() string {
	return string(r.Action) + ":" + r.Glob
}

// DefaultPruneRules returns the size-reduction rule set for Python layers.
func DefaultPruneRules() []PruneRule {
	return []PruneRule{
		{Glob: "**/__pycache__", Action: PruneDir},
		{Glob: "**/tests", Action: PruneDir},
		{Glob: "**/test", Action: PruneDir},
		{Glob: "**/*.pyc", Action: PruneFile},
		{Glob: "**/*.pyo", Action: PruneFile},
	}
}
