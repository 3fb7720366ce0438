package config

import (
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"audittrail/pkg/platform/audit"
)

// Definitions maps operation names to their audit declarations.
type Definitions map[string]audit.Definition

type definitionsFile struct {
	Operations Definitions `yaml:"operations"`
}

// LoadDefinitions reads operation definitions from a YAML file of the form
//
//	operations:
//	  transfer:
//	    action: "'transfer'"
//	    object: "#account"
//	    after:
//	      message: "'moved ' + #amount"
//	      guard: "#amount > 0"
//
// An empty path yields no definitions. A missing file is an error.
func LoadDefinitions(path string) (Definitions, error) {
	if path == "" {
		return Definitions{}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read audit definitions: %w", err)
	}
	return ParseDefinitions(data)
}

func ParseDefinitions(data []byte) (Definitions, error) {
	var f definitionsFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse audit definitions: %w", err)
	}
	if f.Operations == nil {
		f.Operations = Definitions{}
	}
	return f.Operations, nil
}

// Names returns the operation names in sorted order.
func (d Definitions) Names() []string {
	names := make([]string, 0, len(d))
	for name := range d {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Validate compiles every definition with v and reports the first failure
// by operation name.
func (d Definitions) Validate(v interface{ Validate(audit.Definition) error }) error {
	for _, name := range d.Names() {
		if err := v.Validate(d[name]); err != nil {
			return fmt.Errorf("operation %q: %w", name, err)
		}
	}
	return nil
}

// Lookup returns the definition for name, or a disabled one.
func (d Definitions) Lookup(name string) audit.Definition {
	return d[name]
}
