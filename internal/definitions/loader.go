// Package definitions loads workflow definitions from YAML files and keeps them
// registered as the files change.
package definitions

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/RealZimboGuy/flowcron/pkg/flowcron/domain"
	"go.yaml.in/yaml/v3"
)

// ParseDefinition decodes one workflow definition from YAML bytes.
func ParseDefinition(data []byte) (*domain.WorkflowDefinition, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, fmt.Errorf("definition payload is empty")
	}
	var def domain.WorkflowDefinition
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&def); err != nil {
		return nil, fmt.Errorf("decode definition: %w", err)
	}
	def.Name = strings.TrimSpace(def.Name)
	if def.Name == "" {
		return nil, fmt.Errorf("definition has no name")
	}
	return &def, nil
}

func LoadFile(path string) (*domain.WorkflowDefinition, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	def, err := ParseDefinition(content)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return def, nil
}

// IsDefinitionFile reports whether name has a YAML extension.
func IsDefinitionFile(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".yaml", ".yml":
		return true
	}
	return false
}

// LoadDir loads every *.yaml and *.yml file in dir, sorted by file name.
// Two files defining the same workflow name are rejected.
func LoadDir(dir string) ([]*domain.WorkflowDefinition, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read definitions dir: %w", err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() || !IsDefinitionFile(e.Name()) {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)

	seen := map[string]string{}
	defs := make([]*domain.WorkflowDefinition, 0, len(names))
	for _, name := range names {
		def, err := LoadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, err
		}
		if prev, ok := seen[def.Name]; ok {
			return nil, fmt.Errorf("workflow %s defined in both %s and %s", def.Name, prev, name)
		}
		seen[def.Name] = name
		defs = append(defs, def)
	}
	return defs, nil
}
