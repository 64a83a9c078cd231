package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/NattSiraOsvn/nattcell-sub001/pkg/statemachine"
)

// LoadDefinitions reads state machine definitions from path. A directory is
// read as every *.yaml and *.yml file in it, in name order.
func LoadDefinitions(path string) ([]statemachine.Definition, error) {
	files, err := yamlFiles(path)
	if err != nil {
		return nil, err
	}
	var defs []statemachine.Definition
	for _, f := range files {
		data, err := os.ReadFile(f)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", f, err)
		}
		parsed, err := statemachine.ParseDefinitions(data)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", f, err)
		}
		defs = append(defs, parsed...)
	}
	if len(defs) == 0 {
		return nil, fmt.Errorf("no definitions found in %s", path)
	}
	return defs, nil
}

// LoadMilestones reads the constitutional milestones from path, or returns
// the default sequence when path is empty.
func LoadMilestones(path string) ([]statemachine.Milestone, error) {
	if path == "" {
		return statemachine.DefaultMilestones(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load milestones: %w", err)
	}
	ms, err := statemachine.ParseMilestones(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return ms, nil
}

func yamlFiles(path string) ([]string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("load definitions: %w", err)
	}
	if !info.IsDir() {
		return []string{path}, nil
	}
	var files []string
	for _, pattern := range []string{"*.yaml", "*.yml"} {
		matches, err := filepath.Glob(filepath.Join(path, pattern))
		if err != nil {
			return nil, err
		}
		files = append(files, matches...)
	}
	sort.Strings(files)
	return files, nil
}
