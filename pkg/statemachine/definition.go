// Package statemachine holds the per-domain transition tables and the global
// constitutional milestone registry.
package statemachine

import (
	"fmt"
	"sort"
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"

	"github.com/NattSiraOsvn/nattcell-sub001/pkg/contracts"
)

// Definition is the single source of truth for one domain: its states, the
// allowed moves between them and the operations that request those moves.
type Definition struct {
	Domain       string                  `yaml:"domain" json:"domain"`
	Version      string                  `yaml:"version" json:"version"`
	InitialState string                  `yaml:"initial_state" json:"initial_state"`
	States       map[string][]string     `yaml:"states" json:"states"`
	Operations   map[string]OperationDef `yaml:"operations" json:"operations"`
}

// OperationDef maps an operation to its target state. Schema, when set, is a
// JSON Schema the command payload must satisfy.
type OperationDef struct {
	Target string `yaml:"target" json:"target"`
	Schema string `yaml:"schema,omitempty" json:"schema,omitempty"`
}

type definitionFile struct {
	Definitions []Definition `yaml:"definitions"`
}

// ParseDefinitions decodes a YAML document holding a `definitions` list.
func ParseDefinitions(data []byte) ([]Definition, error) {
	var f definitionFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, contracts.WrapError(contracts.CodeDefinitionInvalid, "parse definitions", err)
	}
	return f.Definitions, nil
}

// compiled is a validated definition ready for lookups.
type compiled struct {
	def     Definition
	version *semver.Version
	allowed map[string]map[string]bool
	schemas map[string]*jsonschema.Schema
}

// compile validates d. Every state referenced anywhere must be declared, the
// initial state must exist, and every operation target must be reachable from
// at least one state.
func compile(d Definition) (*compiled, error) {
	var problems []string
	fail := func(format string, args ...any) { problems = append(problems, fmt.Sprintf(format, args...)) }

	if strings.TrimSpace(d.Domain) == "" {
		fail("domain is required")
	}
	v, err := semver.NewVersion(d.Version)
	if err != nil {
		fail("version %q is not semver: %v", d.Version, err)
	}
	if len(d.States) == 0 {
		fail("no states declared")
	}
	if _, ok := d.States[d.InitialState]; !ok {
		fail("initial state %q is not declared", d.InitialState)
	}

	c := &compiled{
		def:     d,
		version: v,
		allowed: make(map[string]map[string]bool, len(d.States)),
		schemas: make(map[string]*jsonschema.Schema),
	}
	reachable := make(map[string]bool)
	for _, from := range sortedKeys(d.States) {
		next := make(map[string]bool)
		for _, to := range d.States[from] {
			if _, ok := d.States[to]; !ok {
				fail("state %q allows undeclared state %q", from, to)
				continue
			}
			next[to] = true
			reachable[to] = true
		}
		c.allowed[from] = next
	}

	if len(d.Operations) == 0 {
		fail("no operations declared")
	}
	for _, op := range sortedKeys(d.Operations) {
		od := d.Operations[op]
		if _, ok := d.States[od.Target]; !ok {
			fail("operation %q targets undeclared state %q", op, od.Target)
			continue
		}
		if !reachable[od.Target] {
			fail("operation %q targets state %q which no state allows", op, od.Target)
		}
		if od.Schema != "" {
			s, err := compileSchema(d.Domain, op, od.Schema)
			if err != nil {
				fail("operation %q schema: %v", op, err)
				continue
			}
			c.schemas[op] = s
		}
	}

	if len(problems) > 0 {
		return nil, contracts.NewError(contracts.CodeDefinitionInvalid,
			"definition %q: %s", d.Domain, strings.Join(problems, "; "))
	}
	return c, nil
}

func compileSchema(domain, op, schema string) (*jsonschema.Schema, error) {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	url := fmt.Sprintf("https://nattcell.schemas.local/%s/%s.schema.json", domain, op)
	if err := c.AddResource(url, strings.NewReader(schema)); err != nil {
		return nil, err
	}
	return c.Compile(url)
}

// allows reports whether to is a legal successor of from.
func (c *compiled) allows(from, to string) bool {
	return c.allowed[from][to]
}

// Allowed returns the states reachable from state, sorted.
func (d Definition) Allowed(state string) []string {
	out := append([]string(nil), d.States[state]...)
	sort.Strings(out)
	return out
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
