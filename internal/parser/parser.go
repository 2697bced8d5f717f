package parser

import (
	"fmt"
	"sort"
)

// Parser turns a job output artifact (raw file or uploaded zip) into a
// PIDB for storage import.
type Parser interface {
	ParsePath(path string) (*PIDB, error)
}

var registry = map[string]Parser{}

// Register adds a parser under its module name. Called from package init
// of each parser plugin.
func Register(name string, p Parser) {
	if _, ok := registry[name]; ok {
		panic(fmt.Sprintf("parser %q already registered", name))
	}
	registry[name] = p
}

// Get looks up a parser by module name.
func Get(name string) (Parser, error) {
	p, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("unknown parser %q", name)
	}
	return p, nil
}

// Names lists registered parser names, sorted.
func Names() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
