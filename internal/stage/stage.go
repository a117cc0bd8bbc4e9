// Package stage models the ordered, linear progression of conversation
// stages. Stage definitions are loaded once from configuration, validated,
// and shared read-only across all sessions.
package stage

import (
	"fmt"
	"os"
	"sort"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

// Definition describes a single conversation stage.
type Definition struct {
	ID          string `koanf:"id" json:"id"`
	Name        string `koanf:"name" json:"name"`
	Order       int    `koanf:"order" json:"order"`
	Description string `koanf:"description" json:"description,omitempty"`
}

// Graph holds the ordered stage sequence and answers first/next/previous
// queries. It is immutable after construction and safe for concurrent use.
type Graph struct {
	stages  []Definition
	byID    map[string]Definition
	byOrder map[int]Definition
}

// NewGraph builds a Graph from definitions, validating that orders are
// contiguous non-negative integers starting at 0 with no duplicate IDs.
func NewGraph(defs []Definition) (*Graph, error) {
	if len(defs) == 0 {
		return nil, fmt.Errorf("no stages defined")
	}

	sorted := make([]Definition, len(defs))
	copy(sorted, defs)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Order < sorted[j].Order })

	byID := make(map[string]Definition, len(sorted))
	byOrder := make(map[int]Definition, len(sorted))
	for i, d := range sorted {
		if d.ID == "" {
			return nil, fmt.Errorf("stage at order %d has empty id", d.Order)
		}
		if _, dup := byID[d.ID]; dup {
			return nil, fmt.Errorf("duplicate stage id %q", d.ID)
		}
		if d.Order != i {
			return nil, fmt.Errorf("stage orders must be contiguous from 0: got %d at position %d", d.Order, i)
		}
		byID[d.ID] = d
		byOrder[d.Order] = d
	}

	return &Graph{stages: sorted, byID: byID, byOrder: byOrder}, nil
}

// All returns every stage in order.
func (g *Graph) All() []Definition {
	out := make([]Definition, len(g.stages))
	copy(out, g.stages)
	return out
}

// First returns the stage with the lowest order.
func (g *Graph) First() (Definition, bool) {
	if len(g.stages) == 0 {
		return Definition{}, false
	}
	return g.stages[0], true
}

// ByID returns the stage with the given id.
func (g *Graph) ByID(id string) (Definition, bool) {
	d, ok := g.byID[id]
	return d, ok
}

// Next returns the stage following currentID. An unknown currentID is
// treated as the first stage rather than an error, so a stale or missing
// stage id self-heals to the start of the sequence. The second return is
// false at the end of the sequence; callers treat that as a normal
// terminal condition.
func (g *Graph) Next(currentID string) (Definition, bool) {
	cur := g.resolve(currentID)
	d, ok := g.byOrder[cur.Order+1]
	return d, ok
}

// Previous returns the stage preceding currentID, with the same unknown-id
// and boundary semantics as Next.
func (g *Graph) Previous(currentID string) (Definition, bool) {
	cur := g.resolve(currentID)
	d, ok := g.byOrder[cur.Order-1]
	return d, ok
}

// resolve maps an id to its definition, defaulting to the first stage.
func (g *Graph) resolve(id string) Definition {
	if d, ok := g.byID[id]; ok {
		return d
	}
	first, _ := g.First()
	return first
}

// stagesFile is the YAML shape of a stage configuration file.
type stagesFile struct {
	Stages []Definition `koanf:"stages"`
}

// LoadFile reads stage definitions from a YAML file and builds the graph.
func LoadFile(path string) (*Graph, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading stages file: %w", err)
	}
	return Parse(content)
}

// Parse builds a graph from raw YAML content.
func Parse(content []byte) (*Graph, error) {
	k := koanf.New(".")
	if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("parsing stages: %w", err)
	}

	var f stagesFile
	if err := k.Unmarshal("", &f); err != nil {
		return nil, fmt.Errorf("unmarshaling stages: %w", err)
	}

	graph, err := NewGraph(f.Stages)
	if err != nil {
		return nil, fmt.Errorf("invalid stage configuration: %w", err)
	}
	return graph, nil
}
