package workflow

import (
	"context"
	"sync"

	"imovelbot/internal/faults"
)

type Handler func(ctx context.Context, state State) (State, error)

type Node struct {
	Name    string
	Handler Handler
}

type Edge struct {
	From string
	To   string
}

// Definition is a compiled workflow graph. Build validates the shape
// and resolves topological ranks once, so runs never re-walk edges.
type Definition struct {
	Name     string
	Entry    string
	handlers map[string]Handler
	ranks    [][]string
}

// Build validates the node/edge set and compiles the execution ranks
// via Kahn's algorithm. A cycle or a dangling edge is a hard error at
// startup, never at run time.
func Build(name, entry string, nodes []Node, edges []Edge) (*Definition, error) {
	if len(nodes) == 0 {
		return nil, faults.Validation("workflow %s has no nodes", name)
	}
	handlers := make(map[string]Handler, len(nodes))
	indegree := make(map[string]int, len(nodes))
	for _, n := range nodes {
		if n.Handler == nil {
			return nil, faults.Validation("workflow %s node %s has no handler", name, n.Name)
		}
		if _, dup := handlers[n.Name]; dup {
			return nil, faults.Validation("workflow %s declares node %s twice", name, n.Name)
		}
		handlers[n.Name] = n.Handler
		indegree[n.Name] = 0
	}
	if _, ok := handlers[entry]; !ok {
		return nil, faults.Validation("workflow %s entry node %s not declared", name, entry)
	}

	succ := make(map[string][]string, len(nodes))
	for _, e := range edges {
		if _, ok := handlers[e.From]; !ok {
			return nil, faults.Validation("workflow %s edge references unknown node %s", name, e.From)
		}
		if _, ok := handlers[e.To]; !ok {
			return nil, faults.Validation("workflow %s edge references unknown node %s", name, e.To)
		}
		succ[e.From] = append(succ[e.From], e.To)
		indegree[e.To]++
	}

	// Kahn layering: each pass peels the current zero-indegree frontier,
	// which becomes one concurrent rank.
	var ranks [][]string
	remaining := len(handlers)
	frontier := make([]string, 0, len(handlers))
	for _, n := range nodes {
		if indegree[n.Name] == 0 {
			frontier = append(frontier, n.Name)
		}
	}
	for len(frontier) > 0 {
		ranks = append(ranks, frontier)
		remaining -= len(frontier)
		var next []string
		for _, name := range frontier {
			for _, to := range succ[name] {
				indegree[to]--
				if indegree[to] == 0 {
					next = append(next, to)
				}
			}
		}
		frontier = next
	}
	if remaining != 0 {
		return nil, faults.Validation("workflow %s contains a cycle", name)
	}

	return &Definition{Name: name, Entry: entry, handlers: handlers, ranks: ranks}, nil
}

// Registry holds the workflow definitions registered at startup.
type Registry struct {
	mu   sync.RWMutex
	defs map[string]*Definition
}

func NewRegistry() *Registry {
	return &Registry{defs: map[string]*Definition{}}
}

func (r *Registry) Register(def *Definition) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.defs[def.Name] = def
}

func (r *Registry) Get(name string) (*Definition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.defs[name]
	if !ok {
		return nil, faults.NotFound("workflow %s not registered", name)
	}
	return def, nil
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.defs))
	for name := range r.defs {
		names = append(names, name)
	}
	return names
}
