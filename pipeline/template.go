package pipeline

import (
	"sort"
)

// Template is a pipeline definition: a named set of steps whose
// dependencies form a DAG. Templates are built once and instantiated per
// run by the scheduler.
//
// Example:
//
//	tmpl := pipeline.NewTemplate("idea-validation")
//	tmpl.Add(pipeline.Step{Name: "ingest", Runner: ingestRunner, TokenBudget: 2000})
//	tmpl.Add(pipeline.Step{Name: "synthesize", DependsOn: []string{"ingest"}, Runner: synthRunner})
//	tmpl.Add(pipeline.Step{Name: "analyze", DependsOn: []string{"synthesize"}, Runner: analyzeRunner})
//	if err := tmpl.Validate(); err != nil {
//	    log.Fatal(err) // cycles and unknown deps are fatal config errors
//	}
type Template struct {
	// Name identifies the pipeline template.
	Name string

	steps map[string]*Step
	order []string // insertion order, for stable iteration
}

// NewTemplate creates an empty template.
func NewTemplate(name string) *Template {
	return &Template{
		Name:  name,
		steps: make(map[string]*Step),
	}
}

// Add registers a step definition. Returns a ConfigError on empty or
// duplicate names or a nil runner.
func (t *Template) Add(step Step) error {
	if step.Name == "" {
		return &ConfigError{Message: "step name cannot be empty"}
	}
	if step.Runner == nil {
		return &ConfigError{Step: step.Name, Message: "step runner cannot be nil"}
	}
	if _, exists := t.steps[step.Name]; exists {
		return &ConfigError{Step: step.Name, Message: "duplicate step name"}
	}
	if step.Priority == "" {
		step.Priority = PriorityNormal
	}
	s := step
	t.steps[s.Name] = &s
	t.order = append(t.order, s.Name)
	return nil
}

// Step returns the step definition by name, or nil.
func (t *Template) Step(name string) *Step {
	return t.steps[name]
}

// Steps returns all step definitions in insertion order.
func (t *Template) Steps() []*Step {
	out := make([]*Step, 0, len(t.order))
	for _, name := range t.order {
		out = append(out, t.steps[name])
	}
	return out
}

// Len returns the number of steps in the template.
func (t *Template) Len() int { return len(t.steps) }

// Validate checks the template at load time. It rejects unknown dependency
// references, invalid retry policies, and dependency cycles. Validation
// uses Kahn's algorithm over an explicit adjacency list with in-degree
// counters rather than recursive traversal, so arbitrarily deep pipelines
// cannot overflow the stack.
//
// A validation failure is a fatal configuration error: the pipeline must
// never start executing.
func (t *Template) Validate() error {
	if len(t.steps) == 0 {
		return &ConfigError{Message: "template has no steps"}
	}

	indegree := make(map[string]int, len(t.steps))
	adjacency := make(map[string][]string, len(t.steps))

	for name, step := range t.steps {
		if _, ok := indegree[name]; !ok {
			indegree[name] = 0
		}
		if step.Retry != nil {
			if err := step.Retry.Validate(); err != nil {
				return &ConfigError{Step: name, Message: "invalid retry policy", Cause: err}
			}
		}
		for _, dep := range step.DependsOn {
			if _, ok := t.steps[dep]; !ok {
				return &ConfigError{
					Step:    name,
					Message: "depends on unknown step: " + dep,
					Cause:   ErrUnknownDependency,
				}
			}
			if dep == name {
				return &ConfigError{Step: name, Message: "step depends on itself", Cause: ErrCycle}
			}
			adjacency[dep] = append(adjacency[dep], name)
			indegree[name]++
		}
	}

	// Kahn's algorithm: repeatedly remove zero in-degree nodes. Anything
	// left over is part of a cycle.
	queue := make([]string, 0, len(indegree))
	for name, deg := range indegree {
		if deg == 0 {
			queue = append(queue, name)
		}
	}
	visited := 0
	for len(queue) > 0 {
		name := queue[0]
		queue = queue[1:]
		visited++
		for _, next := range adjacency[name] {
			indegree[next]--
			if indegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}
	if visited != len(t.steps) {
		remaining := make([]string, 0)
		for name, deg := range indegree {
			if deg > 0 {
				remaining = append(remaining, name)
			}
		}
		sort.Strings(remaining)
		return &ConfigError{
			Message: "dependency cycle involving: " + joinNames(remaining),
			Cause:   ErrCycle,
		}
	}
	return nil
}

// TopoOrder returns all step names in dependency order: every step appears
// after the steps it depends on. Ties break lexicographically, so the order
// is deterministic regardless of insertion order. Call Validate first; on a
// cyclic template the order is truncated.
func (t *Template) TopoOrder() []string {
	indegree := make(map[string]int, len(t.steps))
	adjacency := t.Dependents()
	for name, step := range t.steps {
		indegree[name] = len(step.DependsOn)
	}

	ready := make([]string, 0, len(t.steps))
	for name, deg := range indegree {
		if deg == 0 {
			ready = append(ready, name)
		}
	}
	sort.Strings(ready)

	order := make([]string, 0, len(t.steps))
	for len(ready) > 0 {
		name := ready[0]
		ready = ready[1:]
		order = append(order, name)
		released := false
		for _, next := range adjacency[name] {
			indegree[next]--
			if indegree[next] == 0 {
				ready = append(ready, next)
				released = true
			}
		}
		if released {
			sort.Strings(ready)
		}
	}
	return order
}

// Dependents returns the adjacency list mapping each step to the steps that
// depend on it.
func (t *Template) Dependents() map[string][]string {
	adjacency := make(map[string][]string, len(t.steps))
	for name, step := range t.steps {
		for _, dep := range step.DependsOn {
			adjacency[dep] = append(adjacency[dep], name)
		}
	}
	return adjacency
}

// Downstream returns the set of steps reachable from start (inclusive) by
// following dependency edges forward. Computed iteratively with an explicit
// work list.
func (t *Template) Downstream(start string) map[string]bool {
	adjacency := t.Dependents()
	seen := map[string]bool{start: true}
	work := []string{start}
	for len(work) > 0 {
		name := work[0]
		work = work[1:]
		for _, next := range adjacency[name] {
			if !seen[next] {
				seen[next] = true
				work = append(work, next)
			}
		}
	}
	return seen
}

// Upstream returns the set of steps end (inclusive) transitively depends
// on.
func (t *Template) Upstream(end string) map[string]bool {
	seen := map[string]bool{end: true}
	work := []string{end}
	for len(work) > 0 {
		name := work[0]
		work = work[1:]
		step := t.steps[name]
		if step == nil {
			continue
		}
		for _, dep := range step.DependsOn {
			if !seen[dep] {
				seen[dep] = true
				work = append(work, dep)
			}
		}
	}
	return seen
}

func joinNames(names []string) string {
	out := ""
	for i, n := range names {
		if i > 0 {
			out += ", "
		}
		out += n
	}
	return out
}
