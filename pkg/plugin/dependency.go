package plugin

import (
	"container/heap"
	"errors"
	"fmt"
	"sort"

	"github.com/Masterminds/semver/v3"
	"github.com/rs/zerolog"
)

// Plan is a resolved catalog: a deterministic load order over the plugins
// that can load, plus the reason every other plugin cannot.
type Plan struct {
	Order    []string                    // dependencies before dependents, global closure first
	Waves    [][]string                  // plugins of equal depth, loadable concurrently
	Blocked  map[string]*DependencyError // plugins excluded from Order
	Warnings []string
	deps     map[string][]string // ordering edges used, plugin -> dependencies
}

// DependenciesOf returns the plugins id was ordered after.
func (p *Plan) DependenciesOf(id string) []string {
	return p.deps[id]
}

// Resolver computes load order over the dependency graph
type Resolver struct {
	logger zerolog.Logger
}

// NewResolver creates a new dependency resolver
func NewResolver(logger zerolog.Logger) *Resolver {
	return &Resolver{
		logger: logger.With().Str("component", "dependency-resolver").Logger(),
	}
}

// Resolve returns the load order of the whole catalog, or every dependency
// error joined together.
func (r *Resolver) Resolve(entries []CatalogEntry) ([]string, error) {
	plan := r.Plan(entries)
	if len(plan.Blocked) == 0 {
		return plan.Order, nil
	}

	ids := make([]string, 0, len(plan.Blocked))
	for id := range plan.Blocked {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	errs := make([]error, 0, len(ids))
	for _, id := range ids {
		errs = append(errs, plan.Blocked[id])
	}
	return nil, errors.Join(errs...)
}

// Plan resolves the catalog without failing as a whole: blocked plugins are
// reported and the rest are ordered.
func (r *Resolver) Plan(entries []CatalogEntry) *Plan {
	plan := &Plan{
		Order:    []string{},
		Waves:    [][]string{},
		Blocked:  make(map[string]*DependencyError),
		Warnings: []string{},
		deps:     make(map[string][]string),
	}

	nodes := make(map[string]*Manifest, len(entries))
	ids := make([]string, 0, len(entries))
	for i := range entries {
		m := &entries[i].Manifest
		if _, dup := nodes[m.ID]; dup {
			plan.Warnings = append(plan.Warnings, fmt.Sprintf("duplicate catalog entry %s ignored", m.ID))
			continue
		}
		nodes[m.ID] = m
		ids = append(ids, m.ID)
	}
	sort.Strings(ids)

	r.checkConflicts(ids, nodes, plan)
	r.checkRequired(ids, nodes, plan)
	r.checkCycles(ids, nodes, plan)
	r.propagate(ids, nodes, plan)

	// Ordering edges over the plugins that can load.
	for _, id := range ids {
		if _, blocked := plan.Blocked[id]; blocked {
			continue
		}
		for _, dep := range sortedDeps(nodes[id].Requires) {
			plan.deps[id] = appendUnique(plan.deps[id], dep.PluginID)
		}
	}
	r.addOptionalEdges(ids, nodes, plan)

	r.order(ids, nodes, plan)

	if len(plan.Blocked) > 0 {
		r.logger.Warn().Int("blocked", len(plan.Blocked)).Msg("Dependency resolution blocked plugins")
	}
	return plan
}

func (r *Resolver) checkConflicts(ids []string, nodes map[string]*Manifest, plan *Plan) {
	for _, id := range ids {
		for _, other := range nodes[id].Conflicts {
			peer, ok := nodes[other]
			if !ok {
				continue
			}
			if contains(peer.Conflicts, id) {
				if _, done := plan.Blocked[id]; !done {
					plan.Blocked[id] = &DependencyError{Kind: Conflict, Plugin: id, With: other}
				}
				continue
			}
			plan.Warnings = append(plan.Warnings, fmt.Sprintf("plugin %s declares a conflict with %s that %s does not reciprocate", id, other, other))
		}
	}
}

func (r *Resolver) checkRequired(ids []string, nodes map[string]*Manifest, plan *Plan) {
	for _, id := range ids {
		if _, blocked := plan.Blocked[id]; blocked {
			continue
		}
		for _, dep := range sortedDeps(nodes[id].Requires) {
			target, ok := nodes[dep.PluginID]
			if !ok {
				plan.Blocked[id] = &DependencyError{Kind: Unsatisfied, Plugin: id, Missing: dep.PluginID, Detail: "not installed"}
				break
			}
			if detail := versionMismatch(target.Version, dep.Version); detail != "" {
				plan.Blocked[id] = &DependencyError{Kind: Unsatisfied, Plugin: id, Missing: dep.PluginID, Detail: detail}
				break
			}
		}
	}
}

// checkCycles blocks every member of every strongly connected component of
// the required-dependency graph that contains a cycle.
func (r *Resolver) checkCycles(ids []string, nodes map[string]*Manifest, plan *Plan) {
	adj := make(map[string][]string, len(ids))
	for _, id := range ids {
		for _, dep := range sortedDeps(nodes[id].Requires) {
			if _, ok := nodes[dep.PluginID]; ok {
				adj[id] = appendUnique(adj[id], dep.PluginID)
			}
		}
	}

	for _, scc := range stronglyConnected(ids, adj) {
		if len(scc) == 1 && !contains(adj[scc[0]], scc[0]) {
			continue
		}
		path := cyclePath(scc, adj)
		r.logger.Warn().Strs("cycle", path).Msg("Detected dependency cycle")
		for _, id := range scc {
			plan.Blocked[id] = &DependencyError{Kind: Cycle, Plugin: id, Cycle: path}
		}
	}
}

// propagate blocks plugins whose required dependencies are blocked,
// transitively.
func (r *Resolver) propagate(ids []string, nodes map[string]*Manifest, plan *Plan) {
	for changed := true; changed; {
		changed = false
		for _, id := range ids {
			if _, blocked := plan.Blocked[id]; blocked {
				continue
			}
			for _, dep := range sortedDeps(nodes[id].Requires) {
				if cause, blocked := plan.Blocked[dep.PluginID]; blocked {
					plan.Blocked[id] = &DependencyError{
						Kind:    Unsatisfied,
						Plugin:  id,
						Missing: dep.PluginID,
						Detail:  "dependency blocked: " + cause.Error(),
					}
					changed = true
					break
				}
			}
		}
	}
}

func (r *Resolver) addOptionalEdges(ids []string, nodes map[string]*Manifest, plan *Plan) {
	for _, id := range ids {
		if _, blocked := plan.Blocked[id]; blocked {
			continue
		}
		for _, dep := range sortedDeps(nodes[id].Optional) {
			target, ok := nodes[dep.PluginID]
			switch {
			case !ok:
				plan.Warnings = append(plan.Warnings, fmt.Sprintf("optional dependency %s of %s is not installed", dep.PluginID, id))
				continue
			case plan.Blocked[dep.PluginID] != nil:
				plan.Warnings = append(plan.Warnings, fmt.Sprintf("optional dependency %s of %s cannot load", dep.PluginID, id))
				continue
			}
			if detail := versionMismatch(target.Version, dep.Version); detail != "" {
				plan.Warnings = append(plan.Warnings, fmt.Sprintf("optional dependency %s of %s ignored: %s", dep.PluginID, id, detail))
				continue
			}
			if reaches(plan.deps, dep.PluginID, id) {
				plan.Warnings = append(plan.Warnings, fmt.Sprintf("optional dependency %s of %s dropped from ordering: it would create a cycle", dep.PluginID, id))
				continue
			}
			plan.deps[id] = appendUnique(plan.deps[id], dep.PluginID)
		}
	}
}

// order runs Kahn's algorithm with a min-priority queue. The global closure
// sorts first; ties break by id.
func (r *Resolver) order(ids []string, nodes map[string]*Manifest, plan *Plan) {
	var live []string
	for _, id := range ids {
		if _, blocked := plan.Blocked[id]; !blocked {
			live = append(live, id)
		}
	}

	global := make(map[string]bool)
	var mark func(string)
	mark = func(id string) {
		if global[id] {
			return
		}
		global[id] = true
		for _, dep := range plan.deps[id] {
			mark(dep)
		}
	}
	for _, id := range live {
		if nodes[id].IsGlobal {
			mark(id)
		}
	}

	indegree := make(map[string]int, len(live))
	dependents := make(map[string][]string, len(live))
	for _, id := range live {
		indegree[id] = len(plan.deps[id])
		for _, dep := range plan.deps[id] {
			dependents[dep] = append(dependents[dep], id)
		}
	}

	ready := &readyQueue{global: global}
	for _, id := range live {
		if indegree[id] == 0 {
			heap.Push(ready, id)
		}
	}
	for ready.Len() > 0 {
		id := heap.Pop(ready).(string)
		plan.Order = append(plan.Order, id)
		for _, next := range dependents[id] {
			indegree[next]--
			if indegree[next] == 0 {
				heap.Push(ready, next)
			}
		}
	}

	// Depth within each group: the non-global group starts after the
	// global group has fully loaded.
	depth := make(map[string]int, len(plan.Order))
	groupStart := 0
	maxGlobal := -1
	for _, id := range plan.Order {
		if global[id] {
			d := 0
			for _, dep := range plan.deps[id] {
				if depth[dep]+1 > d {
					d = depth[dep] + 1
				}
			}
			depth[id] = d
			if d > maxGlobal {
				maxGlobal = d
			}
		}
	}
	groupStart = maxGlobal + 1
	for _, id := range plan.Order {
		if global[id] {
			continue
		}
		d := groupStart
		for _, dep := range plan.deps[id] {
			if !global[dep] && depth[dep]+1 > d {
				d = depth[dep] + 1
			}
		}
		depth[id] = d
	}
	for _, id := range plan.Order {
		d := depth[id]
		for len(plan.Waves) <= d {
			plan.Waves = append(plan.Waves, []string{})
		}
		plan.Waves[d] = append(plan.Waves[d], id)
	}
}

type readyQueue struct {
	items  []string
	global map[string]bool
}

func (q *readyQueue) Len() int { return len(q.items) }
func (q *readyQueue) Less(i, j int) bool {
	a, b := q.items[i], q.items[j]
	if q.global[a] != q.global[b] {
		return q.global[a]
	}
	return a < b
}
func (q *readyQueue) Swap(i, j int) { q.items[i], q.items[j] = q.items[j], q.items[i] }
func (q *readyQueue) Push(x any)    { q.items = append(q.items, x.(string)) }
func (q *readyQueue) Pop() any {
	n := len(q.items)
	item := q.items[n-1]
	q.items = q.items[:n-1]
	return item
}

// versionMismatch explains why installed does not satisfy constraint, or
// returns "" when it does.
func versionMismatch(installed, constraint string) string {
	if constraint == "" {
		return ""
	}
	c, err := semver.NewConstraint(constraint)
	if err != nil {
		return fmt.Sprintf("invalid version constraint %s", constraint)
	}
	v, err := semver.NewVersion(installed)
	if err != nil {
		return fmt.Sprintf("installed version %s is not semver", installed)
	}
	if !c.Check(v) {
		return fmt.Sprintf("installed version %s does not satisfy %s", installed, constraint)
	}
	return ""
}

// stronglyConnected returns the SCCs of the graph using Tarjan's algorithm,
// each sorted, in a deterministic order.
func stronglyConnected(ids []string, adj map[string][]string) [][]string {
	index := 0
	indices := make(map[string]int)
	lowlink := make(map[string]int)
	onStack := make(map[string]bool)
	var stack []string
	var out [][]string

	var visit func(string)
	visit = func(v string) {
		indices[v] = index
		lowlink[v] = index
		index++
		stack = append(stack, v)
		onStack[v] = true

		for _, w := range adj[v] {
			if _, seen := indices[w]; !seen {
				visit(w)
				lowlink[v] = min(lowlink[v], lowlink[w])
			} else if onStack[w] {
				lowlink[v] = min(lowlink[v], indices[w])
			}
		}

		if lowlink[v] == indices[v] {
			var scc []string
			for {
				w := stack[len(stack)-1]
				stack = stack[:len(stack)-1]
				onStack[w] = false
				scc = append(scc, w)
				if w == v {
					break
				}
			}
			sort.Strings(scc)
			out = append(out, scc)
		}
	}

	for _, id := range ids {
		if _, seen := indices[id]; !seen {
			visit(id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i][0] < out[j][0] })
	return out
}

// cyclePath returns a cycle through the component's smallest id, found by
// a depth-first walk that visits each member once. The first id is repeated
// at the end.
func cyclePath(scc []string, adj map[string][]string) []string {
	members := make(map[string]bool, len(scc))
	for _, id := range scc {
		members[id] = true
	}
	start := scc[0]

	visited := map[string]bool{start: true}
	path := []string{start}
	var walk func(string) bool
	walk = func(v string) bool {
		for _, w := range adj[v] {
			if !members[w] {
				continue
			}
			if w == start {
				path = append(path, start)
				return true
			}
			if visited[w] {
				continue
			}
			visited[w] = true
			path = append(path, w)
			if walk(w) {
				return true
			}
			path = path[:len(path)-1]
		}
		return false
	}
	walk(start)
	return path
}

// reaches reports whether from can reach to through deps.
func reaches(deps map[string][]string, from, to string) bool {
	seen := make(map[string]bool)
	stack := []string{from}
	for len(stack) > 0 {
		v := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if v == to {
			return true
		}
		if seen[v] {
			continue
		}
		seen[v] = true
		stack = append(stack, deps[v]...)
	}
	return false
}

func sortedDeps(deps []Dependency) []Dependency {
	out := append([]Dependency(nil), deps...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].PluginID < out[j].PluginID })
	return out
}

func appendUnique(list []string, id string) []string {
	if contains(list, id) {
		return list
	}
	return append(list, id)
}

func contains(list []string, id string) bool {
	for _, s := range list {
		if s == id {
			return true
		}
	}
	return false
}
