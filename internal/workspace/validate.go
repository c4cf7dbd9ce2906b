package workspace

import (
	"fmt"
	"maps"
	"sort"
	"strings"
)

// Problem is a pre-build validation failure attached to a module.
type Problem struct {
	Module  string
	Message string
}

func (p Problem) String() string {
	if p.Module == "" {
		return p.Message
	}
	return fmt.Sprintf("module %q: %s", p.Module, p.Message)
}

// Validate checks the given modules (all modules when names is empty)
// before a build is submitted: every module needs an SDK and an output
// path, dependencies must exist, and modules that form a dependency cycle
// must share identical settings since they are compiled together.
func (ws *Workspace) Validate(names []string) []Problem {
	if len(names) == 0 {
		names = ws.ModuleNames()
	}
	selected := make(map[string]bool, len(names))
	for _, n := range names {
		selected[n] = true
	}

	var problems []Problem
	for _, n := range names {
		m, err := ws.Module(n)
		if err != nil {
			problems = append(problems, Problem{Module: n, Message: "module is not part of the workspace"})
			continue
		}
		if m.SDK == "" {
			problems = append(problems, Problem{Module: n, Message: "no SDK assigned"})
		}
		if m.OutputDir == "" {
			problems = append(problems, Problem{Module: n, Message: "no output path assigned"})
		}
		for _, d := range m.Dependencies {
			if ws.ModuleIndex(d) < 0 {
				problems = append(problems, Problem{Module: n, Message: fmt.Sprintf("depends on unknown module %q", d)})
			}
		}
	}

	for _, cycle := range ws.Cycles() {
		touched := false
		for _, n := range cycle {
			if selected[n] {
				touched = true
				break
			}
		}
		if !touched {
			continue
		}
		first, _ := ws.Module(cycle[0])
		for _, n := range cycle[1:] {
			m, _ := ws.Module(n)
			if !maps.Equal(first.Settings, m.Settings) || first.SDK != m.SDK {
				problems = append(problems, Problem{
					Module: cycle[0],
					Message: fmt.Sprintf("modules in dependency cycle [%s] have inconsistent settings",
						strings.Join(cycle, ", ")),
				})
				break
			}
		}
	}
	return problems
}

// Cycles returns the strongly connected components of the module
// dependency graph that contain more than one module, each sorted by name.
// Iterative Tarjan so pathological graphs cannot exhaust the stack.
func (ws *Workspace) Cycles() [][]string {
	n := len(ws.Modules)
	index := make([]int, n)
	low := make([]int, n)
	onStack := make([]bool, n)
	for i := range index {
		index[i] = -1
	}

	adj := make([][]int, n)
	for i, m := range ws.Modules {
		for _, d := range m.Dependencies {
			if j := ws.ModuleIndex(d); j >= 0 {
				adj[i] = append(adj[i], j)
			}
		}
	}

	type frame struct {
		v    int
		edge int
	}
	var (
		stack   []int
		counter int
		result  [][]string
	)
	for start := 0; start < n; start++ {
		if index[start] >= 0 {
			continue
		}
		call := []frame{{v: start}}
		index[start], low[start] = counter, counter
		counter++
		stack = append(stack, start)
		onStack[start] = true

		for len(call) > 0 {
			top := &call[len(call)-1]
			v := top.v
			if top.edge < len(adj[v]) {
				w := adj[v][top.edge]
				top.edge++
				if index[w] < 0 {
					index[w], low[w] = counter, counter
					counter++
					stack = append(stack, w)
					onStack[w] = true
					call = append(call, frame{v: w})
				} else if onStack[w] {
					low[v] = min(low[v], index[w])
				}
				continue
			}

			call = call[:len(call)-1]
			if len(call) > 0 {
				parent := call[len(call)-1].v
				low[parent] = min(low[parent], low[v])
			}
			if low[v] == index[v] {
				var comp []string
				for {
					w := stack[len(stack)-1]
					stack = stack[:len(stack)-1]
					onStack[w] = false
					comp = append(comp, ws.Modules[w].Name)
					if w == v {
						break
					}
				}
				if len(comp) > 1 {
					sort.Strings(comp)
					result = append(result, comp)
				}
			}
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i][0] < result[j][0] })
	return result
}
