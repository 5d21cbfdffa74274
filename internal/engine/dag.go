package engine

import (
	"github.com/bidflow/bidflow/pkg/schema"
)

// DAG is the in-memory dependency graph driving one run. Built from the
// static task dependency table, optionally restricted to a selected
// subset plus its transitive upstream closure.
type DAG struct {
	Edges   map[schema.TaskName][]schema.TaskName // task → dependencies
	Reverse map[schema.TaskName][]schema.TaskName // task → dependents
	Sorted  []schema.TaskName                     // topological order
	Roots   []schema.TaskName                     // tasks with no dependencies
	Levels  [][]schema.TaskName                   // parallel execution levels
}

// BuildDAG builds the execution graph. With no selection every task runs.
// A selection is closed over its upstream dependencies: selecting
// proposal_outline pulls in everything it needs.
func BuildDAG(selected []schema.TaskName) (*DAG, error) {
	included := make(map[schema.TaskName]bool)

	if len(selected) == 0 {
		for _, t := range schema.AllTasks {
			included[t] = true
		}
	} else {
		var include func(t schema.TaskName) error
		include = func(t schema.TaskName) error {
			deps, known := schema.TaskDependencies[t]
			if !known {
				return schema.NewErrorf(schema.ErrCodeValidation, "unknown task: %s", t)
			}
			if included[t] {
				return nil
			}
			included[t] = true
			for _, dep := range deps {
				if err := include(dep); err != nil {
					return err
				}
			}
			return nil
		}
		for _, t := range selected {
			if err := include(t); err != nil {
				return nil, err
			}
		}
	}

	dag := &DAG{
		Edges:   make(map[schema.TaskName][]schema.TaskName, len(included)),
		Reverse: make(map[schema.TaskName][]schema.TaskName, len(included)),
	}

	for t := range included {
		deps := make([]schema.TaskName, 0, len(schema.TaskDependencies[t]))
		for _, dep := range schema.TaskDependencies[t] {
			deps = append(deps, dep)
			dag.Reverse[dep] = append(dag.Reverse[dep], t)
		}
		dag.Edges[t] = deps
	}

	// Kahn's algorithm: topological sort + cycle detection.
	inDegree := make(map[schema.TaskName]int, len(included))
	for t := range included {
		inDegree[t] = len(dag.Edges[t])
	}

	queue := make([]schema.TaskName, 0)
	for t, deg := range inDegree {
		if deg == 0 {
			queue = append(queue, t)
		}
	}
	sortTasks(queue)
	dag.Roots = make([]schema.TaskName, len(queue))
	copy(dag.Roots, queue)

	sorted := make([]schema.TaskName, 0, len(included))
	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]
		sorted = append(sorted, node)

		dependents := make([]schema.TaskName, len(dag.Reverse[node]))
		copy(dependents, dag.Reverse[node])
		sortTasks(dependents)

		for _, dep := range dependents {
			inDegree[dep]--
			if inDegree[dep] == 0 {
				queue = append(queue, dep)
			}
		}
	}

	if len(sorted) != len(included) {
		return nil, schema.NewError(schema.ErrCodeCycleDetected, "task graph contains a cycle")
	}
	dag.Sorted = sorted
	dag.Levels = computeLevels(dag)

	return dag, nil
}

// Contains reports whether the graph includes a task.
func (d *DAG) Contains(t schema.TaskName) bool {
	_, ok := d.Edges[t]
	return ok
}

// computeLevels groups tasks into parallel execution levels. Tasks at the
// same level have all dependencies satisfied by previous levels.
func computeLevels(dag *DAG) [][]schema.TaskName {
	depth := make(map[schema.TaskName]int, len(dag.Sorted))

	for _, t := range dag.Sorted {
		maxDep := -1
		for _, dep := range dag.Edges[t] {
			if depth[dep] > maxDep {
				maxDep = depth[dep]
			}
		}
		depth[t] = maxDep + 1
	}

	maxLevel := 0
	for _, d := range depth {
		if d > maxLevel {
			maxLevel = d
		}
	}

	levels := make([][]schema.TaskName, maxLevel+1)
	for _, t := range dag.Sorted {
		levels[depth[t]] = append(levels[depth[t]], t)
	}
	return levels
}

// sortTasks sorts a slice of task names in-place using insertion sort.
// Used for small slices to keep scheduling order deterministic.
func sortTasks(s []schema.TaskName) {
	for i := 1; i < len(s); i++ {
		key := s[i]
		j := i - 1
		for j >= 0 && s[j] > key {
			s[j+1] = s[j]
			j--
		}
		s[j+1] = key
	}
}
