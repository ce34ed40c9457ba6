// Package planner computes dependency-ordered execution plans from a topology.
package planner

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/stackdrift/stackctl/internal/config"
)

// ExecutionPlan is an ordered sequence of batches. Services within one batch
// have no dependencies on each other and may be reconciled concurrently;
// batches run strictly in order.
type ExecutionPlan struct {
	// Batches lists service identifiers grouped by dependency depth.
	Batches [][]string
}

// Reversed returns the batches in reverse order, used for teardown.
func (p *ExecutionPlan) Reversed() [][]string {
	out := make([][]string, 0, len(p.Batches))
	for i := len(p.Batches) - 1; i >= 0; i-- {
		out = append(out, p.Batches[i])
	}
	return out
}

// Services returns all identifiers in plan order.
func (p *ExecutionPlan) Services() []string {
	var out []string
	for _, batch := range p.Batches {
		out = append(out, batch...)
	}
	return out
}

// CyclicDependencyError indicates that the dependency graph is not acyclic.
type CyclicDependencyError struct {
	// Members are the identifiers involved in the cycle, sorted.
	Members []string
}

func (e *CyclicDependencyError) Error() string {
	if e == nil || len(e.Members) == 0 {
		return "cyclic dependency"
	}
	return fmt.Sprintf("cyclic dependency between services: %s", strings.Join(e.Members, ", "))
}

// IsCyclicDependencyError reports whether err indicates a dependency cycle.
func IsCyclicDependencyError(err error) bool {
	var target *CyclicDependencyError
	return errors.As(err, &target)
}

// Plan orders the topology into maximal parallel batches using Kahn's
// algorithm over dependency in-degrees. Every service enters the earliest
// batch whose prior batches satisfy all of its dependencies. A non-empty
// remainder after the sweep is reported as a cycle; no partial plan is
// returned in that case.
func Plan(topo *config.Topology) (*ExecutionPlan, error) {
	if topo == nil || len(topo.Services) == 0 {
		return nil, fmt.Errorf("topology is empty")
	}

	inDegree := make(map[string]int, len(topo.Services))
	dependents := make(map[string][]string, len(topo.Services))
	for id, svc := range topo.Services {
		inDegree[id] = len(svc.DependsOn)
		for _, dep := range svc.DependsOn {
			dependents[dep] = append(dependents[dep], id)
		}
	}

	plan := &ExecutionPlan{}
	remaining := len(topo.Services)

	for remaining > 0 {
		var batch []string
		for id, deg := range inDegree {
			if deg == 0 {
				batch = append(batch, id)
			}
		}
		if len(batch) == 0 {
			return nil, &CyclicDependencyError{Members: cycleMembers(topo, inDegree)}
		}

		sort.Strings(batch)
		for _, id := range batch {
			delete(inDegree, id)
			for _, dep := range dependents[id] {
				if _, ok := inDegree[dep]; ok {
					inDegree[dep]--
				}
			}
		}

		plan.Batches = append(plan.Batches, batch)
		remaining -= len(batch)
	}

	return plan, nil
}

// cycleMembers isolates the services participating in dependency cycles from
// the stuck remainder. Nodes that merely depend on a cycle are pruned by
// repeatedly dropping remainder nodes that no other remainder node depends on.
func cycleMembers(topo *config.Topology, stuck map[string]int) []string {
	remainder := make(map[string]struct{}, len(stuck))
	for id := range stuck {
		remainder[id] = struct{}{}
	}

	for {
		dependedOn := make(map[string]int, len(remainder))
		for id := range remainder {
			for _, dep := range topo.Services[id].DependsOn {
				if _, ok := remainder[dep]; ok {
					dependedOn[dep]++
				}
			}
		}

		var prune []string
		for id := range remainder {
			if dependedOn[id] == 0 {
				prune = append(prune, id)
			}
		}
		if len(prune) == 0 {
			break
		}
		for _, id := range prune {
			delete(remainder, id)
		}
	}

	members := make([]string, 0, len(remainder))
	for id := range remainder {
		members = append(members, id)
	}
	sort.Strings(members)
	return members
}
