package planner

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stackdrift/stackctl/internal/config"
)

// topology builds a Topology from id -> dependency list.
func topology(deps map[string][]string) *config.Topology {
	topo := &config.Topology{Services: make(map[string]config.ServiceSpec)}
	for id, dd := range deps {
		topo.Services[id] = config.ServiceSpec{ID: id, Image: "img:" + id, DependsOn: dd}
		topo.Order = append(topo.Order, id)
	}
	return topo
}

func TestPlanThreeTierChain(t *testing.T) {
	topo := topology(map[string][]string{
		"db":       nil,
		"api":      {"db"},
		"frontend": {"api"},
	})

	plan, err := Plan(topo)
	require.NoError(t, err)
	assert.Equal(t, [][]string{{"db"}, {"api"}, {"frontend"}}, plan.Batches)
}

func TestPlanMaximalBatches(t *testing.T) {
	// db and cache are independent roots; api waits on both; worker only on cache.
	topo := topology(map[string][]string{
		"db":     nil,
		"cache":  nil,
		"api":    {"db", "cache"},
		"worker": {"cache"},
		"web":    {"api"},
	})

	plan, err := Plan(topo)
	require.NoError(t, err)
	assert.Equal(t, [][]string{
		{"cache", "db"},
		{"api", "worker"},
		{"web"},
	}, plan.Batches)
}

func TestPlanEveryDependencyInEarlierBatch(t *testing.T) {
	topo := topology(map[string][]string{
		"a": nil,
		"b": {"a"},
		"c": {"a"},
		"d": {"b", "c"},
		"e": {"a", "d"},
	})

	plan, err := Plan(topo)
	require.NoError(t, err)

	batchOf := map[string]int{}
	seen := 0
	for bi, batch := range plan.Batches {
		for _, id := range batch {
			_, dup := batchOf[id]
			require.False(t, dup, "service %q appears twice", id)
			batchOf[id] = bi
			seen++
		}
	}
	assert.Equal(t, len(topo.Services), seen)

	for id, svc := range topo.Services {
		for _, dep := range svc.DependsOn {
			assert.Less(t, batchOf[dep], batchOf[id], "%s must start before %s", dep, id)
		}
	}
}

func TestPlanCycle(t *testing.T) {
	topo := topology(map[string][]string{
		"a": {"b"},
		"b": {"a"},
	})

	plan, err := Plan(topo)
	require.Error(t, err)
	assert.Nil(t, plan, "no partial plan on cycle")
	require.True(t, IsCyclicDependencyError(err))

	var cycleErr *CyclicDependencyError
	require.ErrorAs(t, err, &cycleErr)
	assert.Equal(t, []string{"a", "b"}, cycleErr.Members)
}

func TestPlanCycleExcludesDownstreamServices(t *testing.T) {
	// web depends on the cycle but is not part of it.
	topo := topology(map[string][]string{
		"a":   {"b"},
		"b":   {"a"},
		"web": {"a"},
	})

	_, err := Plan(topo)
	var cycleErr *CyclicDependencyError
	require.ErrorAs(t, err, &cycleErr)
	assert.Equal(t, []string{"a", "b"}, cycleErr.Members)
}

func TestPlanEmptyTopology(t *testing.T) {
	_, err := Plan(&config.Topology{})
	require.Error(t, err)
}

func TestReversed(t *testing.T) {
	plan := &ExecutionPlan{Batches: [][]string{{"db"}, {"api"}, {"frontend"}}}
	assert.Equal(t, [][]string{{"frontend"}, {"api"}, {"db"}}, plan.Reversed())
	assert.Equal(t, []string{"db", "api", "frontend"}, plan.Services())
}
