package canary

import (
	"fmt"
	"testing"

	"github.com/notnull-co/frota/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAssignIsDeterministic(t *testing.T) {
	for i := 0; i < 100; i++ {
		id := fmt.Sprintf("agent-%d", i)
		first := Assign(id)
		for j := 0; j < 10; j++ {
			assert.Equal(t, first, Assign(id), "assignment for %s must be stable", id)
		}
	}
}

func TestAssignCoversAllGroups(t *testing.T) {
	seen := map[Group]int{}
	for i := 0; i < 1000; i++ {
		seen[Assign(fmt.Sprintf("agent-%d", i))]++
	}

	require.NotZero(t, seen[GroupExplorer])
	require.NotZero(t, seen[GroupEarlyAdopter])
	require.NotZero(t, seen[GroupGeneral])

	// The 10/20/70 weighting should be roughly visible over 1000 ids.
	assert.Greater(t, seen[GroupGeneral], seen[GroupEarlyAdopter])
	assert.Greater(t, seen[GroupEarlyAdopter], seen[GroupExplorer])
}

func TestCohort(t *testing.T) {
	assert.Equal(t, GroupExplorer, Cohort(domain.PhaseExplorers))
	assert.Equal(t, GroupEarlyAdopter, Cohort(domain.PhaseEarlyAdopters))
	assert.Equal(t, GroupGeneral, Cohort(domain.PhaseGeneral))
}

func TestSplitPartitionsWholeFleet(t *testing.T) {
	var fleet []domain.Agent
	for i := 0; i < 50; i++ {
		fleet = append(fleet, domain.Agent{Id: fmt.Sprintf("agent-%d", i)})
	}

	groups := Split(fleet)

	total := 0
	for group, agents := range groups {
		total += len(agents)
		for _, a := range agents {
			assert.Equal(t, group, Assign(a.Id))
		}
	}
	assert.Equal(t, len(fleet), total)
}
