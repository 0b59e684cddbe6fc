package canary

import (
	"hash/fnv"

	"github.com/notnull-co/frota/internal/domain"
)

const (
	GroupExplorer     Group = "explorer"
	GroupEarlyAdopter Group = "early_adopter"
	GroupGeneral      Group = "general"
)

type Group string

// Weights: 10% explorers, 20% early adopters, 70% general.
const (
	explorerCeiling     = 10
	earlyAdopterCeiling = 30
)

// Assign buckets an agent into its canary group. The mapping is a pure
// function of the agent id, so an agent keeps its group across rollouts
// and process restarts.
func Assign(agentId string) Group {
	h := fnv.New32a()
	h.Write([]byte(agentId))
	bucket := h.Sum32() % 100

	switch {
	case bucket < explorerCeiling:
		return GroupExplorer
	case bucket < earlyAdopterCeiling:
		return GroupEarlyAdopter
	default:
		return GroupGeneral
	}
}

// Cohort returns the group that receives updates during a canary phase.
func Cohort(phase domain.CanaryPhase) Group {
	switch phase {
	case domain.PhaseExplorers:
		return GroupExplorer
	case domain.PhaseEarlyAdopters:
		return GroupEarlyAdopter
	default:
		return GroupGeneral
	}
}

// Split partitions a fleet by canary group.
func Split(agents []domain.Agent) map[Group][]domain.Agent {
	groups := make(map[Group][]domain.Agent, 3)
	for _, a := range agents {
		g := Assign(a.Id)
		groups[g] = append(groups[g], a)
	}
	return groups
}
