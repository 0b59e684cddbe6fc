package orchestrator

import (
	"testing"

	"github.com/notnull-co/frota/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTagMajor(t *testing.T) {
	cases := []struct {
		ref   string
		major int
		ok    bool
	}{
		{"fleet/agent:1.4.2", 1, true},
		{"fleet/agent:v2.0.0", 2, true},
		{"fleet/agent:10.1", 10, true},
		{"registry.example.com:5000/fleet/agent:3.1.0", 3, true},
		{"fleet/agent:latest", 0, false},
		{"fleet/agent", 0, false},
		{"registry.example.com:5000/fleet/agent", 0, false},
	}

	for _, c := range cases {
		major, ok := tagMajor(c.ref)
		assert.Equal(t, c.ok, ok, "ref %q", c.ref)
		if c.ok {
			assert.Equal(t, c.major, major, "ref %q", c.ref)
		}
	}
}

func TestMajorVersionJump(t *testing.T) {
	assert.True(t, majorVersionJump("fleet/agent:2.0.0", "fleet/agent:1.9.3"))
	assert.False(t, majorVersionJump("fleet/agent:1.9.4", "fleet/agent:1.9.3"))
	assert.False(t, majorVersionJump("fleet/agent:1.0.0", "fleet/agent:2.0.0"))
	// Unparseable tags never trip the trigger on their own.
	assert.False(t, majorVersionJump("fleet/agent:latest", "fleet/agent:1.9.3"))
	assert.False(t, majorVersionJump("fleet/agent:2.0.0", "fleet/agent:latest"))
}

func TestRequiresDeferral(t *testing.T) {
	o := &Orchestrator{conf: Config{RiskMaxFleet: 5}}

	request := func(message string, strategy domain.Strategy) NotifyRequest {
		return NotifyRequest{AgentImage: "fleet/agent:1.4.2", Message: message, Strategy: strategy}
	}

	deferred, _ := o.requiresDeferral(request("patch release", domain.StrategyImmediate), 4, nil)
	assert.False(t, deferred, "a small routine update proceeds")

	deferred, reason := o.requiresDeferral(request("patch release", domain.StrategyManual), 1, nil)
	assert.True(t, deferred)
	assert.Contains(t, reason, "manual")

	for _, message := range []string{
		"BREAKING change to the API",
		"major schema rework",
		"critical fix",
		"emergency patch",
	} {
		deferred, _ = o.requiresDeferral(request(message, domain.StrategyImmediate), 1, nil)
		assert.True(t, deferred, "message %q must stage the deployment", message)
	}

	deferred, reason = o.requiresDeferral(request("patch release", domain.StrategyImmediate), 6, nil)
	require.True(t, deferred)
	assert.Contains(t, reason, "6 agents")

	failed := &domain.Deployment{Status: domain.StatusFailed}
	deferred, _ = o.requiresDeferral(request("patch release", domain.StrategyImmediate), 2, failed)
	assert.True(t, deferred, "a failed previous deployment stages the next one")

	rolledBack := &domain.Deployment{Status: domain.StatusRolledBack}
	deferred, _ = o.requiresDeferral(request("patch release", domain.StrategyImmediate), 2, rolledBack)
	assert.True(t, deferred)

	previous := &domain.Deployment{
		Status: domain.StatusCompleted,
		Images: []domain.ImageRef{{Role: domain.RoleAgent, Reference: "fleet/agent:1.9.3"}},
	}
	deferred, reason = o.requiresDeferral(request("patch release", domain.StrategyImmediate), 2, previous)
	assert.False(t, deferred)

	jump := request("patch release", domain.StrategyImmediate)
	jump.AgentImage = "fleet/agent:2.0.0"
	deferred, reason = o.requiresDeferral(jump, 2, previous)
	require.True(t, deferred)
	assert.Contains(t, reason, "major version jump")
}
