package repository

import (
	"testing"
	"time"

	"github.com/notnull-co/frota/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRepository(t *testing.T) Repository {
	t.Helper()
	repo, err := Open(":memory:", "../../config/schema.sql")
	require.NoError(t, err)
	return repo
}

func testDeployment(id string) domain.Deployment {
	return domain.Deployment{
		Id:        id,
		CreatedAt: time.Now().UTC(),
		Message:   "patch release",
		Strategy:  domain.StrategyImmediate,
		Status:    domain.StatusInProgress,
		Phase:     domain.PhaseNone,
		Images: []domain.ImageRef{{
			Role:      domain.RoleAgent,
			Reference: "registry.example.com/fleet/agent:1.2.3",
			Digest:    "sha256:aaa",
		}},
	}
}

func TestSingleActiveDeploymentInvariant(t *testing.T) {
	repo := newTestRepository(t)

	require.NoError(t, repo.CreateDeployment(testDeployment("d1"), nil))

	err := repo.CreateDeployment(testDeployment("d2"), nil)
	require.ErrorIs(t, err, domain.ErrConflict)

	// Once the active one is terminal, a new deployment is accepted.
	require.NoError(t, repo.Transition("d1", []domain.DeploymentStatus{domain.StatusInProgress}, domain.StatusCompleted))
	require.NoError(t, repo.CreateDeployment(testDeployment("d2"), nil))
}

func TestTransitionGuards(t *testing.T) {
	repo := newTestRepository(t)

	d := testDeployment("d1")
	d.Status = domain.StatusStaged
	require.NoError(t, repo.CreateDeployment(d, nil))

	err := repo.Transition("missing", []domain.DeploymentStatus{domain.StatusStaged}, domain.StatusInProgress)
	require.ErrorIs(t, err, domain.ErrNotFound)

	err = repo.Transition("d1", []domain.DeploymentStatus{domain.StatusPaused}, domain.StatusInProgress)
	require.ErrorIs(t, err, domain.ErrConflict)

	require.NoError(t, repo.Transition("d1", []domain.DeploymentStatus{domain.StatusStaged}, domain.StatusInProgress))

	got, err := repo.GetDeployment("d1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusInProgress, got.Status)
	assert.Nil(t, got.CompletedAt)

	require.NoError(t, repo.Transition("d1", []domain.DeploymentStatus{domain.StatusInProgress}, domain.StatusFailed))
	got, err = repo.GetDeployment("d1")
	require.NoError(t, err)
	require.NotNil(t, got.CompletedAt)
}

func TestDeploymentRoundTrip(t *testing.T) {
	repo := newTestRepository(t)

	agents := []domain.Agent{{Id: "a1"}, {Id: "a2"}}
	d := testDeployment("d1")
	require.NoError(t, repo.CreateDeployment(d, agents))

	got, err := repo.GetDeployment("d1")
	require.NoError(t, err)
	assert.Equal(t, d.Message, got.Message)
	require.Len(t, got.Images, 1)
	assert.Equal(t, "sha256:aaa", got.Images[0].Digest)

	outcomes, err := repo.Outcomes("d1")
	require.NoError(t, err)
	assert.Equal(t, map[string]domain.AgentOutcome{
		"a1": domain.OutcomePending,
		"a2": domain.OutcomePending,
	}, outcomes)

	require.NoError(t, repo.RecordOutcome("d1", "a1", domain.OutcomeUpdated))
	require.NoError(t, repo.RecordOutcome("d1", "a2", domain.OutcomeDeferred))

	counts, err := repo.OutcomeCounts("d1")
	require.NoError(t, err)
	assert.Equal(t, 1, counts[domain.OutcomeUpdated])
	assert.Equal(t, 1, counts[domain.OutcomeDeferred])
}

func TestActiveAndLatestDeployment(t *testing.T) {
	repo := newTestRepository(t)

	active, err := repo.ActiveDeployment()
	require.NoError(t, err)
	assert.Nil(t, active)

	require.NoError(t, repo.CreateDeployment(testDeployment("d1"), nil))

	active, err = repo.ActiveDeployment()
	require.NoError(t, err)
	require.NotNil(t, active)
	assert.Equal(t, "d1", active.Id)

	latest, err := repo.LatestDeployment()
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, "d1", latest.Id)
}

func TestSetPhasePersistsStartTimestamp(t *testing.T) {
	repo := newTestRepository(t)

	require.NoError(t, repo.CreateDeployment(testDeployment("d1"), nil))

	start := time.Now().UTC().Truncate(time.Second)
	require.NoError(t, repo.SetPhase("d1", domain.PhaseExplorers, start))

	got, err := repo.GetDeployment("d1")
	require.NoError(t, err)
	assert.Equal(t, domain.PhaseExplorers, got.Phase)
	require.NotNil(t, got.PhaseStartedAt)
	assert.WithinDuration(t, start, *got.PhaseStartedAt, time.Second)
}

func TestEvents(t *testing.T) {
	repo := newTestRepository(t)
	require.NoError(t, repo.CreateDeployment(testDeployment("d1"), nil))

	now := time.Now().UTC()
	require.NoError(t, repo.AppendEvent("d1", domain.DeploymentEvent{At: now, Type: "started", Message: "go"}))
	require.NoError(t, repo.AppendEvent("d1", domain.DeploymentEvent{At: now.Add(time.Second), Type: "completed"}))

	events, err := repo.Events("d1")
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "started", events[0].Type)
	assert.Equal(t, "completed", events[1].Type)
}

func TestProposalLifecycle(t *testing.T) {
	repo := newTestRepository(t)
	require.NoError(t, repo.CreateDeployment(testDeployment("d1"), nil))

	p := domain.RollbackProposal{
		Id:           "p1",
		DeploymentId: "d1",
		Reason:       domain.ReasonWorkStateTimeout,
		TargetDigest: "sha256:prev",
		Status:       domain.ProposalProposed,
		CreatedAt:    time.Now().UTC(),
	}
	require.NoError(t, repo.CreateProposal(p))

	got, err := repo.GetProposal("p1")
	require.NoError(t, err)
	assert.Equal(t, domain.ProposalProposed, got.Status)
	assert.Nil(t, got.DecidedAt)

	now := time.Now().UTC()
	got.Status = domain.ProposalApproved
	got.DecidedBy = "operator"
	got.DecidedAt = &now
	require.NoError(t, repo.UpdateProposal(*got))

	got, err = repo.GetProposal("p1")
	require.NoError(t, err)
	assert.Equal(t, domain.ProposalApproved, got.Status)
	assert.Equal(t, "operator", got.DecidedBy)
	require.NotNil(t, got.DecidedAt)

	_, err = repo.GetProposal("missing")
	require.ErrorIs(t, err, domain.ErrNotFound)

	proposals, err := repo.ProposalsByDeployment("d1")
	require.NoError(t, err)
	assert.Len(t, proposals, 1)
}

func TestImageRetentionKeepsThree(t *testing.T) {
	repo := newTestRepository(t)

	now := time.Now().UTC()
	for i, digest := range []string{"sha256:d1", "sha256:d2", "sha256:d3"} {
		evicted, err := repo.PromoteImage(domain.RoleAgent, digest, now.Add(time.Duration(i)*time.Minute))
		require.NoError(t, err)
		assert.Empty(t, evicted)
	}

	evicted, err := repo.PromoteImage(domain.RoleAgent, "sha256:d4", now.Add(3*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, "sha256:d1", evicted, "the oldest digest is evicted when a fourth becomes current")

	retention, err := repo.Retention(domain.RoleAgent)
	require.NoError(t, err)
	require.NotNil(t, retention.Current)
	require.NotNil(t, retention.Previous)
	require.NotNil(t, retention.Penultimate)
	assert.Equal(t, "sha256:d4", retention.Current.Digest)
	assert.Equal(t, "sha256:d3", retention.Previous.Digest)
	assert.Equal(t, "sha256:d2", retention.Penultimate.Digest)
}

func TestPromoteImageIsIdempotentForCurrentDigest(t *testing.T) {
	repo := newTestRepository(t)

	now := time.Now().UTC()
	_, err := repo.PromoteImage(domain.RoleAgent, "sha256:d1", now)
	require.NoError(t, err)
	_, err = repo.PromoteImage(domain.RoleAgent, "sha256:d1", now.Add(time.Minute))
	require.NoError(t, err)

	retention, err := repo.Retention(domain.RoleAgent)
	require.NoError(t, err)
	assert.Equal(t, "sha256:d1", retention.Current.Digest)
	assert.Nil(t, retention.Previous)
}

func TestAgentRegistry(t *testing.T) {
	repo := newTestRepository(t)

	require.NoError(t, repo.UpsertAgent(domain.Agent{Id: "a1", ServerId: "srv-1", ContainerId: "c1", Endpoint: "http://a1:8080"}))
	require.NoError(t, repo.UpsertAgent(domain.Agent{Id: "a2", ServerId: "srv-2", ContainerId: "c2", Endpoint: "http://a2:8080"}))

	agents, err := repo.ListAgents()
	require.NoError(t, err)
	assert.Len(t, agents, 2)

	require.NoError(t, repo.SetAgentContainer("a1", "c1-new"))
	a, err := repo.GetAgent("a1")
	require.NoError(t, err)
	assert.Equal(t, "c1-new", a.ContainerId)

	_, err = repo.GetAgent("missing")
	require.ErrorIs(t, err, domain.ErrNotFound)

	servers, err := repo.Servers()
	require.NoError(t, err)
	assert.Equal(t, []string{"srv-1", "srv-2"}, servers)
}
