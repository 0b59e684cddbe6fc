package orchestrator

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/notnull-co/frota/internal/canary"
	"github.com/notnull-co/frota/internal/domain"
	"github.com/notnull-co/frota/internal/integration/agent"
	"github.com/notnull-co/frota/internal/integration/docker"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/semaphore"
)

var canaryPhases = []domain.CanaryPhase{
	domain.PhaseExplorers,
	domain.PhaseEarlyAdopters,
	domain.PhaseGeneral,
}

// run executes a deployment to a terminal status. It is the single
// coordinating task for the deployment; phase waits poll the store and the
// watchdog without blocking anything else.
func (o *Orchestrator) run(ctx context.Context, id string) {
	d, err := o.repo.GetDeployment(id)
	if err != nil {
		log.Error().Err(err).Str("deployment", id).Msg("loading deployment for execution failed")
		return
	}

	fleet, err := o.repo.ListAgents()
	if err != nil {
		log.Error().Err(err).Str("deployment", id).Msg("listing fleet failed")
		return
	}

	var phases []domain.CanaryPhase
	cohorts := make(map[domain.CanaryPhase][]domain.Agent)

	if d.Strategy == domain.StrategyCanary {
		groups := canary.Split(fleet)
		phases = canaryPhases
		for _, phase := range phases {
			cohorts[phase] = groups[canary.Cohort(phase)]
		}
	} else {
		// Immediate (and launched manual) deployments treat the whole
		// fleet as a single phase.
		phases = []domain.CanaryPhase{domain.PhaseNone}
		cohorts[domain.PhaseNone] = fleet
	}

	// Resume from the persisted phase after a restart.
	start := 0
	if d.Phase != domain.PhaseNone {
		for i, phase := range phases {
			if phase == d.Phase {
				start = i
				break
			}
		}
	}

	for _, phase := range phases[start:] {
		ok, reason := o.runPhase(ctx, d, phase, cohorts[phase])
		if ctx.Err() != nil {
			log.Info().Str("deployment", d.Id).Msg("deployment execution canceled")
			return
		}
		if !ok {
			o.fail(d, reason)
			return
		}
	}

	o.complete(d)
}

// runPhase dispatches updates to the cohort, then waits for the
// phase-completion condition: at least one updated agent operational within
// the timeout, or a vacuous pass when nobody participates. A crash loop
// among updated agents, or the timeout, fails the phase.
func (o *Orchestrator) runPhase(ctx context.Context, d *domain.Deployment, phase domain.CanaryPhase, cohort []domain.Agent) (bool, domain.RollbackReason) {
	if len(cohort) == 0 {
		if phase != domain.PhaseNone {
			o.event(d.Id, "phase_skipped", string(phase)+" cohort is empty")
		}
		return true, ""
	}

	phaseStart := time.Now().UTC()
	if d.Phase == phase && d.PhaseStartedAt != nil {
		phaseStart = *d.PhaseStartedAt
	} else {
		if err := o.repo.SetPhase(d.Id, phase, phaseStart); err != nil {
			log.Error().Err(err).Str("deployment", d.Id).Msg("persisting phase start failed")
			return false, domain.ReasonWorkStateTimeout
		}
		o.event(d.Id, "phase_started", string(phase))
	}

	if !o.dispatch(ctx, d, cohort) {
		return false, ""
	}

	return o.awaitPhaseCompletion(ctx, d, cohort, phaseStart)
}

// dispatch offers the update to every cohort agent that has no recorded
// outcome yet, with bounded concurrency. Pausing the deployment stops
// further scheduling; in-flight offers complete and record.
func (o *Orchestrator) dispatch(ctx context.Context, d *domain.Deployment, cohort []domain.Agent) bool {
	outcomes, err := o.repo.Outcomes(d.Id)
	if err != nil {
		log.Error().Err(err).Str("deployment", d.Id).Msg("loading outcomes failed")
		return false
	}

	sem := semaphore.NewWeighted(int64(o.conf.MaxInFlight))
	var wg sync.WaitGroup

	for _, a := range cohort {
		if outcome, ok := outcomes[a.Id]; ok && outcome != domain.OutcomePending {
			continue
		}

		if !o.awaitRunnable(ctx, d.Id) {
			break
		}

		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}
		wg.Add(1)
		go func(a domain.Agent) {
			defer wg.Done()
			defer sem.Release(1)
			o.updateAgent(ctx, d, a)
		}(a)
	}

	wg.Wait()
	return ctx.Err() == nil
}

// awaitRunnable blocks while the deployment is paused. It reports false
// when the deployment left the runnable states or the context ended.
func (o *Orchestrator) awaitRunnable(ctx context.Context, id string) bool {
	for {
		d, err := o.repo.GetDeployment(id)
		if err != nil {
			log.Error().Err(err).Str("deployment", id).Msg("reloading deployment failed")
			return false
		}

		switch d.Status {
		case domain.StatusInProgress:
			return true
		case domain.StatusPaused:
			select {
			case <-ctx.Done():
				return false
			case <-time.After(o.conf.PollInterval):
			}
		default:
			return false
		}
	}
}

func (o *Orchestrator) updateAgent(ctx context.Context, d *domain.Deployment, a domain.Agent) {
	image := d.Image(domain.RoleAgent)
	if image == nil {
		// Nothing for the agents themselves in this rollout.
		o.recordOutcome(d.Id, a.Id, domain.OutcomeUpdated)
		return
	}

	offer := agent.UpdateOffer{
		DeploymentId: d.Id,
		AgentImage:   image.Reference,
		Digest:       image.Digest,
		Message:      d.Message,
		Version:      d.Version,
	}

	verdict, err := o.agents.OfferUpdate(ctx, a, offer)
	if err != nil {
		log.Warn().Err(err).Str("agent", a.Id).Msg("agent unreachable")
		o.recordOutcome(d.Id, a.Id, domain.OutcomeFailed)
		return
	}

	switch verdict {
	case domain.VerdictAccept:
		if err := o.replaceContainer(ctx, a, image); err != nil {
			log.Error().Err(err).Str("agent", a.Id).Msg("container replacement failed")
			o.recordOutcome(d.Id, a.Id, domain.OutcomeFailed)
			return
		}
		o.recordOutcome(d.Id, a.Id, domain.OutcomeUpdated)
		o.event(d.Id, "agent_updated", a.Id)
	case domain.VerdictDefer:
		o.recordOutcome(d.Id, a.Id, domain.OutcomeDeferred)
	case domain.VerdictReject:
		o.recordOutcome(d.Id, a.Id, domain.OutcomeRejected)
	}
}

// replaceContainer stops the agent's container and recreates it from the
// pinned image, then waits for the runtime to report it running.
func (o *Orchestrator) replaceContainer(ctx context.Context, a domain.Agent, image *domain.ImageRef) error {
	if a.ContainerId != "" {
		if err := o.runtime.Stop(ctx, a.ServerId, a.ContainerId); err != nil {
			log.Warn().Err(err).Str("agent", a.Id).Msg("stopping previous container failed")
		}
	}

	containerId, err := o.runtime.Start(ctx, a.ServerId, docker.ContainerSpec{
		Name:   "frota-agent-" + a.Id,
		Image:  pinnedReference(image),
		Labels: map[string]string{"frota.agent": a.Id},
	})
	if err != nil {
		return err
	}

	if err := o.repo.SetAgentContainer(a.Id, containerId); err != nil {
		return err
	}

	deadline := time.Now().Add(o.conf.PhaseTimeout)
	for {
		state, err := o.runtime.Inspect(ctx, a.ServerId, containerId)
		if err == nil && state.Running {
			return nil
		}
		if time.Now().After(deadline) {
			return domain.ErrUnreachable
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(o.conf.PollInterval):
		}
	}
}

func (o *Orchestrator) awaitPhaseCompletion(ctx context.Context, d *domain.Deployment, cohort []domain.Agent, phaseStart time.Time) (bool, domain.RollbackReason) {
	deadline := phaseStart.Add(o.conf.PhaseTimeout)

	for {
		if ctx.Err() != nil {
			return false, ""
		}

		outcomes, err := o.repo.Outcomes(d.Id)
		if err != nil {
			log.Error().Err(err).Str("deployment", d.Id).Msg("loading outcomes failed")
			return false, domain.ReasonWorkStateTimeout
		}

		var updated, failed []domain.Agent
		for _, a := range cohort {
			switch outcomes[a.Id] {
			case domain.OutcomeUpdated:
				updated = append(updated, a)
			case domain.OutcomeFailed:
				failed = append(failed, a)
			}
		}

		// Crash loops among updated agents veto progression immediately.
		for _, a := range updated {
			current, err := o.repo.GetAgent(a.Id)
			if err != nil {
				continue
			}
			if o.dog.IsCrashLooping(current.ContainerId) {
				log.Error().Str("deployment", d.Id).Str("agent", a.Id).Msg("updated agent is crash looping")
				return false, domain.ReasonCrashLoop
			}
		}

		for _, a := range updated {
			operational, err := o.agents.Operational(ctx, a)
			if err == nil && operational {
				return true, ""
			}
		}

		// Deferred and rejected agents are excluded from the success
		// computation; a cohort with no participants passes vacuously.
		if len(updated) == 0 && len(failed) == 0 {
			return true, ""
		}

		if time.Now().After(deadline) {
			return false, domain.ReasonWorkStateTimeout
		}

		select {
		case <-ctx.Done():
			return false, ""
		case <-time.After(o.conf.PollInterval):
		}
	}
}

func (o *Orchestrator) fail(d *domain.Deployment, reason domain.RollbackReason) {
	err := o.repo.Transition(d.Id,
		[]domain.DeploymentStatus{domain.StatusInProgress, domain.StatusPaused},
		domain.StatusFailed)
	if err != nil {
		log.Error().Err(err).Str("deployment", d.Id).Msg("marking deployment failed failed")
		return
	}
	o.event(d.Id, "failed", string(reason))
	log.Error().Str("deployment", d.Id).Str("reason", string(reason)).Msg("deployment failed")

	if _, err := o.propose(d, reason); err != nil {
		log.Error().Err(err).Str("deployment", d.Id).Msg("creating rollback proposal failed")
	}
}

func (o *Orchestrator) complete(d *domain.Deployment) {
	err := o.repo.Transition(d.Id,
		[]domain.DeploymentStatus{domain.StatusInProgress, domain.StatusPaused},
		domain.StatusCompleted)
	if err != nil {
		log.Error().Err(err).Str("deployment", d.Id).Msg("marking deployment completed failed")
		return
	}

	now := time.Now().UTC()
	for _, image := range d.Images {
		if image.Digest == "" {
			continue
		}
		evicted, err := o.repo.PromoteImage(image.Role, image.Digest, now)
		if err != nil {
			log.Error().Err(err).Str("role", string(image.Role)).Msg("promoting retained image failed")
			continue
		}
		if evicted != "" {
			log.Info().Str("role", string(image.Role)).Str("digest", evicted).Msg("retained image evicted, eligible for cleanup")
		}
	}

	o.event(d.Id, "completed", "deployment completed")
	log.Info().Str("deployment", d.Id).Msg("deployment completed")

	if d.RollsBack != "" {
		err := o.repo.Transition(d.RollsBack,
			[]domain.DeploymentStatus{domain.StatusFailed, domain.StatusCompleted},
			domain.StatusRolledBack)
		if err != nil {
			log.Error().Err(err).Str("deployment", d.RollsBack).Msg("marking reversed deployment rolled back failed")
			return
		}
		o.event(d.RollsBack, "rolled_back", "reversed by "+d.Id)
	}
}

func (o *Orchestrator) recordOutcome(deploymentId, agentId string, outcome domain.AgentOutcome) {
	if err := o.repo.RecordOutcome(deploymentId, agentId, outcome); err != nil {
		log.Error().Err(err).Str("deployment", deploymentId).Str("agent", agentId).Msg("recording outcome failed")
	}
}

// pinnedReference rewrites a tag reference to its immutable digest form.
func pinnedReference(image *domain.ImageRef) string {
	if image.Digest == "" {
		return image.Reference
	}
	name := image.Reference
	if i := strings.LastIndex(name, ":"); i > strings.LastIndex(name, "/") {
		name = name[:i]
	}
	if i := strings.Index(name, "@"); i >= 0 {
		name = name[:i]
	}
	return name + "@" + image.Digest
}
