package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/notnull-co/frota/internal/domain"
	"github.com/notnull-co/frota/internal/integration/agent"
	"github.com/notnull-co/frota/internal/integration/docker"
	"github.com/notnull-co/frota/internal/integration/registry"
	"github.com/notnull-co/frota/internal/repository"
	"github.com/notnull-co/frota/internal/watchdog"
	"github.com/rs/zerolog/log"
)

type Config struct {
	MaxInFlight  int
	PhaseTimeout time.Duration
	PollInterval time.Duration
	RiskMaxFleet int
}

// Orchestrator drives the fleet-wide rollout state machine. It is the only
// writer of deployment records; all mutating operations are serialized
// through its lock, while status reads go straight to the store.
type Orchestrator struct {
	mu       sync.Mutex
	repo     repository.Repository
	agents   agent.Client
	runtime  docker.Runtime
	resolver registry.Resolver
	dog      *watchdog.Watchdog
	conf     Config

	runCancel context.CancelFunc
}

func New(repo repository.Repository, agents agent.Client, runtime docker.Runtime, resolver registry.Resolver, dog *watchdog.Watchdog, conf Config) *Orchestrator {
	return &Orchestrator{
		repo:     repo,
		agents:   agents,
		runtime:  runtime,
		resolver: resolver,
		dog:      dog,
		conf:     conf,
	}
}

// NotifyRequest is the CD notification that may start a rollout.
type NotifyRequest struct {
	AgentImage  string
	GUIImage    string
	ProxyImage  string
	Message     string
	Version     string
	CommitSHA   string
	Changelog   string
	Strategy    domain.Strategy
	InitiatedBy string
}

// Notify evaluates an update notification. Low-risk immediate updates start
// executing; anything that trips a deferral trigger, or any non-immediate
// strategy, is staged for human review. A second notification while a
// deployment is active is a conflict, never a merge.
func (o *Orchestrator) Notify(ctx context.Context, req NotifyRequest) (*domain.Deployment, error) {
	if !req.Strategy.Valid() {
		return nil, fmt.Errorf("unknown strategy %q: %w", req.Strategy, domain.ErrValidation)
	}
	if req.AgentImage == "" && req.GUIImage == "" && req.ProxyImage == "" {
		return nil, fmt.Errorf("notification carries no image: %w", domain.ErrValidation)
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	active, err := o.repo.ActiveDeployment()
	if err != nil {
		return nil, err
	}
	if active != nil {
		return nil, fmt.Errorf("deployment %s is %s: %w", active.Id, active.Status, domain.ErrConflict)
	}

	images, err := o.resolveImages(req)
	if err != nil {
		return nil, err
	}

	fleet, err := o.repo.ListAgents()
	if err != nil {
		return nil, err
	}
	last, err := o.repo.LatestDeployment()
	if err != nil {
		return nil, err
	}

	d := &domain.Deployment{
		Id:          uuid.NewString(),
		CreatedAt:   time.Now().UTC(),
		InitiatedBy: req.InitiatedBy,
		Message:     req.Message,
		Version:     req.Version,
		CommitSHA:   req.CommitSHA,
		Changelog:   req.Changelog,
		Strategy:    req.Strategy,
		Status:      domain.StatusInProgress,
		Phase:       domain.PhaseNone,
		Images:      images,
	}

	deferred, why := o.requiresDeferral(req, len(fleet), last)
	if deferred || req.Strategy != domain.StrategyImmediate {
		d.Status = domain.StatusStaged
	}

	if err := o.repo.CreateDeployment(*d, fleet); err != nil {
		return nil, err
	}

	if d.Status == domain.StatusStaged {
		if why == "" {
			why = string(req.Strategy) + " strategy requires launch"
		}
		o.event(d.Id, "staged", why)
		log.Info().Str("deployment", d.Id).Str("reason", why).Msg("deployment staged for review")
	} else {
		o.event(d.Id, "started", req.Message)
		o.begin(d.Id)
	}

	return d, nil
}

// Launch moves a staged deployment into execution.
func (o *Orchestrator) Launch(ctx context.Context, id string) (*domain.Deployment, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if err := o.repo.Transition(id, []domain.DeploymentStatus{domain.StatusStaged}, domain.StatusInProgress); err != nil {
		return nil, err
	}
	o.event(id, "launched", "staged deployment launched")
	o.begin(id)
	return o.repo.GetDeployment(id)
}

// Reject discards a staged deployment.
func (o *Orchestrator) Reject(ctx context.Context, id, decidedBy string) (*domain.Deployment, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if err := o.repo.Transition(id, []domain.DeploymentStatus{domain.StatusStaged}, domain.StatusRejected); err != nil {
		return nil, err
	}
	o.event(id, "rejected", "rejected by "+decidedBy)
	return o.repo.GetDeployment(id)
}

// Pause stops scheduling of further agent update calls. Calls already in
// flight complete and record their outcome; watchdog monitoring continues.
func (o *Orchestrator) Pause(ctx context.Context, id string) (*domain.Deployment, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if err := o.repo.Transition(id, []domain.DeploymentStatus{domain.StatusInProgress}, domain.StatusPaused); err != nil {
		return nil, err
	}
	o.event(id, "paused", "deployment paused")
	return o.repo.GetDeployment(id)
}

// Resume continues a paused deployment.
func (o *Orchestrator) Resume(ctx context.Context, id string) (*domain.Deployment, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if err := o.repo.Transition(id, []domain.DeploymentStatus{domain.StatusPaused}, domain.StatusInProgress); err != nil {
		return nil, err
	}
	o.event(id, "resumed", "deployment resumed")
	return o.repo.GetDeployment(id)
}

// Rollback is the administrative override: it immediately creates and
// launches a rollback deployment, bypassing the proposal approval path. An
// empty target digest falls back to the newest retained digest that is not
// the one being reversed.
func (o *Orchestrator) Rollback(ctx context.Context, id, targetDigest, initiatedBy string) (*domain.Deployment, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	d, err := o.repo.GetDeployment(id)
	if err != nil {
		return nil, err
	}

	if targetDigest == "" {
		targetDigest, err = o.rollbackTarget(d)
		if err != nil {
			return nil, err
		}
	}

	// An active deployment is superseded before the rollback replaces it.
	if !d.Status.Terminal() {
		if o.runCancel != nil {
			o.runCancel()
			o.runCancel = nil
		}
		if err := o.repo.Transition(id, []domain.DeploymentStatus{domain.StatusStaged, domain.StatusInProgress, domain.StatusPaused}, domain.StatusFailed); err != nil {
			return nil, err
		}
		o.event(id, "superseded", "superseded by administrative rollback")
	}

	return o.startRollback(d, targetDigest, initiatedBy, "administrative rollback of "+id)
}

// Status returns the read-only projection of a deployment; an empty id
// selects the most recent one.
func (o *Orchestrator) Status(id string) (*domain.DeploymentView, error) {
	var d *domain.Deployment
	var err error
	if id == "" {
		d, err = o.repo.LatestDeployment()
		if err == nil && d == nil {
			err = fmt.Errorf("no deployments: %w", domain.ErrNotFound)
		}
	} else {
		d, err = o.repo.GetDeployment(id)
	}
	if err != nil {
		return nil, err
	}

	counts, err := o.repo.OutcomeCounts(d.Id)
	if err != nil {
		return nil, err
	}
	events, err := o.repo.Events(d.Id)
	if err != nil {
		return nil, err
	}

	return &domain.DeploymentView{
		Id:         d.Id,
		Status:     d.Status,
		Phase:      d.Phase,
		Strategy:   d.Strategy,
		Message:    d.Message,
		IsRollback: d.IsRollback,
		CreatedAt:  d.CreatedAt,
		Outcomes:   counts,
		Events:     events,
	}, nil
}

// History lists recent deployments, newest first.
func (o *Orchestrator) History(limit int) ([]domain.Deployment, error) {
	if limit <= 0 {
		limit = 10
	}
	return o.repo.ListDeployments(limit)
}

// ResumeActive restarts execution of a deployment that was in flight when
// the process last stopped. Elapsed phase time is recomputed from the
// persisted phase-start timestamp, not from an in-memory timer.
func (o *Orchestrator) ResumeActive() {
	o.mu.Lock()
	defer o.mu.Unlock()

	active, err := o.repo.ActiveDeployment()
	if err != nil {
		log.Error().Err(err).Msg("loading active deployment at startup failed")
		return
	}
	if active == nil || active.Status == domain.StatusStaged {
		return
	}

	log.Info().Str("deployment", active.Id).Str("status", string(active.Status)).Msg("resuming deployment after restart")
	o.begin(active.Id)
}

func (o *Orchestrator) begin(id string) {
	ctx, cancel := context.WithCancel(context.Background())
	o.runCancel = cancel
	go o.run(ctx, id)
}

func (o *Orchestrator) resolveImages(req NotifyRequest) ([]domain.ImageRef, error) {
	refs := []struct {
		role      domain.ImageRole
		reference string
	}{
		{domain.RoleAgent, req.AgentImage},
		{domain.RoleGUI, req.GUIImage},
		{domain.RoleProxy, req.ProxyImage},
	}

	var images []domain.ImageRef
	for _, ref := range refs {
		if ref.reference == "" {
			continue
		}
		digest, err := o.resolver.ResolveDigest(ref.reference)
		if err != nil {
			return nil, fmt.Errorf("resolving %s image %q: %w", ref.role, ref.reference, err)
		}
		images = append(images, domain.ImageRef{
			Role:      ref.role,
			Reference: ref.reference,
			Digest:    digest,
		})
	}
	return images, nil
}

func (o *Orchestrator) event(deploymentId, eventType, message string) {
	e := domain.DeploymentEvent{
		At:      time.Now().UTC(),
		Type:    eventType,
		Message: message,
	}
	if err := o.repo.AppendEvent(deploymentId, e); err != nil {
		log.Error().Err(err).Str("deployment", deploymentId).Str("event", eventType).Msg("recording deployment event failed")
	}
}
