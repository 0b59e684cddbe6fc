package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/notnull-co/frota/internal/domain"
	"github.com/rs/zerolog/log"
)

// propose records a rollback proposal for a failed deployment. Proposals
// are never executed automatically; they wait for an explicit human
// decision.
func (o *Orchestrator) propose(d *domain.Deployment, reason domain.RollbackReason) (*domain.RollbackProposal, error) {
	target, err := o.rollbackTarget(d)
	if err != nil {
		return nil, err
	}

	p := domain.RollbackProposal{
		Id:           uuid.NewString(),
		DeploymentId: d.Id,
		Reason:       reason,
		TargetDigest: target,
		Status:       domain.ProposalProposed,
		CreatedAt:    time.Now().UTC(),
	}

	if err := o.repo.CreateProposal(p); err != nil {
		return nil, err
	}
	o.event(d.Id, "rollback_proposed", string(reason))
	log.Warn().Str("deployment", d.Id).Str("target", target).Str("reason", string(reason)).Msg("rollback proposed, awaiting operator decision")
	return &p, nil
}

// rollbackTarget picks the newest retained agent digest that is not the one
// the deployment shipped.
func (o *Orchestrator) rollbackTarget(d *domain.Deployment) (string, error) {
	retention, err := o.repo.Retention(domain.RoleAgent)
	if err != nil {
		return "", err
	}

	implicated := ""
	if image := d.Image(domain.RoleAgent); image != nil {
		implicated = image.Digest
	}

	for _, retained := range []*domain.RetainedImage{retention.Current, retention.Previous, retention.Penultimate} {
		if retained != nil && retained.Digest != implicated {
			return retained.Digest, nil
		}
	}
	return "", nil
}

// GetProposal returns one rollback proposal.
func (o *Orchestrator) GetProposal(id string) (*domain.RollbackProposal, error) {
	return o.repo.GetProposal(id)
}

// ApproveProposal is the only path that turns a proposal into an executed
// rollback. The created deployment bypasses staging: the approval is the
// human review.
func (o *Orchestrator) ApproveProposal(ctx context.Context, id, decidedBy string) (*domain.Deployment, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	p, err := o.repo.GetProposal(id)
	if err != nil {
		return nil, err
	}
	if p.Status != domain.ProposalProposed {
		return nil, fmt.Errorf("proposal %s is %s: %w", id, p.Status, domain.ErrConflict)
	}
	if p.TargetDigest == "" {
		return nil, fmt.Errorf("proposal %s has no rollback target: %w", id, domain.ErrValidation)
	}

	failed, err := o.repo.GetDeployment(p.DeploymentId)
	if err != nil {
		return nil, err
	}

	// The rollback deployment is created before the proposal is marked
	// decided: if another deployment holds the active slot, the approval
	// fails here and the proposal stays decidable.
	d, err := o.startRollback(failed, p.TargetDigest, decidedBy, "approved rollback of "+p.DeploymentId)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	p.Status = domain.ProposalExecuted
	p.DecidedBy = decidedBy
	p.DecidedAt = &now
	p.ExecutedAs = d.Id
	if err := o.repo.UpdateProposal(*p); err != nil {
		return nil, err
	}
	return d, nil
}

// RejectProposal is terminal: the failed deployment stays failed and any
// further remediation is a separate operator action.
func (o *Orchestrator) RejectProposal(ctx context.Context, id, decidedBy string) (*domain.RollbackProposal, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	p, err := o.repo.GetProposal(id)
	if err != nil {
		return nil, err
	}
	if p.Status != domain.ProposalProposed {
		return nil, fmt.Errorf("proposal %s is %s: %w", id, p.Status, domain.ErrConflict)
	}

	now := time.Now().UTC()
	p.Status = domain.ProposalRejected
	p.DecidedBy = decidedBy
	p.DecidedAt = &now
	if err := o.repo.UpdateProposal(*p); err != nil {
		return nil, err
	}
	o.event(p.DeploymentId, "rollback_rejected", "rejected by "+decidedBy)
	return p, nil
}

// startRollback creates and immediately launches the deployment that
// reverses a previous one. Callers hold the orchestrator lock.
func (o *Orchestrator) startRollback(reversed *domain.Deployment, targetDigest, initiatedBy, message string) (*domain.Deployment, error) {
	if targetDigest == "" {
		return nil, fmt.Errorf("no retained digest to roll back to: %w", domain.ErrValidation)
	}

	reference := targetDigest
	if image := reversed.Image(domain.RoleAgent); image != nil {
		reference = pinnedReference(&domain.ImageRef{Reference: image.Reference, Digest: targetDigest})
	}

	fleet, err := o.repo.ListAgents()
	if err != nil {
		return nil, err
	}

	d := &domain.Deployment{
		Id:          uuid.NewString(),
		CreatedAt:   time.Now().UTC(),
		InitiatedBy: initiatedBy,
		Message:     message,
		Strategy:    domain.StrategyImmediate,
		Status:      domain.StatusInProgress,
		Phase:       domain.PhaseNone,
		Images: []domain.ImageRef{{
			Role:      domain.RoleAgent,
			Reference: reference,
			Digest:    targetDigest,
		}},
		IsRollback: true,
		RollsBack:  reversed.Id,
	}

	if err := o.repo.CreateDeployment(*d, fleet); err != nil {
		return nil, err
	}
	o.event(d.Id, "started", message)
	o.begin(d.Id)
	return d, nil
}
