package domain

import "time"

const (
	StrategyCanary    Strategy = "canary"
	StrategyImmediate Strategy = "immediate"
	StrategyManual    Strategy = "manual"
)

type Strategy string

func (s Strategy) Valid() bool {
	switch s {
	case StrategyCanary, StrategyImmediate, StrategyManual:
		return true
	}
	return false
}

const (
	StatusStaged     DeploymentStatus = "staged"
	StatusInProgress DeploymentStatus = "in_progress"
	StatusPaused     DeploymentStatus = "paused"
	StatusCompleted  DeploymentStatus = "completed"
	StatusFailed     DeploymentStatus = "failed"
	StatusRolledBack DeploymentStatus = "rolled_back"
	StatusRejected   DeploymentStatus = "rejected"
)

type DeploymentStatus string

// Terminal reports whether the deployment can no longer change, except for
// a failed deployment being marked rolled_back once its rollback completes.
func (s DeploymentStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusRolledBack, StatusRejected:
		return true
	}
	return false
}

const (
	PhaseNone          CanaryPhase = "none"
	PhaseExplorers     CanaryPhase = "explorers"
	PhaseEarlyAdopters CanaryPhase = "early_adopters"
	PhaseGeneral       CanaryPhase = "general"
)

type CanaryPhase string

const (
	OutcomePending  AgentOutcome = "pending"
	OutcomeUpdated  AgentOutcome = "updated"
	OutcomeDeferred AgentOutcome = "deferred"
	OutcomeRejected AgentOutcome = "rejected"
	OutcomeFailed   AgentOutcome = "failed"
)

type AgentOutcome string

const (
	RoleAgent ImageRole = "agent"
	RoleGUI   ImageRole = "gui"
	RoleProxy ImageRole = "proxy"
)

type ImageRole string

// ImageRef is one target image of a deployment. Digest is filled in when the
// mutable reference has been resolved against the registry.
type ImageRef struct {
	Role      ImageRole
	Reference string
	Digest    string
}

type Deployment struct {
	Id             string
	CreatedAt      time.Time
	InitiatedBy    string
	Message        string
	Version        string
	CommitSHA      string
	Changelog      string
	Strategy       Strategy
	Status         DeploymentStatus
	Phase          CanaryPhase
	PhaseStartedAt *time.Time
	Images         []ImageRef
	IsRollback     bool
	RollsBack      string
	CompletedAt    *time.Time
}

// Image returns the target image for a role, if the deployment carries one.
func (d *Deployment) Image(role ImageRole) *ImageRef {
	for i := range d.Images {
		if d.Images[i].Role == role {
			return &d.Images[i]
		}
	}
	return nil
}

type DeploymentEvent struct {
	At      time.Time
	Type    string
	Message string
}

type Agent struct {
	Id          string
	ServerId    string
	ContainerId string
	Endpoint    string
}

const (
	VerdictAccept Verdict = "accept"
	VerdictDefer  Verdict = "defer"
	VerdictReject Verdict = "reject"
)

type Verdict string

const (
	ProposalProposed ProposalStatus = "proposed"
	ProposalApproved ProposalStatus = "approved"
	ProposalRejected ProposalStatus = "rejected"
	ProposalExecuted ProposalStatus = "executed"
)

type ProposalStatus string

const (
	ReasonWorkStateTimeout RollbackReason = "work-state-timeout"
	ReasonCrashLoop        RollbackReason = "crash-loop"
	ReasonIncident         RollbackReason = "operator-incident"
)

type RollbackReason string

type RollbackProposal struct {
	Id           string
	DeploymentId string
	Reason       RollbackReason
	TargetDigest string
	Status       ProposalStatus
	CreatedAt    time.Time
	DecidedBy    string
	DecidedAt    *time.Time
	ExecutedAs   string
}

// RetainedImage is one slot of the n-2 retention record for an image role.
type RetainedImage struct {
	Digest          string
	BecameCurrentAt time.Time
}

type ImageRetention struct {
	Role        ImageRole
	Current     *RetainedImage
	Previous    *RetainedImage
	Penultimate *RetainedImage
}

type OutcomeCounts map[AgentOutcome]int

// DeploymentView is the read-only projection served to operators.
type DeploymentView struct {
	Id         string
	Status     DeploymentStatus
	Phase      CanaryPhase
	Strategy   Strategy
	Message    string
	IsRollback bool
	CreatedAt  time.Time
	Outcomes   OutcomeCounts
	Events     []DeploymentEvent
}
