package repository

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/notnull-co/frota/internal/config"
	"github.com/notnull-co/frota/internal/domain"
	"github.com/rs/zerolog/log"

	_ "github.com/mattn/go-sqlite3"
)

var (
	instance *repository
	once     sync.Once
)

type repository struct {
	db *sql.DB
}

// Repository is the deployment state store. It is the single source of
// truth: every component reads through it, and the orchestrator is the only
// writer of deployment records. All multi-row transitions run in
// transactions so partial writes are never observable after a restart.
type Repository interface {
	CreateDeployment(d domain.Deployment, agents []domain.Agent) error
	GetDeployment(id string) (*domain.Deployment, error)
	ActiveDeployment() (*domain.Deployment, error)
	LatestDeployment() (*domain.Deployment, error)
	ListDeployments(limit int) ([]domain.Deployment, error)
	Transition(id string, from []domain.DeploymentStatus, to domain.DeploymentStatus) error
	SetPhase(id string, phase domain.CanaryPhase, startedAt time.Time) error

	RecordOutcome(deploymentId, agentId string, outcome domain.AgentOutcome) error
	Outcomes(deploymentId string) (map[string]domain.AgentOutcome, error)
	OutcomeCounts(deploymentId string) (domain.OutcomeCounts, error)

	AppendEvent(deploymentId string, e domain.DeploymentEvent) error
	Events(deploymentId string) ([]domain.DeploymentEvent, error)

	CreateProposal(p domain.RollbackProposal) error
	GetProposal(id string) (*domain.RollbackProposal, error)
	UpdateProposal(p domain.RollbackProposal) error
	ProposalsByDeployment(deploymentId string) ([]domain.RollbackProposal, error)

	Retention(role domain.ImageRole) (domain.ImageRetention, error)
	PromoteImage(role domain.ImageRole, digest string, at time.Time) (evicted string, err error)

	ListAgents() ([]domain.Agent, error)
	GetAgent(id string) (*domain.Agent, error)
	UpsertAgent(a domain.Agent) error
	SetAgentContainer(agentId, containerId string) error
	Servers() ([]string, error)
}

func New() Repository {
	once.Do(func() {
		conf := config.Get()
		if err := ensureParentPathExists(conf.Database.Path); err != nil {
			log.Fatal().Err(err).Msg("database dir creation failed")
		}
		repo, err := Open(conf.Database.Path, conf.Database.Schema)
		if err != nil {
			log.Fatal().Err(err).Msg("data layer initialization failed")
		}
		instance = repo
	})
	return instance
}

// Open creates a repository over the sqlite file at path, applying the
// schema file. WAL keeps writes durable without blocking readers.
func Open(path, schemaFile string) (*repository, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	r := &repository{db: db}
	if err := r.applySchema(schemaFile); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return r, nil
}

func (r *repository) CreateDeployment(d domain.Deployment, agents []domain.Agent) error {
	tx, err := r.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var active int
	err = tx.QueryRow(
		`SELECT COUNT(*) FROM Deployment WHERE Status IN (?, ?, ?)`,
		string(domain.StatusStaged), string(domain.StatusInProgress), string(domain.StatusPaused),
	).Scan(&active)
	if err != nil {
		return err
	}
	if active > 0 {
		return fmt.Errorf("a deployment is already active: %w", domain.ErrConflict)
	}

	_, err = tx.Exec(`
	INSERT INTO Deployment (Id, CreatedAt, InitiatedBy, Message, Version, CommitSHA, Changelog, Strategy, Status, Phase, PhaseStartedAt, IsRollback, RollsBack, CompletedAt)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NULL, ?, ?, NULL)
	`, d.Id, d.CreatedAt, d.InitiatedBy, d.Message, d.Version, d.CommitSHA, d.Changelog,
		string(d.Strategy), string(d.Status), string(d.Phase), boolToInt(d.IsRollback), d.RollsBack)
	if err != nil {
		return err
	}

	for _, image := range d.Images {
		_, err = tx.Exec(`
		INSERT INTO DeploymentImage (DeploymentId, Role, Reference, Digest)
		VALUES (?, ?, ?, ?)
		`, d.Id, string(image.Role), image.Reference, image.Digest)
		if err != nil {
			return err
		}
	}

	now := time.Now().UTC()
	for _, a := range agents {
		_, err = tx.Exec(`
		INSERT INTO AgentOutcome (DeploymentId, AgentId, Outcome, UpdatedAt)
		VALUES (?, ?, ?, ?)
		`, d.Id, a.Id, string(domain.OutcomePending), now)
		if err != nil {
			return err
		}
	}

	return tx.Commit()
}

const deploymentColumns = `
	Id, CreatedAt, InitiatedBy, Message, Version, CommitSHA, Changelog,
	Strategy, Status, Phase, PhaseStartedAt, IsRollback, RollsBack, CompletedAt`

func (r *repository) GetDeployment(id string) (*domain.Deployment, error) {
	row := r.db.QueryRow(`SELECT `+deploymentColumns+` FROM Deployment WHERE Id = ?`, id)
	d, err := scanDeployment(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("deployment %s: %w", id, domain.ErrNotFound)
		}
		return nil, err
	}
	if err := r.loadImages(d); err != nil {
		return nil, err
	}
	return d, nil
}

func (r *repository) ActiveDeployment() (*domain.Deployment, error) {
	row := r.db.QueryRow(`
	SELECT `+deploymentColumns+`
	FROM Deployment
	WHERE Status IN (?, ?, ?)
	ORDER BY CreatedAt DESC
	LIMIT 1
	`, string(domain.StatusStaged), string(domain.StatusInProgress), string(domain.StatusPaused))

	d, err := scanDeployment(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	if err := r.loadImages(d); err != nil {
		return nil, err
	}
	return d, nil
}

func (r *repository) LatestDeployment() (*domain.Deployment, error) {
	row := r.db.QueryRow(`SELECT ` + deploymentColumns + ` FROM Deployment ORDER BY CreatedAt DESC LIMIT 1`)

	d, err := scanDeployment(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	if err := r.loadImages(d); err != nil {
		return nil, err
	}
	return d, nil
}

func (r *repository) ListDeployments(limit int) ([]domain.Deployment, error) {
	rows, err := r.db.Query(`SELECT `+deploymentColumns+` FROM Deployment ORDER BY CreatedAt DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var deployments []domain.Deployment
	for rows.Next() {
		d, err := scanDeployment(rows)
		if err != nil {
			return nil, err
		}
		if err := r.loadImages(d); err != nil {
			return nil, err
		}
		deployments = append(deployments, *d)
	}
	return deployments, rows.Err()
}

// Transition moves a deployment from one of the expected statuses to the
// target status. A deployment in any other status yields ErrConflict, a
// missing one ErrNotFound.
func (r *repository) Transition(id string, from []domain.DeploymentStatus, to domain.DeploymentStatus) error {
	tx, err := r.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var current string
	err = tx.QueryRow(`SELECT Status FROM Deployment WHERE Id = ?`, id).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("deployment %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return err
	}

	allowed := false
	for _, s := range from {
		if domain.DeploymentStatus(current) == s {
			allowed = true
			break
		}
	}
	if !allowed {
		return fmt.Errorf("deployment %s is %s: %w", id, current, domain.ErrConflict)
	}

	if to.Terminal() {
		_, err = tx.Exec(`UPDATE Deployment SET Status = ?, CompletedAt = ? WHERE Id = ?`,
			string(to), time.Now().UTC(), id)
	} else {
		_, err = tx.Exec(`UPDATE Deployment SET Status = ? WHERE Id = ?`, string(to), id)
	}
	if err != nil {
		return err
	}

	return tx.Commit()
}

func (r *repository) SetPhase(id string, phase domain.CanaryPhase, startedAt time.Time) error {
	result, err := r.db.Exec(`UPDATE Deployment SET Phase = ?, PhaseStartedAt = ? WHERE Id = ?`,
		string(phase), startedAt, id)
	if err != nil {
		return err
	}
	return mustAffect(result, id)
}

func (r *repository) RecordOutcome(deploymentId, agentId string, outcome domain.AgentOutcome) error {
	_, err := r.db.Exec(`
	INSERT INTO AgentOutcome (DeploymentId, AgentId, Outcome, UpdatedAt)
	VALUES (?, ?, ?, ?)
	ON CONFLICT (DeploymentId, AgentId) DO UPDATE SET Outcome = excluded.Outcome, UpdatedAt = excluded.UpdatedAt
	`, deploymentId, agentId, string(outcome), time.Now().UTC())
	return err
}

func (r *repository) Outcomes(deploymentId string) (map[string]domain.AgentOutcome, error) {
	rows, err := r.db.Query(`SELECT AgentId, Outcome FROM AgentOutcome WHERE DeploymentId = ?`, deploymentId)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	outcomes := make(map[string]domain.AgentOutcome)
	for rows.Next() {
		var agentId, outcome string
		if err := rows.Scan(&agentId, &outcome); err != nil {
			return nil, err
		}
		outcomes[agentId] = domain.AgentOutcome(outcome)
	}
	return outcomes, rows.Err()
}

func (r *repository) OutcomeCounts(deploymentId string) (domain.OutcomeCounts, error) {
	rows, err := r.db.Query(`
	SELECT Outcome, COUNT(*) FROM AgentOutcome WHERE DeploymentId = ? GROUP BY Outcome
	`, deploymentId)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(domain.OutcomeCounts)
	for rows.Next() {
		var outcome string
		var count int
		if err := rows.Scan(&outcome, &count); err != nil {
			return nil, err
		}
		counts[domain.AgentOutcome(outcome)] = count
	}
	return counts, rows.Err()
}

func (r *repository) AppendEvent(deploymentId string, e domain.DeploymentEvent) error {
	_, err := r.db.Exec(`
	INSERT INTO DeploymentEvent (DeploymentId, At, Type, Message)
	VALUES (?, ?, ?, ?)
	`, deploymentId, e.At, e.Type, e.Message)
	return err
}

func (r *repository) Events(deploymentId string) ([]domain.DeploymentEvent, error) {
	rows, err := r.db.Query(`
	SELECT At, Type, Message FROM DeploymentEvent WHERE DeploymentId = ? ORDER BY Id
	`, deploymentId)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []domain.DeploymentEvent
	for rows.Next() {
		var e domain.DeploymentEvent
		if err := rows.Scan(&e.At, &e.Type, &e.Message); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

func (r *repository) CreateProposal(p domain.RollbackProposal) error {
	_, err := r.db.Exec(`
	INSERT INTO RollbackProposal (Id, DeploymentId, Reason, TargetDigest, Status, CreatedAt, DecidedBy, DecidedAt, ExecutedAs)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, p.Id, p.DeploymentId, string(p.Reason), p.TargetDigest, string(p.Status), p.CreatedAt,
		p.DecidedBy, nullTime(p.DecidedAt), p.ExecutedAs)
	return err
}

func (r *repository) GetProposal(id string) (*domain.RollbackProposal, error) {
	row := r.db.QueryRow(`
	SELECT Id, DeploymentId, Reason, TargetDigest, Status, CreatedAt, DecidedBy, DecidedAt, ExecutedAs
	FROM RollbackProposal WHERE Id = ?
	`, id)

	p, err := scanProposal(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("proposal %s: %w", id, domain.ErrNotFound)
		}
		return nil, err
	}
	return p, nil
}

func (r *repository) UpdateProposal(p domain.RollbackProposal) error {
	result, err := r.db.Exec(`
	UPDATE RollbackProposal SET Status = ?, DecidedBy = ?, DecidedAt = ?, ExecutedAs = ? WHERE Id = ?
	`, string(p.Status), p.DecidedBy, nullTime(p.DecidedAt), p.ExecutedAs, p.Id)
	if err != nil {
		return err
	}
	return mustAffect(result, p.Id)
}

func (r *repository) ProposalsByDeployment(deploymentId string) ([]domain.RollbackProposal, error) {
	rows, err := r.db.Query(`
	SELECT Id, DeploymentId, Reason, TargetDigest, Status, CreatedAt, DecidedBy, DecidedAt, ExecutedAs
	FROM RollbackProposal WHERE DeploymentId = ? ORDER BY CreatedAt
	`, deploymentId)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var proposals []domain.RollbackProposal
	for rows.Next() {
		p, err := scanProposal(rows)
		if err != nil {
			return nil, err
		}
		proposals = append(proposals, *p)
	}
	return proposals, rows.Err()
}

// Retention slots: 0 = current, 1 = n-1, 2 = n-2.
func (r *repository) Retention(role domain.ImageRole) (domain.ImageRetention, error) {
	rows, err := r.db.Query(`
	SELECT Slot, Digest, BecameCurrentAt FROM ImageRetention WHERE Role = ? ORDER BY Slot
	`, string(role))
	if err != nil {
		return domain.ImageRetention{}, err
	}
	defer rows.Close()

	retention := domain.ImageRetention{Role: role}
	for rows.Next() {
		var slot int
		var retained domain.RetainedImage
		if err := rows.Scan(&slot, &retained.Digest, &retained.BecameCurrentAt); err != nil {
			return domain.ImageRetention{}, err
		}
		switch slot {
		case 0:
			retention.Current = &retained
		case 1:
			retention.Previous = &retained
		case 2:
			retention.Penultimate = &retained
		}
	}
	return retention, rows.Err()
}

// PromoteImage makes digest the current retained image for the role,
// shifting current to n-1 and n-1 to n-2. The evicted n-2 digest, if any,
// is returned so local image cleanup can reclaim it.
func (r *repository) PromoteImage(role domain.ImageRole, digest string, at time.Time) (string, error) {
	tx, err := r.db.Begin()
	if err != nil {
		return "", err
	}
	defer tx.Rollback()

	var current string
	err = tx.QueryRow(`SELECT Digest FROM ImageRetention WHERE Role = ? AND Slot = 0`, string(role)).Scan(&current)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return "", err
	}
	if current == digest {
		return "", nil
	}

	var evicted string
	err = tx.QueryRow(`SELECT Digest FROM ImageRetention WHERE Role = ? AND Slot = 2`, string(role)).Scan(&evicted)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return "", err
	}

	if _, err := tx.Exec(`DELETE FROM ImageRetention WHERE Role = ? AND Slot = 2`, string(role)); err != nil {
		return "", err
	}
	if _, err := tx.Exec(`UPDATE ImageRetention SET Slot = 2 WHERE Role = ? AND Slot = 1`, string(role)); err != nil {
		return "", err
	}
	if _, err := tx.Exec(`UPDATE ImageRetention SET Slot = 1 WHERE Role = ? AND Slot = 0`, string(role)); err != nil {
		return "", err
	}
	if _, err := tx.Exec(`
	INSERT INTO ImageRetention (Role, Slot, Digest, BecameCurrentAt) VALUES (?, 0, ?, ?)
	`, string(role), digest, at); err != nil {
		return "", err
	}

	return evicted, tx.Commit()
}

func (r *repository) ListAgents() ([]domain.Agent, error) {
	rows, err := r.db.Query(`SELECT Id, ServerId, ContainerId, Endpoint FROM Agent ORDER BY Id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var agents []domain.Agent
	for rows.Next() {
		var a domain.Agent
		if err := rows.Scan(&a.Id, &a.ServerId, &a.ContainerId, &a.Endpoint); err != nil {
			return nil, err
		}
		agents = append(agents, a)
	}
	return agents, rows.Err()
}

func (r *repository) GetAgent(id string) (*domain.Agent, error) {
	var a domain.Agent
	err := r.db.QueryRow(`SELECT Id, ServerId, ContainerId, Endpoint FROM Agent WHERE Id = ?`, id).
		Scan(&a.Id, &a.ServerId, &a.ContainerId, &a.Endpoint)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("agent %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (r *repository) UpsertAgent(a domain.Agent) error {
	_, err := r.db.Exec(`
	INSERT INTO Agent (Id, ServerId, ContainerId, Endpoint)
	VALUES (?, ?, ?, ?)
	ON CONFLICT (Id) DO UPDATE SET ServerId = excluded.ServerId, ContainerId = excluded.ContainerId, Endpoint = excluded.Endpoint
	`, a.Id, a.ServerId, a.ContainerId, a.Endpoint)
	return err
}

func (r *repository) SetAgentContainer(agentId, containerId string) error {
	result, err := r.db.Exec(`UPDATE Agent SET ContainerId = ? WHERE Id = ?`, containerId, agentId)
	if err != nil {
		return err
	}
	return mustAffect(result, agentId)
}

func (r *repository) Servers() ([]string, error) {
	rows, err := r.db.Query(`SELECT DISTINCT ServerId FROM Agent ORDER BY ServerId`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var servers []string
	for rows.Next() {
		var server string
		if err := rows.Scan(&server); err != nil {
			return nil, err
		}
		servers = append(servers, server)
	}
	return servers, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanDeployment(s scanner) (*domain.Deployment, error) {
	var d domain.Deployment
	var strategy, status, phase string
	var isRollback int
	var phaseStartedAt, completedAt sql.NullTime

	err := s.Scan(&d.Id, &d.CreatedAt, &d.InitiatedBy, &d.Message, &d.Version, &d.CommitSHA,
		&d.Changelog, &strategy, &status, &phase, &phaseStartedAt, &isRollback, &d.RollsBack, &completedAt)
	if err != nil {
		return nil, err
	}

	d.Strategy = domain.Strategy(strategy)
	d.Status = domain.DeploymentStatus(status)
	d.Phase = domain.CanaryPhase(phase)
	d.IsRollback = isRollback != 0
	if phaseStartedAt.Valid {
		t := phaseStartedAt.Time
		d.PhaseStartedAt = &t
	}
	if completedAt.Valid {
		t := completedAt.Time
		d.CompletedAt = &t
	}
	return &d, nil
}

func scanProposal(s scanner) (*domain.RollbackProposal, error) {
	var p domain.RollbackProposal
	var reason, status string
	var decidedAt sql.NullTime

	err := s.Scan(&p.Id, &p.DeploymentId, &reason, &p.TargetDigest, &status, &p.CreatedAt,
		&p.DecidedBy, &decidedAt, &p.ExecutedAs)
	if err != nil {
		return nil, err
	}

	p.Reason = domain.RollbackReason(reason)
	p.Status = domain.ProposalStatus(status)
	if decidedAt.Valid {
		t := decidedAt.Time
		p.DecidedAt = &t
	}
	return &p, nil
}

func (r *repository) loadImages(d *domain.Deployment) error {
	rows, err := r.db.Query(`SELECT Role, Reference, Digest FROM DeploymentImage WHERE DeploymentId = ?`, d.Id)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var image domain.ImageRef
		var role string
		if err := rows.Scan(&role, &image.Reference, &image.Digest); err != nil {
			return err
		}
		image.Role = domain.ImageRole(role)
		d.Images = append(d.Images, image)
	}
	return rows.Err()
}

func (r *repository) applySchema(schemaFile string) error {
	schema, err := os.ReadFile(schemaFile)
	if err != nil {
		return err
	}

	_, err = r.db.Exec(string(schema))
	return err
}

func mustAffect(result sql.Result, id string) error {
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", id, domain.ErrNotFound)
	}
	return nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func ensureParentPathExists(filePath string) error {
	dir := filepath.Dir(filePath)
	return os.MkdirAll(dir, os.ModePerm)
}
