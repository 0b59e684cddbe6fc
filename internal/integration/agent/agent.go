package agent

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/notnull-co/dynaclient/pkg/client"
	"github.com/notnull-co/frota/internal/domain"
	"github.com/rs/zerolog/log"
)

const (
	updateEndpoint = "/v1/system/update"
	healthEndpoint = "/v1/health"
)

// UpdateOffer is the payload sent to an agent's system update endpoint.
// The agent is authoritative over the verdict.
type UpdateOffer struct {
	DeploymentId string `json:"deployment_id"`
	AgentImage   string `json:"agent_image"`
	Digest       string `json:"digest"`
	Message      string `json:"message"`
	Version      string `json:"version,omitempty"`
}

type updateResponse struct {
	Decision string `json:"decision"`
	Reason   string `json:"reason,omitempty"`
}

type healthResponse struct {
	Status         string `json:"status"`
	CognitiveState string `json:"cognitive_state"`
	Version        string `json:"version"`
}

type Client interface {
	// OfferUpdate proposes the new image to one agent. It returns
	// domain.ErrUnreachable once the retry budget is exhausted; it never
	// forces the update.
	OfferUpdate(ctx context.Context, a domain.Agent, offer UpdateOffer) (domain.Verdict, error)

	// Operational reports whether the agent has reached its externally
	// observable working state.
	Operational(ctx context.Context, a domain.Agent) (bool, error)
}

type agentClient struct {
	retries int
	backoff time.Duration
}

func New(retries int, backoff time.Duration) Client {
	return &agentClient{
		retries: retries,
		backoff: backoff,
	}
}

func (c *agentClient) OfferUpdate(ctx context.Context, a domain.Agent, offer UpdateOffer) (domain.Verdict, error) {
	backoff := c.backoff
	for attempt := 0; attempt <= c.retries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return "", fmt.Errorf("offer update to %s: %w", a.Id, domain.ErrUnreachable)
			case <-time.After(backoff):
			}
			backoff *= 2
		}

		verdict, err := c.offer(ctx, a, offer)
		if err != nil {
			log.Warn().Err(err).Str("agent", a.Id).Int("attempt", attempt+1).Msg("update offer failed")
			continue
		}
		return verdict, nil
	}

	return "", fmt.Errorf("offer update to %s: %w", a.Id, domain.ErrUnreachable)
}

func (c *agentClient) offer(ctx context.Context, a domain.Agent, offer UpdateOffer) (domain.Verdict, error) {
	cl := client.New[updateResponse]()

	req, err := client.NewRequest(http.MethodPost, a.Endpoint+updateEndpoint, offer)
	if err != nil {
		return "", err
	}
	req.Request = req.Request.WithContext(ctx)
	req.Header.Set("Content-Type", "application/json")

	response, httpResponse, err := cl.Do(req)
	if err != nil {
		return "", err
	}

	if httpResponse != nil && httpResponse.StatusCode >= http.StatusMultipleChoices {
		return "", fmt.Errorf("agent %s answered %d", a.Id, httpResponse.StatusCode)
	}

	switch verdict := domain.Verdict(strings.ToLower(response.Decision)); verdict {
	case domain.VerdictAccept, domain.VerdictDefer, domain.VerdictReject:
		return verdict, nil
	default:
		return "", fmt.Errorf("agent %s returned unknown decision %q", a.Id, response.Decision)
	}
}

func (c *agentClient) Operational(ctx context.Context, a domain.Agent) (bool, error) {
	cl := client.New[healthResponse]()

	req, err := client.NewRequest(http.MethodGet, a.Endpoint+healthEndpoint, nil)
	if err != nil {
		return false, err
	}
	req.Request = req.Request.WithContext(ctx)

	response, httpResponse, err := cl.Do(req)
	if err != nil {
		return false, nil
	}

	if httpResponse != nil && httpResponse.StatusCode != http.StatusOK {
		return false, nil
	}

	return strings.EqualFold(response.CognitiveState, "work"), nil
}
