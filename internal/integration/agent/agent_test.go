package agent

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/notnull-co/frota/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testAgent(endpoint string) domain.Agent {
	return domain.Agent{Id: "a1", ServerId: "srv-1", ContainerId: "c1", Endpoint: endpoint}
}

func TestOfferUpdateVerdicts(t *testing.T) {
	for _, decision := range []string{"accept", "defer", "reject"} {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			require.Equal(t, http.MethodPost, r.Method)
			require.Equal(t, "/v1/system/update", r.URL.Path)

			var offer UpdateOffer
			require.NoError(t, json.NewDecoder(r.Body).Decode(&offer))
			assert.Equal(t, "d1", offer.DeploymentId)
			assert.Equal(t, "fleet/agent:1.4.2", offer.AgentImage)
			assert.Equal(t, "sha256:abc", offer.Digest)

			json.NewEncoder(w).Encode(updateResponse{Decision: decision})
		}))

		c := New(0, time.Millisecond)
		verdict, err := c.OfferUpdate(context.Background(), testAgent(server.URL), UpdateOffer{
			DeploymentId: "d1",
			AgentImage:   "fleet/agent:1.4.2",
			Digest:       "sha256:abc",
		})
		server.Close()

		require.NoError(t, err)
		assert.Equal(t, domain.Verdict(decision), verdict)
	}
}

func TestOfferUpdateRetriesThenUnreachable(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	c := New(2, time.Millisecond)
	_, err := c.OfferUpdate(context.Background(), testAgent(server.URL), UpdateOffer{DeploymentId: "d1"})

	require.ErrorIs(t, err, domain.ErrUnreachable)
	assert.Equal(t, int32(3), calls.Load(), "initial attempt plus two retries")
}

func TestOfferUpdateRecoversOnRetry(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		json.NewEncoder(w).Encode(updateResponse{Decision: "accept"})
	}))
	defer server.Close()

	c := New(2, time.Millisecond)
	verdict, err := c.OfferUpdate(context.Background(), testAgent(server.URL), UpdateOffer{DeploymentId: "d1"})

	require.NoError(t, err)
	assert.Equal(t, domain.VerdictAccept, verdict)
}

func TestOfferUpdateUnknownDecision(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(updateResponse{Decision: "maybe"})
	}))
	defer server.Close()

	c := New(0, time.Millisecond)
	_, err := c.OfferUpdate(context.Background(), testAgent(server.URL), UpdateOffer{DeploymentId: "d1"})
	require.ErrorIs(t, err, domain.ErrUnreachable)
}

func TestOperational(t *testing.T) {
	state := "shutdown"
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/health", r.URL.Path)
		json.NewEncoder(w).Encode(healthResponse{Status: "healthy", CognitiveState: state})
	}))
	defer server.Close()

	c := New(0, time.Millisecond)

	operational, err := c.Operational(context.Background(), testAgent(server.URL))
	require.NoError(t, err)
	assert.False(t, operational, "an agent outside its working state is not operational")

	state = "WORK"
	operational, err = c.Operational(context.Background(), testAgent(server.URL))
	require.NoError(t, err)
	assert.True(t, operational)
}

func TestOperationalUnreachableAgent(t *testing.T) {
	c := New(0, time.Millisecond)
	operational, err := c.Operational(context.Background(), testAgent("http://127.0.0.1:1"))
	require.NoError(t, err)
	assert.False(t, operational)
}
