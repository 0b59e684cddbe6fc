package registry

import (
	"testing"

	"github.com/notnull-co/frota/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseImageRef(t *testing.T) {
	cases := []struct {
		ref        string
		registry   string
		repository string
		tag        string
	}{
		{"fleet/agent:1.4.2", "registry-1.docker.io", "fleet/agent", "1.4.2"},
		{"fleet/agent", "registry-1.docker.io", "fleet/agent", "latest"},
		{"registry.example.com/fleet/agent:1.4.2", "registry.example.com", "fleet/agent", "1.4.2"},
		{"registry.example.com:5000/fleet/agent:1.4.2", "registry.example.com:5000", "fleet/agent", "1.4.2"},
		{"localhost/fleet/agent", "localhost", "fleet/agent", "latest"},
		{"nginx", "registry-1.docker.io", "nginx", "latest"},
	}

	for _, c := range cases {
		registryURL, repository, tag, err := parseImageRef(c.ref)
		require.NoError(t, err, "ref %q", c.ref)
		assert.Equal(t, c.registry, registryURL, "ref %q", c.ref)
		assert.Equal(t, c.repository, repository, "ref %q", c.ref)
		assert.Equal(t, c.tag, tag, "ref %q", c.ref)
	}
}

func TestParseImageRefRejectsEmptyTag(t *testing.T) {
	_, _, _, err := parseImageRef("fleet/agent:")
	require.ErrorIs(t, err, domain.ErrValidation)
}

func TestResolveDigestReturnsPinnedReference(t *testing.T) {
	r := NewResolver()

	digest, err := r.ResolveDigest("fleet/agent@sha256:abc123")
	require.NoError(t, err)
	assert.Equal(t, "sha256:abc123", digest)
}

func TestGetAuthenticationParams(t *testing.T) {
	header := `Bearer realm="https://auth.docker.io/token",service="registry.docker.io"`
	realm, service, err := getAuthenticationParams(header)
	require.NoError(t, err)
	assert.Equal(t, "https://auth.docker.io/token", realm)
	assert.Equal(t, "registry.docker.io", service)
}

func TestGetAuthenticationParamsMalformedChallenge(t *testing.T) {
	for _, header := range []string{
		"",
		"Bearer",
		`Basic realm="registry"`,
		`Bearer realm="https://auth.docker.io/token`,
		`Bearer service="registry.docker.io"`,
	} {
		_, _, err := getAuthenticationParams(header)
		require.ErrorIs(t, err, domain.ErrUnreachable, "header %q", header)
	}
}
