package registry

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/notnull-co/dynaclient/pkg/client"
	"github.com/notnull-co/frota/internal/domain"
)

const (
	apiVersion       = "/v2/"
	manifestEndpoint = "/manifests/"

	headerManifestV2 = "application/vnd.docker.distribution.manifest.v2+json"
)

// Resolver turns a mutable image reference into an immutable content digest.
type Resolver interface {
	ResolveDigest(imageRef string) (string, error)
}

type resolver struct {
	transport *roundTripper
}

func NewResolver() Resolver {
	return &resolver{
		transport: newRoundTripper(),
	}
}

var cachedToken = map[string]struct {
	token     string
	expiresAt time.Time
}{}

// ResolveDigest fetches the manifest for a tag and reads the digest from the
// Docker-Content-Digest response header. References already pinned to a
// digest are returned as-is.
func (r *resolver) ResolveDigest(imageRef string) (string, error) {
	if _, digest, pinned := strings.Cut(imageRef, "@"); pinned {
		return digest, nil
	}

	registryURL, repository, tag, err := parseImageRef(imageRef)
	if err != nil {
		return "", err
	}

	if err := r.setCachedToken(registryURL, repository); err != nil {
		return "", err
	}

	c := client.New[any]()
	c.Transport = r.transport

	req, err := client.NewRequest(http.MethodGet, "https://"+registryURL+apiVersion+repository+manifestEndpoint+tag, nil)
	if err != nil {
		return "", err
	}
	r.transport.addHeader("Accept", headerManifestV2)

	_, httpResponse, err := c.Do(req)
	if err != nil {
		return "", err
	}

	if httpResponse != nil && httpResponse.StatusCode > http.StatusOK {
		var httpError httpError
		if err := json.Unmarshal(httpResponse.Body(), &httpError); err != nil {
			return "", err
		}
		return "", &httpError
	}

	digest := httpResponse.Header.Get("Docker-Content-Digest")
	if digest == "" {
		return "", fmt.Errorf("%w: registry returned no digest for %s", domain.ErrValidation, imageRef)
	}
	return digest, nil
}

func (r *resolver) setCachedToken(registryURL, repository string) error {
	token, ok := cachedToken[registryURL+repository]
	if !ok || time.Until(token.expiresAt) < 30*time.Second {
		token, err := r.fetchToken(registryURL, repository)
		if err != nil {
			return err
		}

		cachedToken[registryURL+repository] = struct {
			token     string
			expiresAt time.Time
		}{
			token:     token.Token,
			expiresAt: time.Now().Add(time.Second * time.Duration(token.ExpiresIn)),
		}
	}

	r.transport.addHeader("Authorization", "Bearer "+cachedToken[registryURL+repository].token)

	return nil
}

func (r *resolver) fetchToken(registryURL, repository string) (token, error) {
	c := client.New[any]()

	req, err := client.NewRequest(http.MethodGet, "https://"+registryURL+apiVersion, nil)
	if err != nil {
		return token{}, err
	}

	_, httpResponse, err := c.Do(req)
	if err != nil {
		return token{}, err
	}

	if httpResponse != nil && httpResponse.StatusCode == http.StatusUnauthorized {
		realm, service, err := getAuthenticationParams(httpResponse.Header.Get("WWW-Authenticate"))
		if err != nil {
			return token{}, err
		}

		req, err := client.NewRequest(http.MethodGet, realm+"?service="+service+"&scope=repository:"+repository+":pull", nil)
		if err != nil {
			return token{}, err
		}

		tokenClient := client.New[token]()

		response, httpResponse, err := tokenClient.Do(req)
		if err != nil {
			return token{}, err
		}

		if httpResponse != nil && httpResponse.StatusCode > http.StatusOK {
			var httpError httpError
			if err := json.Unmarshal(httpResponse.Body(), &httpError); err != nil {
				return token{}, err
			}
			return token{}, &httpError
		}

		return *response, nil
	}

	return token{}, nil
}

// parseImageRef splits "registry/repository:tag". A reference without a
// registry host defaults to Docker Hub, without a tag to "latest".
func parseImageRef(imageRef string) (registryURL, repository, tag string, err error) {
	name := imageRef
	tag = "latest"
	if i := strings.LastIndex(imageRef, ":"); i > strings.LastIndex(imageRef, "/") {
		name = imageRef[:i]
		tag = imageRef[i+1:]
	}

	if name == "" || tag == "" {
		return "", "", "", fmt.Errorf("%w: malformed image reference %q", domain.ErrValidation, imageRef)
	}

	first, rest, found := strings.Cut(name, "/")
	if found && (strings.Contains(first, ".") || strings.Contains(first, ":") || first == "localhost") {
		return first, rest, tag, nil
	}
	return "registry-1.docker.io", name, tag, nil
}

func getAuthenticationParams(realmHeader string) (realm string, service string, err error) {
	realm, ok := challengeParam(realmHeader, "realm")
	if !ok {
		return "", "", fmt.Errorf("%w: registry challenge missing realm: %q", domain.ErrUnreachable, realmHeader)
	}
	service, ok = challengeParam(realmHeader, "service")
	if !ok {
		return "", "", fmt.Errorf("%w: registry challenge missing service: %q", domain.ErrUnreachable, realmHeader)
	}
	return realm, service, nil
}

func challengeParam(header, name string) (string, bool) {
	_, rest, found := strings.Cut(header, name+`="`)
	if !found {
		return "", false
	}
	value, _, closed := strings.Cut(rest, `"`)
	return value, closed
}
