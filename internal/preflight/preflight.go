// Package preflight verifies the Docker Hub credentials before they are
// stored for the pull-through cache, which otherwise only rejects them when
// the first image is pulled.
package preflight

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/chainguard-dev/clog"
	"github.com/google/go-containerregistry/pkg/authn"
	"github.com/google/go-containerregistry/pkg/name"
	"github.com/google/go-containerregistry/pkg/v1/remote"
	"github.com/google/go-containerregistry/pkg/v1/remote/transport"

	"github.com/chainguard-dev/dockerhub-cache-stack/internal/env"
)

const (
	// DefaultReference is the upstream image served by the stack.
	DefaultReference = "index.docker.io/library/nginx:latest"
)

var (
	// ErrInvalidCredentials is returned when the registry rejects the
	// credentials.
	ErrInvalidCredentials = errors.New("registry rejected credentials")

	errReference = errors.New("invalid image reference")
	errRegistry  = errors.New("failed to query registry")
)

// Checker authenticates against an upstream registry with a set of
// credentials.
type Checker struct {
	// Reference is the image to resolve. Default: DefaultReference.
	Reference string

	// Insecure allows plain HTTP registries.
	Insecure bool
}

// Check resolves the image's manifest using dh as basic auth credentials.
func (c *Checker) Check(ctx context.Context, dh env.DockerHub) error {
	log := clog.FromContext(ctx)

	refStr := c.Reference
	if refStr == "" {
		refStr = DefaultReference
	}

	var nopts []name.Option
	if c.Insecure {
		nopts = append(nopts, name.Insecure)
	}
	ref, err := name.ParseReference(refStr, nopts...)
	if err != nil {
		return fmt.Errorf("%w: %w", errReference, err)
	}

	ropts := []remote.Option{
		remote.WithContext(ctx),
		remote.WithAuth(&authn.Basic{
			Username: dh.Username,
			Password: dh.AccessToken,
		}),
	}

	log.Info("verifying registry credentials", "registry", ref.Context().RegistryStr(), "username", dh.Username)
	desc, err := remote.Head(ref, ropts...)
	if err != nil {
		var terr *transport.Error
		if errors.As(err, &terr) && (terr.StatusCode == http.StatusUnauthorized || terr.StatusCode == http.StatusForbidden) {
			return fmt.Errorf("%w: %s: %w", ErrInvalidCredentials, ref.Context().RegistryStr(), err)
		}
		return fmt.Errorf("%w: %w", errRegistry, err)
	}

	log.Info("registry credentials verified", "ref", ref.String(), "digest", desc.Digest.String())
	return nil
}
