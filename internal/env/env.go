// Package env validates the environment variables the cache stack requires
// before any infrastructure is declared.
package env

import (
	"errors"
	"fmt"
	"strings"

	"github.com/kelseyhightower/envconfig"
)

const (
	KeyDockerHubUsername    = "DOCKERHUB_USERNAME"
	KeyDockerHubAccessToken = "DOCKERHUB_ACCESS_TOKEN"
)

// ErrMissing is returned when a required environment variable is unset or
// empty.
var ErrMissing = errors.New("missing required environment variable")

// DockerHub holds the credentials used by the ECR pull-through cache rule to
// authenticate against Docker Hub.
type DockerHub struct {
	Username    string `envconfig:"DOCKERHUB_USERNAME" required:"true"`
	AccessToken string `envconfig:"DOCKERHUB_ACCESS_TOKEN" required:"true"`
}

// Load reads the Docker Hub credentials from the process environment.
func Load() (DockerHub, error) {
	var dh DockerHub
	if err := envconfig.Process("", &dh); err != nil {
		return DockerHub{}, fmt.Errorf("%w: %w", ErrMissing, err)
	}

	// envconfig treats a set-but-empty variable as present.
	var empty []string
	if strings.TrimSpace(dh.Username) == "" {
		empty = append(empty, KeyDockerHubUsername)
	}
	if strings.TrimSpace(dh.AccessToken) == "" {
		empty = append(empty, KeyDockerHubAccessToken)
	}
	if len(empty) > 0 {
		return DockerHub{}, fmt.Errorf("%w: %s", ErrMissing, strings.Join(empty, ", "))
	}

	return dh, nil
}
