// Package smoke deploys the cache stack, waits for the nginx service to serve
// traffic through the pull-through cache, and tears the stack down again.
package smoke

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/aws/aws-sdk-go-v2/service/cloudformation/types"
	"github.com/chainguard-dev/clog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/chainguard-dev/dockerhub-cache-stack/internal/cachestack"
	"github.com/chainguard-dev/dockerhub-cache-stack/internal/config"
	"github.com/chainguard-dev/dockerhub-cache-stack/internal/deploy"
	"github.com/chainguard-dev/dockerhub-cache-stack/internal/env"
	"github.com/chainguard-dev/dockerhub-cache-stack/internal/o11y"
	"github.com/chainguard-dev/dockerhub-cache-stack/internal/probe"
)

// Phases of the smoke test lifecycle.
const (
	PhaseSetup    = "setup"
	PhaseRun      = "run"
	PhaseTeardown = "teardown"
)

var (
	errSetup         = errors.New("smoke setup failed")
	errRun           = errors.New("smoke run failed")
	errTeardown      = errors.New("smoke teardown failed")
	errNotSetUp      = errors.New("setup has not completed")
	errStackExists   = errors.New("stack already exists")
	errNoServiceURL  = errors.New("stack has no service url output")
	errNilDependency = errors.New("missing dependency")
)

type (
	// CredentialChecker validates Docker Hub credentials before deployment.
	CredentialChecker interface {
		Check(ctx context.Context, dh env.DockerHub) error
	}

	// StackDeployer applies and removes the stack.
	StackDeployer interface {
		Status(ctx context.Context, stackName string) (types.StackStatus, error)
		Deploy(ctx context.Context, in deploy.Input) (map[string]string, error)
		Destroy(ctx context.Context, stackName string) error
	}
)

// Tester runs one smoke test against a synthesized template.
type Tester struct {
	Config      *config.Config
	Credentials env.DockerHub

	// Template is the synthesized CloudFormation template body.
	Template string
	Tags     map[string]string

	Preflight CredentialChecker
	Deployer  StackDeployer

	// HTTPClient is used by the readiness probe. Default: a client whose
	// timeout is the probe interval.
	HTTPClient *http.Client

	// outputs holds the deployed stack's outputs, set by Setup.
	outputs map[string]string

	// stack is a LIFO queue of 'Destructor's which, when called, tear down
	// what Setup created.
	stack deploy.Stack
}

// Outputs returns the stack outputs recorded by Setup.
func (t *Tester) Outputs() map[string]string {
	return t.outputs
}

// Setup verifies the credentials and deploys the stack. A stack which already
// exists is never touched, since Teardown would delete it. The stack's
// destructor is registered before the deployment starts so a failed create is
// cleaned up as well.
func (t *Tester) Setup(ctx context.Context) error {
	if t.Config == nil || t.Deployer == nil {
		return fmt.Errorf("%w: %w: config and deployer are required", errSetup, errNilDependency)
	}

	return t.phase(ctx, PhaseSetup, func(ctx context.Context) error {
		log := clog.FromContext(ctx)
		stackName := t.Config.StackName

		status, err := t.Deployer.Status(ctx, stackName)
		switch {
		case errors.Is(err, deploy.ErrStackNotFound):
			// Only a stack created here is torn down.
		case err != nil:
			return fmt.Errorf("%w: %w", errSetup, err)
		default:
			return fmt.Errorf("%w: %w: %s is %s, choose another stack name", errSetup, errStackExists, stackName, status)
		}

		if t.Config.SkipPreflight || t.Preflight == nil {
			log.Warn("skipping credential preflight")
		} else if err := t.Preflight.Check(ctx, t.Credentials); err != nil {
			return fmt.Errorf("%w: %w", errSetup, err)
		}

		t.stack.Push(func(ctx context.Context) error {
			return t.Deployer.Destroy(ctx, stackName)
		})

		outputs, err := t.Deployer.Deploy(ctx, deploy.Input{
			StackName:    stackName,
			TemplateBody: t.Template,
			Tags:         t.Tags,
			Region:       t.Config.Region,
		})
		if err != nil {
			return fmt.Errorf("%w: %w", errSetup, err)
		}
		t.outputs = outputs

		log.Info("stack deployed", "outputs", len(outputs))
		return nil
	})
}

// Run waits for the service to answer on its public URL. A successful
// response means App Runner pulled nginx through the cache rule.
func (t *Tester) Run(ctx context.Context) error {
	if t.outputs == nil {
		return fmt.Errorf("%w: %w", errRun, errNotSetUp)
	}

	return t.phase(ctx, PhaseRun, func(ctx context.Context) error {
		serviceURL := t.outputs[cachestack.OutputServiceURL]
		if serviceURL == "" {
			return fmt.Errorf("%w: %w", errRun, errNoServiceURL)
		}

		client := t.HTTPClient
		if client == nil {
			client = &http.Client{Timeout: t.Config.ProbeInterval}
		}

		if err := probe.HTTP(ctx, client, probe.URL(serviceURL), t.Config.ProbeInterval, t.Config.ProbeTimeout); err != nil {
			return fmt.Errorf("%w: %w", errRun, err)
		}
		return nil
	})
}

// Teardown destroys everything Setup created, unless teardown is disabled.
func (t *Tester) Teardown(ctx context.Context) error {
	return t.phase(ctx, PhaseTeardown, func(ctx context.Context) error {
		log := clog.FromContext(ctx)

		if t.Config != nil && t.Config.SkipTeardown {
			log.Warn("skipping teardown, the stack must be destroyed manually", "pending", t.stack.Len())
			return nil
		}

		log.Info("beginning resource teardown")
		if err := t.stack.Destroy(ctx); err != nil {
			log.Error("encountered error(s) in stack teardown")
			return fmt.Errorf("%w: %w", errTeardown, err)
		}
		log.Info("stack teardown complete")
		return nil
	})
}

// Smoke runs the full lifecycle. Teardown always runs once Setup has been
// attempted, and its error is joined with any earlier failure.
func Smoke(ctx context.Context, t *Tester) (err error) {
	ctx, span := o11y.Tracer().Start(ctx, "smoke")
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	defer func() {
		// Teardown must outlive a cancelled run.
		tctx := context.WithoutCancel(ctx)
		err = errors.Join(err, t.Teardown(tctx))
	}()

	if err := t.Setup(ctx); err != nil {
		return err
	}
	return t.Run(ctx)
}

func (t *Tester) phase(ctx context.Context, name string, fn func(context.Context) error) error {
	stackName := ""
	if t.Config != nil {
		stackName = t.Config.StackName
	}

	ctx, span := o11y.Tracer().Start(ctx, name, trace.WithAttributes(
		attribute.String(o11y.AttrPhase, name),
		attribute.String(o11y.AttrStackName, stackName),
	))
	defer span.End()

	log := clog.FromContext(ctx).With(o11y.AttrPhase, name)
	if err := fn(clog.WithLogger(ctx, log)); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	return nil
}
