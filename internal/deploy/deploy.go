// Package deploy applies synthesized templates with the CloudFormation API.
package deploy

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudformation"
	"github.com/aws/aws-sdk-go-v2/service/cloudformation/types"
	"github.com/aws/smithy-go"
	"github.com/chainguard-dev/clog"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/chainguard-dev/dockerhub-cache-stack/internal/o11y"
)

const (
	// CloudFormation reports both a missing stack and a no-op update as a
	// ValidationError; the message tells them apart.
	errCodeValidation  = "ValidationError"
	msgDoesNotExist    = "does not exist"
	msgNoUpdates       = "No updates are to be performed"
	statusInProgressSf = "_IN_PROGRESS"
)

var (
	// ErrStackNotFound is returned when the named stack does not exist.
	ErrStackNotFound = errors.New("stack does not exist")

	errStackDescribe = errors.New("failed to describe stack")
	errStackCreate   = errors.New("failed to create stack")
	errStackUpdate   = errors.New("failed to update stack")
	errStackDelete   = errors.New("failed to delete stack")
	errStackWait     = errors.New("stack did not reach a complete state")
	errStackBusy     = errors.New("stack has an operation in progress")
)

// CloudFormationAPI is the subset of the CloudFormation client used by the
// Deployer.
type CloudFormationAPI interface {
	CreateStack(ctx context.Context, params *cloudformation.CreateStackInput, optFns ...func(*cloudformation.Options)) (*cloudformation.CreateStackOutput, error)
	UpdateStack(ctx context.Context, params *cloudformation.UpdateStackInput, optFns ...func(*cloudformation.Options)) (*cloudformation.UpdateStackOutput, error)
	DeleteStack(ctx context.Context, params *cloudformation.DeleteStackInput, optFns ...func(*cloudformation.Options)) (*cloudformation.DeleteStackOutput, error)
	DescribeStacks(ctx context.Context, params *cloudformation.DescribeStacksInput, optFns ...func(*cloudformation.Options)) (*cloudformation.DescribeStacksOutput, error)
}

// Deployer creates, updates, and deletes a single CloudFormation stack,
// blocking until each operation completes.
type Deployer struct {
	client  CloudFormationAPI
	maxWait time.Duration

	// minDelay overrides the waiters' polling delay when non-zero.
	minDelay time.Duration
}

// New returns a Deployer which waits up to maxWait for each stack operation.
func New(client CloudFormationAPI, maxWait time.Duration) *Deployer {
	return &Deployer{
		client:  client,
		maxWait: maxWait,
	}
}

// Input describes the stack to deploy.
type Input struct {
	StackName    string
	TemplateBody string
	Tags         map[string]string

	// Region is recorded on the deploy span. Optional.
	Region string
}

// Operations recorded on the deploy span.
const (
	OperationCreate   = "create"
	OperationUpdate   = "update"
	OperationRecreate = "recreate"
)

// Deploy creates the stack if it does not exist and updates it otherwise. A
// stack left in ROLLBACK_COMPLETE by a failed create cannot be updated, so it
// is deleted and created again. An update with no changes succeeds. The
// stack's outputs are returned.
func (d *Deployer) Deploy(ctx context.Context, in Input) (map[string]string, error) {
	ctx, span := o11y.Tracer().Start(ctx, "deploy", trace.WithAttributes(
		attribute.String(o11y.AttrStackName, in.StackName),
		attribute.String(o11y.AttrRegion, in.Region),
	))
	defer span.End()

	log := clog.FromContext(ctx).With(o11y.AttrStackName, in.StackName)

	outputs, err := d.deploy(clog.WithLogger(ctx, log), in)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	return outputs, nil
}

func (d *Deployer) deploy(ctx context.Context, in Input) (map[string]string, error) {
	log := clog.FromContext(ctx)
	span := trace.SpanFromContext(ctx)

	existing, err := d.describe(ctx, in.StackName)
	switch {
	case errors.Is(err, ErrStackNotFound):
		span.SetAttributes(attribute.String(o11y.AttrOperation, OperationCreate))
		if err := d.create(ctx, in); err != nil {
			return nil, err
		}
	case err != nil:
		return nil, err
	case strings.HasSuffix(string(existing.StackStatus), statusInProgressSf):
		return nil, fmt.Errorf("%w: %s", errStackBusy, existing.StackStatus)
	case existing.StackStatus == types.StackStatusRollbackComplete:
		log.Warn("stack is in ROLLBACK_COMPLETE, recreating it")
		span.SetAttributes(attribute.String(o11y.AttrOperation, OperationRecreate))
		if err := d.Destroy(ctx, in.StackName); err != nil {
			return nil, err
		}
		if err := d.create(ctx, in); err != nil {
			return nil, err
		}
	default:
		span.SetAttributes(attribute.String(o11y.AttrOperation, OperationUpdate))
		if err := d.update(ctx, in); err != nil {
			return nil, err
		}
	}

	return d.Outputs(ctx, in.StackName)
}

func (d *Deployer) create(ctx context.Context, in Input) error {
	log := clog.FromContext(ctx)

	log.Info("creating stack")
	_, err := d.client.CreateStack(ctx, &cloudformation.CreateStackInput{
		StackName:          aws.String(in.StackName),
		TemplateBody:       aws.String(in.TemplateBody),
		Capabilities:       capabilities(),
		Tags:               stackTags(in.Tags),
		OnFailure:          types.OnFailureRollback,
		ClientRequestToken: aws.String(uuid.NewString()),
	})
	if err != nil {
		return fmt.Errorf("%w: %w", errStackCreate, err)
	}

	waiter := cloudformation.NewStackCreateCompleteWaiter(d.client, func(o *cloudformation.StackCreateCompleteWaiterOptions) {
		if d.minDelay > 0 {
			o.MinDelay, o.MaxDelay = d.minDelay, d.minDelay
		}
	})
	if err := waiter.Wait(ctx, describeInput(in.StackName), d.maxWait); err != nil {
		return d.waitError(ctx, in.StackName, err)
	}

	log.Info("successfully created stack")
	return nil
}

func (d *Deployer) update(ctx context.Context, in Input) error {
	log := clog.FromContext(ctx)

	log.Info("updating stack")
	_, err := d.client.UpdateStack(ctx, &cloudformation.UpdateStackInput{
		StackName:          aws.String(in.StackName),
		TemplateBody:       aws.String(in.TemplateBody),
		Capabilities:       capabilities(),
		Tags:               stackTags(in.Tags),
		ClientRequestToken: aws.String(uuid.NewString()),
	})
	if isValidationError(err, msgNoUpdates) {
		log.Info("stack is up to date")
		return nil
	} else if err != nil {
		return fmt.Errorf("%w: %w", errStackUpdate, err)
	}

	waiter := cloudformation.NewStackUpdateCompleteWaiter(d.client, func(o *cloudformation.StackUpdateCompleteWaiterOptions) {
		if d.minDelay > 0 {
			o.MinDelay, o.MaxDelay = d.minDelay, d.minDelay
		}
	})
	if err := waiter.Wait(ctx, describeInput(in.StackName), d.maxWait); err != nil {
		return d.waitError(ctx, in.StackName, err)
	}

	log.Info("successfully updated stack")
	return nil
}

// Destroy deletes the stack and waits for the deletion to finish. Deleting a
// stack which does not exist succeeds.
func (d *Deployer) Destroy(ctx context.Context, stackName string) error {
	ctx, span := o11y.Tracer().Start(ctx, "destroy", trace.WithAttributes(
		attribute.String(o11y.AttrStackName, stackName),
	))
	defer span.End()

	log := clog.FromContext(ctx).With(o11y.AttrStackName, stackName)

	if _, err := d.describe(ctx, stackName); errors.Is(err, ErrStackNotFound) {
		log.Info("stack does not exist, nothing to delete")
		return nil
	} else if err != nil {
		return err
	}

	log.Info("deleting stack")
	_, err := d.client.DeleteStack(ctx, &cloudformation.DeleteStackInput{
		StackName:          aws.String(stackName),
		ClientRequestToken: aws.String(uuid.NewString()),
	})
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("%w: %w", errStackDelete, err)
	}

	waiter := cloudformation.NewStackDeleteCompleteWaiter(d.client, func(o *cloudformation.StackDeleteCompleteWaiterOptions) {
		if d.minDelay > 0 {
			o.MinDelay, o.MaxDelay = d.minDelay, d.minDelay
		}
	})
	if err := waiter.Wait(ctx, describeInput(stackName), d.maxWait); err != nil {
		span.RecordError(err)
		return fmt.Errorf("%w: %w", errStackWait, err)
	}

	log.Info("successfully deleted stack")
	return nil
}

// Outputs returns the stack's outputs keyed by output key.
func (d *Deployer) Outputs(ctx context.Context, stackName string) (map[string]string, error) {
	stack, err := d.describe(ctx, stackName)
	if err != nil {
		return nil, err
	}

	outputs := make(map[string]string, len(stack.Outputs))
	for _, o := range stack.Outputs {
		outputs[aws.ToString(o.OutputKey)] = aws.ToString(o.OutputValue)
	}
	return outputs, nil
}

// Status returns the stack's current status.
func (d *Deployer) Status(ctx context.Context, stackName string) (types.StackStatus, error) {
	stack, err := d.describe(ctx, stackName)
	if err != nil {
		return "", err
	}
	return stack.StackStatus, nil
}

func (d *Deployer) describe(ctx context.Context, stackName string) (*types.Stack, error) {
	out, err := d.client.DescribeStacks(ctx, describeInput(stackName))
	if isValidationError(err, msgDoesNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrStackNotFound, stackName)
	} else if err != nil {
		return nil, fmt.Errorf("%w: %w", errStackDescribe, err)
	}

	if len(out.Stacks) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrStackNotFound, stackName)
	}
	return &out.Stacks[0], nil
}

// waitError annotates a waiter failure with the stack's status reason, which
// is usually the only useful clue as to why an operation failed.
func (d *Deployer) waitError(ctx context.Context, stackName string, err error) error {
	stack, derr := d.describe(ctx, stackName)
	if derr != nil || stack.StackStatusReason == nil {
		return fmt.Errorf("%w: %w", errStackWait, err)
	}
	return fmt.Errorf("%w: %s (%s): %w", errStackWait, stack.StackStatus, *stack.StackStatusReason, err)
}

func isValidationError(err error, contains string) bool {
	var apiErr smithy.APIError
	return errors.As(err, &apiErr) &&
		apiErr.ErrorCode() == errCodeValidation &&
		strings.Contains(apiErr.ErrorMessage(), contains)
}

func describeInput(stackName string) *cloudformation.DescribeStacksInput {
	return &cloudformation.DescribeStacksInput{StackName: aws.String(stackName)}
}

func capabilities() []types.Capability {
	return []types.Capability{
		types.CapabilityCapabilityIam,
		types.CapabilityCapabilityNamedIam,
	}
}

// stackTags converts tags into CloudFormation stack tags, ordered by key.
func stackTags(tags map[string]string) []types.Tag {
	out := make([]types.Tag, 0, len(tags))
	for _, k := range slices.Sorted(maps.Keys(tags)) {
		out = append(out, types.Tag{
			Key:   aws.String(k),
			Value: aws.String(tags[k]),
		})
	}
	return out
}
