// Package inspect reports the live state of the resources declared by the
// cache stack.
package inspect

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/apprunner"
	"github.com/aws/aws-sdk-go-v2/service/ecr"
	"github.com/aws/aws-sdk-go-v2/service/iam"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/aws/smithy-go"
	"github.com/chainguard-dev/clog"
	"golang.org/x/sync/errgroup"
	"sigs.k8s.io/yaml"

	"github.com/chainguard-dev/dockerhub-cache-stack/internal/cachestack"
)

// Resource kinds, in declaration order.
const (
	KindSecret         = "Secret"
	KindAccessRole     = "AccessRole"
	KindCacheRule      = "PullThroughCacheRule"
	KindRegistryPolicy = "RegistryPolicy"
	KindRepository     = "Repository"
	KindService        = "Service"
)

// StackNotFound is the stack status reported for a stack which does not
// exist.
const StackNotFound = "NOT_FOUND"

// Resource states.
const (
	StatusOK      = "ok"
	StatusMissing = "missing"
	StatusError   = "error"
)

// notFoundCodes are the error codes the AWS APIs use for absent resources.
var notFoundCodes = map[string]bool{
	"ResourceNotFoundException":             true, // secretsmanager, apprunner
	"NoSuchEntity":                          true, // iam
	"RepositoryNotFoundException":           true, // ecr
	"PullThroughCacheRuleNotFoundException": true, // ecr
	"RegistryPolicyNotFoundException":       true, // ecr
}

var errMissingOutput = errors.New("stack output not found")

type (
	SecretsAPI interface {
		DescribeSecret(ctx context.Context, params *secretsmanager.DescribeSecretInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.DescribeSecretOutput, error)
	}
	RoleAPI interface {
		GetRole(ctx context.Context, params *iam.GetRoleInput, optFns ...func(*iam.Options)) (*iam.GetRoleOutput, error)
	}
	RegistryAPI interface {
		DescribePullThroughCacheRules(ctx context.Context, params *ecr.DescribePullThroughCacheRulesInput, optFns ...func(*ecr.Options)) (*ecr.DescribePullThroughCacheRulesOutput, error)
		GetRegistryPolicy(ctx context.Context, params *ecr.GetRegistryPolicyInput, optFns ...func(*ecr.Options)) (*ecr.GetRegistryPolicyOutput, error)
		DescribeRepositories(ctx context.Context, params *ecr.DescribeRepositoriesInput, optFns ...func(*ecr.Options)) (*ecr.DescribeRepositoriesOutput, error)
	}
	ServiceAPI interface {
		DescribeService(ctx context.Context, params *apprunner.DescribeServiceInput, optFns ...func(*apprunner.Options)) (*apprunner.DescribeServiceOutput, error)
	}
)

// Inspector queries each resource's owning service.
type Inspector struct {
	Secrets   SecretsAPI
	IAM       RoleAPI
	ECR       RegistryAPI
	AppRunner ServiceAPI
}

// NewFromConfig returns an Inspector backed by real AWS clients.
func NewFromConfig(cfg aws.Config) *Inspector {
	return &Inspector{
		Secrets:   secretsmanager.NewFromConfig(cfg),
		IAM:       iam.NewFromConfig(cfg),
		ECR:       ecr.NewFromConfig(cfg),
		AppRunner: apprunner.NewFromConfig(cfg),
	}
}

// Report is the state of a deployed cache stack.
type Report struct {
	StackName   string            `json:"stackName"`
	StackStatus string            `json:"stackStatus"`
	Outputs     map[string]string `json:"outputs,omitempty"`
	Resources   []Resource        `json:"resources"`
}

// YAML renders the report.
func (r *Report) YAML() ([]byte, error) {
	return yaml.Marshal(r)
}

// Resource is the state of a single resource.
type Resource struct {
	Kind   string            `json:"kind"`
	ID     string            `json:"id,omitempty"`
	Status string            `json:"status"`
	Detail map[string]string `json:"detail,omitempty"`
	Error  string            `json:"error,omitempty"`
}

// Inspect describes every resource of the stack concurrently, using the
// stack outputs to find them. Failures are recorded per resource and never
// abort the report. Resources located through an output are missing, rather
// than in error, when the stack status is StackNotFound. The caller fills in
// the stack name.
func (in *Inspector) Inspect(ctx context.Context, stackStatus string, outputs map[string]string) *Report {
	checks := []struct {
		kind string
		fn   func(context.Context, map[string]string) (Resource, error)
	}{
		{KindSecret, in.secret},
		{KindAccessRole, in.role},
		{KindCacheRule, in.cacheRule},
		{KindRegistryPolicy, in.registryPolicy},
		{KindRepository, in.repository},
		{KindService, in.service},
	}

	resources := make([]Resource, len(checks))
	var g errgroup.Group
	for i, check := range checks {
		g.Go(func() error {
			r, err := check.fn(ctx, outputs)
			r.Kind = check.kind
			switch {
			case isNotFound(err):
				r.Status = StatusMissing
			case errors.Is(err, errMissingOutput) && stackStatus == StackNotFound:
				r.Status = StatusMissing
			case err != nil:
				r.Status = StatusError
				r.Error = err.Error()
				clog.FromContext(ctx).Warn("failed to inspect resource", "kind", check.kind, "error", err)
			case r.Status == "":
				r.Status = StatusOK
			}
			resources[i] = r
			return nil
		})
	}
	_ = g.Wait()

	return &Report{StackStatus: stackStatus, Outputs: outputs, Resources: resources}
}

func (in *Inspector) secret(ctx context.Context, outputs map[string]string) (Resource, error) {
	id := outputs[cachestack.OutputSecretArn]
	if id == "" {
		id = cachestack.SecretName
	}
	out, err := in.Secrets.DescribeSecret(ctx, &secretsmanager.DescribeSecretInput{SecretId: aws.String(id)})
	if err != nil {
		return Resource{ID: id}, err
	}

	r := Resource{
		ID:     aws.ToString(out.ARN),
		Detail: map[string]string{"name": aws.ToString(out.Name)},
	}
	if out.DeletedDate != nil {
		r.Status = StatusMissing
		r.Detail["deletedDate"] = out.DeletedDate.String()
	}
	return r, nil
}

func (in *Inspector) role(ctx context.Context, outputs map[string]string) (Resource, error) {
	name, err := output(outputs, cachestack.OutputAccessRoleName)
	if err != nil {
		return Resource{}, err
	}
	out, err := in.IAM.GetRole(ctx, &iam.GetRoleInput{RoleName: aws.String(name)})
	if err != nil {
		return Resource{ID: name}, err
	}
	return Resource{
		ID:     aws.ToString(out.Role.Arn),
		Detail: map[string]string{"name": name},
	}, nil
}

func (in *Inspector) cacheRule(ctx context.Context, _ map[string]string) (Resource, error) {
	out, err := in.ECR.DescribePullThroughCacheRules(ctx, &ecr.DescribePullThroughCacheRulesInput{
		EcrRepositoryPrefixes: []string{cachestack.CacheRepositoryPrefix},
	})
	if err != nil {
		return Resource{ID: cachestack.CacheRepositoryPrefix}, err
	}
	if len(out.PullThroughCacheRules) == 0 {
		return Resource{ID: cachestack.CacheRepositoryPrefix, Status: StatusMissing}, nil
	}

	rule := out.PullThroughCacheRules[0]
	return Resource{
		ID: aws.ToString(rule.EcrRepositoryPrefix),
		Detail: map[string]string{
			"upstreamRegistryUrl": aws.ToString(rule.UpstreamRegistryUrl),
			"credentialArn":       aws.ToString(rule.CredentialArn),
		},
	}, nil
}

// policyDocument is the subset of an IAM-style policy needed to find the
// cache statement.
type policyDocument struct {
	Statement []struct {
		Sid string `json:"Sid"`
	} `json:"Statement"`
}

func (in *Inspector) registryPolicy(ctx context.Context, _ map[string]string) (Resource, error) {
	out, err := in.ECR.GetRegistryPolicy(ctx, &ecr.GetRegistryPolicyInput{})
	if err != nil {
		return Resource{}, err
	}

	r := Resource{
		ID:     aws.ToString(out.RegistryId),
		Detail: map[string]string{},
	}

	var doc policyDocument
	if err := json.Unmarshal([]byte(aws.ToString(out.PolicyText)), &doc); err != nil {
		return r, fmt.Errorf("decoding registry policy: %w", err)
	}
	r.Detail["statements"] = fmt.Sprint(len(doc.Statement))

	r.Status = StatusMissing
	for _, s := range doc.Statement {
		if s.Sid == cachestack.RegistryPolicySid {
			r.Status = StatusOK
			r.Detail["sid"] = s.Sid
		}
	}
	return r, nil
}

func (in *Inspector) repository(ctx context.Context, _ map[string]string) (Resource, error) {
	name := cachestack.RepositoryName(cachestack.CacheRepositoryPrefix)
	out, err := in.ECR.DescribeRepositories(ctx, &ecr.DescribeRepositoriesInput{
		RepositoryNames: []string{name},
	})
	if err != nil {
		return Resource{ID: name}, err
	}
	if len(out.Repositories) == 0 {
		return Resource{ID: name, Status: StatusMissing}, nil
	}
	return Resource{
		ID:     aws.ToString(out.Repositories[0].RepositoryArn),
		Detail: map[string]string{"uri": aws.ToString(out.Repositories[0].RepositoryUri)},
	}, nil
}

func (in *Inspector) service(ctx context.Context, outputs map[string]string) (Resource, error) {
	arn, err := output(outputs, cachestack.OutputServiceArn)
	if err != nil {
		return Resource{}, err
	}
	out, err := in.AppRunner.DescribeService(ctx, &apprunner.DescribeServiceInput{ServiceArn: aws.String(arn)})
	if err != nil {
		return Resource{ID: arn}, err
	}
	return Resource{
		ID: arn,
		Detail: map[string]string{
			"serviceStatus": string(out.Service.Status),
			"url":           aws.ToString(out.Service.ServiceUrl),
		},
	}, nil
}

func output(outputs map[string]string, key string) (string, error) {
	v, ok := outputs[key]
	if !ok || v == "" {
		return "", fmt.Errorf("%w: %s", errMissingOutput, key)
	}
	return v, nil
}

func isNotFound(err error) bool {
	var apiErr smithy.APIError
	return errors.As(err, &apiErr) && notFoundCodes[apiErr.ErrorCode()]
}
