package cachestack

import (
	"encoding/json"
	"fmt"

	"github.com/aws/aws-cdk-go/awscdk/v2"
	"github.com/aws/aws-cdk-go/awscdk/v2/awsecr"
	"github.com/aws/aws-cdk-go/awscdk/v2/awsiam"
	"github.com/aws/aws-cdk-go/awscdk/v2/awssecretsmanager"
	apprunner "github.com/aws/aws-cdk-go/awscdkapprunneralpha/v2"
	"github.com/aws/constructs-go/constructs/v10"
	"github.com/aws/jsii-runtime-go"

	"github.com/chainguard-dev/dockerhub-cache-stack/internal/env"
)

const (
	// PullThroughCacheSecretPrefix is the prefix ECR requires on Secrets
	// Manager secrets used as pull-through cache credentials.
	// https://docs.aws.amazon.com/AmazonECR/latest/userguide/pull-through-cache-creating-rule.html#cache-rule-prereq
	PullThroughCacheSecretPrefix = "ecr-pullthroughcache/"

	// SecretName is the full name of the Docker Hub credentials secret.
	SecretName = PullThroughCacheSecretPrefix + "dockerhub"

	// Docker Hub upstream, as understood by ECR.
	CacheRepositoryPrefix = "dockerhub"
	UpstreamRegistry      = "docker-hub"
	UpstreamRegistryURL   = "registry-1.docker.io"

	// AppRunnerBuildPrincipal is the service principal App Runner uses to pull
	// images from ECR.
	AppRunnerBuildPrincipal = "build.apprunner.amazonaws.com"

	// RegistryPolicySid identifies the cache statement in the registry policy.
	RegistryPolicySid = "AllowDockerhubCache"

	policyVersion    = "2012-10-17"
	policyEffect     = "Allow"
	actionCreateRepo = "ecr:CreateRepository"
	actionImport     = "ecr:BatchImportUpstreamImage"

	// ServicePort is the port nginx listens on inside the service.
	ServicePort = 80

	upstreamImage = "library/nginx"
)

// Construct IDs. These determine the logical IDs in the synthesized template
// and must stay stable across releases.
const (
	idSecret         = "DhCacheRuleSecret"
	idAccessRole     = "ApprunnerAccessRole"
	idCacheRule      = "DhCacheRule"
	idRegistryPolicy = "DhCacheRegistryPolicy"
	idRepository     = "EcrNginxRepo"
	idService        = "NginxService"
)

// Stack output keys.
const (
	OutputServiceURL     = "ServiceUrl"
	OutputServiceArn     = "ServiceArn"
	OutputRepositoryURI  = "RepositoryUri"
	OutputAccessRoleName = "AccessRoleName"
	OutputSecretArn      = "SecretArn"
)

// CacheStack is the declared stack along with handles to each of its
// resources.
type CacheStack struct {
	Stack awscdk.Stack

	Secret         awssecretsmanager.Secret
	AccessRole     awsiam.Role
	CacheRule      awsecr.CfnPullThroughCacheRule
	RegistryPolicy awsecr.CfnRegistryPolicy
	Repository     awsecr.Repository
	Service        apprunner.Service
}

// credentials is the secret payload shape ECR expects for Docker Hub.
type credentials struct {
	Username    string `json:"username"`
	AccessToken string `json:"accessToken"`
}

// RepositoryName returns the name of the ECR repository backing the cached
// nginx image under the given pull-through cache prefix.
func RepositoryName(prefix string) string {
	return prefix + "/" + upstreamImage
}

// NewCacheStack declares the cache stack under scope. It returns an error,
// without adding anything to scope, if the Docker Hub credentials are missing
// from the environment.
func NewCacheStack(scope constructs.Construct, id string, props *awscdk.StackProps) (*CacheStack, error) {
	dh, err := env.Load()
	if err != nil {
		return nil, err
	}

	payload, err := json.Marshal(credentials{
		Username:    dh.Username,
		AccessToken: dh.AccessToken,
	})
	if err != nil {
		return nil, fmt.Errorf("marshaling docker hub credentials: %w", err)
	}

	if props == nil {
		props = &awscdk.StackProps{}
	}
	stack := awscdk.NewStack(scope, jsii.String(id), props)
	cs := &CacheStack{Stack: stack}

	//==============================================================================
	// SECRETS MANAGER
	//==============================================================================

	cs.Secret = awssecretsmanager.NewSecret(stack, jsii.String(idSecret), &awssecretsmanager.SecretProps{
		SecretName:        jsii.String(SecretName),
		SecretStringValue: awscdk.SecretValue_UnsafePlainText(jsii.String(string(payload))),
		RemovalPolicy:     awscdk.RemovalPolicy_DESTROY,
	})

	//==============================================================================
	// IAM
	//==============================================================================

	// Role for pulling images from ECR
	cs.AccessRole = awsiam.NewRole(stack, jsii.String(idAccessRole), &awsiam.RoleProps{
		AssumedBy: awsiam.NewServicePrincipal(jsii.String(AppRunnerBuildPrincipal), nil),
	})

	//==============================================================================
	// ECR
	//==============================================================================

	cs.CacheRule = awsecr.NewCfnPullThroughCacheRule(stack, jsii.String(idCacheRule), &awsecr.CfnPullThroughCacheRuleProps{
		EcrRepositoryPrefix: jsii.String(CacheRepositoryPrefix),
		UpstreamRegistry:    jsii.String(UpstreamRegistry),
		UpstreamRegistryUrl: jsii.String(UpstreamRegistryURL),
		CredentialArn:       cs.Secret.SecretArn(),
	})

	prefix := *cs.CacheRule.EcrRepositoryPrefix()

	cs.RegistryPolicy = awsecr.NewCfnRegistryPolicy(stack, jsii.String(idRegistryPolicy), &awsecr.CfnRegistryPolicyProps{
		PolicyText: map[string]any{
			"Version": policyVersion,
			"Statement": []any{
				map[string]any{
					"Sid":       RegistryPolicySid,
					"Effect":    policyEffect,
					"Principal": map[string]any{"AWS": cs.AccessRole.RoleArn()},
					"Action":    []any{actionCreateRepo, actionImport},
					"Resource": fmt.Sprintf(
						"arn:aws:ecr:%s:%s:repository/%s/*",
						*stack.Region(), *stack.Account(), prefix,
					),
				},
			},
		},
	})

	cs.Repository = awsecr.NewRepository(stack, jsii.String(idRepository), &awsecr.RepositoryProps{
		RepositoryName: jsii.String(RepositoryName(prefix)),
		RemovalPolicy:  awscdk.RemovalPolicy_DESTROY,
		EmptyOnDelete:  jsii.Bool(true),
	})

	//==============================================================================
	// APP RUNNER
	//==============================================================================

	cs.Service = apprunner.NewService(stack, jsii.String(idService), &apprunner.ServiceProps{
		AccessRole: cs.AccessRole,
		Source: apprunner.Source_FromEcr(&apprunner.EcrProps{
			Repository: cs.Repository,
			ImageConfiguration: &apprunner.ImageConfiguration{
				Port: jsii.Number(ServicePort),
			},
		}),
	})

	// Ensure the registry policy is created before the service tries to pull images.
	// Without this dependency, the App Runner service might fail to start if it attempts
	// to pull images before the ECR registry policy is in place.
	cs.Service.Node().AddDependency(cs.RegistryPolicy)

	cs.addOutputs()
	tagDefaults(stack)

	return cs, nil
}

func (cs *CacheStack) addOutputs() {
	outputs := []struct {
		id    string
		value *string
		desc  string
	}{
		{OutputServiceURL, cs.Service.ServiceUrl(), "App Runner service URL (no scheme)"},
		{OutputServiceArn, cs.Service.ServiceArn(), "App Runner service ARN"},
		{OutputRepositoryURI, cs.Repository.RepositoryUri(), "ECR repository backing the cached image"},
		{OutputAccessRoleName, cs.AccessRole.RoleName(), "IAM role App Runner assumes to pull images"},
		{OutputSecretArn, cs.Secret.SecretArn(), "Docker Hub credentials secret"},
	}
	for _, o := range outputs {
		awscdk.NewCfnOutput(cs.Stack, jsii.String(o.id), &awscdk.CfnOutputProps{
			Value:       o.value,
			Description: jsii.String(o.desc),
		})
	}
}
