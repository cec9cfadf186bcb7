// Package app synthesizes the cache stack into a CloudFormation template.
package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/aws/aws-cdk-go/awscdk/v2"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/aws/jsii-runtime-go"
	"github.com/chainguard-dev/clog"

	"github.com/chainguard-dev/dockerhub-cache-stack/internal/cachestack"
	"github.com/chainguard-dev/dockerhub-cache-stack/internal/config"
)

var (
	errSynth          = errors.New("failed to synthesize stack")
	errTemplateRead   = errors.New("failed to read synthesized template")
	errCallerIdentity = errors.New("failed to resolve caller identity")
)

// Assembly is the synthesized output for the cache stack.
type Assembly struct {
	// StackName is the CloudFormation stack name.
	StackName string

	// TemplatePath is the location of the template in the output directory.
	TemplatePath string

	// Body is the raw template JSON, suitable for the CloudFormation API.
	Body []byte

	// Template is Body decoded.
	Template map[string]any
}

// Synth declares the cache stack in a fresh CDK app and synthesizes it into
// cfg.Outdir. The Docker Hub credentials are read from the environment.
func Synth(ctx context.Context, cfg *config.Config) (asm *Assembly, err error) {
	log := clog.FromContext(ctx).With("stack_name", cfg.StackName)

	// jsii surfaces construct validation errors as panics.
	defer func() {
		if r := recover(); r != nil {
			asm, err = nil, fmt.Errorf("%w: %v", errSynth, r)
		}
	}()

	cdkApp := awscdk.NewApp(&awscdk.AppProps{
		Outdir: jsii.String(cfg.Outdir),
	})

	cs, err := cachestack.NewCacheStack(cdkApp, cfg.StackID, StackProps(cfg))
	if err != nil {
		return nil, err
	}

	log.Info("synthesizing stack", "outdir", cfg.Outdir)
	assembly := cdkApp.Synth(nil)
	artifact := assembly.GetStackArtifact(cs.Stack.ArtifactId())

	path := *artifact.TemplateFullPath()
	body, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", errTemplateRead, err)
	}

	var tmpl map[string]any
	if err := json.Unmarshal(body, &tmpl); err != nil {
		return nil, fmt.Errorf("%w: %w", errTemplateRead, err)
	}

	log.Info("synthesized stack", "template", path)
	return &Assembly{
		StackName:    *artifact.StackName(),
		TemplatePath: path,
		Body:         body,
		Template:     tmpl,
	}, nil
}

// StackProps returns the stack-level properties derived from cfg.
//
// The bootstrap version rule is disabled: templates are deployed with the
// CloudFormation API directly and carry no file or image assets.
func StackProps(cfg *config.Config) *awscdk.StackProps {
	props := &awscdk.StackProps{
		StackName:   jsii.String(cfg.StackName),
		Description: jsii.String("ECR pull-through cache for Docker Hub serving an App Runner service"),
		Synthesizer: awscdk.NewDefaultStackSynthesizer(&awscdk.DefaultStackSynthesizerProps{
			GenerateBootstrapVersionRule: jsii.Bool(false),
		}),
	}
	if cfg.Account != "" || cfg.Region != "" {
		props.Env = &awscdk.Environment{}
		if cfg.Account != "" {
			props.Env.Account = jsii.String(cfg.Account)
		}
		if cfg.Region != "" {
			props.Env.Region = jsii.String(cfg.Region)
		}
	}
	return props
}

// CallerIdentityAPI is the subset of the STS client used to resolve the
// target account.
type CallerIdentityAPI interface {
	GetCallerIdentity(ctx context.Context, params *sts.GetCallerIdentityInput, optFns ...func(*sts.Options)) (*sts.GetCallerIdentityOutput, error)
}

// ResolveEnv fills in cfg.Account and cfg.Region when unset, using the
// caller's identity and the AWS configuration's region.
func ResolveEnv(ctx context.Context, cfg *config.Config, awsCfg aws.Config, client CallerIdentityAPI) error {
	log := clog.FromContext(ctx)

	if cfg.Region == "" {
		cfg.Region = awsCfg.Region
	}
	if cfg.Account != "" {
		return nil
	}

	out, err := client.GetCallerIdentity(ctx, &sts.GetCallerIdentityInput{})
	if err != nil {
		return fmt.Errorf("%w: %w", errCallerIdentity, err)
	}
	cfg.Account = aws.ToString(out.Account)
	log.Info("resolved target environment", "account", cfg.Account, "region", cfg.Region)

	return nil
}
