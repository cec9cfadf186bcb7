package app

import (
	"context"
	"fmt"
	"os"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chainguard-dev/dockerhub-cache-stack/internal/config"
	"github.com/chainguard-dev/dockerhub-cache-stack/internal/env"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	t.Setenv(env.KeyDockerHubUsername, "octocat")
	t.Setenv(env.KeyDockerHubAccessToken, "dckr_pat_0123456789")
	t.Setenv(config.EnvDefaultAccount, "")
	t.Setenv(config.EnvDefaultRegion, "")

	cfg := &config.Config{
		StackName: "dockerhub-cache-test",
		Outdir:    t.TempDir(),
		Account:   "123456789012",
		Region:    "us-west-2",
	}
	require.NoError(t, cfg.Load())
	return cfg
}

func TestSynth(t *testing.T) {
	cfg := testConfig(t)

	asm, err := Synth(t.Context(), cfg)
	require.NoError(t, err)

	assert.Equal(t, "dockerhub-cache-test", asm.StackName)
	assert.FileExists(t, asm.TemplatePath)
	assert.NotEmpty(t, asm.Body)

	resources, ok := asm.Template["Resources"].(map[string]any)
	require.True(t, ok, "template should have resources")

	types := make(map[string]int)
	for _, r := range resources {
		types[r.(map[string]any)["Type"].(string)]++
	}
	for _, want := range []string{
		"AWS::SecretsManager::Secret",
		"AWS::IAM::Role",
		"AWS::ECR::PullThroughCacheRule",
		"AWS::ECR::RegistryPolicy",
		"AWS::ECR::Repository",
		"AWS::AppRunner::Service",
	} {
		assert.Equal(t, 1, types[want], "expected exactly one %s", want)
	}

	// Deployable without a bootstrapped environment.
	assert.NotContains(t, asm.Template, "Rules")
	params, _ := asm.Template["Parameters"].(map[string]any)
	assert.NotContains(t, params, "BootstrapVersion")

	outputs, ok := asm.Template["Outputs"].(map[string]any)
	require.True(t, ok, "template should have outputs")
	assert.Contains(t, outputs, "ServiceUrl")
}

func TestSynthMissingCredentials(t *testing.T) {
	cfg := testConfig(t)
	t.Setenv(env.KeyDockerHubAccessToken, "")
	require.NoError(t, os.Unsetenv(env.KeyDockerHubAccessToken))

	asm, err := Synth(t.Context(), cfg)
	require.Error(t, err)
	assert.ErrorIs(t, err, env.ErrMissing)
	assert.Nil(t, asm)
}

func TestStackProps(t *testing.T) {
	t.Run("env-agnostic", func(t *testing.T) {
		props := StackProps(&config.Config{StackName: "a"})
		assert.Nil(t, props.Env)
		assert.Equal(t, "a", *props.StackName)
	})
	t.Run("region-only", func(t *testing.T) {
		props := StackProps(&config.Config{StackName: "a", Region: "us-east-1"})
		require.NotNil(t, props.Env)
		assert.Nil(t, props.Env.Account)
		assert.Equal(t, "us-east-1", *props.Env.Region)
	})
}

type mockSTSClient struct {
	getCallerIdentityFunc func(ctx context.Context, params *sts.GetCallerIdentityInput, optFns ...func(*sts.Options)) (*sts.GetCallerIdentityOutput, error)
	calls                 int
}

func (m *mockSTSClient) GetCallerIdentity(ctx context.Context, params *sts.GetCallerIdentityInput, optFns ...func(*sts.Options)) (*sts.GetCallerIdentityOutput, error) {
	m.calls++
	if m.getCallerIdentityFunc != nil {
		return m.getCallerIdentityFunc(ctx, params, optFns...)
	}
	return &sts.GetCallerIdentityOutput{Account: aws.String("210987654321")}, nil
}

func TestResolveEnv(t *testing.T) {
	tests := []struct {
		name        string
		config      config.Config
		awsRegion   string
		mockSetup   func(*mockSTSClient)
		wantAccount string
		wantRegion  string
		wantCalls   int
		wantErr     error
	}{
		{
			name:        "resolves account and region",
			awsRegion:   "eu-west-1",
			wantAccount: "210987654321",
			wantRegion:  "eu-west-1",
			wantCalls:   1,
		},
		{
			name:        "keeps explicit values",
			config:      config.Config{Account: "123456789012", Region: "us-west-2"},
			awsRegion:   "eu-west-1",
			wantAccount: "123456789012",
			wantRegion:  "us-west-2",
		},
		{
			name:      "caller identity failure",
			awsRegion: "eu-west-1",
			mockSetup: func(m *mockSTSClient) {
				m.getCallerIdentityFunc = func(ctx context.Context, params *sts.GetCallerIdentityInput, optFns ...func(*sts.Options)) (*sts.GetCallerIdentityOutput, error) {
					return nil, fmt.Errorf("ExpiredToken")
				}
			},
			wantCalls: 1,
			wantErr:   errCallerIdentity,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := &mockSTSClient{}
			if tt.mockSetup != nil {
				tt.mockSetup(client)
			}

			cfg := tt.config
			err := ResolveEnv(t.Context(), &cfg, aws.Config{Region: tt.awsRegion}, client)
			assert.Equal(t, tt.wantCalls, client.calls)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantAccount, cfg.Account)
			assert.Equal(t, tt.wantRegion, cfg.Region)
		})
	}
}
