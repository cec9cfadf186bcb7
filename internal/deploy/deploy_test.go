package deploy

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudformation"
	"github.com/aws/aws-sdk-go-v2/service/cloudformation/types"
	"github.com/aws/smithy-go"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// API operation names to verify the correct stack lifecycle.
const (
	opCreateStack    = "CreateStack"
	opUpdateStack    = "UpdateStack"
	opDeleteStack    = "DeleteStack"
	opDescribeStacks = "DescribeStacks"
)

const testStackName = "CacheStack"

// mockCloudFormationClient is an in-memory CloudFormation which completes
// every operation immediately.
type mockCloudFormationClient struct {
	stacks  map[string]*types.Stack
	outputs []types.Output

	// createStatus is the status a created stack settles in.
	createStatus types.StackStatus

	createStackFunc func(ctx context.Context, params *cloudformation.CreateStackInput, optFns ...func(*cloudformation.Options)) (*cloudformation.CreateStackOutput, error)
	updateStackFunc func(ctx context.Context, params *cloudformation.UpdateStackInput, optFns ...func(*cloudformation.Options)) (*cloudformation.UpdateStackOutput, error)
	deleteStackFunc func(ctx context.Context, params *cloudformation.DeleteStackInput, optFns ...func(*cloudformation.Options)) (*cloudformation.DeleteStackOutput, error)

	// Track operations and inputs for testing.
	operations   []string
	createInputs []*cloudformation.CreateStackInput
	updateInputs []*cloudformation.UpdateStackInput
}

func newMockClient() *mockCloudFormationClient {
	return &mockCloudFormationClient{
		stacks: make(map[string]*types.Stack),
		outputs: []types.Output{
			{OutputKey: aws.String("ServiceUrl"), OutputValue: aws.String("abc123.us-west-2.awsapprunner.com")},
		},
	}
}

func (m *mockCloudFormationClient) withStack(status types.StackStatus) *mockCloudFormationClient {
	m.stacks[testStackName] = &types.Stack{
		StackName:   aws.String(testStackName),
		StackStatus: status,
		Outputs:     m.outputs,
	}
	return m
}

func validationError(msg string) error {
	return &smithy.GenericAPIError{Code: "ValidationError", Message: msg}
}

func (m *mockCloudFormationClient) CreateStack(ctx context.Context, params *cloudformation.CreateStackInput, optFns ...func(*cloudformation.Options)) (*cloudformation.CreateStackOutput, error) {
	m.operations = append(m.operations, opCreateStack)
	m.createInputs = append(m.createInputs, params)
	if m.createStackFunc != nil {
		return m.createStackFunc(ctx, params, optFns...)
	}
	status := m.createStatus
	if status == "" {
		status = types.StackStatusCreateComplete
	}
	m.stacks[*params.StackName] = &types.Stack{
		StackName:         params.StackName,
		StackStatus:       status,
		StackStatusReason: aws.String("Resource creation cancelled"),
		Outputs:           m.outputs,
	}
	return &cloudformation.CreateStackOutput{StackId: aws.String("arn:aws:cloudformation:us-west-2:123456789012:stack/" + *params.StackName + "/1")}, nil
}

func (m *mockCloudFormationClient) UpdateStack(ctx context.Context, params *cloudformation.UpdateStackInput, optFns ...func(*cloudformation.Options)) (*cloudformation.UpdateStackOutput, error) {
	m.operations = append(m.operations, opUpdateStack)
	m.updateInputs = append(m.updateInputs, params)
	if m.updateStackFunc != nil {
		return m.updateStackFunc(ctx, params, optFns...)
	}
	m.stacks[*params.StackName].StackStatus = types.StackStatusUpdateComplete
	return &cloudformation.UpdateStackOutput{}, nil
}

func (m *mockCloudFormationClient) DeleteStack(ctx context.Context, params *cloudformation.DeleteStackInput, optFns ...func(*cloudformation.Options)) (*cloudformation.DeleteStackOutput, error) {
	m.operations = append(m.operations, opDeleteStack)
	if m.deleteStackFunc != nil {
		return m.deleteStackFunc(ctx, params, optFns...)
	}
	delete(m.stacks, *params.StackName)
	return &cloudformation.DeleteStackOutput{}, nil
}

func (m *mockCloudFormationClient) DescribeStacks(ctx context.Context, params *cloudformation.DescribeStacksInput, optFns ...func(*cloudformation.Options)) (*cloudformation.DescribeStacksOutput, error) {
	m.operations = append(m.operations, opDescribeStacks)
	stack, ok := m.stacks[*params.StackName]
	if !ok {
		return nil, validationError(fmt.Sprintf("Stack with id %s does not exist", *params.StackName))
	}
	return &cloudformation.DescribeStacksOutput{Stacks: []types.Stack{*stack}}, nil
}

func newTestDeployer(client CloudFormationAPI) *Deployer {
	d := New(client, time.Minute)
	d.minDelay = time.Millisecond
	return d
}

func testInput() Input {
	return Input{
		StackName:    testStackName,
		TemplateBody: `{"Resources":{}}`,
		Tags:         map[string]string{"Team": "Containers", "Project": "dockerhub-cache-stack"},
	}
}

func TestDeployCreatesMissingStack(t *testing.T) {
	client := newMockClient()

	outputs, err := newTestDeployer(client).Deploy(t.Context(), testInput())
	require.NoError(t, err)

	assert.Equal(t, []string{
		opDescribeStacks, // existence check
		opCreateStack,
		opDescribeStacks, // waiter
		opDescribeStacks, // outputs
	}, client.operations)
	assert.Equal(t, map[string]string{"ServiceUrl": "abc123.us-west-2.awsapprunner.com"}, outputs)

	require.Len(t, client.createInputs, 1)
	in := client.createInputs[0]
	assert.Equal(t, testStackName, *in.StackName)
	assert.Equal(t, `{"Resources":{}}`, *in.TemplateBody)
	assert.Equal(t, []types.Capability{types.CapabilityCapabilityIam, types.CapabilityCapabilityNamedIam}, in.Capabilities)
	assert.Equal(t, types.OnFailureRollback, in.OnFailure)

	// Tags are ordered by key.
	require.Len(t, in.Tags, 2)
	assert.Equal(t, "Project", *in.Tags[0].Key)
	assert.Equal(t, "Team", *in.Tags[1].Key)

	_, err = uuid.Parse(*in.ClientRequestToken)
	assert.NoError(t, err, "client request token should be a UUID")
}

func TestDeployUpdatesExistingStack(t *testing.T) {
	client := newMockClient().withStack(types.StackStatusCreateComplete)

	_, err := newTestDeployer(client).Deploy(t.Context(), testInput())
	require.NoError(t, err)

	assert.Equal(t, []string{opDescribeStacks, opUpdateStack, opDescribeStacks, opDescribeStacks}, client.operations)
	require.Len(t, client.updateInputs, 1)
	assert.Equal(t, testStackName, *client.updateInputs[0].StackName)
	assert.NotEqual(t, "", *client.updateInputs[0].ClientRequestToken)
}

func TestDeployNoUpdates(t *testing.T) {
	client := newMockClient().withStack(types.StackStatusUpdateComplete)
	client.updateStackFunc = func(ctx context.Context, params *cloudformation.UpdateStackInput, optFns ...func(*cloudformation.Options)) (*cloudformation.UpdateStackOutput, error) {
		return nil, validationError("No updates are to be performed.")
	}

	outputs, err := newTestDeployer(client).Deploy(t.Context(), testInput())
	require.NoError(t, err)
	assert.NotEmpty(t, outputs)

	// No waiter after a no-op update.
	assert.Equal(t, []string{opDescribeStacks, opUpdateStack, opDescribeStacks}, client.operations)
}

func TestDeployRecreatesRolledBackStack(t *testing.T) {
	client := newMockClient().withStack(types.StackStatusRollbackComplete)

	_, err := newTestDeployer(client).Deploy(t.Context(), testInput())
	require.NoError(t, err)

	assert.Equal(t, []string{
		opDescribeStacks, // existence check
		opDescribeStacks, // destroy existence check
		opDeleteStack,
		opDescribeStacks, // delete waiter
		opCreateStack,
		opDescribeStacks, // create waiter
		opDescribeStacks, // outputs
	}, client.operations)
	assert.Equal(t, types.StackStatusCreateComplete, client.stacks[testStackName].StackStatus)
}

func TestDeployErrors(t *testing.T) {
	tests := []struct {
		name          string
		client        func() *mockCloudFormationClient
		expectedError error
		errContains   string
	}{
		{
			name: "operation in progress",
			client: func() *mockCloudFormationClient {
				return newMockClient().withStack(types.StackStatusUpdateInProgress)
			},
			expectedError: errStackBusy,
		},
		{
			name: "create failure",
			client: func() *mockCloudFormationClient {
				m := newMockClient()
				m.createStackFunc = func(ctx context.Context, params *cloudformation.CreateStackInput, optFns ...func(*cloudformation.Options)) (*cloudformation.CreateStackOutput, error) {
					return nil, fmt.Errorf("InsufficientCapabilitiesException")
				}
				return m
			},
			expectedError: errStackCreate,
		},
		{
			name: "create rolled back",
			client: func() *mockCloudFormationClient {
				m := newMockClient()
				m.createStatus = types.StackStatusRollbackComplete
				return m
			},
			expectedError: errStackWait,
			errContains:   "Resource creation cancelled",
		},
		{
			name: "update failure",
			client: func() *mockCloudFormationClient {
				m := newMockClient().withStack(types.StackStatusCreateComplete)
				m.updateStackFunc = func(ctx context.Context, params *cloudformation.UpdateStackInput, optFns ...func(*cloudformation.Options)) (*cloudformation.UpdateStackOutput, error) {
					return nil, validationError("Template format error")
				}
				return m
			},
			expectedError: errStackUpdate,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := newTestDeployer(tt.client()).Deploy(t.Context(), testInput())
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.expectedError)
			if tt.errContains != "" {
				assert.Contains(t, err.Error(), tt.errContains)
			}
		})
	}
}

func TestDestroy(t *testing.T) {
	t.Run("existing stack", func(t *testing.T) {
		client := newMockClient().withStack(types.StackStatusCreateComplete)

		require.NoError(t, newTestDeployer(client).Destroy(t.Context(), testStackName))
		assert.Equal(t, []string{opDescribeStacks, opDeleteStack, opDescribeStacks}, client.operations)
		assert.Empty(t, client.stacks)
	})
	t.Run("missing stack", func(t *testing.T) {
		client := newMockClient()

		require.NoError(t, newTestDeployer(client).Destroy(t.Context(), testStackName))
		assert.Equal(t, []string{opDescribeStacks}, client.operations)
	})
	t.Run("delete failure", func(t *testing.T) {
		client := newMockClient().withStack(types.StackStatusCreateComplete)
		client.deleteStackFunc = func(ctx context.Context, params *cloudformation.DeleteStackInput, optFns ...func(*cloudformation.Options)) (*cloudformation.DeleteStackOutput, error) {
			return nil, fmt.Errorf("AccessDenied")
		}

		err := newTestDeployer(client).Destroy(t.Context(), testStackName)
		assert.ErrorIs(t, err, errStackDelete)
	})
}

func TestOutputsAndStatus(t *testing.T) {
	client := newMockClient().withStack(types.StackStatusUpdateComplete)
	d := newTestDeployer(client)

	outputs, err := d.Outputs(t.Context(), testStackName)
	require.NoError(t, err)
	assert.Equal(t, "abc123.us-west-2.awsapprunner.com", outputs["ServiceUrl"])

	status, err := d.Status(t.Context(), testStackName)
	require.NoError(t, err)
	assert.Equal(t, types.StackStatusUpdateComplete, status)

	_, err = d.Outputs(t.Context(), "missing")
	assert.ErrorIs(t, err, ErrStackNotFound)
}

func TestStackTags(t *testing.T) {
	assert.Empty(t, stackTags(nil))

	tags := stackTags(map[string]string{"b": "2", "a": "1"})
	require.Len(t, tags, 2)
	assert.Equal(t, "a", *tags[0].Key)
	assert.Equal(t, "1", *tags[0].Value)
	assert.Equal(t, "b", *tags[1].Key)
}
