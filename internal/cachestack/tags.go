package cachestack

import (
	"maps"
	"slices"

	"github.com/aws/aws-cdk-go/awscdk/v2"
	"github.com/aws/constructs-go/constructs/v10"
	"github.com/aws/jsii-runtime-go"
)

const (
	// These are some well-known AWS tag keys.
	TagKeyTeam    = "Team"
	TagKeyProject = "Project"

	// Default values corresponding to the above tag keys.
	TagDefaultTeam    = "Containers"
	TagDefaultProject = "dockerhub-cache-stack"
)

// DefaultTags returns the key-value pairs associated to every resource in the
// stack.
func DefaultTags() map[string]string {
	return map[string]string{
		TagKeyTeam:    TagDefaultTeam,
		TagKeyProject: TagDefaultProject,
	}
}

// tagDefaults applies DefaultTags to every taggable resource under scope.
func tagDefaults(scope constructs.IConstruct) {
	tags := awscdk.Tags_Of(scope)
	defaults := DefaultTags()
	for _, k := range slices.Sorted(maps.Keys(defaults)) {
		tags.Add(jsii.String(k), jsii.String(defaults[k]), nil)
	}
}
