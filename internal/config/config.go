package config

import (
	"fmt"
	"os"
	"regexp"
	"time"
)

// Template output formats understood by the synth command.
const (
	FormatJSON = "json"
	FormatYAML = "yaml"
)

// Environment variables the CDK CLI uses to describe the target environment.
// They are honored here so the same shell setup works with both tools.
const (
	EnvDefaultAccount = "CDK_DEFAULT_ACCOUNT"
	EnvDefaultRegion  = "CDK_DEFAULT_REGION"
)

// stackNameRE matches valid CloudFormation stack names.
var stackNameRE = regexp.MustCompile(`^[a-zA-Z][-a-zA-Z0-9]{0,127}$`)

// Config configures synthesis and deployment of the cache stack.
type Config struct {
	// Optional with defaults
	StackID   string // default: CacheStack
	StackName string // default: StackID
	Outdir    string // default: cdk.out
	Format    string // default: json

	// Optional - target environment. Empty values produce an
	// environment-agnostic template.
	Account string // default: $CDK_DEFAULT_ACCOUNT
	Region  string // default: $CDK_DEFAULT_REGION

	// Deployment
	MaxWait time.Duration // default: 30m

	// Smoke testing
	ProbeInterval time.Duration // default: 10s
	ProbeTimeout  time.Duration // default: 10m
	SkipPreflight bool
	SkipTeardown  bool

	// Operational
	LogDir string
}

// Load applies defaults to c and validates the result.
func (c *Config) Load() error {
	c.applyDefaults()
	return c.validate()
}

func (c *Config) applyDefaults() {
	if c.StackID == "" {
		c.StackID = "CacheStack"
	}
	if c.StackName == "" {
		c.StackName = c.StackID
	}
	if c.Outdir == "" {
		c.Outdir = "cdk.out"
	}
	if c.Format == "" {
		c.Format = FormatJSON
	}
	if c.Account == "" {
		c.Account = os.Getenv(EnvDefaultAccount)
	}
	if c.Region == "" {
		c.Region = os.Getenv(EnvDefaultRegion)
	}
	if c.MaxWait == 0 {
		c.MaxWait = 30 * time.Minute
	}
	if c.ProbeInterval == 0 {
		c.ProbeInterval = 10 * time.Second
	}
	if c.ProbeTimeout == 0 {
		c.ProbeTimeout = 10 * time.Minute
	}
}

func (c *Config) validate() error {
	if !stackNameRE.MatchString(c.StackName) {
		return fmt.Errorf("stack_name %q is not a valid CloudFormation stack name", c.StackName)
	}
	switch c.Format {
	case FormatJSON, FormatYAML:
	default:
		return fmt.Errorf("format must be %q or %q, got %q", FormatJSON, FormatYAML, c.Format)
	}
	if c.MaxWait < 0 {
		return fmt.Errorf("max_wait must be positive")
	}
	if c.ProbeInterval <= 0 || c.ProbeTimeout <= 0 {
		return fmt.Errorf("probe_interval and probe_timeout must be positive")
	}
	if c.ProbeInterval > c.ProbeTimeout {
		return fmt.Errorf("probe_interval (%s) exceeds probe_timeout (%s)", c.ProbeInterval, c.ProbeTimeout)
	}
	return nil
}
