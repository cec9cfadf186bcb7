package commands

import (
	"github.com/urfave/cli/v2"
	"sigs.k8s.io/yaml"

	"github.com/chainguard-dev/dockerhub-cache-stack/internal/app"
	"github.com/chainguard-dev/dockerhub-cache-stack/internal/cachestack"
	"github.com/chainguard-dev/dockerhub-cache-stack/internal/deploy"
	"github.com/chainguard-dev/dockerhub-cache-stack/internal/log"
)

var DeployCommand = cli.Command{
	Name:  "deploy",
	Usage: "Synthesize the stack and create or update it in the target account",
	Action: func(c *cli.Context) error {
		cfg, err := configFrom(c)
		if err != nil {
			return err
		}

		s, err := newSession(c.Context, cfg)
		if err != nil {
			return err
		}

		asm, err := app.Synth(c.Context, cfg)
		if err != nil {
			return err
		}

		log.Info(c.Context, "deploying stack", "stack_name", asm.StackName, "account", cfg.Account, "region", cfg.Region)
		outputs, err := s.deploy.Deploy(c.Context, deploy.Input{
			StackName:    asm.StackName,
			TemplateBody: string(asm.Body),
			Tags:         cachestack.DefaultTags(),
			Region:       cfg.Region,
		})
		if err != nil {
			return err
		}

		out, err := yaml.Marshal(outputs)
		if err != nil {
			return err
		}
		_, err = c.App.Writer.Write(out)
		return err
	},
}

var DestroyCommand = cli.Command{
	Name:  "destroy",
	Usage: "Delete the stack and every resource it owns",
	Action: func(c *cli.Context) error {
		cfg, err := configFrom(c)
		if err != nil {
			return err
		}

		s, err := newSession(c.Context, cfg)
		if err != nil {
			return err
		}

		if err := s.deploy.Destroy(c.Context, cfg.StackName); err != nil {
			return err
		}
		log.Info(c.Context, "stack destroyed", "stack_name", cfg.StackName)
		return nil
	},
}
