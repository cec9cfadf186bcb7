package commands

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/urfave/cli/v2"
	"sigs.k8s.io/yaml"

	"github.com/chainguard-dev/dockerhub-cache-stack/internal/app"
	"github.com/chainguard-dev/dockerhub-cache-stack/internal/config"
)

var SynthCommand = cli.Command{
	Name:  "synth",
	Usage: "Synthesize the stack and print its CloudFormation template",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: flagFormat, Usage: "Template format: json or yaml", Value: config.FormatJSON},
	},
	Action: func(c *cli.Context) error {
		cfg, err := configFrom(c)
		if err != nil {
			return err
		}

		asm, err := app.Synth(c.Context, cfg)
		if err != nil {
			return err
		}

		out, err := render(asm.Body, cfg.Format)
		if err != nil {
			return err
		}
		_, err = c.App.Writer.Write(out)
		return err
	},
}

// render formats a JSON template body for display.
func render(body []byte, format string) ([]byte, error) {
	if format == config.FormatYAML {
		out, err := yaml.JSONToYAML(body)
		if err != nil {
			return nil, fmt.Errorf("converting template to yaml: %w", err)
		}
		return out, nil
	}

	var buf bytes.Buffer
	if err := json.Indent(&buf, body, "", "  "); err != nil {
		return nil, fmt.Errorf("formatting template: %w", err)
	}
	buf.WriteByte('\n')
	return buf.Bytes(), nil
}
