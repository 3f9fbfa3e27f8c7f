package main

import (
	"fmt"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/lrhodin/tdbridge/pkg/connector"
)

var exampleConfigCommand = &cli.Command{
	Name:  "example-config",
	Usage: "Write the example configuration file",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:    "output",
			Aliases: []string{"o"},
			Value:   "-",
			Usage:   "Output file path (- for stdout)",
		},
	},
	Action: cmdExampleConfig,
}

func cmdExampleConfig(ctx *cli.Context) error {
	output := ctx.String("output")
	if output == "-" {
		fmt.Print(connector.ExampleConfig)
		return nil
	}
	if _, err := os.Stat(output); err == nil {
		return fmt.Errorf("%s already exists", output)
	}
	if err := os.WriteFile(output, []byte(connector.ExampleConfig), 0600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	fmt.Printf("Wrote example config to %s\n", output)
	return nil
}

var checkConfigCommand = &cli.Command{
	Name:   "check-config",
	Usage:  "Upgrade and validate the configuration file",
	Before: prepareApp,
	Action: cmdCheckConfig,
}

func cmdCheckConfig(ctx *cli.Context) error {
	cfg := getConfig(ctx)
	if cfg.Backend.URL == "" {
		return fmt.Errorf("backend.url is not set")
	}
	if _, err := cfg.Logging.Compile(); err != nil {
		return fmt.Errorf("invalid logging config: %w", err)
	}
	fmt.Println("Config OK")
	return nil
}
