package main

import (
	"context"
	"fmt"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/lrhodin/tdbridge/pkg/connector"
)

type contextKey int

const (
	contextKeyConfig contextKey = iota
)

func getConfig(ctx *cli.Context) *connector.Config {
	return ctx.Context.Value(contextKeyConfig).(*connector.Config)
}

func prepareApp(ctx *cli.Context) error {
	cfg, err := connector.LoadConfig(ctx.String("config"), !ctx.Bool("no-update"))
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	ctx.Context = context.WithValue(ctx.Context, contextKeyConfig, cfg)
	return nil
}

func main() {
	app := &cli.App{
		Name:    "tdbridge",
		Usage:   "Bridge a TDLib gateway into a chat client",
		Version: "0.1.0",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to config file",
				Value:   "config.yaml",
				EnvVars: []string{"TDBRIDGE_CONFIG"},
			},
			&cli.BoolFlag{
				Name:  "no-update",
				Usage: "Don't write upgraded config back to disk",
			},
		},
		Commands: []*cli.Command{
			runCommand,
			exampleConfigCommand,
			checkConfigCommand,
		},
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
