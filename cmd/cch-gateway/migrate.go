package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strconv"

	"github.com/cch-gateway/cch-gateway/internal/config"
	"github.com/cch-gateway/cch-gateway/internal/migration"
)

// runMigrate implements the "migrate" subcommand using this repository's
// own migration.CLI, pointed at the gateway's DSN via
// migration.NewMigratorFromConfig.
func runMigrate(args []string) {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "Usage: cch-gateway migrate <up|down|reset|status|version|info|goto|force|steps>")
		os.Exit(1)
	}

	fs := flag.NewFlagSet("migrate", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file")
	fs.Parse(args[1:])

	loader := config.NewLoader()
	if *configPath != "" {
		loader = loader.WithConfigPath(*configPath)
	}
	cfg, err := loader.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	migrator, err := migration.NewMigratorFromConfig(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to build migrator: %v\n", err)
		os.Exit(1)
	}
	defer migrator.Close()

	cli := migration.NewCLI(migrator)
	ctx := context.Background()

	switch args[0] {
	case "up":
		err = cli.RunUp(ctx)
	case "down":
		err = cli.RunDown(ctx)
	case "reset":
		err = cli.RunDownAll(ctx)
	case "status":
		err = cli.RunStatus(ctx)
	case "version":
		err = cli.RunVersion(ctx)
	case "info":
		err = cli.RunInfo(ctx)
	case "goto":
		if len(fs.Args()) < 1 {
			fmt.Fprintln(os.Stderr, "Usage: cch-gateway migrate goto <version>")
			os.Exit(1)
		}
		v, convErr := strconv.ParseUint(fs.Arg(0), 10, 64)
		if convErr != nil {
			fmt.Fprintf(os.Stderr, "invalid version: %v\n", convErr)
			os.Exit(1)
		}
		err = cli.RunGoto(ctx, uint(v))
	case "force":
		if len(fs.Args()) < 1 {
			fmt.Fprintln(os.Stderr, "Usage: cch-gateway migrate force <version>")
			os.Exit(1)
		}
		v, convErr := strconv.Atoi(fs.Arg(0))
		if convErr != nil {
			fmt.Fprintf(os.Stderr, "invalid version: %v\n", convErr)
			os.Exit(1)
		}
		err = cli.RunForce(ctx, v)
	case "steps":
		if len(fs.Args()) < 1 {
			fmt.Fprintln(os.Stderr, "Usage: cch-gateway migrate steps <n>")
			os.Exit(1)
		}
		n, convErr := strconv.Atoi(fs.Arg(0))
		if convErr != nil {
			fmt.Fprintf(os.Stderr, "invalid step count: %v\n", convErr)
			os.Exit(1)
		}
		err = cli.RunSteps(ctx, n)
	default:
		fmt.Fprintf(os.Stderr, "Unknown migrate subcommand: %s\n", args[0])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "migrate %s failed: %v\n", args[0], err)
		os.Exit(1)
	}
}
