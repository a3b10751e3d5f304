// tutorbus - language-routed tutoring agents over a message bus.
//
// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/jeranaias/tutorbus/internal/cli"
)

// Version information (set at build time)
var (
	Version   = "0.1.0"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

func main() {
	os.Exit(run())
}

func run() int {
	cli.Version = Version
	cli.GitCommit = GitCommit
	cli.BuildDate = BuildDate

	cmd, args, err := cli.Parse()
	if err != nil {
		cli.DisplayError(err, cmd.String(), args.JSON)
		return cli.GetExitCode(err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch cmd {
	case cli.CmdHelp:
		cli.PrintUsage(os.Stdout)
		return cli.ExitSuccess
	case cli.CmdVersion:
		cli.PrintVersion(os.Stdout)
		return cli.ExitSuccess
	case cli.CmdConfig:
		// config loads its own file so init works without one.
		err = cli.HandleConfig(args, os.Stdout)
		cli.DisplayError(err, cmd.String(), args.JSON)
		return cli.GetExitCode(err)
	}

	app, err := cli.LoadApp(args)
	if err != nil {
		cli.DisplayError(err, cmd.String(), args.JSON)
		return cli.GetExitCode(err)
	}
	defer app.Close()

	switch cmd {
	case cli.CmdRun:
		err = cli.HandleRun(ctx, app, args)
	case cli.CmdAgent:
		err = cli.HandleAgent(ctx, app, args)
	case cli.CmdMonitor:
		err = cli.HandleMonitor(ctx, app, args)
	case cli.CmdAsk:
		err = cli.HandleAsk(ctx, app, args)
	case cli.CmdRoute:
		err = cli.HandleRoute(app, args)
	case cli.CmdHealth:
		err = cli.HandleHealth(ctx, app, args)
	}
	cli.DisplayError(err, cmd.String(), args.JSON)
	return cli.GetExitCode(err)
}
