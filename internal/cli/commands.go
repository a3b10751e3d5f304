// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/jeranaias/tutorbus/internal/config"
	"github.com/jeranaias/tutorbus/internal/dashboard"
	"github.com/jeranaias/tutorbus/internal/dispatch"
	"github.com/jeranaias/tutorbus/internal/ledger"
	"github.com/jeranaias/tutorbus/internal/model"
	"github.com/jeranaias/tutorbus/internal/monitor"
	"github.com/jeranaias/tutorbus/internal/server"
)

const shutdownTimeout = 5 * time.Second

// serve runs srv in g until ctx is done. Start returns at once if ctx was
// already cancelled and Shutdown won the race.
func serve(ctx context.Context, g *errgroup.Group, srv *server.Server) {
	g.Go(srv.Start)
	g.Go(func() error {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(sctx)
	})
}

// startAgents builds and starts one loop per id in g.
func startAgents(ctx context.Context, g *errgroup.Group, app *App, ids []string) (map[string]*dispatch.Loop, error) {
	loops := make(map[string]*dispatch.Loop, len(ids))
	for _, id := range ids {
		loop, err := app.NewLoop(id)
		if err != nil {
			return nil, err
		}
		loops[id] = loop
	}
	for _, id := range ids {
		loop := loops[id]
		g.Go(func() error { return loop.Run(ctx) })
	}
	return loops, nil
}

// =============================================================================
// RUN
// =============================================================================

// HandleRun runs the agents, the monitor, the gateway and the HTTP server
// in one process until ctx is cancelled.
func HandleRun(ctx context.Context, app *App, args Args) error {
	ids := args.AgentIDs
	if len(ids) == 0 {
		ids = app.Config.AgentIDs()
	}

	g, gctx := errgroup.WithContext(ctx)
	loops, err := startAgents(gctx, g, app, ids)
	if err != nil {
		return err
	}

	mon, err := app.NewMonitor(gctx)
	if err != nil {
		return err
	}
	g.Go(func() error { return mon.Run(gctx) })

	gw := app.NewGateway()
	g.Go(func() error { return gw.Listen(gctx) })

	if !app.Config.Server.Disabled {
		srv := app.NewServer().
			WithStats(mon.Aggregator()).
			WithGateway(gw, app.Config.Gateway.AwaitTimeout.D())
		for id, loop := range loops {
			srv.WithAgent(id, loop)
		}
		serve(gctx, g, srv)
	}

	app.Log.Info().Strs("agents", ids).Str("bus", app.Config.Bus.Kind).Msg("tutorbus running")
	return g.Wait()
}

// =============================================================================
// AGENT
// =============================================================================

// HandleAgent runs a single agent's dispatch loop.
func HandleAgent(ctx context.Context, app *App, args Args) error {
	if len(args.AgentIDs) != 1 {
		return ErrMissingArgument("agent id", "tutorbus agent chinese_teacher")
	}
	id := args.AgentIDs[0]
	loop, err := app.NewLoop(id)
	if err != nil {
		return err
	}
	err = loop.Run(ctx)
	st := loop.Stats()
	app.Log.Info().
		Str("agent_id", id).
		Int64("processed", st.Processed).
		Int64("succeeded", st.Succeeded).
		Int64("failed", st.Failed).
		Int64("dead_lettered", st.DeadLettered).
		Msg("agent stopped")
	return err
}

// =============================================================================
// MONITOR
// =============================================================================

// HandleMonitor runs the cost monitor, or reads one from elsewhere.
func HandleMonitor(ctx context.Context, app *App, args Args) error {
	noColor := !ColorsEnabled(args)
	opts := dashboard.Options{Refresh: app.Config.Monitor.Refresh.D(), NoColor: noColor}

	if args.Remote != "" {
		fetch := dashboard.HTTPFetcher(args.Remote, &http.Client{Timeout: 5 * time.Second})
		if !args.Once {
			opts.Title = "tutorbus monitor @ " + args.Remote
			return dashboard.Run(ctx, fetch, opts)
		}
		agg, err := fetch(ctx)
		if err != nil {
			return &CommandError{Command: "monitor", Action: "fetch " + args.Remote, Err: err}
		}
		return printAggregate(app, args, agg)
	}

	if args.Once {
		agg, err := replayLedger(ctx, app.Config.Monitor)
		if err != nil {
			return err
		}
		return printAggregate(app, args, agg)
	}

	if args.Watch {
		// The dashboard owns the terminal.
		app.Log = app.Log.Level(zerolog.ErrorLevel)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)

	mon, err := app.NewMonitor(gctx)
	if err != nil {
		return err
	}
	g.Go(func() error { return mon.Run(gctx) })

	if !app.Config.Server.Disabled {
		serve(gctx, g, app.NewServer().WithStats(mon.Aggregator()))
	}
	if args.Watch {
		g.Go(func() error {
			defer cancel()
			return dashboard.Run(gctx, dashboard.LocalFetcher(mon.Snapshot), opts)
		})
	}
	return g.Wait()
}

// replayLedger rebuilds the aggregate of the warm window from the ledger.
func replayLedger(ctx context.Context, mc config.MonitorConfig) (monitor.Aggregate, error) {
	if mc.DisableLedger {
		return monitor.Aggregate{}, &CommandError{
			Command: "monitor", Action: "--once",
			Err: errors.New("the ledger is disabled; use --remote to read a running monitor"),
		}
	}
	if _, err := os.Stat(mc.LedgerPath); err != nil {
		return monitor.Aggregate{}, &NotFoundError{Resource: "ledger", ID: mc.LedgerPath}
	}
	led, err := ledger.Open(mc.LedgerPath)
	if err != nil {
		return monitor.Aggregate{}, err
	}
	defer led.Close()

	var since time.Time
	if w := mc.WarmWindow.D(); w > 0 {
		since = time.Now().Add(-w)
	}
	mon := monitor.New(monitor.Config{}, nil, nil, nil, nil)
	if _, err := mon.Warm(ctx, led, since); err != nil {
		return monitor.Aggregate{}, err
	}
	return mon.Snapshot(), nil
}

func printAggregate(app *App, args Args, agg monitor.Aggregate) error {
	if args.JSON {
		return NewJSONResponse("monitor", agg).Write(app.Stdout)
	}
	_, err := fmt.Fprint(app.Stdout, dashboard.RenderSummary(agg, dashboard.RenderOptions{
		Width:   TerminalWidth(),
		NoColor: !ColorsEnabled(args),
	}))
	return err
}

// =============================================================================
// ASK
// =============================================================================

// HandleAsk submits one question and prints the answer. With the memory
// bus the agents run inside this process for the duration of the call.
func HandleAsk(ctx context.Context, app *App, args Args) error {
	timeout := args.Timeout
	if timeout <= 0 {
		timeout = app.Config.Gateway.AwaitTimeout.D()
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)

	if app.Memory() != nil {
		if _, err := startAgents(gctx, g, app, app.Config.AgentIDs()); err != nil {
			return err
		}
	}
	gw := app.NewGateway()
	g.Go(func() error { return gw.Listen(gctx) })

	resp, askErr := gw.Ask(gctx, args.Query, timeout)
	cancel()
	if err := g.Wait(); err != nil && askErr == nil {
		app.Log.Debug().Err(err).Msg("background task ended with error")
	}
	if askErr != nil {
		return &CommandError{Command: "ask", Action: "await answer", Err: askErr}
	}
	return printAnswer(app, args, *resp)
}

func printAnswer(app *App, args Args, resp model.ResponseEnvelope) error {
	if args.JSON {
		if err := NewJSONResponse("ask", resp).Write(app.Stdout); err != nil {
			return err
		}
	} else {
		fmt.Fprint(app.Stdout, dashboard.RenderAnswer(resp, dashboard.AnswerOptions{
			Width:   TerminalWidth(),
			NoColor: !ColorsEnabled(args),
		}))
	}
	if !resp.Succeeded() {
		return &CommandError{Command: "ask", Action: "answer", Err: fmt.Errorf("%s: %s", resp.Status, resp.Error)}
	}
	return nil
}

// =============================================================================
// ROUTE
// =============================================================================

// RouteResult is the route command output.
type RouteResult struct {
	Text     string         `json:"text"`
	Topic    string         `json:"topic"`
	Language model.Language `json:"language"`
	Reason   string         `json:"reason"`
	Fallback bool           `json:"fallback"`
}

// HandleRoute shows where a question would be published.
func HandleRoute(app *App, args Args) error {
	d := app.Router.Decide(args.Query)
	res := RouteResult{
		Text:     args.Query,
		Topic:    d.Topic,
		Language: d.Language,
		Reason:   string(d.Reason),
		Fallback: d.Reason.Ambiguous(),
	}
	if args.JSON {
		return NewJSONResponse("route", res).Write(app.Stdout)
	}
	fmt.Fprintf(app.Stdout, "topic:    %s\n", res.Topic)
	fmt.Fprintf(app.Stdout, "language: %s\n", res.Language)
	fmt.Fprintf(app.Stdout, "reason:   %s", res.Reason)
	if res.Fallback {
		fmt.Fprint(app.Stdout, " (default topic)")
	}
	fmt.Fprintln(app.Stdout)
	return nil
}

// =============================================================================
// HEALTH
// =============================================================================

// Check is one health check result.
type Check struct {
	Name    string `json:"name"`
	OK      bool   `json:"ok"`
	Detail  string `json:"detail,omitempty"`
	Latency string `json:"latency"`
}

type pinger interface {
	Ping(ctx context.Context) error
}

type configured interface {
	Configured() bool
}

// HandleHealth probes the bus and every preferred engine. It fails when the
// bus is down or no engine is usable.
func HandleHealth(ctx context.Context, app *App, args Args) error {
	timeout := args.Timeout
	if timeout <= 0 {
		timeout = server.HealthTimeout
	}
	run := func(name string, fn func(context.Context) error) Check {
		cctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		start := time.Now()
		err := fn(cctx)
		c := Check{Name: name, OK: err == nil, Latency: time.Since(start).Round(time.Millisecond).String()}
		if err != nil {
			c.Detail = err.Error()
		}
		return c
	}

	busName := "bus (" + app.Config.Bus.Kind
	if app.Config.Bus.Kind == config.BusKafka {
		busName += " " + strings.Join(app.Config.Bus.Brokers, ",")
	}
	busName += ")"
	checks := []Check{run(busName, app.Prober().Check)}
	busOK := checks[0].OK

	engineOK := false
	for _, name := range app.Config.Engine.Preference {
		eng, ok := app.Engine(name)
		if !ok {
			continue
		}
		c := run("engine "+name, func(ctx context.Context) error {
			if cf, ok := eng.(configured); ok && !cf.Configured() {
				return errors.New("not configured")
			}
			if p, ok := eng.(pinger); ok {
				return p.Ping(ctx)
			}
			return nil
		})
		engineOK = engineOK || c.OK
		checks = append(checks, c)
	}

	healthy := busOK && engineOK
	if args.JSON {
		if err := NewJSONResponse("health", map[string]any{"healthy": healthy, "checks": checks}).Write(app.Stdout); err != nil {
			return err
		}
	} else {
		for _, c := range checks {
			status := "ok"
			if !c.OK {
				status = "FAIL"
			}
			fmt.Fprintf(app.Stdout, "%-40s %-5s %8s", c.Name, status, c.Latency)
			if c.Detail != "" {
				fmt.Fprintf(app.Stdout, "  %s", c.Detail)
			}
			fmt.Fprintln(app.Stdout)
		}
	}
	if !healthy {
		return ErrUnhealthy
	}
	return nil
}

// =============================================================================
// CONFIG
// =============================================================================

// HandleConfig implements config show, init, validate and path. It loads
// the configuration itself so init works without a valid file.
func HandleConfig(args Args, stdout io.Writer) error {
	if args.Subcommand == "init" {
		return configInit(args, stdout)
	}

	cfg, path, err := config.Load(args.ConfigPath)
	switch args.Subcommand {
	case "path":
		if path == "" {
			path = "(none, using defaults)"
		}
		if args.JSON {
			return NewJSONResponse("config", map[string]any{"path": path, "search": config.SearchPaths()}).Write(stdout)
		}
		fmt.Fprintln(stdout, path)
		return nil
	case "validate":
		if err != nil {
			return err
		}
		if path == "" {
			path = "defaults"
		}
		fmt.Fprintf(stdout, "configuration OK (%s)\n", path)
		return nil
	}

	if err != nil {
		return err
	}
	if args.JSON {
		return NewJSONResponse("config", cfg.Redacted()).Write(stdout)
	}
	return config.EncodeTOML(stdout, cfg.Redacted())
}

func configInit(args Args, stdout io.Writer) error {
	target := args.Output
	if target == "" {
		dir, err := config.ConfigDir()
		if err != nil {
			return err
		}
		target = filepath.Join(dir, "config.toml")
	}
	if _, err := os.Stat(target); err == nil && !args.Force {
		return &ValidationError{Field: "config init", Value: target, Reason: "file exists, use --force to overwrite"}
	}
	if err := config.SaveTOML(config.Default(), target); err != nil {
		return err
	}
	fmt.Fprintf(stdout, "wrote %s\n", target)
	return nil
}
