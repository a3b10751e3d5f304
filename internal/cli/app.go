// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/jeranaias/tutorbus/internal/bus"
	"github.com/jeranaias/tutorbus/internal/cloud"
	"github.com/jeranaias/tutorbus/internal/config"
	"github.com/jeranaias/tutorbus/internal/dispatch"
	"github.com/jeranaias/tutorbus/internal/engine"
	"github.com/jeranaias/tutorbus/internal/gateway"
	"github.com/jeranaias/tutorbus/internal/ledger"
	"github.com/jeranaias/tutorbus/internal/logging"
	"github.com/jeranaias/tutorbus/internal/monitor"
	"github.com/jeranaias/tutorbus/internal/ollama"
	"github.com/jeranaias/tutorbus/internal/pricing"
	"github.com/jeranaias/tutorbus/internal/router"
	"github.com/jeranaias/tutorbus/internal/server"
)

// =============================================================================
// APP
// =============================================================================

// App holds the components built from one configuration. Commands build
// what they need from it and Close releases everything they opened.
type App struct {
	Config     *config.Config
	ConfigPath string
	Log        zerolog.Logger
	Router     *router.Router
	Accountant *pricing.Accountant

	Stdout io.Writer
	Stderr io.Writer

	memory    *bus.Memory
	publisher bus.Publisher
	ledger    *ledger.Ledger
	engines   map[string]engine.Engine
	closers   []io.Closer
}

// LoadApp loads the configuration named by args, applies the logging flags
// and builds the shared components.
func LoadApp(args Args) (*App, error) {
	cfg, path, err := config.Load(args.ConfigPath)
	if err != nil {
		return nil, err
	}
	if args.LogLevel != "" {
		cfg.Log.Level = args.LogLevel
	}
	if args.LogFormat != "" {
		cfg.Log.Format = args.LogFormat
	}
	log, err := logging.New(logging.Options{
		Level:   cfg.Log.Level,
		Format:  cfg.Log.Format,
		Service: "tutorbus",
	}, os.Stderr)
	if err != nil {
		return nil, &ValidationError{Field: "--log-level/--log-format", Reason: err.Error()}
	}
	app, err := NewApp(cfg, log)
	if err != nil {
		return nil, err
	}
	app.ConfigPath = path
	return app, nil
}

// NewApp builds the router, the accountant and the engines. Bus clients
// are created on demand.
func NewApp(cfg *config.Config, log zerolog.Logger) (*App, error) {
	table, err := pricing.NewTable(cfg.Rates)
	if err != nil {
		return nil, fmt.Errorf("rate table: %w", err)
	}
	app := &App{
		Config:     cfg,
		Log:        log,
		Router:     router.New(cfg.Topics(), log.With().Str("component", "router").Logger()),
		Accountant: pricing.NewAccountant(table, log),
		Stdout:     os.Stdout,
		Stderr:     os.Stderr,
	}
	app.engines = map[string]engine.Engine{
		config.EngineHosted: cloud.New(cfg.Engine.Hosted.Endpoint, cfg.Engine.Hosted.APIKey).
			WithModel(cfg.Engine.Hosted.ModelID).
			WithTimeout(cfg.Engine.RequestTimeout.D()),
		config.EngineLocal: ollama.New(ollama.Config{
			BaseURL: cfg.Engine.Local.BaseURL,
			Model:   cfg.Engine.Local.ModelID,
			Timeout: cfg.Engine.RequestTimeout.D(),
		}),
	}
	if cfg.Bus.Kind == config.BusMemory {
		app.memory = bus.NewMemory(cfg.Bus.Partitions)
		app.closers = append(app.closers, app.memory)
	}
	return app, nil
}

// Close releases bus clients and stores in reverse order of creation.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

// =============================================================================
// BUS
// =============================================================================

func (a *App) kafkaConfig(startAtEnd bool) bus.KafkaConfig {
	b := a.Config.Bus
	return bus.KafkaConfig{
		Brokers:          b.Brokers,
		DialTimeout:      b.DialTimeout.D(),
		WriteTimeout:     b.WriteTimeout.D(),
		StartAtEnd:       startAtEnd || b.StartAtEnd,
		AutoCreateTopics: b.AutoCreateTopics,
	}
}

// Memory returns the in-process bus, or nil for Kafka.
func (a *App) Memory() *bus.Memory {
	return a.memory
}

// Publisher returns the shared publisher.
func (a *App) Publisher() bus.Publisher {
	if a.publisher != nil {
		return a.publisher
	}
	if a.memory != nil {
		a.publisher = a.memory
		return a.publisher
	}
	p := bus.NewKafkaPublisher(a.kafkaConfig(false), a.Log)
	a.closers = append(a.closers, p)
	a.publisher = p
	return p
}

// Consumer joins group on topics. startAtEnd makes a new group skip
// messages published before it joined.
func (a *App) Consumer(group string, startAtEnd bool, topics ...string) bus.Consumer {
	if a.memory != nil {
		return a.memory.Consumer(group, topics...)
	}
	c := bus.NewKafkaConsumer(a.kafkaConfig(startAtEnd), group, topics, a.Log)
	a.closers = append(a.closers, c)
	return c
}

// Prober checks the configured bus.
func (a *App) Prober() bus.Prober {
	if a.memory != nil {
		return a.memory
	}
	return bus.NewKafkaProber(a.kafkaConfig(false))
}

// =============================================================================
// ENGINES
// =============================================================================

// Engine returns the configured engine variant by name.
func (a *App) Engine(name string) (engine.Engine, bool) {
	eng, ok := a.engines[name]
	return eng, ok
}

// SetEngine replaces an engine variant.
func (a *App) SetEngine(name string, eng engine.Engine) {
	a.engines[name] = eng
}

// EngineFor picks the engine for an agent: its own override, otherwise the
// first usable engine in the preference list.
func (a *App) EngineFor(agentID string) (string, engine.Engine, error) {
	pref := a.Config.Engine.Preference
	if ac, ok := a.Config.Agents[agentID]; ok && ac.Engine != "" {
		pref = []string{ac.Engine}
	}
	return engine.Select(pref, a.engines)
}

// =============================================================================
// COMPONENTS
// =============================================================================

// NewLoop builds the dispatch loop for one configured agent.
func (a *App) NewLoop(agentID string) (*dispatch.Loop, error) {
	ac, ok := a.Config.Agents[agentID]
	if !ok {
		return nil, &NotFoundError{Resource: "agent", ID: agentID}
	}
	name, eng, err := a.EngineFor(agentID)
	if err != nil {
		return nil, fmt.Errorf("agent %s: %w", agentID, err)
	}
	log := a.Log.With().Str("engine", name).Logger()
	cfg := dispatch.Config{
		AgentID:         agentID,
		ResponseTopic:   a.Config.Bus.ResponseTopic,
		DeadLetterTopic: a.Config.Bus.DeadLetterTopic,
		SystemPrompt:    ac.SystemPrompt,
		MaxTokens:       a.Config.Engine.MaxTokens,
		RequestTimeout:  a.Config.Engine.RequestTimeout.D(),
		MaxRetries:      a.Config.Engine.MaxRetries,
		RetryBase:       a.Config.Engine.RetryBase.D(),
		RetryMax:        a.Config.Engine.RetryMax.D(),
		DrainTimeout:    ac.DrainTimeout.D(),
		RateLimit:       ac.RateLimit,
		RateBurst:       ac.RateBurst,
		Logger:          log,
	}
	consumer := a.Consumer(ac.Group, false, ac.Topic)
	return dispatch.New(cfg, consumer, a.Publisher(), eng, a.Accountant)
}

// NewMonitor builds the monitor and, unless disabled, opens the ledger and
// warms the aggregate from it.
func (a *App) NewMonitor(ctx context.Context) (*monitor.Monitor, error) {
	mc := a.Config.Monitor
	var (
		recorder monitor.Recorder
		led      *ledger.Ledger
	)
	if !mc.DisableLedger {
		var err error
		led, err = ledger.Open(mc.LedgerPath)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, led)
		a.ledger = led
		recorder = led
	}

	consumer := a.Consumer(mc.Group, false, a.Config.Bus.ResponseTopic)
	mon := monitor.New(monitor.Config{
		DeadLetterTopic: a.Config.Bus.DeadLetterTopic,
		RetryBase:       a.Config.Engine.RetryBase.D(),
		RetryMax:        a.Config.Engine.RetryMax.D(),
		Logger:          a.Log,
	}, consumer, a.Publisher(), nil, recorder)

	if led != nil && mc.WarmWindow.D() > 0 {
		since := time.Now().Add(-mc.WarmWindow.D())
		if _, err := mon.Warm(ctx, led, since); err != nil {
			a.Log.Warn().Err(err).Msg("could not warm monitor from ledger")
		}
	}
	return mon, nil
}

// Ledger returns the ledger opened by NewMonitor, or nil.
func (a *App) Ledger() *ledger.Ledger {
	return a.ledger
}

// NewGateway builds a gateway whose response consumer is a fresh group,
// so every process sees every answer.
func (a *App) NewGateway() *gateway.Gateway {
	group := fmt.Sprintf("%s_%s", a.Config.Gateway.GroupPrefix, uuid.NewString())
	responses := a.Consumer(group, true, a.Config.Bus.ResponseTopic)
	return gateway.New(gateway.Config{
		UserID: a.Config.Gateway.UserID,
		Logger: a.Log,
	}, a.Router, a.Publisher(), responses)
}

// NewServer builds the HTTP server with the bus probe attached, and the
// ledger when NewMonitor opened one.
func (a *App) NewServer() *server.Server {
	sc := a.Config.Server
	srv := server.NewServer(sc.Addr, a.Log).
		WithProber(a.Prober()).
		WithStreamInterval(sc.StreamInterval.D()).
		WithRateLimiter(server.NewRateLimiter(sc.AskPerMinute, 5, 10*time.Minute))
	if a.ledger != nil {
		srv.WithHistory(a.ledger)
	}
	return srv
}
