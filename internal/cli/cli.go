// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"fmt"
	"io"
	"os"
	"runtime"
	"strings"
	"time"
)

// Version information (overridden at build time).
var (
	Version   = "0.1.0"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

// Command is the subcommand to execute.
type Command int

const (
	CmdHelp Command = iota
	CmdVersion
	CmdRun
	CmdAgent
	CmdMonitor
	CmdAsk
	CmdRoute
	CmdHealth
	CmdConfig
)

var commandNames = map[Command]string{
	CmdHelp:    "help",
	CmdVersion: "version",
	CmdRun:     "run",
	CmdAgent:   "agent",
	CmdMonitor: "monitor",
	CmdAsk:     "ask",
	CmdRoute:   "route",
	CmdHealth:  "health",
	CmdConfig:  "config",
}

func (c Command) String() string {
	if name, ok := commandNames[c]; ok {
		return name
	}
	return fmt.Sprintf("command(%d)", int(c))
}

// Args holds parsed arguments.
type Args struct {
	// Global flags
	ConfigPath string
	LogLevel   string
	LogFormat  string
	JSON       bool
	NoColor    bool

	// Command-specific
	Subcommand string
	AgentIDs   []string // agent <id>, run --agents
	Query      string   // ask, route
	Watch      bool     // monitor
	Once       bool     // monitor
	Remote     string   // monitor --remote
	Timeout    time.Duration
	Force      bool   // config init
	Output     string // config init target path

	Raw []string
}

const usageText = `tutorbus - language-routed tutoring agents over a message bus

Usage:
  tutorbus run [--agents id,id]       Run agents, monitor and HTTP server in one process
  tutorbus agent <id>                 Run one answering agent (chinese_teacher, english_teacher)
  tutorbus monitor                    Run the cost monitor and HTTP server
  tutorbus monitor --watch            ...with a live dashboard
  tutorbus monitor --once             Print totals replayed from the ledger
  tutorbus monitor --remote URL       Watch (or --once) a monitor running elsewhere
  tutorbus ask "question"             Submit a question and wait for the answer
  tutorbus route "text"               Show which topic a question would go to
  tutorbus health                     Check the bus and the engines
  tutorbus config [show|init|validate|path]
  tutorbus version
  tutorbus help

Global flags:
  --config PATH        Config file (default: ./tutorbus.toml, ~/.tutorbus/config.toml)
  --log-level LEVEL    trace, debug, info, warn, error
  --log-format FORMAT  json, console, auto
  --json               Machine-readable output
  --no-color           Disable colour

Command flags:
  ask --timeout 30s    How long to wait for the answer
  health --timeout 3s  Deadline for each check
  config init [PATH] [--force]

Environment:
  TUTORBUS_BUS, TUTORBUS_BROKERS, TUTORBUS_ENGINE, TUTORBUS_HOSTED_API_KEY,
  TUTORBUS_LOCAL_URL, TUTORBUS_LEDGER_PATH, TUTORBUS_HTTP_ADDR, TUTORBUS_LOG_LEVEL
  and the rest of TUTORBUS_* override the config file. NO_COLOR disables colour.

Version: %s
`

// PrintUsage writes the help text.
func PrintUsage(w io.Writer) {
	fmt.Fprintf(w, usageText, Version)
}

// PrintVersion writes version information.
func PrintVersion(w io.Writer) {
	fmt.Fprintf(w, "tutorbus version %s\n", Version)
	fmt.Fprintf(w, "  Git commit: %s\n", GitCommit)
	fmt.Fprintf(w, "  Build date: %s\n", BuildDate)
	fmt.Fprintf(w, "  Go:         %s %s/%s\n", runtime.Version(), runtime.GOOS, runtime.GOARCH)
}

// =============================================================================
// PARSING
// =============================================================================

// Parse parses os.Args.
func Parse() (Command, Args, error) {
	return ParseArgs(os.Args[1:])
}

// ParseArgs parses argv without the program name.
func ParseArgs(argv []string) (Command, Args, error) {
	remaining, args, err := parseGlobalFlags(argv)
	if err != nil {
		return CmdHelp, args, err
	}
	if len(remaining) == 0 {
		return CmdHelp, args, nil
	}

	name := strings.ToLower(remaining[0])
	rest := remaining[1:]
	args.Raw = rest

	switch name {
	case "run":
		return CmdRun, args, parseRunArgs(&args, rest)
	case "agent":
		return CmdAgent, args, parseAgentArgs(&args, rest)
	case "monitor", "mon":
		return CmdMonitor, args, parseMonitorArgs(&args, rest)
	case "ask":
		return CmdAsk, args, parseAskArgs(&args, rest)
	case "route":
		return CmdRoute, args, parseRouteArgs(&args, rest)
	case "health", "status":
		return CmdHealth, args, parseHealthArgs(&args, rest)
	case "config":
		return CmdConfig, args, parseConfigArgs(&args, rest)
	case "version", "-v", "--version":
		return CmdVersion, args, nil
	case "help", "-h", "--help":
		return CmdHelp, args, nil
	}
	return CmdHelp, args, &ValidationError{Field: "command", Value: name, Reason: "unknown command"}
}

// parseGlobalFlags pulls global flags from anywhere before "--".
func parseGlobalFlags(argv []string) ([]string, Args, error) {
	var (
		args      Args
		remaining []string
	)
	valueFlags := map[string]*string{
		"--config":     &args.ConfigPath,
		"--log-level":  &args.LogLevel,
		"--log-format": &args.LogFormat,
	}
	for i := 0; i < len(argv); i++ {
		arg := argv[i]
		if arg == "--" {
			remaining = append(remaining, argv[i:]...)
			break
		}
		switch arg {
		case "--json":
			args.JSON = true
			continue
		case "--no-color":
			args.NoColor = true
			continue
		}
		if k, v, ok := strings.Cut(arg, "="); ok {
			if dst, known := valueFlags[k]; known {
				*dst = v
				continue
			}
		}
		if dst, known := valueFlags[arg]; known {
			if i+1 >= len(argv) {
				return nil, args, &ValidationError{Field: arg, Reason: "missing value"}
			}
			i++
			*dst = argv[i]
			continue
		}
		remaining = append(remaining, arg)
	}
	return remaining, args, nil
}

func parseRunArgs(args *Args, rest []string) error {
	p, err := NewArgParser(rest)
	if err != nil {
		return err
	}
	if list := p.Flag("agents"); list != "" {
		for _, id := range strings.Split(list, ",") {
			if id = strings.TrimSpace(id); id != "" {
				args.AgentIDs = append(args.AgentIDs, id)
			}
		}
	}
	return nil
}

func parseAgentArgs(args *Args, rest []string) error {
	p, err := NewArgParser(rest)
	if err != nil {
		return err
	}
	id := p.Positional(0)
	if id == "" {
		return ErrMissingArgument("agent id", "tutorbus agent chinese_teacher")
	}
	args.AgentIDs = []string{id}
	return nil
}

func parseMonitorArgs(args *Args, rest []string) error {
	p, err := NewArgParser(rest, "watch", "w", "once")
	if err != nil {
		return err
	}
	args.Watch = p.BoolFlag("watch") || p.BoolFlag("w")
	args.Once = p.BoolFlag("once")
	args.Remote = p.Flag("remote")
	if args.Watch && args.Once {
		return &ValidationError{Field: "monitor flags", Reason: "--watch and --once are mutually exclusive"}
	}
	return nil
}

func parseAskArgs(args *Args, rest []string) error {
	p, err := NewArgParser(rest)
	if err != nil {
		return err
	}
	if args.Timeout, err = p.FlagDuration("timeout", 0); err != nil {
		return err
	}
	args.Query = strings.Join(p.PositionalFrom(0), " ")
	if strings.TrimSpace(args.Query) == "" {
		return ErrMissingArgument("question", `tutorbus ask "what does ni hao mean?"`)
	}
	return nil
}

func parseRouteArgs(args *Args, rest []string) error {
	p, err := NewArgParser(rest)
	if err != nil {
		return err
	}
	// Empty text is allowed: it shows the fallback route.
	args.Query = strings.Join(p.PositionalFrom(0), " ")
	return nil
}

func parseHealthArgs(args *Args, rest []string) error {
	p, err := NewArgParser(rest)
	if err != nil {
		return err
	}
	args.Timeout, err = p.FlagDuration("timeout", 0)
	return err
}

func parseConfigArgs(args *Args, rest []string) error {
	p, err := NewArgParser(rest, "force", "f")
	if err != nil {
		return err
	}
	args.Subcommand = strings.ToLower(p.Positional(0))
	if args.Subcommand == "" {
		args.Subcommand = "show"
	}
	switch args.Subcommand {
	case "show", "validate", "path":
	case "init":
		args.Output = p.Positional(1)
		args.Force = p.BoolFlag("force") || p.BoolFlag("f")
	default:
		return &ValidationError{Field: "config subcommand", Value: args.Subcommand, Reason: "must be one of show, init, validate, path"}
	}
	return nil
}
