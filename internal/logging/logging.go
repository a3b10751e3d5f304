// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package logging builds the process logger.
//
// Every component takes a zerolog.Logger in its config and adds its own
// "component" field; this package only decides level, format and sink.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/rs/zerolog"
)

// Formats accepted by New.
const (
	FormatJSON    = "json"
	FormatConsole = "console"
	FormatAuto    = "auto"
)

// Options configures New.
type Options struct {
	Level  string
	Format string
	// Service is stamped on every line.
	Service string
}

// New returns a logger writing to w. Format "auto" picks the console
// writer when w is a terminal and JSON otherwise.
func New(opts Options, w io.Writer) (zerolog.Logger, error) {
	level := zerolog.InfoLevel
	if opts.Level != "" {
		parsed, err := zerolog.ParseLevel(strings.ToLower(opts.Level))
		if err != nil {
			return zerolog.Nop(), fmt.Errorf("invalid log level %q: %w", opts.Level, err)
		}
		level = parsed
	}

	var out io.Writer
	switch strings.ToLower(opts.Format) {
	case FormatJSON:
		out = w
	case FormatConsole:
		out = consoleWriter(w, IsTerminal(w))
	case FormatAuto, "":
		if IsTerminal(w) {
			out = consoleWriter(w, true)
		} else {
			out = w
		}
	default:
		return zerolog.Nop(), fmt.Errorf("invalid log format %q", opts.Format)
	}

	ctx := zerolog.New(out).Level(level).With().Timestamp()
	if opts.Service != "" {
		ctx = ctx.Str("service", opts.Service)
	}
	return ctx.Logger(), nil
}

func consoleWriter(w io.Writer, color bool) zerolog.ConsoleWriter {
	return zerolog.ConsoleWriter{
		Out:        w,
		NoColor:    !color,
		TimeFormat: time.TimeOnly,
	}
}

// IsTerminal reports whether w is a terminal, including Cygwin and MSYS
// terminals on Windows.
func IsTerminal(w io.Writer) bool {
	f, ok := w.(interface{ Fd() uintptr })
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// Stderr is New writing to os.Stderr.
func Stderr(opts Options) (zerolog.Logger, error) {
	return New(opts, os.Stderr)
}
