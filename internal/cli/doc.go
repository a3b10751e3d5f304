// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package cli implements the tutorbus command line: argument parsing, the
// App that wires configuration into components, and one handler per
// command.
//
// Handlers write to App.Stdout and return errors; the caller maps them to
// exit codes with GetExitCode and prints them with DisplayError.
package cli
