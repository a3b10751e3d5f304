// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package util holds small helpers shared across tutorbus packages:
// display-width aware text truncation and atomic file writes.
package util
