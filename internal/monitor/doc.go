// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package monitor aggregates token usage and cost from the response topic.
//
// A Monitor is the single consumer of its group on the response topic. It
// folds each response into an Aggregator, optionally writes it to the
// ledger, and commits. Readers take Snapshot copies at any time; the copy
// is never mutated by later responses.
//
// Aggregation is commutative: the same set of responses yields the same
// totals regardless of arrival order. Redelivered copies of a response are
// counted in Duplicates and not added twice.
package monitor
