// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package dispatch

// State is the position of an agent loop in its per-envelope cycle.
type State int32

const (
	StateIdle State = iota
	StateFetching
	StateProcessing
	StatePublishing
	StateCommitting
	// StateFailedPoison is entered when an envelope exhausts its engine
	// attempts. A failure response is still published and committed.
	StateFailedPoison
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateFetching:
		return "FETCHING"
	case StateProcessing:
		return "PROCESSING"
	case StatePublishing:
		return "PUBLISHING"
	case StateCommitting:
		return "COMMITTING"
	case StateFailedPoison:
		return "FAILED_POISON"
	default:
		return "UNKNOWN"
	}
}

// MarshalText encodes the state by name.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}
