// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package session

import "fmt"

// State is the connection state of a Supervisor.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	Disconnecting
	// ConnectionFailure follows an unexpected drop of an established
	// connection. It persists until a reconnect or ClearFailure.
	ConnectionFailure
)

var stateNames = [...]string{
	Disconnected:      "disconnected",
	Connecting:        "connecting",
	Connected:         "connected",
	Disconnecting:     "disconnecting",
	ConnectionFailure: "connection_failure",
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// States lists every state in declaration order.
func States() []State {
	return []State{Disconnected, Connecting, Connected, Disconnecting, ConnectionFailure}
}

// CanTransitionTo reports whether next is a legal successor of s.
func (s State) CanTransitionTo(next State) bool {
	switch s {
	case Disconnected:
		return next == Connecting
	case Connecting:
		return next == Connected || next == Disconnected || next == Disconnecting
	case Connected:
		return next == ConnectionFailure || next == Disconnecting
	case Disconnecting:
		return next == Disconnected
	case ConnectionFailure:
		return next == Connecting || next == Disconnected
	}
	return false
}
