// Copyright 2026 The Matrix Secretary Authors
// SPDX-License-Identifier: Apache-2.0

package secretary

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ErrPolicyNotFound is returned by Store.Policy when no document with
// the requested key exists.
var ErrPolicyNotFound = errors.New("policy not found")

// ErrBindingNotFound is returned by Store.Binding when no room binding
// exists for a (policy key, room key) pair.
var ErrBindingNotFound = errors.New("room binding not found")

// ErrNotImplemented marks attributes the secretary refuses to
// reconcile. Encryption is the only one today: toggling it is
// irreversible on the Matrix side, so a spec that asks for it fails
// loudly instead of being silently skipped.
var ErrNotImplemented = errors.New("not implemented")

// ConfigurationError reports a policy document that cannot be acted
// on. Nothing is written to the homeserver for a room whose spec fails
// validation.
type ConfigurationError struct {
	PolicyKey string
	Issues    []string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("policy %q is misconfigured: %s", e.PolicyKey, strings.Join(e.Issues, "; "))
}

// SweepError aggregates per-room failures from a teardown or GC sweep.
// The sweep always visits every room; this error reports the ones that
// failed.
type SweepError struct {
	Failures map[string]error // room ID → failure
}

func (e *SweepError) Error() string {
	rooms := make([]string, 0, len(e.Failures))
	for room := range e.Failures {
		rooms = append(rooms, room)
	}
	sort.Strings(rooms)
	parts := make([]string, 0, len(rooms))
	for _, room := range rooms {
		parts = append(parts, fmt.Sprintf("%s: %v", room, e.Failures[room]))
	}
	return fmt.Sprintf("%d room(s) failed: %s", len(rooms), strings.Join(parts, "; "))
}
