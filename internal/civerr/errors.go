// Copyright (c) 2024 Intel Corporation
//
// SPDX-License-Identifier: Apache-2.0
//

// Package civerr defines the error kinds surfaced by the guest lifecycle
// engine. Every failure path in civmgr returns one of these kinds wrapped
// with context, so the broker can map a failure to a reply tag without
// inspecting error strings.
package civerr

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind identifies the class of failure behind an error, independent of
// the human-readable message.
type Kind string

const (
	// ConfigInvalid means the config file had an unknown section/key,
	// a missing required value, or an enum value outside its set.
	ConfigInvalid Kind = "config_invalid"
	// ConfigIO means the config file was missing or not a regular file.
	ConfigIO Kind = "config_io"
	// ResourceExhausted means the CID pool, hugepages, or SR-IOV VFs
	// were unavailable.
	ResourceExhausted Kind = "resource_exhausted"
	// HostOpFailed means a sysfs write, modprobe, or driver rebind
	// failed or timed out.
	HostOpFailed Kind = "host_op_failed"
	// InstanceConflict means the requested operation conflicts with an
	// instance's current state (start-on-running, import-on-running).
	InstanceConflict Kind = "instance_conflict"
	// InstanceUnknown means the named guest instance does not exist.
	InstanceUnknown Kind = "instance_unknown"
	// ReadinessTimeout means the ready latch did not fire within the
	// bounded wait.
	ReadinessTimeout Kind = "readiness_timeout"
	// ChildSpawnFailed means an external process could not be started.
	ChildSpawnFailed Kind = "child_spawn_failed"
	// ChildExited means an external process died before becoming ready.
	ChildExited Kind = "child_exited"
)

// civError pairs a Kind with an underlying cause so callers can both
// log the message and switch on the Kind.
type civError struct {
	kind  Kind
	cause error
}

func (e *civError) Error() string {
	if e.cause == nil {
		return string(e.kind)
	}
	return fmt.Sprintf("%s: %v", e.kind, e.cause)
}

func (e *civError) Unwrap() error { return e.cause }

// New wraps msg under kind, recording the call site the way the rest of
// the codebase wraps errors with github.com/pkg/errors.
func New(kind Kind, msg string) error {
	return &civError{kind: kind, cause: errors.New(msg)}
}

// Wrap attaches kind to an existing error, preserving it as the cause.
func Wrap(kind Kind, cause error, msg string) error {
	if cause == nil {
		return nil
	}
	return &civError{kind: kind, cause: errors.Wrap(cause, msg)}
}

// Is reports whether err (or anything it wraps) carries the given Kind.
func Is(err error, kind Kind) bool {
	var ce *civError
	for err != nil {
		if c, ok := err.(*civError); ok {
			ce = c
			break
		}
		err = errors.Unwrap(err)
	}
	return ce != nil && ce.kind == kind
}

// KindOf extracts the Kind carried by err, if any.
func KindOf(err error) (Kind, bool) {
	var ce *civError
	for err != nil {
		if c, ok := err.(*civError); ok {
			ce = c
			break
		}
		err = errors.Unwrap(err)
	}
	if ce == nil {
		return "", false
	}
	return ce.kind, true
}
