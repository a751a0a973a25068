// Copyright (c) 2024 Intel Corporation
//
// SPDX-License-Identifier: Apache-2.0
//

package broker

// Tag identifies a client request, the Go equivalent of spec §3's
// tagged-union Request record.
type Tag string

const (
	TagPing         Tag = "ping"
	TagStopService  Tag = "stop_service"
	TagListGuests   Tag = "list_guests"
	TagImportConfig Tag = "import_config"
	TagStartGuest   Tag = "start_guest"
	TagStopGuest    Tag = "stop_guest"
	TagDeleteGuest  Tag = "delete_guest"
	TagGetState     Tag = "get_state"
)

// Request is the single record exchanged over the mailbox socket. Only
// the fields relevant to Tag are populated; the rest are zero values.
// This replaces spec §6's fixed-size shared-memory Msg{tag, payload}
// struct plus its secondary payload region — gob already knows how to
// carry a variable-length name/env/path without a second region.
type Request struct {
	Tag        Tag
	Name       string
	ConfigPath string
	Env        []string
}

// GuestSummary is the wire form of one guest's state, carried in a
// ListGuests or GetState reply.
type GuestSummary struct {
	Name  string
	State string
	CID   uint32
	PID   int
}

// Reply is the single record sent back for every Request. OK mirrors
// spec §7's "mailbox reply carries only success/fail" rule: richer
// detail is additive payload, never a substitute for the OK flag.
type Reply struct {
	OK      bool
	Guests  []GuestSummary
	Summary GuestSummary
}
