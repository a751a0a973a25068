// Copyright (c) 2024 Intel Corporation
//
// SPDX-License-Identifier: Apache-2.0
//

package broker

import (
	"encoding/gob"
	"net"

	"github.com/intel/civmgr/internal/civerr"
)

// Call dials the mailbox socket, sends req, and decodes the reply. It
// is the CLI side of every subcommand that isn't --start-server.
func Call(sockPath string, req Request) (Reply, error) {
	if sockPath == "" {
		sockPath = DefaultSocketPath
	}

	conn, err := net.Dial("unix", sockPath)
	if err != nil {
		return Reply{}, civerr.Wrap(civerr.HostOpFailed, err, "connect to civmgr service")
	}
	defer conn.Close()

	if err := gob.NewEncoder(conn).Encode(req); err != nil {
		return Reply{}, civerr.Wrap(civerr.HostOpFailed, err, "send request")
	}

	var reply Reply
	if err := gob.NewDecoder(conn).Decode(&reply); err != nil {
		return Reply{}, civerr.Wrap(civerr.HostOpFailed, err, "read reply")
	}
	return reply, nil
}
