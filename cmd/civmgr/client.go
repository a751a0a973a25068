// Copyright (c) 2024 Intel Corporation
//
// SPDX-License-Identifier: Apache-2.0
//

package main

import (
	"fmt"
	"os"

	"github.com/intel/civmgr/internal/broker"
	"github.com/intel/civmgr/internal/civerr"
)

func clientStopServer(sockPath string) error {
	reply, err := broker.Call(sockPath, broker.Request{Tag: broker.TagStopService})
	if err != nil {
		return err
	}
	if !reply.OK {
		return civerr.New(civerr.HostOpFailed, "stop-server request rejected")
	}
	return nil
}

func clientStartGuest(sockPath, name string) error {
	reply, err := broker.Call(sockPath, broker.Request{Tag: broker.TagStartGuest, Name: name, Env: os.Environ()})
	if err != nil {
		return err
	}
	if !reply.OK {
		return civerr.New(civerr.InstanceConflict, fmt.Sprintf("guest %q failed to start", name))
	}
	return nil
}

func clientStopGuest(sockPath, name string) error {
	reply, err := broker.Call(sockPath, broker.Request{Tag: broker.TagStopGuest, Name: name})
	if err != nil {
		return err
	}
	if !reply.OK {
		return civerr.New(civerr.InstanceUnknown, fmt.Sprintf("guest %q unknown", name))
	}
	return nil
}

func clientDeleteGuest(sockPath, name string) error {
	reply, err := broker.Call(sockPath, broker.Request{Tag: broker.TagDeleteGuest, Name: name})
	if err != nil {
		return err
	}
	if !reply.OK {
		return civerr.New(civerr.InstanceUnknown, fmt.Sprintf("guest %q unknown", name))
	}
	return nil
}

func clientImportConfig(sockPath, path string) error {
	reply, err := broker.Call(sockPath, broker.Request{Tag: broker.TagImportConfig, ConfigPath: path, Env: os.Environ()})
	if err != nil {
		return err
	}
	if !reply.OK {
		return civerr.New(civerr.ConfigInvalid, fmt.Sprintf("failed to import %q", path))
	}
	return nil
}

func clientListGuests(sockPath string) error {
	reply, err := broker.Call(sockPath, broker.Request{Tag: broker.TagListGuests})
	if err != nil {
		return err
	}
	if len(reply.Guests) == 0 {
		fmt.Println("no guests registered")
		return nil
	}
	for _, g := range reply.Guests {
		fmt.Printf("%-20s %-10s cid=%d pid=%d\n", g.Name, g.State, g.CID, g.PID)
	}
	return nil
}
