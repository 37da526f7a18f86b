// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// cmri-scan polls a range of node addresses on the bus and reports which
// ones answer. Handy when wiring up a layout and nobody wrote down the
// address switches.
package main

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/pflag"

	"github.com/ffutop/cmri-gateway/cmri"
	"github.com/ffutop/cmri-gateway/internal/config"
	"github.com/ffutop/cmri-gateway/transport"
	"github.com/ffutop/cmri-gateway/transport/serial"
)

func main() {
	device := pflag.String("device", "/dev/ttyUSB0", "Serial device the bus hangs off")
	baudRate := pflag.Int("baud-rate", 19200, "Serial baud rate")
	start := pflag.Int("start", 0, "First node address to try")
	end := pflag.Int("end", 26, "Last node address to try (inclusive)")
	timeout := pflag.Duration("timeout", 500*time.Millisecond, "Per-address reply timeout")
	pflag.Parse()

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn})))

	if *start < 0 || *end > cmri.MaxNodeAddress || *start > *end {
		fmt.Fprintf(os.Stderr, "bad address range %d..%d\n", *start, *end)
		os.Exit(1)
	}

	sc := config.SerialConfig{Device: *device, BaudRate: *baudRate}
	config.FixupSerial(&sc)
	client := serial.NewClient(sc, *timeout)
	defer client.Close()

	fmt.Printf("Scanning for nodes via %s\n", *device)

	found := 0
	for addr := *start; addr <= *end; addr++ {
		pkt := &cmri.Packet{Address: cmri.NodeAddress(addr), Type: cmri.TypePoll}
		reply, err := client.Send(context.Background(), pkt)
		switch {
		case err == nil:
			fmt.Printf("%d\t%s\t%s\n", reply.Address, reply.Type, hex.EncodeToString(reply.Payload))
			found++
		case errors.Is(err, transport.ErrTimedOut):
			// Silence; nobody home at this address.
		default:
			fmt.Fprintf(os.Stderr, "bus error at address %d: %v\n", addr, err)
			os.Exit(1)
		}
	}
	fmt.Printf("%d node(s) responded\n", found)
}
