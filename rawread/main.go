// Copyright 2026 the ausb Authors.  All rights reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// rawread reads from an IN endpoint of the specified USB device using
// asynchronous transfers pumped through an epoll event loop.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/alecthomas/kong"
	kongtoml "github.com/alecthomas/kong-toml"
	kongyaml "github.com/alecthomas/kong-yaml"

	"github.com/ausbio/ausb"
	"github.com/ausbio/ausb/eventloop"
)

type cli struct {
	Config kong.ConfigFlag `help:"Path to a config file (JSON, YAML or TOML)." env:"AUSB_RAWREAD_CONFIG"`

	VIDPID    string        `name:"vidpid" help:"VID:PID of the device to read from, two 16-bit hex numbers separated by a colon, e.g. 1d6b:0002." required:""`
	Endpoint  uint8         `help:"IN endpoint number to read from." default:"1"`
	Interface int           `help:"Interface to claim." default:"0"`
	Transfers int           `help:"Number of asynchronous transfers kept in flight." default:"4"`
	Size      int           `name:"read-size" help:"Bytes requested per transfer." default:"1024"`
	Num       int           `name:"read-num" help:"Number of reads to perform. 0 means infinite." default:"0"`
	Timeout   time.Duration `help:"Per-transfer timeout. 0 means none." default:"0"`
	Debug     int           `help:"libusb debug level (0..4)." default:"0"`
	LogLevel  string        `help:"Log verbosity." enum:"debug,info,warn,error" default:"warn"`
}

func parseVIDPID(vidPid string) (ausb.ID, ausb.ID, error) {
	s := strings.Split(vidPid, ":")
	if len(s) != 2 {
		return 0, 0, fmt.Errorf("want VID:PID, two 16-bit hex numbers separated by colon, e.g. 1d6b:0002")
	}
	vid, err := strconv.ParseUint(s[0], 16, 16)
	if err != nil {
		return 0, 0, fmt.Errorf("VID must be a hexadecimal 16-bit number, e.g. 1d6b")
	}
	pid, err := strconv.ParseUint(s[1], 16, 16)
	if err != nil {
		return 0, 0, fmt.Errorf("PID must be a hexadecimal 16-bit number, e.g. 0002")
	}
	return ausb.ID(vid), ausb.ID(pid), nil
}

func logLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "error":
		return slog.LevelError
	default:
		return slog.LevelWarn
	}
}

func main() {
	var flags cli
	kctx := kong.Parse(&flags,
		kong.Name("rawread"),
		kong.Description("Read from a USB IN endpoint using asynchronous transfers."),
		kong.UsageOnError(),
		kong.Configuration(kong.JSON, "~/.config/ausb/rawread.json"),
		kong.Configuration(kongyaml.Loader, "~/.config/ausb/rawread.yaml"),
		kong.Configuration(kongtoml.Loader, "~/.config/ausb/rawread.toml"),
	)

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel(flags.LogLevel)}))
	ausb.SetLogger(logger)
	kctx.FatalIfErrorf(run(&flags, logger))
}

func run(flags *cli, logger *slog.Logger) error {
	vid, pid, err := parseVIDPID(flags.VIDPID)
	if err != nil {
		return fmt.Errorf("invalid --vidpid %q: %w", flags.VIDPID, err)
	}

	// The goroutine holding the native event lock must not migrate between
	// OS threads.
	runtime.LockOSThread()

	ctx := ausb.NewContext()
	defer ctx.Close()
	ctx.Debug(flags.Debug)

	dev, err := ctx.OpenDeviceWithVIDPID(vid, pid)
	if err != nil {
		return fmt.Errorf("opening device %s:%s: %w", vid, pid, err)
	}
	if dev == nil {
		return fmt.Errorf("no device found with VID:PID %s:%s", vid, pid)
	}
	defer dev.Close()

	if err := dev.SetAutoDetach(true); err != nil {
		return fmt.Errorf("enabling auto-detach: %w", err)
	}
	if err := dev.ClaimInterface(flags.Interface); err != nil {
		return fmt.Errorf("claiming interface %d: %w", flags.Interface, err)
	}
	defer dev.ReleaseInterface(flags.Interface)

	loop, err := eventloop.Open()
	if err != nil {
		return err
	}
	defer loop.Close()

	if err := ctx.Register(loop, 1); err != nil {
		return err
	}
	defer ctx.Deregister(loop)

	endpoint := flags.Endpoint | 0x80
	logger.Info("reading", "device", dev.Desc.String(), "endpoint", fmt.Sprintf("0x%02x", endpoint))

	// Each transfer prints its data and resubmits itself until the read
	// budget runs out.
	remaining := flags.Num
	callback := func(data ausb.CompletionData) ausb.Directive {
		if data.Status != ausb.TransferCompleted {
			logger.Warn("transfer finished abnormally", "status", data.Status.String())
			return ausb.Unhandled()
		}
		os.Stdout.Write(data.Buf[:data.ActualLength])
		if flags.Num > 0 {
			remaining--
			if remaining <= 0 {
				return ausb.Handled()
			}
		}
		return ausb.Resubmit(data.Buf)
	}

	transfers := flags.Transfers
	if flags.Num > 0 && transfers > flags.Num {
		transfers = flags.Num
	}
	inFlight := 0
	for i := 0; i < transfers; i++ {
		if _, err := dev.BulkAsync(endpoint, make([]byte, flags.Size), flags.Timeout, callback); err != nil {
			return fmt.Errorf("submitting transfer %d: %w", i, err)
		}
		inFlight++
	}

	var out []ausb.Completion
	for inFlight > 0 {
		n, err := loop.Wait(1000, func(eventloop.Event) {})
		if err != nil {
			return err
		}
		if n == 0 {
			continue
		}
		if err := ctx.Pump(loop, &out); err != nil {
			return err
		}
		for _, comp := range out {
			if comp.Err != nil {
				logger.Error("transfer retired with an error", "id", uint32(comp.ID), "error", comp.Err)
			}
			inFlight--
		}
	}
	return nil
}
