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

// lsusb lists attached USB devices and their descriptor trees.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"sort"

	"github.com/alecthomas/kong"
	kongtoml "github.com/alecthomas/kong-toml"
	kongyaml "github.com/alecthomas/kong-yaml"

	"github.com/ausbio/ausb"
)

type cli struct {
	Config kong.ConfigFlag `help:"Path to a config file (JSON, YAML or TOML)." env:"AUSB_LSUSB_CONFIG"`

	Strings  bool   `help:"Open each device and read its string descriptors." default:"true" negatable:""`
	Debug    int    `help:"libusb debug level (0..4)." default:"0"`
	Verbose  bool   `short:"v" help:"Print configurations, interfaces and endpoints."`
	LogLevel string `help:"Log verbosity." enum:"debug,info,warn,error" default:"warn"`
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
		kong.Name("lsusb"),
		kong.Description("List attached USB devices."),
		kong.UsageOnError(),
		kong.Configuration(kong.JSON, "~/.config/ausb/lsusb.json"),
		kong.Configuration(kongyaml.Loader, "~/.config/ausb/lsusb.yaml"),
		kong.Configuration(kongtoml.Loader, "~/.config/ausb/lsusb.toml"),
	)

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel(flags.LogLevel)}))
	ausb.SetLogger(logger)
	kctx.FatalIfErrorf(run(&flags, logger))
}

func run(flags *cli, logger *slog.Logger) error {
	ctx := ausb.NewContext()
	defer ctx.Close()
	ctx.Debug(flags.Debug)

	// String descriptors are only readable through an open handle, so by
	// default every device is opened. Devices the OS refuses to open are
	// reported and skipped.
	devs, err := ctx.OpenDevices(func(desc *ausb.DeviceDesc) bool {
		if !flags.Strings {
			printDevice(desc, nil, flags.Verbose)
		}
		return flags.Strings
	})
	defer func() {
		for _, d := range devs {
			d.Close()
		}
	}()
	if err != nil {
		logger.Warn("some devices could not be opened", "error", err)
	}

	for _, dev := range devs {
		printDevice(dev.Desc, dev, flags.Verbose)
	}
	return nil
}

func printDevice(desc *ausb.DeviceDesc, dev *ausb.Device, verbose bool) {
	label := ""
	if dev != nil {
		manufacturer, err := dev.Manufacturer()
		if err != nil {
			manufacturer = "-"
		}
		product, err := dev.Product()
		if err != nil {
			product = "-"
		}
		label = fmt.Sprintf(" %s %s", manufacturer, product)
		if serial, err := dev.SerialNumber(); err == nil {
			label += fmt.Sprintf(" (S/N %s)", serial)
		}
	}
	fmt.Printf("%03d:%03d %s:%s%s\n", desc.Bus, desc.Address, desc.Vendor, desc.Product, label)
	fmt.Printf("  Class: %s/%s, USB %s, %s speed\n", desc.Class, desc.SubClass, desc.Spec, desc.Speed)

	if !verbose {
		return
	}
	nums := make([]int, 0, len(desc.Configs))
	for num := range desc.Configs {
		nums = append(nums, num)
	}
	sort.Ints(nums)
	for _, num := range nums {
		cfg := desc.Configs[num]
		fmt.Printf("  %s:\n", cfg)
		for _, intf := range cfg.Interfaces {
			fmt.Printf("    --------------\n")
			for _, alt := range intf.AltSettings {
				fmt.Printf("    %s\n", alt)
				for _, end := range alt.Endpoints {
					fmt.Printf("      %s\n", end)
				}
			}
		}
		fmt.Printf("    --------------\n")
	}
}
