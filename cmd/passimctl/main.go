// Copyright 2024 Richard Hughes <richard@hughsie.com>
//
// SPDX-License-Identifier: LGPL-2.1-or-later

// Command passimctl is the CLI front end for the daemon's D-Bus control
// plane: publishing and unpublishing files, and inspecting daemon status
// (spec.md §4.5).
package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/fatih/color"
	flag "github.com/spf13/pflag"

	"github.com/hughsie/passim/internal/item"
	"github.com/hughsie/passim/pkg/client"
)

var (
	version = "dev"
	commit  = "unknown"
)

// GlobalFlags holds flags shared across every subcommand.
type GlobalFlags struct {
	NoColor bool
	Quiet   bool
}

func logError(g GlobalFlags, format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "[ERROR] "+format+"\n", args...)
}

func logInfo(g GlobalFlags, format string, args ...interface{}) {
	if !g.Quiet {
		fmt.Fprintf(os.Stderr, "[INFO] "+format+"\n", args...)
	}
}

func main() {
	var (
		showVersion = flag.BoolP("version", "V", false, "Show version and exit")
		nextReboot  = flag.Bool("next-reboot", false, "Publish with the NEXT_REBOOT flag set")
		noColor     = flag.Bool("no-color", false, "Disable color output")
		quiet       = flag.BoolP("quiet", "q", false, "Suppress informational output")
	)
	flag.SetInterspersed(false)
	flag.Parse()

	globals := GlobalFlags{NoColor: *noColor, Quiet: *quiet}
	color.NoColor = color.NoColor || globals.NoColor || os.Getenv("NO_COLOR") != ""

	if *showVersion {
		fmt.Printf("passimctl %s (%s)\n", version, commit)
		return
	}

	args := flag.Args()
	if len(args) == 0 {
		usage()
		os.Exit(2)
	}

	cli, err := client.New()
	if err != nil {
		logError(globals, "connect to passimd: %v", err)
		os.Exit(1)
	}
	defer cli.Close()
	if err := cli.Load(); err != nil {
		logError(globals, "load daemon state: %v", err)
		os.Exit(1)
	}

	switch args[0] {
	case "status":
		runStatus(cli, globals)
	case "dump":
		runDump(cli, globals)
	case "publish":
		runPublish(cli, globals, args[1:], *nextReboot)
	case "unpublish":
		runUnpublish(cli, globals, args[1:])
	default:
		logError(globals, "unknown command %q", args[0])
		usage()
		os.Exit(2)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, `passimctl - control the local passim cache daemon

Usage:
  passimctl status                       Show daemon version, status and savings
  passimctl dump                         List every cached item
  passimctl publish <file> [max-age] [share]
                                          Publish a file to the cache
  passimctl unpublish <hash>             Remove an item from the cache

Global options:
  --no-color       Disable color output
  -q, --quiet      Suppress informational output
  --next-reboot    Publish with the NEXT_REBOOT flag set
  -V, --version    Show version and exit
`)
}

func runStatus(cli *client.ClientLibrary, globals GlobalFlags) {
	statusNames := []string{"unknown", "starting", "loading", "running", "disabled-metered"}
	status := "unknown"
	if s := int(cli.GetStatus()); s >= 0 && s < len(statusNames) {
		status = statusNames[s]
	}
	fmt.Printf("Version:\t\t%s\n", cli.GetVersion())
	fmt.Printf("Name:\t\t\t%s\n", cli.GetName())
	fmt.Printf("URI:\t\t\t%s\n", cli.GetURI())
	fmt.Printf("Status:\t\t\t%s\n", status)
	fmt.Printf("DownloadSaving:\t\t%d bytes\n", cli.GetDownloadSaving())
	fmt.Printf("CarbonSaving:\t\t%.3f kg CO2e\n", cli.GetCarbonSaving())
}

func runDump(cli *client.ClientLibrary, globals GlobalFlags) {
	items, err := cli.GetItems()
	if err != nil {
		logError(globals, "list items: %v", err)
		os.Exit(1)
	}
	if len(items) == 0 {
		fmt.Println("No items in cache.")
		return
	}
	for _, it := range items {
		fmt.Printf("%s  %-40s  age-limit=%ds  shares=%d/%d  %s\n",
			it.Hash, it.Basename, it.MaxAge, it.ShareCount, it.ShareLimit, it.Flags.String())
	}
}

func runPublish(cli *client.ClientLibrary, globals GlobalFlags, args []string, nextReboot bool) {
	if len(args) < 1 {
		logError(globals, "publish requires a file path")
		os.Exit(2)
	}
	path := args[0]

	info, err := os.Stat(path)
	if err != nil {
		logError(globals, "stat %s: %v", path, err)
		os.Exit(1)
	}

	builder := &item.Item{
		Basename: filepath.Base(path),
		Storage:  item.Storage{Path: path},
		MaxAge:   item.DefaultMaxAge,
	}
	if nextReboot {
		builder.Flags |= item.FlagNextReboot
	}
	if len(args) >= 2 {
		v, perr := strconv.ParseUint(args[1], 10, 32)
		if perr != nil {
			logError(globals, "invalid max-age %q: %v", args[1], perr)
			os.Exit(2)
		}
		builder.MaxAge = uint32(v)
	}
	if len(args) >= 3 {
		v, perr := strconv.ParseUint(args[2], 10, 32)
		if perr != nil {
			logError(globals, "invalid share limit %q: %v", args[2], perr)
			os.Exit(2)
		}
		builder.ShareLimit = uint32(v)
	}

	logInfo(globals, "publishing %s (%d bytes)", builder.Basename, info.Size())
	if err := cli.Publish(builder); err != nil {
		logError(globals, "publish %s: %v", path, err)
		os.Exit(1)
	}
	logInfo(globals, "published %s", path)
}

func runUnpublish(cli *client.ClientLibrary, globals GlobalFlags, args []string) {
	if len(args) < 1 {
		logError(globals, "unpublish requires a hash")
		os.Exit(2)
	}
	if err := cli.Unpublish(args[0]); err != nil {
		logError(globals, "unpublish %s: %v", args[0], err)
		os.Exit(1)
	}
	logInfo(globals, "unpublished %s", args[0])
}
