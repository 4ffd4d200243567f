// This file is part of Gophervisor.
//
// Gophervisor is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// Gophervisor is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with Gophervisor.  If not, see <https://www.gnu.org/licenses/>.

package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/bradleyjkemp/memviz"

	"github.com/gophervisor/gophervisor/hardware"
	"github.com/gophervisor/gophervisor/hardware/cpu"
	"github.com/gophervisor/gophervisor/logger"
	"github.com/gophervisor/gophervisor/preferences"
	"github.com/gophervisor/gophervisor/resources"
	"github.com/gophervisor/gophervisor/statsview"
	"github.com/gophervisor/gophervisor/version"
)

const usageHeader = `usage: gophervisor [options] image
  image is a flat binary loaded at the -entry address
`

func main() {
	os.Exit(launch())
}

func launch() int {
	prefsFile := flag.String("prefs", "", "path to a TOML preferences file")
	ramSize := flag.Uint64("ram", 16, "guest RAM size in MiB")
	modeName := flag.String("mode", "real", "initial mode: real, protected or long")
	entry := flag.Uint64("entry", 0x7c00, "load address and initial instruction pointer")
	limit := flag.Uint64("limit", 0, "stop after this many retired instructions (0 = no limit)")
	dump := flag.String("dump", "", "write a graph of the machine structure to this file and exit")
	stats := flag.Bool("stats", false, "launch the statsview server (requires the statsview build tag)")
	echo := flag.Bool("log", false, "echo the central log to stderr")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Usage = func() {
		fmt.Fprint(os.Stderr, usageHeader)
		flag.PrintDefaults()
	}
	flag.Parse()

	if *showVersion {
		vers, rev, _ := version.Version()
		fmt.Printf("%s %s (%s)\n", version.ApplicationName, vers, rev)
		return 0
	}

	if *echo {
		logger.SetEcho(os.Stderr)
	}

	var mode cpu.Mode
	switch *modeName {
	case "real":
		mode = cpu.ModeReal
	case "protected":
		mode = cpu.ModeProtected
	case "long":
		mode = cpu.ModeLong
	default:
		fmt.Fprintf(os.Stderr, "unknown mode: %s\n", *modeName)
		return 10
	}

	prefsPath := *prefsFile
	if prefsPath == "" {
		// a failure to resolve the config directory just means defaults
		prefsPath, _ = resources.JoinPath("gophervisor.toml")
	}
	prefs, err := preferences.Load(prefsPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 10
	}

	mac := hardware.NewMachine(prefs, *ramSize<<20, mode)

	if *dump != "" {
		f, err := os.Create(*dump)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return 10
		}
		defer f.Close()
		memviz.Map(f, mac)
		return 0
	}

	if flag.NArg() != 1 {
		flag.Usage()
		return 10
	}

	image, err := os.ReadFile(flag.Arg(0))
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 10
	}
	mac.RAM.WriteBytes(*entry, image)
	mac.State.RIP = *entry & mac.State.IPMask()

	if *stats {
		if statsview.Available() {
			statsview.Launch(os.Stderr)
		} else {
			fmt.Fprintln(os.Stderr, "statsview not available in this build")
		}
	}

	var continueCheck func() (bool, error)
	if *limit > 0 {
		continueCheck = func() (bool, error) {
			return mac.State.TSC < *limit, nil
		}
	}

	if err := mac.Run(continueCheck); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 10
	}
	return 0
}
