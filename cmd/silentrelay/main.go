// main.go - SilentRelay daemon.
// Copyright (C) 2025  SilentRelay authors.
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	silentrelay "github.com/JaydenBeard/SilentRelay-sub005"
	"github.com/JaydenBeard/SilentRelay-sub005/config"
)

func main() {
	cfgFile := flag.String("f", "silentrelay.toml", "Path to the config file.")
	genOnly := flag.Bool("g", false, "Validate the config and exit.")
	flag.Parse()

	cfg, err := config.LoadFile(*cfgFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config file '%v': %v\n", *cfgFile, err)
		os.Exit(-1)
	}
	if *genOnly {
		fmt.Printf("Config '%v' is valid.\n", *cfgFile)
		os.Exit(0)
	}

	// Set the umask to something "paranoid".
	syscall.Umask(0077)

	ch := make(chan os.Signal, 1)
	signal.Notify(ch, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)

	svr, err := silentrelay.New(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to spawn server instance: %v\n", err)
		os.Exit(-1)
	}

	for {
		sig := <-ch
		if sig == syscall.SIGHUP {
			if err := svr.RotateLog(); err != nil {
				fmt.Fprintf(os.Stderr, "Failed to rotate log: %v\n", err)
			}
			continue
		}
		break
	}

	svr.Shutdown()
	svr.Wait()
}
