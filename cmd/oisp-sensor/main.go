// Package main provides the entry point for the OISP sensor: a local
// process that captures outbound TLS traffic to AI provider APIs,
// decodes it into structured events, and exports them to one or more
// configured sinks.
package main

import (
	"fmt"
	"os"

	"github.com/oisp-project/oisp-sensor/internal/buildinfo"
	"github.com/oisp-project/oisp-sensor/internal/cli"
	"github.com/oisp-project/oisp-sensor/internal/logging"
)

var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

func init() {
	logging.SetupBaseLogger()
	buildinfo.Version = Version
	buildinfo.Commit = Commit
	buildinfo.BuildDate = BuildDate
}

func main() {
	fmt.Printf("oisp-sensor %s, commit %s, built %s\n", buildinfo.Version, buildinfo.Commit, buildinfo.BuildDate)
	os.Exit(cli.Run(os.Args[1:], os.Stdout, os.Stderr))
}
