// Command boa-agent drives a single Session through BOA's lifecycle
// operations end to end: it loads the environment and Session Template
// described in spec.md §6, runs the SessionCoordinator, and maps the
// outcome to an exit code per spec.md §7.
//
// Grounded on tool/gravity/main.go's kingpin.New + trace.DebugReport +
// explicit os.Exit pattern.
package main

import (
	"context"
	"os"
	"time"

	"github.com/Cray-HPE/boa/lib/boaconfig"
	"github.com/Cray-HPE/boa/lib/boaerror"
	"github.com/Cray-HPE/boa/lib/coordinator"
	"github.com/gravitational/trace"
	log "github.com/sirupsen/logrus"
	"gopkg.in/alecthomas/kingpin.v2"
)

// sidecarReadyTimeout bounds how long the agent waits for the sidecar
// proxy before giving up and proceeding anyway (spec.md §4.11).
const sidecarReadyTimeout = 30 * time.Second

func main() {
	app := kingpin.New("boa-agent", "Boot Orchestration Agent")
	if _, err := app.Parse(os.Args[1:]); err != nil {
		log.Error(trace.DebugReport(err))
		os.Exit(1)
	}
	os.Exit(run())
}

// run performs the actual work and returns the process exit code,
// kept separate from main so os.Exit is called in exactly one place.
func run() int {
	cfg, err := boaconfig.FromEnvironment()
	if err != nil {
		log.Error(trace.DebugReport(err))
		return exitCodeFor(boaerror.WrapNontransient(err, "invalid configuration"))
	}

	if level, err := log.ParseLevel(cfg.LogLevel); err == nil {
		log.SetLevel(level)
	}

	ctx := context.Background()
	if err := coordinator.WaitForSidecar(ctx, cfg.SidecarReadyURL, sidecarReadyTimeout); err != nil {
		log.Error(trace.DebugReport(err))
		return exitCodeFor(err)
	}

	if err := coordinator.New(cfg).Run(ctx); err != nil {
		log.Error(trace.DebugReport(err))
		return exitCodeFor(err)
	}
	return 0
}

// exitCodeFor maps err to the process exit code per spec.md §7:
// nontransient failures exit 0 (discourage an automatic restart; a
// human must intervene), everything else exits 1 (the container
// runtime may retry).
func exitCodeFor(err error) int {
	if boaerror.IsNontransient(err) {
		return 0
	}
	return 1
}
