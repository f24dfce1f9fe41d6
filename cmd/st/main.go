// Command st runs semantic-entity token construction on a simulated mesh
// and inspects the recorded runs.
package main

import (
	"fmt"
	"os"
)

const version = "1.0.0"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "--help", "-h", "help":
		printUsage()
		return
	case "--version", "-v", "version":
		fmt.Println("st", version)
		return

	// No database needed.
	case "init":
		os.Exit(cmdInit(os.Args[2:]))
	case "decode":
		os.Exit(cmdDecode(os.Args[2:]))
	}

	a, err := newApp()
	if err != nil {
		fatal("%v", err)
	}
	defer a.Close()

	switch os.Args[1] {
	case "run":
		os.Exit(a.cmdRun(os.Args[2:]))
	case "watch":
		os.Exit(a.cmdWatch(os.Args[2:]))
	case "runs":
		os.Exit(a.cmdRuns(os.Args[2:]))
	case "status":
		os.Exit(a.cmdStatus(os.Args[2:]))
	case "log":
		os.Exit(a.cmdLog(os.Args[2:]))

	default:
		fmt.Fprintf(os.Stderr, "st: unknown command %q\n", os.Args[1])
		fmt.Fprintln(os.Stderr, "Run 'st --help' for usage.")
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Print(`st - token construction over semantic entities

Builds a spanning tree per entity, circulates a token count along it and
lets event predictors put nodes to sleep between tokens. Runs are recorded
in a local SQLite database.

Usage:
  st <command> [flags]

Setup:
  init [--force]            Write the default configuration

Simulation:
  run [--duration MS]       Simulate the configured mesh and record the run
  watch [--listen ADDR]     Re-run whenever the configuration file changes

Inspection:
  runs                      List recorded runs
  status [--run N]          Trees and convergence at the end of a run
  log [--run N] [--since N] Query a run's event log
  decode <hex>              Decode a forward, gossip or entity-state payload

Environment:
  SEMTOKEN_CONFIG     Configuration file (default: semtoken.toml)
  SEMTOKEN_DB         SQLite database path (overrides store.path)
  SEMTOKEN_LOG_LEVEL  Log level (overrides logging.level)
  SEMTOKEN_SEED       Random seed (overrides simulation.seed)

Most commands support --json for machine-readable output.

Exit codes:
  0  success
  1  error
  2  an entity did not converge (run, status)
`)
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func fatal(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "st: "+format+"\n", args...)
	os.Exit(1)
}
