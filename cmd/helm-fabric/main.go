// Command helm-fabric is the operator CLI for an Event Fabric data
// directory: it verifies WAL integrity, dumps events, reports metrics and
// drives checkpointing and governed compaction.
//
// Exit codes:
//
//	0 = ok
//	1 = verification failure (corrupt or tampered log)
//	2 = runtime or usage error
package main

import (
	"fmt"
	"io"
	"os"
)

const (
	exitOK      = 0
	exitFailed  = 1
	exitRuntime = 2
)

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run is the entrypoint for testing.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		printUsage(stderr)
		return exitRuntime
	}

	switch args[1] {
	case "verify":
		return runVerifyCmd(args[2:], stdout, stderr)
	case "inspect":
		return runInspectCmd(args[2:], stdout, stderr)
	case "stats":
		return runStatsCmd(args[2:], stdout, stderr)
	case "checkpoint":
		return runCheckpointCmd(args[2:], stdout, stderr)
	case "compact":
		return runCompactCmd(args[2:], stdout, stderr)
	case "help", "--help", "-h":
		printUsage(stdout)
		return exitOK
	default:
		_, _ = fmt.Fprintf(stderr, "Unknown command: %s\n", args[1])
		printUsage(stderr)
		return exitRuntime
	}
}

func printUsage(w io.Writer) {
	_, _ = fmt.Fprintln(w, "helm-fabric: event fabric operator tool")
	_, _ = fmt.Fprintln(w, "")
	_, _ = fmt.Fprintln(w, "USAGE:")
	_, _ = fmt.Fprintln(w, "  helm-fabric <command> [flags]")
	_, _ = fmt.Fprintln(w, "")
	_, _ = fmt.Fprintln(w, "COMMANDS:")
	printCommand(w, "verify", "Verify the hash chain of every WAL segment (--json)")
	printCommand(w, "inspect", "Print events as JSON lines (--from, --to, --filter)")
	printCommand(w, "stats", "Print fabric metrics as JSON (--segments)")
	printCommand(w, "checkpoint", "Rebuild the provenance index and record a checkpoint (--frontier-only)")
	printCommand(w, "compact", "Archive and drop segments covered by a checkpoint (--sequence)")
	_, _ = fmt.Fprintln(w, "")
	_, _ = fmt.Fprintln(w, "COMMON FLAGS:")
	printCommand(w, "--config", "YAML config file (environment still overrides it)")
	printCommand(w, "--data-dir", "Data directory (overrides HELM_FABRIC_DATA_DIR)")
}

func printCommand(w io.Writer, name, desc string) {
	_, _ = fmt.Fprintf(w, "  %-12s %s\n", name, desc)
}
