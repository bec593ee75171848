package main

import (
	"fmt"
	"io"
	"os"
)

// Dispatcher
func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run is the entrypoint for testing.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		return runServe(nil, stdout, stderr)
	}

	switch args[1] {
	case "serve", "server":
		return runServe(args[2:], stdout, stderr)
	case "keygen":
		return runKeygen(args[2:], stdout, stderr)
	case "profiles":
		return runProfiles(args[2:], stdout, stderr)
	case "rebuild-mirror":
		return runRebuildMirror(args[2:], stdout, stderr)
	case "health":
		return runHealth(args[2:], stdout, stderr)
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		if args[1][0] == '-' {
			return runServe(args[1:], stdout, stderr)
		}
		_, _ = fmt.Fprintf(stderr, "Unknown command: %s\n", args[1])
		printUsage(stderr)
		return 2
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "milepool oracled")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "USAGE:")
	fmt.Fprintln(w, "  oracled <command> [flags]")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "COMMANDS:")
	fmt.Fprintln(w, "  serve           Run the oracle daemon (default)")
	fmt.Fprintln(w, "  keygen          Generate an attester keypair")
	fmt.Fprintln(w, "  profiles        Validate challenge profiles in the profiles directory")
	fmt.Fprintln(w, "  rebuild-mirror  Replay the ledger into the display mirror of a running daemon")
	fmt.Fprintln(w, "  health          Probe a running daemon's health endpoint")
	fmt.Fprintln(w, "  help            Show this help")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Configuration is read from the environment; see pkg/config.")
}
