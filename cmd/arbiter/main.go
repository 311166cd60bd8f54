// Command arbiter runs the governed decision engine: a long-running
// decision service plus offline tooling for bundle validation, one-shot
// decisions, the invariance gate and tensor builds.
package main

import (
	"fmt"
	"io"
	"os"
)

// Exit codes. A FORBID verdict is a successful decision and exits 0.
const (
	exitOK          = 0
	exitInfraFault  = 1
	exitConfigFault = 2
	exitGateFailed  = 3
)

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run dispatches subcommands. Split from main for testability.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		usage(stderr)
		return exitConfigFault
	}
	switch args[1] {
	case "serve", "server":
		return runServe(args[2:], stdout, stderr)
	case "decide":
		return runDecide(args[2:], stdout, stderr)
	case "validate":
		return runValidate(args[2:], stdout, stderr)
	case "invariance":
		return runInvariance(args[2:], stdout, stderr)
	case "tensor":
		return runTensor(args[2:], stdout, stderr)
	case "help", "-h", "--help":
		usage(stdout)
		return exitOK
	default:
		_, _ = fmt.Fprintf(stderr, "arbiter: unknown command %q\n", args[1])
		usage(stderr)
		return exitConfigFault
	}
}

func usage(w io.Writer) {
	_, _ = fmt.Fprint(w, `Usage: arbiter <command> [flags]

Commands:
  serve                     run the decision API server
  decide <descriptor.json>  evaluate one descriptor against a bundle
  validate <bundle.yaml>    validate a governance bundle
  invariance <corpus.yaml>  run the invariance gate against a bundle
  tensor                    build a tensor snapshot from the decision ledger
`)
}
