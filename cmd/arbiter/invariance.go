package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/Veridian-Labs/arbiter/pkg/config"
	"github.com/Veridian-Labs/arbiter/pkg/invariance"
)

// runInvariance is the CI release gate: structural tightening check plus
// the behavioral corpus. Unwaived violations exit 3.
func runInvariance(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("invariance", flag.ContinueOnError)
	fs.SetOutput(stderr)
	bundlePath := fs.String("bundle", "", "governance bundle (defaults to configured bundle)")
	if err := fs.Parse(args); err != nil {
		return exitConfigFault
	}
	if fs.NArg() != 1 {
		_, _ = fmt.Fprintln(stderr, "usage: arbiter invariance [-bundle bundle.yaml] <corpus.yaml>")
		return exitConfigFault
	}

	cfg, err := config.Load()
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "arbiter: %v\n", err)
		return exitConfigFault
	}
	if *bundlePath != "" {
		cfg.BundlePath = *bundlePath
	}
	logger := newLogger(stderr, "ERROR")

	raw, err := os.ReadFile(fs.Arg(0))
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "arbiter: %v\n", err)
		return exitInfraFault
	}
	corpus, err := invariance.ParseCorpus(raw)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "arbiter: %v\n", err)
		return exitConfigFault
	}

	ctx := context.Background()
	eng, cleanup, code := buildEngine(ctx, cfg, logger, false)
	if code != exitOK {
		return code
	}
	defer cleanup()

	// Structural gate first: the loaded graph must honor envelope
	// tightening before any behavioral case runs.
	if err := eng.Graph().CheckTightening(); err != nil {
		_, _ = fmt.Fprintf(stderr, "arbiter: tightening violated: %v\n", err)
		return exitGateFailed
	}

	report, err := invariance.NewHarness(eng).Run(ctx, corpus)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "arbiter: %v\n", err)
		return exitInfraFault
	}

	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(report); err != nil {
		return exitInfraFault
	}
	if !report.Clean() {
		return exitGateFailed
	}
	return exitOK
}
