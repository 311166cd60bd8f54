package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/Veridian-Labs/arbiter/pkg/config"
	"github.com/Veridian-Labs/arbiter/pkg/descriptor"
	"github.com/Veridian-Labs/arbiter/pkg/engine"
)

// runDecide evaluates one descriptor file ("-" for stdin) against a
// bundle and prints the full decision. Any verdict exits 0.
func runDecide(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("decide", flag.ContinueOnError)
	fs.SetOutput(stderr)
	bundlePath := fs.String("bundle", "", "governance bundle (defaults to configured bundle)")
	if err := fs.Parse(args); err != nil {
		return exitConfigFault
	}
	if fs.NArg() != 1 {
		_, _ = fmt.Fprintln(stderr, "usage: arbiter decide [-bundle bundle.yaml] <descriptor.json>")
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

	raw, err := readInput(fs.Arg(0))
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "arbiter: %v\n", err)
		return exitInfraFault
	}
	d, err := descriptor.ParseJSON(raw)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "arbiter: %v\n", err)
		return exitConfigFault
	}

	ctx := context.Background()
	eng, cleanup, code := buildEngine(ctx, cfg, logger, false)
	if code != exitOK {
		_, _ = fmt.Fprintln(stderr, "arbiter: bundle did not load")
		return code
	}
	defer cleanup()

	dec, err := eng.Decide(ctx, engine.Request{Descriptor: d})
	if err != nil {
		if errors.Is(err, descriptor.ErrInvalidInput) {
			_, _ = fmt.Fprintf(stderr, "arbiter: %v\n", err)
			return exitConfigFault
		}
		_, _ = fmt.Fprintf(stderr, "arbiter: %v\n", err)
		return exitInfraFault
	}

	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(dec); err != nil {
		return exitInfraFault
	}
	return exitOK
}

func readInput(path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(os.Stdin)
	}
	return os.ReadFile(path)
}
