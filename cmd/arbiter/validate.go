package main

import (
	"context"
	"fmt"
	"io"
)

// runValidate checks a bundle without serving it.
func runValidate(args []string, stdout, stderr io.Writer) int {
	if len(args) != 1 {
		_, _ = fmt.Fprintln(stderr, "usage: arbiter validate <bundle.yaml>")
		return exitConfigFault
	}

	graph, registry, err := loadBundle(context.Background(), args[0])
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "arbiter: bundle invalid: %v\n", err)
		return exitConfigFault
	}

	_, _ = fmt.Fprintf(stdout, "bundle ok\n")
	_, _ = fmt.Fprintf(stdout, "  version:     %s\n", graph.Version)
	_, _ = fmt.Fprintf(stdout, "  bundle hash: %s\n", graph.Hash)
	_, _ = fmt.Fprintf(stdout, "  nodes:       %d\n", len(graph.NodeIDs()))
	_, _ = fmt.Fprintf(stdout, "  facts:       %d\n", len(registry.Writers()))
	return exitOK
}
