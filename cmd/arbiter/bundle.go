package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"time"

	"github.com/Veridian-Labs/arbiter/pkg/attest"
	"github.com/Veridian-Labs/arbiter/pkg/config"
	"github.com/Veridian-Labs/arbiter/pkg/dag"
	"github.com/Veridian-Labs/arbiter/pkg/em"
	"github.com/Veridian-Labs/arbiter/pkg/facts"
	"github.com/Veridian-Labs/arbiter/pkg/keyring"
)

// loadBundle parses, validates and materializes a governance bundle: the
// graph plus its declared fact extractors.
func loadBundle(ctx context.Context, path string) (*dag.Graph, *facts.Registry, error) {
	cfg, err := dag.ParseConfigFile(path)
	if err != nil {
		return nil, nil, err
	}
	graph, err := dag.Load(ctx, cfg, dag.LoadOptions{})
	if err != nil {
		return nil, nil, err
	}
	registry, err := cfg.BuildRegistry()
	if err != nil {
		return nil, nil, err
	}
	return graph, registry, nil
}

// buildKeyring derives the signing keyring: deterministic from the seed
// when given, ephemeral otherwise.
func buildKeyring(seedHex string) (*keyring.Keyring, *attest.Issuer, error) {
	var provider *keyring.MemoryKeyProvider
	var err error
	if seedHex != "" {
		seed, decodeErr := hex.DecodeString(seedHex)
		if decodeErr != nil {
			return nil, nil, fmt.Errorf("key seed is not hex: %w", decodeErr)
		}
		provider, err = keyring.NewMemoryKeyProviderFromSeed(seed)
	} else {
		provider, err = keyring.NewMemoryKeyProvider()
	}
	if err != nil {
		return nil, nil, err
	}
	kr, err := keyring.New(provider)
	if err != nil {
		return nil, nil, err
	}
	issuer, err := attest.NewIssuer(kr, 5*time.Minute)
	if err != nil {
		return nil, nil, err
	}
	return kr, issuer, nil
}

func newEvaluator(cfg *config.Config, logger *slog.Logger) *dag.Evaluator {
	return dag.NewEvaluator(em.NewRuntime(cfg.ModuleTimeout, logger), cfg.Parallelism, logger)
}
