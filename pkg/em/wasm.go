package em

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/Masterminds/semver/v3"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"

	"github.com/Veridian-Labs/arbiter/pkg/facts"
	"github.com/Veridian-Labs/arbiter/pkg/verdict"
)

// WASMModule runs a policy module compiled to WASI. Deny-by-default
// sandbox: no filesystem, no network, no clock, no randomness — the module
// sees exactly the fact store on stdin and answers with a judgement on
// stdout. Anything else it attempts simply is not wired.
type WASMModule struct {
	name     string
	version  *semver.Version
	runtime  wazero.Runtime
	compiled wazero.CompiledModule
}

// wasmInput is the stdin contract for WASI policy modules.
type wasmInput struct {
	Facts map[string]any `json:"facts"`
}

const defaultWASMMemoryPages = 64 // 4 MiB

// NewWASMModule compiles wasmBytes once at load time.
func NewWASMModule(ctx context.Context, name, version string, wasmBytes []byte) (*WASMModule, error) {
	if name == "" {
		return nil, fmt.Errorf("em: wasm module without a name")
	}
	v, err := semver.NewVersion(version)
	if err != nil {
		return nil, fmt.Errorf("em: module %s version %q: %w", name, version, err)
	}

	runtimeCfg := wazero.NewRuntimeConfig().WithMemoryLimitPages(defaultWASMMemoryPages)
	r := wazero.NewRuntimeWithConfig(ctx, runtimeCfg)
	wasi_snapshot_preview1.MustInstantiate(ctx, r)

	compiled, err := r.CompileModule(ctx, wasmBytes)
	if err != nil {
		_ = r.Close(ctx)
		return nil, fmt.Errorf("em: module %s: wasm compile: %w", name, err)
	}
	return &WASMModule{name: name, version: v, runtime: r, compiled: compiled}, nil
}

func (m *WASMModule) Name() string             { return m.name }
func (m *WASMModule) Version() *semver.Version { return m.version }

// Close releases the wazero runtime. Called on configuration swap.
func (m *WASMModule) Close(ctx context.Context) error {
	return m.runtime.Close(ctx)
}

func (m *WASMModule) Evaluate(ctx context.Context, f *facts.Reader) (verdict.Judgement, error) {
	payload, err := json.Marshal(wasmInput{Facts: f.Values()})
	if err != nil {
		return verdict.Judgement{}, fmt.Errorf("em: module %s: encode input: %w", m.name, err)
	}

	var stdout, stderr bytes.Buffer
	cfg := wazero.NewModuleConfig().
		WithName(""). // anonymous: parallel instantiations must not collide
		WithStdin(bytes.NewReader(payload)).
		WithStdout(&stdout).
		WithStderr(&stderr).
		WithStartFunctions("_start")
	// Deliberately not wired: WithFSConfig, WithSysNanotime, WithRandSource,
	// environment variables.

	mod, err := m.runtime.InstantiateModule(ctx, m.compiled, cfg)
	if err != nil {
		if ctx.Err() != nil {
			return verdict.Judgement{}, fmt.Errorf("em: module %s: %w", m.name, ctx.Err())
		}
		return verdict.Judgement{}, fmt.Errorf("em: module %s: wasm run: %w (stderr: %s)", m.name, err, stderr.String())
	}
	defer func() { _ = mod.Close(ctx) }()

	var j verdict.Judgement
	if err := json.Unmarshal(stdout.Bytes(), &j); err != nil {
		return verdict.Judgement{}, fmt.Errorf("em: module %s: decode judgement: %w", m.name, err)
	}
	if err := j.Validate(); err != nil {
		return verdict.Judgement{}, fmt.Errorf("em: module %s: %w", m.name, err)
	}
	return j, nil
}
