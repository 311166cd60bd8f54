package em

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/Veridian-Labs/arbiter/pkg/facts"
	"github.com/Veridian-Labs/arbiter/pkg/verdict"
)

// Fault reason codes emitted by the runtime.
const (
	ReasonFaultTimeout   = "fault.module.timeout"
	ReasonFaultPanic     = "fault.module.panic"
	ReasonFaultError     = "fault.module.error"
	ReasonFaultMalformed = "fault.module.malformed"
)

// DefaultTimeout bounds a single module evaluation.
const DefaultTimeout = 250 * time.Millisecond

// Runtime wraps module invocations with the fail-safe policy: a module
// that errs, panics, hangs or returns a malformed judgement converts to
// ESCALATE with a fault reason code. It is never skipped and it never
// fails open.
type Runtime struct {
	timeout time.Duration
	logger  *slog.Logger
}

// NewRuntime builds a runtime. A zero timeout selects DefaultTimeout.
func NewRuntime(timeout time.Duration, logger *slog.Logger) *Runtime {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Runtime{timeout: timeout, logger: logger}
}

type evalResult struct {
	judgement verdict.Judgement
	err       error
}

// Evaluate runs one module over the store and returns its judgement plus
// the set of facts the module actually read.
func (rt *Runtime) Evaluate(ctx context.Context, m Module, store *facts.Store) (verdict.Judgement, []string) {
	reader := facts.NewReader(store)

	evalCtx, cancel := context.WithTimeout(ctx, rt.timeout)
	defer cancel()

	done := make(chan evalResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- evalResult{err: fmt.Errorf("panic: %v", r)}
			}
		}()
		j, err := m.Evaluate(evalCtx, reader)
		done <- evalResult{judgement: j, err: err}
	}()

	select {
	case <-evalCtx.Done():
		// The goroutine may still be running; it owns only pure state and
		// its result is discarded.
		rt.logger.Warn("module evaluation timed out",
			slog.String("module", m.Name()),
			slog.Duration("timeout", rt.timeout))
		return verdict.Fault(ReasonFaultTimeout + "." + m.Name()), reader.ReadSet()

	case res := <-done:
		if res.err != nil {
			code := ReasonFaultError
			if isPanic(res.err) {
				code = ReasonFaultPanic
			}
			rt.logger.Warn("module evaluation faulted",
				slog.String("module", m.Name()),
				slog.String("error", res.err.Error()))
			return verdict.Fault(code + "." + m.Name()), reader.ReadSet()
		}
		if err := res.judgement.Validate(); err != nil {
			rt.logger.Warn("module returned malformed judgement",
				slog.String("module", m.Name()),
				slog.String("error", err.Error()))
			return verdict.Fault(ReasonFaultMalformed + "." + m.Name()), reader.ReadSet()
		}
		return res.judgement, reader.ReadSet()
	}
}

func isPanic(err error) bool {
	return err != nil && len(err.Error()) >= 6 && err.Error()[:6] == "panic:"
}
