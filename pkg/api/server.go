package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/Veridian-Labs/arbiter/pkg/descriptor"
	"github.com/Veridian-Labs/arbiter/pkg/engine"
	"github.com/Veridian-Labs/arbiter/pkg/observability"
	"github.com/Veridian-Labs/arbiter/pkg/verdict"
)

// maxBodyBytes bounds decision request bodies.
const maxBodyBytes = 1 << 20

// Server serves the decision API.
type Server struct {
	engine   *engine.Engine
	logger   *slog.Logger
	limiter  *RateLimiter
	provider *observability.Provider
}

// NewServer wires the HTTP surface. limiter and provider may be nil.
func NewServer(e *engine.Engine, logger *slog.Logger, limiter *RateLimiter, provider *observability.Provider) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{engine: e, logger: logger, limiter: limiter, provider: provider}
}

// Routes builds the handler tree.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/v1/policy", s.handlePolicy)
	mux.HandleFunc("/v1/decide", s.handleDecide)

	var h http.Handler = mux
	if s.limiter != nil {
		h = s.limiter.Middleware(h)
	}
	return h
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		WriteError(w, r, http.StatusMethodNotAllowed, "method not allowed", "")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handlePolicy(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		WriteError(w, r, http.StatusMethodNotAllowed, "method not allowed", "")
		return
	}
	g := s.engine.Graph()
	writeJSON(w, http.StatusOK, map[string]any{
		"version":     g.Version,
		"bundle_hash": g.Hash,
		"nodes":       len(g.NodeIDs()),
	})
}

// handleDecide evaluates one descriptor. Any verdict, FORBID included, is
// a 200: the decision succeeded, the action did not.
func (s *Server) handleDecide(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		WriteError(w, r, http.StatusMethodNotAllowed, "method not allowed", "")
		return
	}
	start := time.Now()

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		WriteError(w, r, http.StatusBadRequest, "unreadable body", err.Error())
		return
	}
	d, err := descriptor.ParseJSON(body)
	if err != nil {
		WriteError(w, r, http.StatusBadRequest, "invalid descriptor", err.Error())
		return
	}

	dec, err := s.engine.Decide(r.Context(), engine.Request{
		Descriptor: d,
		CallerID:   r.Header.Get("X-Caller-ID"),
	})
	if err != nil {
		if errors.Is(err, descriptor.ErrInvalidInput) {
			WriteError(w, r, http.StatusBadRequest, "invalid descriptor", err.Error())
			return
		}
		s.logger.Error("decide failed", "path", r.URL.Path, "error", err)
		WriteError(w, r, http.StatusInternalServerError, "decision unavailable",
			"the decision could not be completed")
		return
	}

	j := dec.Trace.Judgement
	s.record(r, j, time.Since(start))
	s.logger.Info("decision",
		"decision_id", dec.Trace.DecisionID,
		"verdict", j.Verdict,
		"action_class", d.ActionClass,
		"reasons", j.ReasonCodes,
	)
	writeJSON(w, http.StatusOK, dec)
}

func (s *Server) record(r *http.Request, j verdict.Judgement, d time.Duration) {
	if s.provider == nil {
		return
	}
	faulted := false
	for _, reason := range j.ReasonCodes {
		if strings.HasPrefix(reason, "fault.") {
			faulted = true
			break
		}
	}
	s.provider.RecordDecision(r.Context(), string(j.Verdict), faulted, d)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
