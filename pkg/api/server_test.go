package api

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Veridian-Labs/arbiter/pkg/dag"
	"github.com/Veridian-Labs/arbiter/pkg/em"
	"github.com/Veridian-Labs/arbiter/pkg/engine"
	"github.com/Veridian-Labs/arbiter/pkg/facts"
)

const testBundle = `
version: "1.0.0"
constraint: lens
branches: []
nodes:
  - id: lens
    kind: aggregator
    children: [lens.privacy]
  - id: lens.privacy
    kind: module
    module:
      type: cel
      cel:
        name: privacy.nonconsent
        version: "1.0.0"
        forbid_when: 'facts["nonconsensual_accusation"] == true'
        hard: true
`

func testServer(t *testing.T, limiter *RateLimiter) *Server {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(bytes.NewBuffer(nil), nil))

	cfg, err := dag.ParseConfig([]byte(testBundle))
	require.NoError(t, err)
	g, err := dag.Load(context.Background(), cfg, dag.LoadOptions{})
	require.NoError(t, err)

	cel, err := facts.NewCELExtractor("rules.consent", []facts.CELRule{
		{Fact: "nonconsensual_accusation", Expression: `"nonconsensual_accusation" in context_tags`},
	})
	require.NoError(t, err)
	reg, err := facts.NewRegistry(facts.DescriptorFacts{}, cel)
	require.NoError(t, err)

	e, err := engine.New(g, engine.Options{
		Registry:  reg,
		Evaluator: dag.NewEvaluator(em.NewRuntime(time.Second, logger), 0, logger),
		Logger:    logger,
	})
	require.NoError(t, err)
	return NewServer(e, logger, limiter, nil)
}

func postDecide(t *testing.T, h http.Handler, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/v1/decide", strings.NewReader(body))
	req.RemoteAddr = "203.0.113.7:1234"
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestDecideEndpointAllows(t *testing.T) {
	h := testServer(t, nil).Routes()
	rec := postDecide(t, h, `{
		"action_class": "INFORM",
		"context_tags": ["public_record"],
		"severity": "LOW",
		"epistemic": "LOW_UNCERTAINTY",
		"confidence": 0.9
	}`)

	require.Equal(t, http.StatusOK, rec.Code)
	var dec engine.Decision
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &dec))
	assert.Equal(t, "ALLOW", string(dec.Trace.Judgement.Verdict))
	assert.NotEmpty(t, dec.Trace.DecisionID)
}

func TestDecideEndpointForbidIsHTTP200(t *testing.T) {
	h := testServer(t, nil).Routes()
	rec := postDecide(t, h, `{
		"action_class": "INFORM",
		"context_tags": ["nonconsensual_accusation"],
		"severity": "LOW",
		"epistemic": "LOW_UNCERTAINTY",
		"confidence": 0.9
	}`)

	require.Equal(t, http.StatusOK, rec.Code)
	var dec engine.Decision
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &dec))
	assert.Equal(t, "FORBID", string(dec.Trace.Judgement.Verdict))
}

func TestDecideEndpointRejectsBadDescriptor(t *testing.T) {
	h := testServer(t, nil).Routes()
	rec := postDecide(t, h, `{"severity": "LOW"}`)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "application/problem+json", rec.Header().Get("Content-Type"))

	var problem ProblemDetail
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &problem))
	assert.Equal(t, http.StatusBadRequest, problem.Status)
}

func TestDecideEndpointRejectsGet(t *testing.T) {
	h := testServer(t, nil).Routes()
	req := httptest.NewRequest(http.MethodGet, "/v1/decide", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestHealthAndPolicyEndpoints(t *testing.T) {
	h := testServer(t, nil).Routes()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/policy", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var policy map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &policy))
	assert.Equal(t, "1.0.0", policy["version"])
	assert.NotEmpty(t, policy["bundle_hash"])
}

func TestRateLimiterRejectsBursts(t *testing.T) {
	h := testServer(t, NewRateLimiter(1, 2)).Routes()

	statuses := make([]int, 0, 4)
	for i := 0; i < 4; i++ {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
		req.RemoteAddr = "198.51.100.9:4444"
		h.ServeHTTP(rec, req)
		statuses = append(statuses, rec.Code)
	}
	assert.Equal(t, http.StatusOK, statuses[0])
	assert.Equal(t, http.StatusOK, statuses[1])
	assert.Equal(t, http.StatusTooManyRequests, statuses[2])
	assert.Equal(t, http.StatusTooManyRequests, statuses[3])
}
