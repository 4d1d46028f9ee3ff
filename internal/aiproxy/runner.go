// Package aiproxy relays agent conversations to the AI backend and digs the
// reply text out of whatever envelope the backend answered with.
package aiproxy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/nusatech/whatsapp-agent-gateway/internal/config"
	apierrors "github.com/nusatech/whatsapp-agent-gateway/internal/errors"
	"github.com/nusatech/whatsapp-agent-gateway/internal/logger"
	"github.com/nusatech/whatsapp-agent-gateway/internal/metrics"
	"github.com/nusatech/whatsapp-agent-gateway/internal/storage/pg"
)

// RunTimeout bounds a single AI backend call.
const RunTimeout = 60 * time.Second

// maxResponseBytes caps how much of a backend response is buffered.
const maxResponseBytes = 4 << 20

// RunPayload is the request body sent to the AI backend.
type RunPayload struct {
	Input      string         `json:"input"`
	Parameters map[string]any `json:"parameters,omitempty"`
	SessionID  string         `json:"session_id,omitempty"`
}

// RunResult carries the extracted reply plus the raw decoded body for
// callers that want to inspect it. Reply is nil when the backend returned
// nothing usable.
type RunResult struct {
	Reply *string
	Raw   map[string]any
}

type Runner struct {
	httpClient *http.Client
	base       string
	timeout    time.Duration
	metrics    *metrics.Metrics
	log        *logger.Logger
}

func NewRunner(cfg *config.Config, m *metrics.Metrics, log *logger.Logger) *Runner {
	return &Runner{
		httpClient: &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 20,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		base:    cfg.EndpointBase(),
		timeout: RunTimeout,
		metrics: m,
		log:     log.WithComponent("aiproxy"),
	}
}

// ExecuteRun POSTs the payload to the agent's run endpoint and extracts the
// reply. Timeouts map to AI_TIMEOUT, everything else to AI_DOWNSTREAM_ERROR;
// both are counted per agent.
func (r *Runner) ExecuteRun(ctx context.Context, rec *pg.AgentRecord, payload RunPayload, traceID string) (*RunResult, error) {
	endpoint := r.endpointFor(rec)

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal run payload: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build run request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+rec.APIKey)
	req.Header.Set("X-Trace-Id", traceID)

	start := time.Now()
	resp, err := r.httpClient.Do(req)
	if err != nil {
		if isTimeout(err) {
			r.countError(rec.AgentID, apierrors.CodeAITimeout)
			return nil, apierrors.AITimeout(fmt.Sprintf("AI run did not answer within %s", r.timeout))
		}
		r.countError(rec.AgentID, apierrors.CodeAIDownstreamError)
		return nil, apierrors.AIDownstream("AI backend request failed", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		if isTimeout(err) {
			r.countError(rec.AgentID, apierrors.CodeAITimeout)
			return nil, apierrors.AITimeout(fmt.Sprintf("AI run did not answer within %s", r.timeout))
		}
		r.countError(rec.AgentID, apierrors.CodeAIDownstreamError)
		return nil, apierrors.AIDownstream("reading AI backend response failed", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		r.countError(rec.AgentID, apierrors.CodeAIDownstreamError)
		r.log.Warn("AI backend returned an error status",
			"agent_id", rec.AgentID,
			"status", resp.StatusCode,
			"trace_id", traceID,
		)
		return nil, apierrors.AIDownstream(fmt.Sprintf("AI backend returned status %d", resp.StatusCode), nil)
	}

	r.metrics.AILatency.WithLabelValues(rec.AgentID).Observe(time.Since(start).Seconds())

	var data map[string]any
	if err := json.Unmarshal(raw, &data); err != nil {
		// A 2xx with a non-JSON body counts as "no reply", not a failure.
		r.log.Warn("AI backend returned non-JSON body", "agent_id", rec.AgentID, "trace_id", traceID)
		return &RunResult{}, nil
	}

	return &RunResult{Reply: extractReply(data), Raw: data}, nil
}

func (r *Runner) endpointFor(rec *pg.AgentRecord) string {
	if rec.EndpointURLRun.Valid && rec.EndpointURLRun.String != "" {
		return rec.EndpointURLRun.String
	}
	return fmt.Sprintf("%s/%s/execute", r.base, rec.AgentID)
}

func (r *Runner) countError(agentID, code string) {
	r.metrics.Errors.WithLabelValues(agentID, code).Inc()
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// extractReply probes the known response shapes in a fixed order; the first
// non-empty trimmed string wins.
func extractReply(data map[string]any) *string {
	if data == nil {
		return nil
	}
	if s := stringField(data, "reply"); s != "" {
		return &s
	}
	if s := stringField(data, "response"); s != "" {
		return &s
	}
	if result, ok := data["result"].(map[string]any); ok {
		if s := stringField(result, "reply"); s != "" {
			return &s
		}
		if s := stringField(result, "response"); s != "" {
			return &s
		}
	}
	if s := stringField(data, "output"); s != "" {
		return &s
	}
	return nil
}

func stringField(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return strings.TrimSpace(s)
}
