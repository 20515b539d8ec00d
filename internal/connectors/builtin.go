package connectors

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/RealZimboGuy/flowcron/pkg/flowcron/core"
)

// Noop passes its input through.
type Noop struct{}

func (Noop) Execute(ctx context.Context, step core.StepConfig, input map[string]any) (map[string]any, error) {
	if err := core.Checkpoint(ctx); err != nil {
		return nil, err
	}
	return map[string]any{"node": step.NodeID}, nil
}

// Log writes config["message"] and the step input keys to slog.
type Log struct{}

func (Log) Execute(ctx context.Context, step core.StepConfig, input map[string]any) (map[string]any, error) {
	if err := core.Checkpoint(ctx); err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(input))
	for k := range input {
		keys = append(keys, k)
	}
	msg := step.Config["message"]
	if msg == "" {
		msg = "step executed"
	}
	slog.InfoContext(ctx, msg, "execution_id", step.ExecutionID, "node_id", step.NodeID, "attempt", step.Attempt, "input_keys", keys)
	return map[string]any{"logged": msg}, nil
}

// HTTP calls config["url"] with config["method"] (default POST), sending the step input as JSON.
// Headers come from config keys prefixed with "header.".
type HTTP struct {
	Client *http.Client
}

func NewHTTP() *HTTP {
	return &HTTP{Client: &http.Client{Timeout: 30 * time.Second}}
}

func (h *HTTP) Execute(ctx context.Context, step core.StepConfig, input map[string]any) (map[string]any, error) {
	url := step.Config["url"]
	if url == "" {
		return nil, fmt.Errorf("http step %s: url is required", step.NodeID)
	}
	method := strings.ToUpper(step.Config["method"])
	if method == "" {
		method = http.MethodPost
	}
	var body io.Reader
	if method != http.MethodGet && method != http.MethodHead {
		raw, err := json.Marshal(input)
		if err != nil {
			return nil, err
		}
		body = bytes.NewReader(raw)
	}
	if err := core.Checkpoint(ctx); err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range step.Config {
		if name, ok := strings.CutPrefix(k, "header."); ok {
			req.Header.Set(name, v)
		}
	}
	resp, err := h.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http step %s: %w", step.NodeID, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("http step %s: status %d: %s", step.NodeID, resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	out := map[string]any{"status": resp.StatusCode}
	var decoded any
	if len(raw) > 0 && json.Unmarshal(raw, &decoded) == nil {
		out["body"] = decoded
	} else {
		out["body"] = string(raw)
	}
	return out, nil
}
