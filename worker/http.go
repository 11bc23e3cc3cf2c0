package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/noetl/noetl/engine"
	"github.com/noetl/noetl/errors"
)

// HTTPExecutor runs tool kind "http". Tool.Config supplies the request
// method/URL/headers and Inputs is sent as the request body, grounded on
// keychain.HTTPTokenProvider's request/response shape (keychain/provider.go)
// generalized from "fetch a token" to "call an arbitrary endpoint".
type HTTPExecutor struct {
	client *http.Client
}

// NewHTTPExecutor builds an HTTPExecutor. A nil client gets a default
// 30-second timeout.
func NewHTTPExecutor(client *http.Client) *HTTPExecutor {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &HTTPExecutor{client: client}
}

type httpToolConfig struct {
	Method string            `json:"method"`
	URL    string            `json:"url"`
	Header map[string]string `json:"header"`
}

// Execute implements ToolExecutor.
func (h *HTTPExecutor) Execute(ctx context.Context, tool engine.Tool, inputs json.RawMessage) (json.RawMessage, error) {
	var cfg httpToolConfig
	if len(tool.Config) > 0 {
		if err := json.Unmarshal(tool.Config, &cfg); err != nil {
			return nil, errors.Wrap(errors.KindInputValidation, "worker: decode http tool config", err)
		}
	}
	if cfg.URL == "" {
		return nil, errors.New(errors.KindInputValidation, "worker: http tool config missing url")
	}
	method := cfg.Method
	if method == "" {
		method = http.MethodPost
	}

	req, err := http.NewRequestWithContext(ctx, method, cfg.URL, bytes.NewReader(inputs))
	if err != nil {
		return nil, errors.Wrap(errors.KindToolExecution, "worker: build http request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range cfg.Header {
		req.Header.Set(k, v)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, errors.Wrap(errors.KindToolExecution, "worker: http tool call", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrap(errors.KindToolExecution, "worker: read http tool response", err)
	}
	if resp.StatusCode >= 300 {
		return nil, errors.Errorf(errors.KindToolExecution, "worker: http tool returned status %d: %s", resp.StatusCode, body)
	}
	if json.Valid(body) {
		return json.RawMessage(body), nil
	}
	encoded, _ := json.Marshal(string(body))
	return json.RawMessage(encoded), nil
}

var _ ToolExecutor = (*HTTPExecutor)(nil)
