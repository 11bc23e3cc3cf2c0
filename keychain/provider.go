package keychain

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// HTTPProviderOptions configures an HTTPTokenProvider, grounded on the
// Endpoint/Client/Timeout shape of features/mcp/runtime's HTTPCaller.
type HTTPProviderOptions struct {
	Client  *http.Client
	Timeout time.Duration
}

// HTTPTokenProvider derives tokens by POSTing a ProviderSpec's body to its
// URL and reading back a {"token": "...", "expires_in": <seconds>} response.
// This is the shape OAuth2 client-credentials and STS-style token endpoints
// commonly use; providers with a different response shape implement
// TokenProvider directly instead.
type HTTPTokenProvider struct {
	client  *http.Client
	timeout time.Duration
}

// NewHTTPTokenProvider builds an HTTPTokenProvider.
func NewHTTPTokenProvider(opts HTTPProviderOptions) *HTTPTokenProvider {
	client := opts.Client
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPTokenProvider{client: client, timeout: timeout}
}

type tokenResponseBody struct {
	Token     string `json:"token"`
	ExpiresIn int64  `json:"expires_in"`
}

// Derive implements TokenProvider.
func (p *HTTPTokenProvider) Derive(ctx context.Context, spec ProviderSpec) (TokenResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	method := spec.Method
	if method == "" {
		method = http.MethodPost
	}
	req, err := http.NewRequestWithContext(ctx, method, spec.URL, bytes.NewReader(spec.Body))
	if err != nil {
		return TokenResponse{}, fmt.Errorf("keychain: build provider request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range spec.Header {
		req.Header.Set(k, v)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return TokenResponse{}, fmt.Errorf("keychain: call provider %s: %w", spec.Name, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return TokenResponse{}, fmt.Errorf("keychain: read provider response: %w", err)
	}
	if resp.StatusCode >= 300 {
		return TokenResponse{}, fmt.Errorf("keychain: provider %s returned status %d: %s", spec.Name, resp.StatusCode, body)
	}

	var out tokenResponseBody
	if err := json.Unmarshal(body, &out); err != nil {
		return TokenResponse{}, fmt.Errorf("keychain: decode provider response: %w", err)
	}
	return TokenResponse{
		Payload:   []byte(out.Token),
		ExpiresIn: time.Duration(out.ExpiresIn) * time.Second,
	}, nil
}

var _ TokenProvider = (*HTTPTokenProvider)(nil)
