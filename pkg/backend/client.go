// Package backend is the REST boundary to the voice platform: agent
// resolution, credential minting, server-side tool execution and
// transcript persistence.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/aurelio-ai/voicelink/pkg/core"
	"github.com/aurelio-ai/voicelink/pkg/core/types"
)

// Client talks to the platform backend. Safe for concurrent use.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client

	// Minted credentials are cached per agent and reused until their JWT
	// exp says otherwise, so repeated session starts do not burn a mint
	// round trip each time.
	credMu sync.Mutex
	creds  map[string]types.Credential
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the HTTP client, mainly for tests.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// NewClient creates a backend client. baseURL is the platform API root,
// apiKey authenticates every request.
func NewClient(baseURL, apiKey string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: newDefaultHTTPClient(),
		creds:      make(map[string]types.Credential),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// newDefaultHTTPClient configures transport-level timeouts while keeping
// the overall request lifetime controlled by context deadlines.
func newDefaultHTTPClient() *http.Client {
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		ForceAttemptHTTP2:     true,
		DialContext:           (&net.Dialer{Timeout: 5 * time.Second, KeepAlive: 30 * time.Second}).DialContext,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		ResponseHeaderTimeout: 30 * time.Second,
	}
	return &http.Client{Transport: transport}
}

// Agent resolves one agent's configuration. The workspace scopes the
// lookup; the "admin" sentinel reaches across workspaces.
func (c *Client) Agent(ctx context.Context, agentID, workspace string) (types.AgentConfig, error) {
	var agent types.AgentConfig
	err := c.doJSON(ctx, http.MethodGet,
		fmt.Sprintf("/v1/workspaces/%s/agents/%s", pathSegment(workspace), pathSegment(agentID)),
		nil, &agent,
		func(status int, body []byte) error {
			// Failures before the credential step share the credential-fetch
			// kind; the message names the phase.
			return core.NewCredentialFetchError(
				fmt.Sprintf("fetch agent configuration %s: %s", agentID, statusDetail(status, body)), nil)
		})
	if err != nil {
		return types.AgentConfig{}, err
	}
	return agent, nil
}

// MintCredential obtains a short-lived secret for one session negotiation.
// A cached credential is reused while its JWT exp is comfortably in the
// future; an expired one is discarded rather than spent on a doomed
// negotiation.
func (c *Client) MintCredential(ctx context.Context, agentID, workspace string) (types.Credential, error) {
	c.credMu.Lock()
	if cached, ok := c.creds[agentID]; ok && !cached.Expired(time.Now()) {
		c.credMu.Unlock()
		return cached, nil
	}
	delete(c.creds, agentID)
	c.credMu.Unlock()

	var cred types.Credential
	err := c.doJSON(ctx, http.MethodPost,
		fmt.Sprintf("/v1/workspaces/%s/agents/%s/credentials", pathSegment(workspace), pathSegment(agentID)),
		nil, &cred,
		func(status int, body []byte) error {
			return core.NewCredentialFetchError(
				fmt.Sprintf("mint credential: %s", statusDetail(status, body)), nil)
		})
	if err != nil {
		return types.Credential{}, err
	}
	if cred.Token == "" {
		return types.Credential{}, core.NewCredentialFetchError("backend returned an empty credential", nil)
	}
	if cred.ExpiresAt.IsZero() {
		cred.ExpiresAt = jwtExpiry(cred.Token)
	}

	c.credMu.Lock()
	c.creds[agentID] = cred
	c.credMu.Unlock()
	return cred, nil
}

// jwtExpiry reads the exp claim without verifying the signature; the token
// is the backend's to verify, the client only needs the lifetime.
func jwtExpiry(token string) time.Time {
	parsed, _, err := jwt.NewParser().ParseUnverified(token, jwt.MapClaims{})
	if err != nil {
		return time.Time{}
	}
	exp, err := parsed.Claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}
	}
	return exp.Time
}

// ExecuteTool runs one tool call server-side. The backend response may
// carry an "action" control directive (e.g. end_call) alongside the output
// payload.
func (c *Client) ExecuteTool(ctx context.Context, req types.ToolExecutionRequest) (types.ToolResult, error) {
	var resp struct {
		Output json.RawMessage `json:"output"`
		Action string          `json:"action,omitempty"`
	}
	err := c.doJSON(ctx, http.MethodPost,
		fmt.Sprintf("/v1/agents/%s/tools/%s/invoke", pathSegment(req.AgentID), pathSegment(req.Name)),
		req, &resp,
		func(status int, body []byte) error {
			return core.NewToolExecutionError(
				fmt.Sprintf("tool %s: %s", req.Name, statusDetail(status, body)), nil)
		})
	if err != nil {
		return types.ToolResult{}, err
	}
	output := resp.Output
	if len(output) == 0 {
		output = json.RawMessage(`{}`)
	}
	return types.ToolResult{
		CallID: req.CallID,
		Output: output,
		Action: resp.Action,
	}, nil
}

// SaveTranscript persists the end-of-session conversation record.
func (c *Client) SaveTranscript(ctx context.Context, save types.TranscriptSave) error {
	return c.doJSON(ctx, http.MethodPost,
		fmt.Sprintf("/v1/agents/%s/transcripts", pathSegment(save.AgentID)),
		save, nil,
		func(status int, body []byte) error {
			return core.NewPersistenceError(
				fmt.Sprintf("save transcript: %s", statusDetail(status, body)), nil)
		})
}

// doJSON performs one JSON round trip. onStatus maps a non-2xx response to
// the caller's error kind.
func (c *Client) doJSON(ctx context.Context, method, path string, in, out any, onStatus func(int, []byte) error) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return core.NewInvalidRequestError(fmt.Sprintf("encode request: %v", err))
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return core.NewInvalidRequestError(fmt.Sprintf("build request: %v", err))
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return onStatus(0, []byte(err.Error()))
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return onStatus(resp.StatusCode, []byte(err.Error()))
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return onStatus(resp.StatusCode, respBody)
	}
	if out != nil {
		if err := json.Unmarshal(respBody, out); err != nil {
			return onStatus(resp.StatusCode, []byte(fmt.Sprintf("decode response: %v", err)))
		}
	}
	return nil
}

func statusDetail(status int, body []byte) string {
	msg := strings.TrimSpace(string(body))
	var apiErr struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if json.Unmarshal(body, &apiErr) == nil && apiErr.Error.Message != "" {
		msg = apiErr.Error.Message
	}
	if len(msg) > 200 {
		msg = msg[:200]
	}
	if status == 0 {
		return msg
	}
	return fmt.Sprintf("status %d: %s", status, msg)
}

func pathSegment(s string) string {
	return url.PathEscape(s)
}
