package upstream

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"flowgate-hq/flowgate/pkg/telemetry/logging"
)

// Options configures a per-account upstream client.
type Options struct {
	// AccountID identifies the routing account this client serves.
	AccountID string

	// APIKey is the upstream credential. May be swapped later via
	// SetAPIKey after a refresh.
	APIKey string

	// BaseURL is the upstream API root, e.g. https://apis.iflow.cn/v1.
	BaseURL string

	// MaxConcurrency caps in-flight calls; 0 means unlimited.
	MaxConcurrency int

	// UserAgent sent on every upstream request.
	UserAgent string

	ConnectTimeout        time.Duration
	ResponseHeaderTimeout time.Duration
	RequestTimeout        time.Duration

	// ModelCacheTTL bounds how long ListModels results are reused.
	ModelCacheTTL time.Duration

	Logger *logging.Logger
}

// Client is a per-account upstream HTTP client with its own connection
// pool, concurrency gate, and model cache. Clients are safe for
// concurrent use; the API key may be rotated without rebuilding the
// pool.
type Client struct {
	accountID string
	baseURL   string
	userAgent string
	timeout   time.Duration
	logger    *logging.Logger

	gate *gate
	http *http.Client

	keyMu  sync.RWMutex
	apiKey string

	modelMu  sync.Mutex
	models   []Model
	modelsAt time.Time
	modelTTL time.Duration
}

// Model is one entry of the upstream model listing, rendered in the
// OpenAI list format.
type Model struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	OwnedBy string `json:"owned_by"`
}

// NewClient builds a client for one account. Pool sizes scale with the
// concurrency cap so a busy capped account does not thrash connections.
func NewClient(opts Options) *Client {
	maxIdle, maxPerHost := 100, 20
	if opts.MaxConcurrency > 0 {
		maxIdle = max(20, 4*opts.MaxConcurrency)
		maxPerHost = max(10, 2*opts.MaxConcurrency)
	}

	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   opts.ConnectTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          maxIdle,
		MaxIdleConnsPerHost:   maxPerHost,
		IdleConnTimeout:       90 * time.Second,
		ResponseHeaderTimeout: opts.ResponseHeaderTimeout,
		ForceAttemptHTTP2:     true,
	}

	return &Client{
		accountID: opts.AccountID,
		apiKey:    opts.APIKey,
		baseURL:   strings.TrimRight(opts.BaseURL, "/"),
		userAgent: opts.UserAgent,
		timeout:   opts.RequestTimeout,
		logger:    opts.Logger,
		gate:      newGate(opts.MaxConcurrency),
		http:      &http.Client{Transport: transport},
		modelTTL:  opts.ModelCacheTTL,
	}
}

// AccountID returns the routing account id this client serves.
func (c *Client) AccountID() string { return c.accountID }

// InFlight returns the number of upstream calls currently in progress,
// the signal used by least-busy balancing.
func (c *Client) InFlight() int64 { return c.gate.InFlight() }

// SetAPIKey swaps the upstream credential, keeping the connection pool.
// Also drops the model cache since entitlements may have changed.
func (c *Client) SetAPIKey(key string) {
	c.keyMu.Lock()
	c.apiKey = key
	c.keyMu.Unlock()

	c.modelMu.Lock()
	c.models = nil
	c.modelsAt = time.Time{}
	c.modelMu.Unlock()
}

func (c *Client) currentKey() string {
	c.keyMu.RLock()
	defer c.keyMu.RUnlock()
	return c.apiKey
}

// Close releases idle connections. In-flight calls are unaffected.
func (c *Client) Close() {
	c.http.CloseIdleConnections()
}

// signedHeaders builds the per-request headers the upstream expects on
// chat calls: fresh session and conversation ids, a millisecond
// timestamp, and an HMAC-SHA256 signature over them keyed by the
// account's API key.
func (c *Client) signedHeaders(stream bool) http.Header {
	key := c.currentKey()
	session := uuid.NewString()
	conversation := uuid.NewString()
	timestamp := strconv.FormatInt(time.Now().UnixMilli(), 10)

	mac := hmac.New(sha256.New, []byte(key))
	fmt.Fprintf(mac, "%s:%s:%s", c.userAgent, session, timestamp)
	signature := hex.EncodeToString(mac.Sum(nil))

	h := http.Header{}
	h.Set("Authorization", "Bearer "+key)
	h.Set("Content-Type", "application/json")
	h.Set("User-Agent", c.userAgent)
	h.Set("session-id", session)
	h.Set("conversation-id", conversation)
	h.Set("x-iflow-timestamp", timestamp)
	h.Set("x-iflow-signature", signature)
	if stream {
		h.Set("Accept", "text/event-stream")
	} else {
		h.Set("Accept", "application/json")
	}
	return h
}

// ChatCompletion performs a non-streaming chat call. The body is the
// client's request document, already normalized by the caller. The
// returned document has reasoning fields aliased and usage guaranteed
// present.
func (c *Client) ChatCompletion(ctx context.Context, body map[string]any) (map[string]any, error) {
	if err := c.gate.acquire(ctx); err != nil {
		return nil, err
	}
	defer c.gate.release()

	// The deadline covers the whole exchange including the body read.
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	resp, err := c.postChat(ctx, body, false)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &Error{Cause: fmt.Errorf("read upstream response: %w", err)}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, errorFromResponse(resp.StatusCode, data)
	}

	var doc map[string]any
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, &Error{StatusCode: resp.StatusCode, Message: "invalid upstream JSON", Payload: data, Cause: err}
	}

	// The upstream sometimes delivers business errors over HTTP 200.
	if err := payloadError(doc, data); err != nil {
		return nil, err
	}

	normalizeCompletion(doc)
	return doc, nil
}

// StreamChatCompletion starts a streaming chat call. The concurrency
// slot is held until the returned stream is closed.
func (c *Client) StreamChatCompletion(ctx context.Context, body map[string]any) (*Stream, error) {
	if err := c.gate.acquire(ctx); err != nil {
		return nil, err
	}

	resp, err := c.postChat(ctx, body, true)
	if err != nil {
		c.gate.release()
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		resp.Body.Close()
		c.gate.release()
		return nil, errorFromResponse(resp.StatusCode, data)
	}

	return newStream(resp.Body, c.gate.release), nil
}

func (c *Client) postChat(ctx context.Context, body map[string]any, stream bool) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, &Error{Cause: fmt.Errorf("encode request: %w", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return nil, &Error{Cause: err}
	}
	req.Header = c.signedHeaders(stream)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &Error{Cause: err}
	}
	return resp, nil
}

// ListModels fetches the upstream model listing, caching results for the
// configured TTL. Errors fall back to the last good listing if one
// exists.
func (c *Client) ListModels(ctx context.Context) ([]Model, error) {
	c.modelMu.Lock()
	defer c.modelMu.Unlock()

	if c.models != nil && time.Since(c.modelsAt) < c.modelTTL {
		return c.models, nil
	}

	models, err := c.fetchModels(ctx)
	if err != nil {
		if c.models != nil {
			c.logger.Warn("model listing refresh failed, serving cached",
				"account", c.accountID, "error", err)
			return c.models, nil
		}
		return nil, err
	}

	c.models = models
	c.modelsAt = time.Now()
	return models, nil
}

func (c *Client) fetchModels(ctx context.Context) ([]Model, error) {
	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/models", nil)
	if err != nil {
		return nil, &Error{Cause: err}
	}
	req.Header.Set("Authorization", "Bearer "+c.currentKey())
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &Error{Cause: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &Error{Cause: err}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, errorFromResponse(resp.StatusCode, data)
	}

	var listing struct {
		Data []Model `json:"data"`
	}
	if err := json.Unmarshal(data, &listing); err != nil {
		return nil, &Error{StatusCode: resp.StatusCode, Message: "invalid model listing", Cause: err}
	}
	return listing.Data, nil
}

// errorFromResponse builds an *Error from a non-2xx upstream response,
// pulling the message out of the usual error envelope shapes.
func errorFromResponse(status int, body []byte) *Error {
	return &Error{
		StatusCode: status,
		Message:    extractErrorMessage(body),
		Payload:    body,
	}
}

// extractErrorMessage digs the human-readable message out of an error
// body. Handles {"error": {"message": ...}}, {"error": "..."},
// {"message": ...}, and falls back to the raw text.
func extractErrorMessage(body []byte) string {
	var doc map[string]any
	if err := json.Unmarshal(body, &doc); err != nil {
		return strings.TrimSpace(string(body))
	}
	switch e := doc["error"].(type) {
	case map[string]any:
		if msg, ok := e["message"].(string); ok {
			return msg
		}
	case string:
		return e
	}
	if msg, ok := doc["message"].(string); ok {
		return msg
	}
	if msg, ok := doc["msg"].(string); ok {
		return msg
	}
	return strings.TrimSpace(string(body))
}

// payloadError detects business errors delivered over HTTP 200: a
// top-level status field that is neither 0 nor 200.
func payloadError(doc map[string]any, raw []byte) *Error {
	status, ok := doc["status"]
	if !ok {
		return nil
	}
	code := 0
	switch v := status.(type) {
	case float64:
		code = int(v)
	case string:
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil
		}
		code = n
	default:
		return nil
	}
	if code == 0 || code == 200 {
		return nil
	}
	return &Error{StatusCode: code, Message: extractErrorMessage(raw), Payload: raw}
}

// normalizeCompletion reshapes a completion document in place:
// reasoning_content is mirrored to reasoning, null content becomes the
// empty string, and a zeroed usage block is added when missing.
func normalizeCompletion(doc map[string]any) {
	choices, _ := doc["choices"].([]any)
	for _, ch := range choices {
		choice, ok := ch.(map[string]any)
		if !ok {
			continue
		}
		if msg, ok := choice["message"].(map[string]any); ok {
			normalizeMessage(msg)
		}
	}
	if _, ok := doc["usage"]; !ok {
		doc["usage"] = map[string]any{
			"prompt_tokens":     0,
			"completion_tokens": 0,
			"total_tokens":      0,
		}
	}
}

// normalizeMessage applies the reasoning aliases to one message or
// delta object.
func normalizeMessage(msg map[string]any) {
	if rc, ok := msg["reasoning_content"]; ok && rc != nil {
		if _, present := msg["reasoning"]; !present {
			msg["reasoning"] = rc
		}
		if msg["content"] == nil {
			msg["content"] = ""
		}
	}
}
