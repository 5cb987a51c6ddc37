// Package completion is the single point of contact with the hosted
// text-completion API. It enforces a minimum inter-request interval across
// all callers sharing one Client, classifies every failure into a small
// taxonomy, and opportunistically tracks the remaining-quota hint the API
// returns in a response header.
package completion

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/koobs1993/mindwell/chat"
)

// Defaults applied by New when the corresponding Config field is zero.
const (
	DefaultBaseURL     = "https://api.openai.com/v1"
	DefaultModel       = "gpt-4-1106-preview"
	DefaultTemperature = 0.7
	DefaultMaxTokens   = 1000
	DefaultMinInterval = time.Second
	DefaultTimeout     = 30 * time.Second
)

// remainingHeader is the quota hint the API attaches to responses. Read
// opportunistically; the client never blocks on it.
const remainingHeader = "x-ratelimit-remaining"

// Config configures a Client.
type Config struct {
	APIKey  string
	BaseURL string
	Model   string

	// Temperature is the sampling temperature. Nil means
	// DefaultTemperature; an explicit zero is sent as zero.
	Temperature *float64

	MaxTokens int

	// MinInterval is the minimum spacing between requests, measured from
	// the completion of the previous call. The wait is a blocking delay
	// local to the call, never a silent drop.
	MinInterval time.Duration

	HTTPClient *http.Client
	Logger     *slog.Logger
}

// Client issues chat-completion requests with global pacing. One Client is
// expected to be shared by every engine in the process so the interval is
// enforced across all sessions, not per session.
//
// Client is safe for concurrent use by multiple goroutines. Requests are
// serialized: at most one is in flight at a time, and the next caller's
// interval starts from the previous call's completion.
type Client struct {
	apiKey      string
	baseURL     string
	model       string
	temperature float64
	maxTokens   int
	httpClient  *http.Client
	limiter     *rate.Limiter
	logger      *slog.Logger

	// reqMu covers the wait, the request, and the interval restart as one
	// unit. Without it a second caller could obtain a limiter token while
	// the first request is still in flight and overlap it.
	reqMu sync.Mutex

	mu        sync.Mutex
	remaining int // last quota hint seen; -1 until first response carries one
}

// New creates a Client. A missing API key is not an error here; Complete
// fails fast with KindMissingCredential before attempting any network call.
func New(cfg Config) *Client {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	model := cfg.Model
	if model == "" {
		model = DefaultModel
	}
	temperature := DefaultTemperature
	if cfg.Temperature != nil {
		temperature = *cfg.Temperature
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = DefaultMaxTokens
	}
	interval := cfg.MinInterval
	if interval <= 0 {
		interval = DefaultMinInterval
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultTimeout}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Client{
		apiKey:      cfg.APIKey,
		baseURL:     strings.TrimSuffix(baseURL, "/"),
		model:       model,
		temperature: temperature,
		maxTokens:   maxTokens,
		httpClient:  httpClient,
		limiter:     rate.NewLimiter(rate.Every(interval), 1),
		logger:      logger,
		remaining:   -1,
	}
}

// Message is one entry of the completion request context.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type completionRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature float64   `json:"temperature"`
	MaxTokens   int       `json:"max_tokens"`
}

type completionResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// Complete sends the ordered message context to the completion API and
// returns the assistant's text. It blocks until the pacing interval since
// the previous call's completion has elapsed, then issues exactly one
// request; it never retries on its own. Concurrent callers queue: requests
// never overlap.
func (c *Client) Complete(ctx context.Context, turns []chat.Turn) (string, error) {
	if c.apiKey == "" {
		return "", &Error{Kind: KindMissingCredential}
	}

	messages := make([]Message, len(turns))
	for i, t := range turns {
		messages[i] = Message{Role: string(t.Role), Content: t.Content}
	}

	c.reqMu.Lock()
	defer c.reqMu.Unlock()

	if err := c.limiter.Wait(ctx); err != nil {
		return "", &Error{Kind: KindTransport, cause: err}
	}

	text, err := c.post(ctx, messages)

	// Restart the pacing interval from call completion, not from the
	// moment the request went out.
	c.limiter.Reserve()

	return text, err
}

func (c *Client) post(ctx context.Context, messages []Message) (string, error) {
	body, err := json.Marshal(completionRequest{
		Model:       c.model,
		Messages:    messages,
		Temperature: c.temperature,
		MaxTokens:   c.maxTokens,
	})
	if err != nil {
		return "", &Error{Kind: KindTransport, cause: fmt.Errorf("encoding request: %w", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", &Error{Kind: KindTransport, cause: err}
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", &Error{Kind: KindTransport, cause: err}
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	c.trackQuota(resp.Header)

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		// Parsed below.
	case resp.StatusCode == http.StatusUnauthorized:
		return "", &Error{Kind: KindUnauthorized, StatusCode: resp.StatusCode}
	case resp.StatusCode == http.StatusTooManyRequests:
		return "", &Error{Kind: KindQuotaExceeded, StatusCode: resp.StatusCode}
	default:
		return "", &Error{Kind: KindServer, StatusCode: resp.StatusCode}
	}

	var decoded completionResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return "", &Error{Kind: KindMalformedResponse, StatusCode: resp.StatusCode, cause: err}
	}
	if len(decoded.Choices) == 0 {
		return "", &Error{Kind: KindMalformedResponse, StatusCode: resp.StatusCode,
			cause: fmt.Errorf("response has no choices")}
	}

	return decoded.Choices[0].Message.Content, nil
}

// trackQuota records the remaining-quota hint when present. Diagnostic
// only: the client never preemptively blocks on this counter.
func (c *Client) trackQuota(h http.Header) {
	raw := h.Get(remainingHeader)
	if raw == "" {
		return
	}
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		c.logger.Debug("unparseable rate limit header", "value", raw)
		return
	}
	c.mu.Lock()
	c.remaining = n
	c.mu.Unlock()
}

// RemainingQuota reports the last quota hint seen in a response header, or
// -1 if none has been observed yet.
func (c *Client) RemainingQuota() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remaining
}
