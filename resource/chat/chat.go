// Package chat sells single-turn completions from an OpenAI-compatible chat
// API (OpenRouter by default).
package chat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/vitwit/x402gate/logger"
	"github.com/vitwit/x402gate/resource"
	"github.com/vitwit/x402gate/types"
)

const (
	DefaultAPIURL = "https://openrouter.ai/api/v1/chat/completions"
	DefaultModel  = "amazon/nova-2-lite-v1:free"

	noResponse = "No response generated"
)

var errProvider = types.Errorf(types.ErrUpstreamUnavailable, "chat provider unavailable")

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []chatChoice `json:"choices"`
	Usage   *chatUsage   `json:"usage"`
	Model   string       `json:"model"`
}

type chatChoice struct {
	Message chatMessage `json:"message"`
}

type chatUsage struct {
	PromptTokens     uint64 `json:"prompt_tokens"`
	CompletionTokens uint64 `json:"completion_tokens"`
	TotalTokens      uint64 `json:"total_tokens"`
}

// Reply is the body returned to the caller.
type Reply struct {
	Response string `json:"response"`
	Model    string `json:"model"`
}

type Resource struct {
	apiURL     string
	apiKey     string
	model      string
	referer    string
	title      string
	httpClient *http.Client
	log        logger.Logger
}

type Option func(*Resource)

func WithAPIURL(u string) Option {
	return func(r *Resource) {
		if u != "" {
			r.apiURL = u
		}
	}
}

func WithModel(m string) Option {
	return func(r *Resource) {
		if m != "" {
			r.model = m
		}
	}
}

// WithReferer sets the attribution headers OpenRouter asks callers to send.
func WithReferer(referer, title string) Option {
	return func(r *Resource) {
		r.referer = referer
		r.title = title
	}
}

func WithHTTPClient(c *http.Client) Option {
	return func(r *Resource) {
		r.httpClient = c
	}
}

// WithLogger receives provider failures, which callers only see as
// UPSTREAM_UNAVAILABLE.
func WithLogger(l logger.Logger) Option {
	return func(r *Resource) {
		r.log = l
	}
}

func New(apiKey string, opts ...Option) *Resource {
	r := &Resource{
		apiURL:     DefaultAPIURL,
		apiKey:     apiKey,
		model:      DefaultModel,
		title:      "x402gate",
		httpClient: &http.Client{},
		log:        logger.NoopLogger{},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Precheck rejects requests without a message before payment is taken.
func (r *Resource) Precheck(_ context.Context, req *resource.Request) (*resource.Result, error) {
	_, err := resource.ParseMessage(req.Body)
	return nil, err
}

func (r *Resource) Execute(ctx context.Context, req *resource.Request) (*resource.Result, error) {
	message, err := resource.ParseMessage(req.Body)
	if err != nil {
		return nil, err
	}

	body, err := json.Marshal(chatRequest{
		Model:    r.model,
		Messages: []chatMessage{{Role: "user", Content: message}},
	})
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, r.apiURL, bytes.NewBuffer(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", fmt.Sprintf("Bearer %s", r.apiKey))
	if r.referer != "" {
		httpReq.Header.Set("HTTP-Referer", r.referer)
	}
	if r.title != "" {
		httpReq.Header.Set("X-Title", r.title)
	}

	resp, err := r.httpClient.Do(httpReq)
	if err != nil {
		r.log.Error("chat provider unreachable", map[string]any{"model": r.model, "error": err})
		return nil, errProvider
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		r.log.Error("chat provider error", map[string]any{
			"model":  r.model,
			"status": resp.StatusCode,
			"body":   string(respBody),
		})
		return nil, errProvider
	}

	var cr chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&cr); err != nil {
		r.log.Error("undecodable chat response", map[string]any{"model": r.model, "error": err})
		return nil, types.Errorf(types.ErrResourceFailed, "chat provider returned an unreadable response")
	}

	content := noResponse
	if len(cr.Choices) > 0 && cr.Choices[0].Message.Content != "" {
		content = cr.Choices[0].Message.Content
	}
	model := cr.Model
	if model == "" {
		model = r.model
	}

	res := &resource.Result{
		Body:   Reply{Response: content, Model: model},
		Input:  message,
		Output: content,
	}
	if u := cr.Usage; u != nil {
		total := u.TotalTokens
		if total == 0 {
			total = u.PromptTokens + u.CompletionTokens
		}
		res.Usage = &types.UsageRecord{InputUnits: u.PromptTokens, OutputUnits: u.CompletionTokens, TotalUnits: total}
	}
	return res, nil
}
