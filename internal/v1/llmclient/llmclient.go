// Package llmclient is the production implementation of llmgateway.Client:
// a single chat-completion call against any OpenAI-compatible endpoint,
// selected per-call by Params.APIBase so a room's LLM runs can each target
// a different provider/proxy.
package llmclient

import (
	"context"
	"fmt"
	"sync"

	openai "github.com/sashabaranov/go-openai"

	"github.com/andrewginns/wikirace-arena/internal/v1/llmgateway"
)

// Client implements llmgateway.Client against OpenAI-compatible chat
// completion endpoints, caching one *openai.Client per distinct api_base
// so the common case (every run against the default endpoint) reuses a
// single connection pool.
type Client struct {
	apiKey         string
	defaultAPIBase string

	mu      sync.Mutex
	clients map[string]*openai.Client
}

// New builds a Client. apiKey authenticates every call; defaultAPIBase is
// used when a Params.APIBase isn't supplied.
func New(apiKey, defaultAPIBase string) *Client {
	return &Client{
		apiKey:         apiKey,
		defaultAPIBase: defaultAPIBase,
		clients:        make(map[string]*openai.Client),
	}
}

func (c *Client) clientFor(apiBase string) *openai.Client {
	if apiBase == "" {
		apiBase = c.defaultAPIBase
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if cl, ok := c.clients[apiBase]; ok {
		return cl
	}

	cfg := openai.DefaultConfig(c.apiKey)
	if apiBase != "" {
		cfg.BaseURL = apiBase
	}
	cl := openai.NewClientWithConfig(cfg)
	c.clients[apiBase] = cl
	return cl
}

// Chat sends prompt as a single user message and returns the first
// completion choice's text plus token usage.
func (c *Client) Chat(ctx context.Context, prompt string, params llmgateway.Params) (string, *llmgateway.Usage, error) {
	req := openai.ChatCompletionRequest{
		Model: params.Model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
	}
	if params.MaxTokens != nil {
		req.MaxTokens = *params.MaxTokens
	}
	if params.ReasoningEffort != "" {
		req.ReasoningEffort = params.ReasoningEffort
	}

	resp, err := c.clientFor(params.APIBase).CreateChatCompletion(ctx, req)
	if err != nil {
		return "", nil, fmt.Errorf("llmclient: chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", nil, fmt.Errorf("llmclient: provider returned no choices")
	}

	usage := &llmgateway.Usage{
		PromptTokens:     intPtr(resp.Usage.PromptTokens),
		CompletionTokens: intPtr(resp.Usage.CompletionTokens),
		TotalTokens:      intPtr(resp.Usage.TotalTokens),
	}
	return resp.Choices[0].Message.Content, usage, nil
}

func intPtr(v int) *int {
	if v == 0 {
		return nil
	}
	return &v
}
