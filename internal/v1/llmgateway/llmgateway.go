// Package llmgateway abstracts away LLM provider differences behind a
// single Call method, gated by a process-wide concurrency limit and
// guarded by a circuit breaker.
package llmgateway

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/sync/semaphore"

	"github.com/andrewginns/wikirace-arena/internal/v1/metrics"
)

// Usage reports token accounting for one LLM call. Fields are pointers
// because providers disagree on which counters they report — "not
// reported" is a distinct state from zero.
type Usage struct {
	PromptTokens     *int
	CompletionTokens *int
	TotalTokens      *int
}

// Params configures one chat-completion call. APIBase and ReasoningEffort
// are opaque pass-through hints forwarded to whichever provider Model
// resolves to.
type Params struct {
	Model           string
	MaxTokens       *int
	APIBase         string
	ReasoningEffort string
}

// Client performs the actual network call to a model provider. Production
// wiring supplies an OpenAI/Anthropic/Gemini-compatible implementation;
// tests supply a stub.
type Client interface {
	Chat(ctx context.Context, prompt string, params Params) (text string, usage *Usage, err error)
}

// Gateway is the single entry point every LLM-consuming component calls
// through — llmdecision's retry loop and the local-trace harness alike.
type Gateway struct {
	client Client
	sem    *semaphore.Weighted
	cb     *gobreaker.CircuitBreaker
}

// New builds a Gateway that allows at most maxConcurrent in-flight calls.
func New(client Client, maxConcurrent int) *Gateway {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	st := gobreaker.Settings{
		Name:        "llm_gateway",
		MaxRequests: 3,
		Interval:    1 * time.Minute,
		Timeout:     30 * time.Second,
		OnStateChange: func(name string, from, to gobreaker.State) {
			var stateVal float64
			switch to {
			case gobreaker.StateClosed:
				stateVal = 0
			case gobreaker.StateOpen:
				stateVal = 1
			case gobreaker.StateHalfOpen:
				stateVal = 2
			}
			metrics.CircuitBreakerState.WithLabelValues("llm_gateway").Set(stateVal)
		},
	}
	return &Gateway{
		client: client,
		sem:    semaphore.NewWeighted(int64(maxConcurrent)),
		cb:     gobreaker.NewCircuitBreaker(st),
	}
}

// ErrGatewayUnavailable is returned when the circuit breaker is open.
var ErrGatewayUnavailable = errors.New("llmgateway: provider unavailable")

// Call acquires a concurrency slot, then performs one provider call
// through the circuit breaker, recording latency and outcome metrics.
func (g *Gateway) Call(ctx context.Context, prompt string, params Params) (string, *Usage, error) {
	if err := g.sem.Acquire(ctx, 1); err != nil {
		return "", nil, fmt.Errorf("llmgateway: acquiring call slot: %w", err)
	}
	defer g.sem.Release(1)

	start := time.Now()
	result, err := g.cb.Execute(func() (interface{}, error) {
		text, usage, callErr := g.client.Chat(ctx, prompt, params)
		return callResult{text: text, usage: usage}, callErr
	})
	metrics.LLMCallDuration.Observe(time.Since(start).Seconds())

	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) {
			metrics.LLMCallsTotal.WithLabelValues("circuit_open").Inc()
			metrics.CircuitBreakerFailures.WithLabelValues("llm_gateway").Inc()
			return "", nil, ErrGatewayUnavailable
		}
		metrics.LLMCallsTotal.WithLabelValues("error").Inc()
		return "", nil, fmt.Errorf("llmgateway: call failed: %w", err)
	}

	metrics.LLMCallsTotal.WithLabelValues("ok").Inc()
	callResult := result.(callResult)
	return callResult.text, callResult.usage, nil
}

// callResult bundles Client.Chat's two return values so they survive the
// gobreaker.Execute closure's single-value return.
type callResult struct {
	text  string
	usage *Usage
}
