// Package llm bridges inbound user messages to the upstream model
// provider and streams the response back as framed chunk envelopes.
package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/loomchat/loom/internal/adapters/circuitbreaker"
	"github.com/loomchat/loom/internal/adapters/retry"
	"github.com/loomchat/loom/internal/domain"
	"github.com/loomchat/loom/internal/ports"
)

// Client is an OpenAI-compatible streaming completion client.
type Client struct {
	baseURL     string
	apiKey      string
	httpClient  *http.Client
	retryConfig retry.BackoffConfig
	breaker     *circuitbreaker.CircuitBreaker
}

func NewClient(baseURL, apiKey string) *Client {
	baseURL = strings.TrimSuffix(baseURL, "/")
	baseURL = strings.TrimSuffix(baseURL, "/v1")

	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: 0, // streaming reads outlive any fixed request timeout
		},
		retryConfig: retry.HTTPConfig(),
		breaker:     circuitbreaker.New(5, 30*time.Second),
	}
}

type chatCompletionRequest struct {
	Model       string           `json:"model"`
	Messages    []ports.ChatTurn `json:"messages"`
	MaxTokens   int              `json:"max_tokens,omitempty"`
	Temperature float64          `json:"temperature"`
	Stream      bool             `json:"stream"`
}

// Stream opens a streaming completion. The initial connection is retried
// with backoff and guarded by a circuit breaker; the stream itself is not
// retried. A 429 from upstream maps to upstream_throttled, everything else
// to upstream_unavailable.
func (c *Client) Stream(ctx context.Context, req ports.ChatRequest) (<-chan ports.Delta, error) {
	turns := req.Turns
	if req.System != "" {
		turns = append([]ports.ChatTurn{{Role: "system", Content: req.System}}, turns...)
	}

	body, err := json.Marshal(chatCompletionRequest{
		Model:       req.Model,
		Messages:    turns,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		Stream:      true,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal completion request: %w", err)
	}

	var resp *http.Response
	var lastStatus int

	err = c.breaker.Execute(func() error {
		return retry.WithBackoffHTTP(ctx, c.retryConfig, func() (int, error) {
			httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/chat/completions", bytes.NewReader(body))
			if err != nil {
				return 0, fmt.Errorf("create request: %w", err)
			}
			httpReq.Header.Set("Content-Type", "application/json")
			if c.apiKey != "" {
				httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
			}

			resp, err = c.httpClient.Do(httpReq)
			if err != nil {
				return 0, fmt.Errorf("send request: %w", err)
			}

			lastStatus = resp.StatusCode
			if resp.StatusCode != http.StatusOK {
				msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
				resp.Body.Close()
				return resp.StatusCode, fmt.Errorf("upstream status %s: %s", resp.Status, string(msg))
			}
			return resp.StatusCode, nil
		})
	})
	if err != nil {
		if lastStatus == http.StatusTooManyRequests {
			return nil, domain.Wrap(domain.KindUpstreamThrottled, "provider throttled", err)
		}
		return nil, domain.Wrap(domain.KindUpstreamUnavailable, "provider unreachable", err)
	}

	deltas := make(chan ports.Delta, 10)
	go c.readStream(ctx, resp.Body, deltas)
	return deltas, nil
}

// readStream parses the SSE body into deltas, terminating with exactly one
// Done element. Stops reading promptly on context cancellation.
func (c *Client) readStream(ctx context.Context, body io.ReadCloser, deltas chan<- ports.Delta) {
	defer close(deltas)
	defer body.Close()

	// Closing the body unblocks the blocked ReadBytes below when the
	// caller cancels mid-stream.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			body.Close()
		case <-done:
		}
	}()

	reader := bufio.NewReader(body)
	for {
		line, err := reader.ReadBytes('\n')
		if err != nil {
			if ctx.Err() != nil {
				deltas <- ports.Delta{Done: true, Err: ctx.Err()}
				return
			}
			if err != io.EOF {
				deltas <- ports.Delta{Done: true, Err: domain.Wrap(domain.KindUpstreamUnavailable, "stream read", err)}
				return
			}
			deltas <- ports.Delta{Done: true}
			return
		}

		lineStr := strings.TrimSpace(string(line))
		if lineStr == "" || !strings.HasPrefix(lineStr, "data: ") {
			continue
		}

		data := strings.TrimPrefix(lineStr, "data: ")
		if data == "[DONE]" {
			deltas <- ports.Delta{Done: true}
			return
		}

		var chunk struct {
			Choices []struct {
				Delta struct {
					Content string `json:"content"`
				} `json:"delta"`
				FinishReason string `json:"finish_reason"`
			} `json:"choices"`
		}
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			continue
		}
		if len(chunk.Choices) == 0 {
			continue
		}

		choice := chunk.Choices[0]
		if choice.Delta.Content != "" {
			deltas <- ports.Delta{Content: choice.Delta.Content}
		}
		if choice.FinishReason != "" {
			deltas <- ports.Delta{Done: true}
			return
		}
	}
}
