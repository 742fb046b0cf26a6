// Package llm streams lesson replies from an OpenAI-compatible chat
// completions endpoint.
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

	"github.com/sergio-bershadsky/pipecat-light/internal/frame"
)

// OpenAIClient talks to the /chat/completions endpoint with stream enabled.
type OpenAIClient struct {
	HTTPClient *http.Client
	BaseURL    string
	APIKey     string
	Model      string
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatCompletionsRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
	Stream   bool          `json:"stream"`
}

type chatStreamChoice struct {
	Index        int    `json:"index"`
	FinishReason string `json:"finish_reason"`
	Delta        struct {
		Content string `json:"content"`
	} `json:"delta"`
}

type chatStreamChunk struct {
	ID      string             `json:"id"`
	Object  string             `json:"object"`
	Choices []chatStreamChoice `json:"choices"`
}

// NewOpenAIClient builds a client for the given model, e.g. "gpt-5-mini".
func NewOpenAIClient(apiKey, model string) *OpenAIClient {
	return &OpenAIClient{
		HTTPClient: &http.Client{Timeout: 60 * time.Second},
		BaseURL:    "https://api.openai.com/v1",
		APIKey:     apiKey,
		Model:      model,
	}
}

// Stream sends the conversation history and emits generation deltas as the
// model produces them. The deltas channel ends with a Final delta on success;
// any failure is reported on the error channel. Both channels close when the
// stream is done or ctx is cancelled.
func (c *OpenAIClient) Stream(ctx context.Context, history []frame.ContextMessage) (<-chan frame.GenerationDelta, <-chan error) {
	deltas := make(chan frame.GenerationDelta, 16)
	errs := make(chan error, 1)

	go func() {
		defer close(deltas)
		defer close(errs)

		if c.APIKey == "" {
			errs <- fmt.Errorf("openai api key missing")
			return
		}

		messages := make([]chatMessage, 0, len(history))
		for _, m := range history {
			messages = append(messages, chatMessage{Role: string(m.Role), Content: m.Text})
		}

		reqBody, _ := json.Marshal(chatCompletionsRequest{Model: c.Model, Messages: messages, Stream: true})
		endpoint := strings.TrimRight(c.BaseURL, "/") + "/chat/completions"
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(reqBody))
		if err != nil {
			errs <- err
			return
		}
		req.Header.Set("Authorization", "Bearer "+c.APIKey)
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Accept", "text/event-stream")

		resp, err := c.HTTPClient.Do(req)
		if err != nil {
			errs <- err
			return
		}
		defer resp.Body.Close()
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			b, _ := io.ReadAll(resp.Body)
			errs <- fmt.Errorf("openai error: status=%d body=%s", resp.StatusCode, string(b))
			return
		}

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		sawContent := false
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if !strings.HasPrefix(line, "data:") {
				continue
			}
			payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if payload == "" {
				continue
			}
			if payload == "[DONE]" {
				select {
				case deltas <- frame.GenerationDelta{Final: true}:
				case <-ctx.Done():
				}
				return
			}
			var chunk chatStreamChunk
			if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
				errs <- fmt.Errorf("openai: bad stream chunk: %w", err)
				return
			}
			if len(chunk.Choices) == 0 {
				continue
			}
			choice := chunk.Choices[0]
			if choice.Delta.Content != "" {
				sawContent = true
				select {
				case deltas <- frame.GenerationDelta{Text: choice.Delta.Content}:
				case <-ctx.Done():
					return
				}
			}
			if choice.FinishReason != "" {
				select {
				case deltas <- frame.GenerationDelta{Final: true}:
				case <-ctx.Done():
				}
				return
			}
		}
		if err := scanner.Err(); err != nil {
			if ctx.Err() == nil {
				errs <- fmt.Errorf("openai: stream read: %w", err)
			}
			return
		}
		// stream ended without a terminator
		if !sawContent {
			errs <- fmt.Errorf("openai: empty stream")
			return
		}
		select {
		case deltas <- frame.GenerationDelta{Final: true}:
		case <-ctx.Done():
		}
	}()

	return deltas, errs
}
