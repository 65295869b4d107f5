package ai

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"chatrelay/internal/common"
)

// openAIClients caches one HTTP client per credential so every ask against
// the same key shares a connection pool. Process-wide, never evicted;
// credentials are few and long-lived.
var openAIClients sync.Map // apiKey -> *http.Client

type OpenAIProvider struct {
	BaseURL string
}

func NewOpenAIProvider(baseURL string) *OpenAIProvider {
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	return &OpenAIProvider{BaseURL: baseURL}
}

type openAIMsg struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openAIChatReq struct {
	Model         string          `json:"model"`
	Messages      []openAIMsg     `json:"messages"`
	Stream        bool            `json:"stream"`
	StreamOptions map[string]bool `json:"stream_options,omitempty"`
}

type openAIStreamResp struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage,omitempty"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

func (p *OpenAIProvider) client(apiKey string) *http.Client {
	if c, ok := openAIClients.Load(apiKey); ok {
		return c.(*http.Client)
	}
	// no global timeout; ctx controls streaming lifetime
	c, _ := openAIClients.LoadOrStore(apiKey, &http.Client{})
	return c.(*http.Client)
}

// StreamMessage streams assistant content deltas via the chat completions
// SSE endpoint, ending with a usage-bearing final chunk.
func (p *OpenAIProvider) StreamMessage(ctx context.Context, messages []Message, data ModelData) (<-chan StreamChunk, <-chan error) {
	chunks := make(chan StreamChunk, 16)
	errs := make(chan error, 1)

	go func() {
		defer close(chunks)
		defer close(errs)

		if strings.TrimSpace(data.APIKey) == "" {
			errs <- errors.New("openai: api key is required")
			return
		}
		model := strings.TrimSpace(data.Model)
		if model == "" {
			errs <- errors.New("openai: model is required")
			return
		}

		reqBody := openAIChatReq{
			Model:         model,
			Stream:        true,
			StreamOptions: map[string]bool{"include_usage": true},
			Messages: func() []openAIMsg {
				out := make([]openAIMsg, 0, len(messages))
				for _, m := range messages {
					out = append(out, openAIMsg{Role: m.Role, Content: m.Content})
				}
				return out
			}(),
		}

		b, err := json.Marshal(reqBody)
		if err != nil {
			errs <- err
			return
		}

		url := fmt.Sprintf("%s/chat/completions", strings.TrimRight(p.BaseURL, "/"))
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(b))
		if err != nil {
			errs <- err
			return
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+data.APIKey)

		resp, err := p.client(data.APIKey).Do(req)
		if err != nil {
			errs <- err
			return
		}
		defer resp.Body.Close()

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 4*1024))
			msg := strings.TrimSpace(string(body))
			if msg == "" {
				msg = fmt.Sprintf("status %d", resp.StatusCode)
			}
			errs <- fmt.Errorf("openai: %s", msg)
			return
		}

		sc := bufio.NewScanner(resp.Body)
		buf := make([]byte, 0, 64*1024)
		sc.Buffer(buf, 2*1024*1024)

		var promptTokens, totalTokens, completionTokens int

		for sc.Scan() {
			line := strings.TrimSpace(sc.Text())
			if line == "" || !strings.HasPrefix(line, "data:") {
				continue
			}
			payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if payload == "[DONE]" {
				break
			}
			var decoded openAIStreamResp
			if err := json.Unmarshal([]byte(payload), &decoded); err != nil {
				errs <- err
				return
			}
			if decoded.Error != nil && decoded.Error.Message != "" {
				errs <- errors.New(decoded.Error.Message)
				return
			}
			if decoded.Usage != nil {
				promptTokens = decoded.Usage.PromptTokens
				completionTokens = decoded.Usage.CompletionTokens
				totalTokens = decoded.Usage.TotalTokens
			}
			if len(decoded.Choices) == 0 {
				continue
			}
			if delta := decoded.Choices[0].Delta.Content; delta != "" {
				chunks <- StreamChunk{ID: common.MustULID(), Text: delta}
			}
		}
		if err := sc.Err(); err != nil {
			errs <- err
			return
		}

		if completionTokens == 0 && totalTokens > 0 {
			completionTokens = derivedCompletionTokens(totalTokens, promptTokens)
		}
		chunks <- StreamChunk{
			ID:                   common.MustULID(),
			IsFinal:              true,
			PromptTokenCount:     promptTokens,
			CompletionTokenCount: completionTokens,
		}
	}()

	return chunks, errs
}
