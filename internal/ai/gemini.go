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

var geminiClients sync.Map // apiKey -> *http.Client

type GeminiProvider struct {
	BaseURL string
}

func NewGeminiProvider(baseURL string) *GeminiProvider {
	if baseURL == "" {
		baseURL = "https://generativelanguage.googleapis.com/v1beta"
	}
	return &GeminiProvider{BaseURL: baseURL}
}

type geminiPart struct {
	Text string `json:"text,omitempty"`
}

type geminiContent struct {
	Role  string       `json:"role"`
	Parts []geminiPart `json:"parts"`
}

type geminiGenerateReq struct {
	Contents []geminiContent `json:"contents"`
}

type geminiStreamResp struct {
	Candidates []struct {
		Content struct {
			Parts []geminiPart `json:"parts"`
		} `json:"content"`
	} `json:"candidates"`
	UsageMetadata *struct {
		PromptTokenCount int `json:"promptTokenCount"`
		TotalTokenCount  int `json:"totalTokenCount"`
	} `json:"usageMetadata,omitempty"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

func (p *GeminiProvider) client(apiKey string) *http.Client {
	if c, ok := geminiClients.Load(apiKey); ok {
		return c.(*http.Client)
	}
	c, _ := geminiClients.LoadOrStore(apiKey, &http.Client{})
	return c.(*http.Client)
}

// StreamMessage streams deltas from streamGenerateContent. Gemini reports
// prompt and total token counts only; the completion count is derived as
// total - prompt, floored at 0.
func (p *GeminiProvider) StreamMessage(ctx context.Context, messages []Message, data ModelData) (<-chan StreamChunk, <-chan error) {
	chunks := make(chan StreamChunk, 16)
	errs := make(chan error, 1)

	go func() {
		defer close(chunks)
		defer close(errs)

		if strings.TrimSpace(data.APIKey) == "" {
			errs <- errors.New("gemini: api key is required")
			return
		}
		model := strings.TrimSpace(data.Model)
		if model == "" {
			errs <- errors.New("gemini: model is required")
			return
		}

		reqBody := geminiGenerateReq{
			Contents: func() []geminiContent {
				out := make([]geminiContent, 0, len(messages))
				for _, m := range messages {
					role := m.Role
					// Gemini calls the assistant side "model"
					if role == "assistant" {
						role = "model"
					}
					out = append(out, geminiContent{Role: role, Parts: []geminiPart{{Text: m.Content}}})
				}
				return out
			}(),
		}

		b, err := json.Marshal(reqBody)
		if err != nil {
			errs <- err
			return
		}

		url := fmt.Sprintf("%s/models/%s:streamGenerateContent?alt=sse",
			strings.TrimRight(p.BaseURL, "/"), model)
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(b))
		if err != nil {
			errs <- err
			return
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("x-goog-api-key", data.APIKey)

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
			errs <- fmt.Errorf("gemini: %s", msg)
			return
		}

		sc := bufio.NewScanner(resp.Body)
		buf := make([]byte, 0, 64*1024)
		sc.Buffer(buf, 2*1024*1024)

		var promptTokens, totalTokens int
		haveUsage := false

		for sc.Scan() {
			line := strings.TrimSpace(sc.Text())
			if line == "" || !strings.HasPrefix(line, "data:") {
				continue
			}
			payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))

			var decoded geminiStreamResp
			if err := json.Unmarshal([]byte(payload), &decoded); err != nil {
				errs <- err
				return
			}
			if decoded.Error != nil && decoded.Error.Message != "" {
				errs <- errors.New(decoded.Error.Message)
				return
			}
			if decoded.UsageMetadata != nil {
				promptTokens = decoded.UsageMetadata.PromptTokenCount
				totalTokens = decoded.UsageMetadata.TotalTokenCount
				haveUsage = true
			}
			for _, cand := range decoded.Candidates {
				for _, part := range cand.Content.Parts {
					if part.Text != "" {
						chunks <- StreamChunk{ID: common.MustULID(), Text: part.Text}
					}
				}
			}
		}
		if err := sc.Err(); err != nil {
			errs <- err
			return
		}

		final := StreamChunk{ID: common.MustULID(), IsFinal: true}
		if haveUsage {
			final.PromptTokenCount = promptTokens
			final.CompletionTokenCount = derivedCompletionTokens(totalTokens, promptTokens)
		}
		chunks <- final
	}()

	return chunks, errs
}
