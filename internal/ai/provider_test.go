package ai

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func drainStream(t *testing.T, chunks <-chan StreamChunk, errs <-chan error) ([]StreamChunk, error) {
	t.Helper()
	var out []StreamChunk
	deadline := time.After(5 * time.Second)
	for {
		select {
		case chunk, ok := <-chunks:
			if !ok {
				select {
				case err := <-errs:
					return out, err
				default:
					return out, nil
				}
			}
			out = append(out, chunk)
		case <-deadline:
			t.Fatalf("stream did not finish, got %d chunks", len(out))
		}
	}
}

func joinText(chunks []StreamChunk) string {
	var b strings.Builder
	for _, c := range chunks {
		b.WriteString(c.Text)
	}
	return b.String()
}

func TestDerivedCompletionTokens(t *testing.T) {
	cases := []struct {
		total, prompt, want int
	}{
		{8, 5, 3},
		{5, 5, 0},
		{3, 5, 0}, // never negative
		{0, 0, 0},
	}
	for _, tc := range cases {
		if got := derivedCompletionTokens(tc.total, tc.prompt); got != tc.want {
			t.Fatalf("derivedCompletionTokens(%d, %d) = %d, want %d", tc.total, tc.prompt, got, tc.want)
		}
	}
}

func TestOpenAIStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer key-1" {
			t.Errorf("authorization = %q", got)
		}
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, `data: {"choices":[{"delta":{"content":"He"}}]}`+"\n\n")
		fmt.Fprint(w, `data: {"choices":[{"delta":{"content":"llo"}}]}`+"\n\n")
		// usage arrives on a delta-less message, completion count omitted
		fmt.Fprint(w, `data: {"choices":[],"usage":{"prompt_tokens":5,"total_tokens":8}}`+"\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	p := NewOpenAIProvider(srv.URL)
	chunks, errs := p.StreamMessage(context.Background(),
		[]Message{{Role: "user", Content: "hi"}},
		ModelData{APIKey: "key-1", Model: "gpt-4o"})

	got, err := drainStream(t, chunks, errs)
	if err != nil {
		t.Fatalf("stream error: %v", err)
	}
	if joinText(got) != "Hello" {
		t.Fatalf("text = %q", joinText(got))
	}

	final := got[len(got)-1]
	if !final.IsFinal {
		t.Fatal("last chunk not final")
	}
	if final.PromptTokenCount != 5 || final.CompletionTokenCount != 3 {
		t.Fatalf("tokens = %d/%d, want 5/3", final.PromptTokenCount, final.CompletionTokenCount)
	}
	for _, c := range got {
		if c.ID == "" {
			t.Fatal("chunk missing id")
		}
	}
}

func TestOpenAIStreamRequiresKey(t *testing.T) {
	p := NewOpenAIProvider("http://unused")
	chunks, errs := p.StreamMessage(context.Background(), nil, ModelData{Model: "gpt-4o"})
	got, err := drainStream(t, chunks, errs)
	if err == nil {
		t.Fatal("expected error for missing api key")
	}
	if len(got) != 0 {
		t.Fatalf("got %d chunks, want none", len(got))
	}
}

func TestGeminiStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/models/gemini-2.0-flash:streamGenerateContent" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if got := r.Header.Get("x-goog-api-key"); got != "key-2" {
			t.Errorf("api key header = %q", got)
		}
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, `data: {"candidates":[{"content":{"parts":[{"text":"Hi "}]}}]}`+"\n\n")
		fmt.Fprint(w, `data: {"candidates":[{"content":{"parts":[{"text":"there"}]}}],"usageMetadata":{"promptTokenCount":4,"totalTokenCount":9}}`+"\n\n")
	}))
	defer srv.Close()

	p := NewGeminiProvider(srv.URL)
	chunks, errs := p.StreamMessage(context.Background(),
		[]Message{{Role: "assistant", Content: "earlier"}, {Role: "user", Content: "hi"}},
		ModelData{APIKey: "key-2", Model: "gemini-2.0-flash"})

	got, err := drainStream(t, chunks, errs)
	if err != nil {
		t.Fatalf("stream error: %v", err)
	}
	if joinText(got) != "Hi there" {
		t.Fatalf("text = %q", joinText(got))
	}

	final := got[len(got)-1]
	if !final.IsFinal || final.PromptTokenCount != 4 || final.CompletionTokenCount != 5 {
		t.Fatalf("final = %+v", final)
	}
}

func TestOllamaStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" {
			t.Errorf("path = %s", r.URL.Path)
		}
		fmt.Fprintln(w, `{"message":{"role":"assistant","content":"He"},"done":false}`)
		fmt.Fprintln(w, `{"message":{"role":"assistant","content":"y"},"done":false}`)
		fmt.Fprintln(w, `{"message":{"role":"assistant","content":""},"done":true,"prompt_eval_count":7,"eval_count":2}`)
	}))
	defer srv.Close()

	p := NewOllamaProvider(srv.URL)
	chunks, errs := p.StreamMessage(context.Background(),
		[]Message{{Role: "user", Content: "hi"}},
		ModelData{Model: "llama3:latest"})

	got, err := drainStream(t, chunks, errs)
	if err != nil {
		t.Fatalf("stream error: %v", err)
	}
	if joinText(got) != "Hey" {
		t.Fatalf("text = %q", joinText(got))
	}

	final := got[len(got)-1]
	if !final.IsFinal || final.PromptTokenCount != 7 || final.CompletionTokenCount != 2 {
		t.Fatalf("final = %+v", final)
	}
}

func TestOllamaStreamUpstreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, `{"error":"model not found"}`)
	}))
	defer srv.Close()

	p := NewOllamaProvider(srv.URL)
	chunks, errs := p.StreamMessage(context.Background(), nil, ModelData{Model: "nope"})
	_, err := drainStream(t, chunks, errs)
	if err == nil || !strings.Contains(err.Error(), "model not found") {
		t.Fatalf("err = %v", err)
	}
}

func TestRegistryDispatch(t *testing.T) {
	r := NewRegistry()
	openai := NewOpenAIProvider("")
	r.RegisterFamily("openai", openai)
	r.LoadDefaultModels()

	p, err := r.ForModel("GPT-4o")
	if err != nil {
		t.Fatalf("for model: %v", err)
	}
	if p != StreamProvider(openai) {
		t.Fatal("wrong adapter resolved")
	}

	if _, err := r.ForModel("unknown-model"); err == nil {
		t.Fatal("expected error for unknown model")
	}
	if _, err := r.ForModel("llama3:latest"); err == nil {
		t.Fatal("expected error for family without adapter")
	}
}
