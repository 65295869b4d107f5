package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatrelay/internal/ai"
)

func writeChunk(t *testing.T, w http.ResponseWriter, chunk ai.StreamChunk) {
	t.Helper()
	b, err := json.Marshal(chunk)
	require.NoError(t, err)
	fmt.Fprintf(w, "data: %s\n\n", b)
	w.(http.Flusher).Flush()
}

func sseHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.WriteHeader(http.StatusOK)
}

func TestStreamReassemblesResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chats/c1/stream", r.URL.Path)
		assert.Equal(t, "tok", r.URL.Query().Get("access_token"))
		sseHeaders(w)
		fmt.Fprint(w, ": ping\n\n")
		writeChunk(t, w, ai.StreamChunk{ID: "1", Text: "He"})
		writeChunk(t, w, ai.StreamChunk{ID: "2", Text: "llo"})
		writeChunk(t, w, ai.StreamChunk{ID: "3", IsFinal: true, PromptTokenCount: 5, CompletionTokenCount: 3})
	}))
	defer srv.Close()

	c := &Consumer{BaseURL: srv.URL, Token: "tok"}
	res, err := c.Stream(context.Background(), "c1")
	require.NoError(t, err)

	assert.Equal(t, "Hello", res.Text)
	assert.True(t, res.Completed)
	assert.Equal(t, 5, res.PromptTokens)
	assert.Equal(t, 3, res.CompletionTokens)
	assert.Equal(t, StateCompleted, c.State())
}

func TestStreamReconnectsWithoutDuplication(t *testing.T) {
	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := attempts.Add(1)
		sseHeaders(w)
		if n == 1 {
			// drop the connection mid-stream, before the final chunk
			writeChunk(t, w, ai.StreamChunk{ID: "1", Text: "He"})
			writeChunk(t, w, ai.StreamChunk{ID: "2", Text: "ll"})
			return
		}
		// the relay replays the full sequence on reconnect
		writeChunk(t, w, ai.StreamChunk{ID: "1", Text: "He"})
		writeChunk(t, w, ai.StreamChunk{ID: "2", Text: "ll"})
		writeChunk(t, w, ai.StreamChunk{ID: "3", Text: "o"})
		writeChunk(t, w, ai.StreamChunk{ID: "4", IsFinal: true})
	}))
	defer srv.Close()

	var seen []string
	c := &Consumer{
		BaseURL: srv.URL,
		OnChunk: func(chunk ai.StreamChunk) { seen = append(seen, chunk.ID) },
	}
	res, err := c.Stream(context.Background(), "c1")
	require.NoError(t, err)

	assert.Equal(t, "Hello", res.Text)
	assert.True(t, res.Completed)
	assert.Equal(t, int32(2), attempts.Load())
	// replayed chunks are delivered to the observer once
	assert.Equal(t, []string{"1", "2", "3", "4"}, seen)
}

func TestStreamStallFinalizesPartial(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sseHeaders(w)
		writeChunk(t, w, ai.StreamChunk{ID: "1", Text: "partial answer"})
		<-r.Context().Done()
	}))
	defer srv.Close()

	c := &Consumer{
		BaseURL:      srv.URL,
		StallTimeout: 50 * time.Millisecond,
	}
	res, err := c.Stream(context.Background(), "c1")
	require.NoError(t, err)

	assert.Equal(t, "partial answer", res.Text)
	assert.False(t, res.Completed)
	assert.Equal(t, StateCompleted, c.State())
}

func TestStreamNoDataFallback(t *testing.T) {
	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		sseHeaders(w)
		<-r.Context().Done()
	}))
	defer srv.Close()

	c := &Consumer{
		BaseURL:       srv.URL,
		NoDataTimeout: 50 * time.Millisecond,
	}
	res, err := c.Stream(context.Background(), "c1")
	require.NoError(t, err)

	assert.Equal(t, FallbackMessage, res.Text)
	assert.False(t, res.Completed)
	assert.Equal(t, int32(1), attempts.Load())
	assert.Equal(t, StateCompleted, c.State())
}

func TestStreamRetriesExhausted(t *testing.T) {
	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		sseHeaders(w)
		// always drop after the first chunk, never a final one
		writeChunk(t, w, ai.StreamChunk{ID: "1", Text: "He"})
	}))
	defer srv.Close()

	c := &Consumer{
		BaseURL:      srv.URL,
		MaxRetries:   2,
		StallTimeout: time.Minute,
	}
	res, err := c.Stream(context.Background(), "c1")
	require.ErrorIs(t, err, ErrRetriesExhausted)
	assert.Equal(t, int32(3), attempts.Load()) // initial try plus retries
	// accumulated text is preserved for the caller to show or discard
	assert.Equal(t, "He", res.Text)
	assert.Equal(t, StateFailed, c.State())
}

func TestStreamBadStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	c := &Consumer{BaseURL: srv.URL, MaxRetries: 1}
	_, err := c.Stream(context.Background(), "c1")
	require.ErrorIs(t, err, ErrRetriesExhausted)
	assert.Equal(t, StateFailed, c.State())
}

func TestStreamContextCancelDiscardsState(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sseHeaders(w)
		writeChunk(t, w, ai.StreamChunk{ID: "1", Text: "some"})
		<-r.Context().Done()
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	c := &Consumer{BaseURL: srv.URL, StallTimeout: time.Minute}
	res, err := c.Stream(ctx, "c1")
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, Result{}, res)
	assert.Equal(t, StateFailed, c.State())
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "idle", StateIdle.String())
	assert.Equal(t, "streaming", StateStreaming.String())
	assert.Equal(t, "failed", StateFailed.String())
}
