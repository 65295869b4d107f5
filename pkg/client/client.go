// Package client consumes a chat's SSE chunk stream and reassembles the
// response. It reconnects on transport failures without duplicating text
// and bounds the wait with two fallback timers, so a caller always gets
// either the full response, the best partial one, or a fixed fallback
// message in bounded time.
package client

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"chatrelay/internal/ai"
)

const (
	// DefaultMaxRetries bounds reconnect attempts after a failed or
	// interrupted connection.
	DefaultMaxRetries = 3
	// DefaultStallTimeout finalizes the accumulated partial text when no
	// further chunk arrives for this long after data has started flowing.
	DefaultStallTimeout = 5 * time.Second
	// DefaultNoDataTimeout surfaces FallbackMessage when not a single
	// chunk has arrived for the whole ask.
	DefaultNoDataTimeout = 10 * time.Second
)

// FallbackMessage is surfaced when the stream delivers nothing at all
// before the no-data timeout.
const FallbackMessage = "The assistant did not respond. Please try again."

var (
	ErrRetriesExhausted = errors.New("client: retries exhausted")
	ErrBadStatus        = errors.New("client: unexpected response status")
)

// State is the consumer's lifecycle position, observable while Stream runs.
type State int32

const (
	StateIdle State = iota
	StateConnecting
	StateStreaming
	StateCompleted
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateStreaming:
		return "streaming"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Result is the reassembled response. Completed reports whether a genuine
// final chunk arrived; when false the text is either a stall-finalized
// partial or FallbackMessage.
type Result struct {
	Text             string
	PromptTokens     int
	CompletionTokens int
	Completed        bool
}

// Consumer streams one chat's response. Zero values for the tunables fall
// back to the defaults above.
type Consumer struct {
	BaseURL string
	Token   string

	HTTPClient    *http.Client
	MaxRetries    int
	StallTimeout  time.Duration
	NoDataTimeout time.Duration

	// OnChunk, when set, observes every new chunk as it arrives. Replayed
	// chunks already seen on a previous connection are not re-delivered.
	OnChunk func(ai.StreamChunk)

	state atomic.Int32
}

func (c *Consumer) State() State {
	return State(c.state.Load())
}

func (c *Consumer) setState(s State) {
	c.state.Store(int32(s))
}

func (c *Consumer) httpClient() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return http.DefaultClient
}

func (c *Consumer) maxRetries() int {
	if c.MaxRetries > 0 {
		return c.MaxRetries
	}
	return DefaultMaxRetries
}

func (c *Consumer) stallTimeout() time.Duration {
	if c.StallTimeout > 0 {
		return c.StallTimeout
	}
	return DefaultStallTimeout
}

func (c *Consumer) noDataTimeout() time.Duration {
	if c.NoDataTimeout > 0 {
		return c.NoDataTimeout
	}
	return DefaultNoDataTimeout
}

func (c *Consumer) streamURL(chatID string) string {
	u := strings.TrimRight(c.BaseURL, "/") + "/chats/" + chatID + "/stream"
	if c.Token != "" {
		// EventSource-style transports cannot set headers
		u += "?access_token=" + url.QueryEscape(c.Token)
	}
	return u
}

// accumulator carries reassembly state across reconnects so a retried
// connection's replay does not duplicate text.
type accumulator struct {
	text strings.Builder
	seen map[string]bool
	res  Result
}

func (a *accumulator) apply(chunk ai.StreamChunk) bool {
	if chunk.ID != "" && a.seen[chunk.ID] {
		return false
	}
	if chunk.ID != "" {
		a.seen[chunk.ID] = true
	}
	a.text.WriteString(chunk.Text)
	if chunk.IsFinal {
		a.res.Completed = true
		a.res.PromptTokens = chunk.PromptTokenCount
		a.res.CompletionTokens = chunk.CompletionTokenCount
	}
	return true
}

func (a *accumulator) gotData() bool {
	return len(a.seen) > 0 || a.text.Len() > 0
}

func (a *accumulator) result() Result {
	a.res.Text = a.text.String()
	return a.res
}

// askTimers are the per-ask safety net: the two timers span reconnects, so
// a flapping connection cannot extend the user-visible wait.
type askTimers struct {
	noData *time.Timer
	stall  *time.Timer
}

// Stream consumes the chat's SSE feed until a final chunk arrives, a
// fallback timer fires, or retries run out. It blocks; cancel ctx to abort,
// which discards the partial state.
func (c *Consumer) Stream(ctx context.Context, chatID string) (Result, error) {
	acc := &accumulator{seen: make(map[string]bool)}

	timers := askTimers{
		noData: time.NewTimer(c.noDataTimeout()),
		stall:  time.NewTimer(c.stallTimeout()),
	}
	timers.stall.Stop() // armed once data starts flowing
	defer timers.noData.Stop()
	defer timers.stall.Stop()

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries(); attempt++ {
		if err := ctx.Err(); err != nil {
			c.setState(StateFailed)
			return Result{}, err
		}

		done, err := c.consumeOnce(ctx, chatID, acc, timers)
		if done {
			c.setState(StateCompleted)
			return acc.result(), nil
		}
		if ctx.Err() != nil {
			c.setState(StateFailed)
			return Result{}, ctx.Err()
		}
		lastErr = err
	}

	c.setState(StateFailed)
	if lastErr == nil {
		lastErr = errors.New("stream ended without final chunk")
	}
	return acc.result(), fmt.Errorf("%w: %v", ErrRetriesExhausted, lastErr)
}

// consumeOnce runs a single connection. It reports done=true when the ask
// is finished for good: a genuine final chunk, a stall-finalized partial,
// or the no-data fallback.
func (c *Consumer) consumeOnce(ctx context.Context, chatID string, acc *accumulator, timers askTimers) (done bool, err error) {
	c.setState(StateConnecting)

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	req, err := http.NewRequestWithContext(connCtx, http.MethodGet, c.streamURL(chatID), nil)
	if err != nil {
		return false, err
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := c.httpClient().Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("%w: %s", ErrBadStatus, resp.Status)
	}

	c.setState(StateStreaming)

	chunks := make(chan ai.StreamChunk)
	readErr := make(chan error, 1)
	go func() {
		defer close(chunks)
		readErr <- readEvents(connCtx, resp.Body, chunks)
	}()

	for {
		select {
		case chunk, ok := <-chunks:
			if !ok {
				// server closed the feed without a final chunk
				return false, <-readErr
			}
			if !acc.gotData() {
				timers.noData.Stop()
			}
			if !acc.apply(chunk) {
				continue
			}
			if c.OnChunk != nil {
				c.OnChunk(chunk)
			}
			if chunk.IsFinal {
				timers.stall.Stop()
				return true, nil
			}
			timers.stall.Stop()
			timers.stall.Reset(c.stallTimeout())

		case <-timers.stall.C:
			// text flowed and then stopped; keep what we have
			return true, nil

		case <-timers.noData.C:
			// nothing at all arrived for the whole ask
			acc.text.WriteString(FallbackMessage)
			return true, nil

		case <-ctx.Done():
			return false, ctx.Err()
		}
	}
}

// readEvents parses the SSE byte stream into chunks until EOF. Comment
// frames and undecodable payloads are skipped.
func readEvents(ctx context.Context, body interface{ Read([]byte) (int, error) }, out chan<- ai.StreamChunk) error {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 64*1024), 2*1024*1024)

	for scanner.Scan() {
		line := scanner.Text()
		data, ok := strings.CutPrefix(line, "data:")
		if !ok {
			continue
		}
		data = strings.TrimSpace(data)
		if data == "" {
			continue
		}
		var chunk ai.StreamChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			continue
		}
		select {
		case out <- chunk:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return scanner.Err()
}
