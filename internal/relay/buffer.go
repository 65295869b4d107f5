package relay

import (
	"context"
	"sync"

	"chatrelay/internal/ai"
)

// buffer is the per-topic replay log: an append-only record of every chunk
// seen in this topic's lifetime. The bridge goroutine is the single writer;
// any number of subscriber goroutines read it from the start.
type buffer struct {
	mu     sync.Mutex
	cond   *sync.Cond
	chunks []ai.StreamChunk
	closed bool
}

func newBuffer() *buffer {
	b := &buffer{}
	b.cond = sync.NewCond(&b.mu)
	return b
}

func (b *buffer) append(c ai.StreamChunk) {
	b.mu.Lock()
	b.chunks = append(b.chunks, c)
	b.cond.Broadcast()
	b.mu.Unlock()
}

// close ends the log. Readers drain whatever is buffered and then complete
// normally; this is how idle teardown unblocks subscribers.
func (b *buffer) close() {
	b.mu.Lock()
	b.closed = true
	b.cond.Broadcast()
	b.mu.Unlock()
}

// subscribe returns a channel that replays all buffered chunks in publish
// order and then follows the live tail. The channel closes when the buffer
// closes (after draining) or when ctx is cancelled.
func (b *buffer) subscribe(ctx context.Context) <-chan ai.StreamChunk {
	out := make(chan ai.StreamChunk, 16)

	// wake the reader out of cond.Wait when the subscriber goes away
	stop := context.AfterFunc(ctx, func() {
		b.mu.Lock()
		b.cond.Broadcast()
		b.mu.Unlock()
	})

	go func() {
		defer close(out)
		defer stop()

		cursor := 0
		for {
			b.mu.Lock()
			for cursor >= len(b.chunks) && !b.closed && ctx.Err() == nil {
				b.cond.Wait()
			}
			if ctx.Err() != nil {
				b.mu.Unlock()
				return
			}
			if cursor >= len(b.chunks) {
				// closed and fully drained
				b.mu.Unlock()
				return
			}
			chunk := b.chunks[cursor]
			cursor++
			b.mu.Unlock()

			select {
			case out <- chunk:
			case <-ctx.Done():
				return
			}
		}
	}()

	return out
}

func (b *buffer) len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.chunks)
}
