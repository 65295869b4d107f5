package relay

import "sync"

// registry maps a chat id to its live topic so concurrent Attach calls for
// the same chat share one durable subscription instead of each creating
// their own. Entries are removed on topic teardown.
type registry struct {
	mu     sync.Mutex
	topics map[string]*topic
}

func newRegistry() *registry {
	return &registry{topics: make(map[string]*topic)}
}

// getOrCreate returns the live topic for chatID, calling create under the
// lock when none exists yet.
func (g *registry) getOrCreate(chatID string, create func() (*topic, error)) (*topic, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if t, ok := g.topics[chatID]; ok {
		return t, nil
	}
	t, err := create()
	if err != nil {
		return nil, err
	}
	g.topics[chatID] = t
	return t, nil
}

// remove drops the entry only if it still points at t, so a torn-down topic
// cannot evict its successor epoch.
func (g *registry) remove(chatID string, t *topic) {
	g.mu.Lock()
	if cur, ok := g.topics[chatID]; ok && cur == t {
		delete(g.topics, chatID)
	}
	g.mu.Unlock()
}

func (g *registry) size() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.topics)
}

func (g *registry) all() []*topic {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]*topic, 0, len(g.topics))
	for _, t := range g.topics {
		out = append(out, t)
	}
	return out
}
