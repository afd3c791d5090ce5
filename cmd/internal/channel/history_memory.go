package channel

import (
	"context"
	"errors"
	"sync"

	v1 "chord/shared/contracts/realtime/v1"
)

const memMaxMessagesPerChannel = 10_000

// MemoryHistory is an in-process HistorySource for tests and offline demos.
type MemoryHistory struct {
	mu       sync.Mutex
	channels map[v1.ID]*memChannel
	fetches  int
}

type memChannel struct {
	ids  map[v1.ID]struct{}
	msgs []v1.ChatMessage // chronological
}

// NewMemoryHistory constructs an empty MemoryHistory.
func NewMemoryHistory() *MemoryHistory {
	return &MemoryHistory{channels: make(map[v1.ID]*memChannel)}
}

// Append stores m at the end of its channel. Duplicate ids are ignored.
func (h *MemoryHistory) Append(m v1.ChatMessage) error {
	if m.ID.IsZero() || m.ChannelID.IsZero() {
		return errors.New("invalid message")
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	c := h.channels[m.ChannelID]
	if c == nil {
		c = &memChannel{ids: make(map[v1.ID]struct{}), msgs: make([]v1.ChatMessage, 0, 64)}
		h.channels[m.ChannelID] = c
	}
	if _, dup := c.ids[m.ID]; dup {
		return nil
	}
	c.ids[m.ID] = struct{}{}
	c.msgs = append(c.msgs, m)

	if over := len(c.msgs) - memMaxMessagesPerChannel; over > 0 {
		for _, old := range c.msgs[:over] {
			delete(c.ids, old.ID)
		}
		c.msgs = append([]v1.ChatMessage(nil), c.msgs[over:]...)
	}
	return nil
}

// FetchPage implements HistorySource: page 0 holds the newest messages and
// every page is ordered newest first.
func (h *MemoryHistory) FetchPage(ctx context.Context, channelID v1.ID, page, size int) ([]v1.ChatMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if page < 0 || size <= 0 {
		return nil, errors.New("invalid page request")
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	h.fetches++

	c := h.channels[channelID]
	if c == nil {
		return []v1.ChatMessage{}, nil
	}

	end := len(c.msgs) - page*size
	if end <= 0 {
		return []v1.ChatMessage{}, nil
	}
	start := end - size
	if start < 0 {
		start = 0
	}

	out := make([]v1.ChatMessage, 0, end-start)
	for i := end - 1; i >= start; i-- {
		out = append(out, c.msgs[i])
	}
	return out, nil
}

// Fetches reports how many pages were requested so far.
func (h *MemoryHistory) Fetches() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.fetches
}
