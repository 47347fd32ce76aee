package sink

import (
	"context"
	"io"
	"sync"
	"time"
)

// Memory keeps items in memory, it is safe for concurrent use.
type Memory struct {
	mutex sync.Mutex
	dedup bool
	seen  map[string]struct{}
	items []Item
}

// NewMemory creates a memory sink, with dedup set items already written are
// ignored.
func NewMemory(dedup bool) *Memory {
	return &Memory{
		dedup: dedup,
		seen:  map[string]struct{}{},
	}
}

func (m *Memory) Write(ctx context.Context, stage string, item any) error {
	key, payload, err := encode(stage, item)
	if err != nil {
		return err
	}

	m.mutex.Lock()
	defer m.mutex.Unlock()
	if m.dedup {
		if _, ok := m.seen[key]; ok {
			return nil
		}
		m.seen[key] = struct{}{}
	}
	m.items = append(m.items, Item{
		Key:       key,
		Stage:     stage,
		Payload:   payload,
		CreatedAt: time.Now(),
	})
	return nil
}

func (m *Memory) Items() []Item {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	out := make([]Item, len(m.items))
	copy(out, m.items)
	return out
}

func (m *Memory) Render(w io.Writer) {
	Render(w, m.Items())
}
