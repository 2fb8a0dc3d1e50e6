package conversation

import (
	"context"
	"sync"
)

// MemoryBackend keeps conversations in a map for the lifetime of the process.
type MemoryBackend struct {
	mu    sync.Mutex
	convs map[int64][]Turn
}

var _ Backend = &MemoryBackend{}

// NewMemoryBackend wraps m, which may be nil. The backend owns m afterwards.
func NewMemoryBackend(m map[int64][]Turn) *MemoryBackend {
	if m == nil {
		m = map[int64][]Turn{}
	}
	return &MemoryBackend{convs: m}
}

func (b *MemoryBackend) Load(_ context.Context, userID int64) ([]Turn, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	turns, ok := b.convs[userID]
	if !ok {
		return nil, false, nil
	}
	return Clone(turns), true, nil
}

func (b *MemoryBackend) Save(_ context.Context, userID int64, turns []Turn) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.convs[userID] = Clone(turns)
	return nil
}

func (b *MemoryBackend) Delete(_ context.Context, userID int64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.convs, userID)
	return nil
}

func (b *MemoryBackend) Keys(_ context.Context) ([]int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]int64, 0, len(b.convs))
	for id := range b.convs {
		out = append(out, id)
	}
	return out, nil
}

func (b *MemoryBackend) Close() error { return nil }
