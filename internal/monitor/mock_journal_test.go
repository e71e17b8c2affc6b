package monitor

import (
	"context"
	"sync"

	"github.com/chaz8081/ble-kermit/internal/ble"
	"github.com/chaz8081/ble-kermit/internal/history"
)

// mockJournal records the limits it was queried with.
type mockJournal struct {
	mu      sync.Mutex
	entries []history.Entry
	err     error
	limits  []int
}

var _ Journal = (*mockJournal)(nil)

func (m *mockJournal) Recent(_ context.Context, limit int) ([]history.Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.limits = append(m.limits, limit)
	if m.err != nil {
		return nil, m.err
	}
	if limit < len(m.entries) {
		return m.entries[:limit], nil
	}
	return m.entries, nil
}

func (m *mockJournal) lastLimit() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.limits) == 0 {
		return 0
	}
	return m.limits[len(m.limits)-1]
}

type fixedState ble.State

func (s fixedState) State() ble.State { return ble.State(s) }
