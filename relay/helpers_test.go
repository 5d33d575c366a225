package relay

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := OpenDB(filepath.Join(t.TempDir(), "relay.db"))
	require.NoError(t, err)
	store := NewStore(db)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

// mockDeliverer records calls and pops queued outcomes; an empty queue means
// every call is delivered.
type mockDeliverer struct {
	mu        sync.Mutex
	sendQueue []Outcome
	pingQueue []Outcome
	sent      []Event
	pings     int
	// blockSend, when set, makes Send park after recording the call until the
	// channel is closed.
	blockSend chan struct{}
}

func (m *mockDeliverer) queueSend(outs ...Outcome) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sendQueue = append(m.sendQueue, outs...)
}

func (m *mockDeliverer) queuePing(outs ...Outcome) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pingQueue = append(m.pingQueue, outs...)
}

func (m *mockDeliverer) Send(ctx context.Context, ev Event, accessToken string) Outcome {
	m.mu.Lock()
	m.sent = append(m.sent, ev)
	out := DeliveredOutcome()
	if len(m.sendQueue) > 0 {
		out = m.sendQueue[0]
		m.sendQueue = m.sendQueue[1:]
	}
	block := m.blockSend
	m.mu.Unlock()
	if block != nil {
		<-block
	}
	return out
}

func (m *mockDeliverer) Ping(ctx context.Context, accessToken string) Outcome {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pings++
	if len(m.pingQueue) > 0 {
		out := m.pingQueue[0]
		m.pingQueue = m.pingQueue[1:]
		return out
	}
	return DeliveredOutcome()
}

func (m *mockDeliverer) sentEvents() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Event, len(m.sent))
	copy(out, m.sent)
	return out
}

func (m *mockDeliverer) sentCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sent)
}

func (m *mockDeliverer) pingCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pings
}

// memSettings is an in-memory SettingsStore.
type memSettings struct {
	mu sync.Mutex
	cs ConnectionSettings
}

func connectedSettings(token string) *memSettings {
	return &memSettings{cs: ConnectionSettings{AccessToken: token, Connected: true}}
}

func (m *memSettings) Settings(ctx context.Context) (ConnectionSettings, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cs, nil
}

func (m *memSettings) Save(ctx context.Context, cs ConnectionSettings) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cs = cs
	return nil
}

func (m *memSettings) SaveLastHeartbeat(ctx context.Context, atMs int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cs.LastHeartbeatAt = atMs
	return nil
}

func (m *memSettings) snapshot() ConnectionSettings {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cs
}
