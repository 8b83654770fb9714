package engine

import (
	"context"
	"sync"
	"testing"
	"time"
)

// Mock event publisher for testing
type mockEventPublisher struct {
	mu     sync.Mutex
	events []Event
}

func (m *mockEventPublisher) Publish(ctx context.Context, event *Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, *event)
	return nil
}

func (m *mockEventPublisher) ofType(typ EventType) []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Event, 0)
	for _, e := range m.events {
		if e.Type == typ {
			out = append(out, e)
		}
	}
	return out
}

// Mock state store for testing
type mockStateStore struct {
	mu        sync.Mutex
	snapshots map[string]*Snapshot
	saves     int

	// versions lists every saved version in call order
	versions []int64

	// delay slows down every save
	delay time.Duration
}

func newMockStateStore() *mockStateStore {
	return &mockStateStore{snapshots: make(map[string]*Snapshot)}
}

func (m *mockStateStore) SaveSnapshot(ctx context.Context, snapshot *Snapshot) error {
	if m.delay > 0 {
		time.Sleep(m.delay)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saves++
	m.versions = append(m.versions, snapshot.Version)
	if existing, ok := m.snapshots[snapshot.ChangeEvent.ID]; ok && existing.Version >= snapshot.Version {
		return nil
	}
	m.snapshots[snapshot.ChangeEvent.ID] = snapshot
	return nil
}

func (m *mockStateStore) latest(id string) *Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshots[id]
}

// Mock gate listener recording opened gates
type mockGateListener struct {
	mu       sync.Mutex
	requests []GateRequest
}

func (m *mockGateListener) GateOpened(ctx context.Context, req GateRequest) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = append(m.requests, req)
}

func (m *mockGateListener) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.requests)
}

var (
	autofixGoal = GoalDefinition{Name: "autofix", OrderKey: 1}
	versionGoal = GoalDefinition{Name: "version", OrderKey: 2}
	buildGoal   = GoalDefinition{Name: "build", OrderKey: 3}
	deployGoal  = GoalDefinition{Name: "deploy", Environment: EnvironmentStaging, OrderKey: 4}
)

// newTestEngine returns an engine whose goals are all side effects, so that
// every transition happens synchronously inside the calling operation.
func newTestEngine(t *testing.T, goals ...GoalDefinition) (*Engine, *mockEventPublisher) {
	t.Helper()
	registry := NewRegistry()
	for _, g := range goals {
		if err := registry.Register(g); err != nil {
			t.Fatalf("Failed to register %s: %v", g.Name, err)
		}
	}
	pub := &mockEventPublisher{}
	e := NewEngine(registry, Options{Publisher: pub})
	for _, g := range goals {
		if err := e.RegisterSideEffect(g.Name, SideEffectOptions{}); err != nil {
			t.Fatalf("Failed to register side effect for %s: %v", g.Name, err)
		}
	}
	return e, pub
}

func mustState(t *testing.T, e *Engine, changeEventID, goal string, want GoalState) {
	t.Helper()
	snap, err := e.CurrentState(changeEventID)
	if err != nil {
		t.Fatalf("Expected snapshot, got: %v", err)
	}
	if got := snap.StateOf(goal); got != want {
		t.Fatalf("Expected %s to be %s, got %s", goal, want, got)
	}
}

// waitForState polls until goal reaches want or the deadline passes.
func waitForState(t *testing.T, e *Engine, changeEventID, goal string, want GoalState) *Snapshot {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		snap, err := e.CurrentState(changeEventID)
		if err != nil {
			t.Fatalf("Expected snapshot, got: %v", err)
		}
		if snap.StateOf(goal) == want {
			return snap
		}
		if time.Now().After(deadline) {
			t.Fatalf("Timed out waiting for %s to be %s, last state %s", goal, want, snap.StateOf(goal))
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func succeed(t *testing.T, e *Engine, changeEventID, goal string) {
	t.Helper()
	err := e.ReportCompletion(context.Background(), ExecutionEvent{
		ChangeEventID: changeEventID,
		Goal:          goal,
		Result:        ResultSuccess,
		ReportedAt:    time.Now(),
	})
	if err != nil {
		t.Fatalf("Expected completion of %s to apply, got: %v", goal, err)
	}
}
