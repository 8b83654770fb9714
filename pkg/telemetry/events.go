package telemetry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/openfroyo/goalflow/pkg/engine"
)

// EventLevel constants for event severity.
const (
	EventLevelInfo    = "info"
	EventLevelWarning = "warning"
	EventLevelError   = "error"
)

// EventSubscriber is a function that handles events. Subscribers are called
// in publication order and must not block.
type EventSubscriber func(event engine.Event)

// EventFilter determines if an event should be processed.
type EventFilter func(event engine.Event) bool

// EventPublisher fans engine events out to subscribers and keeps a bounded
// per change event history. It implements engine.EventPublisher.
type EventPublisher struct {
	config      EventsConfig
	buffer      chan engine.Event
	subscribers map[uint64]subscriberEntry
	nextID      uint64
	filters     []EventFilter
	history     map[string][]engine.Event
	wg          sync.WaitGroup
	mu          sync.RWMutex
	ctx         context.Context
	cancel      context.CancelFunc
}

var _ engine.EventPublisher = (*EventPublisher)(nil)

type subscriberEntry struct {
	subscriber EventSubscriber
	filter     EventFilter
}

// NewEventPublisher creates a new event publisher with the given configuration.
func NewEventPublisher(cfg EventsConfig) (*EventPublisher, error) {
	if !cfg.Enabled {
		return &EventPublisher{config: cfg}, nil
	}
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = 1
	}

	ctx, cancel := context.WithCancel(context.Background())

	ep := &EventPublisher{
		config:      cfg,
		buffer:      make(chan engine.Event, cfg.BufferSize),
		subscribers: make(map[uint64]subscriberEntry),
		filters:     make([]EventFilter, 0),
		history:     make(map[string][]engine.Event),
		ctx:         ctx,
		cancel:      cancel,
	}

	if cfg.EnableAsync {
		ep.wg.Add(1)
		go ep.processEvents()
	}

	return ep, nil
}

// Publish publishes an event to all subscribers.
func (ep *EventPublisher) Publish(ctx context.Context, e *engine.Event) error {
	if !ep.config.Enabled || e == nil {
		return nil
	}

	event := *e
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	if event.Level == "" {
		event.Level = event.Type.Severity()
	}

	ep.mu.RLock()
	for _, filter := range ep.filters {
		if !filter(event) {
			ep.mu.RUnlock()
			return nil
		}
	}
	ep.mu.RUnlock()

	if ep.config.EnableAsync {
		if ep.ctx.Err() != nil {
			return fmt.Errorf("event publisher stopped")
		}
		select {
		case ep.buffer <- event:
			return nil
		case <-ep.ctx.Done():
			return fmt.Errorf("event publisher stopped")
		default:
			return fmt.Errorf("event buffer full, event %s dropped", event.Type)
		}
	}

	ep.deliverEvent(event)
	return nil
}

// Subscribe adds a new event subscriber and returns a function that removes it.
func (ep *EventPublisher) Subscribe(subscriber EventSubscriber, filter EventFilter) func() {
	ep.mu.Lock()
	defer ep.mu.Unlock()

	if ep.subscribers == nil {
		return func() {}
	}
	id := ep.nextID
	ep.nextID++
	ep.subscribers[id] = subscriberEntry{
		subscriber: subscriber,
		filter:     filter,
	}
	return func() {
		ep.mu.Lock()
		delete(ep.subscribers, id)
		ep.mu.Unlock()
	}
}

// AddFilter adds a global event filter.
func (ep *EventPublisher) AddFilter(filter EventFilter) {
	ep.mu.Lock()
	defer ep.mu.Unlock()

	ep.filters = append(ep.filters, filter)
}

// History returns the retained events of one change event, oldest first.
func (ep *EventPublisher) History(changeEventID string) []engine.Event {
	ep.mu.RLock()
	defer ep.mu.RUnlock()

	return append([]engine.Event(nil), ep.history[changeEventID]...)
}

// Forget drops the retained history of a change event.
func (ep *EventPublisher) Forget(changeEventID string) {
	ep.mu.Lock()
	defer ep.mu.Unlock()

	delete(ep.history, changeEventID)
}

// processEvents drains the buffer asynchronously, flushing on batch size or interval.
func (ep *EventPublisher) processEvents() {
	defer ep.wg.Done()

	batch := make([]engine.Event, 0, ep.config.MaxBatchSize)

	var tick <-chan time.Time
	if ep.config.FlushInterval > 0 {
		ticker := time.NewTicker(ep.config.FlushInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case event := <-ep.buffer:
			batch = append(batch, event)
			if len(batch) >= ep.config.MaxBatchSize || len(ep.buffer) == 0 {
				ep.flushBatch(batch)
				batch = batch[:0]
			}

		case <-tick:
			if len(batch) > 0 {
				ep.flushBatch(batch)
				batch = batch[:0]
			}

		case <-ep.ctx.Done():
			// Drain whatever is still buffered before shutting down
			for {
				select {
				case event := <-ep.buffer:
					batch = append(batch, event)
				default:
					ep.flushBatch(batch)
					return
				}
			}
		}
	}
}

// flushBatch delivers a batch of events to subscribers.
func (ep *EventPublisher) flushBatch(events []engine.Event) {
	for _, event := range events {
		ep.deliverEvent(event)
	}
}

// deliverEvent records an event and delivers it to all subscribers.
func (ep *EventPublisher) deliverEvent(event engine.Event) {
	ep.mu.Lock()
	if ep.config.HistorySize > 0 && event.ChangeEventID != "" {
		h := append(ep.history[event.ChangeEventID], event)
		if len(h) > ep.config.HistorySize {
			h = h[len(h)-ep.config.HistorySize:]
		}
		ep.history[event.ChangeEventID] = h
	}
	entries := make([]subscriberEntry, 0, len(ep.subscribers))
	for _, entry := range ep.subscribers {
		entries = append(entries, entry)
	}
	ep.mu.Unlock()

	for _, entry := range entries {
		if entry.filter != nil && !entry.filter(event) {
			continue
		}
		entry.subscriber(event)
	}
}

// Shutdown gracefully shuts down the event publisher.
func (ep *EventPublisher) Shutdown(ctx context.Context) error {
	if !ep.config.Enabled {
		return nil
	}

	ep.cancel()

	done := make(chan struct{})
	go func() {
		ep.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("event publisher shutdown timeout")
	}
}

// Common event filters.

// FilterByLevel creates a filter that only allows events of a specific level or higher.
func FilterByLevel(minLevel string) EventFilter {
	levels := map[string]int{
		EventLevelInfo:    0,
		EventLevelWarning: 1,
		EventLevelError:   2,
	}

	minLevelValue := levels[minLevel]

	return func(event engine.Event) bool {
		return levels[event.Level] >= minLevelValue
	}
}

// FilterByType creates a filter that only allows events of specific types.
func FilterByType(types ...engine.EventType) EventFilter {
	typeSet := make(map[engine.EventType]bool)
	for _, t := range types {
		typeSet[t] = true
	}

	return func(event engine.Event) bool {
		return typeSet[event.Type]
	}
}

// FilterByChangeEvent creates a filter that only allows events of one change event.
func FilterByChangeEvent(changeEventID string) EventFilter {
	return func(event engine.Event) bool {
		return event.ChangeEventID == changeEventID
	}
}

// FilterByGoal creates a filter that only allows events for a specific goal.
func FilterByGoal(goal string) EventFilter {
	return func(event engine.Event) bool {
		return event.Goal == goal
	}
}
