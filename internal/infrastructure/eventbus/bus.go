package eventbus

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Event is one typed notification on the bus.
type Event interface {
	Type() string
	Timestamp() time.Time
	Payload() any
}

// BaseEvent is the standard Event implementation.
type BaseEvent struct {
	EventType      string
	EventTimestamp time.Time
	EventPayload   any
}

// Type returns the event type tag.
func (e *BaseEvent) Type() string {
	return e.EventType
}

// Timestamp returns when the event was created.
func (e *BaseEvent) Timestamp() time.Time {
	return e.EventTimestamp
}

// Payload returns the event payload.
func (e *BaseEvent) Payload() any {
	return e.EventPayload
}

// NewEvent builds an event with the current timestamp.
func NewEvent(eventType string, payload any) *BaseEvent {
	return &BaseEvent{
		EventType:      eventType,
		EventTimestamp: time.Now(),
		EventPayload:   payload,
	}
}

// Handler consumes one event.
type Handler func(ctx context.Context, event Event)

// Bus is the typed publish/subscribe surface.
type Bus interface {
	// Publish fans an event out without blocking the caller.
	Publish(ctx context.Context, event Event)
	// Subscribe registers a handler for an event type ("*" for all).
	Subscribe(eventType string, handler Handler)
	// Unsubscribe removes the most recently added handler for a type.
	Unsubscribe(eventType string, handler Handler)
	// Close shuts the dispatch loop down.
	Close()
}

// InMemoryBus is the channel-backed Bus used in-process.
type InMemoryBus struct {
	mu        sync.RWMutex
	handlers  map[string][]Handler
	eventChan chan eventWrapper
	skipped   map[string]int
	closed    bool
	logger    *zap.Logger
	wg        sync.WaitGroup
}

type eventWrapper struct {
	ctx   context.Context
	event Event
}

// NewInMemoryBus creates a bus with the given buffer size.
func NewInMemoryBus(logger *zap.Logger, bufferSize int) *InMemoryBus {
	bus := &InMemoryBus{
		handlers:  make(map[string][]Handler),
		eventChan: make(chan eventWrapper, bufferSize),
		skipped:   make(map[string]int),
		logger:    logger,
	}

	bus.wg.Add(1)
	go bus.dispatch()

	return bus
}

// Publish enqueues an event; a full buffer drops the event and
// signals the skip so slow consumers never block publishers.
func (b *InMemoryBus) Publish(ctx context.Context, event Event) {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return
	}
	b.mu.RUnlock()

	select {
	case b.eventChan <- eventWrapper{ctx: ctx, event: event}:
		b.logger.Debug("Event published",
			zap.String("type", event.Type()),
		)
		b.flushSkipped(ctx, event.Type())
	default:
		// Full buffer: drop, and remember the drop so subscribers get an
		// explicit skip signal once capacity frees up.
		b.mu.Lock()
		b.skipped[event.Type()]++
		b.mu.Unlock()
		b.logger.Warn("Event buffer full, dropping event",
			zap.String("type", event.Type()),
		)
	}
}

// flushSkipped emits one EventsSkipped notification for a type whose
// earlier events were dropped, now that the buffer has room again.
func (b *InMemoryBus) flushSkipped(ctx context.Context, eventType string) {
	b.mu.Lock()
	count := b.skipped[eventType]
	if count > 0 {
		delete(b.skipped, eventType)
	}
	b.mu.Unlock()
	if count == 0 {
		return
	}
	select {
	case b.eventChan <- eventWrapper{ctx: ctx, event: NewEvent(EventTypeEventsSkipped, EventsSkippedPayload{
		EventType: eventType,
		Count:     count,
	})}:
	default:
		b.mu.Lock()
		b.skipped[eventType] += count
		b.mu.Unlock()
	}
}

// Subscribe registers a handler for an event type.
func (b *InMemoryBus) Subscribe(eventType string, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.handlers[eventType] == nil {
		b.handlers[eventType] = make([]Handler, 0)
	}
	b.handlers[eventType] = append(b.handlers[eventType], handler)

	b.logger.Debug("Handler subscribed",
		zap.String("event_type", eventType),
	)
}

// Unsubscribe removes the most recently registered handler for a type.
func (b *InMemoryBus) Unsubscribe(eventType string, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()

	handlers := b.handlers[eventType]
	if len(handlers) == 0 {
		return
	}

	newHandlers := make([]Handler, 0, len(handlers))
	removed := false
	for i := len(handlers) - 1; i >= 0; i-- {
		// functions are not comparable; dropping the last-registered one is the defined behaviour
		if !removed {
			removed = true
			continue // skip the last one
		}
		newHandlers = append([]Handler{handlers[i]}, newHandlers...)
	}
	if !removed {
		return
	}

	if len(newHandlers) == 0 {
		delete(b.handlers, eventType)
	} else {
		b.handlers[eventType] = newHandlers
	}
}

// Close shuts the dispatch loop down.
func (b *InMemoryBus) Close() {
	b.mu.Lock()
	b.closed = true
	close(b.eventChan)
	b.mu.Unlock()

	b.wg.Wait()
	b.logger.Info("Event bus closed")
}

// dispatch is the single fan-out loop.
func (b *InMemoryBus) dispatch() {
	defer b.wg.Done()

	for wrapper := range b.eventChan {
		b.dispatchEvent(wrapper.ctx, wrapper.event)
	}
}

// dispatchEvent fans one event out to its handlers.
func (b *InMemoryBus) dispatchEvent(ctx context.Context, event Event) {
	b.mu.RLock()
	handlers := make([]Handler, 0)

	if h, ok := b.handlers[event.Type()]; ok {
		handlers = append(handlers, h...)
	}

	if h, ok := b.handlers["*"]; ok {
		handlers = append(handlers, h...)
	}
	b.mu.RUnlock()

	var wg sync.WaitGroup
	for _, handler := range handlers {
		wg.Add(1)
		go func(h Handler) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					b.logger.Error("Handler panicked",
						zap.String("event_type", event.Type()),
						zap.Any("panic", r),
					)
				}
			}()
			h(ctx, event)
		}(handler)
	}
	wg.Wait()
}

// event type tags
const (
	EventTypeStateChange     = "state_change"
	EventTypeToolExecution   = "tool_execution"
	EventTypeModelRequest    = "model_request"
	EventTypeModelResponse   = "model_response"
	EventTypeError           = "error"
	EventTypeSessionCreated  = "session_created"
	EventTypeSessionEnded    = "session_ended"
	EventTypeApprovalRequest = "approval_request"

	// Event types used by the Permission Manager and Sandbox Manager
	// (spec §4.1): cross-component notifications, not user-facing Updates
	// themselves — the Action Handler translates these into Updates.
	EventTypePermissionRequest  = "permission_request"
	EventTypePermissionResponse = "permission_response"
	EventTypeSandboxStatus      = "sandbox_status_changed"
	EventTypeEventsSkipped      = "events_skipped"
)

// PermissionRequestPayload carries a suspended Ask-decision check.
type PermissionRequestPayload struct {
	CheckID     string
	Tool        string
	Action      string
	Description string
	Path        string
}

// PermissionResponsePayload carries the interface's answer to a request.
type PermissionResponsePayload struct {
	CheckID  string
	Allow    bool
	Remember bool
}

// SandboxStatusPayload carries a Sandbox Manager lifecycle transition.
type SandboxStatusPayload struct {
	State       string
	RuntimeKind string
	Error       string
}

// StateChangePayload reports a state machine transition.
type StateChangePayload struct {
	SessionID string
	FromState string
	ToState   string
	Trigger   string
	Metadata  map[string]any
}

// ToolExecutionPayload reports one finished tool dispatch.
type ToolExecutionPayload struct {
	SessionID  string
	ToolName   string
	ToolCallID string
	Arguments  map[string]any
	Result     any
	Duration   time.Duration
	Success    bool
}

// ModelRequestPayload reports an outgoing model call.
type ModelRequestPayload struct {
	SessionID string
	Model     string
	Messages  int
	HasTools  bool
}

// ModelResponsePayload reports a model response.
type ModelResponsePayload struct {
	SessionID  string
	Model      string
	TokensUsed int
	HasTools   bool
	Duration   time.Duration
}

// EventsSkippedPayload tells subscribers how many events of a type were
// dropped while the buffer was full.
type EventsSkippedPayload struct {
	EventType string
	Count     int
}

// ErrorPayload reports a component error.
type ErrorPayload struct {
	SessionID string
	Component string
	Error     string
	Stack     string
}
