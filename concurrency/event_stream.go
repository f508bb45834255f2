package concurrency

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/smtg-ai/genbatch/log"
)

// EventKind names a notification.
type EventKind string

const (
	EventBatchStart         EventKind = "batch:start"
	EventBatchComplete      EventKind = "batch:complete"
	EventTaskStart          EventKind = "task:start"
	EventTaskComplete       EventKind = "task:complete"
	EventTaskFailed         EventKind = "task:failed"
	EventTaskRetry          EventKind = "task:retry"
	EventProcessSlow        EventKind = "process:slow"
	EventProcessDead        EventKind = "process:dead"
	EventProcessWaiting     EventKind = "process:waiting-input"
	EventTimeoutWarning     EventKind = "timeout:warning"
	EventDegradationEnabled EventKind = "degradation:enabled"
)

// Event is one notification. Seq is strictly increasing per channel and
// matches delivery order.
type Event struct {
	ID        string       `json:"id"`
	Seq       uint64       `json:"seq"`
	Kind      EventKind    `json:"kind"`
	BatchID   string       `json:"batch_id"`
	TaskID    string       `json:"task_id,omitempty"`
	Timestamp time.Time    `json:"timestamp"`
	Payload   EventPayload `json:"payload,omitempty"`
}

// EventPayload is implemented by the payload types below and nothing else.
type EventPayload interface {
	eventPayload()
}

type BatchStartPayload struct {
	TaskCount        int `json:"task_count"`
	ConcurrencyLimit int `json:"concurrency_limit"`
}

type BatchCompletePayload struct {
	Stats     Stats `json:"stats"`
	Cancelled bool  `json:"cancelled"`
}

type TaskStartPayload struct {
	Attempt  int    `json:"attempt"`
	Command  string `json:"command"`
	PID      int    `json:"pid"`
	Fallback bool   `json:"fallback,omitempty"`
}

type TaskCompletePayload struct {
	Attempt    int   `json:"attempt"`
	DurationMS int64 `json:"duration_ms"`
	OutputLen  int   `json:"output_len"`
}

type TaskFailedPayload struct {
	Attempt    int        `json:"attempt"`
	ErrorClass ErrorClass `json:"error_class"`
	Reason     string     `json:"reason"`
	Degraded   bool       `json:"degraded"`
}

type TaskRetryPayload struct {
	Attempt     int        `json:"attempt"`
	ErrorClass  ErrorClass `json:"error_class"`
	DelayMS     int64      `json:"delay_ms"`
	UseFallback bool       `json:"use_fallback,omitempty"`
}

type ProcessHealthPayload struct {
	Assessment HealthAssessment `json:"assessment"`
}

type TimeoutWarningPayload struct {
	// Threshold is the elapsed fraction of the timeout: 0.5, 0.75 or 0.9.
	Threshold        float64        `json:"threshold"`
	ElapsedMS        int64          `json:"elapsed_ms"`
	TimeoutMS        int64          `json:"timeout_ms"`
	PartialOutputLen int64          `json:"partial_output_len"`
	Usage            *ResourceUsage `json:"usage,omitempty"`
}

type DegradationPayload struct {
	Reason   string `json:"reason"`
	Strategy string `json:"strategy"`
}

func (BatchStartPayload) eventPayload()     {}
func (BatchCompletePayload) eventPayload()  {}
func (TaskStartPayload) eventPayload()      {}
func (TaskCompletePayload) eventPayload()   {}
func (TaskFailedPayload) eventPayload()     {}
func (TaskRetryPayload) eventPayload()      {}
func (ProcessHealthPayload) eventPayload()  {}
func (TimeoutWarningPayload) eventPayload() {}
func (DegradationPayload) eventPayload()    {}

// Observer consumes events. OnEvent runs on the channel's dispatcher
// goroutine; a slow observer delays later events but never the publisher.
type Observer interface {
	OnEvent(Event)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(Event)

func (f ObserverFunc) OnEvent(e Event) { f(e) }

// EventFilter decides whether an event is delivered.
type EventFilter func(Event) bool

// ObserveOptions configures a subscription.
type ObserveOptions struct {
	// ID identifies the observer. Generated when empty.
	ID string
	// Priority orders delivery of a single event: higher first, ties in
	// subscription order.
	Priority int
	// Topics are event kinds, with * and ? wildcards. Empty means all.
	Topics []string
	Filter EventFilter
	// Replay delivers the retained history before any new event.
	Replay bool
}

var (
	ErrChannelClosed   = errors.New("event channel closed")
	ErrObserverExists  = errors.New("observer already subscribed")
	ErrObserverUnknown = errors.New("observer not found")
)

// CircularBuffer stores a fixed number of recent events
type CircularBuffer struct {
	mu     sync.RWMutex
	events []Event
	head   int
	count  int
}

// NewCircularBuffer creates a new circular buffer with the specified capacity
func NewCircularBuffer(size int) *CircularBuffer {
	if size <= 0 {
		size = 100
	}
	return &CircularBuffer{events: make([]Event, size)}
}

// Add adds an event to the buffer, overwriting oldest if full
func (cb *CircularBuffer) Add(event Event) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	size := len(cb.events)
	cb.events[(cb.head+cb.count)%size] = event
	if cb.count < size {
		cb.count++
	} else {
		cb.head = (cb.head + 1) % size
	}
}

// GetAll returns all events in the buffer in chronological order
func (cb *CircularBuffer) GetAll() []Event {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	out := make([]Event, 0, cb.count)
	for i := 0; i < cb.count; i++ {
		out = append(out, cb.events[(cb.head+i)%len(cb.events)])
	}
	return out
}

// Len returns the number of events currently stored
func (cb *CircularBuffer) Len() int {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.count
}

type subscription struct {
	id            string
	order         int
	observer      Observer
	priority      int
	topics        map[EventKind]bool
	topicPatterns []*regexp.Regexp
	filter        EventFilter
	removed       atomic.Bool
}

func (s *subscription) wants(e Event) bool {
	if len(s.topics) > 0 || len(s.topicPatterns) > 0 {
		matched := s.topics[e.Kind]
		for _, p := range s.topicPatterns {
			if matched {
				break
			}
			matched = p.MatchString(string(e.Kind))
		}
		if !matched {
			return false
		}
	}
	return s.filter == nil || s.filter(e)
}

// queueItem is either an event for the observers subscribed when it was
// published, a history replay for a single observer, or a flush marker.
type queueItem struct {
	event    *Event
	subs     []*subscription
	replay   []Event
	replayTo *subscription
	flushed  chan struct{}
}

// EventChannelConfig configures an EventChannel.
type EventChannelConfig struct {
	HistorySize int
}

// EventChannel delivers events to observers in one total order. Publish
// never blocks on observers: events are queued and handed out by a single
// dispatcher goroutine.
type EventChannel struct {
	mu      sync.Mutex
	subs    []*subscription
	nextSub int
	seq     uint64
	queue   []queueItem
	closed  bool
	wake    chan struct{}
	stopped chan struct{}

	history *CircularBuffer
}

// NewEventChannel starts a channel and its dispatcher.
func NewEventChannel(cfg EventChannelConfig) *EventChannel {
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = 1000
	}
	ec := &EventChannel{
		wake:    make(chan struct{}, 1),
		stopped: make(chan struct{}),
		history: NewCircularBuffer(cfg.HistorySize),
	}
	go ec.dispatch()
	return ec
}

// Subscribe registers an observer and returns its ID.
func (ec *EventChannel) Subscribe(obs Observer, opts ObserveOptions) (string, error) {
	if obs == nil {
		return "", fmt.Errorf("observer cannot be nil")
	}
	ec.mu.Lock()
	defer ec.mu.Unlock()
	if ec.closed {
		return "", ErrChannelClosed
	}

	if opts.ID == "" {
		opts.ID = uuid.New().String()
	}
	for _, s := range ec.subs {
		if s.id == opts.ID {
			return "", fmt.Errorf("%w: %s", ErrObserverExists, opts.ID)
		}
	}

	sub := &subscription{
		id:       opts.ID,
		order:    ec.nextSub,
		observer: obs,
		priority: opts.Priority,
		topics:   make(map[EventKind]bool),
		filter:   opts.Filter,
	}
	ec.nextSub++
	for _, topic := range opts.Topics {
		if containsWildcard(topic) {
			sub.topicPatterns = append(sub.topicPatterns, topicToRegex(topic))
		} else {
			sub.topics[EventKind(topic)] = true
		}
	}

	subs := append(append([]*subscription(nil), ec.subs...), sub)
	sort.SliceStable(subs, func(i, j int) bool {
		if subs[i].priority != subs[j].priority {
			return subs[i].priority > subs[j].priority
		}
		return subs[i].order < subs[j].order
	})
	ec.subs = subs

	if opts.Replay {
		// Taken under the publish lock: events already queued do not list
		// this observer, so each is seen once, through the replay.
		ec.enqueueLocked(queueItem{replay: ec.history.GetAll(), replayTo: sub})
	}
	return sub.id, nil
}

// Unsubscribe removes an observer. Events already queued are not delivered
// to it.
func (ec *EventChannel) Unsubscribe(id string) error {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	for i, s := range ec.subs {
		if s.id == id {
			s.removed.Store(true)
			subs := make([]*subscription, 0, len(ec.subs)-1)
			subs = append(subs, ec.subs[:i]...)
			ec.subs = append(subs, ec.subs[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrObserverUnknown, id)
}

// Publish stamps and queues an event. It returns the stamped event.
func (ec *EventChannel) Publish(e Event) (Event, error) {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	if ec.closed {
		return e, ErrChannelClosed
	}
	ec.seq++
	e.Seq = ec.seq
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	ec.history.Add(e)
	// ec.subs is copied on write, so the slice is a stable snapshot.
	ec.enqueueLocked(queueItem{event: &e, subs: ec.subs})
	return e, nil
}

// Flush blocks until every event published before the call was delivered.
func (ec *EventChannel) Flush() {
	done := make(chan struct{})
	ec.mu.Lock()
	if ec.closed {
		ec.mu.Unlock()
		<-ec.stopped
		return
	}
	ec.enqueueLocked(queueItem{flushed: done})
	ec.mu.Unlock()
	<-done
}

// History returns the retained events, oldest first.
func (ec *EventChannel) History() []Event {
	return ec.history.GetAll()
}

// Close delivers what is queued and stops the dispatcher. Later publishes
// fail with ErrChannelClosed.
func (ec *EventChannel) Close() {
	ec.mu.Lock()
	if !ec.closed {
		ec.closed = true
		ec.signal()
	}
	ec.mu.Unlock()
	<-ec.stopped
}

func (ec *EventChannel) enqueueLocked(item queueItem) {
	ec.queue = append(ec.queue, item)
	ec.signal()
}

func (ec *EventChannel) signal() {
	select {
	case ec.wake <- struct{}{}:
	default:
	}
}

func (ec *EventChannel) dispatch() {
	defer close(ec.stopped)
	for {
		ec.mu.Lock()
		items := ec.queue
		ec.queue = nil
		closed := ec.closed
		ec.mu.Unlock()

		for _, item := range items {
			switch {
			case item.flushed != nil:
				close(item.flushed)
			case item.replayTo != nil:
				for _, e := range item.replay {
					if !item.replayTo.removed.Load() && item.replayTo.wants(e) {
						deliver(item.replayTo, e)
					}
				}
			default:
				for _, s := range item.subs {
					if !s.removed.Load() && s.wants(*item.event) {
						deliver(s, *item.event)
					}
				}
			}
		}

		if closed && len(items) == 0 {
			return
		}
		if len(items) == 0 {
			<-ec.wake
		}
	}
}

func deliver(s *subscription, e Event) {
	defer func() {
		if r := recover(); r != nil {
			log.ErrorLog.Printf("observer %s panicked on %s: %v", s.id, e.Kind, r)
		}
	}()
	s.observer.OnEvent(e)
}

// containsWildcard checks if a topic pattern contains wildcard characters
func containsWildcard(topic string) bool {
	return strings.ContainsAny(topic, "*?")
}

// topicToRegex converts a topic pattern with wildcards to a regex
// Supports * (match any characters) and ? (match single character)
func topicToRegex(topic string) *regexp.Regexp {
	var builder strings.Builder
	for _, ch := range topic {
		switch ch {
		case '*':
			builder.WriteString(".*")
		case '?':
			builder.WriteString(".")
		default:
			builder.WriteString(regexp.QuoteMeta(string(ch)))
		}
	}
	return regexp.MustCompile("^" + builder.String() + "$")
}

// KindFilter matches the given event kinds.
func KindFilter(kinds ...EventKind) EventFilter {
	set := make(map[EventKind]bool, len(kinds))
	for _, k := range kinds {
		set[k] = true
	}
	return func(e Event) bool {
		return set[e.Kind]
	}
}

// BatchFilter matches events of one batch.
func BatchFilter(batchID string) EventFilter {
	return func(e Event) bool {
		return e.BatchID == batchID
	}
}

// AndFilter combines multiple filters with AND logic
func AndFilter(filters ...EventFilter) EventFilter {
	return func(e Event) bool {
		for _, f := range filters {
			if !f(e) {
				return false
			}
		}
		return true
	}
}
