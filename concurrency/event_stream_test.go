package concurrency

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingObserver struct {
	mu     sync.Mutex
	name   string
	log    *[]string
	events []Event
}

func (o *recordingObserver) OnEvent(e Event) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.events = append(o.events, e)
	if o.log != nil {
		*o.log = append(*o.log, o.name+":"+string(e.Kind))
	}
}

func (o *recordingObserver) Events() []Event {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]Event(nil), o.events...)
}

func kinds(events []Event) []EventKind {
	out := make([]EventKind, len(events))
	for i, e := range events {
		out[i] = e.Kind
	}
	return out
}

func TestEventChannelOrderedDelivery(t *testing.T) {
	ec := NewEventChannel(EventChannelConfig{})
	defer ec.Close()

	obs := &recordingObserver{}
	_, err := ec.Subscribe(obs, ObserveOptions{})
	require.NoError(t, err)

	for i := 0; i < 100; i++ {
		_, err := ec.Publish(Event{Kind: EventTaskStart, TaskID: "t"})
		require.NoError(t, err)
	}
	ec.Flush()

	events := obs.Events()
	require.Len(t, events, 100)
	for i, e := range events {
		assert.Equal(t, uint64(i+1), e.Seq)
		assert.NotEmpty(t, e.ID)
		assert.False(t, e.Timestamp.IsZero())
	}
}

func TestEventChannelObserverPriority(t *testing.T) {
	ec := NewEventChannel(EventChannelConfig{})
	defer ec.Close()

	var log []string
	_, err := ec.Subscribe(&recordingObserver{name: "low", log: &log}, ObserveOptions{Priority: 0})
	require.NoError(t, err)
	_, err = ec.Subscribe(&recordingObserver{name: "high", log: &log}, ObserveOptions{Priority: 10})
	require.NoError(t, err)
	_, err = ec.Subscribe(&recordingObserver{name: "low2", log: &log}, ObserveOptions{Priority: 0})
	require.NoError(t, err)

	_, _ = ec.Publish(Event{Kind: EventBatchStart})
	_, _ = ec.Publish(Event{Kind: EventBatchComplete})
	ec.Flush()

	assert.Equal(t, []string{
		"high:batch:start", "low:batch:start", "low2:batch:start",
		"high:batch:complete", "low:batch:complete", "low2:batch:complete",
	}, log)
}

func TestEventChannelTopics(t *testing.T) {
	ec := NewEventChannel(EventChannelConfig{})
	defer ec.Close()

	tasks := &recordingObserver{}
	exact := &recordingObserver{}
	filtered := &recordingObserver{}
	_, err := ec.Subscribe(tasks, ObserveOptions{Topics: []string{"task:*"}})
	require.NoError(t, err)
	_, err = ec.Subscribe(exact, ObserveOptions{Topics: []string{string(EventProcessDead)}})
	require.NoError(t, err)
	_, err = ec.Subscribe(filtered, ObserveOptions{Filter: BatchFilter("b2")})
	require.NoError(t, err)

	for _, k := range []EventKind{EventBatchStart, EventTaskStart, EventProcessDead, EventTaskRetry, EventTaskFailed} {
		_, _ = ec.Publish(Event{Kind: k, BatchID: "b1"})
	}
	_, _ = ec.Publish(Event{Kind: EventBatchComplete, BatchID: "b2"})
	ec.Flush()

	assert.Equal(t, []EventKind{EventTaskStart, EventTaskRetry, EventTaskFailed}, kinds(tasks.Events()))
	assert.Equal(t, []EventKind{EventProcessDead}, kinds(exact.Events()))
	assert.Equal(t, []EventKind{EventBatchComplete}, kinds(filtered.Events()))
}

func TestEventChannelReplay(t *testing.T) {
	ec := NewEventChannel(EventChannelConfig{HistorySize: 2})
	defer ec.Close()

	_, _ = ec.Publish(Event{Kind: EventBatchStart})
	_, _ = ec.Publish(Event{Kind: EventTaskStart})
	_, _ = ec.Publish(Event{Kind: EventTaskComplete})

	late := &recordingObserver{}
	_, err := ec.Subscribe(late, ObserveOptions{Replay: true})
	require.NoError(t, err)
	_, _ = ec.Publish(Event{Kind: EventBatchComplete})
	ec.Flush()

	assert.Equal(t, []EventKind{EventTaskStart, EventTaskComplete, EventBatchComplete}, kinds(late.Events()))
	assert.Len(t, ec.History(), 2)
}

func TestEventChannelLateSubscriber(t *testing.T) {
	tests := []struct {
		name     string
		replay   bool
		expected []EventKind
	}{
		{"replay sees queued event once", true, []EventKind{EventBatchStart, EventBatchComplete}},
		{"no replay skips events published before subscribing", false, []EventKind{EventBatchComplete}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ec := NewEventChannel(EventChannelConfig{})
			defer ec.Close()

			// Published and subscribed back to back, so the event is most
			// likely still queued when the observer registers.
			_, _ = ec.Publish(Event{Kind: EventBatchStart})
			late := &recordingObserver{}
			_, err := ec.Subscribe(late, ObserveOptions{Replay: tt.replay})
			require.NoError(t, err)
			_, _ = ec.Publish(Event{Kind: EventBatchComplete})
			ec.Flush()

			assert.Equal(t, tt.expected, kinds(late.Events()))
		})
	}
}

func TestEventChannelUnsubscribeDropsQueued(t *testing.T) {
	ec := NewEventChannel(EventChannelConfig{})
	defer ec.Close()

	block := make(chan struct{})
	_, err := ec.Subscribe(ObserverFunc(func(Event) { <-block }), ObserveOptions{Priority: 1})
	require.NoError(t, err)
	obs := &recordingObserver{}
	id, err := ec.Subscribe(obs, ObserveOptions{})
	require.NoError(t, err)

	_, _ = ec.Publish(Event{Kind: EventBatchStart})
	_, _ = ec.Publish(Event{Kind: EventBatchComplete})
	require.NoError(t, ec.Unsubscribe(id))
	close(block)
	ec.Flush()

	assert.Empty(t, obs.Events())
}

func TestEventChannelSubscribeErrors(t *testing.T) {
	ec := NewEventChannel(EventChannelConfig{})

	_, err := ec.Subscribe(nil, ObserveOptions{})
	assert.Error(t, err)

	_, err = ec.Subscribe(&recordingObserver{}, ObserveOptions{ID: "dup"})
	require.NoError(t, err)
	_, err = ec.Subscribe(&recordingObserver{}, ObserveOptions{ID: "dup"})
	assert.ErrorIs(t, err, ErrObserverExists)

	assert.NoError(t, ec.Unsubscribe("dup"))
	assert.ErrorIs(t, ec.Unsubscribe("dup"), ErrObserverUnknown)

	ec.Close()
	_, err = ec.Publish(Event{Kind: EventBatchStart})
	assert.ErrorIs(t, err, ErrChannelClosed)
	_, err = ec.Subscribe(&recordingObserver{}, ObserveOptions{})
	assert.ErrorIs(t, err, ErrChannelClosed)
}

func TestEventChannelObserverPanicIsContained(t *testing.T) {
	ec := NewEventChannel(EventChannelConfig{})
	defer ec.Close()

	_, err := ec.Subscribe(ObserverFunc(func(Event) { panic("boom") }), ObserveOptions{Priority: 1})
	require.NoError(t, err)
	obs := &recordingObserver{}
	_, err = ec.Subscribe(obs, ObserveOptions{})
	require.NoError(t, err)

	_, _ = ec.Publish(Event{Kind: EventBatchStart})
	ec.Flush()
	assert.Len(t, obs.Events(), 1)
}

func TestEventChannelPublishDoesNotBlockOnSlowObserver(t *testing.T) {
	ec := NewEventChannel(EventChannelConfig{})
	defer ec.Close()

	release := make(chan struct{})
	_, err := ec.Subscribe(ObserverFunc(func(Event) { <-release }), ObserveOptions{})
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 50; i++ {
			_, _ = ec.Publish(Event{Kind: EventTaskStart})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a slow observer")
	}
	close(release)
}

func TestCircularBuffer(t *testing.T) {
	cb := NewCircularBuffer(3)
	for i := 1; i <= 5; i++ {
		cb.Add(Event{Seq: uint64(i)})
	}
	all := cb.GetAll()
	require.Len(t, all, 3)
	assert.Equal(t, uint64(3), all[0].Seq)
	assert.Equal(t, uint64(5), all[2].Seq)
	assert.Equal(t, 3, cb.Len())
}

func TestTopicToRegex(t *testing.T) {
	assert.True(t, topicToRegex("task:*").MatchString("task:retry"))
	assert.False(t, topicToRegex("task:*").MatchString("process:slow"))
	assert.True(t, topicToRegex("process:????").MatchString("process:slow"))
	assert.True(t, topicToRegex("*").MatchString("degradation:enabled"))
}
