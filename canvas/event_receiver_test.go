package canvas

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

// an sse endpoint that replays numbered op_committed events from after the
// client's resume position
type testEventStream struct {
	stateLock sync.Mutex

	events          []string
	resumePositions []string
	connectCount    int
}

func (self *testEventStream) append(events ...string) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.events = append(self.events, events...)
}

func (self *testEventStream) serve(w http.ResponseWriter, r *http.Request) {
	self.stateLock.Lock()
	self.connectCount += 1
	lastEventId := r.Header.Get("Last-Event-ID")
	self.resumePositions = append(self.resumePositions, lastEventId)
	start := 0
	if lastEventId != "" {
		for i, event := range self.events {
			var envelope struct {
				EventId string `json:"event_id"`
			}
			json.Unmarshal([]byte(event), &envelope)
			if envelope.EventId == lastEventId {
				start = i + 1
			}
		}
	}
	events := self.events[start:]
	self.stateLock.Unlock()

	w.Header().Set("Content-Type", "text/event-stream")
	w.WriteHeader(http.StatusOK)
	flusher := w.(http.Flusher)
	for _, event := range events {
		fmt.Fprintf(w, "data: %s\n", event)
		flusher.Flush()
	}
	// the stream ends here. the client is expected to reconnect and resume
}

func opCommittedJson(eventId string, rev Revision) string {
	return fmt.Sprintf(
		`{"event_id": "%s", "type": "op_committed", "rev": %d, "ops": [], "actor_id": "%s"}`,
		eventId,
		rev,
		testActorId(),
	)
}

func newTestReceiver(ctx context.Context, apiUrl string, documentId Id) (*EnginesApi, *EventReceiver) {
	api := NewEnginesApiWithContext(ctx, apiUrl)
	receiver := NewEventReceiver(ctx, api, documentId, &EventReceiverSettings{
		ReconnectTimeout: 50 * time.Millisecond,
	})
	return api, receiver
}

func TestEventReceiverDelivery(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stream := &testEventStream{}
	stream.append(
		opCommittedJson("1", 6),
		opCommittedJson("2", 7),
		opCommittedJson("3", 8),
	)
	server := httptest.NewServer(http.HandlerFunc(stream.serve))
	defer server.Close()

	documentId := NewId()
	api, receiver := newTestReceiver(ctx, server.URL, documentId)
	defer api.Close()
	defer receiver.Close()

	var stateLock sync.Mutex
	var received []string
	receiver.AddEventCallback(func(event *StreamEvent) {
		stateLock.Lock()
		defer stateLock.Unlock()
		received = append(received, event.EventId)
	})

	ok := waitFor(5*time.Second, func() bool {
		stateLock.Lock()
		defer stateLock.Unlock()
		return 3 <= len(received)
	})
	assert.Equal(t, true, ok)

	stateLock.Lock()
	assert.Equal(t, []string{"1", "2", "3"}, received[:3])
	stateLock.Unlock()
	assert.Equal(t, "3", receiver.LastEventId())
}

func TestEventReceiverResume(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stream := &testEventStream{}
	stream.append(
		opCommittedJson("1", 6),
		opCommittedJson("2", 7),
	)
	server := httptest.NewServer(http.HandlerFunc(stream.serve))
	defer server.Close()

	documentId := NewId()
	api, receiver := newTestReceiver(ctx, server.URL, documentId)
	defer api.Close()
	defer receiver.Close()

	var stateLock sync.Mutex
	var received []string
	receiver.AddEventCallback(func(event *StreamEvent) {
		stateLock.Lock()
		defer stateLock.Unlock()
		received = append(received, event.EventId)
	})

	ok := waitFor(5*time.Second, func() bool {
		stateLock.Lock()
		defer stateLock.Unlock()
		return 2 <= len(received)
	})
	assert.Equal(t, true, ok)

	// the first stream has ended. new events appear while disconnected
	stream.append(opCommittedJson("3", 8))

	ok = waitFor(5*time.Second, func() bool {
		stateLock.Lock()
		defer stateLock.Unlock()
		return 3 <= len(received)
	})
	assert.Equal(t, true, ok)

	// no gaps and no duplicates across the reconnect
	stateLock.Lock()
	assert.Equal(t, []string{"1", "2", "3"}, received)
	stateLock.Unlock()

	// the reconnect carried the last processed position
	stream.stateLock.Lock()
	assert.Equal(t, "", stream.resumePositions[0])
	assert.Equal(t, "2", stream.resumePositions[1])
	stream.stateLock.Unlock()
}

func TestEventReceiverUnknownType(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stream := &testEventStream{}
	stream.append(
		opCommittedJson("1", 6),
		`{"event_id": "2", "type": "presence_v9", "who": "knows"}`,
		opCommittedJson("3", 7),
	)
	server := httptest.NewServer(http.HandlerFunc(stream.serve))
	defer server.Close()

	documentId := NewId()
	api, receiver := newTestReceiver(ctx, server.URL, documentId)
	defer api.Close()
	defer receiver.Close()

	var stateLock sync.Mutex
	var received []string
	receiver.AddEventCallback(func(event *StreamEvent) {
		stateLock.Lock()
		defer stateLock.Unlock()
		received = append(received, event.EventId)
	})

	ok := waitFor(5*time.Second, func() bool {
		stateLock.Lock()
		defer stateLock.Unlock()
		return 2 <= len(received)
	})
	assert.Equal(t, true, ok)

	// the unknown event is not dispatched but its id still advances the
	// resume position
	stateLock.Lock()
	assert.Equal(t, []string{"1", "3"}, received)
	stateLock.Unlock()
	assert.Equal(t, "3", receiver.LastEventId())
}

func TestEventReceiverPartialLine(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	payload := opCommittedJson("1", 6)
	line := "data: " + payload + "\n"
	half := len(line) / 2

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		flusher := w.(http.Flusher)
		// the line arrives split across two network chunks
		fmt.Fprint(w, line[:half])
		flusher.Flush()
		time.Sleep(50 * time.Millisecond)
		fmt.Fprint(w, line[half:])
		flusher.Flush()
		<-r.Context().Done()
	}))
	defer server.Close()

	documentId := NewId()
	api, receiver := newTestReceiver(ctx, server.URL, documentId)
	defer api.Close()
	defer receiver.Close()

	var stateLock sync.Mutex
	var received []*StreamEvent
	receiver.AddEventCallback(func(event *StreamEvent) {
		stateLock.Lock()
		defer stateLock.Unlock()
		received = append(received, event)
	})

	ok := waitFor(5*time.Second, func() bool {
		stateLock.Lock()
		defer stateLock.Unlock()
		return 1 <= len(received)
	})
	assert.Equal(t, true, ok)

	stateLock.Lock()
	assert.Equal(t, 1, len(received))
	assert.Equal(t, "1", received[0].EventId)
	assert.Equal(t, Revision(6), received[0].OpCommitted.Rev)
	stateLock.Unlock()
}

func TestEventReceiverHandlerPanic(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stream := &testEventStream{}
	stream.append(opCommittedJson("1", 6))
	server := httptest.NewServer(http.HandlerFunc(stream.serve))
	defer server.Close()

	documentId := NewId()
	api, receiver := newTestReceiver(ctx, server.URL, documentId)
	defer api.Close()
	defer receiver.Close()

	var stateLock sync.Mutex
	var received []string
	receiver.AddEventCallback(func(event *StreamEvent) {
		panic("handler bug")
	})
	receiver.AddEventCallback(func(event *StreamEvent) {
		stateLock.Lock()
		defer stateLock.Unlock()
		received = append(received, event.EventId)
	})

	// a panicking handler does not take down the stream or its neighbors
	ok := waitFor(5*time.Second, func() bool {
		stateLock.Lock()
		defer stateLock.Unlock()
		return 1 <= len(received)
	})
	assert.Equal(t, true, ok)
}

func TestEventReceiverStateTransitions(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stream := &testEventStream{}
	stream.append(opCommittedJson("1", 6))
	server := httptest.NewServer(http.HandlerFunc(stream.serve))
	defer server.Close()

	documentId := NewId()
	api, receiver := newTestReceiver(ctx, server.URL, documentId)
	defer api.Close()

	var stateLock sync.Mutex
	var states []ChannelState
	receiver.AddStateCallback(func(state ChannelState) {
		stateLock.Lock()
		defer stateLock.Unlock()
		states = append(states, state)
	})

	// the short stream ends and the receiver cycles toward a reconnect
	ok := waitFor(5*time.Second, func() bool {
		state := receiver.State()
		return state == ChannelStateReconnectPending || state == ChannelStateConnecting
	})
	assert.Equal(t, true, ok)

	receiver.Close()
	ok = waitFor(5*time.Second, func() bool {
		stateLock.Lock()
		defer stateLock.Unlock()
		return 0 < len(states) && states[len(states)-1] == ChannelStateDisconnected
	})
	assert.Equal(t, true, ok)
	assert.Equal(t, ChannelStateDisconnected, receiver.State())
}
