package canvas

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang/glog"
)

// channel state machine is:
// ChannelStateDisconnected
//
//	-> ChannelStateConnecting
//	  -> ChannelStateConnected
//	    -> ChannelStateReconnectPending
//	      -> ChannelStateConnecting ...
type ChannelState string

const (
	ChannelStateDisconnected     ChannelState = "Disconnected"
	ChannelStateConnecting       ChannelState = "Connecting"
	ChannelStateConnected        ChannelState = "Connected"
	ChannelStateReconnectPending ChannelState = "ReconnectPending"
)

func (self ChannelState) IsActive() bool {
	switch self {
	case ChannelStateConnected:
		return true
	default:
		return false
	}
}

type ChannelStateFunction = func(state ChannelState)

type EventHandlerFunction = func(event *StreamEvent)

const streamDataPrefix = "data: "

func DefaultEventReceiverSettings() *EventReceiverSettings {
	return &EventReceiverSettings{
		ReconnectTimeout: 5 * time.Second,
	}
}

type EventReceiverSettings struct {
	ReconnectTimeout time.Duration
}

// long-lived, server-pushed stream of committed state changes and system
// notifications for one document.
//
// the stream is a http GET whose body is consumed incrementally, one
// `data: <json>` line per event. on resume the most recently processed
// event id is sent so the server replays from that point without gaps or
// duplicates.
//
// a single goroutine owns connect, read and the reconnect timer. the timer
// cannot run twice concurrently for a document because there is nowhere
// else it can be created, and `Close` aborts both the in-flight read and
// any pending timer through the context.
type EventReceiver struct {
	ctx    context.Context
	cancel context.CancelFunc

	api        *EnginesApi
	documentId Id

	settings *EventReceiverSettings

	stateLock   sync.Mutex
	state       ChannelState
	lastEventId string

	eventCallbacks *CallbackList[EventHandlerFunction]
	stateCallbacks *CallbackList[ChannelStateFunction]
}

func NewEventReceiverWithDefaults(ctx context.Context, api *EnginesApi, documentId Id) *EventReceiver {
	return NewEventReceiver(ctx, api, documentId, DefaultEventReceiverSettings())
}

func NewEventReceiver(ctx context.Context, api *EnginesApi, documentId Id, settings *EventReceiverSettings) *EventReceiver {
	cancelCtx, cancel := context.WithCancel(ctx)

	receiver := &EventReceiver{
		ctx:            cancelCtx,
		cancel:         cancel,
		api:            api,
		documentId:     documentId,
		settings:       settings,
		state:          ChannelStateDisconnected,
		eventCallbacks: NewCallbackList[EventHandlerFunction](),
		stateCallbacks: NewCallbackList[ChannelStateFunction](),
	}
	go receiver.run()
	return receiver
}

func (self *EventReceiver) run() {
	defer self.setState(ChannelStateDisconnected)

	for {
		self.setState(ChannelStateConnecting)
		err := self.readStream()
		select {
		case <-self.ctx.Done():
			return
		default:
		}
		glog.Infof("[er]%s stream error = %s\n", self.documentId, err)

		self.setState(ChannelStateReconnectPending)
		reconnect := NewReconnect(self.settings.ReconnectTimeout)
		select {
		case <-self.ctx.Done():
			return
		case <-reconnect.After():
		}
	}
}

// connect and read until the stream ends or the receiver is closed
func (self *EventReceiver) readStream() error {
	req, err := http.NewRequestWithContext(
		self.ctx,
		"GET",
		fmt.Sprintf("%s/sse/canvas/%s", self.api.Url(), self.documentId),
		nil,
	)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")
	self.api.Auth().apply(req.Header)
	if lastEventId := self.LastEventId(); lastEventId != "" {
		req.Header.Set("Last-Event-ID", lastEventId)
	}

	client := streamingClient()
	r, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrNetwork, err)
	}
	defer r.Body.Close()

	if http.StatusOK != r.StatusCode {
		responseBodyBytes, _ := io.ReadAll(io.LimitReader(r.Body, 4096))
		return classifyStatusError(r.StatusCode, responseBodyBytes)
	}

	self.setState(ChannelStateConnected)
	glog.V(2).Infof("[er]%s connected\n", self.documentId)

	// the reader buffers partial lines across chunk boundaries
	reader := bufio.NewReader(r.Body)
	for {
		line, err := reader.ReadString('\n')
		if complete := strings.HasSuffix(line, "\n"); complete {
			self.handleLine(strings.TrimRight(line, "\r\n"))
		}
		if err != nil {
			return fmt.Errorf("%w: %s", ErrNetwork, err)
		}
	}
}

func (self *EventReceiver) handleLine(line string) {
	payload, ok := strings.CutPrefix(line, streamDataPrefix)
	if !ok {
		// comments, blank keep-alives
		return
	}

	event, err := ParseStreamEvent([]byte(payload))
	if err != nil {
		glog.Infof("[er]%s bad event = %s\n", self.documentId, err)
		return
	}
	if event.EventId != "" {
		self.SetLastEventId(event.EventId)
	}
	if event.Unknown {
		glog.V(2).Infof("[er]%s ignore type=%s\n", self.documentId, event.EventType)
		return
	}

	// in server order. one handler's panic must not block the others
	for _, eventCallback := range self.eventCallbacks.Get() {
		HandleError(func() {
			eventCallback(event)
		})
	}
}

func (self *EventReceiver) State() ChannelState {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.state
}

func (self *EventReceiver) setState(state ChannelState) {
	self.stateLock.Lock()
	changed := self.state != state
	self.state = state
	self.stateLock.Unlock()

	if !changed {
		return
	}
	for _, stateCallback := range self.stateCallbacks.Get() {
		HandleError(func() {
			stateCallback(state)
		})
	}
}

func (self *EventReceiver) LastEventId() string {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.lastEventId
}

// resume position. also settable up front when the caller persisted a
// position from an earlier session
func (self *EventReceiver) SetLastEventId(lastEventId string) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.lastEventId = lastEventId
}

func (self *EventReceiver) AddEventCallback(eventCallback EventHandlerFunction) func() {
	callbackId := self.eventCallbacks.Add(eventCallback)
	return func() {
		self.eventCallbacks.Remove(callbackId)
	}
}

func (self *EventReceiver) AddStateCallback(stateCallback ChannelStateFunction) func() {
	callbackId := self.stateCallbacks.Add(stateCallback)
	return func() {
		self.stateCallbacks.Remove(callbackId)
	}
}

func (self *EventReceiver) Close() {
	self.cancel()
}
