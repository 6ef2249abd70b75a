package canvas

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/golang/glog"
)

// coarse indicator derived from both realtime channels. transport failures
// inside the channels surface here, not as per-call errors
type ConnectionStatus string

const (
	ConnectionStatusConnected    ConnectionStatus = "Connected"
	ConnectionStatusConnecting   ConnectionStatus = "Connecting"
	ConnectionStatusDisconnected ConnectionStatus = "Disconnected"
)

type ConnectionStatusFunction = func(status ConnectionStatus)

func DefaultCanvasClientSettings() *CanvasClientSettings {
	return &CanvasClientSettings{
		SubmitterSettings: DefaultCommandSubmitterSettings(),
		ReceiverSettings:  DefaultEventReceiverSettings(),
		GestureSettings:   DefaultGestureChannelSettings(),
		SeedTimeout:       15 * time.Second,
	}
}

type CanvasClientSettings struct {
	SubmitterSettings *CommandSubmitterSettings
	ReceiverSettings  *EventReceiverSettings
	GestureSettings   *GestureChannelSettings
	SeedTimeout       time.Duration
}

// one editing session on one document.
//
// owns the explicitly constructed store (document model, revision, pending
// command state) and passes it by reference to every consumer. rendering
// surfaces read the document snapshot and the tool store; they never talk
// to the network directly.
type CanvasClient struct {
	ctx    context.Context
	cancel context.CancelFunc

	documentId Id
	actorId    Id

	api      *EnginesApi
	document *DocumentModel
	safety   *SafetyMonitor

	submitter *CommandSubmitter
	receiver  *EventReceiver
	gestures  *GestureChannel
	tools     *ToolStateStore

	settings *CanvasClientSettings

	statusLock sync.Mutex
	status     ConnectionStatus

	statusCallbacks *CallbackList[ConnectionStatusFunction]
}

func NewCanvasClientWithDefaults(ctx context.Context, api *EnginesApi, wsHost string, documentId Id, actorId Id, ticket TicketFunction) *CanvasClient {
	return NewCanvasClient(ctx, api, wsHost, documentId, actorId, ticket, DefaultCanvasClientSettings())
}

// `wsHost` may be empty to run without a gesture channel (read only
// surfaces, headless tools)
func NewCanvasClient(ctx context.Context, api *EnginesApi, wsHost string, documentId Id, actorId Id, ticket TicketFunction, settings *CanvasClientSettings) *CanvasClient {
	cancelCtx, cancel := context.WithCancel(ctx)

	document := NewDocumentModel(documentId)
	safety := NewSafetyMonitor()

	client := &CanvasClient{
		ctx:             cancelCtx,
		cancel:          cancel,
		documentId:      documentId,
		actorId:         actorId,
		api:             api,
		document:        document,
		safety:          safety,
		settings:        settings,
		status:          ConnectionStatusDisconnected,
		statusCallbacks: NewCallbackList[ConnectionStatusFunction](),
	}

	client.submitter = NewCommandSubmitter(cancelCtx, api, document, safety, settings.SubmitterSettings)
	client.tools = NewToolStateStore(client.mutateTool)

	client.receiver = NewEventReceiver(cancelCtx, api, documentId, settings.ReceiverSettings)
	client.receiver.AddEventCallback(client.handleStreamEvent)
	client.receiver.AddStateCallback(func(state ChannelState) {
		client.updateStatus()
	})

	if wsHost != "" {
		client.gestures = NewGestureChannel(cancelCtx, wsHost, ticket, settings.GestureSettings)
		client.gestures.AddStateCallback(func(state ChannelState) {
			client.updateStatus()
		})
	}

	return client
}

func (self *CanvasClient) DocumentId() Id {
	return self.documentId
}

func (self *CanvasClient) ActorId() Id {
	return self.actorId
}

func (self *CanvasClient) Document() *DocumentModel {
	return self.document
}

func (self *CanvasClient) Tools() *ToolStateStore {
	return self.tools
}

func (self *CanvasClient) Safety() *SafetyMonitor {
	return self.safety
}

func (self *CanvasClient) Submitter() *CommandSubmitter {
	return self.submitter
}

func (self *CanvasClient) Receiver() *EventReceiver {
	return self.receiver
}

func (self *CanvasClient) Gestures() *GestureChannel {
	return self.gestures
}

// seed or reseed the replica from the server snapshot
func (self *CanvasClient) Refresh() error {
	timeoutCtx, timeoutCancel := context.WithTimeout(self.ctx, self.settings.SeedTimeout)
	defer timeoutCancel()
	snapshot, err := self.api.SnapshotSync(timeoutCtx, self.documentId)
	if err != nil {
		return err
	}
	return self.document.Seed(snapshot)
}

// package the ops into one command from this client's actor and submit
func (self *CanvasClient) SubmitOps(ops ...Op) (*CommandResponse, error) {
	return self.submitter.Submit(NewCommand(self.actorId, ops...))
}

func (self *CanvasClient) SendGesture(kind string, data map[string]any) bool {
	if self.gestures == nil {
		return false
	}
	return self.gestures.Send(&Gesture{
		Kind:    kind,
		ActorId: self.actorId,
		Data:    data,
	})
}

func (self *CanvasClient) handleStreamEvent(event *StreamEvent) {
	switch event.EventType {
	case StreamEventTypeOpCommitted:
		self.handleOpCommitted(event.OpCommitted)
	case StreamEventTypeSnapshot:
		if err := self.document.Seed(event.Snapshot); err != nil {
			glog.Infof("[cc]%s snapshot seed error = %s\n", self.documentId, err)
		}
	case StreamEventTypeSafetyDecision:
		decision := event.SafetyDecision
		self.safety.Update(decision)
		if decision.Blocked() && decision.CorrelationId != nil {
			// the blocked command may still be optimistically applied
			self.submitter.BlockCommand(*decision.CorrelationId)
		}
	case StreamEventTypeSystem:
		glog.Infof("[cc]%s system %s: %s\n", self.documentId, event.System.Kind, event.System.Message)
	default:
		// gestures, chat and media never touch the document model.
		// interested surfaces subscribe on the receiver directly
	}
}

func (self *CanvasClient) handleOpCommitted(opCommitted *OpCommittedEvent) {
	// the stream can replay an event the command response already settled.
	// a commit at or below the local head is already reflected
	if 0 < opCommitted.Rev && opCommitted.Rev <= self.document.HeadRev() {
		return
	}
	if (opCommitted.CorrelationId != Id{}) && self.submitter.Owns(opCommitted.CorrelationId) {
		// our own command. the optimistic apply already mutated the replica
		self.document.AdoptHeadRev(opCommitted.Rev)
		return
	}
	if err := self.document.ApplyAll(opCommitted.Ops); err != nil {
		glog.Infof("[cc]%s committed ops failed, refetching = %s\n", self.documentId, err)
		if err := self.Refresh(); err != nil {
			glog.Infof("[cc]%s refresh error = %s\n", self.documentId, err)
		}
		return
	}
	self.document.AdoptHeadRev(opCommitted.Rev)
}

// mirror a tool write into the command machinery. atom scoped tools become
// an UpdateOp on the entity atom, everything else travels as an opaque
// command payload. the side effect is best effort: a rejection replays the
// previous value
func (self *CanvasClient) mutateTool(transaction *ToolTransaction) error {
	var command *Command
	if transaction.Target.Scope == ToolScopeAtom {
		atomId, err := ParseId(transaction.Target.EntityId)
		if err != nil {
			return fmt.Errorf("atom scoped tool target needs an atom entity id: %w", ErrValidation)
		}
		command = NewCommand(self.actorId, &UpdateOp{
			ActorId: self.actorId,
			AtomId:  atomId,
			Properties: map[string]any{
				transaction.Target.ToolId: transaction.NextValue,
			},
		})
	} else {
		command = NewCommand(self.actorId)
		command.Payload = map[string]any{
			"tool_target": transaction.Target,
			"value":       transaction.NextValue,
		}
	}

	self.submitter.SubmitWithCallback(command, func(response *CommandResponse, err error) {
		if err != nil {
			glog.Infof("[cc]%s tool write %s rejected = %s\n", self.documentId, transaction.Target, err)
			self.tools.Rollback(transaction)
		}
	})
	return nil
}

func (self *CanvasClient) ConnectionStatus() ConnectionStatus {
	self.statusLock.Lock()
	defer self.statusLock.Unlock()
	return self.status
}

func (self *CanvasClient) computeStatus() ConnectionStatus {
	states := []ChannelState{self.receiver.State()}
	if self.gestures != nil {
		states = append(states, self.gestures.State())
	}

	allActive := true
	allDisconnected := true
	for _, state := range states {
		if !state.IsActive() {
			allActive = false
		}
		if state != ChannelStateDisconnected {
			allDisconnected = false
		}
	}
	if allActive {
		return ConnectionStatusConnected
	}
	if allDisconnected {
		return ConnectionStatusDisconnected
	}
	return ConnectionStatusConnecting
}

func (self *CanvasClient) updateStatus() {
	status := self.computeStatus()

	self.statusLock.Lock()
	changed := self.status != status
	self.status = status
	self.statusLock.Unlock()

	if !changed {
		return
	}
	for _, statusCallback := range self.statusCallbacks.Get() {
		HandleError(func() {
			statusCallback(status)
		})
	}
}

func (self *CanvasClient) AddConnectionStatusCallback(statusCallback ConnectionStatusFunction) func() {
	callbackId := self.statusCallbacks.Add(statusCallback)
	return func() {
		self.statusCallbacks.Remove(callbackId)
	}
}

func (self *CanvasClient) Close() {
	self.cancel()
	self.submitter.Close()
	self.receiver.Close()
	if self.gestures != nil {
		self.gestures.Close()
	}
}
