package canvas

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang/glog"
)

// a batch of ops submitted together against a known revision.
// `CorrelationId` is the client-chosen idempotency key.
// `Payload` carries opaque non-tree side effects
type Command struct {
	BaseRev       Revision       `json:"base_rev"`
	Ops           OpList         `json:"ops"`
	ActorId       Id             `json:"actor_id"`
	CorrelationId Id             `json:"correlation_id"`
	Payload       map[string]any `json:"payload,omitempty"`
}

func NewCommand(actorId Id, ops ...Op) *Command {
	return &Command{
		Ops:           ops,
		ActorId:       actorId,
		CorrelationId: NewId(),
	}
}

type CommandResponse struct {
	Success    bool                  `json:"success"`
	HeadRev    Revision              `json:"head_rev"`
	AppliedOps OpList                `json:"applied_ops,omitempty"`
	Error      *CommandResponseError `json:"error,omitempty"`
}

type CommandResponseError struct {
	Code        string    `json:"code"`
	Message     string    `json:"message"`
	ExpectedRev *Revision `json:"expected_rev,omitempty"`
	RecoveryOps OpList    `json:"recovery_ops,omitempty"`
}

func DefaultCommandSubmitterSettings() *CommandSubmitterSettings {
	return &CommandSubmitterSettings{
		// no timeout is defined by the backend contract. a timeout here is a
		// transient network failure, never a revision conflict
		CommandTimeout: 15 * time.Second,
		// settled responses kept for idempotent resubmission. an evicted
		// correlation id resubmits over the wire, which the backend
		// deduplicates by the same id
		AppliedHistorySize: 256,
	}
}

type CommandSubmitterSettings struct {
	CommandTimeout     time.Duration
	AppliedHistorySize int
}

// packages ops into commands, applies them optimistically and reconciles
// the replica against the backend's verdict.
//
// submissions for one document are serialized: at most one command is in
// flight, and each command's base_rev is stamped from the local head, which
// already reflects every prior successful command.
type CommandSubmitter struct {
	ctx    context.Context
	cancel context.CancelFunc

	api      *EnginesApi
	document *DocumentModel
	safety   *SafetyMonitor

	settings *CommandSubmitterSettings

	submitLock sync.Mutex

	stateLock    sync.Mutex
	applied      map[Id]*CommandResponse
	appliedOrder []Id
	blocked      map[Id]bool

	pendingCorrelationId Id
	pendingCheckpoint    *DocumentCheckpoint
	pendingRolledBack    bool
}

func NewCommandSubmitterWithDefaults(ctx context.Context, api *EnginesApi, document *DocumentModel, safety *SafetyMonitor) *CommandSubmitter {
	return NewCommandSubmitter(ctx, api, document, safety, DefaultCommandSubmitterSettings())
}

func NewCommandSubmitter(ctx context.Context, api *EnginesApi, document *DocumentModel, safety *SafetyMonitor, settings *CommandSubmitterSettings) *CommandSubmitter {
	cancelCtx, cancel := context.WithCancel(ctx)

	return &CommandSubmitter{
		ctx:      cancelCtx,
		cancel:   cancel,
		api:      api,
		document: document,
		safety:   safety,
		settings: settings,
		applied:  map[Id]*CommandResponse{},
		blocked:  map[Id]bool{},
	}
}

func (self *CommandSubmitter) Close() {
	self.cancel()
}

// whether this submitter owns the correlation id (pending, applied or
// blocked). the event receiver uses this to skip committed ops that the
// optimistic apply already put into the replica
func (self *CommandSubmitter) Owns(correlationId Id) bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	if self.pendingCorrelationId == correlationId {
		return true
	}
	if _, ok := self.applied[correlationId]; ok {
		return true
	}
	return self.blocked[correlationId]
}

type SubmitCallbackFunction = func(response *CommandResponse, err error)

func (self *CommandSubmitter) SubmitWithCallback(command *Command, callback SubmitCallbackFunction) {
	go func() {
		response, err := self.Submit(command)
		HandleError(func() {
			callback(response, err)
		})
	}()
}

func (self *CommandSubmitter) Submit(command *Command) (*CommandResponse, error) {
	self.submitLock.Lock()
	defer self.submitLock.Unlock()

	correlationId := command.CorrelationId
	if (correlationId == Id{}) {
		return nil, fmt.Errorf("missing correlation id: %w", ErrValidation)
	}

	// resubmission with an applied correlation id is a no-op
	self.stateLock.Lock()
	if response, ok := self.applied[correlationId]; ok {
		self.stateLock.Unlock()
		return response, nil
	}
	if self.blocked[correlationId] {
		self.stateLock.Unlock()
		return nil, fmt.Errorf("command was blocked: %w", ErrSafetyBlock)
	}
	self.stateLock.Unlock()

	// one actor per command
	for _, op := range command.Ops {
		if op.Actor() != command.ActorId {
			return nil, fmt.Errorf("op actor does not match command actor: %w", ErrValidation)
		}
	}

	// the local head reflects every prior successful command
	command.BaseRev = self.document.HeadRev()

	checkpoint := self.document.Checkpoint()
	if err := self.document.ApplyAll(command.Ops); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrValidation, err)
	}
	self.setPending(correlationId, checkpoint)
	defer self.clearPending()

	glog.V(2).Infof("[cs]submit %s base_rev=%d ops=%d\n", correlationId, command.BaseRev, len(command.Ops))

	timeoutCtx, timeoutCancel := context.WithTimeout(self.ctx, self.settings.CommandTimeout)
	defer timeoutCancel()
	response, err := self.api.SubmitCommandSync(timeoutCtx, self.document.DocumentId(), command)
	if err != nil {
		var safetyBlock *SafetyBlockError
		if errors.As(err, &safetyBlock) {
			self.rollbackPending(correlationId)
			self.markBlocked(correlationId)
			self.safety.Update(safetyBlock.Decision)
			return nil, err
		}
		// transient. the optimistic apply is unconfirmed, so roll it back.
		// the correlation id makes a later resubmission safe on both sides
		self.rollbackPending(correlationId)
		if errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("%w: command timeout after %s", ErrNetwork, self.settings.CommandTimeout)
		}
		glog.Infof("[cs]submit %s error = %s\n", correlationId, err)
		return nil, err
	}

	// a safety decision on the stream can race the command response
	if self.isBlocked(correlationId) {
		return nil, fmt.Errorf("command was blocked: %w", ErrSafetyBlock)
	}

	if response.Success {
		self.document.AdoptHeadRev(response.HeadRev)
		self.markApplied(correlationId, response)
		return response, nil
	}

	resynced := self.rollbackPending(correlationId)

	if response.Error == nil {
		return response, fmt.Errorf("command rejected with no error detail: %w", ErrValidation)
	}

	commandError := &CommandError{
		Code:        response.Error.Code,
		Message:     response.Error.Message,
		ExpectedRev: response.Error.ExpectedRev,
	}

	// a resynced replica is already at the server head. recovery ops are
	// relative to the checkpoint and no longer apply
	if response.Error.Code == CommandErrorCodeRevMismatch && !resynced {
		if 0 < len(response.Error.RecoveryOps) {
			// rebase the replica onto the server head
			if err := self.document.ApplyAll(response.Error.RecoveryOps); err == nil {
				self.document.AdoptHeadRev(response.HeadRev)
			} else {
				glog.Infof("[cs]recovery ops failed, resync = %s\n", err)
				self.resync()
			}
		} else {
			self.resync()
		}
	}

	return response, commandError
}

// full snapshot refetch. the replica is replaced wholesale, which also
// discards any optimistic state
func (self *CommandSubmitter) resync() {
	timeoutCtx, timeoutCancel := context.WithTimeout(self.ctx, self.settings.CommandTimeout)
	defer timeoutCancel()
	snapshot, err := self.api.SnapshotSync(timeoutCtx, self.document.DocumentId())
	if err != nil {
		glog.Infof("[cs]resync error = %s\n", err)
		return
	}
	if err := self.document.Seed(snapshot); err != nil {
		glog.Infof("[cs]resync seed error = %s\n", err)
	}
}

// roll back the pending command for this correlation id, if any.
// called from the stream path when a BLOCK decision arrives while the
// command is still optimistically applied
func (self *CommandSubmitter) BlockCommand(correlationId Id) {
	self.rollbackPending(correlationId)
	self.markBlocked(correlationId)
}

func (self *CommandSubmitter) setPending(correlationId Id, checkpoint *DocumentCheckpoint) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.pendingCorrelationId = correlationId
	self.pendingCheckpoint = checkpoint
	self.pendingRolledBack = false
}

func (self *CommandSubmitter) clearPending() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.pendingCorrelationId = Id{}
	self.pendingCheckpoint = nil
	self.pendingRolledBack = false
}

// returns true when the rollback had to fall back to a snapshot resync
func (self *CommandSubmitter) rollbackPending(correlationId Id) bool {
	self.stateLock.Lock()
	if self.pendingCorrelationId != correlationId || self.pendingRolledBack {
		self.stateLock.Unlock()
		return false
	}
	self.pendingRolledBack = true

	// a committed op from another actor can land on the stream while the
	// command is in flight and advance the head past the checkpoint.
	// restoring the checkpoint then would erase that commit and rewind the
	// replica behind an event the stream will never replay. refetch instead
	if self.document.HeadRev() != self.pendingCheckpoint.headRev {
		self.stateLock.Unlock()
		glog.V(2).Infof("[cs]rollback %s diverged, resync\n", correlationId)
		self.resync()
		return true
	}

	self.document.Restore(self.pendingCheckpoint)
	self.stateLock.Unlock()
	return false
}

func (self *CommandSubmitter) markApplied(correlationId Id, response *CommandResponse) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	if _, ok := self.applied[correlationId]; !ok {
		self.appliedOrder = append(self.appliedOrder, correlationId)
	}
	self.applied[correlationId] = response
	for 0 < self.settings.AppliedHistorySize && self.settings.AppliedHistorySize < len(self.appliedOrder) {
		oldest := self.appliedOrder[0]
		self.appliedOrder = self.appliedOrder[1:]
		delete(self.applied, oldest)
	}
}

func (self *CommandSubmitter) markBlocked(correlationId Id) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.blocked[correlationId] = true
}

func (self *CommandSubmitter) isBlocked(correlationId Id) bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.blocked[correlationId]
}
