package canvas

import (
	"fmt"
	"reflect"
	"sync"
)

type ToolScope string

const (
	ToolScopeGlobal ToolScope = "global"
	ToolScopeAtom   ToolScope = "atom"
	ToolScopeSystem ToolScope = "system"
)

// comparable. addresses exactly one reactive value: two targets differing
// in any field never alias the same stored value
type ToolTarget struct {
	SurfaceId string    `json:"surface_id"`
	Scope     ToolScope `json:"scope"`
	EntityId  string    `json:"entity_id"`
	ToolId    string    `json:"tool_id"`
}

func (self ToolTarget) normalize() ToolTarget {
	if self.EntityId == "" {
		self.EntityId = "global"
	}
	return self
}

func (self ToolTarget) String() string {
	return fmt.Sprintf("%s/%s/%s/%s", self.SurfaceId, self.Scope, self.EntityId, self.ToolId)
}

type ToolWriteOp string

const (
	ToolWriteOpSetValue  ToolWriteOp = "setValue"
	ToolWriteOpToggle    ToolWriteOp = "toggle"
	ToolWriteOpIncrement ToolWriteOp = "increment"
	ToolWriteOpDecrement ToolWriteOp = "decrement"
)

// transient record of one write. when the mirrored command is rejected the
// previous value is replayed, so an optimistic tool write is never left
// inconsistent with the server
type ToolTransaction struct {
	Target        ToolTarget
	PreviousValue any
	NextValue     any

	hadPrevious bool
}

type ToolWatchFunction = func(target ToolTarget, value any)

// mirrors a write into the command machinery. best effort: an error rolls
// the write back immediately, an async rejection rolls it back via
// `Rollback`
type ToolMutateFunction = func(transaction *ToolTransaction) error

// keyed reactive values that ui controls read and write. cells are
// logically independent: no cross-cell invariants, no cross-cell locking
type ToolStateStore struct {
	stateLock sync.Mutex
	values    map[ToolTarget]any

	watchCallbacks *CallbackList[ToolWatchFunction]

	mutate ToolMutateFunction
}

func NewToolStateStore(mutate ToolMutateFunction) *ToolStateStore {
	return &ToolStateStore{
		values:         map[ToolTarget]any{},
		watchCallbacks: NewCallbackList[ToolWatchFunction](),
		mutate:         mutate,
	}
}

func (self *ToolStateStore) Read(target ToolTarget, defaultValue any) any {
	target = target.normalize()
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	if value, ok := self.values[target]; ok {
		return value
	}
	return defaultValue
}

// the in-memory value updates synchronously, then the write is mirrored
// into the command machinery
func (self *ToolStateStore) Write(target ToolTarget, op ToolWriteOp, value any) (*ToolTransaction, error) {
	target = target.normalize()

	self.stateLock.Lock()
	previousValue, hadPrevious := self.values[target]

	var nextValue any
	switch op {
	case ToolWriteOpSetValue:
		nextValue = value
	case ToolWriteOpToggle:
		// unset and non-bool are falsy
		current, _ := previousValue.(bool)
		nextValue = !current
	case ToolWriteOpIncrement:
		nextValue = toFloat(previousValue, 0) + toFloat(value, 1)
	case ToolWriteOpDecrement:
		nextValue = toFloat(previousValue, 0) - toFloat(value, 1)
	default:
		self.stateLock.Unlock()
		return nil, fmt.Errorf("unknown tool write op %q: %w", op, ErrValidation)
	}

	self.values[target] = nextValue
	self.stateLock.Unlock()

	transaction := &ToolTransaction{
		Target:        target,
		PreviousValue: previousValue,
		NextValue:     nextValue,
		hadPrevious:   hadPrevious,
	}

	self.notify(target, nextValue)

	if self.mutate != nil {
		if err := self.mutate(transaction); err != nil {
			self.Rollback(transaction)
			return transaction, err
		}
	}
	return transaction, nil
}

// replay the previous value. a no-op when the cell has moved on: a later
// write supersedes the transaction and must not be clobbered by an older
// rejection arriving out of order
func (self *ToolStateStore) Rollback(transaction *ToolTransaction) {
	self.stateLock.Lock()
	current, ok := self.values[transaction.Target]
	if !ok || !reflect.DeepEqual(current, transaction.NextValue) {
		self.stateLock.Unlock()
		return
	}
	if transaction.hadPrevious {
		self.values[transaction.Target] = transaction.PreviousValue
	} else {
		delete(self.values, transaction.Target)
	}
	self.stateLock.Unlock()

	self.notify(transaction.Target, transaction.PreviousValue)
}

func (self *ToolStateStore) notify(target ToolTarget, value any) {
	for _, watchCallback := range self.watchCallbacks.Get() {
		HandleError(func() {
			watchCallback(target, value)
		})
	}
}

func (self *ToolStateStore) AddWatchCallback(watchCallback ToolWatchFunction) func() {
	callbackId := self.watchCallbacks.Add(watchCallback)
	return func() {
		self.watchCallbacks.Remove(callbackId)
	}
}

// numbers arrive from json as float64. other numeric types are accepted
// for convenience when the caller writes literals
func toFloat(value any, unset float64) float64 {
	switch v := value.(type) {
	case float64:
		return v
	case float32:
		return float64(v)
	case int:
		return float64(v)
	case int64:
		return float64(v)
	case nil:
		return unset
	default:
		return unset
	}
}
