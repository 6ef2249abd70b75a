package canvas

import (
	"fmt"
	"sync"

	"github.com/golang/glog"
)

// moderation outcomes surfaced to the ui, kept distinct from transport
// failures. a BLOCK is a policy verdict: it is never auto-retried and the
// optimistic mutation tied to the blocked action is rolled back.

type SafetyResult string

const (
	SafetyResultPass  SafetyResult = "PASS"
	SafetyResultBlock SafetyResult = "BLOCK"
)

type SafetyDecision struct {
	Action string       `json:"action"`
	Result SafetyResult `json:"result"`
	Reason string       `json:"reason,omitempty"`
	Gate   string       `json:"gate,omitempty"`
	// set when the decision refers to a specific command
	CorrelationId *Id `json:"correlation_id,omitempty"`
}

func (self *SafetyDecision) Blocked() bool {
	return self.Result == SafetyResultBlock
}

// a non-2xx command response whose payload was safety shaped
type SafetyBlockError struct {
	Decision *SafetyDecision
}

func (self *SafetyBlockError) Error() string {
	return fmt.Sprintf("safety block (gate=%s): %s", self.Decision.Gate, self.Decision.Reason)
}

func (self *SafetyBlockError) Unwrap() error {
	return ErrSafetyBlock
}

type SafetyDecisionFunction = func(decision *SafetyDecision)

// holds the most recent decision from either source: safety_decision stream
// events or blocked command responses
type SafetyMonitor struct {
	stateLock sync.Mutex

	latest *SafetyDecision

	decisionCallbacks *CallbackList[SafetyDecisionFunction]
}

func NewSafetyMonitor() *SafetyMonitor {
	return &SafetyMonitor{
		decisionCallbacks: NewCallbackList[SafetyDecisionFunction](),
	}
}

func (self *SafetyMonitor) Update(decision *SafetyDecision) {
	if decision == nil {
		return
	}
	self.stateLock.Lock()
	self.latest = decision
	self.stateLock.Unlock()

	if decision.Blocked() {
		glog.Infof("[sm]block gate=%s reason=%s\n", decision.Gate, decision.Reason)
	}

	for _, decisionCallback := range self.decisionCallbacks.Get() {
		HandleError(func() {
			decisionCallback(decision)
		})
	}
}

func (self *SafetyMonitor) Latest() *SafetyDecision {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.latest
}

func (self *SafetyMonitor) Blocked() bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.latest != nil && self.latest.Blocked()
}

func (self *SafetyMonitor) AddDecisionCallback(decisionCallback SafetyDecisionFunction) func() {
	callbackId := self.decisionCallbacks.Add(decisionCallback)
	return func() {
		self.decisionCallbacks.Remove(callbackId)
	}
}
