package canvas

import (
	"errors"
	"fmt"
)

// errors.go provides the error taxonomy for the canvas package
//
// error type checking:
//   an error can be checked if it is any of these using errors.Is(err, ErrType)
//
// the taxonomy matters for recovery: a revision conflict is rebased or
// resynced, a safety block is never retried, a network error is transient
// and eligible for retry

var (
	// transient transport failure, including command timeout
	ErrNetwork = errors.New("network error")
	// base_rev was stale at evaluation time
	ErrRevisionConflict = errors.New("revision conflict")
	// explicit policy deny. never auto-retried
	ErrSafetyBlock = errors.New("safety block")
	// malformed op or command. fatal to that command, not to the session
	ErrValidation = errors.New("validation error")
	// artifact transfer failure. retried at the caller's discretion
	ErrUpload = errors.New("upload error")
)

// used for the document model
var (
	ErrAtomNotFound      = errors.New("atom not found")
	ErrAtomExists        = errors.New("atom already exists")
	ErrParentNotFound    = errors.New("parent atom not found")
	ErrIndexOutOfRange   = errors.New("child index out of range")
	ErrMoveCreatesCycle  = errors.New("move would make the atom its own ancestor")
	ErrDocumentIdInvalid = errors.New("document id does not match")
)

const CommandErrorCodeRevMismatch = "REV_MISMATCH"

// a structured command rejection from the backend
type CommandError struct {
	Code        string
	Message     string
	ExpectedRev *Revision
}

func (self *CommandError) Error() string {
	if self.ExpectedRev != nil {
		return fmt.Sprintf("command error %s: %s (expected_rev=%d)", self.Code, self.Message, *self.ExpectedRev)
	}
	return fmt.Sprintf("command error %s: %s", self.Code, self.Message)
}

func (self *CommandError) Unwrap() error {
	switch self.Code {
	case CommandErrorCodeRevMismatch:
		return ErrRevisionConflict
	default:
		return ErrValidation
	}
}
