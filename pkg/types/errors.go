package types

import (
	"errors"
	"fmt"
)

// ErrorKind classifies protocol violations. Every kind except duplicate-seq
// drops (which are not errors) is fatal at session granularity.
type ErrorKind string

const (
	ErrMalformedFragment  ErrorKind = "malformed_fragment"
	ErrOutputReuse        ErrorKind = "output_reuse"
	ErrDuplicateParameter ErrorKind = "duplicate_parameter_name"
	ErrCyclicReference    ErrorKind = "cyclic_reference"
	ErrNestingLimit       ErrorKind = "nesting_limit_exceeded"
	ErrUnsupportedTarget  ErrorKind = "unsupported_target"
	ErrActionFailed       ErrorKind = "action_execution_failure"
)

// ProtocolError is a session-fatal protocol violation.
type ProtocolError struct {
	Kind   ErrorKind `json:"kind"`
	NodeID string    `json:"nodeId,omitempty"`
	Action string    `json:"action,omitempty"`
	Msg    string    `json:"message"`
}

func (e *ProtocolError) Error() string {
	switch {
	case e.NodeID != "":
		return fmt.Sprintf("%s: node %q: %s", e.Kind, e.NodeID, e.Msg)
	case e.Action != "":
		return fmt.Sprintf("%s: action %q: %s", e.Kind, e.Action, e.Msg)
	default:
		return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
	}
}

// Violationf builds a ProtocolError with a formatted message.
func Violationf(kind ErrorKind, format string, args ...any) *ProtocolError {
	return &ProtocolError{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// NodeViolationf builds a ProtocolError attributed to a node.
func NodeViolationf(kind ErrorKind, nodeID, format string, args ...any) *ProtocolError {
	return &ProtocolError{Kind: kind, NodeID: nodeID, Msg: fmt.Sprintf(format, args...)}
}

// ActionViolationf builds a ProtocolError attributed to an action.
func ActionViolationf(kind ErrorKind, action, format string, args ...any) *ProtocolError {
	return &ProtocolError{Kind: kind, Action: action, Msg: fmt.Sprintf(format, args...)}
}

// AsProtocolError unwraps err into a *ProtocolError if it is one.
func AsProtocolError(err error) (*ProtocolError, bool) {
	var perr *ProtocolError
	if errors.As(err, &perr) {
		return perr, true
	}
	return nil, false
}
