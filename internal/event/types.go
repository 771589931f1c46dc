package event

import "github.com/evergreen-ai/evergreen/pkg/types"

// SessionCreatedData is the data for session.created events.
type SessionCreatedData struct {
	SessionID string `json:"sessionID"`
}

// SessionAbortedData is the data for session.aborted events.
type SessionAbortedData struct {
	SessionID string               `json:"sessionID"`
	Error     *types.ProtocolError `json:"error,omitempty"`
}

// SessionCompletedData is the data for session.completed events.
type SessionCompletedData struct {
	SessionID string `json:"sessionID"`
}

// NodeCreatedData is the data for node.created events.
type NodeCreatedData struct {
	SessionID string `json:"sessionID"`
	NodeID    string `json:"nodeID"`
	Kind      string `json:"kind"` // "leaf" | "branch"
}

// NodeUpdatedData is the data for node.updated events.
type NodeUpdatedData struct {
	SessionID string `json:"sessionID"`
	NodeID    string `json:"nodeID"`
	Seq       uint64 `json:"seq"`
}

// NodeFinalizedData is the data for node.finalized events.
type NodeFinalizedData struct {
	SessionID string `json:"sessionID"`
	NodeID    string `json:"nodeID"`
}

// ActionSubmittedData is the data for action.submitted events.
type ActionSubmittedData struct {
	SessionID string `json:"sessionID"`
	Action    string `json:"action"`
	Target    string `json:"target"`
}

// ActionCompletedData is the data for action.completed events.
type ActionCompletedData struct {
	SessionID string `json:"sessionID"`
	Action    string `json:"action"`
	Target    string `json:"target"`
	Err       string `json:"error,omitempty"`
}

// FragmentOutboundData is the data for fragment.outbound events.
type FragmentOutboundData struct {
	SessionID string `json:"sessionID"`
	NodeID    string `json:"nodeID"`
	Seq       uint64 `json:"seq"`
	Final     bool   `json:"final"`
}
