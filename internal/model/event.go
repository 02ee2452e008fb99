package model

import (
	"encoding/json"
	"time"
)

// EventKind describes what a node execution produced.
type EventKind string

const (
	EventLogicCompleted EventKind = "logic_completed"
	EventPending        EventKind = "pending"
	EventActive         EventKind = "active"
)

// Event is an immutable record emitted when a node completes its logic,
// transitions to pending, or reports an in-progress evaluation.
// ExecID/ParentExecID chain executions into a causal tree.
type Event struct {
	ExecID       string          `json:"exec_id"`
	ParentExecID string          `json:"parent_exec_id,omitempty"`
	NodeID       string          `json:"node_id"`
	NodeType     string          `json:"node_type"`
	Kind         EventKind       `json:"event"`
	TS           time.Time       `json:"timestamp"`
	ReEntryNum   int             `json:"re_entry_num"`
	Evaluation   json.RawMessage `json:"evaluation_data,omitempty"`
}

// JSON returns the JSONL line for this event.
func (e *Event) JSON() []byte {
	b, _ := json.Marshal(e)
	return b
}
