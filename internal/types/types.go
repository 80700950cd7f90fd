package types

import "time"

// NodeID identifies a node in the cluster.
type NodeID string

// CommandKind identifies the command type.
type CommandKind string

const (
	// KindUpsert creates or patches a tracked entity by id.
	KindUpsert CommandKind = "upsert"
	// KindActivity appends a record to the bounded activity history.
	KindActivity CommandKind = "activity"
)

// ActivityRecord is one entry in the activity history. The submitter stamps
// ID and At before the command enters the log, so applying it stays
// deterministic across nodes.
type ActivityRecord struct {
	ID      string    `json:"id"`
	Level   string    `json:"level,omitempty"`
	Message string    `json:"message"`
	At      time.Time `json:"at"`
}

// Command is the payload carried by log entries. It is interpreted only by
// the state machine.
type Command struct {
	Kind     CommandKind       `json:"kind"`
	EntityID string            `json:"entity_id,omitempty"`
	Fields   map[string]string `json:"fields,omitempty"`
	Record   *ActivityRecord   `json:"record,omitempty"`
}

// Entity is a tracked entity: an id plus its merged fields.
type Entity struct {
	ID     string            `json:"id"`
	Fields map[string]string `json:"fields"`
}

// SubmitResult reports where a submitted command landed in the leader's log.
// It does not mean the command committed; callers needing confirmation must
// observe last_applied advancing past Index.
type SubmitResult struct {
	Index int64 `json:"index"`
	Term  int64 `json:"term"`
}

// LeaderHint tells clients where the current leader is believed to be.
type LeaderHint struct {
	LeaderID   NodeID `json:"leader_id,omitempty"`
	LeaderAddr string `json:"leader_addr,omitempty"`
}

// NodeStatus holds status info about a node.
type NodeStatus struct {
	ID          NodeID     `json:"id"`
	Role        string     `json:"role"`
	Term        int64      `json:"term"`
	CommitIndex int64      `json:"commit_index"`
	LastApplied int64      `json:"last_applied"`
	LastIndex   int64      `json:"last_index"`
	LeaderHint  LeaderHint `json:"leader_hint"`
}
