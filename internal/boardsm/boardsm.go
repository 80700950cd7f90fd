// Package boardsm implements the replicated board state machine: a table of
// tracked entities plus a bounded activity history. State changes only
// through Apply, driven by the consensus engine in strict log order.
package boardsm

import (
	"log"
	"sort"
	"sync"

	"github.com/opsboard/opsboard/internal/types"
)

// ActivityCap bounds the activity history. Once exceeded, the oldest
// records are dropped.
const ActivityCap = 1000

// Update describes one applied command, pushed to a registered consumer
// (for example a UI state store) after the state change took effect.
type Update struct {
	Cmd    types.Command
	Entity *types.Entity         // post-merge entity for upsert commands
	Record *types.ActivityRecord // the appended record for activity commands
}

// Board is a deterministic state machine. Given the same command sequence,
// every node reaches identical state.
type Board struct {
	mu       sync.Mutex
	entities map[string]map[string]string
	activity []types.ActivityRecord
	skipped  int64

	onChange func(Update)
	logger   *log.Logger
}

// Option configures a Board.
type Option func(*Board)

// WithLogger sets the logger used to report skipped malformed commands.
func WithLogger(l *log.Logger) Option {
	return func(b *Board) { b.logger = l }
}

// WithListener registers a push callback invoked after every applied
// command, in apply order.
func WithListener(fn func(Update)) Option {
	return func(b *Board) { b.onChange = fn }
}

// New creates an empty Board.
func New(opts ...Option) *Board {
	b := &Board{
		entities: make(map[string]map[string]string),
		logger:   log.Default(),
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Apply applies a committed command. It never fails: malformed commands are
// logged and skipped so the apply cursor keeps advancing.
func (b *Board) Apply(cmd types.Command) {
	b.mu.Lock()
	var update Update
	switch cmd.Kind {
	case types.KindUpsert:
		if cmd.EntityID == "" {
			b.skip(cmd, "upsert without entity id")
			b.mu.Unlock()
			return
		}
		fields, ok := b.entities[cmd.EntityID]
		if !ok {
			fields = make(map[string]string, len(cmd.Fields))
			b.entities[cmd.EntityID] = fields
		}
		for k, v := range cmd.Fields {
			fields[k] = v
		}
		update = Update{Cmd: cmd, Entity: &types.Entity{ID: cmd.EntityID, Fields: cloneFields(fields)}}

	case types.KindActivity:
		if cmd.Record == nil {
			b.skip(cmd, "activity without record")
			b.mu.Unlock()
			return
		}
		b.activity = append(b.activity, *cmd.Record)
		if len(b.activity) > ActivityCap {
			b.activity = b.activity[len(b.activity)-ActivityCap:]
		}
		rec := *cmd.Record
		update = Update{Cmd: cmd, Record: &rec}

	default:
		b.skip(cmd, "unknown command kind")
		b.mu.Unlock()
		return
	}
	onChange := b.onChange
	b.mu.Unlock()

	if onChange != nil {
		onChange(update)
	}
}

func (b *Board) skip(cmd types.Command, reason string) {
	b.skipped++
	b.logger.Printf("boardsm: skipping malformed command kind=%q: %s", cmd.Kind, reason)
}

// Entity returns a copy of the entity with the given id.
func (b *Board) Entity(id string) (types.Entity, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	fields, ok := b.entities[id]
	if !ok {
		return types.Entity{}, false
	}
	return types.Entity{ID: id, Fields: cloneFields(fields)}, true
}

// Entities returns copies of all tracked entities, sorted by id.
func (b *Board) Entities() []types.Entity {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]types.Entity, 0, len(b.entities))
	for id, fields := range b.entities {
		out = append(out, types.Entity{ID: id, Fields: cloneFields(fields)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Activity returns a copy of the activity history, oldest first.
func (b *Board) Activity() []types.ActivityRecord {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]types.ActivityRecord, len(b.activity))
	copy(out, b.activity)
	return out
}

// Skipped returns how many malformed commands were dropped.
func (b *Board) Skipped() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.skipped
}

func cloneFields(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
