// Package raftlog implements the in-memory replicated log: an append-only,
// dense, 0-indexed sequence of term-stamped commands. Entries are only ever
// removed by Truncate when replication detects a term conflict.
package raftlog

import (
	"sync"

	"github.com/opsboard/opsboard/internal/types"
)

// Entry is a single entry in the log. Immutable once created.
type Entry struct {
	Index int64         `json:"index"`
	Term  int64         `json:"term"`
	Cmd   types.Command `json:"cmd"`
}

// Log is an in-memory log. Safe for concurrent use.
type Log struct {
	mu      sync.Mutex
	entries []Entry
}

// New returns an empty log.
func New() *Log {
	return &Log{}
}

// Append appends a new entry at the next index and returns that index.
// Indices stay dense from 0; there is no way to create a gap.
func (l *Log) Append(term int64, cmd types.Command) int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	idx := int64(len(l.entries))
	l.entries = append(l.entries, Entry{Index: idx, Term: term, Cmd: cmd})
	return idx
}

// AppendEntries appends pre-built entries (from a leader) at the end of the
// log. The caller is responsible for having resolved conflicts first.
func (l *Log) AppendEntries(entries []Entry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, entries...)
}

// EntryAt returns the entry at index, if present.
func (l *Log) EntryAt(index int64) (Entry, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if index < 0 || index >= int64(len(l.entries)) {
		return Entry{}, false
	}
	return l.entries[index], true
}

// TermAt returns the term of the entry at index, or 0 for the virtual
// index -1 and for indices past the end of the log.
func (l *Log) TermAt(index int64) int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	if index < 0 || index >= int64(len(l.entries)) {
		return 0
	}
	return l.entries[index].Term
}

// LastIndex returns the index of the last entry, or -1 for an empty log.
func (l *Log) LastIndex() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return int64(len(l.entries)) - 1
}

// LastTerm returns the term of the last entry, or 0 for an empty log.
func (l *Log) LastTerm() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.entries) == 0 {
		return 0
	}
	return l.entries[len(l.entries)-1].Term
}

// Len returns the number of entries.
func (l *Log) Len() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return int64(len(l.entries))
}

// Truncate discards the entry at from and everything after it. Used only to
// resolve conflicts detected while handling AppendEntries.
func (l *Log) Truncate(from int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if from < 0 {
		from = 0
	}
	if from >= int64(len(l.entries)) {
		return
	}
	l.entries = l.entries[:from]
}

// Slice returns a copy of the entries at and after from, for replication.
func (l *Log) Slice(from int64) []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	if from < 0 {
		from = 0
	}
	if from >= int64(len(l.entries)) {
		return nil
	}
	out := make([]Entry, int64(len(l.entries))-from)
	copy(out, l.entries[from:])
	return out
}
