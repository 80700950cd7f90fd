// Package raft implements the consensus engine: leader election, log
// replication, commit-index advancement, and in-order application of
// committed commands to the board state machine.
package raft

import (
	"context"
	"fmt"
	"log"
	"math/rand"
	"sync"
	"time"

	"github.com/opsboard/opsboard/internal/boardsm"
	"github.com/opsboard/opsboard/internal/raft/raftlog"
	"github.com/opsboard/opsboard/internal/raft/transporthttp"
	"github.com/opsboard/opsboard/internal/types"
)

const (
	RoleLeader    = "leader"
	RoleFollower  = "follower"
	RoleCandidate = "candidate"
)

// NotLeaderError is returned by Submit on a non-leader. LeaderID names the
// believed leader and may be empty while no leader is known.
type NotLeaderError struct {
	LeaderID types.NodeID
}

func (e *NotLeaderError) Error() string {
	if e.LeaderID == "" {
		return "not leader (no known leader)"
	}
	return fmt.Sprintf("not leader (try %s)", e.LeaderID)
}

// TimingConfig holds configurable timing parameters for elections and
// heartbeats.
type TimingConfig struct {
	ElectionTimeoutMin time.Duration
	ElectionTimeoutMax time.Duration
	HeartbeatInterval  time.Duration
}

// DefaultTimingConfig returns the production defaults.
func DefaultTimingConfig() TimingConfig {
	return TimingConfig{
		ElectionTimeoutMin: 300 * time.Millisecond,
		ElectionTimeoutMax: 450 * time.Millisecond,
		HeartbeatInterval:  100 * time.Millisecond,
	}
}

// Config holds configuration for a node.
type Config struct {
	ID     types.NodeID
	Peers  []types.NodeID // other nodes, not including self
	Addr   string         // this node's advertised address
	Timing TimingConfig
	Rand   *rand.Rand  // optional: deterministic randomness in tests
	Logger *log.Logger // optional: defaults to log.Default()
}

// Node is one consensus participant. All protocol state is guarded by one
// mutex; timer fires and inbound RPCs never mutate it concurrently.
type Node struct {
	cfg    Config
	log    *raftlog.Log
	tp     transporthttp.Transport
	sm     *boardsm.Board
	logger *log.Logger

	mu          sync.Mutex
	role        string
	currentTerm int64
	votedFor    types.NodeID
	leaderHint  types.LeaderHint
	commitIndex int64 // -1 when nothing is committed
	lastApplied int64 // -1 when nothing is applied

	// leader-only volatile state, nil unless role == RoleLeader
	nextIndex  map[types.NodeID]int64
	matchIndex map[types.NodeID]int64

	ctx             context.Context
	cancel          context.CancelFunc
	applierCh       chan struct{}
	applierDone     chan struct{}
	electionResetCh chan struct{}
	heartbeatStopCh chan struct{}

	rand *rand.Rand
}

// NewNode creates a node with an empty log at term 0, role follower.
func NewNode(cfg Config, logStore *raftlog.Log, tp transporthttp.Transport, sm *boardsm.Board) (*Node, error) {
	if cfg.ID == "" {
		return nil, fmt.Errorf("node id is required")
	}
	if cfg.Timing.ElectionTimeoutMin == 0 {
		cfg.Timing = DefaultTimingConfig()
	}

	r := cfg.Rand
	if r == nil {
		r = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}

	return &Node{
		cfg:             cfg,
		log:             logStore,
		tp:              tp,
		sm:              sm,
		logger:          logger,
		role:            RoleFollower,
		commitIndex:     -1,
		lastApplied:     -1,
		applierCh:       make(chan struct{}, 1),
		electionResetCh: make(chan struct{}, 1),
		rand:            r,
	}, nil
}

// Start seeds the election timer and begins processing. Call once.
func (n *Node) Start(ctx context.Context) error {
	n.ctx, n.cancel = context.WithCancel(ctx)
	n.applierDone = make(chan struct{})
	go n.applierLoop()
	go n.electionLoop()
	return nil
}

// Stop cancels all timers and loops. No messages are sent or processed
// after it returns.
func (n *Node) Stop(ctx context.Context) error {
	n.cancel()
	<-n.applierDone
	return nil
}

// Role returns the node's current role.
func (n *Node) Role() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.role
}

// IsLeader reports whether this node currently believes it leads.
func (n *Node) IsLeader() bool {
	return n.Role() == RoleLeader
}

// LeaderID returns the believed leader id, empty while unknown.
func (n *Node) LeaderID() types.NodeID {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.leaderHint.LeaderID
}

// LeaderHint returns the believed leader id and address.
func (n *Node) LeaderHint() types.LeaderHint {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.leaderHint
}

// Status returns a snapshot of the node's protocol state.
func (n *Node) Status() types.NodeStatus {
	n.mu.Lock()
	defer n.mu.Unlock()
	return types.NodeStatus{
		ID:          n.cfg.ID,
		Role:        n.role,
		Term:        n.currentTerm,
		CommitIndex: n.commitIndex,
		LastApplied: n.lastApplied,
		LastIndex:   n.log.LastIndex(),
		LeaderHint:  n.leaderHint,
	}
}

// Submit appends a command to the leader's log and kicks off replication.
// It returns as soon as the entry is appended locally; it does not wait for
// commit. Non-leaders return *NotLeaderError.
func (n *Node) Submit(cmd types.Command) (types.SubmitResult, error) {
	n.mu.Lock()
	if n.role != RoleLeader {
		hint := n.leaderHint.LeaderID
		n.mu.Unlock()
		return types.SubmitResult{}, &NotLeaderError{LeaderID: hint}
	}
	term := n.currentTerm
	idx := n.log.Append(term, cmd)
	// A cluster of one commits immediately; otherwise this is a no-op until
	// peers acknowledge.
	n.advanceCommitIndexLocked()
	n.mu.Unlock()

	go n.replicateAll()

	return types.SubmitResult{Index: idx, Term: term}, nil
}

func (n *Node) randomElectionTimeout() time.Duration {
	min := n.cfg.Timing.ElectionTimeoutMin
	max := n.cfg.Timing.ElectionTimeoutMax
	return min + time.Duration(n.rand.Int63n(int64(max-min)))
}

func (n *Node) resetElectionTimer() {
	select {
	case n.electionResetCh <- struct{}{}:
	default:
	}
}

func (n *Node) electionLoop() {
	timer := time.NewTimer(n.randomElectionTimeout())
	defer timer.Stop()

	for {
		select {
		case <-n.ctx.Done():
			return
		case <-n.electionResetCh:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(n.randomElectionTimeout())
		case <-timer.C:
			n.mu.Lock()
			role := n.role
			n.mu.Unlock()
			if role != RoleLeader {
				n.startElection()
			}
			timer.Reset(n.randomElectionTimeout())
		}
	}
}

func (n *Node) startElection() {
	n.mu.Lock()
	n.currentTerm++
	n.role = RoleCandidate
	n.votedFor = n.cfg.ID
	n.leaderHint = types.LeaderHint{}
	term := n.currentTerm
	lastIdx := n.log.LastIndex()
	lastTerm := n.log.LastTerm()
	peers := make([]types.NodeID, len(n.cfg.Peers))
	copy(peers, n.cfg.Peers)
	n.mu.Unlock()

	n.logger.Printf("raft[%s]: starting election for term %d", n.cfg.ID, term)

	req := transporthttp.RequestVoteRequest{
		Term:         term,
		CandidateID:  n.cfg.ID,
		LastLogIndex: lastIdx,
		LastLogTerm:  lastTerm,
	}

	votes := 1 // self
	majority := (len(peers)+1)/2 + 1

	type voteResult struct {
		resp transporthttp.RequestVoteResponse
		err  error
	}
	results := make(chan voteResult, len(peers))

	ctx, cancel := context.WithTimeout(n.ctx, n.cfg.Timing.ElectionTimeoutMin)
	defer cancel()

	for _, p := range peers {
		go func(peer types.NodeID) {
			if n.tp == nil {
				results <- voteResult{err: fmt.Errorf("no transport")}
				return
			}
			resp, err := n.tp.RequestVote(ctx, peer, req)
			results <- voteResult{resp, err}
		}(p)
	}

	for range peers {
		select {
		case <-ctx.Done():
			return
		case vr := <-results:
			if vr.err != nil {
				continue
			}
			if vr.resp.Term > term {
				n.stepDown(vr.resp.Term)
				return
			}
			if vr.resp.VoteGranted {
				votes++
			}
		}
		if votes >= majority {
			break
		}
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	// The election only counts if nothing changed while votes were in flight.
	if n.role != RoleCandidate || n.currentTerm != term {
		return
	}

	if votes >= majority {
		n.becomeLeaderLocked()
	}
}

// becomeLeaderLocked transitions to leader. Caller holds n.mu.
func (n *Node) becomeLeaderLocked() {
	n.role = RoleLeader
	n.leaderHint = types.LeaderHint{LeaderID: n.cfg.ID, LeaderAddr: n.cfg.Addr}

	next := n.log.LastIndex() + 1
	n.nextIndex = make(map[types.NodeID]int64, len(n.cfg.Peers))
	n.matchIndex = make(map[types.NodeID]int64, len(n.cfg.Peers))
	for _, p := range n.cfg.Peers {
		n.nextIndex[p] = next
		n.matchIndex[p] = -1
	}

	n.logger.Printf("raft[%s]: won election, leading term %d", n.cfg.ID, n.currentTerm)

	n.heartbeatStopCh = make(chan struct{})
	go n.heartbeatLoop(n.heartbeatStopCh)
}

func (n *Node) heartbeatLoop(stop chan struct{}) {
	ticker := time.NewTicker(n.cfg.Timing.HeartbeatInterval)
	defer ticker.Stop()

	// Assert leadership immediately, then on every tick.
	n.replicateAll()

	for {
		select {
		case <-n.ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			if !n.IsLeader() {
				return
			}
			n.replicateAll()
		}
	}
}

// replicateAll sends AppendEntries to every peer, carrying whatever entries
// each one is behind on (empty for peers that are caught up). Sends are
// fire-and-forget on their own goroutines; a slow peer never stalls the
// ticker or the other peers.
func (n *Node) replicateAll() {
	n.mu.Lock()
	if n.role != RoleLeader {
		n.mu.Unlock()
		return
	}
	peers := make([]types.NodeID, len(n.cfg.Peers))
	copy(peers, n.cfg.Peers)
	n.mu.Unlock()

	for _, p := range peers {
		go n.replicateToPeer(p)
	}
}

// replicateToPeer drives one peer toward the leader's log. On a consistency
// rejection it decrements the peer's nextIndex and retries immediately with
// the earlier index until the follower accepts or leadership is lost.
func (n *Node) replicateToPeer(peer types.NodeID) {
	for {
		n.mu.Lock()
		if n.role != RoleLeader {
			n.mu.Unlock()
			return
		}
		term := n.currentTerm
		nextIdx := n.nextIndex[peer]
		prevLogIndex := nextIdx - 1
		prevLogTerm := n.log.TermAt(prevLogIndex)
		entries := n.log.Slice(nextIdx)
		commitIndex := n.commitIndex
		n.mu.Unlock()

		req := transporthttp.AppendEntriesRequest{
			Term:         term,
			LeaderID:     n.cfg.ID,
			LeaderAddr:   n.cfg.Addr,
			PrevLogIndex: prevLogIndex,
			PrevLogTerm:  prevLogTerm,
			Entries:      entries,
			LeaderCommit: commitIndex,
		}

		if n.tp == nil {
			return
		}
		ctx, cancel := context.WithTimeout(n.ctx, n.cfg.Timing.HeartbeatInterval)
		resp, err := n.tp.AppendEntries(ctx, peer, req)
		cancel()
		if err != nil {
			return // lost or unreachable; the next tick retries
		}

		if resp.Term > term {
			n.stepDown(resp.Term)
			return
		}

		n.mu.Lock()
		if n.role != RoleLeader || n.currentTerm != term {
			n.mu.Unlock()
			return
		}

		if resp.Success {
			match := prevLogIndex + int64(len(entries))
			if match > n.matchIndex[peer] {
				n.matchIndex[peer] = match
			}
			n.nextIndex[peer] = match + 1
			n.advanceCommitIndexLocked()
			n.mu.Unlock()
			return
		}

		// Log inconsistency: back off one index and retry right away.
		if n.nextIndex[peer] > 0 {
			n.nextIndex[peer]--
		}
		n.mu.Unlock()
	}
}

// advanceCommitIndexLocked recomputes commitIndex: the highest index
// replicated on a majority whose entry was created in the current term.
// Prior-term entries are never committed by counting replicas alone.
// Caller holds n.mu.
func (n *Node) advanceCommitIndexLocked() {
	lastIdx := n.log.LastIndex()
	for idx := n.commitIndex + 1; idx <= lastIdx; idx++ {
		if n.log.TermAt(idx) != n.currentTerm {
			continue
		}
		count := 1 // self
		for _, p := range n.cfg.Peers {
			if n.matchIndex[p] >= idx {
				count++
			}
		}
		majority := (len(n.cfg.Peers)+1)/2 + 1
		if count >= majority {
			n.commitIndex = idx
		}
	}
	n.signalApplier()
}

// stepDown downgrades to follower, adopting newTerm if it is higher. The
// heartbeat ticker is stopped before any other side effect so no heartbeat
// is ever sent after resignation. Leader-only state is discarded.
func (n *Node) stepDown(newTerm int64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.stepDownLocked(newTerm)
}

func (n *Node) stepDownLocked(newTerm int64) {
	if n.heartbeatStopCh != nil {
		close(n.heartbeatStopCh)
		n.heartbeatStopCh = nil
	}
	if newTerm > n.currentTerm {
		n.currentTerm = newTerm
		n.votedFor = ""
	}
	if n.role != RoleFollower {
		n.logger.Printf("raft[%s]: stepping down to follower at term %d", n.cfg.ID, n.currentTerm)
	}
	n.role = RoleFollower
	n.nextIndex = nil
	n.matchIndex = nil
}

// HandleRequestVote handles an incoming RequestVote RPC.
func (n *Node) HandleRequestVote(ctx context.Context, req transporthttp.RequestVoteRequest) (transporthttp.RequestVoteResponse, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if req.Term > n.currentTerm {
		n.stepDownLocked(req.Term)
	}

	resp := transporthttp.RequestVoteResponse{Term: n.currentTerm, VoterID: n.cfg.ID}

	if req.Term < n.currentTerm {
		return resp, nil
	}

	// One vote per term, and only for a candidate whose log is at least as
	// up to date as ours (term first, then index).
	canVote := n.votedFor == "" || n.votedFor == req.CandidateID

	lastIdx := n.log.LastIndex()
	lastTerm := n.log.LastTerm()
	logOK := req.LastLogTerm > lastTerm ||
		(req.LastLogTerm == lastTerm && req.LastLogIndex >= lastIdx)

	if canVote && logOK {
		n.votedFor = req.CandidateID
		n.resetElectionTimer()
		resp.VoteGranted = true
	}
	return resp, nil
}

// HandleAppendEntries handles an incoming AppendEntries RPC, covering both
// heartbeats and replication.
func (n *Node) HandleAppendEntries(ctx context.Context, req transporthttp.AppendEntriesRequest) (transporthttp.AppendEntriesResponse, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if req.Term > n.currentTerm {
		n.stepDownLocked(req.Term)
	}

	resp := transporthttp.AppendEntriesResponse{
		Term:   n.currentTerm,
		NodeID: n.cfg.ID,
	}

	if req.Term < n.currentTerm {
		resp.LastLogIndex = n.log.LastIndex()
		return resp, nil
	}

	// Accept the sender as leader for this term.
	n.resetElectionTimer()
	n.leaderHint = types.LeaderHint{LeaderID: req.LeaderID, LeaderAddr: req.LeaderAddr}
	if n.role == RoleCandidate {
		n.role = RoleFollower
	}

	// Consistency check at prevLogIndex/prevLogTerm. Index -1 is the
	// virtual entry before the log and always matches.
	if req.PrevLogIndex >= 0 {
		if req.PrevLogIndex > n.log.LastIndex() || n.log.TermAt(req.PrevLogIndex) != req.PrevLogTerm {
			resp.LastLogIndex = n.log.LastIndex()
			return resp, nil
		}
	}

	// Append new entries, discarding conflicting local entries from the
	// first term mismatch onward. Entries are never partially trusted.
	for i, entry := range req.Entries {
		if entry.Index <= n.log.LastIndex() {
			if n.log.TermAt(entry.Index) != entry.Term {
				n.log.Truncate(entry.Index)
				n.log.AppendEntries(req.Entries[i:])
				break
			}
			// Already have this exact entry, skip it.
		} else {
			n.log.AppendEntries(req.Entries[i:])
			break
		}
	}

	newCommit := min(req.LeaderCommit, n.log.LastIndex())
	if newCommit > n.commitIndex {
		n.commitIndex = newCommit
	}
	n.signalApplier()

	resp.Success = true
	resp.LastLogIndex = n.log.LastIndex()
	return resp, nil
}

func (n *Node) signalApplier() {
	select {
	case n.applierCh <- struct{}{}:
	default:
	}
}

// applierLoop hands newly committed entries to the state machine in strict
// ascending index order, one at a time.
func (n *Node) applierLoop() {
	defer close(n.applierDone)
	for {
		select {
		case <-n.ctx.Done():
			return
		case <-n.applierCh:
			n.applyCommitted()
		}
	}
}

func (n *Node) applyCommitted() {
	for {
		n.mu.Lock()
		if n.lastApplied >= n.commitIndex {
			n.mu.Unlock()
			return
		}
		next := n.lastApplied + 1
		entry, ok := n.log.EntryAt(next)
		n.mu.Unlock()
		if !ok {
			return
		}

		n.sm.Apply(entry.Cmd)

		n.mu.Lock()
		n.lastApplied = next
		n.mu.Unlock()
	}
}

// RPCServer returns the inbound-RPC HTTP handler for this node.
func (n *Node) RPCServer() *transporthttp.Server {
	return transporthttp.NewServer(n)
}
