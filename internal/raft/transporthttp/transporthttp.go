// Package transporthttp carries the consensus RPCs as JSON over HTTP. The
// engine assumes nothing about delivery: requests may be lost, duplicated,
// or arrive out of order, and every handler tolerates that.
package transporthttp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/opsboard/opsboard/internal/raft/raftlog"
	"github.com/opsboard/opsboard/internal/types"
)

// --- RPC DTOs ---

type RequestVoteRequest struct {
	Term         int64        `json:"term"`
	CandidateID  types.NodeID `json:"candidate_id"`
	LastLogIndex int64        `json:"last_log_index"`
	LastLogTerm  int64        `json:"last_log_term"`
}

type RequestVoteResponse struct {
	Term        int64        `json:"term"`
	VoteGranted bool         `json:"vote_granted"`
	VoterID     types.NodeID `json:"voter_id"`
}

type AppendEntriesRequest struct {
	Term         int64           `json:"term"`
	LeaderID     types.NodeID    `json:"leader_id"`
	LeaderAddr   string          `json:"leader_addr"`
	PrevLogIndex int64           `json:"prev_log_index"`
	PrevLogTerm  int64           `json:"prev_log_term"`
	Entries      []raftlog.Entry `json:"entries"`
	LeaderCommit int64           `json:"leader_commit"`
}

type AppendEntriesResponse struct {
	Term         int64        `json:"term"`
	Success      bool         `json:"success"`
	NodeID       types.NodeID `json:"node_id"`
	LastLogIndex int64        `json:"last_log_index"`
}

// --- Interfaces ---

// RPCHandler is implemented by the consensus engine to handle incoming RPCs.
type RPCHandler interface {
	HandleRequestVote(ctx context.Context, req RequestVoteRequest) (RequestVoteResponse, error)
	HandleAppendEntries(ctx context.Context, req AppendEntriesRequest) (AppendEntriesResponse, error)
}

// Transport is the interface the engine uses to send RPCs to peers.
type Transport interface {
	RequestVote(ctx context.Context, to types.NodeID, req RequestVoteRequest) (RequestVoteResponse, error)
	AppendEntries(ctx context.Context, to types.NodeID, req AppendEntriesRequest) (AppendEntriesResponse, error)
}

// --- PeerResolver ---

// PeerResolver maps NodeID to network address.
type PeerResolver struct {
	peers map[types.NodeID]string
}

func NewPeerResolver(peers map[types.NodeID]string) *PeerResolver {
	return &PeerResolver{peers: peers}
}

func (r *PeerResolver) Resolve(id types.NodeID) (string, error) {
	addr, ok := r.peers[id]
	if !ok {
		return "", fmt.Errorf("unknown peer: %s", id)
	}
	return addr, nil
}

// --- HTTPTransport (client) ---

type HTTPTransport struct {
	resolver *PeerResolver
	client   *http.Client
}

func NewHTTPTransport(resolver *PeerResolver) *HTTPTransport {
	return &HTTPTransport{
		resolver: resolver,
		client:   &http.Client{},
	}
}

func (t *HTTPTransport) RequestVote(ctx context.Context, to types.NodeID, req RequestVoteRequest) (RequestVoteResponse, error) {
	var resp RequestVoteResponse
	err := t.post(ctx, to, "/raft/request_vote", req, &resp)
	return resp, err
}

func (t *HTTPTransport) AppendEntries(ctx context.Context, to types.NodeID, req AppendEntriesRequest) (AppendEntriesResponse, error) {
	var resp AppendEntriesResponse
	err := t.post(ctx, to, "/raft/append_entries", req, &resp)
	return resp, err
}

func (t *HTTPTransport) post(ctx context.Context, to types.NodeID, path string, req, resp any) error {
	addr, err := t.resolver.Resolve(to)
	if err != nil {
		return err
	}

	body, err := json.Marshal(req)
	if err != nil {
		return err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, addr+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := t.client.Do(httpReq)
	if err != nil {
		return err
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s to %s returned %d", path, to, httpResp.StatusCode)
	}

	return json.NewDecoder(httpResp.Body).Decode(resp)
}

// --- Server (inbound RPC mux) ---

type Server struct {
	handler RPCHandler
}

func NewServer(handler RPCHandler) *Server {
	return &Server{handler: handler}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /raft/request_vote", s.handleRequestVote)
	mux.HandleFunc("POST /raft/append_entries", s.handleAppendEntries)
	return mux
}

func (s *Server) handleRequestVote(w http.ResponseWriter, r *http.Request) {
	var req RequestVoteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad JSON")
		return
	}
	resp, err := s.handler.HandleRequestVote(r.Context(), req)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, resp)
}

func (s *Server) handleAppendEntries(w http.ResponseWriter, r *http.Request) {
	var req AppendEntriesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad JSON")
		return
	}
	resp, err := s.handler.HandleAppendEntries(r.Context(), req)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, resp)
}

func writeJSON(w http.ResponseWriter, payload any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
