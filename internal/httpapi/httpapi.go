// Package httpapi serves the client-facing HTTP API: command submission on
// the leader and local reads of the applied board state.
package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/opsboard/opsboard/internal/boardsm"
	"github.com/opsboard/opsboard/internal/raft"
	"github.com/opsboard/opsboard/internal/types"
)

// Server serves the HTTP API backed by a consensus node and its board.
type Server struct {
	node  *raft.Node
	board *boardsm.Board
}

// New creates a new HTTP API server.
func New(node *raft.Node, board *boardsm.Board) *Server {
	return &Server{node: node, board: board}
}

// Handler returns the HTTP handler with all routes.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Logger)

	r.Get("/healthz", s.Healthz)
	r.Get("/status", s.Status)
	r.Get("/entities", s.ListEntities)
	r.Get("/entities/{id}", s.GetEntity)
	r.Post("/entities/{id}", s.UpsertEntity)
	r.Get("/activity", s.ListActivity)
	r.Post("/activity", s.PostActivity)
	return r
}

func (s *Server) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) Status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.node.Status())
}

func (s *Server) ListEntities(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "entities": s.board.Entities()})
}

func (s *Server) GetEntity(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	e, ok := s.board.Entity(id)
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "entity not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "entity": e})
}

// UpsertEntity submits an upsert command. The response acknowledges the log
// position only; reads observe the change once the entry commits and is
// applied.
func (s *Server) UpsertEntity(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var body struct {
		Fields map[string]string `json:"fields"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid JSON")
		return
	}
	if len(body.Fields) == 0 {
		writeError(w, http.StatusBadRequest, "bad_request", "fields is required")
		return
	}

	cmd := types.Command{
		Kind:     types.KindUpsert,
		EntityID: id,
		Fields:   body.Fields,
	}
	s.submit(w, cmd)
}

func (s *Server) ListActivity(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "activity": s.board.Activity()})
}

// PostActivity submits an activity command. The record id and timestamp are
// stamped here, before the command enters the log, so applying it stays
// deterministic on every node.
func (s *Server) PostActivity(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Level   string `json:"level"`
		Message string `json:"message"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid JSON")
		return
	}
	if body.Message == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "message is required")
		return
	}

	cmd := types.Command{
		Kind: types.KindActivity,
		Record: &types.ActivityRecord{
			ID:      uuid.NewString(),
			Level:   body.Level,
			Message: body.Message,
			At:      time.Now().UTC(),
		},
	}
	s.submit(w, cmd)
}

func (s *Server) submit(w http.ResponseWriter, cmd types.Command) {
	res, err := s.node.Submit(cmd)
	if err != nil {
		var nle *raft.NotLeaderError
		if errors.As(err, &nle) {
			writeJSON(w, http.StatusTemporaryRedirect, map[string]any{
				"error":       "not_leader",
				"leader_hint": s.node.LeaderHint(),
			})
			return
		}
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"ok": true, "accepted": res})
}

// --- JSON helpers ---

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, map[string]any{"ok": false, "err_code": code, "err_msg": msg})
}
