package kanban

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
)

// Mount registers the kanban sync routes on r:
//
//	GET  /kanban          list board ids
//	GET  /kanban/{board}  pull
//	POST /kanban/{board}  push (?force=true bypasses manual reconciliation)
func (s *Server) Mount(r chi.Router) {
	r.Get("/kanban", s.handleList)
	r.Get("/kanban/{board}", s.handlePull)
	r.Post("/kanban/{board}", s.handlePush)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	ids, err := s.Boards(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"boards": ids, "strategy": s.strategy})
}

func (s *Server) handlePull(w http.ResponseWriter, r *http.Request) {
	board, err := s.Pull(r.Context(), chi.URLParam(r, "board"))
	if err != nil {
		respondError(w, statusFor(err), err)
		return
	}
	respondJSON(w, http.StatusOK, board)
}

func (s *Server) handlePush(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "board")

	var board Board
	if err := decodeJSON(w, r, &board); err != nil {
		respondError(w, http.StatusBadRequest, fmt.Errorf("decode board: %w", err))
		return
	}
	if board.ID == "" {
		board.ID = id
	}
	if board.ID != id {
		respondError(w, http.StatusBadRequest, fmt.Errorf("board id %q does not match path %q", board.ID, id))
		return
	}

	force, _ := strconv.ParseBool(r.URL.Query().Get("force"))
	result, err := s.Push(r.Context(), board, force)
	if err != nil {
		respondError(w, statusFor(err), err)
		return
	}
	respondJSON(w, http.StatusOK, result)
}

func statusFor(err error) int {
	if errors.Is(err, ErrInvalidBoardID) {
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}
