package kanban

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"fleetsync/pkg/bus"
)

// Publisher emits board update events. *bus.Bus satisfies it.
type Publisher interface {
	Publish(ctx context.Context, subject string, v any) error
}

// UpdatedEvent is published after every accepted push.
type UpdatedEvent struct {
	Board     string    `json:"board"`
	Strategy  Strategy  `json:"strategy"`
	Items     int       `json:"items"`
	Changed   bool      `json:"changed"`
	Conflicts int       `json:"conflicts"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ServerOptions configure a Server.
type ServerOptions struct {
	Store     BoardStore
	Strategy  Strategy
	Publisher Publisher
	Metrics   *Metrics
	Logger    zerolog.Logger
}

// Server holds the authoritative copy of every board.
type Server struct {
	store     BoardStore
	strategy  Strategy
	publisher Publisher
	metrics   *Metrics
	logger    zerolog.Logger
	locks     boardLocks
}

// NewServer returns a Server reconciling pushes with opts.Strategy.
func NewServer(opts ServerOptions) (*Server, error) {
	if opts.Store == nil {
		return nil, errors.New("kanban server requires a board store")
	}
	if opts.Strategy == "" {
		opts.Strategy = ServerPrimary
	}
	return &Server{
		store:     opts.Store,
		strategy:  opts.Strategy,
		publisher: opts.Publisher,
		metrics:   opts.Metrics,
		logger:    opts.Logger,
	}, nil
}

// Strategy returns the server's reconciliation strategy.
func (s *Server) Strategy() Strategy { return s.strategy }

// Pull returns the stored board, or an empty board if none exists yet.
func (s *Server) Pull(ctx context.Context, id string) (Board, error) {
	if err := ValidateBoardID(id); err != nil {
		return Board{}, err
	}
	unlock := s.locks.lock(id)
	defer unlock()
	return loadOrNew(ctx, s.store, id)
}

// Push reconciles a client's board into the stored copy.
//
// server_primary applies pushed items unconditionally. last_write_wins merges
// per item, keeping the stored copy on timestamp ties. manual adopts new
// items and reports every differing item as a conflict unless force is set.
func (s *Server) Push(ctx context.Context, pushed Board, force bool) (MergeResult, error) {
	if err := ValidateBoardID(pushed.ID); err != nil {
		return MergeResult{}, err
	}
	unlock := s.locks.lock(pushed.ID)
	defer unlock()

	stored, err := loadOrNew(ctx, s.store, pushed.ID)
	if err != nil {
		s.metrics.observe(s.strategy, err, 0)
		return MergeResult{}, fmt.Errorf("load board %s: %w", pushed.ID, err)
	}

	var result MergeResult
	switch {
	case force || s.strategy == ServerPrimary:
		result = Apply(stored, pushed)
	case s.strategy == LastWriteWins:
		result = Merge(stored, pushed)
	default:
		result = Reconcile(stored, pushed, Manual)
	}

	if result.Changed {
		if err := s.store.Put(ctx, result.Board); err != nil {
			s.metrics.observe(s.strategy, err, 0)
			return MergeResult{}, fmt.Errorf("store board %s: %w", pushed.ID, err)
		}
	}
	s.metrics.observe(s.strategy, nil, len(result.Conflicts))

	event := s.logger.Info()
	if len(result.Conflicts) > 0 {
		event = s.logger.Warn()
	}
	event.
		Str("board", pushed.ID).
		Str("strategy", string(s.strategy)).
		Bool("changed", result.Changed).
		Bool("force", force).
		Int("conflicts", len(result.Conflicts)).
		Msg("board pushed")

	if result.Changed && s.publisher != nil {
		ev := UpdatedEvent{
			Board:     pushed.ID,
			Strategy:  s.strategy,
			Items:     len(result.Board.Visible()),
			Changed:   result.Changed,
			Conflicts: len(result.Conflicts),
			UpdatedAt: result.Board.UpdatedAt,
		}
		if err := s.publisher.Publish(ctx, bus.KanbanUpdatedSubject, ev); err != nil {
			s.logger.Warn().Err(err).Str("board", pushed.ID).Msg("publish board update")
		}
	}
	return result, nil
}

// Boards lists stored board ids.
func (s *Server) Boards(ctx context.Context) ([]string, error) {
	return s.store.List(ctx)
}
