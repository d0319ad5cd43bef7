package kanban

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/rs/zerolog"
)

// Remote is the server side of a sync, usually a *Client.
type Remote interface {
	Pull(ctx context.Context, id string) (Board, error)
	Push(ctx context.Context, board Board, force bool) (MergeResult, error)
}

// SyncResult describes one board sync.
type SyncResult struct {
	Board     string     `json:"board"`
	Strategy  Strategy   `json:"strategy"`
	Changed   bool       `json:"changed"`
	Pushed    bool       `json:"pushed"`
	Conflicts []Conflict `json:"conflicts"`
}

// SyncerOptions configure a Syncer.
type SyncerOptions struct {
	Local    BoardStore
	Remote   Remote
	Strategy Strategy
	// Boards are synced on every tick in addition to boards found locally.
	Boards   []string
	Interval time.Duration
	Metrics  *Metrics
	Logger   zerolog.Logger
}

// Syncer reconciles local boards with a remote server. Syncs of the same
// board are serialised; different boards may sync concurrently.
type Syncer struct {
	local    BoardStore
	remote   Remote
	strategy Strategy
	boards   []string
	interval time.Duration
	metrics  *Metrics
	logger   zerolog.Logger

	locks   boardLocks
	changed chan string
}

// NewSyncer validates opts and returns a Syncer.
func NewSyncer(opts SyncerOptions) (*Syncer, error) {
	if opts.Local == nil || opts.Remote == nil {
		return nil, errors.New("syncer requires local and remote stores")
	}
	if opts.Strategy == "" {
		opts.Strategy = ServerPrimary
	}
	if opts.Interval <= 0 {
		opts.Interval = 30 * time.Second
	}
	return &Syncer{
		local:    opts.Local,
		remote:   opts.Remote,
		strategy: opts.Strategy,
		boards:   slices.Clone(opts.Boards),
		interval: opts.Interval,
		metrics:  opts.Metrics,
		logger:   opts.Logger,
		changed:  make(chan string, 16),
	}, nil
}

// SyncBoard reconciles one board under the configured strategy.
//
// server_primary first pushes local edits made since the last agreed copy,
// then overwrites the local copy with the server's when they differ.
// last_write_wins merges per item and pushes the merge back if the server is
// behind. manual adopts remote-only items and reports every differing item
// without pushing.
func (s *Syncer) SyncBoard(ctx context.Context, id string) (SyncResult, error) {
	if err := ValidateBoardID(id); err != nil {
		return SyncResult{}, err
	}
	unlock := s.locks.lock(id)
	defer unlock()

	res, err := s.syncLocked(ctx, id)
	s.metrics.observe(s.strategy, err, len(res.Conflicts))
	s.logResult(res, err)
	return res, err
}

func (s *Syncer) syncLocked(ctx context.Context, id string) (SyncResult, error) {
	res := SyncResult{Board: id, Strategy: s.strategy, Conflicts: []Conflict{}}

	local, err := loadOrNew(ctx, s.local, id)
	if err != nil {
		return res, fmt.Errorf("load local board: %w", err)
	}
	remote, err := s.remote.Pull(ctx, id)
	if err != nil {
		return res, err
	}

	if s.strategy == ServerPrimary {
		base, err := s.base(ctx, id)
		if err != nil {
			return res, err
		}
		if edits := Changes(local, base); len(edits.Items) > 0 {
			pushed, err := s.remote.Push(ctx, edits, false)
			if err != nil {
				return res, err
			}
			res.Pushed = true
			if len(pushed.Conflicts) > 0 {
				// Keep the local copy so refused edits are not overwritten.
				res.Conflicts = pushed.Conflicts
				return res, nil
			}
			remote = pushed.Board
		}
	}

	merged := Reconcile(local, remote, s.strategy)
	res.Conflicts = merged.Conflicts

	if s.strategy == LastWriteWins && !merged.Board.Equal(remote) {
		pushed, err := s.remote.Push(ctx, merged.Board, false)
		if err != nil {
			return res, err
		}
		res.Pushed = true
		res.Conflicts = appendConflicts(res.Conflicts, pushed.Conflicts)
		// The server may hold newer items that arrived since the pull.
		merged = Merge(merged.Board, pushed.Board)
		merged.Changed = !local.Equal(merged.Board)
	}

	if merged.Changed {
		if err := s.local.Put(ctx, merged.Board); err != nil {
			return res, fmt.Errorf("save local board: %w", err)
		}
		res.Changed = true
	}
	if s.strategy != Manual {
		if err := s.putBase(ctx, merged.Board); err != nil {
			return res, err
		}
	}
	return res, nil
}

// base returns the last copy agreed with the server, or an empty board when
// the local store does not track one.
func (s *Syncer) base(ctx context.Context, id string) (Board, error) {
	bs, ok := s.local.(BaseStore)
	if !ok {
		return NewBoard(id), nil
	}
	b, err := bs.GetBase(ctx, id)
	switch {
	case err == nil:
		return b, nil
	case errors.Is(err, ErrBoardNotFound):
		return NewBoard(id), nil
	default:
		return Board{}, fmt.Errorf("load base board: %w", err)
	}
}

func (s *Syncer) putBase(ctx context.Context, board Board) error {
	bs, ok := s.local.(BaseStore)
	if !ok {
		return nil
	}
	if err := bs.PutBase(ctx, board); err != nil {
		return fmt.Errorf("save base board: %w", err)
	}
	return nil
}

// Pull overwrites the local board with the server copy.
func (s *Syncer) Pull(ctx context.Context, id string) (SyncResult, error) {
	if err := ValidateBoardID(id); err != nil {
		return SyncResult{}, err
	}
	unlock := s.locks.lock(id)
	defer unlock()

	res := SyncResult{Board: id, Strategy: s.strategy, Conflicts: []Conflict{}}
	err := func() error {
		local, err := loadOrNew(ctx, s.local, id)
		if err != nil {
			return fmt.Errorf("load local board: %w", err)
		}
		remote, err := s.remote.Pull(ctx, id)
		if err != nil {
			return err
		}
		if err := s.putBase(ctx, remote); err != nil {
			return err
		}
		if local.Equal(remote) {
			return nil
		}
		if err := s.local.Put(ctx, remote); err != nil {
			return fmt.Errorf("save local board: %w", err)
		}
		res.Changed = true
		return nil
	}()
	s.metrics.observe(s.strategy, err, 0)
	s.logResult(res, err)
	return res, err
}

// Push sends local edits made since the last agreed copy to the server and
// stores the server's result locally. force sends the whole board and
// bypasses manual reconciliation on the server.
func (s *Syncer) Push(ctx context.Context, id string, force bool) (SyncResult, error) {
	if err := ValidateBoardID(id); err != nil {
		return SyncResult{}, err
	}
	unlock := s.locks.lock(id)
	defer unlock()

	res := SyncResult{Board: id, Strategy: s.strategy, Conflicts: []Conflict{}}
	err := func() error {
		local, err := s.local.Get(ctx, id)
		if err != nil {
			return fmt.Errorf("load local board: %w", err)
		}
		outgoing := local
		if !force {
			base, err := s.base(ctx, id)
			if err != nil {
				return err
			}
			outgoing = Changes(local, base)
		}
		pushed, err := s.remote.Push(ctx, outgoing, force)
		if err != nil {
			return err
		}
		res.Pushed = true
		res.Conflicts = pushed.Conflicts
		// Keep local edits the server refused so they are not lost.
		if len(pushed.Conflicts) > 0 {
			return nil
		}
		if err := s.putBase(ctx, pushed.Board); err != nil {
			return err
		}
		if !local.Equal(pushed.Board) {
			if err := s.local.Put(ctx, pushed.Board); err != nil {
				return fmt.Errorf("save local board: %w", err)
			}
			res.Changed = true
		}
		return nil
	}()
	s.metrics.observe(s.strategy, err, len(res.Conflicts))
	s.logResult(res, err)
	return res, err
}

// NotifyChanged schedules an immediate push of a locally edited board. It
// never blocks; if the queue is full the next tick picks the change up.
func (s *Syncer) NotifyChanged(id string) {
	select {
	case s.changed <- id:
	default:
		s.logger.Debug().Str("board", id).Msg("change queue full, deferring to next sync")
	}
}

// Boards returns the configured boards plus any board stored locally.
func (s *Syncer) Boards(ctx context.Context) []string {
	ids := slices.Clone(s.boards)
	local, err := s.local.List(ctx)
	if err != nil {
		s.logger.Warn().Err(err).Msg("list local boards")
	}
	for _, id := range local {
		if !slices.Contains(ids, id) {
			ids = append(ids, id)
		}
	}
	return ids
}

// SyncAll syncs every board, continuing past failures.
func (s *Syncer) SyncAll(ctx context.Context) []SyncResult {
	var results []SyncResult
	for _, id := range s.Boards(ctx) {
		res, err := s.SyncBoard(ctx, id)
		if err != nil {
			continue
		}
		results = append(results, res)
	}
	return results
}

// Run syncs all boards on every interval and pushes boards passed to
// NotifyChanged. Under the manual strategy it returns immediately.
func (s *Syncer) Run(ctx context.Context) error {
	if s.strategy == Manual {
		s.logger.Info().Msg("manual kanban strategy, periodic sync disabled")
		return nil
	}

	s.SyncAll(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.SyncAll(ctx)
		case id := <-s.changed:
			if s.strategy == ServerPrimary {
				_, _ = s.Push(ctx, id, false)
			} else {
				_, _ = s.SyncBoard(ctx, id)
			}
		}
	}
}

func (s *Syncer) logResult(res SyncResult, err error) {
	if err != nil {
		s.logger.Error().Err(err).Str("board", res.Board).Str("strategy", string(res.Strategy)).Msg("kanban sync failed")
		return
	}
	event := s.logger.Debug()
	if len(res.Conflicts) > 0 {
		event = s.logger.Warn()
		for _, c := range res.Conflicts {
			s.logger.Warn().Str("board", res.Board).Str("item", c.ItemID).Str("reason", c.Reason).Msg("kanban conflict")
		}
	}
	event.
		Str("board", res.Board).
		Str("strategy", string(res.Strategy)).
		Bool("changed", res.Changed).
		Bool("pushed", res.Pushed).
		Int("conflicts", len(res.Conflicts)).
		Msg("kanban sync")
}

// appendConflicts adds conflicts for items not already reported.
func appendConflicts(dst, src []Conflict) []Conflict {
	for _, c := range src {
		if !slices.ContainsFunc(dst, func(d Conflict) bool { return d.ItemID == c.ItemID }) {
			dst = append(dst, c)
		}
	}
	return dst
}
