package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"fleetsync/services/kanban"
)

// kanbanEnv is the local store plus syncer used by kanban subcommands.
type kanbanEnv struct {
	store    *kanban.FileStore
	client   *kanban.Client
	syncer   *kanban.Syncer
	strategy kanban.Strategy
}

func (a *app) kanbanEnv() (*kanbanEnv, error) {
	strategy, err := kanban.ParseStrategy(a.cfg.KanbanClientStrategy)
	if err != nil {
		return nil, err
	}
	store, err := kanban.NewFileStore(a.cfg.KanbanDir)
	if err != nil {
		return nil, err
	}
	client, err := kanban.NewClient(kanban.ClientConfig{
		BaseURL:        a.cfg.KanbanURL,
		Token:          a.cfg.AuthToken,
		ConnectTimeout: a.cfg.ConnectTimeout,
		RequestTimeout: a.cfg.RequestTimeout,
		Attempts:       a.cfg.DeliveryRetries,
		RetryDelay:     a.cfg.RetryDelay,
	})
	if err != nil {
		return nil, err
	}
	syncer, err := kanban.NewSyncer(kanban.SyncerOptions{
		Local:    store,
		Remote:   client,
		Strategy: strategy,
		Boards:   a.cfg.KanbanBoards,
		Interval: a.cfg.KanbanSyncInterval,
		Logger:   a.logger,
	})
	if err != nil {
		return nil, err
	}
	return &kanbanEnv{store: store, client: client, syncer: syncer, strategy: strategy}, nil
}

func (a *app) newKanbanCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "kanban",
		Short: "Edit and synchronise kanban boards",
	}
	cmd.AddCommand(
		a.newKanbanListCommand(),
		a.newKanbanShowCommand(),
		a.newKanbanPullCommand(),
		a.newKanbanPushCommand(),
		a.newKanbanSyncCommand(),
		a.newKanbanRunCommand(),
		a.newKanbanAddCommand(),
		a.newKanbanMoveCommand(),
		a.newKanbanDeleteCommand(),
	)
	return cmd
}

func (a *app) newKanbanListCommand() *cobra.Command {
	var remote bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List boards in the local store (or on the server with --remote)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := a.kanbanEnv()
			if err != nil {
				return err
			}
			var ids []string
			if remote {
				ids, err = env.client.List(cmd.Context())
			} else {
				ids, err = env.store.List(cmd.Context())
			}
			if err != nil {
				return err
			}
			if a.jsonOutput {
				return a.printJSON(ids)
			}
			for _, id := range ids {
				fmt.Fprintln(a.out, id)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&remote, "remote", false, "List boards held by the server")
	return cmd
}

func (a *app) newKanbanShowCommand() *cobra.Command {
	var all bool

	cmd := &cobra.Command{
		Use:   "show <board>",
		Short: "Print the items of a local board",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := a.kanbanEnv()
			if err != nil {
				return err
			}
			board, err := loadBoard(cmd.Context(), env.store, args[0])
			if err != nil {
				return err
			}
			if a.jsonOutput {
				return a.printJSON(board)
			}
			items := board.Visible()
			if all {
				items = board.Items
			}
			return writeBoard(a.out, board.ID, items)
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "Include deleted items")
	return cmd
}

func (a *app) newKanbanPullCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "pull <board>",
		Short: "Replace the local board with the server copy",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := a.kanbanEnv()
			if err != nil {
				return err
			}
			res, err := env.syncer.Pull(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return a.printSync(res)
		},
	}
}

func (a *app) newKanbanPushCommand() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "push <board>",
		Short: "Send the local board to the server",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := a.kanbanEnv()
			if err != nil {
				return err
			}
			res, err := env.syncer.Push(cmd.Context(), args[0], force)
			if err != nil {
				return err
			}
			return a.printSync(res)
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "Overwrite the server copy, resolving manual conflicts in favour of this machine")
	return cmd
}

func (a *app) newKanbanSyncCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "sync [board...]",
		Short: "Reconcile boards with the server using the client strategy",
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := a.kanbanEnv()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			var results []kanban.SyncResult
			if len(args) == 0 {
				results = env.syncer.SyncAll(ctx)
			} else {
				for _, id := range args {
					res, err := env.syncer.SyncBoard(ctx, id)
					if err != nil {
						return fmt.Errorf("sync %s: %w", id, err)
					}
					results = append(results, res)
				}
			}
			if a.jsonOutput {
				return a.printJSON(results)
			}
			for _, res := range results {
				writeSyncResult(a.out, res)
			}
			return nil
		},
	}
}

func (a *app) newKanbanRunCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Keep boards in sync until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := a.kanbanEnv()
			if err != nil {
				return err
			}
			if env.strategy == kanban.Manual {
				return fmt.Errorf("client strategy is %s; use pull and push explicitly", kanban.Manual)
			}
			a.logger.Info().
				Str("strategy", string(env.strategy)).
				Str("server", a.cfg.KanbanURL).
				Dur("interval", a.cfg.KanbanSyncInterval).
				Msg("kanban sync running")

			ctx := cmd.Context()
			go func() {
				if err := env.store.Watch(ctx, env.syncer.NotifyChanged); err != nil {
					a.logger.Warn().Err(err).Str("dir", a.cfg.KanbanDir).Msg("board watch stopped, relying on periodic sync")
				}
			}()
			if err := env.syncer.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		},
	}
}

func (a *app) newKanbanAddCommand() *cobra.Command {
	var (
		status      string
		assignee    string
		description string
		noSync      bool
	)

	cmd := &cobra.Command{
		Use:   "add <board> <title>",
		Short: "Add an item to a board",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			item := kanban.Item{
				ID:          uuid.NewString(),
				Title:       args[1],
				Description: description,
				Status:      status,
				Assignee:    assignee,
			}
			return a.editBoard(cmd.Context(), args[0], noSync, func(b *kanban.Board, at time.Time, by string) error {
				item.Order = nextOrder(*b, status)
				item.UpdatedAt = at
				item.UpdatedBy = by
				b.Upsert(item)
				fmt.Fprintf(a.out, "added %s\n", item.ID)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "todo", "Column for the new item")
	cmd.Flags().StringVar(&assignee, "assignee", "", "Assignee")
	cmd.Flags().StringVar(&description, "description", "", "Longer description")
	cmd.Flags().BoolVar(&noSync, "no-sync", false, "Only change the local copy")
	return cmd
}

func (a *app) newKanbanMoveCommand() *cobra.Command {
	var noSync bool

	cmd := &cobra.Command{
		Use:   "move <board> <item> <status>",
		Short: "Move an item to another column",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.editBoard(cmd.Context(), args[0], noSync, func(b *kanban.Board, at time.Time, by string) error {
				return b.Move(args[1], args[2], at, by)
			})
		},
	}
	cmd.Flags().BoolVar(&noSync, "no-sync", false, "Only change the local copy")
	return cmd
}

func (a *app) newKanbanDeleteCommand() *cobra.Command {
	var noSync bool

	cmd := &cobra.Command{
		Use:   "delete <board> <item>",
		Short: "Delete an item",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.editBoard(cmd.Context(), args[0], noSync, func(b *kanban.Board, at time.Time, by string) error {
				return b.Delete(args[1], at, by)
			})
		},
	}
	cmd.Flags().BoolVar(&noSync, "no-sync", false, "Only change the local copy")
	return cmd
}

// editBoard applies edit to the local copy of a board, saves it and then
// propagates the change according to the client strategy.
func (a *app) editBoard(ctx context.Context, id string, noSync bool, edit func(b *kanban.Board, at time.Time, by string) error) error {
	env, err := a.kanbanEnv()
	if err != nil {
		return err
	}
	board, err := loadBoard(ctx, env.store, id)
	if err != nil {
		return err
	}
	if err := edit(&board, time.Now().UTC(), a.editor()); err != nil {
		return err
	}
	if err := env.store.Put(ctx, board); err != nil {
		return err
	}
	if noSync {
		return nil
	}

	var res kanban.SyncResult
	switch env.strategy {
	case kanban.ServerPrimary:
		res, err = env.syncer.Push(ctx, id, false)
	case kanban.LastWriteWins:
		res, err = env.syncer.SyncBoard(ctx, id)
	default:
		fmt.Fprintf(a.out, "saved locally; run `fleetctl kanban push %s` to publish\n", id)
		return nil
	}
	if err != nil {
		return fmt.Errorf("saved locally but sync failed: %w", err)
	}
	if len(res.Conflicts) > 0 {
		writeSyncResult(a.out, res)
	}
	return nil
}

func (a *app) editor() string {
	if a.cfg.HostnameOverride != "" {
		return a.cfg.HostnameOverride
	}
	host, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return host
}

func (a *app) printSync(res kanban.SyncResult) error {
	if a.jsonOutput {
		return a.printJSON(res)
	}
	writeSyncResult(a.out, res)
	return nil
}

func loadBoard(ctx context.Context, store kanban.BoardStore, id string) (kanban.Board, error) {
	if err := kanban.ValidateBoardID(id); err != nil {
		return kanban.Board{}, err
	}
	board, err := store.Get(ctx, id)
	if err == nil {
		return board, nil
	}
	if errors.Is(err, kanban.ErrBoardNotFound) {
		return kanban.NewBoard(id), nil
	}
	return kanban.Board{}, err
}

// nextOrder places a new item at the bottom of its column.
func nextOrder(b kanban.Board, status string) int {
	orders := []int{-1}
	for _, item := range b.Visible() {
		if item.Status == status {
			orders = append(orders, item.Order)
		}
	}
	return slices.Max(orders) + 1
}

func writeBoard(w io.Writer, id string, items []kanban.Item) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "board %s (%d items)\n", id, len(items))
	fmt.Fprintln(tw, "ID\tSTATUS\tTITLE\tASSIGNEE\tUPDATED\tBY")
	for _, item := range items {
		title := item.Title
		if item.Deleted {
			title += " (deleted)"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n", item.ID, item.Status, title, item.Assignee, item.UpdatedAt.Local().Format(time.DateTime), item.UpdatedBy)
	}
	return tw.Flush()
}

func writeSyncResult(w io.Writer, res kanban.SyncResult) {
	state := "unchanged"
	switch {
	case res.Pushed && res.Changed:
		state = "pushed, local updated"
	case res.Pushed:
		state = "pushed"
	case res.Changed:
		state = "local updated"
	}
	fmt.Fprintf(w, "%s [%s]: %s\n", res.Board, res.Strategy, state)
	for _, c := range res.Conflicts {
		fmt.Fprintf(w, "  conflict %s: %s\n", c.ItemID, c.Reason)
	}
}
