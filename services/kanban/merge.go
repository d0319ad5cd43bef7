package kanban

import (
	"fmt"
	"strings"
)

// Strategy selects how two copies of a board are reconciled.
type Strategy string

const (
	// ServerPrimary treats the server copy as authoritative.
	ServerPrimary Strategy = "server_primary"
	// LastWriteWins keeps, per item, the copy with the later UpdatedAt.
	LastWriteWins Strategy = "last_write_wins"
	// Manual only reconciles on explicit commands and reports differences.
	Manual Strategy = "manual"
)

// ParseStrategy normalises a configured strategy name. Empty means
// ServerPrimary.
func ParseStrategy(raw string) (Strategy, error) {
	switch s := Strategy(strings.ToLower(strings.TrimSpace(raw))); s {
	case "":
		return ServerPrimary, nil
	case ServerPrimary, LastWriteWins, Manual:
		return s, nil
	default:
		return "", fmt.Errorf("unknown kanban strategy %q", raw)
	}
}

// Conflict reports an item that could not be reconciled automatically.
type Conflict struct {
	ItemID string `json:"item_id"`
	Reason string `json:"reason"`
	Local  Item   `json:"local"`
	Remote Item   `json:"remote"`
}

const (
	reasonTimestampTie = "timestamp_tie"
	reasonDiverged     = "diverged"
)

// MergeResult is the outcome of reconciling a board against another copy.
type MergeResult struct {
	Board     Board      `json:"board"`
	Conflicts []Conflict `json:"conflicts"`
	// Changed is true when Board differs from the local (first) input.
	Changed bool `json:"changed"`
}

// Merge reconciles local and remote per item: the later UpdatedAt wins,
// tombstones included. Items with equal timestamps but different content are
// reported as conflicts and the local copy is kept. Local order is preserved
// and remote-only items are appended in remote order.
func Merge(local, remote Board) MergeResult {
	return combine(local, remote, func(l, r Item) (Item, *Conflict) {
		switch {
		case r.UpdatedAt.After(l.UpdatedAt):
			return r, nil
		case l.UpdatedAt.After(r.UpdatedAt):
			return l, nil
		default:
			return l, &Conflict{ItemID: l.ID, Reason: reasonTimestampTie, Local: l, Remote: r}
		}
	})
}

// Apply replaces server items with pushed items by id, appending new ids.
// A stored tombstone newer than the pushed copy is kept so a stale peer
// cannot revive a deleted item. It never reports conflicts.
func Apply(server, pushed Board) MergeResult {
	return combine(server, pushed, func(s, p Item) (Item, *Conflict) {
		if s.Deleted && s.UpdatedAt.After(p.UpdatedAt) {
			return s, nil
		}
		return p, nil
	})
}

// Changes returns the items of local that are new or differ from base, the
// last copy agreed with the server.
func Changes(local, base Board) Board {
	out := Board{ID: local.ID, Items: []Item{}, UpdatedAt: local.UpdatedAt}
	for _, item := range local.Items {
		if prev, i := base.Find(item.ID); i >= 0 && prev.Equal(item) {
			continue
		}
		out.Items = append(out.Items, item)
	}
	return out
}

// Reconcile brings local in line with remote under strategy.
func Reconcile(local, remote Board, strategy Strategy) MergeResult {
	switch strategy {
	case LastWriteWins:
		return Merge(local, remote)
	case Manual:
		return combine(local, remote, func(l, r Item) (Item, *Conflict) {
			return l, &Conflict{ItemID: l.ID, Reason: reasonDiverged, Local: l, Remote: r}
		})
	default:
		out := remote.Clone()
		if out.ID == "" {
			out.ID = local.ID
		}
		return MergeResult{Board: out, Conflicts: []Conflict{}, Changed: !local.Equal(out)}
	}
}

// combine walks both boards by item id. resolve is only called for ids present
// in both copies whose content differs.
func combine(local, remote Board, resolve func(l, r Item) (Item, *Conflict)) MergeResult {
	out := Board{ID: local.ID, Items: make([]Item, 0, len(local.Items)+len(remote.Items)), UpdatedAt: local.UpdatedAt}
	if out.ID == "" {
		out.ID = remote.ID
	}
	conflicts := []Conflict{}

	remoteIdx := make(map[string]int, len(remote.Items))
	for i, item := range remote.Items {
		remoteIdx[item.ID] = i
	}
	seen := make(map[string]struct{}, len(local.Items))

	for _, l := range local.Items {
		seen[l.ID] = struct{}{}
		i, ok := remoteIdx[l.ID]
		if !ok || l.Equal(remote.Items[i]) {
			out.Items = append(out.Items, l)
			continue
		}
		winner, conflict := resolve(l, remote.Items[i])
		if conflict != nil {
			conflicts = append(conflicts, *conflict)
		}
		out.Items = append(out.Items, winner)
	}
	for _, r := range remote.Items {
		if _, ok := seen[r.ID]; ok {
			continue
		}
		seen[r.ID] = struct{}{}
		out.Items = append(out.Items, r)
	}

	if remote.UpdatedAt.After(out.UpdatedAt) {
		out.UpdatedAt = remote.UpdatedAt
	}
	out.touch()

	return MergeResult{Board: out, Conflicts: conflicts, Changed: !local.Equal(out)}
}
