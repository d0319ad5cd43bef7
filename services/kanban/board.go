package kanban

import (
	"errors"
	"fmt"
	"regexp"
	"slices"
	"time"
)

var (
	// ErrBoardNotFound is returned by stores for unknown board ids.
	ErrBoardNotFound = errors.New("board not found")
	// ErrItemNotFound is returned when editing an item that does not exist.
	ErrItemNotFound = errors.New("item not found")
	// ErrInvalidBoardID rejects ids that are unsafe as keys or file names.
	ErrInvalidBoardID = errors.New("invalid board id")
)

var boardIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,63}$`)

// ValidateBoardID checks that id is usable as a storage key and file name.
func ValidateBoardID(id string) error {
	if !boardIDPattern.MatchString(id) {
		return fmt.Errorf("%w: %q", ErrInvalidBoardID, id)
	}
	return nil
}

// Item is one card on a board. Deleted items are tombstones: they stay in the
// board so that deletions win over older copies during merges.
type Item struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"`
	Status      string    `json:"status"`
	Assignee    string    `json:"assignee,omitempty"`
	Order       int       `json:"order"`
	UpdatedAt   time.Time `json:"updated_at"`
	UpdatedBy   string    `json:"updated_by,omitempty"`
	Deleted     bool      `json:"deleted,omitempty"`
}

// Equal compares items field by field, using time.Equal for UpdatedAt.
func (i Item) Equal(o Item) bool {
	if !i.UpdatedAt.Equal(o.UpdatedAt) {
		return false
	}
	i.UpdatedAt, o.UpdatedAt = time.Time{}, time.Time{}
	return i == o
}

// Board is an ordered list of items.
type Board struct {
	ID        string    `json:"id"`
	Items     []Item    `json:"items"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewBoard returns an empty board.
func NewBoard(id string) Board {
	return Board{ID: id, Items: []Item{}}
}

// Clone returns a deep copy of b.
func (b Board) Clone() Board {
	out := b
	out.Items = slices.Clone(b.Items)
	if out.Items == nil {
		out.Items = []Item{}
	}
	return out
}

// Equal reports whether two boards hold the same items in the same order.
func (b Board) Equal(o Board) bool {
	if b.ID != o.ID || len(b.Items) != len(o.Items) {
		return false
	}
	for i := range b.Items {
		if !b.Items[i].Equal(o.Items[i]) {
			return false
		}
	}
	return true
}

// Visible returns the non-deleted items.
func (b Board) Visible() []Item {
	out := make([]Item, 0, len(b.Items))
	for _, item := range b.Items {
		if !item.Deleted {
			out = append(out, item)
		}
	}
	return out
}

// Find returns the item with id and its index, or -1.
func (b Board) Find(id string) (Item, int) {
	for i, item := range b.Items {
		if item.ID == id {
			return item, i
		}
	}
	return Item{}, -1
}

// Upsert replaces the item with the same id or appends it.
func (b *Board) Upsert(item Item) {
	if _, i := b.Find(item.ID); i >= 0 {
		b.Items[i] = item
	} else {
		b.Items = append(b.Items, item)
	}
	b.touch()
}

// Delete marks an item as a tombstone.
func (b *Board) Delete(id string, at time.Time, by string) error {
	item, i := b.Find(id)
	if i < 0 || item.Deleted {
		return fmt.Errorf("%w: %s", ErrItemNotFound, id)
	}
	item.Deleted = true
	item.UpdatedAt = at.UTC()
	item.UpdatedBy = by
	b.Items[i] = item
	b.touch()
	return nil
}

// Move changes an item's status column.
func (b *Board) Move(id, status string, at time.Time, by string) error {
	item, i := b.Find(id)
	if i < 0 || item.Deleted {
		return fmt.Errorf("%w: %s", ErrItemNotFound, id)
	}
	item.Status = status
	item.UpdatedAt = at.UTC()
	item.UpdatedBy = by
	b.Items[i] = item
	b.touch()
	return nil
}

// touch sets UpdatedAt to the newest item timestamp.
func (b *Board) touch() {
	for _, item := range b.Items {
		if item.UpdatedAt.After(b.UpdatedAt) {
			b.UpdatedAt = item.UpdatedAt
		}
	}
}
