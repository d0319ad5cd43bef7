package kanban

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"strings"

	badger "github.com/dgraph-io/badger/v4"
)

const boardKeyPrefix = "board:"

// BadgerStore keeps boards in a badger database as JSON values under
// board:<id> keys.
type BadgerStore struct {
	db *badger.DB
}

// OpenBadgerStore opens (or creates) a store at path.
func OpenBadgerStore(path string) (*BadgerStore, error) {
	opts := badger.DefaultOptions(filepath.Clean(path))
	opts.Logger = nil
	opts = opts.WithValueLogFileSize(1 << 20)
	return openBadger(opts)
}

// OpenInMemoryBadgerStore opens a non-persistent store.
func OpenInMemoryBadgerStore() (*BadgerStore, error) {
	opts := badger.DefaultOptions("").WithInMemory(true)
	opts.Logger = nil
	return openBadger(opts)
}

func openBadger(opts badger.Options) (*BadgerStore, error) {
	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}
	return &BadgerStore{db: db}, nil
}

func boardKey(id string) []byte {
	return []byte(boardKeyPrefix + id)
}

func (s *BadgerStore) Get(_ context.Context, id string) (Board, error) {
	var out Board
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(boardKey(id))
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return ErrBoardNotFound
			}
			return err
		}
		return item.Value(func(v []byte) error {
			return json.Unmarshal(v, &out)
		})
	})
	if err != nil {
		return Board{}, err
	}
	if out.Items == nil {
		out.Items = []Item{}
	}
	return out, nil
}

func (s *BadgerStore) Put(_ context.Context, board Board) error {
	if err := ValidateBoardID(board.ID); err != nil {
		return err
	}
	data, err := json.Marshal(board)
	if err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(boardKey(board.ID), data)
	})
}

func (s *BadgerStore) List(context.Context) ([]string, error) {
	var ids []string
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(boardKeyPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			ids = append(ids, strings.TrimPrefix(string(it.Item().Key()), boardKeyPrefix))
		}
		return nil
	})
	if ids == nil {
		ids = []string{}
	}
	return ids, err
}

func (s *BadgerStore) Close() error {
	return s.db.Close()
}
