package kanban

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/fsnotify/fsnotify"
)

// baseDir holds the last server-agreed copy of each board. It is a dot
// directory so List and Watch skip it.
const baseDir = ".base"

// FileStore keeps each board as <dir>/<id>.json. Writes go through a temp
// file and rename so readers never see a partial board.
type FileStore struct {
	dir string
}

// NewFileStore returns a store rooted at dir, creating it if needed.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(filepath.Join(dir, baseDir), 0o700); err != nil {
		return nil, fmt.Errorf("create kanban dir: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

func (s *FileStore) path(id string) string {
	return filepath.Join(s.dir, id+".json")
}

func (s *FileStore) basePath(id string) string {
	return filepath.Join(s.dir, baseDir, id+".json")
}

func (s *FileStore) Get(_ context.Context, id string) (Board, error) {
	if err := ValidateBoardID(id); err != nil {
		return Board{}, err
	}
	return readBoard(s.path(id), id)
}

func (s *FileStore) Put(_ context.Context, board Board) error {
	if err := ValidateBoardID(board.ID); err != nil {
		return err
	}
	return writeBoard(s.dir, s.path(board.ID), board)
}

func (s *FileStore) GetBase(_ context.Context, id string) (Board, error) {
	if err := ValidateBoardID(id); err != nil {
		return Board{}, err
	}
	return readBoard(s.basePath(id), id)
}

func (s *FileStore) PutBase(_ context.Context, board Board) error {
	if err := ValidateBoardID(board.ID); err != nil {
		return err
	}
	return writeBoard(filepath.Join(s.dir, baseDir), s.basePath(board.ID), board)
}

func (s *FileStore) List(context.Context) ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, err
	}
	ids := []string{}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if id, ok := boardFileID(entry.Name()); ok {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// Watch calls changed with the board id whenever a board file in the store
// is written, created or renamed into place, until ctx is cancelled. Writes
// made by Put are reported too.
func (s *FileStore) Watch(ctx context.Context, changed func(id string)) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("watch kanban dir: %w", err)
	}
	defer w.Close()
	if err := w.Add(s.dir); err != nil {
		return fmt.Errorf("watch kanban dir: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			return fmt.Errorf("watch kanban dir: %w", err)
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
				continue
			}
			if id, ok := boardFileID(filepath.Base(ev.Name)); ok {
				changed(id)
			}
		}
	}
}

func (s *FileStore) Close() error { return nil }

// boardFileID maps "<id>.json" to id, rejecting temp and hidden files.
func boardFileID(name string) (string, bool) {
	if strings.HasPrefix(name, ".") || !strings.HasSuffix(name, ".json") {
		return "", false
	}
	id := strings.TrimSuffix(name, ".json")
	if ValidateBoardID(id) != nil {
		return "", false
	}
	return id, true
}

func readBoard(path, id string) (Board, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Board{}, ErrBoardNotFound
		}
		return Board{}, err
	}
	var b Board
	if err := json.Unmarshal(data, &b); err != nil {
		return Board{}, fmt.Errorf("decode board %s: %w", id, err)
	}
	if b.ID == "" {
		b.ID = id
	}
	if b.Items == nil {
		b.Items = []Item{}
	}
	return b, nil
}

func writeBoard(dir, path string, board Board) error {
	data, err := json.MarshalIndent(board, "", "  ")
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, "."+board.ID+".json.tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(append(data, '\n')); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
