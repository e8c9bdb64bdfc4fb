package jsonfile

import (
	"context"
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"sipkit/adapters/memory"
	"sipkit/core"
)

// Store keeps everything in memory and rewrites a single JSON file after every
// write. Suitable for demos and small deployments.
type Store struct {
	*memory.Store
	path string
	mu   sync.Mutex
}

func New(path string) (*Store, error) {
	s := &Store{Store: memory.New(), path: path}
	if err := s.load(); err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
	}
	return s, nil
}

func (s *Store) load() error {
	b, err := os.ReadFile(s.path)
	if err != nil {
		return err
	}
	var snap memory.Snapshot
	if err := json.Unmarshal(b, &snap); err != nil {
		return err
	}
	s.Store.Restore(snap)
	return nil
}

func (s *Store) persist() error {
	tmp := s.path + ".tmp"
	b, err := json.MarshalIndent(s.Store.Snapshot(), "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return err
	}
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return err
	}
	return core.Persistence("write snapshot", os.Rename(tmp, s.path))
}

// write applies fn and persists the result while holding the file lock.
func (s *Store) write(op string, fn func() error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := fn(); err != nil {
		return err
	}
	return core.Persistence(op, s.persist())
}

func (s *Store) SaveProfile(ctx context.Context, p core.Profile) error {
	return s.write("save profile", func() error { return s.Store.SaveProfile(ctx, p) })
}

func (s *Store) SaveSession(ctx context.Context, sess core.Session) error {
	return s.write("save session", func() error { return s.Store.SaveSession(ctx, sess) })
}

func (s *Store) SaveBadge(ctx context.Context, b core.Badge) error {
	return s.write("save badge", func() error { return s.Store.SaveBadge(ctx, b) })
}

func (s *Store) LogDrink(ctx context.Context, d core.DrinkEntry) (core.DrinkEntry, error) {
	var out core.DrinkEntry
	err := s.write("log drink", func() error {
		var err error
		out, err = s.Store.LogDrink(ctx, d)
		return err
	})
	return out, err
}

func (s *Store) UpsertProgress(ctx context.Context, p core.BadgeProgress) error {
	return s.write("upsert progress", func() error { return s.Store.UpsertProgress(ctx, p) })
}

// AwardIfAbsent only rewrites the file when an award was created. An award
// the file could not record is taken back, so a retry creates it again.
func (s *Store) AwardIfAbsent(ctx context.Context, req core.AwardRequest) (core.AwardResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.Store.AwardIfAbsent(ctx, req)
	if err != nil || !res.Created {
		return res, err
	}
	if err := s.persist(); err != nil {
		s.Store.RevokeAward(req, res.UserBadgeID)
		return core.AwardResult{}, core.Persistence("award if absent", err)
	}
	return res, nil
}
