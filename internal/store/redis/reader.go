package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	goredis "github.com/go-redis/redis/v8"

	"pivot-signals/internal/model"
)

// Load returns the encoded state record, or nil, nil if the key is absent.
func (s *Store) Load(ctx context.Context) ([]byte, error) {
	var data []byte
	err := s.cb.Execute(func() error {
		b, err := s.client.Get(ctx, s.cfg.StateKey).Bytes()
		if errors.Is(err, goredis.Nil) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("redis GET %s: %w", s.cfg.StateKey, err)
		}
		data = b
		return nil
	})
	return data, err
}

// LatestLevels returns the cached level set of session, or nil, nil if
// none is cached.
func (s *Store) LatestLevels(ctx context.Context, session model.Session) (*model.LevelSet, error) {
	key := levelsKey(session)
	b, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis GET %s: %w", key, err)
	}
	var set model.LevelSet
	if err := json.Unmarshal(b, &set); err != nil {
		return nil, fmt.Errorf("decode %s: %w", key, err)
	}
	return &set, nil
}

// LatestSignal returns the raw JSON of the last published signal, or nil if
// none is cached.
func (s *Store) LatestSignal(ctx context.Context) ([]byte, error) {
	b, err := s.client.Get(ctx, s.latestKey).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis GET %s: %w", s.latestKey, err)
	}
	return b, nil
}
