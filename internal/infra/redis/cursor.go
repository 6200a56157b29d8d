package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/vietddude/crosslane/internal/core/domain"
	"github.com/vietddude/crosslane/internal/infra/storage"
)

// CursorStore implements storage.CursorRepository with one JSON value per
// consumer.
type CursorStore struct {
	rdb    *redis.Client
	prefix string
}

// NewCursorStore creates a redis-backed cursor repository.
func NewCursorStore(client *Client) *CursorStore {
	return &CursorStore{rdb: client.rdb, prefix: client.prefix}
}

// Get loads a consumer's cursor.
func (s *CursorStore) Get(ctx context.Context, consumer string) (*domain.Cursor, error) {
	data, err := s.rdb.Get(ctx, cursorKey(s.prefix, consumer)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, storage.ErrCursorNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get cursor: %w", err)
	}

	var c domain.Cursor
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("failed to unmarshal cursor: %w", err)
	}
	return &c, nil
}

// Save stores the whole cursor.
func (s *CursorStore) Save(ctx context.Context, cursor *domain.Cursor) error {
	data, err := json.Marshal(cursor)
	if err != nil {
		return fmt.Errorf("failed to marshal cursor: %w", err)
	}
	if err := s.rdb.Set(ctx, cursorKey(s.prefix, cursor.Consumer), data, 0).Err(); err != nil {
		return fmt.Errorf("failed to set cursor: %w", err)
	}
	return nil
}

// UpdateOffset moves the cursor.
func (s *CursorStore) UpdateOffset(ctx context.Context, consumer string, offset uint64) error {
	return s.update(ctx, consumer, func(c *domain.Cursor) { c.Offset = offset })
}

// UpdateState changes the cursor state.
func (s *CursorStore) UpdateState(ctx context.Context, consumer string, state domain.CursorState) error {
	return s.update(ctx, consumer, func(c *domain.Cursor) { c.State = state })
}

// update applies fn under WATCH so concurrent writers retry instead of
// overwriting each other.
func (s *CursorStore) update(ctx context.Context, consumer string, fn func(*domain.Cursor)) error {
	key := cursorKey(s.prefix, consumer)

	txf := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return storage.ErrCursorNotFound
		}
		if err != nil {
			return err
		}
		var c domain.Cursor
		if err := json.Unmarshal(data, &c); err != nil {
			return fmt.Errorf("failed to unmarshal cursor: %w", err)
		}
		fn(&c)
		c.UpdatedAt = time.Now()
		next, err := json.Marshal(&c)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, next, 0)
			return nil
		})
		return err
	}

	for range 3 {
		err := s.rdb.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return fmt.Errorf("cursor %s: too many concurrent updates", consumer)
}
