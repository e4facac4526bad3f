// Package store implements the shared TTL key-value store and the durable
// profile store on top of Badger. TTL entries expire server-side, so an
// expired key reads as absent without an explicit delete.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"

	"github.com/relaymesh/delivery-core/internal/domain"
)

const profilePrefix = "profile:"

// Badger wraps a badger DB as both port.SharedStore and port.ProfileStore.
type Badger struct {
	db     *badger.DB
	logger *zap.Logger
}

// Open opens (or creates) the database at dir.
func Open(dir string, logger *zap.Logger) (*Badger, error) {
	opts := badger.DefaultOptions(dir)
	opts.Logger = nil // badger's own logger is too chatty; we log errors ourselves

	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}
	return &Badger{db: db, logger: logger}, nil
}

// OpenInMemory opens an ephemeral database, used by tests.
func OpenInMemory(logger *zap.Logger) (*Badger, error) {
	opts := badger.DefaultOptions("").WithInMemory(true)
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}
	return &Badger{db: db, logger: logger}, nil
}

// Close releases the underlying database.
func (b *Badger) Close() error {
	return b.db.Close()
}

// ============================================================
// SharedStore
// ============================================================

// Get returns the value for key, or found=false if absent or expired.
func (b *Badger) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var value []byte
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		value, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return value, true, nil
}

// Set stores value under key. A ttl of zero means no expiry.
func (b *Badger) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return b.db.Update(func(txn *badger.Txn) error {
		entry := badger.NewEntry([]byte(key), value)
		if ttl > 0 {
			entry = entry.WithTTL(ttl)
		}
		return txn.SetEntry(entry)
	})
}

// Delete removes key. Deleting an absent key is not an error.
func (b *Badger) Delete(ctx context.Context, key string) error {
	return b.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(key))
	})
}

// Incr atomically increments the counter at key, creating it with the TTL if
// absent. The counter keeps the TTL set at creation so calendar-period
// counters roll over naturally.
func (b *Badger) Incr(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	var next int64
	err := retryOnConflict(func() error {
		return b.db.Update(func(txn *badger.Txn) error {
			var current int64
			var remaining time.Duration = ttl

			item, err := txn.Get([]byte(key))
			switch {
			case errors.Is(err, badger.ErrKeyNotFound):
				// first increment, fall through with current=0
			case err != nil:
				return err
			default:
				raw, err := item.ValueCopy(nil)
				if err != nil {
					return err
				}
				current, _ = strconv.ParseInt(string(raw), 10, 64)
				if exp := item.ExpiresAt(); exp > 0 {
					remaining = time.Until(time.Unix(int64(exp), 0))
				}
			}

			next = current + 1
			entry := badger.NewEntry([]byte(key), []byte(strconv.FormatInt(next, 10)))
			if remaining > 0 {
				entry = entry.WithTTL(remaining)
			}
			return txn.SetEntry(entry)
		})
	})
	return next, err
}

// GetCounter reads the counter at key; absent or expired reads as zero.
func (b *Badger) GetCounter(ctx context.Context, key string) (int64, error) {
	raw, found, err := b.Get(ctx, key)
	if err != nil || !found {
		return 0, err
	}
	n, _ := strconv.ParseInt(string(raw), 10, 64)
	return n, nil
}

// AppendList appends value to the JSON list at key, rotating out the oldest
// entries past max. The whole list shares one TTL, refreshed on append.
func (b *Badger) AppendList(ctx context.Context, key string, value []byte, max int, ttl time.Duration) error {
	return retryOnConflict(func() error {
		return b.db.Update(func(txn *badger.Txn) error {
			var list []json.RawMessage

			item, err := txn.Get([]byte(key))
			if err == nil {
				raw, err := item.ValueCopy(nil)
				if err != nil {
					return err
				}
				if err := json.Unmarshal(raw, &list); err != nil {
					b.logger.Warn("discarding corrupt list entry", zap.String("key", key), zap.Error(err))
					list = nil
				}
			} else if !errors.Is(err, badger.ErrKeyNotFound) {
				return err
			}

			list = append(list, json.RawMessage(value))
			if max > 0 && len(list) > max {
				list = list[len(list)-max:]
			}

			raw, err := json.Marshal(list)
			if err != nil {
				return err
			}
			entry := badger.NewEntry([]byte(key), raw)
			if ttl > 0 {
				entry = entry.WithTTL(ttl)
			}
			return txn.SetEntry(entry)
		})
	})
}

// GetList returns the JSON list at key, oldest first. Absent reads as empty.
func (b *Badger) GetList(ctx context.Context, key string) ([][]byte, error) {
	raw, found, err := b.Get(ctx, key)
	if err != nil || !found {
		return nil, err
	}

	var list []json.RawMessage
	if err := json.Unmarshal(raw, &list); err != nil {
		return nil, err
	}

	out := make([][]byte, len(list))
	for i, v := range list {
		out[i] = []byte(v)
	}
	return out, nil
}

// ============================================================
// ProfileStore
// ============================================================

// GetProfile loads a user engagement profile.
// Returns domain.ErrNotFound when the user has no profile yet.
func (b *Badger) GetProfile(ctx context.Context, userID string) (*domain.UserEngagementProfile, error) {
	raw, found, err := b.Get(ctx, profilePrefix+userID)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, &domain.ErrNotFound{Resource: "engagement profile", ID: userID}
	}

	var profile domain.UserEngagementProfile
	if err := json.Unmarshal(raw, &profile); err != nil {
		return nil, err
	}
	return &profile, nil
}

// SaveProfile upserts a user engagement profile. Profiles are durable (no TTL).
func (b *Badger) SaveProfile(ctx context.Context, profile *domain.UserEngagementProfile) error {
	raw, err := json.Marshal(profile)
	if err != nil {
		return err
	}
	return b.Set(ctx, profilePrefix+profile.UserID, raw, 0)
}

// retryOnConflict retries a badger transaction a few times on write conflict.
func retryOnConflict(fn func() error) error {
	var err error
	for i := 0; i < 3; i++ {
		err = fn()
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
	}
	return err
}
