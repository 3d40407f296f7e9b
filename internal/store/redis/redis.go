// Package redis implements store.Store on Redis. Sessions and users are
// hashes; a per-user sorted set scored by creation time (unix ms)
// indexes every live session, backing both the sliding-window count
// behind rate limiting and bulk per-user deletion.
package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/clscloud/miniauth/internal/clock"
	"github.com/clscloud/miniauth/internal/models"
	"github.com/clscloud/miniauth/internal/retry"
	"github.com/clscloud/miniauth/internal/store"
)

// Operation names understood by the retry fault injector.
const (
	OpFindUserByEmail = "find_user_by_email"
	OpFindUserByID    = "find_user_by_id"
	OpPutUser         = "put_user"
	OpCreateSession   = "create_session"
	OpFindSession     = "find_session"
	OpUpdateSession   = "update_session"
	OpDeleteSession   = "delete_session"
	OpCountRecent     = "count_recent"
	OpDeleteAll       = "delete_all_sessions"
	OpFindCount       = "find_count"
	OpIncrementCount  = "increment_count"
)

// Conf contains Redis configuration fields.
type Conf struct {
	Host      string        `json:"host"`
	Port      int           `json:"port"`
	Username  string        `json:"username"`
	Password  string        `json:"password"`
	DB        int           `json:"db"`
	Timeout   time.Duration `json:"timeout"`
	KeyPrefix string        `json:"key_prefix"`
}

// Store is the Redis implementation of store.Store. Every operation
// runs through the retry wrapper; the optional fault injector simulates
// flaky storage for tests and debug environments.
type Store struct {
	client *redis.Client
	conf   Conf
	clock  clock.Clock
	faults *retry.Faults
}

var _ store.Store = (*Store)(nil)

// New returns a Redis-backed store. faults may be nil.
func New(c Conf, cl clock.Clock, faults *retry.Faults) *Store {
	if c.KeyPrefix == "" {
		c.KeyPrefix = "miniauth"
	}

	client := redis.NewClient(&redis.Options{
		Addr:         fmt.Sprintf("%s:%d", c.Host, c.Port),
		Username:     c.Username,
		Password:     c.Password,
		DB:           c.DB,
		DialTimeout:  c.Timeout,
		ReadTimeout:  c.Timeout,
		WriteTimeout: c.Timeout,
	})

	return &Store{
		client: client,
		conf:   c,
		clock:  cl,
		faults: faults,
	}
}

// Ping checks if the Redis server is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// UserByEmail looks up a user through the e-mail index.
func (s *Store) UserByEmail(ctx context.Context, email string) (models.User, error) {
	out, err := retry.Do(ctx, func(ctx context.Context) (models.User, error) {
		if err := s.faults.Take(OpFindUserByEmail); err != nil {
			return models.User{}, err
		}

		id, err := s.client.Get(ctx, s.key("user_email", email)).Result()
		if err == redis.Nil {
			return models.User{}, nil
		} else if err != nil {
			return models.User{}, err
		}

		return s.getUser(ctx, id)
	})
	if err != nil {
		return models.User{}, err
	}
	if out.ID == "" {
		return models.User{}, store.ErrNotExist
	}

	return out, nil
}

// UserByID looks up a user by ID.
func (s *Store) UserByID(ctx context.Context, id string) (models.User, error) {
	out, err := retry.Do(ctx, func(ctx context.Context) (models.User, error) {
		if err := s.faults.Take(OpFindUserByID); err != nil {
			return models.User{}, err
		}
		return s.getUser(ctx, id)
	})
	if err != nil {
		return models.User{}, err
	}
	if out.ID == "" {
		return models.User{}, store.ErrNotExist
	}

	return out, nil
}

// PutUser writes the user hash and its e-mail index entry.
func (s *Store) PutUser(ctx context.Context, u models.User) error {
	_, err := retry.Do(ctx, func(ctx context.Context) (bool, error) {
		if err := s.faults.Take(OpPutUser); err != nil {
			return false, err
		}

		pipe := s.client.TxPipeline()
		pipe.HMSet(ctx, s.key("user", u.ID), "id", u.ID, "email", u.Email)
		pipe.Set(ctx, s.key("user_email", u.Email), u.ID, 0)
		_, err := pipe.Exec(ctx)
		return err == nil, err
	})
	return err
}

// CreateSession writes the session hash and indexes it in the owner's
// sorted set, scored by creation time.
func (s *Store) CreateSession(ctx context.Context, sess models.Session) error {
	_, err := retry.Do(ctx, func(ctx context.Context) (bool, error) {
		if err := s.faults.Take(OpCreateSession); err != nil {
			return false, err
		}

		pipe := s.client.TxPipeline()
		pipe.HMSet(ctx, s.key("session", sess.ID),
			"id", sess.ID,
			"user_id", sess.UserID,
			"email", sess.Email,
			"token", sess.Token,
			"signed_in", sess.SignedIn,
			"attempt_count", sess.AttemptCount,
			"created_at", sess.CreatedAt,
			"updated_at", sess.UpdatedAt,
			"expires_at", sess.ExpiresAt)
		pipe.ZAdd(ctx, s.key("user_sessions", sess.Email), redis.Z{
			Score:  float64(sess.CreatedAt),
			Member: sess.ID,
		})
		_, err := pipe.Exec(ctx)
		return err == nil, err
	})
	return err
}

// SessionByID looks up a session by ID.
func (s *Store) SessionByID(ctx context.Context, id string) (models.Session, error) {
	out, err := retry.Do(ctx, func(ctx context.Context) (models.Session, error) {
		if err := s.faults.Take(OpFindSession); err != nil {
			return models.Session{}, err
		}

		var sess models.Session
		if err := s.client.HGetAll(ctx, s.key("session", id)).Scan(&sess); err != nil {
			return models.Session{}, err
		}
		return sess, nil
	})
	if err != nil {
		return models.Session{}, err
	}
	if out.ID == "" {
		return models.Session{}, store.ErrNotExist
	}

	return out, nil
}

// UpdateSession applies the non-nil patch fields to an existing
// session. The session stays in the owner's index for its whole
// lifetime; the window count filters on signed_in instead.
func (s *Store) UpdateSession(ctx context.Context, id string, patch models.SessionPatch) error {
	found, err := retry.Do(ctx, func(ctx context.Context) (bool, error) {
		if err := s.faults.Take(OpUpdateSession); err != nil {
			return false, err
		}

		key := s.key("session", id)
		n, err := s.client.Exists(ctx, key).Result()
		if err != nil {
			return false, err
		}
		if n == 0 {
			return false, nil
		}

		vals := make([]interface{}, 0, 10)
		if patch.Token != nil {
			vals = append(vals, "token", *patch.Token)
		}
		if patch.SignedIn != nil {
			vals = append(vals, "signed_in", *patch.SignedIn)
		}
		if patch.AttemptCount != nil {
			vals = append(vals, "attempt_count", *patch.AttemptCount)
		}
		if patch.ExpiresAt != nil {
			vals = append(vals, "expires_at", *patch.ExpiresAt)
		}
		if patch.UpdatedAt != nil {
			vals = append(vals, "updated_at", *patch.UpdatedAt)
		}
		if len(vals) > 0 {
			if err := s.client.HMSet(ctx, key, vals...).Err(); err != nil {
				return false, err
			}
		}

		return true, nil
	})
	if err != nil {
		return err
	}
	if !found {
		return store.ErrNotExist
	}

	return nil
}

// DeleteSession removes a session and its index entry. Deleting an
// absent session is a no-op.
func (s *Store) DeleteSession(ctx context.Context, id string) error {
	_, err := retry.Do(ctx, func(ctx context.Context) (bool, error) {
		if err := s.faults.Take(OpDeleteSession); err != nil {
			return false, err
		}

		key := s.key("session", id)
		email, err := s.client.HGet(ctx, key, "email").Result()
		if err == redis.Nil {
			return false, nil
		} else if err != nil {
			return false, err
		}

		pipe := s.client.TxPipeline()
		pipe.Del(ctx, key)
		pipe.ZRem(ctx, s.key("user_sessions", email), id)
		_, err = pipe.Exec(ctx)
		return err == nil, err
	})
	return err
}

// CountRecentUnsigned counts not-signed-in sessions created for the
// e-mail within the trailing window. The index holds every live
// session, so candidates in the window are filtered on signed_in.
func (s *Store) CountRecentUnsigned(ctx context.Context, email string, window time.Duration) (int, error) {
	return retry.Do(ctx, func(ctx context.Context) (int, error) {
		if err := s.faults.Take(OpCountRecent); err != nil {
			return 0, err
		}

		var (
			key = s.key("user_sessions", email)
			now = s.clock.Now().UnixMilli()
			min = now - window.Milliseconds()
		)
		ids, err := s.client.ZRangeByScore(ctx, key, &redis.ZRangeBy{
			Min: strconv.FormatInt(min, 10),
			Max: strconv.FormatInt(now, 10),
		}).Result()
		if err != nil {
			return 0, err
		}

		n := 0
		for _, id := range ids {
			v, err := s.client.HGet(ctx, s.key("session", id), "signed_in").Result()
			if err == redis.Nil {
				// Stale index entry; the hash is gone.
				continue
			} else if err != nil {
				return 0, err
			}
			if signed, _ := strconv.ParseBool(v); !signed {
				n++
			}
		}
		return n, nil
	})
}

// DeleteAllSessions removes every session belonging to the e-mail and
// returns the number deleted.
func (s *Store) DeleteAllSessions(ctx context.Context, email string) (int, error) {
	return retry.Do(ctx, func(ctx context.Context) (int, error) {
		if err := s.faults.Take(OpDeleteAll); err != nil {
			return 0, err
		}

		key := s.key("user_sessions", email)
		ids, err := s.client.ZRange(ctx, key, 0, -1).Result()
		if err != nil {
			return 0, err
		}

		pipe := s.client.TxPipeline()
		for _, id := range ids {
			pipe.Del(ctx, s.key("session", id))
		}
		pipe.Del(ctx, key)
		if _, err := pipe.Exec(ctx); err != nil {
			return 0, err
		}
		return len(ids), nil
	})
}

// CountByID fetches a counter record.
func (s *Store) CountByID(ctx context.Context, id string) (models.Count, error) {
	out, err := retry.Do(ctx, func(ctx context.Context) (models.Count, error) {
		if err := s.faults.Take(OpFindCount); err != nil {
			return models.Count{}, err
		}

		var c models.Count
		if err := s.client.HGetAll(ctx, s.key("count", id)).Scan(&c); err != nil {
			return models.Count{}, err
		}
		return c, nil
	})
	if err != nil {
		return models.Count{}, err
	}
	if out.ID == "" {
		return models.Count{}, store.ErrNotExist
	}

	return out, nil
}

// IncrementCount increments the counter, creating it on first use, and
// returns the new value.
func (s *Store) IncrementCount(ctx context.Context, id string) (models.Count, error) {
	return retry.Do(ctx, func(ctx context.Context) (models.Count, error) {
		if err := s.faults.Take(OpIncrementCount); err != nil {
			return models.Count{}, err
		}

		key := s.key("count", id)
		pipe := s.client.TxPipeline()
		pipe.HSet(ctx, key, "id", id)
		incr := pipe.HIncrBy(ctx, key, "count", 1)
		if _, err := pipe.Exec(ctx); err != nil {
			return models.Count{}, err
		}

		return models.Count{ID: id, Count: incr.Val()}, nil
	})
}

// key makes a namespaced Redis key.
func (s *Store) key(parts ...string) string {
	out := s.conf.KeyPrefix
	for _, p := range parts {
		out += ":" + p
	}
	return out
}

// getUser fetches a user hash; a zero-value user means absent.
func (s *Store) getUser(ctx context.Context, id string) (models.User, error) {
	var u models.User
	if err := s.client.HGetAll(ctx, s.key("user", id)).Scan(&u); err != nil {
		return models.User{}, err
	}
	return u, nil
}
