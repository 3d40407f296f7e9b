package store

import (
	"context"
	"errors"
	"time"

	"github.com/clscloud/miniauth/internal/models"
)

// ErrNotExist is returned when a requested record is absent. It is
// deliberately distinct from operational failures: "nothing there" and
// "could not look" drive different flow transitions.
var ErrNotExist = errors.New("the record does not exist")

// Store is the storage backend for users, sign-in sessions and the
// counter. Implementations retry transient failures internally and
// return retry.ErrStorage-wrapped errors once the budget is exhausted.
type Store interface {
	// UserByEmail looks up a user by e-mail address.
	UserByEmail(ctx context.Context, email string) (models.User, error)

	// UserByID looks up a user by ID.
	UserByID(ctx context.Context, id string) (models.User, error)

	// PutUser writes a user record. Provisioning/test support; the
	// sign-in flow never creates users.
	PutUser(ctx context.Context, u models.User) error

	// CreateSession persists a new sign-in session.
	CreateSession(ctx context.Context, s models.Session) error

	// SessionByID looks up a session by ID.
	SessionByID(ctx context.Context, id string) (models.Session, error)

	// UpdateSession applies a partial update to an existing session.
	UpdateSession(ctx context.Context, id string, patch models.SessionPatch) error

	// DeleteSession removes a session. Deleting an absent session is
	// not an error.
	DeleteSession(ctx context.Context, id string) error

	// CountRecentUnsigned counts the user's not-signed-in sessions
	// created within the trailing window. An unknown e-mail counts as
	// zero, not as an error.
	CountRecentUnsigned(ctx context.Context, email string, window time.Duration) (int, error)

	// DeleteAllSessions removes every session belonging to the e-mail
	// and returns how many were deleted. Test/ops support.
	DeleteAllSessions(ctx context.Context, email string) (int, error)

	// CountByID fetches a counter record.
	CountByID(ctx context.Context, id string) (models.Count, error)

	// IncrementCount increments a counter and returns the new value.
	IncrementCount(ctx context.Context, id string) (models.Count, error)

	// Ping checks if the store is reachable.
	Ping(ctx context.Context) error
}
