// Package models holds the entities persisted in the session store.
package models

import "time"

// User is a pre-provisioned account. The sign-in flow only ever reads
// users; they are created out of band.
type User struct {
	ID    string `redis:"id" json:"id"`
	Email string `redis:"email" json:"email"`
}

// Session is a single sign-in attempt. It starts unsigned with a
// pending passcode and becomes the authenticated session once the
// passcode is verified. All timestamps are unix milliseconds.
type Session struct {
	ID     string `redis:"id" json:"id"`
	UserID string `redis:"user_id" json:"user_id"`

	// Email is denormalised from the owning user for store-side
	// bookkeeping (per-user session index).
	Email string `redis:"email" json:"-"`

	// Token is the pending passcode. Empty once the session is
	// signed in.
	Token string `redis:"token" json:"-"`

	SignedIn     bool `redis:"signed_in" json:"signed_in"`
	AttemptCount int  `redis:"attempt_count" json:"attempt_count"`

	CreatedAt int64 `redis:"created_at" json:"created_at"`
	UpdatedAt int64 `redis:"updated_at" json:"updated_at"`
	ExpiresAt int64 `redis:"expires_at" json:"expires_at"`
}

// Expired reports whether the session's expiry has passed.
func (s Session) Expired(now time.Time) bool {
	return s.ExpiresAt < now.UnixMilli()
}

// ExpiresAtTime returns the expiry as a time.Time.
func (s Session) ExpiresAtTime() time.Time {
	return time.UnixMilli(s.ExpiresAt)
}

// SessionPatch is a partial session update. Nil fields are left
// untouched.
type SessionPatch struct {
	Token        *string
	SignedIn     *bool
	AttemptCount *int
	ExpiresAt    *int64
	UpdatedAt    *int64
}

// Count is the trivial protected counter resource.
type Count struct {
	ID    string `redis:"id" json:"id"`
	Count int64  `redis:"count" json:"count"`
}
