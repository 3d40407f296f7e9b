// Package ratelimit bounds how often OTP sign-ins can be started per
// e-mail, using the store's sliding-window session count.
package ratelimit

import (
	"context"
	"time"

	"github.com/zerodha/logf"

	"github.com/clscloud/miniauth/internal/store"
)

// Limiter counts recent not-signed-in sessions per e-mail. Reaching
// MaxStarts within Window blocks further OTP starts for that e-mail;
// unrelated e-mails are independent.
type Limiter struct {
	store store.Store
	lo    logf.Logger

	// Window is the trailing interval the count covers.
	Window time.Duration

	// MaxStarts is how many OTP starts the window admits.
	MaxStarts int
}

// New returns a Limiter over st.
func New(st store.Store, window time.Duration, maxStarts int, lo logf.Logger) *Limiter {
	return &Limiter{
		store:     st,
		lo:        lo,
		Window:    window,
		MaxStarts: maxStarts,
	}
}

// IsLimited reports whether starting another OTP for the e-mail should
// be blocked. A storage failure during the count fails open: blocking
// sign-in because the counter is unreachable is worse than admitting
// one extra start.
func (l *Limiter) IsLimited(ctx context.Context, email string) bool {
	n, err := l.store.CountRecentUnsigned(ctx, email, l.Window)
	if err != nil {
		l.lo.Error("error counting recent sessions, failing open", "error", err, "email", email)
		return false
	}

	return n >= l.MaxStarts
}

// Reset clears the window for the e-mail by removing its sessions.
// Test/ops support.
func (l *Limiter) Reset(ctx context.Context, email string) error {
	_, err := l.store.DeleteAllSessions(ctx, email)
	return err
}
