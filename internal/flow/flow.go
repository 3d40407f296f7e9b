// Package flow implements the OTP sign-in state machine: passcode
// issuance, resend throttling, verification with attempt limiting, and
// the cancel / sign-out exits. Every transition returns a definite
// Outcome; errors never propagate past this package.
package flow

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/google/uuid"
	"github.com/zerodha/logf"

	"github.com/clscloud/miniauth/internal/clock"
	"github.com/clscloud/miniauth/internal/mailer"
	"github.com/clscloud/miniauth/internal/models"
	"github.com/clscloud/miniauth/internal/otp"
	"github.com/clscloud/miniauth/internal/ratelimit"
	"github.com/clscloud/miniauth/internal/store"
)

// User-facing messages.
const (
	MsgInvalidEmail   = "Please enter a valid email address"
	MsgInvalidOTP     = "Please enter a valid 6-digit code"
	MsgRateLimited    = "Too many OTP requests. Please try again later due to rate limit."
	MsgAlreadySigned  = "Already signed in"
	MsgSendFailed     = "Failed to send email, please try again"
	MsgCodeSent       = "Code sent!"
	MsgWaitResend     = "Please wait another %d seconds before asking for another code"
	MsgWrongOTP       = "Invalid OTP or verification failed"
	MsgLockout        = "Too many failed attempts. Please sign in again."
	MsgCodeExpired    = "Sign in code has expired, please sign in again"
	MsgFlowProblem    = "Sign in flow problem, please sign in again"
	MsgSignedIn       = "You have signed in successfully!"
	MsgCanceled       = "Sign in canceled."
	MsgSignedOut      = "Signed out successfully."
	MsgDatabaseError  = "Database error"
	MsgMustSignIn     = "You must sign in to visit that page"
)

// Standard e-mail shape; length limits are enforced separately.
var reEmail = regexp.MustCompile(`^[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}$`)

// Dest is where the caller lands after a transition.
type Dest int

const (
	DestHome Dest = iota
	DestSignIn
	DestAwaitCode
	DestPrivate
)

// Kind classifies a transition result.
type Kind int

const (
	OK Kind = iota
	Invalid       // validation failure, no state mutated
	RateLimited   // 429-class signal with retry-after
	StorageFailed // retries exhausted
	Lockout       // attempt budget spent, session deleted
	Expired       // session outlived expiresAt, session deleted
	FlowBroken    // integrity break, session deleted
	Forbidden     // operation needs a session credential
)

// Outcome is the complete result of a transition: the next destination,
// the one-shot message to show, and the session-credential side effects
// the transport must apply.
type Outcome struct {
	Kind    Kind
	Dest    Dest
	Message string
	Error   string

	// SetSession, when non-empty, is the session ID to issue as the
	// caller's credential; SessionExpiry bounds it when non-zero.
	SetSession    string
	SessionExpiry time.Time

	// ClearSession / ClearEmail clear the corresponding client state.
	ClearSession bool
	ClearEmail   bool

	// RetryAfter accompanies RateLimited outcomes.
	RetryAfter time.Duration

	// Token is the issued passcode, exposed to debug environments only.
	Token string
}

// Config holds the state machine's durations and limits.
type Config struct {
	OTPExpiry      time.Duration // expiry while awaiting the code
	SignedInExpiry time.Duration // expiry once signed in
	ResendInterval time.Duration // minimum gap between resends
	MaxAttempts    int           // failed verifications before lockout
}

// Flow orchestrates OTP sign-in over the store, limiter, token
// generator and mailer.
type Flow struct {
	store   store.Store
	limiter *ratelimit.Limiter
	tokens  *otp.Generator
	mailer  mailer.Mailer
	clock   clock.Clock
	lo      logf.Logger
	cfg     Config
}

// New returns a Flow.
func New(st store.Store, lim *ratelimit.Limiter, gen *otp.Generator, m mailer.Mailer, cl clock.Clock, cfg Config, lo logf.Logger) *Flow {
	return &Flow{
		store:   st,
		limiter: lim,
		tokens:  gen,
		mailer:  m,
		clock:   cl,
		lo:      lo,
		cfg:     cfg,
	}
}

// ValidEmail reports whether the address has a plausible shape and
// length (1-254 chars, local-part@domain).
func ValidEmail(email string) bool {
	if len(email) < 1 || len(email) > 254 {
		return false
	}
	return reEmail.MatchString(email)
}

// ValidCode reports whether the submitted code is exactly 6 digits.
func ValidCode(code string) bool {
	if len(code) != 6 {
		return false
	}
	for _, r := range code {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// Start begins a sign-in attempt: validates the e-mail, enforces the
// rate limit, creates a pending session and e-mails its passcode. An
// unknown user gets the same generic message as a malformed address so
// accounts can't be enumerated.
func (f *Flow) Start(ctx context.Context, cur *models.Session, email string) Outcome {
	if !ValidEmail(email) {
		return Outcome{Kind: Invalid, Dest: DestSignIn, Error: MsgInvalidEmail}
	}

	if f.limiter.IsLimited(ctx, email) {
		return Outcome{
			Kind:       RateLimited,
			Dest:       DestSignIn,
			Error:      MsgRateLimited,
			RetryAfter: f.limiter.Window,
		}
	}

	// A signed-in caller re-entering the flow goes back to where they
	// already are.
	if cur != nil && cur.SignedIn {
		return Outcome{Kind: Invalid, Dest: DestPrivate, Error: MsgAlreadySigned}
	}

	user, err := f.store.UserByEmail(ctx, email)
	if err == store.ErrNotExist {
		f.lo.Info("otp start for unknown user", "email", email)
		return Outcome{Kind: Invalid, Dest: DestSignIn, Error: MsgInvalidEmail}
	} else if err != nil {
		f.lo.Error("error looking up user", "error", err)
		return Outcome{Kind: StorageFailed, Dest: DestSignIn, Error: MsgDatabaseError}
	}

	token, err := f.tokens.Generate()
	if err != nil {
		f.lo.Error("error generating passcode", "error", err)
		return Outcome{Kind: StorageFailed, Dest: DestSignIn, Error: MsgDatabaseError}
	}

	var (
		now  = f.clock.Now()
		sess = models.Session{
			ID:           uuid.NewString(),
			UserID:       user.ID,
			Email:        user.Email,
			Token:        token,
			SignedIn:     false,
			AttemptCount: 0,
			CreatedAt:    now.UnixMilli(),
			UpdatedAt:    now.UnixMilli(),
			ExpiresAt:    now.Add(f.cfg.OTPExpiry).UnixMilli(),
		}
	)
	if err := f.store.CreateSession(ctx, sess); err != nil {
		f.lo.Error("error creating session", "error", err)
		return Outcome{Kind: StorageFailed, Dest: DestSignIn, Error: MsgDatabaseError}
	}

	// Delivery failure is fatal: compensate by deleting the session the
	// passcode belonged to.
	if err := f.deliver(user.Email, token); err != nil {
		f.lo.Error("error sending passcode", "error", err, "email", user.Email)
		if derr := f.store.DeleteSession(ctx, sess.ID); derr != nil {
			f.lo.Error("error rolling back session", "error", derr, "id", sess.ID)
		}
		return Outcome{Kind: StorageFailed, Dest: DestSignIn, Error: MsgSendFailed, ClearSession: true}
	}

	return Outcome{
		Kind:       OK,
		Dest:       DestAwaitCode,
		SetSession: sess.ID,
		Token:      token,
	}
}

// Resend issues a fresh passcode for a pending session, at most once
// per ResendInterval.
func (f *Flow) Resend(ctx context.Context, cur *models.Session, email string) Outcome {
	if cur == nil {
		return Outcome{Kind: FlowBroken, Dest: DestSignIn, Error: MsgFlowProblem, ClearSession: true}
	}

	now := f.clock.Now()
	if cur.Expired(now) {
		f.deleteSession(ctx, cur.ID)
		return Outcome{Kind: Expired, Dest: DestSignIn, Error: MsgCodeExpired, ClearSession: true}
	}

	if wait := f.cfg.ResendInterval - now.Sub(time.UnixMilli(cur.UpdatedAt)); wait > 0 {
		// Whole seconds, rounded up, so the user never waits longer
		// than the message says.
		secs := int((wait + time.Second - 1) / time.Second)
		return Outcome{
			Kind:  Invalid,
			Dest:  DestAwaitCode,
			Error: fmt.Sprintf(MsgWaitResend, secs),
		}
	}

	user, err := f.store.UserByID(ctx, cur.UserID)
	if err == store.ErrNotExist {
		f.deleteSession(ctx, cur.ID)
		return Outcome{Kind: FlowBroken, Dest: DestSignIn, Error: MsgFlowProblem, ClearSession: true}
	} else if err != nil {
		f.lo.Error("error looking up user", "error", err)
		return Outcome{Kind: StorageFailed, Dest: DestSignIn, Error: MsgDatabaseError}
	}

	// The submitted e-mail must still belong to this session's user;
	// anything else is a flow integrity break.
	if user.Email != email {
		f.deleteSession(ctx, cur.ID)
		return Outcome{Kind: FlowBroken, Dest: DestSignIn, Error: MsgFlowProblem, ClearSession: true, ClearEmail: true}
	}

	token, err := f.tokens.Generate()
	if err != nil {
		f.lo.Error("error generating passcode", "error", err)
		return Outcome{Kind: StorageFailed, Dest: DestAwaitCode, Error: MsgDatabaseError}
	}

	var (
		attempts = 0
		nowMs    = now.UnixMilli()
		expires  = now.Add(f.cfg.OTPExpiry).UnixMilli()
	)
	if err := f.store.UpdateSession(ctx, cur.ID, models.SessionPatch{
		Token:        &token,
		AttemptCount: &attempts,
		ExpiresAt:    &expires,
		UpdatedAt:    &nowMs,
	}); err != nil {
		f.lo.Error("error updating session", "error", err)
		return Outcome{Kind: StorageFailed, Dest: DestAwaitCode, Error: MsgDatabaseError}
	}

	if err := f.deliver(user.Email, token); err != nil {
		f.lo.Error("error sending passcode", "error", err, "email", user.Email)
		f.deleteSession(ctx, cur.ID)
		return Outcome{Kind: StorageFailed, Dest: DestSignIn, Error: MsgSendFailed, ClearSession: true}
	}

	return Outcome{
		Kind:    OK,
		Dest:    DestAwaitCode,
		Message: MsgCodeSent,
		Token:   token,
	}
}

// Finish verifies a submitted passcode. Three wrong codes delete the
// session; a correct one flips it to signed-in, clears the token and
// extends the expiry.
func (f *Flow) Finish(ctx context.Context, cur *models.Session, email, code string) Outcome {
	if !ValidEmail(email) {
		return Outcome{Kind: Invalid, Dest: DestAwaitCode, Error: MsgInvalidEmail}
	}
	if !ValidCode(code) {
		return Outcome{Kind: Invalid, Dest: DestAwaitCode, Error: MsgInvalidOTP}
	}

	if cur == nil {
		return Outcome{Kind: FlowBroken, Dest: DestSignIn, Error: MsgFlowProblem, ClearSession: true}
	}

	now := f.clock.Now()
	if cur.Expired(now) {
		f.deleteSession(ctx, cur.ID)
		return Outcome{Kind: Expired, Dest: DestSignIn, Error: MsgCodeExpired, ClearSession: true}
	}

	user, err := f.store.UserByID(ctx, cur.UserID)
	if err == store.ErrNotExist {
		f.deleteSession(ctx, cur.ID)
		return Outcome{Kind: FlowBroken, Dest: DestSignIn, Error: MsgFlowProblem, ClearSession: true}
	} else if err != nil {
		f.lo.Error("error looking up user", "error", err)
		return Outcome{Kind: StorageFailed, Dest: DestSignIn, Error: MsgDatabaseError}
	}

	if user.Email != email {
		f.deleteSession(ctx, cur.ID)
		return Outcome{Kind: FlowBroken, Dest: DestSignIn, Error: MsgFlowProblem, ClearSession: true, ClearEmail: true}
	}

	if cur.Token != code {
		attempts := cur.AttemptCount + 1
		if attempts >= f.cfg.MaxAttempts {
			f.deleteSession(ctx, cur.ID)
			return Outcome{Kind: Lockout, Dest: DestSignIn, Error: MsgLockout, ClearSession: true}
		}

		nowMs := now.UnixMilli()
		if err := f.store.UpdateSession(ctx, cur.ID, models.SessionPatch{
			AttemptCount: &attempts,
			UpdatedAt:    &nowMs,
		}); err != nil {
			f.lo.Error("error recording failed attempt", "error", err, "id", cur.ID)
		}
		return Outcome{Kind: Invalid, Dest: DestAwaitCode, Error: MsgWrongOTP}
	}

	var (
		signedIn = true
		token    = ""
		attempts = 0
		nowMs    = now.UnixMilli()
		expires  = now.Add(f.cfg.SignedInExpiry).UnixMilli()
	)
	if err := f.store.UpdateSession(ctx, cur.ID, models.SessionPatch{
		SignedIn:     &signedIn,
		Token:        &token,
		AttemptCount: &attempts,
		ExpiresAt:    &expires,
		UpdatedAt:    &nowMs,
	}); err != nil {
		f.lo.Error("error updating session", "error", err)
		return Outcome{Kind: StorageFailed, Dest: DestSignIn, Error: MsgDatabaseError}
	}

	return Outcome{
		Kind:          OK,
		Dest:          DestPrivate,
		Message:       MsgSignedIn,
		SetSession:    cur.ID,
		SessionExpiry: time.UnixMilli(expires),
		ClearEmail:    true,
	}
}

// Cancel abandons a pending sign-in, deleting the session and all
// client-held flow state.
func (f *Flow) Cancel(ctx context.Context, cur *models.Session) Outcome {
	if cur != nil {
		f.deleteSession(ctx, cur.ID)
	}
	return Outcome{
		Kind:         OK,
		Dest:         DestHome,
		Message:      MsgCanceled,
		ClearSession: true,
		ClearEmail:   true,
	}
}

// SignOut deletes the caller's session. An absent credential is an
// explicit rejection, not a silent success.
func (f *Flow) SignOut(ctx context.Context, cur *models.Session) Outcome {
	if cur == nil {
		return Outcome{Kind: Forbidden, Dest: DestSignIn, Error: MsgMustSignIn, ClearSession: true}
	}

	if err := f.store.DeleteSession(ctx, cur.ID); err != nil {
		f.lo.Error("error deleting session", "error", err, "id", cur.ID)
		return Outcome{Kind: StorageFailed, Dest: DestHome, Error: MsgDatabaseError}
	}

	return Outcome{
		Kind:         OK,
		Dest:         DestHome,
		Message:      MsgSignedOut,
		ClearSession: true,
		ClearEmail:   true,
	}
}

// deliver renders and sends the passcode e-mail.
func (f *Flow) deliver(to, token string) error {
	return f.mailer.Push(to, token)
}

// deleteSession is compensation cleanup; failures are logged, not
// surfaced, since the caller is already on an error path.
func (f *Flow) deleteSession(ctx context.Context, id string) {
	if err := f.store.DeleteSession(ctx, id); err != nil {
		f.lo.Error("error deleting session", "error", err, "id", id)
	}
}
