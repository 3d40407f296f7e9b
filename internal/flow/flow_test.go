package flow

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zerodha/logf"

	"github.com/clscloud/miniauth/internal/clock"
	"github.com/clscloud/miniauth/internal/models"
	"github.com/clscloud/miniauth/internal/otp"
	"github.com/clscloud/miniauth/internal/ratelimit"
	"github.com/clscloud/miniauth/internal/retry"
	"github.com/clscloud/miniauth/internal/store"
	rstore "github.com/clscloud/miniauth/internal/store/redis"
)

const (
	testEmail  = "fred@example.com"
	otherEmail = "barney@example.com"
	wrongCode  = "000000"
)

var (
	rdis   *miniredis.Miniredis
	st     *rstore.Store
	faults *retry.Faults
	tclock *clock.Offset

	ctx = context.Background()
)

// dummyMailer records deliveries and can be told to fail.
type dummyMailer struct {
	fail bool
	sent int
	last string // last delivered token
}

func (d *dummyMailer) Push(to, token string) error {
	if d.fail {
		return errors.New("smtp down")
	}
	d.sent++
	d.last = token
	return nil
}

func init() {
	rd, err := miniredis.Run()
	if err != nil {
		log.Println(err)
	}
	rdis = rd

	port, _ := strconv.Atoi(rd.Port())
	faults = retry.NewFaults()
	tclock = clock.NewOffset()
	st = rstore.New(rstore.Conf{
		Host: rd.Host(),
		Port: port,
	}, tclock, faults)
}

func setup(t *testing.T) (*Flow, *dummyMailer) {
	rdis.FlushDB()
	tclock.Clear()
	faults.Clear()
	require.NoError(t, st.PutUser(ctx, models.User{ID: "user1", Email: testEmail}))
	require.NoError(t, st.PutUser(ctx, models.User{ID: "user2", Email: otherEmail}))

	t.Cleanup(func() {
		rdis.FlushDB()
	})

	var (
		lo = logf.New(logf.Opts{})
		m  = &dummyMailer{}
		f  = New(st,
			ratelimit.New(st, 5*time.Minute, 3, lo),
			otp.New(),
			m, tclock,
			Config{
				OTPExpiry:      15 * time.Minute,
				SignedInExpiry: 6 * 30 * 24 * time.Hour,
				ResendInterval: 30 * time.Second,
				MaxAttempts:    3,
			}, lo)
	)
	return f, m
}

// session fetches the flow's session for assertions.
func session(t *testing.T, id string) *models.Session {
	s, err := st.SessionByID(ctx, id)
	if err == store.ErrNotExist {
		return nil
	}
	require.NoError(t, err)
	return &s
}

func TestStartAndFinish(t *testing.T) {
	f, m := setup(t)

	out := f.Start(ctx, nil, testEmail)
	require.Equal(t, OK, out.Kind, "start failed: %s", out.Error)
	assert.Equal(t, DestAwaitCode, out.Dest)
	assert.NotEmpty(t, out.SetSession, "start should issue a session credential")
	assert.Len(t, out.Token, 6)
	assert.Equal(t, 1, m.sent, "start should deliver the passcode")
	assert.Equal(t, out.Token, m.last, "delivered token doesn't match")

	sess := session(t, out.SetSession)
	require.NotNil(t, sess)
	assert.False(t, sess.SignedIn)
	assert.Equal(t, out.Token, sess.Token)

	fin := f.Finish(ctx, sess, testEmail, out.Token)
	require.Equal(t, OK, fin.Kind, "finish failed: %s", fin.Error)
	assert.Equal(t, DestPrivate, fin.Dest)
	assert.Equal(t, MsgSignedIn, fin.Message)
	assert.Equal(t, sess.ID, fin.SetSession, "finish should renew the credential")

	got := session(t, sess.ID)
	require.NotNil(t, got)
	assert.True(t, got.SignedIn, "session should be signed in")
	assert.Empty(t, got.Token, "token should be cleared on sign-in")
	assert.Equal(t, 0, got.AttemptCount)

	// Expiry extended to ~6 months out.
	wantExp := tclock.Now().Add(6 * 30 * 24 * time.Hour)
	assert.InDelta(t, wantExp.UnixMilli(), got.ExpiresAt, float64(time.Minute.Milliseconds()),
		"signed-in expiry should be ~6 months out")
}

func TestStartValidation(t *testing.T) {
	f, m := setup(t)

	for _, email := range []string{"", "notanemail", "a@b", strings.Repeat("a", 250) + "@b.co", "a b@c.com"} {
		out := f.Start(ctx, nil, email)
		assert.Equal(t, Invalid, out.Kind, "email %q should be rejected", email)
		assert.Equal(t, MsgInvalidEmail, out.Error)
	}
	assert.Equal(t, 0, m.sent, "no mail should go out for invalid emails")
}

func TestStartUnknownUser(t *testing.T) {
	f, m := setup(t)

	// Same generic message as a malformed address, no session created.
	out := f.Start(ctx, nil, "stranger@example.com")
	assert.Equal(t, Invalid, out.Kind)
	assert.Equal(t, MsgInvalidEmail, out.Error)
	assert.Empty(t, out.SetSession)
	assert.Equal(t, 0, m.sent)
}

func TestStartAlreadySignedIn(t *testing.T) {
	f, _ := setup(t)

	out := f.Start(ctx, nil, testEmail)
	require.Equal(t, OK, out.Kind)
	sess := session(t, out.SetSession)
	fin := f.Finish(ctx, sess, testEmail, out.Token)
	require.Equal(t, OK, fin.Kind)

	again := f.Start(ctx, session(t, sess.ID), testEmail)
	assert.Equal(t, Invalid, again.Kind)
	assert.Equal(t, DestPrivate, again.Dest, "signed-in caller should be sent to the protected area")
	assert.Equal(t, MsgAlreadySigned, again.Error)
}

func TestStartRateLimited(t *testing.T) {
	f, _ := setup(t)

	for i := 0; i < 3; i++ {
		out := f.Start(ctx, nil, testEmail)
		require.Equal(t, OK, out.Kind, "start %d should not be limited", i+1)
	}

	out := f.Start(ctx, nil, testEmail)
	assert.Equal(t, RateLimited, out.Kind, "4th start within the window should be limited")
	assert.Equal(t, 5*time.Minute, out.RetryAfter)

	// Unrelated e-mails are unaffected.
	other := f.Start(ctx, nil, otherEmail)
	assert.Equal(t, OK, other.Kind, "other email should not be limited")

	// Past the window the e-mail is admitted again.
	tclock.Set(6 * time.Minute)
	out = f.Start(ctx, nil, testEmail)
	assert.Equal(t, OK, out.Kind, "start should succeed after the window slides")
}

func TestStartDeliveryFailureRollsBack(t *testing.T) {
	f, m := setup(t)
	m.fail = true

	out := f.Start(ctx, nil, testEmail)
	assert.Equal(t, StorageFailed, out.Kind)
	assert.Equal(t, MsgSendFailed, out.Error)
	assert.True(t, out.ClearSession)

	// The just-created session must be gone.
	n, err := st.CountRecentUnsigned(ctx, testEmail, 5*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 0, n, "failed delivery should roll back the session")
}

func TestFinishWrongCodeLockout(t *testing.T) {
	f, _ := setup(t)

	out := f.Start(ctx, nil, testEmail)
	require.Equal(t, OK, out.Kind)
	id := out.SetSession

	// Two wrong codes keep the flow alive with an attempt count.
	for i := 1; i <= 2; i++ {
		fin := f.Finish(ctx, session(t, id), testEmail, wrongCode)
		assert.Equal(t, Invalid, fin.Kind, "attempt %d should stay in the flow", i)
		assert.Equal(t, DestAwaitCode, fin.Dest)
		assert.Equal(t, MsgWrongOTP, fin.Error)

		sess := session(t, id)
		require.NotNil(t, sess)
		assert.Equal(t, i, sess.AttemptCount, "attempt count doesn't match")
	}

	// The 3rd deletes the session.
	fin := f.Finish(ctx, session(t, id), testEmail, wrongCode)
	assert.Equal(t, Lockout, fin.Kind)
	assert.Equal(t, MsgLockout, fin.Error)
	assert.True(t, fin.ClearSession)
	assert.Nil(t, session(t, id), "lockout should delete the session")

	// A 4th lands in no-session territory.
	fin = f.Finish(ctx, session(t, id), testEmail, wrongCode)
	assert.Equal(t, FlowBroken, fin.Kind)
	assert.Equal(t, DestSignIn, fin.Dest)
}

func TestFinishValidation(t *testing.T) {
	f, _ := setup(t)

	out := f.Start(ctx, nil, testEmail)
	require.Equal(t, OK, out.Kind)
	sess := session(t, out.SetSession)

	for _, code := range []string{"", "12345", "1234567", "12345a", "abcdef"} {
		fin := f.Finish(ctx, sess, testEmail, code)
		assert.Equal(t, Invalid, fin.Kind, "code %q should be rejected", code)
		assert.Equal(t, MsgInvalidOTP, fin.Error)
	}

	// Validation errors mutate nothing.
	got := session(t, sess.ID)
	require.NotNil(t, got)
	assert.Equal(t, 0, got.AttemptCount, "malformed codes should not count as attempts")
}

func TestFinishEmailMismatch(t *testing.T) {
	f, _ := setup(t)

	out := f.Start(ctx, nil, testEmail)
	require.Equal(t, OK, out.Kind)
	sess := session(t, out.SetSession)

	fin := f.Finish(ctx, sess, otherEmail, out.Token)
	assert.Equal(t, FlowBroken, fin.Kind)
	assert.Equal(t, DestSignIn, fin.Dest)
	assert.Equal(t, MsgFlowProblem, fin.Error)
	assert.Nil(t, session(t, sess.ID), "mismatched email should delete the session")
}

func TestFinishExpired(t *testing.T) {
	f, _ := setup(t)

	out := f.Start(ctx, nil, testEmail)
	require.Equal(t, OK, out.Kind)
	id := out.SetSession

	tclock.Set(16 * time.Minute)
	fin := f.Finish(ctx, session(t, id), testEmail, out.Token)
	assert.Equal(t, Expired, fin.Kind)
	assert.Equal(t, MsgCodeExpired, fin.Error)
	assert.Nil(t, session(t, id), "expired session should be deleted")
}

func TestResendThrottle(t *testing.T) {
	f, m := setup(t)

	out := f.Start(ctx, nil, testEmail)
	require.Equal(t, OK, out.Kind)
	id := out.SetSession
	first := out.Token

	// Immediate resend is throttled with a whole-second wait.
	res := f.Resend(ctx, session(t, id), testEmail)
	assert.Equal(t, Invalid, res.Kind)
	assert.Contains(t, res.Error, "Please wait another")
	assert.Contains(t, res.Error, "seconds before asking for another code")

	var secs int
	_, err := fmt.Sscanf(res.Error, MsgWaitResend, &secs)
	require.NoError(t, err, "wait message should carry the remaining seconds")
	assert.Greater(t, secs, 0)
	assert.Less(t, secs, 31)

	// After the interval a fresh code goes out.
	tclock.Set(31 * time.Second)
	res = f.Resend(ctx, session(t, id), testEmail)
	require.Equal(t, OK, res.Kind, "resend after the interval should succeed: %s", res.Error)
	assert.Equal(t, MsgCodeSent, res.Message)
	assert.NotEqual(t, first, res.Token, "resend should issue a different token")
	assert.Equal(t, 2, m.sent)

	sess := session(t, id)
	require.NotNil(t, sess)
	assert.Equal(t, res.Token, sess.Token)
	assert.Equal(t, 0, sess.AttemptCount, "resend should reset the attempt count")
	assert.InDelta(t, tclock.Now().Add(15*time.Minute).UnixMilli(), sess.ExpiresAt,
		float64((5 * time.Second).Milliseconds()), "resend should extend the expiry")
}

func TestResendResetsAttempts(t *testing.T) {
	f, _ := setup(t)

	out := f.Start(ctx, nil, testEmail)
	require.Equal(t, OK, out.Kind)
	id := out.SetSession

	fin := f.Finish(ctx, session(t, id), testEmail, wrongCode)
	require.Equal(t, Invalid, fin.Kind)
	require.Equal(t, 1, session(t, id).AttemptCount)

	tclock.Set(31 * time.Second)
	res := f.Resend(ctx, session(t, id), testEmail)
	require.Equal(t, OK, res.Kind)
	assert.Equal(t, 0, session(t, id).AttemptCount)
}

func TestResendExpired(t *testing.T) {
	f, _ := setup(t)

	out := f.Start(ctx, nil, testEmail)
	require.Equal(t, OK, out.Kind)
	id := out.SetSession

	tclock.Set(16 * time.Minute)
	res := f.Resend(ctx, session(t, id), testEmail)
	assert.Equal(t, Expired, res.Kind)
	assert.Equal(t, MsgCodeExpired, res.Error)
	assert.Nil(t, session(t, id))
}

func TestResendEmailMismatch(t *testing.T) {
	f, _ := setup(t)

	out := f.Start(ctx, nil, testEmail)
	require.Equal(t, OK, out.Kind)
	id := out.SetSession

	tclock.Set(31 * time.Second)
	res := f.Resend(ctx, session(t, id), otherEmail)
	assert.Equal(t, FlowBroken, res.Kind)
	assert.Nil(t, session(t, id), "mismatched email should delete the session")
}

func TestCancel(t *testing.T) {
	f, _ := setup(t)

	out := f.Start(ctx, nil, testEmail)
	require.Equal(t, OK, out.Kind)

	c := f.Cancel(ctx, session(t, out.SetSession))
	assert.Equal(t, OK, c.Kind)
	assert.Equal(t, DestHome, c.Dest)
	assert.Equal(t, MsgCanceled, c.Message)
	assert.True(t, c.ClearSession)
	assert.True(t, c.ClearEmail)
	assert.Nil(t, session(t, out.SetSession), "cancel should delete the session")

	// Cancel without a session is still fine.
	c = f.Cancel(ctx, nil)
	assert.Equal(t, OK, c.Kind)
}

func TestSignOut(t *testing.T) {
	f, _ := setup(t)

	// Absent credential is rejected, not silently accepted.
	so := f.SignOut(ctx, nil)
	assert.Equal(t, Forbidden, so.Kind)

	out := f.Start(ctx, nil, testEmail)
	require.Equal(t, OK, out.Kind)
	sess := session(t, out.SetSession)
	fin := f.Finish(ctx, sess, testEmail, out.Token)
	require.Equal(t, OK, fin.Kind)

	so = f.SignOut(ctx, session(t, sess.ID))
	assert.Equal(t, OK, so.Kind)
	assert.Equal(t, MsgSignedOut, so.Message)
	assert.Nil(t, session(t, sess.ID), "sign out should delete the session")
}

func TestRoundTrip(t *testing.T) {
	f, _ := setup(t)

	// First full cycle.
	out := f.Start(ctx, nil, testEmail)
	require.Equal(t, OK, out.Kind)
	first := out.SetSession
	fin := f.Finish(ctx, session(t, first), testEmail, out.Token)
	require.Equal(t, OK, fin.Kind)
	so := f.SignOut(ctx, session(t, first))
	require.Equal(t, OK, so.Kind)

	// A second cycle starts clean: new session, zero attempts, fresh
	// token, no residue of the first.
	out = f.Start(ctx, nil, testEmail)
	require.Equal(t, OK, out.Kind)
	assert.NotEqual(t, first, out.SetSession, "restart should create an independent session")

	sess := session(t, out.SetSession)
	require.NotNil(t, sess)
	assert.Equal(t, 0, sess.AttemptCount)
	assert.False(t, sess.SignedIn)
	assert.NotEmpty(t, sess.Token)
	assert.Nil(t, session(t, first), "old session should stay gone")
}

func TestStorageFailureSurfaces(t *testing.T) {
	f, _ := setup(t)

	// Exhaust the retry budget on the user lookup.
	faults.Set(rstore.OpFindUserByEmail, 10)
	out := f.Start(ctx, nil, testEmail)
	assert.Equal(t, StorageFailed, out.Kind)
	assert.Equal(t, MsgDatabaseError, out.Error)

	// Within the budget the failure is absorbed transparently.
	faults.Clear()
	faults.Set(rstore.OpFindUserByEmail, 4)
	out = f.Start(ctx, nil, testEmail)
	assert.Equal(t, OK, out.Kind, "4 transient failures should be retried away")
}

