package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/clscloud/miniauth/internal/flow"
	"github.com/clscloud/miniauth/internal/models"
	"github.com/clscloud/miniauth/internal/store"
)

// Cookies shared with the browser. flash_msg and flash_err are one-shot:
// read once on the next page render and cleared.
const (
	ckSession  = "session"
	ckFlashMsg = "flash_msg"
	ckFlashErr = "flash_err"
	ckEmail    = "email_entered"
)

const (
	uriHome      = "/"
	uriSignIn    = "/auth/sign-in"
	uriAwaitCode = "/auth/await-code"
	uriPrivate   = "/private"
	uriCount     = "/count"

	// Issued passcode, exposed on responses in debug environments only.
	hdrToken = "X-Session-Token"

	msgIncremented = "Increment successful"
)

type httpResp struct {
	Status  string      `json:"status"`
	Message string      `json:"message,omitempty"`
	Data    interface{} `json:"data,omitempty"`
}

// pageTpl is the context every page template renders with.
type pageTpl struct {
	Title   string
	Message string
	Error   string
	Email   string
	Count   int64

	App constants
}

func handleHomePage(w http.ResponseWriter, r *http.Request) {
	app := r.Context().Value("app").(*App)
	app.render(w, r, "home", pageTpl{Title: "Home"})
}

func handleSignInPage(w http.ResponseWriter, r *http.Request) {
	app := r.Context().Value("app").(*App)
	app.render(w, r, "sign-in", pageTpl{Title: "Sign in"})
}

func handleAwaitCodePage(w http.ResponseWriter, r *http.Request) {
	app := r.Context().Value("app").(*App)
	app.render(w, r, "await-code", pageTpl{Title: "Enter your code"})
}

func handlePrivatePage(w http.ResponseWriter, r *http.Request) {
	app := r.Context().Value("app").(*App)
	app.render(w, r, "private", pageTpl{Title: "Private"})
}

func handleCountPage(w http.ResponseWriter, r *http.Request) {
	app := r.Context().Value("app").(*App)

	c, err := app.store.CountByID(r.Context(), app.constants.CountID)
	if err != nil && err != store.ErrNotExist {
		app.lo.Error("error fetching count", "error", err)
		app.render(w, r, "count", pageTpl{Title: "Count", Error: flow.MsgDatabaseError})
		return
	}

	app.render(w, r, "count", pageTpl{Title: "Count", Count: c.Count})
}

// handleStartOTP begins a sign-in: creates a pending session for the
// submitted e-mail and mails its passcode.
func handleStartOTP(w http.ResponseWriter, r *http.Request) {
	var (
		app   = r.Context().Value("app").(*App)
		email = strings.TrimSpace(r.FormValue("email"))
	)

	// Remember the entered address before validating anything so the
	// sign-in form can repopulate it after a failed start.
	if email != "" {
		setCookie(w, ckEmail, email, time.Time{})
	}

	// Test environments can clear the rate-limit window up front.
	if app.constants.DebugEndpoints && r.URL.Query().Get("reset-rate-limit") == "true" {
		if err := app.limiter.Reset(r.Context(), email); err != nil {
			app.lo.Error("error resetting rate limit", "error", err, "email", email)
		}
	}

	out := app.flow.Start(r.Context(), app.session(r), email)
	app.finish(w, r, out)
}

// handleResendCode re-issues the pending session's passcode.
func handleResendCode(w http.ResponseWriter, r *http.Request) {
	var (
		app   = r.Context().Value("app").(*App)
		email = strings.TrimSpace(r.FormValue("email"))
	)
	if email == "" {
		email = readCookie(r, ckEmail)
	}

	out := app.flow.Resend(r.Context(), app.session(r), email)
	app.finish(w, r, out)
}

// handleFinishOTP verifies the submitted passcode.
func handleFinishOTP(w http.ResponseWriter, r *http.Request) {
	var (
		app   = r.Context().Value("app").(*App)
		email = strings.TrimSpace(r.FormValue("email"))
		code  = strings.TrimSpace(r.FormValue("otp"))
	)

	out := app.flow.Finish(r.Context(), app.session(r), email, code)
	app.finish(w, r, out)
}

func handleCancelOTP(w http.ResponseWriter, r *http.Request) {
	app := r.Context().Value("app").(*App)
	app.finish(w, r, app.flow.Cancel(r.Context(), app.session(r)))
}

func handleSignOut(w http.ResponseWriter, r *http.Request) {
	app := r.Context().Value("app").(*App)
	app.finish(w, r, app.flow.SignOut(r.Context(), app.session(r)))
}

// handleIncrement bumps the protected counter.
func handleIncrement(w http.ResponseWriter, r *http.Request) {
	app := r.Context().Value("app").(*App)

	if _, err := app.store.IncrementCount(r.Context(), app.constants.CountID); err != nil {
		app.lo.Error("error incrementing count", "error", err)
		setCookie(w, ckFlashErr, flow.MsgDatabaseError, time.Time{})
		http.Redirect(w, r, uriCount, http.StatusSeeOther)
		return
	}

	setCookie(w, ckFlashMsg, msgIncremented, time.Time{})
	http.Redirect(w, r, uriCount, http.StatusSeeOther)
}

func handleHealthCheck(w http.ResponseWriter, r *http.Request) {
	app := r.Context().Value("app").(*App)

	if err := app.store.Ping(r.Context()); err != nil {
		sendErrorResponse(w, "Unable to reach store.", http.StatusServiceUnavailable, nil)
		return
	}

	sendResponse(w, "OK")
}

// handleSetClock shifts the app clock by deltaMs milliseconds.
func handleSetClock(w http.ResponseWriter, r *http.Request) {
	app := r.Context().Value("app").(*App)

	ms, err := strconv.ParseInt(chi.URLParam(r, "deltaMs"), 10, 64)
	if err != nil {
		sendErrorResponse(w, "Invalid delta.", http.StatusBadRequest, nil)
		return
	}

	app.offset.Set(time.Duration(ms) * time.Millisecond)
	sendResponse(w, "OK")
}

func handleResetClock(w http.ResponseWriter, r *http.Request) {
	app := r.Context().Value("app").(*App)
	app.offset.Clear()
	sendResponse(w, "OK")
}

// handleCleanSessions deletes every session belonging to the e-mail.
func handleCleanSessions(w http.ResponseWriter, r *http.Request) {
	app := r.Context().Value("app").(*App)

	n, err := app.store.DeleteAllSessions(r.Context(), chi.URLParam(r, "email"))
	if err != nil {
		app.lo.Error("error cleaning sessions", "error", err)
		sendErrorResponse(w, "Error cleaning sessions.", http.StatusInternalServerError, nil)
		return
	}

	sendResponse(w, struct {
		Deleted int `json:"deleted"`
	}{n})
}

// handleSetDBFailures arms the fault injector: the next n calls of the
// named storage operation fail.
func handleSetDBFailures(w http.ResponseWriter, r *http.Request) {
	app := r.Context().Value("app").(*App)

	n, err := strconv.Atoi(chi.URLParam(r, "n"))
	if err != nil || n < 0 {
		sendErrorResponse(w, "Invalid failure count.", http.StatusBadRequest, nil)
		return
	}

	app.faults.Set(chi.URLParam(r, "op"), n)
	sendResponse(w, "OK")
}

// signedInOnly admits only signed-in sessions. Expired sessions are
// lazily deleted here, and successful responses are marked uncacheable
// so the browser can't serve a protected page after sign-out.
func signedInOnly(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		app := r.Context().Value("app").(*App)

		sess := app.session(r)
		if sess != nil && sess.SignedIn && sess.Expired(app.clock.Now()) {
			if err := app.store.DeleteSession(r.Context(), sess.ID); err != nil {
				app.lo.Error("error deleting expired session", "error", err, "id", sess.ID)
			}
			sess = nil
		}

		if sess == nil || !sess.SignedIn {
			clearCookie(w, ckSession)
			setCookie(w, ckFlashErr, flow.MsgMustSignIn, time.Time{})
			http.Redirect(w, r, uriSignIn, http.StatusSeeOther)
			return
		}

		w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
		w.Header().Set("Pragma", "no-cache")
		w.Header().Set("Expires", "0")
		next.ServeHTTP(w, r)
	}
}

// session resolves the caller's session cookie. Absent, unknown and
// unreadable sessions all resolve to nil.
func (app *App) session(r *http.Request) *models.Session {
	id := readCookie(r, ckSession)
	if id == "" {
		return nil
	}

	s, err := app.store.SessionByID(r.Context(), id)
	if err == store.ErrNotExist {
		return nil
	} else if err != nil {
		app.lo.Error("error resolving session", "error", err, "id", id)
		return nil
	}

	return &s
}

// finish applies a flow outcome to the HTTP response: session and flash
// cookie side effects, status code and redirect.
func (app *App) finish(w http.ResponseWriter, r *http.Request, out flow.Outcome) {
	if app.constants.DebugEndpoints && out.Token != "" {
		w.Header().Set(hdrToken, out.Token)
	}

	if out.SetSession != "" {
		setCookie(w, ckSession, out.SetSession, out.SessionExpiry)
	} else if out.ClearSession {
		clearCookie(w, ckSession)
	}

	if out.ClearEmail {
		clearCookie(w, ckEmail)
	}

	switch out.Kind {
	case flow.RateLimited:
		w.Header().Set("Retry-After", strconv.Itoa(int(out.RetryAfter.Seconds())))
		http.Error(w, out.Error, http.StatusTooManyRequests)
		return
	case flow.Forbidden:
		http.Error(w, out.Error, http.StatusForbidden)
		return
	}

	if out.Message != "" {
		setCookie(w, ckFlashMsg, out.Message, time.Time{})
	}
	if out.Error != "" {
		setCookie(w, ckFlashErr, out.Error, time.Time{})
	}

	http.Redirect(w, r, destURI(out.Dest), http.StatusSeeOther)
}

// render executes a page template, consuming any one-shot flash cookies.
func (app *App) render(w http.ResponseWriter, r *http.Request, name string, data pageTpl) {
	data.Message = popCookie(w, r, ckFlashMsg)
	if data.Error == "" {
		data.Error = popCookie(w, r, ckFlashErr)
	}
	if data.Email == "" {
		data.Email = readCookie(r, ckEmail)
	}
	data.App = app.constants

	if err := app.tpl.ExecuteTemplate(w, name, data); err != nil {
		app.lo.Error("error rendering template", "error", err, "template", name)
	}
}

func destURI(d flow.Dest) string {
	switch d {
	case flow.DestSignIn:
		return uriSignIn
	case flow.DestAwaitCode:
		return uriAwaitCode
	case flow.DestPrivate:
		return uriPrivate
	}
	return uriHome
}

// setCookie writes an HttpOnly, strict-same-site cookie. Values are
// query-escaped so messages with spaces survive the cookie grammar.
func setCookie(w http.ResponseWriter, name, val string, expires time.Time) {
	c := &http.Cookie{
		Name:     name,
		Value:    url.QueryEscape(val),
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteStrictMode,
	}
	if !expires.IsZero() {
		c.Expires = expires
	}
	http.SetCookie(w, c)
}

func clearCookie(w http.ResponseWriter, name string) {
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteStrictMode,
		MaxAge:   -1,
	})
}

func readCookie(r *http.Request, name string) string {
	c, err := r.Cookie(name)
	if err != nil {
		return ""
	}
	v, _ := url.QueryUnescape(c.Value)
	return v
}

// popCookie reads and clears a one-shot cookie.
func popCookie(w http.ResponseWriter, r *http.Request, name string) string {
	v := readCookie(r, name)
	if v != "" {
		clearCookie(w, name)
	}
	return v
}

// wrap is a middleware that wraps HTTP handlers and injects the "app" context.
func wrap(app *App, next http.HandlerFunc) http.HandlerFunc {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := context.WithValue(r.Context(), "app", app)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// sendResponse sends a JSON envelope to the HTTP response.
func sendResponse(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	out, err := json.Marshal(httpResp{Status: "success", Data: data})
	if err != nil {
		sendErrorResponse(w, "Internal Server Error.", http.StatusInternalServerError, nil)
		return
	}

	w.Write(out)
}

// sendErrorResponse sends a JSON error envelope to the HTTP response.
func sendErrorResponse(w http.ResponseWriter, message string, code int, data interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)

	resp := httpResp{Status: "error",
		Message: message,
		Data:    data}
	out, _ := json.Marshal(resp)
	w.Write(out)
}
