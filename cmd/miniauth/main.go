package main

import (
	"html/template"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/knadh/koanf/v2"
	"github.com/knadh/stuffbin"
	"github.com/zerodha/logf"

	"github.com/clscloud/miniauth/internal/clock"
	"github.com/clscloud/miniauth/internal/flow"
	"github.com/clscloud/miniauth/internal/otp"
	"github.com/clscloud/miniauth/internal/ratelimit"
	"github.com/clscloud/miniauth/internal/retry"
	"github.com/clscloud/miniauth/internal/store"
	"github.com/clscloud/miniauth/internal/store/redis"
)

// App is the global app context that groups the necessary
// controls (store, flow, config etc.) to be injected into the HTTP handlers.
type App struct {
	store   store.Store
	flow    *flow.Flow
	limiter *ratelimit.Limiter
	clock   clock.Clock

	// Set only when debug endpoints are enabled.
	offset *clock.Offset
	faults *retry.Faults

	lo        logf.Logger
	tpl       *template.Template
	fs        stuffbin.FileSystem
	constants constants
}

var (
	ko = koanf.New(".")

	// Version of the build injected at build time.
	buildString = "unknown"
)

func main() {
	initConfig()

	lo := initLogger(ko.Bool("app.debug"))

	app := &App{
		lo: lo,
		fs: initFS(os.Args[0]),

		constants: constants{
			OTPExpiry:      ko.Duration("app.otp_expiry"),
			SignedInExpiry: ko.Duration("app.signed_in_expiry"),
			ResendInterval: ko.Duration("app.resend_interval"),
			MaxAttempts:    ko.Int("app.max_attempts"),
			RateWindow:     ko.Duration("app.rate_window"),
			RateMaxStarts:  ko.Int("app.rate_max_starts"),
			CountID:        ko.String("app.count_id"),
			RootURL:        strings.TrimRight(ko.String("app.root_url"), "/"),
			DebugEndpoints: ko.Bool("app.debug_endpoints"),
		},
	}

	// Wall clock in production. Debug environments get the offsettable
	// clock and the storage fault injector.
	app.clock = clock.System{}
	if app.constants.DebugEndpoints {
		app.offset = clock.NewOffset()
		app.clock = app.offset
		app.faults = retry.NewFaults()
		lo.Info("debug endpoints are enabled")
	}

	// Load the store.
	var rc redis.Conf
	if err := ko.UnmarshalWithConf("store.redis", &rc, koanf.UnmarshalConf{Tag: "json"}); err != nil {
		lo.Fatal("error reading redis config", "error", err)
	}
	app.store = redis.New(rc, app.clock, app.faults)

	// Compile static templates.
	tpl, err := stuffbin.ParseTemplatesGlob(nil, app.fs, "/static/*.html")
	if err != nil {
		lo.Fatal("error compiling templates", "error", err)
	}
	app.tpl = tpl

	m, err := initMailer(app.fs, app.constants.OTPExpiry)
	if err != nil {
		lo.Fatal("error initializing mailer", "error", err)
	}

	app.limiter = ratelimit.New(app.store, app.constants.RateWindow, app.constants.RateMaxStarts, lo)
	app.flow = flow.New(app.store, app.limiter,
		otp.New(ko.Strings("app.otp_denylist")...),
		m, app.clock,
		flow.Config{
			OTPExpiry:      app.constants.OTPExpiry,
			SignedInExpiry: app.constants.SignedInExpiry,
			ResendInterval: app.constants.ResendInterval,
			MaxAttempts:    app.constants.MaxAttempts,
		}, lo)

	seedUsers(app, ko.Strings("seed-user"))

	// Register handles.
	r := chi.NewRouter()
	r.Get("/", wrap(app, handleHomePage))
	r.Get("/auth/sign-in", wrap(app, handleSignInPage))
	r.Get("/auth/await-code", wrap(app, handleAwaitCodePage))
	r.Post("/auth/start-otp", wrap(app, handleStartOTP))
	r.Post("/auth/resend-code", wrap(app, handleResendCode))
	r.Post("/auth/finish-otp", wrap(app, handleFinishOTP))
	r.Post("/auth/cancel-otp", wrap(app, handleCancelOTP))
	r.Post("/auth/sign-out", wrap(app, handleSignOut))

	r.Get("/private", wrap(app, signedInOnly(handlePrivatePage)))
	r.Get("/count", wrap(app, signedInOnly(handleCountPage)))
	r.Post("/increment", wrap(app, signedInOnly(handleIncrement)))

	r.Get("/api/health", wrap(app, handleHealthCheck))
	r.Get("/static/*", func(w http.ResponseWriter, r *http.Request) {
		app.fs.FileServer().ServeHTTP(w, r)
	})

	if app.constants.DebugEndpoints {
		r.Get("/auth/set-clock/{deltaMs}", wrap(app, handleSetClock))
		r.Get("/auth/reset-clock", wrap(app, handleResetClock))
		r.Get("/auth/clean-sessions/{email}", wrap(app, handleCleanSessions))
		r.Get("/debug/set-db-failures/{op}/{n}", wrap(app, handleSetDBFailures))
	}

	// HTTP Server.
	timeout := ko.Duration("app.server_timeout")
	if timeout.Seconds() < 1 {
		timeout = time.Second * 5
	}

	srv := &http.Server{
		Addr:         ko.String("app.address"),
		ReadTimeout:  timeout,
		WriteTimeout: timeout,
		Handler:      r,
	}

	lo.Info("starting server", "address", srv.Addr, "build", buildString)
	if err := srv.ListenAndServe(); err != nil {
		lo.Fatal("couldn't start server", "error", err)
	}
}
