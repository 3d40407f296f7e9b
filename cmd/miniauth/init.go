package main

import (
	"context"
	"fmt"
	"html/template"
	"log"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/knadh/stuffbin"
	flag "github.com/spf13/pflag"
	"github.com/zerodha/logf"

	"github.com/clscloud/miniauth/internal/flow"
	"github.com/clscloud/miniauth/internal/mailer"
	"github.com/clscloud/miniauth/internal/models"
)

type constants struct {
	OTPExpiry      time.Duration
	SignedInExpiry time.Duration
	ResendInterval time.Duration
	MaxAttempts    int
	RateWindow     time.Duration
	RateMaxStarts  int
	CountID        string

	// Exported to templates.
	RootURL string

	// DebugEndpoints enables the clock, fault-injection and session
	// cleanup routes. Never turn this on in production.
	DebugEndpoints bool
}

func initConfig() {
	// Register --help handler.
	f := flag.NewFlagSet("config", flag.ContinueOnError)
	f.Usage = func() {
		fmt.Println(f.FlagUsages())
		os.Exit(0)
	}
	f.StringSlice("config", []string{"config.toml"},
		"Path to one or more TOML config files to load in order")
	f.StringSlice("seed-user", nil,
		"User to provision at boot as 'id:email' or 'email'. Can specify multiple values.")
	f.Bool("version", false, "Show build version")
	f.Parse(os.Args[1:])

	// Display version.
	if ok, _ := f.GetBool("version"); ok {
		fmt.Println(buildString)
		os.Exit(0)
	}

	// Defaults, overridden by config files, env vars and flags in that
	// order.
	ko.Load(confmap.Provider(map[string]interface{}{
		"app.address":          ":8080",
		"app.otp_expiry":       "15m",
		"app.signed_in_expiry": "4320h",
		"app.resend_interval":  "30s",
		"app.max_attempts":     3,
		"app.rate_window":      "5m",
		"app.rate_max_starts":  3,
		"app.count_id":         "visits",
		"mail.subject":         "{{ .Token }} is your sign in code",
		"store.redis.host":     "127.0.0.1",
		"store.redis.port":     6379,
	}, "."), nil)

	// Read the config files.
	cFiles, _ := f.GetStringSlice("config")
	for _, c := range cFiles {
		log.Printf("reading config: %s", c)
		if err := ko.Load(file.Provider(c), toml.Parser()); err != nil {
			log.Printf("error reading config: %v", err)
		}
	}

	// Load environment variables and merge into the loaded config.
	if err := ko.Load(env.Provider("MINIAUTH_", ".", func(s string) string {
		return strings.Replace(strings.ToLower(
			strings.TrimPrefix(s, "MINIAUTH_")), "__", ".", -1)
	}), nil); err != nil {
		log.Printf("error loading env config: %v", err)
	}

	ko.Load(posflag.Provider(f, ".", ko), nil)
}

func initLogger(debug bool) logf.Logger {
	opts := logf.Opts{EnableCaller: true}
	if debug {
		opts.Level = logf.DebugLevel
		opts.EnableColor = true
	}
	return logf.New(opts)
}

func initFS(exe string) stuffbin.FileSystem {
	// Read stuffed data from self.
	fs, err := stuffbin.UnStuff(exe)
	if err != nil {
		// Binary is unstuffed or is running in dev mode.
		// Can halt here or fall back to the local filesystem.
		if err == stuffbin.ErrNoID {
			// First argument is to the root to mount the files in the FileSystem
			// and the rest of the arguments are paths to embed.
			fs, err = stuffbin.NewLocalFS("/", "static/")
			if err != nil {
				log.Fatalf("error falling back to local filesystem: %v", err)
			}
		} else {
			log.Fatalf("error reading stuffed binary: %v", err)
		}
	}

	return fs
}

// initMailer builds the SMTP mailer with the passcode subject and body
// templates.
func initMailer(fs stuffbin.FileSystem, expiry time.Duration) (mailer.Mailer, error) {
	var cfg mailer.Config
	if err := ko.UnmarshalWithConf("mail", &cfg, koanf.UnmarshalConf{Tag: "json"}); err != nil {
		return nil, fmt.Errorf("error reading mail config: %v", err)
	}

	subject, err := template.New("subject").Parse(ko.String("mail.subject"))
	if err != nil {
		return nil, fmt.Errorf("error parsing mail subject template: %v", err)
	}

	b, err := fs.Read("/static/email.tpl")
	if err != nil {
		return nil, fmt.Errorf("error reading e-mail template: %v", err)
	}
	body, err := template.New("email").Parse(string(b))
	if err != nil {
		return nil, fmt.Errorf("error parsing e-mail template: %v", err)
	}

	return mailer.New(cfg, subject, body, expiry)
}

// seedUsers provisions accounts given as --seed-user flags. The sign-in
// flow never creates users, so a fresh deployment has to be seeded out
// of band.
func seedUsers(app *App, specs []string) {
	for _, sp := range specs {
		u := models.User{ID: uuid.NewString(), Email: sp}
		if i := strings.IndexByte(sp, ':'); i > 0 && strings.ContainsRune(sp[i+1:], '@') {
			u = models.User{ID: sp[:i], Email: sp[i+1:]}
		}

		if !flow.ValidEmail(u.Email) {
			app.lo.Fatal("invalid --seed-user email", "value", sp)
		}
		if err := app.store.PutUser(context.Background(), u); err != nil {
			app.lo.Fatal("error seeding user", "error", err, "email", u.Email)
		}
		app.lo.Info("seeded user", "id", u.ID, "email", u.Email)
	}
}
