package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/davecgh/go-spew/spew"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"

	"github.com/adwski/livecode-session/client/api"
	"github.com/adwski/livecode-session/client/config"
	"github.com/adwski/livecode-session/client/conn"
	"github.com/adwski/livecode-session/client/state"
	"github.com/adwski/livecode-session/client/view"
	"github.com/adwski/livecode-session/protocol"
)

const (
	defaultFilePollInterval = 500 * time.Millisecond
	defaultRequestTimeout   = 10 * time.Second
)

func main() {
	logger := zerolog.New(os.Stderr).With().Timestamp().Logger()
	fs := pflag.NewFlagSet("livecode", pflag.ContinueOnError)

	var (
		configPath = fs.StringP("config", "c", "", "yaml config file")
		envFile    = fs.String("env-file", ".env", "dotenv file")
		apiURL     = fs.String("api-url", "", "session api url")
		relayURL   = fs.String("relay-url", "", "websocket relay url")
		appURL     = fs.String("app-url", "", "web app url used for share links")
		sessionID  = fs.StringP("session", "s", "", "session to join")
		roleName   = fs.StringP("role", "r", "spectator", "presenter or spectator")
		name       = fs.StringP("name", "n", "", "presenter name for --create")
		language   = fs.String("language", "", "session language for --create")
		create     = fs.Bool("create", false, "create a session and present it")
		file       = fs.StringP("file", "f", "", "presenter: stream this file's content as code")
		logLevel   = fs.StringP("log-level", "l", "", "log level")
	)
	if err := fs.Parse(os.Args[1:]); err != nil {
		logger.Fatal().Err(err).Msg("failed to parse command line arguments")
	}

	cfg, err := config.Load(*configPath, *envFile)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}
	for _, o := range []struct {
		flag     string
		src, dst *string
	}{
		{"api-url", apiURL, &cfg.APIURL},
		{"relay-url", relayURL, &cfg.RelayURL},
		{"app-url", appURL, &cfg.AppURL},
		{"name", name, &cfg.Name},
		{"language", language, &cfg.Language},
		{"log-level", logLevel, &cfg.LogLevel},
	} {
		if fs.Changed(o.flag) {
			*o.dst = *o.src
		}
	}

	lvl, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to parse loglevel")
	}
	logger = logger.Level(lvl)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err = run(ctx, &logger, cfg, runOpts{
		sessionID: *sessionID,
		role:      protocol.ParseRole(*roleName),
		create:    *create,
		file:      *file,
		in:        os.Stdin,
		out:       os.Stdout,
	}); err != nil {
		logger.Fatal().Err(err).Msg("client failed")
	}
}

type runOpts struct {
	sessionID string
	role      protocol.Role
	create    bool
	file      string
	in        io.Reader
	out       io.Writer
}

func run(ctx context.Context, logger *zerolog.Logger, cfg *config.Config, opts runOpts) error {
	sessions, err := api.NewClient(api.Config{Logger: logger, BaseURL: cfg.APIURL})
	if err != nil {
		return err
	}

	if opts.create {
		reqCtx, reqCancel := context.WithTimeout(ctx, defaultRequestTimeout)
		sess, cErr := sessions.CreateSession(reqCtx, cfg.Name, cfg.Language)
		reqCancel()
		if cErr != nil {
			return cErr
		}
		opts.sessionID, opts.role = sess.ID, protocol.RolePresenter
		if link, lErr := view.ShareLink(cfg.AppURL, sess.ID); lErr == nil {
			fmt.Fprintf(opts.out, "session %s created, share: %s\n", sess.ID, link)
		}
	}
	if opts.sessionID == "" {
		return errors.New("no session: use --session or --create")
	}

	mgr, err := conn.NewManager(conn.Config{Logger: logger, RelayURL: cfg.RelayURL})
	if err != nil {
		return err
	}

	store := state.New()
	p := newPrinter(opts.out)
	unsubscribe := store.Subscribe(p.print)
	defer unsubscribe()

	reqCtx, reqCancel := context.WithTimeout(ctx, defaultRequestTimeout)
	v, err := view.Enter(reqCtx, view.Config{
		Logger:   logger,
		Store:    store,
		Conn:     mgr,
		Sessions: sessions,
	}, opts.sessionID, opts.role)
	reqCancel()
	if err != nil {
		return err
	}
	defer v.Leave()

	if opts.file != "" {
		if v.ReadOnly() {
			logger.Warn().Msg("--file ignored for spectators")
		} else {
			go streamFile(ctx, v, opts.file, logger)
		}
	}

	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(opts.in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			switch strings.TrimSpace(line) {
			case "/quit":
				return nil
			case "/state":
				snap := store.Snapshot()
				snap.Conn = nil
				p.printf("%s", spew.Sdump(snap))
			case "/link":
				link, lErr := view.ShareLink(cfg.AppURL, v.SessionID())
				if lErr != nil {
					logger.Error().Err(lErr).Msg("failed to build share link")
					continue
				}
				p.printf("%s\n", link)
			default:
				if sErr := v.SendChat(line); sErr != nil && !errors.Is(sErr, view.ErrEmptyMessage) {
					logger.Error().Err(sErr).Msg("failed to send chat message")
				}
			}
		}
	}
}

// streamFile publishes the file content whenever it changes.
func streamFile(ctx context.Context, v *view.View, path string, logger *zerolog.Logger) {
	ticker := time.NewTicker(defaultFilePollInterval)
	defer ticker.Stop()

	var last string
	for {
		b, err := os.ReadFile(path)
		if err != nil {
			logger.Error().Err(err).Str("file", path).Msg("failed to read file")
		} else if code := string(b); code != last {
			if err = v.EditCode(code); err != nil {
				return
			}
			last = code
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
