package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/rryowa/dashboard_session/internal/backend"
	"github.com/rryowa/dashboard_session/internal/metrics"
	"github.com/rryowa/dashboard_session/internal/migrations"
	"github.com/rryowa/dashboard_session/internal/models"
	"github.com/rryowa/dashboard_session/internal/session"
	"github.com/rryowa/dashboard_session/internal/storage"
	"github.com/rryowa/dashboard_session/internal/storage/file"
	"github.com/rryowa/dashboard_session/internal/storage/memory"
	"github.com/rryowa/dashboard_session/internal/storage/postgres"
	"github.com/rryowa/dashboard_session/internal/storage/redis"
	"github.com/rryowa/dashboard_session/internal/util"
)

const (
	storeFile     = "file"
	storeMemory   = "memory"
	storeRedis    = "redis"
	storePostgres = "postgres"

	metricsShutdownTimeout = 2 * time.Second
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger := util.NewZapLogger(util.GetLogLevel())
	defer func() { _ = logger.Sync() }()

	storeCfg := util.NewStoreConfig()
	kv, cleanup, err := newKV(ctx, logger, storeCfg)
	if err != nil {
		logger.Fatalw("Failed to open session store", "error", err)
	}
	defer cleanup()

	client, err := backend.NewClient(util.NewBackendConfig(), logger)
	if err != nil {
		logger.Fatalw("Failed to create auth backend client", "error", err)
	}

	var opts []session.Option
	if addr := util.GetMetricsAddr(); addr != "" {
		reg := prometheus.NewRegistry()
		opts = append(opts, session.WithMetrics(metrics.NewCollector(reg)))
		shutdown := serveMetrics(logger, addr, reg)
		defer shutdown()
	}

	store := storage.NewSessionStore(kv, storeCfg.Prefix)
	mgr := session.New(util.NewSessionConfig(), client, store, logger, opts...)
	defer mgr.Close()

	events, unsubscribe := mgr.Subscribe()
	defer unsubscribe()
	go printEvents(os.Stdout, events)

	mgr.Initialize(ctx)

	if err := repl(ctx, os.Stdin, os.Stdout, mgr); err != nil {
		logger.Errorw("Input error", "error", err)
	}
}

func newKV(ctx context.Context, logger *zap.SugaredLogger, cfg *util.StoreConfig) (storage.KV, func(), error) {
	switch cfg.Kind {
	case storeFile:
		kv, err := file.NewKV(cfg.Path)
		if err != nil {
			return nil, nil, err
		}
		logger.Debugw("Using file session store", "path", cfg.Path)
		return kv, func() {}, nil

	case storeMemory:
		return memory.NewKV(), func() {}, nil

	case storeRedis:
		redisCfg, err := util.NewRedisConfig()
		if err != nil {
			return nil, nil, err
		}
		client, cleanup, err := util.NewRedisClient(ctx, logger, redisCfg)
		if err != nil {
			return nil, nil, err
		}
		return redis.NewKV(client), cleanup, nil

	case storePostgres:
		dbCfg, err := util.NewDBConfig()
		if err != nil {
			return nil, nil, err
		}
		db, cleanup, err := util.NewDBConnection(logger, dbCfg)
		if err != nil {
			return nil, nil, err
		}
		if err := migrations.RunMigrations(db, logger); err != nil {
			cleanup()
			return nil, nil, err
		}
		return postgres.NewStorage(db), cleanup, nil

	default:
		return nil, nil, fmt.Errorf("unknown SESSION_STORE %q", cfg.Kind)
	}
}

func serveMetrics(logger *zap.SugaredLogger, addr string, reg *prometheus.Registry) func() {
	srv := &http.Server{
		Addr:              addr,
		Handler:           metrics.SetupMetricsRoute(reg),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Errorw("Metrics server stopped", "error", err)
		}
	}()
	logger.Infof("Metrics on: %s", addr)

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), metricsShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			logger.Errorw("Metrics server shutdown", "error", err)
		}
	}
}

func printEvents(out io.Writer, events <-chan session.Event) {
	for ev := range events {
		switch ev.Type {
		case session.EventSessionExpired:
			fmt.Fprintln(out, "\nSession expired. Please login again.")
		case session.EventSessionRevoked:
			fmt.Fprintln(out, "\nSession was ended by the server. Please login again.")
		case session.EventSessionRestored:
			fmt.Fprintf(out, "Welcome back, %s.\n", displayName(ev.User))
		}
	}
}

const usage = `Commands:
  login <email> <password>
  logout
  passwd <current-password> <new-password>
  whoami
  quit`

// repl reads commands until EOF, quit or ctx is done. Every command counts as
// user activity.
func repl(ctx context.Context, in io.Reader, out io.Writer, mgr *session.Manager) error {
	lines := make(chan string)
	scanErr := make(chan error, 1)
	go func() {
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		scanErr <- scanner.Err()
		close(lines)
	}()

	fmt.Fprintln(out, usage)
	for {
		fmt.Fprint(out, prompt(mgr))

		var line string
		select {
		case <-ctx.Done():
			fmt.Fprintln(out)
			return nil
		case l, ok := <-lines:
			if !ok {
				return <-scanErr
			}
			line = l
		}

		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		mgr.RecordActivity()

		switch cmd, args := fields[0], fields[1:]; cmd {
		case "login":
			if len(args) != 2 {
				fmt.Fprintln(out, "usage: login <email> <password>")
				continue
			}
			if res := mgr.Login(ctx, args[0], args[1]); !res.OK {
				fmt.Fprintf(out, "Login failed: %s\n", res.Message)
				continue
			}
			fmt.Fprintln(out, signedInMessage(mgr.User()))

		case "logout":
			if mgr.User() == nil {
				fmt.Fprintln(out, "Not signed in.")
				continue
			}
			mgr.Logout(ctx)
			fmt.Fprintln(out, "Signed out.")

		case "passwd":
			user := mgr.User()
			if user == nil {
				fmt.Fprintln(out, "Not signed in.")
				continue
			}
			if len(args) != 2 {
				fmt.Fprintln(out, "usage: passwd <current-password> <new-password>")
				continue
			}
			if res := mgr.ChangePassword(ctx, user.Email, args[0], args[1]); !res.OK {
				fmt.Fprintf(out, "Password change failed: %s\n", res.Message)
				continue
			}
			fmt.Fprintln(out, "Password changed.")

		case "whoami":
			if user := mgr.User(); user != nil {
				fmt.Fprintf(out, "%s <%s> role=%s\n", displayName(*user), user.Email, user.Role)
			} else {
				fmt.Fprintln(out, "Not signed in.")
			}

		case "quit", "exit":
			return nil

		default:
			fmt.Fprintln(out, usage)
		}
	}
}

func prompt(mgr *session.Manager) string {
	if user := mgr.User(); user != nil {
		return user.Email + "> "
	}
	return "> "
}

// signedInMessage tolerates a nil user: the session can end again before
// the caller reads it.
func signedInMessage(u *models.User) string {
	if u == nil {
		return "Signed in, but the session has already ended."
	}
	return fmt.Sprintf("Signed in as %s.", displayName(*u))
}

func displayName(u models.User) string {
	if u.Name != "" {
		return u.Name
	}
	return u.Email
}
