package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/LeventeLantos/whatsapp-dispatcher/internal/api"
	"github.com/LeventeLantos/whatsapp-dispatcher/internal/app"
	"github.com/LeventeLantos/whatsapp-dispatcher/internal/config"
	"github.com/LeventeLantos/whatsapp-dispatcher/internal/phone"
	"github.com/LeventeLantos/whatsapp-dispatcher/internal/repo"
	"github.com/LeventeLantos/whatsapp-dispatcher/internal/scheduler"
	"github.com/LeventeLantos/whatsapp-dispatcher/internal/telemetry"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "dispatcher",
		Short:        "Batched WhatsApp outbound message dispatcher",
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			_ = godotenv.Load()
			telemetry.SetupLogger(os.Getenv("LOG_LEVEL"), os.Getenv("LOG_FORMAT"))
		},
	}

	root.AddCommand(
		&cobra.Command{
			Use:   "run",
			Short: "Wait for the channel, run one dispatch cycle and exit",
			Args:  cobra.NoArgs,
			RunE:  runOnce,
		},
		&cobra.Command{
			Use:   "serve",
			Short: "Run cycles on a schedule and expose the HTTP API",
			Args:  cobra.NoArgs,
			RunE:  serve,
		},
		&cobra.Command{
			Use:   "migrate",
			Short: "Apply database migrations",
			Args:  cobra.NoArgs,
			RunE:  migrate,
		},
		&cobra.Command{
			Use:   "normalize [phone...]",
			Short: "Print the chat address and tag for raw phone values",
			RunE:  normalize,
		},
	)
	return root
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadAll()
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

func runOnce(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeApp(a)

	cc, err := a.WaitReady(ctx)
	if err != nil {
		return err
	}

	report := a.Job(cc).Run(ctx)
	if report.Err != nil {
		// already logged and audited by the cycle; the next invocation retries
		slog.Warn("cycle ended without dispatching", "cycle_id", report.CycleID, "error", report.Err)
	}
	return nil
}

func serve(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeApp(a)

	cc, err := a.WaitReady(ctx)
	if err != nil {
		return err
	}
	job := a.Job(cc)

	sched, err := newScheduler(cfg.Scheduler, job.Tick)
	if err != nil {
		return err
	}

	h := api.NewHandler(sched, job, a.Repo, a.Bus, cfg.Gateway.SessionID).
		WithMetrics(promhttp.HandlerFor(a.Registry, promhttp.HandlerOpts{}))

	srv := &http.Server{
		Addr:              cfg.Server.Address,
		Handler:           loggingMiddleware(api.Router(h)),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		slog.Info("http server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		a.Lifecycle.Watch(gctx)
		return nil
	})

	g.Go(func() error {
		sched.Start()
		<-gctx.Done()
		sched.Stop()

		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

func newScheduler(cfg config.SchedulerConfig, tick func(context.Context)) (*scheduler.Scheduler, error) {
	if cfg.Cron != "" {
		return scheduler.NewCron(cfg.Cron, tick)
	}
	return scheduler.New(cfg.Interval, tick)
}

func migrate(cmd *cobra.Command, _ []string) error {
	db, err := config.LoadDatabase()
	if err != nil {
		return err
	}
	if db.Driver != config.DriverPostgres {
		return fmt.Errorf("migrations target postgres, DB_DRIVER is %q", db.Driver)
	}
	if err := repo.MigrateUp(db.URL); err != nil {
		return err
	}
	slog.Info("migrations applied")
	return nil
}

func normalize(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	for _, raw := range args {
		v := raw
		addr := phone.Normalize(&v)
		jid := addr.JID
		if jid == "" {
			jid = "-"
		}
		if _, err := fmt.Fprintf(out, "%s\t%s\t%s\n", raw, addr.Tag, jid); err != nil {
			return err
		}
	}
	return nil
}

func closeApp(a *app.App) {
	if err := a.Close(); err != nil {
		slog.Warn("shutdown incomplete", "error", err)
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(rec, r)

		slog.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}
