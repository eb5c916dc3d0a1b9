package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/banshee-data/mindrace/internal/api"
	"github.com/banshee-data/mindrace/internal/config"
	"github.com/banshee-data/mindrace/internal/db"
	"github.com/banshee-data/mindrace/internal/engine"
	"github.com/banshee-data/mindrace/internal/monitoring"
	"github.com/banshee-data/mindrace/internal/timeutil"
	"github.com/banshee-data/mindrace/internal/version"
)

var (
	configPath  = flag.String("config", "", "Race config file (.json, .yaml or .yml); built-in defaults when empty")
	listen      = flag.String("listen", ":8080", "Listen address")
	dbPath      = flag.String("db", "mindrace.db", "SQLite database path; empty disables session storage")
	devMode     = flag.Bool("dev", false, "Use the local bit source regardless of the configured source")
	ticks       = flag.Int("ticks", 0, "Run N ticks without pacing, print the audit report and exit")
	logLevel    = flag.String("log-level", "info", "Log level: debug, info, warn or error")
	journal     = flag.Bool("journal", false, "Send logs to the systemd journal when running as a service")
	showVersion = flag.Bool("version", false, "Print version and exit")
)

const shutdownTimeout = 2 * time.Second

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Println(version.Get().String())
		return
	}

	level, err := monitoring.ParseLevel(*logLevel)
	if err != nil {
		log.Fatalf("invalid --log-level: %v", err)
	}
	monitoring.Level.Set(level)
	monitoring.Install(monitoring.NewLogger(monitoring.Options{Journal: *journal}))

	if *ticks < 0 {
		log.Fatal("--ticks must not be negative")
	}
	if *ticks == 0 && *listen == "" {
		log.Fatal("Listen address is required")
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	src, err := newSupplier(cfg, *devMode)
	if err != nil {
		log.Fatalf("failed to create bit source: %v", err)
	}
	defer src.Close()

	var store *db.DB
	if *dbPath != "" {
		store, err = db.NewDB(*dbPath)
		if err != nil {
			log.Fatalf("Failed to connect to database: %v", err)
		}
		defer store.Close()
	}

	opts, err := sessionOptions(cfg, src.Source, store)
	if err != nil {
		log.Fatalf("invalid race settings: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	session, err := engine.NewSession(ctx, src.Supplier, opts)
	if err != nil {
		log.Fatalf("failed to start session: %v", err)
	}
	monitoring.Logf("%s: session %s source=%s", version.Get().String(), session.ID(), session.SupplierName())

	if *ticks > 0 {
		if err := runHeadless(ctx, session, *ticks, os.Stdout); err != nil {
			log.Fatalf("headless run failed: %v", err)
		}
		return
	}

	runner := engine.NewRunner(session, timeutil.RealClock{}, cfg.GetTickInterval())
	if err := serve(ctx, *listen, session, runner, store, src); err != nil {
		log.Fatalf("server failed: %v", err)
	}
	log.Printf("Graceful shutdown complete")
}

// serve runs the HTTP server until ctx ends, then stops the race loop and
// shuts the server down.
func serve(ctx context.Context, addr string, session *engine.Session, runner *engine.Runner, store *db.DB, src *bitSource) error {
	srv := api.NewServer(session, runner, sessionStore(store))
	srv.BaseContext = ctx

	mux := srv.ServeMux()
	if store != nil {
		store.AttachAdminRoutes(mux)
	}
	if src.Device != nil {
		src.Device.AttachAdminRoutes(mux)
	}

	server := &http.Server{
		Addr:              addr,
		Handler:           api.LoggingMiddleware(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		monitoring.Logf("listening on %s", addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen %s: %w", addr, err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Println("shutting down HTTP server...")
		runner.Stop()
		session.Hub().Close()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("HTTP server shutdown error: %v", err)
			if err := server.Close(); err != nil {
				log.Printf("HTTP server force close error: %v", err)
			}
		}
		return nil
	})
	return g.Wait()
}

// sessionStore keeps a nil *db.DB from becoming a non-nil interface.
func sessionStore(store *db.DB) api.SessionStore {
	if store == nil {
		return nil
	}
	return store
}
