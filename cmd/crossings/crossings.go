package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/banshee-data/crossings.report/internal/api"
	"github.com/banshee-data/crossings.report/internal/config"
	"github.com/banshee-data/crossings.report/internal/db"
	"github.com/banshee-data/crossings.report/internal/detect"
	"github.com/banshee-data/crossings.report/internal/fsutil"
	"github.com/banshee-data/crossings.report/internal/jobs"
	"github.com/banshee-data/crossings.report/internal/timeutil"
	"github.com/banshee-data/crossings.report/internal/track"
	"github.com/banshee-data/crossings.report/internal/version"
)

var (
	listen        = flag.String("listen", ":8080", "Listen address")
	dbFile        = flag.String("db", "crossings.db", "SQLite database file")
	configPath    = flag.String("config", "", "Tuning config file (defaults to the shipped config)")
	uploadDir     = flag.String("upload-dir", "data/uploads", "Directory for uploaded videos")
	migrationsDir = flag.String("migrations", "db/migrations", "Migrations directory")
	runMigrations = flag.Bool("migrate", false, "Apply pending migrations on startup and exit")
	showVersion   = flag.Bool("version", false, "Print version and exit")
)

// envOverride applies an environment variable on top of an unset flag.
func envOverride(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func main() {
	// Missing .env is fine; it only carries local overrides.
	_ = godotenv.Load()
	flag.Parse()

	if *showVersion {
		log.Printf("crossings.report %s", version.Version)
		return
	}

	envOverride(listen, "CROSSINGS_LISTEN")
	envOverride(dbFile, "CROSSINGS_DB")
	envOverride(configPath, "CROSSINGS_CONFIG")

	var cfg *config.Config
	if *configPath != "" {
		loaded, err := config.LoadConfig(*configPath)
		if err != nil {
			log.Fatalf("failed to load config %s: %v", *configPath, err)
		}
		cfg = loaded
	} else {
		cfg = config.MustLoadDefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid config: %v", err)
	}

	database, err := db.NewDB(*dbFile)
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer database.Close()

	if *runMigrations {
		if err := database.MigrateUp(*migrationsDir); err != nil {
			log.Fatalf("migration failed: %v", err)
		}
		ver, dirty, err := database.MigrateVersion(*migrationsDir)
		if err != nil {
			log.Fatalf("failed to read schema version: %v", err)
		}
		log.Printf("schema at version %d (dirty=%v)", ver, dirty)
		return
	}

	journal, err := db.NewJournal(fsutil.OSFileSystem{}, cfg.GetJournalPath())
	if err != nil {
		log.Fatalf("failed to open event journal: %v", err)
	}
	if n, err := journal.Replay(context.Background(), database); err != nil {
		log.Printf("journal replay incomplete (%d records flushed): %v", n, err)
	} else if n > 0 {
		log.Printf("replayed %d journaled records into the database", n)
	}
	clock := timeutil.RealClock{}
	store := db.NewReliableStore(database, journal, clock)

	detector := detect.NewClient(detect.ClientConfig{
		Endpoint:      cfg.GetDetectorEndpoint(),
		TargetClass:   cfg.GetTargetClass(),
		MinConfidence: cfg.GetMinDetConf(),
		Serialize:     cfg.GetDetectorSerialize(),
	})
	if health, err := detector.Health(context.Background()); err != nil {
		log.Printf("detector sidecar not reachable yet: %v", err)
	} else {
		log.Printf("detector sidecar: %s (device=%s)", health.Status, health.Device)
	}

	manager := jobs.NewManager(jobs.ManagerConfig{
		MaxConcurrentJobs: cfg.GetMaxConcurrentJobs(),
		Retention:         cfg.GetJobRetention(),
		Worker: jobs.WorkerConfig{
			ReconnectAttempts: cfg.GetRTSPReconnectAttempts(),
			ReconnectDelay:    cfg.GetRTSPReconnectDelay(),
			ControlQueueCap:   cfg.GetControlQueueCap(),
		},
		Tracker: track.TrackerConfig{
			IoUMin:     cfg.GetTrackIoUMin(),
			MaxMisses:  cfg.GetTrackMissMax(),
			HistoryLen: cfg.GetTrackHistoryLen(),
			MinConf:    cfg.GetMinDetConf(),
		},
		CrossingThresholdPx: cfg.GetCrossingThresholdPx(),
		ReversalPolicy:      cfg.GetReversalPolicy(),
		JPEGQuality:         cfg.GetJPEGQuality(),
	}, detector, store, &jobs.FFmpegFactory{RTSPFPSCap: cfg.GetRTSPFPSCap()}, clock)

	if err := os.MkdirAll(cfg.GetOutputDir(), 0o755); err != nil {
		log.Fatalf("failed to create output directory: %v", err)
	}

	server := api.NewServer(manager, database, detector, api.Config{
		UploadDir: *uploadDir,
		OutputDir: cfg.GetOutputDir(),
		Line:      cfg.GetLine(),
	})
	mux := server.ServeMux()
	database.AttachAdminRoutes(mux)

	httpServer := &http.Server{
		Addr:    *listen,
		Handler: api.LoggingMiddleware(mux),
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		log.Printf("crossings.report %s listening on %s", version.Version, *listen)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("failed to start server: %v", err)
		}
	}()

	<-ctx.Done()
	log.Println("shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("HTTP server shutdown error: %v", err)
		if err := httpServer.Close(); err != nil {
			log.Printf("HTTP server force close error: %v", err)
		}
	}

	drainCtx, cancelDrain := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancelDrain()
	if !manager.Shutdown(drainCtx) {
		log.Println("some jobs did not stop gracefully")
		os.Exit(1)
	}
	log.Println("graceful shutdown complete")
}
