package server

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-multierror"
	"gorm.io/gorm"

	apiv2 "github.com/hashicorp-forge/pagekeeper/internal/api/v2"
	"github.com/hashicorp-forge/pagekeeper/internal/cmd/base"
	"github.com/hashicorp-forge/pagekeeper/internal/config"
	"github.com/hashicorp-forge/pagekeeper/internal/migrate"
	"github.com/hashicorp-forge/pagekeeper/internal/server"
	"github.com/hashicorp-forge/pagekeeper/pkg/cache"
	"github.com/hashicorp-forge/pagekeeper/pkg/database"
	"github.com/hashicorp-forge/pagekeeper/pkg/delivery"
	"github.com/hashicorp-forge/pagekeeper/pkg/events"
	"github.com/hashicorp-forge/pagekeeper/pkg/merge"
	"github.com/hashicorp-forge/pagekeeper/pkg/pagestore"
	"github.com/hashicorp-forge/pagekeeper/pkg/split"
)

type Command struct {
	*base.Command

	flagConfig  string
	flagAddr    string
	flagNoRelay bool
}

func (c *Command) Synopsis() string {
	return "Run the server"
}

func (c *Command) Help() string {
	return `Usage: pagekeeper server

  This command runs the Pagekeeper HTTP server. Configuration is read from
  the file given by -config and then from PAGEKEEPER_* environment
  variables. When event brokers are configured the outbox relay runs in the
  same process unless -no-relay is set.` + c.Flags().Help()
}

func (c *Command) Flags() *base.FlagSet {
	f := base.NewFlagSet(flag.NewFlagSet("server", flag.ContinueOnError))

	f.StringVar(
		&c.flagConfig, "config", "",
		"[PAGEKEEPER_CONFIG] Path to Pagekeeper config file",
	)
	f.StringVar(
		&c.flagAddr, "addr", "",
		"Address to bind to for listening (overrides server.addr)",
	)
	f.BoolVar(
		&c.flagNoRelay, "no-relay", false,
		"Do not run the outbox relay in the server process",
	)

	return f
}

func (c *Command) Run(args []string) int {
	f := c.Flags()
	if err := f.Parse(args); err != nil {
		c.UI.Error(fmt.Sprintf("error parsing flags: %v", err))
		return 1
	}

	cfgPath := c.flagConfig
	if val, ok := os.LookupEnv("PAGEKEEPER_CONFIG"); ok && cfgPath == "" {
		cfgPath = val
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		c.UI.Error(fmt.Sprintf("error loading config: %v", err))
		return 1
	}
	if c.flagAddr != "" {
		cfg.Server.Addr = c.flagAddr
	}

	return c.RunConfig(cfg)
}

// RunConfig runs the server with cfg until SIGINT or SIGTERM.
func (c *Command) RunConfig(cfg *config.Config) int {
	log := c.Log
	log.SetLevel(hclog.LevelFromString(cfg.LogLevel))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv, cleanup, err := Build(ctx, cfg, log)
	if err != nil {
		c.UI.Error(fmt.Sprintf("error initializing server: %v", err))
		return 1
	}
	defer cleanup()

	var relay *events.Relay
	if len(cfg.Events.Brokers) > 0 && !c.flagNoRelay {
		relay, err = events.New(events.Config{
			DB:           srv.DB,
			Brokers:      cfg.Events.Brokers,
			Topic:        cfg.Events.Topic,
			PollInterval: cfg.Events.PollEvery(),
			BatchSize:    cfg.Events.BatchSize,
			Logger:       log,
		})
		if err != nil {
			c.UI.Error(fmt.Sprintf("error initializing outbox relay: %v", err))
			return 1
		}
		go func() {
			if err := relay.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Error("outbox relay stopped", "error", err)
			}
		}()
		go relay.RunCleanup(ctx, time.Hour, cfg.Events.Retention())
	}

	readTimeout, writeTimeout, shutdownTimeout := cfg.Server.Timeouts()
	httpSrv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           apiv2.LogRequests(*srv, apiv2.NewMux(*srv)),
		ReadTimeout:       readTimeout,
		ReadHeaderTimeout: readTimeout,
		WriteTimeout:      writeTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("listening", "addr", cfg.Server.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	exitCode := 0
	select {
	case <-ctx.Done():
		log.Info("shutting down")
	case err := <-errCh:
		if err != nil {
			c.UI.Error(fmt.Sprintf("error starting listener: %v", err))
			exitCode = 1
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Error("error shutting down http server", "error", err)
		exitCode = 1
	}
	if relay != nil {
		relay.Stop()
	}

	return exitCode
}

// Build connects to the database and blob storage and wires every page set
// operation. The returned cleanup releases the cache and the database.
func Build(ctx context.Context, cfg *config.Config, log hclog.Logger) (*server.Server, func(), error) {
	db, err := database.Connect(*cfg.Database, log)
	if err != nil {
		return nil, nil, fmt.Errorf("error connecting to database: %w", err)
	}

	if err := migrateSchema(db, cfg.Database.Driver, log); err != nil {
		return nil, nil, closeDB(db, err)
	}

	blobs, err := server.NewBlobStore(ctx, cfg.Blob, cfg.RetryConfig(), log)
	if err != nil {
		return nil, nil, closeDB(db, err)
	}

	c, err := cache.New(cfg.CacheConfig(), log)
	if err != nil {
		return nil, nil, closeDB(db, fmt.Errorf("error initializing cache: %w", err))
	}

	store := pagestore.NewGormStore(db, cfg.RetryConfig(), log)
	merger := merge.New(store, store, blobs, cfg.MergeConfig(), log)

	srv := &server.Server{
		Config:   cfg,
		DB:       db,
		Store:    store,
		Blob:     blobs,
		Splitter: split.New(store, cfg.SplitConfig(), log),
		Merger:   merger,
		Delivery: delivery.New(store, blobs, merger, c, cfg.DeliveryConfig(), log),
		Logger:   log,
	}

	cleanup := func() {
		c.Close()
		if err := closeDB(db, nil); err != nil {
			log.Error("error closing database", "error", err)
		}
	}
	return srv, cleanup, nil
}

func migrateSchema(db *gorm.DB, driver string, log hclog.Logger) error {
	if driver == "sqlite" {
		if err := pagestore.AutoMigrate(db); err != nil {
			return fmt.Errorf("error migrating sqlite schema: %w", err)
		}
		return nil
	}

	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("error getting sql database: %w", err)
	}
	if err := migrate.RunMigrations(sqlDB, driver); err != nil {
		return fmt.Errorf("error running migrations: %w", err)
	}
	log.Debug("database migrations applied", "driver", driver)
	return nil
}

// closeDB closes db and combines any failure with cause.
func closeDB(db *gorm.DB, cause error) error {
	sqlDB, err := db.DB()
	if err == nil {
		err = sqlDB.Close()
	}
	if err != nil {
		return multierror.Append(cause, err).ErrorOrNil()
	}
	return cause
}
