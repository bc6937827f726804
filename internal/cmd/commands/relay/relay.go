package relay

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/hashicorp-forge/pagekeeper/internal/cmd/base"
	"github.com/hashicorp-forge/pagekeeper/internal/config"
	"github.com/hashicorp-forge/pagekeeper/pkg/database"
	"github.com/hashicorp-forge/pagekeeper/pkg/events"
)

type Command struct {
	*base.Command

	flagConfig          string
	flagCleanupInterval time.Duration
}

func (c *Command) Synopsis() string {
	return "Run the outbox relay"
}

func (c *Command) Help() string {
	return `Usage: pagekeeper relay

  This command publishes page set events recorded in the outbox table to the
  configured Kafka or Redpanda topic. Run it when the server is started with
  -no-relay.` + c.Flags().Help()
}

func (c *Command) Flags() *base.FlagSet {
	f := base.NewFlagSet(flag.NewFlagSet("relay", flag.ContinueOnError))

	f.StringVar(
		&c.flagConfig, "config", "",
		"[PAGEKEEPER_CONFIG] Path to Pagekeeper config file",
	)
	f.DurationVar(
		&c.flagCleanupInterval, "cleanup-interval", time.Hour,
		"Interval between purges of published outbox entries",
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
	c.Log.SetLevel(hclog.LevelFromString(cfg.LogLevel))

	if len(cfg.Events.Brokers) == 0 {
		c.UI.Error("events.brokers is required (or PAGEKEEPER_EVENTS_BROKERS)")
		return 1
	}

	db, err := database.Connect(*cfg.Database, c.Log)
	if err != nil {
		c.UI.Error(fmt.Sprintf("error connecting to database: %v", err))
		return 1
	}

	relay, err := events.New(events.Config{
		DB:           db,
		Brokers:      cfg.Events.Brokers,
		Topic:        cfg.Events.Topic,
		PollInterval: cfg.Events.PollEvery(),
		BatchSize:    cfg.Events.BatchSize,
		Logger:       c.Log,
	})
	if err != nil {
		c.UI.Error(fmt.Sprintf("error initializing outbox relay: %v", err))
		return 1
	}
	defer relay.Stop()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go relay.RunCleanup(ctx, c.flagCleanupInterval, cfg.Events.Retention())

	if err := relay.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		c.UI.Error(fmt.Sprintf("outbox relay failed: %v", err))
		return 1
	}
	return 0
}
