package operator

import (
	"context"
	"flag"
	"fmt"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/hashicorp-forge/pagekeeper/internal/cmd/base"
	"github.com/hashicorp-forge/pagekeeper/internal/config"
	"github.com/hashicorp-forge/pagekeeper/pkg/database"
	"github.com/hashicorp-forge/pagekeeper/pkg/events"
)

// OutboxCommand inspects and repairs the event outbox.
type OutboxCommand struct {
	*base.Command

	flagConfig      string
	flagRetryFailed int
	flagCleanup     time.Duration
}

func (c *OutboxCommand) Synopsis() string {
	return "Show outbox statistics and retry or purge entries"
}

func (c *OutboxCommand) Help() string {
	return `Usage: pagekeeper operator outbox

  This command prints the number of pending, published and failed outbox
  entries. With -retry-failed it republishes failed entries, which also
  releases the events queued behind them. With -cleanup it purges published
  entries older than the given duration.` +
		c.Flags().Help()
}

func (c *OutboxCommand) Flags() *base.FlagSet {
	f := base.NewFlagSet(flag.NewFlagSet("outbox", flag.ContinueOnError))

	f.StringVar(
		&c.flagConfig, "config", "", "(Required) Path to Pagekeeper config file",
	)
	f.IntVar(
		&c.flagRetryFailed, "retry-failed", 0,
		"Retry up to this many failed entries.",
	)
	f.DurationVar(
		&c.flagCleanup, "cleanup", 0,
		"Purge published entries older than this duration.",
	)

	return f
}

func (c *OutboxCommand) Run(args []string) int {
	logger, ui := c.Log, c.UI

	flags := c.Flags()
	if err := flags.Parse(args); err != nil {
		ui.Error(fmt.Sprintf("error parsing flags: %v", err))
		return 1
	}

	if c.flagConfig == "" {
		ui.Error("config flag is required")
		return 1
	}
	if c.flagRetryFailed < 0 {
		ui.Error("retry-failed must not be negative")
		return 1
	}

	cfg, err := config.Load(c.flagConfig)
	if err != nil {
		ui.Error(fmt.Sprintf("error loading config: %v", err))
		return 1
	}

	db, err := database.Connect(*cfg.Database, logger)
	if err != nil {
		ui.Error(fmt.Sprintf("error connecting to database: %v", err))
		return 1
	}

	relayCfg := events.Config{
		DB:      db,
		Brokers: cfg.Events.Brokers,
		Topic:   cfg.Events.Topic,
		Logger:  logger,
	}
	if c.flagRetryFailed == 0 {
		// Statistics and cleanup never publish.
		relayCfg.Producer = noopProducer{}
	}
	relay, err := events.New(relayCfg)
	if err != nil {
		ui.Error(fmt.Sprintf("error initializing outbox relay: %v", err))
		return 1
	}
	defer relay.Stop()

	if c.flagRetryFailed > 0 {
		if err := relay.RetryFailed(context.Background(), c.flagRetryFailed); err != nil {
			ui.Error(fmt.Sprintf("error retrying failed entries: %v", err))
			return 1
		}
	}

	if c.flagCleanup > 0 {
		if err := relay.CleanupOldEntries(c.flagCleanup); err != nil {
			ui.Error(fmt.Sprintf("error purging published entries: %v", err))
			return 1
		}
	}

	stats, err := relay.GetStats()
	if err != nil {
		ui.Error(fmt.Sprintf("error reading outbox statistics: %v", err))
		return 1
	}
	ui.Output(fmt.Sprintf("pending:   %d", stats.Pending))
	ui.Output(fmt.Sprintf("published: %d", stats.Published))
	ui.Output(fmt.Sprintf("failed:    %d", stats.Failed))

	return 0
}

// noopProducer satisfies events.Producer for commands that only read the
// outbox.
type noopProducer struct{}

func (noopProducer) ProduceSync(context.Context, ...*kgo.Record) kgo.ProduceResults { return nil }

func (noopProducer) Close() {}
