package export

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/hashicorp/go-hclog"

	"github.com/hashicorp-forge/pagekeeper/internal/cmd/base"
	"github.com/hashicorp-forge/pagekeeper/internal/config"
	"github.com/hashicorp-forge/pagekeeper/internal/server"
	"github.com/hashicorp-forge/pagekeeper/pkg/database"
	"github.com/hashicorp-forge/pagekeeper/pkg/events"
	"github.com/hashicorp-forge/pagekeeper/pkg/export"
	"github.com/hashicorp-forge/pagekeeper/pkg/models"
	"github.com/hashicorp-forge/pagekeeper/pkg/pagestore"
)

type Command struct {
	*base.Command

	flagConfig    string
	flagDir       string
	flagFromStart bool
}

func (c *Command) Synopsis() string {
	return "Export merged artifacts as they are published"
}

func (c *Command) Help() string {
	return `Usage: pagekeeper export

  This command consumes artifact.merged events from the configured topic and
  writes each current merged artifact to the export directory as
  <page set id>-COMPLETE.pdf.` + c.Flags().Help()
}

func (c *Command) Flags() *base.FlagSet {
	f := base.NewFlagSet(flag.NewFlagSet("export", flag.ContinueOnError))

	f.StringVar(
		&c.flagConfig, "config", "",
		"[PAGEKEEPER_CONFIG] Path to Pagekeeper config file",
	)
	f.StringVar(
		&c.flagDir, "dir", "",
		"Directory to write exports to (overrides export.dir)",
	)
	f.BoolVar(
		&c.flagFromStart, "from-start", false,
		"Consume the topic from the beginning when the consumer group is new",
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
	if c.flagDir != "" {
		cfg.Export.Dir = c.flagDir
	}
	c.Log.SetLevel(hclog.LevelFromString(cfg.LogLevel))

	if len(cfg.Events.Brokers) == 0 {
		c.UI.Error("events.brokers is required (or PAGEKEEPER_EVENTS_BROKERS)")
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := database.Connect(*cfg.Database, c.Log)
	if err != nil {
		c.UI.Error(fmt.Sprintf("error connecting to database: %v", err))
		return 1
	}
	if sqlDB, err := db.DB(); err == nil {
		defer sqlDB.Close()
	}

	blobs, err := server.NewBlobStore(ctx, cfg.Blob, cfg.RetryConfig(), c.Log)
	if err != nil {
		c.UI.Error(err.Error())
		return 1
	}

	store := pagestore.NewGormStore(db, cfg.RetryConfig(), c.Log)
	exporter, err := export.New(export.Config{
		Store:     store,
		Artifacts: store,
		Blobs:     blobs,
		Dir:       cfg.Export.Dir,
		Logger:    c.Log,
	})
	if err != nil {
		c.UI.Error(fmt.Sprintf("error initializing exporter: %v", err))
		return 1
	}

	consumer, err := events.NewConsumer(events.ConsumerConfig{
		Brokers:          cfg.Events.Brokers,
		Topic:            cfg.Events.Topic,
		ConsumerGroup:    cfg.Export.ConsumerGroup,
		ConsumeFromStart: c.flagFromStart,
		EventTypes:       []string{models.EventArtifactMerged},
		Handler:          exporter,
		Retry:            cfg.RetryConfig(),
		Logger:           c.Log,
	})
	if err != nil {
		c.UI.Error(fmt.Sprintf("error initializing event consumer: %v", err))
		return 1
	}
	defer consumer.Stop()

	c.Log.Info("exporting merged artifacts", "dir", cfg.Export.Dir, "topic", cfg.Events.Topic)
	if err := consumer.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		c.UI.Error(fmt.Sprintf("event consumer failed: %v", err))
		return 1
	}
	return 0
}
