package serve

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/hashicorp-forge/pagekeeper/internal/cmd/base"
	"github.com/hashicorp-forge/pagekeeper/internal/cmd/commands/server"
	"github.com/hashicorp-forge/pagekeeper/internal/config"
)

type Command struct {
	*base.Command

	// Inherit all server command fields
	serverCmd *server.Command
}

func (c *Command) Synopsis() string {
	return "Run the server (zero-config simplified mode or traditional server)"
}

func (c *Command) Help() string {
	return `Usage: pagekeeper serve [path]
       pagekeeper serve -config=config.hcl

  Run Pagekeeper in simplified mode (zero-config) or traditional server mode.

  Simplified Mode (Zero-Config):
    ./pagekeeper                  - Uses ./pagekeeper-data/ in current directory
    ./pagekeeper /path/to/data    - Uses specified path for data

  Traditional Mode:
    ./pagekeeper serve -config=config.hcl  - Uses explicit config file

  In simplified mode, Pagekeeper will:
    - Create the data directory if it does not exist
    - Use an embedded SQLite database (no PostgreSQL required)
    - Store pages on the local filesystem
    - Start web server on http://127.0.0.1:8000
` + c.Flags().Help()
}

func (c *Command) Flags() *base.FlagSet {
	if c.serverCmd == nil {
		c.serverCmd = &server.Command{Command: c.Command}
	}
	return c.serverCmd.Flags()
}

func (c *Command) Run(args []string) int {
	c.serverCmd = &server.Command{Command: c.Command}

	f := c.Flags()
	if err := f.Parse(args); err != nil {
		c.UI.Error(fmt.Sprintf("error parsing flags: %v", err))
		return 1
	}

	// If explicit config provided, use traditional server mode
	if configFlag := f.FlagSet.Lookup("config"); configFlag != nil && configFlag.Value.String() != "" {
		c.UI.Info("Running in traditional server mode (config file specified)")
		return c.serverCmd.Run(args)
	}

	dataPath := "pagekeeper-data"
	if remaining := f.Args(); len(remaining) > 0 {
		dataPath = remaining[0]
	}
	absPath, err := filepath.Abs(dataPath)
	if err != nil {
		c.UI.Error(fmt.Sprintf("error resolving data path: %v", err))
		return 1
	}

	if err := os.MkdirAll(absPath, 0o755); err != nil {
		c.UI.Error(fmt.Sprintf("error creating data directory: %v", err))
		return 1
	}

	cfg, err := SimplifiedConfig(absPath)
	if err != nil {
		c.UI.Error(fmt.Sprintf("error building config: %v", err))
		return 1
	}
	if addr := f.FlagSet.Lookup("addr"); addr != nil && addr.Value.String() != "" {
		cfg.Server.Addr = addr.Value.String()
	}

	c.UI.Info(fmt.Sprintf("Pagekeeper data:  %s", absPath))
	c.UI.Info(fmt.Sprintf("Database:         %s", cfg.Database.Path))
	c.UI.Info(fmt.Sprintf("Pages:            %s", cfg.Blob.FS.Root))
	c.UI.Info(fmt.Sprintf("Server:           http://%s", cfg.Server.Addr))

	return c.serverCmd.RunConfig(cfg)
}

// SimplifiedConfig returns a configuration that keeps everything under
// dataPath: a SQLite database and filesystem page storage. Environment
// overrides still apply.
func SimplifiedConfig(dataPath string) (*config.Config, error) {
	cfg, err := config.Load("")
	if err != nil {
		return nil, err
	}

	cfg.Database.Driver = "sqlite"
	cfg.Database.Path = filepath.Join(dataPath, "pagekeeper.db")
	cfg.Blob.Backend = "fs"
	cfg.Blob.FS.Root = filepath.Join(dataPath, "pages")
	cfg.Events.Brokers = nil
	cfg.Export.Dir = filepath.Join(dataPath, "exports")

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
