package operator

import (
	"github.com/mitchellh/cli"

	"github.com/hashicorp-forge/pagekeeper/internal/cmd/base"
)

type Command struct {
	*base.Command
}

func (c *Command) Synopsis() string {
	return "Perform operator-specific tasks"
}

func (c *Command) Help() string {
	return `Usage: pagekeeper operator <subcommand> [options] [args]

  This command groups subcommands for operators interacting with Pagekeeper.`
}

func (c *Command) Run(args []string) int {
	return cli.RunResultHelp
}
