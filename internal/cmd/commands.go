package cmd

import (
	"github.com/hashicorp/go-hclog"
	"github.com/mitchellh/cli"

	"github.com/hashicorp-forge/pagekeeper/internal/cmd/base"
	"github.com/hashicorp-forge/pagekeeper/internal/cmd/commands/export"
	"github.com/hashicorp-forge/pagekeeper/internal/cmd/commands/operator"
	"github.com/hashicorp-forge/pagekeeper/internal/cmd/commands/relay"
	"github.com/hashicorp-forge/pagekeeper/internal/cmd/commands/serve"
	"github.com/hashicorp-forge/pagekeeper/internal/cmd/commands/server"
	"github.com/hashicorp-forge/pagekeeper/internal/cmd/commands/version"
)

// Commands is the mapping of all available Pagekeeper commands.
var Commands map[string]cli.CommandFactory

func initCommands(log hclog.Logger, ui cli.Ui) {
	b := base.NewCommand(log, ui)

	Commands = map[string]cli.CommandFactory{
		"export": func() (cli.Command, error) {
			return &export.Command{Command: b}, nil
		},
		"operator": func() (cli.Command, error) {
			return &operator.Command{Command: b}, nil
		},
		"operator outbox": func() (cli.Command, error) {
			return &operator.OutboxCommand{Command: b}, nil
		},
		"relay": func() (cli.Command, error) {
			return &relay.Command{Command: b}, nil
		},
		"serve": func() (cli.Command, error) {
			return &serve.Command{Command: b}, nil
		},
		"server": func() (cli.Command, error) {
			return &server.Command{Command: b}, nil
		},
		"version": func() (cli.Command, error) {
			return &version.Command{Command: b}, nil
		},
	}
}
