package cli

import (
	"context"
	"strings"

	"github.com/peterbourgon/ff/v3/ffcli"
	"github.com/rs/zerolog/log"

	"github.com/sarafanio/overlay/node"
)

var startCmd = &ffcli.Command{
	Name:      "start",
	ShortHelp: "Run the sarafan node daemon",
	LongHelp: strings.TrimSpace(`

The 'sarafand start' command runs the node in the foreground: it tails the
announcement contract, maintains the peer table, downloads and serves
bundles, and listens on the control socket for the other commands.

`),
	Exec: runStart,
}

func runStart(ctx context.Context, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	nd, err := node.New(ctx, cfg)
	if err != nil {
		return err
	}
	log.Info().Str("repo", cfg.RepoPath).Str("version", cfg.Version).Msg("sarafand starting")
	err = nd.Start(ctx)
	if err == context.Canceled {
		return nil
	}
	return err
}
