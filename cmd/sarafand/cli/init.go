package cli

import (
	"context"
	"fmt"
	"strings"

	"github.com/AlecAivazis/survey/v2"
	"github.com/peterbourgon/ff/v3/ffcli"

	"github.com/sarafanio/overlay/internal/config"
)

var initCmd = &ffcli.Command{
	Name:      "init",
	ShortHelp: "Interactively write a configuration file",
	LongHelp: strings.TrimSpace(`

The 'sarafand init' command asks for the handful of values a node cannot
default (hidden-service name, SOCKS proxy, chain endpoint and contract)
and writes the configuration file the other commands read.

`),
	Exec: runInit,
}

func runInit(ctx context.Context, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	questions := []*survey.Question{
		{
			Name:   "serviceID",
			Prompt: &survey.Input{Message: "Hidden-service name of this node:", Default: cfg.Peer.ServiceID},
		},
		{
			Name:   "socksProxy",
			Prompt: &survey.Input{Message: "SOCKS5 proxy address:", Default: cfg.Peer.SocksProxy},
		},
		{
			Name:   "chainEndpoint",
			Prompt: &survey.Input{Message: "Chain RPC endpoint:", Default: cfg.Chain.Endpoint},
		},
		{
			Name:   "contract",
			Prompt: &survey.Input{Message: "Announcement contract address:", Default: cfg.Chain.Contract},
		},
	}
	answers := struct {
		ServiceID     string
		SocksProxy    string
		ChainEndpoint string
		Contract      string
	}{}
	if err := survey.Ask(questions, &answers); err != nil {
		return err
	}

	cfg.Peer.ServiceID = answers.ServiceID
	cfg.Peer.SocksProxy = answers.SocksProxy
	cfg.Chain.Endpoint = answers.ChainEndpoint
	cfg.Chain.Contract = answers.Contract

	if err := config.Write(configPath, cfg); err != nil {
		return err
	}
	fmt.Printf("wrote %s\n", configPath)
	return nil
}
