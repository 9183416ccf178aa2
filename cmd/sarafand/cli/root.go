// Package cli implements the sarafand command tree. Every command besides
// start talks to a running daemon over its unix control socket.
package cli

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/peterbourgon/ff/v3/ffcli"

	"github.com/sarafanio/overlay/internal/config"
	"github.com/sarafanio/overlay/node"
)

// Version is stamped by the build.
var Version = "0.1.0"

var (
	configPath string
	socketPath string
)

// Run parses args and executes the matching command.
func Run(ctx context.Context, args []string) error {
	rootFlags := flag.NewFlagSet("sarafand", flag.ExitOnError)
	rootFlags.StringVar(&configPath, "config", defaultConfigPath(), "path to the yaml configuration file")
	rootFlags.StringVar(&socketPath, "socket", "", "control socket path (defaults to the configured one)")

	root := &ffcli.Command{
		Name:       "sarafand",
		ShortUsage: "sarafand [flags] <subcommand>",
		ShortHelp:  "Run and control a sarafan overlay node",
		FlagSet:    rootFlags,
		Subcommands: []*ffcli.Command{
			initCmd,
			startCmd,
			getCmd,
			publishCmd,
			peersCmd,
			statusCmd,
			pingCmd,
		},
		Exec: func(ctx context.Context, args []string) error {
			return flag.ErrHelp
		},
	}

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()
	return root.ParseAndRun(ctx, args)
}

func defaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "sarafand.yaml"
	}
	return home + "/.sarafan/sarafand.yaml"
}

func loadConfig() (config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return cfg, err
	}
	cfg.Version = Version
	if socketPath != "" {
		cfg.SocketPath = socketPath
	}
	return cfg, nil
}

// connect dials the daemon and starts the notification pump. The returned
// context is cancelled when the pump stops (daemon gone or ctx done).
func connect(ctx context.Context) (*node.CommandClient, context.Context, context.CancelFunc, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, nil, err
	}
	cc, err := node.Connect(cfg.SocketPath)
	if err != nil {
		return nil, nil, nil, err
	}
	ctx, cancel := context.WithCancel(ctx)
	go func() {
		defer cancel()
		cc.Receive(ctx)
	}()
	return cc, ctx, func() {
		cancel()
		cc.Close()
	}, nil
}
