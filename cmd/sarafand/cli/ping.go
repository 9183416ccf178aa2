package cli

import (
	"context"
	"errors"
	"fmt"

	"github.com/peterbourgon/ff/v3/ffcli"

	"github.com/sarafanio/overlay/node"
)

var pingCmd = &ffcli.Command{
	Name:       "ping",
	ShortUsage: "sarafand ping [service-id]",
	ShortHelp:  "Check the local daemon, or hello a remote peer",
	Exec:       runPing,
}

func runPing(ctx context.Context, args []string) error {
	who := ""
	if len(args) > 0 {
		who = args[0]
	}

	cc, ctx, cancel, err := connect(ctx)
	if err != nil {
		return err
	}
	defer cancel()

	prc := make(chan *node.PingResult, 1)
	cc.SetNotifyCallback(func(n node.Notify) {
		if pr := n.PingResult; pr != nil {
			prc <- pr
		}
	})

	if err := cc.Send(node.Command{Ping: &node.PingArgs{Who: who}}); err != nil {
		return err
	}
	select {
	case pr := <-prc:
		if pr.Err != "" {
			return errors.New(pr.Err)
		}
		if who == "" {
			fmt.Printf("%s version %s, %d peers known\n", pr.ID, pr.Version, pr.Peers)
			return nil
		}
		fmt.Printf("%s version %s answered in %.2fs\n", pr.ID, pr.Version, pr.LatencySeconds)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
