package cli

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/peterbourgon/ff/v3/ffcli"

	"github.com/sarafanio/overlay/node"
)

var getCmd = &ffcli.Command{
	Name:       "get",
	ShortUsage: "sarafand get <magnet>",
	ShortHelp:  "Queue a bundle download by magnet",
	LongHelp: strings.TrimSpace(`

The 'sarafand get' command asks the daemon to discover and download the
bundle for a magnet. Use 'sarafand status' to follow progress.

`),
	Exec: runGet,
}

func runGet(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return errors.New("get expects exactly one magnet argument")
	}
	cc, ctx, cancel, err := connect(ctx)
	if err != nil {
		return err
	}
	defer cancel()

	grc := make(chan *node.GetResult, 1)
	cc.SetNotifyCallback(func(n node.Notify) {
		if gr := n.GetResult; gr != nil {
			grc <- gr
		}
	})

	if err := cc.Send(node.Command{Get: &node.GetArgs{Magnet: args[0]}}); err != nil {
		return err
	}
	select {
	case gr := <-grc:
		if gr.Err != "" {
			return errors.New(gr.Err)
		}
		if gr.Local {
			fmt.Println("already installed")
			return nil
		}
		fmt.Println("queued")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
