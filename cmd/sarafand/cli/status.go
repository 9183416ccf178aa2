package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/peterbourgon/ff/v3/ffcli"

	"github.com/sarafanio/overlay/node"
)

var statusCmd = &ffcli.Command{
	Name:      "status",
	ShortHelp: "Show the download pipeline's state",
	Exec:      runStatus,
}

func runStatus(ctx context.Context, args []string) error {
	cc, ctx, cancel, err := connect(ctx)
	if err != nil {
		return err
	}
	defer cancel()

	src := make(chan *node.StatusResult, 1)
	cc.SetNotifyCallback(func(n node.Notify) {
		if sr := n.StatusResult; sr != nil {
			src <- sr
		}
	})

	if err := cc.Send(node.Command{Status: &node.StatusArgs{}}); err != nil {
		return err
	}
	select {
	case sr := <-src:
		if sr.Err != "" {
			return errors.New(sr.Err)
		}
		if len(sr.Downloads) == 0 {
			fmt.Println("no downloads tracked")
			return nil
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "MAGNET\tSTATUS\tATTEMPTS\tLAST")
		for _, d := range sr.Downloads {
			fmt.Fprintf(w, "%s\t%s\t%d\t%s\n", d.Magnet, d.Status, d.Attempts, d.LastMessage)
		}
		return w.Flush()
	case <-ctx.Done():
		return ctx.Err()
	}
}
