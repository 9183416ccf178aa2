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

var peersCmd = &ffcli.Command{
	Name:      "peers",
	ShortHelp: "List the peer table, best-rated first",
	Exec:      runPeers,
}

func runPeers(ctx context.Context, args []string) error {
	cc, ctx, cancel, err := connect(ctx)
	if err != nil {
		return err
	}
	defer cancel()

	prc := make(chan *node.PeersResult, 1)
	cc.SetNotifyCallback(func(n node.Notify) {
		if pr := n.PeersResult; pr != nil {
			prc <- pr
		}
	})

	if err := cc.Send(node.Command{Peers: &node.PeersArgs{}}); err != nil {
		return err
	}
	select {
	case pr := <-prc:
		if pr.Err != "" {
			return errors.New(pr.Err)
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "SERVICE\tCONTENT\tVERSION\tRATING")
		for _, p := range pr.Peers {
			fmt.Fprintf(w, "%s\t%s\t%s\t%.3f\n", p.ServiceID, p.ContentServiceID, p.Version, p.Rating)
		}
		return w.Flush()
	case <-ctx.Done():
		return ctx.Err()
	}
}
