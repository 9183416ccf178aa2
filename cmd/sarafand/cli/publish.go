package cli

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"strings"

	"github.com/peterbourgon/ff/v3/ffcli"

	"github.com/sarafanio/overlay/node"
)

var publishArgs node.PublishArgs

var publishCmd = &ffcli.Command{
	Name:       "publish",
	ShortUsage: "sarafand publish [-path dir] [-index file] [-text message]",
	ShortHelp:  "Build a bundle and distribute it to the overlay",
	LongHelp: strings.TrimSpace(`

The 'sarafand publish' command builds a content bundle from a directory
and/or inline text, installs it in the local store and uploads it to the
peers nearest to its magnet. Announcing the magnet on chain is done
separately by the signing front end.

`),
	FlagSet: func() *flag.FlagSet {
		fs := flag.NewFlagSet("publish", flag.ExitOnError)
		fs.StringVar(&publishArgs.Path, "path", "", "directory to bundle")
		fs.StringVar(&publishArgs.Index, "index", "", "member to use as the bundle index")
		fs.StringVar(&publishArgs.Text, "text", "", "inline text content")
		return fs
	}(),
	Exec: runPublish,
}

func runPublish(ctx context.Context, args []string) error {
	cc, ctx, cancel, err := connect(ctx)
	if err != nil {
		return err
	}
	defer cancel()

	prc := make(chan *node.PublishResult, 1)
	cc.SetNotifyCallback(func(n node.Notify) {
		if pr := n.PublishResult; pr != nil {
			prc <- pr
		}
	})

	if err := cc.Send(node.Command{Publish: &publishArgs}); err != nil {
		return err
	}
	select {
	case pr := <-prc:
		if pr.Err != "" {
			return errors.New(pr.Err)
		}
		fmt.Printf("magnet: %s\nsize: %s\nuploaded to %d peers\n", pr.Magnet, pr.Size, pr.Uploads)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
