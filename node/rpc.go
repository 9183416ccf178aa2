package node

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog/log"
)

// PingArgs asks for a node sanity check, optionally against a remote peer.
type PingArgs struct {
	Who string
}

// PingResult reports node identity or a remote hello round trip.
type PingResult struct {
	ID             string
	Version        string
	Peers          int
	LatencySeconds float64
	Err            string
}

// GetArgs enqueues a download for a magnet.
type GetArgs struct {
	Magnet string
}

// GetResult reports whether the magnet was queued or already local.
type GetResult struct {
	Queued bool
	Local  bool
	Err    string
}

// PublishArgs builds and distributes a bundle from a directory or inline
// text.
type PublishArgs struct {
	Path  string
	Index string
	Text  string
}

// PublishResult reports the produced magnet and how many peers accepted the
// upload.
type PublishResult struct {
	Magnet  string
	Size    string
	Uploads int
	Err     string
}

// PeersArgs lists the peer table.
type PeersArgs struct{}

// PeerInfo is one row of a PeersResult.
type PeerInfo struct {
	ServiceID        string
	ContentServiceID string
	Version          string
	Rating           float64
}

// PeersResult carries the table snapshot, best-rated first.
type PeersResult struct {
	Peers []PeerInfo
	Err   string
}

// StatusArgs lists tracked downloads.
type StatusArgs struct{}

// DownloadInfo is one row of a StatusResult.
type DownloadInfo struct {
	Magnet      string
	Status      string
	Attempts    int
	LastMessage string
}

// StatusResult carries the download pipeline snapshot.
type StatusResult struct {
	Downloads []DownloadInfo
	Err       string
}

// Command is a message sent from the CLI to the daemon over the control
// socket. Exactly one field is set.
type Command struct {
	Ping    *PingArgs
	Get     *GetArgs
	Publish *PublishArgs
	Peers   *PeersArgs
	Status  *StatusArgs
}

// Notify is a message sent from the daemon back to the CLI. Exactly one
// field is set.
type Notify struct {
	PingResult    *PingResult
	GetResult     *GetResult
	PublishResult *PublishResult
	PeersResult   *PeersResult
	StatusResult  *StatusResult
}

// ServeCommands listens on the configured unix socket and dispatches CLI
// commands until ctx is cancelled. Each connection's notifications go back
// to that connection.
func (nd *node) ServeCommands(ctx context.Context) error {
	path := nd.cfg.SocketPath
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}

	l, err := net.Listen("unix", path)
	if err != nil {
		return err
	}
	go func() {
		<-ctx.Done()
		l.Close()
	}()

	log.Info().Str("socket", path).Msg("control socket listening")
	for {
		conn, err := l.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		go nd.handleConn(ctx, conn)
	}
}

func (nd *node) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	var wmu sync.Mutex
	enc := json.NewEncoder(conn)
	nd.mu.Lock()
	nd.notify = func(n Notify) {
		wmu.Lock()
		defer wmu.Unlock()
		if err := enc.Encode(n); err != nil {
			log.Debug().Err(err).Msg("dropped notification for closed cli connection")
		}
	}
	nd.mu.Unlock()

	dec := json.NewDecoder(conn)
	for {
		var cmd Command
		if err := dec.Decode(&cmd); err != nil {
			if !errors.Is(err, io.EOF) && ctx.Err() == nil {
				log.Debug().Err(err).Msg("control connection read failed")
			}
			return
		}
		switch {
		case cmd.Ping != nil:
			nd.Ping(ctx, cmd.Ping.Who)
		case cmd.Get != nil:
			nd.Get(ctx, cmd.Get)
		case cmd.Publish != nil:
			nd.Publish(ctx, cmd.Publish)
		case cmd.Peers != nil:
			nd.Peers(ctx, cmd.Peers)
		case cmd.Status != nil:
			nd.Status(ctx, cmd.Status)
		}
	}
}

// CommandClient is the CLI's side of the control socket.
type CommandClient struct {
	conn net.Conn
	enc  *json.Encoder
	dec  *json.Decoder

	mu     sync.Mutex
	notify func(Notify)
}

// Connect dials the daemon's control socket.
func Connect(socketPath string) (*CommandClient, error) {
	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		return nil, err
	}
	return &CommandClient{
		conn: conn,
		enc:  json.NewEncoder(conn),
		dec:  json.NewDecoder(conn),
	}, nil
}

// SetNotifyCallback registers the function invoked for every notification
// received by Receive.
func (cc *CommandClient) SetNotifyCallback(fn func(Notify)) {
	cc.mu.Lock()
	cc.notify = fn
	cc.mu.Unlock()
}

// Send writes a command to the daemon.
func (cc *CommandClient) Send(cmd Command) error {
	return cc.enc.Encode(cmd)
}

// Receive reads notifications until the connection closes or ctx is
// cancelled, invoking the registered callback for each.
func (cc *CommandClient) Receive(ctx context.Context) error {
	for {
		var n Notify
		if err := cc.dec.Decode(&n); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		cc.mu.Lock()
		fn := cc.notify
		cc.mu.Unlock()
		if fn != nil {
			fn(n)
		}
	}
}

// Close terminates the control connection.
func (cc *CommandClient) Close() error {
	return cc.conn.Close()
}
