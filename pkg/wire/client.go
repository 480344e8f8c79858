package wire

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/adammck/testrig/pkg/api"
	"google.golang.org/grpc"
	"google.golang.org/grpc/backoff"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// ConnIDKey is the metadata key carrying a logical connection id, so that a
// server (most usefully the mock service) can tell callers apart even when
// they share a transport.
const ConnIDKey = "x-testrig-conn"

// Client sends commands to one server over a persistent connection. Commands
// issued through one Client are observed by the server in issue order, as long
// as the caller waits for each reply.
type Client struct {
	addr   string
	conn   *grpc.ClientConn
	connID string
}

// Dialer returns a Client for the given address. Swapped out by tests (and the
// in-process launcher) to connect over bufconn.
type Dialer func(ctx context.Context, addr string) (*Client, error)

// DialOptions returns the options used for every connection. Reconnects are
// attempted quickly, since servers under test come and go all the time.
func DialOptions() []grpc.DialOption {
	return []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithConnectParams(grpc.ConnectParams{
			Backoff: backoff.Config{
				BaseDelay:  10 * time.Millisecond,
				Multiplier: 1.6,
				Jitter:     0.2,
				MaxDelay:   200 * time.Millisecond,
			},
			MinConnectTimeout: 200 * time.Millisecond,
		}),
	}
}

// Dial connects to the given address over TCP.
func Dial(ctx context.Context, addr string) (*Client, error) {
	conn, err := grpc.NewClient("passthrough:///"+addr, DialOptions()...)
	if err != nil {
		return nil, fmt.Errorf("grpc.NewClient(%s): %w", addr, err)
	}

	return NewClient(addr, conn), nil
}

// NewClient wraps an existing connection.
func NewClient(addr string, conn *grpc.ClientConn) *Client {
	return &Client{
		addr: addr,
		conn: conn,
	}
}

// WithConnID returns a copy of the client which tags every command with the
// given connection id. The underlying connection is shared.
func (c *Client) WithConnID(id string) *Client {
	return &Client{
		addr:   c.addr,
		conn:   c.conn,
		connID: id,
	}
}

func (c *Client) Addr() string {
	return c.addr
}

func (c *Client) Close() error {
	return c.conn.Close()
}

// Run sends a command and returns the reply. A reply with ok: false comes back
// as a *api.CommandError; a transport failure as *api.ConnectionLost; an
// expired context as *api.TimeoutError.
func (c *Client) Run(ctx context.Context, name string, args Doc) (Doc, error) {
	if args == nil {
		args = Doc{}
	}

	req, err := ToStruct(Doc{"name": name, "args": args})
	if err != nil {
		return nil, fmt.Errorf("can't encode %s: %w", name, err)
	}

	if c.connID != "" {
		ctx = metadata.AppendToOutgoingContext(ctx, ConnIDKey, c.connID)
	}

	res := new(structpb.Struct)
	err = c.conn.Invoke(ctx, runMethod, req, res)
	if err != nil {
		return nil, c.classify(ctx, name, err)
	}

	reply := FromStruct(res)
	if !reply.Bool("ok") {
		return reply, &api.CommandError{
			Node:     c.addr,
			Command:  name,
			Code:     reply.Int("code"),
			CodeName: reply.String("codeName"),
			Message:  reply.String("errmsg"),
		}
	}

	return reply, nil
}

// Do sends a typed command.
func (c *Client) Do(ctx context.Context, cmd Command) (Doc, error) {
	name, args := cmd.Command()
	return c.Run(ctx, name, args)
}

func (c *Client) classify(ctx context.Context, name string, err error) error {
	if ctx.Err() != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return &api.TimeoutError{Op: fmt.Sprintf("%s on %s", name, c.addr), Last: ctx.Err()}
		}
		return ctx.Err()
	}

	switch status.Code(err) {
	case codes.Unavailable, codes.Canceled, codes.Aborted, codes.Internal:
		return &api.ConnectionLost{Addr: c.addr, Op: name, Err: err}
	case codes.DeadlineExceeded:
		return &api.TimeoutError{Op: fmt.Sprintf("%s on %s", name, c.addr), Last: err}
	}

	return fmt.Errorf("%s on %s: %w", name, c.addr, err)
}

// ConnIDFromContext returns the logical connection id sent by the client, if
// any. For use by handlers.
func ConnIDFromContext(ctx context.Context) string {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return ""
	}

	vals := md.Get(ConnIDKey)
	if len(vals) == 0 {
		return ""
	}

	return vals[0]
}
