package grpc

import (
    "context"
    "crypto/tls"
    "time"

    "google.golang.org/grpc"
    "google.golang.org/grpc/backoff"
    "google.golang.org/grpc/codes"
    "google.golang.org/grpc/credentials"
    "google.golang.org/grpc/credentials/insecure"
    "google.golang.org/grpc/keepalive"
    "google.golang.org/grpc/status"

    "github.com/amirimatin/rabbit-autocluster/pkg/transport"
)

// Client calls the management service with one connection per call. The
// CLI issues a single request per process, so connections are not pooled.
type Client struct {
    timeout time.Duration
    tlsCfg  *tls.Config
}

func NewClient(timeout time.Duration) *Client {
    if timeout <= 0 { timeout = 3 * time.Second }
    return &Client{timeout: timeout}
}

// UseTLS sets TLS config for the client.
func (c *Client) UseTLS(cfg *tls.Config) *Client { c.tlsCfg = cfg; return c }

func (c *Client) dialCtx(ctx context.Context, target string) (*grpc.ClientConn, error) {
    // Use JSON codec and set content subtype accordingly.
    opts := []grpc.DialOption{
        grpc.WithDefaultCallOptions(grpc.ForceCodec(jsonCodec{}), grpc.CallContentSubtype("json")),
        grpc.WithConnectParams(grpc.ConnectParams{Backoff: backoff.DefaultConfig, MinConnectTimeout: 500 * time.Millisecond}),
        grpc.WithKeepaliveParams(keepalive.ClientParameters{Time: 20 * time.Second, Timeout: 5 * time.Second, PermitWithoutStream: true}),
        grpc.WithBlock(),
    }
    if c.tlsCfg != nil {
        opts = append(opts, grpc.WithTransportCredentials(credentials.NewTLS(c.tlsCfg)))
    } else {
        opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
    }
    return grpc.DialContext(ctx, target, opts...)
}

func (c *Client) invoke(ctx context.Context, addr, method string) ([]byte, error) {
    cctx, cancel := context.WithTimeout(ctx, c.timeout)
    defer cancel()
    cc, err := c.dialCtx(cctx, addr)
    if err != nil { return nil, err }
    defer cc.Close()
    out := new(blob)
    if err := cc.Invoke(cctx, "/"+ServiceName+"/"+method, &empty{}, out); err != nil {
        if status.Code(err) == codes.Aborted { return nil, transport.ErrBusy }
        return nil, err
    }
    return out.Data, nil
}

func (c *Client) GetStatus(ctx context.Context, addr string) ([]byte, error) {
    return c.invoke(ctx, addr, "GetStatus")
}

func (c *Client) PostConverge(ctx context.Context, addr string) ([]byte, error) {
    return c.invoke(ctx, addr, "Converge")
}

func (c *Client) GetPlan(ctx context.Context, addr string) ([]byte, error) {
    return c.invoke(ctx, addr, "Plan")
}

var _ transport.RPCClient = (*Client)(nil)
