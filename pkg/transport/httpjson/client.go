package httpjson

import (
    "context"
    "crypto/tls"
    "fmt"
    "io"
    "net/http"
    "strings"
    "time"

    "github.com/amirimatin/rabbit-autocluster/pkg/transport"
)

// Client is a thin HTTP client for the management API. It supports optional
// TLS configuration and simple retry with backoff for robustness.
type Client struct {
    httpc     *http.Client
    transport *http.Transport
    isTLS     bool
}

// NewClient constructs a new Client with the given timeout. Converge calls
// block for a whole pass, so callers should size the timeout accordingly.
func NewClient(timeout time.Duration) *Client {
    if timeout <= 0 { timeout = 3 * time.Second }
    tr := &http.Transport{}
    return &Client{httpc: &http.Client{Timeout: timeout, Transport: tr}, transport: tr}
}

// UseTLS sets the TLS config for the underlying HTTP client and switches the
// request scheme to https.
func (c *Client) UseTLS(cfg *tls.Config) *Client {
    if c.transport != nil { c.transport.TLSClientConfig = cfg }
    c.isTLS = cfg != nil
    return c
}

func (c *Client) GetStatus(ctx context.Context, addr string) ([]byte, error) {
    return c.do(ctx, http.MethodGet, addr, "/status")
}

// PostConverge triggers one pass on the remote controller. A 409 maps to
// transport.ErrBusy and is not retried.
func (c *Client) PostConverge(ctx context.Context, addr string) ([]byte, error) {
    return c.do(ctx, http.MethodPost, addr, "/converge")
}

func (c *Client) GetPlan(ctx context.Context, addr string) ([]byte, error) {
    return c.do(ctx, http.MethodGet, addr, "/plan")
}

func (c *Client) url(addr, path string) string {
    if strings.HasPrefix(addr, "http://") || strings.HasPrefix(addr, "https://") {
        return strings.TrimRight(addr, "/") + path
    }
    scheme := "http"
    if c.isTLS { scheme = "https" }
    return fmt.Sprintf("%s://%s%s", scheme, addr, path)
}

func (c *Client) do(ctx context.Context, method, addr, path string) ([]byte, error) {
    url := c.url(addr, path)
    var lastErr error
    for attempt := 0; attempt < 3; attempt++ {
        req, err := http.NewRequestWithContext(ctx, method, url, nil)
        if err != nil { return nil, err }
        resp, err := c.httpc.Do(req)
        if err != nil {
            lastErr = err
        } else {
            b, rerr := io.ReadAll(resp.Body)
            resp.Body.Close()
            switch {
            case rerr != nil:
                lastErr = rerr
            case resp.StatusCode == http.StatusOK:
                return b, nil
            case resp.StatusCode == http.StatusConflict:
                return nil, transport.ErrBusy
            case resp.StatusCode < 500:
                return nil, fmt.Errorf("%s status %d: %s", path, resp.StatusCode, strings.TrimSpace(string(b)))
            default:
                lastErr = fmt.Errorf("%s status %d: %s", path, resp.StatusCode, strings.TrimSpace(string(b)))
            }
        }
        // backoff unless context is done
        select {
        case <-ctx.Done():
            return nil, ctx.Err()
        case <-time.After(time.Duration(100*(1<<attempt)) * time.Millisecond):
        }
    }
    return nil, lastErr
}

var _ transport.RPCClient = (*Client)(nil)
