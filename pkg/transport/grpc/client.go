package grpc

import (
    "context"
    "crypto/tls"
    "errors"
    "io"
    "sync"
    "time"

    "google.golang.org/grpc"
    "google.golang.org/grpc/backoff"
    "google.golang.org/grpc/credentials"
    "google.golang.org/grpc/credentials/insecure"
    "google.golang.org/grpc/keepalive"

    "github.com/amirimatin/go-snapshot/pkg/transport"
)

type Client struct {
    timeout time.Duration
    tlsCfg  *tls.Config

    once sync.Once
    cm   *ConnManager
}

func NewClient(timeout time.Duration) *Client {
    if timeout <= 0 { timeout = 3 * time.Second }
    return &Client{timeout: timeout}
}

// UseTLS sets TLS config for the client. Call it before the first request.
func (c *Client) UseTLS(cfg *tls.Config) *Client { c.tlsCfg = cfg; return c }

func (c *Client) dial(_ context.Context, target string) (*grpc.ClientConn, error) {
    // Use JSON codec and set content subtype accordingly.
    opts := []grpc.DialOption{
        grpc.WithDefaultCallOptions(grpc.ForceCodec(jsonCodec{}), grpc.CallContentSubtype("json")),
        grpc.WithConnectParams(grpc.ConnectParams{Backoff: backoff.DefaultConfig, MinConnectTimeout: 500 * time.Millisecond}),
        grpc.WithKeepaliveParams(keepalive.ClientParameters{Time: 20 * time.Second, Timeout: 5 * time.Second, PermitWithoutStream: true}),
    }
    if c.tlsCfg != nil {
        opts = append(opts, grpc.WithTransportCredentials(credentials.NewTLS(c.tlsCfg)))
    } else {
        opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
    }
    return grpc.NewClient(target, opts...)
}

// getConn returns a managed connection, creating the manager on first use.
func (c *Client) getConn(ctx context.Context, addr string) (*grpc.ClientConn, func(), error) {
    c.once.Do(func() { c.cm = NewConnManager(30*time.Second, c.dial) })
    return c.cm.Get(ctx, addr)
}

// Close releases cached connections.
func (c *Client) Close() {
    c.once.Do(func() {})
    if c.cm != nil { c.cm.Close() }
}

func (c *Client) invoke(ctx context.Context, addr, method string, in, out any) error {
    cctx, cancel := context.WithTimeout(ctx, c.timeout)
    defer cancel()
    cc, rel, err := c.getConn(cctx, addr)
    if err != nil { return err }
    defer rel()
    return cc.Invoke(cctx, "/"+serviceName+"/"+method, in, out)
}

func (c *Client) GetStatus(ctx context.Context, addr string) ([]byte, error) {
    out := new(statusBlob)
    if err := c.invoke(ctx, addr, "GetStatus", &empty{}, out); err != nil { return nil, err }
    return out.Data, nil
}

func (c *Client) PostInitiate(ctx context.Context, addr string, req transport.InitiateRequest) (transport.InitiateResponse, error) {
    var resp transport.InitiateResponse
    if err := c.invoke(ctx, addr, "Initiate", &req, &resp); err != nil { return resp, err }
    if resp.Error != "" { return resp, errors.New(resp.Error) }
    return resp, nil
}

func (c *Client) PostAssemble(ctx context.Context, addr string, req transport.AssembleRequest) (transport.AssembleResponse, error) {
    var resp transport.AssembleResponse
    if err := c.invoke(ctx, addr, "Assemble", &req, &resp); err != nil { return resp, err }
    if resp.Error != "" { return resp, errors.New(resp.Error) }
    return resp, nil
}

func (c *Client) PostSite(ctx context.Context, addr string, req transport.SiteRequest) (transport.SiteResponse, error) {
    var resp transport.SiteResponse
    if err := c.invoke(ctx, addr, "SetSite", &req, &resp); err != nil { return resp, err }
    if resp.Error != "" { return resp, errors.New(resp.Error) }
    return resp, nil
}

// Watch opens the server stream and invokes onEvent for every event until
// the stream ends (nil) or ctx is done (ctx.Err()).
func (c *Client) Watch(ctx context.Context, addr string, onEvent func(transport.WatchEvent)) error {
    cc, rel, err := c.getConn(ctx, addr)
    if err != nil { return err }
    defer rel()
    sd := &grpc.StreamDesc{ServerStreams: true}
    cs, err := cc.NewStream(ctx, sd, "/"+serviceName+"/Watch")
    if err != nil { return err }
    if err := cs.SendMsg(&empty{}); err != nil { return err }
    _ = cs.CloseSend()
    for {
        var ev transport.WatchEvent
        if err := cs.RecvMsg(&ev); err != nil {
            if errors.Is(err, io.EOF) { return nil }
            if ctx.Err() != nil { return ctx.Err() }
            return err
        }
        if onEvent != nil { onEvent(ev) }
    }
}

var (
    _ transport.RPCClient   = (*Client)(nil)
    _ transport.WatchClient = (*Client)(nil)
)
