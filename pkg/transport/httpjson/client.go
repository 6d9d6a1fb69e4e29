package httpjson

import (
    "bytes"
    "context"
    "crypto/tls"
    "encoding/json"
    "errors"
    "fmt"
    "io"
    "net/http"
    "time"

    "github.com/amirimatin/go-snapshot/pkg/transport"
)

// Client is a thin HTTP client for the management API. It supports optional
// TLS configuration and simple retry with backoff for transport errors.
type Client struct {
    httpc     *http.Client
    transport *http.Transport
    isTLS     bool
}

// NewClient constructs a new Client with the given timeout.
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

func (c *Client) url(addr, path string) string {
    scheme := "http"
    if c.isTLS { scheme = "https" }
    return fmt.Sprintf("%s://%s%s", scheme, addr, path)
}

func (c *Client) GetStatus(ctx context.Context, addr string) ([]byte, error) {
    var out []byte
    err := c.retry(ctx, func() error {
        req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url(addr, "/status"), nil)
        if err != nil { return err }
        resp, err := c.httpc.Do(req)
        if err != nil { return err }
        defer resp.Body.Close()
        b, err := io.ReadAll(resp.Body)
        if err != nil { return err }
        if resp.StatusCode != http.StatusOK {
            return fmt.Errorf("status %d: %s", resp.StatusCode, string(b))
        }
        out = b
        return nil
    })
    return out, err
}

func (c *Client) PostInitiate(ctx context.Context, addr string, req transport.InitiateRequest) (transport.InitiateResponse, error) {
    var out transport.InitiateResponse
    err := c.post(ctx, addr, "/snapshots", req, &out, func() string { return out.Error })
    return out, err
}

func (c *Client) PostAssemble(ctx context.Context, addr string, req transport.AssembleRequest) (transport.AssembleResponse, error) {
    var out transport.AssembleResponse
    err := c.post(ctx, addr, "/snapshots/assemble", req, &out, func() string { return out.Error })
    return out, err
}

func (c *Client) PostSite(ctx context.Context, addr string, req transport.SiteRequest) (transport.SiteResponse, error) {
    var out transport.SiteResponse
    err := c.post(ctx, addr, "/sites", req, &out, func() string { return out.Error })
    return out, err
}

// errApplication marks a request the node rejected; it is not retried.
type errApplication struct{ msg string }

func (e errApplication) Error() string { return e.msg }

func (c *Client) post(ctx context.Context, addr, path string, in, out any, errOf func() string) error {
    body, err := json.Marshal(in)
    if err != nil { return err }
    err = c.retry(ctx, func() error {
        httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url(addr, path), bytes.NewReader(body))
        if err != nil { return err }
        httpReq.Header.Set("Content-Type", "application/json")
        resp, err := c.httpc.Do(httpReq)
        if err != nil { return err }
        defer resp.Body.Close()
        b, _ := io.ReadAll(resp.Body)
        _ = json.Unmarshal(b, out)
        switch {
        case resp.StatusCode == http.StatusOK:
            return nil
        case errOf() != "":
            return errApplication{msg: errOf()}
        case resp.StatusCode < 500:
            return errApplication{msg: fmt.Sprintf("%s status %d: %s", path, resp.StatusCode, bytes.TrimSpace(b))}
        default:
            return fmt.Errorf("%s status %d: %s", path, resp.StatusCode, bytes.TrimSpace(b))
        }
    })
    var ae errApplication
    if errors.As(err, &ae) { return errors.New(ae.msg) }
    return err
}

// retry runs fn up to three times with exponential backoff unless ctx is
// done or fn reports an application error.
func (c *Client) retry(ctx context.Context, fn func() error) error {
    var lastErr error
    for attempt := 0; attempt < 3; attempt++ {
        lastErr = fn()
        if lastErr == nil { return nil }
        var ae errApplication
        if errors.As(lastErr, &ae) { return lastErr }
        // backoff unless context is done
        select {
        case <-ctx.Done():
            return lastErr
        case <-time.After(time.Duration(100*(1<<attempt)) * time.Millisecond):
        }
    }
    return lastErr
}

var _ transport.RPCClient = (*Client)(nil)
