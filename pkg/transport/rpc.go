// Package transport defines the management RPC contract shared by the
// HTTP/JSON and gRPC implementations. Snapshot payloads travel as JSON bytes
// so this package does not depend on the snapshot types.
package transport

import (
    "context"
    "encoding/json"
    "time"
)

// StatusFunc returns a JSON-encoded status payload for management /status.
type StatusFunc func(ctx context.Context) ([]byte, error)

// InitiateRequest asks a node to start a snapshot at Initiator (any site
// when empty). With Wait set, the call returns the assembled snapshot.
type InitiateRequest struct {
    Initiator  string `json:"initiator,omitempty"`
    SnapshotID string `json:"snapshotId,omitempty"`
    Wait       bool   `json:"wait,omitempty"`
    TimeoutMs  int64  `json:"timeoutMs,omitempty"`
}

type InitiateResponse struct {
    SnapshotID string          `json:"snapshotId,omitempty"`
    Snapshot   json.RawMessage `json:"snapshot,omitempty"`
    Error      string          `json:"error,omitempty"`
}

type InitiateFunc func(ctx context.Context, req InitiateRequest) (InitiateResponse, error)

// AssembleRequest reads a global snapshot, optionally waiting for it.
type AssembleRequest struct {
    SnapshotID string `json:"snapshotId"`
    Wait       bool   `json:"wait,omitempty"`
    TimeoutMs  int64  `json:"timeoutMs,omitempty"`
}

// AssembleResponse carries the snapshot when Complete; otherwise Missing
// lists the sites that have not reported yet.
type AssembleResponse struct {
    SnapshotID string          `json:"snapshotId"`
    Complete   bool            `json:"complete"`
    Missing    []string        `json:"missing,omitempty"`
    Snapshot   json.RawMessage `json:"snapshot,omitempty"`
    Error      string          `json:"error,omitempty"`
}

type AssembleFunc func(ctx context.Context, req AssembleRequest) (AssembleResponse, error)

// SiteRequest switches a site's heartbeat on or off.
type SiteRequest struct {
    ID     string `json:"id"`
    Online bool   `json:"online"`
}

type SiteResponse struct {
    Accepted bool   `json:"accepted"`
    Error    string `json:"error,omitempty"`
}

type SiteFunc func(ctx context.Context, req SiteRequest) (SiteResponse, error)

// WatchEvent is one cluster event streamed to watchers.
type WatchEvent struct {
    Type       string            `json:"type"`
    At         time.Time         `json:"at"`
    SnapshotID string            `json:"snapshotId,omitempty"`
    Site       string            `json:"site,omitempty"`
    Details    map[string]string `json:"details,omitempty"`
}

// WatchFunc subscribes to cluster events until ctx is done.
type WatchFunc func(ctx context.Context) <-chan WatchEvent

// Handlers bundles the node-side callbacks a management server dispatches to.
// Watch may be nil when the server does not stream.
type Handlers struct {
    Status   StatusFunc
    Initiate InitiateFunc
    Assemble AssembleFunc
    Site     SiteFunc
    Watch    WatchFunc
}

// RPCServer exposes the management endpoints.
type RPCServer interface {
    Start(ctx context.Context, h Handlers) error
    Addr() string
    Stop(ctx context.Context) error
}

// RPCClient performs management calls against a node using the chosen
// protocol (HTTP/JSON or gRPC JSON codec).
type RPCClient interface {
    GetStatus(ctx context.Context, addr string) ([]byte, error)
    PostInitiate(ctx context.Context, addr string, req InitiateRequest) (InitiateResponse, error)
    PostAssemble(ctx context.Context, addr string, req AssembleRequest) (AssembleResponse, error)
    PostSite(ctx context.Context, addr string, req SiteRequest) (SiteResponse, error)
}

// WatchClient is an optional client for streaming events (gRPC-only). It
// blocks until the stream ends or ctx is done.
type WatchClient interface {
    Watch(ctx context.Context, addr string, onEvent func(WatchEvent)) error
}
