package cluster

import "errors"

var (
    ErrUnknownSite     = errors.New("cluster: unknown site")
    ErrNoInitiator     = errors.New("cluster: no live site can initiate a snapshot")
    ErrSnapshotTimeout = errors.New("cluster: snapshot did not complete in time")
    ErrNotStarted      = errors.New("cluster: not started")
    ErrClosed          = errors.New("cluster: stopped or failed to start")
)
