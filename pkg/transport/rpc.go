package transport

import "context"

// StatusFunc returns a JSON-encoded status payload for management /status.
// Using []byte avoids import cycles on channel types.
type StatusFunc func(ctx context.Context) ([]byte, error)

// CloseRequest asks a node to close its channel.
type CloseRequest struct {
    Graceful bool `json:"graceful"`
}

// CloseResponse reports how the close went. Path is "graceful" or "forceful".
type CloseResponse struct {
    Accepted bool   `json:"accepted"`
    Path     string `json:"path,omitempty"`
    Error    string `json:"error,omitempty"`
}

// CloseFunc closes the local channel. It blocks until the close completes.
type CloseFunc func(ctx context.Context, req CloseRequest) (CloseResponse, error)

// ManagementServer exposes operator endpoints (status, close) over HTTP/JSON or gRPC.
type ManagementServer interface {
    Start(ctx context.Context, status StatusFunc, close CloseFunc) error
    Addr() string
    Stop(ctx context.Context) error
}

// ManagementClient calls ManagementServer endpoints on a node.
type ManagementClient interface {
    GetStatus(ctx context.Context, addr string) ([]byte, error)
    PostClose(ctx context.Context, addr string, req CloseRequest) (CloseResponse, error)
}
