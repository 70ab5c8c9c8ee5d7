package authority

import (
	"context"

	"github.com/tidelinehq/tideline/internal/transport"
)

// Loopback adapts a Materializer to the transport.Client port for embedded
// deployments where a replica and its authority share a process.
type Loopback struct {
	materializer *Materializer
}

// NewLoopback wraps a materializer in the client port.
func NewLoopback(materializer *Materializer) *Loopback {
	return &Loopback{materializer: materializer}
}

// FetchRemoteActions implements transport.Client.
func (l *Loopback) FetchRemoteActions(ctx context.Context, sinceIngestID uint64) (transport.Delta, error) {
	return l.materializer.FetchSince(ctx, sinceIngestID)
}

// FetchBootstrapSnapshot implements transport.Client.
func (l *Loopback) FetchBootstrapSnapshot(ctx context.Context) (transport.Snapshot, error) {
	return l.materializer.BootstrapSnapshot(ctx)
}

// SendLocalActions implements transport.Client.
func (l *Loopback) SendLocalActions(ctx context.Context, upload transport.Upload) error {
	return l.materializer.Ingest(ctx, upload)
}
