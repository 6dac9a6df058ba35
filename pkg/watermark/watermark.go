// Package watermark persists per-resource replication progress. A
// watermark is the highest change version fully processed for a
// resource; the next run opens its change window just above it.
package watermark

import "context"

// Store reads and writes resource watermarks.
type Store interface {
	// GetProcessedChangeVersion returns the stored watermark and whether
	// one exists for the resource
	GetProcessedChangeVersion(ctx context.Context, resource string) (int64, bool, error)
	// SetProcessedChangeVersion stores the watermark for a resource
	SetProcessedChangeVersion(ctx context.Context, resource string, version int64) error
	// Close releases underlying resources
	Close(ctx context.Context) error
}
