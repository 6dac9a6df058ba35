package pipeline

import (
	"context"

	"github.com/edfi-tools/publisher/pkg/watermark"
)

// NewestVersionSource exposes the newest change version available on
// the source system.
type NewestVersionSource interface {
	GetNewestChangeVersion(ctx context.Context) (int64, error)
}

// AcquireChangeWindow computes the change window for a run. The upper
// bound is maxOverride when positive, otherwise the source's newest
// available change version; fixing it up front keeps every resource
// reading the same consistent slice of changes. The lower bound is the
// lowest stored watermark across the run's resources plus one, or
// unbounded when any resource has no watermark yet. A conservative
// lower bound only re-reads records whose applies are idempotent.
func AcquireChangeWindow(ctx context.Context, source NewestVersionSource, store watermark.Store, resources []ResourceDescriptor, maxOverride int64) (ChangeWindow, error) {
	var window ChangeWindow

	max := maxOverride
	if max <= 0 {
		newest, err := source.GetNewestChangeVersion(ctx)
		if err != nil {
			return window, err
		}
		max = newest
	}
	if max > 0 {
		window.MaxVersion = &max
	}

	if store == nil {
		return window, nil
	}

	var min int64
	for i, desc := range resources {
		stored, ok, err := store.GetProcessedChangeVersion(ctx, desc.Path)
		if err != nil {
			return ChangeWindow{MaxVersion: window.MaxVersion}, err
		}
		if !ok {
			return window, nil
		}
		if i == 0 || stored < min {
			min = stored
		}
	}
	if len(resources) > 0 {
		lower := min + 1
		window.MinVersion = &lower
	}
	return window, nil
}
