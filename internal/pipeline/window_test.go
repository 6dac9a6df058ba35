package pipeline

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeVersionSource struct {
	newest int64
	err    error
}

func (f *fakeVersionSource) GetNewestChangeVersion(ctx context.Context) (int64, error) {
	return f.newest, f.err
}

type memoryWatermarkStore struct {
	versions map[string]int64
}

func (m *memoryWatermarkStore) GetProcessedChangeVersion(_ context.Context, resource string) (int64, bool, error) {
	v, ok := m.versions[resource]
	return v, ok, nil
}

func (m *memoryWatermarkStore) SetProcessedChangeVersion(_ context.Context, resource string, version int64) error {
	m.versions[resource] = version
	return nil
}

func (m *memoryWatermarkStore) Close(_ context.Context) error { return nil }

func TestAcquireChangeWindowUsesOverride(t *testing.T) {
	window, err := AcquireChangeWindow(context.Background(), &fakeVersionSource{newest: 100}, nil,
		[]ResourceDescriptor{{Path: "/ed-fi/students"}}, 50)
	require.NoError(t, err)

	require.NotNil(t, window.MaxVersion)
	assert.Equal(t, int64(50), *window.MaxVersion)
	assert.Nil(t, window.MinVersion)
}

func TestAcquireChangeWindowAsksSourceForNewest(t *testing.T) {
	window, err := AcquireChangeWindow(context.Background(), &fakeVersionSource{newest: 123}, nil,
		[]ResourceDescriptor{{Path: "/ed-fi/students"}}, 0)
	require.NoError(t, err)

	require.NotNil(t, window.MaxVersion)
	assert.Equal(t, int64(123), *window.MaxVersion)
}

func TestAcquireChangeWindowSourceFailure(t *testing.T) {
	_, err := AcquireChangeWindow(context.Background(), &fakeVersionSource{err: fmt.Errorf("unreachable")}, nil,
		[]ResourceDescriptor{{Path: "/ed-fi/students"}}, 0)
	assert.Error(t, err)
}

func TestAcquireChangeWindowLowerBoundFromWatermarks(t *testing.T) {
	store := &memoryWatermarkStore{versions: map[string]int64{
		"/ed-fi/students": 30,
		"/ed-fi/schools":  20,
	}}

	window, err := AcquireChangeWindow(context.Background(), &fakeVersionSource{newest: 100}, store,
		[]ResourceDescriptor{{Path: "/ed-fi/students"}, {Path: "/ed-fi/schools"}}, 0)
	require.NoError(t, err)

	require.NotNil(t, window.MinVersion)
	assert.Equal(t, int64(21), *window.MinVersion, "lower bound follows the least advanced resource")
}

func TestAcquireChangeWindowUnboundedWhenAnyResourceIsNew(t *testing.T) {
	store := &memoryWatermarkStore{versions: map[string]int64{
		"/ed-fi/students": 30,
	}}

	window, err := AcquireChangeWindow(context.Background(), &fakeVersionSource{newest: 100}, store,
		[]ResourceDescriptor{{Path: "/ed-fi/students"}, {Path: "/ed-fi/schools"}}, 0)
	require.NoError(t, err)

	assert.Nil(t, window.MinVersion, "a resource without a watermark needs a full sync")
	require.NotNil(t, window.MaxVersion)
}
