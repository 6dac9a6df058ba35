package pipeline

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/edfi-tools/publisher/pkg/clients"
	"github.com/edfi-tools/publisher/pkg/config"
)

// fakeSource serves pages from in-memory record sets keyed by stream
// path. Hooks override individual responses for failure scenarios.
type fakeSource struct {
	mu       sync.Mutex
	data     map[string][]map[string]interface{}
	requests []PageRequest

	fetchHook func(req PageRequest) (*clients.Result, error)
	countErr  error
}

func newFakeSource() *fakeSource {
	return &fakeSource{data: make(map[string][]map[string]interface{})}
}

func (f *fakeSource) addRecords(streamPath string, n int) {
	for i := 1; i <= n; i++ {
		f.data[streamPath] = append(f.data[streamPath], map[string]interface{}{
			"id":             fmt.Sprintf("id-%d", i),
			"_changeVersion": int64(i),
			"changeVersion":  int64(i),
		})
	}
}

func (f *fakeSource) FetchPage(ctx context.Context, req PageRequest) (*clients.Result, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()

	if f.fetchHook != nil {
		if result, err := f.fetchHook(req); result != nil || err != nil {
			return result, err
		}
	}

	records := f.data[req.ResourcePath]
	lo := req.Offset
	if lo > len(records) {
		lo = len(records)
	}
	hi := lo + req.Limit
	if hi > len(records) {
		hi = len(records)
	}
	body, err := json.Marshal(records[lo:hi])
	if err != nil {
		return nil, err
	}
	return &clients.Result{StatusCode: 200, Body: body}, nil
}

func (f *fakeSource) CountItems(ctx context.Context, resourcePath string, window ChangeWindow) (int, error) {
	if f.countErr != nil {
		return 0, f.countErr
	}
	return len(f.data[resourcePath]), nil
}

func (f *fakeSource) requestOffsets() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	offsets := make([]int, len(f.requests))
	for i, req := range f.requests {
		offsets[i] = req.Offset
	}
	return offsets
}

func pagingOptions(pageSize int) *config.Options {
	opts := config.DefaultOptions()
	opts.Paging.PageSize = pageSize
	return opts
}

func newTestHandler(t *testing.T, source SourceTransport, opts *config.Options, limiter clients.RateLimiter) (*PageHandler, *ErrorSink) {
	t.Helper()
	policy := clients.NewPolicy(clients.PolicyConfig{
		StartingDelay: time.Millisecond,
		MaxAttempts:   2,
		Limiter:       limiter,
	}, zap.NewNop())
	sink := NewErrorSink(64, zap.NewNop())
	return NewPageHandler(source, policy, sink, opts, zap.NewNop()), sink
}

func collectStream(h *PageHandler, desc ResourceDescriptor, kind StageKind, item *StreamingPagesItem) []*ApplyMessage {
	out := make(chan *ApplyMessage, 1024)
	h.StreamPages(context.Background(), desc, kind, ChangeWindow{}, item, out)
	close(out)

	var msgs []*ApplyMessage
	for msg := range out {
		msgs = append(msgs, msg)
	}
	return msgs
}

func TestStreamPagesForwardOffsets(t *testing.T) {
	source := newFakeSource()
	source.addRecords("/ed-fi/students", 5)

	h, sink := newTestHandler(t, source, pagingOptions(2), nil)
	item := newStreamingPagesItem("/ed-fi/students")
	desc := ResourceDescriptor{Path: "/ed-fi/students"}

	msgs := collectStream(h, desc, upsertKind{}, item)

	// 5 records at page size 2: a full page at 0, a full page at 2, and
	// a short page at 4 ends the stream.
	assert.Equal(t, []int{0, 2, 4}, source.requestOffsets())
	assert.Len(t, msgs, 5)
	assert.Equal(t, StopExhausted, item.StopReason())
	assert.Equal(t, int64(5), item.RecordsFetched())
	assert.Equal(t, int64(3), item.PagesFetched())
	assert.Equal(t, int64(5), item.MaxVersionSeen())

	sink.Close()
	assert.Empty(t, sink.Items("/ed-fi/students"))
}

func TestStreamPagesExactMultipleFetchesTrailingEmptyPage(t *testing.T) {
	source := newFakeSource()
	source.addRecords("/ed-fi/schools", 4)

	h, _ := newTestHandler(t, source, pagingOptions(2), nil)
	item := newStreamingPagesItem("/ed-fi/schools")

	msgs := collectStream(h, ResourceDescriptor{Path: "/ed-fi/schools"}, upsertKind{}, item)

	// Both pages come back full, so one more fetch is needed to observe
	// the end of the stream.
	assert.Equal(t, []int{0, 2, 4}, source.requestOffsets())
	assert.Len(t, msgs, 4)
	assert.Equal(t, StopExhausted, item.StopReason())
}

func TestStreamPagesEmptyResource(t *testing.T) {
	source := newFakeSource()

	h, _ := newTestHandler(t, source, pagingOptions(2), nil)
	item := newStreamingPagesItem("/ed-fi/students")

	msgs := collectStream(h, ResourceDescriptor{Path: "/ed-fi/students"}, upsertKind{}, item)

	assert.Empty(t, msgs)
	assert.Equal(t, []int{0}, source.requestOffsets())
	assert.Equal(t, StopExhausted, item.StopReason())
}

func TestStreamPagesParseFailureRecordsOneError(t *testing.T) {
	source := newFakeSource()
	source.fetchHook = func(req PageRequest) (*clients.Result, error) {
		return &clients.Result{StatusCode: 200, Body: []byte("<html>not json</html>")}, nil
	}

	h, sink := newTestHandler(t, source, pagingOptions(2), nil)
	item := newStreamingPagesItem("/ed-fi/students")

	msgs := collectStream(h, ResourceDescriptor{Path: "/ed-fi/students"}, upsertKind{}, item)

	assert.Empty(t, msgs)
	assert.Equal(t, StopErrored, item.StopReason())
	assert.Len(t, source.requestOffsets(), 1, "the stream must stop after the failed page")

	sink.Close()
	items := sink.Items("/ed-fi/students")
	require.Len(t, items, 1)
	assert.Equal(t, "GET", items[0].Method)
	assert.Equal(t, 200, items[0].ResponseStatus)
}

func TestStreamPagesNonSuccessStatusRecordsOneError(t *testing.T) {
	source := newFakeSource()
	source.fetchHook = func(req PageRequest) (*clients.Result, error) {
		return &clients.Result{StatusCode: 403, Body: []byte(`{"message":"forbidden"}`)}, nil
	}

	h, sink := newTestHandler(t, source, pagingOptions(2), nil)
	item := newStreamingPagesItem("/ed-fi/students")

	msgs := collectStream(h, ResourceDescriptor{Path: "/ed-fi/students"}, upsertKind{}, item)

	assert.Empty(t, msgs)
	assert.Equal(t, StopErrored, item.StopReason())

	sink.Close()
	items := sink.Items("/ed-fi/students")
	require.Len(t, items, 1)
	assert.Equal(t, 403, items[0].ResponseStatus)
	assert.Contains(t, items[0].ResponseContent, "forbidden")
}

func TestStreamPagesMissingBodyRecordsOneError(t *testing.T) {
	source := newFakeSource()
	source.fetchHook = func(req PageRequest) (*clients.Result, error) {
		return &clients.Result{StatusCode: 200}, nil
	}

	h, sink := newTestHandler(t, source, pagingOptions(2), nil)
	item := newStreamingPagesItem("/ed-fi/students")

	msgs := collectStream(h, ResourceDescriptor{Path: "/ed-fi/students"}, upsertKind{}, item)

	assert.Empty(t, msgs)
	assert.Equal(t, StopErrored, item.StopReason())

	sink.Close()
	require.Len(t, sink.Items("/ed-fi/students"), 1)
}

func TestStreamPagesRateLimitedStopsWithoutError(t *testing.T) {
	limiter := clients.NewTokenBucketRateLimiter(0.0001, 1)
	require.True(t, limiter.Allow(), "drain the only token")

	source := newFakeSource()
	source.addRecords("/ed-fi/students", 5)

	h, sink := newTestHandler(t, source, pagingOptions(2), limiter)
	item := newStreamingPagesItem("/ed-fi/students")

	msgs := collectStream(h, ResourceDescriptor{Path: "/ed-fi/students"}, upsertKind{}, item)

	assert.Empty(t, msgs)
	assert.Equal(t, StopRateLimited, item.StopReason())

	sink.Close()
	assert.Empty(t, sink.Items("/ed-fi/students"), "rate limiting leaves the window for the next run")
}

func TestStreamPagesCancellationProducesNoErrors(t *testing.T) {
	source := newFakeSource()
	source.addRecords("/ed-fi/students", 5)

	h, sink := newTestHandler(t, source, pagingOptions(2), nil)
	item := newStreamingPagesItem("/ed-fi/students")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	out := make(chan *ApplyMessage, 16)
	h.StreamPages(ctx, ResourceDescriptor{Path: "/ed-fi/students"}, upsertKind{}, ChangeWindow{}, item, out)
	close(out)

	assert.Empty(t, source.requestOffsets())
	assert.Equal(t, StopCancelled, item.StopReason())

	sink.Close()
	assert.Empty(t, sink.Items("/ed-fi/students"))
}

func TestStreamPagesCancelledMidFetchProducesNoErrors(t *testing.T) {
	source := newFakeSource()
	source.addRecords("/ed-fi/students", 5)

	ctx, cancel := context.WithCancel(context.Background())
	source.fetchHook = func(req PageRequest) (*clients.Result, error) {
		cancel()
		return nil, ctx.Err()
	}

	opts := pagingOptions(2)
	policy := clients.NewPolicy(clients.PolicyConfig{
		StartingDelay: time.Millisecond,
		MaxAttempts:   0,
	}, zap.NewNop())
	sink := NewErrorSink(64, zap.NewNop())
	h := NewPageHandler(source, policy, sink, opts, zap.NewNop())

	item := newStreamingPagesItem("/ed-fi/students")
	out := make(chan *ApplyMessage, 16)
	h.StreamPages(ctx, ResourceDescriptor{Path: "/ed-fi/students"}, upsertKind{}, ChangeWindow{}, item, out)
	close(out)

	assert.Equal(t, StopCancelled, item.StopReason())

	sink.Close()
	assert.Empty(t, sink.Items("/ed-fi/students"),
		"a fetch aborted by cancellation is not a page failure")
}

func TestStreamPagesErrorCeilingStopsStream(t *testing.T) {
	source := newFakeSource()
	source.addRecords("/ed-fi/students", 5)

	opts := pagingOptions(2)
	opts.ErrorCeiling = 1

	h, sink := newTestHandler(t, source, opts, nil)
	sink.Record("/ed-fi/students", ErrorKindItem, ErrorItem{Method: "POST"})

	item := newStreamingPagesItem("/ed-fi/students")
	msgs := collectStream(h, ResourceDescriptor{Path: "/ed-fi/students"}, upsertKind{}, item)

	assert.Empty(t, msgs)
	assert.Empty(t, source.requestOffsets())
	assert.Equal(t, StopErrorCeiling, item.StopReason())
	sink.Close()
}

func TestStreamPagesReverseDescendingOffsets(t *testing.T) {
	source := newFakeSource()
	source.addRecords("/ed-fi/students", 5)

	h, _ := newTestHandler(t, source, pagingOptions(2), nil)
	item := newStreamingPagesItem("/ed-fi/students")
	desc := ResourceDescriptor{Path: "/ed-fi/students", UsesReversePaging: true}

	msgs := collectStream(h, desc, upsertKind{}, item)

	assert.Equal(t, []int{4, 2, 0}, source.requestOffsets())
	assert.Len(t, msgs, 5)
	assert.Equal(t, StopExhausted, item.StopReason())
}

func TestStreamPagesReverseCountFailure(t *testing.T) {
	source := newFakeSource()
	source.countErr = fmt.Errorf("count unavailable")

	h, sink := newTestHandler(t, source, pagingOptions(2), nil)
	item := newStreamingPagesItem("/ed-fi/students")
	desc := ResourceDescriptor{Path: "/ed-fi/students", UsesReversePaging: true}

	msgs := collectStream(h, desc, upsertKind{}, item)

	assert.Empty(t, msgs)
	assert.Equal(t, StopErrored, item.StopReason())

	sink.Close()
	require.Len(t, sink.Items("/ed-fi/students"), 1)
}

func TestStreamPagesRetriesTransientFetch(t *testing.T) {
	source := newFakeSource()
	source.addRecords("/ed-fi/students", 1)

	var failures int
	source.fetchHook = func(req PageRequest) (*clients.Result, error) {
		if failures < 1 {
			failures++
			return nil, fmt.Errorf("connection reset")
		}
		return nil, nil
	}

	h, sink := newTestHandler(t, source, pagingOptions(2), nil)
	item := newStreamingPagesItem("/ed-fi/students")

	msgs := collectStream(h, ResourceDescriptor{Path: "/ed-fi/students"}, upsertKind{}, item)

	assert.Len(t, msgs, 1)
	assert.Equal(t, StopExhausted, item.StopReason())
	sink.Close()
	assert.Empty(t, sink.Items("/ed-fi/students"))
}
