package pipeline

import (
	"context"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/edfi-tools/publisher/pkg/clients"
	"github.com/edfi-tools/publisher/pkg/config"
	"github.com/edfi-tools/publisher/pkg/errors"
	"github.com/edfi-tools/publisher/pkg/metrics"
)

// PageHandler streams pages of changed records out of the source. All
// streams share one fetch semaphore so the global page retrieval
// parallelism budget holds across concurrently processed resources.
type PageHandler struct {
	source  SourceTransport
	policy  *clients.Policy
	sink    *ErrorSink
	opts    *config.Options
	logger  *zap.Logger
	fetches *semaphore.Weighted
}

// NewPageHandler creates a page handler sharing the given fetch budget.
func NewPageHandler(source SourceTransport, policy *clients.Policy, sink *ErrorSink, opts *config.Options, logger *zap.Logger) *PageHandler {
	return &PageHandler{
		source:  source,
		policy:  policy,
		sink:    sink,
		opts:    opts,
		logger:  logger.With(zap.String("component", "page_handler")),
		fetches: semaphore.NewWeighted(int64(opts.Concurrency.PageRetrievalParallelism)),
	}
}

// StreamPages pages one stage stream of a resource and emits apply
// messages in source order onto out. It returns once the stream is
// exhausted or a terminal condition stops it; the stop reason is
// recorded on item. Cancellation stops the stream without an error
// item. The caller owns closing out.
func (h *PageHandler) StreamPages(ctx context.Context, desc ResourceDescriptor, kind StageKind, window ChangeWindow, item *StreamingPagesItem, out chan<- *ApplyMessage) {
	defer func() {
		if r := recover(); r != nil {
			h.logger.Error("page stream panicked",
				zap.String("resource", desc.Path),
				zap.String("stage", string(kind.Name())),
				zap.Any("panic", r))
			h.sink.Record(desc.Path, ErrorKindPage, ErrorItem{
				Method:          http.MethodGet,
				ResourceURL:     kind.StreamPath(desc.Path),
				ResponseContent: fmt.Sprintf("panic during page streaming: %v", r),
			})
			atomic.AddInt64(&item.itemsErrored, 1)
			item.noteStop(StopErrored)
		}
	}()

	streamPath := kind.StreamPath(desc.Path)
	limit := h.opts.Paging.PageSize

	if desc.UsesReversePaging {
		h.streamReverse(ctx, desc, kind, streamPath, limit, window, item, out)
		return
	}

	offset := 0
	for {
		req := PageRequest{
			ResourcePath:       streamPath,
			Offset:             offset,
			Limit:              limit,
			Window:             window,
			FinalPageCandidate: true,
		}
		count, ok := h.handlePage(ctx, desc, kind, req, item, out)
		if !ok {
			return
		}
		// A full final-page candidate may hide more records behind it;
		// a short page is definitively the last one.
		if count < limit {
			return
		}
		offset += limit
	}
}

// streamReverse pages from a known total backward. Each page request
// is independent; no page triggers a continuation of itself.
func (h *PageHandler) streamReverse(ctx context.Context, desc ResourceDescriptor, kind StageKind, streamPath string, limit int, window ChangeWindow, item *StreamingPagesItem, out chan<- *ApplyMessage) {
	total, err := h.source.CountItems(ctx, streamPath, window)
	if err != nil {
		if ctx.Err() != nil {
			item.noteStop(StopCancelled)
			return
		}
		h.sink.Record(desc.Path, ErrorKindPage, ErrorItem{
			Method:          http.MethodGet,
			ResourceURL:     streamPath,
			ResponseContent: err.Error(),
			Cause:           err,
		})
		atomic.AddInt64(&item.itemsErrored, 1)
		item.noteStop(StopErrored)
		return
	}
	if total == 0 {
		return
	}

	lastOffset := ((total - 1) / limit) * limit
	for offset := lastOffset; offset >= 0; offset -= limit {
		req := PageRequest{
			ResourcePath: streamPath,
			Offset:       offset,
			Limit:        limit,
			Window:       window,
		}
		if _, ok := h.handlePage(ctx, desc, kind, req, item, out); !ok {
			return
		}
	}
}

// handlePage fetches, parses, and emits one page. It returns the
// element count and whether the stream may continue. On any terminal
// failure it records exactly one error item and stops the stream.
func (h *PageHandler) handlePage(ctx context.Context, desc ResourceDescriptor, kind StageKind, req PageRequest, item *StreamingPagesItem, out chan<- *ApplyMessage) (int, bool) {
	if ctx.Err() != nil {
		item.noteStop(StopCancelled)
		return 0, false
	}
	if ceiling := h.opts.ErrorCeiling; ceiling > 0 && h.sink.CountFor(desc.Path) >= int64(ceiling) {
		h.logger.Warn("error ceiling reached, stopping stream",
			zap.String("resource", desc.Path),
			zap.String("stage", string(kind.Name())))
		item.noteStop(StopErrorCeiling)
		return 0, false
	}

	if err := h.fetches.Acquire(ctx, 1); err != nil {
		item.noteStop(StopCancelled)
		return 0, false
	}
	start := time.Now()
	result, err := h.policy.Execute(ctx, func(ctx context.Context) (*clients.Result, error) {
		return h.source.FetchPage(ctx, req)
	})
	h.fetches.Release(1)
	metrics.ObserveFetch(desc.Path, time.Since(start))

	if err != nil {
		switch {
		case errors.IsType(err, errors.ErrorTypeCancelled):
			item.noteStop(StopCancelled)
		case clients.IsRateLimited(err):
			// Admission was refused; the window's remaining pages stay
			// for the next run, so no error item is recorded.
			h.logger.Warn("rate limiter rejected paging",
				zap.String("resource", desc.Path),
				zap.String("stage", string(kind.Name())))
			metrics.RateLimiterBlocked.Inc()
			item.noteStop(StopRateLimited)
		default:
			metrics.PagesFetched.WithLabelValues(desc.Path, "failure").Inc()
			h.recordPageError(desc, ErrorItem{
				Method:          http.MethodGet,
				ResourceURL:     req.ResourcePath,
				ResponseContent: err.Error(),
				Cause:           err,
			}, item)
		}
		return 0, false
	}

	if result.StatusCode < 200 || result.StatusCode >= 300 {
		metrics.PagesFetched.WithLabelValues(desc.Path, "failure").Inc()
		h.recordPageError(desc, ErrorItem{
			Method:          http.MethodGet,
			ResourceURL:     req.ResourcePath,
			ResponseStatus:  result.StatusCode,
			ResponseContent: string(result.Body),
		}, item)
		return 0, false
	}
	if len(result.Body) == 0 {
		metrics.PagesFetched.WithLabelValues(desc.Path, "failure").Inc()
		h.recordPageError(desc, ErrorItem{
			Method:          http.MethodGet,
			ResourceURL:     req.ResourcePath,
			ResponseStatus:  result.StatusCode,
			ResponseContent: "response body missing",
		}, item)
		return 0, false
	}

	msgs, err := kind.Convert(req, result.Body)
	if err != nil {
		metrics.PagesFetched.WithLabelValues(desc.Path, "failure").Inc()
		h.recordPageError(desc, ErrorItem{
			Method:          http.MethodGet,
			ResourceURL:     req.ResourcePath,
			ResponseStatus:  result.StatusCode,
			ResponseContent: err.Error(),
			Cause:           err,
		}, item)
		return 0, false
	}

	metrics.PagesFetched.WithLabelValues(desc.Path, "success").Inc()
	atomic.AddInt64(&item.pagesFetched, 1)
	atomic.AddInt64(&item.recordsFetched, int64(len(msgs)))

	for _, msg := range msgs {
		item.noteVersion(msg.ChangeVersion)
		select {
		case out <- msg:
		case <-ctx.Done():
			item.noteStop(StopCancelled)
			return 0, false
		}
	}

	h.logger.Debug("page streamed",
		zap.String("resource", desc.Path),
		zap.String("stage", string(kind.Name())),
		zap.Int("offset", req.Offset),
		zap.Int("count", len(msgs)))

	return len(msgs), true
}

// recordPageError diverts exactly one error item for a failed page and
// marks the stream as errored.
func (h *PageHandler) recordPageError(desc ResourceDescriptor, errItem ErrorItem, item *StreamingPagesItem) {
	h.sink.Record(desc.Path, ErrorKindPage, errItem)
	atomic.AddInt64(&item.itemsErrored, 1)
	item.noteStop(StopErrored)
}
