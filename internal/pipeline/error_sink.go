package pipeline

import (
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/edfi-tools/publisher/pkg/metrics"
)

// ErrorKind distinguishes page-level failures from item-level failures.
type ErrorKind string

const (
	// ErrorKindPage marks a failed page fetch or parse
	ErrorKindPage ErrorKind = "page"
	// ErrorKindItem marks a failed individual apply
	ErrorKindItem ErrorKind = "item"
)

// recordedError pairs an error item with its origin for the drain loop.
type recordedError struct {
	resource string
	kind     ErrorKind
	item     ErrorItem
}

// ErrorSink collects error items from all pipelines without blocking
// them on downstream persistence. Record enqueues onto a bounded
// channel drained by a single goroutine; per-resource counts update
// synchronously so error ceilings observe them immediately.
type ErrorSink struct {
	logger *zap.Logger

	queue chan recordedError
	wg    sync.WaitGroup

	mu    sync.Mutex
	items []recordedError

	counts sync.Map // resource -> *int64

	closed atomic.Bool
}

// NewErrorSink creates a sink with the given queue capacity and starts
// its drain goroutine.
func NewErrorSink(capacity int, logger *zap.Logger) *ErrorSink {
	if capacity <= 0 {
		capacity = 256
	}
	s := &ErrorSink{
		logger: logger.With(zap.String("component", "error_sink")),
		queue:  make(chan recordedError, capacity),
	}
	s.wg.Add(1)
	go s.drain()
	return s
}

func (s *ErrorSink) drain() {
	defer s.wg.Done()
	for rec := range s.queue {
		s.mu.Lock()
		s.items = append(s.items, rec)
		s.mu.Unlock()

		s.logger.Warn("error item recorded",
			zap.String("resource", rec.resource),
			zap.String("kind", string(rec.kind)),
			zap.String("method", rec.item.Method),
			zap.String("url", rec.item.ResourceURL),
			zap.Int("status", rec.item.ResponseStatus))
	}
}

// Record registers one error item. It blocks only while the bounded
// queue is full.
func (s *ErrorSink) Record(resource string, kind ErrorKind, item ErrorItem) {
	counter, _ := s.counts.LoadOrStore(resource, new(int64))
	atomic.AddInt64(counter.(*int64), 1)
	metrics.ErrorsRecorded.WithLabelValues(resource, string(kind)).Inc()

	s.queue <- recordedError{resource: resource, kind: kind, item: item}
}

// CountFor returns how many error items have been recorded for a
// resource so far.
func (s *ErrorSink) CountFor(resource string) int64 {
	if counter, ok := s.counts.Load(resource); ok {
		return atomic.LoadInt64(counter.(*int64))
	}
	return 0
}

// Total returns the number of error items recorded across all resources.
func (s *ErrorSink) Total() int64 {
	var total int64
	s.counts.Range(func(_, v interface{}) bool {
		total += atomic.LoadInt64(v.(*int64))
		return true
	})
	return total
}

// Close stops the drain loop after the queue empties. Record must not
// be called after Close.
func (s *ErrorSink) Close() {
	if s.closed.CompareAndSwap(false, true) {
		close(s.queue)
		s.wg.Wait()
	}
}

// Items returns the recorded error items for a resource in arrival
// order. Call after Close for a complete view.
func (s *ErrorSink) Items(resource string) []ErrorItem {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []ErrorItem
	for _, rec := range s.items {
		if rec.resource == resource {
			out = append(out, rec.item)
		}
	}
	return out
}

// Summary aggregates recorded errors per resource.
func (s *ErrorSink) Summary() map[string]int64 {
	out := make(map[string]int64)
	s.counts.Range(func(k, v interface{}) bool {
		out[k.(string)] = atomic.LoadInt64(v.(*int64))
		return true
	})
	return out
}
