package pipeline

import (
	"context"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/edfi-tools/publisher/pkg/clients"
	"github.com/edfi-tools/publisher/pkg/config"
	"github.com/edfi-tools/publisher/pkg/errors"
	"github.com/edfi-tools/publisher/pkg/metrics"
)

// stagePipeline runs one (resource, stage kind) pair: a bounded input
// queue fed by the page stream and a pool of apply workers draining it.
// The queue capacity bounds memory; a full queue backpressures the
// page stream.
type stagePipeline struct {
	desc    ResourceDescriptor
	kind    StageKind
	handler *PageHandler
	target  TargetTransport
	policy  *clients.Policy
	sink    *ErrorSink
	opts    *config.Options
	logger  *zap.Logger
	item    *StreamingPagesItem
	window  ChangeWindow
}

func newStagePipeline(desc ResourceDescriptor, kind StageKind, handler *PageHandler, target TargetTransport, policy *clients.Policy, sink *ErrorSink, opts *config.Options, logger *zap.Logger, item *StreamingPagesItem, window ChangeWindow) *stagePipeline {
	return &stagePipeline{
		desc:    desc,
		kind:    kind,
		handler: handler,
		target:  target,
		policy:  policy,
		sink:    sink,
		opts:    opts,
		logger: logger.With(
			zap.String("resource", desc.Path),
			zap.String("stage", string(kind.Name()))),
		item:   item,
		window: window,
	}
}

// run streams pages into the queue and applies every message before
// returning. It returns only after the stream has stopped and all
// derived applies have been applied or diverted to the error sink.
func (p *stagePipeline) run(ctx context.Context) {
	queue := make(chan *ApplyMessage, p.opts.Concurrency.StageQueueCapacity)
	gauge := metrics.QueueDepth.WithLabelValues(p.desc.Path, string(p.kind.Name()))

	var wg sync.WaitGroup
	for i := 0; i < p.opts.Concurrency.MaxPerResourceParallelism; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for msg := range queue {
				gauge.Set(float64(len(queue)))
				p.applyOne(ctx, msg)
			}
		}()
	}

	p.handler.StreamPages(ctx, p.desc, p.kind, p.window, p.item, queue)
	close(queue)
	wg.Wait()
	gauge.Set(0)
}

// applyOne drives one message against the target under the apply
// policy. A failed item is diverted to the error sink without stopping
// sibling applies or the page stream; cancellation diverts nothing.
func (p *stagePipeline) applyOne(ctx context.Context, msg *ApplyMessage) {
	result, err := p.policy.Execute(ctx, func(ctx context.Context) (*clients.Result, error) {
		msg.Attempts++
		return p.kind.Apply(ctx, p.target, msg)
	})

	if err != nil {
		if errors.IsType(err, errors.ErrorTypeCancelled) {
			return
		}
		p.recordItemError(ErrorItem{
			Method:          applyMethod(msg.Op),
			ResourceURL:     msg.ResourcePath,
			ID:              msg.SourceID,
			Body:            string(msg.Body),
			ResponseContent: err.Error(),
			Cause:           err,
		})
		return
	}

	if result.StatusCode < 200 || result.StatusCode >= 300 {
		p.recordItemError(ErrorItem{
			Method:          applyMethod(msg.Op),
			ResourceURL:     msg.ResourcePath,
			ID:              msg.SourceID,
			Body:            string(msg.Body),
			ResponseStatus:  result.StatusCode,
			ResponseContent: string(result.Body),
		})
		return
	}

	atomic.AddInt64(&p.item.itemsProcessed, 1)
	metrics.ItemsApplied.WithLabelValues(p.desc.Path, string(p.kind.Name()), "success").Inc()
}

func (p *stagePipeline) recordItemError(errItem ErrorItem) {
	p.sink.Record(p.desc.Path, ErrorKindItem, errItem)
	atomic.AddInt64(&p.item.itemsErrored, 1)
	metrics.ItemsApplied.WithLabelValues(p.desc.Path, string(p.kind.Name()), "failure").Inc()
}

func applyMethod(op StageKindName) string {
	switch op {
	case StageDelete:
		return "DELETE"
	case StageKeyChange:
		return "PUT"
	default:
		return "POST"
	}
}
