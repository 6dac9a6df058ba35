package pipeline

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/edfi-tools/publisher/pkg/clients"
	"github.com/edfi-tools/publisher/pkg/observability"
)

// WatermarkWriter persists the highest processed change version per
// resource once that resource completes cleanly.
type WatermarkWriter interface {
	SetProcessedChangeVersion(ctx context.Context, resource string, version int64) error
}

// Orchestrator coordinates one run: it schedules every (resource,
// stage kind) pipeline respecting dependency order, shares the global
// fetch budget across them, and aggregates the outcome.
//
// Scheduling rules:
//   - upserts and key changes start after the same kind has resolved
//     for every dependency (parents before children)
//   - deletes run in reverse dependency order (children before parents)
//   - within one resource, kinds run upsert, then key change, then
//     delete
type Orchestrator struct {
	proc        *ProcessingContext
	handler     *PageHandler
	target      TargetTransport
	applyPolicy *clients.Policy
	sink        *ErrorSink
	watermarks  WatermarkWriter
	logger      *zap.Logger

	mu    sync.Mutex
	items map[string]*StreamingPagesItem
}

// OrchestratorConfig wires an Orchestrator.
type OrchestratorConfig struct {
	Source SourceTransport
	Target TargetTransport
	// Limiter gates page fetch admission when non-nil; applies retry
	// without admission gating
	Limiter clients.RateLimiter
	// Watermarks receives per-resource change version updates (optional)
	Watermarks WatermarkWriter
}

// NewOrchestrator builds an orchestrator for one run.
func NewOrchestrator(proc *ProcessingContext, cfg OrchestratorConfig, logger *zap.Logger) *Orchestrator {
	opts := proc.Options

	var limiterWait time.Duration
	if cfg.Limiter != nil {
		limiterWait = opts.RateLimit.MaxWait
	}

	fetchPolicy := clients.NewPolicy(clients.PolicyConfig{
		StartingDelay:  opts.Retry.StartingDelay,
		MaxAttempts:    opts.Retry.MaxAttempts,
		Limiter:        cfg.Limiter,
		LimiterMaxWait: limiterWait,
	}, logger)

	applyPolicy := clients.NewPolicy(clients.PolicyConfig{
		StartingDelay: opts.Retry.StartingDelay,
		MaxAttempts:   opts.Retry.MaxAttempts,
	}, logger)

	sink := NewErrorSink(opts.Concurrency.StageQueueCapacity*4, logger)
	handler := NewPageHandler(cfg.Source, fetchPolicy, sink, opts, logger)

	return &Orchestrator{
		proc:        proc,
		handler:     handler,
		target:      cfg.Target,
		applyPolicy: applyPolicy,
		sink:        sink,
		watermarks:  cfg.Watermarks,
		logger:      logger.With(zap.String("component", "orchestrator")),
	}
}

// Sink exposes the run's error sink for post-run inspection.
func (o *Orchestrator) Sink() *ErrorSink { return o.sink }

// Items returns the per-resource completion handles of the current or
// most recent run.
func (o *Orchestrator) Items() map[string]*StreamingPagesItem {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make(map[string]*StreamingPagesItem, len(o.items))
	for path, item := range o.items {
		out[path] = item
	}
	return out
}

// Run executes the full replication run and blocks until every
// resource has resolved. Cancellation drains in-flight work without
// recording error items.
func (o *Orchestrator) Run(ctx context.Context) (*RunResult, error) {
	start := time.Now()
	resources := o.proc.Resources

	items := make(map[string]*StreamingPagesItem, len(resources))
	remaining := make(map[string]*int32, len(resources))
	for _, desc := range resources {
		items[desc.Path] = newStreamingPagesItem(desc.Path)
		n := int32(len(desc.stages()))
		remaining[desc.Path] = &n
	}
	o.mu.Lock()
	o.items = items
	o.mu.Unlock()

	// One done channel per (kind, resource). Kinds a resource does not
	// run are closed up front so dependents never special-case them.
	done := make(map[StageKindName]map[string]chan struct{}, len(stageOrder))
	for _, kind := range stageOrder {
		done[kind] = make(map[string]chan struct{}, len(resources))
		for _, desc := range resources {
			ch := make(chan struct{})
			done[kind][desc.Path] = ch
			if !desc.runsStage(kind) {
				close(ch)
			}
		}
	}

	dependents := o.dependentsByPath()

	var wg sync.WaitGroup
	for _, desc := range resources {
		for _, kind := range stageOrder {
			if !desc.runsStage(kind) {
				continue
			}
			desc := desc
			kind := kind
			wg.Add(1)
			go func() {
				defer wg.Done()
				defer func() {
					close(done[kind][desc.Path])
					// The resource resolves once its last stage finishes.
					if atomic.AddInt32(remaining[desc.Path], -1) == 0 {
						items[desc.Path].resolve()
					}
				}()

				for _, ch := range o.prerequisites(desc, kind, done, dependents) {
					select {
					case <-ch:
					case <-ctx.Done():
						items[desc.Path].noteStop(StopCancelled)
						return
					}
				}

				o.runStage(ctx, desc, kind, items[desc.Path])
			}()
		}
	}
	wg.Wait()
	o.sink.Close()

	return o.summarize(ctx, items, time.Since(start)), nil
}

// prerequisites collects the done channels a stage must wait on.
func (o *Orchestrator) prerequisites(desc ResourceDescriptor, kind StageKindName, done map[StageKindName]map[string]chan struct{}, dependents map[string][]string) []chan struct{} {
	var waits []chan struct{}

	// Every earlier kind of the same resource. Skipped kinds are
	// pre-closed, so the wait chain cannot skip over a live stage.
	for _, k := range stageOrder {
		if k == kind {
			break
		}
		waits = append(waits, done[k][desc.Path])
	}

	if kind == StageDelete {
		for _, dep := range dependents[desc.Path] {
			waits = append(waits, done[StageDelete][dep])
		}
		return waits
	}
	for _, dep := range desc.DependsOn {
		waits = append(waits, done[kind][dep])
	}
	return waits
}

// dependentsByPath inverts the dependency edges.
func (o *Orchestrator) dependentsByPath() map[string][]string {
	out := make(map[string][]string)
	for _, desc := range o.proc.Resources {
		for _, dep := range desc.DependsOn {
			out[dep] = append(out[dep], desc.Path)
		}
	}
	return out
}

func (o *Orchestrator) runStage(ctx context.Context, desc ResourceDescriptor, kind StageKindName, item *StreamingPagesItem) {
	spanCtx, span := observability.StartStageSpan(ctx, desc.Path, string(kind))
	defer span.End()

	o.logger.Info("stage started",
		zap.String("resource", desc.Path),
		zap.String("stage", string(kind)))

	p := newStagePipeline(desc, stageKindFor(kind), o.handler, o.target, o.applyPolicy, o.sink, o.proc.Options, o.logger, item, o.proc.Window)
	p.run(spanCtx)

	o.logger.Info("stage finished",
		zap.String("resource", desc.Path),
		zap.String("stage", string(kind)),
		zap.Int64("fetched", item.RecordsFetched()),
		zap.Int64("applied", item.ItemsProcessed()),
		zap.Int64("errored", item.ItemsErrored()))
}

// summarize aggregates per-resource results and persists watermarks
// for resources that completed their whole window without failures.
func (o *Orchestrator) summarize(ctx context.Context, items map[string]*StreamingPagesItem, elapsed time.Duration) *RunResult {
	result := &RunResult{
		Status:    RunCompleted,
		Resources: make(map[string]*ResourceResult, len(items)),
		Duration:  elapsed,
	}

	for path, item := range items {
		reason := item.StopReason()
		res := &ResourceResult{
			Resource:     path,
			Fetched:      item.RecordsFetched(),
			Applied:      item.ItemsProcessed(),
			Errored:      item.ItemsErrored(),
			StoppedEarly: reason != StopExhausted,
			StopReason:   reason,
		}

		if reason == StopExhausted && res.Errored == 0 {
			res.Watermark = o.watermarkFor(item)
			if o.watermarks != nil && res.Watermark > 0 {
				if err := o.watermarks.SetProcessedChangeVersion(ctx, path, res.Watermark); err != nil {
					o.logger.Error("watermark write failed",
						zap.String("resource", path),
						zap.Error(err))
				}
			}
		}
		result.Resources[path] = res
	}

	switch {
	case ctx.Err() != nil:
		result.Status = RunCancelled
	case o.sink.Total() > 0:
		result.Status = RunCompletedWithErrors
	}
	return result
}

// watermarkFor picks the change version a completed resource advances
// to: the window's upper bound when fixed, otherwise the highest
// version observed in fetched records.
func (o *Orchestrator) watermarkFor(item *StreamingPagesItem) int64 {
	if o.proc.Window.MaxVersion != nil {
		return *o.proc.Window.MaxVersion
	}
	return item.MaxVersionSeen()
}
