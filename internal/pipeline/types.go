// Package pipeline implements the streaming resource replication engine.
// It paginates changed records out of a source system, converts them to
// apply operations, and drives them against a target system in
// dependency order with bounded concurrency, retry, and rate limiting.
package pipeline

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/edfi-tools/publisher/pkg/config"
)

// StageKindName identifies the category of apply operation a pipeline
// instance performs.
type StageKindName string

const (
	// StageUpsert creates or updates records on the target
	StageUpsert StageKindName = "upsert"
	// StageKeyChange renames natural keys on the target
	StageKeyChange StageKindName = "key_change"
	// StageDelete removes records from the target
	StageDelete StageKindName = "delete"
)

// stageOrder is the execution order of stage kinds within one resource:
// renamed and re-created items must be reconciled before removal.
var stageOrder = []StageKindName{StageUpsert, StageKeyChange, StageDelete}

// ChangeWindow bounds which records are eligible for a run. Immutable
// per run; nil bounds are unbounded.
type ChangeWindow struct {
	MinVersion *int64 `json:"min_version,omitempty"`
	MaxVersion *int64 `json:"max_version,omitempty"`
}

// ResourceDescriptor describes one resource endpoint being replicated.
type ResourceDescriptor struct {
	// Path is the resource endpoint path (e.g. "/ed-fi/students")
	Path string
	// DependsOn lists resource paths that must complete first
	DependsOn []string
	// Rank is the position in topological order, filled by the graph
	Rank int
	// UsesReversePaging fetches from a known total backward
	UsesReversePaging bool
	// SupportsDeletes enables the delete stage
	SupportsDeletes bool
	// SupportsKeyChanges enables the key-change stage
	SupportsKeyChanges bool
}

// stages returns the stage kinds this resource runs, in execution order.
func (d *ResourceDescriptor) stages() []StageKindName {
	kinds := []StageKindName{StageUpsert}
	if d.SupportsKeyChanges {
		kinds = append(kinds, StageKeyChange)
	}
	if d.SupportsDeletes {
		kinds = append(kinds, StageDelete)
	}
	return kinds
}

// runsStage reports whether the resource runs the given stage kind.
func (d *ResourceDescriptor) runsStage(kind StageKindName) bool {
	switch kind {
	case StageUpsert:
		return true
	case StageKeyChange:
		return d.SupportsKeyChanges
	case StageDelete:
		return d.SupportsDeletes
	default:
		return false
	}
}

// ProcessingContext carries everything one run needs. Built once per
// run; read-only to all components below the orchestrator.
type ProcessingContext struct {
	// Resources in topological order
	Resources []ResourceDescriptor
	// Graph is the resource dependency graph
	Graph *DependencyGraph
	// Window bounds eligible records
	Window ChangeWindow
	// Options is the pipeline configuration
	Options *config.Options
}

// NewProcessingContext builds a ProcessingContext from descriptors,
// validating the dependency graph and ordering resources by rank.
func NewProcessingContext(resources []ResourceDescriptor, window ChangeWindow, opts *config.Options) (*ProcessingContext, error) {
	graph, err := NewDependencyGraph(resources)
	if err != nil {
		return nil, err
	}
	return &ProcessingContext{
		Resources: graph.Ordered(),
		Graph:     graph,
		Window:    window,
		Options:   opts,
	}, nil
}

// PageRequest describes one page fetch attempt. Offsets strictly
// increase across continuations of a forward stream.
type PageRequest struct {
	// ResourcePath is the stream endpoint (may carry a stage suffix)
	ResourcePath string
	// Offset and Limit select the page
	Offset int
	Limit  int
	// Window bounds eligible records
	Window ChangeWindow
	// FinalPageCandidate marks a page that may be the last one; a full
	// final-page candidate triggers a continuation in forward mode
	FinalPageCandidate bool
}

// ApplyMessage is one apply operation derived from a page element.
// Exactly one of Body/KeyValues carries the payload depending on Op.
type ApplyMessage struct {
	// Op tags the variant: upsert, delete, or key change
	Op StageKindName
	// ResourcePath is the target resource endpoint
	ResourcePath string
	// SourceID is the record id on the source system
	SourceID string
	// KeyValues carries the natural key (delete and key-change)
	KeyValues map[string]interface{}
	// Body carries the full record (upsert) or new key values (key change)
	Body []byte
	// ChangeVersion is the record's change version when known
	ChangeVersion int64
	// Attempts counts actual apply attempts made for this message,
	// including retries
	Attempts int
}

// ErrorItem is an immutable record of one page or item attempt that
// will not be retried again by the pipeline.
type ErrorItem struct {
	Method          string `json:"method"`
	ResourceURL     string `json:"resource_url"`
	ID              string `json:"id,omitempty"`
	Body            string `json:"body,omitempty"`
	ResponseStatus  int    `json:"response_status,omitempty"`
	ResponseContent string `json:"response_content,omitempty"`
	Cause           error  `json:"-"`
}

// StopReason explains why a resource's stream ended.
type StopReason string

const (
	// StopExhausted means all pages were consumed
	StopExhausted StopReason = "exhausted"
	// StopErrored means a terminal page failure ended the stream
	StopErrored StopReason = "errored"
	// StopRateLimited means the rate limiter rejected further paging
	StopRateLimited StopReason = "rate_limited"
	// StopCancelled means the run was cancelled
	StopCancelled StopReason = "cancelled"
	// StopErrorCeiling means the resource crossed its error ceiling
	StopErrorCeiling StopReason = "error_ceiling"
)

// StreamingPagesItem is the per-resource completion handle. It resolves
// once every stage stream for the resource has stopped and every apply
// message derived from already-fetched pages has been applied or
// diverted to the error sink.
type StreamingPagesItem struct {
	resource string

	recordsFetched int64
	itemsProcessed int64
	itemsErrored   int64
	pagesFetched   int64
	maxVersionSeen int64

	stopReason atomic.Value // StopReason of the first non-exhausted stop

	done chan struct{}
	once sync.Once
}

func newStreamingPagesItem(resource string) *StreamingPagesItem {
	return &StreamingPagesItem{
		resource: resource,
		done:     make(chan struct{}),
	}
}

// Resource returns the resource path this handle tracks.
func (s *StreamingPagesItem) Resource() string { return s.resource }

// Done returns a channel closed when the resource has fully resolved.
func (s *StreamingPagesItem) Done() <-chan struct{} { return s.done }

// RecordsFetched returns the number of records fetched from the source.
func (s *StreamingPagesItem) RecordsFetched() int64 {
	return atomic.LoadInt64(&s.recordsFetched)
}

// ItemsProcessed returns the number of items applied successfully.
func (s *StreamingPagesItem) ItemsProcessed() int64 {
	return atomic.LoadInt64(&s.itemsProcessed)
}

// ItemsErrored returns the number of error items recorded.
func (s *StreamingPagesItem) ItemsErrored() int64 {
	return atomic.LoadInt64(&s.itemsErrored)
}

// PagesFetched returns the number of pages retrieved.
func (s *StreamingPagesItem) PagesFetched() int64 {
	return atomic.LoadInt64(&s.pagesFetched)
}

// MaxVersionSeen returns the highest change version observed in
// fetched records.
func (s *StreamingPagesItem) MaxVersionSeen() int64 {
	return atomic.LoadInt64(&s.maxVersionSeen)
}

// StopReason returns why the stream stopped early, or StopExhausted.
func (s *StreamingPagesItem) StopReason() StopReason {
	if v := s.stopReason.Load(); v != nil {
		return v.(StopReason)
	}
	return StopExhausted
}

func (s *StreamingPagesItem) noteStop(reason StopReason) {
	if reason == StopExhausted {
		return
	}
	s.stopReason.CompareAndSwap(nil, reason)
}

func (s *StreamingPagesItem) noteVersion(v int64) {
	for {
		cur := atomic.LoadInt64(&s.maxVersionSeen)
		if v <= cur || atomic.CompareAndSwapInt64(&s.maxVersionSeen, cur, v) {
			return
		}
	}
}

func (s *StreamingPagesItem) resolve() {
	s.once.Do(func() { close(s.done) })
}

// RunStatus is the overall outcome of a run.
type RunStatus string

const (
	// RunCompleted means every resource finished without errors
	RunCompleted RunStatus = "completed"
	// RunCompletedWithErrors means some items or pages errored
	RunCompletedWithErrors RunStatus = "completed_with_errors"
	// RunCancelled means the run was cancelled before completion
	RunCancelled RunStatus = "cancelled"
)

// ResourceResult summarizes one resource at the end of a run.
type ResourceResult struct {
	Resource     string     `json:"resource"`
	Fetched      int64      `json:"fetched"`
	Applied      int64      `json:"applied"`
	Errored      int64      `json:"errored"`
	Watermark    int64      `json:"watermark,omitempty"`
	StoppedEarly bool       `json:"stopped_early"`
	StopReason   StopReason `json:"stop_reason"`
}

// RunResult is the aggregated outcome of a run.
type RunResult struct {
	Status    RunStatus                  `json:"status"`
	Resources map[string]*ResourceResult `json:"resources"`
	Duration  time.Duration              `json:"duration"`
}
