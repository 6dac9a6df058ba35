package pipeline

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestErrorSinkRecordsInArrivalOrder(t *testing.T) {
	sink := NewErrorSink(8, zap.NewNop())

	for i := 0; i < 5; i++ {
		sink.Record("/ed-fi/students", ErrorKindItem, ErrorItem{ID: fmt.Sprintf("id-%d", i)})
	}
	sink.Close()

	items := sink.Items("/ed-fi/students")
	require.Len(t, items, 5)
	for i, item := range items {
		assert.Equal(t, fmt.Sprintf("id-%d", i), item.ID)
	}
}

func TestErrorSinkCountsAreImmediate(t *testing.T) {
	sink := NewErrorSink(8, zap.NewNop())
	defer sink.Close()

	assert.Equal(t, int64(0), sink.CountFor("/ed-fi/students"))
	sink.Record("/ed-fi/students", ErrorKindPage, ErrorItem{})
	assert.Equal(t, int64(1), sink.CountFor("/ed-fi/students"),
		"counts must be visible before the drain loop runs")
	assert.Equal(t, int64(0), sink.CountFor("/ed-fi/schools"))
}

func TestErrorSinkConcurrentRecorders(t *testing.T) {
	sink := NewErrorSink(4, zap.NewNop())

	const workers = 8
	const perWorker = 25

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			resource := fmt.Sprintf("/ed-fi/resource-%d", w%2)
			for i := 0; i < perWorker; i++ {
				sink.Record(resource, ErrorKindItem, ErrorItem{})
			}
		}(w)
	}
	wg.Wait()
	sink.Close()

	assert.Equal(t, int64(workers*perWorker), sink.Total())

	summary := sink.Summary()
	assert.Equal(t, int64(workers*perWorker/2), summary["/ed-fi/resource-0"])
	assert.Equal(t, int64(workers*perWorker/2), summary["/ed-fi/resource-1"])
}

func TestErrorSinkSeparatesResources(t *testing.T) {
	sink := NewErrorSink(8, zap.NewNop())
	sink.Record("/ed-fi/students", ErrorKindItem, ErrorItem{ID: "a"})
	sink.Record("/ed-fi/schools", ErrorKindPage, ErrorItem{ID: "b"})
	sink.Close()

	assert.Len(t, sink.Items("/ed-fi/students"), 1)
	assert.Len(t, sink.Items("/ed-fi/schools"), 1)
	assert.Empty(t, sink.Items("/ed-fi/other"))
}
