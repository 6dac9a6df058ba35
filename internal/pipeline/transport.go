package pipeline

import (
	"context"

	"github.com/edfi-tools/publisher/pkg/clients"
)

// SourceTransport fetches pages of changed records from the source
// system. Implementations return a Result for any HTTP status; only
// transport failures surface as errors.
type SourceTransport interface {
	FetchPage(ctx context.Context, req PageRequest) (*clients.Result, error)
	CountItems(ctx context.Context, resourcePath string, window ChangeWindow) (int, error)
}

// TargetTransport applies individual operations to the target system.
type TargetTransport interface {
	Upsert(ctx context.Context, resourcePath string, body []byte) (*clients.Result, error)
	Delete(ctx context.Context, resourcePath, id string) (*clients.Result, error)
	UpdateKey(ctx context.Context, resourcePath, id string, body []byte) (*clients.Result, error)
}

// restSource adapts a RESTClient to SourceTransport.
type restSource struct {
	client *clients.RESTClient
}

// NewRESTSource wraps a REST client as a page source.
func NewRESTSource(client *clients.RESTClient) SourceTransport {
	return &restSource{client: client}
}

func (s *restSource) FetchPage(ctx context.Context, req PageRequest) (*clients.Result, error) {
	return s.client.GetPage(ctx, req.ResourcePath, req.Offset, req.Limit, req.Window.MinVersion, req.Window.MaxVersion)
}

func (s *restSource) CountItems(ctx context.Context, resourcePath string, window ChangeWindow) (int, error) {
	return s.client.GetTotalCount(ctx, resourcePath, window.MinVersion, window.MaxVersion)
}

// restTarget adapts a RESTClient to TargetTransport.
type restTarget struct {
	client *clients.RESTClient
}

// NewRESTTarget wraps a REST client as an apply target.
func NewRESTTarget(client *clients.RESTClient) TargetTransport {
	return &restTarget{client: client}
}

func (t *restTarget) Upsert(ctx context.Context, resourcePath string, body []byte) (*clients.Result, error) {
	return t.client.Upsert(ctx, resourcePath, body)
}

func (t *restTarget) Delete(ctx context.Context, resourcePath, id string) (*clients.Result, error) {
	return t.client.Delete(ctx, resourcePath, id)
}

func (t *restTarget) UpdateKey(ctx context.Context, resourcePath, id string, body []byte) (*clients.Result, error) {
	return t.client.UpdateKey(ctx, resourcePath, id, body)
}
