package pipeline

import (
	"context"
	"strings"

	json "github.com/goccy/go-json"

	"github.com/edfi-tools/publisher/pkg/clients"
	"github.com/edfi-tools/publisher/pkg/errors"
)

// StageKind defines one category of replication work for a resource.
// A kind knows which stream endpoint to page, how to convert a page
// body into apply messages, and how to apply one message to the target.
type StageKind interface {
	Name() StageKindName
	// StreamPath returns the source endpoint paged for this kind
	StreamPath(resourcePath string) string
	// Convert turns a fetched page body into apply messages in source order
	Convert(req PageRequest, rawBody []byte) ([]*ApplyMessage, error)
	// Apply drives one message against the target
	Apply(ctx context.Context, target TargetTransport, msg *ApplyMessage) (*clients.Result, error)
}

// stageKindFor maps a kind name to its implementation.
func stageKindFor(name StageKindName) StageKind {
	switch name {
	case StageKeyChange:
		return keyChangeKind{}
	case StageDelete:
		return deleteKind{}
	default:
		return upsertKind{}
	}
}

// upsertKind replicates created and updated records. The source stream
// is the resource endpoint itself; each element is a full record.
type upsertKind struct{}

func (upsertKind) Name() StageKindName { return StageUpsert }

func (upsertKind) StreamPath(resourcePath string) string { return resourcePath }

func (upsertKind) Convert(req PageRequest, rawBody []byte) ([]*ApplyMessage, error) {
	var records []json.RawMessage
	if err := json.Unmarshal(rawBody, &records); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeParse, "page body is not a JSON array")
	}

	msgs := make([]*ApplyMessage, 0, len(records))
	for _, raw := range records {
		var envelope struct {
			ID            string `json:"id"`
			ChangeVersion int64  `json:"_changeVersion"`
		}
		if err := json.Unmarshal(raw, &envelope); err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeParse, "record is not a JSON object")
		}
		msgs = append(msgs, &ApplyMessage{
			Op:            StageUpsert,
			ResourcePath:  strippedResourcePath(req.ResourcePath, StageUpsert),
			SourceID:      envelope.ID,
			Body:          []byte(raw),
			ChangeVersion: envelope.ChangeVersion,
		})
	}
	return msgs, nil
}

func (upsertKind) Apply(ctx context.Context, target TargetTransport, msg *ApplyMessage) (*clients.Result, error) {
	return target.Upsert(ctx, msg.ResourcePath, msg.Body)
}

// deleteKind replicates deletions. The source stream is the resource's
// deletes endpoint; each element names the deleted record by id and
// natural key.
type deleteKind struct{}

func (deleteKind) Name() StageKindName { return StageDelete }

func (deleteKind) StreamPath(resourcePath string) string { return resourcePath + "/deletes" }

func (deleteKind) Convert(req PageRequest, rawBody []byte) ([]*ApplyMessage, error) {
	var records []struct {
		ID            string                 `json:"id"`
		KeyValues     map[string]interface{} `json:"keyValues"`
		ChangeVersion int64                  `json:"changeVersion"`
	}
	if err := json.Unmarshal(rawBody, &records); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeParse, "deletes page body is malformed")
	}

	msgs := make([]*ApplyMessage, 0, len(records))
	for _, rec := range records {
		msgs = append(msgs, &ApplyMessage{
			Op:            StageDelete,
			ResourcePath:  strippedResourcePath(req.ResourcePath, StageDelete),
			SourceID:      rec.ID,
			KeyValues:     rec.KeyValues,
			ChangeVersion: rec.ChangeVersion,
		})
	}
	return msgs, nil
}

func (deleteKind) Apply(ctx context.Context, target TargetTransport, msg *ApplyMessage) (*clients.Result, error) {
	return target.Delete(ctx, msg.ResourcePath, msg.SourceID)
}

// keyChangeKind replicates natural key renames. The source stream is
// the resource's keyChanges endpoint; the apply carries the new key
// values to the target record.
type keyChangeKind struct{}

func (keyChangeKind) Name() StageKindName { return StageKeyChange }

func (keyChangeKind) StreamPath(resourcePath string) string { return resourcePath + "/keyChanges" }

func (keyChangeKind) Convert(req PageRequest, rawBody []byte) ([]*ApplyMessage, error) {
	var records []struct {
		ID            string                 `json:"id"`
		OldKeyValues  map[string]interface{} `json:"oldKeyValues"`
		NewKeyValues  map[string]interface{} `json:"newKeyValues"`
		ChangeVersion int64                  `json:"changeVersion"`
	}
	if err := json.Unmarshal(rawBody, &records); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeParse, "keyChanges page body is malformed")
	}

	msgs := make([]*ApplyMessage, 0, len(records))
	for _, rec := range records {
		body, err := json.Marshal(rec.NewKeyValues)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeParse, "cannot encode new key values")
		}
		msgs = append(msgs, &ApplyMessage{
			Op:            StageKeyChange,
			ResourcePath:  strippedResourcePath(req.ResourcePath, StageKeyChange),
			SourceID:      rec.ID,
			KeyValues:     rec.OldKeyValues,
			Body:          body,
			ChangeVersion: rec.ChangeVersion,
		})
	}
	return msgs, nil
}

func (keyChangeKind) Apply(ctx context.Context, target TargetTransport, msg *ApplyMessage) (*clients.Result, error) {
	return target.UpdateKey(ctx, msg.ResourcePath, msg.SourceID, msg.Body)
}

// strippedResourcePath removes a stage suffix from a stream path so
// apply messages address the base resource endpoint.
func strippedResourcePath(streamPath string, kind StageKindName) string {
	switch kind {
	case StageDelete:
		return strings.TrimSuffix(streamPath, "/deletes")
	case StageKeyChange:
		return strings.TrimSuffix(streamPath, "/keyChanges")
	default:
		return streamPath
	}
}
