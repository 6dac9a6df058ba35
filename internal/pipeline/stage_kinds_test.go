package pipeline

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edfi-tools/publisher/pkg/clients"
)

func TestUpsertKindStreamPath(t *testing.T) {
	assert.Equal(t, "/ed-fi/students", upsertKind{}.StreamPath("/ed-fi/students"))
	assert.Equal(t, "/ed-fi/students/deletes", deleteKind{}.StreamPath("/ed-fi/students"))
	assert.Equal(t, "/ed-fi/students/keyChanges", keyChangeKind{}.StreamPath("/ed-fi/students"))
}

func TestUpsertKindConvert(t *testing.T) {
	body := []byte(`[
		{"id":"abc","_changeVersion":7,"studentUniqueId":"s1","firstName":"Ada"},
		{"id":"def","_changeVersion":9,"studentUniqueId":"s2","firstName":"Alan"}
	]`)

	msgs, err := upsertKind{}.Convert(PageRequest{ResourcePath: "/ed-fi/students"}, body)
	require.NoError(t, err)
	require.Len(t, msgs, 2)

	assert.Equal(t, StageUpsert, msgs[0].Op)
	assert.Equal(t, "/ed-fi/students", msgs[0].ResourcePath)
	assert.Equal(t, "abc", msgs[0].SourceID)
	assert.Equal(t, int64(7), msgs[0].ChangeVersion)
	assert.Contains(t, string(msgs[0].Body), "studentUniqueId")
	assert.Equal(t, int64(9), msgs[1].ChangeVersion)
}

func TestUpsertKindConvertRejectsNonArray(t *testing.T) {
	_, err := upsertKind{}.Convert(PageRequest{ResourcePath: "/ed-fi/students"}, []byte(`{"id":"abc"}`))
	assert.Error(t, err)
}

func TestDeleteKindConvert(t *testing.T) {
	body := []byte(`[
		{"id":"abc","keyValues":{"studentUniqueId":"s1"},"changeVersion":11}
	]`)

	msgs, err := deleteKind{}.Convert(PageRequest{ResourcePath: "/ed-fi/students/deletes"}, body)
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	assert.Equal(t, StageDelete, msgs[0].Op)
	assert.Equal(t, "/ed-fi/students", msgs[0].ResourcePath, "apply must address the base endpoint")
	assert.Equal(t, "abc", msgs[0].SourceID)
	assert.Equal(t, "s1", msgs[0].KeyValues["studentUniqueId"])
	assert.Equal(t, int64(11), msgs[0].ChangeVersion)
}

func TestKeyChangeKindConvert(t *testing.T) {
	body := []byte(`[
		{"id":"abc","oldKeyValues":{"schoolId":100},"newKeyValues":{"schoolId":200},"changeVersion":13}
	]`)

	msgs, err := keyChangeKind{}.Convert(PageRequest{ResourcePath: "/ed-fi/schools/keyChanges"}, body)
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	assert.Equal(t, StageKeyChange, msgs[0].Op)
	assert.Equal(t, "/ed-fi/schools", msgs[0].ResourcePath)
	assert.Contains(t, string(msgs[0].Body), "200")
	assert.Equal(t, float64(100), msgs[0].KeyValues["schoolId"])
}

type recordingTarget struct {
	ops []string
}

func (r *recordingTarget) Upsert(ctx context.Context, resourcePath string, body []byte) (*clients.Result, error) {
	r.ops = append(r.ops, "POST "+resourcePath)
	return &clients.Result{StatusCode: 200}, nil
}

func (r *recordingTarget) Delete(ctx context.Context, resourcePath, id string) (*clients.Result, error) {
	r.ops = append(r.ops, "DELETE "+resourcePath+"/"+id)
	return &clients.Result{StatusCode: 204}, nil
}

func (r *recordingTarget) UpdateKey(ctx context.Context, resourcePath, id string, body []byte) (*clients.Result, error) {
	r.ops = append(r.ops, "PUT "+resourcePath+"/"+id)
	return &clients.Result{StatusCode: 204}, nil
}

func TestStageKindApplyVerbs(t *testing.T) {
	target := &recordingTarget{}
	ctx := context.Background()

	_, err := upsertKind{}.Apply(ctx, target, &ApplyMessage{ResourcePath: "/ed-fi/students", Body: []byte("{}")})
	require.NoError(t, err)
	_, err = deleteKind{}.Apply(ctx, target, &ApplyMessage{ResourcePath: "/ed-fi/students", SourceID: "abc"})
	require.NoError(t, err)
	_, err = keyChangeKind{}.Apply(ctx, target, &ApplyMessage{ResourcePath: "/ed-fi/schools", SourceID: "def", Body: []byte("{}")})
	require.NoError(t, err)

	assert.Equal(t, []string{
		"POST /ed-fi/students",
		"DELETE /ed-fi/students/abc",
		"PUT /ed-fi/schools/def",
	}, target.ops)
}

func TestStageKindForRoundTrip(t *testing.T) {
	for _, kind := range stageOrder {
		assert.Equal(t, kind, stageKindFor(kind).Name())
	}
}
