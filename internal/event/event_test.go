package event

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnvelope(t *testing.T) {
	ctx := WithCorrelationID(context.Background(), "corr-1")
	env, b, err := marshal(ctx, TypeBindingIssued, BindingIssued{DocumentID: "doc", ExpiresAt: 5})
	require.NoError(t, err)

	_, err = ulid.Parse(env.ID)
	require.NoError(t, err)
	assert.Equal(t, "corr-1", env.CorrelationID)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(b, &decoded))
	assert.Equal(t, TypeBindingIssued, decoded["type"])
	assert.Equal(t, "1.0.0", decoded["version"])
	payload := decoded["payload"].(map[string]any)
	assert.Equal(t, "doc", payload["documentId"])
}

func TestEnvelopeIDsIncrease(t *testing.T) {
	a := newEnvelope(context.Background(), TypeBindingVerified, nil)
	b := newEnvelope(context.Background(), TypeBindingVerified, nil)
	assert.NotEqual(t, a.ID, b.ID)
	assert.Empty(t, a.CorrelationID)
}

func TestMulti(t *testing.T) {
	ok := &Recorder{}
	failing := &Recorder{Err: errors.New("broker down")}
	m := Multi{ok, Noop{}, failing}

	err := m.PublishBindingIssued(context.Background(), BindingIssued{DocumentID: "d"})
	assert.ErrorContains(t, err, "broker down")
	assert.Len(t, ok.Issued(), 1)

	require.Error(t, m.PublishBindingVerified(context.Background(), BindingVerified{DocumentID: "d", Valid: true}))
	assert.Equal(t, []BindingVerified{{DocumentID: "d", Valid: true}}, ok.Verified())
	assert.NoError(t, m.Close())
}

func TestNATSDedupWindow(t *testing.T) {
	p := &natsPub{dedup: map[string]time.Time{}}
	assert.False(t, p.seen("doc"))
	assert.True(t, p.seen("doc"))
	assert.False(t, p.seen("other"))
}

func TestNewPublisherWithoutURL(t *testing.T) {
	assert.IsType(t, Noop{}, NewPublisher("", nil))
}
