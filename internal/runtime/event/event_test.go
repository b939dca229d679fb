package event

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	errspkg "github.com/drblury/sagaflow/internal/runtime/errors"
	"github.com/drblury/sagaflow/internal/runtime/ids"
	"github.com/drblury/sagaflow/internal/runtime/metadata"
)

func TestNewAppliesOptions(t *testing.T) {
	ts := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	e := New("orders", []byte(`{"id":1}`),
		WithKey("order-1"),
		WithTenant("t1"),
		WithHeader("source", "api"),
		WithHeaders(metadata.New("trace", "abc")),
		WithTimestamp(ts),
	)

	assert.True(t, ids.IsUUID(e.ID))
	assert.Equal(t, "orders", e.Topic)
	assert.Equal(t, "order-1", e.Key)
	assert.Equal(t, "t1", e.TenantID)
	assert.Equal(t, "api", e.Headers.Get("source"))
	assert.Equal(t, "abc", e.Headers.Get("trace"))
	assert.True(t, ts.Equal(e.Timestamp))
	assert.Equal(t, "order-1", e.PartitionKey())
}

func TestNewCopiesPayload(t *testing.T) {
	payload := []byte("abc")
	e := New("t", payload)
	payload[0] = 'x'
	assert.Equal(t, []byte("abc"), e.Payload)

	nilPayload := New("t", nil)
	assert.NotNil(t, nilPayload.Payload)
	assert.Empty(t, nilPayload.Payload)
}

func TestPartitionKeyFallsBackToID(t *testing.T) {
	e := New("t", nil)
	assert.Equal(t, e.ID, e.PartitionKey())
}

func TestValidate(t *testing.T) {
	assert.NoError(t, New("t", nil).Validate())

	err := Event{ID: "x"}.Validate()
	assert.ErrorIs(t, err, errspkg.ErrCodec)

	err = Event{Topic: "t"}.Validate()
	assert.ErrorIs(t, err, errspkg.ErrCodec)
}

func TestCloneIsDeep(t *testing.T) {
	e := New("t", []byte("abc"), WithHeader("k", "v"))
	c := e.Clone()
	c.Payload[0] = 'x'
	c.Headers["k"] = "changed"

	assert.Equal(t, []byte("abc"), e.Payload)
	assert.Equal(t, "v", e.Headers.Get("k"))
	assert.False(t, e.Equal(c))
	assert.True(t, e.Equal(e.Clone()))
}
