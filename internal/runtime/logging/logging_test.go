package logging

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogFieldsWith(t *testing.T) {
	base := LogFields{FieldSagaID: "s1"}
	next := base.With(FieldStepID, "reserve")

	assert.NotContains(t, base, FieldStepID)
	assert.Equal(t, LogFields{FieldSagaID: "s1", FieldStepID: "reserve"}, next)
	assert.Equal(t, LogFields{"k": "v"}, LogFields(nil).With("k", "v"))
}

func TestDelivery(t *testing.T) {
	tests := []struct {
		name string
		got  LogFields
		want LogFields
	}{
		{
			name: "all set",
			got:  Delivery("billing-1", "orders", "billing", "evt-1", 2),
			want: LogFields{FieldHandler: "billing-1", FieldTopic: "orders", FieldGroup: "billing", FieldEventID: "evt-1", FieldAttempt: 2},
		},
		{
			name: "empty values dropped",
			got:  Delivery("", "orders", "", "", 0),
			want: LogFields{FieldTopic: "orders"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.got)
		})
	}
}

func TestForComponentScopesLogger(t *testing.T) {
	entry := newFakeEntry()
	logger := ForComponent(NewEntryServiceLogger(entry), "lock")

	logger.Info("acquired", LogFields{FieldLockName: "inventory"})

	logs := entry.recorder.logs
	require.Len(t, logs, 1)
	assert.Equal(t, "lock", logs[0].fields[FieldComponent])
	assert.Equal(t, "inventory", logs[0].fields[FieldLockName])

	assert.NotPanics(t, func() {
		ForComponent(nil, "saga").Error("dropped", errors.New("x"), nil)
	})
}
