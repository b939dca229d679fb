package stats

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/sagaflow/internal/runtime/clock"
	errspkg "github.com/drblury/sagaflow/internal/runtime/errors"
	"github.com/drblury/sagaflow/internal/runtime/jsoncodec"
)

func TestHandlerStatsTracksDeliveries(t *testing.T) {
	clk := clock.NewManual(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	h := NewHandlerStats(clk)

	h.OnEnqueue(1)
	h.OnEnqueue(2)
	h.OnAttempt(5*time.Millisecond, errors.New("flaky"), ErrorCategoryOther)
	h.OnRetry()
	clk.Advance(time.Second)
	h.OnAttempt(3*time.Millisecond, nil, ErrorCategoryNone)
	h.OnOutcome(errspkg.OutcomeAck, 1)
	h.OnAttempt(time.Millisecond, errspkg.ErrUnprocessable, ErrorCategoryCodec)
	h.OnOutcome(errspkg.OutcomeDeadLetter, 0)

	snap := h.Snapshot()
	assert.Equal(t, uint64(3), snap.Attempts)
	assert.Equal(t, uint64(2), snap.AttemptsFailed)
	assert.Equal(t, uint64(1), snap.Retried)
	assert.Equal(t, uint64(1), snap.Acked)
	assert.Equal(t, uint64(1), snap.DeadLettered)
	assert.Equal(t, 9*time.Millisecond, snap.Busy)
	assert.Equal(t, clk.Now(), snap.LastOutcomeAt)

	assert.Zero(t, snap.Backlog.InFlight)
	assert.Equal(t, uint64(2), snap.Backlog.MaxInFlight)

	assert.Equal(t, uint64(1), snap.Errors.Count(ErrorCategoryOther))
	assert.Equal(t, uint64(1), snap.Errors.Count(ErrorCategoryCodec))
	assert.Equal(t, uint64(2), snap.Errors.Total())
	assert.Equal(t, ErrorCategoryCodec, snap.Errors.LastCategory)

	assert.Equal(t, uint64(2), snap.Throughput.Finished)
	assert.Equal(t, uint64(2), snap.Throughput.InWindow)
	assert.Equal(t, time.Minute, snap.Throughput.Window)

	assert.Equal(t, 3, snap.Latency.Samples)
	assert.Equal(t, time.Millisecond, snap.Latency.Last)
	assert.Equal(t, 5*time.Millisecond, snap.Latency.Max)
	assert.Equal(t, 3*time.Millisecond, snap.Latency.Mean)
}

func TestHandlerStatsSnapshotIsDetached(t *testing.T) {
	h := NewHandlerStats(nil)
	h.OnAttempt(time.Millisecond, errors.New("x"), ErrorCategoryOther)

	snap := h.Snapshot()
	h.OnAttempt(time.Millisecond, errors.New("y"), ErrorCategoryOther)

	assert.Equal(t, uint64(1), snap.Errors.Count(ErrorCategoryOther))
	assert.Equal(t, uint64(2), h.Snapshot().Errors.Count(ErrorCategoryOther))
}

func TestHandlerStatsThroughputWindowSlides(t *testing.T) {
	clk := clock.NewManual(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	h := NewHandlerStats(clk)

	for i := 0; i < 3; i++ {
		h.OnOutcome(errspkg.OutcomeAck, 0)
	}
	clk.Advance(2 * time.Minute)
	h.OnOutcome(errspkg.OutcomeSkip, 0)

	tp := h.Snapshot().Throughput
	assert.Equal(t, uint64(1), tp.InWindow)
	assert.Equal(t, uint64(4), tp.Finished)
	assert.InDelta(t, 1.0/60, tp.PerSecond, 1e-9)
}

func TestUncategorisedFailureCountsAsOther(t *testing.T) {
	h := NewHandlerStats(nil)
	h.OnAttempt(time.Millisecond, errors.New("x"), ErrorCategoryNone)
	h.OnAttempt(time.Millisecond, errors.New("y"), "")
	assert.Equal(t, uint64(2), h.Snapshot().Errors.Count(ErrorCategoryOther))
}

func TestHandlerStatsMarshalJSON(t *testing.T) {
	h := NewHandlerStats(nil)
	h.OnAttempt(time.Millisecond, nil, ErrorCategoryNone)
	h.OnOutcome(errspkg.OutcomeAck, 0)

	raw, err := jsoncodec.Marshal(HandlerInfo{Name: "billing:orders", Stats: h})
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, jsoncodec.Unmarshal(raw, &decoded))
	statsJSON, ok := decoded["stats"].(map[string]any)
	require.True(t, ok)
	assert.EqualValues(t, 1, statsJSON["acked"])
	assert.Contains(t, statsJSON, "latency")
}

func TestDurationRing(t *testing.T) {
	r := newDurationRing(3)
	assert.Equal(t, LatencyMetrics{}, r.summary())

	for _, ms := range []int{4, 1, 9, 2} {
		r.push(time.Duration(ms) * time.Millisecond)
	}
	got := r.summary()
	assert.Equal(t, 3, got.Samples, "the oldest sample was overwritten")
	assert.Equal(t, 2*time.Millisecond, got.Last)
	assert.Equal(t, 9*time.Millisecond, got.Max)
	assert.Equal(t, 4*time.Millisecond, got.Mean)
}

func TestNearestRank(t *testing.T) {
	samples := make([]time.Duration, 10)
	for i := range samples {
		samples[i] = time.Duration(i + 1)
	}
	assert.Equal(t, time.Duration(5), nearestRank(samples, 0.5))
	assert.Equal(t, time.Duration(10), nearestRank(samples, 0.95))
	assert.Equal(t, time.Duration(10), nearestRank(samples, 1))
	assert.Equal(t, time.Duration(1), nearestRank(samples, 0))
	assert.Zero(t, nearestRank(nil, 0.5))
}
