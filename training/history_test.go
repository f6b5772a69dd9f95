package training

import (
	"encoding/json"
	"testing"

	"github.com/agrisense/agroml/mlerr"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHistoryAppendAndFreeze(t *testing.T) {
	h := NewHistory()
	require.NoError(t, h.Append(EpochRecord{Epoch: 0, ValAccuracy: 0.5}))
	require.NoError(t, h.Append(EpochRecord{Epoch: 1, ValAccuracy: 0.7}))
	require.NoError(t, h.Append(EpochRecord{Epoch: 2, ValAccuracy: 0.6}))
	assert.Equal(t, 3, h.Len())
	assert.Equal(t, 1, h.BestEpoch())
	assert.Equal(t, 0.7, h.BestValAccuracy())

	records := h.Records()
	records[0].ValAccuracy = 99
	assert.Equal(t, 0.5, h.Records()[0].ValAccuracy, "Records returns a copy")

	h.Freeze()
	assert.ErrorIs(t, h.Append(EpochRecord{Epoch: 3}), mlerr.ErrInvalidArgument)
	assert.ErrorIs(t, h.SetTestMetrics(0.1, 0.9), mlerr.ErrInvalidArgument)
	assert.Equal(t, 3, h.Len())
}

func TestHistoryJSONRoundTrip(t *testing.T) {
	h := NewHistory()
	require.NoError(t, h.Append(EpochRecord{Epoch: 0, TrainLoss: 1.2, ValLoss: 1.1, ValAccuracy: 0.4, LearningRate: 0.001}))
	require.NoError(t, h.SetTestMetrics(0.8, 0.75))
	h.markStoppedEarly()
	h.Freeze()

	buf, err := json.Marshal(h)
	require.NoError(t, err)

	var back History
	require.NoError(t, json.Unmarshal(buf, &back))
	assert.True(t, back.Frozen())
	assert.Equal(t, h.RunID(), back.RunID())
	assert.True(t, back.StoppedEarly())
	if diff := cmp.Diff(h.Records(), back.Records()); diff != "" {
		t.Errorf("records mismatch (-want +got):\n%s", diff)
	}
	loss, acc, ok := back.TestMetrics()
	require.True(t, ok)
	assert.Equal(t, 0.8, loss)
	assert.Equal(t, 0.75, acc)

	again, err := json.Marshal(&back)
	require.NoError(t, err)
	assert.JSONEq(t, string(buf), string(again))
}
