package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJobStatus_CanTransitionTo(t *testing.T) {
	allowed := map[[2]JobStatus]bool{
		{JobStatusPending, JobStatusProcessing}:   true,
		{JobStatusProcessing, JobStatusCompleted}: true,
		{JobStatusProcessing, JobStatusFailed}:    true,
		{JobStatusFailed, JobStatusPending}:       true,
	}
	all := []JobStatus{JobStatusPending, JobStatusProcessing, JobStatusCompleted, JobStatusFailed}
	for _, from := range all {
		for _, to := range all {
			assert.Equal(t, allowed[[2]JobStatus{from, to}], from.CanTransitionTo(to), "%s -> %s", from, to)
		}
	}
}

func TestJobTransition_Validate(t *testing.T) {
	assert.NoError(t, JobTransition{From: JobStatusPending, To: JobStatusProcessing}.Validate())
	assert.ErrorIs(t, JobTransition{From: JobStatusCompleted, To: JobStatusPending}.Validate(), ErrInvalidTransition)
}

func TestJob_RetryableAndSettled(t *testing.T) {
	j := Job{Status: JobStatusFailed, RetryCount: 2, MaxRetries: 3}
	assert.True(t, j.Retryable())
	assert.False(t, j.Settled())

	j.RetryCount = 3
	assert.False(t, j.Retryable())
	assert.True(t, j.Settled())

	assert.True(t, Job{Status: JobStatusCompleted}.Settled())
	assert.False(t, Job{Status: JobStatusProcessing}.Settled())
}

func TestJobResult_RoundTripByType(t *testing.T) {
	raw, err := EncodeJobResult(RebalanceResult{BinSetID: "set-1", BinCount: 69, DryRun: true})
	require.NoError(t, err)

	res, err := DecodeJobResult(JobTypeRebalance, raw)
	require.NoError(t, err)
	rr, ok := res.(RebalanceResult)
	require.True(t, ok)
	assert.Equal(t, "set-1", rr.BinSetID)
	assert.True(t, rr.DryRun)

	raw, err = EncodeJobResult(nil)
	require.NoError(t, err)
	assert.Nil(t, raw)

	res, err = DecodeJobResult(JobTypeRebalance, nil)
	require.NoError(t, err)
	assert.Nil(t, res)

	_, err = DecodeJobResult("hedge", []byte(`{}`))
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestDecodeStrategyParams(t *testing.T) {
	p, err := DecodeStrategyParams(StrategyVolatilityAdjusted, []byte(`{"volatility_pct": 35}`))
	require.NoError(t, err)
	assert.Equal(t, VolatilityAdjustedParams{VolatilityPct: 35}, p)

	p, err = DecodeStrategyParams(StrategyPrecisionCurve, nil)
	require.NoError(t, err)
	assert.Equal(t, PrecisionCurveParams{}, p)

	_, err = DecodeStrategyParams("grid", []byte(`{}`))
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestPosition_ReferenceEntryPrice(t *testing.T) {
	assert.Equal(t, 1.2, Position{LowerPrice: 0.9, EntryPrice: 1.2}.ReferenceEntryPrice())
	assert.Equal(t, 0.9, Position{LowerPrice: 0.9}.ReferenceEntryPrice())
}
