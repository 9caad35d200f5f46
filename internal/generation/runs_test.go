package generation

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBeginSupersedesPreviousRun(t *testing.T) {
	r := newRunRegistry()
	ctx1, id1, superseded := r.begin("m")
	assert.False(t, superseded)
	ctx2, id2, superseded := r.begin("m")
	assert.True(t, superseded)
	assert.Greater(t, id2, id1)

	require.Error(t, ctx1.Err())
	assert.ErrorIs(t, context.Cause(ctx1), ErrSuperseded)
	assert.NoError(t, ctx2.Err())

	called := false
	err := r.guarded(ctx1, "m", id1, func() error { called = true; return nil })
	assert.ErrorIs(t, err, ErrSuperseded)
	assert.False(t, called)

	require.NoError(t, r.guarded(ctx2, "m", id2, func() error { called = true; return nil }))
	assert.True(t, called)
}

func TestFinishOnlyForCurrentRun(t *testing.T) {
	r := newRunRegistry()
	_, id1, _ := r.begin("m")
	_, id2, _ := r.begin("m")

	assert.False(t, r.finish("m", id1, func() { t.Fatal("stale run finalized") }))
	ran := false
	assert.True(t, r.finish("m", id2, func() { ran = true }))
	assert.True(t, ran)

	// counters keep moving after finalization
	_, id3, superseded := r.begin("m")
	assert.False(t, superseded)
	assert.Greater(t, id3, id2)
}

func TestAbortCarriesCause(t *testing.T) {
	r := newRunRegistry()
	ctx, id, _ := r.begin("m")
	assert.True(t, r.abort("m"))
	assert.False(t, r.abort("m"))
	assert.ErrorIs(t, context.Cause(ctx), ErrAborted)

	err := r.guarded(ctx, "m", id, func() error { return nil })
	assert.ErrorIs(t, err, ErrAborted)

	cur, live := r.current("m")
	assert.Equal(t, id, cur)
	assert.False(t, live)
	assert.True(t, r.finish("m", id, nil))
}

func TestForgetDropsCell(t *testing.T) {
	r := newRunRegistry()
	ctx, id, _ := r.begin("m")
	r.forget("m")
	assert.ErrorIs(t, context.Cause(ctx), ErrAborted)
	assert.ErrorIs(t, r.guarded(ctx, "m", id, func() error { return nil }), ErrSuperseded)
	assert.False(t, r.finish("m", id, nil))
	assert.False(t, r.abort("m"))
}

func TestOutcome(t *testing.T) {
	assert.Equal(t, OutcomeCompleted, Outcome(nil))
	assert.Equal(t, OutcomeAborted, Outcome(ErrAborted))
	assert.Equal(t, OutcomeSuperseded, Outcome(ErrSuperseded))
	assert.Equal(t, OutcomeFailed, Outcome(ErrNoModel))
}
