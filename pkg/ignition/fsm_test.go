package ignition

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jingkaihe/ivibench/pkg/state"
)

func TestMachine_Step(t *testing.T) {
	tests := []struct {
		event string
		from  state.IgnitionState
		want  state.IgnitionState
	}{
		{EventShort, state.IgnitionOff, state.IgnitionPowerReady},
		{EventShort, state.IgnitionPowerReady, state.IgnitionAccOn},
		{EventShort, state.IgnitionAccOn, state.IgnitionOff},
		{EventShort, state.IgnitionEngineRunning, state.IgnitionAccOn},
		{EventLongStep, state.IgnitionOff, state.IgnitionPowerReady},
		{EventLongStep, state.IgnitionPowerReady, state.IgnitionAccOn},
		{EventLongStep, state.IgnitionAccOn, state.IgnitionEngineRunning},
		{EventLongStep, state.IgnitionEngineRunning, state.IgnitionAccOn},
	}
	m := NewMachine()
	for _, tt := range tests {
		t.Run(tt.event+"/"+string(tt.from), func(t *testing.T) {
			got, ok, err := m.Step(context.Background(), tt.from, tt.event, true)
			require.NoError(t, err)
			assert.True(t, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestMachine_LeavingOffNeedsDriver(t *testing.T) {
	m := NewMachine()
	for _, event := range []string{EventShort, EventLongStep} {
		got, ok, err := m.Step(context.Background(), state.IgnitionOff, event, false)
		require.NoError(t, err)
		assert.False(t, ok)
		assert.Equal(t, state.IgnitionOff, got)
	}

	got, ok, err := m.Step(context.Background(), state.IgnitionAccOn, EventShort, false)
	require.NoError(t, err)
	assert.True(t, ok, "only OFF is gated")
	assert.Equal(t, state.IgnitionOff, got)
}

func TestMachine_Invalid(t *testing.T) {
	m := NewMachine()

	_, _, err := m.Step(context.Background(), "PARKED", EventShort, true)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	_, _, err = m.Step(context.Background(), state.IgnitionOff, "double_tap", true)
	assert.ErrorIs(t, err, ErrInvalidTransition)
}
