package breaker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/creatorhq/maestro/cache"
	"github.com/creatorhq/maestro/fault"
)

func failingCall(kind fault.Kind) func(context.Context) error {
	return func(context.Context) error {
		return fault.New(kind, "call failed")
	}
}

func TestBreakerTripsAfterThreshold(t *testing.T) {
	ctx := context.Background()
	reg := NewRegistry(Options{FailureThreshold: 5})

	for i := 0; i < 5; i++ {
		err := reg.Execute(ctx, "growth", failingCall(fault.KindExternalAPI))
		require.True(t, fault.IsKind(err, fault.KindExternalAPI))
	}
	assert.Equal(t, StatusOpen, reg.State("growth").Status)

	// The next call is rejected without invoking fn.
	invoked := false
	err := reg.Execute(ctx, "growth", func(context.Context) error {
		invoked = true
		return nil
	})
	require.True(t, fault.IsKind(err, fault.KindSpecialistUnavailable))
	assert.False(t, invoked)

	var fe *fault.Error
	require.ErrorAs(t, err, &fe)
	assert.Greater(t, fe.RetryAfter, time.Duration(0))
	assert.Equal(t, "growth", fe.Details["endpoint"])
}

func TestBreakerIgnoresCallerFaults(t *testing.T) {
	ctx := context.Background()
	reg := NewRegistry(Options{FailureThreshold: 3})

	for i := 0; i < 10; i++ {
		err := reg.Execute(ctx, "growth", failingCall(fault.KindValidation))
		require.True(t, fault.IsKind(err, fault.KindValidation))
	}
	assert.Equal(t, StatusClosed, reg.State("growth").Status)
}

func TestBreakerSuccessResetsStreak(t *testing.T) {
	ctx := context.Background()
	reg := NewRegistry(Options{FailureThreshold: 3})

	for i := 0; i < 2; i++ {
		_ = reg.Execute(ctx, "growth", failingCall(fault.KindExternalAPI))
	}
	require.NoError(t, reg.Execute(ctx, "growth", func(context.Context) error { return nil }))
	for i := 0; i < 2; i++ {
		_ = reg.Execute(ctx, "growth", failingCall(fault.KindExternalAPI))
	}
	assert.Equal(t, StatusClosed, reg.State("growth").Status)
}

func TestBreakerHalfOpenProbe(t *testing.T) {
	ctx := context.Background()
	reg := NewRegistry(Options{FailureThreshold: 2, RecoveryTimeout: 50 * time.Millisecond})

	for i := 0; i < 2; i++ {
		_ = reg.Execute(ctx, "growth", failingCall(fault.KindExternalAPI))
	}
	require.Equal(t, StatusOpen, reg.State("growth").Status)

	// A successful probe after the recovery window closes the breaker.
	time.Sleep(60 * time.Millisecond)
	require.NoError(t, reg.Execute(ctx, "growth", func(context.Context) error { return nil }))
	assert.Equal(t, StatusClosed, reg.State("growth").Status)
}

func TestBreakerFailedProbeReopens(t *testing.T) {
	ctx := context.Background()
	reg := NewRegistry(Options{FailureThreshold: 2, RecoveryTimeout: 50 * time.Millisecond})

	for i := 0; i < 2; i++ {
		_ = reg.Execute(ctx, "growth", failingCall(fault.KindExternalAPI))
	}
	time.Sleep(60 * time.Millisecond)

	err := reg.Execute(ctx, "growth", failingCall(fault.KindExternalAPI))
	require.True(t, fault.IsKind(err, fault.KindExternalAPI))
	assert.Equal(t, StatusOpen, reg.State("growth").Status)
}

func TestBreakersAreIndependent(t *testing.T) {
	ctx := context.Background()
	reg := NewRegistry(Options{FailureThreshold: 2})

	for i := 0; i < 2; i++ {
		_ = reg.Execute(ctx, "growth", failingCall(fault.KindExternalAPI))
	}
	assert.Equal(t, StatusOpen, reg.State("growth").Status)
	assert.Equal(t, StatusClosed, reg.State("content").Status)

	require.NoError(t, reg.Execute(ctx, "content", func(context.Context) error { return nil }))
}

func TestDoReturnsTypedResult(t *testing.T) {
	ctx := context.Background()
	reg := NewRegistry(Options{})

	got, err := Do(ctx, reg, "growth", func(context.Context) (string, error) {
		return "payload", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "payload", got)
}

func TestStateSnapshotFields(t *testing.T) {
	ctx := context.Background()
	reg := NewRegistry(Options{FailureThreshold: 2, RecoveryTimeout: 30 * time.Second})

	snap := reg.State("never-called")
	assert.Equal(t, StatusClosed, snap.Status)

	for i := 0; i < 2; i++ {
		_ = reg.Execute(ctx, "growth", failingCall(fault.KindExternalAPI))
	}
	snap = reg.State("growth")
	assert.Equal(t, StatusOpen, snap.Status)
	assert.False(t, snap.NextProbeAt.IsZero())
	assert.True(t, snap.NextProbeAt.After(time.Now()))
}

func TestStatesSorted(t *testing.T) {
	ctx := context.Background()
	reg := NewRegistry(Options{})

	_ = reg.Execute(ctx, "growth", func(context.Context) error { return nil })
	_ = reg.Execute(ctx, "audience", func(context.Context) error { return nil })
	_ = reg.Execute(ctx, "content", func(context.Context) error { return nil })

	snaps := reg.States()
	require.Len(t, snaps, 3)
	assert.Equal(t, "audience", snaps[0].Endpoint)
	assert.Equal(t, "content", snaps[1].Endpoint)
	assert.Equal(t, "growth", snaps[2].Endpoint)
}

func TestResetRestoresClosed(t *testing.T) {
	ctx := context.Background()
	reg := NewRegistry(Options{FailureThreshold: 2})

	for i := 0; i < 2; i++ {
		_ = reg.Execute(ctx, "growth", failingCall(fault.KindExternalAPI))
	}
	require.Equal(t, StatusOpen, reg.State("growth").Status)

	reg.Reset("growth")
	assert.Equal(t, StatusClosed, reg.State("growth").Status)
	require.NoError(t, reg.Execute(ctx, "growth", func(context.Context) error { return nil }))
}

func TestStateChangePublishedToCache(t *testing.T) {
	ctx := context.Background()
	store := cache.NewLocal(16)
	reg := NewRegistry(Options{FailureThreshold: 2, Cache: store})

	for i := 0; i < 2; i++ {
		_ = reg.Execute(ctx, "growth", failingCall(fault.KindExternalAPI))
	}

	snap, ok := cache.GetJSON[Snapshot](ctx, store, "breaker:growth")
	require.True(t, ok)
	assert.Equal(t, StatusOpen, snap.Status)
	assert.Equal(t, "growth", snap.Endpoint)
	assert.False(t, snap.NextProbeAt.IsZero())
}
