package util

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestBackoff_OngoingRespectsMaxRetries(t *testing.T) {
	b := NewBackoff(BackoffConfig{MinBackoff: time.Millisecond, MaxBackoff: 10 * time.Millisecond, MaxRetries: 2}, nil)
	require.True(t, b.Ongoing())
	b.Wait()
	require.True(t, b.Ongoing())
	b.Wait()
	require.False(t, b.Ongoing())
	require.Equal(t, 2, b.NumRetries())
}

func TestBackoff_ZeroMaxRetriesIsUnbounded(t *testing.T) {
	b := NewBackoff(BackoffConfig{MinBackoff: time.Millisecond, MaxBackoff: time.Millisecond}, nil)
	for i := 0; i < 10; i++ {
		require.True(t, b.Ongoing())
		b.Wait()
	}
	require.True(t, b.Ongoing())
}

func TestBackoff_DoneChannelCancelsWait(t *testing.T) {
	done := make(chan struct{})
	close(done)
	b := NewBackoff(BackoffConfig{MinBackoff: time.Hour, MaxBackoff: time.Hour, MaxRetries: 5}, done)

	start := time.Now()
	b.Wait()
	require.Less(t, time.Since(start), time.Second)
	require.False(t, b.Ongoing())
}

func TestBackoff_ResetRestoresInitialState(t *testing.T) {
	b := NewBackoff(BackoffConfig{MinBackoff: time.Millisecond, MaxBackoff: time.Millisecond, MaxRetries: 1}, nil)
	b.Wait()
	require.False(t, b.Ongoing())

	b.Reset()
	require.True(t, b.Ongoing())
	require.Equal(t, 0, b.NumRetries())
}
