// Copyright (c) 2025 The talersuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package retry

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// TestDelayMonotonic verifies that the backoff schedule never decreases and
// respects the cap.
func TestDelayMonotonic(t *testing.T) {
	t.Parallel()

	prev := time.Duration(0)
	for c := uint32(0); c < 100; c++ {
		d := Delay(c)
		require.GreaterOrEqual(t, d, prev, "counter %d", c)
		require.LessOrEqual(t, d, MaxDelay, "counter %d", c)
		prev = d
	}
	require.Equal(t, MaxDelay, Delay(64))
}

// TestFailBackoff verifies that successive failures push the next retry time
// monotonically forward.
func TestFailBackoff(t *testing.T) {
	t.Parallel()

	now := time.Unix(1000, 0)
	var info Info
	info.Start(now)
	require.True(t, info.Due(now))

	prev := now
	for n := 0; n < 10; n++ {
		info.Fail(now, errors.New("boom"))
		require.False(t, info.NextRetry.Before(prev))
		require.False(t, info.Due(now))
		prev = info.NextRetry
	}
	require.Equal(t, uint32(10), info.Counter)
	require.Equal(t, "boom", info.LastError)

	// Reset makes the record immediately due and wipes failure state.
	info.Reset(now)
	require.True(t, info.Due(now))
	require.Zero(t, info.Counter)
	require.Empty(t, info.LastError)

	// Stop removes the record from scheduling.
	info.Stop()
	require.False(t, info.Due(now.Add(time.Hour)))
}

// TestBackoffWithoutFailure verifies that Backoff defers the retry without
// advancing the failure counter.
func TestBackoffWithoutFailure(t *testing.T) {
	t.Parallel()

	now := time.Unix(1000, 0)
	var info Info
	info.Start(now)
	info.Backoff(now)
	require.Zero(t, info.Counter)
	require.True(t, info.NextRetry.After(now))
}

// TestSerializeRoundTrip checks the canonical encoding.
func TestSerializeRoundTrip(t *testing.T) {
	t.Parallel()

	info := Info{
		FirstTry:  time.Unix(500, 123),
		NextRetry: time.Unix(1000, 456),
		Counter:   5,
		Active:    true,
		LastError: "connection refused",
	}
	var buf bytes.Buffer
	info.Write(&buf)

	var back Info
	require.NoError(t, back.Read(bytes.NewReader(buf.Bytes())))
	require.Equal(t, info.Counter, back.Counter)
	require.Equal(t, info.Active, back.Active)
	require.Equal(t, info.LastError, back.LastError)
	require.True(t, info.FirstTry.Equal(back.FirstTry))
	require.True(t, info.NextRetry.Equal(back.NextRetry))

	// The zero value round-trips too.
	buf.Reset()
	(&Info{}).Write(&buf)
	var zero Info
	require.NoError(t, zero.Read(bytes.NewReader(buf.Bytes())))
	require.True(t, zero.FirstTry.IsZero())
	require.False(t, zero.Active)

	// Truncated input is rejected.
	require.Error(t, new(Info).Read(bytes.NewReader(buf.Bytes()[:5])))
}
