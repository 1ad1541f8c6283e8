// Copyright (c) 2025 The talersuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package retry implements the exponential-backoff state attached to every
// long-running wallet operation.  The scheduler queries the Info of all
// pending records to decide what is due and how long to sleep.
package retry

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"time"
)

const (
	// BaseDelay is the delay scheduled after the first failure.
	BaseDelay = time.Second

	// MaxDelay caps the exponential backoff.
	MaxDelay = time.Minute
)

// Info tracks the retry state of one long-running operation.  The zero value
// is an inactive record with no retries.
type Info struct {
	// FirstTry is when the operation was first attempted.
	FirstTry time.Time

	// NextRetry is when the operation becomes due again.
	NextRetry time.Time

	// Counter is the number of consecutive failures so far.
	Counter uint32

	// Active reports whether the operation still wants to be scheduled.
	Active bool

	// LastError is a short description of the most recent failure, empty
	// after a success.
	LastError string
}

// Delay returns the backoff delay for the given failure count: BaseDelay
// doubled per failure and capped at MaxDelay.  The progression is strictly
// non-decreasing in the counter, which the scheduler relies on.
func Delay(counter uint32) time.Duration {
	if counter == 0 {
		return 0
	}
	shift := counter - 1
	// 1s << 6 already exceeds the cap; avoid overflowing the shift.
	if shift > 6 {
		return MaxDelay
	}
	d := BaseDelay << shift
	if d > MaxDelay {
		return MaxDelay
	}
	return d
}

// Start marks the operation active and immediately due.  Existing failure
// state is preserved so a restart does not discard the backoff position.
func (i *Info) Start(now time.Time) {
	if i.FirstTry.IsZero() {
		i.FirstTry = now
	}
	i.Active = true
	if i.NextRetry.IsZero() {
		i.NextRetry = now
	}
}

// Reset clears all failure state and makes the operation immediately due.
// Used by force triggers (user retry, recoup completion).
func (i *Info) Reset(now time.Time) {
	if i.FirstTry.IsZero() {
		i.FirstTry = now
	}
	i.Counter = 0
	i.Active = true
	i.NextRetry = now
	i.LastError = ""
}

// Fail records a failed attempt: the counter is incremented and the next
// retry time recomputed from the backoff schedule.
func (i *Info) Fail(now time.Time, err error) {
	i.Counter++
	i.Active = true
	i.NextRetry = now.Add(Delay(i.Counter))
	if err != nil {
		i.LastError = err.Error()
	}
}

// Backoff recomputes the next retry time without counting a failure.  Used
// when a dependency is simply not ready yet, e.g. a reserve the exchange
// does not know about because the bank transfer has not landed.
func (i *Info) Backoff(now time.Time) {
	i.Active = true
	i.NextRetry = now.Add(Delay(i.Counter + 1))
}

// Stop deactivates the operation, typically because it finished.
func (i *Info) Stop() {
	i.Active = false
	i.LastError = ""
}

// Due reports whether the operation is active and its retry time has passed.
func (i *Info) Due(now time.Time) bool {
	return i.Active && !i.NextRetry.After(now)
}

// Serialization.  The retry info is embedded in several record types; the
// canonical encoding below is shared by all of them.

// errCorrupt is returned when a serialized Info cannot be decoded.
var errCorrupt = errors.New("retry: corrupt serialized info")

// timeToUnixNano maps the zero time to 0 rather than the year-1 sentinel.
func timeToUnixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

// timeFromUnixNano is the inverse of timeToUnixNano.
func timeFromUnixNano(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

// Write appends the canonical encoding of the Info to the buffer.
func (i *Info) Write(buf *bytes.Buffer) {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(timeToUnixNano(i.FirstTry)))
	buf.Write(b[:])
	binary.BigEndian.PutUint64(b[:], uint64(timeToUnixNano(i.NextRetry)))
	buf.Write(b[:])
	binary.BigEndian.PutUint32(b[:4], i.Counter)
	buf.Write(b[:4])
	if i.Active {
		buf.WriteByte(1)
	} else {
		buf.WriteByte(0)
	}
	errBytes := []byte(i.LastError)
	binary.BigEndian.PutUint32(b[:4], uint32(len(errBytes)))
	buf.Write(b[:4])
	buf.Write(errBytes)
}

// Read decodes an Info from the reader, consuming exactly the bytes written
// by Write.
func (i *Info) Read(r *bytes.Reader) error {
	var b [8]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return errCorrupt
	}
	i.FirstTry = timeFromUnixNano(int64(binary.BigEndian.Uint64(b[:])))
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return errCorrupt
	}
	i.NextRetry = timeFromUnixNano(int64(binary.BigEndian.Uint64(b[:])))
	if _, err := io.ReadFull(r, b[:4]); err != nil {
		return errCorrupt
	}
	i.Counter = binary.BigEndian.Uint32(b[:4])
	flag, err := r.ReadByte()
	if err != nil {
		return errCorrupt
	}
	i.Active = flag == 1
	if _, err := io.ReadFull(r, b[:4]); err != nil {
		return errCorrupt
	}
	n := binary.BigEndian.Uint32(b[:4])
	if uint32(r.Len()) < n {
		return errCorrupt
	}
	errBytes := make([]byte, n)
	if _, err := io.ReadFull(r, errBytes); err != nil {
		return errCorrupt
	}
	i.LastError = string(errBytes)
	return nil
}
