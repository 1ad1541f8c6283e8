// Copyright (c) 2025 The talersuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package coinmgr

import (
	"bytes"
	"fmt"
	"io"
	"time"

	"github.com/talersuite/talerwallet/amount"
	"github.com/talersuite/talerwallet/retry"
	"github.com/talersuite/talerwallet/walletdb"
)

// RefreshReason records why a refresh group was created.
type RefreshReason uint8

const (
	// RefreshReasonManual marks a user-initiated refresh.
	RefreshReasonManual RefreshReason = iota

	// RefreshReasonScheduled marks a refresh enqueued by the pre-expiry
	// scan.
	RefreshReasonScheduled

	// RefreshReasonRecoup marks the follow-on refresh after recouping a
	// refreshed coin.
	RefreshReasonRecoup
)

// refreshReasonStrings maps refresh reasons to names.
var refreshReasonStrings = map[RefreshReason]string{
	RefreshReasonManual:    "Manual",
	RefreshReasonScheduled: "Scheduled",
	RefreshReasonRecoup:    "Recoup",
}

// String returns the refresh reason as a human-readable name.
func (r RefreshReason) String() string {
	if s, ok := refreshReasonStrings[r]; ok {
		return s
	}
	return fmt.Sprintf("Unknown RefreshReason (%d)", uint8(r))
}

// noNorevealIndex marks a session that has not been melted yet.
const noNorevealIndex = ^uint32(0)

// RefreshSession is the per-input-coin state of a refresh group.  The
// session seed deterministically derives the full cut-and-choose transcript,
// so melt and reveal can replay it after a crash.
type RefreshSession struct {
	OldCoinPub []byte

	// InputAmount is the coin value consumed, snapshotted when the coin
	// was zeroed at group creation.
	InputAmount amount.Amount

	// ValueWithFee is the amount the melt spends: the output value plus
	// the old denomination's refresh fee.
	ValueWithFee amount.Amount

	// SessionSeed derives the cut-and-choose transcripts.
	SessionSeed []byte

	// NewDenomHashes is the output denomination plan, one per new coin.
	// Frozen once the melt is submitted.  An empty plan means the
	// remainder was below any denomination's cost and is abandoned.
	NewDenomHashes [][]byte

	// NorevealIndex is the gamma chosen by the exchange at melt time.
	// It is persisted before the reveal is attempted; once set, the melt
	// must never be re-sent.
	NorevealIndex uint32

	// Melted reports whether a noreveal index has been assigned.
	Melted bool

	// Finished flips when all of the session's new coins are in the
	// ledger (or the plan was empty).
	Finished bool

	LastError string
}

// RefreshGroup drives the melt/reveal protocol for a batch of input coins.
type RefreshGroup struct {
	// ID is the record key.
	ID GroupID

	ExchangeBaseURL string
	Reason          RefreshReason
	Sessions        []RefreshSession

	TimestampStart time.Time

	// TimestampFinish is zero until the group completes; once set the
	// group is immutable.
	TimestampFinish time.Time

	Retry retry.Info
}

// Finished reports whether the group has recorded its finish timestamp.
func (g *RefreshGroup) Finished() bool {
	return !g.TimestampFinish.IsZero()
}

// serializeRefreshGroup encodes a refresh group record.
func serializeRefreshGroup(g *RefreshGroup) []byte {
	var buf bytes.Buffer
	buf.Write(g.ID[:])
	putString(&buf, g.ExchangeBaseURL)
	buf.WriteByte(byte(g.Reason))
	putUint32(&buf, uint32(len(g.Sessions)))
	for i := range g.Sessions {
		s := &g.Sessions[i]
		putBytes(&buf, s.OldCoinPub)
		putAmount(&buf, s.InputAmount)
		putAmount(&buf, s.ValueWithFee)
		putBytes(&buf, s.SessionSeed)
		putUint32(&buf, uint32(len(s.NewDenomHashes)))
		for _, h := range s.NewDenomHashes {
			putBytes(&buf, h)
		}
		if s.Melted {
			putUint32(&buf, s.NorevealIndex)
		} else {
			putUint32(&buf, noNorevealIndex)
		}
		putBool(&buf, s.Finished)
		putString(&buf, s.LastError)
	}
	putTime(&buf, g.TimestampStart)
	putTime(&buf, g.TimestampFinish)
	g.Retry.Write(&buf)
	return buf.Bytes()
}

// deserializeRefreshGroup decodes a refresh group record.
func deserializeRefreshGroup(data []byte) (*RefreshGroup, error) {
	r := bytes.NewReader(data)
	g := &RefreshGroup{}
	if _, err := io.ReadFull(r, g.ID[:]); err != nil {
		return nil, corruptError("refresh group id", err)
	}
	var err error
	if g.ExchangeBaseURL, err = readString(r); err != nil {
		return nil, corruptError("refresh group exchange", err)
	}
	reason, err := r.ReadByte()
	if err != nil {
		return nil, corruptError("refresh group reason", err)
	}
	g.Reason = RefreshReason(reason)
	numSessions, err := readUint32(r)
	if err != nil {
		return nil, corruptError("refresh group sessions", err)
	}
	g.Sessions = make([]RefreshSession, 0, numSessions)
	for i := uint32(0); i < numSessions; i++ {
		var s RefreshSession
		if s.OldCoinPub, err = readBytes(r); err != nil {
			return nil, corruptError("refresh session coin", err)
		}
		if s.InputAmount, err = readAmount(r); err != nil {
			return nil, corruptError("refresh session input", err)
		}
		if s.ValueWithFee, err = readAmount(r); err != nil {
			return nil, corruptError("refresh session value", err)
		}
		if s.SessionSeed, err = readBytes(r); err != nil {
			return nil, corruptError("refresh session seed", err)
		}
		numDenoms, err := readUint32(r)
		if err != nil {
			return nil, corruptError("refresh session plan", err)
		}
		s.NewDenomHashes = make([][]byte, 0, numDenoms)
		for j := uint32(0); j < numDenoms; j++ {
			h, err := readBytes(r)
			if err != nil {
				return nil, corruptError(
					"refresh session plan", err)
			}
			s.NewDenomHashes = append(s.NewDenomHashes, h)
		}
		gamma, err := readUint32(r)
		if err != nil {
			return nil, corruptError("refresh session gamma", err)
		}
		if gamma != noNorevealIndex {
			s.NorevealIndex = gamma
			s.Melted = true
		}
		if s.Finished, err = readBool(r); err != nil {
			return nil, corruptError(
				"refresh session finished flag", err)
		}
		if s.LastError, err = readString(r); err != nil {
			return nil, corruptError("refresh session error", err)
		}
		g.Sessions = append(g.Sessions, s)
	}
	if g.TimestampStart, err = readTime(r); err != nil {
		return nil, corruptError("refresh group start", err)
	}
	if g.TimestampFinish, err = readTime(r); err != nil {
		return nil, corruptError("refresh group finish", err)
	}
	if err := g.Retry.Read(r); err != nil {
		return nil, corruptError("refresh group retry info", err)
	}
	return g, nil
}

// PutRefreshGroup stores the refresh group record.  A group whose stored
// finish timestamp is already set is immutable.  The denomination plan of a
// melted session is frozen: changing it fails with ErrGroupImmutable.
func (m *Manager) PutRefreshGroup(tx walletdb.Tx, g *RefreshGroup) error {
	b, err := fetchBucket(tx, refreshGroupsBucketName)
	if err != nil {
		return err
	}
	if existing := b.Get(g.ID[:]); existing != nil {
		prev, err := deserializeRefreshGroup(existing)
		if err != nil {
			return err
		}
		if prev.Finished() {
			return storeError(ErrGroupImmutable,
				"refresh group "+g.ID.String()+
					" already finished", nil)
		}
		for i := range prev.Sessions {
			if !prev.Sessions[i].Melted ||
				i >= len(g.Sessions) {

				continue
			}
			if !equalPlans(prev.Sessions[i].NewDenomHashes,
				g.Sessions[i].NewDenomHashes) {

				return storeError(ErrGroupImmutable,
					"denomination plan of melted "+
						"session is frozen", nil)
			}
		}
	}
	if err := b.Put(g.ID[:], serializeRefreshGroup(g)); err != nil {
		return storeError(ErrDatabase,
			"failed to store refresh group", err)
	}
	return nil
}

// equalPlans compares two denomination plans element-wise.
func equalPlans(a, b [][]byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !bytes.Equal(a[i], b[i]) {
			return false
		}
	}
	return true
}

// GetRefreshGroup fetches the refresh group record by id.
func (m *Manager) GetRefreshGroup(tx walletdb.Tx, id GroupID) (*RefreshGroup,
	error) {

	b, err := fetchBucket(tx, refreshGroupsBucketName)
	if err != nil {
		return nil, err
	}
	serialized := b.Get(id[:])
	if serialized == nil {
		return nil, storeError(ErrGroupNotFound,
			"unknown refresh group "+id.String(), nil)
	}
	return deserializeRefreshGroup(serialized)
}

// ForEachRefreshGroup invokes fn for every refresh group.
func (m *Manager) ForEachRefreshGroup(tx walletdb.Tx,
	fn func(*RefreshGroup) error) error {

	b, err := fetchBucket(tx, refreshGroupsBucketName)
	if err != nil {
		return err
	}
	err = b.ForEach(func(k, v []byte) error {
		if v == nil {
			return nil
		}
		g, err := deserializeRefreshGroup(v)
		if err != nil {
			return err
		}
		return fn(g)
	})
	if err != nil {
		if _, ok := err.(Error); ok {
			return err
		}
		return storeError(ErrDatabase,
			"failed to iterate refresh groups", err)
	}
	return nil
}
