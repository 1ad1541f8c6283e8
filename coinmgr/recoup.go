// Copyright (c) 2025 The talersuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package coinmgr

import (
	"bytes"
	"io"
	"time"

	"github.com/talersuite/talerwallet/amount"
	"github.com/talersuite/talerwallet/retry"
	"github.com/talersuite/talerwallet/walletdb"
)

// RecoupItem is the per-coin state of a recoup group.
type RecoupItem struct {
	CoinPub []byte

	// OldAmount is the coin value snapshotted when it was zeroed at
	// group creation.
	OldAmount amount.Amount

	// Finished flips when the coin's recoup completed (or was skipped,
	// e.g. a tip-sourced coin).
	Finished bool

	LastError string
}

// RecoupGroup drives the recovery of value from coins of a revoked
// denomination.  Every input coin is zeroed when the group is created, so a
// crash mid-recoup can never double-count value.
type RecoupGroup struct {
	// ID is the record key.
	ID GroupID

	ExchangeBaseURL string
	Items           []RecoupItem

	// CoinsToRefresh accumulates the old coins credited by recouping
	// refresh-sourced coins; they are submitted as one follow-on refresh
	// group when this group finishes.
	CoinsToRefresh [][]byte

	TimestampStart time.Time

	// TimestampFinish is zero until the group completes; once set the
	// group is immutable.
	TimestampFinish time.Time

	Retry retry.Info
}

// Finished reports whether the group has recorded its finish timestamp.
func (g *RecoupGroup) Finished() bool {
	return !g.TimestampFinish.IsZero()
}

// serializeRecoupGroup encodes a recoup group record.
func serializeRecoupGroup(g *RecoupGroup) []byte {
	var buf bytes.Buffer
	buf.Write(g.ID[:])
	putString(&buf, g.ExchangeBaseURL)
	putUint32(&buf, uint32(len(g.Items)))
	for i := range g.Items {
		item := &g.Items[i]
		putBytes(&buf, item.CoinPub)
		putAmount(&buf, item.OldAmount)
		putBool(&buf, item.Finished)
		putString(&buf, item.LastError)
	}
	putUint32(&buf, uint32(len(g.CoinsToRefresh)))
	for _, pub := range g.CoinsToRefresh {
		putBytes(&buf, pub)
	}
	putTime(&buf, g.TimestampStart)
	putTime(&buf, g.TimestampFinish)
	g.Retry.Write(&buf)
	return buf.Bytes()
}

// deserializeRecoupGroup decodes a recoup group record.
func deserializeRecoupGroup(data []byte) (*RecoupGroup, error) {
	r := bytes.NewReader(data)
	g := &RecoupGroup{}
	if _, err := io.ReadFull(r, g.ID[:]); err != nil {
		return nil, corruptError("recoup group id", err)
	}
	var err error
	if g.ExchangeBaseURL, err = readString(r); err != nil {
		return nil, corruptError("recoup group exchange", err)
	}
	numItems, err := readUint32(r)
	if err != nil {
		return nil, corruptError("recoup group items", err)
	}
	g.Items = make([]RecoupItem, 0, numItems)
	for i := uint32(0); i < numItems; i++ {
		var item RecoupItem
		if item.CoinPub, err = readBytes(r); err != nil {
			return nil, corruptError("recoup item coin", err)
		}
		if item.OldAmount, err = readAmount(r); err != nil {
			return nil, corruptError("recoup item amount", err)
		}
		if item.Finished, err = readBool(r); err != nil {
			return nil, corruptError("recoup item flag", err)
		}
		if item.LastError, err = readString(r); err != nil {
			return nil, corruptError("recoup item error", err)
		}
		g.Items = append(g.Items, item)
	}
	numRefresh, err := readUint32(r)
	if err != nil {
		return nil, corruptError("recoup group refresh list", err)
	}
	g.CoinsToRefresh = make([][]byte, 0, numRefresh)
	for i := uint32(0); i < numRefresh; i++ {
		pub, err := readBytes(r)
		if err != nil {
			return nil, corruptError("recoup group refresh list", err)
		}
		g.CoinsToRefresh = append(g.CoinsToRefresh, pub)
	}
	if g.TimestampStart, err = readTime(r); err != nil {
		return nil, corruptError("recoup group start", err)
	}
	if g.TimestampFinish, err = readTime(r); err != nil {
		return nil, corruptError("recoup group finish", err)
	}
	if err := g.Retry.Read(r); err != nil {
		return nil, corruptError("recoup group retry info", err)
	}
	return g, nil
}

// PutRecoupGroup stores the recoup group record.  A group whose stored
// finish timestamp is already set is immutable.
func (m *Manager) PutRecoupGroup(tx walletdb.Tx, g *RecoupGroup) error {
	b, err := fetchBucket(tx, recoupGroupsBucketName)
	if err != nil {
		return err
	}
	if existing := b.Get(g.ID[:]); existing != nil {
		prev, err := deserializeRecoupGroup(existing)
		if err != nil {
			return err
		}
		if prev.Finished() {
			return storeError(ErrGroupImmutable,
				"recoup group "+g.ID.String()+
					" already finished", nil)
		}
	}
	if err := b.Put(g.ID[:], serializeRecoupGroup(g)); err != nil {
		return storeError(ErrDatabase,
			"failed to store recoup group", err)
	}
	return nil
}

// GetRecoupGroup fetches the recoup group record by id.
func (m *Manager) GetRecoupGroup(tx walletdb.Tx, id GroupID) (*RecoupGroup,
	error) {

	b, err := fetchBucket(tx, recoupGroupsBucketName)
	if err != nil {
		return nil, err
	}
	serialized := b.Get(id[:])
	if serialized == nil {
		return nil, storeError(ErrGroupNotFound,
			"unknown recoup group "+id.String(), nil)
	}
	return deserializeRecoupGroup(serialized)
}

// ForEachRecoupGroup invokes fn for every recoup group.
func (m *Manager) ForEachRecoupGroup(tx walletdb.Tx,
	fn func(*RecoupGroup) error) error {

	b, err := fetchBucket(tx, recoupGroupsBucketName)
	if err != nil {
		return err
	}
	err = b.ForEach(func(k, v []byte) error {
		if v == nil {
			return nil
		}
		g, err := deserializeRecoupGroup(v)
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
			"failed to iterate recoup groups", err)
	}
	return nil
}
