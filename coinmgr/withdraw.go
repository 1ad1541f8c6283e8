// Copyright (c) 2025 The talersuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package coinmgr

import (
	"bytes"
	"encoding/binary"
	"io"
	"time"

	"github.com/talersuite/talerwallet/amount"
	"github.com/talersuite/talerwallet/retry"
	"github.com/talersuite/talerwallet/walletdb"
)

// WithdrawalGroup drives the conversion of a reserve balance into coins.
// The secret seed deterministically derives every planchet in the group, so
// a crashed withdrawal resumes by re-deriving identical planchets.
type WithdrawalGroup struct {
	// ID is the record key.
	ID GroupID

	ReservePub      []byte
	ExchangeBaseURL string

	// RawAmount is the amount requested from the reserve.
	RawAmount amount.Amount

	// TotalCoinValue and TotalCost describe the selected denomination
	// plan: the face value of all planned coins and what the reserve is
	// charged for them including withdraw fees.
	TotalCoinValue amount.Amount
	TotalCost      amount.Amount

	// SecretSeed derives every planchet in the group.
	SecretSeed []byte

	// DenomPubHashes is the ordered denomination plan, one entry per
	// coin index.  Frozen at group creation.
	DenomPubHashes [][]byte

	TimestampStart time.Time

	// TimestampFinish is zero until the group completes; once set the
	// group is immutable.
	TimestampFinish time.Time

	Retry retry.Info
}

// Finished reports whether the group has recorded its finish timestamp.
func (g *WithdrawalGroup) Finished() bool {
	return !g.TimestampFinish.IsZero()
}

// Planchet is the staging record of one coin being withdrawn.  It is
// promoted into a Coin exactly once, guarded by the Promoted flag.
type Planchet struct {
	GroupID   GroupID
	CoinIndex uint32

	DenomPubHash []byte

	// CoinEvHash identifies the submitted blinded envelope.
	CoinEvHash []byte

	// Promoted flips when the planchet's coin is inserted into the
	// ledger.
	Promoted bool

	// LastError records a permanent per-planchet failure, e.g. an
	// exchange signature that did not verify.  Such planchets are never
	// retried.
	LastError string
}

// serializeWithdrawalGroup encodes a withdrawal group record.
func serializeWithdrawalGroup(g *WithdrawalGroup) []byte {
	var buf bytes.Buffer
	buf.Write(g.ID[:])
	putBytes(&buf, g.ReservePub)
	putString(&buf, g.ExchangeBaseURL)
	putAmount(&buf, g.RawAmount)
	putAmount(&buf, g.TotalCoinValue)
	putAmount(&buf, g.TotalCost)
	putBytes(&buf, g.SecretSeed)
	putUint32(&buf, uint32(len(g.DenomPubHashes)))
	for _, h := range g.DenomPubHashes {
		putBytes(&buf, h)
	}
	putTime(&buf, g.TimestampStart)
	putTime(&buf, g.TimestampFinish)
	g.Retry.Write(&buf)
	return buf.Bytes()
}

// deserializeWithdrawalGroup decodes a withdrawal group record.
func deserializeWithdrawalGroup(data []byte) (*WithdrawalGroup, error) {
	r := bytes.NewReader(data)
	g := &WithdrawalGroup{}
	if _, err := io.ReadFull(r, g.ID[:]); err != nil {
		return nil, corruptError("withdrawal group id", err)
	}
	var err error
	if g.ReservePub, err = readBytes(r); err != nil {
		return nil, corruptError("withdrawal group reserve", err)
	}
	if g.ExchangeBaseURL, err = readString(r); err != nil {
		return nil, corruptError("withdrawal group exchange", err)
	}
	if g.RawAmount, err = readAmount(r); err != nil {
		return nil, corruptError("withdrawal group raw amount", err)
	}
	if g.TotalCoinValue, err = readAmount(r); err != nil {
		return nil, corruptError("withdrawal group coin value", err)
	}
	if g.TotalCost, err = readAmount(r); err != nil {
		return nil, corruptError("withdrawal group cost", err)
	}
	if g.SecretSeed, err = readBytes(r); err != nil {
		return nil, corruptError("withdrawal group seed", err)
	}
	numDenoms, err := readUint32(r)
	if err != nil {
		return nil, corruptError("withdrawal group plan", err)
	}
	g.DenomPubHashes = make([][]byte, 0, numDenoms)
	for i := uint32(0); i < numDenoms; i++ {
		h, err := readBytes(r)
		if err != nil {
			return nil, corruptError("withdrawal group plan", err)
		}
		g.DenomPubHashes = append(g.DenomPubHashes, h)
	}
	if g.TimestampStart, err = readTime(r); err != nil {
		return nil, corruptError("withdrawal group start", err)
	}
	if g.TimestampFinish, err = readTime(r); err != nil {
		return nil, corruptError("withdrawal group finish", err)
	}
	if err := g.Retry.Read(r); err != nil {
		return nil, corruptError("withdrawal group retry info", err)
	}
	return g, nil
}

// serializePlanchet encodes a planchet record.
func serializePlanchet(p *Planchet) []byte {
	var buf bytes.Buffer
	buf.Write(p.GroupID[:])
	putUint32(&buf, p.CoinIndex)
	putBytes(&buf, p.DenomPubHash)
	putBytes(&buf, p.CoinEvHash)
	putBool(&buf, p.Promoted)
	putString(&buf, p.LastError)
	return buf.Bytes()
}

// deserializePlanchet decodes a planchet record.
func deserializePlanchet(data []byte) (*Planchet, error) {
	r := bytes.NewReader(data)
	p := &Planchet{}
	if _, err := io.ReadFull(r, p.GroupID[:]); err != nil {
		return nil, corruptError("planchet group id", err)
	}
	var err error
	if p.CoinIndex, err = readUint32(r); err != nil {
		return nil, corruptError("planchet index", err)
	}
	if p.DenomPubHash, err = readBytes(r); err != nil {
		return nil, corruptError("planchet denom hash", err)
	}
	if p.CoinEvHash, err = readBytes(r); err != nil {
		return nil, corruptError("planchet envelope hash", err)
	}
	if p.Promoted, err = readBool(r); err != nil {
		return nil, corruptError("planchet promoted flag", err)
	}
	if p.LastError, err = readString(r); err != nil {
		return nil, corruptError("planchet error", err)
	}
	return p, nil
}

// planchetKey is the per-group key of one planchet.
func planchetKey(coinIndex uint32) []byte {
	var k [4]byte
	binary.BigEndian.PutUint32(k[:], coinIndex)
	return k[:]
}

// PutWithdrawalGroup stores the withdrawal group record.  Mutating a group
// that already finished fails with ErrGroupImmutable unless the stored
// record's finish timestamp is still zero (i.e. this write is the one
// setting it).
func (m *Manager) PutWithdrawalGroup(tx walletdb.Tx,
	g *WithdrawalGroup) error {

	b, err := fetchBucket(tx, withdrawGroupsBucketName)
	if err != nil {
		return err
	}
	if existing := b.Get(g.ID[:]); existing != nil {
		prev, err := deserializeWithdrawalGroup(existing)
		if err != nil {
			return err
		}
		if prev.Finished() {
			return storeError(ErrGroupImmutable,
				"withdrawal group "+g.ID.String()+
					" already finished", nil)
		}
	}
	if err := b.Put(g.ID[:], serializeWithdrawalGroup(g)); err != nil {
		return storeError(ErrDatabase,
			"failed to store withdrawal group", err)
	}
	return nil
}

// GetWithdrawalGroup fetches the withdrawal group record by id.
func (m *Manager) GetWithdrawalGroup(tx walletdb.Tx,
	id GroupID) (*WithdrawalGroup, error) {

	b, err := fetchBucket(tx, withdrawGroupsBucketName)
	if err != nil {
		return nil, err
	}
	serialized := b.Get(id[:])
	if serialized == nil {
		return nil, storeError(ErrGroupNotFound,
			"unknown withdrawal group "+id.String(), nil)
	}
	return deserializeWithdrawalGroup(serialized)
}

// ForEachWithdrawalGroup invokes fn for every withdrawal group.
func (m *Manager) ForEachWithdrawalGroup(tx walletdb.Tx,
	fn func(*WithdrawalGroup) error) error {

	b, err := fetchBucket(tx, withdrawGroupsBucketName)
	if err != nil {
		return err
	}
	err = b.ForEach(func(k, v []byte) error {
		if v == nil {
			return nil
		}
		g, err := deserializeWithdrawalGroup(v)
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
			"failed to iterate withdrawal groups", err)
	}
	return nil
}

// PutPlanchet stores the planchet record.
func (m *Manager) PutPlanchet(tx walletdb.Tx, p *Planchet) error {
	groups, err := fetchBucket(tx, planchetsBucketName)
	if err != nil {
		return err
	}
	b, err := groups.CreateBucketIfNotExists(p.GroupID[:])
	if err != nil {
		return storeError(ErrDatabase,
			"failed to create planchet bucket", err)
	}
	if err := b.Put(planchetKey(p.CoinIndex), serializePlanchet(p)); err != nil {
		return storeError(ErrDatabase, "failed to store planchet", err)
	}
	return nil
}

// GetPlanchet fetches the planchet record at (group, index).
func (m *Manager) GetPlanchet(tx walletdb.Tx, groupID GroupID,
	coinIndex uint32) (*Planchet, error) {

	groups, err := fetchBucket(tx, planchetsBucketName)
	if err != nil {
		return nil, err
	}
	b := groups.NestedBucket(groupID[:])
	if b == nil {
		return nil, storeError(ErrPlanchetNotFound,
			"no planchets for group "+groupID.String(), nil)
	}
	serialized := b.Get(planchetKey(coinIndex))
	if serialized == nil {
		return nil, storeError(ErrPlanchetNotFound,
			"unknown planchet", nil)
	}
	return deserializePlanchet(serialized)
}

// ForEachPlanchet invokes fn for every planchet of the group in coin index
// order.
func (m *Manager) ForEachPlanchet(tx walletdb.Tx, groupID GroupID,
	fn func(*Planchet) error) error {

	groups, err := fetchBucket(tx, planchetsBucketName)
	if err != nil {
		return err
	}
	b := groups.NestedBucket(groupID[:])
	if b == nil {
		return nil
	}
	err = b.ForEach(func(k, v []byte) error {
		if v == nil {
			return nil
		}
		p, err := deserializePlanchet(v)
		if err != nil {
			return err
		}
		return fn(p)
	})
	if err != nil {
		if _, ok := err.(Error); ok {
			return err
		}
		return storeError(ErrDatabase,
			"failed to iterate planchets", err)
	}
	return nil
}

// PromotePlanchet atomically marks the planchet promoted and inserts its
// coin into the ledger.  A planchet that is already promoted is skipped and
// reported via the returned flag, so replaying a withdrawal never creates a
// second coin for the same slot.
func (m *Manager) PromotePlanchet(tx walletdb.Tx, groupID GroupID,
	coinIndex uint32, coin *Coin) (bool, error) {

	p, err := m.GetPlanchet(tx, groupID, coinIndex)
	if err != nil {
		return false, err
	}
	if p.Promoted {
		return true, nil
	}
	if err := m.InsertCoin(tx, coin); err != nil {
		return false, err
	}
	p.Promoted = true
	if err := m.PutPlanchet(tx, p); err != nil {
		return false, err
	}
	return false, nil
}

// SetPlanchetError records a permanent per-planchet failure.
func (m *Manager) SetPlanchetError(tx walletdb.Tx, groupID GroupID,
	coinIndex uint32, errMsg string) error {

	p, err := m.GetPlanchet(tx, groupID, coinIndex)
	if err != nil {
		return err
	}
	p.LastError = errMsg
	return m.PutPlanchet(tx, p)
}
