// Copyright (c) 2025 The talersuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package coinmgr

import (
	"bytes"
	"fmt"
	"io"

	"github.com/talersuite/talerwallet/amount"
	"github.com/talersuite/talerwallet/walletdb"
)

// CoinStatus is the spendability state of a coin.  Transitions are
// one-directional: Fresh -> Dormant, never back.
type CoinStatus uint8

const (
	// CoinFresh means the coin has remaining value and may be spent or
	// refreshed.
	CoinFresh CoinStatus = iota

	// CoinDormant means the coin's remaining value has been consumed.
	CoinDormant
)

// coinStatusStrings maps coin statuses to names.
var coinStatusStrings = map[CoinStatus]string{
	CoinFresh:   "Fresh",
	CoinDormant: "Dormant",
}

// String returns the coin status as a human-readable name.
func (s CoinStatus) String() string {
	if str, ok := coinStatusStrings[s]; ok {
		return str
	}
	return fmt.Sprintf("Unknown CoinStatus (%d)", uint8(s))
}

// CoinSourceType tags the CoinSource union.
type CoinSourceType uint8

const (
	// SourceWithdraw marks a coin produced by a withdrawal group.
	SourceWithdraw CoinSourceType = 1

	// SourceRefresh marks a coin produced by refreshing an old coin.
	SourceRefresh CoinSourceType = 2

	// SourceTip marks a coin received as a merchant tip.
	SourceTip CoinSourceType = 3
)

// CoinSource records where a coin came from.  Exactly the fields of the
// tagged variant are populated.
type CoinSource struct {
	Type CoinSourceType

	// Withdraw source.
	ReservePub []byte
	GroupID    GroupID
	CoinIndex  uint32

	// Refresh source.
	OldCoinPub []byte

	// Tip source.
	TipID []byte
}

// Coin is one blind-signed coin in the ledger.
type Coin struct {
	// CoinPub is the record key.
	CoinPub []byte

	// CoinPriv is owned exclusively by this record.
	CoinPriv []byte

	// BlindingKey is the blinding factor used when the coin was
	// withdrawn or revealed; recoup discloses it to the exchange.
	BlindingKey []byte

	ExchangeBaseURL string
	DenomPubHash    []byte

	// DenomSig is the unblinded denomination signature.
	DenomSig []byte

	// DenomValue is a snapshot of the denomination's face value, the
	// hard upper bound on CurrentAmount.
	DenomValue amount.Amount

	// CurrentAmount is the remaining unspent value.
	CurrentAmount amount.Amount

	Status    CoinStatus
	Suspended bool
	Source    CoinSource
}

// serializeCoin encodes a coin record.
func serializeCoin(c *Coin) []byte {
	var buf bytes.Buffer
	putBytes(&buf, c.CoinPub)
	putBytes(&buf, c.CoinPriv)
	putBytes(&buf, c.BlindingKey)
	putString(&buf, c.ExchangeBaseURL)
	putBytes(&buf, c.DenomPubHash)
	putBytes(&buf, c.DenomSig)
	putAmount(&buf, c.DenomValue)
	putAmount(&buf, c.CurrentAmount)
	buf.WriteByte(byte(c.Status))
	putBool(&buf, c.Suspended)
	buf.WriteByte(byte(c.Source.Type))
	switch c.Source.Type {
	case SourceWithdraw:
		putBytes(&buf, c.Source.ReservePub)
		buf.Write(c.Source.GroupID[:])
		putUint32(&buf, c.Source.CoinIndex)
	case SourceRefresh:
		putBytes(&buf, c.Source.OldCoinPub)
	case SourceTip:
		putBytes(&buf, c.Source.TipID)
	}
	return buf.Bytes()
}

// deserializeCoin decodes a coin record.
func deserializeCoin(data []byte) (*Coin, error) {
	r := bytes.NewReader(data)
	c := &Coin{}
	var err error
	if c.CoinPub, err = readBytes(r); err != nil {
		return nil, corruptError("coin pub", err)
	}
	if c.CoinPriv, err = readBytes(r); err != nil {
		return nil, corruptError("coin priv", err)
	}
	if c.BlindingKey, err = readBytes(r); err != nil {
		return nil, corruptError("coin blinding key", err)
	}
	if c.ExchangeBaseURL, err = readString(r); err != nil {
		return nil, corruptError("coin exchange", err)
	}
	if c.DenomPubHash, err = readBytes(r); err != nil {
		return nil, corruptError("coin denom hash", err)
	}
	if c.DenomSig, err = readBytes(r); err != nil {
		return nil, corruptError("coin denom sig", err)
	}
	if c.DenomValue, err = readAmount(r); err != nil {
		return nil, corruptError("coin denom value", err)
	}
	if c.CurrentAmount, err = readAmount(r); err != nil {
		return nil, corruptError("coin amount", err)
	}
	status, err := r.ReadByte()
	if err != nil {
		return nil, corruptError("coin status", err)
	}
	c.Status = CoinStatus(status)
	if c.Suspended, err = readBool(r); err != nil {
		return nil, corruptError("coin suspended flag", err)
	}
	srcType, err := r.ReadByte()
	if err != nil {
		return nil, corruptError("coin source type", err)
	}
	c.Source.Type = CoinSourceType(srcType)
	switch c.Source.Type {
	case SourceWithdraw:
		if c.Source.ReservePub, err = readBytes(r); err != nil {
			return nil, corruptError("coin source reserve", err)
		}
		if _, err := io.ReadFull(r, c.Source.GroupID[:]); err != nil {
			return nil, corruptError("coin source group id", err)
		}
		if c.Source.CoinIndex, err = readUint32(r); err != nil {
			return nil, corruptError("coin source index", err)
		}
	case SourceRefresh:
		if c.Source.OldCoinPub, err = readBytes(r); err != nil {
			return nil, corruptError("coin source old coin", err)
		}
	case SourceTip:
		if c.Source.TipID, err = readBytes(r); err != nil {
			return nil, corruptError("coin source tip id", err)
		}
	default:
		return nil, corruptError("coin source", fmt.Errorf(
			"unknown source type %d", srcType))
	}
	return c, nil
}

// InsertCoin inserts a new coin into the ledger.  Inserting a coin public
// key that already exists fails with ErrDuplicateCoin; callers rely on this
// for exactly-once coin creation.
func (m *Manager) InsertCoin(tx walletdb.Tx, c *Coin) error {
	if c.CurrentAmount.Cmp(c.DenomValue) > 0 {
		return storeError(ErrOverCredit,
			"coin amount exceeds denomination value", nil)
	}
	b, err := fetchBucket(tx, coinsBucketName)
	if err != nil {
		return err
	}
	err = b.PutNew(c.CoinPub, serializeCoin(c))
	if err == walletdb.ErrKeyExists {
		return storeError(ErrDuplicateCoin, "coin already exists", nil)
	}
	if err != nil {
		return storeError(ErrDatabase, "failed to insert coin", err)
	}
	return nil
}

// updateCoin overwrites an existing coin record.
func (m *Manager) updateCoin(tx walletdb.Tx, c *Coin) error {
	b, err := fetchBucket(tx, coinsBucketName)
	if err != nil {
		return err
	}
	if err := b.Put(c.CoinPub, serializeCoin(c)); err != nil {
		return storeError(ErrDatabase, "failed to update coin", err)
	}
	return nil
}

// GetCoin fetches the coin record by its public key.
func (m *Manager) GetCoin(tx walletdb.Tx, coinPub []byte) (*Coin, error) {
	b, err := fetchBucket(tx, coinsBucketName)
	if err != nil {
		return nil, err
	}
	serialized := b.Get(coinPub)
	if serialized == nil {
		return nil, storeError(ErrCoinNotFound, "unknown coin", nil)
	}
	return deserializeCoin(serialized)
}

// ForEachCoin invokes fn for every coin in the ledger.
func (m *Manager) ForEachCoin(tx walletdb.Tx, fn func(*Coin) error) error {
	b, err := fetchBucket(tx, coinsBucketName)
	if err != nil {
		return err
	}
	err = b.ForEach(func(k, v []byte) error {
		if v == nil {
			return nil
		}
		c, err := deserializeCoin(v)
		if err != nil {
			return err
		}
		return fn(c)
	})
	if err != nil {
		if _, ok := err.(Error); ok {
			return err
		}
		return storeError(ErrDatabase, "failed to iterate coins", err)
	}
	return nil
}

// SetCoinStatus transitions the coin's status.  Dormant -> Fresh is
// rejected; coin status is one-directional.
func (m *Manager) SetCoinStatus(tx walletdb.Tx, coinPub []byte,
	status CoinStatus) error {

	c, err := m.GetCoin(tx, coinPub)
	if err != nil {
		return err
	}
	if c.Status == CoinDormant && status == CoinFresh {
		return storeError(ErrCoinStatusReversal,
			"cannot revive a dormant coin", nil)
	}
	c.Status = status
	return m.updateCoin(tx, c)
}

// SetCoinSuspended flips the coin's suspended flag.  Suspended coins are
// skipped by the auto-refresh scan.
func (m *Manager) SetCoinSuspended(tx walletdb.Tx, coinPub []byte,
	suspended bool) error {

	c, err := m.GetCoin(tx, coinPub)
	if err != nil {
		return err
	}
	c.Suspended = suspended
	return m.updateCoin(tx, c)
}

// ZeroCoin sets the coin's current amount to zero and marks it Dormant,
// returning the previous amount.  Refresh and recoup group creation use
// this as a pessimistic lock on the coin's remaining value.
func (m *Manager) ZeroCoin(tx walletdb.Tx, coinPub []byte) (amount.Amount,
	error) {

	c, err := m.GetCoin(tx, coinPub)
	if err != nil {
		return amount.Amount{}, err
	}
	prev := c.CurrentAmount
	c.CurrentAmount = amount.Zero(prev.Currency)
	c.Status = CoinDormant
	if err := m.updateCoin(tx, c); err != nil {
		return amount.Amount{}, err
	}
	return prev, nil
}

// CreditCoin raises the coin's current amount by delta, e.g. when a recoup
// of a refreshed coin returns value to its predecessor.  The amount is
// capped by the denomination's face value; the status is left untouched, so
// the caller must follow up with a refresh of the credited coin.
func (m *Manager) CreditCoin(tx walletdb.Tx, coinPub []byte,
	delta amount.Amount) error {

	c, err := m.GetCoin(tx, coinPub)
	if err != nil {
		return err
	}
	credited, err := c.CurrentAmount.Add(delta)
	if err != nil {
		return storeError(ErrDatabase, "failed to credit coin", err)
	}
	if credited.Cmp(c.DenomValue) > 0 {
		return storeError(ErrOverCredit,
			"credit would exceed denomination value", nil)
	}
	c.CurrentAmount = credited
	return m.updateCoin(tx, c)
}
