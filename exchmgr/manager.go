// Copyright (c) 2025 The talersuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package exchmgr implements the exchange directory: per-exchange cached
// protocol metadata (denominations, signing keys, wire accounts, fees,
// terms of service) together with the validation rules that decide which
// denominations the wallet may use.  All records live in walletdb buckets
// and are only mutated inside the caller's transaction, so directory updates
// compose atomically with coin and reserve mutations.
package exchmgr

import (
	"bytes"
	"crypto/ed25519"
	"fmt"
	"time"

	"github.com/lightninglabs/neutrino/cache/lru"
	"github.com/talersuite/talerwallet/amount"
	"github.com/talersuite/talerwallet/retry"
	"github.com/talersuite/talerwallet/talercrypto"
	"github.com/talersuite/talerwallet/walletdb"
)

// UpdateStatus tracks an exchange record's position in the metadata update
// pipeline.  Each state performs one idempotent network call; failures leave
// the state unchanged so the retry controller re-attempts the same step.
type UpdateStatus uint8

const (
	// StatusFetchKeys means /keys must be fetched next.
	StatusFetchKeys UpdateStatus = iota

	// StatusFetchWire means /wire must be fetched next.
	StatusFetchWire

	// StatusFetchTerms means /terms must be fetched next.
	StatusFetchTerms

	// StatusFinalizeUpdate means all data is fetched and the update is
	// being committed.
	StatusFinalizeUpdate

	// StatusFinished means the exchange metadata is up to date.
	StatusFinished
)

// updateStatusStrings maps update states to names for logging.
var updateStatusStrings = map[UpdateStatus]string{
	StatusFetchKeys:      "FetchKeys",
	StatusFetchWire:      "FetchWire",
	StatusFetchTerms:     "FetchTerms",
	StatusFinalizeUpdate: "FinalizeUpdate",
	StatusFinished:       "Finished",
}

// String returns the update status as a human-readable name.
func (s UpdateStatus) String() string {
	if str, ok := updateStatusStrings[s]; ok {
		return str
	}
	return fmt.Sprintf("Unknown UpdateStatus (%d)", uint8(s))
}

// SigningKey is one exchange online signing key certified by the master key.
type SigningKey struct {
	Key         []byte
	StampStart  time.Time
	StampExpire time.Time
	MasterSig   []byte
}

// Auditor describes an auditor vouching for the exchange.
type Auditor struct {
	Name       string
	URL        string
	AuditorPub []byte
}

// Details is the exchange metadata obtained from /keys.
type Details struct {
	Currency        string
	MasterPub       []byte
	ProtocolVersion string
	SigningKeys     []SigningKey
	Auditors        []Auditor
}

// WireAccount is one bank account of the exchange, verified against the
// master key before it is stored.
type WireAccount struct {
	PaytoURI  string
	MasterSig []byte
}

// WireFee is one verified wire-fee period.
type WireFee struct {
	WireFee    amount.Amount
	ClosingFee amount.Amount
	StampStart time.Time
	StampEnd   time.Time
	Sig        []byte
}

// WireInfo holds the exchange's verified bank accounts and per-method fee
// schedules from /wire.
type WireInfo struct {
	Accounts []WireAccount
	Fees     map[string][]WireFee
}

// Exchange is the directory record for one exchange base URL.
type Exchange struct {
	// BaseURL is the record key.
	BaseURL string

	// Status is the update pipeline state.
	Status UpdateStatus

	// Details is nil until the first successful key fetch.
	Details *Details

	// Wire is nil until the first successful wire fetch.
	Wire *WireInfo

	// TermsText and TermsEtag cache the current terms of service;
	// AcceptedTermsEtag is the version the user has accepted.
	TermsText         string
	TermsEtag         string
	AcceptedTermsEtag string

	// NextRefresh is when the cached metadata must be refreshed.
	NextRefresh time.Time

	// LastError caches the most recent update failure for inspection.
	LastError string

	// Retry tracks the update pipeline's retry schedule.
	Retry retry.Info
}

// DenomStatus is the verification state of a denomination's master
// signature.
type DenomStatus uint8

const (
	// DenomUnverified means the master signature has not been checked
	// yet.  Unverified denominations may still be selected; they are
	// verified before first use.
	DenomUnverified DenomStatus = iota

	// DenomVerifiedGood means the master signature checked out.
	DenomVerifiedGood

	// DenomVerifiedBad means the master signature was invalid.  Such a
	// denomination must never be selected.
	DenomVerifiedBad
)

// denomStatusStrings maps denomination statuses to names.
var denomStatusStrings = map[DenomStatus]string{
	DenomUnverified:   "Unverified",
	DenomVerifiedGood: "VerifiedGood",
	DenomVerifiedBad:  "VerifiedBad",
}

// String returns the denomination status as a human-readable name.
func (s DenomStatus) String() string {
	if str, ok := denomStatusStrings[s]; ok {
		return str
	}
	return fmt.Sprintf("Unknown DenomStatus (%d)", uint8(s))
}

// Denomination is the directory record for one (exchange, denomination key)
// pair.
type Denomination struct {
	ExchangeBaseURL string
	DenomPub        []byte
	DenomPubHash    []byte

	Value       amount.Amount
	FeeWithdraw amount.Amount
	FeeDeposit  amount.Amount
	FeeRefresh  amount.Amount
	FeeRefund   amount.Amount

	StampStart          time.Time
	StampExpireWithdraw time.Time
	StampExpireDeposit  time.Time
	StampExpireLegal    time.Time

	MasterSig []byte
	Status    DenomStatus
	IsRevoked bool
	IsOffered bool
}

// Usable reports whether the denomination may be selected for withdrawal or
// refresh at the given time: offered, not revoked, not VerifiedBad, and
// within its withdrawal validity window.
func (d *Denomination) Usable(now time.Time) bool {
	if d.IsRevoked || d.Status == DenomVerifiedBad || !d.IsOffered {
		return false
	}
	if now.Before(d.StampStart) {
		return false
	}
	if !d.StampExpireWithdraw.IsZero() &&
		!now.Before(d.StampExpireWithdraw) {

		return false
	}
	return true
}

// verifiedSig is the LRU cache entry for a checked master signature.
type verifiedSig struct {
	status DenomStatus
}

// Size implements cache.Value; entries are counted, not measured.
func (v *verifiedSig) Size() (uint64, error) {
	return 1, nil
}

// denomSigCacheSize bounds the verification cache.  Signature checks are
// pure, so cached results never go stale.
const denomSigCacheSize = 4096

// Manager provides access to the exchange directory.  It is safe for
// concurrent use; all persistent state lives in the caller's database
// transaction.
type Manager struct {
	sigCache *lru.Cache[string, *verifiedSig]
}

// NewManager creates an exchange directory manager.
func NewManager() *Manager {
	return &Manager{
		sigCache: lru.NewCache[string, *verifiedSig](denomSigCacheSize),
	}
}

// VerifyDenomination checks the denomination's master signature and returns
// the resulting status.  Results are memoized per denomination hash since
// the check is pure.
func (m *Manager) VerifyDenomination(d *Denomination,
	masterPub []byte) DenomStatus {

	cacheKey := string(d.DenomPubHash) + "|" + string(masterPub)
	if v, err := m.sigCache.Get(cacheKey); err == nil && v != nil {
		return v.status
	}

	status := DenomVerifiedBad
	ok := talercrypto.IsValidDenom(
		ed25519.PublicKey(masterPub), d.MasterSig, d.Value.Currency,
		d.DenomPubHash, d.Value, d.FeeWithdraw, d.FeeDeposit,
		d.FeeRefresh, d.FeeRefund, d.StampStart, d.StampExpireWithdraw,
		d.StampExpireDeposit, d.StampExpireLegal,
	)
	if ok {
		status = DenomVerifiedGood
	}
	if _, err := m.sigCache.Put(cacheKey, &verifiedSig{status: status}); err != nil {
		log.Debugf("denomination signature cache put failed: %v", err)
	}
	return status
}

// AcceptTermsOfService records the accepted terms ETag for the exchange.
// It does not re-fetch the terms.
func (m *Manager) AcceptTermsOfService(tx walletdb.Tx, baseURL,
	etag string) error {

	exch, err := m.GetExchange(tx, baseURL)
	if err != nil {
		return err
	}
	exch.AcceptedTermsEtag = etag
	return m.PutExchange(tx, exch)
}

// MarkDenominationRevoked flags the denomination as revoked.  The returned
// flag reports whether the denomination was already revoked, letting the
// revocation ingest skip recoup scheduling idempotently.
func (m *Manager) MarkDenominationRevoked(tx walletdb.Tx, baseURL string,
	denomPubHash []byte) (bool, error) {

	d, err := m.GetDenomination(tx, baseURL, denomPubHash)
	if err != nil {
		return false, err
	}
	if d.IsRevoked {
		return true, nil
	}
	d.IsRevoked = true
	if err := m.PutDenomination(tx, d); err != nil {
		return false, err
	}
	log.Warnf("Denomination %x of exchange %s revoked", denomPubHash[:8],
		baseURL)
	return false, nil
}

// UsableDenominations returns the denominations of the exchange that may be
// selected at the given time, verifying any still-unverified master
// signatures on the way.  Denominations that fail verification are persisted
// as VerifiedBad so they are never offered again.
func (m *Manager) UsableDenominations(tx walletdb.Tx, baseURL string,
	now time.Time) ([]*Denomination, error) {

	exch, err := m.GetExchange(tx, baseURL)
	if err != nil {
		return nil, err
	}
	if exch.Details == nil {
		return nil, nil
	}

	var usable []*Denomination
	err = m.ForEachDenomination(tx, baseURL, func(d *Denomination) error {
		if !d.Usable(now) {
			return nil
		}
		if d.Status == DenomUnverified {
			d.Status = m.VerifyDenomination(d, exch.Details.MasterPub)
			if err := m.PutDenomination(tx, d); err != nil {
				return err
			}
			if d.Status == DenomVerifiedBad {
				log.Errorf("Denomination %x of %s has an "+
					"invalid master signature",
					d.DenomPubHash[:8], baseURL)
				return nil
			}
		}
		usable = append(usable, d)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return usable, nil
}

// serializeExchange encodes an exchange record.
func serializeExchange(e *Exchange) ([]byte, error) {
	var buf bytes.Buffer
	putString(&buf, e.BaseURL)
	buf.WriteByte(byte(e.Status))

	if e.Details != nil {
		putBool(&buf, true)
		detailsBytes, err := tlvEncodeDetails(e.Details)
		if err != nil {
			return nil, err
		}
		putBytes(&buf, detailsBytes)
	} else {
		putBool(&buf, false)
	}

	if e.Wire != nil {
		putBool(&buf, true)
		serializeWireInfo(&buf, e.Wire)
	} else {
		putBool(&buf, false)
	}

	putString(&buf, e.TermsText)
	putString(&buf, e.TermsEtag)
	putString(&buf, e.AcceptedTermsEtag)
	putTime(&buf, e.NextRefresh)
	putString(&buf, e.LastError)
	e.Retry.Write(&buf)
	return buf.Bytes(), nil
}

// deserializeExchange decodes an exchange record.
func deserializeExchange(data []byte) (*Exchange, error) {
	r := bytes.NewReader(data)
	e := &Exchange{}
	var err error
	if e.BaseURL, err = readString(r); err != nil {
		return nil, corruptError("exchange base URL", err)
	}
	status, err := r.ReadByte()
	if err != nil {
		return nil, corruptError("exchange status", err)
	}
	e.Status = UpdateStatus(status)

	hasDetails, err := readBool(r)
	if err != nil {
		return nil, corruptError("exchange details flag", err)
	}
	if hasDetails {
		detailsBytes, err := readBytes(r)
		if err != nil {
			return nil, corruptError("exchange details", err)
		}
		if e.Details, err = tlvDecodeDetails(detailsBytes); err != nil {
			return nil, corruptError("exchange details", err)
		}
	}

	hasWire, err := readBool(r)
	if err != nil {
		return nil, corruptError("exchange wire flag", err)
	}
	if hasWire {
		if e.Wire, err = deserializeWireInfo(r); err != nil {
			return nil, corruptError("exchange wire info", err)
		}
	}

	if e.TermsText, err = readString(r); err != nil {
		return nil, corruptError("exchange terms", err)
	}
	if e.TermsEtag, err = readString(r); err != nil {
		return nil, corruptError("exchange terms etag", err)
	}
	if e.AcceptedTermsEtag, err = readString(r); err != nil {
		return nil, corruptError("exchange accepted etag", err)
	}
	if e.NextRefresh, err = readTime(r); err != nil {
		return nil, corruptError("exchange next refresh", err)
	}
	if e.LastError, err = readString(r); err != nil {
		return nil, corruptError("exchange last error", err)
	}
	if err = e.Retry.Read(r); err != nil {
		return nil, corruptError("exchange retry state", err)
	}
	return e, nil
}

// serializeWireInfo appends the wire info encoding to the buffer.
func serializeWireInfo(buf *bytes.Buffer, w *WireInfo) {
	putUint32(buf, uint32(len(w.Accounts)))
	for _, acct := range w.Accounts {
		putString(buf, acct.PaytoURI)
		putBytes(buf, acct.MasterSig)
	}
	putUint32(buf, uint32(len(w.Fees)))
	for method, fees := range w.Fees {
		putString(buf, method)
		putUint32(buf, uint32(len(fees)))
		for _, fee := range fees {
			putAmount(buf, fee.WireFee)
			putAmount(buf, fee.ClosingFee)
			putTime(buf, fee.StampStart)
			putTime(buf, fee.StampEnd)
			putBytes(buf, fee.Sig)
		}
	}
}

// deserializeWireInfo decodes the wire info encoding.
func deserializeWireInfo(r *bytes.Reader) (*WireInfo, error) {
	w := &WireInfo{Fees: make(map[string][]WireFee)}
	numAccounts, err := readUint32(r)
	if err != nil {
		return nil, err
	}
	for i := uint32(0); i < numAccounts; i++ {
		var acct WireAccount
		if acct.PaytoURI, err = readString(r); err != nil {
			return nil, err
		}
		if acct.MasterSig, err = readBytes(r); err != nil {
			return nil, err
		}
		w.Accounts = append(w.Accounts, acct)
	}
	numMethods, err := readUint32(r)
	if err != nil {
		return nil, err
	}
	for i := uint32(0); i < numMethods; i++ {
		method, err := readString(r)
		if err != nil {
			return nil, err
		}
		numFees, err := readUint32(r)
		if err != nil {
			return nil, err
		}
		fees := make([]WireFee, 0, numFees)
		for j := uint32(0); j < numFees; j++ {
			var fee WireFee
			if fee.WireFee, err = readAmount(r); err != nil {
				return nil, err
			}
			if fee.ClosingFee, err = readAmount(r); err != nil {
				return nil, err
			}
			if fee.StampStart, err = readTime(r); err != nil {
				return nil, err
			}
			if fee.StampEnd, err = readTime(r); err != nil {
				return nil, err
			}
			if fee.Sig, err = readBytes(r); err != nil {
				return nil, err
			}
			fees = append(fees, fee)
		}
		w.Fees[method] = fees
	}
	return w, nil
}

// serializeDenomination encodes a denomination record.
func serializeDenomination(d *Denomination) []byte {
	var buf bytes.Buffer
	putString(&buf, d.ExchangeBaseURL)
	putBytes(&buf, d.DenomPub)
	putBytes(&buf, d.DenomPubHash)
	putAmount(&buf, d.Value)
	putAmount(&buf, d.FeeWithdraw)
	putAmount(&buf, d.FeeDeposit)
	putAmount(&buf, d.FeeRefresh)
	putAmount(&buf, d.FeeRefund)
	putTime(&buf, d.StampStart)
	putTime(&buf, d.StampExpireWithdraw)
	putTime(&buf, d.StampExpireDeposit)
	putTime(&buf, d.StampExpireLegal)
	putBytes(&buf, d.MasterSig)
	buf.WriteByte(byte(d.Status))
	putBool(&buf, d.IsRevoked)
	putBool(&buf, d.IsOffered)
	return buf.Bytes()
}

// deserializeDenomination decodes a denomination record.
func deserializeDenomination(data []byte) (*Denomination, error) {
	r := bytes.NewReader(data)
	d := &Denomination{}
	var err error
	if d.ExchangeBaseURL, err = readString(r); err != nil {
		return nil, corruptError("denom exchange", err)
	}
	if d.DenomPub, err = readBytes(r); err != nil {
		return nil, corruptError("denom pub", err)
	}
	if d.DenomPubHash, err = readBytes(r); err != nil {
		return nil, corruptError("denom pub hash", err)
	}
	if d.Value, err = readAmount(r); err != nil {
		return nil, corruptError("denom value", err)
	}
	if d.FeeWithdraw, err = readAmount(r); err != nil {
		return nil, corruptError("denom fee withdraw", err)
	}
	if d.FeeDeposit, err = readAmount(r); err != nil {
		return nil, corruptError("denom fee deposit", err)
	}
	if d.FeeRefresh, err = readAmount(r); err != nil {
		return nil, corruptError("denom fee refresh", err)
	}
	if d.FeeRefund, err = readAmount(r); err != nil {
		return nil, corruptError("denom fee refund", err)
	}
	if d.StampStart, err = readTime(r); err != nil {
		return nil, corruptError("denom stamp start", err)
	}
	if d.StampExpireWithdraw, err = readTime(r); err != nil {
		return nil, corruptError("denom stamp expire withdraw", err)
	}
	if d.StampExpireDeposit, err = readTime(r); err != nil {
		return nil, corruptError("denom stamp expire deposit", err)
	}
	if d.StampExpireLegal, err = readTime(r); err != nil {
		return nil, corruptError("denom stamp expire legal", err)
	}
	if d.MasterSig, err = readBytes(r); err != nil {
		return nil, corruptError("denom master sig", err)
	}
	status, err := r.ReadByte()
	if err != nil {
		return nil, corruptError("denom status", err)
	}
	d.Status = DenomStatus(status)
	if d.IsRevoked, err = readBool(r); err != nil {
		return nil, corruptError("denom revoked flag", err)
	}
	if d.IsOffered, err = readBool(r); err != nil {
		return nil, corruptError("denom offered flag", err)
	}
	return d, nil
}

// corruptError wraps a decoding failure.
func corruptError(what string, err error) error {
	return managerError(ErrCorrupt, "failed to decode "+what, err)
}
