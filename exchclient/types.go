// Copyright (c) 2025 The talersuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package exchclient

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"time"

	"github.com/talersuite/talerwallet/amount"
)

// HexBytes is a byte slice that marshals to and from lowercase hex in JSON.
// All keys, hashes and signatures on the wire use this encoding.
type HexBytes []byte

// MarshalJSON encodes the bytes as a hex string.
func (h HexBytes) MarshalJSON() ([]byte, error) {
	return []byte(strconv.Quote(hex.EncodeToString(h))), nil
}

// UnmarshalJSON decodes a hex string.
func (h *HexBytes) UnmarshalJSON(data []byte) error {
	s, err := strconv.Unquote(string(data))
	if err != nil {
		return fmt.Errorf("exchclient: invalid hex field: %s", data)
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return fmt.Errorf("exchclient: invalid hex field: %q", s)
	}
	*h = b
	return nil
}

// SigningKey is one of the exchange's online signing keys, certified by the
// master key.
type SigningKey struct {
	Key         HexBytes  `json:"key"`
	StampStart  time.Time `json:"stamp_start"`
	StampExpire time.Time `json:"stamp_expire"`
	MasterSig   HexBytes  `json:"master_sig"`
}

// DenomInfo describes one denomination offered by the exchange.
type DenomInfo struct {
	DenomPub            HexBytes      `json:"denom_pub"`
	Value               amount.Amount `json:"value"`
	FeeWithdraw         amount.Amount `json:"fee_withdraw"`
	FeeDeposit          amount.Amount `json:"fee_deposit"`
	FeeRefresh          amount.Amount `json:"fee_refresh"`
	FeeRefund           amount.Amount `json:"fee_refund"`
	StampStart          time.Time     `json:"stamp_start"`
	StampExpireWithdraw time.Time     `json:"stamp_expire_withdraw"`
	StampExpireDeposit  time.Time     `json:"stamp_expire_deposit"`
	StampExpireLegal    time.Time     `json:"stamp_expire_legal"`
	MasterSig           HexBytes      `json:"master_sig"`
}

// RevokedDenom identifies a revoked denomination by its public key hash.
type RevokedDenom struct {
	HDenomPub HexBytes `json:"h_denom_pub"`
}

// Auditor describes an auditor vouching for the exchange.
type Auditor struct {
	Name       string   `json:"name"`
	URL        string   `json:"url"`
	AuditorPub HexBytes `json:"auditor_pub"`
}

// KeysResponse is the result of GET /keys.
type KeysResponse struct {
	Version       string       `json:"version"`
	Currency      string       `json:"currency"`
	MasterPub     HexBytes     `json:"master_public_key"`
	SigningKeys   []SigningKey `json:"signkeys"`
	Denoms        []DenomInfo  `json:"denoms"`
	Recoup        []RevokedDenom `json:"recoup"`
	Auditors      []Auditor    `json:"auditors"`
	ListIssueDate time.Time    `json:"list_issue_date"`
}

// WireAccount is one bank account of the exchange, certified by the master
// key.
type WireAccount struct {
	PaytoURI  string   `json:"payto_uri"`
	MasterSig HexBytes `json:"master_sig"`
}

// WireFee is the fee schedule of one wire method for one validity period.
type WireFee struct {
	WireFee    amount.Amount `json:"wire_fee"`
	ClosingFee amount.Amount `json:"closing_fee"`
	StampStart time.Time     `json:"start_date"`
	StampEnd   time.Time     `json:"end_date"`
	Sig        HexBytes      `json:"sig"`
}

// WireResponse is the result of GET /wire.
type WireResponse struct {
	Accounts []WireAccount        `json:"accounts"`
	Fees     map[string][]WireFee `json:"fees"`
}

// TermsResponse is the result of GET /terms.  NotModified is set when the
// exchange answered 304 for the ETag we already have.
type TermsResponse struct {
	Text        string
	ETag        string
	NotModified bool
}

// Reserve history item types as reported by the exchange.
const (
	ReserveHistoryCredit   = "CREDIT"
	ReserveHistoryWithdraw = "WITHDRAW"
	ReserveHistoryRecoup   = "RECOUP"
	ReserveHistoryClosing  = "CLOSING"
)

// ReserveHistoryItem is one entry of a reserve's transaction history.
type ReserveHistoryItem struct {
	Type   string        `json:"type"`
	Amount amount.Amount `json:"amount"`
}

// ReserveStatusResponse is the result of GET /reserves/{reservePub}.
type ReserveStatusResponse struct {
	Balance amount.Amount        `json:"balance"`
	History []ReserveHistoryItem `json:"history"`
}

// WithdrawRequest is the body of POST /reserves/{reservePub}/withdraw.
type WithdrawRequest struct {
	DenomPubHash HexBytes `json:"denom_pub_hash"`
	CoinEv       HexBytes `json:"coin_ev"`
	ReserveSig   HexBytes `json:"reserve_sig"`
}

// WithdrawResponse carries the exchange's blind signature over the coin
// envelope.
type WithdrawResponse struct {
	EvSig HexBytes `json:"ev_sig"`
}

// MeltRequest is the body of POST /coins/{coinPub}/melt.
type MeltRequest struct {
	DenomPubHash HexBytes      `json:"denom_pub_hash"`
	DenomSig     HexBytes      `json:"denom_sig"`
	ConfirmSig   HexBytes      `json:"confirm_sig"`
	ValueWithFee amount.Amount `json:"value_with_fee"`
	// Rc is the refresh commitment (session hash) identifying the
	// session in the later reveal step.
	Rc HexBytes `json:"rc"`
}

// MeltResponse carries the exchange's chosen noreveal index.
type MeltResponse struct {
	NorevealIndex uint32   `json:"noreveal_index"`
	ExchangeSig   HexBytes `json:"exchange_sig"`
}

// RevealRequest is the body of POST /refreshes/{rc}/reveal.
type RevealRequest struct {
	// TransferPrivs are the Kappa-1 disclosed transfer private keys.
	TransferPrivs []HexBytes `json:"transfer_privs"`
	// TransferPub is the transfer public key of the hidden transcript.
	TransferPub HexBytes `json:"transfer_pub"`
	// NewDenomHashes, CoinEvs and LinkSigs describe the new coins of the
	// hidden transcript, in plan order.
	NewDenomHashes []HexBytes `json:"new_denoms_h"`
	CoinEvs        []HexBytes `json:"coin_evs"`
	LinkSigs       []HexBytes `json:"link_sigs"`
}

// RevealResponse carries the blind signatures over the new coins, in the
// order of the request.
type RevealResponse struct {
	EvSigs []HexBytes `json:"ev_sigs"`
}

// RecoupRequest is the body of POST /coins/{coinPub}/recoup.
type RecoupRequest struct {
	DenomPubHash HexBytes `json:"denom_pub_hash"`
	DenomSig     HexBytes `json:"denom_sig"`
	CoinBlindKey HexBytes `json:"coin_blind_key_secret"`
	CoinSig      HexBytes `json:"coin_sig"`
	// Refreshed is true when the coin came from a refresh rather than a
	// withdrawal, selecting the old-coin-credit variant of the protocol.
	Refreshed bool `json:"refreshed"`
}

// RecoupResponse reports where the recouped value was credited.
type RecoupResponse struct {
	// ReservePub is set for withdrawn coins: the reserve that was
	// credited.
	ReservePub HexBytes `json:"reserve_pub,omitempty"`
	// OldCoinPub is set for refreshed coins: the melted coin that was
	// credited.
	OldCoinPub HexBytes `json:"old_coin_pub,omitempty"`
}

// BankRegisterRequest is the body of POST {bankStatusUrl}, announcing the
// wallet's reserve selection to the bank.
type BankRegisterRequest struct {
	ReservePub       HexBytes `json:"reserve_pub"`
	SelectedExchange string   `json:"selected_exchange"`
}

// BankWithdrawalStatus is the result of GET {bankStatusUrl}.
type BankWithdrawalStatus struct {
	SelectionDone     bool          `json:"selection_done"`
	TransferDone      bool          `json:"transfer_done"`
	Aborted           bool          `json:"aborted"`
	Amount            amount.Amount `json:"amount"`
	SuggestedExchange string        `json:"suggested_exchange,omitempty"`
	ConfirmTransferURL string       `json:"confirm_transfer_url,omitempty"`
}
