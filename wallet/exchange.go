// Copyright (c) 2025 The talersuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wallet

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/talersuite/talerwallet/coinmgr"
	"github.com/talersuite/talerwallet/exchclient"
	"github.com/talersuite/talerwallet/exchmgr"
	"github.com/talersuite/talerwallet/talercrypto"
	"github.com/talersuite/talerwallet/walletdb"
)

// defaultKeysExpiry is how long fetched exchange metadata stays fresh before
// the scheduler triggers a natural refresh.
const defaultKeysExpiry = time.Hour

// ErrIncompatibleExchange is returned when the exchange speaks a protocol
// version the wallet cannot talk to.
var ErrIncompatibleExchange = errors.New(
	"wallet: exchange protocol version incompatible")

// parseProtocolVersion splits a libtool-style current:revision:age triple.
func parseProtocolVersion(v string) (current, revision, age int, err error) {
	parts := strings.Split(v, ":")
	if len(parts) != 3 {
		return 0, 0, 0, fmt.Errorf("wallet: malformed version %q", v)
	}
	nums := make([]int, 3)
	for i, p := range parts {
		nums[i], err = strconv.Atoi(p)
		if err != nil {
			return 0, 0, 0, fmt.Errorf(
				"wallet: malformed version %q", v)
		}
	}
	return nums[0], nums[1], nums[2], nil
}

// versionsCompatible reports whether two current:revision:age triples have
// overlapping supported ranges: each side supports [current-age, current].
func versionsCompatible(a, b string) bool {
	ac, _, aa, err := parseProtocolVersion(a)
	if err != nil {
		return false
	}
	bc, _, ba, err := parseProtocolVersion(b)
	if err != nil {
		return false
	}
	return ac-aa <= bc && bc-ba <= ac
}

// UpdateExchange ensures the exchange record exists and is due for a
// metadata update.  With force, a Finished record is reset back to FetchKeys
// unless its cached metadata has already expired, in which case the natural
// refresh is underway anyway.  The actual pipeline runs on the scheduler.
func (w *Wallet) UpdateExchange(baseURL string, force bool) error {
	now := time.Now()
	err := w.db.Update(func(tx walletdb.Tx) error {
		exch, err := w.exchMgr.GetExchange(tx, baseURL)
		if exchmgr.IsError(err, exchmgr.ErrExchangeNotFound) {
			exch = &exchmgr.Exchange{
				BaseURL: baseURL,
				Status:  exchmgr.StatusFetchKeys,
			}
			exch.Retry.Start(now)
			return w.exchMgr.PutExchange(tx, exch)
		}
		if err != nil {
			return err
		}

		// A natural expiry-driven refresh restarts the pipeline on
		// its own; force only matters before that point.
		naturalRefreshDue := !exch.NextRefresh.IsZero() &&
			!exch.NextRefresh.After(now)
		if exch.Status == exchmgr.StatusFinished &&
			(force || naturalRefreshDue) {

			exch.Status = exchmgr.StatusFetchKeys
			exch.Retry.Reset(now)
			return w.exchMgr.PutExchange(tx, exch)
		}
		if !exch.Retry.Active {
			exch.Retry.Start(now)
			return w.exchMgr.PutExchange(tx, exch)
		}
		return nil
	})
	if err != nil {
		return err
	}
	w.Wake()
	return nil
}

// processExchange drives the exchange's update pipeline: each invocation
// walks as many states as it can, persisting after every successful step so
// a failure resumes at the failed state.
func (w *Wallet) processExchange(ctx context.Context, baseURL string) error {
	for {
		var status exchmgr.UpdateStatus
		var counter uint32
		err := w.db.View(func(tx walletdb.Tx) error {
			exch, err := w.exchMgr.GetExchange(tx, baseURL)
			if err != nil {
				return err
			}
			status = exch.Status
			counter = exch.Retry.Counter
			return nil
		})
		if err != nil {
			return err
		}

		timeout := exchclient.TimeoutForRetry(counter)
		switch status {
		case exchmgr.StatusFetchKeys:
			err = w.exchangeFetchKeys(ctx, baseURL, timeout)
		case exchmgr.StatusFetchWire:
			err = w.exchangeFetchWire(ctx, baseURL, timeout)
		case exchmgr.StatusFetchTerms:
			err = w.exchangeFetchTerms(ctx, baseURL, timeout)
		case exchmgr.StatusFinalizeUpdate:
			err = w.exchangeFinalize(baseURL)
		case exchmgr.StatusFinished:
			return nil
		default:
			return fmt.Errorf("wallet: unknown exchange update "+
				"status %v", status)
		}
		if err != nil {
			return err
		}
	}
}

// exchangeFetchKeys performs the FetchKeys step: fetch /keys, validate it,
// store the details and denominations, and ingest revocations.
func (w *Wallet) exchangeFetchKeys(ctx context.Context, baseURL string,
	timeout time.Duration) error {

	keys, err := w.client.GetKeys(ctx, baseURL, timeout)
	if err != nil {
		return err
	}
	if len(keys.Denoms) == 0 {
		return errors.New("wallet: exchange offers no denominations")
	}
	if !versionsCompatible(exchclient.ProtocolVersion, keys.Version) {
		return fmt.Errorf("%w: exchange speaks %q",
			ErrIncompatibleExchange, keys.Version)
	}

	var recoupGroups []coinmgr.GroupID
	err = w.db.Update(func(tx walletdb.Tx) error {
		exch, err := w.exchMgr.GetExchange(tx, baseURL)
		if err != nil {
			return err
		}
		if exch.Details != nil &&
			exch.Details.Currency != keys.Currency {

			return fmt.Errorf("wallet: exchange currency changed "+
				"from %s to %s", exch.Details.Currency,
				keys.Currency)
		}

		details := &exchmgr.Details{
			Currency:        keys.Currency,
			MasterPub:       keys.MasterPub,
			ProtocolVersion: keys.Version,
		}
		for _, sk := range keys.SigningKeys {
			details.SigningKeys = append(details.SigningKeys,
				exchmgr.SigningKey{
					Key:         sk.Key,
					StampStart:  sk.StampStart,
					StampExpire: sk.StampExpire,
					MasterSig:   sk.MasterSig,
				})
		}
		for _, a := range keys.Auditors {
			details.Auditors = append(details.Auditors,
				exchmgr.Auditor{
					Name:       a.Name,
					URL:        a.URL,
					AuditorPub: a.AuditorPub,
				})
		}
		exch.Details = details

		// Upsert the offered denominations.  Known denominations keep
		// their verification status; unknown ones start Unverified.
		offered := make(map[string]struct{}, len(keys.Denoms))
		for _, di := range keys.Denoms {
			hash := talercrypto.HashDenomPub(di.DenomPub)
			offered[string(hash)] = struct{}{}
			d, err := w.exchMgr.GetDenomination(tx, baseURL, hash)
			if exchmgr.IsError(err, exchmgr.ErrDenomNotFound) {
				d = &exchmgr.Denomination{
					ExchangeBaseURL: baseURL,
					DenomPub:        di.DenomPub,
					DenomPubHash:    hash,
				}
			} else if err != nil {
				return err
			}
			d.Value = di.Value
			d.FeeWithdraw = di.FeeWithdraw
			d.FeeDeposit = di.FeeDeposit
			d.FeeRefresh = di.FeeRefresh
			d.FeeRefund = di.FeeRefund
			d.StampStart = di.StampStart
			d.StampExpireWithdraw = di.StampExpireWithdraw
			d.StampExpireDeposit = di.StampExpireDeposit
			d.StampExpireLegal = di.StampExpireLegal
			d.MasterSig = di.MasterSig
			d.IsOffered = true
			if err := w.exchMgr.PutDenomination(tx, d); err != nil {
				return err
			}
		}

		// Denominations that dropped off the list are no longer
		// offered for new withdrawals.
		err = w.exchMgr.ForEachDenomination(tx, baseURL,
			func(d *exchmgr.Denomination) error {
				if _, ok := offered[string(d.DenomPubHash)]; ok {
					return nil
				}
				if !d.IsOffered {
					return nil
				}
				d.IsOffered = false
				return w.exchMgr.PutDenomination(tx, d)
			})
		if err != nil {
			return err
		}

		// Ingest the revocation list: newly revoked denominations get
		// their coins queued for recoup.  Already-revoked ones are
		// skipped so the ingest is idempotent.
		for _, rev := range keys.Recoup {
			groupID, err := w.ingestRevocation(
				tx, baseURL, rev.HDenomPub,
			)
			if err != nil {
				return err
			}
			if groupID != nil {
				recoupGroups = append(recoupGroups, *groupID)
			}
		}

		exch.Status = exchmgr.StatusFetchWire
		return w.exchMgr.PutExchange(tx, exch)
	})
	if err != nil {
		return err
	}

	for _, id := range recoupGroups {
		log.Infof("Revocation by %s queued recoup group %v", baseURL, id)
	}
	if len(recoupGroups) > 0 {
		w.Wake()
	}
	return nil
}

// ingestRevocation marks one denomination revoked and, if it was not
// already, creates a recoup group for all coins referencing it.  The
// returned id is nil when no group was needed.
func (w *Wallet) ingestRevocation(tx walletdb.Tx, baseURL string,
	denomPubHash []byte) (*coinmgr.GroupID, error) {

	_, err := w.exchMgr.GetDenomination(tx, baseURL, denomPubHash)
	if exchmgr.IsError(err, exchmgr.ErrDenomNotFound) {
		// Revocation of a denomination we never saw; nothing to do.
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	alreadyRevoked, err := w.exchMgr.MarkDenominationRevoked(
		tx, baseURL, denomPubHash,
	)
	if err != nil {
		return nil, err
	}
	if alreadyRevoked {
		return nil, nil
	}

	var affected [][]byte
	err = w.coinMgr.ForEachCoin(tx, func(c *coinmgr.Coin) error {
		if c.ExchangeBaseURL == baseURL &&
			bytes.Equal(c.DenomPubHash, denomPubHash) {

			affected = append(affected, c.CoinPub)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(affected) == 0 {
		return nil, nil
	}

	id, err := w.createRecoupGroupTx(tx, baseURL, affected)
	if err != nil {
		return nil, err
	}
	return &id, nil
}

// exchangeFetchWire performs the FetchWire step: fetch /wire and verify
// every account and fee record against the master key.  Any verification
// failure fails the whole attempt.
func (w *Wallet) exchangeFetchWire(ctx context.Context, baseURL string,
	timeout time.Duration) error {

	wire, err := w.client.GetWire(ctx, baseURL, timeout)
	if err != nil {
		return err
	}

	return w.db.Update(func(tx walletdb.Tx) error {
		exch, err := w.exchMgr.GetExchange(tx, baseURL)
		if err != nil {
			return err
		}
		if exch.Details == nil {
			return errors.New("wallet: wire fetch before key fetch")
		}
		masterPub := ed25519.PublicKey(exch.Details.MasterPub)

		info := &exchmgr.WireInfo{
			Fees: make(map[string][]exchmgr.WireFee),
		}
		for _, acct := range wire.Accounts {
			if !talercrypto.IsValidWireAccount(
				masterPub, acct.MasterSig, acct.PaytoURI,
			) {
				return fmt.Errorf("wallet: invalid master "+
					"signature on wire account %s",
					acct.PaytoURI)
			}
			info.Accounts = append(info.Accounts,
				exchmgr.WireAccount{
					PaytoURI:  acct.PaytoURI,
					MasterSig: acct.MasterSig,
				})
		}
		for method, fees := range wire.Fees {
			for _, fee := range fees {
				if !talercrypto.IsValidWireFee(
					masterPub, fee.Sig, method,
					fee.WireFee, fee.ClosingFee,
					fee.StampStart, fee.StampEnd,
				) {
					return fmt.Errorf("wallet: invalid "+
						"master signature on %s wire "+
						"fee", method)
				}
				info.Fees[method] = append(info.Fees[method],
					exchmgr.WireFee{
						WireFee:    fee.WireFee,
						ClosingFee: fee.ClosingFee,
						StampStart: fee.StampStart,
						StampEnd:   fee.StampEnd,
						Sig:        fee.Sig,
					})
			}
		}

		exch.Wire = info
		exch.Status = exchmgr.StatusFetchTerms
		return w.exchMgr.PutExchange(tx, exch)
	})
}

// exchangeFetchTerms performs the FetchTerms step.
func (w *Wallet) exchangeFetchTerms(ctx context.Context, baseURL string,
	timeout time.Duration) error {

	var etag string
	err := w.db.View(func(tx walletdb.Tx) error {
		exch, err := w.exchMgr.GetExchange(tx, baseURL)
		if err != nil {
			return err
		}
		etag = exch.TermsEtag
		return nil
	})
	if err != nil {
		return err
	}

	terms, err := w.client.GetTerms(ctx, baseURL, etag, timeout)
	if err != nil {
		return err
	}

	return w.db.Update(func(tx walletdb.Tx) error {
		exch, err := w.exchMgr.GetExchange(tx, baseURL)
		if err != nil {
			return err
		}
		if !terms.NotModified {
			exch.TermsText = terms.Text
			exch.TermsEtag = terms.ETag
		}
		exch.Status = exchmgr.StatusFinalizeUpdate
		return w.exchMgr.PutExchange(tx, exch)
	})
}

// exchangeFinalize commits the update: schedule the next natural refresh,
// stop the retry state and notify subscribers.
func (w *Wallet) exchangeFinalize(baseURL string) error {
	err := w.db.Update(func(tx walletdb.Tx) error {
		exch, err := w.exchMgr.GetExchange(tx, baseURL)
		if err != nil {
			return err
		}
		exch.Status = exchmgr.StatusFinished
		exch.NextRefresh = time.Now().Add(defaultKeysExpiry)
		exch.LastError = ""
		exch.Retry.Stop()
		return w.exchMgr.PutExchange(tx, exch)
	})
	if err != nil {
		return err
	}

	log.Infof("Exchange %s metadata update finished", baseURL)
	w.NtfnServer.notify(ExchangeUpdatedNotification{BaseURL: baseURL})
	return nil
}

// AcceptTermsOfService records the user's acceptance of the exchange's
// current terms version.
func (w *Wallet) AcceptTermsOfService(baseURL, etag string) error {
	return w.db.Update(func(tx walletdb.Tx) error {
		return w.exchMgr.AcceptTermsOfService(tx, baseURL, etag)
	})
}
