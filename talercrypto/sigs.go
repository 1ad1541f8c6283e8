// Copyright (c) 2025 The talersuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package talercrypto

import (
	"crypto/ed25519"
	"encoding/binary"
	"time"

	"github.com/talersuite/talerwallet/amount"
)

// Signature purposes.  Every EdDSA signature in the protocol is domain
// separated by one of these tags so a signature produced for one operation
// can never be replayed as another.
const (
	purposeWithdraw    = "TALERWALLET-WITHDRAW"
	purposeMeltConfirm = "TALERWALLET-MELT"
	purposeCoinLink    = "TALERWALLET-COIN-LINK"
	purposeRecoup      = "TALERWALLET-RECOUP"
	purposeDenom       = "TALERWALLET-DENOM"
	purposeWireAccount = "TALERWALLET-WIRE-ACCOUNT"
	purposeWireFee     = "TALERWALLET-WIRE-FEE"
)

// signPayload builds the canonical byte string that is signed: the SHA-512
// hash of the purpose tag followed by the length-delimited chunks.
func signPayload(purpose string, chunks ...[]byte) []byte {
	all := make([][]byte, 0, 2*len(chunks)+1)
	all = append(all, []byte(purpose))
	var lenBuf [8]byte
	for _, c := range chunks {
		binary.BigEndian.PutUint64(lenBuf[:], uint64(len(c)))
		all = append(all, append([]byte{}, lenBuf[:]...), c)
	}
	return Hash(all...)
}

// timeBytes encodes a timestamp as big-endian unix seconds for hashing.  The
// zero time encodes as the maximum value, representing "never".
func timeBytes(t time.Time) []byte {
	var b [8]byte
	if t.IsZero() {
		binary.BigEndian.PutUint64(b[:], ^uint64(0))
	} else {
		binary.BigEndian.PutUint64(b[:], uint64(t.Unix()))
	}
	return b[:]
}

// SignWithdraw signs a withdrawal request with the reserve private key,
// binding the requested denomination and the blinded envelope to the
// reserve.
func SignWithdraw(reservePriv ed25519.PrivateKey, denomPubHash,
	coinEvHash []byte) []byte {

	return EddsaSign(reservePriv, signPayload(
		purposeWithdraw, denomPubHash, coinEvHash,
	))
}

// VerifyWithdraw verifies a withdrawal request signature.
func VerifyWithdraw(reservePub ed25519.PublicKey, denomPubHash, coinEvHash,
	sig []byte) bool {

	return EddsaVerify(reservePub, signPayload(
		purposeWithdraw, denomPubHash, coinEvHash,
	), sig)
}

// SignRecoup signs a recoup request with the coin's private key, disclosing
// the blinding key so the exchange can verify the coin came from one of its
// own withdraw or refresh operations.
func SignRecoup(coinPriv ed25519.PrivateKey, denomPubHash,
	blindingKey []byte) []byte {

	return EddsaSign(coinPriv, signPayload(
		purposeRecoup, denomPubHash, blindingKey,
	))
}

// VerifyRecoup verifies a recoup request signature.
func VerifyRecoup(coinPub ed25519.PublicKey, denomPubHash, blindingKey,
	sig []byte) bool {

	return EddsaVerify(coinPub, signPayload(
		purposeRecoup, denomPubHash, blindingKey,
	), sig)
}

// DenomSigPayload builds the canonical payload the exchange's master key
// signs for one denomination: identity, value, the four fees and the
// validity window.
func DenomSigPayload(currency string, denomPubHash []byte, value, feeWithdraw,
	feeDeposit, feeRefresh, feeRefund amount.Amount, stampStart,
	stampExpireWithdraw, stampExpireDeposit,
	stampExpireLegal time.Time) []byte {

	return signPayload(purposeDenom,
		[]byte(currency),
		denomPubHash,
		[]byte(value.String()),
		[]byte(feeWithdraw.String()),
		[]byte(feeDeposit.String()),
		[]byte(feeRefresh.String()),
		[]byte(feeRefund.String()),
		timeBytes(stampStart),
		timeBytes(stampExpireWithdraw),
		timeBytes(stampExpireDeposit),
		timeBytes(stampExpireLegal),
	)
}

// IsValidDenom reports whether masterSig is the exchange master key's
// signature over the given denomination parameters.
func IsValidDenom(masterPub ed25519.PublicKey, masterSig []byte,
	currency string, denomPubHash []byte, value, feeWithdraw, feeDeposit,
	feeRefresh, feeRefund amount.Amount, stampStart, stampExpireWithdraw,
	stampExpireDeposit, stampExpireLegal time.Time) bool {

	payload := DenomSigPayload(currency, denomPubHash, value, feeWithdraw,
		feeDeposit, feeRefresh, feeRefund, stampStart,
		stampExpireWithdraw, stampExpireDeposit, stampExpireLegal)
	return EddsaVerify(masterPub, payload, masterSig)
}

// WireAccountSigPayload builds the canonical payload the master key signs
// for one bank account of the exchange.
func WireAccountSigPayload(paytoURI string) []byte {
	return signPayload(purposeWireAccount, []byte(paytoURI))
}

// IsValidWireAccount reports whether sig is the master key's signature over
// the given payto URI.
func IsValidWireAccount(masterPub ed25519.PublicKey, sig []byte,
	paytoURI string) bool {

	return EddsaVerify(masterPub, WireAccountSigPayload(paytoURI), sig)
}

// WireFeeSigPayload builds the canonical payload the master key signs for
// one wire-fee period of a wire method.
func WireFeeSigPayload(method string, wireFee, closingFee amount.Amount,
	stampStart, stampEnd time.Time) []byte {

	return signPayload(purposeWireFee,
		[]byte(method),
		[]byte(wireFee.String()),
		[]byte(closingFee.String()),
		timeBytes(stampStart),
		timeBytes(stampEnd),
	)
}

// IsValidWireFee reports whether sig is the master key's signature over the
// given wire-fee record.
func IsValidWireFee(masterPub ed25519.PublicKey, sig []byte, method string,
	wireFee, closingFee amount.Amount, stampStart,
	stampEnd time.Time) bool {

	payload := WireFeeSigPayload(method, wireFee, closingFee, stampStart,
		stampEnd)
	return EddsaVerify(masterPub, payload, sig)
}

// SignMelt signs the melt request for a refresh session with the old coin's
// private key.
func SignMelt(oldCoinPriv ed25519.PrivateKey, sessionHash []byte,
	meltValueWithFee amount.Amount) []byte {

	return EddsaSign(oldCoinPriv, signPayload(
		purposeMeltConfirm, sessionHash,
		[]byte(meltValueWithFee.String()),
	))
}

// VerifyMelt verifies a melt request signature.
func VerifyMelt(oldCoinPub ed25519.PublicKey, sessionHash []byte,
	meltValueWithFee amount.Amount, sig []byte) bool {

	return EddsaVerify(oldCoinPub, signPayload(
		purposeMeltConfirm, sessionHash,
		[]byte(meltValueWithFee.String()),
	), sig)
}
