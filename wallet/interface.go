// Copyright (c) 2025 The talersuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wallet

import (
	"context"
	"time"

	"github.com/talersuite/talerwallet/exchclient"
)

// ExchangeClient is the network surface the engines drive.  The production
// implementation is exchclient.Client; tests substitute an in-process fake.
type ExchangeClient interface {
	GetKeys(ctx context.Context, baseURL string,
		timeout time.Duration) (*exchclient.KeysResponse, error)

	GetWire(ctx context.Context, baseURL string,
		timeout time.Duration) (*exchclient.WireResponse, error)

	GetTerms(ctx context.Context, baseURL, etag string,
		timeout time.Duration) (*exchclient.TermsResponse, error)

	GetReserveStatus(ctx context.Context, baseURL string,
		reservePub []byte,
		timeout time.Duration) (*exchclient.ReserveStatusResponse, error)

	PostWithdraw(ctx context.Context, baseURL string, reservePub []byte,
		req *exchclient.WithdrawRequest,
		timeout time.Duration) (*exchclient.WithdrawResponse, error)

	PostMelt(ctx context.Context, baseURL string, coinPub []byte,
		req *exchclient.MeltRequest,
		timeout time.Duration) (*exchclient.MeltResponse, error)

	PostReveal(ctx context.Context, baseURL string, rc []byte,
		req *exchclient.RevealRequest,
		timeout time.Duration) (*exchclient.RevealResponse, error)

	PostRecoup(ctx context.Context, baseURL string, coinPub []byte,
		req *exchclient.RecoupRequest,
		timeout time.Duration) (*exchclient.RecoupResponse, error)

	RegisterReserveWithBank(ctx context.Context, statusURL string,
		req *exchclient.BankRegisterRequest,
		timeout time.Duration) error

	GetBankWithdrawalStatus(ctx context.Context, statusURL string,
		timeout time.Duration) (*exchclient.BankWithdrawalStatus, error)
}

// Compile-time check that the production client satisfies the interface.
var _ ExchangeClient = (*exchclient.Client)(nil)
