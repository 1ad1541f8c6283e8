// Copyright (c) 2025 The talersuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package exchclient implements the HTTP client used to reach exchanges and
// banks, together with the tagged request/response structs for every
// endpoint the coin lifecycle consumes.  The structs are the wire boundary;
// the wallet's internal entities never travel over HTTP directly.
package exchclient

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	// ProtocolVersion is the wallet's protocol version in libtool-style
	// current:revision:age form.  It doubles as the cacheBreaker value so
	// cached responses never cross wallet protocol versions.
	ProtocolVersion = "1:0:0"

	// minTimeout and maxTimeout bound the per-request timeout derived
	// from a record's retry counter.
	minTimeout = 5 * time.Second
	maxTimeout = 60 * time.Second
)

// ErrReserveUnknown is returned by GetReserveStatus when the exchange does
// not (yet) know the reserve.  This is an expected state while the bank
// transfer is in flight, not a failure.
var ErrReserveUnknown = errors.New("exchclient: reserve unknown to exchange")

// StatusError is returned for non-2xx responses, carrying the HTTP status
// and the hint from the body when the server supplied one.
type StatusError struct {
	Code int
	Hint string
}

// Error implements the error interface.
func (e *StatusError) Error() string {
	if e.Hint == "" {
		return fmt.Sprintf("exchclient: unexpected status %d", e.Code)
	}
	return fmt.Sprintf("exchclient: status %d: %s", e.Code, e.Hint)
}

// IsTransient reports whether the error is worth retrying with backoff:
// server-side errors, rate limiting, timeouts and transport failures.
// Client errors (4xx) are not transient.
func IsTransient(err error) bool {
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.Code >= 500 ||
			statusErr.Code == http.StatusTooManyRequests
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	// url.Error wraps transport failures.
	var urlErr *url.Error
	return errors.As(err, &urlErr)
}

// TimeoutForRetry derives the per-request timeout from the record's retry
// counter: patient at first, shorter as retries accumulate so a stuck server
// cannot monopolize the scheduler, bounded to [minTimeout, maxTimeout].
func TimeoutForRetry(counter uint32) time.Duration {
	d := maxTimeout - time.Duration(counter)*10*time.Second
	if d < minTimeout {
		return minTimeout
	}
	return d
}

// Client is the HTTP client for exchange and bank endpoints.
type Client struct {
	hc        *http.Client
	userAgent string
}

// Config customizes a Client.  All fields are optional.
type Config struct {
	// HTTPClient is the underlying client; http.DefaultClient-alike with
	// no global timeout (timeouts are per request) when nil.
	HTTPClient *http.Client

	// UserAgent overrides the default User-Agent header.
	UserAgent string
}

// New creates a Client.
func New(cfg *Config) *Client {
	if cfg == nil {
		cfg = &Config{}
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{}
	}
	ua := cfg.UserAgent
	if ua == "" {
		ua = "talerwallet/" + ProtocolVersion
	}
	return &Client{hc: hc, userAgent: ua}
}

// joinURL joins an exchange base URL with an endpoint path.
func joinURL(baseURL, path string) string {
	return strings.TrimSuffix(baseURL, "/") + path
}

// withCacheBreaker appends the cacheBreaker query parameter tied to the
// wallet's protocol version.
func withCacheBreaker(u string) string {
	sep := "?"
	if strings.Contains(u, "?") {
		sep = "&"
	}
	return u + sep + "cacheBreaker=" + url.QueryEscape(ProtocolVersion)
}

// decodeError turns a non-2xx response into a StatusError, extracting the
// hint from a JSON body when present.
func decodeError(resp *http.Response) error {
	var body struct {
		Hint string `json:"hint"`
	}
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	_ = json.Unmarshal(raw, &body)
	return &StatusError{Code: resp.StatusCode, Hint: body.Hint}
}

// do runs the request with the given timeout and decodes a JSON response
// into out when out is non-nil.
func (c *Client) do(ctx context.Context, req *http.Request,
	timeout time.Duration, out interface{}) error {

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req = req.WithContext(ctx)
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.hc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return decodeError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("exchclient: malformed response body: %w", err)
	}
	return nil
}

// get issues a GET request and decodes the JSON response into out.
func (c *Client) get(ctx context.Context, u string, timeout time.Duration,
	out interface{}) error {

	req, err := http.NewRequest(http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	return c.do(ctx, req, timeout, out)
}

// postJSON issues a POST request with a JSON body and decodes the JSON
// response into out.
func (c *Client) postJSON(ctx context.Context, u string, body interface{},
	timeout time.Duration, out interface{}) error {

	encoded, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequest(http.MethodPost, u, bytes.NewReader(encoded))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(ctx, req, timeout, out)
}

// GetKeys fetches GET /keys from the exchange.
func (c *Client) GetKeys(ctx context.Context, baseURL string,
	timeout time.Duration) (*KeysResponse, error) {

	var resp KeysResponse
	u := withCacheBreaker(joinURL(baseURL, "/keys"))
	if err := c.get(ctx, u, timeout, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// GetWire fetches GET /wire from the exchange.
func (c *Client) GetWire(ctx context.Context, baseURL string,
	timeout time.Duration) (*WireResponse, error) {

	var resp WireResponse
	u := withCacheBreaker(joinURL(baseURL, "/wire"))
	if err := c.get(ctx, u, timeout, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// GetTerms fetches GET /terms.  The currently accepted ETag is passed via
// If-None-Match; a 304 answer yields NotModified.
func (c *Client) GetTerms(ctx context.Context, baseURL, etag string,
	timeout time.Duration) (*TermsResponse, error) {

	u := withCacheBreaker(joinURL(baseURL, "/terms"))
	req, err := http.NewRequest(http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/plain")
	if etag != "" {
		req.Header.Set("If-None-Match", etag)
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	req = req.WithContext(ctx)
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotModified {
		return &TermsResponse{ETag: etag, NotModified: true}, nil
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, decodeError(resp)
	}
	text, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	return &TermsResponse{
		Text: string(text),
		ETag: resp.Header.Get("Etag"),
	}, nil
}

// GetReserveStatus fetches GET /reserves/{reservePub}.  A 404 maps to
// ErrReserveUnknown.
func (c *Client) GetReserveStatus(ctx context.Context, baseURL string,
	reservePub []byte,
	timeout time.Duration) (*ReserveStatusResponse, error) {

	var resp ReserveStatusResponse
	u := joinURL(baseURL, "/reserves/"+hex.EncodeToString(reservePub))
	err := c.get(ctx, u, timeout, &resp)
	if err != nil {
		var statusErr *StatusError
		if errors.As(err, &statusErr) &&
			statusErr.Code == http.StatusNotFound {

			return nil, ErrReserveUnknown
		}
		return nil, err
	}
	return &resp, nil
}

// PostWithdraw submits POST /reserves/{reservePub}/withdraw.
func (c *Client) PostWithdraw(ctx context.Context, baseURL string,
	reservePub []byte, req *WithdrawRequest,
	timeout time.Duration) (*WithdrawResponse, error) {

	var resp WithdrawResponse
	u := joinURL(baseURL,
		"/reserves/"+hex.EncodeToString(reservePub)+"/withdraw")
	if err := c.postJSON(ctx, u, req, timeout, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// PostMelt submits POST /coins/{coinPub}/melt.
func (c *Client) PostMelt(ctx context.Context, baseURL string,
	coinPub []byte, req *MeltRequest,
	timeout time.Duration) (*MeltResponse, error) {

	var resp MeltResponse
	u := joinURL(baseURL, "/coins/"+hex.EncodeToString(coinPub)+"/melt")
	if err := c.postJSON(ctx, u, req, timeout, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// PostReveal submits POST /refreshes/{rc}/reveal.
func (c *Client) PostReveal(ctx context.Context, baseURL string,
	rc []byte, req *RevealRequest,
	timeout time.Duration) (*RevealResponse, error) {

	var resp RevealResponse
	u := joinURL(baseURL, "/refreshes/"+hex.EncodeToString(rc)+"/reveal")
	if err := c.postJSON(ctx, u, req, timeout, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// PostRecoup submits POST /coins/{coinPub}/recoup.
func (c *Client) PostRecoup(ctx context.Context, baseURL string,
	coinPub []byte, req *RecoupRequest,
	timeout time.Duration) (*RecoupResponse, error) {

	var resp RecoupResponse
	u := joinURL(baseURL, "/coins/"+hex.EncodeToString(coinPub)+"/recoup")
	if err := c.postJSON(ctx, u, req, timeout, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// RegisterReserveWithBank submits the reserve selection to the bank's
// withdrawal-operation status URL.
func (c *Client) RegisterReserveWithBank(ctx context.Context,
	statusURL string, req *BankRegisterRequest,
	timeout time.Duration) error {

	return c.postJSON(ctx, statusURL, req, timeout, nil)
}

// GetBankWithdrawalStatus polls the bank's withdrawal-operation status URL.
func (c *Client) GetBankWithdrawalStatus(ctx context.Context,
	statusURL string,
	timeout time.Duration) (*BankWithdrawalStatus, error) {

	var resp BankWithdrawalStatus
	if err := c.get(ctx, statusURL, timeout, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}
