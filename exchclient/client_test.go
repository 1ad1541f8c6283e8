// Copyright (c) 2025 The talersuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package exchclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/talersuite/talerwallet/amount"
)

// TestTimeoutForRetry checks the retry-derived timeout bounds.
func TestTimeoutForRetry(t *testing.T) {
	t.Parallel()

	require.Equal(t, 60*time.Second, TimeoutForRetry(0))
	require.Equal(t, 50*time.Second, TimeoutForRetry(1))
	require.Equal(t, 5*time.Second, TimeoutForRetry(6))
	require.Equal(t, 5*time.Second, TimeoutForRetry(100))
}

// TestGetKeysCacheBreaker verifies the cacheBreaker parameter and response
// decoding.
func TestGetKeysCacheBreaker(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(
		func(w http.ResponseWriter, r *http.Request) {
			require.Equal(t, "/keys", r.URL.Path)
			require.Equal(t, ProtocolVersion,
				r.URL.Query().Get("cacheBreaker"))
			json.NewEncoder(w).Encode(&KeysResponse{
				Version:  "1:0:0",
				Currency: "KUDOS",
			})
		},
	))
	defer srv.Close()

	c := New(nil)
	resp, err := c.GetKeys(context.Background(), srv.URL, time.Minute)
	require.NoError(t, err)
	require.Equal(t, "KUDOS", resp.Currency)
}

// TestReserveUnknown maps 404 to the typed sentinel.
func TestReserveUnknown(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(
		func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, `{"hint":"reserve unknown"}`,
				http.StatusNotFound)
		},
	))
	defer srv.Close()

	c := New(nil)
	_, err := c.GetReserveStatus(
		context.Background(), srv.URL, []byte{1, 2}, time.Minute,
	)
	require.ErrorIs(t, err, ErrReserveUnknown)
	require.False(t, IsTransient(err))
}

// TestStatusErrorTransience classifies response codes.
func TestStatusErrorTransience(t *testing.T) {
	t.Parallel()

	require.True(t, IsTransient(&StatusError{Code: 500}))
	require.True(t, IsTransient(&StatusError{Code: 503}))
	require.True(t, IsTransient(&StatusError{Code: 429}))
	require.False(t, IsTransient(&StatusError{Code: 404}))
	require.False(t, IsTransient(&StatusError{Code: 409}))
	require.True(t, IsTransient(context.DeadlineExceeded))
}

// TestPostWithdraw checks request encoding and error hint extraction.
func TestPostWithdraw(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(
		func(w http.ResponseWriter, r *http.Request) {
			require.Equal(t, "/reserves/0102/withdraw", r.URL.Path)
			var req WithdrawRequest
			require.NoError(t,
				json.NewDecoder(r.Body).Decode(&req))
			require.Equal(t, HexBytes{0xaa}, req.CoinEv)
			json.NewEncoder(w).Encode(&WithdrawResponse{
				EvSig: HexBytes{0xbb},
			})
		},
	))
	defer srv.Close()

	c := New(nil)
	resp, err := c.PostWithdraw(
		context.Background(), srv.URL, []byte{1, 2},
		&WithdrawRequest{CoinEv: HexBytes{0xaa}}, time.Minute,
	)
	require.NoError(t, err)
	require.Equal(t, HexBytes{0xbb}, resp.EvSig)
}

// TestTermsNotModified checks the If-None-Match/304 handling.
func TestTermsNotModified(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(
		func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get("If-None-Match") == "v7" {
				w.WriteHeader(http.StatusNotModified)
				return
			}
			w.Header().Set("Etag", "v7")
			w.Write([]byte("terms of service"))
		},
	))
	defer srv.Close()

	c := New(nil)
	resp, err := c.GetTerms(context.Background(), srv.URL, "", time.Minute)
	require.NoError(t, err)
	require.Equal(t, "v7", resp.ETag)
	require.Equal(t, "terms of service", resp.Text)

	resp, err = c.GetTerms(context.Background(), srv.URL, "v7", time.Minute)
	require.NoError(t, err)
	require.True(t, resp.NotModified)
}

// TestAmountJSONOnWire ensures amounts travel as canonical strings.
func TestAmountJSONOnWire(t *testing.T) {
	t.Parallel()

	d := DenomInfo{Value: amount.MustParse("KUDOS:8")}
	data, err := json.Marshal(d)
	require.NoError(t, err)
	require.Contains(t, string(data), `"value":"KUDOS:8"`)
}
