package se

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/statecoin/walletd/statecoin"
)

func testClient(t *testing.T, handler http.HandlerFunc) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	cfg := DefaultConfig(srv.URL)
	cfg.RetryAttempts = 0
	cfg.Timeout = 2 * time.Second
	return NewClient(cfg), srv
}

func TestDepositInitSuccess(t *testing.T) {
	t.Parallel()

	client, _ := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/deposit/init/pod", r.URL.Path)
		var req DepositInitRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Equal(t, int64(100000), req.AmountSats)

		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(DepositInitResponse{ServerPubkey: "abc", StatechainID: "sc1"})
	})

	resp, err := client.DepositInit(context.Background(), DepositInitRequest{AmountSats: 100000, AuthKey: "auth", TokenID: "tok", SignedTokenID: "sig"})
	require.NoError(t, err)
	require.Equal(t, "sc1", resp.StatechainID)
}

func TestProtocolErrorMapped(t *testing.T) {
	t.Parallel()

	client, _ := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]string{
			"code":    "StatecoinBatchLockedError",
			"message": "batch in progress",
		})
	})

	_, err := client.TransferReceiver(context.Background(), TransferReceiverRequest{StatechainID: "sc1"})
	require.Error(t, err)

	var seErr *statecoin.SEProtocolError
	require.ErrorAs(t, err, &seErr)
	require.True(t, seErr.IsBatchLocked())
}

func TestServerErrorMapsToNetworkUnavailable(t *testing.T) {
	t.Parallel()

	client, _ := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})

	_, err := client.InfoStatechain(context.Background(), "sc1")
	require.Error(t, err)
	require.ErrorIs(t, err, statecoin.ErrNetworkUnavailable)
}

func TestGetMsgAddrSuccess(t *testing.T) {
	t.Parallel()

	client, _ := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/transfer/get_msg_addr/deadbeef", r.URL.Path)
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(GetMsgAddrResponse{ListEncTransferMsg: []string{"aa", "bb"}})
	})

	resp, err := client.GetMsgAddr(context.Background(), "deadbeef")
	require.NoError(t, err)
	require.Len(t, resp.ListEncTransferMsg, 2)
}
