// Package se is an HTTP client for the statechain entity: the remote
// co-signer a statecoin wallet negotiates deposits, transfers, and blind
// signatures with.
package se

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/statecoin/walletd/statecoin"
	"github.com/statecoin/walletd/walletlog"
)

var log = walletlog.GetDefault().Component("SE")

// Config holds configuration for the SE HTTP client.
type Config struct {
	// BaseURL is the statechain entity's base URL.
	BaseURL string

	// RateLimit is the number of requests per second allowed.
	// Default: 5
	RateLimit int

	// Timeout is the per-call timeout, §5's default 30s.
	Timeout time.Duration

	// RetryAttempts is the number of retries for NetworkUnavailable
	// conditions.
	RetryAttempts int

	RetryDelay time.Duration
}

// DefaultConfig returns a default SE client configuration.
func DefaultConfig(baseURL string) *Config {
	return &Config{
		BaseURL:       baseURL,
		RateLimit:     5,
		Timeout:       30 * time.Second,
		RetryAttempts: 3,
		RetryDelay:    time.Second,
	}
}

// Client talks to one statechain entity over HTTP.
type Client struct {
	cfg         *Config
	httpClient  *http.Client
	rateLimiter *rate.Limiter
}

// NewClient constructs a Client from cfg.
func NewClient(cfg *Config) *Client {
	if cfg == nil {
		panic("se: nil config")
	}
	return &Client{
		cfg:         cfg,
		httpClient:  &http.Client{Timeout: cfg.Timeout},
		rateLimiter: rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.RateLimit),
	}
}

// seErrorBody is the shape of a 400-class SE error response.
type seErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// do performs one JSON request/response round trip, mapping network
// failures to statecoin.ErrNetworkUnavailable after exhausting retries and
// 400-class bodies to statecoin.SEProtocolError.
func (c *Client) do(ctx context.Context, method, path string, reqBody, respOut any) error {
	var bodyBytes []byte
	if reqBody != nil {
		var err error
		bodyBytes, err = json.Marshal(reqBody)
		if err != nil {
			return fmt.Errorf("se: encode request: %w", err)
		}
	}

	url := c.cfg.BaseURL + path

	var lastErr error
	for attempt := 0; attempt <= c.cfg.RetryAttempts; attempt++ {
		if err := c.rateLimiter.Wait(ctx); err != nil {
			return fmt.Errorf("se: rate limiter: %w", err)
		}

		var reader io.Reader
		if bodyBytes != nil {
			reader = bytes.NewReader(bodyBytes)
		}
		req, err := http.NewRequestWithContext(ctx, method, url, reader)
		if err != nil {
			return fmt.Errorf("se: build request: %w", err)
		}
		if bodyBytes != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			lastErr = fmt.Errorf("%w: %v", statecoin.ErrNetworkUnavailable, err)
			if attempt < c.cfg.RetryAttempts {
				log.Debugf("retrying %s %s after network error (attempt %d/%d): %v", method, path, attempt+1, c.cfg.RetryAttempts, err)
				time.Sleep(c.cfg.RetryDelay * time.Duration(attempt+1))
				continue
			}
			return lastErr
		}

		respBytes, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			return fmt.Errorf("se: read response: %w", err)
		}

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			if respOut == nil || len(respBytes) == 0 {
				return nil
			}
			if err := json.Unmarshal(respBytes, respOut); err != nil {
				return fmt.Errorf("se: decode response: %w", err)
			}
			return nil

		case resp.StatusCode == 400:
			var body seErrorBody
			if err := json.Unmarshal(respBytes, &body); err != nil {
				return fmt.Errorf("se: decode error body: %w", err)
			}
			return &statecoin.SEProtocolError{Code: body.Code, Message: body.Message}

		case resp.StatusCode == 429 || resp.StatusCode >= 500:
			lastErr = fmt.Errorf("%w: status %d", statecoin.ErrNetworkUnavailable, resp.StatusCode)
			if attempt < c.cfg.RetryAttempts {
				log.Debugf("retrying %s %s after status %d (attempt %d/%d)", method, path, resp.StatusCode, attempt+1, c.cfg.RetryAttempts)
				time.Sleep(c.cfg.RetryDelay * time.Duration(attempt+1))
				continue
			}
			return lastErr

		default:
			return &statecoin.SEProtocolError{
				Code:    fmt.Sprintf("http_%d", resp.StatusCode),
				Message: string(respBytes),
			}
		}
	}

	return lastErr
}

// DepositInitRequest is the body of POST deposit/init/pod.
type DepositInitRequest struct {
	AmountSats    int64  `json:"amount"`
	AuthKey       string `json:"auth_key"`
	TokenID       string `json:"token_id"`
	SignedTokenID string `json:"signed_token_id"`
}

// DepositInitResponse is the SE's reply to deposit/init/pod.
type DepositInitResponse struct {
	ServerPubkey string `json:"server_pubkey"`
	StatechainID string `json:"statechain_id"`
}

// DepositInit registers a new coin with the SE, spending one prepaid
// token.
func (c *Client) DepositInit(ctx context.Context, req DepositInitRequest) (*DepositInitResponse, error) {
	var resp DepositInitResponse
	if err := c.do(ctx, http.MethodPost, "/deposit/init/pod", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// GetMsgAddrResponse is the SE's reply to a mailbox poll.
type GetMsgAddrResponse struct {
	ListEncTransferMsg []string `json:"list_enc_transfer_msg"`
}

// GetMsgAddr polls the mailbox for every pending encrypted TransferMsg
// addressed to authPubkeyHex.
func (c *Client) GetMsgAddr(ctx context.Context, authPubkeyHex string) (*GetMsgAddrResponse, error) {
	var resp GetMsgAddrResponse
	path := "/transfer/get_msg_addr/" + authPubkeyHex
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// SendMsgAddrRequest is the body of POST transfer/send_msg_addr, the
// counterpart to GetMsgAddr: it drops one encrypted TransferMsg into the
// mailbox keyed by the receiver's auth pubkey.
type SendMsgAddrRequest struct {
	AuthPubkey string `json:"auth_pubkey"`
	EncMessage string `json:"enc_transfer_msg"`
}

// SendMsgAddr posts an encrypted TransferMsg envelope to the SE mailbox.
func (c *Client) SendMsgAddr(ctx context.Context, req SendMsgAddrRequest) error {
	return c.do(ctx, http.MethodPost, "/transfer/send_msg_addr", req, nil)
}

// TransferUnlockRequest is the body of POST transfer/unlock.
type TransferUnlockRequest struct {
	StatechainID string `json:"statechain_id"`
	AuthSig      string `json:"auth_sig"`
	AuthPubKey   string `json:"auth_pub_key"`
}

// TransferUnlock releases any batch hold the SE placed on statechainID.
func (c *Client) TransferUnlock(ctx context.Context, req TransferUnlockRequest) error {
	return c.do(ctx, http.MethodPost, "/transfer/unlock", req, nil)
}

// TransferReceiverRequest is the body of POST transfer/receiver.
type TransferReceiverRequest struct {
	StatechainID string `json:"statechain_id"`
	BatchData    string `json:"batch_data,omitempty"`
	T2           string `json:"t2"`
	AuthSig      string `json:"auth_sig"`
}

// TransferReceiverResponse is the SE's reply on success.
type TransferReceiverResponse struct {
	ServerPubkey string `json:"server_pubkey"`
}

// TransferReceiver posts the receiver's completion of a transfer. A
// *statecoin.SEProtocolError with IsBatchLocked() true is the recoverable
// control-flow signal from §7; every other error is fatal.
func (c *Client) TransferReceiver(ctx context.Context, req TransferReceiverRequest) (*TransferReceiverResponse, error) {
	var resp TransferReceiverResponse
	if err := c.do(ctx, http.MethodPost, "/transfer/receiver", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// InfoStatechainResponse mirrors statecoin.StatechainInfo over the wire.
type InfoStatechainResponse struct {
	EnclavePublicKey string                    `json:"enclave_public_key"`
	NumSigs          uint32                    `json:"num_sigs"`
	Interval         uint32                    `json:"interval"`
	Signatures       []SignatureDescriptorJSON `json:"signatures"`
}

// SignatureDescriptorJSON is the wire form of statecoin.SignatureDescriptor.
type SignatureDescriptorJSON struct {
	TxN              uint32 `json:"tx_n"`
	Commitment       string `json:"commitment"`
	FeeRateSatsVByte uint64 `json:"fee_rate_sats_vbyte"`
}

// InfoStatechain fetches the SE's public attestation for statechainID.
func (c *Client) InfoStatechain(ctx context.Context, statechainID string) (*InfoStatechainResponse, error) {
	var resp InfoStatechainResponse
	path := "/info/statechain/" + statechainID
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// NonceRequest is the body of a blind co-signing nonce round, one of the
// additional signing-round endpoints named in §6.
type NonceRequest struct {
	StatechainID   string `json:"statechain_id"`
	TxN            uint32 `json:"tx_n"`
	ClientPubNonce string `json:"client_pub_nonce"`
}

// NonceResponse carries the SE's nonce back.
type NonceResponse struct {
	ServerPubNonce string `json:"server_pub_nonce"`
}

// RequestNonce performs the nonce-exchange half of a blind MuSig2 round:
// POST sign/statechain/{id}/nonce.
func (c *Client) RequestNonce(ctx context.Context, req NonceRequest) (*NonceResponse, error) {
	var resp NonceResponse
	path := fmt.Sprintf("/sign/statechain/%s/nonce", req.StatechainID)
	if err := c.do(ctx, http.MethodPost, path, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// BlindSigRequest submits the blinded commitment for partial signing.
type BlindSigRequest struct {
	StatechainID string `json:"statechain_id"`
	TxN          uint32 `json:"tx_n"`
	Commitment   string `json:"commitment"`
}

// BlindSigResponse carries the SE's partial signature back.
type BlindSigResponse struct {
	PartialSig string `json:"partial_sig"`
}

// SubmitBlindedSighash performs the signing half of a blind MuSig2 round:
// POST sign/statechain/{id}/sig.
func (c *Client) SubmitBlindedSighash(ctx context.Context, req BlindSigRequest) (*BlindSigResponse, error) {
	var resp BlindSigResponse
	path := fmt.Sprintf("/sign/statechain/%s/sig", req.StatechainID)
	if err := c.do(ctx, http.MethodPost, path, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}
