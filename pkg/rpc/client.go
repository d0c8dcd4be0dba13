package rpc

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"github.com/fortiblox/x1-vault/internal/types"
	"github.com/fortiblox/x1-vault/pkg/svm"
)

// Client is a JSON-RPC client for a vault ledger node.
type Client struct {
	endpoint   string
	httpClient *http.Client
	nextID     atomic.Uint64
}

// NewClient creates a client for endpoint.
func NewClient(endpoint string, timeout time.Duration) *Client {
	return &Client{
		endpoint: endpoint,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// Call makes a JSON-RPC call and decodes its result into result, which may
// be nil. Server errors are returned as *RPCError.
func (c *Client) Call(ctx context.Context, method string, params []interface{}, result interface{}) error {
	req := struct {
		JSONRPC string        `json:"jsonrpc"`
		ID      uint64        `json:"id"`
		Method  string        `json:"method"`
		Params  []interface{} `json:"params,omitempty"`
	}{
		JSONRPC: JSONRPCVersion,
		ID:      c.nextID.Add(1),
		Method:  method,
		Params:  params,
	}

	body, err := json.Marshal(req)
	if err != nil {
		return errors.Wrap(err, "marshal request")
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return errors.Wrap(err, "create request")
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return errors.Wrap(err, "http request")
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return errors.Wrap(err, "read response")
	}

	if resp.StatusCode != http.StatusOK {
		return errors.Errorf("http status %d: %s", resp.StatusCode, string(respBody))
	}

	var rpcResp Response
	if err := json.Unmarshal(respBody, &rpcResp); err != nil {
		return errors.Wrap(err, "unmarshal response")
	}

	if rpcResp.Error != nil {
		return rpcResp.Error
	}

	if result != nil && len(rpcResp.Result) > 0 {
		if err := json.Unmarshal(rpcResp.Result, result); err != nil {
			return errors.Wrap(err, "unmarshal result")
		}
	}
	return nil
}

// GetSlot fetches the current slot.
func (c *Client) GetSlot(ctx context.Context) (uint64, error) {
	var slot uint64
	if err := c.Call(ctx, "getSlot", nil, &slot); err != nil {
		return 0, err
	}
	return slot, nil
}

// GetBalance fetches an account's lamports.
func (c *Client) GetBalance(ctx context.Context, pubkey types.Pubkey) (uint64, error) {
	var resp struct {
		Context Context `json:"context"`
		Value   uint64  `json:"value"`
	}
	if err := c.Call(ctx, "getBalance", []interface{}{pubkey.String()}, &resp); err != nil {
		return 0, err
	}
	return resp.Value, nil
}

// GetWallet fetches an authority's wallet and vault state.
func (c *Client) GetWallet(ctx context.Context, authority types.Pubkey) (*WalletInfo, error) {
	var resp struct {
		Context Context    `json:"context"`
		Value   WalletInfo `json:"value"`
	}
	if err := c.Call(ctx, "getWallet", []interface{}{authority.String()}, &resp); err != nil {
		return nil, err
	}
	return &resp.Value, nil
}

// GetMinimumBalanceForRentExemption fetches the rent-exempt minimum for size bytes.
func (c *Client) GetMinimumBalanceForRentExemption(ctx context.Context, size uint64) (uint64, error) {
	var lamports uint64
	if err := c.Call(ctx, "getMinimumBalanceForRentExemption", []interface{}{size}, &lamports); err != nil {
		return 0, err
	}
	return lamports, nil
}

// SendTransaction submits a signed transaction and returns its signature.
func (c *Client) SendTransaction(ctx context.Context, tx *svm.Transaction, skipPreflight bool) (types.Signature, error) {
	params := []interface{}{
		base64.StdEncoding.EncodeToString(tx.Serialize()),
		SendTransactionConfig{Encoding: EncodingBase64, SkipPreflight: skipPreflight},
	}
	var sigStr string
	if err := c.Call(ctx, "sendTransaction", params, &sigStr); err != nil {
		return types.Signature{}, err
	}
	sig, err := types.SignatureFromBase58(sigStr)
	if err != nil {
		return types.Signature{}, errors.Wrap(err, "decode signature")
	}
	return sig, nil
}

// SimulateTransaction simulates a signed transaction.
func (c *Client) SimulateTransaction(ctx context.Context, tx *svm.Transaction) (*SimulateResult, error) {
	params := []interface{}{
		base64.StdEncoding.EncodeToString(tx.Serialize()),
		SimulateTransactionConfig{Encoding: EncodingBase64},
	}
	var resp struct {
		Context Context        `json:"context"`
		Value   SimulateResult `json:"value"`
	}
	if err := c.Call(ctx, "simulateTransaction", params, &resp); err != nil {
		return nil, err
	}
	return &resp.Value, nil
}

// GetTransaction fetches an executed transaction. It returns nil if the
// node has no record of sig.
func (c *Client) GetTransaction(ctx context.Context, sig types.Signature) (*TransactionResponse, error) {
	var resp *TransactionResponse
	if err := c.Call(ctx, "getTransaction", []interface{}{sig.String()}, &resp); err != nil {
		return nil, err
	}
	return resp, nil
}
