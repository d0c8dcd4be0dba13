package rpc

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/fortiblox/x1-vault/internal/types"
	"github.com/fortiblox/x1-vault/pkg/accounts"
	"github.com/fortiblox/x1-vault/pkg/svm"
	"github.com/fortiblox/x1-vault/pkg/svm/native"
	"github.com/fortiblox/x1-vault/pkg/svm/programs/system"
	"github.com/fortiblox/x1-vault/pkg/svm/programs/vault"
	"github.com/fortiblox/x1-vault/pkg/txlog"
)

const sol = 1_000_000_000

var programID = types.DefaultVaultProgramAddr

type testNode struct {
	t      *testing.T
	db     *accounts.MemoryDB
	rt     *svm.Runtime
	server *Server
	client *Client
	nonce  byte
}

// newTestNode runs a server over an in-memory ledger with a transaction log.
func newTestNode(t *testing.T) *testNode {
	logger := zaptest.NewLogger(t)

	txs, err := txlog.Open(txlog.DefaultConfig(filepath.Join(t.TempDir(), "txlog.db")), logger)
	require.NoError(t, err)
	t.Cleanup(func() { txs.Close() })

	db := accounts.NewMemoryDB()
	rt := svm.New(db, txs, svm.DefaultConfig(), logger)
	rt.RegisterProgram(system.ProgramID, "system", system.NewProcessor(), svm.CUSystemProgramDefault)
	rt.RegisterProgram(programID, "vault", vault.NewProcessor(programID), svm.CUVaultProgramDefault)
	require.NoError(t, rt.InstallProgramAccounts())

	config := DefaultConfig()
	config.Addr = "127.0.0.1:0"
	config.Version = "test"
	config.LogRequests = true
	server := New(config, rt, txs, logger)

	httpServer := httptest.NewServer(server.Handler())
	t.Cleanup(httpServer.Close)

	return &testNode{
		t:      t,
		db:     db,
		rt:     rt,
		server: server,
		client: NewClient(httpServer.URL, 5*time.Second),
	}
}

func (n *testNode) keypair(lamports uint64) *types.Keypair {
	kp, err := types.NewKeypair(nil)
	require.NoError(n.t, err)
	if lamports > 0 {
		require.NoError(n.t, n.db.SetAccount(kp.Pubkey(), &accounts.Account{Lamports: lamports, Owner: types.SystemProgramAddr}))
	}
	return kp
}

func (n *testNode) tx(ix native.Instruction, signer *types.Keypair) *svm.Transaction {
	n.nonce++
	tx := svm.NewTransaction([]types.Pubkey{signer.Pubkey()}, types.ComputeHash([]byte{n.nonce}), ix)
	require.NoError(n.t, tx.Sign(signer))
	return tx
}

func (n *testNode) initialize(authority *types.Keypair) types.Signature {
	ix, err := vault.NewInitializeInstruction(programID, authority.Pubkey())
	require.NoError(n.t, err)
	sig, err := n.client.SendTransaction(context.Background(), n.tx(ix, authority), false)
	require.NoError(n.t, err)
	return sig
}

func (n *testNode) deposit(authority *types.Keypair, amount uint64) types.Signature {
	ix, err := vault.NewDepositInstruction(programID, authority.Pubkey(), authority.Pubkey(), amount)
	require.NoError(n.t, err)
	sig, err := n.client.SendTransaction(context.Background(), n.tx(ix, authority), false)
	require.NoError(n.t, err)
	return sig
}

// makeRPCRequest sends a single request straight to the handler.
func makeRPCRequest(t *testing.T, server *Server, method string, params interface{}) *Response {
	t.Helper()

	var paramsRaw json.RawMessage
	if params != nil {
		var err error
		paramsRaw, err = json.Marshal(params)
		require.NoError(t, err)
	}

	body, err := json.Marshal(Request{
		JSONRPC: JSONRPCVersion,
		ID:      1,
		Method:  method,
		Params:  paramsRaw,
	})
	require.NoError(t, err)

	httpReq := httptest.NewRequest(http.MethodPost, "/", bytes.NewReader(body))
	httpReq.Header.Set("Content-Type", "application/json")

	rr := httptest.NewRecorder()
	server.handleRPC(rr, httpReq)
	require.Equal(t, http.StatusOK, rr.Code)

	var resp Response
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	return &resp
}

func decodeResult(t *testing.T, resp *Response, v interface{}) {
	t.Helper()
	require.Nil(t, resp.Error)
	require.NoError(t, json.Unmarshal(resp.Result, v))
}

func TestGetHealth(t *testing.T) {
	n := newTestNode(t)

	var result string
	decodeResult(t, makeRPCRequest(t, n.server, "getHealth", nil), &result)
	assert.Equal(t, "ok", result)

	n.server.SetHealthy(false)
	resp := makeRPCRequest(t, n.server, "getHealth", nil)
	require.NotNil(t, resp.Error)
	assert.Equal(t, NodeUnhealthy, resp.Error.Code)
}

func TestGetVersion(t *testing.T) {
	n := newTestNode(t)

	var result VersionInfo
	decodeResult(t, makeRPCRequest(t, n.server, "getVersion", nil), &result)
	assert.Equal(t, "test", result.Version)
}

func TestGetBalance(t *testing.T) {
	n := newTestNode(t)
	kp := n.keypair(sol)

	balance, err := n.client.GetBalance(context.Background(), kp.Pubkey())
	require.NoError(t, err)
	assert.Equal(t, uint64(sol), balance)

	missing := n.keypair(0)
	balance, err = n.client.GetBalance(context.Background(), missing.Pubkey())
	require.NoError(t, err)
	assert.Zero(t, balance)
}

func TestGetAccountInfo(t *testing.T) {
	n := newTestNode(t)
	authority := n.keypair(sol)
	n.initialize(authority)

	walletAddr, _, err := vault.WalletAddress(programID, authority.Pubkey())
	require.NoError(t, err)

	for _, encoding := range []Encoding{EncodingBase64, EncodingBase58, EncodingBase64Zstd} {
		t.Run(string(encoding), func(t *testing.T) {
			var result struct {
				Context Context     `json:"context"`
				Value   AccountInfo `json:"value"`
			}
			resp := makeRPCRequest(t, n.server, "getAccountInfo", []interface{}{
				walletAddr.String(),
				AccountInfoConfig{Encoding: encoding},
			})
			decodeResult(t, resp, &result)

			assert.Equal(t, uint64(1), result.Context.Slot)
			assert.Equal(t, programID.String(), result.Value.Owner)
			assert.Equal(t, uint64(vault.RecordSize), result.Value.Space)
			require.Len(t, result.Value.Data, 2)
			assert.Equal(t, string(encoding), result.Value.Data[1])

			data, err := DecodeAccountData(result.Value.Data[0], encoding)
			require.NoError(t, err)
			record, err := vault.DecodeRecord(data)
			require.NoError(t, err)
			assert.Equal(t, authority.Pubkey(), record.Authority)
		})
	}

	t.Run("dataSlice", func(t *testing.T) {
		var result struct {
			Value AccountInfo `json:"value"`
		}
		resp := makeRPCRequest(t, n.server, "getAccountInfo", []interface{}{
			walletAddr.String(),
			AccountInfoConfig{DataSlice: &DataSlice{Offset: 0, Length: 32}},
		})
		decodeResult(t, resp, &result)
		data, err := DecodeAccountData(result.Value.Data[0], EncodingBase64)
		require.NoError(t, err)
		assert.Equal(t, authority.Pubkey().Bytes(), data)
	})

	t.Run("missing", func(t *testing.T) {
		var result struct {
			Value *AccountInfo `json:"value"`
		}
		decodeResult(t, makeRPCRequest(t, n.server, "getAccountInfo", []interface{}{n.keypair(0).Pubkey().String()}), &result)
		assert.Nil(t, result.Value)
	})

	t.Run("minContextSlot", func(t *testing.T) {
		minSlot := uint64(100)
		resp := makeRPCRequest(t, n.server, "getAccountInfo", []interface{}{
			walletAddr.String(),
			AccountInfoConfig{MinContextSlot: &minSlot},
		})
		require.NotNil(t, resp.Error)
		assert.Equal(t, MinContextSlotNotReached, resp.Error.Code)
	})
}

func TestWalletLifecycle(t *testing.T) {
	n := newTestNode(t)
	ctx := context.Background()
	authority := n.keypair(sol)

	wallet, err := n.client.GetWallet(ctx, authority.Pubkey())
	require.NoError(t, err)
	assert.False(t, wallet.Initialized)
	assert.Zero(t, wallet.VaultLamports)

	initSig := n.initialize(authority)
	n.deposit(authority, 100)

	wallet, err = n.client.GetWallet(ctx, authority.Pubkey())
	require.NoError(t, err)
	assert.True(t, wallet.Initialized)
	assert.Equal(t, uint64(100), wallet.Balance)

	rentVault, err := n.client.GetMinimumBalanceForRentExemption(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, rentVault+100, wallet.VaultLamports)

	slot, err := n.client.GetSlot(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), slot)

	rec, err := n.client.GetTransaction(ctx, initSig)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, uint64(1), rec.Slot)
	assert.Nil(t, rec.Meta.Err)
	assert.Contains(t, rec.Meta.LogMessages, "Program log: Instruction: Initialize")

	var sigs []SignatureInfo
	decodeResult(t, makeRPCRequest(t, n.server, "getSignaturesForAddress", []interface{}{authority.Pubkey().String()}), &sigs)
	require.Len(t, sigs, 2)
	assert.Equal(t, initSig.String(), sigs[1].Signature)
	assert.Equal(t, "finalized", sigs[0].ConfirmationStatus)
}

func TestSendTransactionPreflight(t *testing.T) {
	n := newTestNode(t)
	ctx := context.Background()
	authority := n.keypair(sol)
	n.initialize(authority)
	n.deposit(authority, 100)

	ix, err := vault.NewWithdrawInstruction(programID, authority.Pubkey(), authority.Pubkey(), 101)
	require.NoError(t, err)
	tx := n.tx(ix, authority)

	code, ok := vault.ErrorCode(vault.ErrInsufficientFunds)
	require.True(t, ok)
	wantErr := map[string]interface{}{
		"InstructionError": []interface{}{float64(0), map[string]interface{}{"Custom": float64(code)}},
	}

	sim, err := n.client.SimulateTransaction(ctx, tx)
	require.NoError(t, err)
	assert.Equal(t, wantErr, sim.Err)
	assert.NotEmpty(t, sim.Logs)

	_, err = n.client.SendTransaction(ctx, tx, false)
	var rpcErr *RPCError
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, SendTransactionPreflightFailure, rpcErr.Code)
	data, ok := rpcErr.Data.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, wantErr, data["err"])

	slot, err := n.client.GetSlot(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), slot, "preflight failure must not execute")

	// Skipping preflight executes and records the failure.
	sig, err := n.client.SendTransaction(ctx, tx, true)
	require.NoError(t, err)
	rec, err := n.client.GetTransaction(ctx, sig)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, uint64(3), rec.Slot)
	assert.Equal(t, wantErr, rec.Meta.Err)

	wallet, err := n.client.GetWallet(ctx, authority.Pubkey())
	require.NoError(t, err)
	assert.Equal(t, uint64(100), wallet.Balance)

	_, err = n.client.SendTransaction(ctx, tx, true)
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, SendTransactionPreflightFailure, rpcErr.Code)
	assert.Equal(t, map[string]interface{}{"err": "AlreadyProcessed", "logs": []interface{}{}, "unitsConsumed": float64(0)}, rpcErr.Data)
}

func TestSendTransactionRejectsBadInput(t *testing.T) {
	n := newTestNode(t)
	from := n.keypair(sol)
	to := n.keypair(0)
	tx := n.tx(system.Transfer(from.Pubkey(), to.Pubkey(), 10), from)

	wire := tx.Serialize()
	wire[len(wire)-1] ^= 0xff
	resp := makeRPCRequest(t, n.server, "sendTransaction", []interface{}{base64.StdEncoding.EncodeToString(wire)})
	require.NotNil(t, resp.Error)
	assert.Equal(t, TransactionSignatureVerificationFailure, resp.Error.Code)

	resp = makeRPCRequest(t, n.server, "sendTransaction", []interface{}{base64.StdEncoding.EncodeToString(wire[:10])})
	require.NotNil(t, resp.Error)
	assert.Equal(t, InvalidParams, resp.Error.Code)

	resp = makeRPCRequest(t, n.server, "sendTransaction", []interface{}{"%%%"})
	require.NotNil(t, resp.Error)
	assert.Equal(t, InvalidParams, resp.Error.Code)

	assert.Equal(t, uint64(0), n.rt.Slot())
}

func TestGetTransactionNotFound(t *testing.T) {
	n := newTestNode(t)

	rec, err := n.client.GetTransaction(context.Background(), types.Signature{1})
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestGetAccountsHash(t *testing.T) {
	n := newTestNode(t)
	n.keypair(sol)

	var result struct {
		Value AccountsHashInfo `json:"value"`
	}
	decodeResult(t, makeRPCRequest(t, n.server, "getAccountsHash", nil), &result)

	want, err := accounts.ComputeAccountsHash(n.db)
	require.NoError(t, err)
	assert.Equal(t, want.String(), result.Value.Hash)
	assert.Equal(t, uint64(3), result.Value.Accounts)
}

func TestInvalidRequests(t *testing.T) {
	n := newTestNode(t)

	resp := makeRPCRequest(t, n.server, "getBlock", nil)
	require.NotNil(t, resp.Error)
	assert.Equal(t, MethodNotFound, resp.Error.Code)
	assert.Equal(t, "Method not found: getBlock", resp.Error.Message)

	err := n.client.Call(context.Background(), "getBlock", nil, nil)
	assert.ErrorIs(t, err, ErrMethodNotFound)
	err = n.client.Call(context.Background(), "getBalance", []interface{}{"not-a-key"}, nil)
	assert.ErrorIs(t, err, ErrInvalidParams)
	assert.NotErrorIs(t, err, ErrInternalError)

	resp = makeRPCRequest(t, n.server, "getBalance", nil)
	require.NotNil(t, resp.Error)
	assert.Equal(t, InvalidParams, resp.Error.Code)

	resp = makeRPCRequest(t, n.server, "getBalance", []string{"not-a-key"})
	require.NotNil(t, resp.Error)
	assert.Equal(t, InvalidParams, resp.Error.Code)

	resp = makeRPCRequest(t, n.server, "getSignaturesForAddress", []interface{}{
		n.keypair(0).Pubkey().String(),
		SignaturesForAddressConfig{Limit: MaxSignatureLimit + 1},
	})
	require.NotNil(t, resp.Error)
	assert.Equal(t, InvalidParams, resp.Error.Code)

	rr := httptest.NewRecorder()
	n.server.handleRPC(rr, httptest.NewRequest(http.MethodPost, "/", bytes.NewReader([]byte("{"))))
	var parsed Response
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &parsed))
	require.NotNil(t, parsed.Error)
	assert.Equal(t, ParseError, parsed.Error.Code)

	rr = httptest.NewRecorder()
	n.server.handleRPC(rr, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rr.Code)
}

func TestHistoryNotAvailable(t *testing.T) {
	rt := svm.New(accounts.NewMemoryDB(), nil, svm.DefaultConfig(), zaptest.NewLogger(t))
	server := New(DefaultConfig(), rt, nil, zaptest.NewLogger(t))

	resp := makeRPCRequest(t, server, "getTransaction", []interface{}{types.Signature{1}.String()})
	require.NotNil(t, resp.Error)
	assert.Equal(t, TransactionHistoryNotAvailable, resp.Error.Code)
}

func TestBatchRequest(t *testing.T) {
	n := newTestNode(t)

	requests := []Request{
		{JSONRPC: JSONRPCVersion, ID: 1, Method: "getHealth"},
		{JSONRPC: JSONRPCVersion, ID: 2, Method: "getSlot"},
		{JSONRPC: "1.0", ID: 3, Method: "getSlot"},
	}

	body, err := json.Marshal(requests)
	require.NoError(t, err)
	httpReq := httptest.NewRequest(http.MethodPost, "/", bytes.NewReader(body))
	httpReq.Header.Set("Content-Type", "application/json")

	rr := httptest.NewRecorder()
	n.server.handleRPC(rr, httpReq)

	var responses []Response
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &responses))
	require.Len(t, responses, 3)

	assert.Nil(t, responses[0].Error)
	assert.Nil(t, responses[1].Error)
	assert.Equal(t, "0", string(responses[1].Result))
	require.NotNil(t, responses[2].Error)
	assert.Equal(t, InvalidRequest, responses[2].Error.Code)
}

func TestCORSHeaders(t *testing.T) {
	n := newTestNode(t)

	req := httptest.NewRequest(http.MethodOptions, "/", nil)
	req.Header.Set("Origin", "http://example.com")

	rr := httptest.NewRecorder()
	n.server.Handler().ServeHTTP(rr, req)

	assert.Equal(t, http.StatusNoContent, rr.Code)
	assert.Equal(t, "http://example.com", rr.Header().Get("Access-Control-Allow-Origin"))
}

func TestServerLifecycle(t *testing.T) {
	n := newTestNode(t)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		errCh <- n.server.Start(ctx)
	}()

	<-ctx.Done()

	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Error("Server did not stop in time")
	}
}

func TestTransactionError(t *testing.T) {
	index := 2
	custom := uint32(8)

	assert.Nil(t, TransactionError(nil))
	assert.Equal(t, "AlreadyProcessed", TransactionError(&txlog.Error{Message: "AlreadyProcessed"}))

	out, err := json.Marshal(TransactionError(&txlog.Error{InstructionIndex: &index, Custom: &custom, Message: "x"}))
	require.NoError(t, err)
	assert.JSONEq(t, `{"InstructionError":[2,{"Custom":8}]}`, string(out))

	out, err = json.Marshal(TransactionError(&txlog.Error{InstructionIndex: &index, Message: "CallDepth"}))
	require.NoError(t, err)
	assert.JSONEq(t, `{"InstructionError":[2,"CallDepth"]}`, string(out))
}

func TestEncoding(t *testing.T) {
	data := bytes.Repeat([]byte{1, 2, 3, 4, 5}, 40)

	for _, encoding := range []Encoding{EncodingBase58, EncodingBase64, EncodingBase64Zstd} {
		encoded, err := EncodeAccountData(data, encoding)
		require.NoError(t, err)
		require.Len(t, encoded, 2)
		assert.Equal(t, string(encoding), encoded[1])

		decoded, err := DecodeAccountData(encoded[0], encoding)
		require.NoError(t, err)
		assert.Equal(t, data, decoded)
	}

	_, err := EncodeAccountData(data, "jsonParsed")
	assert.ErrorIs(t, err, ErrUnsupportedEncoding)
	_, err = EncodeTransaction(data, EncodingBase64Zstd)
	assert.ErrorIs(t, err, ErrUnsupportedEncoding)
}

func TestDataSlice(t *testing.T) {
	data := []byte{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}

	assert.Equal(t, []byte{2, 3, 4, 5}, ApplyDataSlice(data, &DataSlice{Offset: 2, Length: 4}))
	assert.Equal(t, data, ApplyDataSlice(data, nil))
	assert.Empty(t, ApplyDataSlice(data, &DataSlice{Offset: 100, Length: 4}))
	assert.Equal(t, []byte{8, 9}, ApplyDataSlice(data, &DataSlice{Offset: 8, Length: 10}))
}
