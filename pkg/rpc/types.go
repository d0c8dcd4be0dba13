package rpc

import (
	"encoding/json"
)

// JSON-RPC 2.0 constants.
const (
	JSONRPCVersion = "2.0"
)

// Request represents a JSON-RPC 2.0 request.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      interface{}     `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Response represents a JSON-RPC 2.0 response.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      interface{}     `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// response is the outgoing form of Response. A successful response always
// carries a result member, even when it is null.
type response struct {
	JSONRPC string
	ID      interface{}
	Result  interface{}
	Error   *RPCError
}

func (r *response) MarshalJSON() ([]byte, error) {
	if r.Error != nil {
		return json.Marshal(struct {
			JSONRPC string      `json:"jsonrpc"`
			ID      interface{} `json:"id"`
			Error   *RPCError   `json:"error"`
		}{r.JSONRPC, r.ID, r.Error})
	}
	return json.Marshal(struct {
		JSONRPC string      `json:"jsonrpc"`
		ID      interface{} `json:"id"`
		Result  interface{} `json:"result"`
	}{r.JSONRPC, r.ID, r.Result})
}

// RPCError represents a JSON-RPC 2.0 error.
type RPCError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// Context provides slot context for RPC responses.
type Context struct {
	Slot uint64 `json:"slot"`
}

// ResponseWithContext wraps a value with context.
type ResponseWithContext struct {
	Context Context     `json:"context"`
	Value   interface{} `json:"value"`
}

// Encoding types for account and transaction data.
type Encoding string

const (
	EncodingBase58     Encoding = "base58"
	EncodingBase64     Encoding = "base64"
	EncodingBase64Zstd Encoding = "base64+zstd"
)

// DataSlice specifies a portion of account data to return.
type DataSlice struct {
	Offset uint64 `json:"offset"`
	Length uint64 `json:"length"`
}

// AccountInfoConfig configures getAccountInfo requests.
type AccountInfoConfig struct {
	Encoding       Encoding   `json:"encoding,omitempty"`
	DataSlice      *DataSlice `json:"dataSlice,omitempty"`
	MinContextSlot *uint64    `json:"minContextSlot,omitempty"`
}

// SendTransactionConfig configures sendTransaction requests.
type SendTransactionConfig struct {
	Encoding      Encoding `json:"encoding,omitempty"`
	SkipPreflight bool     `json:"skipPreflight,omitempty"`
}

// SimulateTransactionConfig configures simulateTransaction requests.
type SimulateTransactionConfig struct {
	Encoding Encoding `json:"encoding,omitempty"`
}

// TransactionConfig configures getTransaction requests.
type TransactionConfig struct {
	Encoding Encoding `json:"encoding,omitempty"`
}

// BalanceConfig configures getBalance and getWallet requests.
type BalanceConfig struct {
	MinContextSlot *uint64 `json:"minContextSlot,omitempty"`
}

// SignaturesForAddressConfig configures getSignaturesForAddress requests.
type SignaturesForAddressConfig struct {
	Limit int `json:"limit,omitempty"`
}

// AccountInfo represents account information returned by RPC.
type AccountInfo struct {
	Data       []string `json:"data"` // [encoded, encoding]
	Executable bool     `json:"executable"`
	Lamports   uint64   `json:"lamports"`
	Owner      string   `json:"owner"`
	RentEpoch  uint64   `json:"rentEpoch"`
	Space      uint64   `json:"space"`
}

// WalletInfo describes the wallet and vault of an authority.
type WalletInfo struct {
	Authority   string `json:"authority"`
	Wallet      string `json:"wallet"`
	WalletBump  uint8  `json:"walletBump"`
	Vault       string `json:"vault"`
	VaultBump   uint8  `json:"vaultBump"`
	Initialized bool   `json:"initialized"`

	// VaultLamports is the vault's full balance; Balance is the part above
	// its rent-exempt minimum.
	VaultLamports uint64 `json:"vaultLamports"`
	Balance       uint64 `json:"balance"`
}

// AccountsHashInfo is the result of getAccountsHash.
type AccountsHashInfo struct {
	Hash     string `json:"hash"`
	Accounts uint64 `json:"accounts"`
}

// SimulateResult is the value of a simulateTransaction response.
type SimulateResult struct {
	Err           interface{} `json:"err"`
	Logs          []string    `json:"logs"`
	UnitsConsumed uint64      `json:"unitsConsumed"`
}

// TransactionMeta contains transaction execution metadata.
type TransactionMeta struct {
	Err                  interface{} `json:"err"`
	Fee                  uint64      `json:"fee"`
	LogMessages          []string    `json:"logMessages"`
	ComputeUnitsConsumed uint64      `json:"computeUnitsConsumed"`
}

// TransactionResponse represents a transaction returned by getTransaction.
type TransactionResponse struct {
	Slot        uint64           `json:"slot"`
	BlockTime   *int64           `json:"blockTime"`
	Transaction []string         `json:"transaction"` // [encoded, encoding]
	Meta        *TransactionMeta `json:"meta"`
}

// SignatureInfo represents a signature entry for getSignaturesForAddress.
type SignatureInfo struct {
	Signature          string      `json:"signature"`
	Slot               uint64      `json:"slot"`
	Err                interface{} `json:"err"`
	BlockTime          *int64      `json:"blockTime"`
	ConfirmationStatus string      `json:"confirmationStatus"`
}

// VersionInfo is the result of getVersion.
type VersionInfo struct {
	Version    string `json:"x1-vault"`
	FeatureSet uint32 `json:"feature-set"`
}
