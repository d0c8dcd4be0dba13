package rpc

import (
	"context"
	"encoding/json"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/fortiblox/x1-vault/internal/types"
	"github.com/fortiblox/x1-vault/pkg/accounts"
	"github.com/fortiblox/x1-vault/pkg/svm"
	"github.com/fortiblox/x1-vault/pkg/svm/programs/vault"
	"github.com/fortiblox/x1-vault/pkg/txlog"
)

// FeatureSet is reported by getVersion.
const FeatureSet = 0

// MaxBase58DataSize is the largest account data getAccountInfo encodes as base58.
const MaxBase58DataSize = 128

// MaxSignatureLimit bounds getSignaturesForAddress.
const MaxSignatureLimit = txlog.DefaultSignatureLimit

// Account Methods

// getAccountInfo retrieves account information.
func (s *Server) getAccountInfo(ctx context.Context, params json.RawMessage) (interface{}, *RPCError) {
	// Parse params: [pubkey, config?]
	args, rpcErr := parseArgs(params, 1)
	if rpcErr != nil {
		return nil, rpcErr
	}
	pubkey, rpcErr := parsePubkey(args[0])
	if rpcErr != nil {
		return nil, rpcErr
	}

	var config AccountInfoConfig
	if rpcErr := parseConfig(args, &config); rpcErr != nil {
		return nil, rpcErr
	}
	if config.Encoding == "" {
		config.Encoding = EncodingBase64
	}

	currentSlot, rpcErr := s.contextSlot(config.MinContextSlot)
	if rpcErr != nil {
		return nil, rpcErr
	}

	account, rpcErr := s.loadAccount(pubkey)
	if rpcErr != nil {
		return nil, rpcErr
	}
	if account == nil {
		return ResponseWithContext{Context: Context{Slot: currentSlot}, Value: nil}, nil
	}

	accountInfo, rpcErr := accountToAccountInfo(account, config.Encoding, config.DataSlice)
	if rpcErr != nil {
		return nil, rpcErr
	}

	return ResponseWithContext{
		Context: Context{Slot: currentSlot},
		Value:   accountInfo,
	}, nil
}

// getBalance retrieves account balance.
func (s *Server) getBalance(ctx context.Context, params json.RawMessage) (interface{}, *RPCError) {
	args, rpcErr := parseArgs(params, 1)
	if rpcErr != nil {
		return nil, rpcErr
	}
	pubkey, rpcErr := parsePubkey(args[0])
	if rpcErr != nil {
		return nil, rpcErr
	}

	var config BalanceConfig
	if rpcErr := parseConfig(args, &config); rpcErr != nil {
		return nil, rpcErr
	}

	currentSlot, rpcErr := s.contextSlot(config.MinContextSlot)
	if rpcErr != nil {
		return nil, rpcErr
	}

	account, rpcErr := s.loadAccount(pubkey)
	if rpcErr != nil {
		return nil, rpcErr
	}
	var lamports uint64
	if account != nil {
		lamports = account.Lamports
	}

	return ResponseWithContext{
		Context: Context{Slot: currentSlot},
		Value:   lamports,
	}, nil
}

// getWallet returns an authority's derived wallet and vault addresses, the
// wallet record status and the vault balance.
func (s *Server) getWallet(ctx context.Context, params json.RawMessage) (interface{}, *RPCError) {
	args, rpcErr := parseArgs(params, 1)
	if rpcErr != nil {
		return nil, rpcErr
	}
	authority, rpcErr := parsePubkey(args[0])
	if rpcErr != nil {
		return nil, rpcErr
	}

	var config BalanceConfig
	if rpcErr := parseConfig(args, &config); rpcErr != nil {
		return nil, rpcErr
	}
	currentSlot, rpcErr := s.contextSlot(config.MinContextSlot)
	if rpcErr != nil {
		return nil, rpcErr
	}

	programID := s.config.VaultProgramID
	walletAddr, walletBump, err := vault.WalletAddress(programID, authority)
	if err != nil {
		return nil, InternalServerErrorf("derive wallet: %v", err)
	}
	vaultAddr, vaultBump, err := vault.VaultAddress(programID, authority)
	if err != nil {
		return nil, InternalServerErrorf("derive vault: %v", err)
	}

	info := WalletInfo{
		Authority:  authority.String(),
		Wallet:     walletAddr.String(),
		WalletBump: walletBump,
		Vault:      vaultAddr.String(),
		VaultBump:  vaultBump,
	}

	wallet, rpcErr := s.loadAccount(walletAddr)
	if rpcErr != nil {
		return nil, rpcErr
	}
	if wallet != nil && wallet.Owner == programID {
		record, err := vault.DecodeRecord(wallet.Data)
		info.Initialized = err == nil && record.Authority == authority && record.Vault == vaultAddr
	}

	vaultAccount, rpcErr := s.loadAccount(vaultAddr)
	if rpcErr != nil {
		return nil, rpcErr
	}
	if vaultAccount != nil {
		info.VaultLamports = vaultAccount.Lamports
		minimum := s.runtime.Rent().MinimumBalance(uint64(len(vaultAccount.Data)))
		if vaultAccount.Lamports > minimum {
			info.Balance = vaultAccount.Lamports - minimum
		}
	}

	return ResponseWithContext{
		Context: Context{Slot: currentSlot},
		Value:   info,
	}, nil
}

// getAccountsHash returns the state hash over every ledger account.
func (s *Server) getAccountsHash(ctx context.Context, params json.RawMessage) (interface{}, *RPCError) {
	db := s.runtime.DB()
	slot := s.runtime.Slot()
	hash, err := accounts.ComputeAccountsHash(db)
	if err != nil {
		return nil, InternalServerErrorf("failed to hash accounts: %v", err)
	}
	count, err := db.AccountsCount()
	if err != nil {
		return nil, InternalServerErrorf("failed to count accounts: %v", err)
	}
	return ResponseWithContext{
		Context: Context{Slot: slot},
		Value:   AccountsHashInfo{Hash: hash.String(), Accounts: count},
	}, nil
}

// Transaction Methods

// sendTransaction executes a signed wire transaction and returns its
// signature. Unless skipPreflight is set the transaction is simulated
// first and rejected if the simulation fails.
func (s *Server) sendTransaction(ctx context.Context, params json.RawMessage) (interface{}, *RPCError) {
	args, rpcErr := parseArgs(params, 1)
	if rpcErr != nil {
		return nil, rpcErr
	}
	var config SendTransactionConfig
	if rpcErr := parseConfig(args, &config); rpcErr != nil {
		return nil, rpcErr
	}
	tx, rpcErr := parseTransaction(args[0], config.Encoding)
	if rpcErr != nil {
		return nil, rpcErr
	}

	if !config.SkipPreflight {
		sim, err := s.runtime.Simulate(ctx, tx)
		if err != nil {
			return nil, rejected(err)
		}
		if !sim.Success() {
			return nil, PreflightFailureError(simulateResult(sim))
		}
	}

	result, err := s.runtime.ExecuteTransaction(ctx, tx)
	if err != nil {
		return nil, rejected(err)
	}

	s.log.Debug("transaction submitted",
		zap.Stringer("signature", result.Signature),
		zap.Uint64("slot", result.Slot),
		zap.Bool("success", result.Success()),
	)
	return result.Signature.String(), nil
}

// simulateTransaction executes a transaction without committing it.
func (s *Server) simulateTransaction(ctx context.Context, params json.RawMessage) (interface{}, *RPCError) {
	args, rpcErr := parseArgs(params, 1)
	if rpcErr != nil {
		return nil, rpcErr
	}
	var config SimulateTransactionConfig
	if rpcErr := parseConfig(args, &config); rpcErr != nil {
		return nil, rpcErr
	}
	tx, rpcErr := parseTransaction(args[0], config.Encoding)
	if rpcErr != nil {
		return nil, rpcErr
	}

	result, err := s.runtime.Simulate(ctx, tx)
	if err != nil {
		return nil, rejected(err)
	}

	return ResponseWithContext{
		Context: Context{Slot: result.Slot},
		Value:   simulateResult(result),
	}, nil
}

// getTransaction retrieves an executed transaction by signature.
func (s *Server) getTransaction(ctx context.Context, params json.RawMessage) (interface{}, *RPCError) {
	if s.txs == nil {
		return nil, ErrHistoryNotAvailable
	}

	args, rpcErr := parseArgs(params, 1)
	if rpcErr != nil {
		return nil, rpcErr
	}
	var sigStr string
	if err := json.Unmarshal(args[0], &sigStr); err != nil {
		return nil, InvalidParamsError("invalid signature")
	}
	sig, err := types.SignatureFromBase58(sigStr)
	if err != nil {
		return nil, InvalidParamsError("invalid signature format")
	}

	var config TransactionConfig
	if rpcErr := parseConfig(args, &config); rpcErr != nil {
		return nil, rpcErr
	}
	if config.Encoding == "" {
		config.Encoding = EncodingBase64
	}

	rec, err := s.txs.Get(sig)
	if err != nil {
		if errors.Is(err, txlog.ErrTransactionNotFound) {
			return nil, nil
		}
		return nil, InternalServerErrorf("failed to get transaction: %v", err)
	}

	encoded, err := EncodeTransaction(rec.Transaction, config.Encoding)
	if err != nil {
		return nil, InvalidParamsErrorf("invalid encoding: %v", err)
	}

	blockTime := rec.BlockTime
	logs := rec.Logs
	if logs == nil {
		logs = []string{}
	}
	return TransactionResponse{
		Slot:        rec.Slot,
		BlockTime:   &blockTime,
		Transaction: []string{encoded, string(config.Encoding)},
		Meta: &TransactionMeta{
			Err:                  TransactionError(rec.Err),
			LogMessages:          logs,
			ComputeUnitsConsumed: rec.ComputeUnits,
		},
	}, nil
}

// getSignaturesForAddress returns the signatures of transactions that
// referenced an address, newest first.
func (s *Server) getSignaturesForAddress(ctx context.Context, params json.RawMessage) (interface{}, *RPCError) {
	if s.txs == nil {
		return nil, ErrHistoryNotAvailable
	}

	args, rpcErr := parseArgs(params, 1)
	if rpcErr != nil {
		return nil, rpcErr
	}
	address, rpcErr := parsePubkey(args[0])
	if rpcErr != nil {
		return nil, rpcErr
	}

	var config SignaturesForAddressConfig
	if rpcErr := parseConfig(args, &config); rpcErr != nil {
		return nil, rpcErr
	}
	limit := config.Limit
	if limit <= 0 {
		limit = MaxSignatureLimit
	}
	if limit > MaxSignatureLimit {
		return nil, InvalidParamsErrorf("Invalid limit; max %d", MaxSignatureLimit)
	}

	infos, err := s.txs.SignaturesForAddress(address, limit)
	if err != nil {
		return nil, InternalServerErrorf("failed to get signatures: %v", err)
	}

	result := make([]SignatureInfo, 0, len(infos))
	for _, info := range infos {
		blockTime := info.BlockTime
		result = append(result, SignatureInfo{
			Signature:          info.Signature.String(),
			Slot:               info.Slot,
			Err:                TransactionError(info.Err),
			BlockTime:          &blockTime,
			ConfirmationStatus: "finalized",
		})
	}
	return result, nil
}

// Cluster Methods

// getSlot returns the current slot.
func (s *Server) getSlot(ctx context.Context, params json.RawMessage) (interface{}, *RPCError) {
	return s.runtime.Slot(), nil
}

// getHealth returns the node health status.
func (s *Server) getHealth(ctx context.Context, params json.RawMessage) (interface{}, *RPCError) {
	if !s.IsHealthy() {
		return nil, ErrNodeUnhealthy
	}
	return "ok", nil
}

// getVersion returns the node version.
func (s *Server) getVersion(ctx context.Context, params json.RawMessage) (interface{}, *RPCError) {
	return VersionInfo{
		Version:    s.config.Version,
		FeatureSet: FeatureSet,
	}, nil
}

// Info Methods

// getMinimumBalanceForRentExemption returns the rent-exempt minimum for a
// data size.
func (s *Server) getMinimumBalanceForRentExemption(ctx context.Context, params json.RawMessage) (interface{}, *RPCError) {
	args, rpcErr := parseArgs(params, 1)
	if rpcErr != nil {
		return nil, rpcErr
	}
	var dataSize uint64
	if err := json.Unmarshal(args[0], &dataSize); err != nil {
		return nil, InvalidParamsError("invalid data size")
	}
	if dataSize > accounts.MaxAccountDataSize {
		return nil, InvalidParamsErrorf("data size %d exceeds %d", dataSize, accounts.MaxAccountDataSize)
	}
	return s.runtime.Rent().MinimumBalance(dataSize), nil
}

// Helper functions

// parseArgs decodes positional params and requires at least min of them.
func parseArgs(params json.RawMessage, min int) ([]json.RawMessage, *RPCError) {
	var args []json.RawMessage
	if len(params) > 0 {
		if err := json.Unmarshal(params, &args); err != nil {
			return nil, ErrInvalidParams
		}
	}
	if len(args) < min {
		return nil, InvalidParamsErrorf("expected at least %d params, got %d", min, len(args))
	}
	return args, nil
}

// parseConfig decodes the optional config object following the first param.
func parseConfig(args []json.RawMessage, config interface{}) *RPCError {
	if len(args) < 2 || string(args[1]) == "null" {
		return nil
	}
	if err := json.Unmarshal(args[1], config); err != nil {
		return InvalidParamsError("invalid config")
	}
	return nil
}

func parsePubkey(raw json.RawMessage) (types.Pubkey, *RPCError) {
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return types.Pubkey{}, InvalidParamsError("invalid pubkey")
	}
	pubkey, err := types.PubkeyFromBase58(s)
	if err != nil {
		return types.Pubkey{}, InvalidParamsError("invalid pubkey format")
	}
	return pubkey, nil
}

func parseTransaction(raw json.RawMessage, encoding Encoding) (*svm.Transaction, *RPCError) {
	var encoded string
	if err := json.Unmarshal(raw, &encoded); err != nil {
		return nil, InvalidParamsError("invalid transaction")
	}
	data, err := DecodeTransaction(encoded, encoding)
	if err != nil {
		return nil, InvalidParamsErrorf("failed to decode transaction: %v", err)
	}
	tx, err := svm.DeserializeTransaction(data)
	if err != nil {
		return nil, InvalidParamsErrorf("failed to deserialize transaction: %v", err)
	}
	return tx, nil
}

// contextSlot returns the current slot, failing if it is below minSlot.
func (s *Server) contextSlot(minSlot *uint64) (uint64, *RPCError) {
	currentSlot := s.runtime.Slot()
	if minSlot != nil && *minSlot > currentSlot {
		return 0, MinContextSlotError(*minSlot, currentSlot)
	}
	return currentSlot, nil
}

// loadAccount returns nil for accounts that do not exist.
func (s *Server) loadAccount(pubkey types.Pubkey) (*accounts.Account, *RPCError) {
	account, err := s.runtime.DB().GetAccount(pubkey)
	if err != nil {
		if errors.Is(err, accounts.ErrAccountNotFound) {
			return nil, nil
		}
		return nil, InternalServerErrorf("failed to get account: %v", err)
	}
	return account, nil
}

// accountToAccountInfo converts an account to its RPC form.
func accountToAccountInfo(account *accounts.Account, encoding Encoding, slice *DataSlice) (*AccountInfo, *RPCError) {
	data := ApplyDataSlice(account.Data, slice)
	if encoding == EncodingBase58 && len(data) > MaxBase58DataSize {
		return nil, InvalidParamsErrorf("Encoded binary (base 58) data should be less than %d bytes, please use Base64 encoding.", MaxBase58DataSize)
	}

	encoded, err := EncodeAccountData(data, encoding)
	if err != nil {
		return nil, InvalidParamsErrorf("invalid encoding: %v", err)
	}

	return &AccountInfo{
		Data:       encoded,
		Executable: account.Executable,
		Lamports:   account.Lamports,
		Owner:      account.Owner.String(),
		RentEpoch:  account.RentEpoch,
		Space:      uint64(len(account.Data)),
	}, nil
}

func simulateResult(result *svm.ExecutionResult) *SimulateResult {
	logs := result.Logs
	if logs == nil {
		logs = []string{}
	}
	return &SimulateResult{
		Err:           TransactionError(result.ErrorInfo()),
		Logs:          logs,
		UnitsConsumed: result.ComputeUnitsConsumed,
	}
}

// rejected maps a transaction the runtime refused to execute to an RPC error.
func rejected(err error) *RPCError {
	switch {
	case errors.Is(err, svm.ErrSignatureFailure), errors.Is(err, svm.ErrMissingSignature):
		return NewRPCErrorWithData(TransactionSignatureVerificationFailure, ErrSignatureVerification.Message, err.Error())
	case errors.Is(err, svm.ErrAlreadyProcessed):
		return PreflightFailureError(&SimulateResult{Err: "AlreadyProcessed", Logs: []string{}})
	case errors.Is(err, svm.ErrMalformedTransaction):
		return InvalidParamsErrorf("invalid transaction: %v", err)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return InternalServerErrorf("request canceled: %v", err)
	default:
		return InternalServerErrorf("failed to execute transaction: %v", err)
	}
}
