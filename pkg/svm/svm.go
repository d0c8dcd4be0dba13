// Package svm implements the execution environment for the vault ledger.
//
// The runtime is responsible for:
// - Verifying transaction signatures
// - Loading referenced accounts into a per-transaction working set
// - Executing native programs, including cross-program invocation
// - Verifying every account change against the executing program
// - Compute unit metering
// - Committing the working set atomically, or discarding it on failure
package svm

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/fortiblox/x1-vault/internal/types"
	"github.com/fortiblox/x1-vault/pkg/accounts"
	"github.com/fortiblox/x1-vault/pkg/svm/native"
	"github.com/fortiblox/x1-vault/pkg/txlog"
)

// Transaction-level errors. A transaction failing with one of these is
// rejected without being executed or recorded.
var (
	ErrMissingSignature = errors.New("missing signature")
	ErrSignatureFailure = errors.New("signature verification failed")
	ErrAlreadyProcessed = errors.New("transaction already processed")
)

// Instruction-level errors raised by the runtime.
var (
	ErrProgramNotFound             = errors.New("unsupported program id")
	ErrMissingRequiredSignature    = errors.New("missing required signature for instruction")
	ErrMissingAccount              = errors.New("an account required by the instruction is missing")
	ErrCallDepth                   = errors.New("cross-program invocation call depth too deep")
	ErrPrivilegeEscalation         = errors.New("cross-program invocation with unauthorized signer or writable account")
	ErrInvalidSeeds                = errors.New("provided seeds do not result in a valid address")
	ErrUnbalancedInstruction       = errors.New("sum of account balances before and after instruction do not match")
	ErrReadonlyLamportChange       = errors.New("instruction changed the balance of a read-only account")
	ErrReadonlyDataModified        = errors.New("instruction modified data of a read-only account")
	ErrExternalAccountLamportSpend = errors.New("instruction spent from the balance of an account it does not own")
	ErrExternalAccountDataModified = errors.New("instruction modified data of an account it does not own")
	ErrModifiedProgramID           = errors.New("instruction illegally modified the program id of an account")
	ErrExecutableModified          = errors.New("instruction changed executable account")
)

// errorNames are the stable names reported for runtime errors.
var errorNames = []struct {
	err  error
	name string
}{
	{ErrProgramNotFound, "UnsupportedProgramId"},
	{ErrMissingRequiredSignature, "MissingRequiredSignature"},
	{ErrMissingAccount, "MissingAccount"},
	{ErrCallDepth, "CallDepth"},
	{ErrPrivilegeEscalation, "PrivilegeEscalation"},
	{ErrInvalidSeeds, "InvalidSeeds"},
	{ErrUnbalancedInstruction, "UnbalancedInstruction"},
	{ErrReadonlyLamportChange, "ReadonlyLamportChange"},
	{ErrReadonlyDataModified, "ReadonlyDataModified"},
	{ErrExternalAccountLamportSpend, "ExternalAccountLamportSpend"},
	{ErrExternalAccountDataModified, "ExternalAccountDataModified"},
	{ErrModifiedProgramID, "ModifiedProgramId"},
	{ErrExecutableModified, "ExecutableModified"},
	{ErrComputeExceeded, "ComputationalBudgetExceeded"},
}

// ErrorName returns the stable name of a runtime error, or the error text
// for anything else.
func ErrorName(err error) string {
	for _, en := range errorNames {
		if errors.Is(err, en.err) {
			return en.name
		}
	}
	return err.Error()
}

// InstructionError reports which instruction of a transaction failed.
type InstructionError struct {
	Index int
	Err   error

	// Custom is the failing program's error code, if it assigned one.
	Custom *uint32
}

func (e *InstructionError) Error() string {
	if e.Custom != nil {
		return fmt.Sprintf("instruction %d failed: custom program error %#x: %v", e.Index, *e.Custom, e.Err)
	}
	return fmt.Sprintf("instruction %d failed: %v", e.Index, e.Err)
}

func (e *InstructionError) Unwrap() error {
	return e.Err
}

// ExecutionResult contains the result of transaction execution.
type ExecutionResult struct {
	Signature types.Signature

	// Slot is the slot the transaction executed in. For simulations it is
	// the current slot.
	Slot uint64

	// Err is nil on success, otherwise an *InstructionError.
	Err error

	// Logs contains program log messages.
	Logs []string

	// ComputeUnitsConsumed is the number of compute units used.
	ComputeUnitsConsumed uint64
}

// Success reports whether the transaction succeeded.
func (r *ExecutionResult) Success() bool {
	return r.Err == nil
}

// ErrorInfo converts Err to its recorded form.
func (r *ExecutionResult) ErrorInfo() *txlog.Error {
	if r.Err == nil {
		return nil
	}
	var ie *InstructionError
	if !errors.As(r.Err, &ie) {
		return &txlog.Error{Message: ErrorName(r.Err)}
	}
	index := ie.Index
	return &txlog.Error{
		InstructionIndex: &index,
		Custom:           ie.Custom,
		Message:          ErrorName(ie.Err),
	}
}

// Recorder stores executed transactions.
type Recorder interface {
	Has(sig types.Signature) (bool, error)
	Put(rec *txlog.Record) error
}

// Config holds runtime configuration.
type Config struct {
	// ComputeUnitLimit is the per-transaction compute budget.
	ComputeUnitLimit uint64

	// Rent sets rent-exempt minimums.
	Rent Rent

	// MaxLogMessages bounds the logs kept per transaction.
	MaxLogMessages int
}

// DefaultConfig returns the default runtime configuration.
func DefaultConfig() Config {
	return Config{
		ComputeUnitLimit: CUDefault,
		Rent:             DefaultRent(),
		MaxLogMessages:   256,
	}
}

type programEntry struct {
	name     string
	program  native.Program
	baseCost uint64
}

// Runtime executes transactions against an accounts database.
type Runtime struct {
	db       accounts.DB
	recorder Recorder
	config   Config
	log      *zap.Logger

	programs map[types.Pubkey]*programEntry

	// mu serializes transaction processing.
	mu  sync.Mutex
	now func() time.Time
}

// New creates a runtime over db. recorder may be nil.
func New(db accounts.DB, recorder Recorder, config Config, logger *zap.Logger) *Runtime {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.ComputeUnitLimit == 0 {
		config.ComputeUnitLimit = CUDefault
	}
	if config.Rent == (Rent{}) {
		config.Rent = DefaultRent()
	}
	if config.MaxLogMessages <= 0 {
		config.MaxLogMessages = DefaultConfig().MaxLogMessages
	}
	return &Runtime{
		db:       db,
		recorder: recorder,
		config:   config,
		log:      logger.Named("svm"),
		programs: make(map[types.Pubkey]*programEntry),
		now:      time.Now,
	}
}

// RegisterProgram makes a native program invocable at id. Each invocation
// charges baseCost compute units.
func (r *Runtime) RegisterProgram(id types.Pubkey, name string, program native.Program, baseCost uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.programs[id] = &programEntry{name: name, program: program, baseCost: baseCost}
	r.log.Debug("registered program", zap.String("name", name), zap.Stringer("id", id))
}

// InstallProgramAccounts creates an executable account for every registered
// program that does not have one yet.
func (r *Runtime) InstallProgramAccounts() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var entries []accounts.AccountEntry
	for id, p := range r.programs {
		exists, err := r.db.HasAccount(id)
		if err != nil {
			return err
		}
		if exists {
			continue
		}
		entries = append(entries, accounts.AccountEntry{
			Pubkey: id,
			Account: &accounts.Account{
				Lamports:   1,
				Data:       []byte(p.name),
				Owner:      types.NativeLoaderAddr,
				Executable: true,
			},
		})
	}
	if err := r.db.Apply(entries); err != nil {
		return errors.Wrap(err, "install program accounts")
	}
	return r.db.Commit()
}

// DB returns the accounts database.
func (r *Runtime) DB() accounts.DB {
	return r.db
}

// Rent returns the rent parameters.
func (r *Runtime) Rent() Rent {
	return r.config.Rent
}

// Slot returns the current slot.
func (r *Runtime) Slot() uint64 {
	return r.db.GetSlot()
}

// ExecuteTransaction verifies and executes tx. Instruction failures are
// reported in the result, with all account changes discarded; the returned
// error is reserved for transactions that were rejected outright or could
// not be committed.
func (r *Runtime) ExecuteTransaction(ctx context.Context, tx *Transaction) (*ExecutionResult, error) {
	return r.process(ctx, tx, true)
}

// Simulate executes tx without committing any change.
func (r *Runtime) Simulate(ctx context.Context, tx *Transaction) (*ExecutionResult, error) {
	return r.process(ctx, tx, false)
}

func (r *Runtime) process(ctx context.Context, tx *Transaction, commit bool) (*ExecutionResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := tx.Message.Validate(); err != nil {
		return nil, err
	}
	if err := tx.VerifySignatures(); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	sig := tx.Signature()
	if r.recorder != nil {
		seen, err := r.recorder.Has(sig)
		if err != nil {
			return nil, errors.Wrap(err, "check transaction log")
		}
		if seen {
			return nil, ErrAlreadyProcessed
		}
	}

	e := newExecution(r, tx)
	execErr := e.run()
	if e.loadErr != nil {
		return nil, e.loadErr
	}

	result := &ExecutionResult{
		Signature:            sig,
		Slot:                 r.db.GetSlot(),
		Err:                  execErr,
		Logs:                 e.logs,
		ComputeUnitsConsumed: e.meter.Consumed(),
	}
	if !commit {
		return result, nil
	}

	var changed []accounts.AccountEntry
	if execErr == nil {
		changed = e.changedAccounts()
	}
	slot := result.Slot + 1
	result.Slot = slot

	// The record is written before the accounts so that a transaction
	// whose effects were committed is always seen by Has.
	if r.recorder != nil {
		rec := &txlog.Record{
			Signature:    sig,
			Slot:         slot,
			BlockTime:    r.now().Unix(),
			Accounts:     tx.Message.AccountKeys(),
			Err:          result.ErrorInfo(),
			ComputeUnits: result.ComputeUnitsConsumed,
			Logs:         result.Logs,
			Transaction:  tx.Serialize(),
		}
		if err := r.recorder.Put(rec); err != nil {
			r.log.Error("failed to record transaction", zap.Stringer("signature", sig), zap.Error(err))
			return nil, errors.Wrap(err, "record transaction")
		}
	}

	if err := r.db.Apply(changed); err != nil {
		return nil, errors.Wrap(err, "commit accounts")
	}
	if err := r.db.SetSlot(slot); err != nil {
		return nil, err
	}
	if err := r.db.Commit(); err != nil {
		return nil, errors.Wrap(err, "commit slot")
	}

	if execErr != nil {
		r.log.Info("transaction failed",
			zap.Stringer("signature", sig),
			zap.Uint64("slot", slot),
			zap.Error(execErr),
		)
	} else {
		r.log.Debug("transaction executed",
			zap.Stringer("signature", sig),
			zap.Uint64("slot", slot),
			zap.Int("accounts_changed", len(changed)),
			zap.Uint64("compute_units", result.ComputeUnitsConsumed),
		)
	}
	return result, nil
}

func (r *Runtime) errorCode(programID types.Pubkey, err error) (uint32, bool) {
	entry, ok := r.programs[programID]
	if !ok {
		return 0, false
	}
	coder, ok := entry.program.(native.ErrorCoder)
	if !ok {
		return 0, false
	}
	return coder.ErrorCode(err)
}
