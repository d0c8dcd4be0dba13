package vault

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/fortiblox/x1-vault/internal/types"
)

// Error types.
var (
	ErrMalformed          = errors.New("malformed data")
	ErrUnknownInstruction = errors.New("unknown instruction")
	ErrWrongOwner         = errors.New("account not owned by the vault program")
	ErrSignerRequired     = errors.New("account must sign")
	ErrNotWritable        = errors.New("account must be writable")
	ErrDerivationMismatch = errors.New("account address does not match its derivation")
	ErrUnauthorized       = errors.New("wallet authority does not match signer")
	ErrAlreadyInitialized = errors.New("account already initialized")
	ErrInsufficientFunds  = errors.New("insufficient funds")
	ErrAccountCount       = errors.New("wrong number of accounts")
	ErrUnexpectedAccount  = errors.New("unexpected account")
	ErrIncorrectProgramID = errors.New("incorrect program id")
	ErrArithmeticOverflow = errors.New("arithmetic overflow")
	ErrSystemProgram      = errors.New("system program call failed")
)

// errorCodes assigns the custom error codes reported by the runtime.
// ErrUnknownInstruction precedes ErrMalformed because an unknown tag is
// both.
var errorCodes = []struct {
	err  error
	code uint32
}{
	{ErrUnknownInstruction, 1},
	{ErrMalformed, 0},
	{ErrWrongOwner, 2},
	{ErrSignerRequired, 3},
	{ErrNotWritable, 4},
	{ErrDerivationMismatch, 5},
	{ErrUnauthorized, 6},
	{ErrAlreadyInitialized, 7},
	{ErrInsufficientFunds, 8},
	{ErrAccountCount, 9},
	{ErrUnexpectedAccount, 10},
	{ErrIncorrectProgramID, 11},
	{ErrArithmeticOverflow, 12},
	{ErrSystemProgram, 13},
}

// ErrorCode returns the custom error code for err.
func ErrorCode(err error) (uint32, bool) {
	for _, ec := range errorCodes {
		if errors.Is(err, ec.err) {
			return ec.code, true
		}
	}
	return 0, false
}

// DecodeError is returned for instruction payloads and records that do not
// match their fixed layout.
type DecodeError struct {
	What   string
	Reason string

	unknownTag bool
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode %s: %s", e.What, e.Reason)
}

// Is matches ErrMalformed, and ErrUnknownInstruction for an unrecognized
// tag.
func (e *DecodeError) Is(target error) bool {
	return target == ErrMalformed || (e.unknownTag && target == ErrUnknownInstruction)
}

// AccountError identifies the account that failed a check.
type AccountError struct {
	Role  string
	Index int
	Key   types.Pubkey
	Err   error
}

func (e *AccountError) Error() string {
	return fmt.Sprintf("%s account %d (%s): %v", e.Role, e.Index, e.Key, e.Err)
}

func (e *AccountError) Unwrap() error {
	return e.Err
}
