package rpc

import (
	"fmt"

	"github.com/fortiblox/x1-vault/pkg/txlog"
)

// JSON-RPC 2.0 standard error codes.
const (
	// ParseError indicates invalid JSON was received.
	ParseError = -32700

	// InvalidRequest indicates the JSON sent is not a valid Request object.
	InvalidRequest = -32600

	// MethodNotFound indicates the method does not exist.
	MethodNotFound = -32601

	// InvalidParams indicates invalid method parameters.
	InvalidParams = -32602

	// InternalError indicates an internal JSON-RPC error.
	InternalError = -32603
)

// Server error codes, numbered as on Solana RPC nodes.
const (
	// SendTransactionPreflightFailure indicates preflight simulation failed.
	SendTransactionPreflightFailure = -32002

	// TransactionSignatureVerificationFailure indicates signature verification failed.
	TransactionSignatureVerificationFailure = -32003

	// NodeUnhealthy indicates the node is unhealthy.
	NodeUnhealthy = -32005

	// TransactionHistoryNotAvailable indicates transaction history not available.
	TransactionHistoryNotAvailable = -32011

	// MinContextSlotNotReached indicates min context slot not yet reached.
	MinContextSlotNotReached = -32016
)

// Common error messages.
var (
	ErrParseError            = NewRPCError(ParseError, "Parse error")
	ErrInvalidRequest        = NewRPCError(InvalidRequest, "Invalid Request")
	ErrMethodNotFound        = NewRPCError(MethodNotFound, "Method not found")
	ErrInvalidParams         = NewRPCError(InvalidParams, "Invalid params")
	ErrInternalError         = NewRPCError(InternalError, "Internal error")
	ErrNodeUnhealthy         = NewRPCError(NodeUnhealthy, "Node is unhealthy")
	ErrHistoryNotAvailable   = NewRPCError(TransactionHistoryNotAvailable, "Transaction history is not available from this node")
	ErrSignatureVerification = NewRPCError(TransactionSignatureVerificationFailure, "Transaction signature verification failure")
)

// NewRPCError creates a new RPC error.
func NewRPCError(code int, message string) *RPCError {
	return &RPCError{
		Code:    code,
		Message: message,
	}
}

// NewRPCErrorWithData creates a new RPC error with additional data.
func NewRPCErrorWithData(code int, message string, data interface{}) *RPCError {
	return &RPCError{
		Code:    code,
		Message: message,
		Data:    data,
	}
}

// Error implements the error interface.
func (e *RPCError) Error() string {
	if e.Data != nil {
		return fmt.Sprintf("RPC error %d: %s (data: %v)", e.Code, e.Message, e.Data)
	}
	return fmt.Sprintf("RPC error %d: %s", e.Code, e.Message)
}

// Is reports whether target is an *RPCError with the same code, so a
// detailed error still matches its sentinel.
func (e *RPCError) Is(target error) bool {
	t, ok := target.(*RPCError)
	return ok && t.Code == e.Code
}

// WithDetail returns a copy of e with detail appended to its message.
func (e *RPCError) WithDetail(detail string) *RPCError {
	return &RPCError{
		Code:    e.Code,
		Message: e.Message + ": " + detail,
		Data:    e.Data,
	}
}

// InvalidParamsError creates an invalid params error with a custom message.
func InvalidParamsError(msg string) *RPCError {
	return ErrInvalidParams.WithDetail(msg)
}

// InvalidParamsErrorf creates an invalid params error with a formatted message.
func InvalidParamsErrorf(format string, args ...interface{}) *RPCError {
	return ErrInvalidParams.WithDetail(fmt.Sprintf(format, args...))
}

// InternalServerErrorf creates an internal server error with a formatted message.
func InternalServerErrorf(format string, args ...interface{}) *RPCError {
	return ErrInternalError.WithDetail(fmt.Sprintf(format, args...))
}

// MinContextSlotError creates an error for min context slot not reached.
func MinContextSlotError(minSlot, currentSlot uint64) *RPCError {
	return NewRPCErrorWithData(MinContextSlotNotReached,
		fmt.Sprintf("Minimum context slot %d has not been reached, current slot is %d", minSlot, currentSlot),
		map[string]uint64{"minSlot": minSlot, "currentSlot": currentSlot})
}

// PreflightFailureError reports a sendTransaction whose simulation failed.
func PreflightFailureError(result *SimulateResult) *RPCError {
	return NewRPCErrorWithData(SendTransactionPreflightFailure,
		fmt.Sprintf("Transaction simulation failed: %v", result.Err), result)
}

// TransactionError renders a transaction failure the way Solana RPC does:
// nil on success, {"InstructionError":[index, {"Custom":code}]} for a
// program error code, {"InstructionError":[index, "Name"]} for runtime
// errors, and the bare name otherwise.
func TransactionError(e *txlog.Error) interface{} {
	if e == nil {
		return nil
	}
	if e.InstructionIndex == nil {
		return e.Message
	}
	var detail interface{} = e.Message
	if e.Custom != nil {
		detail = map[string]uint32{"Custom": *e.Custom}
	}
	return map[string][]interface{}{
		"InstructionError": {*e.InstructionIndex, detail},
	}
}
