package svm

import (
	"bytes"
	"fmt"
	"math/bits"

	"github.com/pkg/errors"

	"github.com/fortiblox/x1-vault/internal/types"
	"github.com/fortiblox/x1-vault/pkg/accounts"
	"github.com/fortiblox/x1-vault/pkg/pda"
	"github.com/fortiblox/x1-vault/pkg/svm/native"
)

// execution is the state of one transaction.
type execution struct {
	rt *Runtime
	tx *Transaction

	// working holds the current state of every loaded account; original
	// holds the state as loaded, to find what changed.
	working  map[types.Pubkey]*accounts.Account
	original map[types.Pubkey]*accounts.Account
	order    []types.Pubkey

	signers map[types.Pubkey]bool
	meter   *ComputeMeter
	logs    []string
	depth   int

	// failure is the innermost frame that failed, so a custom error
	// propagated unchanged by its callers keeps the callee's code.
	failure *frameFailure

	// loadErr is a storage failure; it aborts the transaction outright.
	loadErr error
}

type frameFailure struct {
	programID types.Pubkey
	err       error
}

func newExecution(rt *Runtime, tx *Transaction) *execution {
	signers := make(map[types.Pubkey]bool, len(tx.Message.Signers))
	for _, s := range tx.Message.Signers {
		signers[s] = true
	}
	return &execution{
		rt:       rt,
		tx:       tx,
		working:  make(map[types.Pubkey]*accounts.Account),
		original: make(map[types.Pubkey]*accounts.Account),
		signers:  signers,
		meter:    NewComputeMeter(rt.config.ComputeUnitLimit),
	}
}

// run executes every instruction in order, stopping at the first failure.
func (e *execution) run() error {
	if err := e.meter.Consume(CUSignatureVerify * uint64(len(e.tx.Signatures))); err != nil {
		return &InstructionError{Index: 0, Err: err}
	}

	for i, ix := range e.tx.Message.Instructions {
		if err := e.invoke(ix.ProgramID, ix.Accounts, ix.Data, nil, nil); err != nil {
			if e.loadErr != nil {
				return e.loadErr
			}
			return e.instructionError(i, ix.ProgramID, err)
		}
	}
	return nil
}

func (e *execution) instructionError(index int, programID types.Pubkey, err error) *InstructionError {
	ie := &InstructionError{Index: index, Err: err}
	code, ok := e.rt.errorCode(programID, err)
	if !ok && e.failure != nil && errors.Is(err, e.failure.err) {
		code, ok = e.rt.errorCode(e.failure.programID, err)
	}
	if ok {
		ie.Custom = &code
	}
	return ie
}

func (e *execution) logf(format string, args ...interface{}) {
	limit := e.rt.config.MaxLogMessages
	switch {
	case len(e.logs) < limit:
		e.logs = append(e.logs, fmt.Sprintf(format, args...))
	case len(e.logs) == limit:
		e.logs = append(e.logs, "Log truncated")
	}
}

// load returns the working copy of key, reading it from the database on
// first use. Missing accounts load as empty system accounts.
func (e *execution) load(key types.Pubkey) (*accounts.Account, error) {
	if acc, ok := e.working[key]; ok {
		return acc, nil
	}

	acc, err := e.rt.db.GetAccount(key)
	switch {
	case err == accounts.ErrAccountNotFound:
		acc = &accounts.Account{Owner: types.SystemProgramAddr}
	case err != nil:
		e.loadErr = errors.Wrapf(err, "load account %s", key)
		return nil, e.loadErr
	}

	e.working[key] = acc
	e.original[key] = acc.Clone()
	e.order = append(e.order, key)
	return acc, nil
}

// changedAccounts returns the accounts whose state differs from what was
// loaded, in load order.
func (e *execution) changedAccounts() []accounts.AccountEntry {
	var entries []accounts.AccountEntry
	for _, key := range e.order {
		cur, orig := e.working[key], e.original[key]
		if accountEqual(cur, orig) {
			continue
		}
		entries = append(entries, accounts.AccountEntry{Pubkey: key, Account: cur.Clone()})
	}
	return entries
}

func accountEqual(a, b *accounts.Account) bool {
	return a.Lamports == b.Lamports &&
		a.Owner == b.Owner &&
		a.Executable == b.Executable &&
		a.RentEpoch == b.RentEpoch &&
		bytes.Equal(a.Data, b.Data)
}

// invoke runs one program invocation. caller is nil at the top level.
func (e *execution) invoke(programID types.Pubkey, metas []native.AccountMeta, data []byte, caller *frame, pdaSigners map[types.Pubkey]bool) error {
	if e.depth >= CPIDepthMax {
		return ErrCallDepth
	}
	entry, ok := e.rt.programs[programID]
	if !ok {
		return errors.Wrapf(ErrProgramNotFound, "%s", programID)
	}

	f, err := e.newFrame(programID, metas, caller, pdaSigners)
	if err != nil {
		return err
	}

	e.depth++
	defer func() { e.depth-- }()
	e.logf("Program %s invoke [%d]", programID, e.depth)

	before := e.meter.Consumed()
	err = e.meter.Consume(entry.baseCost)
	if err == nil {
		err = entry.program.Process(f, data)
	}
	if err == nil {
		err = f.verify()
	}
	e.logf("Program %s consumed %d of %d compute units", programID, e.meter.Consumed()-before, e.meter.Limit())

	if err != nil {
		if e.failure == nil {
			e.failure = &frameFailure{programID: programID, err: err}
		}
		e.logf("Program %s failed: %v", programID, err)
		return err
	}

	// Any inner failure was handled by this program.
	e.failure = nil
	f.commit()
	e.logf("Program %s success", programID)
	return nil
}

// frame is the InvokeContext of one program invocation.
type frame struct {
	exec      *execution
	programID types.Pubkey

	// infos follows the instruction's account order; unique holds each
	// distinct account once, with pre its state at the last verification.
	infos  []*native.AccountInfo
	unique []*native.AccountInfo
	pre    []native.AccountInfo
	byKey  map[types.Pubkey]*native.AccountInfo
}

func (e *execution) newFrame(programID types.Pubkey, metas []native.AccountMeta, caller *frame, pdaSigners map[types.Pubkey]bool) (*frame, error) {
	f := &frame{
		exec:      e,
		programID: programID,
		infos:     make([]*native.AccountInfo, 0, len(metas)),
		byKey:     make(map[types.Pubkey]*native.AccountInfo, len(metas)),
	}

	for _, meta := range metas {
		if caller == nil {
			if meta.IsSigner && !e.signers[meta.Pubkey] {
				return nil, errors.Wrapf(ErrMissingRequiredSignature, "%s", meta.Pubkey)
			}
		} else {
			parent, ok := caller.byKey[meta.Pubkey]
			if !ok {
				return nil, errors.Wrapf(ErrMissingAccount, "%s", meta.Pubkey)
			}
			if meta.IsSigner && !parent.IsSigner && !pdaSigners[meta.Pubkey] {
				return nil, errors.Wrapf(ErrPrivilegeEscalation, "%s signer privilege escalated", meta.Pubkey)
			}
			if meta.IsWritable && !parent.IsWritable {
				return nil, errors.Wrapf(ErrPrivilegeEscalation, "%s writable privilege escalated", meta.Pubkey)
			}
		}

		info, ok := f.byKey[meta.Pubkey]
		if !ok {
			acc, err := e.load(meta.Pubkey)
			if err != nil {
				return nil, err
			}
			info = &native.AccountInfo{Key: meta.Pubkey}
			setInfo(info, acc)
			f.byKey[meta.Pubkey] = info
			f.unique = append(f.unique, info)
		}
		info.IsSigner = info.IsSigner || meta.IsSigner
		info.IsWritable = info.IsWritable || meta.IsWritable
		f.infos = append(f.infos, info)
	}

	f.snapshot()
	return f, nil
}

func setInfo(info *native.AccountInfo, acc *accounts.Account) {
	info.Owner = acc.Owner
	info.Lamports = acc.Lamports
	info.Data = append([]byte{}, acc.Data...)
	info.Executable = acc.Executable
	info.RentEpoch = acc.RentEpoch
}

// snapshot records the current state as the baseline for verify.
func (f *frame) snapshot() {
	f.pre = make([]native.AccountInfo, len(f.unique))
	for i, info := range f.unique {
		f.pre[i] = *info
		f.pre[i].Data = append([]byte{}, info.Data...)
	}
}

// verify checks every change since the last snapshot against the rules
// for the executing program.
func (f *frame) verify() error {
	var preHi, preLo, postHi, postLo, carry uint64
	for i, post := range f.unique {
		pre := &f.pre[i]

		preLo, carry = bits.Add64(preLo, pre.Lamports, 0)
		preHi += carry
		postLo, carry = bits.Add64(postLo, post.Lamports, 0)
		postHi += carry

		if err := f.verifyAccount(pre, post); err != nil {
			return errors.Wrapf(err, "account %s", post.Key)
		}
	}
	if preHi != postHi || preLo != postLo {
		return ErrUnbalancedInstruction
	}
	return nil
}

func (f *frame) verifyAccount(pre, post *native.AccountInfo) error {
	ownedByProgram := pre.Owner == f.programID
	dataChanged := !bytes.Equal(pre.Data, post.Data)

	if pre.Executable {
		if post.Lamports != pre.Lamports || post.Owner != pre.Owner || dataChanged || !post.Executable {
			return ErrExecutableModified
		}
		return nil
	}
	if post.Executable {
		return ErrExecutableModified
	}

	if post.Owner != pre.Owner {
		if !post.IsWritable || !ownedByProgram || !isZeroed(post.Data) {
			return ErrModifiedProgramID
		}
	}

	if post.Lamports != pre.Lamports {
		if !post.IsWritable {
			return ErrReadonlyLamportChange
		}
		if post.Lamports < pre.Lamports && !ownedByProgram {
			return ErrExternalAccountLamportSpend
		}
	}

	if dataChanged {
		if !post.IsWritable {
			return ErrReadonlyDataModified
		}
		if !ownedByProgram {
			return ErrExternalAccountDataModified
		}
	}
	return nil
}

func isZeroed(data []byte) bool {
	for _, b := range data {
		if b != 0 {
			return false
		}
	}
	return true
}

// commit writes the frame's accounts into the working set.
func (f *frame) commit() {
	for _, info := range f.unique {
		acc := f.exec.working[info.Key]
		acc.Owner = info.Owner
		acc.Lamports = info.Lamports
		acc.Data = append([]byte{}, info.Data...)
		acc.Executable = info.Executable
		acc.RentEpoch = info.RentEpoch
	}
}

// refresh reloads the frame's accounts from the working set after a
// cross-program invocation and takes a new baseline.
func (f *frame) refresh() {
	for _, info := range f.unique {
		setInfo(info, f.exec.working[info.Key])
	}
	f.snapshot()
}

// ProgramID implements native.InvokeContext.
func (f *frame) ProgramID() types.Pubkey {
	return f.programID
}

// NumAccounts implements native.InvokeContext.
func (f *frame) NumAccounts() int {
	return len(f.infos)
}

// GetAccount implements native.InvokeContext.
func (f *frame) GetAccount(index int) (*native.AccountInfo, error) {
	if index < 0 || index >= len(f.infos) {
		return nil, native.ErrAccountIndex
	}
	return f.infos[index], nil
}

// GetRentMinimum implements native.InvokeContext.
func (f *frame) GetRentMinimum(dataLen uint64) uint64 {
	return f.exec.rt.config.Rent.MinimumBalance(dataLen)
}

// ConsumeCompute implements native.InvokeContext.
func (f *frame) ConsumeCompute(units uint64) error {
	return f.exec.meter.Consume(units)
}

// ConsumeFindIteration implements native.InvokeContext and pda.Meter.
func (f *frame) ConsumeFindIteration() error {
	return f.exec.meter.Consume(CUFindProgramAddress)
}

// Log implements native.InvokeContext.
func (f *frame) Log(msg string) {
	f.exec.logf("Program log: %s", msg)
}

// InvokeSigned implements native.InvokeContext.
func (f *frame) InvokeSigned(ix native.Instruction, signerSeeds [][][]byte) error {
	e := f.exec
	if err := e.meter.Consume(CUInvokeBase); err != nil {
		return err
	}
	if _, ok := f.byKey[ix.ProgramID]; !ok {
		return errors.Wrapf(ErrMissingAccount, "program %s", ix.ProgramID)
	}

	pdaSigners := make(map[types.Pubkey]bool, len(signerSeeds))
	for _, seeds := range signerSeeds {
		addr, err := pda.CreateProgramAddress(seeds, f.programID)
		if err != nil {
			return errors.Wrap(ErrInvalidSeeds, err.Error())
		}
		pdaSigners[addr] = true
	}

	// The callee must observe the caller's changes so far.
	if err := f.verify(); err != nil {
		return err
	}
	f.commit()

	if err := e.invoke(ix.ProgramID, ix.Accounts, ix.Data, f, pdaSigners); err != nil {
		return err
	}

	f.refresh()
	return nil
}

var _ native.InvokeContext = (*frame)(nil)
var _ pda.Meter = (*frame)(nil)
