package svm

import (
	"encoding/binary"

	"github.com/pkg/errors"

	"github.com/fortiblox/x1-vault/internal/types"
	"github.com/fortiblox/x1-vault/pkg/svm/native"
)

// Transaction limits.
const (
	MaxSigners             = 16
	MaxInstructions        = 32
	MaxInstructionAccounts = 64
	MaxInstructionData     = 10 * 1024
	MaxTransactionSize     = 64 * 1024
)

// Account meta flag bits in the wire format.
const (
	metaFlagSigner   = 1 << 0
	metaFlagWritable = 1 << 1
)

// ErrMalformedTransaction is returned for undecodable transactions.
var ErrMalformedTransaction = errors.New("malformed transaction")

// Message is the signed part of a transaction.
type Message struct {
	// Signers are the accounts that must sign; the first is the fee payer.
	Signers []types.Pubkey

	// RecentBlockhash makes otherwise identical messages distinct.
	RecentBlockhash types.Hash

	Instructions []native.Instruction
}

// Transaction is a Message plus one signature per signer.
type Transaction struct {
	Signatures []types.Signature
	Message    Message
}

// NewTransaction builds an unsigned transaction.
func NewTransaction(signers []types.Pubkey, recentBlockhash types.Hash, instructions ...native.Instruction) *Transaction {
	return &Transaction{
		Signatures: make([]types.Signature, len(signers)),
		Message: Message{
			Signers:         signers,
			RecentBlockhash: recentBlockhash,
			Instructions:    instructions,
		},
	}
}

// Serialize encodes the message.
//
// Format:
//
//	signer count u8, signers (32 each), recent blockhash (32),
//	instruction count u8, then for each instruction:
//	program id (32), account count u8, (pubkey (32), flags u8) per account,
//	data length u16 LE, data
func (m *Message) Serialize() []byte {
	size := 1 + 32*len(m.Signers) + 32 + 1
	for _, ix := range m.Instructions {
		size += 32 + 1 + 33*len(ix.Accounts) + 2 + len(ix.Data)
	}

	buf := make([]byte, 0, size)
	buf = append(buf, byte(len(m.Signers)))
	for _, s := range m.Signers {
		buf = append(buf, s[:]...)
	}
	buf = append(buf, m.RecentBlockhash[:]...)

	buf = append(buf, byte(len(m.Instructions)))
	for _, ix := range m.Instructions {
		buf = append(buf, ix.ProgramID[:]...)
		buf = append(buf, byte(len(ix.Accounts)))
		for _, meta := range ix.Accounts {
			buf = append(buf, meta.Pubkey[:]...)
			var flags byte
			if meta.IsSigner {
				flags |= metaFlagSigner
			}
			if meta.IsWritable {
				flags |= metaFlagWritable
			}
			buf = append(buf, flags)
		}
		buf = binary.LittleEndian.AppendUint16(buf, uint16(len(ix.Data)))
		buf = append(buf, ix.Data...)
	}
	return buf
}

// Validate checks structural limits.
func (m *Message) Validate() error {
	switch {
	case len(m.Signers) == 0:
		return errors.Wrap(ErrMalformedTransaction, "no signers")
	case len(m.Signers) > MaxSigners:
		return errors.Wrapf(ErrMalformedTransaction, "%d signers exceeds %d", len(m.Signers), MaxSigners)
	case len(m.Instructions) == 0:
		return errors.Wrap(ErrMalformedTransaction, "no instructions")
	case len(m.Instructions) > MaxInstructions:
		return errors.Wrapf(ErrMalformedTransaction, "%d instructions exceeds %d", len(m.Instructions), MaxInstructions)
	}

	seen := make(map[types.Pubkey]bool, len(m.Signers))
	for _, s := range m.Signers {
		if seen[s] {
			return errors.Wrapf(ErrMalformedTransaction, "duplicate signer %s", s)
		}
		seen[s] = true
	}

	for i, ix := range m.Instructions {
		if len(ix.Accounts) > MaxInstructionAccounts {
			return errors.Wrapf(ErrMalformedTransaction, "instruction %d: too many accounts", i)
		}
		if len(ix.Data) > MaxInstructionData {
			return errors.Wrapf(ErrMalformedTransaction, "instruction %d: data too large", i)
		}
	}
	return nil
}

// AccountKeys returns every key the message references, signers first, each
// once.
func (m *Message) AccountKeys() []types.Pubkey {
	seen := make(map[types.Pubkey]bool)
	var keys []types.Pubkey
	add := func(k types.Pubkey) {
		if !seen[k] {
			seen[k] = true
			keys = append(keys, k)
		}
	}
	for _, s := range m.Signers {
		add(s)
	}
	for _, ix := range m.Instructions {
		for _, meta := range ix.Accounts {
			add(meta.Pubkey)
		}
		add(ix.ProgramID)
	}
	return keys
}

// Sign signs the message with each keypair, placing each signature at its
// signer's position.
func (tx *Transaction) Sign(signers ...*types.Keypair) error {
	msg := tx.Message.Serialize()
	if len(tx.Signatures) != len(tx.Message.Signers) {
		tx.Signatures = make([]types.Signature, len(tx.Message.Signers))
	}

	for _, kp := range signers {
		pub := kp.Pubkey()
		found := false
		for i, s := range tx.Message.Signers {
			if s == pub {
				tx.Signatures[i] = kp.Sign(msg)
				found = true
				break
			}
		}
		if !found {
			return errors.Errorf("keypair %s is not a signer of this transaction", pub)
		}
	}
	return nil
}

// Signature returns the first signature, which identifies the transaction.
func (tx *Transaction) Signature() types.Signature {
	if len(tx.Signatures) == 0 {
		return types.Signature{}
	}
	return tx.Signatures[0]
}

// VerifySignatures checks that every signer has a valid signature.
func (tx *Transaction) VerifySignatures() error {
	if len(tx.Signatures) != len(tx.Message.Signers) {
		return errors.Wrapf(ErrMissingSignature, "%d signatures for %d signers", len(tx.Signatures), len(tx.Message.Signers))
	}
	msg := tx.Message.Serialize()
	for i, s := range tx.Message.Signers {
		if !tx.Signatures[i].Verify(s, msg) {
			return errors.Wrapf(ErrSignatureFailure, "signer %s", s)
		}
	}
	return nil
}

// Serialize encodes the transaction: signature count u8, signatures (64
// each), then the serialized message.
func (tx *Transaction) Serialize() []byte {
	msg := tx.Message.Serialize()
	buf := make([]byte, 0, 1+64*len(tx.Signatures)+len(msg))
	buf = append(buf, byte(len(tx.Signatures)))
	for _, s := range tx.Signatures {
		buf = append(buf, s[:]...)
	}
	return append(buf, msg...)
}

type decoder struct {
	data []byte
	off  int
}

func (d *decoder) take(n int) ([]byte, error) {
	if n < 0 || len(d.data)-d.off < n {
		return nil, errors.Wrapf(ErrMalformedTransaction, "need %d bytes at offset %d, have %d", n, d.off, len(d.data)-d.off)
	}
	b := d.data[d.off : d.off+n]
	d.off += n
	return b, nil
}

func (d *decoder) u8() (byte, error) {
	b, err := d.take(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (d *decoder) pubkey() (types.Pubkey, error) {
	var p types.Pubkey
	b, err := d.take(32)
	if err != nil {
		return p, err
	}
	copy(p[:], b)
	return p, nil
}

// DeserializeTransaction decodes a transaction produced by Serialize.
// Trailing bytes are rejected.
func DeserializeTransaction(data []byte) (*Transaction, error) {
	if len(data) > MaxTransactionSize {
		return nil, errors.Wrapf(ErrMalformedTransaction, "%d bytes exceeds %d", len(data), MaxTransactionSize)
	}
	d := &decoder{data: data}
	tx := &Transaction{}

	n, err := d.u8()
	if err != nil {
		return nil, err
	}
	for i := 0; i < int(n); i++ {
		b, err := d.take(64)
		if err != nil {
			return nil, err
		}
		var s types.Signature
		copy(s[:], b)
		tx.Signatures = append(tx.Signatures, s)
	}

	if n, err = d.u8(); err != nil {
		return nil, err
	}
	for i := 0; i < int(n); i++ {
		p, err := d.pubkey()
		if err != nil {
			return nil, err
		}
		tx.Message.Signers = append(tx.Message.Signers, p)
	}

	b, err := d.take(32)
	if err != nil {
		return nil, err
	}
	copy(tx.Message.RecentBlockhash[:], b)

	if n, err = d.u8(); err != nil {
		return nil, err
	}
	for i := 0; i < int(n); i++ {
		var ix native.Instruction
		if ix.ProgramID, err = d.pubkey(); err != nil {
			return nil, err
		}
		count, err := d.u8()
		if err != nil {
			return nil, err
		}
		for j := 0; j < int(count); j++ {
			var meta native.AccountMeta
			if meta.Pubkey, err = d.pubkey(); err != nil {
				return nil, err
			}
			flags, err := d.u8()
			if err != nil {
				return nil, err
			}
			if flags&^(metaFlagSigner|metaFlagWritable) != 0 {
				return nil, errors.Wrapf(ErrMalformedTransaction, "unknown account flags %#x", flags)
			}
			meta.IsSigner = flags&metaFlagSigner != 0
			meta.IsWritable = flags&metaFlagWritable != 0
			ix.Accounts = append(ix.Accounts, meta)
		}
		lenBuf, err := d.take(2)
		if err != nil {
			return nil, err
		}
		payload, err := d.take(int(binary.LittleEndian.Uint16(lenBuf)))
		if err != nil {
			return nil, err
		}
		ix.Data = append([]byte{}, payload...)
		tx.Message.Instructions = append(tx.Message.Instructions, ix)
	}

	if d.off != len(data) {
		return nil, errors.Wrapf(ErrMalformedTransaction, "%d trailing bytes", len(data)-d.off)
	}
	return tx, nil
}
