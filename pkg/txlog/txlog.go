// Package txlog provides persistent storage for executed transactions.
//
// Every transaction the runtime executes, successful or not, is recorded
// with its slot, status, compute usage and program logs, and indexed under
// each account it referenced.
package txlog

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/pkg/errors"
	bolt "go.etcd.io/bbolt"
	"go.uber.org/zap"

	"github.com/fortiblox/x1-vault/internal/types"
)

var (
	// ErrTransactionNotFound is returned when a transaction doesn't exist.
	ErrTransactionNotFound = errors.New("transaction not found")

	// ErrClosed is returned when operating on a closed log.
	ErrClosed = errors.New("transaction log closed")
)

// Bucket names for BoltDB.
var (
	// bucketTxBySignature stores records keyed by signature.
	bucketTxBySignature = []byte("tx_by_sig")

	// bucketAddressSignatures indexes signatures by address+slot+signature.
	bucketAddressSignatures = []byte("addr_sigs")

	// bucketMetadata stores log metadata.
	bucketMetadata = []byte("metadata")
)

// Metadata keys.
var (
	keyLatestSlot       = []byte("latest_slot")
	keyTransactionCount = []byte("transaction_count")
)

// DefaultSignatureLimit bounds SignaturesForAddress when no limit is given.
const DefaultSignatureLimit = 1000

// Config holds transaction log configuration options.
type Config struct {
	// Path is the database file path.
	Path string

	// NoSync disables fsync after each write (faster but less durable).
	NoSync bool

	// Timeout is how long Open waits for the file lock.
	Timeout time.Duration
}

// DefaultConfig returns the default transaction log configuration.
func DefaultConfig(path string) Config {
	return Config{
		Path:    path,
		Timeout: 5 * time.Second,
	}
}

// Error describes why a transaction failed.
type Error struct {
	// InstructionIndex is set when a specific instruction failed.
	InstructionIndex *int `json:"instructionIndex,omitempty"`

	// Custom is the program's numeric error code, if it assigned one.
	Custom *uint32 `json:"custom,omitempty"`

	// Message is the error text.
	Message string `json:"message"`
}

// Record is a single executed transaction.
type Record struct {
	Signature    types.Signature `json:"signature"`
	Slot         uint64          `json:"slot"`
	BlockTime    int64           `json:"blockTime"`
	Accounts     []types.Pubkey  `json:"accounts"`
	Err          *Error          `json:"err,omitempty"`
	ComputeUnits uint64          `json:"computeUnits"`
	Logs         []string        `json:"logs"`

	// Transaction is the wire encoding of the executed transaction.
	Transaction []byte `json:"transaction"`
}

// SignatureInfo is one entry of an address history.
type SignatureInfo struct {
	Signature types.Signature
	Slot      uint64
	BlockTime int64
	Err       *Error
}

// Log is a BoltDB-backed transaction log.
type Log struct {
	db  *bolt.DB
	log *zap.Logger

	mu               sync.RWMutex
	latestSlot       uint64
	transactionCount uint64
	closed           bool
}

// Open creates or opens a transaction log.
func Open(config Config, logger *zap.Logger) (*Log, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	if err := os.MkdirAll(filepath.Dir(config.Path), 0755); err != nil {
		return nil, errors.Wrap(err, "create directory")
	}

	opts := &bolt.Options{
		Timeout: config.Timeout,
		NoSync:  config.NoSync,
	}
	db, err := bolt.Open(config.Path, 0600, opts)
	if err != nil {
		return nil, errors.Wrap(err, "open database")
	}

	l := &Log{
		db:  db,
		log: logger.Named("txlog"),
	}
	if err := l.initBuckets(); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "init buckets")
	}
	if err := l.loadCachedValues(); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "load cached values")
	}

	l.log.Debug("opened transaction log",
		zap.String("path", config.Path),
		zap.Uint64("latest_slot", l.latestSlot),
		zap.Uint64("transactions", l.transactionCount),
	)
	return l, nil
}

// initBuckets creates all required buckets.
func (l *Log) initBuckets() error {
	return l.db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketTxBySignature, bucketAddressSignatures, bucketMetadata} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return errors.Wrapf(err, "create bucket %s", name)
			}
		}
		return nil
	})
}

// loadCachedValues loads frequently-accessed values into memory.
func (l *Log) loadCachedValues() error {
	return l.db.View(func(tx *bolt.Tx) error {
		meta := tx.Bucket(bucketMetadata)
		if v := meta.Get(keyLatestSlot); v != nil {
			l.latestSlot = decodeUint64(v)
		}
		if v := meta.Get(keyTransactionCount); v != nil {
			l.transactionCount = decodeUint64(v)
		}
		return nil
	})
}

// Put records a transaction. Recording the same signature twice replaces
// the earlier record.
func (l *Log) Put(rec *Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return errors.Wrap(err, "encode record")
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrClosed
	}

	latest := l.latestSlot
	if rec.Slot > latest {
		latest = rec.Slot
	}
	count := l.transactionCount

	err = l.db.Update(func(tx *bolt.Tx) error {
		txs := tx.Bucket(bucketTxBySignature)
		if txs.Get(rec.Signature[:]) == nil {
			count++
		}
		if err := txs.Put(rec.Signature[:], data); err != nil {
			return err
		}

		idx := tx.Bucket(bucketAddressSignatures)
		for _, addr := range rec.Accounts {
			if err := idx.Put(encodeAddressKey(addr, rec.Slot, rec.Signature), []byte{}); err != nil {
				return err
			}
		}

		meta := tx.Bucket(bucketMetadata)
		if err := meta.Put(keyLatestSlot, encodeUint64(latest)); err != nil {
			return err
		}
		return meta.Put(keyTransactionCount, encodeUint64(count))
	})
	if err != nil {
		return errors.Wrap(err, "put record")
	}

	l.latestSlot = latest
	l.transactionCount = count
	return nil
}

// Get retrieves a transaction by signature.
func (l *Log) Get(sig types.Signature) (*Record, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return nil, ErrClosed
	}

	var rec Record
	err := l.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketTxBySignature).Get(sig[:])
		if data == nil {
			return ErrTransactionNotFound
		}
		return json.Unmarshal(data, &rec)
	})
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// Has reports whether a transaction with sig has been recorded.
func (l *Log) Has(sig types.Signature) (bool, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return false, ErrClosed
	}

	var found bool
	err := l.db.View(func(tx *bolt.Tx) error {
		found = tx.Bucket(bucketTxBySignature).Get(sig[:]) != nil
		return nil
	})
	return found, err
}

// SignaturesForAddress returns up to limit transactions that referenced
// address, newest first. A limit <= 0 means DefaultSignatureLimit.
func (l *Log) SignaturesForAddress(address types.Pubkey, limit int) ([]SignatureInfo, error) {
	if limit <= 0 {
		limit = DefaultSignatureLimit
	}

	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return nil, ErrClosed
	}

	var results []SignatureInfo
	err := l.db.View(func(tx *bolt.Tx) error {
		txs := tx.Bucket(bucketTxBySignature)
		c := tx.Bucket(bucketAddressSignatures).Cursor()
		prefix := address[:]

		// Seek past the last key with our prefix, then walk backwards.
		end := make([]byte, addressKeyLen)
		copy(end, prefix)
		for i := 32; i < addressKeyLen; i++ {
			end[i] = 0xFF
		}
		k, _ := c.Seek(end)
		if k == nil {
			k, _ = c.Last()
		} else if !bytes.HasPrefix(k, prefix) {
			k, _ = c.Prev()
		}

		for ; k != nil && len(results) < limit; k, _ = c.Prev() {
			if !bytes.HasPrefix(k, prefix) {
				break
			}
			_, slot, sig := decodeAddressKey(k)

			var rec Record
			data := txs.Get(sig[:])
			if data == nil {
				continue
			}
			if err := json.Unmarshal(data, &rec); err != nil {
				l.log.Warn("skipping undecodable record", zap.Stringer("signature", sig), zap.Error(err))
				continue
			}
			// A replaced record may have moved to another slot.
			if rec.Slot != slot {
				continue
			}
			results = append(results, SignatureInfo{
				Signature: sig,
				Slot:      slot,
				BlockTime: rec.BlockTime,
				Err:       rec.Err,
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return results, nil
}

// LatestSlot returns the highest slot recorded.
func (l *Log) LatestSlot() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.latestSlot
}

// TransactionCount returns the number of distinct transactions recorded.
func (l *Log) TransactionCount() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.transactionCount
}

// Close closes the log. Closing twice is a no-op.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	return l.db.Close()
}

// addressKeyLen is address (32) + slot (8) + signature (64).
const addressKeyLen = 32 + 8 + 64

// encodeAddressKey encodes address || slot (big-endian) || signature so a
// cursor walks one address's history in slot order.
func encodeAddressKey(addr types.Pubkey, slot uint64, sig types.Signature) []byte {
	key := make([]byte, addressKeyLen)
	copy(key[:32], addr[:])
	binary.BigEndian.PutUint64(key[32:40], slot)
	copy(key[40:], sig[:])
	return key
}

func decodeAddressKey(key []byte) (types.Pubkey, uint64, types.Signature) {
	var addr types.Pubkey
	var sig types.Signature
	if len(key) != addressKeyLen {
		return addr, 0, sig
	}
	copy(addr[:], key[:32])
	copy(sig[:], key[40:])
	return addr, binary.BigEndian.Uint64(key[32:40]), sig
}

func encodeUint64(v uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, v)
	return buf
}

func decodeUint64(b []byte) uint64 {
	if len(b) < 8 {
		return 0
	}
	return binary.BigEndian.Uint64(b)
}
