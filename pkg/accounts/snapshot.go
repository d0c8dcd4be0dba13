package accounts

import (
	"bufio"
	"encoding/binary"
	"io"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"
	"github.com/pkg/errors"

	"github.com/fortiblox/x1-vault/internal/types"
)

// Snapshot file format version.
const snapshotVersion uint32 = 1

// Snapshot file magic bytes for format validation.
var snapshotMagic = []byte{'X', '1', 'V', 'S'}

// ErrSnapshotNotFound is returned when a snapshot file doesn't exist.
var ErrSnapshotNotFound = errors.New("snapshot not found")

// SnapshotHeader contains metadata about a snapshot.
type SnapshotHeader struct {
	Version       uint32
	Slot          uint64
	AccountsCount uint64
	AccountsHash  types.Hash
}

// Snapshot layout:
//   - Magic (4 bytes): "X1VS"
//   - Version (4), Slot (8), AccountsCount (8), AccountsHash (32), little-endian
//   - zstd stream of: pubkey (32) || size (4) || serialized account
const snapshotHeaderLen = 4 + 8 + 8 + 32

func (h *SnapshotHeader) encode() []byte {
	buf := make([]byte, 4+snapshotHeaderLen)
	copy(buf, snapshotMagic)
	binary.LittleEndian.PutUint32(buf[4:], h.Version)
	binary.LittleEndian.PutUint64(buf[8:], h.Slot)
	binary.LittleEndian.PutUint64(buf[16:], h.AccountsCount)
	copy(buf[24:], h.AccountsHash[:])
	return buf
}

func readSnapshotHeader(r io.Reader) (SnapshotHeader, error) {
	var h SnapshotHeader
	buf := make([]byte, 4+snapshotHeaderLen)
	if _, err := io.ReadFull(r, buf); err != nil {
		return h, errors.Wrap(err, "read header")
	}
	if string(buf[:4]) != string(snapshotMagic) {
		return h, errors.Errorf("invalid snapshot magic: %q", buf[:4])
	}
	h.Version = binary.LittleEndian.Uint32(buf[4:])
	if h.Version != snapshotVersion {
		return h, errors.Errorf("unsupported snapshot version: %d", h.Version)
	}
	h.Slot = binary.LittleEndian.Uint64(buf[8:])
	h.AccountsCount = binary.LittleEndian.Uint64(buf[16:])
	copy(h.AccountsHash[:], buf[24:])
	return h, nil
}

// WriteSnapshot streams every account in db to w. The header records the
// database slot and accounts hash so ReadSnapshot can verify the restore.
func WriteSnapshot(w io.Writer, db DB) (SnapshotHeader, error) {
	count, err := db.AccountsCount()
	if err != nil {
		return SnapshotHeader{}, err
	}
	hash, err := ComputeAccountsHash(db)
	if err != nil {
		return SnapshotHeader{}, errors.Wrap(err, "compute accounts hash")
	}

	header := SnapshotHeader{
		Version:       snapshotVersion,
		Slot:          db.GetSlot(),
		AccountsCount: count,
		AccountsHash:  hash,
	}
	if _, err := w.Write(header.encode()); err != nil {
		return header, errors.Wrap(err, "write header")
	}

	enc, err := zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return header, err
	}
	bw := bufio.NewWriter(enc)

	var written uint64
	err = db.ForEach(func(pubkey types.Pubkey, account *Account) error {
		data := account.Serialize()
		var sizeBuf [4]byte
		binary.LittleEndian.PutUint32(sizeBuf[:], uint32(len(data)))

		if _, err := bw.Write(pubkey[:]); err != nil {
			return err
		}
		if _, err := bw.Write(sizeBuf[:]); err != nil {
			return err
		}
		if _, err := bw.Write(data); err != nil {
			return err
		}
		written++
		return nil
	})
	if err != nil {
		enc.Close()
		return header, errors.Wrap(err, "write accounts")
	}
	if written != count {
		enc.Close()
		return header, errors.Errorf("accounts changed during snapshot: counted %d, wrote %d", count, written)
	}
	if err := bw.Flush(); err != nil {
		enc.Close()
		return header, err
	}
	return header, enc.Close()
}

// ReadSnapshot restores accounts from r into db, sets the slot, and checks
// the resulting accounts hash against the header. db should be empty.
func ReadSnapshot(r io.Reader, db DB) (SnapshotHeader, error) {
	header, err := readSnapshotHeader(r)
	if err != nil {
		return header, err
	}

	dec, err := zstd.NewReader(r)
	if err != nil {
		return header, errors.Wrap(err, "init zstd reader")
	}
	defer dec.Close()
	br := bufio.NewReader(dec)

	// Maximum account data plus serialization overhead.
	const maxAccountSerializedSize = MaxAccountDataSize + 57

	const batchSize = 256
	batch := make([]AccountEntry, 0, batchSize)
	for i := uint64(0); i < header.AccountsCount; i++ {
		var pubkey types.Pubkey
		if _, err := io.ReadFull(br, pubkey[:]); err != nil {
			return header, errors.Wrap(err, "read pubkey")
		}

		var sizeBuf [4]byte
		if _, err := io.ReadFull(br, sizeBuf[:]); err != nil {
			return header, errors.Wrap(err, "read size")
		}
		size := binary.LittleEndian.Uint32(sizeBuf[:])
		if size > maxAccountSerializedSize {
			return header, errors.Errorf("account size %d exceeds maximum %d", size, maxAccountSerializedSize)
		}

		data := make([]byte, size)
		if _, err := io.ReadFull(br, data); err != nil {
			return header, errors.Wrap(err, "read account data")
		}
		account, err := DeserializeAccount(data)
		if err != nil {
			return header, errors.Wrap(err, "deserialize account")
		}

		batch = append(batch, AccountEntry{Pubkey: pubkey, Account: account})
		if len(batch) == batchSize {
			if err := db.Apply(batch); err != nil {
				return header, err
			}
			batch = batch[:0]
		}
	}
	if err := db.Apply(batch); err != nil {
		return header, err
	}

	if err := db.SetSlot(header.Slot); err != nil {
		return header, err
	}
	if err := db.Commit(); err != nil {
		return header, err
	}

	hash, err := ComputeAccountsHash(db)
	if err != nil {
		return header, err
	}
	if hash != header.AccountsHash {
		return header, errors.Errorf("accounts hash mismatch: snapshot %s, restored %s", header.AccountsHash, hash)
	}
	return header, nil
}

// SaveSnapshotFile writes a snapshot of db to path, replacing any existing
// file only once the new one is complete.
func SaveSnapshotFile(path string, db DB) (SnapshotHeader, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return SnapshotHeader{}, errors.Wrap(err, "create snapshot directory")
	}

	tmp := path + ".tmp"
	file, err := os.Create(tmp)
	if err != nil {
		return SnapshotHeader{}, errors.Wrap(err, "create snapshot file")
	}

	header, err := WriteSnapshot(file, db)
	if err != nil {
		file.Close()
		os.Remove(tmp)
		return header, err
	}
	if err := file.Close(); err != nil {
		os.Remove(tmp)
		return header, err
	}
	return header, os.Rename(tmp, path)
}

// LoadSnapshotFile restores the snapshot at path into db.
func LoadSnapshotFile(path string, db DB) (SnapshotHeader, error) {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return SnapshotHeader{}, ErrSnapshotNotFound
		}
		return SnapshotHeader{}, errors.Wrap(err, "open snapshot")
	}
	defer file.Close()

	return ReadSnapshot(bufio.NewReader(file), db)
}
