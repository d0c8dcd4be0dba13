package rpc

import (
	"encoding/base64"

	"github.com/klauspost/compress/zstd"
	"github.com/mr-tron/base58"
	"github.com/pkg/errors"
)

// ErrUnsupportedEncoding is returned for encodings the server does not
// produce or accept.
var ErrUnsupportedEncoding = errors.New("unsupported encoding")

// EncodeAccountData encodes account data according to the specified encoding.
func EncodeAccountData(data []byte, encoding Encoding) ([]string, error) {
	switch encoding {
	case EncodingBase58:
		return []string{base58.Encode(data), string(EncodingBase58)}, nil

	case EncodingBase64, "":
		return []string{base64.StdEncoding.EncodeToString(data), string(EncodingBase64)}, nil

	case EncodingBase64Zstd:
		compressed, err := compressZstd(data)
		if err != nil {
			return nil, errors.Wrap(err, "zstd compression failed")
		}
		return []string{base64.StdEncoding.EncodeToString(compressed), string(EncodingBase64Zstd)}, nil

	default:
		return nil, errors.Wrapf(ErrUnsupportedEncoding, "%q", encoding)
	}
}

// DecodeAccountData decodes account data from the specified encoding.
func DecodeAccountData(encoded string, encoding Encoding) ([]byte, error) {
	switch encoding {
	case EncodingBase58:
		return base58.Decode(encoded)

	case EncodingBase64, "":
		return base64.StdEncoding.DecodeString(encoded)

	case EncodingBase64Zstd:
		compressed, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return nil, errors.Wrap(err, "base64 decode failed")
		}
		return decompressZstd(compressed)

	default:
		return nil, errors.Wrapf(ErrUnsupportedEncoding, "%q", encoding)
	}
}

// EncodeTransaction encodes a wire transaction. Only base58 and base64 are
// valid for transactions.
func EncodeTransaction(data []byte, encoding Encoding) (string, error) {
	switch encoding {
	case EncodingBase58:
		return base58.Encode(data), nil
	case EncodingBase64, "":
		return base64.StdEncoding.EncodeToString(data), nil
	default:
		return "", errors.Wrapf(ErrUnsupportedEncoding, "%q", encoding)
	}
}

// DecodeTransaction decodes a wire transaction encoded by EncodeTransaction.
func DecodeTransaction(encoded string, encoding Encoding) ([]byte, error) {
	switch encoding {
	case EncodingBase58:
		return base58.Decode(encoded)
	case EncodingBase64, "":
		return base64.StdEncoding.DecodeString(encoded)
	default:
		return nil, errors.Wrapf(ErrUnsupportedEncoding, "%q", encoding)
	}
}

// ApplyDataSlice applies a data slice to account data.
func ApplyDataSlice(data []byte, slice *DataSlice) []byte {
	if slice == nil {
		return data
	}

	start := slice.Offset
	if start >= uint64(len(data)) {
		return []byte{}
	}

	end := start + slice.Length
	if end > uint64(len(data)) || end < start {
		end = uint64(len(data))
	}

	return data[start:end]
}

// compressZstd compresses data using zstd.
func compressZstd(data []byte) ([]byte, error) {
	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, err
	}
	defer encoder.Close()
	return encoder.EncodeAll(data, nil), nil
}

// decompressZstd decompresses zstd-compressed data.
func decompressZstd(data []byte) ([]byte, error) {
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		return nil, err
	}
	defer decoder.Close()
	return decoder.DecodeAll(data, nil)
}
