// Package codec packs job invocations into the compressed payload carried by
// ENQUEUE and stored with every job.
//
// A payload is a zlib stream (header 0x78 0x9c) followed by a big-endian
// CRC-32 of that stream. The decompressed body is
//
//	version (1 byte) | record length (uint32, big-endian) | msgpack record
package codec

import (
	"bytes"
	"compress/zlib"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"

	"github.com/vmihailenco/msgpack/v5"
)

const (
	// Version1 is the only body layout this package understands
	Version1 byte = 1

	// MaxBodySize bounds the decompressed body
	MaxBodySize = 16 << 20

	headerSize  = 2
	trailerSize = 4
	prefixSize  = 5 // version + record length
)

// Record is a decoded job invocation
type Record struct {
	Callable string
	Args     []any
	Kwargs   map[string]any
}

type wireRecord struct {
	Callable string         `msgpack:"c"`
	Args     []any          `msgpack:"a"`
	Kwargs   map[string]any `msgpack:"k"`
}

// Encode produces the payload for rec
func Encode(rec Record) ([]byte, error) {
	if rec.Callable == "" {
		return nil, newError(ErrInvalidRecord, "callable is required")
	}

	var packed bytes.Buffer
	enc := msgpack.NewEncoder(&packed)
	enc.SetSortMapKeys(true)
	if err := enc.Encode(wireRecord{Callable: rec.Callable, Args: rec.Args, Kwargs: rec.Kwargs}); err != nil {
		return nil, newError(ErrInvalidRecord, fmt.Sprintf("failed to pack record: %v", err))
	}
	if packed.Len() > MaxBodySize-prefixSize {
		return nil, newError(ErrInvalidRecord, "record exceeds maximum size")
	}

	body := make([]byte, prefixSize, prefixSize+packed.Len())
	body[0] = Version1
	binary.BigEndian.PutUint32(body[1:prefixSize], uint32(packed.Len()))
	body = append(body, packed.Bytes()...)

	var out bytes.Buffer
	zw := zlib.NewWriter(&out)
	if _, err := zw.Write(body); err != nil {
		return nil, fmt.Errorf("failed to compress payload: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("failed to compress payload: %w", err)
	}

	var trailer [trailerSize]byte
	binary.BigEndian.PutUint32(trailer[:], crc32.ChecksumIEEE(out.Bytes()))
	out.Write(trailer[:])

	return out.Bytes(), nil
}

// Decode validates payload and returns the record it carries.
// Every failure is a *CodecError.
func Decode(payload []byte) (Record, error) {
	if len(payload) < headerSize {
		return Record{}, newError(ErrTruncated, "payload shorter than compression header")
	}
	if err := checkHeader(payload[0], payload[1]); err != nil {
		return Record{}, err
	}
	if len(payload) < headerSize+trailerSize {
		return Record{}, newError(ErrTruncated, "payload missing checksum")
	}

	stream := payload[:len(payload)-trailerSize]
	body, err := inflate(stream)
	if err != nil {
		return Record{}, err
	}
	if crc32.ChecksumIEEE(stream) != binary.BigEndian.Uint32(payload[len(stream):]) {
		return Record{}, newError(ErrCorrupt, "checksum mismatch")
	}

	return decodeBody(body)
}

// checkHeader validates the two byte zlib header before inflating
func checkHeader(cmf, flg byte) error {
	if cmf&0x0f != 8 || cmf>>4 > 7 {
		return newError(ErrBadHeader, fmt.Sprintf("unsupported compression method 0x%02x", cmf))
	}
	if (uint16(cmf)<<8|uint16(flg))%31 != 0 {
		return newError(ErrBadHeader, "header check bits mismatch")
	}
	if flg&0x20 != 0 {
		return newError(ErrBadHeader, "preset dictionary not supported")
	}
	return nil
}

func inflate(stream []byte) ([]byte, error) {
	src := bytes.NewReader(stream)
	zr, err := zlib.NewReader(src)
	if err != nil {
		return nil, classify(err)
	}
	defer zr.Close()

	body, err := io.ReadAll(io.LimitReader(zr, MaxBodySize+1))
	if err != nil {
		return nil, classify(err)
	}
	if len(body) > MaxBodySize {
		return nil, newError(ErrCorrupt, "decompressed body exceeds maximum size")
	}
	if src.Len() > 0 {
		return nil, newError(ErrCorrupt, "trailing bytes after compressed stream")
	}
	return body, nil
}

func decodeBody(body []byte) (Record, error) {
	if len(body) == 0 {
		return Record{}, newError(ErrTruncated, "empty body")
	}
	if body[0] != Version1 {
		return Record{}, newError(ErrUnknownVersion, fmt.Sprintf("version %d", body[0]))
	}
	if len(body) < prefixSize {
		return Record{}, newError(ErrTruncated, "body missing record length")
	}

	size := binary.BigEndian.Uint32(body[1:prefixSize])
	packed := body[prefixSize:]
	switch {
	case uint64(size) > uint64(len(packed)):
		return Record{}, newError(ErrTruncated, fmt.Sprintf("record declares %d bytes, %d present", size, len(packed)))
	case uint64(size) < uint64(len(packed)):
		return Record{}, newError(ErrCorrupt, fmt.Sprintf("record declares %d bytes, %d present", size, len(packed)))
	}

	r := bytes.NewReader(packed)
	dec := msgpack.NewDecoder(r)
	dec.UseLooseInterfaceDecoding(true)

	var wire wireRecord
	if err := dec.Decode(&wire); err != nil {
		return Record{}, newError(ErrInvalidRecord, fmt.Sprintf("failed to unpack record: %v", err))
	}
	if r.Len() > 0 {
		return Record{}, newError(ErrInvalidRecord, fmt.Sprintf("%d bytes after record", r.Len()))
	}
	if wire.Callable == "" {
		return Record{}, newError(ErrInvalidRecord, "callable is required")
	}

	return Record{Callable: wire.Callable, Args: wire.Args, Kwargs: wire.Kwargs}, nil
}

func classify(err error) error {
	switch {
	case errors.Is(err, io.ErrUnexpectedEOF), errors.Is(err, io.EOF):
		return &CodecError{Err: ErrTruncated, Detail: "compressed stream ends early"}
	case errors.Is(err, zlib.ErrHeader), errors.Is(err, zlib.ErrDictionary):
		return &CodecError{Err: ErrBadHeader, Detail: err.Error()}
	default:
		return &CodecError{Err: ErrCorrupt, Detail: err.Error()}
	}
}
