package codec

import "errors"

var (
	// ErrTruncated means the payload or its body ended before a declared boundary
	ErrTruncated = errors.New("payload truncated")

	// ErrBadHeader means the compression header is not a supported zlib header
	ErrBadHeader = errors.New("unrecognized compression header")

	// ErrCorrupt means the compressed data or a checksum failed verification
	ErrCorrupt = errors.New("payload corrupt")

	// ErrUnknownVersion means the body layout version is not supported
	ErrUnknownVersion = errors.New("unknown payload version")

	// ErrInvalidRecord means the body decoded but does not describe a job
	ErrInvalidRecord = errors.New("invalid job record")
)

// CodecError is returned for every payload that cannot be decoded.
// Err is one of the sentinel errors above.
type CodecError struct {
	Err    error
	Detail string
}

func (e *CodecError) Error() string {
	if e.Detail == "" {
		return "codec: " + e.Err.Error()
	}
	return "codec: " + e.Err.Error() + ": " + e.Detail
}

func (e *CodecError) Unwrap() error {
	return e.Err
}

// Permanent marks codec failures as not worth retrying
func (e *CodecError) Permanent() bool {
	return true
}

func newError(kind error, detail string) error {
	return &CodecError{Err: kind, Detail: detail}
}
