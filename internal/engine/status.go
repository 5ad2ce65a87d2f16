package engine

import (
	"errors"
	"fmt"
	"syscall"

	bolt "go.etcd.io/bbolt"
)

// Status is a numeric engine result code. Negative values follow the
// LMDB numbering, positive values are errno-style.
type Status int

const (
	StatusSuccess      Status = 0
	StatusKeyExist     Status = -30799
	StatusNotFound     Status = -30798
	StatusPanic        Status = -30795
	StatusMapFull      Status = -30792
	StatusDBsFull      Status = -30791
	StatusIncompatible Status = -30784
	StatusBadTxn       Status = -30782
	StatusBadValSize   Status = -30781
	StatusIO           Status = 5
	StatusReadOnly     Status = 13
	StatusInvalid      Status = 22
	StatusTimeout      Status = 110
)

var statusText = map[Status]string{
	StatusSuccess:      "successful result",
	StatusKeyExist:     "key/data pair already exists",
	StatusNotFound:     "no matching key/data pair found",
	StatusPanic:        "update of meta page failed or environment had fatal error",
	StatusMapFull:      "environment mapsize limit reached",
	StatusDBsFull:      "environment maxdbs limit reached",
	StatusIncompatible: "operation and table incompatible, or table flags changed",
	StatusBadTxn:       "transaction must abort, has a child, or is invalid",
	StatusBadValSize:   "unsupported size of key/table name/data, or wrong dupfixed size",
	StatusIO:           "input/output error",
	StatusReadOnly:     "environment is read-only",
	StatusInvalid:      "invalid argument",
	StatusTimeout:      "timed out waiting for the environment lock",
}

// StatusText returns the message for a status code.
func StatusText(code Status) string {
	if s, ok := statusText[code]; ok {
		return s
	}
	return fmt.Sprintf("unknown status %d", int(code))
}

// ErrEngine matches every *Error.
var ErrEngine = errors.New("engine failure")

// Error is a failed engine call.
type Error struct {
	Op   string
	Code Status
	Err  error
}

func (e *Error) Error() string {
	return e.Op + ": " + StatusText(e.Code)
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool { return target == ErrEngine }

func newError(op string, code Status) *Error {
	return &Error{Op: op, Code: code}
}

// wrap converts a bbolt or OS error into an *Error. A nil err stays nil.
func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return err
	}
	return &Error{Op: op, Code: statusOf(err), Err: err}
}

func statusOf(err error) Status {
	switch {
	case errors.Is(err, bolt.ErrKeyRequired),
		errors.Is(err, bolt.ErrKeyTooLarge),
		errors.Is(err, bolt.ErrValueTooLarge),
		errors.Is(err, bolt.ErrBucketNameRequired):
		return StatusBadValSize
	case errors.Is(err, bolt.ErrTxClosed),
		errors.Is(err, bolt.ErrTxNotWritable),
		errors.Is(err, bolt.ErrDatabaseNotOpen):
		return StatusBadTxn
	case errors.Is(err, bolt.ErrDatabaseReadOnly):
		return StatusReadOnly
	case errors.Is(err, bolt.ErrTimeout):
		return StatusTimeout
	case errors.Is(err, bolt.ErrIncompatibleValue),
		errors.Is(err, bolt.ErrBucketExists):
		return StatusIncompatible
	case errors.Is(err, bolt.ErrBucketNotFound):
		return StatusNotFound
	case errors.Is(err, bolt.ErrInvalid),
		errors.Is(err, bolt.ErrVersionMismatch),
		errors.Is(err, bolt.ErrChecksum),
		errors.Is(err, bolt.ErrInvalidMapping):
		return StatusInvalid
	case errors.Is(err, syscall.ENOSPC):
		return StatusMapFull
	}
	return StatusIO
}

// MaxKeySize is the largest key the engine accepts.
const MaxKeySize = 4026

// ValidateKey checks a key against the engine's size limits. Zero-length
// keys are refused here rather than by any codec.
func ValidateKey(key []byte) error {
	if len(key) == 0 || len(key) > MaxKeySize {
		return newError("validate key", StatusBadValSize)
	}
	return nil
}
