package store

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/freeeve/lmstore/internal/codec"
	"github.com/freeeve/lmstore/internal/engine"
	"github.com/freeeve/lmstore/internal/keys"
)

var (
	// ErrKeyTooLarge is matched by errors for keys above a store's MaxKeySize.
	ErrKeyTooLarge = keys.ErrKeyTooLarge

	// ErrInvalidKeyType is matched by errors for keys a codec cannot encode,
	// including zero-length keys.
	ErrInvalidKeyType = keys.ErrInvalidKeyType

	// ErrZeroLengthKey is returned when a key encodes to no bytes.
	ErrZeroLengthKey error = zeroLengthKeyError{}

	// ErrTransactionAborted is matched by every *AbortError.
	ErrTransactionAborted = errors.New("transaction aborted")

	// ErrAbort is returned by a transaction function to roll back its own
	// writes without failing anything else.
	ErrAbort = errors.New("abort")

	// ErrConfigurationConflict is matched by every *ConfigError.
	ErrConfigurationConflict = errors.New("configuration conflict")

	// ErrClosed is returned after the environment has been closed.
	ErrClosed = errors.New("environment closed")

	// ErrEngine matches every engine failure.
	ErrEngine = engine.ErrEngine

	// ErrSnapshotRequired is returned for values-for-key ranges that disable
	// snapshots.
	ErrSnapshotRequired = errors.New("can not disable snapshots for values-for-key")

	errParentAborted = errors.New("parent transaction aborted")
)

type zeroLengthKeyError struct{}

func (zeroLengthKeyError) Error() string { return "zero length key is not allowed" }

func (zeroLengthKeyError) Is(target error) bool { return target == keys.ErrInvalidKeyType }

// ConfigError rejects a table configuration at open time.
type ConfigError struct {
	Table  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("table %q: %s", e.Table, e.Reason)
}

func (e *ConfigError) Is(target error) bool { return target == ErrConfigurationConflict }

// AbortError is the result of a transaction function that rolled back.
type AbortError struct {
	Cause error
}

func (e *AbortError) Error() string {
	if e.Cause == nil || e.Cause == ErrAbort {
		return "transaction aborted"
	}
	return "transaction aborted: " + e.Cause.Error()
}

func (e *AbortError) Unwrap() []error {
	if e.Cause == nil {
		return []error{ErrTransactionAborted}
	}
	return []error{ErrTransactionAborted, e.Cause}
}

// TxnOrder decides where a store's transaction functions run within a
// batch relative to its plain writes.
type TxnOrder string

const (
	// OrderAfter runs transaction functions after every plain write.
	OrderAfter TxnOrder = "after"
	// OrderBefore runs them before plain writes. Deprecated: use OrderAfter
	// or OrderStrict.
	OrderBefore TxnOrder = "before"
	// OrderStrict interleaves them with plain writes in submission order.
	OrderStrict TxnOrder = "strict"
)

// ParseTxnOrder parses an order name; the empty string is OrderAfter.
func ParseTxnOrder(s string) (TxnOrder, error) {
	switch o := TxnOrder(strings.ToLower(s)); o {
	case "":
		return OrderAfter, nil
	case OrderAfter, OrderBefore, OrderStrict:
		return o, nil
	}
	return "", fmt.Errorf("unknown transaction order %q", s)
}

// TableOptions configure a store at open time.
type TableOptions struct {
	KeyEncoding keys.Encoding
	// KeyCodec overrides KeyEncoding with a custom codec.
	KeyCodec keys.Codec
	Encoding codec.Encoding

	DupSort    bool
	DupFixed   bool
	ReverseKey bool

	// UseVersions stores a float64 version with every entry.
	UseVersions bool

	Compression          bool
	CompressionThreshold int
	CompressionLevel     string

	// TxnOrder defaults to the environment's order.
	TxnOrder TxnOrder
	// MaxKeySize defaults to and may not exceed engine.MaxKeySize.
	MaxKeySize int
}

// Condition guards a write. The zero value always holds.
type Condition struct {
	kind    condKind
	version float64
}

type condKind uint8

const (
	condNone condKind = iota
	condVersion
	condExists
	condNotExists
)

// IfVersion holds when the entry exists with version v.
func IfVersion(v float64) Condition {
	return Condition{kind: condVersion, version: v}
}

var (
	// IfExists holds when the key is present.
	IfExists = Condition{kind: condExists}
	// IfNoExists holds when the key is absent.
	IfNoExists = Condition{kind: condNotExists}
)

func (c Condition) String() string {
	switch c.kind {
	case condVersion:
		return fmt.Sprintf("if version %v", c.version)
	case condExists:
		return "if exists"
	case condNotExists:
		return "if not exists"
	}
	return "always"
}

// WriteOptions adjust a put.
type WriteOptions struct {
	// Version is stored with the entry when the store uses versions.
	Version float64
	If      Condition

	NoOverwrite bool
	NoDupData   bool
	Append      bool
	AppendDup   bool
}

// RemoveOptions adjust a remove.
type RemoveOptions struct {
	// Value selects one duplicate in a DupSort store.
	Value any
	If    Condition
}

// Entry is one key/value pair read from a store.
type Entry struct {
	Key     any
	Value   any
	Version float64
}

// Stats holds statistics about an environment or store.
type Stats struct {
	TotalReads     uint64
	TotalWrites    uint64
	Transactions   uint64
	Aborted        uint64
	Batches        uint64
	AverageTxnTime time.Duration

	SnapshotGeneration uint64
	OpenCursors        int
	PinnedSnapshots    int
	CursorsOpened      uint64
	CursorsReused      uint64

	// Engine counters
	ReadTxns     int
	OpenReadTxns int
	Tables       int

	// Store-level only
	Entries int
	Keys    int
}
