// Package errors provides the node's structured error taxonomy.
//
// Every failure mode a caller needs to branch on is modeled as a
// Kind. There is no gRPC-status mapping here: the peer transport is a
// length-prefixed binary protocol of our own (see internal/transport), not
// gRPC, so Kind is an in-process value with no wire encoding of its own.
package errors

import "fmt"

// Kind enumerates the error taxonomy a client or peer can observe.
type Kind int

const (
	KindNone Kind = iota
	KindNotOwner
	KindQuorumNotMet
	KindTimeout
	KindSerializationConflict
	KindStaleEpoch
	KindCorruptData
	KindIOError
	KindDuplicateOp
	KindTombstoneRespected
	KindUnknownKey
	KindRateLimited
	KindShutdown
	KindInvalidArgument
)

func (k Kind) String() string {
	switch k {
	case KindNotOwner:
		return "NotOwner"
	case KindQuorumNotMet:
		return "QuorumNotMet"
	case KindTimeout:
		return "Timeout"
	case KindSerializationConflict:
		return "SerializationConflict"
	case KindStaleEpoch:
		return "StaleEpoch"
	case KindCorruptData:
		return "CorruptData"
	case KindIOError:
		return "IOError"
	case KindDuplicateOp:
		return "DuplicateOp"
	case KindTombstoneRespected:
		return "TombstoneRespected"
	case KindUnknownKey:
		return "UnknownKey"
	case KindRateLimited:
		return "RateLimited"
	case KindShutdown:
		return "Shutdown"
	case KindInvalidArgument:
		return "InvalidArgument"
	default:
		return "None"
	}
}

// Error is the structured error every component returns instead of raw
// fmt.Errorf/os errors, mirroring storage-node's StorageError shape.
type Error struct {
	Kind    Kind
	Message string
	Details map[string]interface{}
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

func New(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Details: map[string]interface{}{}, Cause: cause}
}

func (e *Error) With(key string, value interface{}) *Error {
	e.Details[key] = value
	return e
}

func NotOwner(key string, partition int) *Error {
	return New(KindNotOwner, fmt.Sprintf("not owner of key %q", key), nil).With("key", key).With("partition", partition)
}

func QuorumNotMet(got, need int) *Error {
	return New(KindQuorumNotMet, fmt.Sprintf("quorum not met: got %d need %d", got, need), nil).With("got", got).With("need", need)
}

func Timeout(op string) *Error {
	return New(KindTimeout, fmt.Sprintf("operation %q timed out", op), nil)
}

func SerializationConflict(key string) *Error {
	return New(KindSerializationConflict, fmt.Sprintf("serialization conflict on key %q", key), nil).With("key", key)
}

func StaleEpoch(have, want uint64) *Error {
	return New(KindStaleEpoch, fmt.Sprintf("stale epoch: have %d want %d", have, want), nil).With("have", have).With("want", want)
}

func CorruptData(message string, cause error) *Error {
	return New(KindCorruptData, message, cause)
}

func IOError(message string, cause error) *Error {
	return New(KindIOError, message, cause)
}

func DuplicateOp(opID string) *Error {
	return New(KindDuplicateOp, fmt.Sprintf("duplicate op %q", opID), nil).With("op_id", opID)
}

func TombstoneRespected(key string) *Error {
	return New(KindTombstoneRespected, fmt.Sprintf("key %q is tombstoned", key), nil).With("key", key)
}

func UnknownKey(key string) *Error {
	return New(KindUnknownKey, fmt.Sprintf("unknown key %q", key), nil).With("key", key)
}

func RateLimited(resource string) *Error {
	return New(KindRateLimited, fmt.Sprintf("rate limited: %s", resource), nil).With("resource", resource)
}

func Shutdown() *Error {
	return New(KindShutdown, "node is shutting down", nil)
}

func InvalidArgument(message string) *Error {
	return New(KindInvalidArgument, message, nil)
}

// Is reports whether err is an *Error of the given Kind.
func Is(err error, kind Kind) bool {
	e, ok := err.(*Error)
	return ok && e.Kind == kind
}

// KindOf extracts the Kind, or KindNone if err is not a tagged *Error.
func KindOf(err error) Kind {
	if e, ok := err.(*Error); ok {
		return e.Kind
	}
	return KindNone
}
