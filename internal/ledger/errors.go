package ledger

import (
	"context"
	"errors"
	"strings"
)

type ErrorKind int

const (
	KindUnknown ErrorKind = iota
	KindConnectionUnavailable
	KindUnsupported
	KindNoRecord
	KindPreflightRejected
	KindUserRejected
	KindReverted
	KindDiscoveryExhausted
)

func (k ErrorKind) String() string {
	switch k {
	case KindConnectionUnavailable:
		return "connection_unavailable"
	case KindUnsupported:
		return "unsupported"
	case KindNoRecord:
		return "no_record"
	case KindPreflightRejected:
		return "preflight_rejected"
	case KindUserRejected:
		return "user_rejected"
	case KindReverted:
		return "reverted"
	case KindDiscoveryExhausted:
		return "discovery_exhausted"
	default:
		return "unknown"
	}
}

// Error is the only error shape that leaves the ledger boundary. Callers
// branch on Kind, never on the message text.
type Error struct {
	Kind   ErrorKind
	Op     string
	Reason string
	Err    error
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	b.WriteString(e.Kind.String())
	if e.Reason != "" {
		b.WriteString(": ")
		b.WriteString(e.Reason)
	}
	if e.Err != nil && e.Reason == "" {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

func NewError(kind ErrorKind, op, reason string) *Error {
	return &Error{Kind: kind, Op: op, Reason: reason}
}

func WrapError(kind ErrorKind, op string, err error) *Error {
	e := &Error{Kind: kind, Op: op, Err: err}
	var le *Error
	if errors.As(err, &le) {
		e.Reason = le.Reason
	}
	return e
}

func AsError(err error) *Error {
	var le *Error
	if errors.As(err, &le) {
		return le
	}
	return nil
}

func KindOf(err error) ErrorKind {
	if le := AsError(err); le != nil {
		return le.Kind
	}
	return KindUnknown
}

func IsKind(err error, kind ErrorKind) bool {
	return err != nil && KindOf(err) == kind
}

// ReasonOf returns the decoded revert or rejection reason, falling back to
// the raw error message when nothing was decoded.
func ReasonOf(err error) string {
	if err == nil {
		return ""
	}
	if le := AsError(err); le != nil && le.Reason != "" {
		return le.Reason
	}
	return err.Error()
}

const (
	rpcCodeUserRejected    = 4001
	rpcCodeUnauthorized    = 4100
	rpcCodeDisconnected    = 4900
	rpcCodeChainDisconnect = 4901
	rpcCodeExecution       = 3
	rpcCodeMethodNotFound  = -32601
)

var noRecordMarkers = []string{
	"no credit score",
	"credit score not",
	"does not exist",
	"not found",
	"no record",
}

const revertPrefix = "execution reverted"

// DecodeRPCError maps a JSON-RPC error object onto the closed error kinds.
// This is the single place where provider codes and message text are
// interpreted.
func DecodeRPCError(op string, code int, message, data string) *Error {
	reason := revertReason(message, data)
	lower := strings.ToLower(reason + " " + message)

	switch {
	case code == rpcCodeUserRejected:
		return &Error{Kind: KindUserRejected, Op: op, Reason: message}
	case code == rpcCodeUnauthorized || code == rpcCodeDisconnected || code == rpcCodeChainDisconnect:
		return &Error{Kind: KindConnectionUnavailable, Op: op, Reason: message}
	case code == rpcCodeMethodNotFound:
		return &Error{Kind: KindUnsupported, Op: op, Reason: message}
	}

	reverted := code == rpcCodeExecution || strings.HasPrefix(strings.ToLower(message), revertPrefix)

	// A transaction that reverts has failed whatever its reason says. Only
	// view calls report a missing record.
	if reverted && isTransactionOp(op) {
		return &Error{Kind: KindReverted, Op: op, Reason: reason}
	}

	for _, marker := range noRecordMarkers {
		if strings.Contains(lower, marker) {
			return &Error{Kind: KindNoRecord, Op: op, Reason: reason}
		}
	}

	if reverted {
		return &Error{Kind: KindReverted, Op: op, Reason: reason}
	}

	return &Error{Kind: KindUnknown, Op: op, Reason: message}
}

var transactionOps = []string{"send", "simulate"}

func isTransactionOp(op string) bool {
	verb, _, _ := strings.Cut(op, " ")
	for _, t := range transactionOps {
		if verb == t {
			return true
		}
	}
	return false
}

func revertReason(message, data string) string {
	if data != "" {
		return strings.TrimSpace(data)
	}
	lower := strings.ToLower(message)
	if strings.HasPrefix(lower, revertPrefix) {
		rest := strings.TrimSpace(message[len(revertPrefix):])
		rest = strings.TrimPrefix(rest, ":")
		if rest = strings.TrimSpace(rest); rest != "" {
			return rest
		}
	}
	return message
}

// Decode normalizes any error crossing the ledger boundary into an *Error.
func Decode(op string, err error) error {
	if err == nil {
		return nil
	}
	if AsError(err) != nil {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return &Error{Kind: KindConnectionUnavailable, Op: op, Err: err}
	}
	return &Error{Kind: KindUnknown, Op: op, Err: err}
}
