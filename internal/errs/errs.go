// Package errs defines the typed error kinds shared across the backup engine.
package errs

import "fmt"

// Kind enumerates the abstract failure categories callers branch on.
type Kind int

const (
	KindUnknown Kind = iota
	KindConfigInvalid
	KindAuthFailed
	KindTimeout
	KindNetworkIO
	KindTLS
	KindProtocolViolation
	KindCorruptWAL
	KindUnknownRmgr
	KindIncompatibleVersion
	KindDiskIO
	KindChecksumMismatch
	KindNotFound
	KindAlreadyExists
	KindActiveConflict
	KindChainBroken
	KindNoSpace
	KindRemoteRejected
	KindCancelled
	KindInternal
)

func (k Kind) String() string {
	switch k {
	case KindConfigInvalid:
		return "config_invalid"
	case KindAuthFailed:
		return "auth_failed"
	case KindTimeout:
		return "timeout"
	case KindNetworkIO:
		return "network_io"
	case KindTLS:
		return "tls"
	case KindProtocolViolation:
		return "protocol_violation"
	case KindCorruptWAL:
		return "corrupt_wal"
	case KindUnknownRmgr:
		return "unknown_rmgr"
	case KindIncompatibleVersion:
		return "incompatible_version"
	case KindDiskIO:
		return "disk_io"
	case KindChecksumMismatch:
		return "checksum_mismatch"
	case KindNotFound:
		return "not_found"
	case KindAlreadyExists:
		return "already_exists"
	case KindActiveConflict:
		return "active_conflict"
	case KindChainBroken:
		return "chain_broken"
	case KindNoSpace:
		return "no_space"
	case KindRemoteRejected:
		return "remote_rejected"
	case KindCancelled:
		return "cancelled"
	case KindInternal:
		return "internal"
	default:
		return "unknown"
	}
}

// Error wraps an underlying error with a Kind and the workflow stage it
// surfaced from, matching the (error_kind, stage_name) contract in §7.
type Error struct {
	Kind  Kind
	Stage string
	Err   error
}

func New(kind Kind, stage string, err error) *Error {
	return &Error{Kind: kind, Stage: stage, Err: err}
}

func (e *Error) Error() string {
	if e.Stage != "" {
		return fmt.Sprintf("%s: %s: %v", e.Stage, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether err is an *Error of the given kind, following only a
// direct chain of *Error values through their Err field; any other wrapper
// (such as fmt.Errorf's %w) ends the search. Callers more commonly use
// errors.As with *Error and inspect Kind.
func Is(err error, kind Kind) bool {
	var e *Error
	for err != nil {
		if as, ok := err.(*Error); ok {
			e = as
			if e.Kind == kind {
				return true
			}
			err = e.Err
			continue
		}
		break
	}
	return false
}
