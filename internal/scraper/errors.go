package scraper

import (
	"errors"
	"fmt"
)

// Kind classifies a scrape failure. The coordinator decides whether to retry
// from the kind alone.
type Kind int

const (
	KindUnknown Kind = iota
	KindInvalid
	KindNavigation
	KindFetchTimeout
	KindNotFound
	KindBlocked
	KindAssetDownload
	KindPersistence
	KindBusy
)

func (k Kind) String() string {
	switch k {
	case KindInvalid:
		return "Invalid"
	case KindNavigation:
		return "NavigationError"
	case KindFetchTimeout:
		return "FetchTimeout"
	case KindNotFound:
		return "NotFound"
	case KindBlocked:
		return "Blocked"
	case KindAssetDownload:
		return "AssetDownloadError"
	case KindPersistence:
		return "PersistenceError"
	case KindBusy:
		return "Busy"
	default:
		return "Unknown"
	}
}

// Retryable reports whether another fetch attempt could change the outcome.
func (k Kind) Retryable() bool {
	return k == KindNavigation || k == KindFetchTimeout
}

// Error is the error type returned by every stage of a scrape.
type Error struct {
	Kind Kind
	Op   string
	Cert string
	Err  error
}

func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Cert != "" {
		msg += " (cert " + e.Cert + ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Retryable() bool { return e.Kind.Retryable() }

// Errorf builds an *Error whose cause is formatted like fmt.Errorf, so %w works.
func Errorf(kind Kind, op, cert, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Cert: cert, Err: fmt.Errorf(format, args...)}
}

// KindOf returns the kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// IsRetryable reports whether err is a transient fetch failure.
func IsRetryable(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Retryable()
}
