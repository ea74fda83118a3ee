package session

import (
	"errors"
	"fmt"
)

// Kind classifies why a query did not produce an answer.
type Kind int

const (
	KindUnknown Kind = iota
	KindProcessCrash
	KindCancelled
	KindTimeout
)

func (k Kind) String() string {
	switch k {
	case KindProcessCrash:
		return "process_crash"
	case KindCancelled:
		return "cancelled"
	case KindTimeout:
		return "timeout"
	default:
		return "unknown"
	}
}

var (
	ErrBusy         = errors.New("session: a query is already running")
	ErrProcessCrash = errors.New("session: assistant process crashed")
	ErrCancelled    = errors.New("session: query cancelled")
	ErrTimeout      = errors.New("session: query timed out")
	ErrUnknown      = errors.New("session: query failed")
)

func (k Kind) sentinel() error {
	switch k {
	case KindProcessCrash:
		return ErrProcessCrash
	case KindCancelled:
		return ErrCancelled
	case KindTimeout:
		return ErrTimeout
	default:
		return ErrUnknown
	}
}

// QueryError is returned by SendMessageStreaming for every failed query.
// errors.Is matches both the Kind sentinel and the wrapped cause.
type QueryError struct {
	Kind Kind
	Err  error
}

func (e *QueryError) Error() string {
	if e == nil {
		return ErrUnknown.Error()
	}
	if e.Err == nil {
		return e.Kind.sentinel().Error()
	}
	return fmt.Sprintf("%s: %v", e.Kind.sentinel().Error(), e.Err)
}

func (e *QueryError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func (e *QueryError) Is(target error) bool {
	if e == nil {
		return false
	}
	return target == e.Kind.sentinel()
}

// KindOf reports the Kind of err. Errors that are not QueryErrors are KindUnknown.
func KindOf(err error) Kind {
	var qe *QueryError
	if errors.As(err, &qe) && qe != nil {
		return qe.Kind
	}
	return KindUnknown
}
