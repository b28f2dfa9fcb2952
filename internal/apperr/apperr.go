// Package apperr defines the error taxonomy shared by the unit of work, the
// repositories and the consumer coordinator. Every error carries an explicit
// Kind and a Retryable flag so callers never inspect concrete types.
package apperr

import (
	"errors"
	"fmt"
)

type Kind string

const (
	KindDomain         Kind = "domain"
	KindInfrastructure Kind = "infrastructure"
	KindProgrammer     Kind = "programmer"
	// KindUnknown only labels dead-letter summaries of unclassified errors.
	KindUnknown Kind = "unknown"
)

// SummaryVersion is the schema version of serialized error summaries.
const SummaryVersion = 1

const (
	CodeOptimisticLock  = "OPTIMISTIC_LOCK_CONFLICT"
	CodeNotFound        = "NOT_FOUND"
	CodeTopicMissing    = "TOPIC_MAPPING_MISSING"
	CodeNoUnitOfWork    = "NO_ACTIVE_UNIT_OF_WORK"
	CodeUnknownEvent    = "UNKNOWN_EVENT"
	CodeUnclassified    = "UNCLASSIFIED"
	CodeStoreFailure    = "STORE_FAILURE"
	CodeConnectionLost  = "CONNECTION_LOST"
	CodeDispatchFailure = "DISPATCH_FAILURE"
)

type Error struct {
	Kind      Kind
	Service   string
	Code      string
	Message   string
	Retryable bool
	Version   int
	Details   map[string]any

	cause error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s/%s: %s: %v", e.Kind, e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s/%s: %s", e.Kind, e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// WithDetail returns e after setting a detail entry.
func (e *Error) WithDetail(key string, value any) *Error {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// Domain errors are business rule violations and are not retried.
func Domain(service, code, msg string) *Error {
	return &Error{Kind: KindDomain, Service: service, Code: code, Message: msg, Version: SummaryVersion}
}

func Infrastructure(service, code, msg string, retryable bool, cause error) *Error {
	return &Error{
		Kind:      KindInfrastructure,
		Service:   service,
		Code:      code,
		Message:   msg,
		Retryable: retryable,
		Version:   SummaryVersion,
		cause:     cause,
	}
}

// Programmer errors signal misuse or misconfiguration. They are never retried.
func Programmer(service, code, msg string) *Error {
	return &Error{Kind: KindProgrammer, Service: service, Code: code, Message: msg, Version: SummaryVersion}
}

// Conflict reports a failed optimistic version check.
func Conflict(service, msg string) *Error {
	return Infrastructure(service, CodeOptimisticLock, msg, true, nil)
}

func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

func IsKind(err error, k Kind) bool {
	e, ok := As(err)
	return ok && e.Kind == k
}

// IsRetryable reports whether err is an infrastructure error flagged retryable.
func IsRetryable(err error) bool {
	e, ok := As(err)
	return ok && e.Kind == KindInfrastructure && e.Retryable
}

func HasCode(err error, code string) bool {
	e, ok := As(err)
	return ok && e.Code == code
}
