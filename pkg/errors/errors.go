// Package errors provides the gateway's error taxonomy.
package errors

import (
	"errors"
	"fmt"
)

// Code identifies a class of error.
type Code string

const (
	CodeInvalidPayload      Code = "INVALID_PAYLOAD"      // fatal; surface to caller
	CodeRuleEvaluation      Code = "RULE_EVALUATION"       // logged; predicate degrades to false
	CodeStorage             Code = "STORAGE"               // retryable if transient, fatal otherwise
	CodeLock                Code = "LOCK"                  // retryable
	CodeProviderRateLimited Code = "PROVIDER_RATE_LIMITED" // retryable
	CodeProviderConnection  Code = "PROVIDER_CONNECTION"   // retryable
	CodeProviderExecution   Code = "PROVIDER_EXECUTION"    // classified per response
	CodeAuditHashDuplicate  Code = "AUDIT_HASH_DUPLICATE"  // retryable by cache resync
	CodeApprovalExpired     Code = "APPROVAL_EXPIRED"      // terminal outcome, not retry
	CodeChainMisconfigured  Code = "CHAIN_MISCONFIGURED"   // build-time fatal
	CodeChainTimeout        Code = "CHAIN_TIMEOUT"         // terminal outcome
)

// Error is Acteon's structured error type: a code, a message, optional
// structured details, an optional wrapped cause, and a retry classification.
type Error struct {
	Code      Code
	Message   string
	Details   map[string]interface{}
	Err       error
	retryable bool
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable reports whether the operation that produced this error may be
// retried.
func (e *Error) Retryable() bool { return e.retryable }

// WithDetails attaches a structured detail and returns the receiver.
func (e *Error) WithDetails(key string, value interface{}) *Error {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

func newErr(code Code, message string, retryable bool) *Error {
	return &Error{Code: code, Message: message, retryable: retryable}
}

func wrapErr(code Code, message string, retryable bool, err error) *Error {
	return &Error{Code: code, Message: message, Err: err, retryable: retryable}
}

// Constructors, one per §7 taxonomy entry.

func InvalidPayload(reason string) *Error {
	return newErr(CodeInvalidPayload, reason, false)
}

func RuleEvaluation(rule string, err error) *Error {
	return wrapErr(CodeRuleEvaluation, "rule evaluation failed", false, err).WithDetails("rule", rule)
}

func Storage(op string, transient bool, err error) *Error {
	return wrapErr(CodeStorage, "storage operation failed", transient, err).WithDetails("op", op)
}

func Lock(name string, err error) *Error {
	return wrapErr(CodeLock, "lock operation failed", true, err).WithDetails("name", name)
}

func ProviderRateLimited(provider string) *Error {
	return newErr(CodeProviderRateLimited, "provider rate limited", true).WithDetails("provider", provider)
}

func ProviderConnection(provider string, err error) *Error {
	return wrapErr(CodeProviderConnection, "provider connection failed", true, err).WithDetails("provider", provider)
}

// ProviderExecution wraps a provider-reported execution failure. retryable
// should be true for 5xx-equivalent failures, false for 4xx-equivalent ones.
func ProviderExecution(provider, message string, retryable bool) *Error {
	return newErr(CodeProviderExecution, message, retryable).WithDetails("provider", provider)
}

func AuditHashDuplicate(stream string) *Error {
	return newErr(CodeAuditHashDuplicate, "duplicate sequence number", true).WithDetails("stream", stream)
}

func ApprovalExpired(approvalID string) *Error {
	return newErr(CodeApprovalExpired, "approval expired", false).WithDetails("approval_id", approvalID)
}

func ChainMisconfigured(reason string) *Error {
	return newErr(CodeChainMisconfigured, reason, false)
}

func ChainTimeout(chainID string) *Error {
	return newErr(CodeChainTimeout, "chain timed out", false).WithDetails("chain_id", chainID)
}

// As extracts an *Error from err's chain, if any.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// IsRetryable reports whether err is an *Error classified as retryable.
func IsRetryable(err error) bool {
	if e, ok := As(err); ok {
		return e.Retryable()
	}
	return false
}

// GetCode extracts the Code of err, if it is an *Error.
func GetCode(err error) (Code, bool) {
	if e, ok := As(err); ok {
		return e.Code, true
	}
	return "", false
}
